// Package video reads and writes raw RGBA frames through ffmpeg subprocesses.
package video

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ErrProbe marks a container that ffprobe could not describe.
var ErrProbe = errors.New("unable to probe video")

// Info describes the video stream. TotalFrames is 0 when the container does not say.
type Info struct {
	FPS         float64
	Width       int
	Height      int
	TotalFrames int
}

// FrameSize is the number of bytes in one RGBA frame.
func (i Info) FrameSize() int {
	return i.Width * i.Height * 4
}

type ffprobeOutput struct {
	Streams []struct {
		Width         int    `json:"width"`
		Height        int    `json:"height"`
		RFrameRate    string `json:"r_frame_rate"`
		AvgFrameRate  string `json:"avg_frame_rate"`
		NbFrames      string `json:"nb_frames"`
		NbReadPackets string `json:"nb_read_packets"`
	} `json:"streams"`
}

// Probe asks ffprobe for the first video stream's geometry, frame rate and frame count.
func Probe(ctx context.Context, path string) (Info, error) {
	if _, err := exec.LookPath("ffprobe"); err != nil {
		return Info{}, fmt.Errorf("%w: ffprobe not found: %v", ErrProbe, err)
	}

	// Fast path: container metadata. nb_frames may be "N/A" for some containers.
	cmd := exec.CommandContext(ctx, "ffprobe", "-v", "error", "-select_streams", "v:0",
		"-show_entries", "stream=width,height,r_frame_rate,avg_frame_rate,nb_frames", "-of", "json", path)
	out, err := cmd.Output()
	if err != nil {
		return Info{}, fmt.Errorf("%w: %s: %v", ErrProbe, path, err)
	}
	info, err := parseProbe(out)
	if err != nil {
		return Info{}, fmt.Errorf("%w: %s: %v", ErrProbe, path, err)
	}
	if info.TotalFrames > 0 {
		return info, nil
	}

	// Slow path: count packets. A failure here only costs us the progress estimate.
	cmd = exec.CommandContext(ctx, "ffprobe", "-v", "error", "-select_streams", "v:0", "-count_packets",
		"-show_entries", "stream=nb_read_packets", "-of", "json", path)
	if out, err := cmd.Output(); err == nil {
		var res ffprobeOutput
		if json.Unmarshal(out, &res) == nil && len(res.Streams) > 0 {
			if n, err := strconv.Atoi(res.Streams[0].NbReadPackets); err == nil && n > 0 {
				info.TotalFrames = n
			}
		}
	}
	return info, nil
}

func parseProbe(data []byte) (Info, error) {
	var res ffprobeOutput
	if err := json.Unmarshal(data, &res); err != nil {
		return Info{}, fmt.Errorf("ffprobe JSON parse error: %w", err)
	}
	if len(res.Streams) == 0 {
		return Info{}, errors.New("no video stream")
	}
	s := res.Streams[0]
	if s.Width <= 0 || s.Height <= 0 {
		return Info{}, fmt.Errorf("invalid dimensions %dx%d", s.Width, s.Height)
	}

	fps, err := parseFrameRate(s.RFrameRate)
	if err != nil {
		fps, err = parseFrameRate(s.AvgFrameRate)
		if err != nil {
			return Info{}, fmt.Errorf("invalid frame rate: %w", err)
		}
	}

	total, _ := strconv.Atoi(s.NbFrames) // "N/A" leaves 0
	if total < 0 {
		total = 0
	}
	return Info{FPS: fps, Width: s.Width, Height: s.Height, TotalFrames: total}, nil
}

// parseFrameRate accepts ffprobe rationals ("30000/1001") and plain numbers.
func parseFrameRate(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty frame rate")
	}
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, err
	}
	d := 1.0
	if found {
		if d, err = strconv.ParseFloat(den, 64); err != nil {
			return 0, err
		}
	}
	if d == 0 || n <= 0 {
		return 0, fmt.Errorf("non-positive frame rate %q", s)
	}
	return n / d, nil
}
