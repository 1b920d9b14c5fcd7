package video

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// Source yields decoded frames in capture order. Next returns io.EOF when the stream ends.
type Source interface {
	Info() Info
	Next(ctx context.Context) (*image.RGBA, error)
	Close() error
}

// Sink consumes annotated frames. Commit publishes the output, Abort discards it.
type Sink interface {
	Write(img *image.RGBA) error
	Commit() error
	Abort() error
}

// FFmpegSource decodes a video file to raw RGBA frames.
type FFmpegSource struct {
	info   Info
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *bytes.Buffer
	done   bool
}

// NewFFmpegRawDecoder creates a decoder pipe emitting packed RGBA frames on stdout.
func NewFFmpegRawDecoder(ctx context.Context, inputPath string) *exec.Cmd {
	// -loglevel error keeps the stderr buffer small
	return exec.CommandContext(ctx, "ffmpeg", "-hide_banner", "-loglevel", "error",
		"-i", inputPath, "-f", "rawvideo", "-pix_fmt", "rgba", "-")
}

// NewFFmpegEncoder creates an encoder reading packed RGBA frames from stdin.
// The container is inferred from outputPath's extension.
func NewFFmpegEncoder(ctx context.Context, outputPath string, info Info) *exec.Cmd {
	return exec.CommandContext(ctx, "ffmpeg", "-hide_banner", "-loglevel", "error", "-y",
		"-f", "rawvideo", "-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", info.Width, info.Height),
		"-r", strconv.FormatFloat(info.FPS, 'f', -1, 64),
		"-i", "-",
		"-c:v", "mpeg4", "-q:v", "3", "-pix_fmt", "yuv420p",
		outputPath)
}

// Open probes path and starts the decoder.
func Open(ctx context.Context, path string) (*FFmpegSource, error) {
	info, err := Probe(ctx, path)
	if err != nil {
		return nil, err
	}

	cmd := NewFFmpegRawDecoder(ctx, path)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start decoder: %w", err)
	}

	return &FFmpegSource{info: info, cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

func (s *FFmpegSource) Info() Info { return s.info }

// Next reads one frame. A short read at the end of the stream is treated as end of stream.
func (s *FFmpegSource) Next(ctx context.Context) (*image.RGBA, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, err := readFrame(s.stdout, s.info.Width, s.info.Height)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			s.done = true
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read frame: %w", err)
	}
	return img, nil
}

// Close stops the decoder. Stopping before end of stream is not an error.
func (s *FFmpegSource) Close() error {
	s.stdout.Close() // Ensure pipe is closed to prevent leaks/zombies
	if !s.done && s.cmd.Process != nil {
		s.cmd.Process.Kill()
		s.cmd.Wait()
		return nil
	}
	if err := s.cmd.Wait(); err != nil {
		return fmt.Errorf("decoder failed: %w: %s", err, strings.TrimSpace(s.stderr.String()))
	}
	return nil
}

// readFrame fills a fresh RGBA image from r. The buffer is wrapped, not copied.
func readFrame(r io.Reader, width, height int) (*image.RGBA, error) {
	buf := make([]byte, width*height*4)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return &image.RGBA{
		Pix:    buf,
		Stride: width * 4,
		Rect:   image.Rect(0, 0, width, height),
	}, nil
}

// FFmpegSink encodes frames into a temporary file next to the destination and
// renames it into place on Commit.
type FFmpegSink struct {
	info    Info
	path    string
	tmpPath string
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stderr  *bytes.Buffer
	closed  bool
}

// Create starts an encoder writing to a temp file beside outputPath.
func Create(ctx context.Context, outputPath string, info Info) (*FFmpegSink, error) {
	dir := filepath.Dir(outputPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	ext := filepath.Ext(outputPath)
	tmp, err := os.CreateTemp(dir, "."+strings.TrimSuffix(filepath.Base(outputPath), ext)+".*"+ext)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve temp output: %w", err)
	}
	tmp.Close()

	cmd := NewFFmpegEncoder(ctx, tmp.Name(), info)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to create encoder pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to start encoder: %w", err)
	}

	return &FFmpegSink{info: info, path: outputPath, tmpPath: tmp.Name(), cmd: cmd, stdin: stdin, stderr: stderr}, nil
}

// Write sends one frame to the encoder.
func (s *FFmpegSink) Write(img *image.RGBA) error {
	return writeFrame(s.stdin, img, s.info.Width, s.info.Height)
}

// Commit finishes encoding and moves the file to its final path.
func (s *FFmpegSink) Commit() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.stdin.Close()
	if err := s.cmd.Wait(); err != nil {
		os.Remove(s.tmpPath)
		return fmt.Errorf("encoder failed: %w: %s", err, strings.TrimSpace(s.stderr.String()))
	}
	if err := os.Chmod(s.tmpPath, 0644); err != nil {
		os.Remove(s.tmpPath)
		return fmt.Errorf("failed to set output permissions: %w", err)
	}
	if err := os.Rename(s.tmpPath, s.path); err != nil {
		os.Remove(s.tmpPath)
		return fmt.Errorf("failed to commit output video: %w", err)
	}
	return nil
}

// Abort kills the encoder and deletes the partial file.
func (s *FFmpegSink) Abort() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.stdin.Close()
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	s.cmd.Wait()
	if err := os.Remove(s.tmpPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// writeFrame writes img as packed RGBA rows of width*4 bytes, padding or cropping to the stream size.
func writeFrame(w io.Writer, img *image.RGBA, width, height int) error {
	rowLen := width * 4
	b := img.Bounds()
	if b.Dx() == width && b.Dy() == height && img.Stride == rowLen {
		start := img.PixOffset(b.Min.X, b.Min.Y)
		_, err := w.Write(img.Pix[start : start+rowLen*height])
		return err
	}

	row := make([]byte, rowLen)
	for y := 0; y < height; y++ {
		for i := range row {
			row[i] = 0
		}
		if y < b.Dy() {
			n := b.Dx()
			if n > width {
				n = width
			}
			off := img.PixOffset(b.Min.X, b.Min.Y+y)
			copy(row, img.Pix[off:off+n*4])
		}
		if _, err := w.Write(row); err != nil {
			return err
		}
	}
	return nil
}
