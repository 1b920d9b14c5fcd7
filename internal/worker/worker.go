// Package worker drives an out-of-process detection and encoding engine.
//
// The engine is a Python script started once per worker. Requests go to its
// stdin, responses come back on a side-channel pipe (FD 3) so that library
// chatter on stdout never corrupts the stream. Every message in either
// direction is framed as [uint32 big-endian length][payload].
//
// Request payloads:
//
//	'D' [float32 threshold][uint32 width][uint32 height][width*height*4 RGBA bytes]
//	'E' [uint32 width][uint32 height][width*height*4 RGBA bytes]
//
// Response payloads start with a status byte. Status 1 is followed by
// [uint32 len][message]. Status 0 is followed by:
//
//	detect: [uint32 n] then n × ([4]int32 box, float32 confidence, int32 class)
//	encode: [uint32 n][uint32 dim] then n × ([4]int32 box, dim × float32)
package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"sync"
	"time"

	"github.com/andresmejia3/maskwatch/internal/types"
	"github.com/andresmejia3/maskwatch/internal/utils" // Using the SafeCommand wrapper
	"github.com/disintegration/imaging"
)

const (
	opDetect byte = 'D'
	opEncode byte = 'E'

	statusOK    byte = 0
	statusError byte = 1

	// Guards against a corrupt length header allocating gigabytes.
	maxResponse = 64 * 1024 * 1024
)

// ErrTimeout is returned when the engine does not answer in time. The worker is unusable afterwards.
var ErrTimeout = errors.New("worker timed out")

// Config selects the interpreter and script that back a worker.
type Config struct {
	Python  string
	Script  string
	Args    []string
	Timeout time.Duration
}

// DefaultConfig runs python/worker.py with python3 and a 30s timeout per request.
func DefaultConfig() Config {
	return Config{Python: "python3", Script: "python/worker.py", Timeout: 30 * time.Second}
}

type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
	Timeout  time.Duration

	mu     sync.Mutex
	broken error
}

// NewPythonWorker starts the engine process.
func NewPythonWorker(ctx context.Context, id int, cfg Config) (*PythonWorker, error) {
	args := append([]string{"-u", cfg.Script}, cfg.Args...)
	py := utils.NewSafeCommand(ctx, cfg.Python, args...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		Timeout:  cfg.Timeout,
	}, nil
}

// Communicate sends one framed request and reads one framed response.
// Requests are serialized; a timeout or cancellation kills the process.
func (w *PythonWorker) Communicate(ctx context.Context, data []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.broken != nil {
		return nil, w.broken
	}

	type reply struct {
		body []byte
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		body, err := w.exchange(data)
		done <- reply{body, err}
	}()

	var timeout <-chan time.Time
	if w.Timeout > 0 {
		timer := time.NewTimer(w.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case r := <-done:
		if r.err != nil {
			// This is where we catch the "ModuleNotFoundError" crash
			w.broken = fmt.Errorf("worker %d pipe failed: %w", w.ID, r.err)
			return nil, w.broken
		}
		return r.body, nil
	case <-timeout:
		w.broken = fmt.Errorf("worker %d: %w after %v", w.ID, ErrTimeout, w.Timeout)
	case <-ctx.Done():
		w.broken = ctx.Err()
	}
	w.kill()
	return nil, w.broken
}

func (w *PythonWorker) exchange(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err
	}
	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponse {
		return nil, fmt.Errorf("response of %d bytes exceeds limit", respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// Detect implements detect.Detector.
func (w *PythonWorker) Detect(ctx context.Context, img image.Image, threshold float64) ([]types.RawDetection, error) {
	req := new(bytes.Buffer)
	req.WriteByte(opDetect)
	binary.Write(req, binary.BigEndian, float32(threshold))
	writeImage(req, img)

	resp, err := w.Communicate(ctx, req.Bytes())
	if err != nil {
		return nil, err
	}
	r, err := checkStatus(resp)
	if err != nil {
		return nil, err
	}

	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("malformed detect response: %w", err)
	}
	off := img.Bounds().Min
	out := make([]types.RawDetection, 0, n)
	for i := uint32(0); i < n; i++ {
		var rec struct {
			Box   [4]int32
			Conf  float32
			Class int32
		}
		if err := binary.Read(r, binary.BigEndian, &rec); err != nil {
			return nil, fmt.Errorf("malformed detect response: %w", err)
		}
		out = append(out, types.RawDetection{
			Box: [4]float64{
				float64(rec.Box[0]) + float64(off.X), float64(rec.Box[1]) + float64(off.Y),
				float64(rec.Box[2]) + float64(off.X), float64(rec.Box[3]) + float64(off.Y),
			},
			Confidence: float64(rec.Conf),
			ClassIndex: int(rec.Class),
		})
	}
	return out, nil
}

// Encode implements identity.Encoder. Boxes are relative to img's bounds.
func (w *PythonWorker) Encode(ctx context.Context, img image.Image) ([]types.FaceEncoding, error) {
	req := new(bytes.Buffer)
	req.WriteByte(opEncode)
	writeImage(req, img)

	resp, err := w.Communicate(ctx, req.Bytes())
	if err != nil {
		return nil, err
	}
	r, err := checkStatus(resp)
	if err != nil {
		return nil, err
	}

	var hdr struct{ N, Dim uint32 }
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return nil, fmt.Errorf("malformed encode response: %w", err)
	}
	// Each face needs 16 bytes of box plus the vector.
	if uint64(hdr.N)*(16+4*uint64(hdr.Dim)) > uint64(r.Len()) {
		return nil, fmt.Errorf("malformed encode response: %d faces of dim %d in %d bytes", hdr.N, hdr.Dim, r.Len())
	}

	off := img.Bounds().Min
	out := make([]types.FaceEncoding, 0, hdr.N)
	vec := make([]float32, hdr.Dim)
	for i := uint32(0); i < hdr.N; i++ {
		var box [4]int32
		if err := binary.Read(r, binary.BigEndian, &box); err != nil {
			return nil, fmt.Errorf("malformed encode response: %w", err)
		}
		if err := binary.Read(r, binary.BigEndian, vec); err != nil {
			return nil, fmt.Errorf("malformed encode response: %w", err)
		}
		enc := make([]float64, hdr.Dim)
		for j, v := range vec {
			enc[j] = float64(v)
		}
		out = append(out, types.FaceEncoding{
			Box:      image.Rect(int(box[0]), int(box[1]), int(box[2]), int(box[3])).Add(off),
			Encoding: enc,
		})
	}
	return out, nil
}

// checkStatus consumes the status byte and turns an error status into a Go error.
func checkStatus(resp []byte) (*bytes.Reader, error) {
	r := bytes.NewReader(resp)
	status, err := r.ReadByte()
	if err != nil {
		return nil, errors.New("empty response from worker")
	}
	switch status {
	case statusOK:
		return r, nil
	case statusError:
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return nil, errors.New("python worker error: <unreadable message>")
		}
		if int64(msgLen) > int64(r.Len()) {
			msgLen = uint32(r.Len())
		}
		msg := make([]byte, msgLen)
		io.ReadFull(r, msg)
		return nil, fmt.Errorf("python worker error: %s", msg)
	}
	return nil, fmt.Errorf("unknown worker status %d", status)
}

// writeImage appends [width][height][pixels] as tightly packed non-premultiplied RGBA.
func writeImage(buf *bytes.Buffer, img image.Image) {
	px := imaging.Clone(img)
	b := px.Bounds()
	binary.Write(buf, binary.BigEndian, uint32(b.Dx()))
	binary.Write(buf, binary.BigEndian, uint32(b.Dy()))
	buf.Write(px.Pix)
}

func (w *PythonWorker) kill() {
	if w.Cmd != nil && w.Cmd.Process != nil {
		w.Cmd.Process.Kill()
	}
}

// Logs returns the engine's captured stderr.
func (w *PythonWorker) Logs() string {
	return w.Cmd.Logs()
}

// Close shuts the engine down and reaps the process.
func (w *PythonWorker) Close() error {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	err := w.Cmd.Wait()
	if w.broken != nil {
		// Killed on purpose; the exit status carries no news.
		return nil
	}
	return err
}
