package cmd

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/andresmejia3/maskwatch/internal/detect"
	"github.com/andresmejia3/maskwatch/internal/pipeline"
	"github.com/andresmejia3/maskwatch/internal/types"
	"github.com/andresmejia3/maskwatch/internal/utils"
	"github.com/andresmejia3/maskwatch/internal/worker"
)

// engine pairs a region detector with the worker that encodes faces.
// With the worker backend both roles are the same process.
type engine struct {
	detect.Detector
	*worker.PythonWorker
}

// Detect resolves the ambiguity between the embedded detector and the worker's own Detect.
func (e *engine) Detect(ctx context.Context, img image.Image, threshold float64) ([]types.RawDetection, error) {
	return e.Detector.Detect(ctx, img, threshold)
}

// enginePool starts engines on demand and remembers them so their logs can be shown on failure.
type enginePool struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	workers []*worker.PythonWorker
}

func (p *enginePool) New(ctx context.Context, id int) (pipeline.Engine, error) {
	timeout, err := time.ParseDuration(p.opts.WorkerTimeout)
	if err != nil {
		return nil, err
	}

	var det detect.Detector
	if p.opts.Detector == "pigo" {
		pd, err := detect.NewPigoDetector(p.opts.CascadePath, detect.DefaultPigoConfig())
		if err != nil {
			return nil, err
		}
		if id == 0 {
			p.logger.Warn("pigo backend only finds faces; no mask events will be recorded", "cascade", cascadeName(p.opts.CascadePath))
		}
		det = pd
	}

	w, err := worker.NewPythonWorker(ctx, id, worker.Config{
		Python:  p.opts.Python,
		Script:  p.opts.WorkerScript,
		Timeout: timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", detect.ErrModelUnavailable, err)
	}

	p.mu.Lock()
	p.workers = append(p.workers, w)
	p.mu.Unlock()

	if det == nil {
		det = w
	}
	p.logger.Debug("engine started", "engine", id, "detector", p.opts.Detector)
	return &engine{Detector: det, PythonWorker: w}, nil
}

// Noisy returns the command of the first worker that wrote to stderr, or nil.
func (p *enginePool) Noisy() *utils.SafeCommand {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if w.Logs() != "" {
			return w.Cmd
		}
	}
	return nil
}

func cascadeName(path string) string {
	if path == "" {
		return "built-in facefinder"
	}
	return path
}
