// Package pipeline runs the frame-by-frame analysis of one video against one
// reference face: classify regions, match faces, annotate, record events and
// write the annotated video plus the event log.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/andresmejia3/maskwatch/internal/detect"
	"github.com/andresmejia3/maskwatch/internal/identity"
	"github.com/andresmejia3/maskwatch/internal/logging"
	"github.com/andresmejia3/maskwatch/internal/types"
	"github.com/andresmejia3/maskwatch/internal/video"
	"github.com/google/uuid"
)

type State int

const (
	Idle State = iota
	Initializing
	Running
	Finalizing
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Initializing:
		return "initializing"
	case Running:
		return "running"
	case Finalizing:
		return "finalizing"
	case Done:
		return "done"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	ErrVideoNotFound    = errors.New("video not found")
	ErrVideoUnopenable  = errors.New("video cannot be opened")
	ErrOutputUnwritable = errors.New("output cannot be written")
	ErrAlreadyRun       = errors.New("pipeline already run")
)

// Kind is the human-readable classification attached to every failure.
type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindIO            Kind = "io"
	KindUnexpected    Kind = "unexpected"
)

// Error reports which stage failed and how the failure is classified.
type Error struct {
	Stage State
	Kind  Kind
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error while %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// classify maps known failures to a Kind; anything else is unexpected.
func classify(err error) Kind {
	switch {
	case errors.Is(err, ErrVideoNotFound),
		errors.Is(err, ErrVideoUnopenable),
		errors.Is(err, detect.ErrModelUnavailable),
		errors.Is(err, identity.ErrReferenceNotFound),
		errors.Is(err, identity.ErrReferenceUnreadable),
		errors.Is(err, identity.ErrNoFaceInReference):
		return KindConfiguration
	case errors.Is(err, ErrOutputUnwritable):
		return KindIO
	}
	return KindUnexpected
}

// Engine is one detection and encoding backend. Each engine serves one frame at a time.
type Engine interface {
	detect.Detector
	identity.Encoder
	Close() error
}

// Progress receives frame-level progress. Begin is called once with the
// expected frame count, or -1 when unknown.
type Progress interface {
	Begin(total int)
	Advance()
}

// Deps are the collaborators a pipeline acquires during Initializing.
type Deps struct {
	OpenSource func(ctx context.Context, path string) (video.Source, error)
	OpenSink   func(ctx context.Context, path string, info video.Info) (video.Sink, error)
	NewEngine  func(ctx context.Context, id int) (Engine, error)
	Progress   Progress
}

// Config holds the per-run parameters. They are fixed for the lifetime of the run.
type Config struct {
	VideoPath     string
	ReferencePath string
	OutputPath    string
	LogPath       string
	Threshold     float64
	Tolerance     float64
	Metric        identity.Metric
	Engines       int
	Logger        *slog.Logger
}

// Report is handed to the caller after Finalizing.
type Report struct {
	RunID       string
	Events      []types.TimelineEvent
	FramesRead  int
	FramesTotal int
	FPS         float64
}

type Pipeline struct {
	cfg    Config
	deps   Deps
	runID  string
	logger *slog.Logger

	mu    sync.Mutex
	state State
}

// New validates cfg and fills defaults. No resources are acquired until Run.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	if cfg.VideoPath == "" || cfg.ReferencePath == "" || cfg.OutputPath == "" {
		return nil, errors.New("video, reference and output paths are required")
	}
	if deps.NewEngine == nil {
		return nil, errors.New("no engine factory configured")
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = detect.DefaultThreshold
	}
	if cfg.Tolerance == 0 {
		cfg.Tolerance = identity.DefaultTolerance
	}
	if cfg.Metric == nil {
		cfg.Metric = identity.Euclidean{}
	}
	if cfg.Engines < 1 {
		cfg.Engines = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if deps.OpenSource == nil {
		deps.OpenSource = func(ctx context.Context, path string) (video.Source, error) {
			return video.Open(ctx, path)
		}
	}
	if deps.OpenSink == nil {
		deps.OpenSink = func(ctx context.Context, path string, info video.Info) (video.Sink, error) {
			return video.Create(ctx, path, info)
		}
	}

	runID := uuid.NewString()
	return &Pipeline{
		cfg:    cfg,
		deps:   deps,
		runID:  runID,
		logger: cfg.Logger.With("run", runID),
	}, nil
}

func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) RunID() string { return p.runID }

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	prev := p.state
	p.state = s
	p.mu.Unlock()
	p.logger.Debug("pipeline state", "from", prev.String(), "to", s.String())
}

// fail moves to Failed and wraps err with the stage it happened in.
func (p *Pipeline) fail(stage State, err error) error {
	p.setState(Failed)
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	perr = &Error{Stage: stage, Kind: classify(err), Err: err}
	p.logger.Error("pipeline failed", "stage", stage.String(), "kind", string(perr.Kind), "err", err)
	return perr
}

// statVideo is the first Initializing check so a bad path fails before any model or reference work.
func statVideo(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrVideoNotFound, path)
		}
		return fmt.Errorf("%w: %s: %v", ErrVideoUnopenable, path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrVideoNotFound, path)
	}
	return nil
}
