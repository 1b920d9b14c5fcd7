package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"sync"

	"github.com/andresmejia3/maskwatch/internal/annotate"
	"github.com/andresmejia3/maskwatch/internal/detect"
	"github.com/andresmejia3/maskwatch/internal/identity"
	"github.com/andresmejia3/maskwatch/internal/timeline"
	"github.com/andresmejia3/maskwatch/internal/types"
	"github.com/andresmejia3/maskwatch/internal/video"
	"github.com/disintegration/imaging"
)

// analyzer is one engine bound to the run's threshold and reference.
type analyzer struct {
	id         int
	classifier *detect.Classifier
	matcher    *identity.Matcher
}

type region struct {
	det    types.Detection
	result identity.Result
}

// frameResult wraps the analysis of one frame on its way to the ordering loop.
type frameResult struct {
	frame   types.Frame
	regions []region
	err     error
}

// Run drives the pipeline from Idle to Done or Failed. It may be called once.
func (p *Pipeline) Run(ctx context.Context) (Report, error) {
	p.mu.Lock()
	if p.state != Idle {
		p.mu.Unlock()
		return Report{}, ErrAlreadyRun
	}
	p.mu.Unlock()

	p.setState(Initializing)

	// 1. Video path
	if err := statVideo(p.cfg.VideoPath); err != nil {
		return Report{}, p.fail(Initializing, err)
	}

	// 2. Source
	src, err := p.deps.OpenSource(ctx, p.cfg.VideoPath)
	if err != nil {
		return Report{}, p.fail(Initializing, fmt.Errorf("%w: %w", ErrVideoUnopenable, err))
	}
	srcOpen := true
	defer func() {
		if srcOpen {
			src.Close()
		}
	}()
	info := src.Info()
	if info.FPS <= 0 || info.Width <= 0 || info.Height <= 0 {
		return Report{}, p.fail(Initializing, fmt.Errorf("%w: invalid stream %dx%d @ %.3f fps",
			ErrVideoUnopenable, info.Width, info.Height, info.FPS))
	}

	// 3. Engines
	engines := make([]Engine, 0, p.cfg.Engines)
	defer func() {
		for _, e := range engines {
			if err := e.Close(); err != nil {
				p.logger.Warn("engine close failed", "err", err)
			}
		}
	}()
	for i := 0; i < p.cfg.Engines; i++ {
		e, err := p.deps.NewEngine(ctx, i)
		if err != nil {
			if !errors.Is(err, detect.ErrModelUnavailable) {
				err = fmt.Errorf("%w: engine %d: %w", detect.ErrModelUnavailable, i, err)
			}
			return Report{}, p.fail(Initializing, err)
		}
		engines = append(engines, e)
	}

	// 4. Reference
	ref, err := identity.LoadReference(ctx, engines[0], p.cfg.ReferencePath, p.logger)
	if err != nil {
		return Report{}, p.fail(Initializing, err)
	}

	analyzers := make([]*analyzer, len(engines))
	for i, e := range engines {
		cls, err := detect.New(e, p.cfg.Threshold)
		if err != nil {
			return Report{}, p.fail(Initializing, err)
		}
		m, err := identity.NewMatcher(e, ref,
			identity.WithTolerance(p.cfg.Tolerance),
			identity.WithMetric(p.cfg.Metric),
			identity.WithLogger(p.logger.With("engine", i)),
		)
		if err != nil {
			return Report{}, p.fail(Initializing, err)
		}
		analyzers[i] = &analyzer{id: i, classifier: cls, matcher: m}
	}

	// 5. Sink
	sink, err := p.deps.OpenSink(ctx, p.cfg.OutputPath, info)
	if err != nil {
		return Report{}, p.fail(Initializing, fmt.Errorf("%w: %w", ErrOutputUnwritable, err))
	}
	sinkOpen := true
	defer func() {
		if sinkOpen {
			if err := sink.Abort(); err != nil {
				p.logger.Warn("failed to discard partial output", "err", err)
			}
		}
	}()

	p.logger.Info("pipeline initialized",
		"video", p.cfg.VideoPath, "fps", info.FPS, "width", info.Width, "height", info.Height,
		"frames", info.TotalFrames, "engines", len(engines), "threshold", p.cfg.Threshold,
		"tolerance", analyzers[0].matcher.Tolerance(), "metric", p.cfg.Metric.Name())

	// Running
	p.setState(Running)
	total := info.TotalFrames
	if p.deps.Progress != nil {
		if total > 0 {
			p.deps.Progress.Begin(total)
		} else {
			p.deps.Progress.Begin(-1)
		}
	}

	var acc timeline.Accumulator
	framesRead, err := p.process(ctx, src, sink, analyzers, info, &acc)
	if err != nil {
		return Report{}, p.fail(Running, err)
	}
	if err := ctx.Err(); err != nil {
		return Report{}, p.fail(Running, err)
	}

	// Finalizing
	p.setState(Finalizing)
	srcOpen = false
	if err := src.Close(); err != nil {
		p.logger.Warn("decoder did not exit cleanly", "err", err)
	}

	events := acc.All()
	if p.cfg.LogPath != "" {
		if err := timeline.WriteLogFile(p.cfg.LogPath, events); err != nil {
			return Report{}, p.fail(Finalizing, fmt.Errorf("%w: %w", ErrOutputUnwritable, err))
		}
	}
	sinkOpen = false
	if err := sink.Commit(); err != nil {
		if p.cfg.LogPath != "" {
			os.Remove(p.cfg.LogPath)
		}
		return Report{}, p.fail(Finalizing, fmt.Errorf("%w: %w", ErrOutputUnwritable, err))
	}

	p.setState(Done)
	p.logger.Info("pipeline done", "frames", framesRead, "events", len(events))
	return Report{
		RunID:       p.runID,
		Events:      events,
		FramesRead:  framesRead,
		FramesTotal: total,
		FPS:         info.FPS,
	}, nil
}

// framesPerEngine bounds how many decoded frames may wait for the writer, per engine.
const framesPerEngine = 2

// process reads frames, fans them out to the analyzers and applies the results
// in strict frame order. It returns the number of frames written.
func (p *Pipeline) process(parent context.Context, src video.Source, sink video.Sink, analyzers []*analyzer, info video.Info, acc *timeline.Accumulator) (int, error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	n := len(analyzers)
	tasks := make(chan types.Frame, n)
	results := make(chan frameResult, n*2)
	readErr := make(chan error, 1)
	slots := make(chan struct{}, framesPerEngine*n)

	// Reader (Producer)
	go func() {
		defer close(tasks)
		for i := 0; info.TotalFrames <= 0 || i < info.TotalFrames; i++ {
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				readErr <- ctx.Err()
				return
			}
			img, err := src.Next(ctx)
			if errors.Is(err, io.EOF) {
				if info.TotalFrames > 0 {
					p.logger.Warn("video ended early", "read", i, "expected", info.TotalFrames)
				}
				break
			}
			if err != nil {
				readErr <- fmt.Errorf("reading frame %d: %w", i, err)
				cancel()
				return
			}
			select {
			case tasks <- types.Frame{Index: i, Elapsed: types.ElapsedAt(i, info.FPS), Image: img}:
			case <-ctx.Done():
				readErr <- ctx.Err()
				return
			}
		}
		readErr <- nil
	}()

	// Engine Pool
	var wg sync.WaitGroup
	for _, a := range analyzers {
		wg.Add(1)
		go func(a *analyzer) {
			defer wg.Done()
			for f := range tasks {
				res := a.analyze(ctx, f)
				select {
				case results <- res:
				case <-ctx.Done():
					return
				}
			}
		}(a)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	// Ordering loop: annotation, recording and writing happen here only.
	// Workers may finish out of order, so results wait in buffer until their turn.
	buffer := make(map[int]frameResult)
	next := 0
	var firstErr error
	echoed := false
	ann := annotate.Annotator{}

	for res := range results {
		if firstErr != nil {
			continue // drain
		}
		if res.err != nil && parent.Err() == nil && ctx.Err() != nil && errors.Is(res.err, context.Canceled) {
			// Our own cancel reached an engine; the cause is reported elsewhere
			echoed = true
			continue
		}
		if res.err != nil {
			firstErr = fmt.Errorf("analysing frame %d: %w", res.frame.Index, res.err)
			cancel()
			continue
		}
		buffer[res.frame.Index] = res

		for {
			r, ok := buffer[next]
			if !ok {
				break
			}
			delete(buffer, next)

			p.apply(ann, r, acc)
			if err := sink.Write(r.frame.Image); err != nil {
				firstErr = fmt.Errorf("%w: writing frame %d: %v", ErrOutputUnwritable, r.frame.Index, err)
				cancel()
				break
			}
			<-slots
			if p.deps.Progress != nil {
				p.deps.Progress.Advance()
			}
			next++
		}
	}

	rerr := <-readErr
	if firstErr != nil {
		return next, firstErr
	}
	if rerr != nil {
		return next, rerr
	}
	if echoed {
		return next, context.Canceled
	}
	if len(buffer) > 0 {
		return next, fmt.Errorf("%d analysed frames never reached the writer", len(buffer))
	}
	return next, nil
}

// apply draws every region and records events. Faces are recorded only on a match, masks always.
func (p *Pipeline) apply(ann annotate.Annotator, r frameResult, acc *timeline.Accumulator) {
	for _, reg := range r.regions {
		switch reg.det.Class {
		case types.Face:
			matched := reg.result.Matched()
			ann.Annotate(r.frame.Image, reg.det, annotate.Annotation{Matched: matched, Elapsed: r.frame.Elapsed})
			if matched {
				acc.Record(r.frame.Index, r.frame.Elapsed, types.FaceMatch)
			}
		case types.Mask:
			ann.Annotate(r.frame.Image, reg.det, annotate.Annotation{Elapsed: r.frame.Elapsed})
			acc.Record(r.frame.Index, r.frame.Elapsed, types.MaskSeen)
		}
	}
}

// analyze classifies the frame and compares every face crop to the reference.
// The frame itself is not modified.
func (a *analyzer) analyze(ctx context.Context, f types.Frame) frameResult {
	dets, err := a.classifier.Detect(ctx, f.Image)
	if err != nil {
		return frameResult{frame: f, err: err}
	}
	regions := make([]region, 0, len(dets))
	for _, d := range dets {
		reg := region{det: d}
		if d.Class == types.Face {
			reg.result = a.matcher.Compare(ctx, crop(f.Image, d.Box))
		}
		regions = append(regions, reg)
	}
	// Compare swallows encoder errors, so surface cancellation here.
	if err := ctx.Err(); err != nil {
		return frameResult{frame: f, err: err}
	}
	return frameResult{frame: f, regions: regions}
}

// crop copies box ∩ frame. An empty intersection yields an empty image.
func crop(img *image.RGBA, box image.Rectangle) image.Image {
	return imaging.Crop(img, box.Intersect(img.Bounds()))
}
