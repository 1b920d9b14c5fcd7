package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/andresmejia3/maskwatch/internal/config"
	"github.com/andresmejia3/maskwatch/internal/identity"
	"github.com/andresmejia3/maskwatch/internal/logging"
	"github.com/andresmejia3/maskwatch/internal/pipeline"
	"github.com/andresmejia3/maskwatch/internal/store"
	"github.com/andresmejia3/maskwatch/internal/timeline"
	"github.com/andresmejia3/maskwatch/internal/utils"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

// Options holds the configuration of a scan
type Options struct {
	InputPath          string
	ReferencePath      string
	OutputPath         string
	LogPath            string
	DetectionThreshold float64
	MatchTolerance     float64
	Metric             string
	Detector           string
	CascadePath        string
	NumEngines         int
	Python             string
	WorkerScript       string
	WorkerTimeout      string
	LogLevel           string
	LogFile            string
	ConfigPath         string
	Quiet              bool
}

var scanOpts Options

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Annotate a video and log when the reference face or a mask appears",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		opts := scanOpts
		if err := applyConfig(cmd, &opts); err != nil {
			return err
		}
		return runScan(cmd.Context(), opts, os.Stdout)
	},
}

func init() {
	d := config.Default()
	scanCmd.Flags().StringVarP(&scanOpts.InputPath, "input", "i", "", "Path to video")
	scanCmd.Flags().StringVarP(&scanOpts.ReferencePath, "reference", "r", "", "Path to an image of the face to look for")
	scanCmd.Flags().StringVarP(&scanOpts.OutputPath, "output", "o", d.Output, "Path to the annotated output video")
	scanCmd.Flags().StringVarP(&scanOpts.LogPath, "log", "l", d.Log, "Path to the event log")
	scanCmd.Flags().Float64VarP(&scanOpts.DetectionThreshold, "detection-threshold", "D", d.Threshold, "Minimum detection confidence")
	scanCmd.Flags().Float64VarP(&scanOpts.MatchTolerance, "tolerance", "t", d.Tolerance, "Face matching tolerance (lower is stricter)")
	scanCmd.Flags().StringVar(&scanOpts.Metric, "metric", d.Metric, "Encoding distance: euclidean, cosine")
	scanCmd.Flags().StringVar(&scanOpts.Detector, "detector", d.Detector, "Region detector: worker (faces and masks), pigo (faces only)")
	scanCmd.Flags().StringVar(&scanOpts.CascadePath, "cascade", d.Cascade, "Pigo cascade file (pigo detector only, empty uses the built-in facefinder)")
	scanCmd.Flags().IntVarP(&scanOpts.NumEngines, "engines", "e", d.Engines, "Number of parallel engine workers")
	scanCmd.Flags().StringVar(&scanOpts.Python, "python", d.Python, "Python interpreter for the worker")
	scanCmd.Flags().StringVar(&scanOpts.WorkerScript, "worker-script", d.WorkerScript, "Worker script path")
	scanCmd.Flags().StringVar(&scanOpts.WorkerTimeout, "worker-timeout", d.WorkerTimeout.String(), "Timeout for a worker to answer a single request")
	scanCmd.Flags().StringVar(&scanOpts.LogLevel, "log-level", d.LogLevel, "Log level: debug, info, warn, error")
	scanCmd.Flags().StringVar(&scanOpts.LogFile, "log-file", d.LogFile, "Write diagnostics to this file instead of stderr")
	scanCmd.Flags().StringVar(&scanOpts.ConfigPath, "config", "", "YAML file with scan defaults; explicit flags win")
	scanCmd.Flags().BoolVarP(&scanOpts.Quiet, "quiet", "q", false, "Do not print the event log to stdout")

	scanCmd.MarkFlagRequired("input")
	scanCmd.MarkFlagRequired("reference")
	rootCmd.AddCommand(scanCmd)
}

// applyConfig fills every option whose flag was not set explicitly from the --config file.
func applyConfig(cmd *cobra.Command, opts *Options) error {
	if opts.ConfigPath == "" {
		return nil
	}
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	set := func(flag string, apply func()) {
		if !cmd.Flags().Changed(flag) {
			apply()
		}
	}
	set("output", func() { opts.OutputPath = cfg.Output })
	set("log", func() { opts.LogPath = cfg.Log })
	set("detection-threshold", func() { opts.DetectionThreshold = cfg.Threshold })
	set("tolerance", func() { opts.MatchTolerance = cfg.Tolerance })
	set("metric", func() { opts.Metric = cfg.Metric })
	set("detector", func() { opts.Detector = cfg.Detector })
	set("cascade", func() { opts.CascadePath = cfg.Cascade })
	set("engines", func() { opts.NumEngines = cfg.Engines })
	set("python", func() { opts.Python = cfg.Python })
	set("worker-script", func() { opts.WorkerScript = cfg.WorkerScript })
	set("worker-timeout", func() { opts.WorkerTimeout = cfg.WorkerTimeout.String() })
	set("log-level", func() { opts.LogLevel = cfg.LogLevel })
	set("log-file", func() { opts.LogFile = cfg.LogFile })
	return nil
}

// validateScanFlags ensures all CLI arguments are valid before starting heavy processes.
// Existence of the video and reference is left to the pipeline so it can report them in order.
func validateScanFlags(opts *Options) error {
	if opts.InputPath == "" {
		return errors.New("--input is required")
	}
	if opts.ReferencePath == "" {
		return errors.New("--reference is required")
	}
	if opts.OutputPath == "" {
		return errors.New("--output must not be empty")
	}
	if opts.DetectionThreshold <= 0 || opts.DetectionThreshold > 1.0 {
		return fmt.Errorf("detection threshold must be between 0.0 and 1.0, got %f", opts.DetectionThreshold)
	}
	if opts.MatchTolerance <= 0 {
		return fmt.Errorf("match tolerance must be positive, got %f", opts.MatchTolerance)
	}
	if _, err := identity.ParseMetric(opts.Metric); err != nil {
		return err
	}
	if opts.Detector != "worker" && opts.Detector != "pigo" {
		return fmt.Errorf("invalid detector '%s'. Must be 'worker' or 'pigo'", opts.Detector)
	}
	if opts.NumEngines < 1 {
		opts.NumEngines = 1
	}
	if _, err := time.ParseDuration(opts.WorkerTimeout); err != nil {
		return fmt.Errorf("invalid worker-timeout format (use '30s', '1m'): %w", err)
	}

	// Prevent overwriting the input
	absIn, err := filepath.Abs(opts.InputPath)
	if err != nil {
		return err
	}
	absOut, err := filepath.Abs(opts.OutputPath)
	if err != nil {
		return err
	}
	if absIn == absOut {
		return errors.New("output path cannot be the same as input path")
	}
	if opts.LogPath != "" {
		absLog, err := filepath.Abs(opts.LogPath)
		if err != nil {
			return err
		}
		if absLog == absIn || absLog == absOut {
			return errors.New("log path must differ from the input and output paths")
		}
	}
	return nil
}

// barProgress feeds pipeline progress into a terminal progress bar.
type barProgress struct {
	bar *progressbar.ProgressBar
}

func (b *barProgress) Begin(total int) {
	// -1 turns the bar into a spinner when the frame count is unknown
	b.bar = progressbar.NewOptions(total,
		progressbar.OptionSetDescription("🔍 MaskWatch Scanning"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)
}

func (b *barProgress) Advance() {
	if b.bar != nil {
		b.bar.Add(1)
	}
}

func (b *barProgress) Finish() {
	if b.bar != nil {
		b.bar.Finish()
	}
}

// runScan wires the CLI options into a pipeline run, prints the result and stores it when a database is configured.
func runScan(ctx context.Context, opts Options, stdout io.Writer) error {
	if err := validateScanFlags(&opts); err != nil {
		utils.ShowError("Configuration Error", err, nil)
		return errors.Join(errReported, err)
	}

	logger, closeLog, err := openLogger(opts)
	if err != nil {
		return err
	}
	defer closeLog()

	metric, _ := identity.ParseMetric(opts.Metric)
	pool := &enginePool{opts: opts, logger: logger}
	progress := &barProgress{}

	p, err := pipeline.New(pipeline.Config{
		VideoPath:     opts.InputPath,
		ReferencePath: opts.ReferencePath,
		OutputPath:    opts.OutputPath,
		LogPath:       opts.LogPath,
		Threshold:     opts.DetectionThreshold,
		Tolerance:     opts.MatchTolerance,
		Metric:        metric,
		Engines:       opts.NumEngines,
		Logger:        logger,
	}, pipeline.Deps{
		NewEngine: pool.New,
		Progress:  progress,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "📼 Processing %s (run %s)\n", opts.InputPath, p.RunID()[:8])
	fmt.Fprintf(os.Stderr, "⚙️  Spawning %d Worker Engines...\n", opts.NumEngines)

	report, err := p.Run(ctx)
	progress.Finish()
	if err != nil {
		title := "Scan failed"
		var perr *pipeline.Error
		if errors.As(err, &perr) {
			title = fmt.Sprintf("Scan failed (%s error while %s)", perr.Kind, perr.Stage)
		}
		utils.ShowError(title, err, pool.Noisy())
		return errors.Join(errReported, err)
	}

	fmt.Fprintf(os.Stderr, "\n🏁 Scan Complete. Processed %d of %d frames, %d events.\n", report.FramesRead, report.FramesTotal, len(report.Events))
	fmt.Fprintf(os.Stderr, "🎞️  Video: %s\n📝 Log:   %s\n", opts.OutputPath, opts.LogPath)

	if !opts.Quiet {
		if err := timeline.WriteLog(stdout, report.Events); err != nil {
			return err
		}
	}

	if DB != nil {
		if err := saveReport(ctx, DB, opts, report); err != nil {
			utils.ShowError("Failed to store event log", err, nil)
			return errors.Join(errReported, err)
		}
		logger.Info("event log stored", "video", opts.InputPath, "events", len(report.Events))
	}
	return nil
}

func saveReport(ctx context.Context, db *store.Store, opts Options, report pipeline.Report) error {
	// Generate Video ID & Register
	videoID, err := utils.GenerateVideoID(opts.InputPath)
	if err != nil {
		return fmt.Errorf("failed to generate video ID: %w", err)
	}
	absIn, _ := filepath.Abs(opts.InputPath)
	absRef, _ := filepath.Abs(opts.ReferencePath)
	return db.SaveRun(ctx, store.Run{
		VideoID:   videoID,
		Path:      absIn,
		Reference: absRef,
		RunID:     report.RunID,
		FPS:       report.FPS,
		Frames:    report.FramesRead,
	}, report.Events)
}

// openLogger returns the diagnostics logger and a function that flushes it.
func openLogger(opts Options) (*slog.Logger, func(), error) {
	if opts.LogFile == "" {
		return logging.New(opts.LogLevel, os.Stderr), func() {}, nil
	}
	logger, closer, err := logging.Open(opts.LogLevel, opts.LogFile)
	if err != nil {
		return nil, nil, err
	}
	return logger, func() { closer.Close() }, nil
}
