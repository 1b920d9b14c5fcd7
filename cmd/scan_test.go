package cmd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/andresmejia3/maskwatch/internal/types"
	"github.com/spf13/cobra"
)

func validOptions() Options {
	return Options{
		InputPath:          "in.mp4",
		ReferencePath:      "ref.jpg",
		OutputPath:         "result/out.mp4",
		LogPath:            "result/log.txt",
		DetectionThreshold: 0.6,
		MatchTolerance:     0.6,
		Metric:             "euclidean",
		Detector:           "worker",
		NumEngines:         1,
		WorkerTimeout:      "30s",
	}
}

func TestValidateScanFlags(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(o *Options)
		wantErr bool
	}{
		{name: "Valid options", modify: func(o *Options) {}},
		{name: "Cosine metric", modify: func(o *Options) { o.Metric = "cosine" }},
		{name: "Pigo detector", modify: func(o *Options) { o.Detector = "pigo" }},
		{name: "No log path", modify: func(o *Options) { o.LogPath = "" }},
		{name: "Missing input", modify: func(o *Options) { o.InputPath = "" }, wantErr: true},
		{name: "Missing reference", modify: func(o *Options) { o.ReferencePath = "" }, wantErr: true},
		{name: "Empty output", modify: func(o *Options) { o.OutputPath = "" }, wantErr: true},
		{name: "Threshold zero", modify: func(o *Options) { o.DetectionThreshold = 0 }, wantErr: true},
		{name: "Threshold above one", modify: func(o *Options) { o.DetectionThreshold = 1.5 }, wantErr: true},
		{name: "Negative tolerance", modify: func(o *Options) { o.MatchTolerance = -0.1 }, wantErr: true},
		{name: "Unknown metric", modify: func(o *Options) { o.Metric = "manhattan" }, wantErr: true},
		{name: "Unknown detector", modify: func(o *Options) { o.Detector = "haar" }, wantErr: true},
		{name: "Bad worker timeout", modify: func(o *Options) { o.WorkerTimeout = "soon" }, wantErr: true},
		{name: "Output overwrites input", modify: func(o *Options) { o.OutputPath = "./in.mp4" }, wantErr: true},
		{name: "Log overwrites input", modify: func(o *Options) { o.LogPath = "in.mp4" }, wantErr: true},
		{name: "Log overwrites output", modify: func(o *Options) { o.LogPath = o.OutputPath }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := validOptions()
			tt.modify(&opts)
			err := validateScanFlags(&opts)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateScanFlags() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateScanFlagsClampsEngines(t *testing.T) {
	opts := validOptions()
	opts.NumEngines = 0
	if err := validateScanFlags(&opts); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opts.NumEngines != 1 {
		t.Errorf("NumEngines = %d, want 1", opts.NumEngines)
	}
}

func TestApplyConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "maskwatch.yaml")
	yaml := "tolerance: 0.45\nmetric: cosine\nengines: 3\nworker_timeout: 5s\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cmd := &cobra.Command{Use: "scan"}
	opts := validOptions()
	opts.ConfigPath = path
	cmd.Flags().Float64Var(&opts.MatchTolerance, "tolerance", 0.6, "")
	cmd.Flags().IntVar(&opts.NumEngines, "engines", 1, "")
	if err := cmd.Flags().Set("engines", "8"); err != nil {
		t.Fatal(err)
	}

	if err := applyConfig(cmd, &opts); err != nil {
		t.Fatalf("applyConfig failed: %v", err)
	}

	if opts.MatchTolerance != 0.45 {
		t.Errorf("MatchTolerance = %v, want value from file", opts.MatchTolerance)
	}
	if opts.Metric != "cosine" {
		t.Errorf("Metric = %q, want cosine", opts.Metric)
	}
	if opts.NumEngines != 8 {
		t.Errorf("NumEngines = %d, explicit flag should win over file", opts.NumEngines)
	}
	if opts.WorkerTimeout != "5s" {
		t.Errorf("WorkerTimeout = %q, want 5s", opts.WorkerTimeout)
	}
	// Keys absent from the file fall back to defaults
	if opts.OutputPath != "result/video-result.mp4" {
		t.Errorf("OutputPath = %q, want default", opts.OutputPath)
	}
}

func TestApplyConfigNoFile(t *testing.T) {
	opts := validOptions()
	before := opts
	if err := applyConfig(&cobra.Command{}, &opts); err != nil {
		t.Fatal(err)
	}
	if opts != before {
		t.Errorf("options changed without a config file: %+v", opts)
	}

	opts.ConfigPath = filepath.Join(t.TempDir(), "missing.yaml")
	if err := applyConfig(&cobra.Command{}, &opts); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestResolveDBURL(t *testing.T) {
	t.Setenv("POSTGRES_HOST", "")
	if got := resolveDBURL(""); got != "" {
		t.Errorf("resolveDBURL() = %q, want empty without host", got)
	}
	if got := resolveDBURL("postgres://x"); got != "postgres://x" {
		t.Errorf("flag should win, got %q", got)
	}

	t.Setenv("POSTGRES_HOST", "db")
	t.Setenv("POSTGRES_USER", "mw")
	t.Setenv("POSTGRES_PASSWORD", "secret")
	t.Setenv("POSTGRES_DB", "maskwatch")
	t.Setenv("POSTGRES_PORT", "")
	want := "postgres://mw:secret@db:5432/maskwatch"
	if got := resolveDBURL(""); got != want {
		t.Errorf("resolveDBURL() = %q, want %q", got, want)
	}
}

func TestRunScanRejectsBadFlags(t *testing.T) {
	opts := validOptions()
	opts.Metric = "nope"
	var out bytes.Buffer
	err := runScan(context.Background(), opts, &out)
	if !errors.Is(err, errReported) {
		t.Errorf("expected reported error, got %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("nothing should be printed to stdout, got %q", out.String())
	}
}

type fixedDetector struct{ dets []types.RawDetection }

func (f *fixedDetector) Detect(context.Context, image.Image, float64) ([]types.RawDetection, error) {
	return f.dets, nil
}

func TestEngineDetectUsesDetector(t *testing.T) {
	want := []types.RawDetection{{Box: [4]float64{1, 2, 3, 4}, Confidence: 0.9, ClassIndex: 0}}
	e := &engine{Detector: &fixedDetector{dets: want}}
	got, err := e.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 4, 4)), 0.5)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != want[0] {
		t.Errorf("Detect() = %+v, want %+v", got, want)
	}
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		got := confirm(bufio.NewReader(strings.NewReader(tt.input)), &out, "Proceed?")
		if got != tt.want {
			t.Errorf("confirm(%q) = %v, want %v", tt.input, got, tt.want)
		}
		if !strings.Contains(out.String(), "Proceed? [y/N]") {
			t.Errorf("prompt not written, got %q", out.String())
		}
	}
}

func TestShortID(t *testing.T) {
	if got := shortID("0123456789abcdef"); got != "0123456789ab" {
		t.Errorf("shortID() = %q", got)
	}
	if got := shortID("abc"); got != "abc" {
		t.Errorf("shortID() = %q", got)
	}
}

func TestExecuteClosesStoreOnFailure(t *testing.T) {
	t.Setenv("POSTGRES_HOST", "")

	closed := 0
	orig := closeDB
	closeDB = func() { closed++ }
	defer func() { closeDB = orig }()

	failing := &cobra.Command{
		Use: "fail-for-test",
		RunE: func(cmd *cobra.Command, args []string) error {
			return errors.New("boom")
		},
	}
	rootCmd.AddCommand(failing)
	defer rootCmd.RemoveCommand(failing)
	rootCmd.SetArgs([]string{"fail-for-test"})
	defer rootCmd.SetArgs(nil)

	err := execute(context.Background())
	if err == nil || err.Error() != "boom" {
		t.Errorf("execute() error = %v, want boom", err)
	}
	if closed != 1 {
		t.Errorf("store closed %d times, want 1", closed)
	}
}
