// Package config holds scan defaults that may come from a YAML file and are
// overridden by command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config mirrors the scan flags. Zero values in a file fall back to defaults.
type Config struct {
	Output        string        `yaml:"output"`
	Log           string        `yaml:"log"`
	Threshold     float64       `yaml:"threshold"`
	Tolerance     float64       `yaml:"tolerance"`
	Metric        string        `yaml:"metric"`
	Detector      string        `yaml:"detector"`
	Cascade       string        `yaml:"cascade"`
	Engines       int           `yaml:"engines"`
	Python        string        `yaml:"python"`
	WorkerScript  string        `yaml:"worker_script"`
	WorkerTimeout time.Duration `yaml:"worker_timeout"`
	LogLevel      string        `yaml:"log_level"`
	LogFile       string        `yaml:"log_file"`
}

// Default returns a Config populated with standard defaults.
func Default() *Config {
	return &Config{
		Output:        "result/video-result.mp4",
		Log:           "result/timestamps-result.txt",
		Threshold:     0.6,
		Tolerance:     0.6,
		Metric:        "euclidean",
		Detector:      "worker",
		Engines:       1,
		Python:        "python3",
		WorkerScript:  "python/worker.py",
		WorkerTimeout: 30 * time.Second,
		LogLevel:      "info",
	}
}

// Load reads path over the defaults. A missing file is an error; an empty path returns defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// fillDefaults restores defaults for keys a file set to an empty value.
func (c *Config) fillDefaults() {
	d := Default()
	if c.Output == "" {
		c.Output = d.Output
	}
	if c.Log == "" {
		c.Log = d.Log
	}
	if c.Metric == "" {
		c.Metric = d.Metric
	}
	if c.Detector == "" {
		c.Detector = d.Detector
	}
	if c.Python == "" {
		c.Python = d.Python
	}
	if c.WorkerScript == "" {
		c.WorkerScript = d.WorkerScript
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
}

// Validate rejects values no scan could run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Threshold <= 0 || c.Threshold > 1 {
		errs = append(errs, fmt.Errorf("threshold must be in (0, 1], got %v", c.Threshold))
	}
	if c.Tolerance <= 0 {
		errs = append(errs, fmt.Errorf("tolerance must be positive, got %v", c.Tolerance))
	}
	switch c.Metric {
	case "euclidean", "cosine":
	default:
		errs = append(errs, fmt.Errorf("unknown metric %q", c.Metric))
	}
	switch c.Detector {
	case "worker", "pigo":
	default:
		errs = append(errs, fmt.Errorf("unknown detector %q", c.Detector))
	}
	if c.Engines < 1 {
		errs = append(errs, fmt.Errorf("engines must be >= 1, got %d", c.Engines))
	}
	if c.WorkerTimeout < 0 {
		errs = append(errs, fmt.Errorf("worker timeout must not be negative, got %v", c.WorkerTimeout))
	}
	return errors.Join(errs...)
}
