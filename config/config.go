// Package config holds the agent settings: defaults, then the YAML file, then
// command-line overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	PollInterval     time.Duration `yaml:"poll_interval"`
	ErrorBackoff     time.Duration `yaml:"error_backoff"`
	MaxErrorBackoff  time.Duration `yaml:"max_error_backoff"`
	FailureThreshold int           `yaml:"failure_threshold"`
	StepTimeout      time.Duration `yaml:"step_timeout"`
	SampleWindow     time.Duration `yaml:"sample_window"`
	MeasureDelay     time.Duration `yaml:"measure_delay"`

	// RevertThresholdPercent is the improvement below which an applied
	// remediation is rolled back. Negative means a regression.
	RevertThresholdPercent float64 `yaml:"revert_threshold_percent"`
	AcceptanceThreshold    float64 `yaml:"acceptance_threshold"`
	HistorySize            int     `yaml:"history_size"`

	NetworkBandwidthMbps *float64 `yaml:"network_bandwidth_mbps"`

	KnowledgeBasePath string `yaml:"knowledge_base"`
	RunningConfigPath string `yaml:"running_config"`
	OutcomeLogPath    string `yaml:"outcome_log"`
	StatusPath        string `yaml:"status_path"`
	QualityPath       string `yaml:"quality_signals"`
	MetricsAddr       string `yaml:"metrics_addr"`
}

func Default() Config {
	return Config{
		PollInterval:           10 * time.Second,
		ErrorBackoff:           60 * time.Second,
		MaxErrorBackoff:        10 * time.Minute,
		FailureThreshold:       5,
		StepTimeout:            30 * time.Second,
		SampleWindow:           time.Second,
		RevertThresholdPercent: -10,
		AcceptanceThreshold:    0.5,
		HistorySize:            90,
		KnowledgeBasePath:      "solutions.yaml",
		RunningConfigPath:      "remediation_config.yaml",
		OutcomeLogPath:         "outcomes.jsonl",
		StatusPath:             "status.json",
	}
}

// Load overlays the file at path on the defaults. Unknown keys are an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	positive := map[string]time.Duration{
		"poll_interval":     c.PollInterval,
		"error_backoff":     c.ErrorBackoff,
		"max_error_backoff": c.MaxErrorBackoff,
		"step_timeout":      c.StepTimeout,
		"sample_window":     c.SampleWindow,
	}
	for name, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %s", ErrInvalid, name, d)
		}
	}
	if c.MaxErrorBackoff < c.ErrorBackoff {
		return fmt.Errorf("%w: max_error_backoff %s below error_backoff %s", ErrInvalid, c.MaxErrorBackoff, c.ErrorBackoff)
	}
	if c.MeasureDelay < 0 {
		return fmt.Errorf("%w: measure_delay must not be negative", ErrInvalid)
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("%w: failure_threshold must be at least 1", ErrInvalid)
	}
	if c.AcceptanceThreshold <= 0 || c.AcceptanceThreshold >= 1 {
		return fmt.Errorf("%w: acceptance_threshold must be in (0,1)", ErrInvalid)
	}
	if c.HistorySize < 1 {
		return fmt.Errorf("%w: history_size must be at least 1", ErrInvalid)
	}
	if c.NetworkBandwidthMbps != nil && *c.NetworkBandwidthMbps < 0 {
		return fmt.Errorf("%w: network_bandwidth_mbps must not be negative", ErrInvalid)
	}
	return nil
}
