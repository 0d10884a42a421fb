package adapter

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"remediation-agent/catalog"
)

var ErrNoKnownGood = errors.New("no known-good configuration snapshot")

// DefaultParameters seeds a RunningConfig when no configuration file exists.
func DefaultParameters() catalog.Parameters {
	return catalog.Parameters{
		catalog.ModelSize:    "medium",
		catalog.BatchSize:    32,
		catalog.UseGPU:       true,
		catalog.CacheEnabled: true,
		catalog.Distributed:  false,
	}
}

// RunningConfig is the single live configuration remediations are applied to.
// Only Apply and Revert change it. A last-known-good snapshot backs rollback.
type RunningConfig struct {
	mu        sync.Mutex
	current   catalog.Parameters
	knownGood catalog.Parameters
}

func NewRunningConfig(seed catalog.Parameters) *RunningConfig {
	return &RunningConfig{current: seed.Clone()}
}

type seedFile struct {
	ModelSize    *string `yaml:"model_size"`
	BatchSize    *int    `yaml:"batch_size"`
	UseGPU       *bool   `yaml:"use_gpu"`
	CacheEnabled *bool   `yaml:"cache_enabled"`
	Distributed  *bool   `yaml:"distributed"`
}

// LoadRunningConfig seeds a RunningConfig from the defaults overlaid with the
// keys set in path. A missing file keeps the defaults.
func LoadRunningConfig(path string) (*RunningConfig, error) {
	params := DefaultParameters()
	if path == "" {
		return NewRunningConfig(params), nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Infof("running config %s not found, using defaults", path)
		return NewRunningConfig(params), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading running config: %w", err)
	}

	var seed seedFile
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&seed); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing running config %s: %w", path, err)
	}

	if seed.ModelSize != nil {
		params[catalog.ModelSize] = *seed.ModelSize
	}
	if seed.BatchSize != nil {
		params[catalog.BatchSize] = *seed.BatchSize
	}
	if seed.UseGPU != nil {
		params[catalog.UseGPU] = *seed.UseGPU
	}
	if seed.CacheEnabled != nil {
		params[catalog.CacheEnabled] = *seed.CacheEnabled
	}
	if seed.Distributed != nil {
		params[catalog.Distributed] = *seed.Distributed
	}
	return NewRunningConfig(params), nil
}

// Get returns a copy of the current configuration.
func (c *RunningConfig) Get() catalog.Parameters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.Clone()
}

// Apply merges the adapted parameters into the live configuration; keys not
// in adapted are left untouched. It returns the new configuration.
func (c *RunningConfig) Apply(adapted Adapted) catalog.Parameters {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range adapted.Parameters.Clone() {
		c.current[k] = v
	}
	return c.current.Clone()
}

// MarkKnownGood records the current configuration as the rollback target.
func (c *RunningConfig) MarkKnownGood() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.knownGood = c.current.Clone()
}

func (c *RunningConfig) KnownGood() (catalog.Parameters, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.knownGood == nil {
		return nil, false
	}
	return c.knownGood.Clone(), true
}

// Revert restores the last known-good snapshot.
func (c *RunningConfig) Revert() (catalog.Parameters, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.knownGood == nil {
		return nil, ErrNoKnownGood
	}
	c.current = c.knownGood.Clone()
	return c.current.Clone(), nil
}
