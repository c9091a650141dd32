// Package config defines the controller configuration surface and its
// validation.
package config

import (
	"fmt"
	"time"

	"github.com/prometheus/common/model"
	"gopkg.in/yaml.v3"
)

// Default configuration values.
const (
	DefaultListenAddress      = ":9090"
	DefaultMetricsWindow      = model.Duration(15 * time.Minute)
	DefaultMetricsCapacity    = 4096
	DefaultEvaluationInterval = model.Duration(time.Minute)
	DefaultMinSampleCount     = 50
	DefaultMaxDeferrals       = 3
	DefaultRollbackWindow     = model.Duration(10 * time.Minute)
	DefaultDrainGracePeriod   = model.Duration(5 * time.Minute)
	DefaultBaselineWindow     = model.Duration(15 * time.Minute)
)

// RoutingConfig selects and tunes the routing strategy.
type RoutingConfig struct {
	// Strategy is one of "cost", "performance", "balanced".
	Strategy string `yaml:"strategy"`

	// CostWeight, LatencyWeight, LoadWeight tune the balanced strategy.
	CostWeight    float64 `yaml:"costWeight,omitempty"`
	LatencyWeight float64 `yaml:"latencyWeight,omitempty"`
	LoadWeight    float64 `yaml:"loadWeight,omitempty"`

	// LoadThreshold filters candidates for the performance strategy,
	// 0.0-1.0.
	LoadThreshold float64 `yaml:"loadThreshold,omitempty"`
}

// MetricsConfig bounds the sample collector.
type MetricsConfig struct {
	// Window is the sample retention window.
	Window model.Duration `yaml:"window,omitempty"`

	// Capacity is the fixed per-endpoint buffer size.
	Capacity int `yaml:"capacity,omitempty"`
}

// RolloutDefaults seed new rollout plans when the plan leaves a field
// unset.
type RolloutDefaults struct {
	TrafficSteps       []int          `yaml:"trafficSteps,omitempty"`
	EvaluationInterval model.Duration `yaml:"evaluationInterval,omitempty"`
	MinSampleCount     int            `yaml:"minSampleCount,omitempty"`
	MaxDeferrals       int            `yaml:"maxDeferrals,omitempty"`
	RollbackWindow     model.Duration `yaml:"rollbackWindow,omitempty"`
	DrainGracePeriod   model.Duration `yaml:"drainGracePeriod,omitempty"`
}

// OptimizerConfig tunes baseline and degradation analysis.
type OptimizerConfig struct {
	BaselineWindow   model.Duration `yaml:"baselineWindow,omitempty"`
	AnalysisInterval model.Duration `yaml:"analysisInterval,omitempty"`
	LatencySLA       model.Duration `yaml:"latencySLA,omitempty"`
}

// Config is the controller's top-level configuration.
type Config struct {
	// ListenAddress serves the Prometheus metrics endpoint.
	ListenAddress string `yaml:"listenAddress,omitempty"`

	// StatePath is the directory for persisted plans and registry
	// snapshots. Empty disables persistence.
	StatePath string `yaml:"statePath,omitempty"`

	Routing   RoutingConfig   `yaml:"routing"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Rollout   RolloutDefaults `yaml:"rollout"`
	Optimizer OptimizerConfig `yaml:"optimizer"`
}

// Parse unmarshals and validates a YAML configuration document, applying
// defaults for unset fields.
func Parse(raw []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.ListenAddress == "" {
		c.ListenAddress = DefaultListenAddress
	}
	if c.Metrics.Window == 0 {
		c.Metrics.Window = DefaultMetricsWindow
	}
	if c.Metrics.Capacity == 0 {
		c.Metrics.Capacity = DefaultMetricsCapacity
	}
	if c.Rollout.EvaluationInterval == 0 {
		c.Rollout.EvaluationInterval = DefaultEvaluationInterval
	}
	if c.Rollout.MinSampleCount == 0 {
		c.Rollout.MinSampleCount = DefaultMinSampleCount
	}
	if c.Rollout.MaxDeferrals == 0 {
		c.Rollout.MaxDeferrals = DefaultMaxDeferrals
	}
	if c.Rollout.RollbackWindow == 0 {
		c.Rollout.RollbackWindow = DefaultRollbackWindow
	}
	if c.Rollout.DrainGracePeriod == 0 {
		c.Rollout.DrainGracePeriod = DefaultDrainGracePeriod
	}
	if c.Optimizer.BaselineWindow == 0 {
		c.Optimizer.BaselineWindow = DefaultBaselineWindow
	}
}

// Validate checks for invalid configuration values.
func (c *Config) Validate() error {
	switch c.Routing.Strategy {
	case "", "cost", "cost-optimized", "performance", "performance-optimized", "balanced":
	default:
		return fmt.Errorf("routing.strategy %q is not supported", c.Routing.Strategy)
	}
	if c.Routing.LoadThreshold < 0 || c.Routing.LoadThreshold > 1 {
		return fmt.Errorf("routing.loadThreshold must be between 0 and 1, got %.2f", c.Routing.LoadThreshold)
	}
	if c.Routing.CostWeight < 0 || c.Routing.LatencyWeight < 0 || c.Routing.LoadWeight < 0 {
		return fmt.Errorf("routing weights must be non-negative")
	}
	if c.Metrics.Capacity < 0 {
		return fmt.Errorf("metrics.capacity must be >= 0, got %d", c.Metrics.Capacity)
	}
	if c.Rollout.MinSampleCount < 0 {
		return fmt.Errorf("rollout.minSampleCount must be >= 0, got %d", c.Rollout.MinSampleCount)
	}
	if c.Rollout.MaxDeferrals < 0 {
		return fmt.Errorf("rollout.maxDeferrals must be >= 0, got %d", c.Rollout.MaxDeferrals)
	}
	for i, s := range c.Rollout.TrafficSteps {
		if s <= 0 || s > 100 {
			return fmt.Errorf("rollout.trafficSteps[%d] out of range (0,100]: %d", i, s)
		}
		if i > 0 && c.Rollout.TrafficSteps[i-1] >= s {
			return fmt.Errorf("rollout.trafficSteps must be strictly ascending")
		}
	}
	return nil
}
