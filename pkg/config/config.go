/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads and validates the control plane's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/oimiragieo/router-control-plane/pkg/bandit"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// Tuner kinds. Exactly one tuner runs against the controller; the wiring
// layer enforces that by only ever constructing the configured kind.
const (
	TunerNone = "none"
	TunerPID  = "pid"
	TunerRL   = "rl"
)

// Config is the full control plane configuration.
type Config struct {
	// Verbosity is the logging verbosity level.
	Verbosity int `yaml:"verbosity"`
	// MetricsAddr is the prometheus listen address, e.g. ":9090".
	// Empty disables the metrics endpoint.
	MetricsAddr string `yaml:"metricsAddr"`

	Store     StoreConfig     `yaml:"store"`
	Bandit    BanditConfig    `yaml:"bandit"`
	Admission AdmissionConfig `yaml:"admission"`
	Tuner     TunerConfig     `yaml:"tuner"`
	Batching  BatchingConfig  `yaml:"batching"`
	Guard     GuardConfig     `yaml:"guard"`
}

// StoreConfig selects and parameterizes the stats store backend.
type StoreConfig struct {
	// Backend is "memory" or "sqlite".
	Backend string `yaml:"backend"`
	// Path is the sqlite database file. Required when Backend is "sqlite".
	Path string `yaml:"path"`
}

// BanditConfig parameterizes model selection.
type BanditConfig struct {
	// Strategy is "ucb", "thompson" or "contextual-ucb".
	Strategy string `yaml:"strategy"`
	// ExploreFactor is the UCB exploration coefficient.
	ExploreFactor float64 `yaml:"exploreFactor"`
	// ContextualLearningRate is the SGD step of the contextual model.
	ContextualLearningRate float64 `yaml:"contextualLearningRate"`
	// FeatureCacheSize bounds the contextual feature cache.
	FeatureCacheSize int `yaml:"featureCacheSize"`
}

// AdmissionConfig parameterizes the per-session AIMD windows.
type AdmissionConfig struct {
	Base             int           `yaml:"base"`
	MaxCap           int           `yaml:"maxCap"`
	AdditiveStep     float64       `yaml:"additiveStep"`
	MultFactor       float64       `yaml:"multFactor"`
	TargetMs         float64       `yaml:"targetMs"`
	JitterPct        float64       `yaml:"jitterPct"`
	HighWatermarkPct float64       `yaml:"highWatermarkPct"`
	LowWatermarkPct  float64       `yaml:"lowWatermarkPct"`
	IdleTTL          time.Duration `yaml:"idleTTL"`
	PruneInterval    time.Duration `yaml:"pruneInterval"`

	// Redis, when set, makes redis the authoritative window state so
	// multiple control plane instances can share sessions.
	Redis *RedisConfig `yaml:"redis"`
}

// RedisConfig points at the shared window-state backend.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	KeyTTL   time.Duration `yaml:"keyTTL"`
}

// TunerConfig selects and parameterizes the auto tuner.
type TunerConfig struct {
	// Kind is "none", "pid" or "rl".
	Kind string `yaml:"kind"`
	// Interval is the observation cadence of the tuner runner.
	Interval time.Duration `yaml:"interval"`

	TargetLatencyMs  float64 `yaml:"targetLatencyMs"`
	TargetThroughput float64 `yaml:"targetThroughput"`
	TargetErrorRate  float64 `yaml:"targetErrorRate"`

	PID PIDConfig `yaml:"pid"`
	RL  RLConfig  `yaml:"rl"`
}

// PIDConfig carries the PID gains.
type PIDConfig struct {
	Kp             float64       `yaml:"kp"`
	Ki             float64       `yaml:"ki"`
	Kd             float64       `yaml:"kd"`
	MaxIntegral    float64       `yaml:"maxIntegral"`
	UpdateInterval time.Duration `yaml:"updateInterval"`
}

// RLConfig carries the Q-learning hyperparameters.
type RLConfig struct {
	Epsilon float64 `yaml:"epsilon"`
	Alpha   float64 `yaml:"alpha"`
	Gamma   float64 `yaml:"gamma"`
}

// BatchingConfig parameterizes the batch scheduler.
type BatchingConfig struct {
	MaxBatchSize       int           `yaml:"maxBatchSize"`
	BatchTimeout       time.Duration `yaml:"batchTimeout"`
	LatencyTarget      time.Duration `yaml:"latencyTarget"`
	GPUMemoryThreshold float64       `yaml:"gpuMemoryThreshold"`
	HistorySize        int           `yaml:"historySize"`
	QueueCapacity      int           `yaml:"queueCapacity"`
}

// GuardConfig parameterizes the latency guard.
type GuardConfig struct {
	P95Ms                    float64       `yaml:"p95Ms"`
	P99Ms                    float64       `yaml:"p99Ms"`
	MaxMs                    float64       `yaml:"maxMs"`
	EvaluationInterval       time.Duration `yaml:"evaluationInterval"`
	MonitoringWindow         time.Duration `yaml:"monitoringWindow"`
	CooldownPeriod           time.Duration `yaml:"cooldownPeriod"`
	AdaptiveAdjustmentFactor float64       `yaml:"adaptiveAdjustmentFactor"`
}

// Load reads, parses and validates the YAML file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %q: %w", path, err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Store.Backend == "" {
		c.Store.Backend = StoreMemory
	}
	if c.Bandit.Strategy == "" {
		c.Bandit.Strategy = string(bandit.StrategyUCB)
	}
	if c.Tuner.Kind == "" {
		c.Tuner.Kind = TunerNone
	}
	if c.Tuner.Interval <= 0 {
		c.Tuner.Interval = 30 * time.Second
	}
}

// Validate aggregates every configuration error instead of stopping at the
// first one.
func (c *Config) Validate() error {
	var errs error

	switch c.Store.Backend {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.Path == "" {
			errs = multierr.Append(errs, fmt.Errorf("store.path is required for the %q backend", StoreSQLite))
		}
	default:
		errs = multierr.Append(errs, fmt.Errorf("store.backend must be %q or %q, got %q", StoreMemory, StoreSQLite, c.Store.Backend))
	}

	switch bandit.Strategy(c.Bandit.Strategy) {
	case bandit.StrategyUCB, bandit.StrategyThompson, bandit.StrategyContextualUCB:
	default:
		errs = multierr.Append(errs, fmt.Errorf("bandit.strategy %q is not recognized", c.Bandit.Strategy))
	}
	if c.Bandit.ExploreFactor < 0 {
		errs = multierr.Append(errs, fmt.Errorf("bandit.exploreFactor must be >= 0, got %v", c.Bandit.ExploreFactor))
	}

	if c.Admission.Base < 0 {
		errs = multierr.Append(errs, fmt.Errorf("admission.base must be >= 0, got %d", c.Admission.Base))
	}
	if c.Admission.MaxCap > 0 && c.Admission.Base > c.Admission.MaxCap {
		errs = multierr.Append(errs, fmt.Errorf("admission.base %d exceeds admission.maxCap %d", c.Admission.Base, c.Admission.MaxCap))
	}
	// Zero means "use the default"; anything else must sit in (0, 1).
	if mf := c.Admission.MultFactor; mf < 0 || mf >= 1 {
		errs = multierr.Append(errs, fmt.Errorf("admission.multFactor must be in (0, 1), got %v", mf))
	}
	if p := c.Admission.JitterPct; p < 0 || p >= 1 {
		errs = multierr.Append(errs, fmt.Errorf("admission.jitterPct must be in [0, 1), got %v", p))
	}
	if r := c.Admission.Redis; r != nil && r.Addr == "" {
		errs = multierr.Append(errs, fmt.Errorf("admission.redis.addr is required when admission.redis is set"))
	}

	switch c.Tuner.Kind {
	case TunerNone, TunerPID, TunerRL:
	default:
		errs = multierr.Append(errs, fmt.Errorf("tuner.kind must be %q, %q or %q, got %q", TunerNone, TunerPID, TunerRL, c.Tuner.Kind))
	}
	if c.Tuner.Kind != TunerNone && c.Tuner.TargetLatencyMs <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("tuner.targetLatencyMs must be > 0 when a tuner is enabled"))
	}

	if c.Batching.MaxBatchSize < 0 {
		errs = multierr.Append(errs, fmt.Errorf("batching.maxBatchSize must be >= 0, got %d", c.Batching.MaxBatchSize))
	}
	if t := c.Batching.GPUMemoryThreshold; t < 0 || t > 1 {
		errs = multierr.Append(errs, fmt.Errorf("batching.gpuMemoryThreshold must be in [0, 1], got %v", t))
	}

	g := c.Guard
	if g.P95Ms < 0 || g.P99Ms < 0 || g.MaxMs < 0 {
		errs = multierr.Append(errs, fmt.Errorf("guard thresholds must be >= 0"))
	}
	if g.P95Ms > 0 && g.P99Ms > 0 && g.P99Ms < g.P95Ms {
		errs = multierr.Append(errs, fmt.Errorf("guard.p99Ms %v is below guard.p95Ms %v", g.P99Ms, g.P95Ms))
	}
	if g.P99Ms > 0 && g.MaxMs > 0 && g.MaxMs < g.P99Ms {
		errs = multierr.Append(errs, fmt.Errorf("guard.maxMs %v is below guard.p99Ms %v", g.MaxMs, g.P99Ms))
	}

	return errs
}
