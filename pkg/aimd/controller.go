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

// Package aimd implements the per-session adaptive admission window:
// additive increase on on-target successes, multiplicative decrease on
// latency breaches and failures, with watermarks, jitter dampening, idle
// eviction, and an explicit ECN reaction path.
//
// When a StateBackend is configured it is the authoritative copy of every
// window (so multiple control-plane instances can share state); the in-memory
// session map is then a write-through cache with its own independent idle
// eviction.
package aimd

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/oimiragieo/router-control-plane/pkg/metrics"
	logutil "github.com/oimiragieo/router-control-plane/pkg/util/logging"
)

const (
	loggerName = "AIMDController"
)

// StateBackend is the pluggable external store for window state. Get reports
// ok=false when the backend has no value for the session.
type StateBackend interface {
	Get(ctx context.Context, session string) (window int, ok bool, err error)
	Set(ctx context.Context, session string, window int) error
}

// Config holds the configuration for the Controller.
type Config struct {
	// Base is the window a fresh session starts from, and the decrease floor
	// for latency breaches. Optional: defaults to DefaultBase.
	Base int
	// MaxCap is the hard upper bound of any session window.
	// Optional: defaults to DefaultMaxCap.
	MaxCap int
	// AdditiveStep is the additive-increase step. Mutated at runtime by the
	// auto-tuner within [1, 10]. Optional: defaults to DefaultAdditiveStep.
	AdditiveStep float64
	// MultFactor is the multiplicative-decrease factor. Mutated at runtime by
	// the auto-tuner within [0.1, 0.9]. Optional: defaults to
	// DefaultMultFactor.
	MultFactor float64
	// TargetMs is the latency target in milliseconds a successful call is
	// judged against. Optional: defaults to DefaultTargetMs.
	TargetMs float64
	// JitterPct dampens target comparisons: each feedback samples a uniform
	// factor in 1 ± JitterPct and compares against TargetMs scaled by it, so
	// sessions hovering at the target do not oscillate in lockstep.
	// Zero (the zero value) disables jitter and makes target comparisons
	// exact; a negative value falls back to DefaultJitterPct.
	JitterPct float64
	// HighWatermarkPct stops additive growth once the window reaches
	// MaxCap*HighWatermarkPct. Optional: defaults to DefaultHighWatermarkPct.
	HighWatermarkPct float64
	// LowWatermarkPct floors latency-breach decreases at
	// ceil(MaxCap*LowWatermarkPct) -- but only when LowWatermarkPct <= 0.25.
	// The conditional is deliberate: the watermark floor applies only when
	// the configured low watermark is conservative. Optional: defaults to
	// DefaultLowWatermarkPct.
	LowWatermarkPct float64
	// IdleTTL is how long a session may stay untouched before PruneIdle
	// evicts its local entry. Optional: defaults to DefaultIdleTTL.
	IdleTTL time.Duration
	// PruneInterval is the cadence of the background pruning loop.
	// Optional: defaults to DefaultPruneInterval.
	PruneInterval time.Duration
}

// Defaults for Config. The watermark percentages are empirically tuned values
// kept as configuration rather than re-derived.
const (
	DefaultBase             = 2
	DefaultMaxCap           = 32
	DefaultAdditiveStep     = 1.0
	DefaultMultFactor       = 0.5
	DefaultTargetMs         = 1000.0
	DefaultJitterPct        = 0.1
	DefaultHighWatermarkPct = 0.8
	DefaultLowWatermarkPct  = 0.5
	DefaultIdleTTL          = 10 * time.Minute
	DefaultPruneInterval    = 1 * time.Minute
)

func (c *Config) withDefaults() *Config {
	out := *c
	if out.Base <= 0 {
		out.Base = DefaultBase
	}
	if out.MaxCap <= 0 {
		out.MaxCap = DefaultMaxCap
	}
	if out.Base > out.MaxCap {
		out.Base = out.MaxCap
	}
	if out.AdditiveStep <= 0 {
		out.AdditiveStep = DefaultAdditiveStep
	}
	if out.MultFactor <= 0 || out.MultFactor >= 1 {
		out.MultFactor = DefaultMultFactor
	}
	if out.TargetMs <= 0 {
		out.TargetMs = DefaultTargetMs
	}
	if out.JitterPct < 0 {
		out.JitterPct = DefaultJitterPct
	}
	if out.HighWatermarkPct <= 0 || out.HighWatermarkPct > 1 {
		out.HighWatermarkPct = DefaultHighWatermarkPct
	}
	if out.LowWatermarkPct <= 0 || out.LowWatermarkPct > 1 {
		out.LowWatermarkPct = DefaultLowWatermarkPct
	}
	if out.IdleTTL <= 0 {
		out.IdleTTL = DefaultIdleTTL
	}
	if out.PruneInterval <= 0 {
		out.PruneInterval = DefaultPruneInterval
	}
	return &out
}

// windowState is one session's entry. 1 <= current <= maxCap always holds.
type windowState struct {
	current    int
	lastUpdate time.Time
}

// Controller owns the session window map. All public operations are atomic;
// raw iteration is never exposed.
type Controller struct {
	config  *Config
	backend StateBackend
	clock   clock.WithTicker
	logger  logr.Logger
	sink    metrics.Sink

	mu       sync.Mutex
	sessions map[string]*windowState
	rng      *rand.Rand

	// tuningMu guards the two parameters the auto-tuner rewrites, separately
	// from the session map so feedback and tuning do not serialize on one
	// lock.
	tuningMu     sync.Mutex
	additiveStep float64
	multFactor   float64
}

// Option mutates the Controller at construction time.
type Option func(*Controller)

// WithBackend installs the authoritative external state backend.
func WithBackend(backend StateBackend) Option {
	return func(c *Controller) { c.backend = backend }
}

// WithSink routes controller metrics into the given sink.
func WithSink(sink metrics.Sink) Option {
	return func(c *Controller) { c.sink = sink }
}

// WithClock fixes the clock. Test-only.
func WithClock(clk clock.WithTicker) Option {
	return func(c *Controller) { c.clock = clk }
}

// WithRandSource fixes the jitter random source. Test-only.
func WithRandSource(src rand.Source) Option {
	return func(c *Controller) { c.rng = rand.New(src) }
}

// NewController creates a Controller with the given configuration.
func NewController(config *Config, logger logr.Logger, opts ...Option) *Controller {
	if config == nil {
		config = &Config{}
	}
	cfg := config.withDefaults()
	c := &Controller{
		config:       cfg,
		clock:        clock.RealClock{},
		logger:       logger.WithName(loggerName),
		sink:         metrics.NopSink{},
		sessions:     make(map[string]*windowState),
		rng:          rand.New(rand.NewSource(rand.Int63())),
		additiveStep: cfg.AdditiveStep,
		multFactor:   cfg.MultFactor,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the session's current window, lazily initializing it from the
// backend's last known value (when configured) or from Base. Backend errors
// degrade to Base and are logged, never propagated.
func (c *Controller) Get(ctx context.Context, session string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(ctx, session).current
}

func (c *Controller) getLocked(ctx context.Context, session string) *windowState {
	if w, ok := c.sessions[session]; ok {
		return w
	}
	current := c.config.Base
	if c.backend != nil {
		if v, ok, err := c.backend.Get(ctx, session); err != nil {
			c.logger.Error(err, "Backend read failed, starting from base", "session", session)
		} else if ok {
			current = clamp(v, 1, c.config.MaxCap)
		}
	}
	w := &windowState{current: current, lastUpdate: c.clock.Now()}
	c.sessions[session] = w
	return w
}

// Feedback applies one completed call's outcome to the session window.
//
// On-target success grows the window by the additive step until it reaches
// MaxCap*HighWatermarkPct. A latency breach with success=true decreases
// multiplicatively but is floored at Base (or at the low watermark when
// LowWatermarkPct <= 0.25). An explicit failure decreases multiplicatively
// with no floor beyond the hard minimum of 1: backend failures may collapse
// the window entirely, unlike mere latency breaches.
func (c *Controller) Feedback(ctx context.Context, session string, latencyMs float64, success bool) {
	add, mult := c.TuningParams()

	c.mu.Lock()
	w := c.getLocked(ctx, session)
	jitter := 1 + (c.rng.Float64()*2-1)*c.config.JitterPct
	target := c.config.TargetMs * jitter

	before := w.current
	switch {
	case success && latencyMs <= target:
		if float64(w.current) < float64(c.config.MaxCap)*c.config.HighWatermarkPct {
			step := int(math.Round(add))
			if step < 1 {
				step = 1
			}
			w.current = clamp(w.current+step, 1, c.config.MaxCap)
		}
	case success:
		// Latency breach on a successful call: floored decrease.
		decreased := int(math.Floor(float64(maxInt(w.current, 1)) * mult))
		floor := c.config.Base
		if c.config.LowWatermarkPct <= 0.25 {
			floor = maxInt(floor, int(math.Ceil(float64(c.config.MaxCap)*c.config.LowWatermarkPct)))
		}
		w.current = clamp(maxInt(decreased, floor), 1, c.config.MaxCap)
	default:
		// Explicit failure: no floor beyond the hard minimum.
		decreased := int(math.Floor(float64(maxInt(w.current, 1)) * mult))
		w.current = clamp(maxInt(decreased, 1), 1, c.config.MaxCap)
	}
	w.lastUpdate = c.clock.Now()
	after := w.current
	c.mu.Unlock()

	c.writeThrough(ctx, session, after)
	c.sink.Set("aimd_window_size", float64(after), map[string]string{"session": session})
	c.logger.V(logutil.DEBUG).Info("Window feedback applied",
		"session", session, "latencyMs", latencyMs, "success", success, "before", before, "after", after)
}

// ECNReaction reacts to an explicit congestion signal: an unconditional
// multiplicative decrease bypassing every floor except the hard minimum of 1.
// This is the most aggressive decrease path. Returns the new window.
func (c *Controller) ECNReaction(ctx context.Context, session string) int {
	_, mult := c.TuningParams()

	c.mu.Lock()
	w := c.getLocked(ctx, session)
	w.current = maxInt(1, int(math.Floor(float64(w.current)*mult)))
	w.lastUpdate = c.clock.Now()
	after := w.current
	c.mu.Unlock()

	c.writeThrough(ctx, session, after)
	c.sink.Inc("aimd_ecn_reactions_total", nil)
	c.logger.V(logutil.DEBUG).Info("ECN reaction applied", "session", session, "window", after)
	return after
}

// PruneIdle evicts local session entries whose last update is older than
// IdleTTL, returning how many were removed. Only the local cache is evicted;
// an external backend keeps its copy.
func (c *Controller) PruneIdle(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	pruned := 0
	for session, w := range c.sessions {
		if now.Sub(w.lastUpdate) > c.config.IdleTTL {
			delete(c.sessions, session)
			pruned++
		}
	}
	if pruned > 0 {
		c.logger.V(logutil.VERBOSE).Info("Pruned idle sessions", "count", pruned)
	}
	return pruned
}

// RunPruner runs the idle-eviction loop until the context is cancelled.
func (c *Controller) RunPruner(ctx context.Context) {
	c.logger.V(logutil.DEFAULT).Info("Session pruner starting", "interval", c.config.PruneInterval.String())
	defer c.logger.V(logutil.DEFAULT).Info("Session pruner stopped")

	ticker := c.clock.NewTicker(c.config.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C():
			c.PruneIdle(now)
		}
	}
}

// SessionCount returns the number of locally cached sessions.
func (c *Controller) SessionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// TuningParams returns the current (additiveStep, multFactor) pair.
func (c *Controller) TuningParams() (additiveStep, multFactor float64) {
	c.tuningMu.Lock()
	defer c.tuningMu.Unlock()
	return c.additiveStep, c.multFactor
}

// SetTuningParams rewrites the AIMD parameters. Called by the auto-tuner,
// which is responsible for its own clamping; the controller enforces only the
// hard validity bounds.
func (c *Controller) SetTuningParams(additiveStep, multFactor float64) {
	c.tuningMu.Lock()
	defer c.tuningMu.Unlock()
	if additiveStep > 0 {
		c.additiveStep = additiveStep
	}
	if multFactor > 0 && multFactor < 1 {
		c.multFactor = multFactor
	}
	c.sink.Set("aimd_additive_step", c.additiveStep, nil)
	c.sink.Set("aimd_mult_factor", c.multFactor, nil)
}

func (c *Controller) writeThrough(ctx context.Context, session string, window int) {
	if c.backend == nil {
		return
	}
	if err := c.backend.Set(ctx, session, window); err != nil {
		c.logger.Error(err, "Backend write failed", "session", session, "window", window)
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
