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

// Package latencyguard watches the batch scheduler's rolling latency
// distribution and applies graduated corrective actions when thresholds are
// breached.
//
// Detection and correction are decoupled on purpose: the violation streak
// advances on every breaching evaluation, while corrective actions are
// rate-limited by a cooldown since the last applied action.
package latencyguard

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/oimiragieo/router-control-plane/pkg/metrics"
	logutil "github.com/oimiragieo/router-control-plane/pkg/util/logging"
)

const loggerName = "LatencyGuard"

// Action is the corrective measure chosen by one evaluation.
type Action int

const (
	// ActionAllow means the observed p95 is within every threshold.
	ActionAllow Action = iota
	// ActionReduceBatchSize scales the scheduler's optimal batch size down.
	ActionReduceBatchSize
	// ActionThrottleRequests stretches the scheduler's batch timeout.
	ActionThrottleRequests
	// ActionDropRequests signals the embedding system to shed load.
	ActionDropRequests
)

func (a Action) String() string {
	switch a {
	case ActionAllow:
		return "allow"
	case ActionReduceBatchSize:
		return "reduce_batch_size"
	case ActionThrottleRequests:
		return "throttle_requests"
	case ActionDropRequests:
		return "drop_requests"
	default:
		return "unknown"
	}
}

// Scheduler is the slice of the batch scheduler the guard acts on.
type Scheduler interface {
	// P95Over returns the p95 batch processing latency (ms) over the window.
	P95Over(window time.Duration) float64
	// ScaleOptimalBatchSize multiplies the optimal batch size, floor 1.
	ScaleOptimalBatchSize(factor float64) int
	// ThrottleTimeout multiplies the batch timeout, capped at cap.
	ThrottleTimeout(factor float64, cap time.Duration) time.Duration
}

// Violation describes one breaching evaluation, passed to the violation
// callback after guard state has been updated.
type Violation struct {
	// P95Ms is the observed rolling p95 that breached.
	P95Ms float64
	// Action is the corrective action the breach maps to.
	Action Action
	// Applied reports whether the action was actually taken, or suppressed
	// by the cooldown.
	Applied bool
	// Streak is the consecutive-violation count including this one.
	Streak int
}

// Recovery describes the first clean evaluation after a violation streak.
type Recovery struct {
	// P95Ms is the observed rolling p95 that came back under threshold.
	P95Ms float64
	// EndedStreak is the streak length that this evaluation reset.
	EndedStreak int
}

// Thresholds is the breach ladder, checked from Max down.
type Thresholds struct {
	// P95Ms triggers ActionReduceBatchSize.
	P95Ms float64
	// P99Ms triggers ActionThrottleRequests.
	P99Ms float64
	// MaxMs triggers ActionDropRequests.
	MaxMs float64
}

// Config holds the configuration for the Guard.
type Config struct {
	// Thresholds is the breach ladder. Required.
	Thresholds Thresholds
	// EvaluationInterval is the polling cadence of Run.
	// Optional: defaults to DefaultEvaluationInterval.
	EvaluationInterval time.Duration
	// MonitoringWindow is how far back the rolling p95 looks.
	// Optional: defaults to DefaultMonitoringWindow.
	MonitoringWindow time.Duration
	// CooldownPeriod is the minimum time between applied corrective actions.
	// Optional: defaults to DefaultCooldownPeriod.
	CooldownPeriod time.Duration
	// AdaptiveAdjustmentFactor scales the optimal batch size on a p95
	// breach. Optional: defaults to DefaultAdaptiveAdjustmentFactor.
	AdaptiveAdjustmentFactor float64
	// ThrottleFactor stretches the batch timeout on a p99 breach.
	// Optional: defaults to DefaultThrottleFactor.
	ThrottleFactor float64
	// ThrottleCap bounds the stretched batch timeout.
	// Optional: defaults to DefaultThrottleCap.
	ThrottleCap time.Duration
}

// Defaults for Config.
const (
	DefaultEvaluationInterval       = 10 * time.Second
	DefaultMonitoringWindow         = 60 * time.Second
	DefaultCooldownPeriod           = 30 * time.Second
	DefaultAdaptiveAdjustmentFactor = 0.75
	DefaultThrottleFactor           = 1.5
	DefaultThrottleCap              = 200 * time.Millisecond
)

func (c *Config) withDefaults() *Config {
	out := *c
	if out.EvaluationInterval <= 0 {
		out.EvaluationInterval = DefaultEvaluationInterval
	}
	if out.MonitoringWindow <= 0 {
		out.MonitoringWindow = DefaultMonitoringWindow
	}
	if out.CooldownPeriod <= 0 {
		out.CooldownPeriod = DefaultCooldownPeriod
	}
	if out.AdaptiveAdjustmentFactor <= 0 || out.AdaptiveAdjustmentFactor >= 1 {
		out.AdaptiveAdjustmentFactor = DefaultAdaptiveAdjustmentFactor
	}
	if out.ThrottleFactor <= 1 {
		out.ThrottleFactor = DefaultThrottleFactor
	}
	if out.ThrottleCap <= 0 {
		out.ThrottleCap = DefaultThrottleCap
	}
	return &out
}

// Stats is the guard's observable state.
type Stats struct {
	Violations    int64
	ActionsTaken  int64
	CurrentStreak int
	Thresholds    Thresholds
}

// Guard polls the scheduler and applies the breach ladder.
type Guard struct {
	config    *Config
	scheduler Scheduler
	clock     clock.WithTicker
	logger    logr.Logger
	sink      metrics.Sink

	onViolation func(Violation)
	onRecovery  func(Recovery)

	mu           sync.Mutex
	violations   int64
	actionsTaken int64
	streak       int
	lastAction   time.Time
}

// Option mutates the Guard at construction time.
type Option func(*Guard)

// WithSink routes guard metrics into the given sink.
func WithSink(sink metrics.Sink) Option {
	return func(g *Guard) { g.sink = sink }
}

// WithViolationCallback installs the external violation notification.
func WithViolationCallback(fn func(Violation)) Option {
	return func(g *Guard) { g.onViolation = fn }
}

// WithRecoveryCallback installs the external recovery notification.
func WithRecoveryCallback(fn func(Recovery)) Option {
	return func(g *Guard) { g.onRecovery = fn }
}

// WithClock fixes the clock. Test-only.
func WithClock(clk clock.WithTicker) Option {
	return func(g *Guard) { g.clock = clk }
}

// NewGuard creates a Guard acting on the scheduler.
func NewGuard(config *Config, scheduler Scheduler, logger logr.Logger, opts ...Option) *Guard {
	if config == nil {
		config = &Config{}
	}
	g := &Guard{
		config:    config.withDefaults(),
		scheduler: scheduler,
		clock:     clock.RealClock{},
		logger:    logger.WithName(loggerName),
		sink:      metrics.NopSink{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Run polls the scheduler until ctx is cancelled.
func (g *Guard) Run(ctx context.Context) {
	g.logger.V(logutil.DEFAULT).Info("Latency guard starting",
		"evaluationInterval", g.config.EvaluationInterval, "thresholds", g.config.Thresholds)
	defer g.logger.V(logutil.DEFAULT).Info("Latency guard stopped")

	ticker := g.clock.NewTicker(g.config.EvaluationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			g.Evaluate(ctx)
		}
	}
}

// Evaluate performs one evaluation cycle and returns the action the observed
// p95 mapped to, whether or not the action was applied. Exported so the
// embedding system can force an evaluation outside the timer.
func (g *Guard) Evaluate(_ context.Context) Action {
	p95 := g.scheduler.P95Over(g.config.MonitoringWindow)
	action := g.classify(p95)

	g.mu.Lock()
	if action == ActionAllow {
		ended := g.streak
		g.streak = 0
		g.mu.Unlock()
		if ended > 0 {
			g.logger.V(logutil.DEFAULT).Info("Latency recovered", "p95Ms", p95, "endedStreak", ended)
			g.sink.Inc("guard_recoveries_total", nil)
			if g.onRecovery != nil {
				g.onRecovery(Recovery{P95Ms: p95, EndedStreak: ended})
			}
		}
		return ActionAllow
	}

	// Detection always happens; correction is throttled by the cooldown.
	g.violations++
	g.streak++
	now := g.clock.Now()
	applied := g.lastAction.IsZero() || now.Sub(g.lastAction) >= g.config.CooldownPeriod
	if applied {
		g.lastAction = now
		g.actionsTaken++
	}
	streak := g.streak
	g.mu.Unlock()

	g.sink.Inc("guard_violations_total", map[string]string{"action": action.String()})
	if applied {
		g.apply(action, p95)
		g.sink.Inc("guard_actions_taken_total", map[string]string{"action": action.String()})
	} else {
		g.logger.V(logutil.VERBOSE).Info("Corrective action suppressed by cooldown",
			"p95Ms", p95, "action", action.String(), "streak", streak)
	}
	if g.onViolation != nil {
		g.onViolation(Violation{P95Ms: p95, Action: action, Applied: applied, Streak: streak})
	}
	return action
}

// classify maps the observed p95 onto the breach ladder, most severe first.
func (g *Guard) classify(p95 float64) Action {
	t := g.config.Thresholds
	switch {
	case t.MaxMs > 0 && p95 > t.MaxMs:
		return ActionDropRequests
	case t.P99Ms > 0 && p95 > t.P99Ms:
		return ActionThrottleRequests
	case t.P95Ms > 0 && p95 > t.P95Ms:
		return ActionReduceBatchSize
	default:
		return ActionAllow
	}
}

func (g *Guard) apply(action Action, p95 float64) {
	switch action {
	case ActionReduceBatchSize:
		size := g.scheduler.ScaleOptimalBatchSize(g.config.AdaptiveAdjustmentFactor)
		g.logger.V(logutil.DEFAULT).Info("Reduced optimal batch size",
			"p95Ms", p95, "newOptimalBatchSize", size)
	case ActionThrottleRequests:
		timeout := g.scheduler.ThrottleTimeout(g.config.ThrottleFactor, g.config.ThrottleCap)
		g.logger.V(logutil.DEFAULT).Info("Throttled batch formation",
			"p95Ms", p95, "newBatchTimeout", timeout)
	case ActionDropRequests:
		// Load shedding is the embedding system's job; the violation
		// callback carries the signal out.
		g.logger.Error(nil, "Latency above hard maximum, requesting load shed", "p95Ms", p95)
	}
}

// Stats returns the guard's counters and configured thresholds.
func (g *Guard) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{
		Violations:    g.violations,
		ActionsTaken:  g.actionsTaken,
		CurrentStreak: g.streak,
		Thresholds:    g.config.Thresholds,
	}
}
