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

package autotuner

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	logutil "github.com/oimiragieo/router-control-plane/pkg/util/logging"
)

// PIDConfig holds the configuration for the PIDTuner. The channel weights
// are empirically tuned constants, deliberately kept as configuration rather
// than derived values.
type PIDConfig struct {
	// Kp, Ki, Kd are the shared PID gains applied to each error channel.
	// Optional: default to DefaultKp/DefaultKi/DefaultKd.
	Kp float64
	Ki float64
	Kd float64
	// MaxIntegral clamps each channel's accumulated integral to
	// ±MaxIntegral (anti-windup). Optional: defaults to DefaultMaxIntegral.
	MaxIntegral float64
	// UpdateInterval is the minimum time between applied updates; ticks
	// arriving earlier are skipped. Optional: defaults to
	// DefaultUpdateInterval.
	UpdateInterval time.Duration

	// TargetLatencyMs, TargetThroughput, TargetErrorRate are the setpoints
	// the three error signals are computed against.
	TargetLatencyMs  float64
	TargetThroughput float64
	TargetErrorRate  float64

	// AddThroughputWeight, AddErrorRateWeight weight the throughput and
	// error-rate PID outputs in the additive-step adjustment.
	// MultLatencyWeight weights the latency PID output in the
	// multiplicative-factor adjustment. Optional: default to
	// DefaultAddThroughputWeight / DefaultAddErrorRateWeight /
	// DefaultMultLatencyWeight.
	AddThroughputWeight float64
	AddErrorRateWeight  float64
	MultLatencyWeight   float64
}

// Defaults for PIDConfig.
const (
	DefaultKp             = 0.5
	DefaultKi             = 0.1
	DefaultKd             = 0.05
	DefaultMaxIntegral    = 100.0
	DefaultUpdateInterval = 30 * time.Second

	DefaultAddThroughputWeight = 0.1
	DefaultAddErrorRateWeight  = 0.5
	DefaultMultLatencyWeight   = 0.01
)

func (c *PIDConfig) withDefaults() *PIDConfig {
	out := *c
	if out.Kp == 0 {
		out.Kp = DefaultKp
	}
	if out.Ki == 0 {
		out.Ki = DefaultKi
	}
	if out.Kd == 0 {
		out.Kd = DefaultKd
	}
	if out.MaxIntegral <= 0 {
		out.MaxIntegral = DefaultMaxIntegral
	}
	if out.UpdateInterval <= 0 {
		out.UpdateInterval = DefaultUpdateInterval
	}
	if out.AddThroughputWeight == 0 {
		out.AddThroughputWeight = DefaultAddThroughputWeight
	}
	if out.AddErrorRateWeight == 0 {
		out.AddErrorRateWeight = DefaultAddErrorRateWeight
	}
	if out.MultLatencyWeight == 0 {
		out.MultLatencyWeight = DefaultMultLatencyWeight
	}
	return &out
}

// pidChannel is one PID loop's accumulated state.
type pidChannel struct {
	integral  float64
	prevError float64
	primed    bool
}

// step advances the channel by one error sample and returns the combined
// P+I+D output. The integral is clamped to ±maxIntegral before use.
func (ch *pidChannel) step(err, dt, kp, ki, kd, maxIntegral float64) float64 {
	p := kp * err
	ch.integral += ki * err * dt
	if ch.integral > maxIntegral {
		ch.integral = maxIntegral
	}
	if ch.integral < -maxIntegral {
		ch.integral = -maxIntegral
	}
	d := 0.0
	if ch.primed && dt > 0 {
		d = kd * (err - ch.prevError) / dt
	}
	ch.prevError = err
	ch.primed = true
	return p + ch.integral + d
}

// PIDTuner rewrites the AIMD parameters with three PID loops: throughput and
// error rate drive the additive step, latency drives the multiplicative
// factor.
type PIDTuner struct {
	config *PIDConfig
	target Target
	clock  clock.PassiveClock
	logger logr.Logger

	mu         sync.Mutex
	latency    pidChannel
	throughput pidChannel
	errorRate  pidChannel
	lastUpdate time.Time
}

var _ Tuner = &PIDTuner{}

// NewPIDTuner creates a PIDTuner acting on the target.
func NewPIDTuner(config *PIDConfig, target Target, logger logr.Logger) *PIDTuner {
	if config == nil {
		config = &PIDConfig{}
	}
	return &PIDTuner{
		config: config.withDefaults(),
		target: target,
		clock:  clock.RealClock{},
		logger: logger.WithName("PIDTuner"),
	}
}

// WithClock fixes the tuner's clock. Test-only.
func (t *PIDTuner) WithClock(clk clock.PassiveClock) *PIDTuner {
	t.clock = clk
	return t
}

// Tick implements Tuner. Ticks arriving before UpdateInterval has elapsed
// since the last applied update are skipped.
func (t *PIDTuner) Tick(_ context.Context, obs Observation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	if !t.lastUpdate.IsZero() && now.Sub(t.lastUpdate) < t.config.UpdateInterval {
		return
	}
	dt := t.config.UpdateInterval.Seconds()
	if !t.lastUpdate.IsZero() {
		dt = now.Sub(t.lastUpdate).Seconds()
	}
	t.lastUpdate = now

	latencyErr := t.config.TargetLatencyMs - obs.P95LatencyMs
	throughputErr := obs.Throughput - t.config.TargetThroughput
	errorRateErr := t.config.TargetErrorRate - obs.ErrorRate

	pidLatency := t.latency.step(latencyErr, dt, t.config.Kp, t.config.Ki, t.config.Kd, t.config.MaxIntegral)
	pidThroughput := t.throughput.step(throughputErr, dt, t.config.Kp, t.config.Ki, t.config.Kd, t.config.MaxIntegral)
	pidErrorRate := t.errorRate.step(errorRateErr, dt, t.config.Kp, t.config.Ki, t.config.Kd, t.config.MaxIntegral)

	addAdjust := t.config.AddThroughputWeight*pidThroughput + t.config.AddErrorRateWeight*pidErrorRate
	multAdjust := t.config.MultLatencyWeight * pidLatency

	add, mult := t.target.TuningParams()
	add, mult = clampParams(add+addAdjust, mult+multAdjust)
	t.target.SetTuningParams(add, mult)

	t.logger.V(logutil.VERBOSE).Info("PID update applied",
		"additiveStep", add, "multFactor", mult,
		"addAdjust", addAdjust, "multAdjust", multAdjust,
		"latencyErr", latencyErr, "throughputErr", throughputErr, "errorRateErr", errorRateErr)
}

// Reset clears the accumulated integral and derivative state. Operator
// action; never called by the control loops.
func (t *PIDTuner) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.latency = pidChannel{}
	t.throughput = pidChannel{}
	t.errorRate = pidChannel{}
	t.lastUpdate = time.Time{}
}
