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
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	logutil "github.com/oimiragieo/router-control-plane/pkg/util/logging"
)

// RLConfig holds the configuration for the RLTuner. Reward weights are
// empirically tuned constants kept as configuration.
type RLConfig struct {
	// Epsilon is the exploration probability of the ε-greedy action
	// selection. Optional: defaults to DefaultEpsilon.
	Epsilon float64
	// Alpha is the Q-learning step size. Optional: defaults to DefaultAlpha.
	Alpha float64
	// Gamma is the discount factor. Optional: defaults to DefaultGamma.
	Gamma float64

	// TargetLatencyMs, TargetThroughput, MaxErrorRate normalize the reward
	// terms.
	TargetLatencyMs  float64
	TargetThroughput float64
	MaxErrorRate     float64

	// LatencyWeight, ThroughputWeight, ErrorRateWeight, StabilityWeight
	// weight the reward components. Optional: default to the Default*
	// constants.
	LatencyWeight    float64
	ThroughputWeight float64
	ErrorRateWeight  float64
	StabilityWeight  float64
}

// Defaults for RLConfig.
const (
	DefaultEpsilon = 0.1
	DefaultAlpha   = 0.2
	DefaultGamma   = 0.9

	DefaultLatencyWeight    = 0.4
	DefaultThroughputWeight = 0.3
	DefaultErrorRateWeight  = 0.2
	DefaultStabilityWeight  = 0.1

	DefaultMaxErrorRate = 0.2
)

func (c *RLConfig) withDefaults() *RLConfig {
	out := *c
	if out.Epsilon <= 0 {
		out.Epsilon = DefaultEpsilon
	}
	if out.Alpha <= 0 {
		out.Alpha = DefaultAlpha
	}
	if out.Gamma <= 0 {
		out.Gamma = DefaultGamma
	}
	if out.MaxErrorRate <= 0 {
		out.MaxErrorRate = DefaultMaxErrorRate
	}
	if out.LatencyWeight == 0 {
		out.LatencyWeight = DefaultLatencyWeight
	}
	if out.ThroughputWeight == 0 {
		out.ThroughputWeight = DefaultThroughputWeight
	}
	if out.ErrorRateWeight == 0 {
		out.ErrorRateWeight = DefaultErrorRateWeight
	}
	if out.StabilityWeight == 0 {
		out.StabilityWeight = DefaultStabilityWeight
	}
	return &out
}

// rlState is the discretized control-loop state used as the Q-table key.
type rlState struct {
	windowBin     int
	latencyBin    int
	throughputBin int
	errorRateBin  int
	sinceBin      int
}

// rlAction is one (Δadditive, Δmultiplicative) adjustment pair.
type rlAction struct {
	dAdd  float64
	dMult float64
}

// rlActions is the fixed action space: hold, nudge additive up/down, nudge
// multiplicative up/down, and the two combined moves.
var rlActions = []rlAction{
	{0, 0},
	{0.5, 0},
	{-0.5, 0},
	{0, 0.05},
	{0, -0.05},
	{0.5, -0.05},
	{-0.5, 0.05},
}

// RLTuner adjusts the AIMD parameters with tabular ε-greedy Q-learning over
// a discretized state.
type RLTuner struct {
	config *RLConfig
	target Target
	clock  clock.PassiveClock
	logger logr.Logger

	mu         sync.Mutex
	q          map[rlState][]float64
	rng        *rand.Rand
	prevState  rlState
	prevAction int
	prevWindow int
	primed     bool
	lastAdjust time.Time
}

var _ Tuner = &RLTuner{}

// NewRLTuner creates an RLTuner acting on the target.
func NewRLTuner(config *RLConfig, target Target, logger logr.Logger) *RLTuner {
	if config == nil {
		config = &RLConfig{}
	}
	return &RLTuner{
		config: config.withDefaults(),
		target: target,
		clock:  clock.RealClock{},
		logger: logger.WithName("RLTuner"),
		q:      make(map[rlState][]float64),
		rng:    rand.New(rand.NewSource(rand.Int63())),
	}
}

// WithClock fixes the tuner's clock. Test-only.
func (t *RLTuner) WithClock(clk clock.PassiveClock) *RLTuner {
	t.clock = clk
	return t
}

// WithRandSource fixes the random source. Test-only.
func (t *RLTuner) WithRandSource(src rand.Source) *RLTuner {
	t.rng = rand.New(src)
	return t
}

// Tick implements Tuner: update the Q-value of the previous (state, action)
// pair with the reward observed now, then ε-greedily pick and apply the next
// action.
func (t *RLTuner) Tick(_ context.Context, obs Observation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	state := t.discretize(obs, now)

	if t.primed {
		reward := t.reward(obs)
		qPrev := t.qValues(t.prevState)
		qNext := t.qValues(state)
		best := 0.0
		for _, v := range qNext {
			if v > best {
				best = v
			}
		}
		qPrev[t.prevAction] += t.config.Alpha * (reward + t.config.Gamma*best - qPrev[t.prevAction])
	}

	actionIdx := t.selectAction(state)
	action := rlActions[actionIdx]
	add, mult := t.target.TuningParams()
	add, mult = clampParams(add+action.dAdd, mult+action.dMult)
	t.target.SetTuningParams(add, mult)

	if action.dAdd != 0 || action.dMult != 0 {
		t.lastAdjust = now
	}
	t.prevState = state
	t.prevAction = actionIdx
	t.prevWindow = obs.WindowSize
	t.primed = true

	t.logger.V(logutil.VERBOSE).Info("RL action applied",
		"dAdd", action.dAdd, "dMult", action.dMult, "additiveStep", add, "multFactor", mult)
}

func (t *RLTuner) qValues(s rlState) []float64 {
	q, ok := t.q[s]
	if !ok {
		q = make([]float64, len(rlActions))
		t.q[s] = q
	}
	return q
}

func (t *RLTuner) selectAction(s rlState) int {
	if t.rng.Float64() < t.config.Epsilon {
		return t.rng.Intn(len(rlActions))
	}
	q := t.qValues(s)
	best := 0
	for i, v := range q {
		if v > q[best] {
			best = i
		}
	}
	return best
}

// discretize bins the observation into the Q-table key.
func (t *RLTuner) discretize(obs Observation, now time.Time) rlState {
	sinceBin := 3
	if !t.lastAdjust.IsZero() {
		since := now.Sub(t.lastAdjust)
		switch {
		case since < time.Minute:
			sinceBin = 0
		case since < 5*time.Minute:
			sinceBin = 1
		case since < 15*time.Minute:
			sinceBin = 2
		}
	}
	return rlState{
		windowBin:     binValue(float64(obs.WindowSize), []float64{4, 8, 16, 32}),
		latencyBin:    binValue(obs.P95LatencyMs, []float64{0.5 * t.config.TargetLatencyMs, t.config.TargetLatencyMs, 2 * t.config.TargetLatencyMs}),
		throughputBin: binValue(obs.Throughput, []float64{0.5 * t.config.TargetThroughput, t.config.TargetThroughput, 2 * t.config.TargetThroughput}),
		errorRateBin:  binValue(obs.ErrorRate, []float64{0.01, 0.05, t.config.MaxErrorRate}),
		sinceBin:      sinceBin,
	}
}

func binValue(v float64, bounds []float64) int {
	for i, b := range bounds {
		if v < b {
			return i
		}
	}
	return len(bounds)
}

// reward scores the observation: latency goodness, throughput goodness,
// error-rate goodness, and a stability bonus that penalizes large window
// swings between consecutive states.
func (t *RLTuner) reward(obs Observation) float64 {
	latGood := 1.0
	if t.config.TargetLatencyMs > 0 {
		latGood = 1 - math.Min(1, obs.P95LatencyMs/(2*t.config.TargetLatencyMs))
	}
	tpGood := 1.0
	if t.config.TargetThroughput > 0 {
		tpGood = math.Min(1, obs.Throughput/t.config.TargetThroughput)
	}
	errGood := 1 - math.Min(1, obs.ErrorRate/t.config.MaxErrorRate)

	swing := math.Abs(float64(obs.WindowSize - t.prevWindow))
	stability := 1 - math.Min(1, swing/16)

	return t.config.LatencyWeight*latGood +
		t.config.ThroughputWeight*tpGood +
		t.config.ErrorRateWeight*errGood +
		t.config.StabilityWeight*stability
}

// Reset clears the learned Q-table. Operator action.
func (t *RLTuner) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.q = make(map[rlState][]float64)
	t.primed = false
	t.lastAdjust = time.Time{}
}
