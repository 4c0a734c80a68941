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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	testclock "k8s.io/utils/clock/testing"

	logutil "github.com/oimiragieo/router-control-plane/pkg/util/logging"
)

// fakeTarget is a Target holding its parameters directly.
type fakeTarget struct {
	mu   sync.Mutex
	add  float64
	mult float64
	sets int
}

func (f *fakeTarget) TuningParams() (float64, float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.add, f.mult
}

func (f *fakeTarget) SetTuningParams(add, mult float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.add, f.mult, f.sets = add, mult, f.sets+1
}

func TestPIDTick_SkipsBeforeUpdateInterval(t *testing.T) {
	ctx := context.Background()
	clk := testclock.NewFakeClock(time.Now())
	target := &fakeTarget{add: 1, mult: 0.5}
	tuner := NewPIDTuner(&PIDConfig{
		UpdateInterval:  30 * time.Second,
		TargetLatencyMs: 1000,
	}, target, logutil.NewTestLogger()).WithClock(clk)

	obs := Observation{P95LatencyMs: 500}
	tuner.Tick(ctx, obs)
	assert.Equal(t, 1, target.sets)

	clk.Step(10 * time.Second)
	tuner.Tick(ctx, obs)
	assert.Equal(t, 1, target.sets, "tick inside the update interval is skipped")

	clk.Step(25 * time.Second)
	tuner.Tick(ctx, obs)
	assert.Equal(t, 2, target.sets)
}

func TestPIDTick_ClampsParameters(t *testing.T) {
	ctx := context.Background()
	clk := testclock.NewFakeClock(time.Now())
	target := &fakeTarget{add: 1, mult: 0.5}
	tuner := NewPIDTuner(&PIDConfig{
		UpdateInterval:   time.Second,
		TargetLatencyMs:  100,
		TargetThroughput: 10,
		TargetErrorRate:  0.01,
	}, target, logutil.NewTestLogger()).WithClock(clk)

	// Persistently terrible observations push hard in one direction; the
	// applied parameters must stay inside the hard bounds.
	for i := 0; i < 100; i++ {
		tuner.Tick(ctx, Observation{P95LatencyMs: 10000, Throughput: 0, ErrorRate: 1})
		add, mult := target.TuningParams()
		assert.GreaterOrEqual(t, add, MinAdditiveStep)
		assert.LessOrEqual(t, add, MaxAdditiveStep)
		assert.GreaterOrEqual(t, mult, MinMultFactor)
		assert.LessOrEqual(t, mult, MaxMultFactor)
		clk.Step(time.Second)
	}
}

func TestPID_AntiWindup(t *testing.T) {
	ctx := context.Background()
	clk := testclock.NewFakeClock(time.Now())
	target := &fakeTarget{add: 1, mult: 0.5}
	cfg := &PIDConfig{
		UpdateInterval:  time.Second,
		MaxIntegral:     100,
		TargetLatencyMs: 100,
	}
	tuner := NewPIDTuner(cfg, target, logutil.NewTestLogger()).WithClock(clk)

	// Constant large error for a long time: each channel's integral must
	// stay clamped instead of accumulating without bound.
	for i := 0; i < 1000; i++ {
		tuner.Tick(ctx, Observation{P95LatencyMs: 100000, Throughput: 0, ErrorRate: 1})
		clk.Step(time.Second)
	}
	tuner.mu.Lock()
	defer tuner.mu.Unlock()
	assert.LessOrEqual(t, tuner.latency.integral, cfg.MaxIntegral)
	assert.GreaterOrEqual(t, tuner.latency.integral, -cfg.MaxIntegral)
	assert.LessOrEqual(t, tuner.throughput.integral, cfg.MaxIntegral)
	assert.GreaterOrEqual(t, tuner.throughput.integral, -cfg.MaxIntegral)
	assert.LessOrEqual(t, tuner.errorRate.integral, cfg.MaxIntegral)
	assert.GreaterOrEqual(t, tuner.errorRate.integral, -cfg.MaxIntegral)
}

func TestPID_Reset(t *testing.T) {
	ctx := context.Background()
	clk := testclock.NewFakeClock(time.Now())
	target := &fakeTarget{add: 1, mult: 0.5}
	tuner := NewPIDTuner(&PIDConfig{
		UpdateInterval:  time.Second,
		TargetLatencyMs: 100,
	}, target, logutil.NewTestLogger()).WithClock(clk)

	tuner.Tick(ctx, Observation{P95LatencyMs: 5000})
	tuner.Reset()

	tuner.mu.Lock()
	defer tuner.mu.Unlock()
	assert.Zero(t, tuner.latency.integral)
	assert.False(t, tuner.latency.primed)
	assert.True(t, tuner.lastUpdate.IsZero())
}

func TestClampParams(t *testing.T) {
	tests := []struct {
		name     string
		add      float64
		mult     float64
		wantAdd  float64
		wantMult float64
	}{
		{name: "inside bounds", add: 5, mult: 0.5, wantAdd: 5, wantMult: 0.5},
		{name: "below bounds", add: -3, mult: 0.01, wantAdd: 1, wantMult: 0.1},
		{name: "above bounds", add: 50, mult: 2, wantAdd: 10, wantMult: 0.9},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			add, mult := clampParams(test.add, test.mult)
			assert.Equal(t, test.wantAdd, add)
			assert.Equal(t, test.wantMult, mult)
		})
	}
}
