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

package aimd

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	logutil "github.com/oimiragieo/router-control-plane/pkg/util/logging"
)

func newTestController(t *testing.T, config *Config, opts ...Option) *Controller {
	t.Helper()
	opts = append(opts, WithRandSource(rand.NewSource(1)))
	return NewController(config, logutil.NewTestLogger(), opts...)
}

func TestFeedback_GrowthBreachFailure(t *testing.T) {
	ctx := context.Background()
	c := newTestController(t, &Config{
		Base:         2,
		MaxCap:       10,
		AdditiveStep: 1,
		MultFactor:   0.5,
		TargetMs:     100,
	})
	const session = "session-1"

	assert.Equal(t, 2, c.Get(ctx, session), "fresh session starts at base")

	for i := 0; i < 3; i++ {
		c.Feedback(ctx, session, 50, true)
	}
	assert.Equal(t, 5, c.Get(ctx, session), "three on-target successes grow additively")

	c.Feedback(ctx, session, 300, true)
	assert.Equal(t, 2, c.Get(ctx, session), "latency breach halves but floors at base")

	c.Feedback(ctx, session, 50, false)
	assert.Equal(t, 1, c.Get(ctx, session), "explicit failure decreases below base")
}

func TestFeedback_ZeroJitterIsExact(t *testing.T) {
	ctx := context.Background()
	// An unset JitterPct leaves target comparisons exact: feedback landing
	// right on the target is on-target every time, regardless of the random
	// source. Only a negative JitterPct falls back to the default.
	c := NewController(&Config{
		Base:     2,
		MaxCap:   100,
		TargetMs: 100,
	}, logutil.NewTestLogger())
	const session = "s"

	for i := 0; i < 20; i++ {
		c.Feedback(ctx, session, 100, true)
	}
	assert.Equal(t, 22, c.Get(ctx, session), "latency at the exact target never breaches without jitter")

	assert.Zero(t, (&Config{}).withDefaults().JitterPct)
	assert.Equal(t, DefaultJitterPct, (&Config{JitterPct: -1}).withDefaults().JitterPct)
}

func TestFeedback_GrowthStopsAtHighWatermark(t *testing.T) {
	ctx := context.Background()
	c := newTestController(t, &Config{
		Base:             2,
		MaxCap:           10,
		AdditiveStep:     1,
		MultFactor:       0.5,
		TargetMs:         100,
		HighWatermarkPct: 0.8,
	})
	const session = "s"

	prev := c.Get(ctx, session)
	for i := 0; i < 50; i++ {
		c.Feedback(ctx, session, 10, true)
		cur := c.Get(ctx, session)
		assert.GreaterOrEqual(t, cur, prev, "window is non-decreasing under on-target success")
		prev = cur
	}
	// Growth gates on current < MaxCap*HighWatermarkPct, so the last
	// increment lands exactly on the watermark.
	assert.Equal(t, 8, c.Get(ctx, session))
}

func TestFeedback_WindowBounds(t *testing.T) {
	ctx := context.Background()
	c := newTestController(t, &Config{
		Base:       2,
		MaxCap:     8,
		MultFactor: 0.5,
		TargetMs:   100,
	})
	const session = "s"

	for i := 0; i < 100; i++ {
		c.Feedback(ctx, session, 10, true)
		w := c.Get(ctx, session)
		assert.LessOrEqual(t, w, 8)
		assert.GreaterOrEqual(t, w, 1)
	}
	for i := 0; i < 100; i++ {
		c.Feedback(ctx, session, 10, false)
		w := c.Get(ctx, session)
		assert.LessOrEqual(t, w, 8)
		assert.GreaterOrEqual(t, w, 1)
	}
	assert.Equal(t, 1, c.Get(ctx, session), "repeated failures pin the window at the hard minimum")
}

func TestFeedback_LowWatermarkFloor(t *testing.T) {
	ctx := context.Background()
	// LowWatermarkPct <= 0.25 activates the watermark floor for latency
	// breaches: ceil(20*0.25) = 5 > base.
	c := newTestController(t, &Config{
		Base:            2,
		MaxCap:          20,
		MultFactor:      0.5,
		TargetMs:        100,
		LowWatermarkPct: 0.25,
	})
	const session = "s"

	for i := 0; i < 10; i++ {
		c.Feedback(ctx, session, 10, true)
	}
	require.Equal(t, 12, c.Get(ctx, session))

	c.Feedback(ctx, session, 500, true)
	assert.Equal(t, 6, c.Get(ctx, session), "halving above the watermark floor applies as-is")
	c.Feedback(ctx, session, 500, true)
	assert.Equal(t, 5, c.Get(ctx, session), "decrease floors at ceil(maxCap*lowWatermarkPct)")
	c.Feedback(ctx, session, 500, true)
	assert.Equal(t, 5, c.Get(ctx, session))
}

func TestECNReaction(t *testing.T) {
	ctx := context.Background()
	c := newTestController(t, &Config{
		Base:       2,
		MaxCap:     32,
		MultFactor: 0.5,
		TargetMs:   100,
	})
	const session = "s"

	for i := 0; i < 10; i++ {
		c.Feedback(ctx, session, 10, true)
	}
	require.Equal(t, 12, c.Get(ctx, session))

	assert.Equal(t, 6, c.ECNReaction(ctx, session))
	assert.Equal(t, 3, c.ECNReaction(ctx, session))
	assert.Equal(t, 1, c.ECNReaction(ctx, session), "ECN bypasses the base floor")
	assert.Equal(t, 1, c.ECNReaction(ctx, session), "hard minimum of 1 holds")
}

func TestPruneIdle(t *testing.T) {
	ctx := context.Background()
	start := time.Now()
	clk := testclock.NewFakeClock(start)
	c := newTestController(t, &Config{IdleTTL: time.Minute}, WithClock(clk))

	c.Get(ctx, "a")
	clk.Step(2 * time.Minute)
	c.Get(ctx, "b")

	assert.Equal(t, 1, c.PruneIdle(clk.Now()))
	assert.Equal(t, 1, c.SessionCount())
	// "b" survives; a fresh Get for "a" reinitializes from base.
	assert.Equal(t, DefaultBase, c.Get(ctx, "a"))
}

func TestSetTuningParams(t *testing.T) {
	c := newTestController(t, nil)

	c.SetTuningParams(3, 0.7)
	add, mult := c.TuningParams()
	assert.Equal(t, 3.0, add)
	assert.Equal(t, 0.7, mult)

	// Invalid values are ignored, not clamped; clamping is the tuner's job.
	c.SetTuningParams(-1, 1.5)
	add, mult = c.TuningParams()
	assert.Equal(t, 3.0, add)
	assert.Equal(t, 0.7, mult)
}

type fakeBackend struct {
	values map[string]int
	getErr error
	setErr error
	sets   int
}

func (f *fakeBackend) Get(_ context.Context, session string) (int, bool, error) {
	if f.getErr != nil {
		return 0, false, f.getErr
	}
	v, ok := f.values[session]
	return v, ok, nil
}

func (f *fakeBackend) Set(_ context.Context, session string, window int) error {
	f.sets++
	if f.setErr != nil {
		return f.setErr
	}
	f.values[session] = window
	return nil
}

func TestBackend_WriteThroughCache(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{values: map[string]int{"warm": 7}}
	c := newTestController(t, &Config{
		Base:     2,
		MaxCap:   10,
		TargetMs: 100,
	}, WithBackend(backend))

	assert.Equal(t, 7, c.Get(ctx, "warm"), "lazy init picks up the backend's value")
	assert.Equal(t, 2, c.Get(ctx, "cold"), "unknown session starts from base")

	c.Feedback(ctx, "warm", 10, true)
	assert.Equal(t, 8, backend.values["warm"], "feedback writes through")

	// Eviction only drops the local cache; the backend stays authoritative.
	c.PruneIdle(time.Now().Add(time.Hour))
	assert.Equal(t, 8, c.Get(ctx, "warm"))
}

func TestBackend_ErrorsDegradeToBase(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{getErr: errors.New("backend down"), setErr: errors.New("backend down")}
	c := newTestController(t, &Config{
		Base:     3,
		MaxCap:   10,
		TargetMs: 100,
	}, WithBackend(backend))

	assert.Equal(t, 3, c.Get(ctx, "s"), "read failure starts from base")
	c.Feedback(ctx, "s", 10, true)
	assert.Equal(t, 4, c.Get(ctx, "s"), "write failure does not disturb the local window")
}

func TestBackend_ClampsOutOfRangeValues(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{values: map[string]int{"big": 1000, "zero": 0}}
	c := newTestController(t, &Config{
		Base:   2,
		MaxCap: 10,
	}, WithBackend(backend))

	assert.Equal(t, 10, c.Get(ctx, "big"))
	assert.Equal(t, 1, c.Get(ctx, "zero"))
}
