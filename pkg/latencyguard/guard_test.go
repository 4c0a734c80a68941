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

package latencyguard

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	testclock "k8s.io/utils/clock/testing"

	logutil "github.com/oimiragieo/router-control-plane/pkg/util/logging"
)

// fakeScheduler serves a settable p95 and records the corrective calls it
// receives.
type fakeScheduler struct {
	p95          float64
	scaleCalls   int
	throttles    int
	lastFactor   float64
	lastThrottle float64
	lastCap      time.Duration
}

func (f *fakeScheduler) P95Over(time.Duration) float64 { return f.p95 }

func (f *fakeScheduler) ScaleOptimalBatchSize(factor float64) int {
	f.scaleCalls++
	f.lastFactor = factor
	return 4
}

func (f *fakeScheduler) ThrottleTimeout(factor float64, cap time.Duration) time.Duration {
	f.throttles++
	f.lastThrottle = factor
	f.lastCap = cap
	return cap
}

func newTestGuard(t *testing.T, config *Config, sched *fakeScheduler, clk *testclock.FakeClock, opts ...Option) *Guard {
	t.Helper()
	opts = append(opts, WithClock(clk))
	return NewGuard(config, sched, logutil.NewTestLogger(), opts...)
}

func defaultThresholds() Thresholds {
	return Thresholds{P95Ms: 150, P99Ms: 300, MaxMs: 500}
}

func TestEvaluate_Classification(t *testing.T) {
	tests := []struct {
		name string
		p95  float64
		want Action
	}{
		{name: "under every threshold", p95: 100, want: ActionAllow},
		{name: "p95 breach", p95: 200, want: ActionReduceBatchSize},
		{name: "p99 breach", p95: 400, want: ActionThrottleRequests},
		{name: "hard max breach", p95: 600, want: ActionDropRequests},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			clk := testclock.NewFakeClock(time.Now())
			sched := &fakeScheduler{p95: test.p95}
			g := newTestGuard(t, &Config{Thresholds: defaultThresholds()}, sched, clk)

			assert.Equal(t, test.want, g.Evaluate(context.Background()))
		})
	}
}

func TestEvaluate_CooldownDecouplesDetectionFromCorrection(t *testing.T) {
	ctx := context.Background()
	clk := testclock.NewFakeClock(time.Now())
	sched := &fakeScheduler{p95: 200}
	g := newTestGuard(t, &Config{
		Thresholds:     defaultThresholds(),
		CooldownPeriod: 30 * time.Second,
	}, sched, clk)

	// Three evaluations inside one cooldown window: one applied action,
	// three counted violations.
	for i := 0; i < 3; i++ {
		assert.Equal(t, ActionReduceBatchSize, g.Evaluate(ctx))
		clk.Step(5 * time.Second)
	}
	st := g.Stats()
	assert.Equal(t, int64(3), st.Violations)
	assert.Equal(t, int64(1), st.ActionsTaken)
	assert.Equal(t, 3, st.CurrentStreak)
	assert.Equal(t, 1, sched.scaleCalls)

	// Past the cooldown the next violation applies again.
	clk.Step(time.Minute)
	g.Evaluate(ctx)
	st = g.Stats()
	assert.Equal(t, int64(4), st.Violations)
	assert.Equal(t, int64(2), st.ActionsTaken)
	assert.Equal(t, 2, sched.scaleCalls)
}

func TestEvaluate_ActionsReachScheduler(t *testing.T) {
	ctx := context.Background()
	clk := testclock.NewFakeClock(time.Now())
	sched := &fakeScheduler{p95: 200}
	g := newTestGuard(t, &Config{
		Thresholds:               defaultThresholds(),
		AdaptiveAdjustmentFactor: 0.75,
	}, sched, clk)

	g.Evaluate(ctx)
	assert.Equal(t, 0.75, sched.lastFactor)

	// p99 breach after cooldown stretches the batch timeout.
	clk.Step(time.Minute)
	sched.p95 = 400
	g.Evaluate(ctx)
	assert.Equal(t, 1, sched.throttles)
	assert.Equal(t, DefaultThrottleFactor, sched.lastThrottle)
	assert.Equal(t, DefaultThrottleCap, sched.lastCap)

	// Drop never touches the scheduler; load shedding is external.
	clk.Step(time.Minute)
	sched.p95 = 600
	g.Evaluate(ctx)
	assert.Equal(t, 1, sched.scaleCalls)
	assert.Equal(t, 1, sched.throttles)
}

func TestEvaluate_RecoveryResetsStreakAndFiresCallback(t *testing.T) {
	ctx := context.Background()
	clk := testclock.NewFakeClock(time.Now())
	sched := &fakeScheduler{p95: 200}

	var violations []Violation
	var recoveries []Recovery
	g := newTestGuard(t, &Config{
		Thresholds:     defaultThresholds(),
		CooldownPeriod: 30 * time.Second,
	}, sched, clk,
		WithViolationCallback(func(v Violation) { violations = append(violations, v) }),
		WithRecoveryCallback(func(r Recovery) { recoveries = append(recoveries, r) }),
	)

	g.Evaluate(ctx)
	clk.Step(time.Second)
	g.Evaluate(ctx)

	sched.p95 = 100
	g.Evaluate(ctx)
	assert.Zero(t, g.Stats().CurrentStreak)
	assert.Len(t, recoveries, 1)
	assert.Equal(t, 2, recoveries[0].EndedStreak)
	assert.Equal(t, 100.0, recoveries[0].P95Ms)

	// A second clean evaluation fires nothing.
	g.Evaluate(ctx)
	assert.Len(t, recoveries, 1)

	// Callbacks saw the updated state: the second violation was suppressed
	// by cooldown but still counted.
	assert.Len(t, violations, 2)
	assert.True(t, violations[0].Applied)
	assert.False(t, violations[1].Applied)
	assert.Equal(t, 1, violations[0].Streak)
	assert.Equal(t, 2, violations[1].Streak)
}

func TestStats_ReportsThresholds(t *testing.T) {
	clk := testclock.NewFakeClock(time.Now())
	g := newTestGuard(t, &Config{Thresholds: defaultThresholds()}, &fakeScheduler{}, clk)

	assert.Equal(t, defaultThresholds(), g.Stats().Thresholds)
}
