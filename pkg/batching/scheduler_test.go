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

package batching

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logutil "github.com/oimiragieo/router-control-plane/pkg/util/logging"
)

// batchRecorder collects processed batches.
type batchRecorder struct {
	mu      sync.Mutex
	batches []*Batch
	err     error
}

func (r *batchRecorder) process(_ context.Context, batch *Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, batch)
	return r.err
}

func (r *batchRecorder) snapshot() []*Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Batch, len(r.batches))
	copy(out, r.batches)
	return out
}

func newTestScheduler(t *testing.T, ctx context.Context, config *Config, process ProcessFunc, opts ...Option) *Scheduler {
	t.Helper()
	return NewScheduler(ctx, config, process, logutil.NewTestLogger(), opts...)
}

func TestSubmit_SizeTriggeredBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &batchRecorder{}
	s := newTestScheduler(t, ctx, &Config{
		MaxBatchSize: 4,
		BatchTimeout: 100 * time.Millisecond,
	}, rec.process)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Submit(ctx, "adapter", NewRequest("adapter", 10, 100, 0.7, nil)))
	}

	// The 4th submission fills the batch; the 5th waits for the timeout.
	require.Eventually(t, func() bool {
		return len(rec.snapshot()) >= 1
	}, time.Second, 5*time.Millisecond)
	first := rec.snapshot()[0]
	assert.Equal(t, 4, first.Size())

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) >= 2
	}, time.Second, 5*time.Millisecond, "the leftover request batches alone after the timeout")
	assert.Equal(t, 1, rec.snapshot()[1].Size())

	assert.Equal(t, 0, s.QueueDepth("adapter"))
	st := s.Stats()
	assert.Equal(t, int64(2), st.TotalBatches)
	assert.InDelta(t, 2.5, st.AvgBatchSize, 1e-9)
}

func TestSubmit_PreservesEnqueueOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &batchRecorder{}
	s := newTestScheduler(t, ctx, &Config{
		MaxBatchSize: 8,
		BatchTimeout: 10 * time.Millisecond,
	}, rec.process)

	reqs := make([]*Request, 8)
	for i := range reqs {
		reqs[i] = NewRequest("adapter", 1, 10, 0, nil)
		require.NoError(t, s.Submit(ctx, "adapter", reqs[i]))
	}

	require.Eventually(t, func() bool {
		total := 0
		for _, b := range rec.snapshot() {
			total += b.Size()
		}
		return total == len(reqs)
	}, time.Second, 5*time.Millisecond)

	var got []string
	for _, b := range rec.snapshot() {
		for _, r := range b.Requests {
			got = append(got, r.ID)
		}
	}
	want := make([]string, len(reqs))
	for i, r := range reqs {
		want[i] = r.ID
	}
	assert.Equal(t, want, got)
}

func TestSubmit_QueueFull(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A processor that blocks until released keeps the worker busy so the
	// buffer can fill.
	release := make(chan struct{})
	block := func(context.Context, *Batch) error {
		<-release
		return nil
	}
	s := newTestScheduler(t, ctx, &Config{
		MaxBatchSize:  1,
		BatchTimeout:  time.Millisecond,
		QueueCapacity: 2,
	}, block)

	var errs []error
	for i := 0; i < 10; i++ {
		errs = append(errs, s.Submit(ctx, "adapter", NewRequest("adapter", 1, 10, 0, nil)))
	}
	close(release)

	full := 0
	for _, err := range errs {
		if errors.Is(err, ErrQueueFull) {
			full++
		}
	}
	assert.Greater(t, full, 0, "overflow surfaces as ErrQueueFull")
}

func TestSubmit_CallbackReceivesProcessorError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wantErr := errors.New("inference failed")
	rec := &batchRecorder{err: wantErr}
	s := newTestScheduler(t, ctx, &Config{
		MaxBatchSize: 1,
		BatchTimeout: time.Millisecond,
	}, rec.process)

	got := make(chan error, 1)
	req := NewRequest("adapter", 1, 10, 0, func(err error) { got <- err })
	require.NoError(t, s.Submit(ctx, "adapter", req))

	select {
	case err := <-got:
		assert.ErrorIs(t, err, wantErr)
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
}

func TestShutdown_DrainsQueuedRequests(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rec := &batchRecorder{}
	s := newTestScheduler(t, ctx, &Config{
		MaxBatchSize: 100,
		BatchTimeout: time.Hour,
	}, rec.process)

	const n = 5
	got := make(chan error, n)
	for i := 0; i < n; i++ {
		req := NewRequest("adapter", 1, 10, 0, func(err error) { got <- err })
		require.NoError(t, s.Submit(ctx, "adapter", req))
	}

	cancel()
	s.Wait()
	for i := 0; i < n; i++ {
		assert.ErrorIs(t, <-got, ErrSchedulerShutdown)
	}
}

func TestGPUPressure_ForcesPartialBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &batchRecorder{}
	s := newTestScheduler(t, ctx, &Config{
		MaxBatchSize:       8,
		BatchTimeout:       time.Hour,
		GPUMemoryThreshold: 0.9,
	}, rec.process, WithGPUSampler(func() float64 { return 0.95 }))

	require.NoError(t, s.Submit(ctx, "adapter", NewRequest("adapter", 1, 10, 0, nil)))
	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, rec.snapshot()[0].Size())
}

func TestAdaptOptimalSize(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newTestScheduler(t, ctx, &Config{
		MaxBatchSize:  8,
		LatencyTarget: time.Second,
	}, nil)

	tests := []struct {
		name      string
		latencies []float64
		want      int
	}{
		{name: "above target shrinks by 2", latencies: []float64{2000, 2000}, want: 6},
		{name: "inside band holds", latencies: []float64{900}, want: 8},
		{name: "below 0.8x target grows by 1 up to the cap", latencies: []float64{100}, want: 8},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			s.optimal.Store(8)
			s.adaptOptimalSize(test.latencies)
			assert.Equal(t, test.want, s.OptimalBatchSize())
		})
	}

	// Shrinking never goes below 1.
	s.optimal.Store(2)
	s.adaptOptimalSize([]float64{5000})
	assert.Equal(t, 1, s.OptimalBatchSize())
	s.adaptOptimalSize([]float64{5000})
	assert.Equal(t, 1, s.OptimalBatchSize())
}

func TestScaleOptimalBatchSize(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newTestScheduler(t, ctx, &Config{MaxBatchSize: 8}, nil)

	assert.Equal(t, 6, s.ScaleOptimalBatchSize(0.75))
	assert.Equal(t, 4, s.ScaleOptimalBatchSize(0.75))
	s.optimal.Store(1)
	assert.Equal(t, 1, s.ScaleOptimalBatchSize(0.5), "floor of 1 holds")
}

func TestThrottleTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newTestScheduler(t, ctx, &Config{BatchTimeout: 100 * time.Millisecond}, nil)

	assert.Equal(t, 150*time.Millisecond, s.ThrottleTimeout(1.5, 200*time.Millisecond))
	assert.Equal(t, 200*time.Millisecond, s.ThrottleTimeout(1.5, 200*time.Millisecond), "cap holds")
}

func TestP95Over(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newTestScheduler(t, ctx, &Config{HistorySize: 10}, nil)

	now := time.Now()
	for i, ms := range []int{100, 200, 300} {
		s.history.append(Metrics{
			ProcessingTime: time.Duration(ms) * time.Millisecond,
			Timestamp:      now.Add(-time.Duration(i+1) * time.Second),
		})
	}
	assert.InDelta(t, 300, s.P95Over(time.Hour), 1e-9)
	assert.Zero(t, s.P95Over(500*time.Millisecond), "an empty window reports zero")
}
