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

// Package batching groups admitted requests into GPU-friendly batches with
// adaptively sized per-adapter queues.
//
// Batch formation is single-writer per adapter: one worker goroutine owns an
// adapter's queue, so requests enter batches in enqueue order. Different
// adapters proceed fully in parallel with no ordering guarantee relative to
// each other.
package batching

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/oimiragieo/router-control-plane/pkg/metrics"
	logutil "github.com/oimiragieo/router-control-plane/pkg/util/logging"
)

const (
	loggerName = "BatchScheduler"
)

var (
	// ErrQueueFull is returned by Submit when the adapter's buffer is at
	// capacity. Direct backpressure to the caller.
	ErrQueueFull = errors.New("adapter queue at capacity")
	// ErrSchedulerShutdown is delivered to the callbacks of requests still
	// queued when the scheduler stops.
	ErrSchedulerShutdown = errors.New("batch scheduler shutting down")
)

// ProcessFunc executes one formed batch downstream (the actual inference
// call, external to this core). The error, if any, is delivered to every
// batch member's callback.
type ProcessFunc func(ctx context.Context, batch *Batch) error

// GPUMemorySampler reports current GPU memory utilization in [0, 1].
type GPUMemorySampler func() float64

// Config holds the configuration for the Scheduler.
type Config struct {
	// MaxBatchSize caps the adaptive optimal batch size.
	// Optional: defaults to DefaultMaxBatchSize.
	MaxBatchSize int
	// BatchTimeout is how long the oldest queued request may wait before a
	// partial batch is formed. Mutated at runtime by the latency guard's
	// throttle action. Optional: defaults to DefaultBatchTimeout.
	BatchTimeout time.Duration
	// LatencyTarget steers adaptive sizing: the optimal size shrinks by 2
	// when the mean of the last 10 batch latencies exceeds it, and grows by
	// 1 when the mean is below 0.8x of it.
	// Optional: defaults to DefaultLatencyTarget.
	LatencyTarget time.Duration
	// GPUMemoryThreshold forces formation of whatever is queued when sampled
	// GPU memory utilization exceeds it. Optional: defaults to
	// DefaultGPUMemoryThreshold.
	GPUMemoryThreshold float64
	// HistorySize bounds the rolling batch-metrics history.
	// Optional: defaults to DefaultHistorySize.
	HistorySize int
	// QueueCapacity bounds each adapter's request buffer; Submit fails with
	// ErrQueueFull beyond it. Optional: defaults to DefaultQueueCapacity.
	QueueCapacity int
	// CheckInterval is the cadence of the timeout/GPU formation checks.
	// Optional: defaults to DefaultCheckInterval.
	CheckInterval time.Duration
}

// Defaults for Config.
const (
	DefaultMaxBatchSize       = 8
	DefaultBatchTimeout       = 50 * time.Millisecond
	DefaultLatencyTarget      = 1 * time.Second
	DefaultGPUMemoryThreshold = 0.9
	DefaultHistorySize        = 100
	DefaultQueueCapacity      = 1024
	DefaultCheckInterval      = 10 * time.Millisecond
)

// adaptiveSizingSamples is how many recent batch latencies adaptive sizing
// inspects.
const adaptiveSizingSamples = 10

func (c *Config) withDefaults() *Config {
	out := *c
	if out.MaxBatchSize <= 0 {
		out.MaxBatchSize = DefaultMaxBatchSize
	}
	if out.BatchTimeout <= 0 {
		out.BatchTimeout = DefaultBatchTimeout
	}
	if out.LatencyTarget <= 0 {
		out.LatencyTarget = DefaultLatencyTarget
	}
	if out.GPUMemoryThreshold <= 0 || out.GPUMemoryThreshold > 1 {
		out.GPUMemoryThreshold = DefaultGPUMemoryThreshold
	}
	if out.HistorySize <= 0 {
		out.HistorySize = DefaultHistorySize
	}
	if out.QueueCapacity <= 0 {
		out.QueueCapacity = DefaultQueueCapacity
	}
	if out.CheckInterval <= 0 {
		out.CheckInterval = DefaultCheckInterval
	}
	return &out
}

// Scheduler owns the per-adapter queues and the rolling metrics history.
type Scheduler struct {
	config     *Config
	process    ProcessFunc
	gpuSampler GPUMemorySampler
	clock      clock.WithTicker
	logger     logr.Logger
	sink       metrics.Sink

	// parentCtx is the root for all lazily started adapter workers.
	parentCtx context.Context

	// optimal and timeoutNs are mutated by both adaptive sizing and the
	// latency guard, hence atomics.
	optimal   atomic.Int64
	timeoutNs atomic.Int64

	history *history

	mu      sync.Mutex
	workers map[string]*adapterWorker
	wg      sync.WaitGroup

	statsMu         sync.Mutex
	totalBatches    int64
	sumBatchSize    float64
	sumProcessingMs float64
	sumThroughput   float64
}

// Option mutates the Scheduler at construction time.
type Option func(*Scheduler)

// WithSink routes scheduler metrics into the given sink.
func WithSink(sink metrics.Sink) Option {
	return func(s *Scheduler) { s.sink = sink }
}

// WithGPUSampler installs the GPU memory utilization source.
func WithGPUSampler(sampler GPUMemorySampler) Option {
	return func(s *Scheduler) { s.gpuSampler = sampler }
}

// WithClock fixes the clock. Test-only.
func WithClock(clk clock.WithTicker) Option {
	return func(s *Scheduler) { s.clock = clk }
}

// NewScheduler creates a Scheduler. ctx is the root lifecycle context:
// cancelling it stops every adapter worker, draining queued requests with
// ErrSchedulerShutdown.
func NewScheduler(ctx context.Context, config *Config, process ProcessFunc, logger logr.Logger, opts ...Option) *Scheduler {
	if config == nil {
		config = &Config{}
	}
	cfg := config.withDefaults()
	s := &Scheduler{
		config:     cfg,
		process:    process,
		gpuSampler: func() float64 { return 0 },
		clock:      clock.RealClock{},
		logger:     logger.WithName(loggerName),
		sink:       metrics.NopSink{},
		parentCtx:  ctx,
		history:    newHistory(cfg.HistorySize),
		workers:    make(map[string]*adapterWorker),
	}
	s.optimal.Store(int64(cfg.MaxBatchSize))
	s.timeoutNs.Store(int64(cfg.BatchTimeout))
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit enqueues the request for its adapter, stamping its enqueue time.
// Returns ErrQueueFull when the adapter's buffer is at capacity.
func (s *Scheduler) Submit(_ context.Context, adapter string, req *Request) error {
	select {
	case <-s.parentCtx.Done():
		req.complete(ErrSchedulerShutdown)
		return ErrSchedulerShutdown
	default:
	}

	req.Adapter = adapter
	req.EnqueueTime = s.clock.Now()
	w := s.getOrStartWorker(adapter)
	select {
	case w.requests <- req:
		w.depth.Add(1)
		s.sink.Inc("batch_requests_submitted_total", map[string]string{"adapter": adapter})
		return nil
	default:
		err := fmt.Errorf("%w: adapter %q", ErrQueueFull, adapter)
		req.complete(err)
		return err
	}
}

// QueueDepth returns the number of requests waiting for the adapter.
func (s *Scheduler) QueueDepth(adapter string) int {
	s.mu.Lock()
	w, ok := s.workers[adapter]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	return int(w.depth.Load())
}

// Stats returns the aggregate scheduler statistics.
func (s *Scheduler) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	out := Stats{
		TotalBatches:            s.totalBatches,
		CurrentOptimalBatchSize: int(s.optimal.Load()),
	}
	if s.totalBatches > 0 {
		n := float64(s.totalBatches)
		out.AvgBatchSize = s.sumBatchSize / n
		out.AvgProcessingMs = s.sumProcessingMs / n
		out.AvgThroughput = s.sumThroughput / n
	}
	return out
}

// P95Over returns the 95th-percentile batch processing latency (ms) over the
// trailing window. The latency guard polls this.
func (s *Scheduler) P95Over(window time.Duration) float64 {
	return s.history.p95Over(window, s.clock.Now())
}

// History returns the rolling batch metrics, oldest first.
func (s *Scheduler) History() []Metrics {
	return s.history.snapshot()
}

// OptimalBatchSize returns the current adaptive batch size.
func (s *Scheduler) OptimalBatchSize() int {
	return int(s.optimal.Load())
}

// BatchTimeout returns the current formation timeout.
func (s *Scheduler) BatchTimeout() time.Duration {
	return time.Duration(s.timeoutNs.Load())
}

// ScaleOptimalBatchSize multiplies the optimal batch size by factor
// (floor 1, cap MaxBatchSize) and returns the new value. Called by the
// latency guard's reduce action.
func (s *Scheduler) ScaleOptimalBatchSize(factor float64) int {
	for {
		old := s.optimal.Load()
		scaled := int64(math.Floor(float64(old) * factor))
		if scaled < 1 {
			scaled = 1
		}
		if scaled > int64(s.config.MaxBatchSize) {
			scaled = int64(s.config.MaxBatchSize)
		}
		if s.optimal.CompareAndSwap(old, scaled) {
			s.sink.Set("batch_optimal_size", float64(scaled), nil)
			return int(scaled)
		}
	}
}

// ThrottleTimeout multiplies the batch timeout by factor, capped at cap, and
// returns the new value. Called by the latency guard's throttle action.
func (s *Scheduler) ThrottleTimeout(factor float64, cap time.Duration) time.Duration {
	for {
		old := s.timeoutNs.Load()
		scaled := int64(float64(old) * factor)
		if cap > 0 && scaled > int64(cap) {
			scaled = int64(cap)
		}
		if s.timeoutNs.CompareAndSwap(old, scaled) {
			s.sink.Set("batch_timeout_ms", float64(time.Duration(scaled).Milliseconds()), nil)
			return time.Duration(scaled)
		}
	}
}

// getOrStartWorker lazily creates the adapter's worker. The worker goroutine
// starts only after registration wins, so each adapter has exactly one
// single-writer loop.
func (s *Scheduler) getOrStartWorker(adapter string) *adapterWorker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.workers[adapter]; ok {
		return w
	}
	w := &adapterWorker{
		scheduler: s,
		adapter:   adapter,
		requests:  make(chan *Request, s.config.QueueCapacity),
		logger:    s.logger.WithValues("adapter", adapter),
	}
	s.workers[adapter] = w
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		w.run(s.parentCtx)
	}()
	return w
}

// Wait blocks until every adapter worker has exited after the root context
// was cancelled.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// recordBatch folds one processed batch into the rolling history and the
// aggregate stats, then adapts the optimal batch size.
func (s *Scheduler) recordBatch(batch *Batch, processingTime time.Duration) {
	gpu := s.gpuSampler()
	throughput := 0.0
	if secs := processingTime.Seconds(); secs > 0 {
		throughput = float64(batch.TotalTokens()) / secs
	}

	latencies := append(s.history.lastProcessingLatencies(adaptiveSizingSamples-1),
		float64(processingTime.Milliseconds()))
	s.history.append(Metrics{
		BatchSize:              batch.Size(),
		ProcessingTime:         processingTime,
		GPUMemoryFraction:      gpu,
		ThroughputTokensPerSec: throughput,
		LatencyP95Ms:           percentile(latencies, 0.95),
		Timestamp:              s.clock.Now(),
	})

	s.statsMu.Lock()
	s.totalBatches++
	s.sumBatchSize += float64(batch.Size())
	s.sumProcessingMs += float64(processingTime.Milliseconds())
	s.sumThroughput += throughput
	s.statsMu.Unlock()

	s.adaptOptimalSize(latencies)
	s.sink.Observe("batch_processing_seconds", processingTime.Seconds(), map[string]string{"adapter": batch.Adapter})
	s.sink.Set("batch_size_last", float64(batch.Size()), map[string]string{"adapter": batch.Adapter})
}

// adaptOptimalSize inspects the mean of the recent batch latencies: above
// the target it shrinks the optimal size by 2 (floor 1); below 0.8x of the
// target it grows by 1 (cap MaxBatchSize).
func (s *Scheduler) adaptOptimalSize(recentLatenciesMs []float64) {
	if len(recentLatenciesMs) == 0 {
		return
	}
	var sum float64
	for _, l := range recentLatenciesMs {
		sum += l
	}
	mean := sum / float64(len(recentLatenciesMs))
	targetMs := float64(s.config.LatencyTarget.Milliseconds())

	for {
		old := s.optimal.Load()
		next := old
		switch {
		case mean > targetMs:
			next = old - 2
			if next < 1 {
				next = 1
			}
		case mean < 0.8*targetMs:
			next = old + 1
			if next > int64(s.config.MaxBatchSize) {
				next = int64(s.config.MaxBatchSize)
			}
		}
		if next == old || s.optimal.CompareAndSwap(old, next) {
			if next != old {
				s.logger.V(logutil.VERBOSE).Info("Adapted optimal batch size",
					"from", old, "to", next, "meanLatencyMs", mean)
				s.sink.Set("batch_optimal_size", float64(next), nil)
			}
			return
		}
	}
}

// adapterWorker owns one adapter's FIFO queue. Only its run goroutine
// touches the queue slice, so formation is single-writer and enqueue order
// is preserved.
type adapterWorker struct {
	scheduler *Scheduler
	adapter   string
	requests  chan *Request
	logger    logr.Logger
	depth     atomic.Int64

	// queue is only touched by the run goroutine.
	queue []*Request
}

func (w *adapterWorker) run(ctx context.Context) {
	w.logger.V(logutil.DEFAULT).Info("Adapter worker starting")
	defer w.logger.V(logutil.DEFAULT).Info("Adapter worker stopped")

	ticker := w.scheduler.clock.NewTicker(w.scheduler.config.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.drain()
			return
		case req := <-w.requests:
			w.queue = append(w.queue, req)
			w.formReady(ctx)
		case <-ticker.C():
			w.formReady(ctx)
		}
	}
}

// formReady forms and processes batches while any formation condition holds.
func (w *adapterWorker) formReady(ctx context.Context) {
	for {
		batch := w.maybeForm(w.scheduler.clock.Now())
		if batch == nil {
			return
		}
		w.processBatch(ctx, batch)
	}
}

// maybeForm forms one batch if a trigger condition holds: queue reached the
// optimal size, the oldest request aged past the batch timeout, or GPU
// memory pressure. Returns nil when nothing should be formed.
func (w *adapterWorker) maybeForm(now time.Time) *Batch {
	if len(w.queue) == 0 {
		return nil
	}
	optimal := w.scheduler.OptimalBatchSize()
	timeout := w.scheduler.BatchTimeout()

	sizeReady := len(w.queue) >= optimal
	timeoutReady := now.Sub(w.queue[0].EnqueueTime) >= timeout
	gpuPressure := w.scheduler.gpuSampler() > w.scheduler.config.GPUMemoryThreshold
	if !sizeReady && !timeoutReady && !gpuPressure {
		return nil
	}

	n := optimal
	if n > len(w.queue) {
		n = len(w.queue)
	}
	members := make([]*Request, n)
	copy(members, w.queue[:n])
	remaining := len(w.queue) - n
	copy(w.queue, w.queue[n:])
	for i := remaining; i < len(w.queue); i++ {
		w.queue[i] = nil
	}
	w.queue = w.queue[:remaining]
	w.depth.Add(int64(-n))
	return newBatch(w.adapter, members, now)
}

// processBatch runs the batch downstream, records its metrics, and delivers
// the outcome to every member exactly once.
func (w *adapterWorker) processBatch(ctx context.Context, batch *Batch) {
	start := w.scheduler.clock.Now()
	err := w.scheduler.process(ctx, batch)
	processingTime := w.scheduler.clock.Now().Sub(start)

	w.scheduler.recordBatch(batch, processingTime)
	for _, req := range batch.Requests {
		req.complete(err)
	}
	if err != nil {
		w.logger.V(logutil.DEBUG).Info("Batch completed with error",
			"batchID", batch.ID, "size", batch.Size(), "err", err.Error())
		return
	}
	w.logger.V(logutil.TRACE).Info("Batch processed",
		"batchID", batch.ID, "size", batch.Size(), "processingMs", processingTime.Milliseconds())
}

// drain completes everything still queued or buffered with
// ErrSchedulerShutdown. No request may be left pending at shutdown.
func (w *adapterWorker) drain() {
	for _, req := range w.queue {
		req.complete(ErrSchedulerShutdown)
	}
	w.depth.Add(int64(-len(w.queue)))
	w.queue = nil
	for {
		select {
		case req := <-w.requests:
			req.complete(ErrSchedulerShutdown)
			w.depth.Add(-1)
		default:
			return
		}
	}
}
