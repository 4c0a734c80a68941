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
	"sync"
	"time"

	"github.com/google/uuid"
)

// Request is one unit of work waiting for batch admission. It is owned by
// exactly one per-adapter queue until dequeued into a batch; ownership then
// transfers to the batch until processing completes.
type Request struct {
	// ID uniquely identifies the request.
	ID string
	// Adapter names the per-adapter queue this request belongs to.
	Adapter string
	// Tokens is the prompt token count, used for throughput accounting.
	Tokens int
	// MaxTokens bounds the completion length.
	MaxTokens int
	// Temperature is the sampling temperature, carried opaquely downstream.
	Temperature float64
	// EnqueueTime is stamped by the scheduler at Submit.
	EnqueueTime time.Time

	// callback receives the terminal outcome. Guarded by once so it fires
	// exactly once even if completion races shutdown.
	callback func(err error)
	once     sync.Once
}

// NewRequest creates a Request for the adapter. The callback may be nil;
// when present it is invoked exactly once, on success or failure.
func NewRequest(adapter string, tokens, maxTokens int, temperature float64, callback func(err error)) *Request {
	return &Request{
		ID:          uuid.New().String(),
		Adapter:     adapter,
		Tokens:      tokens,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		callback:    callback,
	}
}

// complete delivers the terminal outcome. Idempotent.
func (r *Request) complete(err error) {
	r.once.Do(func() {
		if r.callback != nil {
			r.callback(err)
		}
	})
}

// Batch is a group of requests admitted together for downstream processing.
type Batch struct {
	// ID uniquely identifies the batch.
	ID string
	// Adapter is the queue the batch was formed from.
	Adapter string
	// Requests are the batch members, in enqueue order.
	Requests []*Request
	// CreatedAt is the formation time.
	CreatedAt time.Time
}

func newBatch(adapter string, requests []*Request, createdAt time.Time) *Batch {
	return &Batch{
		ID:        uuid.New().String(),
		Adapter:   adapter,
		Requests:  requests,
		CreatedAt: createdAt,
	}
}

// Size returns the number of requests in the batch.
func (b *Batch) Size() int { return len(b.Requests) }

// TotalTokens sums the prompt tokens of all batch members.
func (b *Batch) TotalTokens() int {
	total := 0
	for _, r := range b.Requests {
		total += r.Tokens
	}
	return total
}

// Metrics is the immutable record appended to the rolling history after each
// processed batch. It feeds both the scheduler's self-tuning and the latency
// guard's violation detection.
type Metrics struct {
	BatchSize              int
	ProcessingTime         time.Duration
	GPUMemoryFraction      float64
	ThroughputTokensPerSec float64
	LatencyP95Ms           float64
	Timestamp              time.Time
}

// Stats is the aggregate view returned by Scheduler.Stats.
type Stats struct {
	TotalBatches            int64
	AvgBatchSize            float64
	AvgProcessingMs         float64
	AvgThroughput           float64
	CurrentOptimalBatchSize int
}
