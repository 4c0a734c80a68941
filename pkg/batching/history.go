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
	"sort"
	"sync"
	"time"
)

// history is the bounded rolling record of batch metrics. Appends drop the
// oldest entry past the fixed capacity. All access is synchronized; raw
// iteration is never exposed.
type history struct {
	mu      sync.Mutex
	records []Metrics
	next    int
	full    bool
}

func newHistory(capacity int) *history {
	return &history{records: make([]Metrics, capacity)}
}

func (h *history) append(m Metrics) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records[h.next] = m
	h.next = (h.next + 1) % len(h.records)
	if h.next == 0 {
		h.full = true
	}
}

// snapshot returns the stored records oldest-first.
func (h *history) snapshot() []Metrics {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked()
}

func (h *history) snapshotLocked() []Metrics {
	if !h.full {
		out := make([]Metrics, h.next)
		copy(out, h.records[:h.next])
		return out
	}
	out := make([]Metrics, 0, len(h.records))
	out = append(out, h.records[h.next:]...)
	out = append(out, h.records[:h.next]...)
	return out
}

// lastProcessingLatencies returns up to n most recent processing times in
// milliseconds, oldest-first.
func (h *history) lastProcessingLatencies(n int) []float64 {
	records := h.snapshot()
	if len(records) > n {
		records = records[len(records)-n:]
	}
	out := make([]float64, len(records))
	for i, r := range records {
		out[i] = float64(r.ProcessingTime.Milliseconds())
	}
	return out
}

// p95Over computes the 95th percentile of batch processing times (in
// milliseconds) over records no older than window before now. Returns 0 when
// the window holds no records.
func (h *history) p95Over(window time.Duration, now time.Time) float64 {
	records := h.snapshot()
	latencies := make([]float64, 0, len(records))
	cutoff := now.Add(-window)
	for _, r := range records {
		if r.Timestamp.Before(cutoff) {
			continue
		}
		latencies = append(latencies, float64(r.ProcessingTime.Milliseconds()))
	}
	return percentile(latencies, 0.95)
}

// percentile computes the q-quantile with nearest-rank on a copy of values.
func percentile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	idx := int(float64(len(sorted))*q+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
