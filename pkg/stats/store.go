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

// Package stats maintains the durable per-(cluster, model) counters the
// bandit selector reads. A key has no entry until its first Update; absence
// means "cold, unseen" and is how the selector recognizes unexplored models.
package stats

import (
	"context"
	"sort"
	"sync"
)

// ModelStat is the aggregate record for one (cluster, model) key.
// Successes never exceeds Calls, and all counters are monotonically
// non-decreasing outside an administrative Reset.
type ModelStat struct {
	Model      string
	Calls      int64
	Successes  int64
	CostSum    float64
	LatencySum float64
}

// Store is the contract between the statistics table and its consumers.
// Mutations for a given key must be linearized: no lost updates under
// concurrent request completions.
type Store interface {
	// Update atomically increments calls/successes and accumulates cost and
	// latency for the key, creating it on first use.
	Update(ctx context.Context, cluster, model string, success bool, cost, latency float64) error
	// Fetch returns all model stats recorded for the cluster. A cluster with
	// no recorded calls yields an empty slice.
	Fetch(ctx context.Context, cluster string) ([]ModelStat, error)
	// FetchClusters returns all clusters with at least one recorded call.
	FetchClusters(ctx context.Context) ([]string, error)
}

// MemoryStore is the in-process Store. A single mutex serializes the
// read-modify-write cycle; sharding by cluster is an optimization the
// contract does not require.
type MemoryStore struct {
	mu       sync.Mutex
	clusters map[string]map[string]*ModelStat
}

var _ Store = &MemoryStore{}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{clusters: make(map[string]map[string]*ModelStat)}
}

// Update implements Store.
func (s *MemoryStore) Update(_ context.Context, cluster, model string, success bool, cost, latency float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	models, ok := s.clusters[cluster]
	if !ok {
		models = make(map[string]*ModelStat)
		s.clusters[cluster] = models
	}
	stat, ok := models[model]
	if !ok {
		stat = &ModelStat{Model: model}
		models[model] = stat
	}
	stat.Calls++
	if success {
		stat.Successes++
	}
	stat.CostSum += cost
	stat.LatencySum += latency
	return nil
}

// Fetch implements Store. Results are ordered by model name so iteration
// order is stable for deterministic tie-breaks downstream.
func (s *MemoryStore) Fetch(_ context.Context, cluster string) ([]ModelStat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	models := s.clusters[cluster]
	out := make([]ModelStat, 0, len(models))
	for _, stat := range models {
		out = append(out, *stat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out, nil
}

// FetchClusters implements Store.
func (s *MemoryStore) FetchClusters(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.clusters))
	for cluster := range s.clusters {
		out = append(out, cluster)
	}
	sort.Strings(out)
	return out, nil
}

// Reset drops all counters for the cluster. Administrative operation; the
// monotonicity invariant does not apply across a Reset.
func (s *MemoryStore) Reset(_ context.Context, cluster string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clusters, cluster)
}
