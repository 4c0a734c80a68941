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

package bandit

import (
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// featureDim is the fixed length of the request feature vector:
// bias, normalized prompt length, normalized word count, code indicator,
// normalized latency SLO.
const featureDim = 5

// contextualModel is an online linear reward model keyed by (cluster, model).
// Predictions are blended into the UCB score by the contextual strategy;
// weights are updated by SGD on observed rewards. Feature extraction is
// deterministic per prompt, so vectors are memoized in a bounded LRU.
type contextualModel struct {
	learningRate float64

	mu      sync.Mutex
	weights map[string][]float64

	featureCache *lru.Cache[string, []float64]
}

func newContextualModel(learningRate float64, cacheSize int) *contextualModel {
	cache, err := lru.New[string, []float64](cacheSize)
	if err != nil {
		// lru.New only fails on a non-positive size, which withDefaults rules
		// out.
		panic(err)
	}
	return &contextualModel{
		learningRate: learningRate,
		weights:      make(map[string][]float64),
		featureCache: cache,
	}
}

// features computes the request feature vector. A nil request context yields
// the zero embedding: the neutral fallback for transient feature failures.
func (m *contextualModel) features(reqCtx *RequestContext) []float64 {
	if reqCtx == nil {
		return make([]float64, featureDim)
	}
	if cached, ok := m.featureCache.Get(m.cacheKey(reqCtx)); ok {
		return cached
	}

	promptLen := float64(len(reqCtx.Prompt)) / 1000.0
	if promptLen > 1 {
		promptLen = 1
	}
	wordCount := float64(len(strings.Fields(reqCtx.Prompt))) / 100.0
	if wordCount > 1 {
		wordCount = 1
	}
	code := 0.0
	if strings.Contains(reqCtx.Prompt, "```") || strings.Contains(reqCtx.Prompt, "def ") ||
		strings.Contains(reqCtx.Prompt, "func ") {
		code = 1.0
	}
	slo := reqCtx.LatencySLOMs / 1000.0
	if slo > 1 {
		slo = 1
	}

	features := []float64{1, promptLen, wordCount, code, slo}
	m.featureCache.Add(m.cacheKey(reqCtx), features)
	return features
}

func (m *contextualModel) cacheKey(reqCtx *RequestContext) string {
	// SLO participates in the vector, so it must participate in the key.
	var b strings.Builder
	b.WriteString(reqCtx.Prompt)
	b.WriteByte(0)
	for i := 0; i < 8; i++ {
		b.WriteByte(byte(int64(reqCtx.LatencySLOMs) >> (8 * i)))
	}
	return b.String()
}

// predict returns the model's reward estimate for the features, clamped to
// [0, 1]. An untrained (cluster, model) pair predicts 0, the neutral default.
func (m *contextualModel) predict(cluster, model string, features []float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.weights[cluster+"/"+model]
	if !ok {
		return 0
	}
	// The dot product must stay under the lock: update mutates the weight
	// slice in place, and predict may run concurrently with it.
	var dot float64
	for i := range w {
		dot += w[i] * features[i]
	}
	if dot < 0 {
		return 0
	}
	if dot > 1 {
		return 1
	}
	return dot
}

// update applies one SGD step toward the observed reward.
func (m *contextualModel) update(cluster, model string, features []float64, reward float64) {
	key := cluster + "/" + model
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.weights[key]
	if !ok {
		w = make([]float64, featureDim)
		m.weights[key] = w
	}
	var pred float64
	for i := range w {
		pred += w[i] * features[i]
	}
	err := reward - pred
	for i := range w {
		w[i] += m.learningRate * err * features[i]
	}
}
