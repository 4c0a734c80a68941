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

// Package bandit selects a backend model per request from a per-cluster
// candidate set using multi-armed-bandit statistics kept in a stats.Store.
//
// Two exploration tie-break policies coexist deliberately and must not be
// unified:
//   - UCB returns the first unseen candidate in iteration order, a
//     deterministic tie-break.
//   - Thompson Sampling picks uniformly at random among the unseen set, a
//     randomized tie-break with a different statistical signature.
package bandit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/go-logr/logr"

	"github.com/oimiragieo/router-control-plane/pkg/metrics"
	"github.com/oimiragieo/router-control-plane/pkg/stats"
	logutil "github.com/oimiragieo/router-control-plane/pkg/util/logging"
)

const (
	loggerName = "BanditSelector"

	// epsilonCost guards zero-cost denominators in the exploit term.
	epsilonCost = 1e-6

	// contextualBlendBase and contextualBlendCtx weight the plain UCB score
	// against the contextual reward prediction. Empirically tuned constants.
	contextualBlendBase = 0.7
	contextualBlendCtx  = 0.3
)

// ErrNoData is returned when selection is attempted against a cluster with no
// recorded statistics and no explicit candidates to explore. Callers fall
// back to a configured default model.
var ErrNoData = errors.New("no statistics recorded for cluster")

// Strategy names a bandit selection policy.
type Strategy string

const (
	// StrategyUCB scores candidates by mean-reward-per-cost plus an
	// exploration bonus, with deterministic first-unseen priority.
	StrategyUCB Strategy = "ucb"
	// StrategyThompson draws from each candidate's Beta posterior and picks
	// the maximum draw, with randomized unseen tie-break.
	StrategyThompson Strategy = "thompson"
	// StrategyContextualUCB blends the UCB score with an online contextual
	// reward prediction computed from the request.
	StrategyContextualUCB Strategy = "contextual-ucb"
)

// RequestContext carries the request-specific features the contextual
// strategy conditions on. It is optional for the other strategies.
type RequestContext struct {
	// Prompt is the request's prompt text.
	Prompt string
	// LatencySLOMs is the caller's latency objective in milliseconds, or zero
	// when none was supplied.
	LatencySLOMs float64
}

// Score is the per-model breakdown returned by Scores.
type Score struct {
	// Score is the final blended score used for ranking.
	Score float64
	// Exploit is the mean-success-per-cost term.
	Exploit float64
	// Explore is the UCB exploration bonus.
	Explore float64
	// Contextual is the contextual reward prediction, zero for non-contextual
	// strategies or when no request context was supplied.
	Contextual float64
}

// Config holds the configuration for the Selector.
type Config struct {
	// ExploreFactor scales the UCB exploration bonus.
	// Optional: defaults to DefaultExploreFactor.
	ExploreFactor float64
	// ContextualLearningRate is the SGD step size of the online contextual
	// reward model. Optional: defaults to DefaultContextualLearningRate.
	ContextualLearningRate float64
	// FeatureCacheSize bounds the LRU cache of prompt feature vectors.
	// Optional: defaults to DefaultFeatureCacheSize.
	FeatureCacheSize int
}

const (
	// DefaultExploreFactor is the default UCB exploration coefficient.
	DefaultExploreFactor = 2.0
	// DefaultContextualLearningRate is the default online-model step size.
	DefaultContextualLearningRate = 0.05
	// DefaultFeatureCacheSize is the default prompt feature cache bound.
	DefaultFeatureCacheSize = 1024
)

func (c *Config) withDefaults() *Config {
	out := *c
	if out.ExploreFactor <= 0 {
		out.ExploreFactor = DefaultExploreFactor
	}
	if out.ContextualLearningRate <= 0 {
		out.ContextualLearningRate = DefaultContextualLearningRate
	}
	if out.FeatureCacheSize <= 0 {
		out.FeatureCacheSize = DefaultFeatureCacheSize
	}
	return &out
}

// Selector chooses a model per request. It is safe for concurrent use.
type Selector struct {
	store      stats.Store
	config     *Config
	contextual *contextualModel
	logger     logr.Logger
	sink       metrics.Sink

	// rng backs Thompson draws and the randomized unseen tie-break. Guarded
	// by mu: math/rand sources are not safe for concurrent use.
	mu  sync.Mutex
	rng *rand.Rand
}

// Option mutates the Selector at construction time.
type Option func(*Selector)

// WithSink routes selector metrics into the given sink.
func WithSink(sink metrics.Sink) Option {
	return func(s *Selector) { s.sink = sink }
}

// WithRandSource fixes the random source. Test-only.
func WithRandSource(src rand.Source) Option {
	return func(s *Selector) { s.rng = rand.New(src) }
}

// NewSelector creates a Selector reading from the given store.
func NewSelector(store stats.Store, config *Config, logger logr.Logger, opts ...Option) *Selector {
	if config == nil {
		config = &Config{}
	}
	cfg := config.withDefaults()
	s := &Selector{
		store:      store,
		config:     cfg,
		contextual: newContextualModel(cfg.ContextualLearningRate, cfg.FeatureCacheSize),
		logger:     logger.WithName(loggerName),
		sink:       metrics.NopSink{},
		rng:        rand.New(rand.NewSource(rand.Int63())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Select picks one model from candidates for the cluster using the given
// strategy. It returns ErrNoData when the cluster has no recorded statistics
// and there are no candidates to explore; the caller is expected to fall back
// to its configured default model.
func (s *Selector) Select(ctx context.Context, cluster string, candidates []string, strategy Strategy, reqCtx *RequestContext) (string, error) {
	statMap, total, err := s.clusterStats(ctx, cluster)
	if err != nil {
		// Transient store failure: treat the cluster as cold rather than
		// propagating. The caller's default-model fallback absorbs it.
		s.logger.Error(err, "Stats fetch failed, treating cluster as cold", "cluster", cluster)
		statMap, total = map[string]stats.ModelStat{}, 0
	}
	if len(candidates) == 0 {
		if total == 0 {
			return "", fmt.Errorf("%w: %q", ErrNoData, cluster)
		}
		for model := range statMap {
			candidates = append(candidates, model)
		}
	}

	var model string
	switch strategy {
	case StrategyThompson:
		model = s.selectThompson(candidates, statMap)
	case StrategyContextualUCB:
		model = s.selectContextualUCB(cluster, candidates, statMap, total, reqCtx)
	default:
		model = s.selectUCB(candidates, statMap, total)
	}
	s.sink.Inc("bandit_selections_total", map[string]string{"cluster": cluster, "strategy": string(strategy)})
	s.logger.V(logutil.DEBUG).Info("Selected model", "cluster", cluster, "strategy", strategy, "model", model)
	return model, nil
}

// Scores returns the per-model score breakdown for every model with recorded
// stats in the cluster. A cluster with no data yields an empty map.
func (s *Selector) Scores(ctx context.Context, cluster string, exploreFactor float64, reqCtx *RequestContext) (map[string]Score, error) {
	statMap, total, err := s.clusterStats(ctx, cluster)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Score, len(statMap))
	if total == 0 {
		return out, nil
	}
	if exploreFactor <= 0 {
		exploreFactor = s.config.ExploreFactor
	}
	for model, stat := range statMap {
		exploit, explore := ucbTerms(stat, total, exploreFactor)
		sc := Score{Exploit: exploit, Explore: explore, Score: exploit + explore}
		if reqCtx != nil {
			sc.Contextual = s.contextual.predict(cluster, model, s.contextual.features(reqCtx))
			sc.Score = contextualBlendBase*(exploit+explore) + contextualBlendCtx*sc.Contextual
		}
		out[model] = sc
	}
	return out, nil
}

// Observe feeds one completed call back into the bandit: the stats store
// counters and, when a request context is present, the online contextual
// reward model. Store failures are logged and never propagated; losing one
// observation must not abort the request pipeline.
func (s *Selector) Observe(ctx context.Context, cluster, model string, success bool, cost, latencyMs float64, reqCtx *RequestContext) {
	if err := s.store.Update(ctx, cluster, model, success, cost, latencyMs); err != nil {
		s.logger.Error(err, "Stats update failed", "cluster", cluster, "model", model)
	}
	if reqCtx != nil {
		reward := 0.0
		if success {
			reward = 1.0
		}
		s.contextual.update(cluster, model, s.contextual.features(reqCtx), reward)
	}
	s.sink.Inc("bandit_observations_total", map[string]string{"cluster": cluster, "model": model})
}

// clusterStats fetches the cluster's stats as a map plus the cluster-wide
// call total.
func (s *Selector) clusterStats(ctx context.Context, cluster string) (map[string]stats.ModelStat, int64, error) {
	list, err := s.store.Fetch(ctx, cluster)
	if err != nil {
		return nil, 0, err
	}
	statMap := make(map[string]stats.ModelStat, len(list))
	var total int64
	for _, stat := range list {
		statMap[stat.Model] = stat
		total += stat.Calls
	}
	return statMap, total, nil
}

// ucbTerms computes the exploit and explore terms for one model.
// exploit = (successes/calls) / max(avgCost, eps);
// explore = ef * sqrt(ln(totalCalls+1) / calls).
func ucbTerms(stat stats.ModelStat, totalCalls int64, exploreFactor float64) (exploit, explore float64) {
	calls := float64(stat.Calls)
	successRate := float64(stat.Successes) / calls
	avgCost := stat.CostSum / calls
	if avgCost < epsilonCost {
		avgCost = epsilonCost
	}
	exploit = successRate / avgCost
	explore = exploreFactor * math.Sqrt(math.Log(float64(totalCalls)+1)/calls)
	return exploit, explore
}

// selectUCB returns the first unseen candidate in iteration order, or the
// best-scored seen candidate. The deterministic first-unseen rule is a
// documented design choice, not an accident of implementation.
func (s *Selector) selectUCB(candidates []string, statMap map[string]stats.ModelStat, total int64) string {
	for _, model := range candidates {
		if stat, ok := statMap[model]; !ok || stat.Calls == 0 {
			return model
		}
	}
	best := candidates[0]
	bestScore := math.Inf(-1)
	for _, model := range candidates {
		exploit, explore := ucbTerms(statMap[model], total, s.config.ExploreFactor)
		if score := exploit + explore; score > bestScore {
			bestScore = score
			best = model
		}
	}
	return best
}

// selectThompson draws Beta(successes+1, failures+1) per seen candidate and
// picks the maximum draw. Unseen candidates are chosen uniformly at random
// among the unseen set first: explicit randomized exploration, unlike UCB.
func (s *Selector) selectThompson(candidates []string, statMap map[string]stats.ModelStat) string {
	var unseen []string
	for _, model := range candidates {
		if stat, ok := statMap[model]; !ok || stat.Calls == 0 {
			unseen = append(unseen, model)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(unseen) > 0 {
		return unseen[s.rng.Intn(len(unseen))]
	}

	best := candidates[0]
	bestDraw := math.Inf(-1)
	for _, model := range candidates {
		stat := statMap[model]
		draw := sampleBeta(s.rng, float64(stat.Successes)+1, float64(stat.Calls-stat.Successes)+1)
		if draw > bestDraw {
			bestDraw = draw
			best = model
		}
	}
	return best
}

// selectContextualUCB blends the plain UCB score with an online contextual
// reward prediction. Unseen candidates keep unconditional deterministic
// priority, as in plain UCB.
func (s *Selector) selectContextualUCB(cluster string, candidates []string, statMap map[string]stats.ModelStat, total int64, reqCtx *RequestContext) string {
	for _, model := range candidates {
		if stat, ok := statMap[model]; !ok || stat.Calls == 0 {
			return model
		}
	}
	features := s.contextual.features(reqCtx)
	best := candidates[0]
	bestScore := math.Inf(-1)
	for _, model := range candidates {
		exploit, explore := ucbTerms(statMap[model], total, s.config.ExploreFactor)
		contextual := s.contextual.predict(cluster, model, features)
		score := contextualBlendBase*(exploit+explore) + contextualBlendCtx*contextual
		if score > bestScore {
			bestScore = score
			best = model
		}
	}
	return best
}
