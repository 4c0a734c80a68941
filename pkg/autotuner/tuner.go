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

// Package autotuner retunes the AIMD controller's additive/multiplicative
// parameters from observed latency, throughput, and error rate. Two
// interchangeable tuners exist: a PID controller and a Q-learning agent.
//
// Exactly one tuner must be active against a given controller at a time. The
// tuners do not enforce this mutual exclusion themselves; the embedding
// system chooses one at wiring time.
package autotuner

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	logutil "github.com/oimiragieo/router-control-plane/pkg/util/logging"
)

// Bounds every tuner clamps the controller parameters to after applying its
// adjustment.
const (
	MinAdditiveStep = 1.0
	MaxAdditiveStep = 10.0
	MinMultFactor   = 0.1
	MaxMultFactor   = 0.9
)

// Observation is one sample of the signals a tuner reacts to.
type Observation struct {
	// P95LatencyMs is the observed tail latency in milliseconds.
	P95LatencyMs float64
	// Throughput is the observed request throughput (requests or tokens per
	// second, whichever the deployment tracks; targets must use the same
	// unit).
	Throughput float64
	// ErrorRate is the observed failure fraction in [0, 1].
	ErrorRate float64
	// WindowSize is the current admission window the RL tuner discretizes
	// and uses for its stability bonus.
	WindowSize int
}

// Target is the narrow surface a tuner mutates on the AIMD controller.
type Target interface {
	TuningParams() (additiveStep, multFactor float64)
	SetTuningParams(additiveStep, multFactor float64)
}

// Tuner consumes observations and rewrites the target's AIMD parameters.
type Tuner interface {
	Tick(ctx context.Context, obs Observation)
}

// Runner drives one tuner on a fixed interval from a metrics source until
// its context is cancelled.
type Runner struct {
	tuner    Tuner
	source   func() Observation
	interval time.Duration
	clock    clock.WithTicker
	logger   logr.Logger
}

// NewRunner creates a Runner. A non-positive interval defaults to one
// minute.
func NewRunner(tuner Tuner, source func() Observation, interval time.Duration, clk clock.WithTicker, logger logr.Logger) *Runner {
	if interval <= 0 {
		interval = time.Minute
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Runner{
		tuner:    tuner,
		source:   source,
		interval: interval,
		clock:    clk,
		logger:   logger.WithName("TunerRunner"),
	}
}

// Run blocks until the context is cancelled, feeding one observation per
// interval into the tuner.
func (r *Runner) Run(ctx context.Context) {
	r.logger.V(logutil.DEFAULT).Info("Auto-tuner loop starting", "interval", r.interval.String())
	defer r.logger.V(logutil.DEFAULT).Info("Auto-tuner loop stopped")

	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			obs := r.source()
			r.tuner.Tick(ctx, obs)
			r.logger.V(logutil.VERBOSE).Info("Tuner tick",
				"p95Ms", obs.P95LatencyMs, "throughput", obs.Throughput, "errorRate", obs.ErrorRate)
		}
	}
}

func clampParams(add, mult float64) (float64, float64) {
	if add < MinAdditiveStep {
		add = MinAdditiveStep
	}
	if add > MaxAdditiveStep {
		add = MaxAdditiveStep
	}
	if mult < MinMultFactor {
		mult = MinMultFactor
	}
	if mult > MaxMultFactor {
		mult = MaxMultFactor
	}
	return add, mult
}
