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

// Package metrics defines the abstract sink every control-plane component
// reports into, and a Prometheus-backed implementation of it.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// Subsystem is the prometheus subsystem shared by all control-plane series.
	Subsystem = "router_control_plane"
)

// Sink is the minimal counter/gauge/histogram surface the control plane
// needs. Any standard metrics backend satisfies this; components must not
// assume anything beyond these three operations.
type Sink interface {
	// Inc increments the named counter by one.
	Inc(name string, labels map[string]string)
	// Set sets the named gauge to the given value.
	Set(name string, value float64, labels map[string]string)
	// Observe records one observation into the named histogram.
	Observe(name string, value float64, labels map[string]string)
}

// LatencyBuckets covers control-plane latencies from 1ms to 60s.
var LatencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
	1, 2.5, 5, 10, 30, 60,
}

// PrometheusSink implements Sink on top of prometheus/client_golang.
// Collectors are created lazily on first use and registered with the given
// registerer; label key sets are derived from the first observation for a
// given series name.
type PrometheusSink struct {
	registerer prometheus.Registerer

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

var _ Sink = &PrometheusSink{}

// NewPrometheusSink creates a PrometheusSink registering into the given
// registerer. A nil registerer defaults to prometheus.DefaultRegisterer.
func NewPrometheusSink(registerer prometheus.Registerer) *PrometheusSink {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &PrometheusSink{
		registerer: registerer,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func labelKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	return keys
}

// Inc implements Sink.
func (s *PrometheusSink) Inc(name string, labels map[string]string) {
	s.mu.Lock()
	c, ok := s.counters[name]
	if !ok {
		c = prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: Subsystem,
			Name:      name,
		}, labelKeys(labels))
		s.registerer.MustRegister(c)
		s.counters[name] = c
	}
	s.mu.Unlock()
	c.With(labels).Inc()
}

// Set implements Sink.
func (s *PrometheusSink) Set(name string, value float64, labels map[string]string) {
	s.mu.Lock()
	g, ok := s.gauges[name]
	if !ok {
		g = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Subsystem: Subsystem,
			Name:      name,
		}, labelKeys(labels))
		s.registerer.MustRegister(g)
		s.gauges[name] = g
	}
	s.mu.Unlock()
	g.With(labels).Set(value)
}

// Observe implements Sink.
func (s *PrometheusSink) Observe(name string, value float64, labels map[string]string) {
	s.mu.Lock()
	h, ok := s.histograms[name]
	if !ok {
		h = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Subsystem: Subsystem,
			Name:      name,
			Buckets:   LatencyBuckets,
		}, labelKeys(labels))
		s.registerer.MustRegister(h)
		s.histograms[name] = h
	}
	s.mu.Unlock()
	h.With(labels).Observe(value)
}

// NopSink discards every observation. Useful as a default and in tests.
type NopSink struct{}

var _ Sink = NopSink{}

// Inc implements Sink.
func (NopSink) Inc(string, map[string]string) {}

// Set implements Sink.
func (NopSink) Set(string, float64, map[string]string) {}

// Observe implements Sink.
func (NopSink) Observe(string, float64, map[string]string) {}
