// Copyright 2025 James Ross
// Package metrics implements a counter/gauge/histogram sink on top of
// prometheus/client_golang rather than hand-rolling a text-exposition
// renderer.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// histogramBuckets are the fixed latency bucket boundaries used for every
// histogram this sink exposes.
var histogramBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.075, 0.1, 0.25, 0.5, 0.75, 1.0, 2.5, 5.0, 7.5, 10.0}

// Sink is a counter/gauge/histogram abstraction keyed by name+labels. The
// set of label keys for a given metric name must be consistent across all
// samples; a mismatch is a programmer error and panics rather than
// producing a malformed series.
type Sink struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	labelKeys  map[string][]string
}

// New creates a Sink registered against reg. Pass prometheus.NewRegistry()
// in tests to avoid collisions with the process-wide default registry.
func New(reg prometheus.Registerer) *Sink {
	return &Sink{
		registerer: reg,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		labelKeys:  make(map[string][]string),
	}
}

// Default is the process-wide sink used by packages that don't thread a
// Sink through their constructors.
var Default = New(prometheus.DefaultRegisterer)

func sortedKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Sink) checkLabelKeys(name string, keys []string) {
	existing, ok := s.labelKeys[name]
	if !ok {
		s.labelKeys[name] = keys
		return
	}
	if strings.Join(existing, ",") != strings.Join(keys, ",") {
		panic(fmt.Sprintf("metrics: inconsistent label set for %q: have %v, got %v", name, existing, keys))
	}
}

// Increment adds delta to the counter identified by name+labels.
func (s *Sink) Increment(name string, labels map[string]string, delta float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := sortedKeys(labels)
	s.checkLabelKeys(name, keys)
	vec, ok := s.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: name}, keys)
		s.registerer.MustRegister(vec)
		s.counters[name] = vec
	}
	vec.With(toLabels(labels)).Add(delta)
}

// Gauge sets the gauge identified by name+labels to value.
func (s *Sink) Gauge(name string, labels map[string]string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := sortedKeys(labels)
	s.checkLabelKeys(name, keys)
	vec, ok := s.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: name}, keys)
		s.registerer.MustRegister(vec)
		s.gauges[name] = vec
	}
	vec.With(toLabels(labels)).Set(value)
}

// Histogram observes value under the fixed-bucket histogram name+labels.
func (s *Sink) Histogram(name string, labels map[string]string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := sortedKeys(labels)
	s.checkLabelKeys(name, keys)
	vec, ok := s.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: name, Buckets: histogramBuckets}, keys)
		s.registerer.MustRegister(vec)
		s.histograms[name] = vec
	}
	vec.With(toLabels(labels)).Observe(value)
}

func toLabels(labels map[string]string) prometheus.Labels {
	out := make(prometheus.Labels, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}
