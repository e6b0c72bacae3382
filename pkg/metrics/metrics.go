// Package metrics implements Metrics & Observability (spec.md §4.15): the
// counters/histograms/gauges named in spec.md §8, exposed over /metrics in
// Prometheus text format.
//
// The teacher's examples/otel/metrics sample pulls in the OpenTelemetry Go
// SDK, but that SDK's Views/Aggregation configuration is fixed at
// MeterProvider construction time, while every metric this registry exposes
// is declared dynamically at its first IncCounter/SetGauge/ObserveHistogram
// call with caller-supplied bucket boundaries (see metrics_test.go). There is
// no way to wire that through OTel's static instrument model without
// silently discarding the caller's bucket boundaries, so this stays a
// hand-rolled, stdlib-only Prometheus text exporter instead of a decorative
// OTel construction nothing records through. See DESIGN.md's C15 entry.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry keeps counter/histogram/gauge state behind a single mutex and
// renders it on demand as Prometheus text (spec.md §6 GET /metrics).
type Registry struct {
	mu         sync.Mutex
	counters   map[string]*counterState
	histograms map[string]*histogramState
	gauges     map[string]*gaugeState
}

type counterState struct {
	help   string
	labels map[string]float64 // labelSetKey -> value
}

type histogramState struct {
	help    string
	buckets []float64
	counts  map[string][]uint64 // labelSetKey -> per-bucket cumulative counts
	sums    map[string]float64
	totals  map[string]uint64
}

type gaugeState struct {
	help   string
	labels map[string]float64
}

// New constructs an empty Registry; readings are pulled synchronously by
// Prometheus via /metrics rather than pushed, matching the teacher's
// pull-based scrape model.
func New() *Registry {
	return &Registry{
		counters:   make(map[string]*counterState),
		histograms: make(map[string]*histogramState),
		gauges:     make(map[string]*gaugeState),
	}
}

func labelKey(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%s=%q", k, labels[k])
	}
	return sb.String()
}

// IncCounter increments a named counter (creating it with help text on first
// use) by delta, under the given label set.
func (r *Registry) IncCounter(name, help string, labels map[string]string, delta float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.counters[name]
	if !ok {
		c = &counterState{help: help, labels: make(map[string]float64)}
		r.counters[name] = c
	}
	c.labels[labelKey(labels)] += delta
}

// SetGauge sets a named gauge to value under the given label set.
func (r *Registry) SetGauge(name, help string, labels map[string]string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.gauges[name]
	if !ok {
		g = &gaugeState{help: help, labels: make(map[string]float64)}
		r.gauges[name] = g
	}
	g.labels[labelKey(labels)] = value
}

// ObserveHistogram records a sample into a named histogram with fixed
// buckets (created on first use).
func (r *Registry) ObserveHistogram(name, help string, buckets []float64, labels map[string]string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.histograms[name]
	if !ok {
		h = &histogramState{
			help:    help,
			buckets: buckets,
			counts:  make(map[string][]uint64),
			sums:    make(map[string]float64),
			totals:  make(map[string]uint64),
		}
		r.histograms[name] = h
	}
	key := labelKey(labels)
	counts, ok := h.counts[key]
	if !ok {
		counts = make([]uint64, len(h.buckets))
		h.counts[key] = counts
	}
	for i, le := range h.buckets {
		if value <= le {
			counts[i]++
		}
	}
	h.sums[key] += value
	h.totals[key]++
}

// Timer returns a func that, when called, records the elapsed time into a
// histogram — the common "defer metrics.Timer(...)()" idiom.
func (r *Registry) Timer(name, help string, buckets []float64, labels map[string]string) func() {
	start := time.Now()
	return func() {
		r.ObserveHistogram(name, help, buckets, labels, time.Since(start).Seconds())
	}
}

// WriteProm renders the current registry state in Prometheus text exposition
// format (spec.md §6 GET /metrics).
func (r *Registry) WriteProm() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	var sb strings.Builder

	names := make([]string, 0, len(r.counters))
	for n := range r.counters {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		c := r.counters[n]
		fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s counter\n", n, c.help, n)
		writeLabeledValues(&sb, n, c.labels)
	}

	names = names[:0]
	for n := range r.gauges {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		g := r.gauges[n]
		fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s gauge\n", n, g.help, n)
		writeLabeledValues(&sb, n, g.labels)
	}

	names = names[:0]
	for n := range r.histograms {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		h := r.histograms[n]
		fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s histogram\n", n, h.help, n)
		for key, counts := range h.counts {
			for i, le := range h.buckets {
				fmt.Fprintf(&sb, "%s_bucket{%sle=%q} %d\n", n, labelPrefix(key), fmt.Sprint(le), counts[i])
			}
			labels := ""
			if key != "" {
				labels = "{" + key + "}"
			}
			fmt.Fprintf(&sb, "%s_sum%s %g\n", n, labels, h.sums[key])
			fmt.Fprintf(&sb, "%s_count%s %d\n", n, labels, h.totals[key])
		}
	}

	return []byte(sb.String())
}

func labelPrefix(key string) string {
	if key == "" {
		return ""
	}
	return key + ","
}

func writeLabeledValues(sb *strings.Builder, name string, labels map[string]float64) {
	for key, v := range labels {
		if key == "" {
			fmt.Fprintf(sb, "%s %g\n", name, v)
		} else {
			fmt.Fprintf(sb, "%s{%s} %g\n", name, key, v)
		}
	}
}
