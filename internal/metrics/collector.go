// Package metrics provides a small Prometheus-compatible collector. It renders
// the text exposition format without pulling in prometheus/client_golang.
package metrics

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector aggregates counters, gauges, and histograms.
type Collector struct {
	prefix     string
	counters   sync.Map // name{labels} -> *Counter
	gauges     sync.Map
	histograms sync.Map
	startTime  time.Time
}

// NewCollector creates a collector whose uptime gauge is named
// <prefix>_uptime_seconds.
func NewCollector(prefix string) *Collector {
	return &Collector{prefix: prefix, startTime: time.Now()}
}

// Uptime returns how long the collector has been running.
func (c *Collector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Add(n int64)  { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (g *Gauge) Set(v int64)  { g.value.Store(v) }
func (g *Gauge) Inc()         { g.value.Add(1) }
func (g *Gauge) Dec()         { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram tracks the distribution of observed values.
type Histogram struct {
	name    string
	help    string
	labels  string
	mu      sync.Mutex
	count   int64
	sum     float64
	buckets []histBucket
}

type histBucket struct {
	le    float64
	count int64
}

// Observe records v.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i := range h.buckets {
		if v <= h.buckets[i].le {
			h.buckets[i].count++
		}
	}
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Counter returns or creates the counter name{labels}.
func (c *Collector) Counter(name, help, labels string) *Counter {
	key := name + "{" + labels + "}"
	if v, ok := c.counters.Load(key); ok {
		return v.(*Counter)
	}
	actual, _ := c.counters.LoadOrStore(key, &Counter{name: name, help: help, labels: labels})
	return actual.(*Counter)
}

// Gauge returns or creates the gauge name{labels}.
func (c *Collector) Gauge(name, help, labels string) *Gauge {
	key := name + "{" + labels + "}"
	if v, ok := c.gauges.Load(key); ok {
		return v.(*Gauge)
	}
	actual, _ := c.gauges.LoadOrStore(key, &Gauge{name: name, help: help, labels: labels})
	return actual.(*Gauge)
}

// Histogram returns or creates the histogram name{labels}. A +Inf bucket is
// always present.
func (c *Collector) Histogram(name, help, labels string, buckets []float64) *Histogram {
	key := name + "{" + labels + "}"
	if v, ok := c.histograms.Load(key); ok {
		return v.(*Histogram)
	}
	bs := append([]float64(nil), buckets...)
	sort.Float64s(bs)
	if len(bs) == 0 || !math.IsInf(bs[len(bs)-1], 1) {
		bs = append(bs, math.Inf(1))
	}
	hb := make([]histBucket, len(bs))
	for i, b := range bs {
		hb[i] = histBucket{le: b}
	}
	actual, _ := c.histograms.LoadOrStore(key, &Histogram{name: name, help: help, labels: labels, buckets: hb})
	return actual.(*Histogram)
}

type sample struct {
	name, help, labels, typ string
	value                   int64
}

func collect[T any](m *sync.Map, typ string, read func(T) sample) []sample {
	var out []sample
	m.Range(func(_, v any) bool {
		s := read(v.(T))
		s.typ = typ
		out = append(out, s)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].name != out[j].name {
			return out[i].name < out[j].name
		}
		return out[i].labels < out[j].labels
	})
	return out
}

func writeSamples(sb *strings.Builder, samples []sample) {
	written := make(map[string]bool)
	for _, s := range samples {
		if !written[s.name] {
			fmt.Fprintf(sb, "# HELP %s %s\n", s.name, s.help)
			fmt.Fprintf(sb, "# TYPE %s %s\n", s.name, s.typ)
			written[s.name] = true
		}
		if s.labels != "" {
			fmt.Fprintf(sb, "%s{%s} %d\n", s.name, s.labels, s.value)
		} else {
			fmt.Fprintf(sb, "%s %d\n", s.name, s.value)
		}
	}
}

// Render returns every metric in Prometheus text format, sorted by name.
func (c *Collector) Render() string {
	var sb strings.Builder

	uptime := c.prefix + "_uptime_seconds"
	fmt.Fprintf(&sb, "# HELP %s Time since start in seconds\n", uptime)
	fmt.Fprintf(&sb, "# TYPE %s gauge\n", uptime)
	fmt.Fprintf(&sb, "%s %d\n", uptime, int64(c.Uptime().Seconds()))

	writeSamples(&sb, collect(&c.counters, "counter", func(ctr *Counter) sample {
		return sample{name: ctr.name, help: ctr.help, labels: ctr.labels, value: ctr.Value()}
	}))
	writeSamples(&sb, collect(&c.gauges, "gauge", func(g *Gauge) sample {
		return sample{name: g.name, help: g.help, labels: g.labels, value: g.Value()}
	}))

	var hists []*Histogram
	c.histograms.Range(func(_, v any) bool {
		hists = append(hists, v.(*Histogram))
		return true
	})
	sort.Slice(hists, func(i, j int) bool {
		if hists[i].name != hists[j].name {
			return hists[i].name < hists[j].name
		}
		return hists[i].labels < hists[j].labels
	})
	written := make(map[string]bool)
	for _, h := range hists {
		h.mu.Lock()
		if !written[h.name] {
			fmt.Fprintf(&sb, "# HELP %s %s\n", h.name, h.help)
			fmt.Fprintf(&sb, "# TYPE %s histogram\n", h.name)
			written[h.name] = true
		}
		prefix := h.name + "_bucket{"
		if h.labels != "" {
			prefix += h.labels + ","
		}
		for _, b := range h.buckets {
			le := fmt.Sprintf("%g", b.le)
			if math.IsInf(b.le, 1) {
				le = "+Inf"
			}
			fmt.Fprintf(&sb, "%sle=\"%s\"} %d\n", prefix, le, b.count)
		}
		if h.labels != "" {
			fmt.Fprintf(&sb, "%s_count{%s} %d\n", h.name, h.labels, h.count)
			fmt.Fprintf(&sb, "%s_sum{%s} %f\n", h.name, h.labels, h.sum)
		} else {
			fmt.Fprintf(&sb, "%s_count %d\n", h.name, h.count)
			fmt.Fprintf(&sb, "%s_sum %f\n", h.name, h.sum)
		}
		h.mu.Unlock()
	}
	return sb.String()
}

// Handler serves Render over HTTP.
func (c *Collector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, c.Render())
	}
}
