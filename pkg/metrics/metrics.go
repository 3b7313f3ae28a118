// Package metrics keeps a process-wide Prometheus registry behind a small
// name+labels API. Vectors are created lazily on first use; the label set seen
// first for a name is the one the vector is registered with.
package metrics

import (
	"bytes"
	"net/http"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

type registry struct {
	reg       *prometheus.Registry
	counters  map[string]*prometheus.CounterVec
	gauges    map[string]*prometheus.GaugeVec
	summaries map[string]*prometheus.SummaryVec
}

func newRegistry() *registry {
	return &registry{
		reg:       prometheus.NewRegistry(),
		counters:  map[string]*prometheus.CounterVec{},
		gauges:    map[string]*prometheus.GaugeVec{},
		summaries: map[string]*prometheus.SummaryVec{},
	}
}

var (
	mu  sync.Mutex
	cur = newRegistry()
)

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func normalize(labels map[string]string) prometheus.Labels {
	if labels == nil {
		return prometheus.Labels{}
	}
	return prometheus.Labels(labels)
}

// Inc increments counter name{labels} by one.
func Inc(name string, labels map[string]string) { Add(name, labels, 1) }

// Add increments counter name{labels} by v (v must be non-negative).
func Add(name string, labels map[string]string, v float64) {
	if v < 0 {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	vec, ok := cur.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: name}, labelNames(labels))
		if err := cur.reg.Register(vec); err != nil {
			return
		}
		cur.counters[name] = vec
	}
	c, err := vec.GetMetricWith(normalize(labels))
	if err != nil {
		return
	}
	c.Add(v)
}

func gauge(name string, labels map[string]string) prometheus.Gauge {
	vec, ok := cur.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: name}, labelNames(labels))
		if err := cur.reg.Register(vec); err != nil {
			return nil
		}
		cur.gauges[name] = vec
	}
	g, err := vec.GetMetricWith(normalize(labels))
	if err != nil {
		return nil
	}
	return g
}

// AddGauge adds delta (possibly negative) to gauge name{labels}.
func AddGauge(name string, labels map[string]string, delta float64) {
	mu.Lock()
	defer mu.Unlock()
	if g := gauge(name, labels); g != nil {
		g.Add(delta)
	}
}

// SetGauge sets gauge name{labels} to v.
func SetGauge(name string, labels map[string]string, v float64) {
	mu.Lock()
	defer mu.Unlock()
	if g := gauge(name, labels); g != nil {
		g.Set(v)
	}
}

// ObserveSummary records v into summary name{labels}.
func ObserveSummary(name string, labels map[string]string, v float64) {
	mu.Lock()
	defer mu.Unlock()
	vec, ok := cur.summaries[name]
	if !ok {
		vec = prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name:       name,
			Help:       name,
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}, labelNames(labels))
		if err := cur.reg.Register(vec); err != nil {
			return
		}
		cur.summaries[name] = vec
	}
	o, err := vec.GetMetricWith(normalize(labels))
	if err != nil {
		return
	}
	o.Observe(v)
}

// Reset drops every collector. Tests call it before asserting on DumpProm.
func Reset() {
	mu.Lock()
	cur = newRegistry()
	mu.Unlock()
}

// DumpProm renders the registry in the Prometheus text exposition format.
func DumpProm() string {
	mu.Lock()
	reg := cur.reg
	mu.Unlock()
	mfs, err := reg.Gather()
	if err != nil {
		return ""
	}
	var buf bytes.Buffer
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return buf.String()
		}
	}
	return buf.String()
}

// Handler serves the registry that is current at request time.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		reg := cur.reg
		mu.Unlock()
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
