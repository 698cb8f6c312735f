package observ

import (
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Process-local metric registry. Collectors are created lazily on first
// use so call sites can stay as simple as IncCounter(name, labels); the
// label key set of the first call fixes the schema for that name.
type registry struct {
	mu       sync.Mutex
	reg      *prometheus.Registry
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec
	hists    map[string]*prometheus.HistogramVec
}

var reg = &registry{
	reg:      prometheus.NewRegistry(),
	counters: map[string]*prometheus.CounterVec{},
	gauges:   map[string]*prometheus.GaugeVec{},
	hists:    map[string]*prometheus.HistogramVec{},
}

func labelKeys(lbl map[string]string) []string {
	keys := make([]string, 0, len(lbl))
	for k := range lbl {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// metric names may carry a label-schema suffix internally but a given
// name must always be used with the same label keys.
func schemaKey(name string, keys []string) string {
	if len(keys) == 0 {
		return name
	}
	return name + "{" + strings.Join(keys, ",") + "}"
}

func IncCounter(name string, labels map[string]string) {
	IncCounterBy(name, labels, 1.0)
}

func IncCounterBy(name string, labels map[string]string, value float64) {
	reg.mu.Lock()
	keys := labelKeys(labels)
	c, ok := reg.counters[schemaKey(name, keys)]
	if !ok {
		c = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, keys)
		reg.reg.MustRegister(c)
		reg.counters[schemaKey(name, keys)] = c
	}
	reg.mu.Unlock()
	c.With(labels).Add(value)
}

func SetGauge(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	keys := labelKeys(labels)
	g, ok := reg.gauges[schemaKey(name, keys)]
	if !ok {
		g = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name}, keys)
		reg.reg.MustRegister(g)
		reg.gauges[schemaKey(name, keys)] = g
	}
	reg.mu.Unlock()
	g.With(labels).Set(value)
}

func Observe(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	keys := labelKeys(labels)
	h, ok := reg.hists[schemaKey(name, keys)]
	if !ok {
		h = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    name,
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 16),
		}, keys)
		reg.reg.MustRegister(h)
		reg.hists[schemaKey(name, keys)] = h
	}
	reg.mu.Unlock()
	h.With(labels).Observe(value)
}

// Handler serves the registry in Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(reg.reg, promhttp.HandlerOpts{})
}

// Health is a plain liveness endpoint.
func Health() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}
