// Package metrics exposes Prometheus instrumentation for strategy runs,
// mapping resources and the mapping cache. A nil *Metrics is valid and
// records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "biomapper"

// Metrics holds the collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	runsTotal       *prometheus.CounterVec
	stepsTotal      *prometheus.CounterVec
	stepDuration    *prometheus.HistogramVec
	resourceCalls   *prometheus.CounterVec
	resourceLatency *prometheus.HistogramVec
	cacheLookups    *prometheus.CounterVec
	pathLookups     *prometheus.CounterVec
}

// New creates and registers all collectors, plus the Go runtime collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "strategy_runs_total",
			Help:      "Strategy runs by final status.",
		}, []string{"strategy", "status"}),
		stepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Executed steps by action type and status.",
		}, []string{"action", "status"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Step execution time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
		resourceCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resource_calls_total",
			Help:      "Mapping resource invocations by outcome.",
		}, []string{"resource", "outcome"}),
		resourceLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "resource_latency_seconds",
			Help:      "Mapping resource call latency.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"resource"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mapping_cache_lookups_total",
			Help:      "Mapping cache lookups by result.",
		}, []string{"result"}),
		pathLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metamapping_paths_total",
			Help:      "Path discoveries by result.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		m.runsTotal,
		m.stepsTotal,
		m.stepDuration,
		m.resourceCalls,
		m.resourceLatency,
		m.cacheLookups,
		m.pathLookups,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry, e.g. for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRun(strategy, status string) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(strategy, status).Inc()
}

func (m *Metrics) ObserveStep(action, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepsTotal.WithLabelValues(action, status).Inc()
	m.stepDuration.WithLabelValues(action).Observe(d.Seconds())
}

func (m *Metrics) ObserveResourceCall(resource, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.resourceCalls.WithLabelValues(resource, outcome).Inc()
	if d > 0 {
		m.resourceLatency.WithLabelValues(resource).Observe(d.Seconds())
	}
}

func (m *Metrics) ObserveCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) ObservePathLookup(found bool) {
	if m == nil {
		return
	}
	result := "not_found"
	if found {
		result = "found"
	}
	m.pathLookups.WithLabelValues(result).Inc()
}
