// Package telemetry owns the Prometheus collectors for the worklist service.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "worklist"

// Metrics groups the service collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	syncRuns     *prometheus.CounterVec
	syncDuration prometheus.Histogram
	syncOrders   *prometheus.CounterVec
	lastSync     prometheus.Gauge
	queries      *prometheus.CounterVec
	queryMatches prometheus.Histogram
	steps        *prometheus.CounterVec
	http         *httpCollectors
}

// New creates the collectors on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_total",
			Help:      "Reconciliation passes by outcome.",
		}, []string{"result"}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Duration of reconciliation passes.",
			Buckets:   prometheus.DefBuckets,
		}),
		syncOrders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_orders_total",
			Help:      "Remote orders seen by reconciliation, by outcome.",
		}, []string{"outcome"}),
		lastSync: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_last_success_timestamp_seconds",
			Help:      "Unix time of the last successful reconciliation.",
		}),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mwl_queries_total",
			Help:      "Worklist queries by final DIMSE status.",
		}, []string{"status"}),
		queryMatches: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "mwl_query_matches",
			Help:      "Matches returned per worklist query.",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
		}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mpps_messages_total",
			Help:      "Procedure step messages by operation and DIMSE status.",
		}, []string{"op", "status"}),
		http: newHTTPCollectors(),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.syncRuns, m.syncDuration, m.syncOrders, m.lastSync,
		m.queries, m.queryMatches, m.steps,
		m.http.requests, m.http.duration, m.http.active,
	)
	return m
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SyncFinished records one reconciliation pass.
func (m *Metrics) SyncFinished(err error, d time.Duration, fetched, skipped, changed int) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	} else {
		m.lastSync.SetToCurrentTime()
	}
	m.syncRuns.WithLabelValues(result).Inc()
	m.syncDuration.Observe(d.Seconds())
	m.syncOrders.WithLabelValues("fetched").Add(float64(fetched))
	m.syncOrders.WithLabelValues("skipped").Add(float64(skipped))
	m.syncOrders.WithLabelValues("changed").Add(float64(changed))
}

// QueryFinished records one worklist query.
func (m *Metrics) QueryFinished(status string, matches int) {
	if m == nil {
		return
	}
	m.queries.WithLabelValues(status).Inc()
	m.queryMatches.Observe(float64(matches))
}

// StepMessage records one N-CREATE or N-SET.
func (m *Metrics) StepMessage(op, status string) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(op, status).Inc()
}
