// Package metrics holds the Prometheus collectors for the Kittygram API.
//
// Every method is safe on a nil *Metrics, so services and tests that don't
// care about metrics can simply pass nil.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kittygram"

// Outcome labels shared by login and ingest counters.
const (
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

type Metrics struct {
	registry *prometheus.Registry

	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	logins           *prometheus.CounterVec
	authRejections   prometheus.Counter
	ingests          *prometheus.CounterVec
	ingestBytes      prometheus.Histogram
	orphansCollected prometheus.Counter
}

// New creates the collectors on a fresh registry, together with the Go
// runtime and process collectors. A fresh registry per instance lets tests
// build as many servers as they like without duplicate-registration panics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route pattern and status code.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "logins_total",
			Help:      "Login attempts by outcome.",
		}, []string{"outcome"}),
		authRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "rejections_total",
			Help:      "Presented tokens that failed authentication.",
		}),
		ingests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "media",
			Name:      "ingest_total",
			Help:      "Photo uploads by outcome.",
		}, []string{"outcome"}),
		ingestBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "media",
			Name:      "ingest_bytes",
			Help:      "Size of accepted photo uploads.",
			Buckets:   prometheus.ExponentialBuckets(16*1024, 4, 6),
		}),
		orphansCollected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "media",
			Name:      "orphans_collected_total",
			Help:      "Unreferenced media objects deleted by the housekeeper.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.httpDuration,
		m.logins,
		m.authRejections,
		m.ingests,
		m.ingestBytes,
		m.orphansCollected,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRequest records one finished HTTP request. route is the chi route
// pattern ("/api/cats/{id}"), never the raw path, to keep label cardinality bounded.
func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (m *Metrics) IncLogin(outcome string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncAuthRejection() {
	if m == nil {
		return
	}
	m.authRejections.Inc()
}

func (m *Metrics) IncIngest(outcome string) {
	if m == nil {
		return
	}
	m.ingests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveIngestBytes(n int64) {
	if m == nil {
		return
	}
	m.ingestBytes.Observe(float64(n))
}

func (m *Metrics) AddOrphansCollected(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.orphansCollected.Add(float64(n))
}
