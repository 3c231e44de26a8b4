// Package metrics holds the Prometheus collectors shared by the request
// builder (outbound requests) and the reference target (inbound requests).
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "s3probe"

// Metrics is a self-contained registry with request counters and latencies.
type Metrics struct {
	subsystem string

	reg      *prometheus.Registry
	inflight prometheus.Gauge
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// New creates a Metrics instance whose collectors live under subsystem,
// e.g. "client" or "target".
func New(subsystem string) *Metrics {
	reg := prometheus.NewRegistry()

	inflight := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "inflight_requests",
		Help:      "Current number of inflight HTTP requests.",
	})
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "requests_total",
		Help:      "Total number of HTTP requests, partitioned by method and status code.",
	}, []string{"method", "code"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "request_duration_seconds",
		Help:      "Histogram of HTTP request latencies.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "code"})

	reg.MustRegister(inflight, requests, latency)

	return &Metrics{
		subsystem: subsystem,
		reg:       reg,
		inflight:  inflight,
		requests:  requests,
		latency:   latency,
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Begin marks a request in flight and returns a function that records its
// outcome. A code of 0 is recorded as "error" for requests that never got a
// response.
func (m *Metrics) Begin(method string) func(code int) {
	start := time.Now()
	m.inflight.Inc()
	return func(code int) {
		m.inflight.Dec()
		label := "error"
		if code > 0 {
			label = strconv.Itoa(code)
		}
		m.requests.WithLabelValues(method, label).Inc()
		m.latency.WithLabelValues(method, label).Observe(time.Since(start).Seconds())
	}
}

// Count returns the number of requests recorded for method and code.
func (m *Metrics) Count(method, code string) float64 {
	families, err := m.reg.Gather()
	if err != nil {
		return 0
	}
	for _, mf := range families {
		if mf.GetName() != prometheus.BuildFQName(namespace, m.subsystem, "requests_total") {
			continue
		}
		for _, metric := range mf.GetMetric() {
			var gotMethod, gotCode string
			for _, lp := range metric.GetLabel() {
				switch lp.GetName() {
				case "method":
					gotMethod = lp.GetValue()
				case "code":
					gotCode = lp.GetValue()
				}
			}
			if gotMethod == method && gotCode == code {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware records every request served by next.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		done := m.Begin(r.Method)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		done(rec.status)
	})
}
