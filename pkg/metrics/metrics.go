// Package metrics exposes admission and HTTP counters on a private Prometheus registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "formgate"

type Registry struct {
	reg *prometheus.Registry

	decisions    *prometheus.CounterVec
	requests     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	enqueued     *prometheus.CounterVec
	policyReload *prometheus.CounterVec
}

func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_decisions_total",
			Help:      "Admission pipeline outcomes by template and code.",
		}, []string{"template", "code"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"route", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}, []string{"route"}),
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enqueued_jobs_total",
			Help:      "Jobs handed to the delivery queue by template and backend.",
		}, []string{"template", "backend"}),
		policyReload: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_reloads_total",
			Help:      "Template policy reloads by result.",
		}, []string{"result"}),
	}
	r.reg.MustRegister(
		r.decisions, r.requests, r.duration, r.enqueued, r.policyReload,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Gatherer exposes the underlying registry for tests and custom exporters.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

func (r *Registry) IncDecision(templateID, code string) {
	if templateID == "" {
		templateID = "unknown"
	}
	if code == "" {
		code = "admitted"
	}
	r.decisions.WithLabelValues(templateID, code).Inc()
}

func (r *Registry) ObserveHTTP(route string, status int, d time.Duration) {
	r.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	r.duration.WithLabelValues(route).Observe(d.Seconds())
}

func (r *Registry) IncEnqueued(templateID, backend string) {
	r.enqueued.WithLabelValues(templateID, backend).Inc()
}

func (r *Registry) IncPolicyReload(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	r.policyReload.WithLabelValues(result).Inc()
}

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
