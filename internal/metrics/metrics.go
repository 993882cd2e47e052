package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "r2r"

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests by method, path, and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	IngestOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingest_outcomes_total",
		Help:      "Execution ingests by outcome status (no-receipt, allow, handled, replayed, processing).",
	}, []string{"status"})

	ViolationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "violations_total",
		Help:      "Policy violations by code.",
	}, []string{"code"})

	PolicyDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "policy_decisions_total",
		Help:      "Policy decisions by severity.",
	}, []string{"severity"})

	RemediationStepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "remediation_steps_total",
		Help:      "Remediation playbook steps by step and status.",
	}, []string{"step", "status"})

	AlertDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alert_deliveries_total",
		Help:      "Alert deliveries by outcome (delivered, failed, dropped).",
	}, []string{"outcome"})

	WebhookAuthFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_auth_failures_total",
		Help:      "Execution webhooks rejected for a missing or invalid signature.",
	})

	ReceiptsRecordedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "receipts_recorded_total",
		Help:      "Reasoning receipts recorded by input schema.",
	}, []string{"schema"})
)

// Handler returns an http.Handler that serves the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware wraps an http.Handler to record request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		duration := time.Since(start).Seconds()

		path := normalizePath(r.URL.Path)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

var routes = []string{"/health", "/readyz", "/metrics", "/incidents", "/receipts/solprism", "/receipts", "/webhooks/helius"}

// normalizePath maps request paths onto known routes; anything below a
// route collapses to "<route>/:id" and unknown paths to "other".
func normalizePath(p string) string {
	if p == "" || p == "/" {
		return "/"
	}
	for _, r := range routes {
		if p == r {
			return r
		}
		if strings.HasPrefix(p, r+"/") {
			return r + "/:id"
		}
	}
	return "other"
}
