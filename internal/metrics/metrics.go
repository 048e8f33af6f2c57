// Package metrics registers the service's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ScansTotal counts finished scans by provider and terminal status.
	ScansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nhi_scans_total",
			Help: "Finished identity scans by provider and status",
		},
		[]string{"provider", "status"},
	)

	ScanDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nhi_scan_duration_seconds",
			Help:    "Duration of identity scans in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"provider"},
	)

	IdentitiesDiscovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nhi_identities_discovered_total",
			Help: "Identities returned by provider scanners",
		},
		[]string{"provider", "type"},
	)

	PolicyExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nhi_policy_executions_total",
			Help: "Policy executions by action taken and status",
		},
		[]string{"action", "status"},
	)

	RemediationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nhi_remediations_total",
			Help: "Remediation actions by action type and final status",
		},
		[]string{"action_type", "status"},
	)

	ScanJobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nhi_scan_jobs_enqueued_total",
			Help: "Scan jobs submitted to the queue by trigger",
		},
		[]string{"trigger", "result"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nhi_http_requests_total",
			Help: "HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nhi_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// Middleware records request counts and latency labelled by the chi route
// pattern, which keeps label cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
