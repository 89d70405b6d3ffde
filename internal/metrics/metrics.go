// Package metrics provides Prometheus metrics for appdatabackupd.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"appdatabackupd/internal/bus"
)

var (
	busCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appdatabackupd_bus_calls_total",
			Help: "Total number of bus method calls handled",
		},
		[]string{"service", "method", "outcome"},
	)

	busCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "appdatabackupd_bus_call_duration_seconds",
			Help:    "Time spent in bus method handlers",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method"},
	)

	cookieExportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appdatabackupd_cookie_exports_total",
			Help: "Total number of cookie database exports",
		},
		[]string{"result"},
	)

	cookieExportDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "appdatabackupd_cookie_export_duration_seconds",
			Help:    "Cookie database export duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Outcomes recorded for bus calls.
const (
	OutcomeReplied = "replied"
	OutcomeDropped = "dropped"
)

// ObserveCall is a bus middleware counting calls by method and whether the
// handler replied.
func ObserveCall(msg *bus.Message, next bus.Handler) {
	start := time.Now()
	next.Serve(msg)
	busCallDuration.WithLabelValues(msg.Service, msg.Method).Observe(time.Since(start).Seconds())
	outcome := OutcomeDropped
	if msg.Replied() {
		outcome = OutcomeReplied
	}
	busCallsTotal.WithLabelValues(msg.Service, msg.Method, outcome).Inc()
}

// RecordCookieExport records one cookie export run.
func RecordCookieExport(d time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	cookieExportsTotal.WithLabelValues(result).Inc()
	cookieExportDuration.Observe(d.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
