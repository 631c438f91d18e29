// Package metrics exposes Prometheus collectors for the retrieval pipeline.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	upstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dumpany_upstream_requests_total",
			Help: "Upstream HTTP requests issued, labeled by host and status code.",
		},
		[]string{"host", "code"},
	)

	governorWaitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dumpany_governor_waits_total",
			Help: "Times the global rate governor made a caller wait, labeled by kind.",
		},
		[]string{"kind"},
	)

	governorWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dumpany_governor_wait_seconds",
			Help:    "Durations the global rate governor asked callers to wait.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"kind"},
	)

	governorResetsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dumpany_governor_resets_total",
			Help: "Times the rate governor history was discarded after an upstream rate-limit response.",
		},
	)

	throttleDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dumpany_throttle_delay_seconds",
			Help:    "Per-host spacing delays applied before a request.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2},
		},
		[]string{"host"},
	)

	downloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dumpany_downloads_total",
			Help: "Document download tasks completed, labeled by result.",
		},
		[]string{"result"},
	)

	downloadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dumpany_download_bytes_total",
			Help: "Bytes persisted for downloaded documents.",
		},
	)

	downloadRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dumpany_download_retries_total",
			Help: "Download attempts that were retried after a failure.",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dumpany_http_requests_total",
			Help: "Status server requests, labeled by method, route and status code.",
		},
		[]string{"method", "route", "code"},
	)
	httpRequestSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dumpany_http_request_duration_seconds",
			Help:    "Status server request latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dumpany_active_workers",
			Help: "Number of pool workers currently processing a task.",
		},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HostLabel reduces a URL or host to a lowercase hostname suitable for a label.
// It returns "unknown" if nothing usable can be extracted.
func HostLabel(raw string) string {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ObserveUpstreamRequest counts one upstream response (or 0 for transport errors).
func ObserveUpstreamRequest(host string, code int) {
	upstreamRequestsTotal.WithLabelValues(HostLabel(host), strconv.Itoa(code)).Inc()
}

// ObserveGovernorWait records a wait imposed by the global rate governor.
func ObserveGovernorWait(kind string, wait time.Duration) {
	governorWaitsTotal.WithLabelValues(kind).Inc()
	governorWaitSeconds.WithLabelValues(kind).Observe(wait.Seconds())
}

// ObserveGovernorReset counts a governor history reset.
func ObserveGovernorReset() {
	governorResetsTotal.Inc()
}

// ObserveThrottleDelay records a per-host spacing delay.
func ObserveThrottleDelay(host string, delay time.Duration) {
	throttleDelaySeconds.WithLabelValues(HostLabel(host)).Observe(delay.Seconds())
}

// ObserveDownload records a finished task and, on success, its size.
func ObserveDownload(result string, bytes int64) {
	downloadsTotal.WithLabelValues(result).Inc()
	if bytes > 0 {
		downloadBytesTotal.Add(float64(bytes))
	}
}

// ObserveRetry counts a retried download attempt.
func ObserveRetry() {
	downloadRetriesTotal.Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveHTTPRequest records one status server request.
func ObserveHTTPRequest(method, route string, code int, d time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestSeconds.WithLabelValues(method, route).Observe(d.Seconds())
}
