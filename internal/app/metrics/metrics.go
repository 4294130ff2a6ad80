// Package metrics exposes prometheus collectors for the authorization core.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "authcore",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "authcore",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "authcore",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	signatureEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "authcore",
			Subsystem: "multisig",
			Name:      "signature_events_total",
			Help:      "Signing round events by kind (created, approved, rejected, finalized).",
		},
		[]string{"kind", "action_type"},
	)

	consensusChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "authcore",
			Subsystem: "consensus",
			Name:      "checks_total",
			Help:      "Consensus verifications by security level and verdict.",
		},
		[]string{"level", "verified"},
	)

	chainQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "authcore",
			Subsystem: "consensus",
			Name:      "chain_query_duration_seconds",
			Help:      "Duration of per-chain verification queries.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 11), // 10ms to ~10s
		},
		[]string{"chain", "status"},
	)

	swapTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "authcore",
			Subsystem: "swap",
			Name:      "transitions_total",
			Help:      "HTLC swap transitions by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	geoChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "authcore",
			Subsystem: "geo",
			Name:      "checks_total",
			Help:      "Location verification checks by result.",
		},
		[]string{"result"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		signatureEvents,
		consensusChecks,
		chainQueryDuration,
		swapTransitions,
		geoChecks,
	)
}

// Handler serves the registry for scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ObserveSignatureEvent records a signing round event.
func ObserveSignatureEvent(kind, actionType string) {
	signatureEvents.WithLabelValues(kind, actionType).Inc()
}

// ObserveConsensusCheck records a verification verdict.
func ObserveConsensusCheck(level string, verified bool) {
	consensusChecks.WithLabelValues(level, strconv.FormatBool(verified)).Inc()
}

// ObserveChainQuery records one chain query's latency and status.
func ObserveChainQuery(chain, status string, elapsed time.Duration) {
	chainQueryDuration.WithLabelValues(chain, status).Observe(elapsed.Seconds())
}

// ObserveSwapTransition records a swap transition attempt.
func ObserveSwapTransition(operation, outcome string) {
	swapTransitions.WithLabelValues(operation, outcome).Inc()
}

// ObserveGeoCheck records a location verification result.
func ObserveGeoCheck(result string) {
	geoChecks.WithLabelValues(result).Inc()
}

// Instrument wraps an HTTP handler with request counting and latency
// observation. The path label uses the routing pattern, not the raw URL, to
// keep cardinality bounded.
func Instrument(pattern string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		httpRequests.WithLabelValues(r.Method, pattern, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
