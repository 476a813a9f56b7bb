// Package metrics holds the Prometheus collectors for the transit layer.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "transit_layer",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "transit_layer",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "transit_layer",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	queryEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "transit_layer",
			Subsystem: "query",
			Name:      "cache_events_total",
			Help:      "Query cache events by query name and event kind.",
		},
		[]string{"query", "event"},
	)

	queryFetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "transit_layer",
			Subsystem: "query",
			Name:      "fetch_duration_seconds",
			Help:      "Duration of upstream fetches issued by the query cache, retries included.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"query", "outcome"},
	)

	queryEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "transit_layer",
			Subsystem: "query",
			Name:      "cache_entries",
			Help:      "Number of entries currently held by the query cache.",
		},
	)

	guardDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "transit_layer",
			Subsystem: "guard",
			Name:      "decisions_total",
			Help:      "Route guard decisions by outcome.",
		},
		[]string{"decision"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		queryEvents,
		queryFetchDuration,
		queryEntries,
		guardDecisions,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// IncrementInFlight marks the start of an HTTP request.
func IncrementInFlight() { httpInFlight.Inc() }

// DecrementInFlight marks the end of an HTTP request.
func DecrementInFlight() { httpInFlight.Dec() }

// RecordHTTPRequest records a completed HTTP request.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordQueryEvent counts a query cache event such as "hit" or "evict".
func RecordQueryEvent(query, event string) {
	queryEvents.WithLabelValues(query, event).Inc()
}

// RecordQueryFetch observes one upstream fetch.
func RecordQueryFetch(query string, success bool, duration time.Duration) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	queryFetchDuration.WithLabelValues(query, outcome).Observe(duration.Seconds())
}

// SetQueryEntries reports the current cache size.
func SetQueryEntries(n int) {
	queryEntries.Set(float64(n))
}

// RecordGuardDecision counts a route guard outcome.
func RecordGuardDecision(decision string) {
	guardDecisions.WithLabelValues(decision).Inc()
}
