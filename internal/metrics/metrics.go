// Package metrics holds the Prometheus collectors exported on the admin
// listener. Collectors live in a private registry so tests and embedders do
// not collide with the process-global default.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "metaproxy"

// Registry is the registry every collector in this package is added to.
var Registry = prometheus.NewRegistry()

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests handled by the metadata gateway.",
		},
		[]string{"kind", "code"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time spent handling gateway requests.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"kind"},
	)

	rejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Credential and role requests refused before reaching the cache.",
		},
		[]string{"reason"},
	)

	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "credential_cache",
			Name:      "lookups_total",
			Help:      "Credential cache lookups by result.",
		},
		[]string{"result"},
	)

	cacheDegraded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "credential_cache",
			Name:      "degraded_serves_total",
			Help:      "Stale credentials served after a failed refresh.",
		},
	)

	issuances = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "issuer",
			Name:      "calls_total",
			Help:      "AssumeRole calls by outcome.",
		},
		[]string{"outcome"},
	)

	issuerRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "issuer",
			Name:      "retries_total",
			Help:      "AssumeRole attempts retried after a transient failure.",
		},
	)

	inventoryContainers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "inventory",
			Name:      "containers",
			Help:      "Running containers in the current inventory snapshot.",
		},
	)

	inventoryRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inventory",
			Name:      "refreshes_total",
			Help:      "Inventory scans by result.",
		},
		[]string{"result"},
	)

	inventoryLastSuccess = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "inventory",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful inventory scan.",
		},
	)

	upstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "passthrough",
			Name:      "errors_total",
			Help:      "Passthrough requests that failed before a response was relayed.",
		},
		[]string{"reason"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		requestsTotal,
		requestDuration,
		rejectionsTotal,
		cacheLookups,
		cacheDegraded,
		issuances,
		issuerRetries,
		inventoryContainers,
		inventoryRefreshes,
		inventoryLastSuccess,
		upstreamErrors,
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one finished gateway request.
func ObserveRequest(kind string, status int, d time.Duration) {
	requestsTotal.WithLabelValues(kind, strconv.Itoa(status)).Inc()
	requestDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// Rejected counts a request refused during authorization.
func Rejected(reason string) {
	rejectionsTotal.WithLabelValues(reason).Inc()
}

// CacheHit counts a credential served from cache.
func CacheHit() { cacheLookups.WithLabelValues("hit").Inc() }

// CacheMiss counts a lookup that needed issuance.
func CacheMiss() { cacheLookups.WithLabelValues("miss").Inc() }

// CacheDegraded counts a stale credential served after a failed refresh.
func CacheDegraded() { cacheDegraded.Inc() }

// Issued records the outcome of one issuance ("success" or an error kind).
func Issued(outcome string) {
	issuances.WithLabelValues(outcome).Inc()
}

// IssuerRetried counts a retried AssumeRole attempt.
func IssuerRetried() { issuerRetries.Inc() }

// InventoryContainers records the size of a fresh snapshot.
func InventoryContainers(n int) {
	inventoryContainers.Set(float64(n))
	inventoryRefreshes.WithLabelValues("success").Inc()
	inventoryLastSuccess.SetToCurrentTime()
}

// InventoryRefreshFailed counts a failed scan.
func InventoryRefreshFailed() {
	inventoryRefreshes.WithLabelValues("failure").Inc()
}

// UpstreamError counts a passthrough failure ("unreachable" or "timeout").
func UpstreamError(reason string) {
	upstreamErrors.WithLabelValues(reason).Inc()
}
