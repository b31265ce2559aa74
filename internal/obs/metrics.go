package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Authentication pipeline metrics.
var (
	authnOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authn_outcomes_total",
			Help: "Request authentication outcomes.",
		},
		[]string{"outcome"},
	)

	principalCacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "principal_cache_lookups_total",
			Help: "Principal cache lookups by result (hit, miss, stale, error). Each lookup is counted once.",
		},
		[]string{"result"},
	)

	revocationCheckFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "revocation_check_failures_total",
		Help: "Revocation registry lookups that failed and fell back to the configured answer.",
	})

	tenantScopeApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenant_scope_applied_total",
			Help: "Request transactions scoped to a user kind.",
		},
		[]string{"user_kind"},
	)
)

var initOnce sync.Once

// Init registers all metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			authnOutcomes, principalCacheLookups, revocationCheckFailures, tenantScopeApplied,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordAuthnOutcome counts one request authentication outcome.
func RecordAuthnOutcome(outcome string) {
	authnOutcomes.WithLabelValues(outcome).Inc()
}

// RecordCacheLookup counts one principal cache lookup.
func RecordCacheLookup(result string) {
	principalCacheLookups.WithLabelValues(result).Inc()
}

// RecordRevocationFailure counts one failed revocation check.
func RecordRevocationFailure() {
	revocationCheckFailures.Inc()
}

// RecordTenantScope counts one scoped request transaction.
func RecordTenantScope(userKind string) {
	tenantScopeApplied.WithLabelValues(userKind).Inc()
}

// Instrument measures request rate, latency and in-flight count.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// CanonicalPath collapses identifiers in known routes so label cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	switch {
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "identities" && (parts[3] == "role" || parts[3] == "deactivate" || parts[3] == "activate"):
		return "/v1/identities/:id/" + parts[3]
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "roles" && parts[3] == "permissions":
		return "/v1/roles/:id/permissions"
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "permissions":
		return "/v1/permissions/:code"
	}
	return raw
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
