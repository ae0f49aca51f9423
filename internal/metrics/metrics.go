// Package metrics declares the Prometheus collectors shared across the service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LedgerUsage counts recorded usage amounts per service and category.
	LedgerUsage = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governance_ledger_usage_total",
			Help: "Usage recorded in the ledger, in each service's own unit.",
		},
		[]string{"service", "category"},
	)

	// LedgerRollovers counts day rollovers performed while recording usage.
	LedgerRollovers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governance_ledger_rollovers_total",
			Help: "Day rollovers archived into ledger history.",
		},
		[]string{"service"},
	)

	// DispatchTotal counts gated provider calls by outcome.
	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governance_dispatch_total",
			Help: "Provider dispatches by final outcome.",
		},
		[]string{"service", "outcome"},
	)

	// DispatchLatency observes end-to-end dispatch latency including retries.
	DispatchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "governance_dispatch_latency_seconds",
			Help:    "Provider dispatch latency including retries and back-off.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	// CredentialRotations counts switches to the next credential slot after a rate limit.
	CredentialRotations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governance_credential_rotations_total",
			Help: "Credential slot rotations triggered by upstream rate limiting.",
		},
		[]string{"provider"},
	)

	// GuestGrants counts guest check decisions.
	GuestGrants = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governance_guest_checks_total",
			Help: "Anonymous eligibility-check grant decisions.",
		},
		[]string{"result"},
	)

	// CacheLookups counts session cache probes.
	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governance_cache_lookups_total",
			Help: "Session cache lookups by cache and result.",
		},
		[]string{"cache", "result"},
	)

	// HTTPRequests counts served requests per route and status class.
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governance_http_requests_total",
			Help: "HTTP requests by route and status class.",
		},
		[]string{"route", "class"},
	)

	// PublicThrottled counts requests refused by the per-IP limiter.
	PublicThrottled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "governance_public_throttled_total",
			Help: "Anonymous requests refused by the per-IP limiter.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		LedgerUsage,
		LedgerRollovers,
		DispatchTotal,
		DispatchLatency,
		CredentialRotations,
		GuestGrants,
		CacheLookups,
		HTTPRequests,
		PublicThrottled,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
