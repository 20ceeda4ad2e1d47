package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BackendRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatdash_backend_requests_total",
			Help: "Backend API calls by route and outcome",
		},
		[]string{"route", "outcome"},
	)

	BackendLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "threatdash_backend_request_duration_seconds",
			Help:    "Backend API call latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	Logins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatdash_logins_total",
			Help: "Dashboard login attempts by result",
		},
		[]string{"result"},
	)

	ForcedLogouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "threatdash_forced_logouts_total",
			Help: "Sessions revoked after the backend rejected the bearer",
		},
	)

	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatdash_cache_lookups_total",
			Help: "Cache lookups by cache and result",
		},
		[]string{"cache", "result"},
	)

	IngestPolls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatdash_ingest_polls_total",
			Help: "Feed status polls after an ingest trigger, by result",
		},
		[]string{"result"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatdash_http_requests_total",
			Help: "Dashboard HTTP requests by method and status class",
		},
		[]string{"method", "code"},
	)

	SessionsPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "threatdash_sessions_pruned_total",
			Help: "Expired or revoked sessions deleted by the pruner",
		},
	)
)
