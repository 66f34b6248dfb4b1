package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PasteCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aurapaste_paste_created_total",
		Help: "no. of pastes created",
	})
	PasteRetrieved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aurapaste_paste_retrieved_total",
		Help: "no. of pastes retrieved",
	})
	PasteUpdated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aurapaste_paste_updated_total",
		Help: "no. of paste edits",
	})
	PasteDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aurapaste_paste_deleted_total",
		Help: "no. of pastes deleted",
	})
	ViewsCounted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aurapaste_views_counted_total",
		Help: "no. of deduplicated view increments",
	})
	ViewsDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aurapaste_views_deduplicated_total",
		Help: "no. of repeat views suppressed within a session bucket",
	})
	ViewsDegraded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aurapaste_views_degraded_total",
		Help: "no. of view increments taken through the non-deduplicated fallback",
	})
	GuardOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aurapaste_guard_operations_total",
			Help: "no. of sensitive-content encrypt/decrypt operations",
		},
		[]string{"operation"},
	)
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aurapaste_cache_hits_total",
		Help: "no. of cache hits",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aurapaste_cache_misses_total",
		Help: "no. of cache misses",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aurapaste_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aurapaste_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
	RecentErrorRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aurapaste_recent_error_rate_percent",
		Help: "error rate over the recent sliding window",
	})
	PruneCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aurapaste_prune_cycles_total",
		Help: "no. of cleanup worker cycles",
	})
)

func Init() {
}
