package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CapsuleCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "timevault_capsule_created_total",
		Help: "no. of capsules created",
	})
	CapsuleDisclosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "timevault_capsule_disclosed_total",
		Help: "no. of successful capsule disclosures",
	})
	AccessDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timevault_access_denied_total",
			Help: "no. of denied disclosure attempts",
		},
		[]string{"reason"},
	)
	MediaURLsIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "timevault_media_urls_issued_total",
		Help: "no. of presigned media URLs issued",
	})
	PathMismatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "timevault_media_path_mismatch_total",
		Help: "no. of media path containment violations",
	})
	NotificationsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "timevault_notifications_sent_total",
		Help: "no. of recipient notification emails sent",
	})
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "timevault_cache_hits_total",
		Help: "no. of cache hits",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "timevault_cache_misses_total",
		Help: "no. of cache misses",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "timevault_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timevault_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
	EncryptionOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timevault_encryption_operations_total",
			Help: "no. of seal/open operations on capsule content",
		},
		[]string{"operation"},
	)
	RecentErrorRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "timevault_recent_error_rate_percent",
		Help: "5min rolling avg error rate percentage",
	})
)

func Init() {
}
