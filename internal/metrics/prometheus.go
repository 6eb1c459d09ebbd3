package metrics

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PostsCollected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insights_posts_collected_total",
			Help: "Total posts collected from source platforms",
		},
		[]string{"platform"},
	)

	CommentsCollected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insights_comments_collected_total",
			Help: "Total comments collected from source platforms",
		},
		[]string{"platform"},
	)

	FetchErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insights_fetch_errors_total",
			Help: "Total per-source fetch failures",
		},
		[]string{"platform"},
	)

	InsightsExtracted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insights_extracted_total",
			Help: "Total posts analyzed by the extractor",
		},
		[]string{"status"},
	)

	InsightsStored = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "insights_stored_total",
			Help: "Total insights persisted",
		},
	)

	InsightsSuppressed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "insights_suppressed_total",
			Help: "Total insights below the storage threshold",
		},
	)

	HighPriorityAlerts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "insights_high_priority_alerts_total",
			Help: "Total high-priority alerts raised",
		},
	)

	RunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "insights_run_duration_seconds",
			Help:    "End-to-end ingestion run duration in seconds",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1200},
		},
	)

	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insights_runs_total",
			Help: "Total ingestion runs by terminal status",
		},
		[]string{"status"},
	)

	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "insights_query_duration_seconds",
			Help:    "Read-path request duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"endpoint"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insights_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insights_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)
)

// ObserveQuery records the elapsed time of one read-path request.
// Call it deferred with the handler's start time.
func ObserveQuery(endpoint string, start time.Time) {
	QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

func Init() {
	prometheus.MustRegister(PostsCollected)
	prometheus.MustRegister(CommentsCollected)
	prometheus.MustRegister(FetchErrors)
	prometheus.MustRegister(InsightsExtracted)
	prometheus.MustRegister(InsightsStored)
	prometheus.MustRegister(InsightsSuppressed)
	prometheus.MustRegister(HighPriorityAlerts)
	prometheus.MustRegister(RunDuration)
	prometheus.MustRegister(RunsTotal)
	prometheus.MustRegister(QueryDuration)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
