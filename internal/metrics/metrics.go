package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enchanted_research_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "enchanted_research_request_duration_seconds",
			Help: "HTTP request duration in seconds",
		},
		[]string{"method", "endpoint"},
	)

	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enchanted_research_turns_total",
			Help: "Total number of finished turns by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	ActiveTurns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "enchanted_research_active_turns",
			Help: "Number of turns currently streaming",
		},
	)

	EnrichmentResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enchanted_research_enrichment_results_total",
			Help: "Enrichment results by provider and how they were delivered",
		},
		[]string{"provider", "delivery"},
	)

	BackendRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enchanted_research_backend_requests_total",
			Help: "Generation requests by backend, mode and outcome",
		},
		[]string{"backend", "mode", "outcome"},
	)

	BackendLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "enchanted_research_backend_latency_seconds",
			Help:    "Time until a generation call returned or its stream opened",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
		[]string{"backend", "mode"},
	)

	PersistenceJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enchanted_research_persistence_jobs_total",
			Help: "Persistence jobs by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	FallbackEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enchanted_research_fallback_events_total",
			Help: "Backend endpoint fallback and recovery events",
		},
		[]string{"backend", "provider", "event"},
	)

	ResearchSections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enchanted_research_deep_research_sections_total",
			Help: "Deep research sections by outcome",
		},
		[]string{"outcome"},
	)
)

// Middleware records request counts and durations keyed by the matched route.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}

		RequestCount.WithLabelValues(c.Request.Method, endpoint, strconv.Itoa(c.Writer.Status())).Inc()
		RequestDuration.WithLabelValues(c.Request.Method, endpoint).Observe(time.Since(start).Seconds())
	}
}
