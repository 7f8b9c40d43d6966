package monitoring

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// StoreLatency records document store operation latency by operation name.
	StoreLatency *prometheus.HistogramVec

	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter

	// DBPoolOpenConnections tracks the number of currently open database connections.
	DBPoolOpenConnections prometheus.Gauge

	// DBPoolMaxConnections tracks the configured maximum database connections.
	DBPoolMaxConnections prometheus.Gauge

	syncRunsTotal        *prometheus.CounterVec
	syncDuration         prometheus.Histogram
	syncMessagesTotal    *prometheus.CounterVec
	syncConversations    *prometheus.CounterVec
	riskAssessmentsTotal *prometheus.CounterVec
)

var validLabelKey = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ParseMetricsLabels parses a comma-separated list of key=value pairs into
// Prometheus labels. Values support ${VAR} / $VAR environment variable expansion.
// Label values may not contain commas. Returns nil for an empty string.
func ParseMetricsLabels(s string) (prometheus.Labels, error) {
	s = os.Expand(s, os.Getenv)
	if s == "" {
		return nil, nil
	}
	labels := prometheus.Labels{}
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid label %q: expected key=value", pair)
		}
		if !validLabelKey.MatchString(k) {
			return nil, fmt.Errorf("invalid label key %q: must match [a-zA-Z_][a-zA-Z0-9_]*", k)
		}
		labels[k] = v
	}
	return labels, nil
}

var initMetricsOnce sync.Once

// InitMetrics registers all Prometheus metrics with the given constant labels.
// Only the first call registers; until then every recorder below is a no-op.
func InitMetrics(constLabels prometheus.Labels) {
	initMetricsOnce.Do(func() {
		initMetricsInner(constLabels)
	})
}

func initMetricsInner(constLabels prometheus.Labels) {
	reg := prometheus.WrapRegistererWith(constLabels, prometheus.DefaultRegisterer)
	f := promauto.With(reg)

	httpRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_proxy_monitor_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	httpRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ai_proxy_monitor_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	StoreLatency = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ai_proxy_monitor_store_latency_seconds",
			Help:    "Document store operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	CacheHitsTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "ai_proxy_monitor_cache_hits_total",
		Help: "Total stats cache hits",
	})

	CacheMissesTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "ai_proxy_monitor_cache_misses_total",
		Help: "Total stats cache misses",
	})

	DBPoolOpenConnections = f.NewGauge(prometheus.GaugeOpts{
		Name: "ai_proxy_monitor_db_pool_open_connections",
		Help: "Number of open database connections",
	})

	DBPoolMaxConnections = f.NewGauge(prometheus.GaugeOpts{
		Name: "ai_proxy_monitor_db_pool_max_connections",
		Help: "Maximum number of database connections",
	})

	syncRunsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_proxy_monitor_sync_runs_total",
			Help: "Conversation sync runs by result (success, failure, conflict)",
		},
		[]string{"result"},
	)

	syncDuration = f.NewHistogram(prometheus.HistogramOpts{
		Name:    "ai_proxy_monitor_sync_duration_seconds",
		Help:    "Wall-clock duration of successful conversation syncs",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	})

	syncMessagesTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_proxy_monitor_sync_messages_total",
			Help: "Messages read by sync, by outcome (aggregated, unassignable, skipped)",
		},
		[]string{"outcome"},
	)

	syncConversations = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_proxy_monitor_sync_conversations_total",
			Help: "Conversation summaries written by sync, by outcome (indexed, failed)",
		},
		[]string{"outcome"},
	)

	riskAssessmentsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_proxy_monitor_risk_assessments_total",
			Help: "Risk assessment writes by result",
		},
		[]string{"result"},
	)
}

// ObserveStore records the latency of one store operation started at start.
func ObserveStore(op string, start time.Time) {
	if StoreLatency != nil {
		StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

// CacheHit records a stats cache lookup.
func CacheHit(hit bool) {
	if hit && CacheHitsTotal != nil {
		CacheHitsTotal.Inc()
	} else if !hit && CacheMissesTotal != nil {
		CacheMissesTotal.Inc()
	}
}

// SyncCounts is what a finished sync run contributes to the metrics.
type SyncCounts struct {
	Aggregated           int
	Unassignable         int
	Skipped              int
	ConversationsIndexed int
	ConversationsFailed  int
}

// RecordSync records the outcome of one sync run. Counts are ignored unless
// result is "success".
func RecordSync(result string, duration time.Duration, counts SyncCounts) {
	if syncRunsTotal == nil {
		return
	}
	syncRunsTotal.WithLabelValues(result).Inc()
	if result != "success" {
		return
	}
	syncDuration.Observe(duration.Seconds())
	syncMessagesTotal.WithLabelValues("aggregated").Add(float64(counts.Aggregated))
	syncMessagesTotal.WithLabelValues("unassignable").Add(float64(counts.Unassignable))
	syncMessagesTotal.WithLabelValues("skipped").Add(float64(counts.Skipped))
	syncConversations.WithLabelValues("indexed").Add(float64(counts.ConversationsIndexed))
	syncConversations.WithLabelValues("failed").Add(float64(counts.ConversationsFailed))
}

// RecordRiskAssessment records one risk assessment write attempt.
func RecordRiskAssessment(result string) {
	if riskAssessmentsTotal != nil {
		riskAssessmentsTotal.WithLabelValues(result).Inc()
	}
}

// MetricsMiddleware records HTTP request metrics for Prometheus.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if httpRequestsTotal == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		httpRequestsTotal.WithLabelValues(c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method).Observe(duration.Seconds())
	}
}
