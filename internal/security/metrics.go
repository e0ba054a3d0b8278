package security

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

	// StoreLatency can be used by store implementations to record operation latency.
	StoreLatency *prometheus.HistogramVec

	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter

	storeConnected         prometheus.Gauge
	storeReconnectsTotal   prometheus.Counter
	counterConflictRetries *prometheus.CounterVec
	uploadBytesTotal       *prometheus.CounterVec
	uploadsTotal           *prometheus.CounterVec

	metricsMu          sync.RWMutex
	metricsInitialized bool
)

var validLabelKey = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

var initMetricsOnce sync.Once

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
		idx := strings.IndexByte(pair, '=')
		if idx < 0 {
			return nil, fmt.Errorf("invalid label %q: expected key=value", pair)
		}
		k, v := pair[:idx], pair[idx+1:]
		if !validLabelKey.MatchString(k) {
			return nil, fmt.Errorf("invalid label key %q: must match [a-zA-Z_][a-zA-Z0-9_]*", k)
		}
		labels[k] = v
	}
	return labels, nil
}

// InitMetrics registers all Prometheus metrics with the given constant labels.
// Must be called before starting the HTTP server or any store/cache initialization
// that records metrics. Safe to call multiple times; only the first call registers.
func InitMetrics(constLabels prometheus.Labels) {
	initMetricsOnce.Do(func() {
		initMetricsInner(constLabels)
	})
}

func initMetricsInner(constLabels prometheus.Labels) {
	reg := prometheus.WrapRegistererWith(constLabels, prometheus.DefaultRegisterer)
	f := promauto.With(reg)

	metricsMu.Lock()
	defer metricsMu.Unlock()

	httpRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vltx_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	httpRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vltx_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	StoreLatency = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vltx_store_latency_seconds",
			Help:    "Store operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	CacheHitsTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "vltx_cache_hits_total",
		Help: "Total profile cache hits",
	})

	CacheMissesTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "vltx_cache_misses_total",
		Help: "Total profile cache misses",
	})

	storeConnected = f.NewGauge(prometheus.GaugeOpts{
		Name: "vltx_store_connected",
		Help: "1 while a live store connection is cached, 0 otherwise",
	})

	storeReconnectsTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "vltx_store_reconnects_total",
		Help: "Store connections re-established after a failed liveness probe",
	})

	counterConflictRetries = f.NewCounterVec(prometheus.CounterOpts{
		Name: "vltx_counter_conflict_retries_total",
		Help: "Counter increments retried after a duplicate-key race",
	}, []string{"field"})

	uploadBytesTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "vltx_upload_bytes_total",
		Help: "Bytes relayed to object storage",
	}, []string{"purpose"})

	uploadsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "vltx_uploads_total",
		Help: "Upload attempts by purpose and outcome",
	}, []string{"purpose", "outcome"})

	metricsInitialized = true
}

func initialized() bool {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return metricsInitialized
}

// ObserveStoreLatency records the duration of a store operation started at start.
func ObserveStoreLatency(op string, start time.Time) {
	if !initialized() {
		return
	}
	StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// RecordCacheLookup counts a profile cache hit or miss.
func RecordCacheLookup(hit bool) {
	if !initialized() {
		return
	}
	if hit {
		CacheHitsTotal.Inc()
	} else {
		CacheMissesTotal.Inc()
	}
}

// SetStoreConnected updates the store connection gauge.
func SetStoreConnected(connected bool) {
	if !initialized() {
		return
	}
	if connected {
		storeConnected.Set(1)
	} else {
		storeConnected.Set(0)
	}
}

// RecordStoreReconnect counts a reconnect triggered by a failed probe.
func RecordStoreReconnect() {
	if !initialized() {
		return
	}
	storeReconnectsTotal.Inc()
}

// RecordCounterConflictRetry counts a duplicate-key retry for a counter field.
func RecordCounterConflictRetry(field string) {
	if !initialized() {
		return
	}
	counterConflictRetries.WithLabelValues(field).Inc()
}

// RecordUpload counts an upload outcome and the bytes that were relayed.
func RecordUpload(purpose, outcome string, bytes int64) {
	if !initialized() {
		return
	}
	uploadsTotal.WithLabelValues(purpose, outcome).Inc()
	if bytes > 0 {
		uploadBytesTotal.WithLabelValues(purpose).Add(float64(bytes))
	}
}

// MetricsMiddleware records HTTP request metrics for Prometheus.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !initialized() {
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
