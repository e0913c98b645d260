package service

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/prm-deal-api/internal/models"
)

// MetricsService encapsulates Prometheus instrumentation for the HTTP layer and the deal engine.
type MetricsService struct {
	registry           *prometheus.Registry
	handler            http.Handler
	requestDuration    *prometheus.HistogramVec
	requestTotal       *prometheus.CounterVec
	cacheLatency       prometheus.Observer
	cacheWrite         prometheus.Observer
	cacheHitRatio      prometheus.Gauge
	cacheHits          prometheus.Counter
	cacheMisses        prometheus.Counter
	transitions        *prometheus.CounterVec
	transitionFailures *prometheus.CounterVec
	conflictsDetected  *prometheus.CounterVec
	conflictsResolved  *prometheus.CounterVec
	auditFanout        *prometheus.CounterVec

	cacheHitCount  uint64
	cacheMissCount uint64
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	cacheLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_latency_seconds",
		Help:    "Latency for cache operations",
		Buckets: prometheus.DefBuckets,
	})

	cacheWrite := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_write_seconds",
		Help:    "Latency for cache set operations",
		Buckets: prometheus.DefBuckets,
	})

	cacheHitRatio := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cache_hit_ratio",
		Help: "Ratio of cache hits to total cache lookups",
	})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total cache misses",
	})

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "deal_stage_transitions_total",
		Help: "Successful deal stage transitions",
	}, []string{"from", "to"})

	transitionFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "deal_transition_failures_total",
		Help: "Rejected deal operations by error code",
	}, []string{"operation", "code"})

	conflictsDetected := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "deal_conflicts_detected_total",
		Help: "Conflict records created by type and severity",
	}, []string{"type", "severity"})

	conflictsResolved := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "deal_conflicts_resolved_total",
		Help: "Conflicts resolved or escalated by strategy",
	}, []string{"strategy", "status"})

	auditFanout := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_fanout_total",
		Help: "Audit entries delivered to external sinks",
	}, []string{"sink", "result"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, cacheLatency, cacheWrite, cacheHitRatio, cacheHits, cacheMisses,
		transitions, transitionFailures, conflictsDetected, conflictsResolved, auditFanout, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:           registry,
		handler:            handler,
		requestDuration:    requestDuration,
		requestTotal:       requestTotal,
		cacheLatency:       cacheLatency,
		cacheWrite:         cacheWrite,
		cacheHitRatio:      cacheHitRatio,
		cacheHits:          cacheHits,
		cacheMisses:        cacheMisses,
		transitions:        transitions,
		transitionFailures: transitionFailures,
		conflictsDetected:  conflictsDetected,
		conflictsResolved:  conflictsResolved,
		auditFanout:        auditFanout,
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordCacheOperation records cache hit/miss metrics and updates hit ratio.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	if m.cacheLatency != nil {
		m.cacheLatency.Observe(duration.Seconds())
	}
	if hit {
		m.cacheHits.Inc()
		atomic.AddUint64(&m.cacheHitCount, 1)
	} else {
		m.cacheMisses.Inc()
		atomic.AddUint64(&m.cacheMissCount, 1)
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	misses := atomic.LoadUint64(&m.cacheMissCount)
	total := hits + misses
	if total > 0 {
		m.cacheHitRatio.Set(float64(hits) / float64(total))
	}
}

// ObserveCacheWrite tracks the duration for cache write operations.
func (m *MetricsService) ObserveCacheWrite(duration time.Duration) {
	if m == nil || m.cacheWrite == nil {
		return
	}
	m.cacheWrite.Observe(duration.Seconds())
}

// RecordTransition counts a committed stage change.
func (m *MetricsService) RecordTransition(from, to models.DealStage) {
	if m == nil || from == to {
		return
	}
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

// RecordTransitionFailure counts a rejected operation by its error code.
func (m *MetricsService) RecordTransitionFailure(operation, code string) {
	if m == nil {
		return
	}
	m.transitionFailures.WithLabelValues(operation, code).Inc()
}

// RecordConflictDetected counts a newly created conflict record.
func (m *MetricsService) RecordConflictDetected(conflictType models.ConflictType, severity models.Severity) {
	if m == nil {
		return
	}
	m.conflictsDetected.WithLabelValues(string(conflictType), string(severity)).Inc()
}

// RecordConflictOutcome counts a resolution or escalation.
func (m *MetricsService) RecordConflictOutcome(strategy models.ResolutionStrategy, status models.ConflictStatus) {
	if m == nil {
		return
	}
	m.conflictsResolved.WithLabelValues(string(strategy), string(status)).Inc()
}

// RecordAuditFanout counts one delivery attempt to an audit sink.
func (m *MetricsService) RecordAuditFanout(sink string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.auditFanout.WithLabelValues(sink, result).Inc()
}
