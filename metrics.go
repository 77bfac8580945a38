package shared

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector provides Prometheus metrics for caches, deduplicators
// and retry loops. It is safe for concurrent use and every Record method is
// a no-op on a nil receiver.
type MetricsCollector struct {
	cacheHits      *prometheus.CounterVec
	cacheMisses    *prometheus.CounterVec
	cacheEvictions *prometheus.CounterVec
	cacheExpired   *prometheus.CounterVec
	cacheSize      *prometheus.GaugeVec

	dedupShared     *prometheus.CounterVec
	dedupRejected   *prometheus.CounterVec
	dedupExecutions *prometheus.CounterVec
	dedupPending    *prometheus.GaugeVec

	retriesTotal *prometheus.CounterVec
	errorsTotal  *prometheus.CounterVec
	buildInfo    *prometheus.GaugeVec

	registerer prometheus.Registerer
}

// NewMetricsCollector creates a metrics collector on the default registerer.
// Calling it twice in one process panics on duplicate registration; share
// the collector or use NewMetricsCollectorWithRegistry.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates a collector using supplied registerer.
func NewMetricsCollectorWithRegistry(registerer prometheus.Registerer) *MetricsCollector {
	factory := promauto.With(registerer)

	mc := &MetricsCollector{
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shared_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"cache"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shared_cache_misses_total",
				Help: "Total number of cache misses, including lookups of expired entries",
			},
			[]string{"cache"},
		),
		cacheEvictions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shared_cache_evictions_total",
				Help: "Total number of entries evicted to respect the size bound",
			},
			[]string{"cache"},
		),
		cacheExpired: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shared_cache_expired_total",
				Help: "Total number of expired entries removed",
			},
			[]string{"cache"},
		),
		cacheSize: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shared_cache_size",
				Help: "Current number of entries in cache",
			},
			[]string{"cache"},
		),
		dedupShared: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shared_dedup_shared_total",
				Help: "Total number of calls that joined an in-flight operation",
			},
			[]string{"deduplicator"},
		),
		dedupRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shared_dedup_rejected_total",
				Help: "Total number of duplicate submissions rejected",
			},
			[]string{"deduplicator", "reason"},
		),
		dedupExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shared_dedup_executions_total",
				Help: "Total number of operations executed, by outcome",
			},
			[]string{"deduplicator", "outcome"},
		),
		dedupPending: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shared_dedup_pending",
				Help: "Current number of indexed in-flight operations",
			},
			[]string{"deduplicator"},
		),
		retriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shared_retries_total",
				Help: "Total number of retry attempts",
			},
			[]string{"method", "endpoint", "attempt"},
		),
		errorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shared_errors_total",
				Help: "Total number of errors encountered, by normalized type",
			},
			[]string{"type"},
		),
		buildInfo: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shared_build_info",
				Help: "Build metadata of the shared library, always 1",
			},
			[]string{"version", "commit", "go_version"},
		),
		registerer: registerer,
	}

	info := GetVersionInfo()
	mc.buildInfo.WithLabelValues(info["version"], info["commit"], info["go_version"]).Set(1)
	return mc
}

// RecordCacheHit increments cache hit counter.
func (mc *MetricsCollector) RecordCacheHit(cache string) {
	if mc == nil {
		return
	}
	mc.cacheHits.WithLabelValues(cache).Inc()
}

// RecordCacheMiss increments cache miss counter.
func (mc *MetricsCollector) RecordCacheMiss(cache string) {
	if mc == nil {
		return
	}
	mc.cacheMisses.WithLabelValues(cache).Inc()
}

// RecordCacheEviction increments the capacity eviction counter.
func (mc *MetricsCollector) RecordCacheEviction(cache string) {
	if mc == nil {
		return
	}
	mc.cacheEvictions.WithLabelValues(cache).Inc()
}

// RecordCacheExpired adds n removed expired entries.
func (mc *MetricsCollector) RecordCacheExpired(cache string, n int) {
	if mc == nil || n <= 0 {
		return
	}
	mc.cacheExpired.WithLabelValues(cache).Add(float64(n))
}

// RecordCacheSize sets cache size gauge.
func (mc *MetricsCollector) RecordCacheSize(cache string, size int) {
	if mc == nil {
		return
	}
	mc.cacheSize.WithLabelValues(cache).Set(float64(size))
}

// RecordDeduplicationHit increments the joined-in-flight counter.
func (mc *MetricsCollector) RecordDeduplicationHit(name string) {
	if mc == nil {
		return
	}
	mc.dedupShared.WithLabelValues(name).Inc()
}

// RecordDuplicateRejected increments the rejection counter for reason.
func (mc *MetricsCollector) RecordDuplicateRejected(name string, reason DuplicateReason) {
	if mc == nil {
		return
	}
	mc.dedupRejected.WithLabelValues(name, string(reason)).Inc()
}

// RecordExecution counts one executed operation as "success" or "failure".
func (mc *MetricsCollector) RecordExecution(name string, err error) {
	if mc == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	mc.dedupExecutions.WithLabelValues(name, outcome).Inc()
}

// RecordPending sets the in-flight gauge.
func (mc *MetricsCollector) RecordPending(name string, n int) {
	if mc == nil {
		return
	}
	mc.dedupPending.WithLabelValues(name).Set(float64(n))
}

// RecordRetry increments retry counter for an attempt.
func (mc *MetricsCollector) RecordRetry(method, endpoint string, attempt int) {
	if mc == nil {
		return
	}
	mc.retriesTotal.WithLabelValues(method, endpoint, strconv.Itoa(attempt)).Inc()
}

// RecordError increments the error counter under err's normalized type.
func (mc *MetricsCollector) RecordError(err error) {
	if mc == nil || err == nil {
		return
	}
	mc.errorsTotal.WithLabelValues(ErrorCode(err)).Inc()
}

// Registerer exposes the registerer the metrics were created on.
func (mc *MetricsCollector) Registerer() prometheus.Registerer {
	return mc.registerer
}
