// Package monitoring exposes Prometheus metrics for the serving core.
package monitoring

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inference_server_requests_total",
			Help: "Total number of handler requests",
		},
		[]string{"endpoint", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inference_server_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"endpoint"},
	)

	CacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "inference_server_cache_size",
			Help: "Number of models currently resident in the cache",
		},
	)

	CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inference_server_cache_hits_total",
			Help: "Total Load calls that observed an already-resident model",
		},
		[]string{"name", "version"},
	)

	CacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inference_server_cache_misses_total",
			Help: "Total Load calls that performed a fresh artifact load",
		},
		[]string{"name", "version"},
	)

	CacheEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inference_server_cache_evictions_total",
			Help: "Total entries evicted from the model cache",
		},
	)

	SchedulerBatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inference_server_scheduler_batch_size",
			Help:    "Number of requests coalesced per predictor invocation",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
		},
		[]string{"name", "version"},
	)

	SchedulerBatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inference_server_scheduler_batch_duration_seconds",
			Help:    "Wall-clock duration of a single predictor invocation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"name", "version"},
	)

	PredictionLogQueueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "inference_server_prediction_log_queue_length",
			Help: "Current depth of the prediction log pipeline's queue",
		},
	)

	PredictionLogDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inference_server_prediction_log_dropped_total",
			Help: "Total prediction log records dropped due to queue overflow",
		},
	)

	PredictionLogWrittenTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inference_server_prediction_log_written_total",
			Help: "Total prediction log records successfully flushed",
		},
	)

	PredictionLogErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inference_server_prediction_log_errors_total",
			Help: "Total prediction log records lost to a failed flush",
		},
	)

	RegistryHealthy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "inference_server_registry_db_healthy",
			Help: "Whether the registry database connection is currently healthy (1 = healthy)",
		},
	)
)

// Metrics gates all recording behind an enable flag so the server can run
// with Prometheus instrumentation entirely disabled.
type Metrics struct {
	enabled bool
}

// New constructs a Metrics wrapper. When enabled is false every method is a
// no-op, avoiding per-request overhead in deployments that scrape nothing.
func New(enabled bool) *Metrics {
	return &Metrics{enabled: enabled}
}

func (m *Metrics) isEnabled() bool {
	return m.enabled
}

// RecordRequest records one handler invocation's outcome and latency.
func (m *Metrics) RecordRequest(endpoint string, statusCode int, duration time.Duration) {
	if !m.isEnabled() {
		return
	}
	status := strconv.Itoa(statusCode)
	RequestsTotal.WithLabelValues(endpoint, status).Inc()
	RequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// SetCacheSize reports the model cache's current resident count.
func (m *Metrics) SetCacheSize(size int) {
	if !m.isEnabled() {
		return
	}
	CacheSize.Set(float64(size))
}

// RecordCacheLoad records whether a Load call was a hit or a miss for name/version.
func (m *Metrics) RecordCacheLoad(name, version string, hit bool) {
	if !m.isEnabled() {
		return
	}
	if hit {
		CacheHitsTotal.WithLabelValues(name, version).Inc()
	} else {
		CacheMissesTotal.WithLabelValues(name, version).Inc()
	}
}

// RecordCacheEviction records one LRU eviction.
func (m *Metrics) RecordCacheEviction() {
	if !m.isEnabled() {
		return
	}
	CacheEvictionsTotal.Inc()
}

// RecordSchedulerBatch records the size and duration of one coalesced
// predictor invocation for the given model.
func (m *Metrics) RecordSchedulerBatch(name, version string, size int, duration time.Duration) {
	if !m.isEnabled() {
		return
	}
	SchedulerBatchSize.WithLabelValues(name, version).Observe(float64(size))
	SchedulerBatchDuration.WithLabelValues(name, version).Observe(duration.Seconds())
}

// SetPredictionLogQueueLength reports the pipeline's current queue depth.
func (m *Metrics) SetPredictionLogQueueLength(length int) {
	if !m.isEnabled() {
		return
	}
	PredictionLogQueueLength.Set(float64(length))
}

// RecordPredictionLogOutcome tallies records dropped, written, or lost to
// an error since the last call.
func (m *Metrics) RecordPredictionLogOutcome(dropped, written, errs uint64) {
	if !m.isEnabled() {
		return
	}
	if dropped > 0 {
		PredictionLogDroppedTotal.Add(float64(dropped))
	}
	if written > 0 {
		PredictionLogWrittenTotal.Add(float64(written))
	}
	if errs > 0 {
		PredictionLogErrorsTotal.Add(float64(errs))
	}
}

// SetRegistryHealthy reports the registry database's health check state.
func (m *Metrics) SetRegistryHealthy(healthy bool) {
	if !m.isEnabled() {
		return
	}
	value := 0.0
	if healthy {
		value = 1.0
	}
	RegistryHealthy.Set(value)
}
