package monitoring

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	m := New(true)
	assert.NotNil(t, m)
	assert.True(t, m.enabled)

	m2 := New(false)
	assert.NotNil(t, m2)
	assert.False(t, m2.enabled)
}

func TestRecordRequestEnabled(t *testing.T) {
	RequestsTotal.Reset()
	RequestDuration.Reset()

	m := New(true)
	m.RecordRequest("/predict", 200, 10*time.Millisecond)
	m.RecordRequest("/predict", 500, 15*time.Millisecond)

	assert.Greater(t, testutil.CollectAndCount(RequestsTotal), 0)
	assert.Greater(t, testutil.CollectAndCount(RequestDuration), 0)
}

func TestRecordRequestDisabledDoesNotPanic(t *testing.T) {
	m := New(false)
	m.RecordRequest("/predict", 200, 10*time.Millisecond)
}

func TestSetCacheSize(t *testing.T) {
	m := New(true)
	m.SetCacheSize(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(CacheSize))
}

func TestRecordCacheLoadHitAndMiss(t *testing.T) {
	CacheHitsTotal.Reset()
	CacheMissesTotal.Reset()

	m := New(true)
	m.RecordCacheLoad("iris", "v1", false)
	m.RecordCacheLoad("iris", "v1", true)

	assert.Equal(t, 1.0, testutil.ToFloat64(CacheMissesTotal.WithLabelValues("iris", "v1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(CacheHitsTotal.WithLabelValues("iris", "v1")))
}

func TestRecordCacheEviction(t *testing.T) {
	before := testutil.ToFloat64(CacheEvictionsTotal)
	m := New(true)
	m.RecordCacheEviction()
	assert.Equal(t, before+1, testutil.ToFloat64(CacheEvictionsTotal))
}

func TestRecordSchedulerBatch(t *testing.T) {
	SchedulerBatchSize.Reset()
	SchedulerBatchDuration.Reset()

	m := New(true)
	m.RecordSchedulerBatch("iris", "v1", 8, 5*time.Millisecond)

	assert.Greater(t, testutil.CollectAndCount(SchedulerBatchSize), 0)
	assert.Greater(t, testutil.CollectAndCount(SchedulerBatchDuration), 0)
}

func TestRecordPredictionLogOutcome(t *testing.T) {
	beforeWritten := testutil.ToFloat64(PredictionLogWrittenTotal)
	beforeDropped := testutil.ToFloat64(PredictionLogDroppedTotal)

	m := New(true)
	m.RecordPredictionLogOutcome(2, 5, 0)

	assert.Equal(t, beforeWritten+5, testutil.ToFloat64(PredictionLogWrittenTotal))
	assert.Equal(t, beforeDropped+2, testutil.ToFloat64(PredictionLogDroppedTotal))
}

func TestSetRegistryHealthy(t *testing.T) {
	m := New(true)
	m.SetRegistryHealthy(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(RegistryHealthy))

	m.SetRegistryHealthy(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(RegistryHealthy))
}

func TestMetricsPrometheusRegistration(t *testing.T) {
	collectors := []prometheus.Collector{
		RequestsTotal,
		RequestDuration,
		CacheSize,
		CacheHitsTotal,
		CacheMissesTotal,
		CacheEvictionsTotal,
		SchedulerBatchSize,
		SchedulerBatchDuration,
		PredictionLogQueueLength,
		PredictionLogDroppedTotal,
		PredictionLogWrittenTotal,
		PredictionLogErrorsTotal,
		RegistryHealthy,
	}
	for _, c := range collectors {
		assert.NotNil(t, c)
	}
}
