package predictionlog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixaill76/inference-server/internal/modelkey"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeInserter struct {
	mu      sync.Mutex
	batches [][]any
	fail    bool
}

func (f *fakeInserter) Exec(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return pgconn.CommandTag{}, errors.New("insert failed")
	}
	f.batches = append(f.batches, args)
	return pgconn.CommandTag{}, nil
}

func (f *fakeInserter) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func testRecord(t *testing.T, name string) Record {
	t.Helper()
	key, err := modelkey.New(name, "v1")
	require.NoError(t, err)
	return Record{CorrelationID: "c1", Key: key, Features: []float64{1, 2}, Prediction: 1, CreatedAt: time.Now()}
}

func TestFlushOnBatchSizeTrigger(t *testing.T) {
	db := &fakeInserter{}
	p := newPipeline(db, Config{QueueSize: 100, BatchSize: 3, FlushInterval: time.Hour}, discardLogger())
	p.Start()
	defer p.Stop()

	for i := 0; i < 3; i++ {
		p.Submit(testRecord(t, "m"))
	}

	require.Eventually(t, func() bool { return db.batchCount() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, uint64(3), p.Stats().Written)
}

func TestFlushOnIntervalTrigger(t *testing.T) {
	db := &fakeInserter{}
	p := newPipeline(db, Config{QueueSize: 100, BatchSize: 100, FlushInterval: 20 * time.Millisecond}, discardLogger())
	p.Start()
	defer p.Stop()

	p.Submit(testRecord(t, "m"))

	require.Eventually(t, func() bool { return db.batchCount() == 1 }, time.Second, time.Millisecond)
}

func TestFlushFailureDiscardsBatchAndContinues(t *testing.T) {
	db := &fakeInserter{fail: true}
	p := newPipeline(db, Config{QueueSize: 100, BatchSize: 2, FlushInterval: time.Hour}, discardLogger())
	p.Start()
	defer p.Stop()

	p.Submit(testRecord(t, "m"))
	p.Submit(testRecord(t, "m"))

	require.Eventually(t, func() bool { return p.Stats().Errors == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, uint64(0), p.Stats().Written)

	// Drainer kept running: a later successful batch still flushes.
	db.mu.Lock()
	db.fail = false
	db.mu.Unlock()
	p.Submit(testRecord(t, "m"))
	p.Submit(testRecord(t, "m"))
	require.Eventually(t, func() bool { return p.Stats().Written == 2 }, time.Second, time.Millisecond)
}

func TestStopPerformsFinalFlush(t *testing.T) {
	db := &fakeInserter{}
	p := newPipeline(db, Config{QueueSize: 100, BatchSize: 100, FlushInterval: time.Hour}, discardLogger())
	p.Start()

	p.Submit(testRecord(t, "m"))
	p.Submit(testRecord(t, "m"))

	p.Stop()
	assert.Equal(t, 1, db.batchCount())
	assert.Equal(t, uint64(2), p.Stats().Written)
}

func TestStartIsIdempotent(t *testing.T) {
	db := &fakeInserter{}
	p := newPipeline(db, Config{QueueSize: 10, BatchSize: 10, FlushInterval: time.Hour}, discardLogger())
	p.Start()
	p.Start()
	p.Stop()
}

func TestSubmitOverflowDropsAndCounts(t *testing.T) {
	db := &fakeInserter{}
	// No Start(): nothing drains the queue, forcing overflow.
	p := newPipeline(db, Config{QueueSize: 2, BatchSize: 100, FlushInterval: time.Hour}, discardLogger())

	p.Submit(testRecord(t, "a"))
	p.Submit(testRecord(t, "b"))
	p.Submit(testRecord(t, "c"))

	stats := p.Stats()
	assert.Equal(t, uint64(3), stats.Submitted)
	assert.Equal(t, uint64(1), stats.Dropped)
	assert.Equal(t, 2, stats.QueueLen)
}
