package modelcache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixaill76/inference-server/internal/modelkey"
	"github.com/mixaill76/inference-server/internal/predictor"
	"github.com/mixaill76/inference-server/internal/registry"
	"github.com/mixaill76/inference-server/internal/worker"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newDispatch(t *testing.T) chan worker.Job {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	queue := make(chan worker.Job, 64)
	worker.SpawnWorkerPool(ctx, 4, queue, discardLogger())
	return queue
}

type fakeRegistry struct {
	mu      sync.Mutex
	records map[modelkey.Key]*registry.Record
	missing map[modelkey.Key]bool
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{records: make(map[modelkey.Key]*registry.Record)}
}

func (r *fakeRegistry) put(key modelkey.Key, artifactKey, framework string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[key] = &registry.Record{Key: key, ArtifactKey: artifactKey, Framework: framework}
}

func (r *fakeRegistry) Lookup(_ context.Context, key modelkey.Key) (*registry.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key]
	if !ok {
		return nil, registry.ErrRegistryMissing
	}
	return rec, nil
}

type fakeBlobStore struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	calls   int32
	delay   time.Duration
	failGet bool
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{blobs: make(map[string][]byte)}
}

func (s *fakeBlobStore) put(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = data
}

func (s *fakeBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.failGet {
		return nil, errors.New("blob unavailable")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[key]
	if !ok {
		return nil, errors.New("not found")
	}
	return data, nil
}

func (s *fakeBlobStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blobs[key]
	return ok, nil
}

func (s *fakeBlobStore) callCount() int {
	return int(atomic.LoadInt32(&s.calls))
}

func newTestCache(t *testing.T, capacity int, reg *fakeRegistry, blobs *fakeBlobStore) *Cache {
	t.Helper()
	return New(Config{Capacity: capacity, DefaultBatchSize: 8, DefaultBatchWait: time.Millisecond}, reg, blobs, predictor.NewRegistry(), newDispatch(t), discardLogger())
}

func mustKey(t *testing.T, name, version string) modelkey.Key {
	t.Helper()
	k, err := modelkey.New(name, version)
	require.NoError(t, err)
	return k
}

func TestLoadRegistryMissing(t *testing.T) {
	reg, blobs := newFakeRegistry(), newFakeBlobStore()
	c := newTestCache(t, 4, reg, blobs)

	_, _, err := c.Load(context.Background(), mustKey(t, "m", "v1"), LoadOptions{})
	assert.ErrorIs(t, err, ErrRegistryMissing)
}

func TestLoadThenPredict(t *testing.T) {
	reg, blobs := newFakeRegistry(), newFakeBlobStore()
	key := mustKey(t, "m", "v1")
	reg.put(key, "artifacts/m/v1", "constant")
	blobs.put("artifacts/m/v1", []byte(`{"label": 5}`))

	c := newTestCache(t, 4, reg, blobs)

	status, size, err := c.Load(context.Background(), key, LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusLoaded, status)
	assert.Equal(t, 1, size)

	label, err := c.Predict(context.Background(), key, []float64{1, 2})
	require.NoError(t, err)
	assert.Equal(t, 5, label)
}

func TestLoadAlreadyLoadedTouchesMRU(t *testing.T) {
	reg, blobs := newFakeRegistry(), newFakeBlobStore()
	key := mustKey(t, "m", "v1")
	reg.put(key, "a", "constant")
	blobs.put("a", []byte(`{"label": 1}`))

	c := newTestCache(t, 4, reg, blobs)
	_, _, err := c.Load(context.Background(), key, LoadOptions{})
	require.NoError(t, err)

	status, size, err := c.Load(context.Background(), key, LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyLoaded, status)
	assert.Equal(t, 1, size)
}

func TestPredictNotLoaded(t *testing.T) {
	reg, blobs := newFakeRegistry(), newFakeBlobStore()
	c := newTestCache(t, 4, reg, blobs)

	_, err := c.Predict(context.Background(), mustKey(t, "m", "v1"), []float64{1})
	assert.ErrorIs(t, err, ErrNotLoaded)
}

func TestUnloadMissingKeySucceeds(t *testing.T) {
	reg, blobs := newFakeRegistry(), newFakeBlobStore()
	c := newTestCache(t, 4, reg, blobs)

	status, size := c.Unload(mustKey(t, "missing", "v1"))
	assert.Equal(t, StatusNotLoaded, status)
	assert.Equal(t, 0, size)
}

func TestUnloadResidentKey(t *testing.T) {
	reg, blobs := newFakeRegistry(), newFakeBlobStore()
	key := mustKey(t, "m", "v1")
	reg.put(key, "a", "constant")
	blobs.put("a", []byte(`{"label": 1}`))

	c := newTestCache(t, 4, reg, blobs)
	_, _, err := c.Load(context.Background(), key, LoadOptions{})
	require.NoError(t, err)

	status, size := c.Unload(key)
	assert.Equal(t, StatusUnloaded, status)
	assert.Equal(t, 0, size)

	_, err = c.Predict(context.Background(), key, []float64{1})
	assert.ErrorIs(t, err, ErrNotLoaded)
}

// TestEvictionPicksLeastRecentlyUsed loads to capacity, touches all but one
// via Predict, then loads one more and expects the untouched key gone.
func TestEvictionPicksLeastRecentlyUsed(t *testing.T) {
	reg, blobs := newFakeRegistry(), newFakeBlobStore()
	c := newTestCache(t, 2, reg, blobs)

	keyA := mustKey(t, "a", "v1")
	keyB := mustKey(t, "b", "v1")
	keyC := mustKey(t, "c", "v1")
	for _, k := range []modelkey.Key{keyA, keyB, keyC} {
		reg.put(k, k.String(), "constant")
		blobs.put(k.String(), []byte(`{"label": 1}`))
	}

	_, _, err := c.Load(context.Background(), keyA, LoadOptions{})
	require.NoError(t, err)
	_, _, err = c.Load(context.Background(), keyB, LoadOptions{})
	require.NoError(t, err)

	// Touch A more recently than B.
	time.Sleep(2 * time.Millisecond)
	_, err = c.Predict(context.Background(), keyA, []float64{1})
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)
	_, size, err := c.Load(context.Background(), keyC, LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, size)

	_, err = c.Predict(context.Background(), keyB, []float64{1})
	assert.ErrorIs(t, err, ErrNotLoaded)

	_, err = c.Predict(context.Background(), keyA, []float64{1})
	assert.NoError(t, err)
	_, err = c.Predict(context.Background(), keyC, []float64{1})
	assert.NoError(t, err)
}

func TestConcurrentLoadSingleFlight(t *testing.T) {
	reg, blobs := newFakeRegistry(), newFakeBlobStore()
	key := mustKey(t, "m", "v1")
	reg.put(key, "a", "constant")
	blobs.put("a", []byte(`{"label": 1}`))
	blobs.delay = 50 * time.Millisecond

	c := newTestCache(t, 4, reg, blobs)

	const n = 10
	var wg sync.WaitGroup
	statuses := make([]LoadStatus, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status, _, err := c.Load(context.Background(), key, LoadOptions{})
			require.NoError(t, err)
			statuses[i] = status
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, blobs.callCount())
	loaded, alreadyLoaded := 0, 0
	for _, s := range statuses {
		if s == StatusLoaded {
			loaded++
		} else {
			alreadyLoaded++
		}
	}
	assert.Equal(t, 1, loaded)
	assert.Equal(t, n-1, alreadyLoaded)
}

func TestLoadFailureLeavesCacheUnchanged(t *testing.T) {
	reg, blobs := newFakeRegistry(), newFakeBlobStore()
	key := mustKey(t, "m", "v1")
	reg.put(key, "missing-artifact", "constant")
	blobs.failGet = true

	c := newTestCache(t, 4, reg, blobs)

	_, _, err := c.Load(context.Background(), key, LoadOptions{})
	assert.ErrorIs(t, err, ErrLoadFailure)
	assert.Empty(t, c.List())
}
