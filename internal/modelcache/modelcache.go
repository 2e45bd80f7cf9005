// Package modelcache maintains a bounded, LRU-evicted working set of loaded
// models, each backed by its own batch scheduler, with single-flight load.
package modelcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mixaill76/inference-server/internal/blobstore"
	"github.com/mixaill76/inference-server/internal/modelkey"
	"github.com/mixaill76/inference-server/internal/predictor"
	"github.com/mixaill76/inference-server/internal/registry"
	"github.com/mixaill76/inference-server/internal/scheduler"
	"github.com/mixaill76/inference-server/internal/utils"
	"github.com/mixaill76/inference-server/internal/worker"
)

// Errors returned by the cache's public operations.
var (
	// ErrRegistryMissing is surfaced from Load when the registry has no
	// record for the requested key.
	ErrRegistryMissing = registry.ErrRegistryMissing
	// ErrLoadFailure wraps any failure to fetch or deserialize an artifact.
	ErrLoadFailure = errors.New("modelcache: load failed")
	// ErrNotLoaded is returned by Predict when the key is not resident.
	ErrNotLoaded = errors.New("modelcache: model not loaded")
)

// LoadStatus distinguishes a fresh load from an already-resident touch.
type LoadStatus string

const (
	StatusLoaded        LoadStatus = "loaded"
	StatusAlreadyLoaded LoadStatus = "already_loaded"
)

// UnloadStatus distinguishes a removed entry from a no-op.
type UnloadStatus string

const (
	StatusUnloaded UnloadStatus = "unloaded"
	StatusNotLoaded UnloadStatus = "not_loaded"
)

// LoadOptions configures the scheduler backing a newly loaded model. They
// are ignored (not reapplied) when Load observes an already-resident entry.
type LoadOptions struct {
	BatchSize    int
	BatchWaitMs  int
}

// Descriptor summarizes one resident model for listing.
type Descriptor struct {
	Key        modelkey.Key
	Framework  string
	Metadata   json.RawMessage
	LoadedAt   time.Time
	LastUsedAt time.Time
}

// entry is the cache's internal representation of a loaded model. It adds
// drain-before-drop bookkeeping to the CacheEntry data the spec describes:
// refCount tracks in-flight Predict dispatches through this entry's
// scheduler, and closed marks it once eviction has begun so new dispatches
// are refused instead of racing the scheduler's teardown.
type entry struct {
	key        modelkey.Key
	sched      *scheduler.Scheduler
	framework  string
	metadata   json.RawMessage
	loadedAt   time.Time
	lastUsedAt time.Time
	insertSeq  uint64

	mu       sync.Mutex
	refCount int
	closed   bool
}

// inFlightLoad is the single-flight marker for a key currently being
// downloaded and deserialized.
type inFlightLoad struct {
	done chan struct{}
	err  error
}

// Cache is the process-wide bounded model cache.
type Cache struct {
	capacity  int
	registry  registry.Client
	blobs     blobstore.Store
	decoders  *predictor.Registry
	dispatch  chan<- worker.Job
	logger    *slog.Logger

	defaultBatchSize int
	defaultBatchWait time.Duration

	mu        sync.Mutex
	entries   map[modelkey.Key]*entry
	loading   map[modelkey.Key]*inFlightLoad
	insertSeq uint64
	evictions atomic.Uint64
}

// Config bundles the cache's collaborators and defaults.
type Config struct {
	Capacity         int
	DefaultBatchSize int
	DefaultBatchWait time.Duration
}

// New constructs an empty cache. dispatch is the process-wide worker pool
// job queue shared by every scheduler this cache creates.
func New(cfg Config, reg registry.Client, blobs blobstore.Store, decoders *predictor.Registry, dispatch chan<- worker.Job, logger *slog.Logger) *Cache {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = 1
	}
	return &Cache{
		capacity:         capacity,
		registry:         reg,
		blobs:            blobs,
		decoders:         decoders,
		dispatch:         dispatch,
		logger:           logger,
		defaultBatchSize: cfg.DefaultBatchSize,
		defaultBatchWait: cfg.DefaultBatchWait,
		entries:          make(map[modelkey.Key]*entry),
		loading:          make(map[modelkey.Key]*inFlightLoad),
	}
}

// Capacity returns C, the maximum number of resident models.
func (c *Cache) Capacity() int {
	return c.capacity
}

// Load fetches and resident-installs the model at key, or touches it to
// MRU if already resident. Single-flight: concurrent Load calls for the
// same key result in exactly one artifact download and deserialization.
func (c *Cache) Load(ctx context.Context, key modelkey.Key, opts LoadOptions) (LoadStatus, int, error) {
	for {
		c.mu.Lock()
		if e, ok := c.entries[key]; ok {
			e.touch()
			size := len(c.entries)
			c.mu.Unlock()
			return StatusAlreadyLoaded, size, nil
		}
		if inflight, ok := c.loading[key]; ok {
			c.mu.Unlock()
			<-inflight.done
			if inflight.err != nil {
				return "", 0, inflight.err
			}
			continue // re-check entries; the winner installed it
		}

		inflight := &inFlightLoad{done: make(chan struct{})}
		c.loading[key] = inflight
		c.mu.Unlock()

		status, size, err := c.performLoad(ctx, key, opts, inflight)
		return status, size, err
	}
}

// performLoad runs the lock-released download/deserialization for a
// single-flight winner and installs the result, or records the failure for
// the other waiters.
func (c *Cache) performLoad(ctx context.Context, key modelkey.Key, opts LoadOptions, inflight *inFlightLoad) (status LoadStatus, size int, err error) {
	defer func() {
		c.mu.Lock()
		delete(c.loading, key)
		c.mu.Unlock()
		inflight.err = err
		close(inflight.done)
	}()

	rec, err := c.registry.Lookup(ctx, key)
	if err != nil {
		if errors.Is(err, registry.ErrRegistryMissing) {
			return "", 0, ErrRegistryMissing
		}
		return "", 0, fmt.Errorf("%w: registry lookup: %v", ErrLoadFailure, err)
	}

	artifact, err := c.blobs.Get(ctx, rec.ArtifactKey)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrLoadFailure, err)
	}

	pred, err := c.decoders.Decode(rec.Framework, artifact)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrLoadFailure, err)
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = c.defaultBatchSize
	}
	batchWait := time.Duration(opts.BatchWaitMs) * time.Millisecond
	if opts.BatchWaitMs <= 0 {
		batchWait = c.defaultBatchWait
	}

	sched := scheduler.New(scheduler.Config{MaxBatchSize: batchSize, MaxWait: batchWait}, pred, c.dispatch, c.logger)

	now := utils.NowUTC()
	e := &entry{
		key:        key,
		sched:      sched,
		framework:  rec.Framework,
		metadata:   rec.Metadata,
		loadedAt:   now,
		lastUsedAt: now,
	}

	c.mu.Lock()
	c.insertSeq++
	e.insertSeq = c.insertSeq
	if len(c.entries) >= c.capacity {
		c.evictLocked()
	}
	c.entries[key] = e
	n := len(c.entries)
	c.mu.Unlock()

	return StatusLoaded, n, nil
}

// evictLocked removes the least-recently-used entry (oldest lastUsedAt,
// ties broken by insertSeq). Caller holds c.mu. The victim's scheduler is
// torn down by a background closeAndDrain goroutine, which waits for
// in-flight Predict calls on the entry to finish before closing it, so the
// evicting caller does not block on the drain.
func (c *Cache) evictLocked() {
	var victimKey modelkey.Key
	var victim *entry
	for k, e := range c.entries {
		if victim == nil || e.lastUsedAt.Before(victim.lastUsedAt) ||
			(e.lastUsedAt.Equal(victim.lastUsedAt) && e.insertSeq < victim.insertSeq) {
			victimKey, victim = k, e
		}
	}
	if victim == nil {
		return
	}
	delete(c.entries, victimKey)
	c.evictions.Add(1)
	go victim.closeAndDrain()
}

// EvictionCount returns the total number of entries evicted over the
// cache's lifetime, for metrics reporting.
func (c *Cache) EvictionCount() uint64 {
	return c.evictions.Load()
}

// Unload removes key if present. Never fails; unloading a missing key
// returns StatusNotLoaded.
func (c *Cache) Unload(key modelkey.Key) (UnloadStatus, int) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		size := len(c.entries)
		c.mu.Unlock()
		return StatusNotLoaded, size
	}
	delete(c.entries, key)
	size := len(c.entries)
	c.mu.Unlock()

	go e.closeAndDrain()
	return StatusUnloaded, size
}

// Predict touches key to MRU and dispatches features through its
// scheduler. ErrNotLoaded if key is absent. The entry's reference count is
// held for the duration of the scheduler call so a concurrent eviction
// drains before tearing the scheduler down rather than racing it.
func (c *Cache) Predict(ctx context.Context, key modelkey.Key, features []float64) (int, error) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return 0, ErrNotLoaded
	}
	e.touch()
	c.mu.Unlock()

	if !e.acquire() {
		return 0, ErrNotLoaded
	}
	defer e.release()

	label, err := e.sched.Submit(ctx, features)
	if err != nil {
		return 0, err
	}
	return label, nil
}

// List returns a descriptor for every resident model. Order is unspecified.
func (c *Cache) List() []Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Descriptor, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, Descriptor{
			Key:        e.key,
			Framework:  e.framework,
			Metadata:   e.metadata,
			LoadedAt:   e.loadedAt,
			LastUsedAt: e.lastUsedAt,
		})
	}
	return out
}

// Close tears down every resident entry's scheduler. Intended for process
// shutdown.
func (c *Cache) Close() {
	c.mu.Lock()
	entries := c.entries
	c.entries = make(map[modelkey.Key]*entry)
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			e.closeAndDrain()
		}(e)
	}
	wg.Wait()
}

func (e *entry) touch() {
	e.lastUsedAt = utils.NowUTC()
}

// acquire reserves a dispatch slot, refusing if the entry has already
// begun closing (lost the eviction race after Predict's lock-released
// section observed it).
func (e *entry) acquire() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.refCount++
	return true
}

func (e *entry) release() {
	e.mu.Lock()
	e.refCount--
	e.mu.Unlock()
}

// closeAndDrain marks the entry closed to new dispatches, waits for any
// in-flight Predict calls to finish, then closes the scheduler. This is
// the drain-before-drop discipline §4.2 requires of eviction.
func (e *entry) closeAndDrain() {
	e.mu.Lock()
	e.closed = true
	for e.refCount > 0 {
		e.mu.Unlock()
		time.Sleep(time.Millisecond)
		e.mu.Lock()
	}
	e.mu.Unlock()

	e.sched.Close()
}
