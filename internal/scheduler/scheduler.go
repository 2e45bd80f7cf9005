// Package scheduler implements the per-model micro-batching scheduler: it
// coalesces concurrent single-row prediction submissions into as few
// vectorized predictor calls as possible, subject to a bounded wait.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mixaill76/inference-server/internal/worker"
)

// Errors returned by Submit.
var (
	// ErrPredictorFailure is returned to every caller in a batch when the
	// underlying predictor call fails.
	ErrPredictorFailure = errors.New("scheduler: predictor invocation failed")
	// ErrCancelled is returned when the caller abandons submit before its
	// slot completes.
	ErrCancelled = errors.New("scheduler: submission cancelled")
	// ErrShutdown is returned for any submit after close() and for slots
	// still queued when shutdown begins.
	ErrShutdown = errors.New("scheduler: closed")
)

// Predictor is the synchronous, CPU-bound model invoked by the drainer.
// Implementations must be safe for concurrent read, though in practice the
// scheduler only ever calls Predict from its own single-flight drainer.
type Predictor interface {
	Predict(ctx context.Context, batch [][]float64) ([]int, error)
}

// Config is the scheduler's immutable batching policy.
type Config struct {
	MaxBatchSize int
	MaxWait      time.Duration
}

func (c Config) normalized() Config {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 1
	}
	if c.MaxWait < 0 {
		c.MaxWait = 0
	}
	return c
}

// slot is a single-use completion handle for one submission. It is
// completed exactly once, either by the drainer or by cancellation.
type slot struct {
	done   chan struct{}
	once   sync.Once
	label  int
	err    error
}

func newSlot() *slot {
	return &slot{done: make(chan struct{})}
}

func (s *slot) complete(label int, err error) {
	s.once.Do(func() {
		s.label = label
		s.err = err
		close(s.done)
	})
}

type pending struct {
	features []float64
	slot     *slot
}

// Scheduler coalesces submissions for one loaded model into batched
// predictor invocations.
type Scheduler struct {
	cfg       Config
	predictor Predictor
	dispatch  chan<- worker.Job
	logger    *slog.Logger

	mu           sync.Mutex
	queue        []*pending
	drainerAlive bool
	closed       bool
}

// New constructs a scheduler for one loaded model. dispatch is the
// process-wide worker pool's job queue; the drainer hands the actual
// predictor invocation to it so a slow model never blocks this scheduler's
// own goroutine.
func New(cfg Config, predictor Predictor, dispatch chan<- worker.Job, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:       cfg.normalized(),
		predictor: predictor,
		dispatch:  dispatch,
		logger:    logger,
	}
}

// Submit enqueues features for batched prediction and blocks until the
// drainer delivers a label, the batch fails, the scheduler is closed, or
// ctx is cancelled (in which case the slot is marked cancelled and
// ErrCancelled is returned).
func (s *Scheduler) Submit(ctx context.Context, features []float64) (int, error) {
	sl := newSlot()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrShutdown
	}
	s.queue = append(s.queue, &pending{features: features, slot: sl})
	startDrainer := !s.drainerAlive
	if startDrainer {
		s.drainerAlive = true
	}
	s.mu.Unlock()

	if startDrainer {
		go s.drain()
	}

	select {
	case <-sl.done:
		return sl.label, sl.err
	case <-ctx.Done():
		sl.complete(0, ErrCancelled)
		return 0, ErrCancelled
	}
}

// Close refuses new submits and fails every still-queued slot with
// ErrShutdown. It returns without waiting for a batch that is already
// running; that batch still delivers its results to its own callers, and
// the drainer loop observes s.closed and stops after its current pass.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	remaining := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, p := range remaining {
		p.slot.complete(0, ErrShutdown)
	}
}

// drain is the single drainer goroutine; at most one runs per scheduler at
// any instant (the single-flight invariant), guarded by drainerAlive.
func (s *Scheduler) drain() {
	for {
		if s.cfg.MaxWait > 0 {
			time.Sleep(s.cfg.MaxWait)
		}

		s.mu.Lock()
		if s.closed || len(s.queue) == 0 {
			s.drainerAlive = false
			s.mu.Unlock()
			return
		}
		n := s.cfg.MaxBatchSize
		if n > len(s.queue) {
			n = len(s.queue)
		}
		batch := s.queue[:n]
		s.queue = s.queue[n:]
		s.mu.Unlock()

		s.runBatch(batch)

		s.mu.Lock()
		if s.closed || len(s.queue) == 0 {
			s.drainerAlive = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
	}
}

// runBatch stacks the batch's feature vectors into one matrix, dispatches
// the predictor invocation to the shared worker pool, and delivers results
// to slots in submission order.
func (s *Scheduler) runBatch(batch []*pending) {
	matrix := make([][]float64, len(batch))
	for i, p := range batch {
		matrix[i] = p.features
	}

	resultCh := make(chan batchResult, 1)
	job := predictJob{
		ctx:       context.Background(),
		predictor: s.predictor,
		matrix:    matrix,
		result:    resultCh,
	}

	select {
	case s.dispatch <- job:
	default:
		// Worker pool saturated: run inline rather than block the drainer
		// indefinitely, preserving the single-flight guarantee.
		job.Execute(job.ctx)
	}

	res := <-resultCh

	for i, p := range batch {
		if res.err != nil {
			p.slot.complete(0, ErrPredictorFailure)
			continue
		}
		p.slot.complete(res.labels[i], nil)
	}

	if res.err != nil && s.logger != nil {
		s.logger.Error("scheduler: batch predict failed", "batch_size", len(batch), "error", res.err)
	}
}

type batchResult struct {
	labels []int
	err    error
}

// predictJob adapts a single batch invocation to the worker.Job interface.
type predictJob struct {
	ctx       context.Context
	predictor Predictor
	matrix    [][]float64
	result    chan<- batchResult
}

func (j predictJob) Execute(ctx context.Context) worker.Result {
	labels, err := j.predictor.Predict(j.ctx, j.matrix)
	j.result <- batchResult{labels: labels, err: err}
	return jobResult{err: err}
}

type jobResult struct{ err error }

func (r jobResult) Error() error { return r.err }
