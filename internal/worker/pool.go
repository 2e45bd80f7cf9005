// Package worker runs the process-wide pool that every loaded model's
// scheduler shares for its actual predictor invocations, so that no single
// slow model can grow an unbounded number of OS threads and a saturated
// pool degrades to inline execution rather than deadlocking a drainer.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Job is one batched predictor invocation, handed off by a scheduler's
// drainer so the invocation runs off the drainer's own goroutine.
type Job interface {
	// Execute runs the batch synchronously. ctx is checked for cancellation
	// by well-behaved predictors but a batch already in flight is not
	// interrupted mid-call.
	Execute(ctx context.Context) Result
}

// Result is the outcome of one dispatched batch.
type Result interface {
	// Error returns the predictor failure for this batch, or nil.
	Error() error
}

// SpawnWorkerPool starts numWorkers goroutines pulling batches off jobQueue
// until ctx is cancelled and jobQueue is drained and closed. This is the
// shutdown contract cmd/server/main.go relies on: cancel ctx to stop
// accepting new scheduler batches, then close jobQueue once every
// scheduler has stopped submitting, then Wait for the pool to finish the
// batches already queued.
//
// A panicking predictor invocation is recovered and logged rather than
// taking down the whole pool, since a single bad model artifact must not
// disrupt prediction serving for every other resident model.
func SpawnWorkerPool(
	ctx context.Context,
	numWorkers int,
	jobQueue <-chan Job,
	logger *slog.Logger,
) *sync.WaitGroup {
	if numWorkers <= 0 {
		numWorkers = 1
	}

	wg := &sync.WaitGroup{}

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			runPredictWorker(ctx, workerID, numWorkers, jobQueue, logger)
		}(i)
	}

	logger.Debug("predictor worker pool spawned", "num_workers", numWorkers)

	return wg
}

func runPredictWorker(ctx context.Context, workerID, numWorkers int, jobQueue <-chan Job, logger *slog.Logger) {
	logger.Debug("predictor worker started", "worker_id", workerID, "total_workers", numWorkers)

	for {
		select {
		case <-ctx.Done():
			// Scheduler batches already queued before shutdown still need to
			// run so their callers get an answer instead of hanging; drain
			// jobQueue until main.go closes it.
			logger.Debug("predictor worker draining remaining batches", "worker_id", workerID)
			for job := range jobQueue {
				runBatchJob(ctx, job, workerID, logger)
			}
			logger.Debug("predictor worker exiting", "worker_id", workerID, "reason", "context_cancelled")
			return

		case job, ok := <-jobQueue:
			if !ok {
				logger.Debug("predictor worker exiting", "worker_id", workerID, "reason", "queue_closed")
				return
			}
			runBatchJob(ctx, job, workerID, logger)
		}
	}
}

func runBatchJob(ctx context.Context, job Job, workerID int, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("predictor batch invocation panicked", "worker_id", workerID, "panic", fmt.Sprintf("%v", r))
		}
	}()

	result := job.Execute(ctx)
	if result != nil && result.Error() != nil {
		logger.Error("predictor batch invocation failed", "worker_id", workerID, "error", result.Error())
	}
}
