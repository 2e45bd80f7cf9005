// Package predictionlog records successful predictions to the relational
// store off the request path: submissions are non-blocking and the
// background drainer batches them into bulk inserts.
package predictionlog

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mixaill76/inference-server/internal/modelkey"
	"github.com/mixaill76/inference-server/internal/pgpool"
)

// inserter is the subset of *pgxpool.Pool the pipeline needs for a bulk
// insert, narrowed so tests can substitute a fake store.
type inserter interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Record is one prediction event queued for durable logging.
type Record struct {
	CorrelationID string
	Key           modelkey.Key
	Features      []float64
	Prediction    int
	LatencyMs     int64
	ClientAddr    string
	CreatedAt     time.Time
}

// Config controls batching and queue capacity.
type Config struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
}

func (c Config) normalized() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 10000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	return c
}

// Pipeline is the process-wide async prediction log pipeline. Logging is
// observability, not primary storage: submit never blocks the request
// path and overflow drops the oldest unflushed record rather than
// back-pressuring callers.
type Pipeline struct {
	db     inserter
	cfg    Config
	logger *slog.Logger

	queue     chan Record
	stopChan  chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopped   atomic.Bool

	submitted uint64
	written   uint64
	dropped   uint64
	errors    uint64
}

// New constructs a pipeline against pool. Call Start to launch the
// background drainer.
func New(pool *pgpool.Pool, cfg Config, logger *slog.Logger) *Pipeline {
	return newPipeline(pool.Raw(), cfg, logger)
}

func newPipeline(db inserter, cfg Config, logger *slog.Logger) *Pipeline {
	cfg = cfg.normalized()
	return &Pipeline{
		db:       db,
		cfg:      cfg,
		logger:   logger,
		queue:    make(chan Record, cfg.QueueSize),
		stopChan: make(chan struct{}),
	}
}

// Start launches the background drainer. Idempotent.
func (p *Pipeline) Start() {
	p.startOnce.Do(func() {
		p.wg.Add(1)
		go p.run()
		p.logger.Info("prediction log pipeline started",
			"queue_size", p.cfg.QueueSize,
			"batch_size", p.cfg.BatchSize,
			"flush_interval", p.cfg.FlushInterval,
		)
	})
}

// Submit enqueues record without blocking. On a saturated queue the oldest
// unflushed record is dropped to make room and a counter is incremented;
// Submit itself never reports failure to the caller.
func (p *Pipeline) Submit(record Record) {
	atomic.AddUint64(&p.submitted, 1)

	select {
	case p.queue <- record:
		return
	default:
	}

	select {
	case <-p.queue:
		atomic.AddUint64(&p.dropped, 1)
	default:
	}
	select {
	case p.queue <- record:
	default:
		atomic.AddUint64(&p.dropped, 1)
	}
}

// Stop signals shutdown, performs a best-effort final flush of whatever is
// buffered, and returns once the drainer has exited.
func (p *Pipeline) Stop() {
	if !p.stopped.CompareAndSwap(false, true) {
		return
	}
	close(p.stopChan)
	p.wg.Wait()
}

// Stats is a point-in-time snapshot of pipeline counters, exported for
// the metrics updater.
type Stats struct {
	QueueLen  int
	QueueCap  int
	Submitted uint64
	Written   uint64
	Dropped   uint64
	Errors    uint64
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		QueueLen:  len(p.queue),
		QueueCap:  cap(p.queue),
		Submitted: atomic.LoadUint64(&p.submitted),
		Written:   atomic.LoadUint64(&p.written),
		Dropped:   atomic.LoadUint64(&p.dropped),
		Errors:    atomic.LoadUint64(&p.errors),
	}
}

func (p *Pipeline) run() {
	defer p.wg.Done()

	batch := make([]Record, 0, p.cfg.BatchSize)
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopChan:
			batch = p.drainQueue(batch)
			if len(batch) > 0 {
				p.flush(batch)
			}
			return

		case rec := <-p.queue:
			batch = append(batch, rec)
			if len(batch) >= p.cfg.BatchSize {
				p.flush(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				p.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (p *Pipeline) drainQueue(batch []Record) []Record {
	for {
		select {
		case rec := <-p.queue:
			batch = append(batch, rec)
		default:
			return batch
		}
	}
}

const insertQuery = `
	INSERT INTO prediction_logs (name, version, correlation_id, latency_ms, features_json, prediction, created_at)
	SELECT unnest($1::text[]), unnest($2::text[]), unnest($3::text[]), unnest($4::bigint[]), unnest($5::jsonb[]), unnest($6::int[]), unnest($7::timestamptz[])`

// flush performs a single bulk insert. A failure is logged at error level
// and the batch is discarded rather than retried: the pipeline trades
// durability for a bounded memory footprint, per design.
func (p *Pipeline) flush(batch []Record) {
	if len(batch) == 0 {
		return
	}

	names := make([]string, len(batch))
	versions := make([]string, len(batch))
	correlationIDs := make([]string, len(batch))
	latencies := make([]int64, len(batch))
	features := make([][]byte, len(batch))
	predictions := make([]int, len(batch))
	createdAt := make([]time.Time, len(batch))

	for i, r := range batch {
		names[i] = r.Key.Name
		versions[i] = r.Key.Version
		correlationIDs[i] = r.CorrelationID
		latencies[i] = r.LatencyMs
		predictions[i] = r.Prediction
		createdAt[i] = r.CreatedAt
		encoded, err := json.Marshal(r.Features)
		if err != nil {
			encoded = []byte("null")
		}
		features[i] = encoded
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := p.db.Exec(ctx, insertQuery, names, versions, correlationIDs, latencies, features, predictions, createdAt)
	if err != nil {
		atomic.AddUint64(&p.errors, uint64(len(batch)))
		p.logger.Error("prediction log batch insert failed", "batch_size", len(batch), "error", err)
		return
	}

	atomic.AddUint64(&p.written, uint64(len(batch)))
}
