// Package pgpool manages the PostgreSQL connection pool backing the model
// registry and prediction log store, with background health checking and
// exponential-backoff reconnection.
package pgpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mixaill76/inference-server/internal/security"
)

// ErrUnavailable is returned by Acquire when the pool is closed or the last
// health check observed the database as unreachable.
var ErrUnavailable = errors.New("pgpool: database unavailable")

const healthCheckQuery = "SELECT 1"

// Config describes how to connect to and supervise the registry database.
type Config struct {
	DatabaseURL         string
	MaxConns            int32
	MinConns            int32
	ConnectTimeout      time.Duration
	HealthCheckInterval time.Duration
}

// Pool wraps a pgxpool.Pool with a background health check loop and
// auto-reconnect, mirroring the lifecycle discipline the rest of the
// connection-owning code in this process follows.
type Pool struct {
	pool   *pgxpool.Pool
	config Config
	logger *slog.Logger

	healthy atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	reconnectMu    sync.Mutex
	lastReconnect  time.Time
	reconnectDelay time.Duration
}

// New connects to cfg.DatabaseURL and starts the background health check
// loop. The returned Pool owns a context derived from the background
// context; call Close to stop the health loop and release connections.
func New(cfg Config, logger *slog.Logger) (*Pool, error) {
	ctx, cancel := context.WithCancel(context.Background())

	p := &Pool{
		config:         cfg,
		logger:         logger,
		ctx:            ctx,
		cancel:         cancel,
		reconnectDelay: time.Second,
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("pgpool: invalid database url: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.HealthCheckPeriod = cfg.HealthCheckInterval
	poolConfig.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	poolConfig.ConnConfig.OnNotice = func(_ *pgconn.PgConn, n *pgconn.Notice) {
		logger.Debug("postgres notice", "severity", n.Severity, "message", n.Message)
	}

	connectCtx, connectCancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer connectCancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("pgpool: connect: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		cancel()
		return nil, fmt.Errorf("pgpool: ping: %w", err)
	}

	p.pool = pool
	p.healthy.Store(true)

	p.wg.Add(1)
	go p.healthCheckLoop()

	logger.Info("registry db pool initialized",
		"max_conns", cfg.MaxConns,
		"min_conns", cfg.MinConns,
		"database", security.MaskDatabaseURL(cfg.DatabaseURL),
	)

	return p, nil
}

// Acquire borrows a connection, failing fast if the pool is closed or the
// database is currently observed unhealthy rather than queuing behind a
// connection that is unlikely to succeed.
func (p *Pool) Acquire(ctx context.Context) (*pgxpool.Conn, error) {
	if p.closed.Load() || !p.healthy.Load() {
		return nil, ErrUnavailable
	}
	return p.pool.Acquire(ctx)
}

// Raw returns the underlying pgxpool.Pool for callers that need direct
// query access (e.g. pgx.CollectRows helpers).
func (p *Pool) Raw() *pgxpool.Pool { return p.pool }

// IsHealthy reports the most recent health check result.
func (p *Pool) IsHealthy() bool { return p.healthy.Load() }

// Stats returns pool statistics, or nil if the pool was never established.
func (p *Pool) Stats() *pgxpool.Stat {
	if p.pool == nil {
		return nil
	}
	return p.pool.Stat()
}

// Close stops the health check loop and releases all connections. Safe to
// call more than once.
func (p *Pool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		p.logger.Warn("pgpool: health check goroutine did not stop within timeout")
	}

	if p.pool != nil {
		p.pool.Close()
	}
	p.logger.Info("registry db pool closed")
}

func (p *Pool) healthCheckLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.performHealthCheck()
		}
	}
}

func (p *Pool) performHealthCheck() {
	ctx, cancel := context.WithTimeout(p.ctx, 5*time.Second)
	defer cancel()

	var result int
	err := p.pool.QueryRow(ctx, healthCheckQuery).Scan(&result)

	if err != nil {
		wasHealthy := p.healthy.Swap(false)
		if wasHealthy {
			p.logger.Error("registry db health check failed", "error", err)
		}
		p.tryReconnect()
		return
	}

	wasUnhealthy := !p.healthy.Swap(true)
	if wasUnhealthy {
		p.logger.Info("registry db connection restored")
		p.reconnectDelay = time.Second
	}
}

func (p *Pool) tryReconnect() {
	p.reconnectMu.Lock()
	defer p.reconnectMu.Unlock()

	if time.Since(p.lastReconnect) < p.reconnectDelay {
		return
	}

	p.logger.Info("attempting to reconnect to registry db", "delay", p.reconnectDelay)

	ctx, cancel := context.WithTimeout(p.ctx, p.config.ConnectTimeout)
	defer cancel()

	err := p.pool.Ping(ctx)
	p.lastReconnect = time.Now().UTC()

	if err != nil {
		p.reconnectDelay = minDuration(p.reconnectDelay*2, 30*time.Second)
		p.logger.Error("reconnection failed", "error", err, "next_delay", p.reconnectDelay)
		return
	}

	p.healthy.Store(true)
	p.reconnectDelay = time.Second
	p.logger.Info("reconnection successful")
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
