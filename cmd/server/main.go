package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mixaill76/inference-server/internal/blobstore"
	"github.com/mixaill76/inference-server/internal/config"
	"github.com/mixaill76/inference-server/internal/health"
	"github.com/mixaill76/inference-server/internal/httpapi"
	"github.com/mixaill76/inference-server/internal/logger"
	"github.com/mixaill76/inference-server/internal/modelcache"
	"github.com/mixaill76/inference-server/internal/monitoring"
	"github.com/mixaill76/inference-server/internal/pgpool"
	"github.com/mixaill76/inference-server/internal/predictionlog"
	"github.com/mixaill76/inference-server/internal/predictor"
	"github.com/mixaill76/inference-server/internal/registry"
	"github.com/mixaill76/inference-server/internal/worker"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}

	l := logger.New(cfg.Server.LoggingLevel)
	if cfg.Server.LoggingJSON {
		l = logger.NewJSON(cfg.Server.LoggingLevel)
	}

	l.Info("starting inference server",
		"version", Version,
		"commit", Commit,
		"port", cfg.Server.Port,
		"worker_pool_size", cfg.Server.WorkerPoolSize,
		"cache_capacity", cfg.Cache.Capacity,
	)

	pool, err := pgpool.New(pgpool.Config{
		DatabaseURL:         cfg.RegistryDB.DatabaseURL,
		MaxConns:            cfg.RegistryDB.MaxConns,
		MinConns:            cfg.RegistryDB.MinConns,
		ConnectTimeout:      cfg.RegistryDB.ConnectTimeout,
		HealthCheckInterval: cfg.RegistryDB.HealthCheckInterval,
	}, l)
	if err != nil {
		l.Error("registry database unavailable at startup", "error", err)
		os.Exit(1)
	}

	blobs, err := blobstore.New(blobstore.Config{
		Endpoint:  cfg.BlobStore.Endpoint,
		AccessKey: cfg.BlobStore.AccessKey,
		SecretKey: cfg.BlobStore.SecretKey,
		Bucket:    cfg.BlobStore.Bucket,
		Secure:    cfg.BlobStore.Secure,
	}, l)
	if err != nil {
		l.Error("failed to construct blob store client", "error", err)
		os.Exit(1)
	}

	bootstrapCtx, bootstrapCancel := context.WithTimeout(context.Background(), cfg.RegistryDB.ConnectTimeout)
	if err := blobs.EnsureBucket(bootstrapCtx); err != nil {
		l.Warn("could not ensure artifact bucket exists", "error", err)
	}
	bootstrapCancel()

	reg := registry.New(pool)
	decoders := predictor.NewRegistry()

	workerCtx, workerCancel := context.WithCancel(context.Background())
	dispatch := make(chan worker.Job, cfg.Server.WorkerPoolSize*4)
	workerWG := worker.SpawnWorkerPool(workerCtx, cfg.Server.WorkerPoolSize, dispatch, l)

	cache := modelcache.New(modelcache.Config{
		Capacity:         cfg.Cache.Capacity,
		DefaultBatchSize: cfg.Scheduler.MaxBatchSize,
		DefaultBatchWait: cfg.Scheduler.MaxWait,
	}, reg, blobs, decoders, dispatch, l)

	logPipeline := predictionlog.New(pool, predictionlog.Config{
		QueueSize:     cfg.PredictionLog.QueueSize,
		BatchSize:     cfg.PredictionLog.BatchSize,
		FlushInterval: cfg.PredictionLog.FlushInterval,
	}, l)
	logPipeline.Start()

	healthChecker := health.NewDBHealthChecker()
	monitor := health.NewMonitor(&health.MonitorConfig{
		CheckInterval:    cfg.RegistryDB.HealthCheckInterval,
		FailureThreshold: 3,
		Logger:           l,
	}, healthChecker, pool)

	monitorCtx, monitorCancel := context.WithCancel(context.Background())
	go monitor.Start(monitorCtx)

	metrics := monitoring.New(cfg.Monitoring.PrometheusEnabled)

	metricsCtx, metricsCancel := context.WithCancel(context.Background())
	if cfg.Monitoring.PrometheusEnabled {
		go runMetricsUpdater(metricsCtx, metrics, cache, logPipeline, healthChecker)
		l.Info("metrics updater started", "interval", 10*time.Second)
	}

	handler := httpapi.New(httpapi.Config{
		Cache:              cache,
		LogPipeline:        logPipeline,
		HealthCheck:        healthChecker,
		Metrics:            metrics,
		Logger:             l,
		DefaultBatchSize:   cfg.Scheduler.MaxBatchSize,
		DefaultBatchWaitMs: int(cfg.Scheduler.MaxWait / time.Millisecond),
	})

	mux := http.NewServeMux()
	mux.Handle("/", handler)
	if cfg.Monitoring.PrometheusEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		l.Info("prometheus metrics enabled", "path", "/metrics")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		l.Info("server starting", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	l.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		l.Error("server forced to shutdown", "error", err)
	}

	// Shutdown order: stop accepting new prediction-log records and flush
	// what is buffered first, then tear down every resident scheduler
	// (which refuses new batches and drains in-flight ones), then release
	// the worker pool and finally the registry connection.
	logPipeline.Stop()
	cache.Close()
	monitorCancel()
	metricsCancel()
	workerCancel()
	close(dispatch)
	workerWG.Wait()
	pool.Close()

	l.Info("shutdown complete")
}

// runMetricsUpdater polls the cache, prediction log pipeline, and registry
// health checker on a fixed interval and reports the deltas to Prometheus.
// These sources are cheap counters/snapshots, not push-based events, so
// periodic polling is simpler than threading a *monitoring.Metrics into
// each of them.
func runMetricsUpdater(ctx context.Context, metrics *monitoring.Metrics, cache *modelcache.Cache, logPipeline *predictionlog.Pipeline, healthChecker *health.DBHealthChecker) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	var lastEvictions, lastDropped, lastWritten, lastErrors uint64

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetRegistryHealthy(healthChecker.IsHealthy())

			if evictions := cache.EvictionCount(); evictions > lastEvictions {
				for i := uint64(0); i < evictions-lastEvictions; i++ {
					metrics.RecordCacheEviction()
				}
				lastEvictions = evictions
			}

			stats := logPipeline.Stats()
			metrics.SetPredictionLogQueueLength(stats.QueueLen)
			metrics.RecordPredictionLogOutcome(
				stats.Dropped-lastDropped,
				stats.Written-lastWritten,
				stats.Errors-lastErrors,
			)
			lastDropped, lastWritten, lastErrors = stats.Dropped, stats.Written, stats.Errors
		}
	}
}
