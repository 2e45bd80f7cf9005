package config

import "log/slog"

// PrintConfig logs the effective configuration at startup, redacting secrets.
func PrintConfig(logger *slog.Logger, cfg *Config) {
	logger.Info("=== Configuration Loaded ===")

	logger.Info("server",
		"port", cfg.Server.Port,
		"logging_level", cfg.Server.LoggingLevel,
		"request_timeout", cfg.Server.RequestTimeout.String(),
		"worker_pool_size", cfg.Server.WorkerPoolSize,
	)

	logger.Info("monitoring",
		"prometheus_enabled", cfg.Monitoring.PrometheusEnabled,
		"health_check_path", cfg.Monitoring.HealthCheckPath,
	)

	logger.Info("registry_db",
		"max_conns", cfg.RegistryDB.MaxConns,
		"min_conns", cfg.RegistryDB.MinConns,
		"health_check_interval", cfg.RegistryDB.HealthCheckInterval.String(),
	)

	logger.Info("blob_store",
		"endpoint", cfg.BlobStore.Endpoint,
		"bucket", cfg.BlobStore.Bucket,
		"secure", cfg.BlobStore.Secure,
		"access_key", "***REDACTED***",
	)

	logger.Info("cache",
		"capacity", cfg.Cache.Capacity,
	)

	logger.Info("scheduler",
		"max_batch_size", cfg.Scheduler.MaxBatchSize,
		"max_wait", cfg.Scheduler.MaxWait.String(),
	)

	logger.Info("prediction_log",
		"queue_size", cfg.PredictionLog.QueueSize,
		"batch_size", cfg.PredictionLog.BatchSize,
		"flush_interval", cfg.PredictionLog.FlushInterval.String(),
	)

	logger.Info("=== Configuration Ready ===")
}
