package config

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newDiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPrintConfigDoesNotPanic(t *testing.T) {
	cfg := &Config{
		Server:     ServerConfig{Port: 8080, LoggingLevel: "info"},
		Monitoring: MonitoringConfig{PrometheusEnabled: true, HealthCheckPath: "/health"},
		RegistryDB: RegistryDBConfig{MaxConns: 10, MinConns: 2},
		BlobStore:  BlobStoreConfig{Endpoint: "minio:9000", Bucket: "models", AccessKey: "secret"},
		Cache:      CacheConfig{Capacity: 8},
		Scheduler:  SchedulerConfig{MaxBatchSize: 16},
	}
	assert.NotPanics(t, func() {
		PrintConfig(newDiscardLogger(), cfg)
	})
}
