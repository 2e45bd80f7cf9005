// Package config loads and validates the inference server's YAML configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the inference server.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Monitoring   MonitoringConfig   `yaml:"monitoring"`
	RegistryDB   RegistryDBConfig   `yaml:"registry_db"`
	BlobStore    BlobStoreConfig    `yaml:"blob_store"`
	Cache        CacheConfig        `yaml:"cache"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	PredictionLog PredictionLogConfig `yaml:"prediction_log"`
}

// ServerConfig controls the HTTP listener and process-wide behavior.
type ServerConfig struct {
	Port           int           `yaml:"port"`
	LoggingLevel   string        `yaml:"logging_level"`
	LoggingJSON    bool          `yaml:"logging_json,omitempty"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	// WorkerPoolSize is the number of goroutines in the shared predictor
	// dispatch pool that schedulers hand batches off to.
	WorkerPoolSize int `yaml:"worker_pool_size"`
}

func (s *ServerConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		Port           string `yaml:"port"`
		LoggingLevel   string `yaml:"logging_level"`
		LoggingJSON    string `yaml:"logging_json,omitempty"`
		RequestTimeout string `yaml:"request_timeout"`
		ReadTimeout    string `yaml:"read_timeout"`
		WriteTimeout   string `yaml:"write_timeout"`
		IdleTimeout    string `yaml:"idle_timeout"`
		WorkerPoolSize string `yaml:"worker_pool_size"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	var err error
	if s.Port, err = resolveEnvInt(temp.Port, 8080); err != nil {
		return fmt.Errorf("invalid server.port: %w", err)
	}

	s.LoggingLevel = resolveEnvString(temp.LoggingLevel)

	if s.LoggingJSON, err = resolveEnvBool(temp.LoggingJSON, false); err != nil {
		return fmt.Errorf("invalid server.logging_json: %w", err)
	}

	if s.RequestTimeout, err = resolveEnvDuration(temp.RequestTimeout, 30*time.Second); err != nil {
		return fmt.Errorf("invalid server.request_timeout: %w", err)
	}
	if s.ReadTimeout, err = resolveEnvDuration(temp.ReadTimeout, 60*time.Second); err != nil {
		return fmt.Errorf("invalid server.read_timeout: %w", err)
	}
	if s.WriteTimeout, err = resolveEnvDuration(temp.WriteTimeout, 2*time.Minute); err != nil {
		return fmt.Errorf("invalid server.write_timeout: %w", err)
	}
	if s.IdleTimeout, err = resolveEnvDuration(temp.IdleTimeout, 5*time.Minute); err != nil {
		return fmt.Errorf("invalid server.idle_timeout: %w", err)
	}
	if s.WorkerPoolSize, err = resolveEnvInt(temp.WorkerPoolSize, 8); err != nil {
		return fmt.Errorf("invalid server.worker_pool_size: %w", err)
	}

	return nil
}

// MonitoringConfig controls Prometheus metrics and the health endpoints.
type MonitoringConfig struct {
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	HealthCheckPath   string `yaml:"health_check_path"`
}

func (m *MonitoringConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		PrometheusEnabled string `yaml:"prometheus_enabled"`
		HealthCheckPath   string `yaml:"health_check_path"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	var err error
	if m.PrometheusEnabled, err = resolveEnvBool(temp.PrometheusEnabled, true); err != nil {
		return fmt.Errorf("invalid monitoring.prometheus_enabled: %w", err)
	}
	m.HealthCheckPath = resolveEnvString(temp.HealthCheckPath)
	if m.HealthCheckPath == "" {
		m.HealthCheckPath = "/health"
	}
	return nil
}

// RegistryDBConfig configures the PostgreSQL connection backing both the
// model registry lookups and the prediction log pipeline.
type RegistryDBConfig struct {
	DatabaseURL         string        `yaml:"database_url"`
	MaxConns            int32         `yaml:"max_conns"`
	MinConns            int32         `yaml:"min_conns"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
}

func (r *RegistryDBConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		DatabaseURL         string `yaml:"database_url"`
		MaxConns            string `yaml:"max_conns"`
		MinConns            string `yaml:"min_conns"`
		ConnectTimeout      string `yaml:"connect_timeout"`
		HealthCheckInterval string `yaml:"health_check_interval"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	r.DatabaseURL = resolveEnvString(temp.DatabaseURL)

	maxConns, err := resolveEnvInt(temp.MaxConns, 10)
	if err != nil {
		return fmt.Errorf("invalid registry_db.max_conns: %w", err)
	}
	r.MaxConns = int32(maxConns)

	minConns, err := resolveEnvInt(temp.MinConns, 2)
	if err != nil {
		return fmt.Errorf("invalid registry_db.min_conns: %w", err)
	}
	r.MinConns = int32(minConns)

	if r.ConnectTimeout, err = resolveEnvDuration(temp.ConnectTimeout, 5*time.Second); err != nil {
		return fmt.Errorf("invalid registry_db.connect_timeout: %w", err)
	}
	if r.HealthCheckInterval, err = resolveEnvDuration(temp.HealthCheckInterval, 10*time.Second); err != nil {
		return fmt.Errorf("invalid registry_db.health_check_interval: %w", err)
	}

	return nil
}

// BlobStoreConfig configures the S3/MinIO-compatible artifact store.
type BlobStoreConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Secure    bool   `yaml:"secure"`
}

func (b *BlobStoreConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Bucket    string `yaml:"bucket"`
		Secure    string `yaml:"secure"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	b.Endpoint = resolveEnvString(temp.Endpoint)
	b.AccessKey = resolveEnvString(temp.AccessKey)
	b.SecretKey = resolveEnvString(temp.SecretKey)
	b.Bucket = resolveEnvString(temp.Bucket)

	secure, err := resolveEnvBool(temp.Secure, true)
	if err != nil {
		return fmt.Errorf("invalid blob_store.secure: %w", err)
	}
	b.Secure = secure

	return nil
}

// CacheConfig bounds the resident model LRU cache.
type CacheConfig struct {
	// Capacity is the maximum number of distinct models resident at once.
	Capacity int `yaml:"capacity"`
}

func (c *CacheConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		Capacity string `yaml:"capacity"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	capacity, err := resolveEnvInt(temp.Capacity, 5)
	if err != nil {
		return fmt.Errorf("invalid cache.capacity: %w", err)
	}
	c.Capacity = capacity
	return nil
}

// SchedulerConfig is the default micro-batching policy applied to every
// per-model scheduler spawned by the cache.
type SchedulerConfig struct {
	MaxBatchSize int           `yaml:"max_batch_size"`
	MaxWait      time.Duration `yaml:"max_wait"`
}

func (s *SchedulerConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		MaxBatchSize string `yaml:"max_batch_size"`
		MaxWait      string `yaml:"max_wait"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	var err error
	if s.MaxBatchSize, err = resolveEnvInt(temp.MaxBatchSize, 32); err != nil {
		return fmt.Errorf("invalid scheduler.max_batch_size: %w", err)
	}
	if s.MaxWait, err = resolveEnvDuration(temp.MaxWait, 50*time.Millisecond); err != nil {
		return fmt.Errorf("invalid scheduler.max_wait: %w", err)
	}
	return nil
}

// PredictionLogConfig bounds the async prediction-log pipeline.
type PredictionLogConfig struct {
	QueueSize     int           `yaml:"queue_size"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

func (p *PredictionLogConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		QueueSize     string `yaml:"queue_size"`
		BatchSize     string `yaml:"batch_size"`
		FlushInterval string `yaml:"flush_interval"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	var err error
	if p.QueueSize, err = resolveEnvInt(temp.QueueSize, 10000); err != nil {
		return fmt.Errorf("invalid prediction_log.queue_size: %w", err)
	}
	if p.BatchSize, err = resolveEnvInt(temp.BatchSize, 100); err != nil {
		return fmt.Errorf("invalid prediction_log.batch_size: %w", err)
	}
	if p.FlushInterval, err = resolveEnvDuration(temp.FlushInterval, 5*time.Second); err != nil {
		return fmt.Errorf("invalid prediction_log.flush_interval: %w", err)
	}
	return nil
}

// Load reads and validates configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration validity and fills in any remaining zero-value defaults.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	switch strings.ToLower(c.Server.LoggingLevel) {
	case "", "info", "debug", "error", "warn":
	default:
		return fmt.Errorf("invalid logging_level: %s", c.Server.LoggingLevel)
	}
	if c.Server.LoggingLevel == "" {
		c.Server.LoggingLevel = "info"
	}

	if c.RegistryDB.DatabaseURL == "" {
		return fmt.Errorf("registry_db.database_url is required")
	}
	if c.RegistryDB.MinConns > c.RegistryDB.MaxConns {
		c.RegistryDB.MinConns = c.RegistryDB.MaxConns
	}

	if c.BlobStore.Endpoint == "" {
		return fmt.Errorf("blob_store.endpoint is required")
	}
	if c.BlobStore.Bucket == "" {
		return fmt.Errorf("blob_store.bucket is required")
	}

	if c.Cache.Capacity <= 0 {
		return fmt.Errorf("invalid cache.capacity: %d", c.Cache.Capacity)
	}

	if c.Scheduler.MaxBatchSize <= 0 {
		return fmt.Errorf("invalid scheduler.max_batch_size: %d", c.Scheduler.MaxBatchSize)
	}
	if c.Scheduler.MaxWait <= 0 {
		return fmt.Errorf("invalid scheduler.max_wait: %v", c.Scheduler.MaxWait)
	}

	if c.PredictionLog.QueueSize <= 0 {
		return fmt.Errorf("invalid prediction_log.queue_size: %d", c.PredictionLog.QueueSize)
	}
	if c.PredictionLog.BatchSize <= 0 {
		return fmt.Errorf("invalid prediction_log.batch_size: %d", c.PredictionLog.BatchSize)
	}

	if c.Server.WorkerPoolSize <= 0 {
		c.Server.WorkerPoolSize = 8
	}

	return nil
}

// resolveEnvString resolves environment variable references in the
// "os.environ/VAR_NAME" form used throughout the YAML file.
func resolveEnvString(value string) string {
	const prefix = "os.environ/"
	if strings.HasPrefix(value, prefix) {
		envVar := strings.TrimPrefix(value, prefix)
		return os.Getenv(envVar)
	}
	return value
}

type parseFunc[T any] func(string) (T, error)

func resolveEnvValue[T any](value string, defaultValue T, parser parseFunc[T], typeName string) (T, error) {
	if value == "" {
		return defaultValue, nil
	}
	resolved := resolveEnvString(value)
	if resolved == "" {
		return defaultValue, nil
	}
	parsed, err := parser(resolved)
	if err != nil {
		return defaultValue, fmt.Errorf("failed to parse %s from %q: %w", typeName, resolved, err)
	}
	return parsed, nil
}

func resolveEnvInt(value string, defaultValue int) (int, error) {
	return resolveEnvValue(value, defaultValue, strconv.Atoi, "int")
}

func resolveEnvBool(value string, defaultValue bool) (bool, error) {
	return resolveEnvValue(value, defaultValue, strconv.ParseBool, "bool")
}

func resolveEnvDuration(value string, defaultValue time.Duration) (time.Duration, error) {
	return resolveEnvValue(value, defaultValue, time.ParseDuration, "duration")
}
