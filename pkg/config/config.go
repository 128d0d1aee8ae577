package config

import (
	"time"

	"github.com/jobvault/jobvault/pkg/observability/logger"
	"github.com/jobvault/jobvault/pkg/observability/tracing"
	"github.com/jobvault/jobvault/pkg/queue"
)

// Store backend names accepted by queue.store.
const (
	QueueStoreMemory   = "memory"
	QueueStoreRedis    = "redis"
	QueueStorePostgres = "postgres"
)

// Config holds the full service configuration.
type Config struct {
	Service       ServiceConfig       `mapstructure:"service"`
	HTTP          HTTPConfig          `mapstructure:"http"`
	Log           logger.Config       `mapstructure:"log"`
	Tracing       tracing.Config      `mapstructure:"tracing"`
	Queue         QueueConfig         `mapstructure:"queue"`
	Worker        WorkerConfig        `mapstructure:"worker"`
	ObjectStorage ObjectStorageConfig `mapstructure:"object_storage"`
}

// ServiceConfig identifies the running service.
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	MaxRequestSize int64         `mapstructure:"max_request_size"`
	RateLimit      HTTPRateLimit `mapstructure:"rate_limit"`
}

// HTTPRateLimit configures the per-client token bucket applied by the API
// middleware. This is transport throttling, separate from the queue's own
// admission limits.
type HTTPRateLimit struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// QueueConfig selects and configures the job store.
type QueueConfig struct {
	Store             string                    `mapstructure:"store"`
	VisibilityTimeout time.Duration             `mapstructure:"visibility_timeout"`
	RateLimit         queue.RateLimitConfig     `mapstructure:"rate_limit"`
	Redis             queue.RedisStoreConfig    `mapstructure:"redis"`
	Postgres          queue.PostgresStoreConfig `mapstructure:"postgres"`
}

// WorkerConfig configures the embedded worker runtime.
type WorkerConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	ID                string        `mapstructure:"id"`
	Concurrency       int           `mapstructure:"concurrency"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	AttemptTimeout    time.Duration `mapstructure:"attempt_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	StopTimeout       time.Duration `mapstructure:"stop_timeout"`
}

// ObjectStorageConfig configures the S3-compatible payload store used for
// large job inputs and results.
type ObjectStorageConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Endpoint        string        `mapstructure:"endpoint"`
	Region          string        `mapstructure:"region"`
	Bucket          string        `mapstructure:"bucket"`
	AccessKeyID     string        `mapstructure:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key"`
	UsePathStyle    bool          `mapstructure:"use_path_style"`
	SignedURLTTL    time.Duration `mapstructure:"signed_url_ttl"`
}

// DefaultConfig returns the configuration used when no file or environment
// overrides are present.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "jobvault",
			Environment: "development",
		},
		HTTP: HTTPConfig{
			Port:           8080,
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   15 * time.Second,
			IdleTimeout:    60 * time.Second,
			MaxRequestSize: 1 << 20,
			RateLimit: HTTPRateLimit{
				Enabled:           true,
				RequestsPerSecond: 50,
				Burst:             100,
			},
		},
		Log:     logger.DefaultConfig(),
		Tracing: tracing.DefaultConfig(),
		Queue: QueueConfig{
			Store:             QueueStoreMemory,
			VisibilityTimeout: queue.DefaultVisibilityTimeout,
			RateLimit: queue.RateLimitConfig{
				PerRequest: 10,
				PerMinute:  100,
			},
			Redis: queue.RedisStoreConfig{
				Prefix:           "jobvault",
				OperationTimeout: 5 * time.Second,
			},
			Postgres: queue.PostgresStoreConfig{
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: 30 * time.Minute,
				QueryTimeout:    5 * time.Second,
			},
		},
		Worker: WorkerConfig{
			Enabled:        true,
			Concurrency:    4,
			PollInterval:   time.Second,
			AttemptTimeout: 5 * time.Minute,
			StopTimeout:    30 * time.Second,
		},
		ObjectStorage: ObjectStorageConfig{
			Region:       "us-east-1",
			SignedURLTTL: 15 * time.Minute,
		},
	}
}
