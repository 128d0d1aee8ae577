package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/jobvault/jobvault/pkg/queue"
)

// Loader defines the interface for loading configuration.
type Loader interface {
	Load() (*Config, error)
	Validate(*Config) error
}

// ViperLoader implements Loader using Viper for configuration management.
// Precedence: environment variables > config file > defaults.
type ViperLoader struct {
	configFile string
	envPrefix  string
}

// NewViperLoader creates a new ViperLoader.
// configFile: path to configuration file (optional, can be empty)
// envPrefix: prefix for environment variables (e.g., "JOBVAULT")
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	return &ViperLoader{
		configFile: configFile,
		envPrefix:  envPrefix,
	}
}

// Load loads configuration with precedence: ENV > file > defaults.
func (l *ViperLoader) Load() (*Config, error) {
	v := viper.New()

	l.setDefaults(v, DefaultConfig())

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}

	v.SetEnvPrefix(l.envPrefix)
	l.bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := l.Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// bindEnvVars explicitly binds environment variables for nested structs.
func (l *ViperLoader) bindEnvVars(v *viper.Viper) {
	// Service
	v.BindEnv("service.name", l.prefixedEnv("SERVICE_NAME"))
	v.BindEnv("service.environment", l.prefixedEnv("SERVICE_ENVIRONMENT"), l.prefixedEnv("ENVIRONMENT"))

	// HTTP
	v.BindEnv("http.port", l.prefixedEnv("HTTP_PORT"))
	v.BindEnv("http.read_timeout", l.prefixedEnv("HTTP_READ_TIMEOUT"))
	v.BindEnv("http.write_timeout", l.prefixedEnv("HTTP_WRITE_TIMEOUT"))
	v.BindEnv("http.idle_timeout", l.prefixedEnv("HTTP_IDLE_TIMEOUT"))
	v.BindEnv("http.max_request_size", l.prefixedEnv("HTTP_MAX_REQUEST_SIZE"))
	v.BindEnv("http.rate_limit.enabled", l.prefixedEnv("HTTP_RATE_LIMIT_ENABLED"))
	v.BindEnv("http.rate_limit.requests_per_second", l.prefixedEnv("HTTP_RATE_LIMIT_RPS"))
	v.BindEnv("http.rate_limit.burst", l.prefixedEnv("HTTP_RATE_LIMIT_BURST"))

	// Logging
	v.BindEnv("log.level", l.prefixedEnv("LOG_LEVEL"))
	v.BindEnv("log.format", l.prefixedEnv("LOG_FORMAT"))

	// Tracing
	v.BindEnv("tracing.enabled", l.prefixedEnv("TRACING_ENABLED"))
	v.BindEnv("tracing.service_name", l.prefixedEnv("TRACING_SERVICE_NAME"))
	v.BindEnv("tracing.service_version", l.prefixedEnv("TRACING_SERVICE_VERSION"))
	v.BindEnv("tracing.environment", l.prefixedEnv("TRACING_ENVIRONMENT"))
	v.BindEnv("tracing.endpoint", l.prefixedEnv("TRACING_ENDPOINT"))
	v.BindEnv("tracing.sample_rate", l.prefixedEnv("TRACING_SAMPLE_RATE"))

	// Queue
	v.BindEnv("queue.store", l.prefixedEnv("QUEUE_STORE"))
	v.BindEnv("queue.visibility_timeout", l.prefixedEnv("QUEUE_VISIBILITY_TIMEOUT"))
	v.BindEnv("queue.rate_limit.per_request", l.prefixedEnv("QUEUE_RATE_LIMIT_PER_REQUEST"))
	v.BindEnv("queue.rate_limit.per_minute", l.prefixedEnv("QUEUE_RATE_LIMIT_PER_MINUTE"))
	v.BindEnv("queue.redis.url", l.prefixedEnv("QUEUE_REDIS_URL"))
	v.BindEnv("queue.redis.prefix", l.prefixedEnv("QUEUE_REDIS_PREFIX"))
	v.BindEnv("queue.redis.operation_timeout", l.prefixedEnv("QUEUE_REDIS_OPERATION_TIMEOUT"))
	v.BindEnv("queue.postgres.url", l.prefixedEnv("QUEUE_POSTGRES_URL"))
	v.BindEnv("queue.postgres.max_open_conns", l.prefixedEnv("QUEUE_POSTGRES_MAX_OPEN_CONNS"))
	v.BindEnv("queue.postgres.max_idle_conns", l.prefixedEnv("QUEUE_POSTGRES_MAX_IDLE_CONNS"))
	v.BindEnv("queue.postgres.conn_max_lifetime", l.prefixedEnv("QUEUE_POSTGRES_CONN_MAX_LIFETIME"))
	v.BindEnv("queue.postgres.query_timeout", l.prefixedEnv("QUEUE_POSTGRES_QUERY_TIMEOUT"))

	// Worker
	v.BindEnv("worker.enabled", l.prefixedEnv("WORKER_ENABLED"))
	v.BindEnv("worker.id", l.prefixedEnv("WORKER_ID"))
	v.BindEnv("worker.concurrency", l.prefixedEnv("WORKER_CONCURRENCY"))
	v.BindEnv("worker.poll_interval", l.prefixedEnv("WORKER_POLL_INTERVAL"))
	v.BindEnv("worker.attempt_timeout", l.prefixedEnv("WORKER_ATTEMPT_TIMEOUT"))
	v.BindEnv("worker.heartbeat_interval", l.prefixedEnv("WORKER_HEARTBEAT_INTERVAL"))
	v.BindEnv("worker.stop_timeout", l.prefixedEnv("WORKER_STOP_TIMEOUT"))

	// Object storage
	v.BindEnv("object_storage.enabled", l.prefixedEnv("OBJECT_STORAGE_ENABLED"))
	v.BindEnv("object_storage.endpoint", l.prefixedEnv("OBJECT_STORAGE_ENDPOINT"))
	v.BindEnv("object_storage.region", l.prefixedEnv("OBJECT_STORAGE_REGION"))
	v.BindEnv("object_storage.bucket", l.prefixedEnv("OBJECT_STORAGE_BUCKET"))
	v.BindEnv("object_storage.access_key_id", l.prefixedEnv("OBJECT_STORAGE_ACCESS_KEY_ID"))
	v.BindEnv("object_storage.secret_access_key", l.prefixedEnv("OBJECT_STORAGE_SECRET_ACCESS_KEY"))
	v.BindEnv("object_storage.use_path_style", l.prefixedEnv("OBJECT_STORAGE_USE_PATH_STYLE"))
	v.BindEnv("object_storage.signed_url_ttl", l.prefixedEnv("OBJECT_STORAGE_SIGNED_URL_TTL"))
}

func (l *ViperLoader) prefixedEnv(suffix string) string {
	prefix := strings.TrimSpace(l.envPrefix)
	if prefix == "" {
		prefix = "JOBVAULT"
	}
	return fmt.Sprintf("%s_%s", strings.ToUpper(prefix), suffix)
}

// setDefaults sets default values in Viper from the default config.
func (l *ViperLoader) setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("service.name", cfg.Service.Name)
	v.SetDefault("service.environment", cfg.Service.Environment)

	v.SetDefault("http.port", cfg.HTTP.Port)
	v.SetDefault("http.read_timeout", cfg.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", cfg.HTTP.WriteTimeout)
	v.SetDefault("http.idle_timeout", cfg.HTTP.IdleTimeout)
	v.SetDefault("http.max_request_size", cfg.HTTP.MaxRequestSize)
	v.SetDefault("http.rate_limit.enabled", cfg.HTTP.RateLimit.Enabled)
	v.SetDefault("http.rate_limit.requests_per_second", cfg.HTTP.RateLimit.RequestsPerSecond)
	v.SetDefault("http.rate_limit.burst", cfg.HTTP.RateLimit.Burst)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)

	v.SetDefault("tracing.enabled", cfg.Tracing.Enabled)
	v.SetDefault("tracing.service_name", cfg.Tracing.ServiceName)
	v.SetDefault("tracing.service_version", cfg.Tracing.ServiceVersion)
	v.SetDefault("tracing.environment", cfg.Tracing.Environment)
	v.SetDefault("tracing.endpoint", cfg.Tracing.Endpoint)
	v.SetDefault("tracing.sample_rate", cfg.Tracing.SampleRate)

	v.SetDefault("queue.store", cfg.Queue.Store)
	v.SetDefault("queue.visibility_timeout", cfg.Queue.VisibilityTimeout)
	v.SetDefault("queue.rate_limit.per_request", cfg.Queue.RateLimit.PerRequest)
	v.SetDefault("queue.rate_limit.per_minute", cfg.Queue.RateLimit.PerMinute)
	v.SetDefault("queue.redis.url", cfg.Queue.Redis.URL)
	v.SetDefault("queue.redis.prefix", cfg.Queue.Redis.Prefix)
	v.SetDefault("queue.redis.operation_timeout", cfg.Queue.Redis.OperationTimeout)
	v.SetDefault("queue.postgres.url", cfg.Queue.Postgres.URL)
	v.SetDefault("queue.postgres.max_open_conns", cfg.Queue.Postgres.MaxOpenConns)
	v.SetDefault("queue.postgres.max_idle_conns", cfg.Queue.Postgres.MaxIdleConns)
	v.SetDefault("queue.postgres.conn_max_lifetime", cfg.Queue.Postgres.ConnMaxLifetime)
	v.SetDefault("queue.postgres.query_timeout", cfg.Queue.Postgres.QueryTimeout)

	v.SetDefault("worker.enabled", cfg.Worker.Enabled)
	v.SetDefault("worker.id", cfg.Worker.ID)
	v.SetDefault("worker.concurrency", cfg.Worker.Concurrency)
	v.SetDefault("worker.poll_interval", cfg.Worker.PollInterval)
	v.SetDefault("worker.attempt_timeout", cfg.Worker.AttemptTimeout)
	v.SetDefault("worker.heartbeat_interval", cfg.Worker.HeartbeatInterval)
	v.SetDefault("worker.stop_timeout", cfg.Worker.StopTimeout)

	v.SetDefault("object_storage.enabled", cfg.ObjectStorage.Enabled)
	v.SetDefault("object_storage.endpoint", cfg.ObjectStorage.Endpoint)
	v.SetDefault("object_storage.region", cfg.ObjectStorage.Region)
	v.SetDefault("object_storage.bucket", cfg.ObjectStorage.Bucket)
	v.SetDefault("object_storage.access_key_id", cfg.ObjectStorage.AccessKeyID)
	v.SetDefault("object_storage.secret_access_key", cfg.ObjectStorage.SecretAccessKey)
	v.SetDefault("object_storage.use_path_style", cfg.ObjectStorage.UsePathStyle)
	v.SetDefault("object_storage.signed_url_ttl", cfg.ObjectStorage.SignedURLTTL)
}

// Validate checks the configuration for inconsistencies.
func (l *ViperLoader) Validate(cfg *Config) error {
	var errs []error

	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid http.port: %d", cfg.HTTP.Port))
	}

	store := strings.ToLower(strings.TrimSpace(cfg.Queue.Store))
	switch store {
	case QueueStoreMemory:
	case QueueStoreRedis:
		if strings.TrimSpace(cfg.Queue.Redis.URL) == "" {
			errs = append(errs, errors.New("queue.redis.url is required when queue.store is redis"))
		}
	case QueueStorePostgres:
		if strings.TrimSpace(cfg.Queue.Postgres.URL) == "" {
			errs = append(errs, errors.New("queue.postgres.url is required when queue.store is postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid queue.store: %s (must be one of: %s, %s, %s)",
			cfg.Queue.Store, QueueStoreMemory, QueueStoreRedis, QueueStorePostgres))
	}

	if cfg.Queue.VisibilityTimeout <= 0 {
		cfg.Queue.VisibilityTimeout = queue.DefaultVisibilityTimeout
	}
	if cfg.Queue.RateLimit.PerRequest < 0 {
		errs = append(errs, errors.New("queue.rate_limit.per_request must not be negative"))
	}
	if cfg.Queue.RateLimit.PerMinute < 0 {
		errs = append(errs, errors.New("queue.rate_limit.per_minute must not be negative"))
	}

	if cfg.Worker.Enabled && cfg.Worker.Concurrency <= 0 {
		errs = append(errs, errors.New("worker.concurrency must be positive when the worker is enabled"))
	}

	if cfg.ObjectStorage.Enabled {
		if strings.TrimSpace(cfg.ObjectStorage.Bucket) == "" {
			errs = append(errs, errors.New("object_storage.bucket is required when object storage is enabled"))
		}
		if cfg.ObjectStorage.SignedURLTTL <= 0 {
			errs = append(errs, errors.New("object_storage.signed_url_ttl must be positive"))
		}
	}

	if cfg.HTTP.RateLimit.Enabled {
		if cfg.HTTP.RateLimit.RequestsPerSecond <= 0 {
			errs = append(errs, errors.New("http.rate_limit.requests_per_second must be positive"))
		}
		if cfg.HTTP.RateLimit.Burst <= 0 {
			errs = append(errs, errors.New("http.rate_limit.burst must be positive"))
		}
	}

	return errors.Join(errs...)
}
