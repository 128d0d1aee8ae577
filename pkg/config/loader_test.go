package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jobvault/jobvault/pkg/queue"
)

func TestLoadDefaults(t *testing.T) {
	loader := NewViperLoader("", "JOBVAULT")
	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Service.Name != "jobvault" {
		t.Errorf("unexpected service name %q", cfg.Service.Name)
	}
	if cfg.HTTP.Port != 8080 {
		t.Errorf("unexpected http port %d", cfg.HTTP.Port)
	}
	if cfg.Queue.Store != QueueStoreMemory {
		t.Errorf("unexpected queue store %q", cfg.Queue.Store)
	}
	if cfg.Queue.VisibilityTimeout != queue.DefaultVisibilityTimeout {
		t.Errorf("unexpected visibility timeout %v", cfg.Queue.VisibilityTimeout)
	}
	if cfg.Queue.RateLimit.PerRequest != 10 || cfg.Queue.RateLimit.PerMinute != 100 {
		t.Errorf("unexpected queue rate limits %+v", cfg.Queue.RateLimit)
	}
	if cfg.Worker.Concurrency != 4 {
		t.Errorf("unexpected worker concurrency %d", cfg.Worker.Concurrency)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("JOBVAULT_HTTP_PORT", "9090")
	t.Setenv("JOBVAULT_QUEUE_STORE", "redis")
	t.Setenv("JOBVAULT_QUEUE_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("JOBVAULT_QUEUE_VISIBILITY_TIMEOUT", "45s")
	t.Setenv("JOBVAULT_WORKER_ENABLED", "true")
	t.Setenv("JOBVAULT_LOG_LEVEL", "debug")

	loader := NewViperLoader("", "JOBVAULT")
	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.HTTP.Port != 9090 {
		t.Errorf("env port override lost: %d", cfg.HTTP.Port)
	}
	if cfg.Queue.Store != QueueStoreRedis {
		t.Errorf("env store override lost: %q", cfg.Queue.Store)
	}
	if cfg.Queue.Redis.URL != "redis://localhost:6379/0" {
		t.Errorf("env redis url lost: %q", cfg.Queue.Redis.URL)
	}
	if cfg.Queue.VisibilityTimeout != 45*time.Second {
		t.Errorf("env visibility timeout lost: %v", cfg.Queue.VisibilityTimeout)
	}
	if !cfg.Worker.Enabled {
		t.Errorf("env worker enabled lost")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("env log level lost: %q", cfg.Log.Level)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
http:
  port: 7070
queue:
  store: memory
  rate_limit:
    per_request: 5
    per_minute: 50
worker:
  enabled: true
  concurrency: 8
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	loader := NewViperLoader(path, "JOBVAULT")
	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Port != 7070 {
		t.Errorf("file port lost: %d", cfg.HTTP.Port)
	}
	if cfg.Queue.RateLimit.PerRequest != 5 || cfg.Queue.RateLimit.PerMinute != 50 {
		t.Errorf("file rate limits lost: %+v", cfg.Queue.RateLimit)
	}
	if !cfg.Worker.Enabled || cfg.Worker.Concurrency != 8 {
		t.Errorf("file worker config lost: %+v", cfg.Worker)
	}
}

func TestLoadMissingConfigFile(t *testing.T) {
	loader := NewViperLoader("/nonexistent/config.yaml", "JOBVAULT")
	if _, err := loader.Load(); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	loader := NewViperLoader("", "JOBVAULT")

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"BadPort", func(c *Config) { c.HTTP.Port = 0 }, "http.port"},
		{"UnknownStore", func(c *Config) { c.Queue.Store = "etcd" }, "queue.store"},
		{"RedisWithoutURL", func(c *Config) { c.Queue.Store = QueueStoreRedis }, "queue.redis.url"},
		{"PostgresWithoutURL", func(c *Config) { c.Queue.Store = QueueStorePostgres }, "queue.postgres.url"},
		{"NegativePerRequest", func(c *Config) { c.Queue.RateLimit.PerRequest = -1 }, "per_request"},
		{"WorkerZeroConcurrency", func(c *Config) { c.Worker.Enabled = true; c.Worker.Concurrency = 0 }, "worker.concurrency"},
		{"StorageWithoutBucket", func(c *Config) { c.ObjectStorage.Enabled = true; c.ObjectStorage.Bucket = "" }, "object_storage.bucket"},
		{"HTTPRateLimitZeroRPS", func(c *Config) { c.HTTP.RateLimit.Enabled = true; c.HTTP.RateLimit.RequestsPerSecond = 0 }, "requests_per_second"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := loader.Validate(cfg)
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error should mention %q: %v", tc.want, err)
			}
		})
	}
}

func TestValidateNormalizesVisibilityTimeout(t *testing.T) {
	loader := NewViperLoader("", "JOBVAULT")
	cfg := DefaultConfig()
	cfg.Queue.VisibilityTimeout = 0
	if err := loader.Validate(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Queue.VisibilityTimeout != queue.DefaultVisibilityTimeout {
		t.Fatalf("expected default visibility timeout, got %v", cfg.Queue.VisibilityTimeout)
	}
}
