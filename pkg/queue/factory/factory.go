// Package factory builds queue providers from configuration.
package factory

import (
	"fmt"
	"strings"

	"github.com/jobvault/jobvault/pkg/config"
	"github.com/jobvault/jobvault/pkg/observability/logger"
	"github.com/jobvault/jobvault/pkg/queue"
)

// NewStore creates the backing store selected by queue.store.
// Default backend is the in-memory store.
func NewStore(cfg config.QueueConfig, log logger.Logger) (queue.Store, error) {
	store := strings.ToLower(strings.TrimSpace(cfg.Store))
	if store == "" {
		store = config.QueueStoreMemory
	}

	switch store {
	case config.QueueStoreMemory:
		return queue.NewMemoryStore(), nil
	case config.QueueStoreRedis:
		redisStore, err := queue.NewRedisStore(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("create redis store: %w", err)
		}
		log.Info("redis job store connected", "prefix", cfg.Redis.Prefix)
		return redisStore, nil
	case config.QueueStorePostgres:
		pgStore, err := queue.NewPostgresStore(cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("create postgres store: %w", err)
		}
		log.Info("postgres job store connected",
			"max_open_conns", cfg.Postgres.MaxOpenConns)
		return pgStore, nil
	default:
		return nil, fmt.Errorf("unsupported queue.store %q (supported: %s, %s, %s)",
			cfg.Store, config.QueueStoreMemory, config.QueueStoreRedis, config.QueueStorePostgres)
	}
}

// NewProvider creates a queue provider with the configured store.
func NewProvider(cfg config.QueueConfig, log logger.Logger, opts ...queue.ProviderOption) (*queue.Provider, error) {
	store, err := NewStore(cfg, log)
	if err != nil {
		return nil, err
	}
	return queue.NewProvider(store, log, queue.ProviderConfig{
		VisibilityTimeout: cfg.VisibilityTimeout,
		RateLimit:         cfg.RateLimit,
		StoreName:         strings.ToLower(strings.TrimSpace(cfg.Store)),
	}, opts...)
}
