// Package core provides the Redis-backed execution journal for hooksd.
// This file implements a thin wrapper over go-redis with key namespacing
// and connection management so hook execution records can outlive the
// supervisor process.
//
// Namespacing:
// All keys are automatically prefixed with the namespace:
// - Journal entries: "hooksd:journal:<hook key>"
//
// Connection Management:
// - Automatic connection pooling via go-redis
// - Connection health check with Ping at construction
// - Graceful shutdown via Close
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisJournal is a Memory implementation backed by Redis
type RedisJournal struct {
	client    *redis.Client
	namespace string
	logger    Logger
}

// RedisJournalOptions configures the Redis journal
type RedisJournalOptions struct {
	RedisURL  string
	Namespace string // Key namespace, defaults to "hooksd:journal"
	Logger    Logger // Optional logger
}

// NewRedisJournal creates a journal backed by Redis and verifies the
// connection with a ping.
func NewRedisJournal(opts RedisJournalOptions) (*RedisJournal, error) {
	logger := opts.Logger
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if cal, ok := logger.(ComponentAwareLogger); ok {
		logger = cal.WithComponent("hooksd/core")
	}

	if opts.RedisURL == "" {
		logger.Error("Failed to initialize Redis journal", map[string]interface{}{
			"operation": "redis_journal_init",
			"error":     "redis URL is required",
		})
		return nil, fmt.Errorf("%w: redis URL is required", ErrMissingConfiguration)
	}

	redisOpts, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid redis URL: %v", ErrInvalidConfiguration, err)
	}

	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		logger.Error("Redis ping failed", map[string]interface{}{
			"operation": "redis_journal_init",
			"error":     err.Error(),
		})
		return nil, fmt.Errorf("%w: redis ping failed: %v", ErrConnectionFailed, err)
	}

	namespace := opts.Namespace
	if namespace == "" {
		namespace = "hooksd:journal"
	}

	logger.Info("Redis journal initialized", map[string]interface{}{
		"operation": "redis_journal_init",
		"namespace": namespace,
	})

	return &RedisJournal{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}, nil
}

func (r *RedisJournal) key(k string) string {
	return r.namespace + ":" + k
}

// Get retrieves a value. Absent keys return "" without error.
func (r *RedisJournal) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, r.key(key)).Result()
	if err == redis.Nil {
		if registry := GetGlobalMetricsRegistry(); registry != nil {
			registry.Counter("journal.operations", "operation", "get", "provider", "redis", "result", "miss")
		}
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: journal get %s: %v", ErrConnectionFailed, key, err)
	}
	if registry := GetGlobalMetricsRegistry(); registry != nil {
		registry.Counter("journal.operations", "operation", "get", "provider", "redis", "result", "hit")
	}
	return val, nil
}

// Set stores a value with optional TTL (0 means no expiry)
func (r *RedisJournal) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: journal set %s: %v", ErrConnectionFailed, key, err)
	}
	r.logger.Debug("Journal entry stored", map[string]interface{}{
		"operation":  "journal_set",
		"key":        key,
		"value_size": len(value),
		"has_ttl":    ttl > 0,
	})
	return nil
}

// Delete removes a key
func (r *RedisJournal) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("%w: journal delete %s: %v", ErrConnectionFailed, key, err)
	}
	return nil
}

// Exists reports whether a key is present
func (r *RedisJournal) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: journal exists %s: %v", ErrConnectionFailed, key, err)
	}
	return n > 0, nil
}

// Close releases the underlying Redis connection pool
func (r *RedisJournal) Close() error {
	return r.client.Close()
}
