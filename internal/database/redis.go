package database

import (
	"context"
	"fmt"
	"time"

	"github.com/ledgerline/reconauth/internal/config"
	"github.com/redis/go-redis/v9"
)

// Redis wraps the Redis client
type Redis struct {
	*redis.Client
}

// NewRedis creates a new Redis connection
func NewRedis(cfg config.RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     100,
		MinIdleConns: 10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Redis{Client: client}, nil
}

// NewRedisFromClient wraps an existing client, e.g. one pointed at miniredis.
func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{Client: client}
}

// HealthCheck verifies the Redis connection is healthy
func (r *Redis) HealthCheck(ctx context.Context) error {
	return r.Ping(ctx).Err()
}

// TenantKey builds a cache key namespaced by tenant. The empty tenant maps to "0".
func TenantKey(prefix, tenantID string, parts ...string) string {
	if tenantID == "" {
		tenantID = "0"
	}
	key := prefix + ":" + tenantID
	for _, p := range parts {
		key += ":" + p
	}
	return key
}
