// Package redis owns the process-wide client shared by the relay's room
// bookkeeping and the peer daemon's Redis-backed history store.
package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/pagetrail/pagetrail-go/config"
)

var (
	client *redis.Client
	ctx    = context.Background()
)

// Connect initializes the shared client and verifies the server is
// reachable. baseCtx becomes the context for later operations, so
// cancelling it on shutdown aborts in-flight calls.
func Connect(baseCtx context.Context, cfg config.RedisConfig) error {
	ctx = baseCtx
	client = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connecting to redis at %s:%s: %w", cfg.Host, cfg.Port, err)
	}
	return nil
}

// Close releases the shared client.
func Close() error {
	if client != nil {
		return client.Close()
	}
	return nil
}

// GetClient returns the shared client, nil before Connect.
func GetClient() *redis.Client {
	return client
}

// GetContext returns the context Redis operations run under.
func GetContext() context.Context {
	return ctx
}
