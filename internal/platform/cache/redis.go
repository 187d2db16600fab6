package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const pingTimeout = 3 * time.Second

// Config addresses the Redis instance shared by the run lock, the supplier
// token store and the job queue.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Options returns the go-redis client options for c.
func (c Config) Options() *redis.Options {
	return &redis.Options{
		Addr:        c.Addr,
		Password:    c.Password,
		DB:          c.DB,
		DialTimeout: pingTimeout,
	}
}

// New connects to Redis and fails fast when the server does not answer, so
// callers can fall back to running without a lock.
func New(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(cfg.Options())

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("platform/cache: ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}
