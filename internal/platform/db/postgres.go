package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultAppName tags catalog sessions in pg_stat_activity.
const DefaultAppName = "pawsy-catalog"

// Config describes the storefront database the catalog is published to.
type Config struct {
	DSN      string
	MaxConns int32
	AppName  string
}

// New opens a pool sized for the publisher, which runs one transaction at a
// time, and verifies the connection.
func New(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("platform/db: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	name := cfg.AppName
	if name == "" {
		name = DefaultAppName
	}
	poolCfg.ConnConfig.RuntimeParams["application_name"] = name

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("platform/db: new pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("platform/db: ping: %w", err)
	}
	return pool, nil
}
