package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type PoolConfig struct {
	DSN      string
	MaxConns int32
	MinConns int32
	// Attempts bounds how many pings are made before giving up; the database
	// container often comes up after the service.
	Attempts int
}

// Connect opens a pool and waits for the database to answer a ping.
func Connect(ctx context.Context, pc PoolConfig, log *zap.Logger) (*pgxpool.Pool, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cfg, err := pgxpool.ParseConfig(pc.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if pc.MaxConns > 0 {
		cfg.MaxConns = pc.MaxConns
	}
	if pc.MinConns > 0 && pc.MinConns <= cfg.MaxConns {
		cfg.MinConns = pc.MinConns
	}
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	attempts := max(pc.Attempts, 1)
	backoff := 250 * time.Millisecond
	for i := 1; ; i++ {
		err = pool.Ping(ctx)
		if err == nil {
			log.Info("postgres_connected",
				zap.String("host", cfg.ConnConfig.Host),
				zap.Int32("max_conns", cfg.MaxConns))
			return pool, nil
		}
		if i >= attempts {
			break
		}
		log.Warn("postgres_ping_failed", zap.Int("attempt", i), zap.Error(err))
		select {
		case <-ctx.Done():
			pool.Close()
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 5*time.Second)
	}
	pool.Close()
	return nil, fmt.Errorf("ping database after %d attempts: %w", attempts, err)
}
