package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"talewise/api/internal/config"
)

// PoolLimits bounds the database/sql connection pool.
type PoolLimits struct {
	MaxOpen     int
	MaxIdle     int
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

// DefaultPoolLimits fits a single API replica next to the generation workers.
var DefaultPoolLimits = PoolLimits{
	MaxOpen:     20,
	MaxIdle:     10,
	MaxLifetime: 30 * time.Minute,
	MaxIdleTime: 5 * time.Minute,
}

// PoolLimitsFrom reads the pool settings, keeping defaults for unset fields.
// Idle connections never exceed open ones.
func PoolLimitsFrom(cfg config.Config) PoolLimits {
	limits := DefaultPoolLimits
	if cfg.DBMaxOpenConns > 0 {
		limits.MaxOpen = cfg.DBMaxOpenConns
	}
	if cfg.DBMaxIdleConns > 0 {
		limits.MaxIdle = cfg.DBMaxIdleConns
	}
	if cfg.DBConnMaxLifetime > 0 {
		limits.MaxLifetime = cfg.DBConnMaxLifetime
	}
	if cfg.DBConnMaxIdleTime > 0 {
		limits.MaxIdleTime = cfg.DBConnMaxIdleTime
	}
	if limits.MaxIdle > limits.MaxOpen {
		limits.MaxIdle = limits.MaxOpen
	}
	return limits
}

// Open connects to cfg.DatabaseURL through the pgx driver and pings it.
func Open(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	limits := PoolLimitsFrom(cfg)
	db.SetMaxOpenConns(limits.MaxOpen)
	db.SetMaxIdleConns(limits.MaxIdle)
	db.SetConnMaxLifetime(limits.MaxLifetime)
	db.SetConnMaxIdleTime(limits.MaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}
