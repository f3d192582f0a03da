package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"earnings-alerts/internal/infrastructure/config"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const defaultPingTimeout = 5 * time.Second

// Connect 建立 PostgreSQL 連線池；批次工作一定需要資料庫，未設定 DSN 視為設定錯誤。
func Connect(ctx context.Context, cfg config.DBConfig) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, &config.ConfigurationError{Missing: []string{"DB_DSN"}}
	}

	pool, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	pool.SetMaxOpenConns(cfg.MaxOpenConns)
	pool.SetMaxIdleConns(cfg.MaxIdleConns)
	pool.SetConnMaxIdleTime(cfg.MaxIdleTime)

	if err := Ping(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// Ping 檢查連線；ctx 沒有 deadline 時套用預設逾時。
func Ping(ctx context.Context, pool *sql.DB) error {
	if pool == nil {
		return fmt.Errorf("database not configured")
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultPingTimeout)
		defer cancel()
	}
	return pool.PingContext(ctx)
}
