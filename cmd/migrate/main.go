package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"earnings-alerts/internal/infrastructure/config"
	"earnings-alerts/internal/infrastructure/logging"
)

const createVersionTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version    TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to config file")
	dir := flag.String("dir", "db/migrations", "path to migrations directory")
	flag.Parse()

	cfg, err := config.LoadFromFile(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "讀取組態失敗: %v\n", err)
		os.Exit(1)
	}
	logger := logging.WithComponent(logging.New(cfg.Log), "migrate")

	if err := cfg.Require(config.NeedDB); err != nil {
		logger.Fatal().Err(err).Msg("無法執行 migration")
	}

	files, err := migrationFiles(*dir)
	if err != nil {
		logger.Fatal().Err(err).Msg("讀取 migrations 失敗")
	}

	db, err := sql.Open("postgres", cfg.DB.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("連線資料庫失敗")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	applied, err := apply(ctx, db, files, logger)
	if err != nil {
		logger.Error().Err(err).Msg("migration 中止")
		db.Close()
		os.Exit(1)
	}
	logger.Info().Int("applied", applied).Int("total", len(files)).Msg("migration 完成")
}

// migrationFiles 依檔名排序回傳 .sql 檔。
func migrationFiles(dir string) ([]string, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("解析路徑: %w", err)
	}
	files, err := filepath.Glob(filepath.Join(absDir, "*.sql"))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%s 找不到任何 .sql 檔案", absDir)
	}
	sort.Strings(files)
	return files, nil
}

// apply 在各自的 transaction 中執行尚未套用的檔案，並記錄版本。
func apply(ctx context.Context, db *sql.DB, files []string, logger zerolog.Logger) (int, error) {
	if _, err := db.ExecContext(ctx, createVersionTable); err != nil {
		return 0, fmt.Errorf("建立 schema_migrations: %w", err)
	}

	applied := 0
	for _, f := range files {
		version := filepath.Base(f)

		var exists bool
		if err := db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, version).Scan(&exists); err != nil {
			return applied, err
		}
		if exists {
			logger.Debug().Str("version", version).Msg("已套用，略過")
			continue
		}

		body, err := os.ReadFile(f)
		if err != nil {
			return applied, fmt.Errorf("讀取 %s: %w", version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return applied, err
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			_ = tx.Rollback()
			return applied, fmt.Errorf("執行 %s: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
			_ = tx.Rollback()
			return applied, err
		}
		if err := tx.Commit(); err != nil {
			return applied, err
		}
		logger.Info().Str("version", version).Msg("已套用 migration")
		applied++
	}
	return applied, nil
}
