// Package database opens the store connections used by the server.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"tta-server/internal/config"
	shareddb "tta-server/shared/database"
)

// Параметры повторного подключения к PostgreSQL при старте.
const (
	connectRetries    = 20
	connectRetryDelay = 3 * time.Second
)

// OpenPostgres создает пул соединений и ждет готовности базы.
func OpenPostgres(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("unable to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MaxConnIdleTime = cfg.MaxIdleTime

	logger.Info("Connecting to PostgreSQL", zap.String("host", cfg.Host), zap.String("port", cfg.Port), zap.Int("max_retries", connectRetries))

	var lastErr error
	for attempt := 1; attempt <= connectRetries; attempt++ {
		pool, err := connectOnce(ctx, poolConfig)
		if err == nil {
			logger.Info("Successfully connected and pinged PostgreSQL", zap.Int("attempt", attempt))
			return pool, nil
		}
		lastErr = err
		logger.Warn("Postgres connection failed, retrying...", zap.Int("attempt", attempt), zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(connectRetryDelay):
		}
	}
	return nil, fmt.Errorf("failed to connect to postgres after %d attempts: %w", connectRetries, lastErr)
}

func connectOnce(ctx context.Context, poolConfig *pgxpool.Config) (*pgxpool.Pool, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// OpenSQLite открывает файл SQLite и применяет к нему миграции.
func OpenSQLite(cfg config.SQLiteConfig, logger *zap.Logger) (*sql.DB, error) {
	if err := shareddb.ApplySQLiteMigrations(cfg.Path, logger); err != nil {
		return nil, err
	}
	db, err := shareddb.OpenSQLite(cfg.Path)
	if err != nil {
		return nil, err
	}
	logger.Info("SQLite store opened", zap.String("path", cfg.Path))
	return db, nil
}
