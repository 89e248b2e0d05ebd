package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"tta-server/shared/interfaces"
	"tta-server/shared/models"
)

const (
	upsertCheckpointQuery = `
        INSERT INTO session_checkpoints (session_id, turn, state, created_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (session_id, turn) DO UPDATE SET state = EXCLUDED.state, created_at = EXCLUDED.created_at
    `
	latestCheckpointQuery = `
        SELECT session_id, turn, state, created_at
        FROM session_checkpoints
        WHERE session_id = $1
        ORDER BY turn DESC
        LIMIT 1
    `
	listCheckpointTurnsQuery = `SELECT turn FROM session_checkpoints WHERE session_id = $1 ORDER BY turn`
)

// Compile-time check
var _ interfaces.CheckpointRepository = (*pgCheckpointRepository)(nil)

type pgCheckpointRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPgCheckpointRepository creates a PostgreSQL-backed CheckpointRepository.
func NewPgCheckpointRepository(pool *pgxpool.Pool, logger *zap.Logger) interfaces.CheckpointRepository {
	return &pgCheckpointRepository{
		pool:   pool,
		logger: logger.Named("PgCheckpointRepo"),
	}
}

// SaveBatch пишет все снимки одной транзакцией через pgx.Batch.
func (r *pgCheckpointRepository) SaveBatch(ctx context.Context, checkpoints []models.Checkpoint) error {
	if len(checkpoints) == 0 {
		return nil
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin checkpoint batch: %v", models.ErrStoreUnavailable, err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	batch := &pgx.Batch{}
	for _, cp := range checkpoints {
		batch.Queue(upsertCheckpointQuery, cp.SessionID, cp.Turn, cp.State, checkpointTime(cp))
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		r.logger.Error("Failed to write checkpoint batch", zap.Int("count", len(checkpoints)), zap.Error(err))
		return fmt.Errorf("%w: write checkpoints: %v", models.ErrStoreUnavailable, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit checkpoints: %v", models.ErrStoreUnavailable, err)
	}
	r.logger.Debug("Checkpoints saved",
		zap.String("session_id", checkpoints[0].SessionID),
		zap.Int64("last_turn", checkpoints[len(checkpoints)-1].Turn),
		zap.Int("count", len(checkpoints)),
	)
	return nil
}

func (r *pgCheckpointRepository) LoadLatest(ctx context.Context, sessionID string) (*models.Checkpoint, error) {
	var cp models.Checkpoint
	if err := pgxscan.Get(ctx, r.pool, &cp, latestCheckpointQuery, sessionID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("%w: load checkpoint: %v", models.ErrStoreUnavailable, err)
	}
	return &cp, nil
}

func (r *pgCheckpointRepository) ListTurns(ctx context.Context, sessionID string) ([]int64, error) {
	var turns []int64
	if err := pgxscan.Select(ctx, r.pool, &turns, listCheckpointTurnsQuery, sessionID); err != nil {
		return nil, fmt.Errorf("%w: list checkpoints: %v", models.ErrStoreUnavailable, err)
	}
	return turns, nil
}

func checkpointTime(cp models.Checkpoint) time.Time {
	if cp.CreatedAt.IsZero() {
		return time.Now().UTC()
	}
	return cp.CreatedAt.UTC()
}
