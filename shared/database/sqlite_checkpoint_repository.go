package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/georgysavva/scany/v2/sqlscan"
	"go.uber.org/zap"

	"tta-server/shared/interfaces"
	"tta-server/shared/models"
)

const (
	sqliteUpsertCheckpointQuery = `
        INSERT INTO session_checkpoints (session_id, turn, state, created_at)
        VALUES (?1, ?2, ?3, ?4)
        ON CONFLICT (session_id, turn) DO UPDATE SET state = excluded.state, created_at = excluded.created_at
    `
	sqliteLatestCheckpointQuery = `
        SELECT session_id, turn, state, created_at
        FROM session_checkpoints
        WHERE session_id = ?1
        ORDER BY turn DESC
        LIMIT 1
    `
	sqliteListCheckpointTurnsQuery = `SELECT turn FROM session_checkpoints WHERE session_id = ?1 ORDER BY turn`
)

// Compile-time check
var _ interfaces.CheckpointRepository = (*sqliteCheckpointRepository)(nil)

type sqliteCheckpointRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteCheckpointRepository creates a CheckpointRepository over a local SQLite file.
func NewSQLiteCheckpointRepository(db *sql.DB, logger *zap.Logger) interfaces.CheckpointRepository {
	return &sqliteCheckpointRepository{
		db:     db,
		logger: logger.Named("SQLiteCheckpointRepo"),
	}
}

func (r *sqliteCheckpointRepository) SaveBatch(ctx context.Context, checkpoints []models.Checkpoint) error {
	if len(checkpoints) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin checkpoint batch: %v", models.ErrStoreUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, cp := range checkpoints {
		if _, err := tx.ExecContext(ctx, sqliteUpsertCheckpointQuery, cp.SessionID, cp.Turn, cp.State, checkpointTime(cp)); err != nil {
			r.logger.Error("Failed to write checkpoint", zap.String("session_id", cp.SessionID), zap.Int64("turn", cp.Turn), zap.Error(err))
			return fmt.Errorf("%w: write checkpoint: %v", models.ErrStoreUnavailable, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit checkpoints: %v", models.ErrStoreUnavailable, err)
	}
	return nil
}

func (r *sqliteCheckpointRepository) LoadLatest(ctx context.Context, sessionID string) (*models.Checkpoint, error) {
	var cp models.Checkpoint
	if err := sqlscan.Get(ctx, r.db, &cp, sqliteLatestCheckpointQuery, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("%w: load checkpoint: %v", models.ErrStoreUnavailable, err)
	}
	return &cp, nil
}

func (r *sqliteCheckpointRepository) ListTurns(ctx context.Context, sessionID string) ([]int64, error) {
	var turns []int64
	if err := sqlscan.Select(ctx, r.db, &turns, sqliteListCheckpointTurnsQuery, sessionID); err != nil {
		return nil, fmt.Errorf("%w: list checkpoints: %v", models.ErrStoreUnavailable, err)
	}
	return turns, nil
}
