package interfaces

import (
	"context"

	"tta-server/shared/models"
)

// CheckpointRepository defines the interface for persisting session checkpoints.
type CheckpointRepository interface {
	// SaveBatch writes all given checkpoints in one transaction, in the given order.
	// A record for an existing (session_id, turn) pair is overwritten.
	SaveBatch(ctx context.Context, checkpoints []models.Checkpoint) error

	// LoadLatest returns the checkpoint with the highest turn number for the session.
	// Returns models.ErrNotFound if the session has no checkpoints.
	LoadLatest(ctx context.Context, sessionID string) (*models.Checkpoint, error)

	// ListTurns returns the persisted turn numbers of a session in ascending order.
	ListTurns(ctx context.Context, sessionID string) ([]int64, error)
}
