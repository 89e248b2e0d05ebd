package interfaces

import (
	"context"

	"tta-server/shared/models"
)

// KnowledgeStore is the graph store used by tools. Every call takes a parameterized
// statement; the template never carries literal values.
type KnowledgeStore interface {
	// Query runs a read-only statement in its own transaction.
	Query(ctx context.Context, stmt models.Statement) ([]models.Record, error)

	// Begin opens a write transaction scoped to one turn.
	Begin(ctx context.Context) (KnowledgeTx, error)
}

// KnowledgeTx is a turn-scoped write transaction. Each Exec runs its statements inside one
// savepoint, so a failed tool call leaves earlier writes of the turn intact.
type KnowledgeTx interface {
	// Exec returns the rows of every statement, in order.
	Exec(ctx context.Context, stmts ...models.Statement) ([][]models.Record, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
