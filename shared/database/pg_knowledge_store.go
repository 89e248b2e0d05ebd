package database

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"tta-server/shared/interfaces"
	"tta-server/shared/models"
)

// Compile-time checks
var (
	_ interfaces.KnowledgeStore = (*pgKnowledgeStore)(nil)
	_ interfaces.KnowledgeTx    = (*pgKnowledgeTx)(nil)
)

type pgKnowledgeStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPgKnowledgeStore creates a PostgreSQL-backed knowledge graph store.
func NewPgKnowledgeStore(pool *pgxpool.Pool, logger *zap.Logger) interfaces.KnowledgeStore {
	return &pgKnowledgeStore{
		pool:   pool,
		logger: logger.Named("PgKnowledgeStore"),
	}
}

func pgPlaceholder(pos int) string { return "$" + strconv.Itoa(pos) }

// Query выполняет чтение в отдельной read-only транзакции.
func (s *pgKnowledgeStore) Query(ctx context.Context, stmt models.Statement) ([]models.Record, error) {
	if err := stmt.Validate(); err != nil {
		return nil, err
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("%w: begin read: %v", models.ErrStoreUnavailable, err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	records, err := pgCollect(ctx, tx, stmt)
	if err != nil {
		s.logger.Warn("Knowledge query failed", zap.String("statement", stmt.Name), zap.Error(err))
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: commit read: %v", models.ErrStoreUnavailable, err)
	}
	return records, nil
}

// Begin открывает транзакцию записи на весь ход.
func (s *pgKnowledgeStore) Begin(ctx context.Context) (interfaces.KnowledgeTx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", models.ErrStoreUnavailable, err)
	}
	return &pgKnowledgeTx{tx: tx, logger: s.logger}, nil
}

type pgKnowledgeTx struct {
	tx     pgx.Tx
	logger *zap.Logger
}

// Exec выполняет пачку запросов внутри savepoint (вложенная транзакция pgx).
// При сроке записи в ctx каждый запрос ограничен statement_timeout до этого срока:
// просроченный запрос откатывает только savepoint, транзакция хода остается живой.
func (t *pgKnowledgeTx) Exec(ctx context.Context, stmts ...models.Statement) ([][]models.Record, error) {
	for _, stmt := range stmts {
		if err := stmt.Validate(); err != nil {
			return nil, err
		}
	}
	deadline, bounded := models.WriteDeadline(ctx)
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: savepoint: %v", models.ErrStoreUnavailable, err)
	}
	fail := func(name string, err error) ([][]models.Record, error) {
		if rbErr := sp.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			t.logger.Error("Failed to roll back savepoint", zap.String("statement", name), zap.Error(rbErr))
		}
		return nil, err
	}

	var prevTimeout string
	if bounded {
		if err := sp.QueryRow(ctx, "SELECT current_setting('statement_timeout')").Scan(&prevTimeout); err != nil {
			return fail("statement_timeout", fmt.Errorf("%w: statement_timeout: %v", models.ErrStoreUnavailable, err))
		}
	}

	results := make([][]models.Record, 0, len(stmts))
	for _, stmt := range stmts {
		if bounded {
			if err := setStatementTimeout(ctx, sp, time.Until(deadline)); err != nil {
				return fail(stmt.Name, fmt.Errorf("%s: %w", stmt.Name, err))
			}
		}
		records, err := pgCollect(ctx, sp, stmt)
		if err != nil {
			return fail(stmt.Name, err)
		}
		results = append(results, records)
	}
	if bounded {
		// SET LOCAL живет до конца транзакции, не savepoint
		if _, err := sp.Exec(ctx, "SELECT set_config('statement_timeout', $1, true)", prevTimeout); err != nil {
			return fail("statement_timeout", fmt.Errorf("%w: restore statement_timeout: %v", models.ErrStoreUnavailable, err))
		}
	}
	if err := sp.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: release savepoint: %v", models.ErrStoreUnavailable, err)
	}
	return results, nil
}

// setStatementTimeout ограничивает следующий запрос остатком срока записи.
func setStatementTimeout(ctx context.Context, db interfaces.DBTX, remaining time.Duration) error {
	ms := remaining.Milliseconds()
	if ms <= 0 {
		return models.ErrStoreTimeout
	}
	if _, err := db.Exec(ctx, "SELECT set_config('statement_timeout', $1, true)", strconv.FormatInt(ms, 10)); err != nil {
		return fmt.Errorf("%w: statement_timeout: %v", models.ErrStoreUnavailable, err)
	}
	return nil
}

func (t *pgKnowledgeTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *pgKnowledgeTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

func pgCollect(ctx context.Context, db interfaces.DBTX, stmt models.Statement) ([]models.Record, error) {
	query, args := stmt.Bind(pgPlaceholder)
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, pgStoreError(stmt.Name, err)
	}
	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, pgStoreError(stmt.Name, err)
	}
	records := make([]models.Record, len(maps))
	for i, m := range maps {
		records[i] = models.Record(m)
	}
	return records, nil
}

// pgQueryCanceled - SQLSTATE query_canceled, его же дает statement_timeout.
const pgQueryCanceled = "57014"

func pgStoreError(name string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgQueryCanceled {
		return fmt.Errorf("%w: %s: %v", models.ErrStoreTimeout, name, err)
	}
	return fmt.Errorf("%w: %s: %v", models.ErrStoreUnavailable, name, err)
}
