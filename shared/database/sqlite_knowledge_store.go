package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/georgysavva/scany/v2/sqlscan"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"tta-server/shared/interfaces"
	"tta-server/shared/models"
)

// Compile-time checks
var (
	_ interfaces.KnowledgeStore = (*sqliteKnowledgeStore)(nil)
	_ interfaces.KnowledgeTx    = (*sqliteKnowledgeTx)(nil)
)

// OpenSQLite открывает файл базы с WAL и ожиданием блокировки.
// Запись идет одной транзакцией на ход, поэтому бэкенд рассчитан на одного игрока.
func OpenSQLite(path string) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	return db, nil
}

func sqliteDSN(path string) string {
	return "file:" + filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
}

func sqlitePlaceholder(pos int) string { return "?" + strconv.Itoa(pos) }

type sqliteKnowledgeStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteKnowledgeStore creates a knowledge graph store over a local SQLite file.
func NewSQLiteKnowledgeStore(db *sql.DB, logger *zap.Logger) interfaces.KnowledgeStore {
	return &sqliteKnowledgeStore{
		db:     db,
		logger: logger.Named("SQLiteKnowledgeStore"),
	}
}

// Query читает напрямую из пула: в WAL читатель видит последнее зафиксированное состояние.
func (s *sqliteKnowledgeStore) Query(ctx context.Context, stmt models.Statement) ([]models.Record, error) {
	if err := stmt.Validate(); err != nil {
		return nil, err
	}
	records, err := sqliteCollect(ctx, s.db, stmt)
	if err != nil {
		s.logger.Warn("Knowledge query failed", zap.String("statement", stmt.Name), zap.Error(err))
		return nil, err
	}
	return records, nil
}

func (s *sqliteKnowledgeStore) Begin(ctx context.Context) (interfaces.KnowledgeTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", models.ErrStoreUnavailable, err)
	}
	return &sqliteKnowledgeTx{tx: tx, logger: s.logger}, nil
}

type sqliteKnowledgeTx struct {
	tx     *sql.Tx
	seq    int
	logger *zap.Logger
}

// Exec выполняет пачку запросов внутри именованного SAVEPOINT.
// Срок записи проверяется перед каждым запросом. Сам запрос не прерывается:
// interrupt в sqlite откатывает всю транзакцию, а не один запрос.
func (t *sqliteKnowledgeTx) Exec(ctx context.Context, stmts ...models.Statement) ([][]models.Record, error) {
	for _, stmt := range stmts {
		if err := stmt.Validate(); err != nil {
			return nil, err
		}
	}
	deadline, bounded := models.WriteDeadline(ctx)
	if bounded {
		ctx = context.WithoutCancel(ctx)
	}
	t.seq++
	sp := "sp_" + strconv.Itoa(t.seq)
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+sp); err != nil {
		return nil, fmt.Errorf("%w: savepoint: %v", models.ErrStoreUnavailable, err)
	}

	results := make([][]models.Record, 0, len(stmts))
	for _, stmt := range stmts {
		if bounded && !time.Now().Before(deadline) {
			t.rollbackTo(ctx, sp)
			return nil, fmt.Errorf("%w: %s", models.ErrStoreTimeout, stmt.Name)
		}
		records, err := sqliteCollect(ctx, t.tx, stmt)
		if err != nil {
			t.rollbackTo(ctx, sp)
			return nil, err
		}
		results = append(results, records)
	}
	if _, err := t.tx.ExecContext(ctx, "RELEASE "+sp); err != nil {
		t.rollbackTo(ctx, sp)
		return nil, fmt.Errorf("%w: release savepoint: %v", models.ErrStoreUnavailable, err)
	}
	return results, nil
}

func (t *sqliteKnowledgeTx) rollbackTo(ctx context.Context, sp string) {
	ctx = context.WithoutCancel(ctx)
	if _, err := t.tx.ExecContext(ctx, "ROLLBACK TO "+sp); err != nil {
		t.logger.Error("Failed to roll back savepoint", zap.String("savepoint", sp), zap.Error(err))
		return
	}
	// ROLLBACK TO оставляет savepoint открытым
	_, _ = t.tx.ExecContext(ctx, "RELEASE "+sp)
}

func (t *sqliteKnowledgeTx) Commit(ctx context.Context) error {
	return t.tx.Commit()
}

func (t *sqliteKnowledgeTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

func sqliteCollect(ctx context.Context, db sqlscan.Querier, stmt models.Statement) ([]models.Record, error) {
	query, args := stmt.Bind(sqlitePlaceholder)
	var rows []map[string]any
	if err := sqlscan.Select(ctx, db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", models.ErrStoreUnavailable, stmt.Name, err)
	}
	records := make([]models.Record, len(rows))
	for i, row := range rows {
		records[i] = models.Record(row)
	}
	return records, nil
}
