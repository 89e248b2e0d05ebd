package database_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tta-server/internal/knowledge"
	"tta-server/shared/database"
	"tta-server/shared/interfaces"
	"tta-server/shared/models"
)

func openSQLite(t *testing.T) (interfaces.KnowledgeStore, interfaces.CheckpointRepository) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tta.db")
	require.NoError(t, database.ApplySQLiteMigrations(path, zap.NewNop()))
	// повторный прогон миграций ничего не меняет
	require.NoError(t, database.ApplySQLiteMigrations(path, zap.NewNop()))

	db, err := database.OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return database.NewSQLiteKnowledgeStore(db, zap.NewNop()), database.NewSQLiteCheckpointRepository(db, zap.NewNop())
}

func TestSQLiteKnowledgeStore_SeededWorld(t *testing.T) {
	ctx := context.Background()
	store, _ := openSQLite(t)
	require.NoError(t, knowledge.Seed(ctx, store))
	require.NoError(t, knowledge.Seed(ctx, store), "seed is idempotent")

	recs, err := store.Query(ctx, knowledge.NodeByID(models.NodeLocation, "village_square"))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "Village Square", recs[0].String("name"))
	assert.Equal(t, models.NodeLocation, recs[0].Node().Kind)

	exits, err := store.Query(ctx, knowledge.Outgoing("village_square", models.RelConnectsTo))
	require.NoError(t, err)
	directions := map[string]string{}
	for _, rec := range exits {
		directions[knowledge.DecodeProps(rec, "edge_props")["direction"]] = rec.String("id")
	}
	assert.Equal(t, map[string]string{"east": "forge", "north": "oak_grove"}, directions)

	items, err := store.Query(ctx, knowledge.FindNodes(models.NodeItem, "%KEY%", 5))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "item_rusty_key", items[0].String("id"))

	here, err := store.Query(ctx, knowledge.ItemAtLocation("Rusty Key", "village_square"))
	require.NoError(t, err)
	assert.Len(t, here, 1)
}

func TestSQLiteKnowledgeStore_TransactionScopes(t *testing.T) {
	ctx := context.Background()
	store, _ := openSQLite(t)

	t.Run("commit makes writes visible", func(t *testing.T) {
		tx, err := store.Begin(ctx)
		require.NoError(t, err)
		res, err := tx.Exec(ctx, knowledge.UpsertNode(models.Node{ID: "item_lamp", Kind: models.NodeItem, Name: "lamp"}))
		require.NoError(t, err)
		require.Len(t, res, 1)
		require.Len(t, res[0], 1, "upsert returns the stored row")
		assert.Equal(t, "item_lamp", res[0][0].String("id"))

		recs, err := store.Query(ctx, knowledge.NodeByID(models.NodeItem, "item_lamp"))
		require.NoError(t, err)
		assert.Empty(t, recs, "uncommitted write is not visible to readers")

		require.NoError(t, tx.Commit(ctx))
		recs, err = store.Query(ctx, knowledge.NodeByID(models.NodeItem, "item_lamp"))
		require.NoError(t, err)
		assert.Len(t, recs, 1)
	})

	t.Run("failed exec keeps earlier writes of the turn", func(t *testing.T) {
		tx, err := store.Begin(ctx)
		require.NoError(t, err)
		_, err = tx.Exec(ctx, knowledge.UpsertNode(models.Node{ID: "item_rope", Kind: models.NodeItem, Name: "rope"}))
		require.NoError(t, err)

		broken := models.Statement{Name: "broken", Template: "INSERT INTO missing_table (id) VALUES ($id)", Params: map[string]any{"id": "x"}}
		_, err = tx.Exec(ctx,
			knowledge.UpsertNode(models.Node{ID: "item_ghost", Kind: models.NodeItem, Name: "ghost"}),
			broken,
		)
		assert.ErrorIs(t, err, models.ErrStoreUnavailable)

		require.NoError(t, tx.Commit(ctx))
		recs, err := store.Query(ctx, knowledge.NodeByID(models.NodeItem, "item_rope"))
		require.NoError(t, err)
		assert.Len(t, recs, 1)
		recs, err = store.Query(ctx, knowledge.NodeByID(models.NodeItem, "item_ghost"))
		require.NoError(t, err)
		assert.Empty(t, recs, "statements of the failed call are rolled back together")
	})

	t.Run("expired write deadline fails only that call", func(t *testing.T) {
		tx, err := store.Begin(ctx)
		require.NoError(t, err)
		_, err = tx.Exec(ctx, knowledge.UpsertNode(models.Node{ID: "item_lantern", Kind: models.NodeItem, Name: "lantern"}))
		require.NoError(t, err)

		late := models.WithWriteDeadline(ctx, time.Now().Add(-time.Millisecond))
		_, err = tx.Exec(late, knowledge.UpsertNode(models.Node{ID: "item_late", Kind: models.NodeItem, Name: "late"}))
		assert.ErrorIs(t, err, models.ErrStoreTimeout)

		inTime := models.WithWriteDeadline(ctx, time.Now().Add(time.Second))
		_, err = tx.Exec(inTime, knowledge.UpsertNode(models.Node{ID: "item_wick", Kind: models.NodeItem, Name: "wick"}))
		require.NoError(t, err, "the turn transaction survives a timed out call")

		require.NoError(t, tx.Commit(ctx))
		for id, want := range map[string]int{"item_lantern": 1, "item_late": 0, "item_wick": 1} {
			recs, err := store.Query(ctx, knowledge.NodeByID(models.NodeItem, id))
			require.NoError(t, err)
			assert.Len(t, recs, want, id)
		}
	})

	t.Run("rollback discards the turn", func(t *testing.T) {
		tx, err := store.Begin(ctx)
		require.NoError(t, err)
		_, err = tx.Exec(ctx, knowledge.UpsertNode(models.Node{ID: "item_coin", Kind: models.NodeItem, Name: "coin"}))
		require.NoError(t, err)
		require.NoError(t, tx.Rollback(ctx))
		require.NoError(t, tx.Rollback(ctx), "second rollback is a no-op")

		recs, err := store.Query(ctx, knowledge.NodeByID(models.NodeItem, "item_coin"))
		require.NoError(t, err)
		assert.Empty(t, recs)
	})
}

func TestSQLiteKnowledgeStore_RejectsUnparameterized(t *testing.T) {
	ctx := context.Background()
	store, _ := openSQLite(t)

	bad := models.Statement{Name: "inline", Template: "SELECT id FROM kg_nodes WHERE name = 'key'"}
	_, err := store.Query(ctx, bad)
	assert.ErrorIs(t, err, models.ErrUnparameterizedQuery)

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback(ctx) }()
	_, err = tx.Exec(ctx, knowledge.UpsertNode(models.Node{ID: "a", Kind: models.NodeItem, Name: "a"}), bad)
	assert.ErrorIs(t, err, models.ErrUnparameterizedQuery)
}

func TestSQLiteCheckpointRepository(t *testing.T) {
	ctx := context.Background()
	_, repo := openSQLite(t)

	_, err := repo.LoadLatest(ctx, "s1")
	assert.ErrorIs(t, err, models.ErrNotFound)

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, repo.SaveBatch(ctx, []models.Checkpoint{
		{SessionID: "s1", Turn: 1, State: []byte(`{"turn":1}`), CreatedAt: ts},
		{SessionID: "s1", Turn: 2, State: []byte(`{"turn":2}`), CreatedAt: ts},
		{SessionID: "s2", Turn: 7, State: []byte(`{"turn":7}`)},
	}))
	// перезапись того же хода
	require.NoError(t, repo.SaveBatch(ctx, []models.Checkpoint{{SessionID: "s1", Turn: 2, State: []byte(`{"turn":2,"v":2}`)}}))
	require.NoError(t, repo.SaveBatch(ctx, nil))

	cp, err := repo.LoadLatest(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), cp.Turn)
	assert.JSONEq(t, `{"turn":2,"v":2}`, string(cp.State))

	turns, err := repo.ListTurns(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, turns)

	turns, err = repo.ListTurns(ctx, "absent")
	require.NoError(t, err)
	assert.Empty(t, turns)
}
