//go:build integration

package database_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/docker/docker/client"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"tta-server/internal/knowledge"
	"tta-server/shared/database"
	"tta-server/shared/interfaces"
	"tta-server/shared/models"
)

// StoreIntegrationSuite поднимает PostgreSQL и Redis в контейнерах.
type StoreIntegrationSuite struct {
	suite.Suite
	ctx         context.Context
	pgContainer *postgres.PostgresContainer
	rdContainer *tcredis.RedisContainer
	pgPool      *pgxpool.Pool
	redisClient *redis.Client
	store       interfaces.KnowledgeStore
	checkpoints interfaces.CheckpointRepository
	logger      *zap.Logger
}

func (s *StoreIntegrationSuite) SetupSuite() {
	s.ctx = context.Background()
	s.logger = zap.NewNop()
	var err error

	s.pgContainer, err = postgres.Run(s.ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("tta_test"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(5*time.Minute),
		),
	)
	require.NoError(s.T(), err, "Failed to start postgres container")

	dsn, err := s.pgContainer.ConnectionString(s.ctx, "sslmode=disable")
	require.NoError(s.T(), err)
	require.NoError(s.T(), database.ApplyPostgresMigrations(dsn, s.logger))

	s.pgPool, err = pgxpool.New(s.ctx, dsn)
	require.NoError(s.T(), err)
	s.store = database.NewPgKnowledgeStore(s.pgPool, s.logger)
	s.checkpoints = database.NewPgCheckpointRepository(s.pgPool, s.logger)

	s.rdContainer, err = tcredis.Run(s.ctx,
		"docker.io/redis:7-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("* Ready to accept connections").
				WithOccurrence(1).
				WithStartupTimeout(1*time.Minute),
		),
	)
	require.NoError(s.T(), err, "Failed to start redis container")
	host, err := s.rdContainer.Host(s.ctx)
	require.NoError(s.T(), err)
	port, err := s.rdContainer.MappedPort(s.ctx, "6379/tcp")
	require.NoError(s.T(), err)
	s.redisClient = redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	require.NoError(s.T(), s.redisClient.Ping(s.ctx).Err())
}

func (s *StoreIntegrationSuite) TearDownSuite() {
	if s.pgPool != nil {
		s.pgPool.Close()
	}
	if s.redisClient != nil {
		_ = s.redisClient.Close()
	}
	if s.pgContainer != nil {
		_ = s.pgContainer.Terminate(s.ctx)
	}
	if s.rdContainer != nil {
		_ = s.rdContainer.Terminate(s.ctx)
	}
}

func (s *StoreIntegrationSuite) SetupTest() {
	_, err := s.pgPool.Exec(s.ctx, "TRUNCATE TABLE kg_edges, kg_nodes, session_checkpoints")
	require.NoError(s.T(), err)
	require.NoError(s.T(), s.redisClient.FlushDB(s.ctx).Err())
}

func (s *StoreIntegrationSuite) TestSeedAndQuery() {
	require.NoError(s.T(), knowledge.Seed(s.ctx, s.store))

	recs, err := s.store.Query(s.ctx, knowledge.NodeByName(models.NodeConcept, "Ancient Oak"))
	s.Require().NoError(err)
	s.Require().Len(recs, 1)
	s.Equal("concept_oak", recs[0].String("id"))

	exits, err := s.store.Query(s.ctx, knowledge.Outgoing("forge", models.RelConnectsTo))
	s.Require().NoError(err)
	s.Require().Len(exits, 1)
	s.Equal("west", knowledge.DecodeProps(exits[0], "edge_props")["direction"])
}

func (s *StoreIntegrationSuite) TestSavepointIsolation() {
	tx, err := s.store.Begin(s.ctx)
	s.Require().NoError(err)

	_, err = tx.Exec(s.ctx, knowledge.UpsertNode(models.Node{ID: "item_rope", Kind: models.NodeItem, Name: "rope"}))
	s.Require().NoError(err)
	broken := models.Statement{Name: "broken", Template: "INSERT INTO missing_table (id) VALUES ($id)", Params: map[string]any{"id": "x"}}
	_, err = tx.Exec(s.ctx, knowledge.UpsertNode(models.Node{ID: "item_ghost", Kind: models.NodeItem, Name: "ghost"}), broken)
	s.ErrorIs(err, models.ErrStoreUnavailable)
	s.Require().NoError(tx.Commit(s.ctx))

	recs, err := s.store.Query(s.ctx, knowledge.NodeByID(models.NodeItem, "item_rope"))
	s.Require().NoError(err)
	s.Len(recs, 1)
	recs, err = s.store.Query(s.ctx, knowledge.NodeByID(models.NodeItem, "item_ghost"))
	s.Require().NoError(err)
	s.Empty(recs)
}

func (s *StoreIntegrationSuite) TestWriteDeadlineBoundsStatements() {
	tx, err := s.store.Begin(s.ctx)
	s.Require().NoError(err)

	_, err = tx.Exec(s.ctx, knowledge.UpsertNode(models.Node{ID: "item_lantern", Kind: models.NodeItem, Name: "lantern"}))
	s.Require().NoError(err)

	slow := models.Statement{Name: "slow", Template: "SELECT 1 AS n FROM pg_sleep($secs)", Params: map[string]any{"secs": 2.0}}
	bounded := models.WithWriteDeadline(s.ctx, time.Now().Add(100*time.Millisecond))
	start := time.Now()
	_, err = tx.Exec(bounded, knowledge.UpsertNode(models.Node{ID: "item_late", Kind: models.NodeItem, Name: "late"}), slow)
	s.ErrorIs(err, models.ErrStoreTimeout)
	s.Less(time.Since(start), time.Second)

	// транзакция хода жива, а statement_timeout не протек в следующие вызовы
	_, err = tx.Exec(s.ctx, models.Statement{Name: "short_sleep", Template: "SELECT 1 AS n FROM pg_sleep($secs)", Params: map[string]any{"secs": 0.3}})
	s.Require().NoError(err)
	_, err = tx.Exec(s.ctx, knowledge.UpsertNode(models.Node{ID: "item_wick", Kind: models.NodeItem, Name: "wick"}))
	s.Require().NoError(err)
	s.Require().NoError(tx.Commit(s.ctx))

	for id, want := range map[string]int{"item_lantern": 1, "item_late": 0, "item_wick": 1} {
		recs, err := s.store.Query(s.ctx, knowledge.NodeByID(models.NodeItem, id))
		s.Require().NoError(err)
		s.Len(recs, want, id)
	}
}

func (s *StoreIntegrationSuite) TestCheckpoints() {
	_, err := s.checkpoints.LoadLatest(s.ctx, "s1")
	s.ErrorIs(err, models.ErrNotFound)

	s.Require().NoError(s.checkpoints.SaveBatch(s.ctx, []models.Checkpoint{
		{SessionID: "s1", Turn: 1, State: []byte(`{"turn":1}`)},
		{SessionID: "s1", Turn: 2, State: []byte(`{"turn":2}`)},
	}))
	s.Require().NoError(s.checkpoints.SaveBatch(s.ctx, []models.Checkpoint{{SessionID: "s1", Turn: 2, State: []byte(`{"turn":2,"v":2}`)}}))

	cp, err := s.checkpoints.LoadLatest(s.ctx, "s1")
	s.Require().NoError(err)
	s.Equal(int64(2), cp.Turn)
	s.JSONEq(`{"turn":2,"v":2}`, string(cp.State))

	turns, err := s.checkpoints.ListTurns(s.ctx, "s1")
	s.Require().NoError(err)
	s.Equal([]int64{1, 2}, turns)
}

func (s *StoreIntegrationSuite) TestSessionLockerSerializes() {
	locker := database.NewRedisSessionLocker(s.redisClient, time.Minute, s.logger)

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(s.ctx, "s1")
			if !s.NoError(err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	s.Equal(int32(1), maxInside)

	// занятая блокировка уступает отмене контекста
	unlock, err := locker.Lock(s.ctx, "s2")
	s.Require().NoError(err)
	defer unlock()
	ctx, cancel := context.WithTimeout(s.ctx, 100*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "s2")
	s.ErrorIs(err, context.DeadlineExceeded)
}

func TestStoreIntegrationSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration tests in short mode")
	}
	cli, err := client.NewClientWithOpts(client.FromEnv)
	if err != nil {
		t.Skipf("Docker client init error: %v", err)
	}
	if _, err := cli.Ping(context.Background()); err != nil {
		t.Skipf("Docker daemon is not running or accessible: %v", err)
	}
	_ = cli.Close()

	suite.Run(t, new(StoreIntegrationSuite))
}
