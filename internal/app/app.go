// Package app собирает оркестратор и его зависимости по конфигурации.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tta-server/internal/config"
	"tta-server/internal/database"
	"tta-server/internal/knowledge"
	"tta-server/internal/orchestrator"
	"tta-server/internal/roles"
	"tta-server/internal/service"
	"tta-server/internal/tools"
	shareddb "tta-server/shared/database"
	"tta-server/shared/interfaces"
	"tta-server/shared/messaging"
)

// App - собранный процесс: оркестратор плюс ресурсы, которые нужно закрыть.
type App struct {
	Orchestrator *orchestrator.Orchestrator

	logger  *zap.Logger
	closers []func(context.Context) error
}

type stores struct {
	knowledge   interfaces.KnowledgeStore
	checkpoints interfaces.CheckpointRepository
}

// Build открывает хранилища, засевает мир и собирает оркестратор.
// При ошибке уже открытые ресурсы закрываются.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	a := &App{logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	st, err := a.openStores(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := knowledge.Seed(ctx, st.knowledge); err != nil {
		return nil, fmt.Errorf("seed world: %w", err)
	}

	registry := tools.NewRegistry(cfg.Orchestrator.ToolTimeout, logger)
	if err := tools.RegisterKnowledgeTools(registry); err != nil {
		return nil, err
	}
	registry.Seal()

	aiClient, err := service.NewAIClient(cfg.AI, logger)
	if err != nil {
		return nil, err
	}
	var budget *service.TokenBudget
	if aiClient != nil {
		budget = service.NewTokenBudget(cfg.AI.Model, cfg.AI.ContextLimit)
	}

	routes, err := orchestrator.LoadTable(cfg.Orchestrator.RoutingTablePath)
	if err != nil {
		return nil, err
	}

	var locker interfaces.SessionLocker
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		a.onClose(func(context.Context) error { return rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		locker = shareddb.NewRedisSessionLocker(rdb, cfg.Redis.LockTTL, logger)
		logger.Info("Redis session locker enabled", zap.String("addr", cfg.Redis.Addr))
	}

	var publisher interfaces.TurnEventPublisher = messaging.NopPublisher{}
	if cfg.RabbitMQ.URL != "" {
		conn, err := messaging.Dial(ctx, cfg.RabbitMQ.URL, logger)
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) error { return conn.Close() })
		p, err := messaging.NewRabbitMQTurnPublisher(conn, cfg.RabbitMQ.TurnQueue, logger)
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) error { return p.Close() })
		publisher = p
	}

	o, err := orchestrator.New(orchestrator.Deps{
		Config: cfg.Orchestrator,
		Roles: roles.Default(roles.Deps{
			AI:                 aiClient,
			Budget:             budget,
			RetrievalSteps:     cfg.Orchestrator.RetrievalSteps,
			StartingLocationID: cfg.Orchestrator.StartingLocationID,
			Logger:             logger,
		}),
		Routes:      routes,
		Registry:    registry,
		Store:       st.knowledge,
		Checkpoints: st.checkpoints,
		Locker:      locker,
		Publisher:   publisher,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	a.Orchestrator = o
	return a, nil
}

func (a *App) openStores(ctx context.Context, cfg config.Config, logger *zap.Logger) (stores, error) {
	switch cfg.Store.Backend {
	case "postgres":
		// пул ждет готовности базы, миграции идут после
		pool, err := database.OpenPostgres(ctx, cfg.Database, logger)
		if err != nil {
			return stores{}, err
		}
		a.onClose(func(context.Context) error { pool.Close(); return nil })
		if err := shareddb.ApplyPostgresMigrations(cfg.Database.GetDSN(), logger); err != nil {
			return stores{}, err
		}
		return stores{
			knowledge:   shareddb.NewPgKnowledgeStore(pool, logger),
			checkpoints: shareddb.NewPgCheckpointRepository(pool, logger),
		}, nil
	case "sqlite":
		db, err := database.OpenSQLite(cfg.SQLite, logger)
		if err != nil {
			return stores{}, err
		}
		a.onClose(func(context.Context) error { return db.Close() })
		return stores{
			knowledge:   shareddb.NewSQLiteKnowledgeStore(db, logger),
			checkpoints: shareddb.NewSQLiteCheckpointRepository(db, logger),
		}, nil
	default:
		return stores{}, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Close закрывает ресурсы в обратном порядке открытия, оркестратор - первым.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	// оркестратор сбрасывает несинхронизированные снимки, хранилища еще нужны
	if a.Orchestrator != nil {
		if err := a.Orchestrator.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		a.Orchestrator = nil
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.logger.Error("Shutdown finished with errors", zap.Error(err))
		return err
	}
	return nil
}

// Migrate применяет миграции выбранного хранилища без запуска оркестратора.
func Migrate(cfg config.Config, logger *zap.Logger) error {
	switch cfg.Store.Backend {
	case "postgres":
		return shareddb.ApplyPostgresMigrations(cfg.Database.GetDSN(), logger)
	case "sqlite":
		return shareddb.ApplySQLiteMigrations(cfg.SQLite.Path, logger)
	default:
		return fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
