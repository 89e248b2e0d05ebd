package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"tta-server/internal/metrics"
	"tta-server/internal/retrieval"
	"tta-server/internal/roles"
	"tta-server/internal/state"
	"tta-server/internal/tools"
	"tta-server/shared/interfaces"
	"tta-server/shared/models"
)

// cycle - один проход хода по ролям над рабочей копией состояния.
// Записи инструментов идут в одну транзакцию хранилища, которая фиксируется только в конце.
type cycle struct {
	o         *Orchestrator
	work      *state.State
	tx        interfaces.KnowledgeTx
	retriever *retrieval.Retriever
	trace     []models.RoleID
	log       *zap.Logger
}

func (o *Orchestrator) newCycle(ctx context.Context, work *state.State) *cycle {
	c := &cycle{
		o:         o,
		work:      work,
		retriever: retrieval.New(o.retrieval, o.logger),
		log:       o.logger.With(zap.String("session_id", work.SessionID), zap.Int64("turn", work.Turn)),
	}
	if o.store != nil {
		tx, err := o.store.Begin(ctx)
		if err != nil {
			// без транзакции изменяющие инструменты ответят Unavailable, ход продолжится
			c.log.Warn("Knowledge store transaction not started", zap.Error(err))
		} else {
			c.tx = tx
		}
	}
	return c
}

// route запускает роли по таблице маршрутов начиная с обработчика ввода.
func (c *cycle) route(ctx context.Context) (terminated bool, err error) {
	active := models.RoleInputProcessor
	for {
		if len(c.trace) >= c.o.cfg.MaxRoleSteps {
			return false, &OrchestrationLoopError{SessionID: c.work.SessionID, Steps: len(c.trace), Trace: c.trace}
		}
		if err := c.step(ctx, active); err != nil {
			return false, err
		}
		next := c.o.routes.Next(c.work.Action(), active)
		c.log.Debug("Routed", zap.String("from", string(active)), zap.String("next", string(next)), zap.String("action", string(c.work.Action())))
		switch next {
		case models.RouteRespond:
			return false, nil
		case models.RouteTerminate:
			return true, nil
		}
		active = next
	}
}

// step вызывает роль на копии состояния, применяет ее патч и выполняет запрошенные ею инструменты.
func (c *cycle) step(ctx context.Context, id models.RoleID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	role, err := c.o.roles.Get(id)
	if err != nil {
		return err
	}
	if err := c.work.SetActiveRole(id); err != nil {
		return err
	}
	c.trace = append(c.trace, id)

	ctx, span := tracer.Start(ctx, "role."+string(id))
	defer span.End()
	span.SetAttributes(attribute.String("session_id", c.work.SessionID), attribute.Int("step", len(c.trace)))

	guard := c.o.registry.Guard(tools.Env{
		SessionID: c.work.SessionID,
		Role:      id,
		Store:     c.o.store,
		Tx:        c.tx,
	}, role.Tools())
	env := roles.Env{
		SessionID: c.work.SessionID,
		PlayerID:  c.work.PlayerID,
		Tools:     guard,
		Retriever: c.retriever,
	}

	res, err := role.Handle(ctx, c.work.Clone(), env)
	if v := guard.Violation(); v != nil {
		// роль могла проглотить ошибку, ход все равно проваливается
		return c.fail(span, id, "unauthorized", v)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return c.fail(span, id, "cancelled", ctxErr)
	}
	if err != nil {
		return c.fail(span, id, "error", fmt.Errorf("%w: %s: %v", models.ErrRoleFailed, id, err))
	}

	patch := res.Patch
	for _, r := range guard.Results() {
		patch.ToolResults = append(patch.ToolResults, toolResult(id, r))
	}
	if text, ok := guard.DirectOutput(); ok {
		// вывод инструмента с прямым возвратом уходит игроку как есть, текст роли отбрасывается
		if patch.NarrativeOutput != nil {
			c.log.Debug("Role narrative replaced by direct tool output", zap.String("role", string(id)))
		}
		patch.NarrativeOutput = state.Text(text)
	}
	for _, call := range res.ToolRequests {
		call.Role = id
		patch.ToolCalls = append(patch.ToolCalls, call)
	}
	if err := c.work.Apply(id, patch); err != nil {
		return c.fail(span, id, "rejected", fmt.Errorf("apply %s patch: %w", id, err))
	}
	if err := c.runRequests(ctx, id, guard); err != nil {
		return c.fail(span, id, "error", err)
	}
	metrics.ObserveRole(string(id), "ok")
	return nil
}

// runRequests выполняет отложенные вызовы роли и применяет их результаты отдельным патчем.
func (c *cycle) runRequests(ctx context.Context, id models.RoleID, guard *tools.Guard) error {
	calls := c.work.DrainToolCalls()
	if len(calls) == 0 {
		return nil
	}
	var patch state.Patch
	for _, call := range calls {
		res, err := guard.Invoke(ctx, call.Tool, call.Args)
		switch {
		case errors.Is(err, models.ErrUnauthorizedTool):
			return err
		case err != nil:
			// неверные аргументы - восстановимая ошибка, остальные роли увидят ее в результатах
			c.log.Warn("Queued tool call rejected", zap.String("role", string(id)), zap.String("tool", call.Tool), zap.Error(err))
			patch.ToolResults = append(patch.ToolResults, state.ToolResult{
				Role: id, Tool: call.Tool, ErrorKind: rejectionKind(err), Message: err.Error(),
			})
			continue
		}
		patch.ToolResults = append(patch.ToolResults, toolResult(id, res))
		if res.OK && res.DirectReturn {
			patch.NarrativeOutput = state.Text(res.Output.Text)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.work.Apply(id, patch); err != nil {
		return fmt.Errorf("apply %s tool results: %w", id, err)
	}
	return nil
}

func (c *cycle) fail(span trace.Span, id models.RoleID, status string, err error) error {
	metrics.ObserveRole(string(id), status)
	span.RecordError(err)
	span.SetStatus(codes.Error, status)
	return err
}

func (c *cycle) commit(ctx context.Context) error {
	if c.tx == nil {
		return nil
	}
	tx := c.tx
	c.tx = nil
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit turn: %v", models.ErrStoreUnavailable, err)
	}
	return nil
}

// rollback отменяет записи хода. Вызывается и после отмены контекста.
func (c *cycle) rollback(ctx context.Context) {
	if c.tx == nil {
		return
	}
	tx := c.tx
	c.tx = nil
	if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil {
		c.log.Error("Failed to roll back turn transaction", zap.Error(err))
	}
}

func toolResult(role models.RoleID, r tools.Result) state.ToolResult {
	return state.ToolResult{
		Role:      role,
		Tool:      r.Tool,
		OK:        r.OK,
		ErrorKind: string(r.ErrorKind),
		Message:   r.Message,
		Text:      r.Output.Text,
	}
}

func rejectionKind(err error) string {
	var schemaErr *tools.SchemaValidationError
	if errors.As(err, &schemaErr) {
		return string(tools.KindSchemaValidation)
	}
	if errors.Is(err, models.ErrUnknownTool) {
		return "UnknownTool"
	}
	return string(tools.KindExecution)
}
