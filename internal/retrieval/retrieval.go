// Package retrieval implements the bounded iterative lookup a role runs to ground an ambiguous
// reference: query, inspect the result, refine the query, stop when satisfied or out of steps.
package retrieval

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"tta-server/internal/metrics"
	"tta-server/internal/state"
	"tta-server/internal/tools"
	"tta-server/shared/models"
)

// Verdict - решение предиката остановки после очередного шага.
type Verdict int

const (
	Continue Verdict = iota
	Satisfied
	Failed
)

func (v Verdict) String() string {
	switch v {
	case Satisfied:
		return "satisfied"
	case Failed:
		return "failed"
	}
	return "continue"
}

// Outcome - итог цикла.
type Outcome string

const (
	OutcomeSatisfied Outcome = "satisfied"
	OutcomeExhausted Outcome = "exhausted"
	OutcomeError     Outcome = "error"
)

// Query - один запрос к графу знаний через query_knowledge_graph.
type Query struct {
	Kind  models.NodeKind
	Name  string
	Match string // exact | contains
	Limit int
}

// Args returns the tool arguments for the query.
func (q Query) Args() map[string]any {
	args := map[string]any{"kind": string(q.Kind), "name": q.Name}
	if q.Match != "" {
		args["match"] = q.Match
	}
	if q.Limit > 0 {
		args["limit"] = q.Limit
	}
	return args
}

func (q Query) String() string {
	match := q.Match
	if match == "" {
		match = "exact"
	}
	return fmt.Sprintf("%s %s %q", q.Kind, match, q.Name)
}

// Step - запись рабочего журнала цикла.
type Step struct {
	Index   int
	Query   Query
	Result  tools.Result
	Verdict Verdict
}

// Records returns the rows the step retrieved.
func (s Step) Records() []models.Record {
	return s.Result.Output.Records
}

// Strategy управляет уточнением: оценивает последний шаг и строит следующий запрос.
type Strategy interface {
	// Evaluate is the stopping predicate; history includes the step being judged.
	Evaluate(history []Step) Verdict
	// Next builds the query for the following step from everything retrieved so far.
	Next(history []Step) Query
}

// Evidence - результат Refine.
type Evidence struct {
	Role    models.RoleID
	Steps   []Step
	Outcome Outcome
}

// Exhausted reports whether the loop stopped on the step cap.
func (e Evidence) Exhausted() bool {
	return e.Outcome == OutcomeExhausted
}

// Best returns the records of the last step that found anything.
func (e Evidence) Best() []models.Record {
	for i := len(e.Steps) - 1; i >= 0; i-- {
		if recs := e.Steps[i].Records(); len(recs) > 0 {
			return recs
		}
	}
	return nil
}

// MemoryRefs converts the working log into memory references for the role's patch.
func (e Evidence) MemoryRefs() []state.MemoryRef {
	refs := make([]state.MemoryRef, 0, len(e.Steps))
	for _, s := range e.Steps {
		ids := make([]string, 0, len(s.Records()))
		for _, rec := range s.Records() {
			if id := rec.String("id"); id != "" {
				ids = append(ids, id)
			}
		}
		summary := s.Result.Output.Text
		if !s.Result.OK {
			summary = string(s.Result.ErrorKind)
		}
		refs = append(refs, state.MemoryRef{
			Step:    s.Index,
			Role:    e.Role,
			Query:   s.Query.String(),
			NodeIDs: ids,
			Summary: summary,
			OK:      s.Result.OK,
		})
	}
	return refs
}

// Config - ограничения цикла.
type Config struct {
	DefaultSteps int // при maxSteps <= 0
	MaxSteps     int // потолок, большие значения обрезаются
	PerRole      int // вызовов Refine на роль за ход
}

// DefaultConfig returns the built-in limits.
func DefaultConfig() Config {
	return Config{DefaultSteps: 5, MaxSteps: 10, PerRole: 2}
}

// Retriever runs refinement loops for one turn and enforces the per-role budget.
// A new Retriever is created for every turn.
type Retriever struct {
	cfg    Config
	logger *zap.Logger

	mu   sync.Mutex
	used map[models.RoleID]int
}

// New creates a turn-scoped retriever.
func New(cfg Config, logger *zap.Logger) *Retriever {
	def := DefaultConfig()
	if cfg.DefaultSteps <= 0 {
		cfg.DefaultSteps = def.DefaultSteps
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = def.MaxSteps
	}
	if cfg.DefaultSteps > cfg.MaxSteps {
		cfg.DefaultSteps = cfg.MaxSteps
	}
	if cfg.PerRole <= 0 {
		cfg.PerRole = def.PerRole
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{cfg: cfg, logger: logger.Named("Retrieval"), used: make(map[models.RoleID]int)}
}

// Steps returns the effective step cap for a requested maxSteps.
func (r *Retriever) Steps(maxSteps int) int {
	if maxSteps <= 0 {
		return r.cfg.DefaultSteps
	}
	if maxSteps > r.cfg.MaxSteps {
		return r.cfg.MaxSteps
	}
	return maxSteps
}

// Refine runs the loop. Steps are strictly sequential; each goes through invoker,
// so the role's declared tool set applies. Reaching the step cap is not an error.
func (r *Retriever) Refine(ctx context.Context, invoker tools.Invoker, initial Query, role models.RoleID, maxSteps int, strategy Strategy) (Evidence, error) {
	if err := r.take(role); err != nil {
		return Evidence{Role: role, Outcome: OutcomeError}, err
	}
	limit := r.Steps(maxSteps)

	ctx, span := otel.Tracer("tta-server/retrieval").Start(ctx, "retrieval.refine")
	defer span.End()
	span.SetAttributes(attribute.String("role", string(role)), attribute.Int("max_steps", limit))

	log := r.logger.With(zap.String("role", string(role)), zap.Int("max_steps", limit))
	ev := Evidence{Role: role}
	q := initial
	for i := 1; i <= limit; i++ {
		if err := ctx.Err(); err != nil {
			ev.Outcome = OutcomeError
			return r.finish(span, log, ev), err
		}
		res, err := invoker.Invoke(ctx, tools.ToolQueryKnowledgeGraph, q.Args())
		if err != nil {
			ev.Outcome = OutcomeError
			log.Warn("Retrieval step rejected", zap.Int("step", i), zap.Error(err))
			return r.finish(span, log, ev), fmt.Errorf("retrieval step %d: %w", i, err)
		}
		ev.Steps = append(ev.Steps, Step{Index: i, Query: q, Result: res})
		verdict := strategy.Evaluate(ev.Steps)
		ev.Steps[len(ev.Steps)-1].Verdict = verdict
		log.Debug("Retrieval step", zap.Int("step", i), zap.Stringer("query", q), zap.Int("records", len(res.Output.Records)), zap.Stringer("verdict", verdict))

		switch verdict {
		case Satisfied:
			ev.Outcome = OutcomeSatisfied
			return r.finish(span, log, ev), nil
		case Failed:
			ev.Outcome = OutcomeError
			return r.finish(span, log, ev), fmt.Errorf("%w: stopped at step %d", models.ErrRetrievalFailed, i)
		}
		if i < limit {
			q = strategy.Next(ev.Steps)
		}
	}
	ev.Outcome = OutcomeExhausted
	return r.finish(span, log, ev), nil
}

func (r *Retriever) take(role models.RoleID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.used[role] >= r.cfg.PerRole {
		return fmt.Errorf("%w: role %s used %d of %d", models.ErrRetrievalBudgetExceeded, role, r.used[role], r.cfg.PerRole)
	}
	r.used[role]++
	return nil
}

func (r *Retriever) finish(span trace.Span, log *zap.Logger, ev Evidence) Evidence {
	span.SetAttributes(attribute.String("outcome", string(ev.Outcome)), attribute.Int("steps", len(ev.Steps)))
	metrics.ObserveRetrieval(string(ev.Outcome), len(ev.Steps))
	log.Debug("Retrieval finished", zap.String("outcome", string(ev.Outcome)), zap.Int("steps", len(ev.Steps)))
	return ev
}

// Widening - стратегия по умолчанию: точное имя, затем подстрока, затем последнее слово.
// Satisfied как только найдена хотя бы одна запись; Failed, если хранилище недоступно или ход отменен.
type Widening struct{}

// Evaluate implements Strategy.
func (Widening) Evaluate(history []Step) Verdict {
	last := history[len(history)-1]
	if !last.Result.OK {
		switch last.Result.ErrorKind {
		case tools.KindUnavailable, tools.KindCancelled:
			return Failed
		}
		return Continue
	}
	if len(last.Records()) > 0 {
		return Satisfied
	}
	return Continue
}

// Next implements Strategy.
func (Widening) Next(history []Step) Query {
	last := history[len(history)-1].Query
	next := last
	switch {
	case last.Match != "contains":
		next.Match = "contains"
	default:
		words := strings.Fields(last.Name)
		if len(words) > 1 {
			next.Name = words[len(words)-1]
		}
	}
	return next
}
