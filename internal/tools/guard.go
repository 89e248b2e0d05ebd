package tools

import (
	"context"
	"errors"
	"sort"
	"sync"

	"tta-server/shared/models"
)

// Invoker - то, через что роль вызывает инструменты.
type Invoker interface {
	Invoke(ctx context.Context, name string, args map[string]any) (Result, error)
}

// Guard ограничивает вызовы объявленным набором инструментов роли.
// Нарушение запоминается: оркестратор проваливает ход, даже если роль проглотила ошибку.
type Guard struct {
	registry *Registry
	env      Env
	allowed  map[string]struct{}

	mu        sync.Mutex
	violation *UnauthorizedToolError
	results   []Result
}

// Guard returns an invoker for one role invocation.
func (r *Registry) Guard(env Env, allowed []string) *Guard {
	set := make(map[string]struct{}, len(allowed))
	for _, name := range allowed {
		set[name] = struct{}{}
	}
	return &Guard{registry: r, env: env, allowed: set}
}

// Invoke implements Invoker.
func (g *Guard) Invoke(ctx context.Context, name string, args map[string]any) (Result, error) {
	if !g.Allows(name) {
		err := &UnauthorizedToolError{Role: g.env.Role, Tool: name}
		g.mu.Lock()
		if g.violation == nil {
			g.violation = err
		}
		g.mu.Unlock()
		return Result{}, err
	}
	res, err := g.registry.Invoke(ctx, g.env, name, args)
	if err != nil {
		if !errors.Is(err, models.ErrSchemaValidation) {
			return res, err
		}
		// отклоненные аргументы видны остальным ролям как неуспешный вызов
		res = Result{Tool: name, ErrorKind: KindSchemaValidation, Message: err.Error()}
		g.record(res)
		return res, err
	}
	g.record(res)
	return res, nil
}

func (g *Guard) record(res Result) {
	g.mu.Lock()
	g.results = append(g.results, res)
	g.mu.Unlock()
}

// Allows reports whether the role declared the tool.
func (g *Guard) Allows(name string) bool {
	_, ok := g.allowed[name]
	return ok
}

// Allowed returns the declared tool set, sorted.
func (g *Guard) Allowed() []string {
	names := make([]string, 0, len(g.allowed))
	for name := range g.allowed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Violation returns the first unauthorized request, or nil.
func (g *Guard) Violation() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.violation == nil {
		return nil
	}
	return g.violation
}

// Results returns completed invocations in call order.
func (g *Guard) Results() []Result {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Result(nil), g.results...)
}

// DirectOutput returns the text of the last successful direct-return invocation.
func (g *Guard) DirectOutput() (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := len(g.results) - 1; i >= 0; i-- {
		if r := g.results[i]; r.OK && r.DirectReturn {
			return r.Output.Text, true
		}
	}
	return "", false
}
