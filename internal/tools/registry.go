package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"tta-server/internal/metrics"
	"tta-server/shared/interfaces"
	"tta-server/shared/models"
)

// ErrorKind - вид отказа инструмента в ToolResult.
type ErrorKind string

const (
	KindTimeout           ErrorKind = "Timeout"
	KindUnavailable       ErrorKind = "Unavailable"
	KindMalformedResponse ErrorKind = "MalformedResponse"
	KindExecution         ErrorKind = "Execution"
	KindCancelled         ErrorKind = "Cancelled"
	KindSchemaValidation  ErrorKind = "SchemaValidation"
)

// Output - результат обработчика: типизированные записи и/или готовый текст.
type Output struct {
	Records []models.Record
	Text    string
}

// Result - итог вызова. Ошибки обработчика не пробрасываются, а попадают сюда с OK=false.
type Result struct {
	Tool         string
	OK           bool
	ErrorKind    ErrorKind
	Message      string
	Output       Output
	DirectReturn bool
	Duration     time.Duration
}

// Env - окружение вызова: сессия, роль и доступ к хранилищу знаний.
// Tx is nil when the caller has no write transaction (read-only tools never need it).
type Env struct {
	SessionID string
	Role      models.RoleID
	Store     interfaces.KnowledgeStore
	Tx        interfaces.KnowledgeTx
}

// Handler выполняет инструмент. Аргументы уже проверены по схеме.
type Handler func(ctx context.Context, env Env, args map[string]any) (Output, error)

// Descriptor описывает инструмент. После регистрации не меняется.
type Descriptor struct {
	Name         string
	Description  string
	Input        Schema
	Handler      Handler
	DirectReturn bool
	Mutates      bool
	Timeout      time.Duration // 0 - таймаут реестра по умолчанию
}

// Registry - реестр инструментов процесса. Заполняется при старте, после Seal только чтение.
type Registry struct {
	mu             sync.RWMutex
	tools          map[string]Descriptor
	sealed         bool
	defaultTimeout time.Duration
	validate       *validator.Validate
	sessions       *sessionLocks
	logger         *zap.Logger
}

// NewRegistry создает пустой реестр.
func NewRegistry(defaultTimeout time.Duration, logger *zap.Logger) *Registry {
	if defaultTimeout <= 0 {
		defaultTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		tools:          make(map[string]Descriptor),
		defaultTimeout: defaultTimeout,
		validate:       validator.New(),
		sessions:       newSessionLocks(),
		logger:         logger.Named("ToolRegistry"),
	}
}

// Register добавляет инструмент. Повторное имя - *DuplicateToolError.
func (r *Registry) Register(d Descriptor) error {
	if d.Name == "" || d.Handler == nil {
		return fmt.Errorf("%w: tool descriptor requires name and handler", models.ErrInvalidInput)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("%w: cannot register %q", models.ErrRegistrySealed, d.Name)
	}
	if _, exists := r.tools[d.Name]; exists {
		return &DuplicateToolError{Name: d.Name}
	}
	d.Input.Fields = append([]Field(nil), d.Input.Fields...)
	r.tools[d.Name] = d
	r.logger.Debug("Tool registered", zap.String("tool", d.Name), zap.Bool("direct_return", d.DirectReturn), zap.Bool("mutates", d.Mutates))
	return nil
}

// Seal делает реестр доступным только для чтения.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Describe returns the descriptor registered under name.
func (r *Registry) Describe(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[name]
	return d, ok
}

// Names returns registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke проверяет аргументы и вызывает обработчик с таймаутом.
// Ошибка возвращается только для неизвестного инструмента и нарушения схемы;
// отказы обработчика приходят как Result{OK: false}.
func (r *Registry) Invoke(ctx context.Context, env Env, name string, args map[string]any) (Result, error) {
	d, ok := r.Describe(name)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", models.ErrUnknownTool, name)
	}
	if fieldErrs := d.Input.Validate(r.validate, args); len(fieldErrs) > 0 {
		metrics.ObserveTool(name, "invalid_args", 0)
		return Result{}, &SchemaValidationError{Tool: name, Fields: fieldErrs}
	}

	// вызовы одной сессии идут строго по одному
	unlock := r.sessions.lock(env.SessionID)
	defer unlock()

	ctx, span := otel.Tracer("tta-server/tools").Start(ctx, "tool."+name)
	defer span.End()
	span.SetAttributes(attribute.String("session_id", env.SessionID), attribute.String("role", string(env.Role)))

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	log := r.logger.With(zap.String("tool", name), zap.String("session_id", env.SessionID), zap.String("role", string(env.Role)))
	start := time.Now()

	var (
		out     Output
		err     error
		callCtx context.Context
		cancel  context.CancelFunc
	)
	if d.Mutates {
		// запись идет в транзакцию хода: обработчик дожидаемся, его запросы ограничены сроком записи
		callCtx, cancel = context.WithTimeout(models.WithWriteDeadline(ctx, start.Add(timeout)), 2*timeout)
		defer cancel()
		out, err = call(callCtx, d, env, args)
	} else {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
		out, err = r.run(callCtx, d, env, args)
	}
	res := Result{Tool: name, DirectReturn: d.DirectReturn, Duration: time.Since(start)}
	if err != nil {
		res.ErrorKind = classify(ctx, callCtx, err)
		res.Message = err.Error()
		if res.ErrorKind == KindTimeout {
			res.Message = fmt.Sprintf("tool %s timed out after %s", name, timeout)
		}
		span.SetAttributes(attribute.String("error_kind", string(res.ErrorKind)))
		log.Warn("Tool invocation failed", zap.String("error_kind", string(res.ErrorKind)), zap.Error(err), zap.Duration("duration", res.Duration))
		metrics.ObserveTool(name, string(res.ErrorKind), res.Duration)
		return res, nil
	}
	res.OK = true
	res.Output = out
	log.Debug("Tool invocation succeeded", zap.Int("records", len(out.Records)), zap.Duration("duration", res.Duration))
	metrics.ObserveTool(name, "ok", res.Duration)
	return res, nil
}

// run executes the handler in its own goroutine so a handler ignoring ctx cannot outlive the timeout.
// Only read-only tools go through it: an abandoned handler must not touch the turn transaction.
func (r *Registry) run(ctx context.Context, d Descriptor, env Env, args map[string]any) (Output, error) {
	type outcome struct {
		out Output
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := call(ctx, d, env, args)
		done <- outcome{out: out, err: err}
	}()
	select {
	case o := <-done:
		return o.out, o.err
	case <-ctx.Done():
		return Output{}, ctx.Err()
	}
}

func call(ctx context.Context, d Descriptor, env Env, args map[string]any) (out Output, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: handler panic: %v", models.ErrToolExecution, p)
		}
	}()
	return d.Handler(ctx, env, args)
}

func classify(parent, callCtx context.Context, err error) ErrorKind {
	switch {
	case parent.Err() != nil:
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, models.ErrStoreTimeout) ||
		errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, models.ErrStoreUnavailable):
		return KindUnavailable
	case errors.Is(err, models.ErrMalformedResponse):
		return KindMalformedResponse
	}
	return KindExecution
}

// LockedSessions returns how many sessions currently hold or wait for the per-session lock.
func (r *Registry) LockedSessions() int {
	return r.sessions.size()
}

// sessionLocks - мьютекс на сессию, вызовы разных сессий не блокируют друг друга.
// Запись удаляется, когда ее никто не держит и не ждет.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int // под sessionLocks.mu
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sessionLock)}
}

func (s *sessionLocks) lock(sessionID string) func() {
	s.mu.Lock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sessionLock{}
		s.locks[sessionID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, sessionID)
		}
		s.mu.Unlock()
	}
}

func (s *sessionLocks) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}
