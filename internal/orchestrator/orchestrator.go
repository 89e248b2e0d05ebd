// Package orchestrator drives player turns through the role set: it routes between roles,
// merges their patches into the session state, dispatches tool requests and checkpoints
// every completed turn.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"tta-server/internal/config"
	"tta-server/internal/metrics"
	"tta-server/internal/retrieval"
	"tta-server/internal/roles"
	"tta-server/internal/state"
	"tta-server/internal/tools"
	"tta-server/shared/interfaces"
	"tta-server/shared/models"
)

const (
	defaultMaxRoleSteps = 8
	persistTimeout      = 10 * time.Second
	publishTimeout      = 5 * time.Second
)

var tracer = otel.Tracer("tta-server/orchestrator")

// Deps - зависимости оркестратора. Locker и Publisher необязательны.
type Deps struct {
	Config      config.OrchestratorConfig
	Roles       *roles.Set
	Routes      *Table
	Registry    *tools.Registry
	Store       interfaces.KnowledgeStore
	Checkpoints interfaces.CheckpointRepository
	Locker      interfaces.SessionLocker
	Publisher   interfaces.TurnEventPublisher
	Logger      *zap.Logger
}

// TurnOutput - ответ игроку за один ход.
type TurnOutput struct {
	SessionID  string
	Turn       int64
	Narrative  string
	Terminated bool
	Unsynced   bool
	Roles      []models.RoleID
}

// session - состояние одной сессии в памяти процесса.
// sem держит ход сессии; state и unsynced меняются только под ним.
// refs, loaded и lastUsed защищены Orchestrator.mu.
type session struct {
	id       string
	sem      chan struct{}
	state    *state.State
	unsynced []models.Checkpoint

	refs     int
	loaded   bool
	lastUsed time.Time
}

// Orchestrator ведет ходы всех сессий процесса.
type Orchestrator struct {
	cfg         config.OrchestratorConfig
	roles       *roles.Set
	routes      *Table
	registry    *tools.Registry
	store       interfaces.KnowledgeStore
	checkpoints interfaces.CheckpointRepository
	locker      interfaces.SessionLocker
	publisher   interfaces.TurnEventPublisher
	retrieval   retrieval.Config
	policy      state.ConflictPolicy
	logger      *zap.Logger

	mu        sync.Mutex
	sessions  map[string]*session
	unsynced  map[string]struct{}
	lastSweep time.Time
}

// New creates the orchestrator.
func New(d Deps) (*Orchestrator, error) {
	if d.Roles == nil || d.Registry == nil || d.Checkpoints == nil {
		return nil, fmt.Errorf("%w: orchestrator requires roles, tool registry and checkpoint repository", models.ErrInvalidInput)
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Routes == nil {
		d.Routes = DefaultTable()
	}
	if d.Config.MaxRoleSteps <= 0 {
		d.Config.MaxRoleSteps = defaultMaxRoleSteps
	}
	rc := retrieval.DefaultConfig()
	if d.Config.RetrievalSteps > 0 {
		rc.DefaultSteps = d.Config.RetrievalSteps
	}
	if d.Config.RetrievalMaxSteps > 0 {
		rc.MaxSteps = d.Config.RetrievalMaxSteps
	}
	if d.Config.RetrievalPerRole > 0 {
		rc.PerRole = d.Config.RetrievalPerRole
	}
	return &Orchestrator{
		cfg:         d.Config,
		roles:       d.Roles,
		routes:      d.Routes,
		registry:    d.Registry,
		store:       d.Store,
		checkpoints: d.Checkpoints,
		locker:      d.Locker,
		publisher:   d.Publisher,
		retrieval:   rc,
		policy:      state.ConflictPolicy(d.Config.ConflictPolicy),
		logger:      d.Logger.Named("Orchestrator"),
		sessions:    make(map[string]*session),
		unsynced:    make(map[string]struct{}),
	}, nil
}

// StartSession создает сессию: размещает игрока в стартовой локации, проводит знакомство
// и сохраняет ход 0.
func (o *Orchestrator) StartSession(ctx context.Context, playerID string) (TurnOutput, error) {
	id := uuid.NewString()
	log := o.logger.With(zap.String("session_id", id), zap.String("player_id", playerID))

	sess := o.checkout(id)
	defer o.checkin(sess)
	release, err := o.acquire(ctx, sess)
	if err != nil {
		return TurnOutput{}, err
	}
	defer release()

	ctx, span := tracer.Start(ctx, "orchestrator.start_session")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", id))

	work := state.New(id, playerID, o.policy)
	work.SetPhase(state.PhaseRunning)
	c := o.newCycle(ctx, work)
	for _, role := range []models.RoleID{models.RoleWorldBuilder, models.RoleOnboarding} {
		if err = c.step(ctx, role); err != nil {
			break
		}
	}
	if err == nil {
		err = c.commit(ctx)
	}
	if err != nil {
		c.rollback(ctx)
		span.RecordError(err)
		span.SetStatus(codes.Error, "start session failed")
		log.Error("Failed to start session", zap.Error(err))
		return TurnOutput{}, fmt.Errorf("start session: %w", err)
	}
	if err := work.SetActiveRole(models.RoleInputProcessor); err != nil {
		return TurnOutput{}, err
	}
	work.SetPhase(state.PhaseAwaitingInput)
	sess.state = work
	o.markLoaded(sess)

	out := TurnOutput{SessionID: id, Turn: work.Turn, Narrative: work.NarrativeOutput, Roles: c.trace}
	if err := o.persist(ctx, sess); err != nil {
		log.Warn("Initial checkpoint not persisted, queued", zap.Error(err))
		out.Unsynced = true
	}
	log.Info("Session started")
	return out, nil
}

// ResumeSession returns the last answer of a session, loading its latest checkpoint if needed.
func (o *Orchestrator) ResumeSession(ctx context.Context, sessionID string) (TurnOutput, error) {
	sess, release, err := o.open(ctx, sessionID)
	if err != nil {
		return TurnOutput{}, err
	}
	defer release()
	st := sess.state
	return TurnOutput{
		SessionID:  st.SessionID,
		Turn:       st.Turn,
		Narrative:  st.NarrativeOutput,
		Terminated: st.Phase == state.PhaseTerminated,
		Unsynced:   len(sess.unsynced) > 0,
	}, nil
}

// Session returns a copy of the current session state.
func (o *Orchestrator) Session(ctx context.Context, sessionID string) (*state.State, error) {
	sess, release, err := o.open(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()
	return sess.state.Clone(), nil
}

// HandleInput выполняет один ход. Сбой хода откатывает состояние и возвращает безопасную фразу
// в TurnOutput вместе с ошибкой (см. IsTurnFailure).
func (o *Orchestrator) HandleInput(ctx context.Context, sessionID, input string) (TurnOutput, error) {
	sess, release, err := o.open(ctx, sessionID)
	if err != nil {
		return TurnOutput{}, err
	}
	defer release()
	if sess.state.Phase == state.PhaseTerminated {
		return TurnOutput{}, fmt.Errorf("%w: %s", models.ErrSessionTerminated, sessionID)
	}

	start := time.Now()
	work := sess.state.Clone()
	work.BeginTurn(input)
	log := o.logger.With(zap.String("session_id", sessionID), zap.Int64("turn", work.Turn))

	ctx, span := tracer.Start(ctx, "orchestrator.turn")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", sessionID), attribute.Int64("turn", work.Turn))

	trace, terminated, err := o.runTurn(ctx, work)
	if err != nil {
		// рабочая копия отбрасывается, состояние сессии остается как до хода
		outcome := models.TurnFailed
		if ctx.Err() != nil {
			outcome = models.TurnCancelled
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, string(outcome))
		metrics.ObserveTurn(string(outcome), len(trace), time.Since(start))
		o.publish(ctx, models.TurnEvent{
			SessionID: sessionID, PlayerID: work.PlayerID, Turn: work.Turn, Roles: trace, Outcome: outcome,
		})
		if outcome == models.TurnCancelled {
			log.Info("Turn cancelled, state rolled back", zap.Error(err))
			return TurnOutput{}, fmt.Errorf("turn cancelled: %w", err)
		}
		log.Error("Turn failed, state rolled back", zap.Any("roles", trace), zap.Error(err))
		narrative := FallbackFailure
		if errors.Is(err, models.ErrOrchestrationLoop) {
			narrative = FallbackLoop
		}
		return TurnOutput{SessionID: sessionID, Turn: sess.state.Turn, Narrative: narrative, Roles: trace}, err
	}

	outcome := models.TurnCompleted
	narrative := work.NarrativeOutput
	if terminated {
		outcome = models.TurnTerminated
		narrative = FallbackFarewell
		// прощание пишется в снимок напрямую: после quit патчи не применяются
		work.NarrativeOutput = FallbackFarewell
		work.SetPhase(state.PhaseTerminated)
	} else {
		work.SetPhase(state.PhaseAwaitingInput)
		if err := work.SetActiveRole(models.RoleInputProcessor); err != nil {
			return TurnOutput{}, err
		}
	}
	sess.state = work

	out := TurnOutput{SessionID: sessionID, Turn: work.Turn, Narrative: narrative, Terminated: terminated, Roles: trace}
	if err := o.persist(ctx, sess); err != nil {
		log.Warn("Checkpoint not persisted, turn queued", zap.Error(err))
		out.Unsynced = true
	}
	metrics.ObserveTurn(string(outcome), len(trace), time.Since(start))
	o.publish(ctx, models.TurnEvent{
		SessionID: sessionID, PlayerID: work.PlayerID, Turn: work.Turn, Roles: trace,
		Outcome: outcome, Narrative: narrative, Unsynced: out.Unsynced,
	})
	log.Info("Turn completed", zap.String("outcome", string(outcome)), zap.Any("roles", trace), zap.Duration("duration", time.Since(start)))
	return out, nil
}

// Save сохраняет текущий снимок и все несинхронизированные ходы сессии.
func (o *Orchestrator) Save(ctx context.Context, sessionID string) error {
	sess, release, err := o.open(ctx, sessionID)
	if err != nil {
		return err
	}
	defer release()
	return o.persist(ctx, sess)
}

// Close flushes unsynced checkpoints of every session loaded by this process.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	ids := make([]string, 0, len(o.unsynced))
	for id := range o.unsynced {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := o.Save(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		o.logger.Error("Some sessions were not persisted on close", zap.Int("sessions", len(errs)))
	}
	return errors.Join(errs...)
}

// runTurn проводит ввод через роли до ответа игроку или завершения сессии.
func (o *Orchestrator) runTurn(ctx context.Context, work *state.State) ([]models.RoleID, bool, error) {
	c := o.newCycle(ctx, work)
	terminated, err := c.route(ctx)
	if err == nil {
		err = c.commit(ctx)
	}
	if err != nil {
		c.rollback(ctx)
		return c.trace, false, err
	}
	return c.trace, terminated, nil
}

// LoadedSessions returns the number of sessions held in memory.
func (o *Orchestrator) LoadedSessions() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sessions)
}

// checkout returns the in-memory entry for a session, creating an empty one,
// and pins it until checkin.
func (o *Orchestrator) checkout(id string) *session {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[id]
	if !ok {
		s = &session{id: id, sem: make(chan struct{}, 1)}
		o.sessions[id] = s
	}
	s.refs++
	return s
}

// checkin снимает закрепление. Незагруженная запись удаляется только когда ее никто
// не держит и не ждет: ожидающий сам повторит загрузку.
func (o *Orchestrator) checkin(sess *session) {
	now := time.Now()
	o.mu.Lock()
	defer o.mu.Unlock()
	sess.refs--
	sess.lastUsed = now
	if sess.refs == 0 && !sess.loaded && o.sessions[sess.id] == sess {
		delete(o.sessions, sess.id)
	}
	o.evictIdle(now)
}

func (o *Orchestrator) markLoaded(sess *session) {
	o.mu.Lock()
	sess.loaded = true
	o.mu.Unlock()
}

// evictIdle выгружает синхронизированные сессии без ходов дольше SessionIdleTTL.
// Следующее обращение загрузит их из последнего снимка. Вызывается под o.mu.
func (o *Orchestrator) evictIdle(now time.Time) {
	ttl := o.cfg.SessionIdleTTL
	if ttl <= 0 || now.Sub(o.lastSweep) < ttl {
		return
	}
	o.lastSweep = now
	evicted := 0
	for id, s := range o.sessions {
		if s.refs > 0 || now.Sub(s.lastUsed) < ttl {
			continue
		}
		if _, dirty := o.unsynced[id]; dirty {
			continue
		}
		delete(o.sessions, id)
		evicted++
	}
	if evicted > 0 {
		o.logger.Debug("Idle sessions evicted", zap.Int("evicted", evicted), zap.Int("loaded", len(o.sessions)))
	}
}

// acquire берет локальную блокировку сессии и, если настроена, распределенную.
func (o *Orchestrator) acquire(ctx context.Context, sess *session) (func(), error) {
	select {
	case sess.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", models.ErrSessionBusy, ctx.Err())
	}
	if o.locker == nil {
		return func() { <-sess.sem }, nil
	}
	unlock, err := o.locker.Lock(ctx, sess.id)
	if err != nil {
		<-sess.sem
		return nil, fmt.Errorf("%w: %v", models.ErrSessionBusy, err)
	}
	return func() {
		unlock()
		<-sess.sem
	}, nil
}

// open locks the session and loads its latest checkpoint when it is not in memory.
func (o *Orchestrator) open(ctx context.Context, id string) (*session, func(), error) {
	sess := o.checkout(id)
	unlock, err := o.acquire(ctx, sess)
	if err != nil {
		o.checkin(sess)
		return nil, nil, err
	}
	release := func() {
		unlock()
		o.checkin(sess)
	}
	if sess.state != nil {
		return sess, release, nil
	}
	var loaded *state.State
	cp, err := o.checkpoints.LoadLatest(ctx, id)
	if err == nil {
		loaded, err = state.Decode(cp.State)
	}
	if err != nil {
		release()
		if errors.Is(err, models.ErrNotFound) {
			return nil, nil, fmt.Errorf("session %s: %w", id, models.ErrNotFound)
		}
		return nil, nil, fmt.Errorf("load session %s: %w", id, err)
	}
	loaded.SetConflictPolicy(o.policy)
	sess.state = loaded
	o.markLoaded(sess)
	o.logger.Info("Session loaded from checkpoint", zap.String("session_id", id), zap.Int64("turn", sess.state.Turn))
	return sess, release, nil
}

// persist пишет очередь несинхронизированных снимков и текущий одной пачкой, по порядку ходов.
// При ошибке текущий снимок остается в очереди.
func (o *Orchestrator) persist(ctx context.Context, sess *session) error {
	cp, err := state.Snapshot(sess.state)
	if err != nil {
		return &PersistenceError{SessionID: sess.id, Turns: []int64{sess.state.Turn}, Err: err}
	}
	batch := enqueue(sess.unsynced, cp)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := o.checkpoints.SaveBatch(ctx, batch); err != nil {
		sess.unsynced = batch
		o.markUnsynced(sess.id, true)
		metrics.CheckpointFailed()
		return &PersistenceError{SessionID: sess.id, Turns: turnsOf(batch), Err: err}
	}
	if len(sess.unsynced) > 0 {
		o.logger.Info("Unsynced turns persisted", zap.String("session_id", sess.id), zap.Int64s("turns", turnsOf(batch)))
	}
	sess.unsynced = nil
	o.markUnsynced(sess.id, false)
	return nil
}

func (o *Orchestrator) markUnsynced(id string, unsynced bool) {
	o.mu.Lock()
	if unsynced {
		o.unsynced[id] = struct{}{}
	} else {
		delete(o.unsynced, id)
	}
	n := len(o.unsynced)
	o.mu.Unlock()
	metrics.SetUnsyncedSessions(n)
}

// publish отправляет событие хода. Ошибка публикации ход не проваливает.
func (o *Orchestrator) publish(ctx context.Context, event models.TurnEvent) {
	if o.publisher == nil {
		return
	}
	event.OccurredAt = time.Now().UTC()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := o.publisher.PublishTurnEvent(ctx, event); err != nil {
		o.logger.Warn("Failed to publish turn event", zap.String("session_id", event.SessionID), zap.Int64("turn", event.Turn), zap.Error(err))
	}
}

// enqueue appends cp to the queue; a queued snapshot of the same turn is replaced.
func enqueue(queue []models.Checkpoint, cp models.Checkpoint) []models.Checkpoint {
	out := make([]models.Checkpoint, 0, len(queue)+1)
	for _, q := range queue {
		if q.Turn != cp.Turn {
			out = append(out, q)
		}
	}
	return append(out, cp)
}

func turnsOf(batch []models.Checkpoint) []int64 {
	turns := make([]int64, len(batch))
	for i, cp := range batch {
		turns[i] = cp.Turn
	}
	return turns
}
