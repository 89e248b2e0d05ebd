// Package roles contains the closed set of specialized handlers that take part in a turn.
// A role reads a cloned view of the session state and returns a patch; it never writes state itself.
package roles

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"tta-server/internal/retrieval"
	"tta-server/internal/service"
	"tta-server/internal/state"
	"tta-server/internal/tools"
	"tta-server/shared/models"
)

// Ключи параметров снимка мира, через которые роли передают друг другу факты хода.
const (
	ParamDescription    = "location_description"
	ParamExits          = "exits"
	ParamItemsHere      = "items_here"
	ParamCharactersHere = "characters_here"
	ParamEvent          = "event"
	ParamEventSubject   = "event_subject"
	ParamExamined       = "examined"
	ParamGrounded       = "grounded"
)

// События хода в ParamEvent.
const (
	EventArrived        = "arrived"
	EventLooked         = "looked"
	EventLookFailed     = "look_failed"
	EventMoved          = "moved"
	EventBlocked        = "blocked"
	EventMoveFailed     = "move_failed"
	EventTook           = "took"
	EventTakeFailed     = "take_failed"
	EventTalked         = "talked"
	EventTalkNobody     = "talk_nobody"
	EventTalkGone       = "talk_gone"
	EventTalkFailed     = "talk_failed"
	EventExamined       = "examined"
	EventLore           = "lore"
	EventExamineMissing = "examine_missing"
)

// Ключи Intent.Extra, заполняемые при разрешении цели.
const (
	ExtraTargetID          = "target_id"
	ExtraTargetKind        = "target_kind"
	ExtraTargetDescription = "target_description"
)

// Env - то, что оркестратор дает роли на один вызов.
type Env struct {
	SessionID string
	PlayerID  string
	Tools     tools.Invoker        // ограничен объявленным набором роли
	Retriever *retrieval.Retriever // общий на ход, следит за бюджетом
}

// Result - ответ роли: патч и отложенные вызовы инструментов.
type Result struct {
	Patch        state.Patch
	ToolRequests []state.ToolCall
}

// Role - участник хода.
type Role interface {
	ID() models.RoleID
	// Tools returns the declared tool set; any other tool fails the turn.
	Tools() []string
	Handle(ctx context.Context, view *state.State, env Env) (Result, error)
}

// invoke вызывает инструмент роли. Аргументы, отклоненные схемой (например, слишком длинная цель),
// ход не валят: роль получает неуспешный результат и идет по ветке отказа.
func invoke(ctx context.Context, env Env, name string, args map[string]any) (tools.Result, error) {
	res, err := env.Tools.Invoke(ctx, name, args)
	if errors.Is(err, models.ErrSchemaValidation) {
		return tools.Result{Tool: name, ErrorKind: tools.KindSchemaValidation, Message: err.Error()}, nil
	}
	return res, err
}

// Set - закрытый набор ролей процесса.
type Set struct {
	roles map[models.RoleID]Role
}

// NewSet builds the set and checks that every role id is implemented exactly once.
func NewSet(list ...Role) (*Set, error) {
	s := &Set{roles: make(map[models.RoleID]Role, len(list))}
	for _, r := range list {
		if !r.ID().Valid() {
			return nil, fmt.Errorf("%w: %q", models.ErrUnknownRole, r.ID())
		}
		if _, dup := s.roles[r.ID()]; dup {
			return nil, fmt.Errorf("role %s registered twice", r.ID())
		}
		s.roles[r.ID()] = r
	}
	var missing []string
	for _, id := range models.AllRoles() {
		if _, ok := s.roles[id]; !ok {
			missing = append(missing, string(id))
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("roles not implemented: %s", strings.Join(missing, ", "))
	}
	return s, nil
}

// Get returns the role implementing id.
func (s *Set) Get(id models.RoleID) (Role, error) {
	r, ok := s.roles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownRole, id)
	}
	return r, nil
}

// Deps - зависимости стандартного набора ролей.
type Deps struct {
	AI                 service.AIClient // nil - только детерминированные реализации
	Budget             *service.TokenBudget
	RetrievalSteps     int
	StartingLocationID string
	Logger             *zap.Logger
}

// Default builds the standard role set.
func Default(d Deps) *Set {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	var parser IntentParser = KeywordParser{}
	var narrator Narrator
	if d.AI != nil {
		parser = NewLLMParser(d.AI, parser, d.Logger)
		narrator = NewLLMNarrator(d.AI, d.Budget, d.Logger)
	}
	s, err := NewSet(
		NewInputProcessor(parser, d.RetrievalSteps, d.Logger),
		NewWorldBuilder(d.StartingLocationID),
		NewCharacterCreator(),
		NewLoreKeeper(),
		NewNarrativeGenerator(narrator, d.Logger),
		Clarifier{},
		Onboarding{},
	)
	if err != nil {
		// набор статический, ошибка здесь - ошибка сборки
		panic(err)
	}
	return s
}
