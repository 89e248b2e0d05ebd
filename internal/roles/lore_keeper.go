package roles

import (
	"context"
	"fmt"
	"strings"

	"tta-server/internal/state"
	"tta-server/internal/tools"
	"tta-server/shared/models"
)

const recallLimit = 3

// LoreKeeper - роль согласованности: проверяет, что цель хода есть в мире,
// сохраняет заметные события как долговременную память и поднимает ее в следующих ходах.
// Сюда же уходят ходы, для которых в таблице маршрутов нет записи.
type LoreKeeper struct{}

// NewLoreKeeper creates the consistency role.
func NewLoreKeeper() *LoreKeeper { return &LoreKeeper{} }

func (l *LoreKeeper) ID() models.RoleID { return models.RoleLoreKeeper }

func (l *LoreKeeper) Tools() []string {
	return []string{tools.ToolQueryKnowledgeGraph, tools.ToolReadLore, tools.ToolStoreMemory, tools.ToolRecallMemories}
}

// Handle implements Role.
func (l *LoreKeeper) Handle(ctx context.Context, view *state.State, env Env) (Result, error) {
	var res Result
	switch view.Action() {
	case models.ActionExamine:
		var err error
		if res, err = l.examine(ctx, view, env); err != nil {
			return Result{}, err
		}
	case models.ActionMove, models.ActionTake, models.ActionTalk:
		res = l.remember(view, env)
	default:
		grounded := "false"
		if view.World.LocationID != "" {
			grounded = "true"
		}
		return Result{Patch: state.Patch{World: &state.WorldPatch{Params: map[string]string{ParamGrounded: grounded}}}}, nil
	}
	refs, err := l.recall(ctx, view, env)
	if err != nil {
		return Result{}, err
	}
	res.Patch.MemoryRefs = refs
	return res, nil
}

// recall поднимает воспоминания к ходу: собеседника после разговора, игрока при осмотре цели.
// Сохранение памяти этого хода идет отложенным вызовом, поэтому здесь видны только прошлые ходы.
func (l *LoreKeeper) recall(ctx context.Context, view *state.State, env Env) ([]state.MemoryRef, error) {
	var owner, query string
	switch {
	case view.Action() == models.ActionTalk && view.World.Params[ParamEvent] == EventTalked:
		owner, query = view.World.Params[ParamEventSubject], view.RawInput
	case view.Action() == models.ActionExamine && view.Intent.Target != "":
		owner, query = tools.PlayerNodeID(env.SessionID), view.Intent.Target
	default:
		return nil, nil
	}
	res, err := invoke(ctx, env, tools.ToolRecallMemories, map[string]any{
		"owner_id": owner,
		"query":    query,
		"limit":    recallLimit,
	})
	if err != nil {
		return nil, err
	}
	if !res.OK || len(res.Output.Records) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(res.Output.Records))
	texts := make([]string, 0, len(res.Output.Records))
	for _, rec := range res.Output.Records {
		ids = append(ids, rec.String("id"))
		texts = append(texts, rec.String("description"))
	}
	return []state.MemoryRef{{
		Step:    len(view.MemoryRefs) + 1,
		Role:    l.ID(),
		Query:   "memories:" + owner,
		NodeIDs: ids,
		Summary: strings.Join(texts, " | "),
		OK:      true,
	}}, nil
}

func (l *LoreKeeper) examine(ctx context.Context, view *state.State, env Env) (Result, error) {
	intent := view.Intent
	if intent.Target == "" {
		return groundedEvent(false, EventExamineMissing, "", ""), nil
	}
	if desc := intent.Extra[ExtraTargetDescription]; desc != "" {
		return groundedEvent(true, EventExamined, intent.Target, desc), nil
	}
	if intent.Extra[ExtraTargetKind] == "" || intent.Extra[ExtraTargetKind] == string(models.NodeConcept) {
		// текст предания уходит игроку напрямую
		res, err := invoke(ctx, env, tools.ToolReadLore, map[string]any{"name": intent.Target})
		if err != nil {
			return Result{}, err
		}
		if res.OK {
			return groundedEvent(true, EventLore, intent.Target, ""), nil
		}
	}
	return groundedEvent(false, EventExamineMissing, intent.Target, ""), nil
}

// remember ставит в очередь сохранение памяти о событии хода.
func (l *LoreKeeper) remember(view *state.State, env Env) Result {
	event := view.World.Params[ParamEvent]
	subject := view.World.Params[ParamEventSubject]
	owner := tools.PlayerNodeID(env.SessionID)
	var content string
	switch event {
	case EventMoved:
		content = fmt.Sprintf("Turn %d: travelled %s to %s.", view.Turn, subject, view.World.LocationName)
	case EventTook:
		content = fmt.Sprintf("Turn %d: picked up the %s in %s.", view.Turn, subject, view.World.LocationName)
	case EventTalked:
		owner = subject
		content = fmt.Sprintf("Turn %d: the player said %q.", view.Turn, view.RawInput)
	default:
		return Result{Patch: state.Patch{World: &state.WorldPatch{Params: map[string]string{ParamGrounded: "true"}}}}
	}
	return Result{
		Patch: state.Patch{World: &state.WorldPatch{Params: map[string]string{ParamGrounded: "true"}}},
		ToolRequests: []state.ToolCall{{
			Tool: tools.ToolStoreMemory,
			Args: map[string]any{"owner_id": owner, "content": content, "tags": event, "turn": view.Turn},
		}},
	}
}

func groundedEvent(grounded bool, event, subject, examined string) Result {
	g := "false"
	if grounded {
		g = "true"
	}
	return Result{Patch: state.Patch{World: &state.WorldPatch{Params: map[string]string{
		ParamGrounded:     g,
		ParamEvent:        event,
		ParamEventSubject: subject,
		ParamExamined:     examined,
	}}}}
}
