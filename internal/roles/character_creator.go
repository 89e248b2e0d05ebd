package roles

import (
	"context"
	"math"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"tta-server/internal/state"
	"tta-server/internal/tools"
	"tta-server/shared/models"
)

const rapportStep = 0.1

// CharacterCreator ведет записи персонажей: создает собеседника и обновляет отношение к игроку.
// Единственная роль, которой разрешено создавать записи персонажей.
type CharacterCreator struct{}

// NewCharacterCreator creates the character role.
func NewCharacterCreator() *CharacterCreator { return &CharacterCreator{} }

func (c *CharacterCreator) ID() models.RoleID { return models.RoleCharacterCreator }

func (c *CharacterCreator) Tools() []string {
	return []string{tools.ToolQueryKnowledgeGraph, tools.ToolCreateCharacter, tools.ToolRelateEntities}
}

// Handle implements Role.
func (c *CharacterCreator) Handle(ctx context.Context, view *state.State, env Env) (Result, error) {
	if view.Action() != models.ActionTalk || view.Intent.Target == "" {
		return eventOnly(EventTalkNobody, ""), nil
	}
	id, name, ok, err := c.find(ctx, view, env)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		id, name, ok, err = c.create(ctx, view, env)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			return eventOnly(EventTalkFailed, view.Intent.Target), nil
		}
	}

	rec, exists := view.Character(id)
	if exists && rec.Deleted {
		return eventOnly(EventTalkGone, rec.Name), nil
	}
	player := tools.PlayerNodeID(env.SessionID)
	rapport := math.Min(1, math.Round((rec.Relationships[player]+rapportStep)*100)/100)

	cp := state.CharacterPatch{
		Disposition:   state.Text(disposition(rapport)),
		Relationships: map[string]float64{player: rapport},
		Attributes:    map[string]string{"last_spoken_turn": strconv.FormatInt(view.Turn, 10)},
	}
	if !exists {
		cp.Name = state.Text(name)
		cp.LocationID = state.Text(view.World.LocationID)
		cp.Condition = state.Text("well")
	}
	res := Result{Patch: state.Patch{
		Characters: map[string]state.CharacterPatch{id: cp},
		World: &state.WorldPatch{Params: map[string]string{
			ParamEvent:        EventTalked,
			ParamEventSubject: id,
		}},
	}}
	res.ToolRequests = []state.ToolCall{{
		Tool: tools.ToolRelateEntities,
		Args: map[string]any{
			"from_id":  player,
			"to_id":    id,
			"kind":     string(models.RelRelatedTo),
			"strength": rapport,
		},
	}}
	return res, nil
}

// find берет цель, разрешенную на входе, или ищет персонажа по имени.
func (c *CharacterCreator) find(ctx context.Context, view *state.State, env Env) (string, string, bool, error) {
	intent := view.Intent
	if id := intent.Extra[ExtraTargetID]; id != "" && intent.Extra[ExtraTargetKind] == string(models.NodeCharacter) {
		return id, intent.Target, true, nil
	}
	res, err := invoke(ctx, env, tools.ToolQueryKnowledgeGraph, map[string]any{
		"kind":  string(models.NodeCharacter),
		"name":  intent.Target,
		"match": "contains",
	})
	if err != nil {
		return "", "", false, err
	}
	if !res.OK || len(res.Output.Records) == 0 {
		return "", "", false, nil
	}
	n := res.Output.Records[0].Node()
	return n.ID, n.Name, true, nil
}

// create заводит нового персонажа в текущей локации.
func (c *CharacterCreator) create(ctx context.Context, view *state.State, env Env) (string, string, bool, error) {
	name := titleCase(view.Intent.Target)
	res, err := invoke(ctx, env, tools.ToolCreateCharacter, map[string]any{
		"name":        name,
		"description": "Someone you have not met before.",
		"location_id": view.World.LocationID,
	})
	if err != nil {
		return "", "", false, err
	}
	if !res.OK || len(res.Output.Records) == 0 {
		return "", "", false, nil
	}
	return res.Output.Records[0].String("id"), name, true, nil
}

func disposition(rapport float64) string {
	switch {
	case rapport >= 0.5:
		return "friendly"
	case rapport >= 0.2:
		return "warm"
	}
	return "neutral"
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + w[size:]
	}
	return strings.Join(words, " ")
}
