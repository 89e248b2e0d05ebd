package roles

import (
	"context"
	"sort"
	"strings"

	"tta-server/internal/knowledge"
	"tta-server/internal/state"
	"tta-server/internal/tools"
	"tta-server/shared/models"
)

// WorldBuilder ведет снимок мира: осмотр, перемещение, предметы.
type WorldBuilder struct {
	startingLocationID string
}

// NewWorldBuilder creates the world role; startingLocationID places new players.
func NewWorldBuilder(startingLocationID string) *WorldBuilder {
	if startingLocationID == "" {
		startingLocationID = knowledge.StartingLocationID
	}
	return &WorldBuilder{startingLocationID: startingLocationID}
}

func (w *WorldBuilder) ID() models.RoleID { return models.RoleWorldBuilder }

func (w *WorldBuilder) Tools() []string {
	return []string{tools.ToolGetLocationDetails, tools.ToolMovePlayer, tools.ToolTakeItem}
}

// Handle implements Role.
func (w *WorldBuilder) Handle(ctx context.Context, view *state.State, env Env) (Result, error) {
	if view.World.LocationID == "" {
		return w.arrive(ctx, view, env)
	}
	switch view.Action() {
	case models.ActionMove:
		return w.move(ctx, view, env)
	case models.ActionTake:
		return w.take(ctx, view, env)
	}
	return w.look(ctx, view, env, view.World.LocationID, EventLooked, "")
}

// location - разобранный ответ get_location_details.
type location struct {
	ID             string
	Name           string
	Description    string
	Exits          map[string]string
	Characters     []string
	CharacterNames []string
	Items          []string
	UniverseID     string
	Guidelines     []string
}

func (w *WorldBuilder) details(ctx context.Context, env Env, locationID string) (location, bool, error) {
	res, err := invoke(ctx, env, tools.ToolGetLocationDetails, map[string]any{"location_id": locationID})
	if err != nil || !res.OK || len(res.Output.Records) == 0 {
		return location{}, false, err
	}
	rec := res.Output.Records[0]
	loc := location{
		ID:          rec.String("id"),
		Name:        rec.String("name"),
		Description: rec.String("description"),
		UniverseID:  rec.String("universe_id"),
		Exits:       map[string]string{},
	}
	if exits, ok := rec["exits"].(map[string]string); ok {
		loc.Exits = exits
	}
	loc.Characters, _ = rec["characters"].([]string)
	loc.CharacterNames, _ = rec["character_names"].([]string)
	loc.Items, _ = rec["items"].([]string)
	loc.Guidelines, _ = rec["guidelines"].([]string)
	return loc, true, nil
}

// arrive помещает игрока в стартовую локацию.
func (w *WorldBuilder) arrive(ctx context.Context, view *state.State, env Env) (Result, error) {
	res, err := invoke(ctx, env, tools.ToolMovePlayer, map[string]any{
		"player_id":   tools.PlayerNodeID(env.SessionID),
		"location_id": w.startingLocationID,
	})
	if err != nil {
		return Result{}, err
	}
	if !res.OK {
		return eventOnly(EventLookFailed, ""), nil
	}
	return w.look(ctx, view, env, w.startingLocationID, EventArrived, "")
}

func (w *WorldBuilder) look(ctx context.Context, view *state.State, env Env, locationID, event, subject string) (Result, error) {
	loc, ok, err := w.details(ctx, env, locationID)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return eventOnly(EventLookFailed, subject), nil
	}
	return Result{Patch: worldPatch(view, loc, event, subject)}, nil
}

func (w *WorldBuilder) move(ctx context.Context, view *state.State, env Env) (Result, error) {
	here, ok, err := w.details(ctx, env, view.World.LocationID)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return eventOnly(EventMoveFailed, ""), nil
	}
	intent := view.Intent
	subject := intent.Direction
	if subject == "" {
		subject = intent.Target
	}
	dest := resolveExit(here.Exits, intent.Direction, intent.Target)
	if dest == "" {
		return eventOnly(EventBlocked, subject), nil
	}
	res, err := invoke(ctx, env, tools.ToolMovePlayer, map[string]any{
		"player_id":   tools.PlayerNodeID(env.SessionID),
		"location_id": dest,
	})
	if err != nil {
		return Result{}, err
	}
	if !res.OK {
		return eventOnly(EventMoveFailed, subject), nil
	}
	return w.look(ctx, view, env, dest, EventMoved, subject)
}

func (w *WorldBuilder) take(ctx context.Context, view *state.State, env Env) (Result, error) {
	target := view.Intent.Target
	if target == "" {
		return eventOnly(EventTakeFailed, ""), nil
	}
	res, err := invoke(ctx, env, tools.ToolTakeItem, map[string]any{
		"player_id":   tools.PlayerNodeID(env.SessionID),
		"location_id": view.World.LocationID,
		"item_name":   target,
	})
	if err != nil {
		return Result{}, err
	}
	if !res.OK {
		return eventOnly(EventTakeFailed, target), nil
	}
	name := res.Output.Text
	inventory := append(append([]string{}, view.World.Inventory...), name)
	var here []string
	for _, item := range splitList(view.World.Params[ParamItemsHere]) {
		if !strings.EqualFold(item, name) {
			here = append(here, item)
		}
	}
	return Result{Patch: state.Patch{World: &state.WorldPatch{
		Inventory: inventory,
		Params: map[string]string{
			ParamItemsHere:    strings.Join(here, ", "),
			ParamEvent:        EventTook,
			ParamEventSubject: name,
		},
	}}}, nil
}

// resolveExit выбирает выход по направлению, иначе по id или имени соседней локации.
func resolveExit(exits map[string]string, direction, target string) string {
	if direction != "" {
		return exits[direction]
	}
	if target == "" {
		return ""
	}
	slug := strings.ReplaceAll(strings.ToLower(target), " ", "_")
	for _, dir := range sortedDirections(exits) {
		id := exits[dir]
		if id == slug || strings.Contains(id, slug) || dir == target {
			return id
		}
	}
	return ""
}

func worldPatch(view *state.State, loc location, event, subject string) state.Patch {
	characters := loc.Characters
	if characters == nil {
		characters = []string{}
	}
	p := state.Patch{World: &state.WorldPatch{
		LocationID:        state.Text(loc.ID),
		LocationName:      state.Text(loc.Name),
		UniverseID:        state.Text(loc.UniverseID),
		CharactersPresent: characters,
		Params: map[string]string{
			ParamDescription:    loc.Description,
			ParamExits:          strings.Join(sortedDirections(loc.Exits), ", "),
			ParamItemsHere:      strings.Join(loc.Items, ", "),
			ParamCharactersHere: strings.Join(loc.CharacterNames, ", "),
			ParamEvent:          event,
			ParamEventSubject:   subject,
		},
	}}
	// смена вселенной меняет и метаконцепции сессии
	if loc.UniverseID != "" && loc.UniverseID != view.World.UniverseID && len(loc.Guidelines) > 0 {
		p.Guidelines = loc.Guidelines
	}
	return p
}

func eventOnly(event, subject string) Result {
	return Result{Patch: state.Patch{World: &state.WorldPatch{Params: map[string]string{
		ParamEvent:        event,
		ParamEventSubject: subject,
	}}}}
}

func sortedDirections(exits map[string]string) []string {
	dirs := make([]string, 0, len(exits))
	for d := range exits {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	return dirs
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
