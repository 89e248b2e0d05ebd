package orchestrator

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"tta-server/shared/models"
)

// Route - одна запись таблицы маршрутов.
// Пустой From - запись только по действию; Action "*" - любая для роли From.
type Route struct {
	Action models.IntentAction `yaml:"action"`
	From   models.RoleID       `yaml:"from,omitempty"`
	Next   models.RoleID       `yaml:"next"`
}

type routeKey struct {
	action models.IntentAction
	from   models.RoleID
}

// Table - таблица переходов между ролями. После создания только чтение.
type Table struct {
	exact      map[routeKey]models.RoleID
	actionOnly map[models.IntentAction]models.RoleID
}

// DefaultRoutes returns the built-in routing entries.
func DefaultRoutes() []Route {
	return []Route{
		{Action: models.ActionLook, From: models.RoleInputProcessor, Next: models.RoleWorldBuilder},
		{Action: models.ActionLook, From: models.RoleWorldBuilder, Next: models.RoleNarrativeGenerator},
		{Action: models.ActionMove, From: models.RoleInputProcessor, Next: models.RoleWorldBuilder},
		{Action: models.ActionMove, From: models.RoleWorldBuilder, Next: models.RoleLoreKeeper},
		{Action: models.ActionTake, From: models.RoleInputProcessor, Next: models.RoleWorldBuilder},
		{Action: models.ActionTake, From: models.RoleWorldBuilder, Next: models.RoleLoreKeeper},
		{Action: models.ActionExamine, From: models.RoleInputProcessor, Next: models.RoleLoreKeeper},
		{Action: models.ActionTalk, From: models.RoleInputProcessor, Next: models.RoleCharacterCreator},
		{Action: models.ActionTalk, From: models.RoleCharacterCreator, Next: models.RoleLoreKeeper},
		{Action: models.ActionInventory, From: models.RoleInputProcessor, Next: models.RoleNarrativeGenerator},
		{Action: models.ActionUnknown, From: models.RoleClarifier, Next: models.RouteRespond},
		{Action: models.ActionAny, From: models.RoleLoreKeeper, Next: models.RoleNarrativeGenerator},
		{Action: models.ActionAny, From: models.RoleNarrativeGenerator, Next: models.RouteRespond},
		{Action: models.ActionAny, From: models.RoleClarifier, Next: models.RouteRespond},
		{Action: models.ActionAny, From: models.RoleOnboarding, Next: models.RouteRespond},
		{Action: models.ActionHelp, Next: models.RoleOnboarding},
		{Action: models.ActionQuit, Next: models.RouteTerminate},
	}
}

// NewTable validates the entries and builds a table. A later entry for the same key wins.
func NewTable(routes []Route) (*Table, error) {
	t := &Table{
		exact:      make(map[routeKey]models.RoleID),
		actionOnly: make(map[models.IntentAction]models.RoleID),
	}
	var errs []error
	for i, r := range routes {
		if err := validateRoute(r); err != nil {
			errs = append(errs, fmt.Errorf("route %d (%s from %q): %w", i, r.Action, r.From, err))
			continue
		}
		if r.From == "" {
			t.actionOnly[r.Action] = r.Next
			continue
		}
		t.exact[routeKey{r.Action, r.From}] = r.Next
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", models.ErrRoutingTable, errors.Join(errs...))
	}
	return t, nil
}

// DefaultTable returns the table built from DefaultRoutes.
func DefaultTable() *Table {
	t, err := NewTable(DefaultRoutes())
	if err != nil {
		panic(err)
	}
	return t
}

type routesFile struct {
	Routes []Route `yaml:"routes"`
}

// LoadTable reads routing overrides from a YAML file and layers them over the defaults.
// An empty path returns the default table.
func LoadTable(path string) (*Table, error) {
	if path == "" {
		return DefaultTable(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routing table %s: %w", path, err)
	}
	return ParseTable(data)
}

// ParseTable parses YAML routing overrides and layers them over the defaults.
func ParseTable(data []byte) (*Table, error) {
	var f routesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: parse yaml: %v", models.ErrRoutingTable, err)
	}
	return NewTable(append(DefaultRoutes(), f.Routes...))
}

func validateRoute(r Route) error {
	switch {
	case r.Action == models.ActionAny:
		if r.From == "" {
			return errors.New("wildcard action requires a source role")
		}
	case !validAction(r.Action):
		return fmt.Errorf("unknown action %q", r.Action)
	}
	if r.From != "" && !r.From.Valid() {
		return fmt.Errorf("%w: source %q", models.ErrUnknownRole, r.From)
	}
	if !r.Next.Valid() && !r.Next.IsMarker() {
		return fmt.Errorf("%w: target %q", models.ErrUnknownRole, r.Next)
	}
	// нераспознанный ввод никогда не порождает нового содержимого
	unknownReachable := r.Action == models.ActionUnknown || (r.Action == models.ActionAny && r.From == models.RoleClarifier)
	if unknownReachable && r.Next.GeneratesContent() {
		return fmt.Errorf("unknown intent routed to content-generating role %s", r.Next)
	}
	return nil
}

func validAction(a models.IntentAction) bool {
	for _, known := range models.AllActions() {
		if a == known {
			return true
		}
	}
	return false
}

// Next выбирает следующую роль: точная запись (действие и роль, затем "*" для роли),
// запись только по действию, иначе роль согласованности.
// Нераспознанное намерение всегда уходит к уточняющей роли.
func (t *Table) Next(action models.IntentAction, active models.RoleID) models.RoleID {
	if action == "" {
		action = models.ActionUnknown
	}
	if action == models.ActionUnknown && active != models.RoleClarifier {
		return models.RoleClarifier
	}
	if next, ok := t.exact[routeKey{action, active}]; ok {
		return next
	}
	if next, ok := t.exact[routeKey{models.ActionAny, active}]; ok {
		return next
	}
	if next, ok := t.actionOnly[action]; ok {
		return next
	}
	return models.RoleLoreKeeper
}

// Routes returns the effective entries in a stable order.
func (t *Table) Routes() []Route {
	out := make([]Route, 0, len(t.exact)+len(t.actionOnly))
	for k, next := range t.exact {
		out = append(out, Route{Action: k.action, From: k.from, Next: next})
	}
	for action, next := range t.actionOnly {
		out = append(out, Route{Action: action, Next: next})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.From != b.From {
			return a.From < b.From
		}
		return strings.Compare(string(a.Action), string(b.Action)) < 0
	})
	return out
}
