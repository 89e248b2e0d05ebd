package orchestrator_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tta-server/internal/orchestrator"
	"tta-server/shared/models"
)

func TestDefaultTable_Flows(t *testing.T) {
	table := orchestrator.DefaultTable()

	testCases := []struct {
		action models.IntentAction
		flow   []models.RoleID
	}{
		{models.ActionLook, []models.RoleID{models.RoleInputProcessor, models.RoleWorldBuilder, models.RoleNarrativeGenerator, models.RouteRespond}},
		{models.ActionMove, []models.RoleID{models.RoleInputProcessor, models.RoleWorldBuilder, models.RoleLoreKeeper, models.RoleNarrativeGenerator, models.RouteRespond}},
		{models.ActionTake, []models.RoleID{models.RoleInputProcessor, models.RoleWorldBuilder, models.RoleLoreKeeper, models.RoleNarrativeGenerator, models.RouteRespond}},
		{models.ActionExamine, []models.RoleID{models.RoleInputProcessor, models.RoleLoreKeeper, models.RoleNarrativeGenerator, models.RouteRespond}},
		{models.ActionTalk, []models.RoleID{models.RoleInputProcessor, models.RoleCharacterCreator, models.RoleLoreKeeper, models.RoleNarrativeGenerator, models.RouteRespond}},
		{models.ActionInventory, []models.RoleID{models.RoleInputProcessor, models.RoleNarrativeGenerator, models.RouteRespond}},
		{models.ActionHelp, []models.RoleID{models.RoleInputProcessor, models.RoleOnboarding, models.RouteRespond}},
		{models.ActionQuit, []models.RoleID{models.RoleInputProcessor, models.RouteTerminate}},
		{models.ActionUnknown, []models.RoleID{models.RoleInputProcessor, models.RoleClarifier, models.RouteRespond}},
	}
	for _, tc := range testCases {
		t.Run(string(tc.action), func(t *testing.T) {
			for i := 0; i+1 < len(tc.flow); i++ {
				assert.Equal(t, tc.flow[i+1], table.Next(tc.action, tc.flow[i]), "after %s", tc.flow[i])
			}
		})
	}
}

func TestDefaultTable_TotalAndDeterministic(t *testing.T) {
	table := orchestrator.DefaultTable()
	for _, action := range models.AllActions() {
		for _, role := range models.AllRoles() {
			next := table.Next(action, role)
			assert.True(t, next.Valid() || next.IsMarker(), "%s from %s -> %q", action, role, next)
			assert.Equal(t, next, table.Next(action, role))
			if action == models.ActionUnknown {
				assert.False(t, next.GeneratesContent(), "unknown from %s -> %s", role, next)
			}
		}
	}
}

func TestTable_Fallbacks(t *testing.T) {
	table := orchestrator.DefaultTable()

	// нет ни точной записи, ни записи по действию - роль согласованности
	assert.Equal(t, models.RoleLoreKeeper, table.Next(models.ActionExamine, models.RoleWorldBuilder))
	// пустое действие считается нераспознанным
	assert.Equal(t, models.RoleClarifier, table.Next("", models.RoleWorldBuilder))
	// действие без записи для роли берет запись только по действию
	assert.Equal(t, models.RouteTerminate, table.Next(models.ActionQuit, models.RoleCharacterCreator))
}

func TestNewTable_Validation(t *testing.T) {
	testCases := []struct {
		name  string
		route orchestrator.Route
	}{
		{"unknown source role", orchestrator.Route{Action: models.ActionLook, From: "bard", Next: models.RoleWorldBuilder}},
		{"unknown target role", orchestrator.Route{Action: models.ActionLook, From: models.RoleWorldBuilder, Next: "bard"}},
		{"unknown action", orchestrator.Route{Action: "dance", Next: models.RoleWorldBuilder}},
		{"wildcard without source", orchestrator.Route{Action: models.ActionAny, Next: models.RouteRespond}},
		{"unknown to world builder", orchestrator.Route{Action: models.ActionUnknown, Next: models.RoleWorldBuilder}},
		{"unknown to narrator", orchestrator.Route{Action: models.ActionUnknown, From: models.RoleClarifier, Next: models.RoleNarrativeGenerator}},
		{"clarifier wildcard to content", orchestrator.Route{Action: models.ActionAny, From: models.RoleClarifier, Next: models.RoleCharacterCreator}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := orchestrator.NewTable(append(orchestrator.DefaultRoutes(), tc.route))
			assert.ErrorIs(t, err, models.ErrRoutingTable)
		})
	}

	t.Run("unknown to a non-content role is allowed", func(t *testing.T) {
		_, err := orchestrator.NewTable([]orchestrator.Route{
			{Action: models.ActionUnknown, From: models.RoleClarifier, Next: models.RoleOnboarding},
		})
		assert.NoError(t, err)
	})
}

func TestLoadTable(t *testing.T) {
	t.Run("empty path gives defaults", func(t *testing.T) {
		table, err := orchestrator.LoadTable("")
		require.NoError(t, err)
		assert.ElementsMatch(t, orchestrator.DefaultTable().Routes(), table.Routes())
	})

	t.Run("file overrides layer over defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "routes.yaml")
		data := []byte(`
routes:
  - action: look
    from: world_builder
    next: lore_keeper
  - action: inventory
    next: world_builder
`)
		require.NoError(t, os.WriteFile(path, data, 0o600))

		table, err := orchestrator.LoadTable(path)
		require.NoError(t, err)
		assert.Equal(t, models.RoleLoreKeeper, table.Next(models.ActionLook, models.RoleWorldBuilder))
		assert.Equal(t, models.RoleWorldBuilder, table.Next(models.ActionInventory, models.RoleCharacterCreator))
		// не затронутые записи остаются
		assert.Equal(t, models.RoleWorldBuilder, table.Next(models.ActionMove, models.RoleInputProcessor))
	})

	t.Run("invalid file", func(t *testing.T) {
		_, err := orchestrator.ParseTable([]byte("routes: [action: look"))
		assert.ErrorIs(t, err, models.ErrRoutingTable)

		_, err = orchestrator.ParseTable([]byte("routes:\n  - action: unknown\n    next: world_builder\n"))
		assert.ErrorIs(t, err, models.ErrRoutingTable)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := orchestrator.LoadTable(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}
