package roles

import (
	"context"
	"fmt"
	"strings"

	"tta-server/internal/knowledge"
	"tta-server/internal/state"
	"tta-server/internal/tools"
	"tta-server/shared/models"
)

// WelcomeLore - предание, которое рассказывают в начале сессии.
const WelcomeLore = "ancient oak"

// Onboarding приветствует игрока, ставит базовые метаконцепции и отвечает на help.
type Onboarding struct{}

func (Onboarding) ID() models.RoleID { return models.RoleOnboarding }

func (Onboarding) Tools() []string { return []string{tools.ToolQueryKnowledgeGraph} }

// Handle implements Role.
func (Onboarding) Handle(ctx context.Context, view *state.State, env Env) (Result, error) {
	var patch state.Patch
	if len(view.Guidelines) == 0 {
		patch.Guidelines = knowledge.DefaultGuidelines
	}
	if view.Action() == models.ActionHelp {
		text := fmt.Sprintf("You can try: %s. There is no rush; take each step at your own pace.", strings.Join(Commands, ", "))
		patch.NarrativeOutput = state.Text(text)
		return Result{Patch: patch}, nil
	}

	parts := []string{"Welcome. This is a quiet place to explore at your own pace."}
	if desc := describe(view); desc != "" {
		parts = append(parts, desc)
	}
	// предание вплетается в приветствие, поэтому берется обычным запросом, а не read_lore
	res, err := invoke(ctx, env, tools.ToolQueryKnowledgeGraph, map[string]any{
		"kind":  string(models.NodeConcept),
		"name":  WelcomeLore,
		"match": "exact",
		"limit": 1,
	})
	if err != nil {
		return Result{}, err
	}
	if res.OK && len(res.Output.Records) > 0 {
		if lore := res.Output.Records[0].String("description"); lore != "" {
			parts = append(parts, lore)
		}
	}
	parts = append(parts, "Type help at any time to see what you can do.")
	patch.NarrativeOutput = state.Text(strings.Join(parts, " "))
	return Result{Patch: patch}, nil
}
