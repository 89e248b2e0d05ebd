package roles

import (
	"context"
	"fmt"
	"strings"

	"tta-server/internal/state"
	"tta-server/shared/models"
)

// Commands - подсказка, которую видит игрок.
var Commands = []string{
	"look", "go <direction>", "examine <thing>", "talk to <someone>",
	"take <item>", "inventory", "help", "quit",
}

// Clarifier отвечает на нераспознанный ввод. Ничего не создает в мире.
type Clarifier struct{}

func (Clarifier) ID() models.RoleID { return models.RoleClarifier }

func (Clarifier) Tools() []string { return nil }

// Handle implements Role.
func (Clarifier) Handle(_ context.Context, view *state.State, _ Env) (Result, error) {
	input := strings.TrimSpace(view.RawInput)
	var text string
	if input == "" {
		text = fmt.Sprintf("Take your time. When you're ready, you can try: %s.", strings.Join(Commands, ", "))
	} else {
		text = fmt.Sprintf("I'm not sure what you mean by %q. You can try: %s.", input, strings.Join(Commands, ", "))
	}
	return Result{Patch: state.Patch{NarrativeOutput: state.Text(text)}}, nil
}
