package roles

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"tta-server/internal/service"
	"tta-server/internal/state"
	"tta-server/shared/models"
)

// Narrator переписывает черновик ответа. Ошибка означает, что останется черновик.
type Narrator interface {
	Narrate(ctx context.Context, view *state.State, draft string) (string, error)
}

// DegradedPrefix открывает ответ, если часть инструментов хода отказала.
const DegradedPrefix = "The world feels hazy for a moment."

// NarrativeGenerator собирает реплику для игрока из состояния хода. Инструментов не использует.
type NarrativeGenerator struct {
	narrator Narrator
	logger   *zap.Logger
}

// NewNarrativeGenerator creates the narrative role; narrator may be nil.
func NewNarrativeGenerator(narrator Narrator, logger *zap.Logger) *NarrativeGenerator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NarrativeGenerator{narrator: narrator, logger: logger.Named("NarrativeGenerator")}
}

func (n *NarrativeGenerator) ID() models.RoleID { return models.RoleNarrativeGenerator }

func (n *NarrativeGenerator) Tools() []string { return nil }

// Handle implements Role.
func (n *NarrativeGenerator) Handle(ctx context.Context, view *state.State, env Env) (Result, error) {
	if view.NarrativeOutput != "" {
		// ответ уже дал инструмент с прямым возвратом
		return Result{}, nil
	}
	text := Compose(view)
	if n.narrator != nil && len(view.FailedToolResults()) == 0 {
		out, err := n.narrator.Narrate(ctx, view, text)
		switch {
		case err != nil && ctx.Err() != nil:
			return Result{}, ctx.Err()
		case err != nil:
			n.logger.Warn("Narrator failed, using draft", zap.String("session_id", env.SessionID), zap.Error(err))
		case strings.TrimSpace(out) != "":
			text = strings.TrimSpace(out)
		}
	}
	return Result{Patch: state.Patch{NarrativeOutput: state.Text(text)}}, nil
}

// Compose builds the deterministic player-facing line for the current turn.
func Compose(view *state.State) string {
	p := view.World.Params
	var b strings.Builder
	if len(view.FailedToolResults()) > 0 {
		b.WriteString(DegradedPrefix)
		b.WriteString(" ")
	}
	subject := p[ParamEventSubject]
	switch view.Action() {
	case models.ActionMove:
		switch p[ParamEvent] {
		case EventMoved:
			fmt.Fprintf(&b, "You head %s to %s. %s", subject, view.World.LocationName, describe(view))
		case EventBlocked:
			b.WriteString("You can't go that way.")
			if exits := p[ParamExits]; exits != "" {
				fmt.Fprintf(&b, " Exits: %s.", exits)
			}
		default:
			b.WriteString("Something keeps you where you are.")
		}
	case models.ActionTake:
		if p[ParamEvent] == EventTook {
			fmt.Fprintf(&b, "You pick up the %s.", subject)
		} else if subject != "" {
			fmt.Fprintf(&b, "There is no %s here to take.", subject)
		} else {
			b.WriteString("Take what?")
		}
	case models.ActionInventory:
		if len(view.World.Inventory) == 0 {
			b.WriteString("You are empty-handed.")
		} else {
			fmt.Fprintf(&b, "You are carrying: %s.", strings.Join(view.World.Inventory, ", "))
		}
	case models.ActionExamine:
		switch p[ParamEvent] {
		case EventExamined:
			fmt.Fprintf(&b, "You look closely at the %s. %s", subject, p[ParamExamined])
		default:
			if subject == "" {
				b.WriteString("Examine what?")
			} else {
				fmt.Fprintf(&b, "You don't see any %s here.", subject)
			}
		}
	case models.ActionTalk:
		switch p[ParamEvent] {
		case EventTalked:
			rec, _ := view.Character(subject)
			fmt.Fprintf(&b, "%s turns to you with a %s look and listens.", rec.Name, rec.Disposition)
			if len(recalled(view)) > 0 {
				fmt.Fprintf(&b, " %s remembers you from before.", rec.Name)
			}
		case EventTalkGone:
			fmt.Fprintf(&b, "%s is no longer here to answer.", subject)
		default:
			b.WriteString("No one answers.")
		}
	default:
		if p[ParamEvent] == EventLookFailed {
			b.WriteString("You can't make out your surroundings right now.")
		} else {
			b.WriteString(describe(view))
		}
	}
	return strings.TrimSpace(b.String())
}

// recalled returns the memory summaries the lore keeper brought into this turn.
func recalled(view *state.State) []string {
	var out []string
	for _, m := range view.MemoryRefs {
		if m.Role == models.RoleLoreKeeper && m.OK && m.Summary != "" {
			out = append(out, m.Summary)
		}
	}
	return out
}

func describe(view *state.State) string {
	p := view.World.Params
	parts := []string{p[ParamDescription]}
	if items := p[ParamItemsHere]; items != "" {
		parts = append(parts, fmt.Sprintf("You notice: %s.", items))
	}
	if who := p[ParamCharactersHere]; who != "" {
		parts = append(parts, fmt.Sprintf("Here: %s.", who))
	}
	if exits := p[ParamExits]; exits != "" {
		parts = append(parts, fmt.Sprintf("Exits: %s.", exits))
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

const narratorSystemPrompt = `You narrate a calm, supportive text adventure in the second person.
Rewrite the draft as one to three sentences. Keep every fact from the draft.
Never invent exits, items or characters that the draft does not mention.
Session guidelines:
%s`

// LLMNarrator переписывает черновик моделью с учетом метаконцепций сессии и недавних ходов.
type LLMNarrator struct {
	client service.AIClient
	budget *service.TokenBudget
	logger *zap.Logger
}

// NewLLMNarrator creates a model-backed narrator. budget may be nil.
func NewLLMNarrator(client service.AIClient, budget *service.TokenBudget, logger *zap.Logger) *LLMNarrator {
	return &LLMNarrator{client: client, budget: budget, logger: logger.Named("LLMNarrator")}
}

// Narrate implements Narrator.
func (l *LLMNarrator) Narrate(ctx context.Context, view *state.State, draft string) (string, error) {
	system := fmt.Sprintf(narratorSystemPrompt, "- "+strings.Join(view.Guidelines, "\n- "))
	var history []string
	for _, e := range view.TurnLog {
		if e.Output != "" && e.Turn < view.Turn {
			history = append(history, fmt.Sprintf("> %s\n%s", e.Input, e.Output))
		}
	}
	request := fmt.Sprintf("Player: %s\nDraft: %s", view.RawInput, draft)
	if memories := recalled(view); len(memories) > 0 {
		request = "Remembered: " + strings.Join(memories, " | ") + "\n" + request
	}
	if l.budget != nil {
		history = l.budget.Fit(l.budget.Count(system)+l.budget.Count(request), history)
	}
	user := request
	if len(history) > 0 {
		user = "Earlier:\n" + strings.Join(history, "\n") + "\n\n" + request
	}
	maxTokens := 200
	text, usage, err := l.client.GenerateText(ctx, view.SessionID, system, user, service.GenerationParams{MaxTokens: &maxTokens})
	if err != nil {
		return "", err
	}
	l.logger.Debug("Narration generated", zap.String("session_id", view.SessionID), zap.Int("history_turns", len(history)), zap.Int("total_tokens", usage.TotalTokens))
	return text, nil
}
