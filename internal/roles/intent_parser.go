package roles

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"tta-server/internal/service"
	"tta-server/shared/models"
)

// IntentParser переводит сырой ввод игрока в структурированное намерение.
type IntentParser interface {
	Parse(ctx context.Context, sessionID, input string) (models.Intent, error)
}

var directionAliases = map[string]string{
	"n": "north", "north": "north",
	"s": "south", "south": "south",
	"e": "east", "east": "east",
	"w": "west", "west": "west",
	"u": "up", "up": "up",
	"d": "down", "down": "down",
	"in": "in", "inside": "in",
	"out": "out", "outside": "out",
}

// prefixes are checked in order; longer phrases first.
var actionPrefixes = []struct {
	prefix string
	action models.IntentAction
}{
	{"look at ", models.ActionExamine},
	{"examine ", models.ActionExamine},
	{"inspect ", models.ActionExamine},
	{"check ", models.ActionExamine},
	{"x ", models.ActionExamine},
	{"talk to ", models.ActionTalk},
	{"talk with ", models.ActionTalk},
	{"speak to ", models.ActionTalk},
	{"speak with ", models.ActionTalk},
	{"greet ", models.ActionTalk},
	{"ask ", models.ActionTalk},
	{"talk ", models.ActionTalk},
	{"pick up ", models.ActionTake},
	{"take ", models.ActionTake},
	{"get ", models.ActionTake},
	{"grab ", models.ActionTake},
	{"go to ", models.ActionMove},
	{"walk to ", models.ActionMove},
	{"go ", models.ActionMove},
	{"move ", models.ActionMove},
	{"walk ", models.ActionMove},
	{"travel ", models.ActionMove},
	{"head ", models.ActionMove},
}

var singleWord = map[string]models.IntentAction{
	"look": models.ActionLook, "l": models.ActionLook, "look around": models.ActionLook,
	"describe": models.ActionLook, "around": models.ActionLook,
	"inventory": models.ActionInventory, "inv": models.ActionInventory, "i": models.ActionInventory,
	"help": models.ActionHelp, "h": models.ActionHelp, "?": models.ActionHelp, "commands": models.ActionHelp,
	"quit": models.ActionQuit, "exit": models.ActionQuit, "q": models.ActionQuit,
	"quit game": models.ActionQuit, "leave game": models.ActionQuit,
}

// KeywordParser - детерминированный разбор по ключевым словам.
type KeywordParser struct{}

// Parse implements IntentParser. It never fails: anything unrecognized is unknown.
func (KeywordParser) Parse(_ context.Context, _ string, input string) (models.Intent, error) {
	text := strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(input))), " ")
	text = strings.TrimRight(text, ".!")
	if text == "" {
		return models.Intent{Action: models.ActionUnknown}, nil
	}
	if action, ok := singleWord[text]; ok {
		return models.Intent{Action: action}, nil
	}
	if dir, ok := directionAliases[text]; ok {
		return models.Intent{Action: models.ActionMove, Direction: dir}, nil
	}
	for _, p := range actionPrefixes {
		if !strings.HasPrefix(text, p.prefix) {
			continue
		}
		rest := stripArticles(strings.TrimPrefix(text, p.prefix))
		if rest == "" {
			break
		}
		if p.action == models.ActionMove {
			if dir, ok := directionAliases[rest]; ok {
				return models.Intent{Action: models.ActionMove, Direction: dir}, nil
			}
		}
		return models.Intent{Action: p.action, Target: rest}, nil
	}
	return models.Intent{Action: models.ActionUnknown}, nil
}

func stripArticles(s string) string {
	for _, a := range []string{"the ", "a ", "an "} {
		s = strings.TrimPrefix(s, a)
	}
	return strings.TrimSpace(s)
}

const intentSystemPrompt = `You classify commands of a text adventure player.
Respond with one JSON object and nothing else: {"action": "...", "target": "...", "direction": "..."}.
action is one of: look, move, examine, talk, take, inventory, help, quit, unknown.
direction is one of north, south, east, west, up, down, in, out, and only for move.
target is the object or character name without articles, only for examine, talk, take or move to a place.
Use unknown for gibberish or unsupported commands.`

// LLMParser разбирает ввод моделью; невалидный ответ уходит в запасной парсер.
type LLMParser struct {
	client   service.AIClient
	fallback IntentParser
	validate *validator.Validate
	logger   *zap.Logger
}

// NewLLMParser creates a model-backed parser.
func NewLLMParser(client service.AIClient, fallback IntentParser, logger *zap.Logger) *LLMParser {
	return &LLMParser{client: client, fallback: fallback, validate: validator.New(), logger: logger.Named("LLMParser")}
}

// Parse implements IntentParser.
func (p *LLMParser) Parse(ctx context.Context, sessionID, input string) (models.Intent, error) {
	zero := 0.0
	maxTokens := 80
	text, _, err := p.client.GenerateText(ctx, sessionID, intentSystemPrompt, input, service.GenerationParams{Temperature: &zero, MaxTokens: &maxTokens})
	if err != nil {
		if ctx.Err() != nil {
			return models.Intent{}, ctx.Err()
		}
		p.logger.Warn("Model intent parsing failed, using keywords", zap.String("session_id", sessionID), zap.Error(err))
		return p.fallback.Parse(ctx, sessionID, input)
	}
	intent, err := p.decode(text)
	if err != nil {
		p.logger.Warn("Model returned invalid intent, using keywords", zap.String("session_id", sessionID), zap.Error(err))
		return p.fallback.Parse(ctx, sessionID, input)
	}
	return intent, nil
}

func (p *LLMParser) decode(text string) (models.Intent, error) {
	start, end := strings.Index(text, "{"), strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return models.Intent{}, fmt.Errorf("%w: no JSON object in model output", models.ErrMalformedResponse)
	}
	var intent models.Intent
	if err := json.Unmarshal([]byte(text[start:end+1]), &intent); err != nil {
		return models.Intent{}, fmt.Errorf("%w: %v", models.ErrMalformedResponse, err)
	}
	intent.Action = models.IntentAction(strings.ToLower(strings.TrimSpace(string(intent.Action))))
	if intent.Action == "talk to" {
		intent.Action = models.ActionTalk
	}
	intent.Direction = strings.ToLower(strings.TrimSpace(intent.Direction))
	intent.Target = stripArticles(strings.ToLower(strings.TrimSpace(intent.Target)))
	if err := p.validate.Struct(intent); err != nil {
		return models.Intent{}, fmt.Errorf("%w: %v", models.ErrMalformedResponse, err)
	}
	return intent, nil
}
