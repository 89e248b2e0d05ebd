package roles

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"tta-server/internal/retrieval"
	"tta-server/internal/state"
	"tta-server/internal/tools"
	"tta-server/shared/models"
)

// InputProcessor разбирает ввод и уточняет цель через цикл поиска по графу знаний.
type InputProcessor struct {
	parser   IntentParser
	maxSteps int
	logger   *zap.Logger
}

// NewInputProcessor creates the input role. maxSteps <= 0 uses the retriever's default.
func NewInputProcessor(parser IntentParser, maxSteps int, logger *zap.Logger) *InputProcessor {
	if parser == nil {
		parser = KeywordParser{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InputProcessor{parser: parser, maxSteps: maxSteps, logger: logger.Named("InputProcessor")}
}

func (p *InputProcessor) ID() models.RoleID { return models.RoleInputProcessor }

func (p *InputProcessor) Tools() []string { return []string{tools.ToolQueryKnowledgeGraph} }

// Handle implements Role.
func (p *InputProcessor) Handle(ctx context.Context, view *state.State, env Env) (Result, error) {
	intent, err := p.parser.Parse(ctx, env.SessionID, view.RawInput)
	if err != nil {
		return Result{}, err
	}
	var patch state.Patch
	if env.Retriever != nil && intent.Target != "" {
		switch intent.Action {
		case models.ActionExamine:
			refs, err := p.resolve(ctx, env, &intent, models.NodeItem, models.NodeConcept)
			if err != nil {
				return Result{}, err
			}
			patch.MemoryRefs = refs
		case models.ActionTalk:
			refs, err := p.resolve(ctx, env, &intent, models.NodeCharacter)
			if err != nil {
				return Result{}, err
			}
			patch.MemoryRefs = refs
		}
	}
	patch.Intent = &intent
	return Result{Patch: patch}, nil
}

// resolve ищет цель по очереди среди kinds; первое удовлетворительное совпадение попадает в Extra.
// Отказы поиска не валят ход: намерение остается неразрешенным.
func (p *InputProcessor) resolve(ctx context.Context, env Env, intent *models.Intent, kinds ...models.NodeKind) ([]state.MemoryRef, error) {
	var refs []state.MemoryRef
	for _, kind := range kinds {
		ev, err := env.Retriever.Refine(ctx, env.Tools, retrieval.Query{Kind: kind, Name: intent.Target}, p.ID(), p.maxSteps, retrieval.Widening{})
		refs = append(refs, ev.MemoryRefs()...)
		if err != nil {
			if errors.Is(err, models.ErrUnauthorizedTool) || ctx.Err() != nil {
				return nil, err
			}
			p.logger.Info("Target not resolved", zap.String("session_id", env.SessionID), zap.String("target", intent.Target), zap.Error(err))
			return refs, nil
		}
		if ev.Outcome != retrieval.OutcomeSatisfied {
			continue
		}
		best := ev.Best()[0].Node()
		intent.Target = best.Name
		intent.Extra = map[string]string{
			ExtraTargetID:   best.ID,
			ExtraTargetKind: string(best.Kind),
		}
		if best.Kind != models.NodeConcept && best.Description != "" {
			intent.Extra[ExtraTargetDescription] = best.Description
		}
		return refs, nil
	}
	return refs, nil
}
