package retrieval_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tta-server/internal/retrieval"
	"tta-server/internal/tools"
	"tta-server/shared/models"
)

// scriptedInvoker отвечает заранее заданными результатами по порядку вызовов.
type scriptedInvoker struct {
	results []tools.Result
	calls   []map[string]any
}

func (s *scriptedInvoker) Invoke(ctx context.Context, name string, args map[string]any) (tools.Result, error) {
	s.calls = append(s.calls, args)
	if len(s.results) == 0 {
		return tools.Result{Tool: name, OK: true}, nil
	}
	res := s.results[0]
	if len(s.results) > 1 {
		s.results = s.results[1:]
	}
	return res, nil
}

type neverStop struct{ next int }

func (n *neverStop) Evaluate([]retrieval.Step) retrieval.Verdict { return retrieval.Continue }
func (n *neverStop) Next(history []retrieval.Step) retrieval.Query {
	n.next++
	return history[len(history)-1].Query
}

func found(ids ...string) tools.Result {
	res := tools.Result{Tool: tools.ToolQueryKnowledgeGraph, OK: true}
	for _, id := range ids {
		res.Output.Records = append(res.Output.Records, models.Record{"id": id, "kind": "Item", "name": id})
	}
	return res
}

var initial = retrieval.Query{Kind: models.NodeItem, Name: "old rusty key"}

func TestRefine_NeverStopRunsExactlyMaxSteps(t *testing.T) {
	r := retrieval.New(retrieval.DefaultConfig(), zap.NewNop())
	inv := &scriptedInvoker{}
	strategy := &neverStop{}

	ev, err := r.Refine(context.Background(), inv, initial, models.RoleInputProcessor, 3, strategy)
	require.NoError(t, err)
	assert.Len(t, ev.Steps, 3)
	assert.True(t, ev.Exhausted())
	assert.Equal(t, retrieval.OutcomeExhausted, ev.Outcome)
	assert.Len(t, inv.calls, 3)
	assert.Equal(t, 2, strategy.next, "no refinement after the last step")
	for i, s := range ev.Steps {
		assert.Equal(t, i+1, s.Index)
	}
}

func TestRefine_StepLimits(t *testing.T) {
	testCases := []struct {
		name     string
		maxSteps int
		want     int
	}{
		{name: "zero uses default", maxSteps: 0, want: 5},
		{name: "negative uses default", maxSteps: -1, want: 5},
		{name: "above ceiling is clamped", maxSteps: 50, want: 10},
		{name: "within range", maxSteps: 7, want: 7},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := retrieval.New(retrieval.DefaultConfig(), zap.NewNop())
			ev, err := r.Refine(context.Background(), &scriptedInvoker{}, initial, models.RoleInputProcessor, tc.maxSteps, &neverStop{})
			require.NoError(t, err)
			assert.Len(t, ev.Steps, tc.want)
		})
	}
}

func TestRefine_WideningStrategy(t *testing.T) {
	r := retrieval.New(retrieval.DefaultConfig(), zap.NewNop())
	inv := &scriptedInvoker{results: []tools.Result{found(), found(), found("item_rusty_key")}}

	ev, err := r.Refine(context.Background(), inv, initial, models.RoleInputProcessor, 5, retrieval.Widening{})
	require.NoError(t, err)
	assert.Equal(t, retrieval.OutcomeSatisfied, ev.Outcome)
	require.Len(t, inv.calls, 3)
	assert.Equal(t, map[string]any{"kind": "Item", "name": "old rusty key"}, inv.calls[0])
	assert.Equal(t, map[string]any{"kind": "Item", "name": "old rusty key", "match": "contains"}, inv.calls[1])
	assert.Equal(t, map[string]any{"kind": "Item", "name": "key", "match": "contains"}, inv.calls[2])

	assert.Equal(t, "item_rusty_key", ev.Best()[0].String("id"))
	refs := ev.MemoryRefs()
	require.Len(t, refs, 3)
	assert.Equal(t, []string{"item_rusty_key"}, refs[2].NodeIDs)
	assert.Equal(t, models.RoleInputProcessor, refs[2].Role)
	assert.Empty(t, refs[0].NodeIDs)
}

func TestRefine_FailedVerdict(t *testing.T) {
	r := retrieval.New(retrieval.DefaultConfig(), zap.NewNop())
	inv := &scriptedInvoker{results: []tools.Result{{Tool: tools.ToolQueryKnowledgeGraph, ErrorKind: tools.KindUnavailable}}}

	ev, err := r.Refine(context.Background(), inv, initial, models.RoleInputProcessor, 5, retrieval.Widening{})
	assert.ErrorIs(t, err, models.ErrRetrievalFailed)
	assert.Equal(t, retrieval.OutcomeError, ev.Outcome)
	assert.Len(t, ev.Steps, 1)
	assert.False(t, ev.MemoryRefs()[0].OK)
}

func TestRefine_TimeoutStepContinues(t *testing.T) {
	r := retrieval.New(retrieval.DefaultConfig(), zap.NewNop())
	inv := &scriptedInvoker{results: []tools.Result{{ErrorKind: tools.KindTimeout}, found("item_rusty_key")}}

	ev, err := r.Refine(context.Background(), inv, initial, models.RoleInputProcessor, 3, retrieval.Widening{})
	require.NoError(t, err)
	assert.Equal(t, retrieval.OutcomeSatisfied, ev.Outcome)
	assert.Len(t, ev.Steps, 2)
}

func TestRefine_PerRoleBudget(t *testing.T) {
	r := retrieval.New(retrieval.Config{PerRole: 2}, zap.NewNop())
	for i := 0; i < 2; i++ {
		_, err := r.Refine(context.Background(), &scriptedInvoker{}, initial, models.RoleInputProcessor, 1, &neverStop{})
		require.NoError(t, err)
	}
	_, err := r.Refine(context.Background(), &scriptedInvoker{}, initial, models.RoleInputProcessor, 1, &neverStop{})
	assert.ErrorIs(t, err, models.ErrRetrievalBudgetExceeded)

	_, err = r.Refine(context.Background(), &scriptedInvoker{}, initial, models.RoleLoreKeeper, 1, &neverStop{})
	assert.NoError(t, err, "budget is per role")
}

func TestRefine_Cancelled(t *testing.T) {
	r := retrieval.New(retrieval.DefaultConfig(), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ev, err := r.Refine(ctx, &scriptedInvoker{}, initial, models.RoleInputProcessor, 3, &neverStop{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, retrieval.OutcomeError, ev.Outcome)
	assert.Empty(t, ev.Steps)
}

func TestRefine_GuardRejection(t *testing.T) {
	reg := tools.NewRegistry(0, zap.NewNop())
	require.NoError(t, tools.RegisterKnowledgeTools(reg))
	g := reg.Guard(tools.Env{SessionID: "s1", Role: models.RoleWorldBuilder}, []string{tools.ToolGetLocationDetails})

	r := retrieval.New(retrieval.DefaultConfig(), zap.NewNop())
	_, err := r.Refine(context.Background(), g, initial, models.RoleWorldBuilder, 3, retrieval.Widening{})
	assert.ErrorIs(t, err, models.ErrUnauthorizedTool)
	assert.Error(t, g.Violation())
}
