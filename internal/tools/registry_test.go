package tools_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tta-server/internal/tools"
	"tta-server/shared/models"
)

func echoTool(name string, handler tools.Handler) tools.Descriptor {
	return tools.Descriptor{
		Name: name,
		Input: tools.Schema{Fields: []tools.Field{
			{Name: "kind", Type: tools.TypeString, Required: true, Enum: []string{"Item", "Character"}},
			{Name: "name", Type: tools.TypeString, Required: true, MaxLen: 16},
			{Name: "limit", Type: tools.TypeInteger},
			{Name: "exact", Type: tools.TypeBoolean},
		}},
		Handler: handler,
	}
}

func okHandler(text string) tools.Handler {
	return func(ctx context.Context, env tools.Env, args map[string]any) (tools.Output, error) {
		return tools.Output{Text: text}, nil
	}
}

func validArgs() map[string]any {
	return map[string]any{"kind": "Item", "name": "rusty key"}
}

func TestRegistry_Register(t *testing.T) {
	t.Run("duplicate name", func(t *testing.T) {
		r := tools.NewRegistry(time.Second, zap.NewNop())
		require.NoError(t, r.Register(echoTool("lookup", okHandler("a"))))

		err := r.Register(echoTool("lookup", okHandler("b")))
		var dup *tools.DuplicateToolError
		require.ErrorAs(t, err, &dup)
		assert.Equal(t, "lookup", dup.Name)
		assert.ErrorIs(t, err, models.ErrDuplicateTool)
	})

	t.Run("sealed registry is read-only", func(t *testing.T) {
		r := tools.NewRegistry(time.Second, zap.NewNop())
		require.NoError(t, r.Register(echoTool("lookup", okHandler("a"))))
		r.Seal()

		err := r.Register(echoTool("other", okHandler("b")))
		assert.ErrorIs(t, err, models.ErrRegistrySealed)
		assert.Equal(t, []string{"lookup"}, r.Names())
	})

	t.Run("descriptor without handler", func(t *testing.T) {
		r := tools.NewRegistry(time.Second, zap.NewNop())
		assert.ErrorIs(t, r.Register(tools.Descriptor{Name: "broken"}), models.ErrInvalidInput)
	})
}

func TestRegistry_InvokeValidation(t *testing.T) {
	var calls int32
	r := tools.NewRegistry(time.Second, zap.NewNop())
	require.NoError(t, r.Register(echoTool("lookup", func(ctx context.Context, env tools.Env, args map[string]any) (tools.Output, error) {
		atomic.AddInt32(&calls, 1)
		return tools.Output{}, nil
	})))
	env := tools.Env{SessionID: "s1", Role: models.RoleLoreKeeper}

	testCases := []struct {
		name   string
		args   map[string]any
		fields []string
	}{
		{name: "missing required", args: map[string]any{"kind": "Item"}, fields: []string{"name"}},
		{name: "wrong types", args: map[string]any{"kind": "Item", "name": "key", "limit": 2.5, "exact": "yes"}, fields: []string{"exact", "limit"}},
		{name: "enum violation", args: map[string]any{"kind": "Dragon", "name": "key"}, fields: []string{"kind"}},
		{name: "too long", args: map[string]any{"kind": "Item", "name": "a very long item name indeed"}, fields: []string{"name"}},
		{name: "unexpected field", args: map[string]any{"kind": "Item", "name": "key", "query": "DROP"}, fields: []string{"query"}},
		{name: "empty required string", args: map[string]any{"kind": "Item", "name": ""}, fields: []string{"name"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Invoke(context.Background(), env, "lookup", tc.args)
			var schemaErr *tools.SchemaValidationError
			require.ErrorAs(t, err, &schemaErr)
			assert.Equal(t, tc.fields, schemaErr.FieldNames())
			assert.ErrorIs(t, err, models.ErrSchemaValidation)
		})
	}
	assert.Zero(t, atomic.LoadInt32(&calls), "handler must not run on invalid args")

	t.Run("integral float accepted as integer", func(t *testing.T) {
		args := validArgs()
		args["limit"] = float64(3)
		res, err := r.Invoke(context.Background(), env, "lookup", args)
		require.NoError(t, err)
		assert.True(t, res.OK)
	})

	t.Run("unknown tool", func(t *testing.T) {
		_, err := r.Invoke(context.Background(), env, "missing", validArgs())
		assert.ErrorIs(t, err, models.ErrUnknownTool)
	})
}

func TestRegistry_InvokeFailuresBecomeResults(t *testing.T) {
	env := tools.Env{SessionID: "s1", Role: models.RoleLoreKeeper}

	testCases := []struct {
		name    string
		timeout time.Duration
		handler tools.Handler
		kind    tools.ErrorKind
	}{
		{
			name: "store unavailable",
			handler: func(ctx context.Context, env tools.Env, args map[string]any) (tools.Output, error) {
				return tools.Output{}, models.ErrStoreUnavailable
			},
			kind: tools.KindUnavailable,
		},
		{
			name: "malformed response",
			handler: func(ctx context.Context, env tools.Env, args map[string]any) (tools.Output, error) {
				return tools.Output{}, models.ErrMalformedResponse
			},
			kind: tools.KindMalformedResponse,
		},
		{
			name: "generic failure",
			handler: func(ctx context.Context, env tools.Env, args map[string]any) (tools.Output, error) {
				return tools.Output{}, errors.New("boom")
			},
			kind: tools.KindExecution,
		},
		{
			name: "panic",
			handler: func(ctx context.Context, env tools.Env, args map[string]any) (tools.Output, error) {
				panic("nil map")
			},
			kind: tools.KindExecution,
		},
		{
			name:    "timeout honoured by handler",
			timeout: 20 * time.Millisecond,
			handler: func(ctx context.Context, env tools.Env, args map[string]any) (tools.Output, error) {
				<-ctx.Done()
				return tools.Output{}, ctx.Err()
			},
			kind: tools.KindTimeout,
		},
		{
			name:    "timeout ignored by handler",
			timeout: 20 * time.Millisecond,
			handler: func(ctx context.Context, env tools.Env, args map[string]any) (tools.Output, error) {
				time.Sleep(200 * time.Millisecond)
				return tools.Output{Text: "late"}, nil
			},
			kind: tools.KindTimeout,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := tools.NewRegistry(time.Second, zap.NewNop())
			d := echoTool("lookup", tc.handler)
			d.Timeout = tc.timeout
			require.NoError(t, r.Register(d))

			res, err := r.Invoke(context.Background(), env, "lookup", validArgs())
			require.NoError(t, err)
			assert.False(t, res.OK)
			assert.Equal(t, tc.kind, res.ErrorKind)
			assert.NotEmpty(t, res.Message)
		})
	}

	t.Run("cancelled turn", func(t *testing.T) {
		r := tools.NewRegistry(time.Second, zap.NewNop())
		require.NoError(t, r.Register(echoTool("lookup", func(ctx context.Context, env tools.Env, args map[string]any) (tools.Output, error) {
			<-ctx.Done()
			return tools.Output{}, ctx.Err()
		})))
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()

		res, err := r.Invoke(ctx, env, "lookup", validArgs())
		require.NoError(t, err)
		assert.Equal(t, tools.KindCancelled, res.ErrorKind)
	})
}

func TestRegistry_SerializesPerSession(t *testing.T) {
	var inFlight, maxInFlight int32
	r := tools.NewRegistry(time.Second, zap.NewNop())
	require.NoError(t, r.Register(echoTool("lookup", func(ctx context.Context, env tools.Env, args map[string]any) (tools.Output, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			m := atomic.LoadInt32(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return tools.Output{}, nil
	})))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Invoke(context.Background(), tools.Env{SessionID: "same"}, "lookup", validArgs())
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))

	t.Run("different sessions run concurrently", func(t *testing.T) {
		started := make(chan struct{}, 2)
		release := make(chan struct{})
		r := tools.NewRegistry(time.Second, zap.NewNop())
		require.NoError(t, r.Register(echoTool("lookup", func(ctx context.Context, env tools.Env, args map[string]any) (tools.Output, error) {
			started <- struct{}{}
			<-release
			return tools.Output{}, nil
		})))

		var wg sync.WaitGroup
		for _, id := range []string{"a", "b"} {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_, _ = r.Invoke(context.Background(), tools.Env{SessionID: id}, "lookup", validArgs())
			}(id)
		}
		for i := 0; i < 2; i++ {
			select {
			case <-started:
			case <-time.After(500 * time.Millisecond):
				t.Fatal("second session was blocked by the first")
			}
		}
		close(release)
		wg.Wait()
	})
}

func TestGuard(t *testing.T) {
	r := tools.NewRegistry(time.Second, zap.NewNop())
	require.NoError(t, r.Register(echoTool("lookup", okHandler("found"))))
	lore := echoTool("lore", okHandler("The oak remembers."))
	lore.DirectReturn = true
	require.NoError(t, r.Register(lore))
	r.Seal()

	t.Run("unauthorized tool is refused and remembered", func(t *testing.T) {
		g := r.Guard(tools.Env{SessionID: "s1", Role: models.RoleInputProcessor}, []string{"lookup"})
		_, err := g.Invoke(context.Background(), "lore", validArgs())

		var unauthorized *tools.UnauthorizedToolError
		require.ErrorAs(t, err, &unauthorized)
		assert.Equal(t, models.RoleInputProcessor, unauthorized.Role)
		assert.Equal(t, "lore", unauthorized.Tool)
		assert.ErrorIs(t, g.Violation(), models.ErrUnauthorizedTool)
		assert.Empty(t, g.Results())
	})

	t.Run("direct return output is exposed", func(t *testing.T) {
		g := r.Guard(tools.Env{SessionID: "s1", Role: models.RoleOnboarding}, []string{"lookup", "lore"})
		_, err := g.Invoke(context.Background(), "lookup", validArgs())
		require.NoError(t, err)
		_, ok := g.DirectOutput()
		assert.False(t, ok)

		res, err := g.Invoke(context.Background(), "lore", validArgs())
		require.NoError(t, err)
		assert.True(t, res.DirectReturn)
		text, ok := g.DirectOutput()
		assert.True(t, ok)
		assert.Equal(t, "The oak remembers.", text)
		assert.NoError(t, g.Violation())
		assert.Equal(t, []string{"lookup", "lore"}, g.Allowed())
	})
}

func TestRegistry_MutatingToolIsAwaited(t *testing.T) {
	var finished atomic.Bool
	var ctxErrAtDeadline error
	r := tools.NewRegistry(time.Second, zap.NewNop())
	d := echoTool("write", func(ctx context.Context, env tools.Env, args map[string]any) (tools.Output, error) {
		defer finished.Store(true)
		deadline, ok := models.WriteDeadline(ctx)
		if !ok {
			return tools.Output{}, errors.New("no write deadline")
		}
		time.Sleep(time.Until(deadline) + 30*time.Millisecond)
		// хранилище отказывает в запросе после срока, но транзакция и соединение живы
		ctxErrAtDeadline = ctx.Err()
		return tools.Output{}, models.ErrStoreTimeout
	})
	d.Mutates = true
	d.Timeout = 20 * time.Millisecond
	require.NoError(t, r.Register(d))

	start := time.Now()
	res, err := r.Invoke(context.Background(), tools.Env{SessionID: "s1", Role: models.RoleWorldBuilder}, "write", validArgs())
	require.NoError(t, err)
	assert.True(t, finished.Load(), "handler must finish before the result is returned")
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.NoError(t, ctxErrAtDeadline)
	assert.False(t, res.OK)
	assert.Equal(t, tools.KindTimeout, res.ErrorKind)
	assert.Contains(t, res.Message, "timed out")
}

func TestRegistry_LockedSessionsDrain(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	r := tools.NewRegistry(time.Second, zap.NewNop())
	require.NoError(t, r.Register(echoTool("lookup", func(ctx context.Context, env tools.Env, args map[string]any) (tools.Output, error) {
		if env.SessionID == "held" {
			close(entered)
			<-release
		}
		return tools.Output{}, nil
	})))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.Invoke(context.Background(), tools.Env{SessionID: "held"}, "lookup", validArgs())
	}()
	<-entered
	for i := 0; i < 20; i++ {
		_, err := r.Invoke(context.Background(), tools.Env{SessionID: "s" + string(rune('a'+i))}, "lookup", validArgs())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, r.LockedSessions())

	close(release)
	<-done
	assert.Equal(t, 0, r.LockedSessions())
}

func TestGuard_SchemaRejectionIsRecorded(t *testing.T) {
	r := tools.NewRegistry(time.Second, zap.NewNop())
	require.NoError(t, r.Register(echoTool("lookup", okHandler("found"))))
	r.Seal()

	g := r.Guard(tools.Env{SessionID: "s1", Role: models.RoleWorldBuilder}, []string{"lookup"})
	res, err := g.Invoke(context.Background(), "lookup", map[string]any{"kind": "Item", "name": "a name far longer than sixteen"})
	require.ErrorIs(t, err, models.ErrSchemaValidation)
	assert.Equal(t, tools.KindSchemaValidation, res.ErrorKind)

	results := g.Results()
	require.Len(t, results, 1)
	assert.False(t, results[0].OK)
	assert.Equal(t, tools.KindSchemaValidation, results[0].ErrorKind)
	assert.NoError(t, g.Violation())
}
