package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tta-server/internal/handler"
	"tta-server/internal/orchestrator"
	"tta-server/internal/state"
	"tta-server/shared/authutils"
	"tta-server/shared/models"
)

type mockTurns struct {
	mock.Mock
}

func (m *mockTurns) StartSession(ctx context.Context, playerID string) (orchestrator.TurnOutput, error) {
	args := m.Called(ctx, playerID)
	return args.Get(0).(orchestrator.TurnOutput), args.Error(1)
}

func (m *mockTurns) ResumeSession(ctx context.Context, sessionID string) (orchestrator.TurnOutput, error) {
	args := m.Called(ctx, sessionID)
	return args.Get(0).(orchestrator.TurnOutput), args.Error(1)
}

func (m *mockTurns) Session(ctx context.Context, sessionID string) (*state.State, error) {
	args := m.Called(ctx, sessionID)
	st, _ := args.Get(0).(*state.State)
	return st, args.Error(1)
}

func (m *mockTurns) HandleInput(ctx context.Context, sessionID, input string) (orchestrator.TurnOutput, error) {
	args := m.Called(ctx, sessionID, input)
	return args.Get(0).(orchestrator.TurnOutput), args.Error(1)
}

func (m *mockTurns) Save(ctx context.Context, sessionID string) error {
	return m.Called(ctx, sessionID).Error(0)
}

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(turns handler.TurnService, opts handler.RouterOptions) *gin.Engine {
	h := handler.NewHandler(turns, time.Second, zap.NewNop())
	return handler.NewRouter(h, opts)
}

func owned(sessionID, playerID string) *state.State {
	return &state.State{
		SessionID: sessionID,
		PlayerID:  playerID,
		Turn:      3,
		Phase:     state.PhaseAwaitingInput,
		World:     state.WorldSnapshot{LocationName: "Village Square"},
	}
}

func do(router http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	router := newRouter(new(mockTurns), handler.RouterOptions{})
	w := do(router, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestStartSession(t *testing.T) {
	turns := new(mockTurns)
	turns.On("StartSession", mock.Anything, "local").
		Return(orchestrator.TurnOutput{SessionID: "s1", Narrative: "Welcome."}, nil).Once()
	router := newRouter(turns, handler.RouterOptions{})

	w := do(router, http.MethodPost, "/api/v1/sessions", "", "")
	require.Equal(t, http.StatusCreated, w.Code)
	var resp models.TurnResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "s1", resp.SessionID)
	assert.Equal(t, "Welcome.", resp.Narrative)
	turns.AssertExpectations(t)
}

func TestSubmitTurn(t *testing.T) {
	testCases := []struct {
		name       string
		body       string
		setup      func(m *mockTurns)
		wantStatus int
		wantBody   string
	}{
		{
			name: "success",
			body: `{"input":"look"}`,
			setup: func(m *mockTurns) {
				m.On("Session", mock.Anything, "s1").Return(owned("s1", "local"), nil)
				m.On("HandleInput", mock.Anything, "s1", "look").
					Return(orchestrator.TurnOutput{SessionID: "s1", Turn: 4, Narrative: "You look around."}, nil)
			},
			wantStatus: http.StatusOK,
			wantBody:   `{"session_id":"s1","turn":4,"narrative":"You look around.","terminated":false}`,
		},
		{
			name: "failed turn answers with fallback",
			body: `{"input":"look"}`,
			setup: func(m *mockTurns) {
				m.On("Session", mock.Anything, "s1").Return(owned("s1", "local"), nil)
				m.On("HandleInput", mock.Anything, "s1", "look").
					Return(orchestrator.TurnOutput{SessionID: "s1", Turn: 3, Narrative: orchestrator.FallbackLoop},
						&orchestrator.OrchestrationLoopError{SessionID: "s1", Steps: 8})
			},
			wantStatus: http.StatusOK,
			wantBody:   fmt.Sprintf(`{"session_id":"s1","turn":3,"narrative":%q,"terminated":false}`, orchestrator.FallbackLoop),
		},
		{
			name:       "missing input",
			body:       `{}`,
			setup:      func(m *mockTurns) {},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "unknown session",
			body: `{"input":"look"}`,
			setup: func(m *mockTurns) {
				m.On("Session", mock.Anything, "s1").Return(nil, models.ErrNotFound)
			},
			wantStatus: http.StatusNotFound,
			wantBody:   `{"error":"Session not found"}`,
		},
		{
			name: "terminated session",
			body: `{"input":"look"}`,
			setup: func(m *mockTurns) {
				m.On("Session", mock.Anything, "s1").Return(owned("s1", "local"), nil)
				m.On("HandleInput", mock.Anything, "s1", "look").
					Return(orchestrator.TurnOutput{}, fmt.Errorf("session s1: %w", models.ErrSessionTerminated))
			},
			wantStatus: http.StatusGone,
		},
		{
			name: "store down",
			body: `{"input":"look"}`,
			setup: func(m *mockTurns) {
				m.On("Session", mock.Anything, "s1").Return(nil, fmt.Errorf("%w: connection refused", models.ErrStoreUnavailable))
			},
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name: "unexpected error is not leaked",
			body: `{"input":"look"}`,
			setup: func(m *mockTurns) {
				m.On("Session", mock.Anything, "s1").Return(owned("s1", "local"), nil)
				m.On("HandleInput", mock.Anything, "s1", "look").Return(orchestrator.TurnOutput{}, errors.New("secret detail"))
			},
			wantStatus: http.StatusInternalServerError,
			wantBody:   `{"error":"An unexpected internal error occurred"}`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			turns := new(mockTurns)
			tc.setup(turns)
			router := newRouter(turns, handler.RouterOptions{})

			w := do(router, http.MethodPost, "/api/v1/sessions/s1/turns", tc.body, "")
			assert.Equal(t, tc.wantStatus, w.Code)
			if tc.wantBody != "" {
				assert.JSONEq(t, tc.wantBody, w.Body.String())
			}
			turns.AssertExpectations(t)
		})
	}
}

func TestSessionOwnership(t *testing.T) {
	verifier, err := authutils.NewJWTVerifier("test-secret", zap.NewNop())
	require.NoError(t, err)
	exp := jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
	alice, err := verifier.Sign("alice", exp)
	require.NoError(t, err)
	bob, err := verifier.Sign("bob", exp)
	require.NoError(t, err)

	turns := new(mockTurns)
	turns.On("Session", mock.Anything, "s1").Return(owned("s1", "alice"), nil)
	turns.On("StartSession", mock.Anything, "bob").Return(orchestrator.TurnOutput{SessionID: "s2"}, nil)
	router := newRouter(turns, handler.RouterOptions{Verifier: verifier.VerifyToken})

	t.Run("owner reads the session", func(t *testing.T) {
		w := do(router, http.MethodGet, "/api/v1/sessions/s1", "", alice)
		require.Equal(t, http.StatusOK, w.Code)
		var resp models.SessionResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, int64(3), resp.Turn)
		assert.Equal(t, "Village Square", resp.Location)
	})

	t.Run("other player is forbidden", func(t *testing.T) {
		w := do(router, http.MethodGet, "/api/v1/sessions/s1", "", bob)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("new session belongs to the token subject", func(t *testing.T) {
		w := do(router, http.MethodPost, "/api/v1/sessions", "", bob)
		assert.Equal(t, http.StatusCreated, w.Code)
	})

	t.Run("missing token", func(t *testing.T) {
		w := do(router, http.MethodGet, "/api/v1/sessions/s1", "", "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	turns.AssertNotCalled(t, "HandleInput", mock.Anything, mock.Anything, mock.Anything)
}

func TestSaveSession(t *testing.T) {
	t.Run("saved", func(t *testing.T) {
		turns := new(mockTurns)
		turns.On("Session", mock.Anything, "s1").Return(owned("s1", "local"), nil)
		turns.On("Save", mock.Anything, "s1").Return(nil)
		w := do(newRouter(turns, handler.RouterOptions{}), http.MethodPost, "/api/v1/sessions/s1/save", "", "")
		assert.Equal(t, http.StatusNoContent, w.Code)
	})

	t.Run("checkpoint store unavailable", func(t *testing.T) {
		turns := new(mockTurns)
		turns.On("Session", mock.Anything, "s1").Return(owned("s1", "local"), nil)
		turns.On("Save", mock.Anything, "s1").Return(&orchestrator.PersistenceError{SessionID: "s1", Turns: []int64{3}, Err: errors.New("disk full")})
		w := do(newRouter(turns, handler.RouterOptions{}), http.MethodPost, "/api/v1/sessions/s1/save", "", "")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

type wsReply struct {
	Type  string               `json:"type"`
	Turn  *models.TurnResponse `json:"turn"`
	Error string               `json:"error"`
}

func TestWebSocketSession(t *testing.T) {
	turns := new(mockTurns)
	turns.On("Session", mock.Anything, "s1").Return(owned("s1", "local"), nil)
	turns.On("ResumeSession", mock.Anything, "s1").
		Return(orchestrator.TurnOutput{SessionID: "s1", Turn: 3, Narrative: "You are in the Village Square."}, nil)
	turns.On("HandleInput", mock.Anything, "s1", "look").
		Return(orchestrator.TurnOutput{SessionID: "s1", Turn: 4, Narrative: "An ancient oak tree."}, nil)
	turns.On("HandleInput", mock.Anything, "s1", "quit").
		Return(orchestrator.TurnOutput{SessionID: "s1", Turn: 4, Narrative: orchestrator.FallbackFarewell, Terminated: true}, nil)

	srv := httptest.NewServer(newRouter(turns, handler.RouterOptions{}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/sessions/s1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var reply wsReply
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, "turn", reply.Type)
	assert.Equal(t, "You are in the Village Square.", reply.Turn.Narrative)

	require.NoError(t, conn.WriteJSON(models.TurnRequest{Input: ""}))
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "error", reply.Type)

	require.NoError(t, conn.WriteJSON(models.TurnRequest{Input: "look"}))
	reply = wsReply{}
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, "turn", reply.Type)
	assert.Equal(t, int64(4), reply.Turn.Turn)

	require.NoError(t, conn.WriteJSON(models.TurnRequest{Input: "quit"}))
	reply = wsReply{}
	require.NoError(t, conn.ReadJSON(&reply))
	require.True(t, reply.Turn.Terminated)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	turns.AssertExpectations(t)
}

func TestWebSocketRejectsForeignSession(t *testing.T) {
	turns := new(mockTurns)
	turns.On("Session", mock.Anything, "s1").Return(nil, models.ErrNotFound)

	srv := httptest.NewServer(newRouter(turns, handler.RouterOptions{}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/sessions/s1/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
