package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tta-server/internal/orchestrator"
	"tta-server/internal/state"
	"tta-server/shared/models"
)

// anonymousPlayer - владелец сессий, когда аутентификация выключена.
const anonymousPlayer = "local"

func (h *Handler) startSession(c *gin.Context) {
	playerID, ok := models.GetPlayerIDFromContext(c.Request.Context())
	if !ok {
		playerID = anonymousPlayer
	}
	ctx, cancel := h.turnContext(c.Request.Context())
	defer cancel()

	out, err := h.turns.StartSession(ctx, playerID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	h.logger.Info("Session started", zap.String("session_id", out.SessionID), zap.String("player_id", playerID))
	c.JSON(http.StatusCreated, turnResponse(out))
}

func (h *Handler) getSession(c *gin.Context) {
	st, err := h.ownedSession(c)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SessionResponse{
		SessionID:  st.SessionID,
		Turn:       st.Turn,
		Phase:      string(st.Phase),
		ActiveRole: st.ActiveRole,
		Location:   st.World.LocationName,
		Guidelines: st.Guidelines,
		Narrative:  st.NarrativeOutput,
	})
}

func (h *Handler) submitTurn(c *gin.Context) {
	var req models.TurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.handleServiceError(c, fmt.Errorf("%w: %v", models.ErrBadRequest, err))
		return
	}
	if _, err := h.ownedSession(c); err != nil {
		h.handleServiceError(c, err)
		return
	}
	out, err := h.turn(c.Request.Context(), c.Param("session_id"), req.Input)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, turnResponse(out))
}

func (h *Handler) saveSession(c *gin.Context) {
	if _, err := h.ownedSession(c); err != nil {
		h.handleServiceError(c, err)
		return
	}
	if err := h.turns.Save(c.Request.Context(), c.Param("session_id")); err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// turn выполняет ход. Проваленный ход - не ошибка транспорта: игрок получает безопасную фразу.
func (h *Handler) turn(ctx context.Context, sessionID, input string) (orchestrator.TurnOutput, error) {
	ctx, cancel := h.turnContext(ctx)
	defer cancel()

	out, err := h.turns.HandleInput(ctx, sessionID, input)
	if err != nil && orchestrator.IsTurnFailure(err) {
		h.logger.Warn("Turn failed, fallback narrative returned", zap.String("session_id", sessionID), zap.Error(err))
		return out, nil
	}
	return out, err
}

// ownedSession загружает сессию и проверяет, что она принадлежит игроку из токена.
func (h *Handler) ownedSession(c *gin.Context) (*state.State, error) {
	sessionID := c.Param("session_id")
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", models.ErrBadRequest)
	}
	st, err := h.turns.Session(c.Request.Context(), sessionID)
	if err != nil {
		return nil, err
	}
	if playerID, ok := models.GetPlayerIDFromContext(c.Request.Context()); ok && st.PlayerID != playerID {
		return nil, fmt.Errorf("%w: session %s", models.ErrForbidden, sessionID)
	}
	return st, nil
}

func turnResponse(out orchestrator.TurnOutput) models.TurnResponse {
	return models.TurnResponse{
		SessionID:  out.SessionID,
		Turn:       out.Turn,
		Narrative:  out.Narrative,
		Terminated: out.Terminated,
		Unsynced:   out.Unsynced,
	}
}

// handleServiceError переводит ошибки оркестратора в HTTP статус. Детали ошибок наружу не уходят.
func (h *Handler) handleServiceError(c *gin.Context, err error) {
	status, msg := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, models.ErrorResponse{Error: msg})
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrBadRequest), errors.Is(err, models.ErrInvalidInput):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden, "Session belongs to another player"
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, "Session not found"
	case errors.Is(err, models.ErrSessionTerminated):
		return http.StatusGone, "Session has ended"
	case errors.Is(err, models.ErrSessionBusy):
		return http.StatusConflict, "Another turn of this session is in progress"
	case errors.Is(err, models.ErrPersistence), errors.Is(err, models.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "Storage is temporarily unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "Turn took too long"
	case errors.Is(err, context.Canceled):
		return 499, "Request cancelled"
	default:
		return http.StatusInternalServerError, "An unexpected internal error occurred"
	}
}
