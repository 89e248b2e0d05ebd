package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tta-server/internal/orchestrator"
	"tta-server/shared/models"
)

const (
	// Время, разрешенное для записи сообщения клиенту.
	writeWait = 10 * time.Second
	// Время ожидания следующего pong от клиента.
	pongWait = 60 * time.Second
	// Период пингов. Должен быть меньше pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Максимальный размер сообщения от клиента.
	maxMessageSize = 4096
)

// Источник не проверяется: сессия авторизуется токеном, а не cookie.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsMessage - сообщение сервера в WebSocket: ответ на ход или ошибка.
type wsMessage struct {
	Type  string               `json:"type"` // turn | error
	Turn  *models.TurnResponse `json:"turn,omitempty"`
	Error string               `json:"error,omitempty"`
}

// serveWS ведет сессию по WebSocket: каждое входящее сообщение {"input": "..."} - один ход.
// Ходы внутри соединения идут строго по очереди.
func (h *Handler) serveWS(c *gin.Context) {
	if _, err := h.ownedSession(c); err != nil {
		h.handleServiceError(c, err)
		return
	}
	sessionID := c.Param("session_id")
	log := h.logger.With(zap.String("session_id", sessionID))

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("Failed to upgrade connection", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go keepAlive(ctx, conn)

	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	resumed, err := h.turns.ResumeSession(ctx, sessionID)
	if err != nil {
		_ = writeWS(conn, h.errorMessage(err))
		return
	}
	if err := writeWS(conn, turnMessage(resumed)); err != nil {
		return
	}
	log.Info("WebSocket session attached")

	for {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		var req models.TurnRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Info("WebSocket read failed", zap.Error(err))
			}
			return
		}
		if err := binding.Validator.ValidateStruct(&req); err != nil {
			if writeWS(conn, wsMessage{Type: "error", Error: "input is required and must be at most 1024 characters"}) != nil {
				return
			}
			continue
		}

		out, err := h.turn(ctx, sessionID, req.Input)
		if err != nil {
			if writeWS(conn, h.errorMessage(err)) != nil {
				return
			}
			continue
		}
		if err := writeWS(conn, turnMessage(out)); err != nil {
			return
		}
		if out.Terminated {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"), time.Now().Add(writeWait))
			return
		}
	}
}

func (h *Handler) errorMessage(err error) wsMessage {
	status, msg := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("WebSocket turn failed", zap.Error(err))
	}
	return wsMessage{Type: "error", Error: msg}
}

func turnMessage(out orchestrator.TurnOutput) wsMessage {
	resp := turnResponse(out)
	return wsMessage{Type: "turn", Turn: &resp}
}

func writeWS(conn *websocket.Conn, msg wsMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

// keepAlive шлет ping до отмены ctx. WriteControl безопасен параллельно с WriteJSON.
func keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
