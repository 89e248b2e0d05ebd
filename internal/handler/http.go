// Package handler exposes the turn orchestrator over HTTP and WebSocket.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	ginprometheus "github.com/zsais/go-gin-prometheus"
	"go.uber.org/zap"

	"tta-server/internal/orchestrator"
	"tta-server/internal/state"
	sharedMiddleware "tta-server/shared/middleware"
)

// TurnService - операции оркестратора, нужные транспорту.
type TurnService interface {
	StartSession(ctx context.Context, playerID string) (orchestrator.TurnOutput, error)
	ResumeSession(ctx context.Context, sessionID string) (orchestrator.TurnOutput, error)
	Session(ctx context.Context, sessionID string) (*state.State, error)
	HandleInput(ctx context.Context, sessionID, input string) (orchestrator.TurnOutput, error)
	Save(ctx context.Context, sessionID string) error
}

// Handler обслуживает HTTP API сессий.
type Handler struct {
	turns       TurnService
	logger      *zap.Logger
	turnTimeout time.Duration
}

// NewHandler creates the API handler. turnTimeout bounds one turn; zero means no limit.
func NewHandler(turns TurnService, turnTimeout time.Duration, logger *zap.Logger) *Handler {
	return &Handler{turns: turns, turnTimeout: turnTimeout, logger: logger.Named("Handler")}
}

// RouterOptions - внешние слои роутера.
type RouterOptions struct {
	Verifier       sharedMiddleware.TokenVerifier // nil - аутентификация выключена
	AllowedOrigins []string
	Metrics        bool
}

// NewRouter собирает gin.Engine со всеми маршрутами и middleware.
func NewRouter(h *Handler, opts RouterOptions) *gin.Engine {
	router := gin.New()
	router.RedirectTrailingSlash = true
	router.Use(sharedMiddleware.ZapLoggingMiddlewareForGin(h.logger))
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(opts.AllowedOrigins) == 0 || (len(opts.AllowedOrigins) == 1 && opts.AllowedOrigins[0] == "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = opts.AllowedOrigins
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization", sharedMiddleware.RequestIDHeader}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	if opts.Metrics {
		// middleware gin применяется только к маршрутам, зарегистрированным после него
		p := ginprometheus.NewPrometheus("gin")
		p.Use(router)
	}

	healthHandler := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
	router.GET("/health", healthHandler)
	router.HEAD("/health", healthHandler)

	h.RegisterRoutes(router, opts.Verifier)
	return router
}

// RegisterRoutes регистрирует маршруты /api/v1/sessions.
func (h *Handler) RegisterRoutes(router gin.IRouter, verifier sharedMiddleware.TokenVerifier) {
	sessions := router.Group("/api/v1/sessions")
	if verifier != nil {
		sessions.Use(sharedMiddleware.AuthMiddleware(verifier, h.logger))
	}
	sessions.POST("", h.startSession)
	sessions.GET("/:session_id", h.getSession)
	sessions.POST("/:session_id/turns", h.submitTurn)
	sessions.POST("/:session_id/save", h.saveSession)
	sessions.GET("/:session_id/ws", h.serveWS)
}

func (h *Handler) turnContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.turnTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, h.turnTimeout)
}
