package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"tta-server/internal/config"
	"tta-server/internal/handler"
	"tta-server/internal/telemetry"
	"tta-server/shared/authutils"
	sharedMiddleware "tta-server/shared/middleware"
)

const shutdownTimeout = 10 * time.Second

// NewHTTPServer собирает HTTP сервер поверх собранного приложения.
func NewHTTPServer(cfg config.Config, a *App, logger *zap.Logger) (*http.Server, error) {
	var verifier sharedMiddleware.TokenVerifier
	if cfg.JWT.Secret != "" {
		v, err := authutils.NewJWTVerifier(cfg.JWT.Secret, logger)
		if err != nil {
			return nil, err
		}
		verifier = v.VerifyToken
	} else {
		logger.Warn("JWT_SECRET is empty, session API runs without authentication")
	}

	h := handler.NewHandler(a.Orchestrator, cfg.Server.TurnTimeout, logger)
	router := handler.NewRouter(h, handler.RouterOptions{
		Verifier:       verifier,
		AllowedOrigins: splitOrigins(cfg.AllowedOrigin),
		Metrics:        true,
	})

	return &http.Server{
		Addr:         net.JoinHostPort("", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}, nil
}

// RunServer поднимает сервис и блокируется до отмены ctx, затем плавно останавливает его.
func RunServer(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry, logger)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Error("Failed to flush traces", zap.Error(err))
		}
	}()

	a, err := Build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = a.Close(sctx)
	}()

	srv, err := NewHTTPServer(cfg, a, logger)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", srv.Addr), zap.String("store", cfg.Store.Backend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down HTTP server...")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
		return err
	}
	logger.Info("HTTP server stopped")
	return nil
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}
