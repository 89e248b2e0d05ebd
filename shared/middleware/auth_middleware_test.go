package middleware_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"tta-server/shared/middleware"
	"tta-server/shared/models"
)

func stubVerifier(_ context.Context, token string) (*models.Claims, error) {
	switch token {
	case "good":
		return &models.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "player-1"}}, nil
	case "old":
		return nil, models.ErrTokenExpired
	case "boom":
		return nil, assert.AnError
	}
	return nil, models.ErrTokenInvalid
}

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.ZapLoggingMiddlewareForGin(zap.NewNop()))
	router.GET("/me", middleware.AuthMiddleware(stubVerifier, zap.NewNop()), func(c *gin.Context) {
		id, _ := models.GetPlayerIDFromContext(c.Request.Context())
		c.String(http.StatusOK, id)
	})

	testCases := []struct {
		name   string
		target string
		header string
		status int
		body   string
	}{
		{"bearer header", "/me", "Bearer good", http.StatusOK, "player-1"},
		{"query token", "/me?token=good", "", http.StatusOK, "player-1"},
		{"missing", "/me", "", http.StatusUnauthorized, "Missing token"},
		{"malformed header", "/me", "Token good", http.StatusUnauthorized, "Missing token"},
		{"expired", "/me", "Bearer old", http.StatusUnauthorized, "Token expired"},
		{"invalid", "/me", "Bearer bad", http.StatusUnauthorized, "Invalid token"},
		{"verifier failure", "/me", "Bearer boom", http.StatusInternalServerError, "Internal server error"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.target, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			assert.Equal(t, tc.status, rec.Code)
			assert.Contains(t, rec.Body.String(), tc.body)
			assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))
		})
	}
}

func TestZapLoggingMiddleware_KeepsRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.ZapLoggingMiddlewareForGin(zap.NewNop()))
	router.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(middleware.RequestIDHeader, "req-42")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get(middleware.RequestIDHeader))
}
