package models

import (
	"context"
	"time"
)

// contextKey - приватный тип для ключей контекста, чтобы избежать коллизий.
type contextKey string

const (
	// PlayerContextKey используется как ключ для хранения PlayerID в контексте запроса.
	PlayerContextKey contextKey = "playerID"

	writeDeadlineKey contextKey = "writeDeadline"
)

// WithPlayerID returns a copy of ctx carrying the authenticated player id.
func WithPlayerID(ctx context.Context, playerID string) context.Context {
	return context.WithValue(ctx, PlayerContextKey, playerID)
}

// GetPlayerIDFromContext извлекает PlayerID из контекста.
// Возвращает "" и false, если ключ не найден (например, авторизация отключена).
func GetPlayerIDFromContext(ctx context.Context) (string, bool) {
	playerID, ok := ctx.Value(PlayerContextKey).(string)
	return playerID, ok && playerID != ""
}

// WithWriteDeadline returns a copy of ctx carrying the deadline for writes of one tool call.
// Stores bound statements of the turn transaction by it instead of by ctx cancellation.
func WithWriteDeadline(ctx context.Context, deadline time.Time) context.Context {
	return context.WithValue(ctx, writeDeadlineKey, deadline)
}

// WriteDeadline returns the write deadline set by WithWriteDeadline.
func WriteDeadline(ctx context.Context) (time.Time, bool) {
	dl, ok := ctx.Value(writeDeadlineKey).(time.Time)
	return dl, ok
}
