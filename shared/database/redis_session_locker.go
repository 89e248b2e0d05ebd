package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tta-server/shared/interfaces"
)

const (
	sessionLockPrefix = "tta:session_lock:"
	lockRetryInterval = 50 * time.Millisecond
)

// Снимает блокировку, только если она все еще наша.
var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Compile-time check
var _ interfaces.SessionLocker = (*redisSessionLocker)(nil)

type redisSessionLocker struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisSessionLocker creates a SessionLocker that serializes turns across server instances.
// ttl bounds how long a crashed holder keeps the session locked.
func NewRedisSessionLocker(client *redis.Client, ttl time.Duration, logger *zap.Logger) interfaces.SessionLocker {
	return &redisSessionLocker{
		client: client,
		ttl:    ttl,
		logger: logger.Named("RedisSessionLocker"),
	}
}

// Lock повторяет SET NX, пока ключ занят или пока не отменен ctx.
func (l *redisSessionLocker) Lock(ctx context.Context, sessionID string) (func(), error) {
	key := sessionLockPrefix + sessionID
	token := uuid.NewString()

	ticker := time.NewTicker(lockRetryInterval)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire session lock %s: %w", sessionID, err)
		}
		if ok {
			l.logger.Debug("Session lock acquired", zap.String("session_id", sessionID))
			return func() { l.release(ctx, key, token) }, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *redisSessionLocker) release(ctx context.Context, key, token string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := releaseLockScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
		l.logger.Error("Failed to release session lock", zap.String("key", key), zap.Error(err))
	}
}
