package interfaces

import "context"

// SessionLocker serializes turns of one session across goroutines or processes.
type SessionLocker interface {
	// Lock blocks until the session lock is acquired or ctx is done.
	// The returned function releases the lock.
	Lock(ctx context.Context, sessionID string) (unlock func(), err error)
}
