package lock

import (
	"context"
	"sync"
	"time"
)

// LocalLocker is the in-process stand-in for RedisLocker when a single
// instance runs without Redis.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]bool)}
}

func (l *LocalLocker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error) {
	l.mu.Lock()
	if l.held[key] {
		l.mu.Unlock()
		return false, nil
	}
	l.held[key] = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}()

	runCtx, cancel := context.WithTimeout(ctx, ttl)
	defer cancel()
	return true, fn(runCtx)
}
