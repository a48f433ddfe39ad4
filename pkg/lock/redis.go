// Package lock provides a Redis-backed mutual exclusion lease shared by all
// service instances.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrNotHeld = errors.New("lock not held")

// releaseScript deletes the key only when it still carries our token, so an
// instance whose lease already expired cannot drop a lock taken by another.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisLocker struct {
	client redis.UniversalClient
}

func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: client}
}

// Lease is one acquired lock.
type Lease struct {
	client redis.UniversalClient
	key    string
	token  string
}

// TryAcquire takes key for ttl. It returns (nil, nil) when another holder owns it.
func (l *RedisLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, nil
	}
	return &Lease{client: l.client, key: key, token: token}, nil
}

// WithLock runs fn while holding key. acquired is false, and fn is not run,
// when another holder owns the key. fn's context ends with the lease ttl, and
// the lease is released when fn returns.
func (l *RedisLocker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) (acquired bool, err error) {
	lease, err := l.TryAcquire(ctx, key, ttl)
	if err != nil || lease == nil {
		return false, err
	}

	runCtx, cancel := context.WithTimeout(ctx, ttl)
	defer cancel()
	defer func() {
		// The run context may be done already; release on a fresh one.
		releaseCtx, cancelRelease := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancelRelease()
		if rerr := lease.Release(releaseCtx); rerr != nil && !errors.Is(rerr, ErrNotHeld) && err == nil {
			err = rerr
		}
	}()

	return true, fn(runCtx)
}

func (l *Lease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// NewRedisClient opens a client and checks connectivity.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return client, nil
}
