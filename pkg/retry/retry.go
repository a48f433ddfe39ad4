// Package retry runs an operation with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

var (
	ErrMaxAttemptsExceeded = errors.New("max attempts exceeded")
	ErrContextCanceled     = errors.New("context canceled during retry")
)

// Config controls the backoff schedule. MaxAttempts counts the first call.
type Config struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// JitterFactor of 0.1 means ±10% around the computed interval.
	JitterFactor float64
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:     4,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2.0,
		JitterFactor:    0.1,
	}
}

type Operation func(ctx context.Context, attempt int) error

// PermanentError stops the retry loop immediately.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

type Result struct {
	// Err is nil on success, the unwrapped permanent error, or one of
	// ErrMaxAttemptsExceeded / ErrContextCanceled.
	Err       error
	LastError error
	Attempts  int
}

// Callback is invoked before sleeping ahead of the next attempt.
type Callback func(attempt int, err error, wait time.Duration)

type Retrier struct {
	config Config
	sleep  func(ctx context.Context, d time.Duration) error
}

func New(config Config) *Retrier {
	def := DefaultConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.InitialInterval <= 0 {
		config.InitialInterval = def.InitialInterval
	}
	if config.MaxInterval < config.InitialInterval {
		config.MaxInterval = max(def.MaxInterval, config.InitialInterval)
	}
	if config.Multiplier < 1 {
		config.Multiplier = def.Multiplier
	}
	config.JitterFactor = min(max(config.JitterFactor, 0), 1)

	return &Retrier{config: config, sleep: sleepContext}
}

func (r *Retrier) Config() Config {
	return r.config
}

func (r *Retrier) Do(ctx context.Context, op Operation, cb Callback) *Result {
	result := &Result{}

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if ctx.Err() != nil {
			result.Err = ErrContextCanceled
			return result
		}

		err := op(ctx, attempt)
		if err == nil {
			result.Err = nil
			return result
		}
		result.LastError = err

		var perm *PermanentError
		if errors.As(err, &perm) {
			result.Err = perm.Err
			result.LastError = perm.Err
			return result
		}

		if attempt == r.config.MaxAttempts {
			break
		}

		wait := r.Backoff(attempt)
		if cb != nil {
			cb(attempt, err, wait)
		}
		if err := r.sleep(ctx, wait); err != nil {
			result.Err = ErrContextCanceled
			return result
		}
	}

	result.Err = ErrMaxAttemptsExceeded
	return result
}

// Backoff returns the wait after the given 1-based attempt.
func (r *Retrier) Backoff(attempt int) time.Duration {
	interval := float64(r.config.InitialInterval) * math.Pow(r.config.Multiplier, float64(attempt-1))
	if r.config.JitterFactor > 0 {
		jitter := interval * r.config.JitterFactor
		interval += (rand.Float64()*2 - 1) * jitter
	}
	if interval > float64(r.config.MaxInterval) {
		interval = float64(r.config.MaxInterval)
	}
	if interval <= 0 {
		interval = float64(r.config.InitialInterval)
	}
	return time.Duration(interval)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
