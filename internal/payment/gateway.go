package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cinema-reservation/internal/data/entity"
	"cinema-reservation/pkg/retry"

	"go.uber.org/zap"
)

type GatewayConfig struct {
	// CallTimeout bounds every single provider call. A call that runs out of
	// time counts as ProviderUnavailable, never as a failure.
	CallTimeout time.Duration
	Retry       retry.Config
}

// Gateway wraps a Provider with per-call timeouts, idempotency keys and
// bounded retries.
type Gateway struct {
	provider Provider
	retrier  *retry.Retrier
	timeout  time.Duration
	log      *zap.Logger
}

func NewGateway(provider Provider, config GatewayConfig, log *zap.Logger) *Gateway {
	if config.CallTimeout <= 0 {
		config.CallTimeout = 10 * time.Second
	}
	return &Gateway{
		provider: provider,
		retrier:  retry.New(config.Retry),
		timeout:  config.CallTimeout,
		log:      log.With(zap.String("gateway", provider.Name())),
	}
}

// Capture charges req.AmountCents exactly once per idempotency key. It
// returns the captured intent, or an error wrapping entity.ErrPaymentDeclined.
// Transient provider failures are retried; when the retry budget runs out the
// provider is asked one last time and anything short of a capture is
// reported as declined. An intent left open is cancelled before a decline is
// reported; when that cancellation fails the error wraps
// entity.ErrProviderUnavailable. A cancelled ctx yields its cause.
func (g *Gateway) Capture(ctx context.Context, req CaptureRequest) (*entity.PaymentIntent, error) {
	log := g.log.With(zap.String("attempt_token", req.IdempotencyKey))

	var intent *entity.PaymentIntent
	result := g.retrier.Do(ctx, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			// The previous call may have succeeded with its response lost.
			prior, err := g.Status(ctx, req.IdempotencyKey)
			switch {
			case err == nil && prior.IsCaptured():
				intent = prior
				return nil
			case err == nil && prior.Status == entity.PaymentIntentFailed:
				intent = prior
				return retry.Permanent(fmt.Errorf("intent %s: %s: %w", prior.ID, prior.FailureReason, entity.ErrPaymentDeclined))
			case err != nil && !errors.Is(err, entity.ErrIntentNotFound):
				return err
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		got, err := g.provider.Capture(callCtx, req)
		switch {
		case err == nil:
			intent = got
			return nil
		case errors.Is(err, entity.ErrPaymentDeclined):
			intent = got
			return retry.Permanent(err)
		case errors.Is(err, entity.ErrProviderUnavailable):
			return err
		case callCtx.Err() != nil && ctx.Err() == nil:
			return fmt.Errorf("capture timed out after %s: %w", g.timeout, entity.ErrProviderUnavailable)
		default:
			return fmt.Errorf("capture: %v: %w", err, entity.ErrProviderUnavailable)
		}
	}, func(attempt int, err error, wait time.Duration) {
		log.Warn("Payment capture failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})

	switch {
	case result.Err == nil:
		log.Info("Payment captured",
			zap.String("payment_intent_id", intent.ID),
			zap.Int("attempts", result.Attempts),
		)
		return intent, nil
	case errors.Is(result.Err, entity.ErrPaymentDeclined):
		if intent != nil && !intent.IsTerminal() {
			return g.closeOpen(ctx, intent, result.Err, log)
		}
		log.Info("Payment declined", zap.Error(result.Err))
		return intent, result.Err
	case errors.Is(result.Err, retry.ErrContextCanceled):
		return nil, fmt.Errorf("capture %s: %w", req.IdempotencyKey, context.Cause(ctx))
	}

	final, err := g.Status(ctx, req.IdempotencyKey)
	if err == nil && final.IsCaptured() {
		log.Info("Payment captured, confirmed by final status check",
			zap.String("payment_intent_id", final.ID),
		)
		return final, nil
	}
	declined := fmt.Errorf("capture %s after %d attempts: %v: %w",
		req.IdempotencyKey, result.Attempts, result.LastError, entity.ErrPaymentDeclined)
	if err == nil && !final.IsTerminal() {
		return g.closeOpen(ctx, final, declined, log)
	}
	log.Warn("Payment provider unavailable after retries, treating as declined",
		zap.Int("attempts", result.Attempts),
		zap.NamedError("last_error", result.LastError),
		zap.NamedError("status_error", err),
	)
	return final, declined
}

// closeOpen cancels an intent that capture left short of a terminal state so
// that it cannot succeed after the attempt is settled.
func (g *Gateway) closeOpen(ctx context.Context, open *entity.PaymentIntent, declined error, log *zap.Logger) (*entity.PaymentIntent, error) {
	closed, err := g.Cancel(ctx, open)
	switch {
	case err != nil:
		log.Warn("Open payment could not be cancelled",
			zap.String("payment_intent_id", open.ID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("capture %s: intent %s left open: %v: %w",
			open.IdempotencyKey, open.ID, err, entity.ErrProviderUnavailable)
	case closed.IsCaptured():
		log.Info("Payment captured before it could be cancelled",
			zap.String("payment_intent_id", closed.ID),
		)
		return closed, nil
	default:
		log.Info("Payment declined, open intent cancelled",
			zap.String("payment_intent_id", closed.ID),
			zap.Error(declined),
		)
		return closed, declined
	}
}

// Refund reverses a captured intent. Refunding twice is a no-op at the
// provider because the refund carries its own idempotency key.
func (g *Gateway) Refund(ctx context.Context, intent *entity.PaymentIntent) (*entity.PaymentIntent, error) {
	var refunded *entity.PaymentIntent
	result := g.retrier.Do(ctx, func(ctx context.Context, _ int) error {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		got, err := g.provider.Refund(callCtx, intent, RefundKey(intent.ID))
		switch {
		case err == nil:
			refunded = got
			return nil
		case errors.Is(err, entity.ErrProviderUnavailable):
			return err
		case callCtx.Err() != nil && ctx.Err() == nil:
			return fmt.Errorf("refund timed out after %s: %w", g.timeout, entity.ErrProviderUnavailable)
		default:
			return retry.Permanent(err)
		}
	}, func(attempt int, err error, wait time.Duration) {
		g.log.Warn("Refund failed, retrying",
			zap.String("payment_intent_id", intent.ID),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})

	switch {
	case result.Err == nil:
		g.log.Info("Payment refunded", zap.String("payment_intent_id", intent.ID))
		return refunded, nil
	case errors.Is(result.Err, retry.ErrMaxAttemptsExceeded):
		return nil, fmt.Errorf("refund %s: %w", intent.ID, result.LastError)
	case errors.Is(result.Err, retry.ErrContextCanceled):
		return nil, fmt.Errorf("refund %s: %w", intent.ID, context.Cause(ctx))
	default:
		return nil, fmt.Errorf("refund %s: %w", intent.ID, result.Err)
	}
}

// Cancel voids an open intent and returns it terminal. Cancelling twice is a
// no-op at the provider. An intent that is still open after the call, or a
// provider that stays unreachable, yields entity.ErrProviderUnavailable.
func (g *Gateway) Cancel(ctx context.Context, intent *entity.PaymentIntent) (*entity.PaymentIntent, error) {
	var closed *entity.PaymentIntent
	result := g.retrier.Do(ctx, func(ctx context.Context, _ int) error {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		got, err := g.provider.Cancel(callCtx, intent, CancelKey(intent.ID))
		switch {
		case err == nil && !got.IsTerminal():
			return fmt.Errorf("intent %s still open: %w", intent.ID, entity.ErrProviderUnavailable)
		case err == nil:
			closed = got
			return nil
		case errors.Is(err, entity.ErrProviderUnavailable):
			return err
		case callCtx.Err() != nil && ctx.Err() == nil:
			return fmt.Errorf("cancel timed out after %s: %w", g.timeout, entity.ErrProviderUnavailable)
		default:
			return retry.Permanent(err)
		}
	}, func(attempt int, err error, wait time.Duration) {
		g.log.Warn("Cancel failed, retrying",
			zap.String("payment_intent_id", intent.ID),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})

	switch {
	case result.Err == nil:
		g.log.Info("Payment intent cancelled",
			zap.String("payment_intent_id", intent.ID),
			zap.String("status", string(closed.Status)),
		)
		return closed, nil
	case errors.Is(result.Err, retry.ErrMaxAttemptsExceeded):
		return nil, fmt.Errorf("cancel %s: %w", intent.ID, result.LastError)
	case errors.Is(result.Err, retry.ErrContextCanceled):
		return nil, fmt.Errorf("cancel %s: %w", intent.ID, context.Cause(ctx))
	default:
		return nil, fmt.Errorf("cancel %s: %w", intent.ID, result.Err)
	}
}

// Status asks the provider for the latest intent created with key. It is a
// single timed call; errors wrap entity.ErrIntentNotFound or
// entity.ErrProviderUnavailable.
func (g *Gateway) Status(ctx context.Context, key string) (*entity.PaymentIntent, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	intent, err := g.provider.Lookup(callCtx, key)
	switch {
	case err == nil:
		return intent, nil
	case errors.Is(err, entity.ErrIntentNotFound), errors.Is(err, entity.ErrProviderUnavailable):
		return nil, err
	default:
		return nil, fmt.Errorf("payment status %s: %v: %w", key, err, entity.ErrProviderUnavailable)
	}
}
