// Package payment talks to the payment provider on behalf of the
// reservation coordinator and the expiry sweeper.
package payment

import (
	"context"

	"cinema-reservation/internal/data/entity"
)

// Provider is one payment backend. Implementations classify every failure
// as entity.ErrPaymentDeclined (terminal) or entity.ErrProviderUnavailable
// (transient); a declined capture may still return the failed intent.
type Provider interface {
	Name() string
	Capture(ctx context.Context, req CaptureRequest) (*entity.PaymentIntent, error)
	Refund(ctx context.Context, intent *entity.PaymentIntent, idempotencyKey string) (*entity.PaymentIntent, error)
	// Lookup returns the latest intent created with idempotencyKey, or
	// entity.ErrIntentNotFound.
	Lookup(ctx context.Context, idempotencyKey string) (*entity.PaymentIntent, error)
	// Cancel voids an intent that has not reached a terminal state and
	// returns it as the provider left it: failed once cancelled, captured
	// when it succeeded first, still open when it cannot be cancelled yet.
	Cancel(ctx context.Context, intent *entity.PaymentIntent, idempotencyKey string) (*entity.PaymentIntent, error)
}

type CaptureRequest struct {
	AmountCents      int64
	Currency         string
	PaymentMethodRef string
	// IdempotencyKey is the attempt token; a repeated capture with the same
	// key never charges twice.
	IdempotencyKey string
	Description    string
}

// RefundKey is the provider idempotency key of the refund of an intent.
func RefundKey(intentID string) string {
	return "refund:" + intentID
}

// CancelKey is the provider idempotency key of the cancellation of an intent.
func CancelKey(intentID string) string {
	return "cancel:" + intentID
}
