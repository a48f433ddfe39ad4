package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"cinema-reservation/internal/data/entity"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/refund"
)

const attemptTokenMetadata = "attempt_token"

// StripeProvider captures with confirmed PaymentIntents. The attempt token is
// both the Stripe idempotency key and a metadata field, so an intent can be
// found again after a lost response.
type StripeProvider struct{}

func NewStripeProvider(secretKey string) (*StripeProvider, error) {
	if secretKey == "" {
		return nil, fmt.Errorf("stripe secret key is required")
	}

	// Set Stripe API key globally
	stripe.Key = secretKey

	return &StripeProvider{}, nil
}

func (p *StripeProvider) Name() string {
	return string(ProviderTypeStripe)
}

func (p *StripeProvider) Capture(ctx context.Context, req CaptureRequest) (*entity.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(req.AmountCents),
		Currency:           stripe.String(req.Currency),
		PaymentMethod:      stripe.String(req.PaymentMethodRef),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		Confirm:            stripe.Bool(true),
		Metadata: map[string]string{
			attemptTokenMetadata: req.IdempotencyKey,
		},
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)

	pi, err := paymentintent.New(params)
	if err != nil {
		var declined *entity.PaymentIntent
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.PaymentIntent != nil {
			declined = toIntent(stripeErr.PaymentIntent, req.IdempotencyKey)
		}
		return declined, classifyStripeError("create payment intent", err)
	}

	intent := toIntent(pi, req.IdempotencyKey)
	switch intent.Status {
	case entity.PaymentIntentCaptured:
		return intent, nil
	case entity.PaymentIntentFailed:
		return intent, fmt.Errorf("payment intent %s %s: %w", pi.ID, pi.Status, entity.ErrPaymentDeclined)
	default:
		// requires_action and friends cannot complete without the customer.
		return intent, fmt.Errorf("payment intent %s needs %s: %w", pi.ID, pi.Status, entity.ErrPaymentDeclined)
	}
}

func (p *StripeProvider) Refund(ctx context.Context, intent *entity.PaymentIntent, idempotencyKey string) (*entity.PaymentIntent, error) {
	if intent == nil || intent.ID == "" {
		return nil, fmt.Errorf("refund without payment intent: %w", entity.ErrIntentNotFound)
	}

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(intent.ID),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	if _, err := refund.New(params); err != nil {
		return nil, classifyStripeError("create refund", err)
	}

	refunded := *intent
	refunded.Status = entity.PaymentIntentRefunded
	return &refunded, nil
}

func (p *StripeProvider) Lookup(ctx context.Context, idempotencyKey string) (*entity.PaymentIntent, error) {
	params := searchParams(idempotencyKey)
	params.Context = ctx

	var latest *stripe.PaymentIntent
	iter := paymentintent.Search(params)
	for iter.Next() {
		pi := iter.PaymentIntent()
		if latest == nil || pi.Created > latest.Created {
			latest = pi
		}
	}
	if err := iter.Err(); err != nil {
		return nil, classifyStripeError("search payment intents", err)
	}
	if latest == nil {
		return nil, fmt.Errorf("payment intent for %s: %w", idempotencyKey, entity.ErrIntentNotFound)
	}
	return toIntent(latest, idempotencyKey), nil
}

func (p *StripeProvider) Cancel(ctx context.Context, intent *entity.PaymentIntent, idempotencyKey string) (*entity.PaymentIntent, error) {
	if intent == nil || intent.ID == "" {
		return nil, fmt.Errorf("cancel without payment intent: %w", entity.ErrIntentNotFound)
	}

	params := &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonAbandoned)),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	pi, err := paymentintent.Cancel(intent.ID, params)
	if err == nil {
		return toIntent(pi, intent.IdempotencyKey), nil
	}

	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) || stripeErr.Code != stripe.ErrorCodePaymentIntentUnexpectedState {
		return nil, classifyStripeError("cancel payment intent", err)
	}

	// Succeeded or processing intents cannot be cancelled; report where it is.
	get := &stripe.PaymentIntentParams{}
	get.Context = ctx
	get.AddExpand("latest_charge")
	pi, err = paymentintent.Get(intent.ID, get)
	if err != nil {
		return nil, classifyStripeError("get payment intent", err)
	}
	return toIntent(pi, intent.IdempotencyKey), nil
}

func toIntent(pi *stripe.PaymentIntent, key string) *entity.PaymentIntent {
	intent := &entity.PaymentIntent{
		ID:             pi.ID,
		IdempotencyKey: key,
		AmountCents:    pi.Amount,
		Currency:       string(pi.Currency),
		Provider:       string(ProviderTypeStripe),
	}

	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		intent.Status = entity.PaymentIntentCaptured
	case stripe.PaymentIntentStatusCanceled:
		intent.Status = entity.PaymentIntentFailed
		intent.FailureReason = string(pi.CancellationReason)
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		// A confirm that failed leaves the intent here with the error attached.
		if pi.LastPaymentError != nil {
			intent.Status = entity.PaymentIntentFailed
			intent.FailureReason = pi.LastPaymentError.Msg
		} else {
			intent.Status = entity.PaymentIntentCreated
		}
	default:
		intent.Status = entity.PaymentIntentCreated
	}
	if pi.LatestCharge != nil && pi.LatestCharge.Refunded {
		intent.Status = entity.PaymentIntentRefunded
	}
	return intent
}

// searchParams finds the intents of one attempt token. The latest charge is
// expanded so refunds show up in the intent status.
func searchParams(idempotencyKey string) *stripe.PaymentIntentSearchParams {
	params := &stripe.PaymentIntentSearchParams{}
	params.Query = fmt.Sprintf("metadata['%s']:'%s'", attemptTokenMetadata, escapeSearchValue(idempotencyKey))
	params.AddExpand("data.latest_charge")
	return params
}

func escapeSearchValue(v string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(v)
}

// classifyStripeError maps a Stripe client error to declined, unavailable or
// not found.
func classifyStripeError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %v: %w", op, err, entity.ErrProviderUnavailable)
	}

	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		// Transport failures never reached Stripe's API layer.
		return fmt.Errorf("%s: %v: %w", op, err, entity.ErrProviderUnavailable)
	}

	switch {
	case stripeErr.HTTPStatusCode == http.StatusTooManyRequests,
		stripeErr.HTTPStatusCode >= http.StatusInternalServerError,
		stripeErr.Type == stripe.ErrorTypeAPI:
		return fmt.Errorf("%s: %s: %w", op, stripeErr.Msg, entity.ErrProviderUnavailable)
	case stripeErr.HTTPStatusCode == http.StatusConflict,
		stripeErr.Type == stripe.ErrorTypeIdempotency,
		stripeErr.Code == stripe.ErrorCodeIdempotencyKeyInUse,
		stripeErr.Code == stripe.ErrorCodeLockTimeout:
		// Another request with the same key is still running; its outcome
		// is not known yet.
		return fmt.Errorf("%s: %s: %w", op, stripeErr.Msg, entity.ErrProviderUnavailable)
	case stripeErr.Code == stripe.ErrorCodeResourceMissing:
		return fmt.Errorf("%s: %s: %w", op, stripeErr.Msg, entity.ErrIntentNotFound)
	default:
		return fmt.Errorf("%s: %s: %w", op, stripeErr.Msg, entity.ErrPaymentDeclined)
	}
}
