package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"cinema-reservation/internal/data/entity"
	"cinema-reservation/pkg/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
	"go.uber.org/zap"
)

func newTestGateway(p Provider) *Gateway {
	return NewGateway(p, GatewayConfig{
		CallTimeout: 50 * time.Millisecond,
		Retry: retry.Config{
			MaxAttempts:     4,
			InitialInterval: time.Millisecond,
			MaxInterval:     2 * time.Millisecond,
			Multiplier:      2,
		},
	}, zap.NewNop())
}

func captureReq(key string) CaptureRequest {
	return CaptureRequest{AmountCents: 1500, Currency: "usd", PaymentMethodRef: "pm_card_visa", IdempotencyKey: key}
}

func TestGateway_Capture(t *testing.T) {
	tests := []struct {
		name         string
		script       []MockOutcome
		wantErr      error
		wantCaptures int
	}{
		{name: "captured first try", wantCaptures: 1},
		{name: "declined", script: []MockOutcome{MockDecline}, wantErr: entity.ErrPaymentDeclined},
		{name: "unavailable then captured", script: []MockOutcome{MockUnavailable, MockUnavailable}, wantCaptures: 1},
		{name: "timeout then captured", script: []MockOutcome{MockHang}, wantCaptures: 1},
		{name: "lost response is not charged twice", script: []MockOutcome{MockLostResponse}, wantCaptures: 1},
		{
			name:    "exhausted retries become declined",
			script:  []MockOutcome{MockUnavailable, MockUnavailable, MockUnavailable, MockUnavailable},
			wantErr: entity.ErrPaymentDeclined,
		},
		{
			name:         "lost response on last attempt found by final status check",
			script:       []MockOutcome{MockUnavailable, MockUnavailable, MockUnavailable, MockLostResponse},
			wantCaptures: 1,
		},
		{name: "concurrent request with the same key is retried", script: []MockOutcome{MockInProgress, MockInProgress}, wantCaptures: 1},
		{name: "open intent is cancelled and declined", script: []MockOutcome{MockPending}, wantErr: entity.ErrPaymentDeclined},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := NewMockProvider()
			provider.Script("tok", tt.script...)
			gw := newTestGateway(provider)

			intent, err := gw.Capture(context.Background(), captureReq("tok"))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.True(t, intent.IsCaptured())
				assert.Equal(t, int64(1500), intent.AmountCents)
			}
			assert.Equal(t, tt.wantCaptures, provider.Captures("tok"))
		})
	}
}

func TestGateway_CaptureIsIdempotentPerKey(t *testing.T) {
	provider := NewMockProvider()
	gw := newTestGateway(provider)

	first, err := gw.Capture(context.Background(), captureReq("same"))
	require.NoError(t, err)
	second, err := gw.Capture(context.Background(), captureReq("same"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, provider.Captures("same"))
}

func TestGateway_CaptureStopsOnCancelledContext(t *testing.T) {
	provider := NewMockProvider()
	provider.Script("tok", MockHang, MockHang, MockHang, MockHang)
	gw := newTestGateway(provider)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := gw.Capture(ctx, captureReq("tok"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, entity.ErrPaymentDeclined)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGateway_RefundAndStatus(t *testing.T) {
	provider := NewMockProvider()
	gw := newTestGateway(provider)
	ctx := context.Background()

	_, err := gw.Status(ctx, "tok")
	assert.ErrorIs(t, err, entity.ErrIntentNotFound)

	intent, err := gw.Capture(ctx, captureReq("tok"))
	require.NoError(t, err)

	refunded, err := gw.Refund(ctx, intent)
	require.NoError(t, err)
	assert.Equal(t, entity.PaymentIntentRefunded, refunded.Status)

	_, err = gw.Refund(ctx, intent)
	require.NoError(t, err)
	assert.Equal(t, 1, provider.Refunds(intent.ID))

	status, err := gw.Status(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, entity.PaymentIntentRefunded, status.Status)

	provider.SetUnavailable(true)
	_, err = gw.Status(ctx, "tok")
	assert.ErrorIs(t, err, entity.ErrProviderUnavailable)
}

// failingCancel is a provider whose cancellations never get through.
type failingCancel struct {
	*MockProvider
}

func (failingCancel) Cancel(context.Context, *entity.PaymentIntent, string) (*entity.PaymentIntent, error) {
	return nil, fmt.Errorf("cancel: %w", entity.ErrProviderUnavailable)
}

func TestGateway_CaptureClosesOpenIntent(t *testing.T) {
	ctx := context.Background()

	t.Run("cancelled", func(t *testing.T) {
		provider := NewMockProvider()
		provider.Script("tok", MockPending)
		gw := newTestGateway(provider)

		intent, err := gw.Capture(ctx, captureReq("tok"))
		assert.ErrorIs(t, err, entity.ErrPaymentDeclined)
		require.NotNil(t, intent)
		assert.Equal(t, entity.PaymentIntentFailed, intent.Status)
		assert.Equal(t, 1, provider.Cancels("tok"))

		status, err := gw.Status(ctx, "tok")
		require.NoError(t, err)
		assert.True(t, status.IsTerminal())
	})

	t.Run("succeeded before the cancellation", func(t *testing.T) {
		provider := NewMockProvider()
		provider.Script("tok", MockPending)
		provider.CompleteBeforeCancel("tok")
		gw := newTestGateway(provider)

		intent, err := gw.Capture(ctx, captureReq("tok"))
		require.NoError(t, err)
		assert.True(t, intent.IsCaptured())
		assert.Equal(t, 0, provider.Cancels("tok"))
	})

	t.Run("cancellation unreachable", func(t *testing.T) {
		provider := NewMockProvider()
		provider.Script("tok", MockPending)
		gw := newTestGateway(failingCancel{provider})

		_, err := gw.Capture(ctx, captureReq("tok"))
		assert.ErrorIs(t, err, entity.ErrProviderUnavailable)
		assert.NotErrorIs(t, err, entity.ErrPaymentDeclined)
	})
}

func TestGateway_Cancel(t *testing.T) {
	provider := NewMockProvider()
	gw := newTestGateway(provider)
	ctx := context.Background()

	intent, err := gw.Capture(ctx, captureReq("done"))
	require.NoError(t, err)

	// A captured intent is reported as is.
	got, err := gw.Cancel(ctx, intent)
	require.NoError(t, err)
	assert.True(t, got.IsCaptured())
	assert.Equal(t, 0, provider.Cancels("done"))

	_, err = gw.Cancel(ctx, &entity.PaymentIntent{ID: "pi_unknown", IdempotencyKey: "nope"})
	assert.ErrorIs(t, err, entity.ErrIntentNotFound)

	provider.SetUnavailable(true)
	_, err = gw.Cancel(ctx, intent)
	assert.ErrorIs(t, err, entity.ErrProviderUnavailable)
}

func TestNewProvider(t *testing.T) {
	p, err := NewProvider("", "")
	require.NoError(t, err)
	assert.Equal(t, "mock", p.Name())

	_, err = NewProvider("stripe", "")
	assert.Error(t, err)

	_, err = NewProvider("paypal", "")
	assert.Error(t, err)
}

func TestClassifyStripeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: entity.ErrProviderUnavailable},
		{name: "transport", err: errors.New("connection reset by peer"), want: entity.ErrProviderUnavailable},
		{
			name: "rate limited",
			err:  &stripe.Error{HTTPStatusCode: http.StatusTooManyRequests, Code: stripe.ErrorCodeRateLimit},
			want: entity.ErrProviderUnavailable,
		},
		{
			name: "lock timeout",
			err:  &stripe.Error{HTTPStatusCode: http.StatusTooManyRequests, Code: stripe.ErrorCodeLockTimeout},
			want: entity.ErrProviderUnavailable,
		},
		{
			name: "server error",
			err:  &stripe.Error{HTTPStatusCode: http.StatusBadGateway, Type: stripe.ErrorTypeAPI},
			want: entity.ErrProviderUnavailable,
		},
		{
			name: "same key in flight",
			err:  &stripe.Error{HTTPStatusCode: http.StatusConflict, Type: stripe.ErrorTypeIdempotency},
			want: entity.ErrProviderUnavailable,
		},
		{
			name: "idempotency key in use",
			err:  &stripe.Error{HTTPStatusCode: http.StatusBadRequest, Type: stripe.ErrorTypeInvalidRequest, Code: stripe.ErrorCodeIdempotencyKeyInUse},
			want: entity.ErrProviderUnavailable,
		},
		{
			name: "missing intent",
			err:  &stripe.Error{HTTPStatusCode: http.StatusNotFound, Type: stripe.ErrorTypeInvalidRequest, Code: stripe.ErrorCodeResourceMissing},
			want: entity.ErrIntentNotFound,
		},
		{
			name: "card declined",
			err:  &stripe.Error{HTTPStatusCode: http.StatusPaymentRequired, Type: stripe.ErrorTypeCard, Code: stripe.ErrorCodeCardDeclined},
			want: entity.ErrPaymentDeclined,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyStripeError("create payment intent", tt.err)
			assert.ErrorIs(t, err, tt.want)
			for _, other := range []error{entity.ErrProviderUnavailable, entity.ErrPaymentDeclined, entity.ErrIntentNotFound} {
				if other != tt.want {
					assert.NotErrorIs(t, err, other)
				}
			}
		})
	}
}

func TestToIntent(t *testing.T) {
	tests := []struct {
		name string
		pi   *stripe.PaymentIntent
		want entity.PaymentIntentStatus
	}{
		{name: "succeeded", pi: &stripe.PaymentIntent{Status: stripe.PaymentIntentStatusSucceeded}, want: entity.PaymentIntentCaptured},
		{name: "canceled", pi: &stripe.PaymentIntent{Status: stripe.PaymentIntentStatusCanceled}, want: entity.PaymentIntentFailed},
		{name: "requires action", pi: &stripe.PaymentIntent{Status: stripe.PaymentIntentStatusRequiresAction}, want: entity.PaymentIntentCreated},
		{name: "processing", pi: &stripe.PaymentIntent{Status: stripe.PaymentIntentStatusProcessing}, want: entity.PaymentIntentCreated},
		{
			name: "failed confirm",
			pi: &stripe.PaymentIntent{
				Status:           stripe.PaymentIntentStatusRequiresPaymentMethod,
				LastPaymentError: &stripe.Error{Msg: "Your card was declined."},
			},
			want: entity.PaymentIntentFailed,
		},
		{
			name: "refunded charge",
			pi: &stripe.PaymentIntent{
				Status:       stripe.PaymentIntentStatusSucceeded,
				LatestCharge: &stripe.Charge{Refunded: true},
			},
			want: entity.PaymentIntentRefunded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.pi.ID = "pi_1"
			tt.pi.Amount = 1500
			intent := toIntent(tt.pi, "tok")
			assert.Equal(t, tt.want, intent.Status)
			assert.Equal(t, "tok", intent.IdempotencyKey)
			assert.Equal(t, int64(1500), intent.AmountCents)
		})
	}
}

func TestSearchParams(t *testing.T) {
	params := searchParams("it's")
	assert.Equal(t, `metadata['attempt_token']:'it\'s'`, params.Query)
	require.Len(t, params.Expand, 1)
	assert.Equal(t, "data.latest_charge", *params.Expand[0])
}

func TestEscapeSearchValue(t *testing.T) {
	assert.Equal(t, `a\'b\\c`, escapeSearchValue(`a'b\c`))
}
