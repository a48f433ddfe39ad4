package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"cinema-reservation/internal/data/entity"
	"cinema-reservation/internal/data/repository/repotest"
	"cinema-reservation/internal/dto/request"
	"cinema-reservation/internal/event"
	"cinema-reservation/internal/payment"
	"cinema-reservation/pkg/retry"
	"cinema-reservation/pkg/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []event.ReservationEvent
}

func (p *recordingPublisher) Publish(_ context.Context, events ...event.ReservationEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []event.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []event.Type
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

// hookGateway runs beforeCapture ahead of every capture.
type hookGateway struct {
	*payment.Gateway
	beforeCapture func()
}

func (g *hookGateway) Capture(ctx context.Context, req payment.CaptureRequest) (*entity.PaymentIntent, error) {
	if g.beforeCapture != nil {
		g.beforeCapture()
	}
	return g.Gateway.Capture(ctx, req)
}

type fixture struct {
	store     *repotest.Store
	provider  *payment.MockProvider
	gateway   *hookGateway
	publisher *recordingPublisher
	svc       *reservationService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := repotest.NewStore()
	provider := payment.NewMockProvider()
	gw := &hookGateway{Gateway: payment.NewGateway(provider, payment.GatewayConfig{
		CallTimeout: 50 * time.Millisecond,
		Retry:       retry.Config{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond},
	}, zap.NewNop())}
	pub := &recordingPublisher{}
	svc := NewReservationService(store.Repository(), gw, pub, utils.ReservationConfig{HoldTTL: time.Minute}, zap.NewNop())
	return &fixture{store: store, provider: provider, gateway: gw, publisher: pub, svc: svc.(*reservationService)}
}

var alice = Caller{ID: "user-alice"}

func bookReq(token string, seats ...string) *request.CreateReservationRequest {
	return &request.CreateReservationRequest{SeatIDs: seats, AttemptToken: token, PaymentMethodRef: "pm_card_visa"}
}

func TestBook_ConfirmedThenSeatsUnavailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	st := f.store.AddShowtime(1200, "A1", "A2")

	resp, err := f.svc.Book(ctx, alice, st.ID.String(), bookReq("token-T1", "A1", "A2"))
	require.NoError(t, err)
	assert.False(t, resp.Replayed)
	assert.Equal(t, int64(2400), resp.Sale.AmountCents)
	assert.Equal(t, []string{"A1", "A2"}, resp.Sale.SeatIDs)
	assert.Equal(t, map[string]entity.SeatState{"A1": entity.SeatStateSold, "A2": entity.SeatStateSold}, f.store.SeatStates(st.ID))

	_, err = f.svc.Book(ctx, Caller{ID: "user-bob"}, st.ID.String(), bookReq("token-T2", "A1"))
	assert.ErrorIs(t, err, entity.ErrSeatsUnavailable)

	failed, err := f.store.Lookup(ctx, "token-T2")
	require.NoError(t, err)
	assert.Equal(t, entity.AttemptFailed, failed.Outcome)
	assert.Equal(t, entity.FailureSeatsUnavailable, failed.FailureCode)

	assert.Equal(t, []event.Type{event.TypeReservationConfirmed, event.TypeReservationFailed}, f.publisher.types())
}

func TestBook_DeclinedReleasesSeatsAndReplaysFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	st := f.store.AddShowtime(900, "B1")
	f.provider.Script("token-T3", payment.MockDecline)

	_, err := f.svc.Book(ctx, alice, st.ID.String(), bookReq("token-T3", "B1"))
	assert.ErrorIs(t, err, entity.ErrPaymentDeclined)
	assert.Equal(t, entity.SeatStateAvailable, f.store.SeatStates(st.ID)["B1"])

	// The script is exhausted, so a re-executed capture would succeed.
	_, err = f.svc.Book(ctx, alice, st.ID.String(), bookReq("token-T3", "B1"))
	assert.ErrorIs(t, err, entity.ErrPaymentDeclined)
	assert.Zero(t, f.provider.Captures("token-T3"))
	assert.Empty(t, f.store.Sales())

	history, err := f.store.History(ctx, "token-T3")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, entity.AttemptPending, history[0].Outcome)
	assert.Equal(t, entity.AttemptFailed, history[1].Outcome)
}

func TestBook_ReplayOfConfirmedAttemptCapturesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	st := f.store.AddShowtime(1000, "C1", "C2")

	first, err := f.svc.Book(ctx, alice, st.ID.String(), bookReq("token-replay", "C2", "C1"))
	require.NoError(t, err)

	second, err := f.svc.Book(ctx, alice, st.ID.String(), bookReq("token-replay", "C1", "C2"))
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Sale.ID, second.Sale.ID)
	assert.Equal(t, 1, f.provider.Captures("token-replay"))
	assert.Len(t, f.store.Sales(), 1)
}

func TestBook_IdempotencyConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	st := f.store.AddShowtime(1000, "D1", "D2")

	_, err := f.svc.Book(ctx, alice, st.ID.String(), bookReq("token-conflict", "D1"))
	require.NoError(t, err)

	_, err = f.svc.Book(ctx, alice, st.ID.String(), bookReq("token-conflict", "D2"))
	assert.ErrorIs(t, err, entity.ErrIdempotencyConflict)

	_, err = f.svc.Book(ctx, Caller{ID: "user-mallory"}, st.ID.String(), bookReq("token-conflict", "D1"))
	assert.ErrorIs(t, err, entity.ErrIdempotencyConflict)
}

func TestBook_ConcurrentOverlappingAttemptsNeverShareSeats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	st := f.store.AddShowtime(500, "E1", "E2", "E3", "E4")

	seatSets := [][]string{{"E1", "E2"}, {"E2", "E3"}, {"E3", "E4"}, {"E1", "E4"}, {"E2"}, {"E4"}}
	var wg sync.WaitGroup
	for i := 0; i < 24; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			seats := seatSets[i%len(seatSets)]
			_, err := f.svc.Book(ctx, alice, st.ID.String(), bookReq(fmt.Sprintf("token-race-%02d", i), seats...))
			if err != nil {
				assert.ErrorIs(t, err, entity.ErrSeatsUnavailable)
			}
		}(i)
	}
	wg.Wait()

	owner := make(map[string]string)
	for _, sale := range f.store.Sales() {
		for _, seat := range sale.SeatIDs {
			prev, taken := owner[seat]
			assert.False(t, taken, "seat %s sold to %s and %s", seat, prev, sale.AttemptToken)
			owner[seat] = sale.AttemptToken
		}
	}
	for seat, state := range f.store.SeatStates(st.ID) {
		_, sold := owner[seat]
		assert.Equal(t, sold, state == entity.SeatStateSold, seat)
		assert.NotEqual(t, entity.SeatStateHeld, state, seat)
	}
}

func TestBook_ConcurrentRetriesOfOneTokenYieldOneSale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	st := f.store.AddShowtime(700, "F1", "F2")

	const callers = 8
	saleIDs := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := f.svc.Book(ctx, alice, st.ID.String(), bookReq("token-same", "F1", "F2"))
			if assert.NoError(t, err) {
				saleIDs[i] = resp.Sale.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range saleIDs[1:] {
		assert.Equal(t, saleIDs[0], id)
	}
	assert.Equal(t, 1, f.provider.Captures("token-same"))
	assert.Len(t, f.store.Sales(), 1)
}

func TestBook_ConcurrentRetriesWhileKeyIsInUseYieldOneSale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	st := f.store.AddShowtime(700, "F3", "F4")
	// The provider rejects calls that overlap another request with the same key.
	f.provider.Script("token-busy", payment.MockInProgress, payment.MockInProgress)

	const callers = 4
	saleIDs := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := f.svc.Book(ctx, alice, st.ID.String(), bookReq("token-busy", "F3", "F4"))
			if assert.NoError(t, err) {
				saleIDs[i] = resp.Sale.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range saleIDs[1:] {
		assert.Equal(t, saleIDs[0], id)
	}
	assert.Equal(t, 1, f.provider.Captures("token-busy"))
	assert.Len(t, f.store.Sales(), 1)

	a, err := f.store.Lookup(ctx, "token-busy")
	require.NoError(t, err)
	assert.Equal(t, entity.AttemptConfirmed, a.Outcome)
}

func TestBook_OpenPaymentIsCancelledBeforeSeatsAreReleased(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	st := f.store.AddShowtime(900, "B2")
	f.provider.Script("token-3ds", payment.MockPending)

	_, err := f.svc.Book(ctx, alice, st.ID.String(), bookReq("token-3ds", "B2"))
	assert.ErrorIs(t, err, entity.ErrPaymentDeclined)
	assert.Equal(t, entity.SeatStateAvailable, f.store.SeatStates(st.ID)["B2"])
	assert.Equal(t, 1, f.provider.Cancels("token-3ds"))

	intent, err := f.provider.Lookup(ctx, "token-3ds")
	require.NoError(t, err)
	assert.Equal(t, entity.PaymentIntentFailed, intent.Status)

	a, err := f.store.Lookup(ctx, "token-3ds")
	require.NoError(t, err)
	assert.Equal(t, entity.AttemptFailed, a.Outcome)
	assert.Equal(t, entity.FailurePaymentDeclined, a.FailureCode)
}

// cancelDown is a provider whose cancellations never get through.
type cancelDown struct {
	*payment.MockProvider
}

func (cancelDown) Cancel(context.Context, *entity.PaymentIntent, string) (*entity.PaymentIntent, error) {
	return nil, fmt.Errorf("cancel: %w", entity.ErrProviderUnavailable)
}

func TestBook_OpenPaymentThatCannotBeCancelledKeepsHold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	st := f.store.AddShowtime(900, "B3")
	f.gateway.Gateway = payment.NewGateway(cancelDown{f.provider}, payment.GatewayConfig{
		CallTimeout: 50 * time.Millisecond,
		Retry:       retry.Config{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
	}, zap.NewNop())
	f.provider.Script("token-stuck", payment.MockPending)

	_, err := f.svc.Book(ctx, alice, st.ID.String(), bookReq("token-stuck", "B3"))
	assert.ErrorIs(t, err, entity.ErrInternalFault)
	assert.NotErrorIs(t, err, entity.ErrPaymentDeclined)
	assert.Equal(t, entity.SeatStateHeld, f.store.SeatStates(st.ID)["B3"])

	a, err := f.store.Lookup(ctx, "token-stuck")
	require.NoError(t, err)
	assert.Equal(t, entity.AttemptPending, a.Outcome)
}

func TestBook_InternalFaultIsRetryableWithSameToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	st := f.store.AddShowtime(800, "G1")
	f.store.FailNext("Confirm", errors.New("connection reset"))

	_, err := f.svc.Book(ctx, alice, st.ID.String(), bookReq("token-fault", "G1"))
	assert.ErrorIs(t, err, entity.ErrInternalFault)
	assert.Equal(t, entity.SeatStateHeld, f.store.SeatStates(st.ID)["G1"])

	pending, err := f.store.Lookup(ctx, "token-fault")
	require.NoError(t, err)
	assert.Equal(t, entity.AttemptPending, pending.Outcome)

	resp, err := f.svc.Book(ctx, alice, st.ID.String(), bookReq("token-fault", "G1"))
	require.NoError(t, err)
	assert.Equal(t, "token-fault", resp.Sale.AttemptToken)
	assert.Equal(t, 1, f.provider.Captures("token-fault"))
	assert.Equal(t, entity.SeatStateSold, f.store.SeatStates(st.ID)["G1"])
}

func TestBook_LapsedPendingAttemptBelongsToSweeper(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	st := f.store.AddShowtime(800, "H1")
	f.store.FailNext("Confirm", errors.New("connection reset"))

	_, err := f.svc.Book(ctx, alice, st.ID.String(), bookReq("token-lapsed", "H1"))
	require.ErrorIs(t, err, entity.ErrInternalFault)

	f.svc.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = f.svc.Book(ctx, alice, st.ID.String(), bookReq("token-lapsed", "H1"))
	assert.ErrorIs(t, err, entity.ErrAttemptPending)
}

func TestBook_LedgerUnreachable(t *testing.T) {
	f := newFixture(t)
	st := f.store.AddShowtime(800, "I1")
	f.store.FailNext("Lookup", errors.New("ledger down"))

	_, err := f.svc.Book(context.Background(), alice, st.ID.String(), bookReq("token-down", "I1"))
	assert.ErrorIs(t, err, entity.ErrInternalFault)
	assert.Equal(t, entity.SeatStateAvailable, f.store.SeatStates(st.ID)["I1"])
}

func TestBook_ProviderExhaustionReleasesSeats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	st := f.store.AddShowtime(800, "J1")
	f.provider.Script("token-outage", payment.MockUnavailable, payment.MockUnavailable, payment.MockUnavailable)

	_, err := f.svc.Book(ctx, alice, st.ID.String(), bookReq("token-outage", "J1"))
	assert.ErrorIs(t, err, entity.ErrPaymentDeclined)
	assert.Equal(t, entity.SeatStateAvailable, f.store.SeatStates(st.ID)["J1"])
}

func TestBook_CaptureAfterSweeperExpiredHoldIsRefunded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	st := f.store.AddShowtime(800, "K1")
	f.gateway.beforeCapture = func() {
		hold, err := f.store.FindHoldByToken(ctx, "token-late")
		require.NoError(t, err)
		require.NoError(t, f.store.Release(ctx, hold.ID))
	}

	_, err := f.svc.Book(ctx, alice, st.ID.String(), bookReq("token-late", "K1"))
	assert.ErrorIs(t, err, entity.ErrAttemptExpired)

	intent, err := f.provider.Lookup(ctx, "token-late")
	require.NoError(t, err)
	assert.Equal(t, entity.PaymentIntentRefunded, intent.Status)
	assert.Equal(t, 1, f.provider.Refunds(intent.ID))

	attempt, err := f.store.Lookup(ctx, "token-late")
	require.NoError(t, err)
	assert.Equal(t, entity.AttemptExpired, attempt.Outcome)
	assert.Equal(t, entity.FailureLateCapture, attempt.FailureCode)

	f.gateway.beforeCapture = nil
	_, err = f.svc.Book(ctx, alice, st.ID.String(), bookReq("token-late", "K1"))
	assert.ErrorIs(t, err, entity.ErrAttemptExpired)
}

func TestBook_InputErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	st := f.store.AddShowtime(800, "L1")

	tests := []struct {
		name       string
		showtimeID string
		req        *request.CreateReservationRequest
		wantErr    error
	}{
		{name: "no seats", showtimeID: st.ID.String(), req: bookReq("token-input"), wantErr: entity.ErrInvalidInput},
		{name: "bad seat id", showtimeID: st.ID.String(), req: bookReq("token-input", "l1"), wantErr: entity.ErrInvalidInput},
		{name: "bad token", showtimeID: st.ID.String(), req: bookReq("bad token!", "L1"), wantErr: entity.ErrInvalidInput},
		{name: "bad showtime id", showtimeID: "nope", req: bookReq("token-input", "L1"), wantErr: entity.ErrInvalidInput},
		{name: "unknown showtime", showtimeID: "6f1c0c1e-8f0a-4c55-9d2a-3f4b5c6d7e8f", req: bookReq("token-input", "L1"), wantErr: entity.ErrShowtimeNotFound},
		{name: "unknown seat", showtimeID: st.ID.String(), req: bookReq("token-input", "Z99"), wantErr: entity.ErrUnknownSeat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Book(ctx, alice, tt.showtimeID, tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestBook_CancelledShowtime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	st := f.store.AddShowtime(800, "M1")
	require.NoError(t, f.store.Cancel(ctx, st.ID))

	_, err := f.svc.Book(ctx, alice, st.ID.String(), bookReq("token-cancelled", "M1"))
	assert.ErrorIs(t, err, entity.ErrShowtimeCancelled)
}

func TestRefundSale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	st := f.store.AddShowtime(1500, "N1", "N2")
	admin := Caller{ID: "admin-1", Role: utils.RoleAdmin}

	booked, err := f.svc.Book(ctx, alice, st.ID.String(), bookReq("token-refund", "N1", "N2"))
	require.NoError(t, err)

	refunded, err := f.svc.RefundSale(ctx, admin, booked.Sale.ID, &request.RefundSaleRequest{Reason: "screening cancelled"})
	require.NoError(t, err)
	assert.Equal(t, entity.SaleStatusRefunded, refunded.Status)
	assert.NotNil(t, refunded.RefundedAt)
	assert.Equal(t, 1, f.provider.Refunds(booked.Sale.PaymentIntentID))
	assert.Equal(t, map[string]entity.SeatState{"N1": entity.SeatStateAvailable, "N2": entity.SeatStateAvailable}, f.store.SeatStates(st.ID))

	_, err = f.svc.RefundSale(ctx, admin, booked.Sale.ID, &request.RefundSaleRequest{})
	assert.ErrorIs(t, err, entity.ErrSaleRefunded)

	_, err = f.svc.RefundSale(ctx, admin, "6f1c0c1e-8f0a-4c55-9d2a-3f4b5c6d7e8f", &request.RefundSaleRequest{})
	assert.ErrorIs(t, err, entity.ErrSaleNotFound)

	// Seats of a refunded sale can be sold again.
	_, err = f.svc.Book(ctx, alice, st.ID.String(), bookReq("token-rebook", "N1"))
	require.NoError(t, err)
	assert.Contains(t, f.publisher.types(), event.TypeSaleRefunded)
}

func TestGetAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	st := f.store.AddShowtime(1500, "O1")

	_, err := f.svc.Book(ctx, alice, st.ID.String(), bookReq("token-status", "O1"))
	require.NoError(t, err)

	got, err := f.svc.GetAttempt(ctx, alice, "token-status")
	require.NoError(t, err)
	assert.Equal(t, entity.AttemptConfirmed, got.Outcome)
	require.Len(t, got.History, 2)
	assert.NotNil(t, got.SaleID)

	_, err = f.svc.GetAttempt(ctx, Caller{ID: "user-bob"}, "token-status")
	assert.ErrorIs(t, err, entity.ErrAttemptNotFound)

	_, err = f.svc.GetAttempt(ctx, Caller{ID: "admin-1", Role: utils.RoleAdmin}, "token-status")
	assert.NoError(t, err)

	_, err = f.svc.GetAttempt(ctx, alice, "token-missing")
	assert.ErrorIs(t, err, entity.ErrAttemptNotFound)
}

func TestGetSeatMap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	st := f.store.AddShowtime(1500, "P1", "P2", "P3")

	_, err := f.svc.Book(ctx, alice, st.ID.String(), bookReq("token-map", "P2"))
	require.NoError(t, err)

	seatMap, err := f.svc.GetSeatMap(ctx, st.ID.String())
	require.NoError(t, err)
	assert.Equal(t, 2, seatMap.Available)
	require.Len(t, seatMap.Seats, 3)
	assert.Equal(t, entity.SeatStateSold, seatMap.Seats[1].State)

	_, err = f.svc.GetSeatMap(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, entity.ErrInvalidInput)
}
