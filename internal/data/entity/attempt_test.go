package entity

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestAttemptOutcome_CanTransitionTo(t *testing.T) {
	all := []AttemptOutcome{AttemptPending, AttemptConfirmed, AttemptFailed, AttemptExpired}

	tests := []struct {
		from    AttemptOutcome
		allowed []AttemptOutcome
	}{
		{from: "", allowed: all},
		{from: AttemptPending, allowed: all},
		{from: AttemptConfirmed},
		{from: AttemptFailed},
		{from: AttemptExpired},
	}

	for _, tt := range tests {
		for _, to := range all {
			want := false
			for _, a := range tt.allowed {
				if a == to {
					want = true
				}
			}
			assert.Equal(t, want, tt.from.CanTransitionTo(to), "%q -> %q", tt.from, to)
		}
	}
}

func TestReservationAttempt_Matches(t *testing.T) {
	showtime := uuid.New()
	a := &ReservationAttempt{ShowtimeID: showtime, SeatIDs: []string{"A1", "B2"}}

	assert.True(t, a.Matches(showtime, []string{"B2", "A1"}))
	assert.True(t, a.Matches(showtime, []string{"A1", "B2", "A1"}))
	assert.False(t, a.Matches(showtime, []string{"A1"}))
	assert.False(t, a.Matches(uuid.New(), []string{"A1", "B2"}))
}

func TestReservationAttempt_HoldLapsed(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	deadline := now.Add(time.Minute)
	a := &ReservationAttempt{Outcome: AttemptPending, HoldExpiresAt: &deadline}

	assert.False(t, a.HoldLapsed(now))
	assert.True(t, a.HoldLapsed(deadline))

	a.Outcome = AttemptConfirmed
	assert.False(t, a.HoldLapsed(deadline.Add(time.Hour)))

	assert.False(t, (&ReservationAttempt{Outcome: AttemptPending}).HoldLapsed(now))
}

func TestReservationAttempt_MergeKeepsRecordedFields(t *testing.T) {
	holdID := uuid.New()
	saleID := uuid.New()
	intentID := "pi_1"
	a := &ReservationAttempt{
		PaymentMethodRef: "pm_card_visa",
		CallerID:         "user-1",
		AmountCents:      2400,
		Currency:         "usd",
		HoldID:           &holdID,
		Outcome:          AttemptPending,
	}

	a.Merge(&ReservationAttempt{Outcome: AttemptConfirmed, SaleID: &saleID, PaymentIntentID: &intentID})

	assert.Equal(t, AttemptConfirmed, a.Outcome)
	assert.Equal(t, "pm_card_visa", a.PaymentMethodRef)
	assert.EqualValues(t, 2400, a.AmountCents)
	assert.Equal(t, &holdID, a.HoldID)
	assert.Equal(t, &saleID, a.SaleID)
	assert.Equal(t, &intentID, a.PaymentIntentID)
}

func TestFailureError(t *testing.T) {
	assert.ErrorIs(t, FailureError(FailureSeatsUnavailable), ErrSeatsUnavailable)
	assert.ErrorIs(t, FailureError(FailurePaymentDeclined), ErrPaymentDeclined)
	assert.ErrorIs(t, FailureError(FailureHoldExpired), ErrAttemptExpired)
	assert.ErrorIs(t, FailureError(FailureLateCapture), ErrAttemptExpired)
}

func TestHold(t *testing.T) {
	showtime := uuid.New()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	h := &Hold{ShowtimeID: showtime, SeatIDs: []string{"C3", "C4"}, Status: HoldStatusPending, ExpiresAt: now}

	assert.True(t, h.IsPending())
	assert.True(t, h.Expired(now))
	assert.False(t, h.Expired(now.Add(-time.Second)))
	assert.True(t, h.Covers(showtime, []string{"C4", "C3"}))
	assert.False(t, h.Covers(showtime, []string{"C3"}))
	assert.Equal(t, []string{"A1", "B1"}, NormalizeSeats([]string{"B1", "A1", "B1"}))
}

func TestShowtime_AmountFor(t *testing.T) {
	s := &Showtime{PriceCents: 1250}
	assert.EqualValues(t, 3750, s.AmountFor(3))
	assert.False(t, s.IsCancelled())
}
