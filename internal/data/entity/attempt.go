package entity

import (
	"time"

	"github.com/google/uuid"
)

type AttemptOutcome string

const (
	AttemptPending   AttemptOutcome = "pending"
	AttemptConfirmed AttemptOutcome = "confirmed"
	AttemptFailed    AttemptOutcome = "failed"
	AttemptExpired   AttemptOutcome = "expired"
)

func (o AttemptOutcome) IsTerminal() bool {
	return o == AttemptConfirmed || o == AttemptFailed || o == AttemptExpired
}

// CanTransitionTo encodes the attempt state machine:
// pending -> {pending, confirmed, failed, expired}; terminal states never move.
func (o AttemptOutcome) CanTransitionTo(next AttemptOutcome) bool {
	switch o {
	case "", AttemptPending:
		return next == AttemptPending || next.IsTerminal()
	default:
		return false
	}
}

type FailureCode string

const (
	FailureNone             FailureCode = ""
	FailureSeatsUnavailable FailureCode = "seats_unavailable"
	FailurePaymentDeclined  FailureCode = "payment_declined"
	FailureHoldExpired      FailureCode = "hold_expired"
	FailureLateCapture      FailureCode = "late_capture_refunded"
)

// ReservationAttempt is the ledger projection of one booking attempt.
type ReservationAttempt struct {
	AttemptToken     string         `db:"attempt_token"`
	ShowtimeID       uuid.UUID      `db:"showtime_id"`
	SeatIDs          []string       `db:"seat_ids"`
	PaymentMethodRef string         `db:"payment_method_ref"`
	CallerID         string         `db:"caller_id"`
	AmountCents      int64          `db:"amount_cents"`
	Currency         string         `db:"currency"`
	HoldID           *uuid.UUID     `db:"hold_id"`
	HoldExpiresAt    *time.Time     `db:"hold_expires_at"`
	PaymentIntentID  *string        `db:"payment_intent_id"`
	SaleID           *uuid.UUID     `db:"sale_id"`
	Outcome          AttemptOutcome `db:"outcome"`
	FailureCode      FailureCode    `db:"failure_code"`
	Detail           string         `db:"detail"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

// Matches reports whether a replayed request carries the same arguments as
// the recorded attempt.
func (a *ReservationAttempt) Matches(showtimeID uuid.UUID, seatIDs []string) bool {
	return a.ShowtimeID == showtimeID && SameSeats(a.SeatIDs, seatIDs)
}

// HoldLapsed reports whether the attempt is pending on a hold whose deadline passed.
func (a *ReservationAttempt) HoldLapsed(now time.Time) bool {
	return a.Outcome == AttemptPending && a.HoldExpiresAt != nil && !now.Before(*a.HoldExpiresAt)
}

// Merge copies the non-empty fields of next into a, keeping what was already recorded.
func (a *ReservationAttempt) Merge(next *ReservationAttempt) {
	if next.PaymentMethodRef != "" {
		a.PaymentMethodRef = next.PaymentMethodRef
	}
	if next.CallerID != "" {
		a.CallerID = next.CallerID
	}
	if next.AmountCents != 0 {
		a.AmountCents = next.AmountCents
	}
	if next.Currency != "" {
		a.Currency = next.Currency
	}
	if next.HoldID != nil {
		a.HoldID = next.HoldID
	}
	if next.HoldExpiresAt != nil {
		a.HoldExpiresAt = next.HoldExpiresAt
	}
	if next.PaymentIntentID != nil {
		a.PaymentIntentID = next.PaymentIntentID
	}
	if next.SaleID != nil {
		a.SaleID = next.SaleID
	}
	if next.Detail != "" {
		a.Detail = next.Detail
	}
	a.Outcome = next.Outcome
	a.FailureCode = next.FailureCode
}

// AttemptEvent is one append-only history row of the ledger.
type AttemptEvent struct {
	ID           int64          `db:"id"`
	AttemptToken string         `db:"attempt_token"`
	Outcome      AttemptOutcome `db:"outcome"`
	FailureCode  FailureCode    `db:"failure_code"`
	Detail       string         `db:"detail"`
	RecordedAt   time.Time      `db:"recorded_at"`
}
