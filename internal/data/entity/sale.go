package entity

import (
	"time"

	"github.com/google/uuid"
)

type SaleStatus string

const (
	SaleStatusActive   SaleStatus = "active"
	SaleStatusRefunded SaleStatus = "refunded"
)

// Sale is the durable record of a completed purchase.
type Sale struct {
	BaseSimple
	HoldID          uuid.UUID  `db:"hold_id"`
	ShowtimeID      uuid.UUID  `db:"showtime_id"`
	AttemptToken    string     `db:"attempt_token"`
	SeatIDs         []string   `db:"seat_ids"`
	AmountCents     int64      `db:"amount_cents"`
	Currency        string     `db:"currency"`
	PaymentIntentID string     `db:"payment_intent_id"`
	Status          SaleStatus `db:"status"`
	RefundedAt      *time.Time `db:"refunded_at"`
}

func (s *Sale) IsActive() bool {
	return s.Status == SaleStatusActive
}
