package entity

import (
	"time"

	"github.com/google/uuid"
)

type SeatState string

const (
	SeatStateAvailable SeatState = "available"
	SeatStateHeld      SeatState = "held"
	SeatStateSold      SeatState = "sold"
)

// Seat is the availability record of one seat for one showtime.
type Seat struct {
	ShowtimeID   uuid.UUID  `db:"showtime_id"`
	SeatID       string     `db:"seat_id"` // A1, A2, B1, etc.
	State        SeatState  `db:"state"`
	HoldID       *uuid.UUID `db:"hold_id"`
	AttemptToken *string    `db:"attempt_token"`
	HeldUntil    *time.Time `db:"held_until"`
	SaleID       *uuid.UUID `db:"sale_id"`
	UpdatedAt    time.Time  `db:"updated_at"`
}
