package entity

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

type HoldStatus string

const (
	HoldStatusPending   HoldStatus = "pending"
	HoldStatusConfirmed HoldStatus = "confirmed"
	HoldStatusReleased  HoldStatus = "released"
)

// Hold is a time-limited claim on a set of seats owned by one attempt token.
type Hold struct {
	BaseSimple
	ShowtimeID   uuid.UUID  `db:"showtime_id"`
	AttemptToken string     `db:"attempt_token"`
	SeatIDs      []string   `db:"seat_ids"`
	Status       HoldStatus `db:"status"`
	ExpiresAt    time.Time  `db:"expires_at"`
	ResolvedAt   *time.Time `db:"resolved_at"`
}

func (h *Hold) IsPending() bool {
	return h.Status == HoldStatusPending
}

func (h *Hold) Expired(now time.Time) bool {
	return !now.Before(h.ExpiresAt)
}

// Covers reports whether the hold was taken for exactly this showtime and seat set.
func (h *Hold) Covers(showtimeID uuid.UUID, seatIDs []string) bool {
	return h.ShowtimeID == showtimeID && SameSeats(h.SeatIDs, seatIDs)
}

// HoldRequest is the input of a seat map TryHold.
type HoldRequest struct {
	ShowtimeID   uuid.UUID
	SeatIDs      []string
	AttemptToken string
	TTL          time.Duration
}

// NormalizeSeats returns a sorted copy of ids without duplicates.
func NormalizeSeats(ids []string) []string {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

func SameSeats(a, b []string) bool {
	return slices.Equal(NormalizeSeats(a), NormalizeSeats(b))
}
