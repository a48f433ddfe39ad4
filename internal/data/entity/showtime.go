package entity

import "time"

// Showtime is one screening of a movie in an auditorium. Its seat layout is
// fixed at creation; only CancelledAt may change afterwards.
type Showtime struct {
	Base
	MovieTitle  string     `db:"movie_title"`
	TheaterName string     `db:"theater_name"`
	Auditorium  string     `db:"auditorium"`
	StartsAt    time.Time  `db:"starts_at"`
	PriceCents  int64      `db:"price_cents"` // per seat
	Currency    string     `db:"currency"`
	CancelledAt *time.Time `db:"cancelled_at"`
}

func (s *Showtime) IsCancelled() bool {
	return s.CancelledAt != nil
}

// AmountFor returns the total price of n seats in minor units.
func (s *Showtime) AmountFor(n int) int64 {
	return s.PriceCents * int64(n)
}
