package response

import (
	"time"

	"cinema-reservation/internal/data/entity"
)

type SaleResponse struct {
	ID              string            `json:"id"`
	ShowtimeID      string            `json:"showtimeId"`
	AttemptToken    string            `json:"attemptToken"`
	SeatIDs         []string          `json:"seatIds"`
	AmountCents     int64             `json:"amountCents"`
	Currency        string            `json:"currency"`
	PaymentIntentID string            `json:"paymentIntentId"`
	Status          entity.SaleStatus `json:"status"`
	CreatedAt       time.Time         `json:"createdAt"`
	RefundedAt      *time.Time        `json:"refundedAt,omitempty"`
}

// ReservationResponse is the result of a booking. Replayed is true when the
// attempt token had already been confirmed and nothing was executed again.
type ReservationResponse struct {
	Sale     SaleResponse `json:"sale"`
	Replayed bool         `json:"replayed"`
}

type AttemptEventResponse struct {
	Outcome     entity.AttemptOutcome `json:"outcome"`
	FailureCode entity.FailureCode    `json:"failureCode,omitempty"`
	Detail      string                `json:"detail,omitempty"`
	RecordedAt  time.Time             `json:"recordedAt"`
}

type AttemptResponse struct {
	AttemptToken  string                 `json:"attemptToken"`
	ShowtimeID    string                 `json:"showtimeId"`
	SeatIDs       []string               `json:"seatIds"`
	Outcome       entity.AttemptOutcome  `json:"outcome"`
	FailureCode   entity.FailureCode     `json:"failureCode,omitempty"`
	AmountCents   int64                  `json:"amountCents"`
	Currency      string                 `json:"currency"`
	HoldExpiresAt *time.Time             `json:"holdExpiresAt,omitempty"`
	SaleID        *string                `json:"saleId,omitempty"`
	CreatedAt     time.Time              `json:"createdAt"`
	UpdatedAt     time.Time              `json:"updatedAt"`
	History       []AttemptEventResponse `json:"history,omitempty"`
}

type SeatResponse struct {
	SeatID    string           `json:"seatId"`
	State     entity.SeatState `json:"state"`
	HeldUntil *time.Time       `json:"heldUntil,omitempty"`
}

type SeatMapResponse struct {
	ShowtimeID  string         `json:"showtimeId"`
	MovieTitle  string         `json:"movieTitle"`
	TheaterName string         `json:"theaterName"`
	Auditorium  string         `json:"auditorium"`
	StartsAt    time.Time      `json:"startsAt"`
	PriceCents  int64          `json:"priceCents"`
	Currency    string         `json:"currency"`
	Cancelled   bool           `json:"cancelled"`
	Available   int            `json:"available"`
	Seats       []SeatResponse `json:"seats"`
}

// Helper converters
func SaleToResponse(s *entity.Sale) SaleResponse {
	return SaleResponse{
		ID:              s.ID.String(),
		ShowtimeID:      s.ShowtimeID.String(),
		AttemptToken:    s.AttemptToken,
		SeatIDs:         s.SeatIDs,
		AmountCents:     s.AmountCents,
		Currency:        s.Currency,
		PaymentIntentID: s.PaymentIntentID,
		Status:          s.Status,
		CreatedAt:       s.CreatedAt,
		RefundedAt:      s.RefundedAt,
	}
}

func AttemptToResponse(a *entity.ReservationAttempt, history []entity.AttemptEvent) AttemptResponse {
	resp := AttemptResponse{
		AttemptToken:  a.AttemptToken,
		ShowtimeID:    a.ShowtimeID.String(),
		SeatIDs:       a.SeatIDs,
		Outcome:       a.Outcome,
		FailureCode:   a.FailureCode,
		AmountCents:   a.AmountCents,
		Currency:      a.Currency,
		HoldExpiresAt: a.HoldExpiresAt,
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
	if a.SaleID != nil {
		id := a.SaleID.String()
		resp.SaleID = &id
	}
	for _, e := range history {
		resp.History = append(resp.History, AttemptEventResponse{
			Outcome:     e.Outcome,
			FailureCode: e.FailureCode,
			Detail:      e.Detail,
			RecordedAt:  e.RecordedAt,
		})
	}
	return resp
}

func SeatMapToResponse(st *entity.Showtime, seats []entity.Seat) SeatMapResponse {
	resp := SeatMapResponse{
		ShowtimeID:  st.ID.String(),
		MovieTitle:  st.MovieTitle,
		TheaterName: st.TheaterName,
		Auditorium:  st.Auditorium,
		StartsAt:    st.StartsAt,
		PriceCents:  st.PriceCents,
		Currency:    st.Currency,
		Cancelled:   st.IsCancelled(),
		Seats:       make([]SeatResponse, 0, len(seats)),
	}
	for _, s := range seats {
		if s.State == entity.SeatStateAvailable {
			resp.Available++
		}
		resp.Seats = append(resp.Seats, SeatResponse{SeatID: s.SeatID, State: s.State, HeldUntil: s.HeldUntil})
	}
	return resp
}
