// Package event publishes reservation outcomes for downstream consumers.
package event

import (
	"context"
	"time"

	"cinema-reservation/internal/data/entity"

	"github.com/google/uuid"
)

type Type string

const (
	TypeReservationConfirmed Type = "reservation.confirmed"
	TypeReservationFailed    Type = "reservation.failed"
	TypeReservationExpired   Type = "reservation.expired"
	TypeSaleRefunded         Type = "sale.refunded"
)

// ReservationEvent is the message body. Messages are keyed by attempt token
// so every event of one attempt lands on the same partition.
type ReservationEvent struct {
	Type         Type                  `json:"type"`
	AttemptToken string                `json:"attemptToken"`
	ShowtimeID   uuid.UUID             `json:"showtimeId"`
	SeatIDs      []string              `json:"seatIds"`
	Outcome      entity.AttemptOutcome `json:"outcome"`
	FailureCode  entity.FailureCode    `json:"failureCode,omitempty"`
	SaleID       *uuid.UUID            `json:"saleId,omitempty"`
	AmountCents  int64                 `json:"amountCents,omitempty"`
	Currency     string                `json:"currency,omitempty"`
	OccurredAt   time.Time             `json:"occurredAt"`
}

// FromAttempt builds the event matching an attempt's terminal outcome.
func FromAttempt(a *entity.ReservationAttempt, at time.Time) ReservationEvent {
	t := TypeReservationFailed
	switch a.Outcome {
	case entity.AttemptConfirmed:
		t = TypeReservationConfirmed
	case entity.AttemptExpired:
		t = TypeReservationExpired
	}
	return ReservationEvent{
		Type:         t,
		AttemptToken: a.AttemptToken,
		ShowtimeID:   a.ShowtimeID,
		SeatIDs:      a.SeatIDs,
		Outcome:      a.Outcome,
		FailureCode:  a.FailureCode,
		SaleID:       a.SaleID,
		AmountCents:  a.AmountCents,
		Currency:     a.Currency,
		OccurredAt:   at,
	}
}

// FromSaleRefund builds the event of an administrative refund.
func FromSaleRefund(s *entity.Sale, at time.Time) ReservationEvent {
	id := s.ID
	return ReservationEvent{
		Type:         TypeSaleRefunded,
		AttemptToken: s.AttemptToken,
		ShowtimeID:   s.ShowtimeID,
		SeatIDs:      s.SeatIDs,
		Outcome:      entity.AttemptConfirmed,
		SaleID:       &id,
		AmountCents:  s.AmountCents,
		Currency:     s.Currency,
		OccurredAt:   at,
	}
}

type Publisher interface {
	Publish(ctx context.Context, events ...ReservationEvent) error
	Close() error
}

// NopPublisher drops every event. It is used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, ...ReservationEvent) error { return nil }
func (NopPublisher) Close() error                                       { return nil }
