package event

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"cinema-reservation/internal/data/entity"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaPublisher_Publish(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w, zap.NewNop())

	saleID := uuid.New()
	attempt := &entity.ReservationAttempt{
		AttemptToken: "tok-1",
		ShowtimeID:   uuid.New(),
		SeatIDs:      []string{"A1", "A2"},
		Outcome:      entity.AttemptConfirmed,
		SaleID:       &saleID,
		AmountCents:  3000,
		Currency:     "usd",
	}

	require.NoError(t, p.Publish(context.Background(), FromAttempt(attempt, time.Now())))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "tok-1", string(w.msgs[0].Key))
	assert.Equal(t, "reservation.confirmed", string(w.msgs[0].Headers[0].Value))

	var got ReservationEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, TypeReservationConfirmed, got.Type)
	assert.Equal(t, saleID, *got.SaleID)
}

func TestKafkaPublisher_PublishError(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p := newKafkaPublisher(w, zap.NewNop())

	err := p.Publish(context.Background(), ReservationEvent{Type: TypeReservationFailed, AttemptToken: "tok"})
	assert.ErrorContains(t, err, "broker down")
}

func TestFromAttempt_Types(t *testing.T) {
	cases := map[entity.AttemptOutcome]Type{
		entity.AttemptConfirmed: TypeReservationConfirmed,
		entity.AttemptFailed:    TypeReservationFailed,
		entity.AttemptExpired:   TypeReservationExpired,
	}
	for outcome, want := range cases {
		e := FromAttempt(&entity.ReservationAttempt{AttemptToken: "t", Outcome: outcome}, time.Now())
		assert.Equal(t, want, e.Type, outcome)
	}
}
