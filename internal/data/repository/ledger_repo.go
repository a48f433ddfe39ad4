package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cinema-reservation/internal/data/entity"
	"cinema-reservation/pkg/database"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// LedgerRepository is the durable record of reservation attempts keyed by
// attempt token. It is the idempotency source of truth for the coordinator.
type LedgerRepository interface {
	// Record upserts the attempt, enforcing the outcome state machine. On
	// success a is overwritten with the stored row.
	Record(ctx context.Context, a *entity.ReservationAttempt) error
	Lookup(ctx context.Context, attemptToken string) (*entity.ReservationAttempt, error)
	History(ctx context.Context, attemptToken string) ([]entity.AttemptEvent, error)
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]*entity.ReservationAttempt, error)
}

type ledgerRepository struct {
	db  database.PgxIface
	log *zap.Logger
	now func() time.Time
}

func NewLedgerRepository(db database.PgxIface, log *zap.Logger) LedgerRepository {
	return &ledgerRepository{
		db:  db,
		log: log.With(zap.String("repository", "ledger")),
		now: time.Now,
	}
}

const attemptColumns = `attempt_token, showtime_id, seat_ids, payment_method_ref, caller_id, amount_cents,
	currency, hold_id, hold_expires_at, payment_intent_id, sale_id, outcome, failure_code, detail,
	created_at, updated_at`

func scanAttempt(row pgx.Row) (*entity.ReservationAttempt, error) {
	var a entity.ReservationAttempt
	err := row.Scan(
		&a.AttemptToken,
		&a.ShowtimeID,
		&a.SeatIDs,
		&a.PaymentMethodRef,
		&a.CallerID,
		&a.AmountCents,
		&a.Currency,
		&a.HoldID,
		&a.HoldExpiresAt,
		&a.PaymentIntentID,
		&a.SaleID,
		&a.Outcome,
		&a.FailureCode,
		&a.Detail,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *ledgerRepository) Record(ctx context.Context, a *entity.ReservationAttempt) error {
	err := r.record(ctx, a)
	if database.IsUniqueViolation(err) {
		// Lost the first-insert race for this token; the retry sees the row.
		err = r.record(ctx, a)
	}
	if err != nil && !isDomainError(err) {
		r.log.Error("Failed to record attempt",
			zap.Error(err),
			zap.String("attempt_token", a.AttemptToken),
			zap.String("outcome", string(a.Outcome)),
		)
	}
	return err
}

func (r *ledgerRepository) record(ctx context.Context, a *entity.ReservationAttempt) error {
	return database.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		current, err := scanAttempt(tx.QueryRow(ctx,
			`SELECT `+attemptColumns+` FROM reservation_attempts WHERE attempt_token = $1 FOR UPDATE`,
			a.AttemptToken,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			current = nil
		} else if err != nil {
			return fmt.Errorf("lock attempt: %w", err)
		}

		now := r.now()
		if current == nil {
			if !entity.AttemptOutcome("").CanTransitionTo(a.Outcome) {
				return fmt.Errorf("new attempt as %q: %w", a.Outcome, entity.ErrInvalidTransition)
			}
			a.SeatIDs = entity.NormalizeSeats(a.SeatIDs)
			a.CreatedAt = now
			a.UpdatedAt = now
			if err := insertAttempt(ctx, tx, a); err != nil {
				return err
			}
			return appendEvent(ctx, tx, a, now)
		}

		if current.Outcome == a.Outcome && current.Outcome.IsTerminal() {
			*a = *current
			return nil
		}
		if !current.Outcome.CanTransitionTo(a.Outcome) {
			return fmt.Errorf("attempt %s %s -> %s: %w",
				a.AttemptToken, current.Outcome, a.Outcome, entity.ErrInvalidTransition)
		}

		current.Merge(a)
		current.UpdatedAt = now
		_, err = tx.Exec(ctx, `
			UPDATE reservation_attempts
			SET payment_method_ref = $2, caller_id = $3, amount_cents = $4, currency = $5,
			    hold_id = $6, hold_expires_at = $7, payment_intent_id = $8, sale_id = $9,
			    outcome = $10, failure_code = $11, detail = $12, updated_at = $13
			WHERE attempt_token = $1
		`,
			current.AttemptToken,
			current.PaymentMethodRef,
			current.CallerID,
			current.AmountCents,
			current.Currency,
			current.HoldID,
			current.HoldExpiresAt,
			current.PaymentIntentID,
			current.SaleID,
			current.Outcome,
			current.FailureCode,
			current.Detail,
			current.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("update attempt: %w", err)
		}
		*a = *current
		return appendEvent(ctx, tx, a, now)
	})
}

func insertAttempt(ctx context.Context, tx pgx.Tx, a *entity.ReservationAttempt) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO reservation_attempts (`+attemptColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`,
		a.AttemptToken,
		a.ShowtimeID,
		a.SeatIDs,
		a.PaymentMethodRef,
		a.CallerID,
		a.AmountCents,
		a.Currency,
		a.HoldID,
		a.HoldExpiresAt,
		a.PaymentIntentID,
		a.SaleID,
		a.Outcome,
		a.FailureCode,
		a.Detail,
		a.CreatedAt,
		a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

func appendEvent(ctx context.Context, tx pgx.Tx, a *entity.ReservationAttempt, at time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO reservation_attempt_events (attempt_token, outcome, failure_code, detail, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
	`, a.AttemptToken, a.Outcome, a.FailureCode, a.Detail, at)
	if err != nil {
		return fmt.Errorf("append attempt event: %w", err)
	}
	return nil
}

func (r *ledgerRepository) Lookup(ctx context.Context, attemptToken string) (*entity.ReservationAttempt, error) {
	a, err := scanAttempt(r.db.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM reservation_attempts WHERE attempt_token = $1`, attemptToken))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("attempt %s: %w", attemptToken, entity.ErrAttemptNotFound)
	}
	if err != nil {
		r.log.Error("Failed to look up attempt", zap.Error(err), zap.String("attempt_token", attemptToken))
		return nil, fmt.Errorf("look up attempt %s: %w", attemptToken, err)
	}
	return a, nil
}

func (r *ledgerRepository) History(ctx context.Context, attemptToken string) ([]entity.AttemptEvent, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, attempt_token, outcome, failure_code, detail, recorded_at
		FROM reservation_attempt_events
		WHERE attempt_token = $1
		ORDER BY id
	`, attemptToken)
	if err != nil {
		return nil, fmt.Errorf("read attempt history: %w", err)
	}
	defer rows.Close()

	var events []entity.AttemptEvent
	for rows.Next() {
		var e entity.AttemptEvent
		if err := rows.Scan(&e.ID, &e.AttemptToken, &e.Outcome, &e.FailureCode, &e.Detail, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan attempt event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (r *ledgerRepository) ListStalePending(ctx context.Context, before time.Time, limit int) ([]*entity.ReservationAttempt, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+attemptColumns+`
		FROM reservation_attempts
		WHERE outcome = 'pending' AND hold_expires_at IS NOT NULL AND hold_expires_at < $1
		ORDER BY hold_expires_at
		LIMIT $2
	`, before, limit)
	if err != nil {
		r.log.Error("Failed to list stale attempts", zap.Error(err))
		return nil, fmt.Errorf("list stale attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*entity.ReservationAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}
