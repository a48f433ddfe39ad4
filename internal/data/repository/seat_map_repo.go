package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cinema-reservation/internal/data/entity"
	"cinema-reservation/pkg/database"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// SeatMapRepository owns the per-showtime seat state. Every mutation runs in
// one transaction holding row locks on the touched seats.
type SeatMapRepository interface {
	TryHold(ctx context.Context, req entity.HoldRequest) (*entity.Hold, error)
	Confirm(ctx context.Context, holdID uuid.UUID, intent *entity.PaymentIntent) (*entity.Sale, error)
	Release(ctx context.Context, holdID uuid.UUID) error
	FindHold(ctx context.Context, holdID uuid.UUID) (*entity.Hold, error)
	FindHoldByToken(ctx context.Context, attemptToken string) (*entity.Hold, error)
	ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]*entity.Hold, error)
	FindSale(ctx context.Context, saleID uuid.UUID) (*entity.Sale, error)
	FindSaleByHold(ctx context.Context, holdID uuid.UUID) (*entity.Sale, error)
	ReleaseSale(ctx context.Context, saleID uuid.UUID) (*entity.Sale, error)
	SeatMap(ctx context.Context, showtimeID uuid.UUID) ([]entity.Seat, error)
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type seatMapRepository struct {
	db  database.PgxIface
	log *zap.Logger
	now func() time.Time
}

func NewSeatMapRepository(db database.PgxIface, log *zap.Logger) SeatMapRepository {
	return &seatMapRepository{
		db:  db,
		log: log.With(zap.String("repository", "seat_map")),
		now: time.Now,
	}
}

const holdColumns = `id, showtime_id, attempt_token, seat_ids, status, created_at, expires_at, resolved_at`

const saleColumns = `id, hold_id, showtime_id, attempt_token, seat_ids, amount_cents, currency,
	payment_intent_id, status, created_at, refunded_at`

func scanHold(row pgx.Row) (*entity.Hold, error) {
	var h entity.Hold
	err := row.Scan(
		&h.ID,
		&h.ShowtimeID,
		&h.AttemptToken,
		&h.SeatIDs,
		&h.Status,
		&h.CreatedAt,
		&h.ExpiresAt,
		&h.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func scanSale(row pgx.Row) (*entity.Sale, error) {
	var s entity.Sale
	err := row.Scan(
		&s.ID,
		&s.HoldID,
		&s.ShowtimeID,
		&s.AttemptToken,
		&s.SeatIDs,
		&s.AmountCents,
		&s.Currency,
		&s.PaymentIntentID,
		&s.Status,
		&s.CreatedAt,
		&s.RefundedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// findHold returns nil, nil when no row matches.
func findHold(ctx context.Context, q rowQuerier, where string, arg any, forUpdate bool) (*entity.Hold, error) {
	query := `SELECT ` + holdColumns + ` FROM holds WHERE ` + where
	if forUpdate {
		query += ` FOR UPDATE`
	}
	h, err := scanHold(q.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return h, err
}

func findSale(ctx context.Context, q rowQuerier, where string, arg any, forUpdate bool) (*entity.Sale, error) {
	query := `SELECT ` + saleColumns + ` FROM sales WHERE ` + where
	if forUpdate {
		query += ` FOR UPDATE`
	}
	s, err := scanSale(q.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// reuseHold decides what an existing hold for the same attempt token means
// for a repeated TryHold.
func reuseHold(h *entity.Hold, showtimeID uuid.UUID, seatIDs []string) (*entity.Hold, error) {
	if !h.Covers(showtimeID, seatIDs) {
		return nil, fmt.Errorf("hold for attempt %s: %w", h.AttemptToken, entity.ErrIdempotencyConflict)
	}
	if !h.IsPending() {
		return nil, fmt.Errorf("hold %s is %s: %w", h.ID, h.Status, entity.ErrHoldResolved)
	}
	return h, nil
}

func (r *seatMapRepository) TryHold(ctx context.Context, req entity.HoldRequest) (*entity.Hold, error) {
	seatIDs := entity.NormalizeSeats(req.SeatIDs)
	if len(seatIDs) == 0 {
		return nil, fmt.Errorf("hold without seats: %w", entity.ErrUnknownSeat)
	}

	var hold *entity.Hold
	err := database.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		existing, err := findHold(ctx, tx, "attempt_token = $1", req.AttemptToken, true)
		if err != nil {
			return fmt.Errorf("find hold by attempt token: %w", err)
		}
		if existing != nil {
			hold, err = reuseHold(existing, req.ShowtimeID, seatIDs)
			return err
		}

		var cancelledAt *time.Time
		err = tx.QueryRow(ctx,
			`SELECT cancelled_at FROM showtimes WHERE id = $1 FOR SHARE`, req.ShowtimeID,
		).Scan(&cancelledAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("showtime %s: %w", req.ShowtimeID, entity.ErrShowtimeNotFound)
		}
		if err != nil {
			return fmt.Errorf("find showtime: %w", err)
		}
		if cancelledAt != nil {
			return fmt.Errorf("showtime %s: %w", req.ShowtimeID, entity.ErrShowtimeCancelled)
		}

		// Seat rows are always locked in seat_id order so overlapping holds
		// queue behind each other instead of deadlocking.
		rows, err := tx.Query(ctx, `
			SELECT seat_id, state
			FROM showtime_seats
			WHERE showtime_id = $1 AND seat_id = ANY($2)
			ORDER BY seat_id
			FOR UPDATE
		`, req.ShowtimeID, seatIDs)
		if err != nil {
			return fmt.Errorf("lock seats: %w", err)
		}
		found := make(map[string]entity.SeatState, len(seatIDs))
		for rows.Next() {
			var (
				seatID string
				state  entity.SeatState
			)
			if err := rows.Scan(&seatID, &state); err != nil {
				rows.Close()
				return fmt.Errorf("scan seat: %w", err)
			}
			found[seatID] = state
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate seats: %w", err)
		}

		var missing, taken []string
		for _, id := range seatIDs {
			state, ok := found[id]
			switch {
			case !ok:
				missing = append(missing, id)
			case state != entity.SeatStateAvailable:
				taken = append(taken, id)
			}
		}
		if len(missing) > 0 {
			return fmt.Errorf("seats %s: %w", strings.Join(missing, ","), entity.ErrUnknownSeat)
		}
		if len(taken) > 0 {
			return fmt.Errorf("seats %s: %w", strings.Join(taken, ","), entity.ErrSeatsUnavailable)
		}

		now := r.now()
		hold = &entity.Hold{
			BaseSimple:   entity.NewBaseSimple(now),
			ShowtimeID:   req.ShowtimeID,
			AttemptToken: req.AttemptToken,
			SeatIDs:      seatIDs,
			Status:       entity.HoldStatusPending,
			ExpiresAt:    now.Add(req.TTL),
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO holds (id, showtime_id, attempt_token, seat_ids, status, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`,
			hold.ID,
			hold.ShowtimeID,
			hold.AttemptToken,
			hold.SeatIDs,
			hold.Status,
			hold.CreatedAt,
			hold.ExpiresAt,
		)
		if err != nil {
			return fmt.Errorf("insert hold: %w", err)
		}

		result, err := tx.Exec(ctx, `
			UPDATE showtime_seats
			SET state = 'held', hold_id = $3, attempt_token = $4, held_until = $5, updated_at = $6
			WHERE showtime_id = $1 AND seat_id = ANY($2) AND state = 'available'
		`, req.ShowtimeID, seatIDs, hold.ID, hold.AttemptToken, hold.ExpiresAt, now)
		if err != nil {
			return fmt.Errorf("mark seats held: %w", err)
		}
		if result.RowsAffected() != int64(len(seatIDs)) {
			return fmt.Errorf("mark seats held: %w", entity.ErrSeatsUnavailable)
		}
		return nil
	})

	if err != nil && database.IsUniqueViolation(err) {
		// A concurrent TryHold with the same token won the insert.
		existing, ferr := findHold(ctx, r.db, "attempt_token = $1", req.AttemptToken, false)
		if ferr != nil {
			return nil, fmt.Errorf("re-read hold after conflict: %w", ferr)
		}
		if existing == nil {
			return nil, fmt.Errorf("hold for attempt %s vanished after conflict: %w", req.AttemptToken, err)
		}
		return reuseHold(existing, req.ShowtimeID, seatIDs)
	}
	if err != nil {
		if !isDomainError(err) {
			r.log.Error("Failed to hold seats",
				zap.Error(err),
				zap.String("showtime_id", req.ShowtimeID.String()),
				zap.String("attempt_token", req.AttemptToken),
			)
		}
		return nil, err
	}

	return hold, nil
}

func (r *seatMapRepository) Confirm(ctx context.Context, holdID uuid.UUID, intent *entity.PaymentIntent) (*entity.Sale, error) {
	var sale *entity.Sale
	err := database.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		hold, err := findHold(ctx, tx, "id = $1", holdID, true)
		if err != nil {
			return fmt.Errorf("find hold: %w", err)
		}
		if hold == nil {
			return fmt.Errorf("hold %s: %w", holdID, entity.ErrHoldNotFound)
		}

		switch hold.Status {
		case entity.HoldStatusConfirmed:
			sale, err = findSale(ctx, tx, "hold_id = $1", holdID, false)
			if err != nil {
				return fmt.Errorf("find sale for confirmed hold: %w", err)
			}
			if sale == nil {
				return fmt.Errorf("confirmed hold %s has no sale: %w", holdID, entity.ErrSaleNotFound)
			}
			return nil
		case entity.HoldStatusReleased:
			return fmt.Errorf("hold %s: %w", holdID, entity.ErrHoldReleased)
		}

		now := r.now()
		sale = &entity.Sale{
			BaseSimple:      entity.NewBaseSimple(now),
			HoldID:          hold.ID,
			ShowtimeID:      hold.ShowtimeID,
			AttemptToken:    hold.AttemptToken,
			SeatIDs:         hold.SeatIDs,
			AmountCents:     intent.AmountCents,
			Currency:        intent.Currency,
			PaymentIntentID: intent.ID,
			Status:          entity.SaleStatusActive,
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO sales (id, hold_id, showtime_id, attempt_token, seat_ids, amount_cents, currency,
			                   payment_intent_id, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`,
			sale.ID,
			sale.HoldID,
			sale.ShowtimeID,
			sale.AttemptToken,
			sale.SeatIDs,
			sale.AmountCents,
			sale.Currency,
			sale.PaymentIntentID,
			sale.Status,
			sale.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert sale: %w", err)
		}

		result, err := tx.Exec(ctx, `
			UPDATE showtime_seats
			SET state = 'sold', sale_id = $2, held_until = NULL, updated_at = $3
			WHERE hold_id = $1 AND state = 'held'
		`, hold.ID, sale.ID, now)
		if err != nil {
			return fmt.Errorf("mark seats sold: %w", err)
		}
		if result.RowsAffected() != int64(len(hold.SeatIDs)) {
			return fmt.Errorf("hold %s: sold %d of %d seats", hold.ID, result.RowsAffected(), len(hold.SeatIDs))
		}

		_, err = tx.Exec(ctx,
			`UPDATE holds SET status = 'confirmed', resolved_at = $2 WHERE id = $1`, hold.ID, now)
		if err != nil {
			return fmt.Errorf("mark hold confirmed: %w", err)
		}
		return nil
	})
	if err != nil {
		if !isDomainError(err) {
			r.log.Error("Failed to confirm hold", zap.Error(err), zap.String("hold_id", holdID.String()))
		}
		return nil, err
	}

	return sale, nil
}

func (r *seatMapRepository) Release(ctx context.Context, holdID uuid.UUID) error {
	err := database.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		hold, err := findHold(ctx, tx, "id = $1", holdID, true)
		if err != nil {
			return fmt.Errorf("find hold: %w", err)
		}
		if hold == nil {
			return fmt.Errorf("hold %s: %w", holdID, entity.ErrHoldNotFound)
		}

		switch hold.Status {
		case entity.HoldStatusReleased:
			return nil
		case entity.HoldStatusConfirmed:
			return fmt.Errorf("hold %s: %w", holdID, entity.ErrHoldConfirmed)
		}

		now := r.now()
		_, err = tx.Exec(ctx, `
			UPDATE showtime_seats
			SET state = 'available', hold_id = NULL, attempt_token = NULL, held_until = NULL, updated_at = $2
			WHERE hold_id = $1 AND state = 'held'
		`, hold.ID, now)
		if err != nil {
			return fmt.Errorf("mark seats available: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE holds SET status = 'released', resolved_at = $2 WHERE id = $1`, hold.ID, now)
		if err != nil {
			return fmt.Errorf("mark hold released: %w", err)
		}
		return nil
	})
	if err != nil && !isDomainError(err) {
		r.log.Error("Failed to release hold", zap.Error(err), zap.String("hold_id", holdID.String()))
	}
	return err
}

func (r *seatMapRepository) FindHold(ctx context.Context, holdID uuid.UUID) (*entity.Hold, error) {
	hold, err := findHold(ctx, r.db, "id = $1", holdID, false)
	if err != nil {
		return nil, fmt.Errorf("find hold %s: %w", holdID, err)
	}
	if hold == nil {
		return nil, fmt.Errorf("hold %s: %w", holdID, entity.ErrHoldNotFound)
	}
	return hold, nil
}

func (r *seatMapRepository) FindHoldByToken(ctx context.Context, attemptToken string) (*entity.Hold, error) {
	hold, err := findHold(ctx, r.db, "attempt_token = $1", attemptToken, false)
	if err != nil {
		return nil, fmt.Errorf("find hold for attempt %s: %w", attemptToken, err)
	}
	if hold == nil {
		return nil, fmt.Errorf("hold for attempt %s: %w", attemptToken, entity.ErrHoldNotFound)
	}
	return hold, nil
}

func (r *seatMapRepository) ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]*entity.Hold, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+holdColumns+`
		FROM holds
		WHERE status = 'pending' AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		r.log.Error("Failed to list expired holds", zap.Error(err))
		return nil, fmt.Errorf("list expired holds: %w", err)
	}
	defer rows.Close()

	var holds []*entity.Hold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, fmt.Errorf("scan hold: %w", err)
		}
		holds = append(holds, h)
	}
	return holds, rows.Err()
}

func (r *seatMapRepository) FindSale(ctx context.Context, saleID uuid.UUID) (*entity.Sale, error) {
	sale, err := findSale(ctx, r.db, "id = $1", saleID, false)
	if err != nil {
		return nil, fmt.Errorf("find sale %s: %w", saleID, err)
	}
	if sale == nil {
		return nil, fmt.Errorf("sale %s: %w", saleID, entity.ErrSaleNotFound)
	}
	return sale, nil
}

func (r *seatMapRepository) FindSaleByHold(ctx context.Context, holdID uuid.UUID) (*entity.Sale, error) {
	sale, err := findSale(ctx, r.db, "hold_id = $1", holdID, false)
	if err != nil {
		return nil, fmt.Errorf("find sale for hold %s: %w", holdID, err)
	}
	if sale == nil {
		return nil, fmt.Errorf("sale for hold %s: %w", holdID, entity.ErrSaleNotFound)
	}
	return sale, nil
}

func (r *seatMapRepository) ReleaseSale(ctx context.Context, saleID uuid.UUID) (*entity.Sale, error) {
	var sale *entity.Sale
	err := database.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		var err error
		sale, err = findSale(ctx, tx, "id = $1", saleID, true)
		if err != nil {
			return fmt.Errorf("find sale: %w", err)
		}
		if sale == nil {
			return fmt.Errorf("sale %s: %w", saleID, entity.ErrSaleNotFound)
		}
		if !sale.IsActive() {
			return fmt.Errorf("sale %s: %w", saleID, entity.ErrSaleRefunded)
		}

		now := r.now()
		_, err = tx.Exec(ctx, `
			UPDATE showtime_seats
			SET state = 'available', hold_id = NULL, attempt_token = NULL, held_until = NULL,
			    sale_id = NULL, updated_at = $2
			WHERE sale_id = $1
		`, sale.ID, now)
		if err != nil {
			return fmt.Errorf("free sold seats: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE sales SET status = 'refunded', refunded_at = $2 WHERE id = $1`, sale.ID, now)
		if err != nil {
			return fmt.Errorf("mark sale refunded: %w", err)
		}
		sale.Status = entity.SaleStatusRefunded
		sale.RefundedAt = &now
		return nil
	})
	if err != nil {
		if !isDomainError(err) {
			r.log.Error("Failed to release sale", zap.Error(err), zap.String("sale_id", saleID.String()))
		}
		return nil, err
	}
	return sale, nil
}

func (r *seatMapRepository) SeatMap(ctx context.Context, showtimeID uuid.UUID) ([]entity.Seat, error) {
	rows, err := r.db.Query(ctx, `
		SELECT showtime_id, seat_id, state, hold_id, attempt_token, held_until, sale_id, updated_at
		FROM showtime_seats
		WHERE showtime_id = $1
		ORDER BY seat_id
	`, showtimeID)
	if err != nil {
		r.log.Error("Failed to read seat map", zap.Error(err), zap.String("showtime_id", showtimeID.String()))
		return nil, fmt.Errorf("read seat map: %w", err)
	}
	defer rows.Close()

	var seats []entity.Seat
	for rows.Next() {
		var s entity.Seat
		err := rows.Scan(
			&s.ShowtimeID,
			&s.SeatID,
			&s.State,
			&s.HoldID,
			&s.AttemptToken,
			&s.HeldUntil,
			&s.SaleID,
			&s.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan seat: %w", err)
		}
		seats = append(seats, s)
	}
	return seats, rows.Err()
}
