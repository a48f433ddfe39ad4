package repository

import (
	"context"
	"errors"
	"fmt"

	"cinema-reservation/internal/data/entity"
	"cinema-reservation/pkg/database"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ShowtimeRepository is the catalog read the reservation engine needs, plus
// the writes used by the demo seeder. Cancellation is set on the catalog
// row by its owner; the engine only observes cancelled_at.
type ShowtimeRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*entity.Showtime, error)
	Count(ctx context.Context) (int64, error)
	CreateWithSeats(ctx context.Context, showtime *entity.Showtime, seatIDs []string) error
}

type showtimeRepository struct {
	db  database.PgxIface
	log *zap.Logger
}

func NewShowtimeRepository(db database.PgxIface, log *zap.Logger) ShowtimeRepository {
	return &showtimeRepository{
		db:  db,
		log: log.With(zap.String("repository", "showtime")),
	}
}

func (r *showtimeRepository) FindByID(ctx context.Context, id uuid.UUID) (*entity.Showtime, error) {
	query := `
		SELECT id, movie_title, theater_name, auditorium, starts_at, price_cents, currency,
		       cancelled_at, created_at, updated_at
		FROM showtimes
		WHERE id = $1
	`

	var s entity.Showtime
	err := r.db.QueryRow(ctx, query, id).Scan(
		&s.ID,
		&s.MovieTitle,
		&s.TheaterName,
		&s.Auditorium,
		&s.StartsAt,
		&s.PriceCents,
		&s.Currency,
		&s.CancelledAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("showtime %s: %w", id, entity.ErrShowtimeNotFound)
	}
	if err != nil {
		r.log.Error("Failed to find showtime by ID",
			zap.Error(err),
			zap.String("showtime_id", id.String()),
		)
		return nil, fmt.Errorf("find showtime %s: %w", id, err)
	}

	return &s, nil
}

func (r *showtimeRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM showtimes`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count showtimes: %w", err)
	}
	return count, nil
}

func (r *showtimeRepository) CreateWithSeats(ctx context.Context, s *entity.Showtime, seatIDs []string) error {
	return database.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO showtimes (id, movie_title, theater_name, auditorium, starts_at, price_cents, currency, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`,
			s.ID,
			s.MovieTitle,
			s.TheaterName,
			s.Auditorium,
			s.StartsAt,
			s.PriceCents,
			s.Currency,
			s.CreatedAt,
			s.UpdatedAt,
		)
		if err != nil {
			r.log.Error("Failed to create showtime",
				zap.Error(err),
				zap.String("movie_title", s.MovieTitle),
			)
			return fmt.Errorf("create showtime %s: %w", s.ID, err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO showtime_seats (showtime_id, seat_id, state, updated_at)
			SELECT $1, seat, 'available', $3 FROM unnest($2::text[]) AS seat
		`, s.ID, seatIDs, s.CreatedAt)
		if err != nil {
			return fmt.Errorf("create seats for showtime %s: %w", s.ID, err)
		}
		return nil
	})
}
