// Package seeder fills an empty database with demo theaters and showtimes.
package seeder

import (
	"context"
	"fmt"
	"time"

	"cinema-reservation/internal/data/entity"
	"cinema-reservation/internal/data/repository"

	"go.uber.org/zap"
)

type theater struct {
	name        string
	auditoriums []string
	rows        int
	seatsPerRow int
}

var demoTheaters = []theater{
	{name: "Downtown Cinema", auditoriums: []string{"1", "2"}, rows: 8, seatsPerRow: 12},
	{name: "Riverside Screens", auditoriums: []string{"IMAX"}, rows: 10, seatsPerRow: 16},
	{name: "Campus Theater", auditoriums: []string{"A"}, rows: 5, seatsPerRow: 10},
}

var demoMovies = []struct {
	title      string
	priceCents int64
}{
	{"The Long Night", 1250},
	{"Paper Satellites", 1100},
	{"Harbor Lights", 950},
}

// Layout returns seat ids A1..An for rows lettered from A.
func Layout(rows, seatsPerRow int) []string {
	seats := make([]string, 0, rows*seatsPerRow)
	for r := 0; r < rows; r++ {
		row := rowLabel(r)
		for n := 1; n <= seatsPerRow; n++ {
			seats = append(seats, fmt.Sprintf("%s%d", row, n))
		}
	}
	return seats
}

// rowLabel maps 0..25 to A..Z and continues with AA, BB, ...
func rowLabel(i int) string {
	letter := string(rune('A' + i%26))
	if i < 26 {
		return letter
	}
	return letter + letter
}

// Seed creates one showtime per movie and auditorium over the next days,
// unless showtimes already exist. It returns the number created.
func Seed(ctx context.Context, repo repository.ShowtimeRepository, currency string, now time.Time, log *zap.Logger) (int, error) {
	log = log.With(zap.String("component", "seeder"))

	count, err := repo.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count showtimes: %w", err)
	}
	if count > 0 {
		log.Info("Showtimes already present, skipping demo seed", zap.Int64("count", count))
		return 0, nil
	}

	day := now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	created := 0
	for ti, th := range demoTheaters {
		seats := Layout(th.rows, th.seatsPerRow)
		for ai, auditorium := range th.auditoriums {
			for mi, movie := range demoMovies {
				startsAt := day.Add(time.Duration(ti+ai) * 24 * time.Hour).Add(time.Duration(14+3*mi) * time.Hour)
				showtime := &entity.Showtime{
					Base:        entity.NewBase(now),
					MovieTitle:  movie.title,
					TheaterName: th.name,
					Auditorium:  auditorium,
					StartsAt:    startsAt,
					PriceCents:  movie.priceCents,
					Currency:    currency,
				}
				if err := repo.CreateWithSeats(ctx, showtime, seats); err != nil {
					return created, fmt.Errorf("seed showtime %s at %s: %w", movie.title, th.name, err)
				}
				created++
			}
		}
	}

	log.Info("Demo showtimes seeded", zap.Int("count", created))
	return created, nil
}
