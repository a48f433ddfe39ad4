package repository

import (
	"cinema-reservation/pkg/database"

	"go.uber.org/zap"
)

type Repository struct {
	Showtime ShowtimeRepository
	SeatMap  SeatMapRepository
	Ledger   LedgerRepository
}

func NewRepository(db database.PgxIface, log *zap.Logger) *Repository {
	return &Repository{
		Showtime: NewShowtimeRepository(db, log),
		SeatMap:  NewSeatMapRepository(db, log),
		Ledger:   NewLedgerRepository(db, log),
	}
}
