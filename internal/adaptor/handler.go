package adaptor

import (
	"cinema-reservation/internal/usecase"

	"go.uber.org/zap"
)

type Handler struct {
	Reservation *ReservationHandler
	Health      *HealthHandler
}

func NewHandler(service *usecase.Service, sweeper SweeperStats, log *zap.Logger) *Handler {
	return &Handler{
		Reservation: NewReservationHandler(service.Reservation, log),
		Health:      NewHealthHandler(sweeper),
	}
}
