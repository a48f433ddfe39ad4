package usecase

import (
	"cinema-reservation/internal/data/repository"
	"cinema-reservation/internal/event"
	"cinema-reservation/pkg/utils"

	"go.uber.org/zap"
)

type Service struct {
	Reservation ReservationService
}

func NewService(
	repo *repository.Repository,
	gateway PaymentGateway,
	publisher event.Publisher,
	config *utils.Config,
	log *zap.Logger,
) *Service {
	return &Service{
		Reservation: NewReservationService(repo, gateway, publisher, config.Reservation, log),
	}
}
