package wire

import (
	"cinema-reservation/internal/adaptor"
	"cinema-reservation/pkg/middleware"
	"cinema-reservation/pkg/utils"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

func wireReservation(
	r chi.Router,
	reservationHandler *adaptor.ReservationHandler,
	config *utils.Config,
	log *zap.Logger,
) {
	// ==================== PUBLIC ROUTES ====================
	// GET /showtimes/{id}/seats - Seat availability of a showtime
	r.Get("/showtimes/{id}/seats", reservationHandler.GetSeatMap)

	// ==================== PROTECTED ROUTES (require auth) ====================
	r.Group(func(r chi.Router) {
		r.Use(middleware.Identity(config.JWT.Secret, log))

		// POST /showtimes/{id}/reservations - Hold, pay and confirm seats
		r.Post("/showtimes/{id}/reservations", reservationHandler.Book)

		// GET /reservations/{token} - Outcome and history of an attempt
		r.Get("/reservations/{token}", reservationHandler.GetAttempt)
	})

	// ==================== ADMIN ROUTES ====================
	r.Route("/admin/sales", func(r chi.Router) {
		r.Use(middleware.Identity(config.JWT.Secret, log))
		r.Use(middleware.Admin(log))

		// POST /admin/sales/{id}/refund - Refund a sale and free its seats
		r.Post("/{id}/refund", reservationHandler.RefundSale)
	})
}
