package wire

import (
	"cinema-reservation/internal/adaptor"
	"cinema-reservation/pkg/middleware"
	"cinema-reservation/pkg/utils"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

func wireHealth(
	r chi.Router,
	healthHandler *adaptor.HealthHandler,
	config *utils.Config,
	log *zap.Logger,
) {
	// Health check endpoint
	r.Get("/health", healthHandler.Health)

	r.Route("/admin/sweeper", func(r chi.Router) {
		r.Use(middleware.Identity(config.JWT.Secret, log))
		r.Use(middleware.Admin(log))

		r.Get("/", healthHandler.SweeperStats)
	})
}
