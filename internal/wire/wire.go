package wire

import (
	"cinema-reservation/internal/adaptor"
	"cinema-reservation/internal/data/repository"
	"cinema-reservation/internal/event"
	"cinema-reservation/internal/usecase"
	"cinema-reservation/internal/worker"
	"cinema-reservation/pkg/middleware"
	"cinema-reservation/pkg/utils"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// App holds the HTTP router and the background sweeper.
type App struct {
	Router  *chi.Mux
	Sweeper *worker.ExpiryWorker
}

// Dependencies are the infrastructure clients built in main.
type Dependencies struct {
	Repo      *repository.Repository
	Gateway   Gateway
	Locker    worker.Locker
	Publisher event.Publisher
}

// Gateway is what both the booking flow and the sweeper need from payments.
type Gateway interface {
	usecase.PaymentGateway
	worker.Gateway
}

// Wiring builds services, handlers and routes.
func Wiring(deps Dependencies, config *utils.Config, logger *zap.Logger) *App {
	service := usecase.NewService(deps.Repo, deps.Gateway, deps.Publisher, config, logger)

	sweeper := worker.NewExpiryWorker(deps.Repo, deps.Gateway, deps.Locker, deps.Publisher, &worker.ExpiryWorkerConfig{
		ScanInterval: config.Sweeper.Interval,
		BatchSize:    config.Sweeper.BatchSize,
		LockKey:      config.Sweeper.LockKey,
		LockTTL:      config.Sweeper.LockTTL,
		Grace:        config.Sweeper.Grace,
	}, logger)

	handler := adaptor.NewHandler(service, sweeper, logger)

	return &App{
		Router:  setupRouter(handler, config, logger),
		Sweeper: sweeper,
	}
}

func setupRouter(handler *adaptor.Handler, config *utils.Config, logger *zap.Logger) *chi.Mux {
	r := chi.NewRouter()

	// Apply global middleware
	r.Use(chimw.RequestID)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recover(logger))
	r.Use(middleware.CORS(config.CORS.AllowedOrigins))

	// Apply routes
	wireReservation(r, handler.Reservation, config, logger)
	wireHealth(r, handler.Health, config, logger)

	return r
}
