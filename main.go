package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cinema-reservation/cmd"
	"cinema-reservation/internal/data/repository"
	"cinema-reservation/internal/data/seeder"
	"cinema-reservation/internal/event"
	"cinema-reservation/internal/payment"
	"cinema-reservation/internal/wire"
	"cinema-reservation/internal/worker"
	"cinema-reservation/pkg/database"
	"cinema-reservation/pkg/lock"
	"cinema-reservation/pkg/retry"
	"cinema-reservation/pkg/utils"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Load config
	config, err := utils.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	logger, err := utils.InitLogger(config.App.LogPath, config.App.Name, config.App.Debug)
	if err != nil {
		log.Printf("Failed to init logger: %v. Using standard log.", err)
		logger, _ = zap.NewProduction()
	}
	defer logger.Sync()

	logger.Info("Starting application",
		zap.String("app", config.App.Name),
		zap.String("port", config.App.Port),
		zap.Bool("debug", config.App.Debug),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Connect to database
	db, err := database.InitDB(config.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := database.Migrate(ctx, db); err != nil {
		logger.Fatal("Failed to migrate database", zap.Error(err))
	}
	logger.Info("Database connected successfully")

	repos := repository.NewRepository(db, logger)

	if config.Seed.DemoData {
		if _, err := seeder.Seed(ctx, repos.Showtime, config.Stripe.Currency, time.Now(), logger); err != nil {
			logger.Fatal("Failed to seed demo data", zap.Error(err))
		}
	}

	locker := newLocker(ctx, config.Redis, logger)

	provider, err := payment.NewProvider(config.Stripe.Provider, config.Stripe.SecretKey)
	if err != nil {
		logger.Fatal("Failed to create payment provider", zap.Error(err))
	}
	gateway := payment.NewGateway(provider, payment.GatewayConfig{
		CallTimeout: config.Reservation.CaptureTimeout,
		Retry: retry.Config{
			MaxAttempts:     config.Reservation.RetryMaxAttempts,
			InitialInterval: config.Reservation.RetryInitialInterval,
			MaxInterval:     config.Reservation.RetryMaxInterval,
		},
	}, logger)
	logger.Info("Payment provider ready", zap.String("provider", provider.Name()))

	var publisher event.Publisher = event.NopPublisher{}
	if len(config.Kafka.Brokers) > 0 {
		publisher = event.NewKafkaPublisher(config.Kafka.Brokers, config.Kafka.Topic, logger)
		logger.Info("Publishing reservation events",
			zap.Strings("brokers", config.Kafka.Brokers),
			zap.String("topic", config.Kafka.Topic),
		)
	}
	defer publisher.Close()

	// Wire all dependencies
	app := wire.Wiring(wire.Dependencies{
		Repo:      repos,
		Gateway:   gateway,
		Locker:    locker,
		Publisher: publisher,
	}, config, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return cmd.APIServer(gctx, app.Router, config.App.Port, logger)
	})
	g.Go(func() error {
		return app.Sweeper.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application stopped with error", zap.Error(err))
		return
	}
	logger.Info("Application stopped")
}

// newLocker returns the Redis lock when Redis is configured and an
// in-process lock otherwise.
func newLocker(ctx context.Context, config utils.RedisConfig, logger *zap.Logger) worker.Locker {
	if config.Addr == "" {
		logger.Warn("REDIS_ADDR is empty, sweeper lock is local to this instance")
		return lock.NewLocalLocker()
	}
	client, err := lock.NewRedisClient(ctx, config.Addr, config.Password, config.DB)
	if err != nil {
		logger.Fatal("Failed to connect to redis", zap.Error(err))
	}
	logger.Info("Redis connected", zap.String("addr", config.Addr))
	return lock.NewRedisLocker(client)
}
