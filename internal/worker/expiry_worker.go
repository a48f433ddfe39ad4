// Package worker runs the background reconciliation of reservations that
// outlived their hold.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cinema-reservation/internal/data/entity"
	"cinema-reservation/internal/data/repository"
	"cinema-reservation/internal/event"

	"go.uber.org/zap"
)

// Gateway is the part of the payment gateway the sweeper needs.
type Gateway interface {
	Refund(ctx context.Context, intent *entity.PaymentIntent) (*entity.PaymentIntent, error)
	Status(ctx context.Context, key string) (*entity.PaymentIntent, error)
	Cancel(ctx context.Context, intent *entity.PaymentIntent) (*entity.PaymentIntent, error)
}

// Locker grants cluster-wide exclusive runs of fn.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error)
}

type ExpiryWorkerConfig struct {
	// ScanInterval is the time between two sweeps.
	ScanInterval time.Duration
	// BatchSize caps the holds and the attempts handled per sweep.
	BatchSize int
	LockKey   string
	LockTTL   time.Duration
	// Grace is how long past its deadline a hold is left to an in-flight capture.
	Grace time.Duration
}

func DefaultExpiryWorkerConfig() *ExpiryWorkerConfig {
	return &ExpiryWorkerConfig{
		ScanInterval: 30 * time.Second,
		BatchSize:    100,
		LockKey:      "cinema-reservation:sweeper",
		LockTTL:      25 * time.Second,
		Grace:        15 * time.Second,
	}
}

// Resolution is what one sweep did with one attempt.
type Resolution string

const (
	ResolvedConfirmed Resolution = "confirmed"
	ResolvedFailed    Resolution = "failed"
	ResolvedExpired   Resolution = "expired"
	ResolvedSkipped   Resolution = "skipped"
)

// ExpiryWorker releases holds whose deadline passed and settles pending
// attempts against the payment provider.
type ExpiryWorker struct {
	repo      *repository.Repository
	gateway   Gateway
	locker    Locker
	publisher event.Publisher
	config    *ExpiryWorkerConfig
	now       func() time.Time
	log       *zap.Logger
	stopCh    chan struct{}
	wg        sync.WaitGroup
	mu        sync.Mutex
	running   bool

	// Stats
	totalConfirmed int64
	totalFailed    int64
	totalExpired   int64
	totalSkipped   int64
	lastScanTime   time.Time
	lastResolved   int
}

type ExpiryWorkerStats struct {
	IsRunning      bool      `json:"isRunning"`
	TotalConfirmed int64     `json:"totalConfirmed"`
	TotalFailed    int64     `json:"totalFailed"`
	TotalExpired   int64     `json:"totalExpired"`
	TotalSkipped   int64     `json:"totalSkipped"`
	LastScanTime   time.Time `json:"lastScanTime"`
	LastResolved   int       `json:"lastResolved"`
}

func NewExpiryWorker(
	repo *repository.Repository,
	gateway Gateway,
	locker Locker,
	publisher event.Publisher,
	config *ExpiryWorkerConfig,
	log *zap.Logger,
) *ExpiryWorker {
	if config == nil {
		config = DefaultExpiryWorkerConfig()
	}
	return &ExpiryWorker{
		repo:      repo,
		gateway:   gateway,
		locker:    locker,
		publisher: publisher,
		config:    config,
		now:       time.Now,
		log:       log.With(zap.String("worker", "expiry")),
		stopCh:    make(chan struct{}),
	}
}

func (w *ExpiryWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("expiry worker already running")
	}
	w.running = true
	w.mu.Unlock()

	w.log.Info("Starting expiry worker",
		zap.Duration("interval", w.config.ScanInterval),
		zap.Duration("grace", w.config.Grace),
	)

	w.wg.Add(1)
	go w.loop(ctx)

	return nil
}

// Stop waits for the sweep in progress to finish.
func (w *ExpiryWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	w.log.Info("Stopping expiry worker")
	close(w.stopCh)
	w.wg.Wait()
	w.log.Info("Expiry worker stopped")
}

// Run starts the worker and blocks until ctx is done.
func (w *ExpiryWorker) Run(ctx context.Context) error {
	if err := w.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	w.Stop()
	return nil
}

func (w *ExpiryWorker) loop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.ScanInterval)
	defer ticker.Stop()

	for {
		if _, err := w.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			w.log.Error("Sweep failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce runs one cycle under the cluster lock. ran is false when another
// instance holds the lock.
func (w *ExpiryWorker) SweepOnce(ctx context.Context) (ran bool, err error) {
	return w.locker.WithLock(ctx, w.config.LockKey, w.config.LockTTL, w.sweep)
}

func (w *ExpiryWorker) sweep(ctx context.Context) error {
	now := w.now()
	cutoff := now.Add(-w.config.Grace)

	holds, err := w.repo.SeatMap.ListExpiredHolds(ctx, cutoff, w.config.BatchSize)
	if err != nil {
		return fmt.Errorf("list expired holds: %w", err)
	}
	stale, err := w.repo.Ledger.ListStalePending(ctx, cutoff, w.config.BatchSize)
	if err != nil {
		return fmt.Errorf("list stale attempts: %w", err)
	}

	counts := make(map[Resolution]int64)
	seen := make(map[string]bool, len(holds)+len(stale))

	for _, hold := range holds {
		if ctx.Err() != nil {
			break
		}
		seen[hold.AttemptToken] = true

		attempt, err := w.repo.Ledger.Lookup(ctx, hold.AttemptToken)
		if err != nil && !errors.Is(err, entity.ErrAttemptNotFound) {
			w.log.Warn("Skipping hold, ledger lookup failed", zap.String("attempt_token", hold.AttemptToken), zap.Error(err))
			counts[ResolvedSkipped]++
			continue
		}
		counts[w.settle(ctx, hold, attempt)]++
	}

	for _, attempt := range stale {
		if ctx.Err() != nil {
			break
		}
		if seen[attempt.AttemptToken] {
			continue
		}
		seen[attempt.AttemptToken] = true

		hold, err := w.repo.SeatMap.FindHoldByToken(ctx, attempt.AttemptToken)
		if err != nil && !errors.Is(err, entity.ErrHoldNotFound) {
			w.log.Warn("Skipping attempt, hold lookup failed", zap.String("attempt_token", attempt.AttemptToken), zap.Error(err))
			counts[ResolvedSkipped]++
			continue
		}
		counts[w.settle(ctx, hold, attempt)]++
	}

	resolved := int(counts[ResolvedConfirmed] + counts[ResolvedFailed] + counts[ResolvedExpired])

	w.mu.Lock()
	w.lastScanTime = now
	w.lastResolved = resolved
	w.totalConfirmed += counts[ResolvedConfirmed]
	w.totalFailed += counts[ResolvedFailed]
	w.totalExpired += counts[ResolvedExpired]
	w.totalSkipped += counts[ResolvedSkipped]
	w.mu.Unlock()

	if len(seen) > 0 {
		w.log.Info("Sweep finished",
			zap.Int("candidates", len(seen)),
			zap.Int64("confirmed", counts[ResolvedConfirmed]),
			zap.Int64("failed", counts[ResolvedFailed]),
			zap.Int64("expired", counts[ResolvedExpired]),
			zap.Int64("skipped", counts[ResolvedSkipped]),
		)
	}
	return ctx.Err()
}

// settle decides the fate of one attempt from the provider's view of its
// payment. Either hold or attempt may be nil, not both.
func (w *ExpiryWorker) settle(ctx context.Context, hold *entity.Hold, attempt *entity.ReservationAttempt) Resolution {
	token := attemptToken(hold, attempt)
	log := w.log.With(zap.String("attempt_token", token))

	intent, err := w.gateway.Status(ctx, token)
	if err != nil && !errors.Is(err, entity.ErrIntentNotFound) {
		log.Warn("Payment status unknown, leaving attempt for the next sweep", zap.Error(err))
		return ResolvedSkipped
	}

	// An open intent could still succeed after the seats are gone.
	abandoned := false
	if intent != nil && !intent.IsTerminal() {
		closed, err := w.gateway.Cancel(ctx, intent)
		if err != nil {
			log.Warn("Open payment could not be cancelled, leaving attempt for the next sweep",
				zap.String("payment_intent_id", intent.ID),
				zap.Error(err),
			)
			return ResolvedSkipped
		}
		intent = closed
		abandoned = !intent.IsCaptured()
	}

	var next *entity.ReservationAttempt
	switch {
	case intent != nil && intent.IsCaptured():
		next, err = w.settleCaptured(ctx, hold, attempt, intent, log)
	case intent != nil && intent.Status == entity.PaymentIntentRefunded:
		next, err = w.release(ctx, hold, attempt, entity.AttemptExpired, entity.FailureLateCapture)
	case intent != nil && intent.Status == entity.PaymentIntentFailed && !abandoned:
		next, err = w.release(ctx, hold, attempt, entity.AttemptFailed, entity.FailurePaymentDeclined)
	default:
		next, err = w.release(ctx, hold, attempt, entity.AttemptExpired, entity.FailureHoldExpired)
	}
	if err != nil {
		log.Warn("Could not settle attempt", zap.Error(err))
		return ResolvedSkipped
	}
	if intent != nil {
		next.PaymentIntentID = &intent.ID
		if next.AmountCents == 0 {
			next.AmountCents = intent.AmountCents
			next.Currency = intent.Currency
		}
	}

	if err := w.repo.Ledger.Record(ctx, next); err != nil {
		if errors.Is(err, entity.ErrInvalidTransition) {
			log.Debug("Attempt settled concurrently", zap.Error(err))
			return ResolvedSkipped
		}
		log.Error("Failed to record settled attempt", zap.Error(err))
		return ResolvedSkipped
	}
	if err := w.publisher.Publish(ctx, event.FromAttempt(next, w.now())); err != nil {
		log.Warn("Failed to publish reservation event", zap.Error(err))
	}

	log.Info("Attempt settled by sweeper",
		zap.String("outcome", string(next.Outcome)),
		zap.String("failure_code", string(next.FailureCode)),
	)
	switch next.Outcome {
	case entity.AttemptConfirmed:
		return ResolvedConfirmed
	case entity.AttemptFailed:
		return ResolvedFailed
	default:
		return ResolvedExpired
	}
}

// settleCaptured turns a captured payment into a sale when the seats are still
// held, and refunds it when they are gone.
func (w *ExpiryWorker) settleCaptured(ctx context.Context, hold *entity.Hold, attempt *entity.ReservationAttempt, intent *entity.PaymentIntent, log *zap.Logger) (*entity.ReservationAttempt, error) {
	if hold != nil && hold.Status != entity.HoldStatusReleased {
		sale, err := w.repo.SeatMap.Confirm(ctx, hold.ID, intent)
		switch {
		case err == nil:
			next := settled(hold, attempt, entity.AttemptConfirmed, entity.FailureNone)
			next.SaleID = &sale.ID
			next.AmountCents = sale.AmountCents
			next.Currency = sale.Currency
			return next, nil
		case !errors.Is(err, entity.ErrHoldReleased):
			return nil, fmt.Errorf("confirm hold %s: %w", hold.ID, err)
		}
	}

	if _, err := w.gateway.Refund(ctx, intent); err != nil {
		log.Error("Failed to refund capture of a released hold, manual refund required",
			zap.String("payment_intent_id", intent.ID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("refund %s: %w", intent.ID, err)
	}
	return settled(hold, attempt, entity.AttemptExpired, entity.FailureLateCapture), nil
}

func (w *ExpiryWorker) release(ctx context.Context, hold *entity.Hold, attempt *entity.ReservationAttempt, outcome entity.AttemptOutcome, code entity.FailureCode) (*entity.ReservationAttempt, error) {
	if hold != nil {
		if err := w.repo.SeatMap.Release(ctx, hold.ID); err != nil {
			return nil, fmt.Errorf("release hold %s: %w", hold.ID, err)
		}
	}
	return settled(hold, attempt, outcome, code), nil
}

// settled builds the ledger write of a terminal outcome. Attempts the ledger
// never saw are reconstructed from their hold.
func settled(hold *entity.Hold, attempt *entity.ReservationAttempt, outcome entity.AttemptOutcome, code entity.FailureCode) *entity.ReservationAttempt {
	next := &entity.ReservationAttempt{
		AttemptToken: attemptToken(hold, attempt),
		Outcome:      outcome,
		FailureCode:  code,
	}
	if attempt != nil {
		next.ShowtimeID = attempt.ShowtimeID
		next.SeatIDs = attempt.SeatIDs
		next.AmountCents = attempt.AmountCents
		next.Currency = attempt.Currency
	}
	if hold != nil {
		next.ShowtimeID = hold.ShowtimeID
		next.SeatIDs = hold.SeatIDs
		next.HoldID = &hold.ID
		next.HoldExpiresAt = &hold.ExpiresAt
	}
	return next
}

func attemptToken(hold *entity.Hold, attempt *entity.ReservationAttempt) string {
	if attempt != nil {
		return attempt.AttemptToken
	}
	return hold.AttemptToken
}

func (w *ExpiryWorker) Stats() *ExpiryWorkerStats {
	w.mu.Lock()
	defer w.mu.Unlock()

	return &ExpiryWorkerStats{
		IsRunning:      w.running,
		TotalConfirmed: w.totalConfirmed,
		TotalFailed:    w.totalFailed,
		TotalExpired:   w.totalExpired,
		TotalSkipped:   w.totalSkipped,
		LastScanTime:   w.lastScanTime,
		LastResolved:   w.lastResolved,
	}
}
