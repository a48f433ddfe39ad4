package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cinema-reservation/internal/data/entity"
	"cinema-reservation/internal/data/repository"
	"cinema-reservation/internal/dto/request"
	"cinema-reservation/internal/dto/response"
	"cinema-reservation/internal/event"
	"cinema-reservation/internal/payment"
	"cinema-reservation/pkg/utils"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PaymentGateway is the part of payment.Gateway the coordinator uses.
type PaymentGateway interface {
	Capture(ctx context.Context, req payment.CaptureRequest) (*entity.PaymentIntent, error)
	Refund(ctx context.Context, intent *entity.PaymentIntent) (*entity.PaymentIntent, error)
}

// Caller identifies who is acting, as established by the auth middleware.
type Caller struct {
	ID   string
	Role string
}

func (c Caller) IsAdmin() bool {
	return c.Role == utils.RoleAdmin
}

type ReservationService interface {
	// Book runs one reservation attempt end to end: hold the seats, capture
	// the payment, convert the hold into a sale. Repeating a call with the
	// same attempt token never executes side effects twice.
	Book(ctx context.Context, caller Caller, showtimeID string, req *request.CreateReservationRequest) (*response.ReservationResponse, error)
	GetAttempt(ctx context.Context, caller Caller, attemptToken string) (*response.AttemptResponse, error)
	GetSeatMap(ctx context.Context, showtimeID string) (*response.SeatMapResponse, error)
	RefundSale(ctx context.Context, caller Caller, saleID string, req *request.RefundSaleRequest) (*response.SaleResponse, error)
}

type reservationService struct {
	repo      *repository.Repository
	gateway   PaymentGateway
	publisher event.Publisher
	holdTTL   time.Duration
	now       func() time.Time
	log       *zap.Logger
}

func NewReservationService(
	repo *repository.Repository,
	gateway PaymentGateway,
	publisher event.Publisher,
	config utils.ReservationConfig,
	log *zap.Logger,
) ReservationService {
	ttl := config.HoldTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &reservationService{
		repo:      repo,
		gateway:   gateway,
		publisher: publisher,
		holdTTL:   ttl,
		now:       time.Now,
		log:       log.With(zap.String("service", "reservation")),
	}
}

// internalFault marks err as a store or ledger failure the caller may retry
// with the same attempt token.
func internalFault(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, entity.ErrInternalFault, err)
}

func (s *reservationService) Book(ctx context.Context, caller Caller, showtimeID string, req *request.CreateReservationRequest) (*response.ReservationResponse, error) {
	if errs := utils.ValidateStruct(req); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", entity.ErrInvalidInput, utils.FormatValidationErrors(errs))
	}

	stID, err := uuid.Parse(showtimeID)
	if err != nil {
		return nil, fmt.Errorf("%w: showtime ID %s", entity.ErrInvalidInput, showtimeID)
	}

	cmd := bookCommand{
		showtimeID:       stID,
		seatIDs:          entity.NormalizeSeats(req.SeatIDs),
		attemptToken:     req.AttemptToken,
		paymentMethodRef: req.PaymentMethodRef,
		callerID:         caller.ID,
	}
	log := s.log.With(
		zap.String("attempt_token", cmd.attemptToken),
		zap.String("showtime_id", cmd.showtimeID.String()),
		zap.String("caller_id", cmd.callerID),
	)

	existing, err := s.repo.Ledger.Lookup(ctx, cmd.attemptToken)
	switch {
	case errors.Is(err, entity.ErrAttemptNotFound):
		existing = nil
	case err != nil:
		return nil, internalFault("look up attempt", err)
	}

	if existing != nil {
		resp, done, err := s.replay(ctx, cmd, existing)
		if done {
			return resp, err
		}
	}

	return s.execute(ctx, cmd, log)
}

type bookCommand struct {
	showtimeID       uuid.UUID
	seatIDs          []string
	attemptToken     string
	paymentMethodRef string
	callerID         string
}

func (c bookCommand) attempt(outcome entity.AttemptOutcome) *entity.ReservationAttempt {
	return &entity.ReservationAttempt{
		AttemptToken:     c.attemptToken,
		ShowtimeID:       c.showtimeID,
		SeatIDs:          c.seatIDs,
		PaymentMethodRef: c.paymentMethodRef,
		CallerID:         c.callerID,
		Outcome:          outcome,
	}
}

// replay answers a repeated attempt token from the ledger. done is false
// when the attempt is still pending on a live hold and may be resumed.
func (s *reservationService) replay(ctx context.Context, cmd bookCommand, a *entity.ReservationAttempt) (*response.ReservationResponse, bool, error) {
	if !a.Matches(cmd.showtimeID, cmd.seatIDs) || (a.CallerID != "" && a.CallerID != cmd.callerID) {
		return nil, true, fmt.Errorf("attempt %s: %w", cmd.attemptToken, entity.ErrIdempotencyConflict)
	}

	switch a.Outcome {
	case entity.AttemptConfirmed:
		if a.SaleID == nil {
			return nil, true, internalFault("replay confirmed attempt", fmt.Errorf("attempt %s has no sale", a.AttemptToken))
		}
		sale, err := s.repo.SeatMap.FindSale(ctx, *a.SaleID)
		if err != nil {
			return nil, true, internalFault("replay confirmed attempt", err)
		}
		return &response.ReservationResponse{Sale: response.SaleToResponse(sale), Replayed: true}, true, nil
	case entity.AttemptExpired:
		return nil, true, fmt.Errorf("attempt %s: %w", cmd.attemptToken, entity.ErrAttemptExpired)
	case entity.AttemptFailed:
		return nil, true, fmt.Errorf("attempt %s: %w", cmd.attemptToken, entity.FailureError(a.FailureCode))
	}

	if a.HoldLapsed(s.now()) {
		// Past its deadline the attempt belongs to the expiry sweeper.
		return nil, true, fmt.Errorf("attempt %s: %w", cmd.attemptToken, entity.ErrAttemptPending)
	}
	return nil, false, nil
}

func (s *reservationService) execute(ctx context.Context, cmd bookCommand, log *zap.Logger) (*response.ReservationResponse, error) {
	showtime, err := s.repo.Showtime.FindByID(ctx, cmd.showtimeID)
	if err != nil {
		if errors.Is(err, entity.ErrShowtimeNotFound) {
			return nil, err
		}
		return nil, internalFault("find showtime", err)
	}
	if showtime.IsCancelled() {
		return nil, fmt.Errorf("showtime %s: %w", showtime.ID, entity.ErrShowtimeCancelled)
	}
	amount := showtime.AmountFor(len(cmd.seatIDs))

	hold, err := s.repo.SeatMap.TryHold(ctx, entity.HoldRequest{
		ShowtimeID:   cmd.showtimeID,
		SeatIDs:      cmd.seatIDs,
		AttemptToken: cmd.attemptToken,
		TTL:          s.holdTTL,
	})
	switch {
	case err == nil:
	case errors.Is(err, entity.ErrSeatsUnavailable):
		failed := cmd.attempt(entity.AttemptFailed)
		failed.AmountCents = amount
		failed.Currency = showtime.Currency
		failed.FailureCode = entity.FailureSeatsUnavailable
		failed.Detail = err.Error()
		if rerr := s.finish(ctx, failed); rerr != nil {
			return nil, internalFault("record seats unavailable", rerr)
		}
		log.Info("Seats unavailable", zap.Strings("seat_ids", cmd.seatIDs), zap.Error(err))
		return nil, err
	case errors.Is(err, entity.ErrHoldResolved):
		return s.recoverResolvedHold(ctx, cmd, log)
	case errors.Is(err, entity.ErrIdempotencyConflict),
		errors.Is(err, entity.ErrUnknownSeat),
		errors.Is(err, entity.ErrShowtimeNotFound),
		errors.Is(err, entity.ErrShowtimeCancelled):
		return nil, err
	default:
		return nil, internalFault("hold seats", err)
	}

	pending := cmd.attempt(entity.AttemptPending)
	pending.AmountCents = amount
	pending.Currency = showtime.Currency
	pending.HoldID = &hold.ID
	pending.HoldExpiresAt = &hold.ExpiresAt
	if err := s.repo.Ledger.Record(ctx, pending); err != nil {
		if errors.Is(err, entity.ErrInvalidTransition) {
			// Someone resolved the attempt between our lookup and now.
			return s.recoverResolvedHold(ctx, cmd, log)
		}
		return nil, internalFault("record pending attempt", err)
	}

	intent, err := s.gateway.Capture(ctx, payment.CaptureRequest{
		AmountCents:      amount,
		Currency:         showtime.Currency,
		PaymentMethodRef: cmd.paymentMethodRef,
		IdempotencyKey:   cmd.attemptToken,
		Description:      fmt.Sprintf("%s %s seats %v", showtime.MovieTitle, showtime.StartsAt.Format(time.RFC3339), cmd.seatIDs),
	})
	if err != nil {
		if !errors.Is(err, entity.ErrPaymentDeclined) {
			log.Error("Payment capture interrupted, hold left for the sweeper", zap.Error(err))
			return nil, internalFault("capture payment", err)
		}
		return nil, s.decline(ctx, cmd, hold, intent, err, log)
	}

	sale, err := s.repo.SeatMap.Confirm(ctx, hold.ID, intent)
	switch {
	case err == nil:
	case errors.Is(err, entity.ErrHoldReleased):
		return nil, s.refundLateCapture(ctx, cmd, intent, log)
	default:
		log.Error("Failed to confirm captured hold, hold left for the sweeper",
			zap.Error(err),
			zap.String("payment_intent_id", intent.ID),
		)
		return nil, internalFault("confirm hold", err)
	}

	confirmed := cmd.attempt(entity.AttemptConfirmed)
	confirmed.PaymentIntentID = &intent.ID
	confirmed.SaleID = &sale.ID
	if err := s.finish(ctx, confirmed); err != nil {
		return nil, internalFault("record confirmed attempt", err)
	}

	log.Info("Reservation confirmed",
		zap.String("sale_id", sale.ID.String()),
		zap.String("payment_intent_id", intent.ID),
		zap.Int64("amount_cents", sale.AmountCents),
	)
	return &response.ReservationResponse{Sale: response.SaleToResponse(sale)}, nil
}

// decline releases the hold of a declined payment and records the failure.
func (s *reservationService) decline(ctx context.Context, cmd bookCommand, hold *entity.Hold, intent *entity.PaymentIntent, cause error, log *zap.Logger) error {
	if err := s.repo.SeatMap.Release(ctx, hold.ID); err != nil {
		log.Error("Failed to release hold after declined payment", zap.Error(err))
		return internalFault("release declined hold", err)
	}

	failed := cmd.attempt(entity.AttemptFailed)
	failed.FailureCode = entity.FailurePaymentDeclined
	failed.Detail = cause.Error()
	if intent != nil {
		failed.PaymentIntentID = &intent.ID
	}
	if err := s.finish(ctx, failed); err != nil {
		return internalFault("record declined attempt", err)
	}

	log.Info("Payment declined, seats released", zap.Error(cause))
	return fmt.Errorf("attempt %s: %w", cmd.attemptToken, cause)
}

// refundLateCapture handles a capture that succeeded after the sweeper had
// already expired the hold: the money goes back and the attempt expires.
func (s *reservationService) refundLateCapture(ctx context.Context, cmd bookCommand, intent *entity.PaymentIntent, log *zap.Logger) error {
	if _, err := s.gateway.Refund(ctx, intent); err != nil {
		log.Error("Failed to refund capture of an expired hold, manual refund required",
			zap.Error(err),
			zap.String("payment_intent_id", intent.ID),
		)
		return internalFault("refund late capture", err)
	}

	expired := cmd.attempt(entity.AttemptExpired)
	expired.FailureCode = entity.FailureLateCapture
	expired.PaymentIntentID = &intent.ID
	if err := s.finish(ctx, expired); err != nil && !errors.Is(err, entity.ErrInvalidTransition) {
		return internalFault("record expired attempt", err)
	}

	log.Warn("Hold expired during capture, payment refunded", zap.String("payment_intent_id", intent.ID))
	return fmt.Errorf("attempt %s: %w", cmd.attemptToken, entity.ErrAttemptExpired)
}

// recoverResolvedHold handles an attempt whose hold was already confirmed or
// released while the ledger still shows it unresolved.
func (s *reservationService) recoverResolvedHold(ctx context.Context, cmd bookCommand, log *zap.Logger) (*response.ReservationResponse, error) {
	current, err := s.repo.Ledger.Lookup(ctx, cmd.attemptToken)
	switch {
	case errors.Is(err, entity.ErrAttemptNotFound):
		current = nil
	case err != nil:
		return nil, internalFault("look up attempt", err)
	}
	if current != nil && current.Outcome.IsTerminal() {
		resp, _, err := s.replay(ctx, cmd, current)
		return resp, err
	}

	hold, err := s.repo.SeatMap.FindHoldByToken(ctx, cmd.attemptToken)
	if err != nil {
		return nil, internalFault("find resolved hold", err)
	}

	if hold.Status == entity.HoldStatusConfirmed {
		sale, err := s.repo.SeatMap.FindSaleByHold(ctx, hold.ID)
		if err != nil {
			return nil, internalFault("find sale of confirmed hold", err)
		}
		confirmed := cmd.attempt(entity.AttemptConfirmed)
		confirmed.HoldID = &hold.ID
		confirmed.SaleID = &sale.ID
		confirmed.PaymentIntentID = &sale.PaymentIntentID
		confirmed.AmountCents = sale.AmountCents
		confirmed.Currency = sale.Currency
		if err := s.finish(ctx, confirmed); err != nil && !errors.Is(err, entity.ErrInvalidTransition) {
			return nil, internalFault("record confirmed attempt", err)
		}
		log.Info("Recovered confirmed reservation", zap.String("sale_id", sale.ID.String()))
		return &response.ReservationResponse{Sale: response.SaleToResponse(sale), Replayed: true}, nil
	}

	if current != nil {
		// Pending with a released hold: only a provider status check can
		// settle it, which is the sweeper's job.
		return nil, fmt.Errorf("attempt %s: %w", cmd.attemptToken, entity.ErrAttemptPending)
	}

	expired := cmd.attempt(entity.AttemptExpired)
	expired.HoldID = &hold.ID
	expired.FailureCode = entity.FailureHoldExpired
	if err := s.finish(ctx, expired); err != nil && !errors.Is(err, entity.ErrInvalidTransition) {
		return nil, internalFault("record expired attempt", err)
	}
	return nil, fmt.Errorf("attempt %s: %w", cmd.attemptToken, entity.ErrAttemptExpired)
}

// finish records a terminal outcome and announces it.
func (s *reservationService) finish(ctx context.Context, a *entity.ReservationAttempt) error {
	if err := s.repo.Ledger.Record(ctx, a); err != nil {
		return err
	}
	s.publish(ctx, event.FromAttempt(a, s.now()))
	return nil
}

func (s *reservationService) publish(ctx context.Context, e event.ReservationEvent) {
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.log.Warn("Failed to publish reservation event",
			zap.Error(err),
			zap.String("type", string(e.Type)),
			zap.String("attempt_token", e.AttemptToken),
		)
	}
}

func (s *reservationService) GetAttempt(ctx context.Context, caller Caller, attemptToken string) (*response.AttemptResponse, error) {
	attempt, err := s.repo.Ledger.Lookup(ctx, attemptToken)
	if err != nil {
		if errors.Is(err, entity.ErrAttemptNotFound) {
			return nil, err
		}
		return nil, internalFault("look up attempt", err)
	}
	if !caller.IsAdmin() && attempt.CallerID != caller.ID {
		return nil, fmt.Errorf("attempt %s: %w", attemptToken, entity.ErrAttemptNotFound)
	}

	history, err := s.repo.Ledger.History(ctx, attemptToken)
	if err != nil {
		return nil, internalFault("read attempt history", err)
	}

	resp := response.AttemptToResponse(attempt, history)
	return &resp, nil
}

func (s *reservationService) GetSeatMap(ctx context.Context, showtimeID string) (*response.SeatMapResponse, error) {
	stID, err := uuid.Parse(showtimeID)
	if err != nil {
		return nil, fmt.Errorf("%w: showtime ID %s", entity.ErrInvalidInput, showtimeID)
	}

	showtime, err := s.repo.Showtime.FindByID(ctx, stID)
	if err != nil {
		if errors.Is(err, entity.ErrShowtimeNotFound) {
			return nil, err
		}
		return nil, internalFault("find showtime", err)
	}

	seats, err := s.repo.SeatMap.SeatMap(ctx, stID)
	if err != nil {
		return nil, internalFault("read seat map", err)
	}

	resp := response.SeatMapToResponse(showtime, seats)
	return &resp, nil
}

// RefundSale is the administrative cancellation of a confirmed sale: the
// payment is refunded first, then the seats go back on sale.
func (s *reservationService) RefundSale(ctx context.Context, caller Caller, saleID string, req *request.RefundSaleRequest) (*response.SaleResponse, error) {
	if errs := utils.ValidateStruct(req); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", entity.ErrInvalidInput, utils.FormatValidationErrors(errs))
	}

	id, err := uuid.Parse(saleID)
	if err != nil {
		return nil, fmt.Errorf("%w: sale ID %s", entity.ErrInvalidInput, saleID)
	}

	sale, err := s.repo.SeatMap.FindSale(ctx, id)
	if err != nil {
		if errors.Is(err, entity.ErrSaleNotFound) {
			return nil, err
		}
		return nil, internalFault("find sale", err)
	}
	if !sale.IsActive() {
		return nil, fmt.Errorf("sale %s: %w", sale.ID, entity.ErrSaleRefunded)
	}

	intent := &entity.PaymentIntent{
		ID:             sale.PaymentIntentID,
		IdempotencyKey: sale.AttemptToken,
		AmountCents:    sale.AmountCents,
		Currency:       sale.Currency,
		Status:         entity.PaymentIntentCaptured,
	}
	if _, err := s.gateway.Refund(ctx, intent); err != nil {
		s.log.Error("Failed to refund sale", zap.Error(err), zap.String("sale_id", sale.ID.String()))
		return nil, internalFault("refund payment", err)
	}

	refunded, err := s.repo.SeatMap.ReleaseSale(ctx, sale.ID)
	if err != nil {
		if errors.Is(err, entity.ErrSaleRefunded) {
			return nil, err
		}
		return nil, internalFault("release sale", err)
	}

	s.log.Info("Sale refunded",
		zap.String("sale_id", refunded.ID.String()),
		zap.String("caller_id", caller.ID),
		zap.String("reason", req.Reason),
	)
	s.publish(ctx, event.FromSaleRefund(refunded, s.now()))

	resp := response.SaleToResponse(refunded)
	return &resp, nil
}
