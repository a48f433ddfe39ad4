package entity

import "errors"

var (
	// Contention: the caller can pick other seats.
	ErrSeatsUnavailable = errors.New("seats unavailable")
	// Terminal for the attempt; a new attempt token is required.
	ErrPaymentDeclined = errors.New("payment declined")
	// Transient; retried inside the payment gateway.
	ErrProviderUnavailable = errors.New("payment provider unavailable")
	// Ledger or store unreachable; safe to retry with the same attempt token.
	ErrInternalFault = errors.New("internal fault")

	ErrInvalidInput = errors.New("validation failed")

	ErrAttemptExpired      = errors.New("reservation attempt expired")
	ErrAttemptPending      = errors.New("reservation attempt still pending")
	ErrAttemptNotFound     = errors.New("reservation attempt not found")
	ErrIdempotencyConflict = errors.New("attempt token reused with different arguments")
	ErrInvalidTransition   = errors.New("invalid attempt outcome transition")

	ErrShowtimeNotFound  = errors.New("showtime not found")
	ErrShowtimeCancelled = errors.New("showtime cancelled")
	ErrUnknownSeat       = errors.New("seat not in showtime layout")

	ErrHoldNotFound  = errors.New("hold not found")
	ErrHoldReleased  = errors.New("hold already released")
	ErrHoldConfirmed = errors.New("hold already confirmed")
	ErrHoldResolved  = errors.New("hold for attempt token already resolved")

	ErrSaleNotFound   = errors.New("sale not found")
	ErrSaleRefunded   = errors.New("sale already refunded")
	ErrIntentNotFound = errors.New("payment intent not found")
)

// FailureError maps a recorded failure code back to the error returned on replay.
func FailureError(code FailureCode) error {
	switch code {
	case FailureSeatsUnavailable:
		return ErrSeatsUnavailable
	case FailureHoldExpired, FailureLateCapture:
		return ErrAttemptExpired
	default:
		return ErrPaymentDeclined
	}
}
