package repository

import (
	"errors"

	"cinema-reservation/internal/data/entity"
)

var domainErrors = []error{
	entity.ErrSeatsUnavailable,
	entity.ErrIdempotencyConflict,
	entity.ErrInvalidTransition,
	entity.ErrShowtimeNotFound,
	entity.ErrShowtimeCancelled,
	entity.ErrUnknownSeat,
	entity.ErrHoldNotFound,
	entity.ErrHoldReleased,
	entity.ErrHoldConfirmed,
	entity.ErrHoldResolved,
	entity.ErrSaleNotFound,
	entity.ErrSaleRefunded,
	entity.ErrAttemptNotFound,
}

// isDomainError reports whether err is an expected business outcome rather
// than a storage failure. Only the latter is logged at error level.
func isDomainError(err error) bool {
	for _, target := range domainErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
