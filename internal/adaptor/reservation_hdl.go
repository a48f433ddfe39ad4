package adaptor

import (
	"encoding/json"
	"errors"
	"net/http"

	"cinema-reservation/internal/data/entity"
	"cinema-reservation/internal/dto/request"
	"cinema-reservation/internal/usecase"
	"cinema-reservation/pkg/utils"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type ReservationHandler struct {
	service usecase.ReservationService
	log     *zap.Logger
}

func NewReservationHandler(service usecase.ReservationService, log *zap.Logger) *ReservationHandler {
	return &ReservationHandler{
		service: service,
		log:     log.With(zap.String("handler", "reservation")),
	}
}

func callerFromRequest(r *http.Request) (usecase.Caller, bool) {
	id, ok := utils.GetCallerIDFromContext(r.Context())
	if !ok {
		return usecase.Caller{}, false
	}
	role, _ := utils.GetRoleFromContext(r.Context())
	return usecase.Caller{ID: id, Role: role}, true
}

// Book handles POST /showtimes/{id}/reservations (protected)
func (h *ReservationHandler) Book(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromRequest(r)
	if !ok {
		utils.ResponseUnauthorized(w, "Authentication required")
		return
	}

	var req request.CreateReservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.ResponseBadRequest(w, "Invalid request body", nil)
		return
	}

	if validationErrors := utils.ValidateStruct(req); len(validationErrors) > 0 {
		utils.ResponseBadRequest(w, "Validation failed", validationErrors)
		return
	}

	reservation, err := h.service.Book(r.Context(), caller, chi.URLParam(r, "id"), &req)
	if err != nil {
		h.handleServiceError(w, err, "book seats")
		return
	}

	message := "Seats reserved"
	if reservation.Replayed {
		message = "Reservation already confirmed"
	}
	utils.ResponseSuccess(w, message, reservation)
}

// GetSeatMap handles GET /showtimes/{id}/seats (public)
func (h *ReservationHandler) GetSeatMap(w http.ResponseWriter, r *http.Request) {
	seatMap, err := h.service.GetSeatMap(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleServiceError(w, err, "get seat map")
		return
	}

	utils.ResponseSuccess(w, "success", seatMap)
}

// GetAttempt handles GET /reservations/{token} (protected)
func (h *ReservationHandler) GetAttempt(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromRequest(r)
	if !ok {
		utils.ResponseUnauthorized(w, "Authentication required")
		return
	}

	attempt, err := h.service.GetAttempt(r.Context(), caller, chi.URLParam(r, "token"))
	if err != nil {
		h.handleServiceError(w, err, "get reservation attempt")
		return
	}

	utils.ResponseSuccess(w, "success", attempt)
}

// RefundSale handles POST /admin/sales/{id}/refund (admin only)
func (h *ReservationHandler) RefundSale(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromRequest(r)
	if !ok {
		utils.ResponseUnauthorized(w, "Authentication required")
		return
	}

	var req request.RefundSaleRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			utils.ResponseBadRequest(w, "Invalid request body", nil)
			return
		}
	}

	if validationErrors := utils.ValidateStruct(req); len(validationErrors) > 0 {
		utils.ResponseBadRequest(w, "Validation failed", validationErrors)
		return
	}

	sale, err := h.service.RefundSale(r.Context(), caller, chi.URLParam(r, "id"), &req)
	if err != nil {
		h.handleServiceError(w, err, "refund sale")
		return
	}

	utils.ResponseSuccess(w, "Sale refunded", sale)
}

// handleServiceError maps reservation errors to HTTP statuses
func (h *ReservationHandler) handleServiceError(w http.ResponseWriter, err error, operation string) {
	warn := func(msg string) {
		h.log.Warn(operation+" failed - "+msg,
			zap.Error(err),
			zap.String("operation", operation))
	}

	switch {
	case errors.Is(err, entity.ErrInvalidInput):
		warn("validation")
		utils.ResponseBadRequest(w, err.Error(), nil)

	case errors.Is(err, entity.ErrShowtimeNotFound),
		errors.Is(err, entity.ErrUnknownSeat),
		errors.Is(err, entity.ErrAttemptNotFound),
		errors.Is(err, entity.ErrSaleNotFound):
		warn("not found")
		utils.ResponseNotFound(w, err.Error())

	case errors.Is(err, entity.ErrSeatsUnavailable):
		warn("seats unavailable")
		utils.ResponseConflict(w, "Seats unavailable", nil)

	case errors.Is(err, entity.ErrSaleRefunded):
		warn("already refunded")
		utils.ResponseConflict(w, "Sale already refunded", nil)

	case errors.Is(err, entity.ErrPaymentDeclined):
		warn("payment declined")
		utils.ResponsePaymentRequired(w, "Payment declined", nil)

	case errors.Is(err, entity.ErrAttemptPending):
		warn("attempt pending")
		utils.ResponseAccepted(w, "Reservation attempt is still being processed", nil)

	case errors.Is(err, entity.ErrAttemptExpired), errors.Is(err, entity.ErrShowtimeCancelled):
		warn("gone")
		utils.ResponseGone(w, err.Error(), nil)

	case errors.Is(err, entity.ErrIdempotencyConflict):
		warn("idempotency conflict")
		utils.ResponseUnprocessable(w, "Attempt token was already used with different arguments")

	case errors.Is(err, entity.ErrInternalFault):
		h.log.Error("Failed to "+operation,
			zap.Error(err),
			zap.String("operation", operation))
		utils.ResponseServiceUnavailable(w, "Temporary failure, retry with the same attempt token")

	default:
		h.log.Error("Failed to "+operation,
			zap.Error(err),
			zap.String("operation", operation))
		utils.ResponseInternalError(w, "Internal server error")
	}
}
