package request

type CreateReservationRequest struct {
	SeatIDs          []string `json:"seatIds" validate:"required,min=1,max=10,unique,dive,seat_id"`
	AttemptToken     string   `json:"attemptToken" validate:"required,min=8,max=128,attempt_token"`
	PaymentMethodRef string   `json:"paymentMethodRef" validate:"required,max=255"`
}

type RefundSaleRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}
