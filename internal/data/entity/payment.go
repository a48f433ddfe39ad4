package entity

type PaymentIntentStatus string

const (
	PaymentIntentCreated  PaymentIntentStatus = "created"
	PaymentIntentCaptured PaymentIntentStatus = "captured"
	PaymentIntentFailed   PaymentIntentStatus = "failed"
	PaymentIntentRefunded PaymentIntentStatus = "refunded"
)

// PaymentIntent mirrors one capture operation at the payment provider.
type PaymentIntent struct {
	ID             string
	IdempotencyKey string
	AmountCents    int64
	Currency       string
	Status         PaymentIntentStatus
	FailureReason  string
	Provider       string
}

func (p *PaymentIntent) IsCaptured() bool {
	return p.Status == PaymentIntentCaptured
}

// IsTerminal reports whether the provider will not move the intent any further
// without a new request.
func (p *PaymentIntent) IsTerminal() bool {
	return p.Status != PaymentIntentCreated
}
