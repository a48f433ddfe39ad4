package payment

import (
	"context"
	"fmt"
	"sync"

	"cinema-reservation/internal/data/entity"

	"github.com/google/uuid"
)

// MockOutcome scripts what the mock does on one Capture call.
type MockOutcome int

const (
	// MockCapture charges the payment method.
	MockCapture MockOutcome = iota
	// MockDecline fails the intent terminally.
	MockDecline
	// MockUnavailable fails without touching the intent.
	MockUnavailable
	// MockHang blocks until the call's context is done.
	MockHang
	// MockLostResponse charges but reports the provider as unavailable, as
	// when the response is lost on the wire.
	MockLostResponse
	// MockInProgress fails the call the way the provider answers while
	// another request with the same key is still running.
	MockInProgress
	// MockPending leaves the intent open, waiting on the customer.
	MockPending
)

// DeclinedPaymentMethod is declined by the mock unless a script says otherwise.
const DeclinedPaymentMethod = "pm_card_chargeDeclined"

// MockProvider is a deterministic in-memory provider. Captures are
// idempotent per key like the real provider.
type MockProvider struct {
	mu       sync.Mutex
	intents  map[string]*entity.PaymentIntent
	scripts  map[string][]MockOutcome
	captures map[string]int
	refunds  map[string]int
	cancels  map[string]int
	// completing holds keys whose open intent succeeds before it can be cancelled.
	completing  map[string]bool
	unavailable bool
}

func NewMockProvider() *MockProvider {
	return &MockProvider{
		intents:    make(map[string]*entity.PaymentIntent),
		scripts:    make(map[string][]MockOutcome),
		captures:   make(map[string]int),
		refunds:    make(map[string]int),
		cancels:    make(map[string]int),
		completing: make(map[string]bool),
	}
}

func (p *MockProvider) Name() string {
	return string(ProviderTypeMock)
}

// Script queues outcomes for the next Capture calls with key.
func (p *MockProvider) Script(key string, outcomes ...MockOutcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scripts[key] = append(p.scripts[key], outcomes...)
}

// SetUnavailable makes every call fail as unavailable until reset.
func (p *MockProvider) SetUnavailable(down bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unavailable = down
}

// Captures returns how many times money was actually taken for key.
func (p *MockProvider) Captures(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.captures[key]
}

// Refunds returns how many refunds were executed for an intent id.
func (p *MockProvider) Refunds(intentID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refunds[intentID]
}

// Cancels returns how many open intents were cancelled for key.
func (p *MockProvider) Cancels(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancels[key]
}

// CompleteBeforeCancel makes the open intent of key succeed when a
// cancellation reaches it.
func (p *MockProvider) CompleteBeforeCancel(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completing[key] = true
}

// Put stores an intent as if the provider had processed it earlier.
func (p *MockProvider) Put(intent *entity.PaymentIntent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := *intent
	p.intents[intent.IdempotencyKey] = &cp
	if intent.IsCaptured() {
		p.captures[intent.IdempotencyKey]++
	}
}

func (p *MockProvider) next(key, paymentMethodRef string) MockOutcome {
	if queue := p.scripts[key]; len(queue) > 0 {
		p.scripts[key] = queue[1:]
		return queue[0]
	}
	if paymentMethodRef == DeclinedPaymentMethod {
		return MockDecline
	}
	return MockCapture
}

func (p *MockProvider) Capture(ctx context.Context, req CaptureRequest) (*entity.PaymentIntent, error) {
	p.mu.Lock()
	if p.unavailable {
		p.mu.Unlock()
		return nil, fmt.Errorf("mock capture: %w", entity.ErrProviderUnavailable)
	}
	if existing, ok := p.intents[req.IdempotencyKey]; ok {
		cp := *existing
		p.mu.Unlock()
		switch cp.Status {
		case entity.PaymentIntentFailed:
			return &cp, fmt.Errorf("mock capture %s: %s: %w", cp.ID, cp.FailureReason, entity.ErrPaymentDeclined)
		case entity.PaymentIntentCreated:
			return &cp, fmt.Errorf("mock capture %s: requires_action: %w", cp.ID, entity.ErrPaymentDeclined)
		}
		return &cp, nil
	}

	switch outcome := p.next(req.IdempotencyKey, req.PaymentMethodRef); outcome {
	case MockHang:
		p.mu.Unlock()
		<-ctx.Done()
		return nil, fmt.Errorf("mock capture: %v: %w", ctx.Err(), entity.ErrProviderUnavailable)
	case MockUnavailable:
		p.mu.Unlock()
		return nil, fmt.Errorf("mock capture: %w", entity.ErrProviderUnavailable)
	case MockInProgress:
		p.mu.Unlock()
		return nil, fmt.Errorf("mock capture: idempotency key in use: %w", entity.ErrProviderUnavailable)
	default:
		defer p.mu.Unlock()
		return p.charge(req, outcome)
	}
}

// charge must be called with p.mu held.
func (p *MockProvider) charge(req CaptureRequest, outcome MockOutcome) (*entity.PaymentIntent, error) {
	intent := &entity.PaymentIntent{
		ID:             "pi_mock_" + uuid.NewString(),
		IdempotencyKey: req.IdempotencyKey,
		AmountCents:    req.AmountCents,
		Currency:       req.Currency,
		Provider:       p.Name(),
	}
	p.intents[req.IdempotencyKey] = intent

	if outcome == MockPending {
		intent.Status = entity.PaymentIntentCreated
		cp := *intent
		return &cp, fmt.Errorf("mock capture %s: requires_action: %w", intent.ID, entity.ErrPaymentDeclined)
	}
	if outcome == MockDecline {
		intent.Status = entity.PaymentIntentFailed
		intent.FailureReason = "card_declined"
		cp := *intent
		return &cp, fmt.Errorf("mock capture %s: card_declined: %w", intent.ID, entity.ErrPaymentDeclined)
	}

	intent.Status = entity.PaymentIntentCaptured
	p.captures[req.IdempotencyKey]++
	if outcome == MockLostResponse {
		return nil, fmt.Errorf("mock capture: response lost: %w", entity.ErrProviderUnavailable)
	}
	cp := *intent
	return &cp, nil
}

func (p *MockProvider) Refund(_ context.Context, intent *entity.PaymentIntent, _ string) (*entity.PaymentIntent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unavailable {
		return nil, fmt.Errorf("mock refund: %w", entity.ErrProviderUnavailable)
	}
	if intent == nil {
		return nil, fmt.Errorf("mock refund: %w", entity.ErrIntentNotFound)
	}

	stored, ok := p.intents[intent.IdempotencyKey]
	if !ok || stored.ID != intent.ID {
		return nil, fmt.Errorf("mock refund %s: %w", intent.ID, entity.ErrIntentNotFound)
	}
	switch stored.Status {
	case entity.PaymentIntentRefunded:
	case entity.PaymentIntentCaptured:
		stored.Status = entity.PaymentIntentRefunded
		p.refunds[stored.ID]++
	default:
		return nil, fmt.Errorf("mock refund %s is %s: %w", stored.ID, stored.Status, entity.ErrPaymentDeclined)
	}
	cp := *stored
	return &cp, nil
}

func (p *MockProvider) Lookup(_ context.Context, idempotencyKey string) (*entity.PaymentIntent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unavailable {
		return nil, fmt.Errorf("mock lookup: %w", entity.ErrProviderUnavailable)
	}
	intent, ok := p.intents[idempotencyKey]
	if !ok {
		return nil, fmt.Errorf("payment intent for %s: %w", idempotencyKey, entity.ErrIntentNotFound)
	}
	cp := *intent
	return &cp, nil
}

func (p *MockProvider) Cancel(_ context.Context, intent *entity.PaymentIntent, _ string) (*entity.PaymentIntent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unavailable {
		return nil, fmt.Errorf("mock cancel: %w", entity.ErrProviderUnavailable)
	}
	if intent == nil {
		return nil, fmt.Errorf("mock cancel: %w", entity.ErrIntentNotFound)
	}

	stored, ok := p.intents[intent.IdempotencyKey]
	if !ok || stored.ID != intent.ID {
		return nil, fmt.Errorf("mock cancel %s: %w", intent.ID, entity.ErrIntentNotFound)
	}
	if stored.Status == entity.PaymentIntentCreated {
		if p.completing[stored.IdempotencyKey] {
			stored.Status = entity.PaymentIntentCaptured
			p.captures[stored.IdempotencyKey]++
		} else {
			stored.Status = entity.PaymentIntentFailed
			stored.FailureReason = "abandoned"
			p.cancels[stored.IdempotencyKey]++
		}
	}
	cp := *stored
	return &cp, nil
}
