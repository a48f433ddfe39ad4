package payment

import (
	"fmt"
	"strings"
)

type ProviderType string

const (
	ProviderTypeMock   ProviderType = "mock"
	ProviderTypeStripe ProviderType = "stripe"
)

// NewProvider picks Stripe when a secret key is configured and the
// deterministic mock otherwise.
func NewProvider(providerType, secretKey string) (Provider, error) {
	if providerType == "" {
		providerType = string(ProviderTypeMock)
		if secretKey != "" {
			providerType = string(ProviderTypeStripe)
		}
	}

	switch ProviderType(strings.ToLower(providerType)) {
	case ProviderTypeMock:
		return NewMockProvider(), nil
	case ProviderTypeStripe:
		return NewStripeProvider(secretKey)
	default:
		return nil, fmt.Errorf("unsupported payment provider: %s", providerType)
	}
}
