package payments

import (
	"context"

	"go.uber.org/zap"
)

// NoopClient logs billing calls to zap and reports ErrNotConfigured.
// Use in development or when Stripe credentials are absent: the relay keeps
// every free-tier path working and only the upgrade flow is unavailable.
type NoopClient struct {
	logger *zap.Logger
}

// NewNoopClient creates a NoopClient backed by the given logger.
func NewNoopClient(logger *zap.Logger) *NoopClient {
	return &NoopClient{logger: logger}
}

// CreateCheckoutSession logs the attempt and returns ErrNotConfigured.
func (n *NoopClient) CreateCheckoutSession(_ context.Context, p CheckoutParams) (string, error) {
	n.logger.Info("checkout session (noop, billing disabled)",
		zap.String("customer_email", p.CustomerEmail),
		zap.String("reference", p.Reference),
	)
	return "", ErrNotConfigured
}

// CreatePortalSession logs the attempt and returns ErrNotConfigured.
func (n *NoopClient) CreatePortalSession(_ context.Context, customerID, _ string) (string, error) {
	n.logger.Info("portal session (noop, billing disabled)",
		zap.String("customer_id", customerID),
	)
	return "", ErrNotConfigured
}
