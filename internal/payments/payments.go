// Package payments abstracts the billing provider behind a small interface
// so the relay can run without provider credentials in development and tests.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotConfigured is returned by the noop client. The billing service
// surfaces it as a clear "billing disabled" message instead of a provider
// error.
var ErrNotConfigured = errors.New("payments provider not configured")

// CheckoutParams describes a subscription checkout session.
type CheckoutParams struct {
	CustomerEmail string
	CustomerID    string // reuse the existing provider customer when set
	PriceID       string
	SuccessURL    string
	CancelURL     string
	Reference     string // account id; round-trips via client_reference_id
}

// Client creates provider-side billing sessions. Webhook verification is a
// package function, not a method: it needs no provider round trip.
type Client interface {
	// CreateCheckoutSession returns the hosted checkout URL.
	CreateCheckoutSession(ctx context.Context, p CheckoutParams) (string, error)

	// CreatePortalSession returns the hosted billing-portal URL for an
	// existing customer.
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
}

// Event is the minimal slice of a provider webhook event the relay reads.
// Everything else in the payload stays opaque.
type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// CheckoutSession is the object carried by checkout.session.completed.
type CheckoutSession struct {
	ClientReferenceID string `json:"client_reference_id"`
	Customer          string `json:"customer"`
	Subscription      string `json:"subscription"`
}

// Subscription is the object carried by customer.subscription.* events.
type Subscription struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
	Status   string `json:"status"`
}

// ParseEvent decodes a webhook body into its envelope.
func ParseEvent(body []byte) (*Event, error) {
	var evt Event
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, fmt.Errorf("parse event: %w", err)
	}
	if evt.Type == "" {
		return nil, fmt.Errorf("parse event: missing type")
	}
	return &evt, nil
}
