package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentwire/relay/internal/audit"
	"github.com/agentwire/relay/internal/payments"
	"github.com/agentwire/relay/internal/relay/model"
	"github.com/agentwire/relay/internal/relay/repository"
)

// billingStore is the persistence interface for the billing service.
// *repository.Store satisfies it.
type billingStore interface {
	FindAccountByID(ctx context.Context, id uuid.UUID) (*model.Account, error)
	FindAccountByStripeCustomer(ctx context.Context, customerID string) (*model.Account, error)
	UpdateAccountBilling(ctx context.Context, id uuid.UUID, customerID, subscriptionID *string, plan model.Plan, status string) error
}

// BillingConfig carries the provider-side identifiers and redirect targets.
type BillingConfig struct {
	PriceID         string
	SuccessURL      string
	CancelURL       string
	PortalReturnURL string
	WebhookSecret   string
}

// BillingService drives subscription upgrades. The webhook is the single
// source of truth for plan state; checkout success pages are cosmetic.
type BillingService struct {
	store    billingStore
	provider payments.Client
	cfg      BillingConfig
	auditLog audit.Log // nil = no audit writes
	logger   *zap.Logger
}

// NewBillingService creates a BillingService.
func NewBillingService(store billingStore, provider payments.Client, cfg BillingConfig, logger *zap.Logger) *BillingService {
	return &BillingService{
		store:    store,
		provider: provider,
		cfg:      cfg,
		logger:   logger,
	}
}

// SetAuditLog enables audit-chain writes for plan changes.
func (s *BillingService) SetAuditLog(l audit.Log) {
	s.auditLog = l
}

// Checkout creates a hosted checkout session for the account and returns
// its URL.
func (s *BillingService) Checkout(ctx context.Context, account *model.Account) (string, error) {
	p := payments.CheckoutParams{
		CustomerEmail: account.Email,
		PriceID:       s.cfg.PriceID,
		SuccessURL:    s.cfg.SuccessURL,
		CancelURL:     s.cfg.CancelURL,
		Reference:     account.ID.String(),
	}
	if account.StripeCustomerID != nil {
		p.CustomerID = *account.StripeCustomerID
	}
	url, err := s.provider.CreateCheckoutSession(ctx, p)
	if errors.Is(err, payments.ErrNotConfigured) {
		return "", model.CodedWrap(model.CodeInternalError, "billing is not configured on this relay", err)
	}
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	return url, nil
}

// Portal creates a hosted billing-portal session for an account that
// already has a provider customer.
func (s *BillingService) Portal(ctx context.Context, account *model.Account) (string, error) {
	if account.StripeCustomerID == nil || *account.StripeCustomerID == "" {
		return "", model.Coded(model.CodeInvalidMessage, "no billing profile on file; run checkout first")
	}
	url, err := s.provider.CreatePortalSession(ctx, *account.StripeCustomerID, s.cfg.PortalReturnURL)
	if errors.Is(err, payments.ErrNotConfigured) {
		return "", model.CodedWrap(model.CodeInternalError, "billing is not configured on this relay", err)
	}
	if err != nil {
		return "", fmt.Errorf("create portal session: %w", err)
	}
	return url, nil
}

// HandleWebhook verifies and applies one provider webhook delivery. A bad
// signature rejects the whole delivery with UNAUTHORIZED and changes no
// state; unhandled event types acknowledge silently so the provider stops
// retrying them.
func (s *BillingService) HandleWebhook(ctx context.Context, body []byte, signatureHeader string, now time.Time) error {
	if err := payments.VerifySignature([]byte(s.cfg.WebhookSecret), signatureHeader, body, now, payments.DefaultSignatureTolerance); err != nil {
		return model.CodedWrap(model.CodeUnauthorized, "webhook signature rejected", err)
	}

	evt, err := payments.ParseEvent(body)
	if err != nil {
		return model.CodedWrap(model.CodeInvalidMessage, "webhook payload unreadable", err)
	}

	switch evt.Type {
	case "checkout.session.completed":
		return s.applyCheckoutCompleted(ctx, evt)
	case "customer.subscription.updated", "customer.subscription.deleted":
		return s.applySubscriptionChange(ctx, evt)
	default:
		s.logger.Debug("ignoring webhook event", zap.String("type", evt.Type))
		return nil
	}
}

func (s *BillingService) applyCheckoutCompleted(ctx context.Context, evt *payments.Event) error {
	var session payments.CheckoutSession
	if err := json.Unmarshal(evt.Data.Object, &session); err != nil {
		return model.CodedWrap(model.CodeInvalidMessage, "checkout session unreadable", err)
	}

	accountID, err := uuid.Parse(session.ClientReferenceID)
	if err != nil {
		s.logger.Warn("checkout completed without a usable reference",
			zap.String("event_id", evt.ID),
			zap.String("client_reference_id", session.ClientReferenceID),
		)
		return nil
	}
	account, err := s.store.FindAccountByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("checkout completed for unknown account",
				zap.String("account_id", accountID.String()),
			)
			return nil
		}
		return err
	}

	customer := optional(session.Customer)
	subscription := optional(session.Subscription)
	if err := s.store.UpdateAccountBilling(ctx, account.ID, customer, subscription, model.PlanPro, "active"); err != nil {
		return err
	}

	s.appendAudit(ctx, account.Email, map[string]string{
		"event": evt.Type,
		"plan":  string(model.PlanPro),
	})
	s.logger.Info("account upgraded",
		zap.String("account_id", account.ID.String()),
		zap.String("event_id", evt.ID),
	)
	return nil
}

func (s *BillingService) applySubscriptionChange(ctx context.Context, evt *payments.Event) error {
	var sub payments.Subscription
	if err := json.Unmarshal(evt.Data.Object, &sub); err != nil {
		return model.CodedWrap(model.CodeInvalidMessage, "subscription payload unreadable", err)
	}
	if sub.Customer == "" {
		s.logger.Warn("subscription event without customer", zap.String("event_id", evt.ID))
		return nil
	}

	account, err := s.store.FindAccountByStripeCustomer(ctx, sub.Customer)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("subscription event for unknown customer",
				zap.String("customer", sub.Customer),
			)
			return nil
		}
		return err
	}

	status := sub.Status
	if evt.Type == "customer.subscription.deleted" && status == "" {
		status = "canceled"
	}
	plan := model.PlanFree
	probe := model.Account{Plan: model.PlanPro, SubscriptionStatus: status}
	if probe.Entitled() {
		plan = model.PlanPro
	}

	if err := s.store.UpdateAccountBilling(ctx, account.ID, optional(sub.Customer), optional(sub.ID), plan, status); err != nil {
		return err
	}

	s.appendAudit(ctx, account.Email, map[string]string{
		"event":  evt.Type,
		"plan":   string(plan),
		"status": status,
	})
	s.logger.Info("subscription state applied",
		zap.String("account_id", account.ID.String()),
		zap.String("plan", string(plan)),
		zap.String("status", status),
	)
	return nil
}

func (s *BillingService) appendAudit(ctx context.Context, actor string, payload any) {
	if s.auditLog == nil {
		return
	}
	if _, err := s.auditLog.Append(ctx, actor, audit.ActionPlanChange, "", "", payload); err != nil {
		s.logger.Error("audit append failed (non-fatal)", zap.Error(err))
	}
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
