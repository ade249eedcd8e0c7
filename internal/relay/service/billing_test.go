package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentwire/relay/internal/payments"
	"github.com/agentwire/relay/internal/relay/model"
	"github.com/agentwire/relay/internal/relay/repository"
	"github.com/agentwire/relay/internal/relay/service"
)

// ── Stubs ─────────────────────────────────────────────────────────────────

type stubBillingStore struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*model.Account
}

func newStubBillingStore(accounts ...*model.Account) *stubBillingStore {
	r := &stubBillingStore{accounts: make(map[uuid.UUID]*model.Account)}
	for _, a := range accounts {
		cp := *a
		r.accounts[a.ID] = &cp
	}
	return r
}

func (r *stubBillingStore) FindAccountByID(_ context.Context, id uuid.UUID) (*model.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *stubBillingStore) FindAccountByStripeCustomer(_ context.Context, customerID string) (*model.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.accounts {
		if a.StripeCustomerID != nil && *a.StripeCustomerID == customerID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *stubBillingStore) UpdateAccountBilling(_ context.Context, id uuid.UUID, customerID, subscriptionID *string, plan model.Plan, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return repository.ErrNotFound
	}
	if customerID != nil {
		a.StripeCustomerID = customerID
	}
	if subscriptionID != nil {
		a.StripeSubscriptionID = subscriptionID
	}
	a.Plan = plan
	a.SubscriptionStatus = status
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *stubBillingStore) get(id uuid.UUID) model.Account {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.accounts[id]
}

// stubProvider records the parameters of the last provider call.
type stubProvider struct {
	checkout payments.CheckoutParams
	customer string
	retURL   string
}

func (p *stubProvider) CreateCheckoutSession(_ context.Context, params payments.CheckoutParams) (string, error) {
	p.checkout = params
	return "https://checkout.example.com/cs_test_1", nil
}

func (p *stubProvider) CreatePortalSession(_ context.Context, customerID, returnURL string) (string, error) {
	p.customer = customerID
	p.retURL = returnURL
	return "https://portal.example.com/ps_test_1", nil
}

// ── Helpers ───────────────────────────────────────────────────────────────

const webhookSecret = "whsec_test_secret"

func newTestBillingService(store *stubBillingStore, provider payments.Client) *service.BillingService {
	return service.NewBillingService(store, provider, service.BillingConfig{
		PriceID:         "price_pro_monthly",
		SuccessURL:      "https://relay.test/upgraded",
		CancelURL:       "https://relay.test/pricing",
		PortalReturnURL: "https://relay.test/settings",
		WebhookSecret:   webhookSecret,
	}, zap.NewNop())
}

func signedWebhook(t *testing.T, svc *service.BillingService, body string) error {
	t.Helper()
	now := time.Now().UTC()
	header := payments.SignPayload([]byte(webhookSecret), []byte(body), now)
	return svc.HandleWebhook(context.Background(), []byte(body), header, now)
}

// ── Checkout and portal ───────────────────────────────────────────────────

func TestCheckout_buildsSession(t *testing.T) {
	account := &model.Account{ID: uuid.New(), Email: "buyer@example.com", Plan: model.PlanFree}
	provider := &stubProvider{}
	svc := newTestBillingService(newStubBillingStore(account), provider)

	url, err := svc.Checkout(context.Background(), account)
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if url != "https://checkout.example.com/cs_test_1" {
		t.Errorf("url: %q", url)
	}
	if provider.checkout.CustomerEmail != "buyer@example.com" {
		t.Errorf("customer email: %q", provider.checkout.CustomerEmail)
	}
	if provider.checkout.Reference != account.ID.String() {
		t.Errorf("reference: %q", provider.checkout.Reference)
	}
	if provider.checkout.PriceID != "price_pro_monthly" {
		t.Errorf("price: %q", provider.checkout.PriceID)
	}
}

func TestCheckout_reusesExistingCustomer(t *testing.T) {
	cus := "cus_123"
	account := &model.Account{ID: uuid.New(), Email: "buyer@example.com", StripeCustomerID: &cus}
	provider := &stubProvider{}
	svc := newTestBillingService(newStubBillingStore(account), provider)

	if _, err := svc.Checkout(context.Background(), account); err != nil {
		t.Fatal(err)
	}
	if provider.checkout.CustomerID != "cus_123" {
		t.Errorf("customer id not reused: %q", provider.checkout.CustomerID)
	}
}

func TestCheckout_billingDisabledSurfacesHint(t *testing.T) {
	account := &model.Account{ID: uuid.New(), Email: "buyer@example.com"}
	svc := newTestBillingService(newStubBillingStore(account), payments.NewNoopClient(zap.NewNop()))

	_, err := svc.Checkout(context.Background(), account)
	if got := errCode(t, err); got != model.CodeInternalError {
		t.Errorf("code: got %s", got)
	}
	if model.ErrMessage(err) != "billing is not configured on this relay" {
		t.Errorf("message: %q", model.ErrMessage(err))
	}
	if !errors.Is(err, payments.ErrNotConfigured) {
		t.Error("wrapped cause lost")
	}
}

func TestPortal_requiresBillingProfile(t *testing.T) {
	provider := &stubProvider{}
	svc := newTestBillingService(newStubBillingStore(), provider)

	account := &model.Account{ID: uuid.New(), Email: "free@example.com"}
	_, err := svc.Portal(context.Background(), account)
	if got := errCode(t, err); got != model.CodeInvalidMessage {
		t.Errorf("no customer: got %s", got)
	}

	cus := "cus_456"
	account.StripeCustomerID = &cus
	url, err := svc.Portal(context.Background(), account)
	if err != nil {
		t.Fatalf("Portal: %v", err)
	}
	if url != "https://portal.example.com/ps_test_1" {
		t.Errorf("url: %q", url)
	}
	if provider.customer != "cus_456" || provider.retURL != "https://relay.test/settings" {
		t.Errorf("portal params: %q %q", provider.customer, provider.retURL)
	}
}

// ── Webhooks ──────────────────────────────────────────────────────────────

func TestHandleWebhook_checkoutCompletedUpgrades(t *testing.T) {
	account := &model.Account{ID: uuid.New(), Email: "buyer@example.com", Plan: model.PlanFree}
	store := newStubBillingStore(account)
	svc := newTestBillingService(store, &stubProvider{})

	body := fmt.Sprintf(`{
		"id": "evt_1",
		"type": "checkout.session.completed",
		"data": {"object": {
			"client_reference_id": %q,
			"customer": "cus_789",
			"subscription": "sub_789"
		}}
	}`, account.ID)

	if err := signedWebhook(t, svc, body); err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}

	got := store.get(account.ID)
	if got.Plan != model.PlanPro || got.SubscriptionStatus != "active" {
		t.Errorf("plan state: %s/%s", got.Plan, got.SubscriptionStatus)
	}
	if got.StripeCustomerID == nil || *got.StripeCustomerID != "cus_789" {
		t.Errorf("customer id: %v", got.StripeCustomerID)
	}
	if got.StripeSubscriptionID == nil || *got.StripeSubscriptionID != "sub_789" {
		t.Errorf("subscription id: %v", got.StripeSubscriptionID)
	}
}

func TestHandleWebhook_subscriptionDeletedDowngrades(t *testing.T) {
	cus := "cus_789"
	account := &model.Account{
		ID: uuid.New(), Email: "buyer@example.com",
		Plan: model.PlanPro, SubscriptionStatus: "active", StripeCustomerID: &cus,
	}
	store := newStubBillingStore(account)
	svc := newTestBillingService(store, &stubProvider{})

	body := `{
		"id": "evt_2",
		"type": "customer.subscription.deleted",
		"data": {"object": {"id": "sub_789", "customer": "cus_789"}}
	}`

	if err := signedWebhook(t, svc, body); err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}

	got := store.get(account.ID)
	if got.Plan != model.PlanFree || got.SubscriptionStatus != "canceled" {
		t.Errorf("plan state after delete: %s/%s", got.Plan, got.SubscriptionStatus)
	}
}

func TestHandleWebhook_pastDueStaysEntitled(t *testing.T) {
	cus := "cus_789"
	account := &model.Account{
		ID: uuid.New(), Email: "buyer@example.com",
		Plan: model.PlanPro, SubscriptionStatus: "active", StripeCustomerID: &cus,
	}
	store := newStubBillingStore(account)
	svc := newTestBillingService(store, &stubProvider{})

	body := `{
		"id": "evt_3",
		"type": "customer.subscription.updated",
		"data": {"object": {"id": "sub_789", "customer": "cus_789", "status": "past_due"}}
	}`

	if err := signedWebhook(t, svc, body); err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}

	got := store.get(account.ID)
	if got.Plan != model.PlanPro || got.SubscriptionStatus != "past_due" {
		t.Errorf("past_due must keep pro: %s/%s", got.Plan, got.SubscriptionStatus)
	}
}

func TestHandleWebhook_badSignature(t *testing.T) {
	account := &model.Account{ID: uuid.New(), Email: "buyer@example.com", Plan: model.PlanFree}
	store := newStubBillingStore(account)
	svc := newTestBillingService(store, &stubProvider{})

	body := fmt.Sprintf(`{
		"id": "evt_4",
		"type": "checkout.session.completed",
		"data": {"object": {"client_reference_id": %q}}
	}`, account.ID)
	now := time.Now().UTC()
	header := payments.SignPayload([]byte("whsec_wrong"), []byte(body), now)

	err := svc.HandleWebhook(context.Background(), []byte(body), header, now)
	if got := errCode(t, err); got != model.CodeUnauthorized {
		t.Errorf("code: got %s", got)
	}
	if got := store.get(account.ID); got.Plan != model.PlanFree {
		t.Error("a rejected delivery must not change plan state")
	}
}

func TestHandleWebhook_unknownReferenceAcks(t *testing.T) {
	svc := newTestBillingService(newStubBillingStore(), &stubProvider{})

	body := fmt.Sprintf(`{
		"id": "evt_5",
		"type": "checkout.session.completed",
		"data": {"object": {"client_reference_id": %q}}
	}`, uuid.New())

	// Unknown accounts acknowledge so the provider stops retrying.
	if err := signedWebhook(t, svc, body); err != nil {
		t.Errorf("unknown reference should ack: %v", err)
	}
}

func TestHandleWebhook_ignoresUnhandledTypes(t *testing.T) {
	svc := newTestBillingService(newStubBillingStore(), &stubProvider{})

	body := `{"id": "evt_6", "type": "invoice.finalized", "data": {"object": {}}}`
	if err := signedWebhook(t, svc, body); err != nil {
		t.Errorf("unhandled type should ack: %v", err)
	}
}
