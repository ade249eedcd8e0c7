package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentwire/relay/internal/relay/model"
)

// billingService drives checkout, portal, and webhook processing.
type billingService interface {
	Checkout(ctx context.Context, account *model.Account) (string, error)
	Portal(ctx context.Context, account *model.Account) (string, error)
	HandleWebhook(ctx context.Context, body []byte, signatureHeader string, now time.Time) error
}

// BillingHandler serves subscription management and the provider webhook.
type BillingHandler struct {
	svc      billingService
	sessions sessionResolver
	logger   *zap.Logger
}

// NewBillingHandler creates a BillingHandler.
func NewBillingHandler(svc billingService, sessions sessionResolver, logger *zap.Logger) *BillingHandler {
	return &BillingHandler{svc: svc, sessions: sessions, logger: logger}
}

// Register registers the billing routes on the given router group. The
// webhook stays outside the session guard: the provider authenticates with
// its signature, not a session.
func (h *BillingHandler) Register(rg *gin.RouterGroup) {
	b := rg.Group("/billing")
	{
		b.POST("/checkout", requireSession(h.sessions, h.logger), h.Checkout)
		b.POST("/portal", requireSession(h.sessions, h.logger), h.Portal)
		b.POST("/webhook/stripe", h.Webhook)
	}
}

// Checkout handles POST /api/billing/checkout — starts a hosted upgrade
// session and returns its URL.
func (h *BillingHandler) Checkout(c *gin.Context) {
	url, err := h.svc.Checkout(c.Request.Context(), accountFromCtx(c))
	if err != nil {
		respondErr(c, h.logger, "checkout", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"checkout_url": url})
}

// Portal handles POST /api/billing/portal — opens the hosted billing portal
// for an account that already checked out.
func (h *BillingHandler) Portal(c *gin.Context) {
	url, err := h.svc.Portal(c.Request.Context(), accountFromCtx(c))
	if err != nil {
		respondErr(c, h.logger, "portal", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"portal_url": url})
}

// Webhook handles POST /api/billing/webhook/stripe. The exact raw body is
// what the provider signed, so it is read before any JSON handling; a
// signature mismatch rejects the delivery with 401 and changes no state.
func (h *BillingHandler) Webhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body", "code": model.CodeInvalidMessage})
		return
	}

	if err := h.svc.HandleWebhook(c.Request.Context(), body, c.GetHeader("Stripe-Signature"), time.Now().UTC()); err != nil {
		respondErr(c, h.logger, "stripe webhook", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}
