package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentwire/relay/internal/identity"
	"github.com/agentwire/relay/internal/relay/model"
	"github.com/agentwire/relay/internal/relay/service"
)

// pairingService is the slice of CredentialService the pairing endpoints use.
type pairingService interface {
	PairStart(ctx context.Context, req service.PairStartRequest) (*service.PairStartResult, error)
	PairComplete(ctx context.Context, req service.PairCompleteRequest) (*service.PairCompleteResult, error)
	Refresh(ctx context.Context, refreshToken, clientIP string) (*service.RefreshResult, error)
	Revoke(ctx context.Context, refreshToken string) error
}

// sessionResolver turns an extension session token into its account.
type sessionResolver interface {
	ResolveSession(ctx context.Context, token string) (*model.Account, error)
}

// PairingHandler serves the pairing and token lifecycle endpoints.
type PairingHandler struct {
	svc      pairingService
	sessions sessionResolver // nil = pair-complete never sees an account
	logger   *zap.Logger
}

// NewPairingHandler creates a PairingHandler. sessions may be nil when the
// deployment runs without extension accounts.
func NewPairingHandler(svc pairingService, sessions sessionResolver, logger *zap.Logger) *PairingHandler {
	return &PairingHandler{svc: svc, sessions: sessions, logger: logger}
}

// Register registers the pairing routes on the given router group.
func (h *PairingHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/pair/start", h.PairStart)
	rg.POST("/pair/complete", h.PairComplete)
	rg.POST("/token/refresh", h.Refresh)
	rg.POST("/token/revoke", h.Revoke)
}

// PairStart handles POST /api/pair/start — an agent registers itself and
// receives a one-time pairing code to show the user.
func (h *PairingHandler) PairStart(c *gin.Context) {
	var req struct {
		AgentID     string  `json:"agent_id"`
		DisplayName string  `json:"display_name"`
		TenantID    *string `json:"tenant_id"`
	}
	if !bindJSON(c, &req) {
		return
	}

	res, err := h.svc.PairStart(c.Request.Context(), service.PairStartRequest{
		AgentID:     req.AgentID,
		DisplayName: req.DisplayName,
		TenantID:    req.TenantID,
		Secret:      identity.BearerToken(c.GetHeader("Authorization")),
		ClientIP:    c.ClientIP(),
	})
	if err != nil {
		respondErr(c, h.logger, "pair start", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":       res.Code,
		"expires_at": res.ExpiresAt,
		"agent_id":   req.AgentID,
	})
}

// PairComplete handles POST /api/pair/complete — a browser consumes a code
// and receives its device credentials. A bearer session token is optional;
// when present and valid it links the new agent to the account for plan
// accounting, and an invalid one simply pairs anonymously.
func (h *PairingHandler) PairComplete(c *gin.Context) {
	var req struct {
		Code        string `json:"code"`
		DeviceLabel string `json:"device_label"`
	}
	if !bindJSON(c, &req) {
		return
	}

	var account *model.Account
	if token := identity.BearerToken(c.GetHeader("Authorization")); token != "" && h.sessions != nil {
		if acct, err := h.sessions.ResolveSession(c.Request.Context(), token); err == nil {
			account = acct
		}
	}

	res, err := h.svc.PairComplete(c.Request.Context(), service.PairCompleteRequest{
		Code:        req.Code,
		DeviceLabel: req.DeviceLabel,
		Account:     account,
		ClientIP:    c.ClientIP(),
	})
	if err != nil {
		respondErr(c, h.logger, "pair complete", err)
		return
	}

	resp := gin.H{
		"access_token":       res.AccessToken,
		"refresh_token":      res.RefreshToken,
		"expires_in":         res.ExpiresIn,
		"agent_id":           res.AgentID,
		"agent_display_name": res.AgentDisplayName,
		"device_id":          res.DeviceID,
	}
	if res.TenantID != nil {
		resp["tenant_id"] = *res.TenantID
	}
	c.JSON(http.StatusOK, resp)
}

// Refresh handles POST /api/token/refresh — rotates the presented refresh
// token and mints a fresh access token.
func (h *PairingHandler) Refresh(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !bindJSON(c, &req) {
		return
	}

	res, err := h.svc.Refresh(c.Request.Context(), req.RefreshToken, c.ClientIP())
	if err != nil {
		respondErr(c, h.logger, "token refresh", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token":  res.AccessToken,
		"refresh_token": res.RefreshToken,
		"expires_in":    res.ExpiresIn,
		"token_type":    "Bearer",
	})
}

// Revoke handles POST /api/token/revoke — retires a refresh token ahead of
// its expiry. The response never discloses whether the token existed.
func (h *PairingHandler) Revoke(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !bindJSON(c, &req) {
		return
	}

	if err := h.svc.Revoke(c.Request.Context(), req.RefreshToken); err != nil {
		respondErr(c, h.logger, "token revoke", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"revoked": true})
}
