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

const ctxAccount = "relay_account"

// accountService is the slice of AccountService the extension routes use.
type accountService interface {
	sessionResolver
	AuthGoogle(ctx context.Context, accessToken string) (*service.AuthResult, error)
	AuthChromeProfile(ctx context.Context, email, profileID string) (*service.AuthResult, error)
	Me(ctx context.Context, account *model.Account) (*service.MeResult, error)
	SyncAgents(ctx context.Context, account *model.Account, agentIDs []string) ([]string, error)
}

// AccountHandler serves extension sign-in and account state.
type AccountHandler struct {
	svc    accountService
	logger *zap.Logger
}

// NewAccountHandler creates an AccountHandler.
func NewAccountHandler(svc accountService, logger *zap.Logger) *AccountHandler {
	return &AccountHandler{svc: svc, logger: logger}
}

// Register registers the account routes on the given router group.
func (h *AccountHandler) Register(rg *gin.RouterGroup) {
	b := rg.Group("/billing")
	{
		b.POST("/auth/google", h.AuthGoogle)
		b.POST("/auth/chrome-profile", h.AuthChromeProfile)
		b.GET("/me", requireSession(h.svc, h.logger), h.Me)
		b.POST("/sync-agents", requireSession(h.svc, h.logger), h.SyncAgents)
	}
}

// requireSession enforces a valid extension session token and injects the
// resolved account into the context.
func requireSession(sessions sessionResolver, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := identity.BearerToken(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "session token required",
				"code":  model.CodeUnauthorized,
			})
			return
		}
		account, err := sessions.ResolveSession(c.Request.Context(), token)
		if err != nil {
			code := model.ErrCode(err)
			if code == model.CodeInternalError {
				logger.Error("session resolve failed", zap.Error(err))
			}
			c.AbortWithStatusJSON(statusFor(code), gin.H{
				"error": model.ErrMessage(err),
				"code":  code,
			})
			return
		}
		c.Set(ctxAccount, account)
		c.Next()
	}
}

// accountFromCtx retrieves the account injected by requireSession.
func accountFromCtx(c *gin.Context) *model.Account {
	v, _ := c.Get(ctxAccount)
	a, _ := v.(*model.Account)
	return a
}

// AuthGoogle handles POST /api/billing/auth/google — exchanges a Google
// OAuth access token for an extension session.
func (h *AccountHandler) AuthGoogle(c *gin.Context) {
	var req struct {
		GoogleAccessToken string `json:"google_access_token"`
	}
	if !bindJSON(c, &req) {
		return
	}

	res, err := h.svc.AuthGoogle(c.Request.Context(), req.GoogleAccessToken)
	if err != nil {
		respondErr(c, h.logger, "google auth", err)
		return
	}
	c.JSON(http.StatusOK, sessionBody(res))
}

// AuthChromeProfile handles POST /api/billing/auth/chrome-profile — signs in
// with the browser-profile identity for users who decline OAuth.
func (h *AccountHandler) AuthChromeProfile(c *gin.Context) {
	var req struct {
		Email           string `json:"email"`
		ChromeProfileID string `json:"chrome_profile_id"`
	}
	if !bindJSON(c, &req) {
		return
	}

	res, err := h.svc.AuthChromeProfile(c.Request.Context(), req.Email, req.ChromeProfileID)
	if err != nil {
		respondErr(c, h.logger, "chrome-profile auth", err)
		return
	}
	c.JSON(http.StatusOK, sessionBody(res))
}

func sessionBody(res *service.AuthResult) gin.H {
	return gin.H{
		"session_token": res.SessionToken,
		"account":       res.Account,
		"expires_at":    res.ExpiresAt,
	}
}

// Me handles GET /api/billing/me — the signed-in account with plan usage.
func (h *AccountHandler) Me(c *gin.Context) {
	res, err := h.svc.Me(c.Request.Context(), accountFromCtx(c))
	if err != nil {
		respondErr(c, h.logger, "account me", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account":       res.Account,
		"linked_agents": res.LinkedAgents,
		"agent_limit":   res.AgentLimit,
	})
}

// SyncAgents handles POST /api/billing/sync-agents — replaces the account's
// linked-agent set with the extension's local list.
func (h *AccountHandler) SyncAgents(c *gin.Context) {
	var req struct {
		AgentIDs []string `json:"agent_ids"`
	}
	if !bindJSON(c, &req) {
		return
	}

	linked, err := h.svc.SyncAgents(c.Request.Context(), accountFromCtx(c), req.AgentIDs)
	if err != nil {
		respondErr(c, h.logger, "sync agents", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"linked_agents": linked,
		"count":         len(linked),
	})
}
