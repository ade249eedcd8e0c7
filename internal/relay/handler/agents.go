package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentwire/relay/internal/identity"
	"github.com/agentwire/relay/internal/relay/service"
)

// directoryService lists the agents a device may talk to.
type directoryService interface {
	ListAgents(ctx context.Context, tenantID *string) ([]service.AgentSummary, error)
}

// AgentsHandler serves the device-facing agent directory.
type AgentsHandler struct {
	svc    directoryService
	tokens *identity.TokenIssuer
	logger *zap.Logger
}

// NewAgentsHandler creates an AgentsHandler.
func NewAgentsHandler(svc directoryService, tokens *identity.TokenIssuer, logger *zap.Logger) *AgentsHandler {
	return &AgentsHandler{svc: svc, tokens: tokens, logger: logger}
}

// Register registers the directory routes on the given router group.
func (h *AgentsHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/agents", identity.RequireAccessToken(h.tokens), h.ListAgents)
}

// ListAgents handles GET /api/agents — returns the agents in the caller's
// tenant group with a derived online flag. Devices without a tenant see the
// untenanted group only.
func (h *AgentsHandler) ListAgents(c *gin.Context) {
	claims := identity.ClaimsFromCtx(c)

	var tenantID *string
	if claims.TenantID != "" {
		t := claims.TenantID
		tenantID = &t
	}

	agents, err := h.svc.ListAgents(c.Request.Context(), tenantID)
	if err != nil {
		respondErr(c, h.logger, "list agents", err)
		return
	}

	resp := gin.H{
		"agents":    agents,
		"device_id": claims.DeviceID(),
	}
	if claims.TenantID != "" {
		resp["tenant_id"] = claims.TenantID
	}
	c.JSON(http.StatusOK, resp)
}
