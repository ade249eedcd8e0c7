// Package handler exposes the relay's HTTP surface: pairing and token
// endpoints for agents and devices, the agent directory, extension account
// and billing routes, health, and Prometheus metrics. Handlers translate
// between HTTP and the service layer; the stable wire codes travel in every
// error body so clients branch on code, not prose.
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentwire/relay/internal/relay/model"
)

// statusFor maps a wire code to its HTTP status.
func statusFor(code string) int {
	switch code {
	case model.CodeUnauthorized, model.CodeTokenExpired, model.CodeTokenInvalid,
		model.CodeInvalidCredentials, model.CodeAgentSecretMismatch, model.CodeAgentNotPaired:
		return http.StatusUnauthorized
	case model.CodePairingInvalid, model.CodePairingExpired,
		model.CodePairingAttemptsExceeded, model.CodeInvalidMessage:
		return http.StatusBadRequest
	case model.CodeFreePlanLimit:
		return http.StatusPaymentRequired
	case model.CodeRateLimited:
		return http.StatusTooManyRequests
	case model.CodeMessageTooLarge:
		return http.StatusRequestEntityTooLarge
	case model.CodeAgentOffline:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondErr writes the uniform error body. Unclassified errors are logged
// with their cause and surface as a bare INTERNAL_ERROR.
func respondErr(c *gin.Context, logger *zap.Logger, op string, err error) {
	code := model.ErrCode(err)
	if code == model.CodeInternalError {
		logger.Error(op+" failed", zap.Error(err))
	}
	c.JSON(statusFor(code), gin.H{"error": model.ErrMessage(err), "code": code})
}

// bindJSON decodes the request body, reporting failures as INVALID_MESSAGE.
func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": model.CodeInvalidMessage})
		return false
	}
	return true
}
