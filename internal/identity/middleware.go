package identity

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/agentwire/relay/internal/relay/model"
)

const ctxAccessClaims = "relay_access_claims"

// BearerToken extracts the credential from an Authorization header value.
// Returns "" when the header is absent or not a bearer scheme.
func BearerToken(authHeader string) string {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(authHeader, "Bearer ")
}

// TokenErrorCode maps a Verify failure to its stable wire code, so clients
// can tell an expired token (refresh and retry) from a rejected one
// (re-pair).
func TokenErrorCode(err error) string {
	if errors.Is(err, jwt.ErrTokenExpired) {
		return model.CodeTokenExpired
	}
	return model.CodeTokenInvalid
}

// RequireAccessToken returns a Gin middleware that enforces a valid device
// access token.
//
// On success it injects the *AccessClaims into the context under the
// "relay_access_claims" key. Failures carry the TokenErrorCode wire code.
func RequireAccessToken(tokens *TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := BearerToken(c.GetHeader("Authorization"))
		if tokenStr == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Bearer token required",
				"code":  model.CodeUnauthorized,
			})
			return
		}

		claims, err := tokens.Verify(tokenStr)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid token: " + err.Error(),
				"code":  TokenErrorCode(err),
			})
			return
		}

		c.Set(ctxAccessClaims, claims)
		c.Next()
	}
}

// ClaimsFromCtx retrieves the access claims injected by RequireAccessToken.
func ClaimsFromCtx(c *gin.Context) *AccessClaims {
	v, _ := c.Get(ctxAccessClaims)
	claims, _ := v.(*AccessClaims)
	return claims
}
