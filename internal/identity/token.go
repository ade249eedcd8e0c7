package identity

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AccessClaims are the JWT claims carried by a relay access token. The
// subject is the device id; agent_id names the agent the device was paired
// with, and tenant_id scopes directory listings.
type AccessClaims struct {
	jwt.RegisteredClaims
	AgentID  string `json:"agent_id"`
	TenantID string `json:"tenant_id,omitempty"`
}

// DeviceID returns the subject claim under its domain name.
func (c *AccessClaims) DeviceID() string { return c.Subject }

// TokenIssuer issues and verifies device access tokens signed with HS256.
// Access tokens are short-lived; long-lived re-authentication goes through
// opaque refresh tokens instead.
type TokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewTokenIssuer creates a TokenIssuer.
//
//	issuer — The "iss" claim value; typically the relay's public name.
//	ttl    — Token lifetime (default: 15 minutes).
func NewTokenIssuer(secret []byte, issuer string, ttl time.Duration) *TokenIssuer {
	if ttl == 0 {
		ttl = 15 * time.Minute
	}
	return &TokenIssuer{secret: secret, issuer: issuer, ttl: ttl}
}

// Issue creates a signed access token binding deviceID to agentID.
func (t *TokenIssuer) Issue(deviceID, agentID, tenantID string) (string, error) {
	now := time.Now().UTC()
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   deviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			ID:        uuid.New().String(),
		},
		AgentID:  agentID,
		TenantID: tenantID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates an access token, returning its claims on
// success. Expired tokens surface jwt.ErrTokenExpired through errors.Is so
// callers can tell expiry apart from tampering.
func (t *TokenIssuer) Verify(tokenStr string) (*AccessClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&AccessClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return t.secret, nil
		},
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}

	claims, ok := token.Claims.(*AccessClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.Subject == "" || claims.AgentID == "" {
		return nil, fmt.Errorf("token missing device or agent binding")
	}
	return claims, nil
}

// TTL returns the configured token lifetime.
func (t *TokenIssuer) TTL() time.Duration { return t.ttl }
