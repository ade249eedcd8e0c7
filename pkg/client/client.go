// Package client provides the AgentWire Go SDK for pairing agents with the
// relay, managing the token lifecycle, and speaking the relay's WebSocket
// protocol from either side of a conversation.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Stable wire error codes returned by the relay in HTTP error bodies and in
// error frames. Match on these rather than on message text.
const (
	CodeInvalidCredentials      = "INVALID_CREDENTIALS"
	CodeTokenExpired            = "TOKEN_EXPIRED"
	CodeTokenInvalid            = "TOKEN_INVALID"
	CodeUnauthorized            = "UNAUTHORIZED"
	CodePairingInvalid          = "PAIRING_INVALID"
	CodePairingExpired          = "PAIRING_EXPIRED"
	CodePairingAttemptsExceeded = "PAIRING_ATTEMPTS_EXCEEDED"
	CodeAgentSecretMismatch     = "AGENT_SECRET_MISMATCH"
	CodeAgentNotPaired          = "AGENT_NOT_PAIRED"
	CodeAgentOffline            = "AGENT_OFFLINE"
	CodeInvalidMessage          = "INVALID_MESSAGE"
	CodeMessageTooLarge         = "MESSAGE_TOO_LARGE"
	CodeRateLimited             = "RATE_LIMITED"
	CodeFreePlanLimit           = "FREE_PLAN_LIMIT"
	CodeInternalError           = "INTERNAL_ERROR"
)

// APIError is a structured failure from the relay. Status is the HTTP status
// code, or zero when the error arrived as a WebSocket error frame.
type APIError struct {
	Status    int
	Code      string
	Message   string
	RequestID string
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("relay error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("relay error (%s): %s", e.Code, e.Message)
}

// ErrorCode extracts the relay wire code from err, or "" when err is not an
// APIError.
func ErrorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// PairStartRequest asks the relay for a fresh pairing code. Secret is the
// agent's shared secret; it travels in the Authorization header, never in
// the body.
type PairStartRequest struct {
	AgentID     string
	DisplayName string
	TenantID    string
	Secret      string
}

// PairStartResult is the issued pairing code and its deadline.
type PairStartResult struct {
	Code      string    `json:"code"`
	AgentID   string    `json:"agent_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Credentials is the bundle returned by a successful pair-complete: a
// short-lived access token plus the long-lived refresh token that renews it.
type Credentials struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int    `json:"expires_in"`
	AgentID          string `json:"agent_id"`
	AgentDisplayName string `json:"agent_display_name"`
	DeviceID         string `json:"device_id"`
	TenantID         string `json:"tenant_id,omitempty"`
}

// RefreshResult carries the rotated token pair. The previous refresh token is
// dead the moment this call succeeds, so persist the new pair before
// discarding the old one.
type RefreshResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// AgentSummary is one row of the agent directory.
type AgentSummary struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"display_name"`
	Online      bool       `json:"online"`
	LastSeenAt  *time.Time `json:"last_seen_at,omitempty"`
}

// HealthStatus is the relay's liveness report.
type HealthStatus struct {
	Status string `json:"status"`
	Ts     int64  `json:"ts"`
	Uptime int64  `json:"uptime"`
}

// Client is the AgentWire SDK entry point.
type Client struct {
	baseURL    string
	httpClient *http.Client
	insecure   bool

	accessToken  string
	sessionToken string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithAccessToken attaches a device access token to directory requests and
// client WebSocket dials. Use SetAccessToken to swap it after a refresh.
func WithAccessToken(token string) Option {
	return func(c *Client) error {
		c.accessToken = token
		return nil
	}
}

// WithSessionToken attaches an account session token so pair-complete links
// the paired agent to the account.
func WithSessionToken(token string) Option {
	return func(c *Client) error {
		c.sessionToken = token
		return nil
	}
}

// WithInsecureSkipVerify disables TLS certificate verification for both HTTP
// and WebSocket connections. Only use this in development.
func WithInsecureSkipVerify() Option {
	return func(c *Client) error {
		c.insecure = true
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			},
			Timeout: 10 * time.Second,
		}
		return nil
	}
}

// New creates a Client for the relay at baseURL.
//
//	c, err := client.New("https://relay.agentwire.dev")
func New(baseURL string, opts ...Option) (*Client, error) {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(baseURL string, opts ...Option) *Client {
	c, err := New(baseURL, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// SetAccessToken replaces the access token used for authenticated calls,
// typically after Refresh.
func (c *Client) SetAccessToken(token string) {
	c.accessToken = token
}

// PairStart requests a pairing code on behalf of an agent.
func (c *Client) PairStart(ctx context.Context, req PairStartRequest) (*PairStartResult, error) {
	body := map[string]string{
		"agent_id":     req.AgentID,
		"display_name": req.DisplayName,
	}
	if req.TenantID != "" {
		body["tenant_id"] = req.TenantID
	}

	httpReq, err := c.newJSONRequest(ctx, http.MethodPost, "/api/pair/start", body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+req.Secret)

	var result PairStartResult
	if err := c.do(httpReq, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// PairComplete redeems a pairing code from the device side and returns the
// device's credentials. When the client carries a session token the paired
// agent is linked to that account, subject to the plan's agent allowance.
func (c *Client) PairComplete(ctx context.Context, code, deviceLabel string) (*Credentials, error) {
	httpReq, err := c.newJSONRequest(ctx, http.MethodPost, "/api/pair/complete", map[string]string{
		"code":         code,
		"device_label": deviceLabel,
	})
	if err != nil {
		return nil, err
	}
	if c.sessionToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.sessionToken)
	}

	var result Credentials
	if err := c.do(httpReq, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Refresh rotates a refresh token and returns the new pair.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	httpReq, err := c.newJSONRequest(ctx, http.MethodPost, "/api/token/refresh", map[string]string{
		"refresh_token": refreshToken,
	})
	if err != nil {
		return nil, err
	}

	var result RefreshResult
	if err := c.do(httpReq, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Revoke retires a refresh token ahead of its expiry. Revoking an unknown
// or already-rotated token succeeds; the relay never discloses whether the
// token existed.
func (c *Client) Revoke(ctx context.Context, refreshToken string) error {
	httpReq, err := c.newJSONRequest(ctx, http.MethodPost, "/api/token/revoke", map[string]string{
		"refresh_token": refreshToken,
	})
	if err != nil {
		return err
	}
	return c.do(httpReq, nil)
}

// Agents lists the agents visible to the device behind the access token,
// with live presence flags.
func (c *Client) Agents(ctx context.Context) ([]AgentSummary, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/agents", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.accessToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	var wrapper struct {
		Agents []AgentSummary `json:"agents"`
	}
	if err := c.do(httpReq, &wrapper); err != nil {
		return nil, err
	}
	return wrapper.Agents, nil
}

// Health reports the relay's liveness.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")

	var result HealthStatus
	if err := c.do(httpReq, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// newJSONRequest builds a request with a JSON body and the usual headers.
func (c *Client) newJSONRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// do executes the request and decodes the response into out. Non-2xx
// responses become *APIError built from the relay's {error, code} body.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		return parseAPIError(resp.StatusCode, body)
	}

	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// parseAPIError turns an error body into an *APIError, falling back to the
// raw body when it is not the relay's JSON shape.
func parseAPIError(status int, body []byte) *APIError {
	var payload struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || (payload.Code == "" && payload.Error == "") {
		return &APIError{Status: status, Message: strings.TrimSpace(string(body))}
	}
	return &APIError{Status: status, Code: payload.Code, Message: payload.Error}
}
