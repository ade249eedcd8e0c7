// Package service contains the relay's control-plane business logic:
// pairing, token lifecycle, extension accounts, and billing. Handlers stay
// thin; everything that owns a decision lives here.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentwire/relay/internal/audit"
	"github.com/agentwire/relay/internal/identity"
	"github.com/agentwire/relay/internal/relay/model"
	"github.com/agentwire/relay/internal/relay/repository"
)

// pairingCodeRetries bounds how many fresh codes are drawn after collisions
// before giving up. Collisions are astronomically rare at 32^8 codes; more
// than a couple in a row means something is broken.
const pairingCodeRetries = 3

// Config holds the credential tunables. Zero values take the documented
// defaults so tests can construct partial configs.
type Config struct {
	AccessTTL          time.Duration // default 15m
	RefreshTTL         time.Duration // default 30d
	PairingTTL         time.Duration // default 10m
	PairingMaxAttempts int           // default 5
	PairingRateMax     int           // default 5
	PairingRateWindow  time.Duration // default 1h
	RefreshRateMax     int           // default 60
	RefreshRateWindow  time.Duration // default 1h
	FreeAgentLimit     int           // default 1
}

func (c Config) withDefaults() Config {
	if c.AccessTTL == 0 {
		c.AccessTTL = 15 * time.Minute
	}
	if c.RefreshTTL == 0 {
		c.RefreshTTL = 30 * 24 * time.Hour
	}
	if c.PairingTTL == 0 {
		c.PairingTTL = 10 * time.Minute
	}
	if c.PairingMaxAttempts == 0 {
		c.PairingMaxAttempts = 5
	}
	if c.PairingRateMax == 0 {
		c.PairingRateMax = 5
	}
	if c.PairingRateWindow == 0 {
		c.PairingRateWindow = time.Hour
	}
	if c.RefreshRateMax == 0 {
		c.RefreshRateMax = 60
	}
	if c.RefreshRateWindow == 0 {
		c.RefreshRateWindow = time.Hour
	}
	if c.FreeAgentLimit == 0 {
		c.FreeAgentLimit = 1
	}
	return c
}

// credentialStore is the persistence interface for the credential service.
// *repository.Store satisfies it.
type credentialStore interface {
	CreateAgent(ctx context.Context, a *model.Agent) error
	FindAgentByID(ctx context.Context, id string) (*model.Agent, error)
	UpdateAgentProfile(ctx context.Context, id, displayName string, tenantID *string) error
	ListAgentsByTenant(ctx context.Context, tenantID *string) ([]*model.Agent, error)

	IssuePairing(ctx context.Context, agentID, code string, expiresAt time.Time) error
	ClaimPairing(ctx context.Context, code string, now time.Time, maxAttempts int) (*model.Pairing, *model.Agent, error)
	RedeemPairing(ctx context.Context, code string, d *model.Device, rt *model.RefreshToken, accountID *uuid.UUID) error

	RotateRefreshToken(ctx context.Context, oldHash, newHash string, newExpiresAt, now time.Time) (*model.RefreshToken, error)
	DeleteRefreshToken(ctx context.Context, tokenHash string) (*model.RefreshToken, error)
	FindDeviceByID(ctx context.Context, id string) (*model.Device, error)

	AgentLinked(ctx context.Context, accountID uuid.UUID, agentID string) (bool, error)
	CountAccountAgents(ctx context.Context, accountID uuid.UUID) (int, error)

	RateCheck(ctx context.Context, key string, max int, window time.Duration, now time.Time) (bool, error)
}

// CredentialService owns pairing and token lifecycle for agents and
// devices.
type CredentialService struct {
	store    credentialStore
	tokens   *identity.TokenIssuer
	secrets  *identity.SecretVerifier
	cfg      Config
	auditLog audit.Log // nil = no audit writes
	logger   *zap.Logger
}

// NewCredentialService creates a CredentialService.
func NewCredentialService(store credentialStore, tokens *identity.TokenIssuer, secrets *identity.SecretVerifier, cfg Config, logger *zap.Logger) *CredentialService {
	return &CredentialService{
		store:   store,
		tokens:  tokens,
		secrets: secrets,
		cfg:     cfg.withDefaults(),
		logger:  logger,
	}
}

// SetAuditLog enables audit-chain writes for pairing and token events.
func (s *CredentialService) SetAuditLog(l audit.Log) {
	s.auditLog = l
}

// PairStartRequest carries one agent's request for a fresh pairing code.
type PairStartRequest struct {
	AgentID     string
	DisplayName string
	TenantID    *string
	Secret      string
	ClientIP    string
}

// PairStartResult is the issued code and its deadline.
type PairStartResult struct {
	Code      string
	ExpiresAt time.Time
}

// PairStart registers or re-verifies the agent identity and issues a fresh
// one-time pairing code, displacing any live code for the same agent.
func (s *CredentialService) PairStart(ctx context.Context, req PairStartRequest) (*PairStartResult, error) {
	if req.AgentID == "" || req.Secret == "" {
		return nil, model.Coded(model.CodeInvalidMessage, "agent_id and secret are required")
	}
	if len(req.AgentID) > 128 || len(req.DisplayName) > 256 {
		return nil, model.Coded(model.CodeInvalidMessage, "agent_id or display_name too long")
	}

	now := time.Now().UTC()
	ok, err := s.store.RateCheck(ctx, "pairing:"+req.ClientIP, s.cfg.PairingRateMax, s.cfg.PairingRateWindow, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, model.Coded(model.CodeRateLimited, "too many pairing requests")
	}

	if err := s.upsertAgent(ctx, req); err != nil {
		return nil, err
	}

	expiresAt := now.Add(s.cfg.PairingTTL)
	code, err := s.issueCode(ctx, req.AgentID, expiresAt)
	if err != nil {
		return nil, err
	}

	s.appendAudit(ctx, req.AgentID, audit.ActionPairStart, req.AgentID, "", map[string]string{
		"display_name": req.DisplayName,
	})
	s.logger.Info("pairing code issued",
		zap.String("agent_id", req.AgentID),
		zap.Time("expires_at", expiresAt),
	)
	return &PairStartResult{Code: code, ExpiresAt: expiresAt}, nil
}

// upsertAgent creates the agent on first contact or verifies the presented
// secret against the stored digest on re-registration. The stored digest is
// never overwritten by pair/start.
func (s *CredentialService) upsertAgent(ctx context.Context, req PairStartRequest) error {
	agent, err := s.store.FindAgentByID(ctx, req.AgentID)
	if errors.Is(err, repository.ErrNotFound) {
		hash, herr := identity.HashAgentSecret(req.Secret)
		if herr != nil {
			return herr
		}
		cerr := s.store.CreateAgent(ctx, &model.Agent{
			ID:          req.AgentID,
			DisplayName: req.DisplayName,
			SecretHash:  hash,
			TenantID:    req.TenantID,
		})
		if cerr == nil {
			return nil
		}
		if !errors.Is(cerr, repository.ErrDuplicate) {
			return cerr
		}
		// Lost a first-registration race; fall through to the verify path.
		agent, err = s.store.FindAgentByID(ctx, req.AgentID)
	}
	if err != nil {
		return err
	}

	if !s.secrets.Verify(agent.SecretHash, req.Secret) {
		return model.Coded(model.CodeAgentSecretMismatch, "agent secret does not match the registered one")
	}
	return s.store.UpdateAgentProfile(ctx, req.AgentID, req.DisplayName, req.TenantID)
}

func (s *CredentialService) issueCode(ctx context.Context, agentID string, expiresAt time.Time) (string, error) {
	for i := 0; i < pairingCodeRetries; i++ {
		code, err := identity.NewPairingCode()
		if err != nil {
			return "", err
		}
		err = s.store.IssuePairing(ctx, agentID, code, expiresAt)
		if err == nil {
			return code, nil
		}
		if !errors.Is(err, repository.ErrDuplicate) {
			return "", err
		}
		s.logger.Warn("pairing code collision, regenerating", zap.String("agent_id", agentID))
	}
	return "", model.Coded(model.CodeInternalError, "could not allocate a pairing code")
}

// PairCompleteRequest carries a browser's attempt to consume a code.
// Account is non-nil when the caller presented a valid extension session.
type PairCompleteRequest struct {
	Code        string
	DeviceLabel string
	Account     *model.Account
	ClientIP    string
}

// PairCompleteResult is the full credential set issued to a new device.
type PairCompleteResult struct {
	AccessToken      string
	RefreshToken     string
	ExpiresIn        int
	DeviceID         string
	AgentID          string
	AgentDisplayName string
	TenantID         *string
}

// PairComplete consumes a pairing code and creates the device binding, the
// first refresh token, and the access token.
//
// The attempt counter is burned during the claim, before any freemium
// check: a plan refusal costs an attempt but keeps the code alive, so the
// same code succeeds after an upgrade.
func (s *CredentialService) PairComplete(ctx context.Context, req PairCompleteRequest) (*PairCompleteResult, error) {
	if req.Code == "" {
		return nil, model.Coded(model.CodeInvalidMessage, "code is required")
	}

	now := time.Now().UTC()
	ok, err := s.store.RateCheck(ctx, "pairing:"+req.ClientIP, s.cfg.PairingRateMax, s.cfg.PairingRateWindow, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, model.Coded(model.CodeRateLimited, "too many pairing requests")
	}

	_, agent, err := s.store.ClaimPairing(ctx, req.Code, now, s.cfg.PairingMaxAttempts)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return nil, model.Coded(model.CodePairingInvalid, "unknown pairing code")
		case errors.Is(err, repository.ErrPairingExpired):
			return nil, model.Coded(model.CodePairingExpired, "pairing code expired")
		case errors.Is(err, repository.ErrPairingAttempts):
			return nil, model.Coded(model.CodePairingAttemptsExceeded, "pairing code attempt budget spent")
		}
		return nil, err
	}

	var accountID *uuid.UUID
	if req.Account != nil {
		if err := s.checkPlanAllows(ctx, req.Account, agent.ID); err != nil {
			return nil, err
		}
		id := req.Account.ID
		accountID = &id
	}

	deviceID, err := identity.NewDeviceID()
	if err != nil {
		return nil, err
	}
	refreshPlain, refreshHash, err := identity.NewRefreshToken()
	if err != nil {
		return nil, err
	}

	device := &model.Device{
		ID:       deviceID,
		AgentID:  agent.ID,
		Label:    req.DeviceLabel,
		TenantID: agent.TenantID,
	}
	refresh := &model.RefreshToken{
		TokenHash: refreshHash,
		DeviceID:  deviceID,
		AgentID:   agent.ID,
		ExpiresAt: now.Add(s.cfg.RefreshTTL),
	}
	if err := s.store.RedeemPairing(ctx, req.Code, device, refresh, accountID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// A concurrent consumer won between claim and redeem.
			return nil, model.Coded(model.CodePairingInvalid, "pairing code already consumed")
		}
		return nil, err
	}

	tenant := ""
	if agent.TenantID != nil {
		tenant = *agent.TenantID
	}
	access, err := s.tokens.Issue(deviceID, agent.ID, tenant)
	if err != nil {
		return nil, err
	}

	s.appendAudit(ctx, deviceID, audit.ActionPairComplete, agent.ID, deviceID, map[string]string{
		"device_label": req.DeviceLabel,
	})
	s.logger.Info("device paired",
		zap.String("agent_id", agent.ID),
		zap.String("device_id", deviceID),
	)
	return &PairCompleteResult{
		AccessToken:      access,
		RefreshToken:     refreshPlain,
		ExpiresIn:        int(s.tokens.TTL().Seconds()),
		DeviceID:         deviceID,
		AgentID:          agent.ID,
		AgentDisplayName: agent.DisplayName,
		TenantID:         agent.TenantID,
	}, nil
}

// checkPlanAllows enforces the freemium wall: a free account may hold at
// most FreeAgentLimit distinct agent links. Re-pairing an already linked
// agent never counts against the limit.
func (s *CredentialService) checkPlanAllows(ctx context.Context, account *model.Account, agentID string) error {
	allowance := account.AgentAllowance(s.cfg.FreeAgentLimit)
	if allowance < 0 {
		return nil
	}
	linked, err := s.store.AgentLinked(ctx, account.ID, agentID)
	if err != nil {
		return err
	}
	if linked {
		return nil
	}
	n, err := s.store.CountAccountAgents(ctx, account.ID)
	if err != nil {
		return err
	}
	if n >= allowance {
		return model.Coded(model.CodeFreePlanLimit, "free plan allows one linked agent; upgrade to add more")
	}
	return nil
}

// RefreshResult is a rotated credential pair.
type RefreshResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int
}

// Refresh rotates a refresh token: the presented one is retired and a
// successor issued atomically, and a fresh access token minted. A retired
// token presented again fails exactly like an unknown one.
func (s *CredentialService) Refresh(ctx context.Context, refreshToken, clientIP string) (*RefreshResult, error) {
	if refreshToken == "" {
		return nil, model.Coded(model.CodeInvalidMessage, "refresh_token is required")
	}

	now := time.Now().UTC()
	ok, err := s.store.RateCheck(ctx, "refresh:"+clientIP, s.cfg.RefreshRateMax, s.cfg.RefreshRateWindow, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, model.Coded(model.CodeRateLimited, "too many refresh requests")
	}

	newPlain, newHash, err := identity.NewRefreshToken()
	if err != nil {
		return nil, err
	}
	prior, err := s.store.RotateRefreshToken(ctx, identity.HashToken(refreshToken), newHash, now.Add(s.cfg.RefreshTTL), now)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, model.Coded(model.CodeUnauthorized, "refresh token not recognized")
		}
		return nil, err
	}

	tenant := ""
	if device, derr := s.store.FindDeviceByID(ctx, prior.DeviceID); derr == nil && device.TenantID != nil {
		tenant = *device.TenantID
	}
	access, err := s.tokens.Issue(prior.DeviceID, prior.AgentID, tenant)
	if err != nil {
		return nil, err
	}

	s.appendAudit(ctx, prior.DeviceID, audit.ActionTokenRefresh, prior.AgentID, prior.DeviceID, nil)
	return &RefreshResult{
		AccessToken:  access,
		RefreshToken: newPlain,
		ExpiresIn:    int(s.tokens.TTL().Seconds()),
	}, nil
}

// Revoke retires a refresh token ahead of its expiry, ending the device's
// session chain once the current access token runs out. The outcome is
// identical for live, already-rotated, and never-issued tokens so the
// endpoint cannot be used to probe which tokens exist.
func (s *CredentialService) Revoke(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return model.Coded(model.CodeInvalidMessage, "refresh_token is required")
	}
	rt, err := s.store.DeleteRefreshToken(ctx, identity.HashToken(refreshToken))
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	s.appendAudit(ctx, rt.DeviceID, audit.ActionTokenRevoke, rt.AgentID, rt.DeviceID, nil)
	s.logger.Info("refresh token revoked",
		zap.String("agent_id", rt.AgentID),
		zap.String("device_id", rt.DeviceID),
	)
	return nil
}

// VerifyAgentSecret authenticates an agent WebSocket connection attempt.
// Unknown agents report AGENT_NOT_PAIRED so operators know to run pairing
// first; a wrong secret reports INVALID_CREDENTIALS.
func (s *CredentialService) VerifyAgentSecret(ctx context.Context, agentID, secret string) (*model.Agent, error) {
	if agentID == "" || secret == "" {
		return nil, model.Coded(model.CodeInvalidCredentials, "agent_id and secret are required")
	}
	agent, err := s.store.FindAgentByID(ctx, agentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, model.Coded(model.CodeAgentNotPaired, "agent is not registered with this relay")
		}
		return nil, err
	}
	if !s.secrets.Verify(agent.SecretHash, secret) {
		return nil, model.Coded(model.CodeInvalidCredentials, "agent credentials rejected")
	}
	return agent, nil
}

// AgentSummary is one row of the device-facing directory listing.
type AgentSummary struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"display_name"`
	Online      bool       `json:"online"`
	LastSeenAt  *time.Time `json:"last_seen_at,omitempty"`
}

// ListAgents returns the agents visible to one tenant group with a derived
// online flag. A nil tenantID lists the untenanted group only.
func (s *CredentialService) ListAgents(ctx context.Context, tenantID *string) ([]AgentSummary, error) {
	agents, err := s.store.ListAgentsByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	out := make([]AgentSummary, 0, len(agents))
	for _, a := range agents {
		out = append(out, AgentSummary{
			ID:          a.ID,
			DisplayName: a.DisplayName,
			Online:      a.Online(now),
			LastSeenAt:  a.LastSeenAt,
		})
	}
	return out, nil
}

// RecordTakeover writes the audit entry for an agent connection eviction.
// The router reports these; persistence stays out of its hot path.
func (s *CredentialService) RecordTakeover(ctx context.Context, agentID string) {
	s.appendAudit(ctx, agentID, audit.ActionAgentTakeover, agentID, "", nil)
}

// appendAudit writes to the audit chain in a non-fatal manner.
func (s *CredentialService) appendAudit(ctx context.Context, actor, action, agentID, deviceID string, payload any) {
	if s.auditLog == nil {
		return
	}
	if _, err := s.auditLog.Append(ctx, actor, action, agentID, deviceID, payload); err != nil {
		s.logger.Error("audit append failed (non-fatal)",
			zap.String("action", action),
			zap.String("agent_id", agentID),
			zap.Error(err),
		)
	}
}
