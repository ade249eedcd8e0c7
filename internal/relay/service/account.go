package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/agentwire/relay/internal/identity"
	"github.com/agentwire/relay/internal/relay/model"
	"github.com/agentwire/relay/internal/relay/repository"
)

const defaultUserinfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

// defaultSessionTTL is how long an extension session lives. Extensions
// silently re-authenticate with a fresh provider token, so this stays
// short.
const defaultSessionTTL = 8 * time.Hour

// accountStore is the persistence interface for the account service.
// *repository.Store satisfies it.
type accountStore interface {
	CreateAccount(ctx context.Context, a *model.Account) error
	FindAccountByEmail(ctx context.Context, email string) (*model.Account, error)
	UpsertSession(ctx context.Context, accountID uuid.UUID, tokenHash string, expiresAt time.Time) error
	ResolveSession(ctx context.Context, tokenHash string, now time.Time) (*model.Account, error)
	CountAccountAgents(ctx context.Context, accountID uuid.UUID) (int, error)
	ListAccountAgents(ctx context.Context, accountID uuid.UUID) ([]string, error)
	ReplaceAccountAgents(ctx context.Context, accountID uuid.UUID, agentIDs []string) error
}

// AccountService owns extension accounts and their sessions. Accounts are
// identity-lite: an email, a provider label, and a plan.
type AccountService struct {
	store       accountStore
	sessionTTL  time.Duration
	freeLimit   int
	userinfoURL string
	logger      *zap.Logger
}

// NewAccountService creates an AccountService. A zero freeLimit defaults
// to 1.
func NewAccountService(store accountStore, freeLimit int, logger *zap.Logger) *AccountService {
	if freeLimit == 0 {
		freeLimit = 1
	}
	return &AccountService{
		store:       store,
		sessionTTL:  defaultSessionTTL,
		freeLimit:   freeLimit,
		userinfoURL: defaultUserinfoURL,
		logger:      logger,
	}
}

// SetUserinfoURL overrides the Google userinfo endpoint. Tests point this at
// a local stub.
func (s *AccountService) SetUserinfoURL(u string) { s.userinfoURL = u }

// SetSessionTTL overrides the extension session lifetime.
func (s *AccountService) SetSessionTTL(ttl time.Duration) {
	if ttl > 0 {
		s.sessionTTL = ttl
	}
}

// AuthResult is a fresh extension session.
type AuthResult struct {
	SessionToken string
	ExpiresAt    time.Time
	Account      *model.Account
}

// AuthGoogle validates a Google OAuth access token against the userinfo
// endpoint and signs the owning email in.
func (s *AccountService) AuthGoogle(ctx context.Context, accessToken string) (*AuthResult, error) {
	if accessToken == "" {
		return nil, model.Coded(model.CodeInvalidCredentials, "access_token is required")
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
	client := oauth2.NewClient(ctx, ts)
	client.Timeout = 10 * time.Second

	resp, err := client.Get(s.userinfoURL)
	if err != nil {
		return nil, fmt.Errorf("google userinfo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, model.Coded(model.CodeInvalidCredentials, "google rejected the access token")
	}

	var info struct {
		Email         string `json:"email"`
		VerifiedEmail bool   `json:"verified_email"`
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read userinfo: %w", err)
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decode userinfo: %w", err)
	}
	if info.Email == "" || !info.VerifiedEmail {
		return nil, model.Coded(model.CodeInvalidCredentials, "google account has no verified email")
	}

	return s.signIn(ctx, info.Email, "google")
}

// AuthChromeProfile signs in with a Chrome profile assertion: an email the
// extension reads from the signed-in browser profile. Weaker than OAuth by
// design; it gates plan limits, not message delivery.
func (s *AccountService) AuthChromeProfile(ctx context.Context, email, profileID string) (*AuthResult, error) {
	email = normalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, model.Coded(model.CodeInvalidCredentials, "a profile email is required")
	}
	if profileID == "" {
		return nil, model.Coded(model.CodeInvalidCredentials, "profile_id is required")
	}
	s.logger.Debug("chrome profile auth", zap.String("profile_id", profileID))
	return s.signIn(ctx, email, "chrome-profile")
}

func (s *AccountService) signIn(ctx context.Context, email, provider string) (*AuthResult, error) {
	account, err := s.findOrCreate(ctx, normalizeEmail(email), provider)
	if err != nil {
		return nil, err
	}

	plain, digest, err := identity.NewSessionToken()
	if err != nil {
		return nil, err
	}
	expiresAt := time.Now().UTC().Add(s.sessionTTL)
	if err := s.store.UpsertSession(ctx, account.ID, digest, expiresAt); err != nil {
		return nil, err
	}

	s.logger.Info("extension signed in",
		zap.String("provider", provider),
		zap.String("account_id", account.ID.String()),
	)
	return &AuthResult{SessionToken: plain, ExpiresAt: expiresAt, Account: account}, nil
}

func (s *AccountService) findOrCreate(ctx context.Context, email, provider string) (*model.Account, error) {
	account, err := s.store.FindAccountByEmail(ctx, email)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	account = &model.Account{
		ID:       uuid.New(),
		Email:    email,
		Provider: provider,
		Plan:     model.PlanFree,
	}
	cerr := s.store.CreateAccount(ctx, account)
	if cerr == nil {
		return account, nil
	}
	if errors.Is(cerr, repository.ErrDuplicate) {
		// Lost a signup race; the other writer's row wins.
		return s.store.FindAccountByEmail(ctx, email)
	}
	return nil, cerr
}

// ResolveSession returns the account behind a presented session token.
func (s *AccountService) ResolveSession(ctx context.Context, token string) (*model.Account, error) {
	if token == "" {
		return nil, model.Coded(model.CodeUnauthorized, "session token required")
	}
	account, err := s.store.ResolveSession(ctx, identity.HashToken(token), time.Now().UTC())
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, model.Coded(model.CodeUnauthorized, "session expired or unknown")
		}
		return nil, err
	}
	return account, nil
}

// MeResult is the account profile the extension renders.
type MeResult struct {
	Account      *model.Account
	LinkedAgents []string
	AgentLimit   int // negative = unlimited
}

// Me returns the signed-in account with its plan usage.
func (s *AccountService) Me(ctx context.Context, account *model.Account) (*MeResult, error) {
	linked, err := s.store.ListAccountAgents(ctx, account.ID)
	if err != nil {
		return nil, err
	}
	return &MeResult{
		Account:      account,
		LinkedAgents: linked,
		AgentLimit:   account.AgentAllowance(s.freeLimit),
	}, nil
}

// SyncAgents replaces the account's linked-agent set with the extension's
// local list, enforcing the plan allowance on the final set.
func (s *AccountService) SyncAgents(ctx context.Context, account *model.Account, agentIDs []string) ([]string, error) {
	deduped := dedupeStrings(agentIDs)
	if allowance := account.AgentAllowance(s.freeLimit); allowance >= 0 && len(deduped) > allowance {
		return nil, model.Coded(model.CodeFreePlanLimit, "free plan allows one linked agent; upgrade to sync more")
	}
	if err := s.store.ReplaceAccountAgents(ctx, account.ID, deduped); err != nil {
		return nil, err
	}
	return deduped, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
