package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/olliecrow/quota_monitor/internal/metrics"
)

const (
	// RefreshBuffer is how long before expiry a token is already treated as stale.
	RefreshBuffer = 5 * time.Minute

	refreshTimeout = 30 * time.Second
	refreshKey     = "refresh"
)

// OAuthConfig describes the public client used for login and refresh.
type OAuthConfig struct {
	ClientID     string
	AuthorizeURL string
	TokenURL     string
	RedirectURI  string
	Scopes       []string
}

func (c OAuthConfig) oauth2Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID: c.ClientID,
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.AuthorizeURL,
			TokenURL:  c.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: c.RedirectURI,
		Scopes:      c.Scopes,
	}
}

type Options struct {
	Store      *Store
	OAuth      OAuthConfig
	HTTPClient *http.Client
	Clock      clockwork.Clock
	Logger     *zap.Logger
	// OnRefreshFailed runs after every failed refresh exchange.
	OnRefreshFailed func(error)
}

// Manager is the token refresh engine in front of a Store. Concurrent
// refreshes share one in-flight exchange.
type Manager struct {
	store      *Store
	oauth      *oauth2.Config
	httpClient *http.Client
	clock      clockwork.Clock
	log        *zap.Logger
	onFailure  func(error)

	group singleflight.Group

	loginMu sync.Mutex
	pending *pendingLogin
}

func NewManager(opts Options) *Manager {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: refreshTimeout}
	}
	return &Manager{
		store:      opts.Store,
		oauth:      opts.OAuth.oauth2Config(),
		httpClient: client,
		clock:      clock,
		log:        log,
		onFailure:  opts.OnRefreshFailed,
	}
}

func (m *Manager) Source() Source { return m.store.Source() }

// ValidCredentials returns credentials that are not about to expire,
// refreshing first when needed. If the refresh fails the stale credentials
// are returned so the caller can still try one request with them.
func (m *Manager) ValidCredentials(ctx context.Context) (*Credentials, error) {
	creds, err := m.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if !creds.NeedsRefresh(m.clock.Now(), RefreshBuffer) {
		return creds, nil
	}
	refreshed, err := m.Refresh(ctx)
	if err != nil {
		m.log.Debug("using stale credentials after failed refresh", zap.Error(err))
		return creds, nil
	}
	return refreshed, nil
}

// Refresh exchanges the stored refresh token for a new pair. Callers that
// arrive while an exchange is running wait for it instead of starting another.
// On failure the stored credentials are left untouched and returned with the
// error when available.
func (m *Manager) Refresh(ctx context.Context) (*Credentials, error) {
	ch := m.group.DoChan(refreshKey, func() (any, error) {
		// Detached so one caller's cancellation does not fail the others.
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		creds, err := m.refresh(runCtx)
		return creds, err
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		creds, _ := res.Val.(*Credentials)
		return creds.clone(), res.Err
	}
}

func (m *Manager) refresh(ctx context.Context) (*Credentials, error) {
	current, err := m.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if current.RefreshToken == "" {
		return current, m.refreshFailed(ErrNoRefreshToken)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	// An empty access token forces the token source to hit the token endpoint.
	tok, err := m.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: current.RefreshToken}).Token()
	if err != nil {
		return current, m.refreshFailed(fmt.Errorf("refresh token exchange: %w", err))
	}
	next, err := m.credentialsFromToken(tok, current)
	if err != nil {
		return current, m.refreshFailed(err)
	}
	if err := m.store.Save(ctx, next); err != nil {
		return current, m.refreshFailed(fmt.Errorf("persist refreshed credentials: %w", err))
	}
	metrics.TokenRefreshTotal.WithLabelValues("success").Inc()
	m.log.Info("access token refreshed", zap.Time("expires_at", next.ExpiresAt))
	return m.store.Load(ctx)
}

func (m *Manager) refreshFailed(err error) error {
	metrics.TokenRefreshTotal.WithLabelValues("failure").Inc()
	m.log.Warn("token refresh failed", zap.Error(err))
	if m.onFailure != nil {
		m.onFailure(err)
	}
	return err
}

// credentialsFromToken requires both tokens in the response itself; the
// oauth2 package would otherwise silently carry the old refresh token over.
func (m *Manager) credentialsFromToken(tok *oauth2.Token, previous *Credentials) (*Credentials, error) {
	if tok.AccessToken == "" {
		return nil, errors.New("token response missing access_token")
	}
	refreshToken, _ := tok.Extra("refresh_token").(string)
	if refreshToken == "" {
		return nil, errors.New("token response missing refresh_token")
	}
	next := &Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    tok.Expiry.UTC(),
	}
	if tok.Expiry.IsZero() {
		if secs, ok := expiresIn(tok); ok {
			next.ExpiresAt = m.clock.Now().Add(time.Duration(secs) * time.Second).UTC()
		}
	}
	if previous != nil {
		next.AccountID = previous.AccountID
		next.Email = previous.Email
		next.PlanTier = previous.PlanTier
	}
	applyAccount(next, tok)
	return next, nil
}

func expiresIn(tok *oauth2.Token) (int64, bool) {
	switch v := tok.Extra("expires_in").(type) {
	case float64:
		return int64(v), v > 0
	case int64:
		return v, v > 0
	default:
		return 0, false
	}
}

// applyAccount copies the optional account block some token responses carry.
func applyAccount(c *Credentials, tok *oauth2.Token) {
	if account, ok := tok.Extra("account").(map[string]any); ok {
		if id, ok := account["uuid"].(string); ok && id != "" {
			c.AccountID = id
		}
		if email, ok := account["email_address"].(string); ok && email != "" {
			c.Email = email
		}
	}
	if org, ok := tok.Extra("organization").(map[string]any); ok {
		if tier, ok := org["rate_limit_tier"].(string); ok && tier != "" {
			c.PlanTier = tier
		}
	}
}

// AccessToken implements usage.TokenProvider.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	creds, err := m.ValidCredentials(ctx)
	if err != nil {
		return "", err
	}
	return creds.AccessToken, nil
}

// RefreshAccessToken implements usage.TokenProvider. It is used after the
// usage endpoint rejected the current token, so failures are returned.
func (m *Manager) RefreshAccessToken(ctx context.Context) (string, error) {
	creds, err := m.Refresh(ctx)
	if err != nil {
		return "", err
	}
	return creds.AccessToken, nil
}

func (m *Manager) HasCredentials(ctx context.Context) bool {
	_, err := m.store.Load(ctx)
	return err == nil
}

func (m *Manager) UserInfo(ctx context.Context) (*UserInfo, error) {
	creds, err := m.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	return &UserInfo{
		Source:          m.store.Source(),
		AccountID:       creds.AccountID,
		Email:           creds.Email,
		PlanTier:        creds.PlanTier,
		ExpiresAt:       creds.ExpiresAt,
		Expired:         creds.NeedsRefresh(m.clock.Now(), 0),
		HasRefreshToken: creds.RefreshToken != "",
	}, nil
}

// Logout destroys locally issued credentials and any pending login. For the
// external source it only drops the cached copy.
func (m *Manager) Logout(ctx context.Context) error {
	m.loginMu.Lock()
	m.pending = nil
	m.loginMu.Unlock()
	if err := m.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	m.log.Info("logged out", zap.String("source", string(m.store.Source())))
	return nil
}
