package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const loginTTL = 10 * time.Minute

type pendingLogin struct {
	state     string
	verifier  string
	expiresAt time.Time
}

// LoginRequest is what the user needs to complete the authorization step.
type LoginRequest struct {
	URL       string    `json:"url"`
	State     string    `json:"state"`
	ExpiresAt time.Time `json:"expires_at"`
}

// StartLogin begins a PKCE authorization-code flow. Only the local source
// can log in; the external source is managed by another tool.
func (m *Manager) StartLogin() (*LoginRequest, error) {
	if m.store.Source() != SourceLocal {
		return nil, ErrExternalSource
	}
	p := &pendingLogin{
		state:     uuid.NewString(),
		verifier:  oauth2.GenerateVerifier(),
		expiresAt: m.clock.Now().Add(loginTTL),
	}
	url := m.oauth.AuthCodeURL(p.state,
		oauth2.S256ChallengeOption(p.verifier),
		oauth2.SetAuthURLParam("code", "true"),
	)

	m.loginMu.Lock()
	m.pending = p
	m.loginMu.Unlock()
	return &LoginRequest{URL: url, State: p.state, ExpiresAt: p.expiresAt}, nil
}

// SubmitAuthorizationCode exchanges the pasted code for credentials. The
// code may carry the state as a "#state" suffix, which is then verified.
func (m *Manager) SubmitAuthorizationCode(ctx context.Context, input string) (*Credentials, error) {
	m.loginMu.Lock()
	p := m.pending
	m.loginMu.Unlock()
	if p == nil {
		return nil, ErrLoginNotStarted
	}
	if m.clock.Now().After(p.expiresAt) {
		m.clearPending(p)
		return nil, ErrLoginExpired
	}

	code, state, hasState := strings.Cut(strings.TrimSpace(input), "#")
	if code == "" {
		return nil, fmt.Errorf("authorization code is empty")
	}
	if hasState && state != p.state {
		return nil, ErrStateMismatch
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	tok, err := m.oauth.Exchange(ctx, code,
		oauth2.VerifierOption(p.verifier),
		oauth2.SetAuthURLParam("state", p.state),
	)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	creds, err := m.credentialsFromToken(tok, nil)
	if err != nil {
		return nil, err
	}
	// A fresh login replaces whatever was stored, including its expiry.
	if err := m.store.Replace(ctx, creds); err != nil {
		return nil, fmt.Errorf("persist credentials: %w", err)
	}
	m.clearPending(p)
	m.log.Info("login complete", zap.String("account", creds.AccountID))
	return creds.clone(), nil
}

func (m *Manager) clearPending(p *pendingLogin) {
	m.loginMu.Lock()
	defer m.loginMu.Unlock()
	if m.pending == p {
		m.pending = nil
	}
}
