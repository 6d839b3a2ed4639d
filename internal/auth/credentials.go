// Package auth owns the OAuth credential pair used against the usage
// endpoint: where it is stored, how it is refreshed, and how a first pair is
// obtained through the authorization-code flow.
package auth

import (
	"errors"
	"time"
)

var (
	ErrNoCredentials    = errors.New("no credentials stored")
	ErrNoRefreshToken   = errors.New("credentials carry no refresh token")
	ErrEmptyAccessToken = errors.New("access token is empty")
	ErrExternalSource   = errors.New("operation not supported for externally managed credentials")
	ErrLoginNotStarted  = errors.New("no login in progress")
	ErrLoginExpired     = errors.New("login attempt expired")
	ErrStateMismatch    = errors.New("authorization state mismatch")
)

// Source selects which backend the store reads. The two are never mixed.
type Source string

const (
	SourceLocal    Source = "local"
	SourceExternal Source = "external"
)

func ParseSource(s string) (Source, error) {
	switch Source(s) {
	case SourceLocal, SourceExternal:
		return Source(s), nil
	case "":
		return SourceLocal, nil
	default:
		return "", errors.New("unknown credential source " + s + " (want local or external)")
	}
}

type Credentials struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	AccountID    string    `json:"account_id,omitempty"`
	Email        string    `json:"email,omitempty"`
	PlanTier     string    `json:"plan_tier,omitempty"`
}

// NeedsRefresh reports whether the access token expires within buffer of now.
// A zero expiry is treated as non-expiring.
func (c *Credentials) NeedsRefresh(now time.Time, buffer time.Duration) bool {
	if c == nil || c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(buffer).Before(c.ExpiresAt)
}

func (c *Credentials) clone() *Credentials {
	if c == nil {
		return nil
	}
	out := *c
	return &out
}

// UserInfo is the presentation-safe view of the stored credentials.
type UserInfo struct {
	Source          Source    `json:"source"`
	AccountID       string    `json:"account_id,omitempty"`
	Email           string    `json:"email,omitempty"`
	PlanTier        string    `json:"plan_tier,omitempty"`
	ExpiresAt       time.Time `json:"expires_at"`
	Expired         bool      `json:"expired"`
	HasRefreshToken bool      `json:"has_refresh_token"`
}
