package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/olliecrow/quota_monitor/internal/secrets"
)

// LocalCredentialsKey is the secret-store key holding locally issued credentials.
const LocalCredentialsKey = "oauth_credentials"

type backend interface {
	load(ctx context.Context) (*Credentials, error)
	save(ctx context.Context, c *Credentials) error
	clear(ctx context.Context) error
}

// Store persists exactly one credential source. Writes are serialized and
// expiresAt never moves backwards across saves.
type Store struct {
	source  Source
	backend backend

	mu      sync.Mutex
	current *Credentials
}

// NewLocalStore keeps credentials sealed in a secret store.
func NewLocalStore(s secrets.Store) *Store {
	return &Store{source: SourceLocal, backend: &localBackend{secrets: s}}
}

// NewExternalStore reads and writes back a credential file owned by another tool.
func NewExternalStore(path string) *Store {
	return &Store{source: SourceExternal, backend: &fileBackend{path: path}}
}

func (s *Store) Source() Source { return s.source }

// Load returns the stored credentials or ErrNoCredentials. The external file
// is re-read on every call since its owner may rotate it.
func (s *Store) Load(ctx context.Context) (*Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && s.source == SourceLocal {
		return s.current.clone(), nil
	}
	c, err := s.backend.load(ctx)
	if err != nil {
		return nil, err
	}
	if s.current != nil && c.ExpiresAt.Before(s.current.ExpiresAt) && c.AccessToken == s.current.AccessToken {
		c.ExpiresAt = s.current.ExpiresAt
	}
	s.current = c
	return c.clone(), nil
}

func (s *Store) Save(ctx context.Context, c *Credentials) error {
	if c == nil || c.AccessToken == "" {
		return ErrEmptyAccessToken
	}
	next := c.clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && next.ExpiresAt.Before(s.current.ExpiresAt) {
		next.ExpiresAt = s.current.ExpiresAt
	}
	if err := s.backend.save(ctx, next); err != nil {
		return err
	}
	s.current = next
	return nil
}

// Replace overwrites the stored credentials in a single backend write,
// without carrying over the previous expiry. The old credentials stay in
// place if the write fails.
func (s *Store) Replace(ctx context.Context, c *Credentials) error {
	if c == nil || c.AccessToken == "" {
		return ErrEmptyAccessToken
	}
	next := c.clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.backend.save(ctx, next); err != nil {
		return err
	}
	s.current = next
	return nil
}

// Clear removes local credentials. For the external source only the cached
// copy is forgotten; the file belongs to its owner.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = nil
	return s.backend.clear(ctx)
}

type localBackend struct {
	secrets secrets.Store
}

func (b *localBackend) load(ctx context.Context) (*Credentials, error) {
	raw, err := b.secrets.Get(ctx, LocalCredentialsKey)
	if errors.Is(err, secrets.ErrNotFound) {
		return nil, ErrNoCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	var c Credentials
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	if c.AccessToken == "" {
		return nil, ErrNoCredentials
	}
	return &c, nil
}

func (b *localBackend) save(ctx context.Context, c *Credentials) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if err := b.secrets.Set(ctx, LocalCredentialsKey, raw); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}

func (b *localBackend) clear(ctx context.Context) error {
	return b.secrets.Delete(ctx, LocalCredentialsKey)
}
