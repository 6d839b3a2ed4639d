package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
)

const externalEntryKey = "claudeAiOauth"

// fileBackend reads the credential file maintained by the Claude CLI:
//
//	{"claudeAiOauth": {"accessToken": "...", "refreshToken": "...",
//	  "expiresAt": 1767225600000, "subscriptionType": "max", ...}}
type fileBackend struct {
	path string
}

type externalEntry struct {
	AccessToken      string `json:"accessToken"`
	RefreshToken     string `json:"refreshToken"`
	ExpiresAt        int64  `json:"expiresAt"`
	SubscriptionType string `json:"subscriptionType,omitempty"`
	RateLimitTier    string `json:"rateLimitTier,omitempty"`
}

func (b *fileBackend) load(context.Context) (*Credentials, error) {
	raw, err := os.ReadFile(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", b.path, err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", b.path, err)
	}
	entryRaw, ok := doc[externalEntryKey]
	if !ok {
		return nil, ErrNoCredentials
	}
	var entry externalEntry
	if err := json.Unmarshal(entryRaw, &entry); err != nil {
		return nil, fmt.Errorf("parse %s entry: %w", externalEntryKey, err)
	}
	if entry.AccessToken == "" {
		return nil, ErrNoCredentials
	}
	c := &Credentials{
		AccessToken:  entry.AccessToken,
		RefreshToken: entry.RefreshToken,
		PlanTier:     entry.SubscriptionType,
	}
	if entry.ExpiresAt > 0 {
		c.ExpiresAt = time.UnixMilli(entry.ExpiresAt).UTC()
	}
	return c, nil
}

// save merges the refreshed tokens into the existing entry so fields this
// program does not know about survive the write.
func (b *fileBackend) save(_ context.Context, c *Credentials) error {
	doc := map[string]json.RawMessage{}
	if raw, err := os.ReadFile(b.path); err == nil {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("parse %s: %w", b.path, err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("read %s: %w", b.path, err)
	}

	entry := map[string]any{}
	if raw, ok := doc[externalEntryKey]; ok {
		if err := json.Unmarshal(raw, &entry); err != nil {
			return fmt.Errorf("parse %s entry: %w", externalEntryKey, err)
		}
	}
	entry["accessToken"] = c.AccessToken
	if c.RefreshToken != "" {
		entry["refreshToken"] = c.RefreshToken
	}
	if !c.ExpiresAt.IsZero() {
		entry["expiresAt"] = c.ExpiresAt.UnixMilli()
	}
	entryRaw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	doc[externalEntryKey] = entryRaw

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return err
	}
	return renameio.WriteFile(b.path, out, 0o600)
}

func (b *fileBackend) clear(context.Context) error {
	return nil
}
