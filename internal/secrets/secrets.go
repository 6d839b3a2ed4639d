// Package secrets stores small opaque values (credential blobs) behind a
// backend-agnostic interface. Backends seal values at rest with a Sealer.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// ErrNotFound is returned by Get when the key holds no value.
var ErrNotFound = errors.New("secret not found")

// Store is the capability the credential store depends on.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,128}$`)

func validateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("invalid secret key %q", key)
	}
	return nil
}
