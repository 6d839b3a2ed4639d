package secrets

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	sealVersion = 1
	saltSize    = 16
)

// ErrCorrupt is returned when a sealed value cannot be authenticated.
var ErrCorrupt = errors.New("sealed secret is corrupt or the passphrase is wrong")

// Sealer encrypts values before they reach a backend.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// PassphraseSealer derives a per-value key with argon2id and seals with
// XChaCha20-Poly1305. Layout: version | salt | nonce | ciphertext.
type PassphraseSealer struct {
	passphrase []byte
	time       uint32
	memoryKiB  uint32
	threads    uint8

	mu       sync.Mutex
	lastSalt []byte
	lastKey  []byte
}

type SealerOption func(*PassphraseSealer)

// WithArgon2Params overrides the key derivation cost.
func WithArgon2Params(time, memoryKiB uint32, threads uint8) SealerOption {
	return func(s *PassphraseSealer) {
		s.time = time
		s.memoryKiB = memoryKiB
		s.threads = threads
	}
}

func NewPassphraseSealer(passphrase string, opts ...SealerOption) *PassphraseSealer {
	s := &PassphraseSealer{
		passphrase: []byte(passphrase),
		time:       1,
		memoryKiB:  64 * 1024,
		threads:    4,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *PassphraseSealer) Seal(plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("seal: generate salt: %w", err)
	}
	aead, err := chacha20poly1305.NewX(s.key(salt))
	if err != nil {
		return nil, fmt.Errorf("seal: init cipher: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("seal: generate nonce: %w", err)
	}

	header := make([]byte, 0, 1+saltSize+len(nonce))
	header = append(header, sealVersion)
	header = append(header, salt...)
	header = append(header, nonce...)
	ad := append([]byte(nil), header[:1+saltSize]...)
	return aead.Seal(header, nonce, plaintext, ad), nil
}

func (s *PassphraseSealer) Open(sealed []byte) ([]byte, error) {
	headerSize := 1 + saltSize + chacha20poly1305.NonceSizeX
	if len(sealed) < headerSize+chacha20poly1305.Overhead || sealed[0] != sealVersion {
		return nil, ErrCorrupt
	}
	salt := sealed[1 : 1+saltSize]
	nonce := sealed[1+saltSize : headerSize]

	aead, err := chacha20poly1305.NewX(s.key(salt))
	if err != nil {
		return nil, fmt.Errorf("open: init cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, sealed[headerSize:], sealed[:1+saltSize])
	if err != nil {
		return nil, ErrCorrupt
	}
	return plaintext, nil
}

// key remembers only the most recent derivation. A sealed value is usually
// read back with the salt it was just written with; argon2id is slow.
func (s *PassphraseSealer) key(salt []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastKey != nil && bytes.Equal(s.lastSalt, salt) {
		return s.lastKey
	}
	k := argon2.IDKey(s.passphrase, salt, s.time, s.memoryKiB, s.threads, chacha20poly1305.KeySize)
	s.lastSalt = append([]byte(nil), salt...)
	s.lastKey = k
	return k
}
