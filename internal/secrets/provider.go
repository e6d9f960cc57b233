package secrets

import (
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/wizzle/wizzled/internal/apperr"
	"golang.org/x/crypto/argon2"
)

const (
	keyTag  = "wizzle.encryptionKey"
	saltTag = "wizzle.encryptionSalt"

	// KeySize is the symmetric key length: 256 bits for AES-256-GCM.
	KeySize = 32

	saltSize = 16
)

// argon2id parameters for the passphrase-derived key mode.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// KeyProvider supplies the device's stable 256-bit encryption key, creating
// and persisting one on first use. By default the key is random; with
// WithPassphrase it is derived via argon2id from the passphrase and a
// persisted random salt.
type KeyProvider struct {
	store      Store
	passphrase []byte

	mu     sync.Mutex
	cached []byte
}

// Option configures a KeyProvider.
type Option func(*KeyProvider)

// WithPassphrase switches the provider to passphrase-derived keys. The same
// passphrase on the same device always yields the same key.
func WithPassphrase(pass string) Option {
	return func(p *KeyProvider) {
		p.passphrase = []byte(pass)
	}
}

// NewKeyProvider creates a key provider over the given secret store.
func NewKeyProvider(store Store, opts ...Option) *KeyProvider {
	p := &KeyProvider{store: store}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// FetchOrCreateKey returns the device key, generating and persisting one on
// first use. All failures wrap apperr.ErrKeyUnavailable: without a key every
// encryption operation is fatal.
func (p *KeyProvider) FetchOrCreateKey() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != nil {
		return p.cached, nil
	}

	var key []byte
	var err error
	if p.passphrase != nil {
		key, err = p.deriveKey()
	} else {
		key, err = p.randomKey()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperr.ErrKeyUnavailable, err)
	}
	p.cached = key
	return key, nil
}

// ResetKey removes the stored key material. Subsequent FetchOrCreateKey
// calls generate a fresh key, which leaves previously encrypted records
// undecryptable. That is the documented consequence of a device wipe, not
// an error; records decrypt-fail and are skipped on load.
func (p *KeyProvider) ResetKey() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cached = nil
	if err := p.store.Remove(keyTag); err != nil {
		return fmt.Errorf("reset key: %w", err)
	}
	if err := p.store.Remove(saltTag); err != nil {
		return fmt.Errorf("reset salt: %w", err)
	}
	return nil
}

func (p *KeyProvider) randomKey() ([]byte, error) {
	existing, err := p.store.Get(keyTag)
	if err != nil {
		return nil, err
	}
	if len(existing) == KeySize {
		return existing, nil
	}

	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := p.store.Set(keyTag, key); err != nil {
		return nil, err
	}
	return key, nil
}

func (p *KeyProvider) deriveKey() ([]byte, error) {
	salt, err := p.store.Get(saltTag)
	if err != nil {
		return nil, err
	}
	if len(salt) != saltSize {
		salt = make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, err
		}
		if err := p.store.Set(saltTag, salt); err != nil {
			return nil, err
		}
	}
	return argon2.IDKey(p.passphrase, salt, argonTime, argonMemory, argonThreads, KeySize), nil
}
