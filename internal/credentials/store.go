// Package credentials provides secret storage behind a pluggable interface
package credentials

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bernsteinhq/bernstein/internal/logging"
	"github.com/rs/zerolog"
	gokeyring "github.com/zalando/go-keyring"
)

const serviceName = "bernstein"

// ErrSecretNotFound is returned when no secret exists for a secret_ref.
var ErrSecretNotFound = errors.New("secret not found")

// SecretStore is the capability the engine needs from a secret backend.
type SecretStore interface {
	Set(secretRef, secret string) error
	Get(secretRef string) (string, error)
	Delete(secretRef string) error
}

// KeyringStore stores secrets in the OS keyring. A process-wide
// read-through/write-through cache keeps each secret in memory after the
// first read, so background sync cycles do not re-trigger keychain
// prompts.
type KeyringStore struct {
	mu    sync.Mutex
	cache map[string]string
	log   zerolog.Logger
}

// NewKeyringStore creates a keyring-backed secret store
func NewKeyringStore() *KeyringStore {
	return &KeyringStore{
		cache: make(map[string]string),
		log:   logging.WithComponent("credentials"),
	}
}

// Set stores a secret in the keyring and updates the cache.
func (s *KeyringStore) Set(secretRef, secret string) error {
	if err := gokeyring.Set(serviceName, secretRef, secret); err != nil {
		return fmt.Errorf("failed to store secret: %w", err)
	}

	s.mu.Lock()
	s.cache[secretRef] = secret
	s.mu.Unlock()

	s.log.Debug().Str("secretRef", secretRef).Msg("Secret stored in OS keyring")
	return nil
}

// Get retrieves a secret, serving from the cache when possible.
func (s *KeyringStore) Get(secretRef string) (string, error) {
	s.mu.Lock()
	if cached, ok := s.cache[secretRef]; ok {
		s.mu.Unlock()
		return cached, nil
	}
	s.mu.Unlock()

	secret, err := gokeyring.Get(serviceName, secretRef)
	if err == gokeyring.ErrNotFound {
		return "", ErrSecretNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read secret: %w", err)
	}

	s.mu.Lock()
	s.cache[secretRef] = secret
	s.mu.Unlock()

	return secret, nil
}

// Delete removes a secret from the keyring and the cache.
func (s *KeyringStore) Delete(secretRef string) error {
	s.mu.Lock()
	delete(s.cache, secretRef)
	s.mu.Unlock()

	err := gokeyring.Delete(serviceName, secretRef)
	if err == gokeyring.ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete secret: %w", err)
	}
	return nil
}

// MemoryStore keeps secrets in memory only. Used by tests and available
// as a last-resort backend when no keyring is present.
type MemoryStore struct {
	mu      sync.Mutex
	secrets map[string]string
}

// NewMemoryStore creates an in-memory secret store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{secrets: make(map[string]string)}
}

// Set stores a secret in memory.
func (s *MemoryStore) Set(secretRef, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[secretRef] = secret
	return nil
}

// Get retrieves a secret from memory.
func (s *MemoryStore) Get(secretRef string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	secret, ok := s.secrets[secretRef]
	if !ok {
		return "", ErrSecretNotFound
	}
	return secret, nil
}

// Delete removes a secret from memory.
func (s *MemoryStore) Delete(secretRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.secrets, secretRef)
	return nil
}
