// Package credentials resolves provider API keys by provider_id.
package credentials

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/gonzaloobispo/Bioengine-v3/internal/storage"
)

// Store looks up the credential for a provider. A missing or empty credential
// reports ok=false.
type Store interface {
	Lookup(providerID string) (credential string, ok bool)
}

// MapStore is a mutable in-memory Store. The zero value is not usable; call NewMapStore.
type MapStore struct {
	mu    sync.RWMutex
	creds map[string]string
}

func NewMapStore(creds map[string]string) *MapStore {
	m := &MapStore{creds: make(map[string]string, len(creds))}
	for k, v := range creds {
		m.creds[k] = v
	}
	return m
}

func (m *MapStore) Lookup(providerID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.creds[providerID]
	return v, ok && v != ""
}

// Set replaces the credential for providerID. An empty value removes it.
func (m *MapStore) Set(providerID, credential string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if credential == "" {
		delete(m.creds, providerID)
		return
	}
	m.creds[providerID] = credential
}

// EnvStore reads <PROVIDER_ID>_API_KEY from the environment on every lookup,
// so rotated keys are picked up without a restart.
type EnvStore struct {
	// Overrides maps provider_id to a custom variable name.
	Overrides map[string]string
}

// EnvVar returns the variable consulted for providerID.
func (e EnvStore) EnvVar(providerID string) string {
	if name, ok := e.Overrides[providerID]; ok {
		return name
	}
	return strings.ToUpper(strings.ReplaceAll(providerID, "-", "_")) + "_API_KEY"
}

func (e EnvStore) Lookup(providerID string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(e.EnvVar(providerID)))
	return v, v != ""
}

// EncryptedStore holds AES-GCM sealed credentials and decrypts them on lookup.
type EncryptedStore struct {
	enc    *storage.Encryption
	sealed map[string]string
}

// NewEncryptedStore wraps sealed credentials (provider_id -> base64 ciphertext).
func NewEncryptedStore(enc *storage.Encryption, sealed map[string]string) *EncryptedStore {
	return &EncryptedStore{enc: enc, sealed: sealed}
}

// LoadEncryptedFile reads a YAML document mapping provider_id to ciphertext.
func LoadEncryptedFile(path string, enc *storage.Encryption) (*EncryptedStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}
	sealed := map[string]string{}
	if err := yaml.Unmarshal(data, &sealed); err != nil {
		return nil, fmt.Errorf("failed to parse credentials file %s: %w", path, err)
	}
	store := NewEncryptedStore(enc, sealed)
	for id := range sealed {
		if _, err := store.decrypt(id); err != nil {
			return nil, fmt.Errorf("credential for %s: %w", id, err)
		}
	}
	return store, nil
}

func (s *EncryptedStore) Lookup(providerID string) (string, bool) {
	v, err := s.decrypt(providerID)
	if err != nil {
		return "", false
	}
	return v, v != ""
}

func (s *EncryptedStore) decrypt(providerID string) (string, error) {
	sealed, ok := s.sealed[providerID]
	if !ok || sealed == "" {
		return "", nil
	}
	return s.enc.DecryptString(sealed)
}

// Chain consults stores in order and returns the first credential found.
type Chain []Store

func (c Chain) Lookup(providerID string) (string, bool) {
	for _, s := range c {
		if v, ok := s.Lookup(providerID); ok {
			return v, true
		}
	}
	return "", false
}
