package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
)

// EnvKeyPrefix names the master key variables: MASTER_ENCRYPTION_KEY holds
// version 1, MASTER_ENCRYPTION_KEY_V2..V10 hold later versions.
const EnvKeyPrefix = "MASTER_ENCRYPTION_KEY"

const maxVersion = 10

var (
	ErrKeyNotFound  = errors.New("encryption key not found")
	ErrKeyNotLoaded = errors.New("keyring not initialized")
)

// Keyring seals with the newest loaded key and opens with whichever version
// the ciphertext names, which lets keys rotate without a flag day.
type Keyring struct {
	mu      sync.RWMutex
	current int
	sealers map[int]*sealer
}

// NewKeyringFromEnv loads keys from the process environment.
func NewKeyringFromEnv() (*Keyring, error) {
	return NewKeyring(os.Getenv)
}

// NewKeyring loads base64 keys through lookup. Version 1 is required.
func NewKeyring(lookup func(string) string) (*Keyring, error) {
	kr := &Keyring{sealers: make(map[int]*sealer)}
	if err := kr.load(1, lookup(EnvKeyPrefix)); err != nil {
		return nil, fmt.Errorf("load primary key: %w", err)
	}
	for v := 2; v <= maxVersion; v++ {
		name := fmt.Sprintf("%s_V%d", EnvKeyPrefix, v)
		raw := lookup(name)
		if raw == "" {
			continue
		}
		if err := kr.load(v, raw); err != nil {
			return nil, fmt.Errorf("load %s: %w", name, err)
		}
	}
	return kr, nil
}

// NewKeyringFromKeys builds a keyring from raw keys indexed by version.
func NewKeyringFromKeys(keys map[int][]byte) (*Keyring, error) {
	kr := &Keyring{sealers: make(map[int]*sealer)}
	for v, key := range keys {
		if v < 1 {
			return nil, fmt.Errorf("key version %d: must be positive", v)
		}
		s, err := newSealer(key, v)
		if err != nil {
			return nil, fmt.Errorf("key v%d: %w", v, err)
		}
		kr.sealers[v] = s
		kr.current = max(kr.current, v)
	}
	if kr.current == 0 {
		return nil, ErrKeyNotFound
	}
	return kr, nil
}

func (kr *Keyring) load(version int, encoded string) error {
	if encoded == "" {
		return ErrKeyNotFound
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("decode key v%d: %w", version, err)
	}
	s, err := newSealer(key, version)
	if err != nil {
		return err
	}
	kr.sealers[version] = s
	kr.current = max(kr.current, version)
	return nil
}

// Seal encrypts plaintext with the current key, bound to aad.
func (kr *Keyring) Seal(plaintext, aad string) (string, error) {
	kr.mu.RLock()
	s, ok := kr.sealers[kr.current]
	kr.mu.RUnlock()
	if !ok {
		return "", ErrKeyNotLoaded
	}
	return s.seal(plaintext, aad)
}

// Open decrypts a sealed string with the key version it names.
func (kr *Keyring) Open(ciphertext, aad string) (string, error) {
	version := ParseVersion(ciphertext)
	if version == 0 {
		return "", ErrInvalidCiphertext
	}
	kr.mu.RLock()
	s, ok := kr.sealers[version]
	kr.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("key version %d not available", version)
	}
	return s.open(ciphertext, aad)
}

// Reseal re-encrypts a ciphertext under the current key. Ciphertexts already
// on the current version are returned unchanged.
func (kr *Keyring) Reseal(ciphertext, aad string) (string, error) {
	if ParseVersion(ciphertext) == kr.CurrentVersion() {
		return ciphertext, nil
	}
	plain, err := kr.Open(ciphertext, aad)
	if err != nil {
		return "", fmt.Errorf("open for reseal: %w", err)
	}
	return kr.Seal(plain, aad)
}

// SealJSON marshals v and seals the result.
func (kr *Keyring) SealJSON(v any, aad string) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}
	return kr.Seal(string(raw), aad)
}

// OpenJSON opens a sealed JSON document into v.
func (kr *Keyring) OpenJSON(ciphertext, aad string, v any) error {
	plain, err := kr.Open(ciphertext, aad)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(plain), v); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	return nil
}

// CurrentVersion is the version new ciphertexts are sealed with.
func (kr *Keyring) CurrentVersion() int {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return kr.current
}

// HasVersion reports whether a key version is loaded.
func (kr *Keyring) HasVersion(version int) bool {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	_, ok := kr.sealers[version]
	return ok
}

// GenerateKey returns a random base64 key suitable for MASTER_ENCRYPTION_KEY.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
