// Package crypto seals broker secrets at rest with AES-256-GCM under
// versioned master keys.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// NonceSize is the GCM nonce length in bytes.
	NonceSize = 12

	prefixOpen  = "ENC[v"
	prefixClose = "]:"
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must be 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

// sealer is one key version. The associated data binds a ciphertext to its
// owner, so a sealed secret copied onto another row fails to open.
type sealer struct {
	aead    cipher.AEAD
	version int
}

func newSealer(key []byte, version int) (*sealer, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &sealer{aead: aead, version: version}, nil
}

// seal returns ENC[vN]:base64(nonce||ciphertext||tag).
func (s *sealer) seal(plaintext, aad string) (string, error) {
	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+s.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := s.aead.Seal(nonce, nonce, []byte(plaintext), []byte(aad))
	return fmt.Sprintf("%s%d%s%s", prefixOpen, s.version, prefixClose, base64.StdEncoding.EncodeToString(out)), nil
}

func (s *sealer) open(ciphertext, aad string) (string, error) {
	_, payload, ok := split(ciphertext)
	if !ok {
		return "", ErrInvalidCiphertext
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	if len(data) < NonceSize+s.aead.Overhead() {
		return "", ErrInvalidCiphertext
	}
	plain, err := s.aead.Open(nil, data[:NonceSize], data[NonceSize:], []byte(aad))
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}

// split breaks ENC[vN]:payload into its version and payload.
func split(ciphertext string) (int, string, bool) {
	rest, ok := strings.CutPrefix(ciphertext, prefixOpen)
	if !ok {
		return 0, "", false
	}
	num, payload, ok := strings.Cut(rest, prefixClose)
	if !ok || num == "" {
		return 0, "", false
	}
	version := 0
	for _, r := range num {
		if r < '0' || r > '9' {
			return 0, "", false
		}
		version = version*10 + int(r-'0')
	}
	return version, payload, version > 0
}

// ParseVersion extracts the key version from a sealed string, or 0.
func ParseVersion(ciphertext string) int {
	v, _, _ := split(ciphertext)
	return v
}

// IsSealed reports whether s carries the ENC[vN]: envelope.
func IsSealed(s string) bool {
	return ParseVersion(s) > 0
}
