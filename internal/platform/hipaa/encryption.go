package hipaa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// ErrUnknownKeyVersion is returned when a ciphertext names a key version the
// encryptor does not hold.
var ErrUnknownKeyVersion = errors.New("phi decrypt: unknown key version")

// PHIEncryptor seals PHI with AES-256-GCM. Ciphertexts carry a "v{n}:" key
// version prefix so previous keys stay readable after a rotation.
type PHIEncryptor struct {
	mu      sync.RWMutex
	current int
	keys    map[int]cipher.AEAD
}

// NewPHIEncryptor creates an encryptor whose current key is key at version 1.
func NewPHIEncryptor(key []byte) (*PHIEncryptor, error) {
	return NewVersionedEncryptor(1, key)
}

// NewVersionedEncryptor creates an encryptor sealing with key as version.
func NewVersionedEncryptor(version int, key []byte) (*PHIEncryptor, error) {
	if version < 1 {
		return nil, fmt.Errorf("phi encryptor: key version must be positive, got %d", version)
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	return &PHIEncryptor{current: version, keys: map[int]cipher.AEAD{version: aead}}, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("phi encryptor: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("phi encryptor: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("phi encryptor: create GCM: %w", err)
	}
	return aead, nil
}

// AddPreviousKey registers a retired key for decryption only.
func (e *PHIEncryptor) AddPreviousKey(version int, key []byte) error {
	aead, err := newAEAD(key)
	if err != nil {
		return fmt.Errorf("previous key v%d: %w", version, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if version == e.current {
		return fmt.Errorf("phi encryptor: v%d is the current key", version)
	}
	e.keys[version] = aead
	return nil
}

// CurrentVersion returns the version new ciphertexts are sealed with.
func (e *PHIEncryptor) CurrentVersion() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.current
}

// Seal encrypts plaintext bound to aad (for example the owning row id) and
// returns "v{n}:" followed by base64(nonce || ciphertext).
func (e *PHIEncryptor) Seal(plaintext, aad []byte) (string, error) {
	e.mu.RLock()
	version, aead := e.current, e.keys[e.current]
	e.mu.RUnlock()

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("phi encrypt: generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, aad)
	return "v" + strconv.Itoa(version) + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. aad must match the value used when sealing.
func (e *PHIEncryptor) Open(ciphertext string, aad []byte) ([]byte, error) {
	version, payload, err := splitVersion(ciphertext)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	aead, ok := e.keys[version]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %d", ErrUnknownKeyVersion, version)
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("phi decrypt: base64 decode: %w", err)
	}
	nonceSize := aead.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("phi decrypt: ciphertext too short")
	}
	plaintext, err := aead.Open(nil, data[:nonceSize], data[nonceSize:], aad)
	if err != nil {
		return nil, fmt.Errorf("phi decrypt: %w", err)
	}
	return plaintext, nil
}

// NeedsRotation reports whether ciphertext was sealed with a key other than
// the current one.
func (e *PHIEncryptor) NeedsRotation(ciphertext string) bool {
	version, _, err := splitVersion(ciphertext)
	return err != nil || version != e.CurrentVersion()
}

// Reseal opens ciphertext with whichever key sealed it and seals it again
// with the current key.
func (e *PHIEncryptor) Reseal(ciphertext string, aad []byte) (string, error) {
	plaintext, err := e.Open(ciphertext, aad)
	if err != nil {
		return "", fmt.Errorf("reseal: %w", err)
	}
	return e.Seal(plaintext, aad)
}

func splitVersion(s string) (int, string, error) {
	head, payload, ok := strings.Cut(s, ":")
	if !ok || !strings.HasPrefix(head, "v") {
		return 0, "", fmt.Errorf("phi decrypt: missing key version prefix")
	}
	version, err := strconv.Atoi(head[1:])
	if err != nil {
		return 0, "", fmt.Errorf("phi decrypt: invalid key version %q", head)
	}
	return version, payload, nil
}
