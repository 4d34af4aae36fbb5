package hipaa

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// KeyConfig describes the PHI keys loaded at startup.
type KeyConfig struct {
	// Key is the current key as 64 hex characters.
	Key string
	// Version is the version number of Key. Zero means 1.
	Version int
	// Previous lists retired keys as "version:hexkey".
	Previous []string
}

// ParseHexKey decodes a 64 character hex string into a 32 byte key.
func ParseHexKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("encryption key is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes (64 hex chars), got %d bytes", len(key))
	}
	return key, nil
}

// LoadEncryptor builds the PHI encryptor from cfg.
//
// With no key configured an ephemeral random key is generated and a warning
// logged: data sealed with it is unreadable after a restart, which is only
// acceptable in development. Production startup is refused earlier by
// config validation.
func LoadEncryptor(cfg KeyConfig, logger zerolog.Logger) (*PHIEncryptor, error) {
	version := cfg.Version
	if version == 0 {
		version = 1
	}

	var key []byte
	if cfg.Key == "" {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate ephemeral key: %w", err)
		}
		logger.Warn().Msg("HIPAA_ENCRYPTION_KEY is not set, using an ephemeral key; stored submissions will not survive a restart")
	} else {
		var err error
		if key, err = ParseHexKey(cfg.Key); err != nil {
			return nil, fmt.Errorf("HIPAA_ENCRYPTION_KEY: %w", err)
		}
	}

	enc, err := NewVersionedEncryptor(version, key)
	if err != nil {
		return nil, err
	}

	for _, entry := range cfg.Previous {
		v, hexKey, ok := strings.Cut(strings.TrimSpace(entry), ":")
		if !ok {
			return nil, fmt.Errorf("previous key %q: want version:hexkey", redactKey(entry))
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("previous key %q: invalid version", redactKey(entry))
		}
		prev, err := ParseHexKey(hexKey)
		if err != nil {
			return nil, fmt.Errorf("previous key v%d: %w", n, err)
		}
		if err := enc.AddPreviousKey(n, prev); err != nil {
			return nil, err
		}
	}

	logger.Info().Int("key_version", version).Int("previous_keys", len(cfg.Previous)).Msg("PHI encryption enabled")
	return enc, nil
}

func redactKey(entry string) string {
	if v, _, ok := strings.Cut(entry, ":"); ok {
		return v + ":***"
	}
	return "***"
}
