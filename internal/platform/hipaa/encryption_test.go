package hipaa

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func generateTestKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate test key: %v", err)
	}
	return key
}

func newTestEncryptor(t *testing.T) *PHIEncryptor {
	t.Helper()
	enc, err := NewPHIEncryptor(generateTestKey(t))
	if err != nil {
		t.Fatalf("create encryptor: %v", err)
	}
	return enc
}

func TestNewPHIEncryptor_KeyLength(t *testing.T) {
	for _, n := range []int{0, 16, 31, 33, 64} {
		if _, err := NewPHIEncryptor(make([]byte, n)); err == nil {
			t.Errorf("expected error for %d-byte key", n)
		}
	}
	if _, err := NewVersionedEncryptor(0, generateTestKey(t)); err == nil {
		t.Error("expected error for version 0")
	}
}

func TestSealOpen(t *testing.T) {
	enc := newTestEncryptor(t)
	aad := []byte("4f7c1a2e-0000-4000-8000-000000000001")

	cases := []string{
		`{"vorname":"Anna","nachname":"Muster"}`,
		"",
		"\x00\x01\x02binary data\xff\xfe",
	}
	for _, plaintext := range cases {
		sealed, err := enc.Seal([]byte(plaintext), aad)
		if err != nil {
			t.Fatalf("seal: %v", err)
		}
		if !strings.HasPrefix(sealed, "v1:") {
			t.Errorf("sealed %q lacks version prefix", sealed)
		}
		if plaintext != "" && strings.Contains(sealed, plaintext) {
			t.Error("ciphertext contains plaintext")
		}
		got, err := enc.Open(sealed, aad)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if string(got) != plaintext {
			t.Errorf("roundtrip = %q, want %q", got, plaintext)
		}
	}
}

func TestSeal_UniqueNonces(t *testing.T) {
	enc := newTestEncryptor(t)
	a, _ := enc.Seal([]byte("same"), nil)
	b, _ := enc.Seal([]byte("same"), nil)
	if a == b {
		t.Error("sealing twice produced identical ciphertexts")
	}
}

func TestOpen_Rejects(t *testing.T) {
	enc := newTestEncryptor(t)
	sealed, err := enc.Seal([]byte("secret"), []byte("row-1"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	corrupted := []byte(sealed)
	corrupted[10] ^= 0x01

	tests := map[string]struct {
		ciphertext string
		aad        string
	}{
		"wrong aad":      {sealed, "row-2"},
		"no prefix":      {strings.TrimPrefix(sealed, "v1:"), "row-1"},
		"bad version":    {"vx:" + strings.TrimPrefix(sealed, "v1:"), "row-1"},
		"not base64":     {"v1:not-valid-base64!!!", "row-1"},
		"too short":      {"v1:AQID", "row-1"},
		"corrupted":      {string(corrupted), "row-1"},
		"unknown key v9": {"v9:" + strings.TrimPrefix(sealed, "v1:"), "row-1"},
	}
	for name, tt := range tests {
		if _, err := enc.Open(tt.ciphertext, []byte(tt.aad)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}

	if _, err := newTestEncryptor(t).Open(sealed, []byte("row-1")); err == nil {
		t.Error("wrong key: expected error")
	}
}

func TestRotation(t *testing.T) {
	oldKey, newKey := generateTestKey(t), generateTestKey(t)
	old, err := NewVersionedEncryptor(1, oldKey)
	if err != nil {
		t.Fatal(err)
	}
	sealed, _ := old.Seal([]byte("payload"), []byte("id"))

	rotated, err := NewVersionedEncryptor(2, newKey)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := rotated.Open(sealed, []byte("id")); !errors.Is(err, ErrUnknownKeyVersion) {
		t.Fatalf("open without previous key err = %v", err)
	}
	if err := rotated.AddPreviousKey(1, oldKey); err != nil {
		t.Fatalf("AddPreviousKey: %v", err)
	}
	if err := rotated.AddPreviousKey(2, oldKey); err == nil {
		t.Error("registering the current version as previous should fail")
	}

	if !rotated.NeedsRotation(sealed) {
		t.Error("v1 ciphertext should need rotation")
	}
	resealed, err := rotated.Reseal(sealed, []byte("id"))
	if err != nil {
		t.Fatalf("Reseal: %v", err)
	}
	if rotated.NeedsRotation(resealed) || !strings.HasPrefix(resealed, "v2:") {
		t.Errorf("resealed = %q", resealed)
	}
	got, err := rotated.Open(resealed, []byte("id"))
	if err != nil || string(got) != "payload" {
		t.Errorf("open resealed = %q, %v", got, err)
	}
}

func TestLoadEncryptor(t *testing.T) {
	current, previous := generateTestKey(t), generateTestKey(t)

	var logs bytes.Buffer
	enc, err := LoadEncryptor(KeyConfig{
		Key:      hex.EncodeToString(current),
		Version:  3,
		Previous: []string{"2:" + hex.EncodeToString(previous)},
	}, zerolog.New(&logs))
	if err != nil {
		t.Fatalf("LoadEncryptor: %v", err)
	}
	if enc.CurrentVersion() != 3 {
		t.Errorf("CurrentVersion = %d", enc.CurrentVersion())
	}
	if strings.Contains(logs.String(), hex.EncodeToString(current)) {
		t.Error("key material logged")
	}

	old, _ := NewVersionedEncryptor(2, previous)
	sealed, _ := old.Seal([]byte("x"), nil)
	if _, err := enc.Open(sealed, nil); err != nil {
		t.Errorf("previous key not loaded: %v", err)
	}
}

func TestLoadEncryptor_Ephemeral(t *testing.T) {
	var logs bytes.Buffer
	enc, err := LoadEncryptor(KeyConfig{}, zerolog.New(&logs))
	if err != nil {
		t.Fatalf("LoadEncryptor: %v", err)
	}
	if enc.CurrentVersion() != 1 {
		t.Errorf("CurrentVersion = %d", enc.CurrentVersion())
	}
	if !strings.Contains(logs.String(), "ephemeral") {
		t.Error("missing ephemeral key warning")
	}
}

func TestLoadEncryptor_Invalid(t *testing.T) {
	good := hex.EncodeToString(generateTestKey(t))
	tests := map[string]KeyConfig{
		"not hex":            {Key: "zz" + good[2:]},
		"short":              {Key: good[:32]},
		"previous no colon":  {Key: good, Previous: []string{good}},
		"previous bad ver":   {Key: good, Previous: []string{"x:" + good}},
		"previous short key": {Key: good, Previous: []string{"2:abcd"}},
	}
	for name, cfg := range tests {
		_, err := LoadEncryptor(cfg, zerolog.New(io.Discard))
		if err == nil {
			t.Errorf("%s: expected error", name)
			continue
		}
		if strings.Contains(err.Error(), good) {
			t.Errorf("%s: key material in error %q", name, err)
		}
	}
}
