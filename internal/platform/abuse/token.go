package abuse

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/blake2b"
)

// ErrInvalidToken is returned for a form token that cannot be verified.
var ErrInvalidToken = errors.New("invalid form token")

// Tokens mints and reads the render-time tokens embedded in served forms.
type Tokens struct {
	secret []byte
	now    func() time.Time
}

// NewTokens creates a token codec signing with secret.
func NewTokens(secret string, now func() time.Time) *Tokens {
	if now == nil {
		now = time.Now
	}
	return &Tokens{secret: []byte(secret), now: now}
}

type formClaims struct {
	FormID string `json:"form"`
	jwt.RegisteredClaims
}

// Mint returns a signed token carrying the current time and formID.
func (t *Tokens) Mint(formID string) (string, error) {
	claims := formClaims{
		FormID: formID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(t.now()),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign form token: %w", err)
	}
	return signed, nil
}

// Issued verifies token and returns its mint time and form id.
func (t *Tokens) Issued(token string) (time.Time, string, error) {
	var claims formClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(t.now))
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.IssuedAt == nil {
		return time.Time{}, "", fmt.Errorf("%w: no issue time", ErrInvalidToken)
	}
	return claims.IssuedAt.Time, claims.FormID, nil
}

// ClientHasher derives a stable pseudonym for a client address so raw IPs
// never reach logs or counter keys.
type ClientHasher struct {
	key []byte
}

// NewClientHasher creates a hasher keyed with salt.
func NewClientHasher(salt string) *ClientHasher {
	key := []byte(salt)
	if len(key) > blake2b.Size {
		sum := blake2b.Sum256(key)
		key = sum[:]
	}
	return &ClientHasher{key: key}
}

// Hash returns the hex keyed BLAKE2b-256 digest of ip, shortened to 32
// characters.
func (h *ClientHasher) Hash(ip string) string {
	d, err := blake2b.New256(h.key)
	if err != nil {
		// Only reachable with a key longer than 64 bytes, which NewClientHasher prevents.
		panic(err)
	}
	d.Write([]byte(ip))
	return hex.EncodeToString(d.Sum(nil))[:32]
}
