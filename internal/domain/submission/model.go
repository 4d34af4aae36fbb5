package submission

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// Request types.
const (
	// TypeService marks widget service requests validated by fixed rules.
	TypeService = "service"
)

// Location identifies the practice location a submission belongs to.
// Scope selects the form customizations; empty means the global ones.
type Location struct {
	ID    string
	Scope string
}

// Meta is stored in the clear next to the encrypted payload.
type Meta struct {
	LocationID  string    `json:"location_id"`
	ServiceKey  string    `json:"service_key"`
	RequestType string    `json:"request_type"`
	FormVersion string    `json:"form_version,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Created is returned by Repository.Create.
type Created struct {
	ID        uuid.UUID
	Reference string
	Hash      string
}

// Submission is a stored submission with its payload decrypted.
type Submission struct {
	ID         uuid.UUID      `json:"id"`
	Reference  string         `json:"reference"`
	Meta       Meta           `json:"meta"`
	Data       map[string]any `json:"data"`
	Signature  string         `json:"signature,omitempty"`
	KeyVersion int            `json:"key_version"`
	Hash       string         `json:"hash"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Status classifies a pipeline result for the transport layer.
type Status int

const (
	StatusCreated Status = iota
	StatusInvalid
	StatusRateLimited
	StatusTooFast
	StatusFailed
)

// Result is the outcome of one pipeline run as shown to the client.
type Result struct {
	Success      bool              `json:"success"`
	Message      string            `json:"message"`
	Errors       map[string]string `json:"errors,omitempty"`
	SubmissionID string            `json:"submission_id,omitempty"`
	Reference    string            `json:"reference,omitempty"`

	Status     Status        `json:"-"`
	RetryAfter time.Duration `json:"-"`
}

// referenceAlphabet leaves out characters that are easily confused when
// read over the phone (0/O, 1/I/L).
const referenceAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const referenceLength = 6

// referenceSource is swapped in tests.
var referenceSource io.Reader = rand.Reader

// NewReference returns a random reference of the form PX-XXXXXX.
func NewReference() (string, error) {
	buf := make([]byte, referenceLength)
	max := big.NewInt(int64(len(referenceAlphabet)))
	for i := range buf {
		n, err := rand.Int(referenceSource, max)
		if err != nil {
			return "", fmt.Errorf("generate reference: %w", err)
		}
		buf[i] = referenceAlphabet[n.Int64()]
	}
	return "PX-" + string(buf), nil
}

// fallbackReference derives a reference of the same format from t. It is
// only used where no reference is stored.
func fallbackReference(t time.Time) string {
	n := uint64(t.UnixNano())
	buf := make([]byte, referenceLength)
	for i := range buf {
		buf[i] = referenceAlphabet[n%uint64(len(referenceAlphabet))]
		n /= uint64(len(referenceAlphabet))
	}
	return "PX-" + string(buf)
}
