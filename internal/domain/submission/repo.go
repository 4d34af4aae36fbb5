package submission

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Repository.FindByID for an unknown id.
var ErrNotFound = errors.New("submission not found")

// Repository persists processed submissions. Implementations encrypt data
// and signature at rest.
type Repository interface {
	Create(ctx context.Context, data map[string]any, meta Meta, signature string) (*Created, error)
	FindByID(ctx context.Context, id uuid.UUID) (*Submission, error)
}

// Auditor records audit events. Details must not contain patient data.
type Auditor interface {
	Log(ctx context.Context, event, entityID string, details map[string]string) error
}

// Notifier announces service requests to the practice.
type Notifier interface {
	ServiceRequest(ctx context.Context, serviceKey, reference string) error
}
