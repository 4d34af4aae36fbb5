package hipaa

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ehr/intake/internal/platform/db"
)

// Audit event names.
const (
	EventSubmissionCreated = "submission.created"
	EventFormConfigChanged = "form_config.changed"
	EventKeyRotated        = "submission.key_rotated"
)

// AuditEntry is one row of intake_audit_log.
type AuditEntry struct {
	ID        int64             `json:"id"`
	Event     string            `json:"event"`
	EntityID  string            `json:"entity_id"`
	Details   map[string]string `json:"details"`
	CreatedAt time.Time         `json:"created_at"`
}

// AuditLogger appends entries to intake_audit_log. Detail keys that may
// identify a patient are dropped before insert.
type AuditLogger struct {
	q   db.Querier
	now func() time.Time
}

func NewAuditLogger(q db.Querier) *AuditLogger {
	return &AuditLogger{q: q, now: time.Now}
}

// Log records event for entityID.
func (a *AuditLogger) Log(ctx context.Context, event, entityID string, details map[string]string) error {
	entry := &AuditEntry{
		Event:     event,
		EntityID:  entityID,
		Details:   StripPHI(details),
		CreatedAt: a.now().UTC(),
	}
	raw, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("hipaa audit: encode details: %w", err)
	}

	const query = `
		INSERT INTO intake_audit_log (event, entity_id, details, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`
	if err := a.q.QueryRow(ctx, query, entry.Event, entry.EntityID, raw, entry.CreatedAt).Scan(&entry.ID); err != nil {
		return fmt.Errorf("hipaa audit: insert %s: %w", event, err)
	}
	return nil
}

// ForEntity lists the entries recorded for entityID, oldest first.
func (a *AuditLogger) ForEntity(ctx context.Context, entityID string) ([]AuditEntry, error) {
	rows, err := a.q.Query(ctx, `
		SELECT id, event, entity_id, details, created_at
		FROM intake_audit_log WHERE entity_id = $1 ORDER BY id`, entityID)
	if err != nil {
		return nil, fmt.Errorf("hipaa audit: query %s: %w", entityID, err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var (
			e   AuditEntry
			raw []byte
		)
		if err := rows.Scan(&e.ID, &e.Event, &e.EntityID, &raw, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("hipaa audit: scan: %w", err)
		}
		if err := json.Unmarshal(raw, &e.Details); err != nil {
			return nil, fmt.Errorf("hipaa audit: decode details: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
