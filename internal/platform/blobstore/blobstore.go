// Package blobstore tracks references from uploaded files to the submission
// they belong to. Storing the file content is handled elsewhere; a file row
// exists before the submission and is linked once the submission is saved.
package blobstore

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// FileRef is one row of intake_file.
type FileRef struct {
	ID           uuid.UUID  `json:"id"`
	SubmissionID *uuid.UUID `json:"submission_id,omitempty"`
	Filename     string     `json:"filename"`
	ContentType  string     `json:"content_type"`
	Size         int64      `json:"size"`
}

// Linker attaches unlinked files to a submission and reports how many were
// linked. Files already attached to any submission are left untouched.
type Linker interface {
	Link(ctx context.Context, fileIDs []uuid.UUID, submissionID uuid.UUID) (int, error)
}

// ParseFileIDs extracts file ids from an uploaded-files manifest, which may
// be a list, a JSON array string or a comma separated string. Values that are
// not UUIDs are skipped and duplicates removed.
func ParseFileIDs(raw any) []uuid.UUID {
	var candidates []string
	switch v := raw.(type) {
	case nil:
		return nil
	case []string:
		candidates = v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				candidates = append(candidates, s)
			}
		}
	case string:
		s := strings.TrimSpace(v)
		if strings.HasPrefix(s, "[") {
			if err := json.Unmarshal([]byte(s), &candidates); err != nil {
				return nil
			}
		} else {
			candidates = strings.Split(s, ",")
		}
	default:
		return nil
	}

	seen := make(map[uuid.UUID]bool, len(candidates))
	var ids []uuid.UUID
	for _, c := range candidates {
		id, err := uuid.Parse(strings.TrimSpace(c))
		if err != nil || id == uuid.Nil || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

// MemoryLinker is an in-process Linker for development and tests.
type MemoryLinker struct {
	mu    sync.RWMutex
	files map[uuid.UUID]*FileRef
}

func NewMemoryLinker() *MemoryLinker {
	return &MemoryLinker{files: make(map[uuid.UUID]*FileRef)}
}

// Register records an uploaded, not yet linked file.
func (m *MemoryLinker) Register(f FileRef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[f.ID] = &f
}

func (m *MemoryLinker) Link(_ context.Context, fileIDs []uuid.UUID, submissionID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	linked := 0
	for _, id := range fileIDs {
		f, ok := m.files[id]
		if !ok || f.SubmissionID != nil {
			continue
		}
		sid := submissionID
		f.SubmissionID = &sid
		linked++
	}
	return linked, nil
}

// Get returns a copy of the file with id.
func (m *MemoryLinker) Get(id uuid.UUID) (FileRef, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[id]
	if !ok {
		return FileRef{}, false
	}
	return *f, true
}
