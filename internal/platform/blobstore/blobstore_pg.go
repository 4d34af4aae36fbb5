package blobstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ehr/intake/internal/platform/db"
)

// PGLinker links rows of intake_file.
type PGLinker struct {
	q db.Querier
}

func NewPGLinker(q db.Querier) *PGLinker {
	return &PGLinker{q: q}
}

func (l *PGLinker) Link(ctx context.Context, fileIDs []uuid.UUID, submissionID uuid.UUID) (int, error) {
	if len(fileIDs) == 0 {
		return 0, nil
	}
	tag, err := l.q.Exec(ctx, `
		UPDATE intake_file SET submission_id = $1
		WHERE id = ANY($2) AND submission_id IS NULL`,
		submissionID, fileIDs)
	if err != nil {
		return 0, fmt.Errorf("blobstore: link %d files to %s: %w", len(fileIDs), submissionID, err)
	}
	return int(tag.RowsAffected()), nil
}
