package submission

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ehr/intake/internal/platform/db"
	"github.com/ehr/intake/internal/platform/hipaa"
)

const (
	uniqueViolation     = "23505"
	referenceConstraint = "intake_submission_reference_key"
	referenceAttempts   = 5
)

// PGRepository stores submissions in intake_submission. Payload and
// signature are sealed with the submission id as associated data, so a
// ciphertext copied to another row does not open.
type PGRepository struct {
	q   db.Querier
	enc *hipaa.PHIEncryptor
}

func NewPGRepository(q db.Querier, enc *hipaa.PHIEncryptor) *PGRepository {
	return &PGRepository{q: q, enc: enc}
}

func (r *PGRepository) Create(ctx context.Context, data map[string]any, meta Meta, signature string) (*Created, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode submission: %w", err)
	}
	id := uuid.New()
	aad := []byte(id.String())

	dataEnc, err := r.enc.Seal(payload, aad)
	if err != nil {
		return nil, err
	}
	var sigEnc *string
	if signature != "" {
		s, err := r.enc.Seal([]byte(signature), aad)
		if err != nil {
			return nil, err
		}
		sigEnc = &s
	}
	sum := sha256.Sum256(payload)
	hash := hex.EncodeToString(sum[:])

	for attempt := 0; attempt < referenceAttempts; attempt++ {
		ref, err := NewReference()
		if err != nil {
			return nil, err
		}
		_, err = r.q.Exec(ctx, `
			INSERT INTO intake_submission (id, reference, location_id, service_key, request_type,
				form_version, data_enc, signature_enc, key_version, hash, submitted_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			id, ref, meta.LocationID, meta.ServiceKey, meta.RequestType,
			meta.FormVersion, dataEnc, sigEnc, r.enc.CurrentVersion(), hash, meta.SubmittedAt)
		if err == nil {
			return &Created{ID: id, Reference: ref, Hash: hash}, nil
		}
		if !isReferenceCollision(err) {
			return nil, fmt.Errorf("insert submission: %w", err)
		}
	}
	return nil, fmt.Errorf("insert submission: no free reference after %d attempts", referenceAttempts)
}

func isReferenceCollision(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == referenceConstraint
}

func (r *PGRepository) FindByID(ctx context.Context, id uuid.UUID) (*Submission, error) {
	var (
		s       Submission
		dataEnc string
		sigEnc  *string
	)
	err := r.q.QueryRow(ctx, `
		SELECT id, reference, location_id, service_key, request_type, form_version,
			data_enc, signature_enc, key_version, hash, submitted_at, created_at
		FROM intake_submission WHERE id = $1`, id).Scan(
		&s.ID, &s.Reference, &s.Meta.LocationID, &s.Meta.ServiceKey, &s.Meta.RequestType,
		&s.Meta.FormVersion, &dataEnc, &sigEnc, &s.KeyVersion, &s.Hash, &s.Meta.SubmittedAt, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select submission: %w", err)
	}

	aad := []byte(s.ID.String())
	payload, err := r.enc.Open(dataEnc, aad)
	if err != nil {
		return nil, fmt.Errorf("open submission %s: %w", s.ID, err)
	}
	if err := json.Unmarshal(payload, &s.Data); err != nil {
		return nil, fmt.Errorf("decode submission %s: %w", s.ID, err)
	}
	if sigEnc != nil {
		sig, err := r.enc.Open(*sigEnc, aad)
		if err != nil {
			return nil, fmt.Errorf("open signature %s: %w", s.ID, err)
		}
		s.Signature = string(sig)
	}
	return &s, nil
}

type sealedRow struct {
	id      uuid.UUID
	dataEnc string
	sigEnc  *string
}

// Rekey re-encrypts up to limit submissions sealed with a previous key and
// returns their ids.
func (r *PGRepository) Rekey(ctx context.Context, limit int) ([]uuid.UUID, error) {
	current := r.enc.CurrentVersion()
	rows, err := r.q.Query(ctx, `
		SELECT id, data_enc, signature_enc FROM intake_submission
		WHERE key_version <> $1 ORDER BY submitted_at LIMIT $2`, current, limit)
	if err != nil {
		return nil, fmt.Errorf("select stale submissions: %w", err)
	}
	var stale []sealedRow
	for rows.Next() {
		var s sealedRow
		if err := rows.Scan(&s.id, &s.dataEnc, &s.sigEnc); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan stale submission: %w", err)
		}
		stale = append(stale, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select stale submissions: %w", err)
	}

	var done []uuid.UUID
	for _, s := range stale {
		aad := []byte(s.id.String())
		dataEnc, err := r.reseal(s.dataEnc, aad)
		if err != nil {
			return done, fmt.Errorf("reseal submission %s: %w", s.id, err)
		}
		sigEnc := s.sigEnc
		if sigEnc != nil {
			resealed, err := r.reseal(*sigEnc, aad)
			if err != nil {
				return done, fmt.Errorf("reseal signature %s: %w", s.id, err)
			}
			sigEnc = &resealed
		}
		if _, err := r.q.Exec(ctx, `
			UPDATE intake_submission SET data_enc = $2, signature_enc = $3, key_version = $4
			WHERE id = $1`, s.id, dataEnc, sigEnc, current); err != nil {
			return done, fmt.Errorf("update submission %s: %w", s.id, err)
		}
		done = append(done, s.id)
	}
	return done, nil
}

func (r *PGRepository) reseal(ciphertext string, aad []byte) (string, error) {
	if !r.enc.NeedsRotation(ciphertext) {
		return ciphertext, nil
	}
	return r.enc.Reseal(ciphertext, aad)
}
