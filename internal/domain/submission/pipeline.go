// Package submission runs intake submissions through abuse screening,
// validation, sanitization and persistence, and serves the public form API.
package submission

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/domain/formdata"
	"github.com/ehr/intake/internal/domain/formdef"
	"github.com/ehr/intake/internal/domain/sanitize"
	"github.com/ehr/intake/internal/domain/validation"
	"github.com/ehr/intake/internal/platform/abuse"
	"github.com/ehr/intake/internal/platform/blobstore"
	"github.com/ehr/intake/internal/platform/hipaa"
)

// UploadedFilesKey carries the ids of files uploaded before submitting.
const UploadedFilesKey = "uploaded_files"

// Request is one submission to process.
type Request struct {
	Values   formdata.Values
	Location Location
	ClientIP string
	Lang     string

	// FormID and FormVersion identify a schema-driven form. Fields is its
	// effective field map; nil selects the fixed service request rules.
	FormID      string
	FormVersion string
	Fields      formdef.FieldMap
}

// Deps are the collaborators of a Pipeline. Files, Audit and Notifier are
// optional.
type Deps struct {
	Guard     *abuse.Guard
	Validator *validation.Validator
	Policy    *sanitize.Policy
	Processor *sanitize.Processor
	Repo      Repository
	Files     blobstore.Linker
	Audit     Auditor
	Notifier  Notifier
}

// Pipeline processes submissions. It is safe for concurrent use.
type Pipeline struct {
	deps   Deps
	logger zerolog.Logger
	now    func() time.Time
}

func NewPipeline(deps Deps, logger zerolog.Logger) *Pipeline {
	return &Pipeline{deps: deps, logger: logger, now: time.Now}
}

// Process runs req through the pipeline. Failures are reported in the
// result; no error detail of the storage layer reaches it.
func (p *Pipeline) Process(ctx context.Context, req Request) Result {
	lang := req.Lang
	if lang == "" {
		lang = "de"
	}

	decision := p.deps.Guard.CheckForm(ctx, req.Values, req.ClientIP, req.FormID)
	switch decision.Outcome {
	case abuse.RateLimited:
		minutes := int(math.Ceil(decision.RetryAfter.Minutes()))
		return Result{
			Message:    message(lang, msgRateLimited, minutes),
			Status:     StatusRateLimited,
			RetryAfter: decision.RetryAfter,
		}
	case abuse.Honeypot:
		// Indistinguishable from a real success; nothing is stored.
		ref, err := NewReference()
		if err != nil {
			p.logger.Error().Err(err).Msg("reference generator failed, using clock-derived reference")
			ref = fallbackReference(p.now())
		}
		return Result{Success: true, Message: message(lang, msgSuccess), Reference: ref, Status: StatusCreated}
	case abuse.TooFast:
		return Result{Message: message(lang, msgTooFast), Status: StatusTooFast}
	}

	validator := p.deps.Validator.ForLanguage(lang)
	var check validation.Result
	if req.Fields != nil {
		check = validator.ValidateSchema(req.Values, req.Fields)
	} else {
		check = validator.ValidateServiceRequest(req.Values)
	}
	if !check.Valid {
		return Result{Message: message(lang, msgInvalid), Errors: check.Errors, Status: StatusInvalid}
	}

	meta := Meta{
		LocationID:  req.Location.ID,
		FormVersion: req.FormVersion,
		SubmittedAt: p.now().UTC(),
	}
	if req.Fields != nil {
		meta.RequestType = req.FormID
		meta.ServiceKey = req.FormID
	} else {
		meta.RequestType = TypeService
		meta.ServiceKey = req.Values.Trimmed("serviceType")
	}

	data := p.deps.Policy.Apply(req.Values, req.Fields)
	data = p.deps.Processor.Process(meta.ServiceKey, data)
	p.mergeBirthDate(data)

	signature := detachSignature(data, req.Fields)

	created, err := p.deps.Repo.Create(ctx, data, meta, signature)
	if err != nil {
		p.logger.Error().Err(err).
			Str("request_type", meta.RequestType).
			Str("service_key", meta.ServiceKey).
			Str("client", decision.ClientHash).
			Msg("failed to store submission")
		return Result{Message: message(lang, msgTechnical), Status: StatusFailed}
	}

	p.afterCreate(ctx, req, meta, created)

	return Result{
		Success:      true,
		Message:      message(lang, msgSuccess),
		SubmissionID: created.ID.String(),
		Reference:    created.Reference,
		Status:       StatusCreated,
	}
}

// detachSignature removes the values of the enabled signature fields from
// data and returns the first present one.
func detachSignature(data map[string]any, fields formdef.FieldMap) string {
	var signature string
	for _, f := range fields.Sorted() {
		if f.Type != formdef.TypeSignature || !f.Enabled {
			continue
		}
		if s, _ := data[f.ID].(string); s != "" && signature == "" {
			signature = s
		}
		delete(data, f.ID)
	}
	return signature
}

// afterCreate runs the side effects of a stored submission. Their failures
// are logged only.
func (p *Pipeline) afterCreate(ctx context.Context, req Request, meta Meta, created *Created) {
	log := p.logger.With().Str("submission_id", created.ID.String()).Logger()

	if p.deps.Files != nil {
		if ids := blobstore.ParseFileIDs(req.Values[UploadedFilesKey]); len(ids) > 0 {
			n, err := p.deps.Files.Link(ctx, ids, created.ID)
			if err != nil {
				log.Error().Err(err).Int("files", len(ids)).Msg("failed to link uploaded files")
			} else {
				log.Debug().Int("linked", n).Int("files", len(ids)).Msg("linked uploaded files")
			}
		}
	}

	if p.deps.Audit != nil {
		err := p.deps.Audit.Log(ctx, hipaa.EventSubmissionCreated, created.ID.String(), map[string]string{
			"reference":    created.Reference,
			"request_type": meta.RequestType,
			"service_key":  meta.ServiceKey,
			"location_id":  meta.LocationID,
			"hash":         created.Hash,
		})
		if err != nil {
			log.Error().Err(err).Msg("failed to write audit entry")
		}
	}

	if p.deps.Notifier != nil && meta.RequestType == TypeService {
		if err := p.deps.Notifier.ServiceRequest(ctx, meta.ServiceKey, created.Reference); err != nil {
			log.Warn().Err(err).Str("reference", created.Reference).Msg("practice notification failed")
		}
	}

	log.Info().
		Str("reference", created.Reference).
		Str("request_type", meta.RequestType).
		Str("location_id", meta.LocationID).
		Msg("submission stored")
}

// mergeBirthDate replaces the separate date of birth inputs with the
// canonical DD.MM.YYYY value and its ISO form.
func (p *Pipeline) mergeBirthDate(data map[string]any) {
	born, err := validation.ParseBirthDate(formdata.Values(data), p.now())
	if err != nil {
		return
	}
	data[validation.BirthDateField] = born.Format("02.01.2006")
	data[validation.BirthDateField+"_iso"] = born.Format("2006-01-02")
	delete(data, validation.BirthDayField)
	delete(data, validation.BirthMonField)
	delete(data, validation.BirthYearField)
}
