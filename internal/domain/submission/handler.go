package submission

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/domain/formdata"
	"github.com/ehr/intake/internal/domain/formdef"
	"github.com/ehr/intake/internal/platform/abuse"
	"github.com/ehr/intake/internal/platform/hipaa"
	"github.com/ehr/intake/internal/platform/middleware"
)

// Definitions loads localized form definitions.
type Definitions interface {
	Load(formID, locale string) (*formdef.FormDefinition, error)
	Language(locale string) string
}

// FieldSource computes effective field maps.
type FieldSource interface {
	EffectiveFields(ctx context.Context, formID, locale, scope string) (formdef.FieldMap, error)
}

// AuditReader lists the audit trail of a submission.
type AuditReader interface {
	ForEntity(ctx context.Context, entityID string) ([]hipaa.AuditEntry, error)
}

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	// ScopedByLocation applies the customizations of the request location
	// instead of the global ones.
	ScopedByLocation bool
}

type Handler struct {
	pipeline *Pipeline
	defs     Definitions
	fields   FieldSource
	tokens   *abuse.Tokens
	audit    AuditReader
	cfg      HandlerConfig
	logger   zerolog.Logger
}

func NewHandler(p *Pipeline, defs Definitions, fields FieldSource, tokens *abuse.Tokens, audit AuditReader, cfg HandlerConfig, logger zerolog.Logger) *Handler {
	return &Handler{pipeline: p, defs: defs, fields: fields, tokens: tokens, audit: audit, cfg: cfg, logger: logger}
}

// RegisterRoutes registers the public form routes.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/forms/:formId", h.GetForm)
	api.POST("/forms/:formId/submissions", h.SubmitForm)
	api.POST("/requests", h.SubmitRequest)
}

// RegisterAdminRoutes registers the submission routes of the admin API.
func (h *Handler) RegisterAdminRoutes(admin *echo.Group) {
	admin.GET("/submissions/:id/audit", h.GetAudit)
}

type formResponse struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Version     string            `json:"version"`
	Language    string            `json:"language"`
	Sections    []formdef.Section `json:"sections"`
	Fields      []formdef.Field   `json:"fields"`
	FormToken   string            `json:"form_token"`
}

func (h *Handler) location(c echo.Context) Location {
	id := middleware.LocationFromContext(c.Request().Context())
	loc := Location{ID: id}
	if h.cfg.ScopedByLocation {
		loc.Scope = id
	}
	return loc
}

// GetForm handles GET /forms/:formId. Disabled fields are left out.
func (h *Handler) GetForm(c echo.Context) error {
	ctx := c.Request().Context()
	formID, lang := c.Param("formId"), h.defs.Language(c.QueryParam("lang"))

	def, err := h.defs.Load(formID, lang)
	if err != nil {
		return h.formError(err, formID)
	}
	fields, err := h.fields.EffectiveFields(ctx, formID, lang, h.location(c).Scope)
	if err != nil {
		return h.formError(err, formID)
	}
	token, err := h.tokens.Mint(formID)
	if err != nil {
		h.logger.Error().Err(err).Str("form_id", formID).Msg("failed to mint form token")
		return echo.NewHTTPError(http.StatusInternalServerError, "form unavailable")
	}

	visible := make([]formdef.Field, 0, len(fields))
	for _, f := range fields.Sorted() {
		if f.Enabled {
			visible = append(visible, f)
		}
	}
	return c.JSON(http.StatusOK, formResponse{
		ID:          def.ID,
		Name:        def.Name,
		Description: def.Description,
		Version:     def.Version,
		Language:    def.Language,
		Sections:    def.Sections,
		Fields:      visible,
		FormToken:   token,
	})
}

// SubmitForm handles POST /forms/:formId/submissions.
func (h *Handler) SubmitForm(c echo.Context) error {
	ctx := c.Request().Context()
	formID, lang := c.Param("formId"), h.defs.Language(c.QueryParam("lang"))

	def, err := h.defs.Load(formID, lang)
	if err != nil {
		return h.formError(err, formID)
	}
	loc := h.location(c)
	fields, err := h.fields.EffectiveFields(ctx, formID, lang, loc.Scope)
	if err != nil {
		return h.formError(err, formID)
	}
	values, err := readValues(c)
	if err != nil {
		return err
	}

	return h.respond(c, h.pipeline.Process(ctx, Request{
		Values:      values,
		Location:    loc,
		ClientIP:    c.RealIP(),
		Lang:        lang,
		FormID:      formID,
		FormVersion: def.Version,
		Fields:      fields,
	}))
}

// SubmitRequest handles POST /requests.
func (h *Handler) SubmitRequest(c echo.Context) error {
	values, err := readValues(c)
	if err != nil {
		return err
	}
	return h.respond(c, h.pipeline.Process(c.Request().Context(), Request{
		Values:   values,
		Location: h.location(c),
		ClientIP: c.RealIP(),
		Lang:     h.defs.Language(c.QueryParam("lang")),
	}))
}

// GetAudit handles GET /submissions/:id/audit.
func (h *Handler) GetAudit(c echo.Context) error {
	if h.audit == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "audit log not configured")
	}
	entries, err := h.audit.ForEntity(c.Request().Context(), c.Param("id"))
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to read audit log")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to read audit log")
	}
	if entries == nil {
		entries = []hipaa.AuditEntry{}
	}
	return c.JSON(http.StatusOK, entries)
}

func (h *Handler) respond(c echo.Context, res Result) error {
	status := http.StatusInternalServerError
	switch res.Status {
	case StatusCreated:
		status = http.StatusCreated
	case StatusInvalid:
		status = http.StatusUnprocessableEntity
	case StatusRateLimited:
		c.Response().Header().Set("Retry-After", retryAfterSeconds(res))
		status = http.StatusTooManyRequests
	case StatusTooFast:
		status = http.StatusBadRequest
	}
	return c.JSON(status, res)
}

func retryAfterSeconds(res Result) string {
	s := int(math.Ceil(res.RetryAfter.Seconds()))
	if s < 1 {
		s = 1
	}
	return strconv.Itoa(s)
}

func (h *Handler) formError(err error, formID string) error {
	if errors.Is(err, formdef.ErrFormNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "form not found")
	}
	h.logger.Error().Err(err).Str("form_id", formID).Msg("failed to load form")
	return echo.NewHTTPError(http.StatusInternalServerError, "form unavailable")
}

// readValues decodes a JSON object or a url-encoded or multipart form body.
func readValues(c echo.Context) (formdata.Values, error) {
	ct := c.Request().Header.Get(echo.HeaderContentType)
	if strings.HasPrefix(ct, echo.MIMEApplicationJSON) {
		var values formdata.Values
		if err := json.NewDecoder(c.Request().Body).Decode(&values); err != nil {
			var he *echo.HTTPError
			if errors.As(err, &he) {
				return nil, he
			}
			return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
		}
		if values == nil {
			values = formdata.Values{}
		}
		return values, nil
	}
	form, err := c.FormParams()
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return nil, he
		}
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid form body")
	}
	return formdata.FromURLValues(form), nil
}
