package overlay

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/domain/formdef"
	"github.com/ehr/intake/internal/platform/hipaa"
)

// APIKeyHeader carries the admin shared secret.
const APIKeyHeader = "X-API-Key"

// Auditor records admin changes to a form configuration.
type Auditor interface {
	Log(ctx context.Context, event, entityID string, details map[string]string) error
}

type Handler struct {
	svc    *Service
	audit  Auditor
	logger zerolog.Logger
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc, logger: zerolog.Nop()}
}

// WithAudit makes every successful write emit a form_config.changed entry.
func (h *Handler) WithAudit(a Auditor, logger zerolog.Logger) *Handler {
	h.audit = a
	h.logger = logger
	return h
}

func (h *Handler) changed(c echo.Context, action string) {
	if h.audit == nil {
		return
	}
	formID := c.Param("formId")
	details := map[string]string{"action": action, "scope": c.QueryParam("scope")}
	if id := c.Param("fieldId"); id != "" {
		details["field_id"] = id
	}
	if err := h.audit.Log(c.Request().Context(), hipaa.EventFormConfigChanged, formID, details); err != nil {
		h.logger.Error().Err(err).Str("form_id", formID).Str("action", action).Msg("failed to audit form configuration change")
	}
}

// RequireAPIKey guards the admin routes with a shared secret. An empty key
// rejects every request.
func RequireAPIKey(key string) echo.MiddlewareFunc {
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		KeyLookup: "header:" + APIKeyHeader,
		Validator: func(got string, c echo.Context) (bool, error) {
			if key == "" {
				return false, nil
			}
			return subtle.ConstantTimeCompare([]byte(got), []byte(key)) == 1, nil
		},
	})
}

func (h *Handler) RegisterRoutes(admin *echo.Group) {
	admin.GET("/forms/:formId/fields", h.GetFields)
	admin.PUT("/forms/:formId/overrides", h.SaveOverrides)
	admin.PUT("/forms/:formId/info", h.SaveInfo)
	admin.POST("/forms/:formId/custom-fields", h.AddCustomField)
	admin.DELETE("/forms/:formId/custom-fields/:fieldId", h.DeleteCustomField)
	admin.POST("/forms/:formId/reset", h.Reset)
}

type fieldsResponse struct {
	FormID    string          `json:"form_id"`
	Scope     string          `json:"scope"`
	Fields    []formdef.Field `json:"fields"`
	Overrides Overrides       `json:"overrides"`
}

func (h *Handler) GetFields(c echo.Context) error {
	ctx := c.Request().Context()
	formID, scope := c.Param("formId"), c.QueryParam("scope")

	fields, err := h.svc.EffectiveFields(ctx, formID, c.QueryParam("lang"), scope)
	if err != nil {
		return formError(err)
	}
	overrides, err := h.svc.Overrides(ctx, formID, scope)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load overrides")
	}
	return c.JSON(http.StatusOK, fieldsResponse{
		FormID:    formID,
		Scope:     scope,
		Fields:    fields.Sorted(),
		Overrides: overrides,
	})
}

func (h *Handler) SaveOverrides(c echo.Context) error {
	var body Overrides
	if err := decodeJSON(c, &body); err != nil {
		return err
	}
	if err := h.svc.SaveOverrides(c.Request().Context(), c.Param("formId"), body, c.QueryParam("scope")); err != nil {
		return formError(err)
	}
	h.changed(c, "overrides")
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) SaveInfo(c echo.Context) error {
	var body map[string]string
	if err := decodeJSON(c, &body); err != nil {
		return err
	}
	if err := h.svc.SaveInfoOverrides(c.Request().Context(), c.Param("formId"), body, c.QueryParam("scope")); err != nil {
		return formError(err)
	}
	h.changed(c, "info")
	return c.NoContent(http.StatusNoContent)
}

type customFieldRequest struct {
	ID string `json:"id"`
	CustomFieldInput
}

func (h *Handler) AddCustomField(c echo.Context) error {
	var body customFieldRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	id, err := h.svc.AddCustomField(c.Request().Context(), c.Param("formId"), body.ID, body.CustomFieldInput, c.QueryParam("scope"))
	if err != nil {
		return formError(err)
	}
	h.changed(c, "custom_field_added")
	return c.JSON(http.StatusCreated, map[string]string{"id": id})
}

func (h *Handler) DeleteCustomField(c echo.Context) error {
	err := h.svc.DeleteCustomField(c.Request().Context(), c.Param("formId"), c.Param("fieldId"), c.QueryParam("scope"))
	if err != nil {
		return formError(err)
	}
	h.changed(c, "custom_field_deleted")
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Reset(c echo.Context) error {
	if err := h.svc.ResetToDefaults(c.Request().Context(), c.Param("formId"), c.QueryParam("scope")); err != nil {
		return formError(err)
	}
	h.changed(c, "reset")
	return c.NoContent(http.StatusNoContent)
}

// decodeJSON reads map-shaped bodies directly; echo's binder would also copy
// path parameters into them.
func decodeJSON(c echo.Context, dst any) error {
	if err := json.NewDecoder(c.Request().Body).Decode(dst); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	return nil
}

func formError(err error) error {
	switch {
	case errors.Is(err, formdef.ErrFormNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "form not found")
	case errors.Is(err, ErrNotCustomField), errors.Is(err, ErrInvalidField):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to update form configuration")
	}
}
