package overlay

import (
	"regexp"
	"strings"

	"github.com/ehr/intake/internal/domain/condition"
	"github.com/ehr/intake/internal/domain/formdef"
)

// CustomPrefix marks fields created per deployment. Default schema ids never
// carry it.
const CustomPrefix = "custom_"

const (
	nsOverrides    = "intake_field_overrides"
	nsCustomFields = "intake_custom_fields"
	nsInfo         = "intake_info_overrides"
	globalScope    = "global"
)

func storeKey(ns, formID, scope string) string {
	if scope == "" {
		scope = globalScope
	}
	return ns + ":" + formID + ":" + scope
}

// FieldDelta holds the presentation keys of a default field that differ for
// a deployment. A nil member means "use the default".
type FieldDelta struct {
	Label    *string `json:"label,omitempty"`
	Enabled  *bool   `json:"enabled,omitempty"`
	Required *bool   `json:"required,omitempty"`
	Order    *int    `json:"order,omitempty"`
}

// IsZero reports whether the delta changes nothing.
func (d FieldDelta) IsZero() bool {
	return d.Label == nil && d.Enabled == nil && d.Required == nil && d.Order == nil
}

// Apply returns f with the delta's keys replacing the default values.
func (d FieldDelta) Apply(f formdef.Field) formdef.Field {
	if d.Label != nil {
		f.Label = *d.Label
	}
	if d.Enabled != nil {
		f.Enabled = *d.Enabled
	}
	if d.Required != nil {
		f.Required = *d.Required
	}
	if d.Order != nil {
		f.Order = *d.Order
	}
	return f
}

// Diff returns the minimal delta that turns def into f.
func Diff(def, f formdef.Field) FieldDelta {
	var d FieldDelta
	if f.Label != def.Label {
		d.Label = ptr(f.Label)
	}
	if f.Enabled != def.Enabled {
		d.Enabled = ptr(f.Enabled)
	}
	if f.Required != def.Required {
		d.Required = ptr(f.Required)
	}
	if f.Order != def.Order {
		d.Order = ptr(f.Order)
	}
	return d
}

// merge folds the submitted keys of s into the stored delta d. Submitted keys
// equal to the default are dropped from the result.
func merge(def formdef.Field, d, s FieldDelta) FieldDelta {
	if s.Label != nil {
		d.Label = nil
		if *s.Label != def.Label {
			d.Label = ptr(*s.Label)
		}
	}
	if s.Enabled != nil {
		d.Enabled = nil
		if *s.Enabled != def.Enabled {
			d.Enabled = ptr(*s.Enabled)
		}
	}
	if s.Required != nil {
		d.Required = nil
		if *s.Required != def.Required {
			d.Required = ptr(*s.Required)
		}
	}
	if s.Order != nil {
		d.Order = nil
		if *s.Order != def.Order {
			d.Order = ptr(*s.Order)
		}
	}
	return d
}

func ptr[T any](v T) *T { return &v }

// Overrides maps default field ids to their deltas.
type Overrides map[string]FieldDelta

// CustomFieldInput is the admin payload for a custom field. Unset members
// receive defaults when the field is added.
type CustomFieldInput struct {
	Label       string               `json:"label"`
	Type        string               `json:"type"`
	Section     string               `json:"section"`
	Placeholder string               `json:"placeholder"`
	Info        string               `json:"info"`
	Options     []formdef.Option     `json:"options"`
	Accept      string               `json:"accept"`
	Required    *bool                `json:"required"`
	Enabled     *bool                `json:"enabled"`
	Order       *int                 `json:"order"`
	Condition   *condition.Condition `json:"condition"`
}

var nonIDChars = regexp.MustCompile(`[^a-z0-9_]+`)

// NormalizeCustomID lower-cases id, replaces characters outside [a-z0-9_]
// and makes sure the result carries CustomPrefix. It returns "" when nothing
// usable remains.
func NormalizeCustomID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	id = nonIDChars.ReplaceAllString(id, "_")
	id = strings.Trim(id, "_")
	if id == "" || id+"_" == CustomPrefix {
		return ""
	}
	if !strings.HasPrefix(id, CustomPrefix) {
		id = CustomPrefix + id
	}
	return id
}
