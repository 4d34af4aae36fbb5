package formdef

import (
	"fmt"
	"sort"

	"github.com/ehr/intake/internal/domain/condition"
)

// FieldType is the closed set of field kinds a schema may declare.
type FieldType string

const (
	TypeText           FieldType = "text"
	TypeEmail          FieldType = "email"
	TypeTel            FieldType = "tel"
	TypeDate           FieldType = "date"
	TypeTextarea       FieldType = "textarea"
	TypeSelect         FieldType = "select"
	TypeRadio          FieldType = "radio"
	TypeCheckbox       FieldType = "checkbox"
	TypeCheckboxGroup  FieldType = "checkbox_group"
	TypeFile           FieldType = "file"
	TypeMedicationList FieldType = "medication_list"
	TypeSignature      FieldType = "signature"
	TypeButton         FieldType = "button"
)

var validFieldTypes = map[FieldType]bool{
	TypeText: true, TypeEmail: true, TypeTel: true, TypeDate: true,
	TypeTextarea: true, TypeSelect: true, TypeRadio: true, TypeCheckbox: true,
	TypeCheckboxGroup: true, TypeFile: true, TypeMedicationList: true,
	TypeSignature: true, TypeButton: true,
}

// ParseFieldType validates a declared type. An empty string means text.
func ParseFieldType(s string) (FieldType, error) {
	if s == "" {
		return TypeText, nil
	}
	t := FieldType(s)
	if !validFieldTypes[t] {
		return "", fmt.Errorf("unknown field type %q", s)
	}
	return t, nil
}

// IsChoice reports whether the kind carries an options list.
func (t FieldType) IsChoice() bool {
	return t == TypeSelect || t == TypeRadio || t == TypeCheckboxGroup
}

// Option is one selectable value of a choice field.
type Option struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// Section groups fields on the rendered form.
type Section struct {
	ID        string               `json:"id"`
	Label     string               `json:"label"`
	Order     int                  `json:"order"`
	Condition *condition.Condition `json:"condition,omitempty"`
}

// Field is a single form input. Options is only set for choice kinds and
// Accept only for file fields.
type Field struct {
	ID          string               `json:"id"`
	Section     string               `json:"section,omitempty"`
	Type        FieldType            `json:"type"`
	Order       int                  `json:"order"`
	Required    bool                 `json:"required"`
	Enabled     bool                 `json:"enabled"`
	Label       string               `json:"label"`
	Placeholder string               `json:"placeholder,omitempty"`
	Info        string               `json:"info,omitempty"`
	Options     []Option             `json:"options,omitempty"`
	Accept      string               `json:"accept,omitempty"`
	Default     any                  `json:"default,omitempty"`
	Condition   *condition.Condition `json:"condition,omitempty"`
	IsCustom    bool                 `json:"is_custom,omitempty"`
}

// Normalize enforces the per-kind payload rules.
func (f *Field) Normalize() error {
	if f.ID == "" {
		return fmt.Errorf("field without id")
	}
	t, err := ParseFieldType(string(f.Type))
	if err != nil {
		return fmt.Errorf("field %s: %w", f.ID, err)
	}
	f.Type = t
	if t.IsChoice() {
		if len(f.Options) == 0 {
			return fmt.Errorf("field %s: %s requires options", f.ID, t)
		}
	} else {
		f.Options = nil
	}
	if t != TypeFile {
		f.Accept = ""
	}
	return nil
}

// Clone returns a copy that shares no slices with f.
func (f Field) Clone() Field {
	if f.Options != nil {
		f.Options = append([]Option(nil), f.Options...)
	}
	if f.Condition != nil {
		c := *f.Condition
		f.Condition = &c
	}
	return f
}

// FormDefinition is a localized, ordered form schema.
type FormDefinition struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Version     string    `json:"version"`
	Language    string    `json:"language"`
	Sections    []Section `json:"sections"`
	Fields      []Field   `json:"fields"`
}

// Clone returns a deep enough copy for callers to modify freely.
func (d *FormDefinition) Clone() *FormDefinition {
	out := *d
	out.Sections = append([]Section(nil), d.Sections...)
	out.Fields = make([]Field, len(d.Fields))
	for i, f := range d.Fields {
		out.Fields[i] = f.Clone()
	}
	return &out
}

// FieldMap returns the fields keyed by id.
func (d *FormDefinition) FieldMap() FieldMap {
	m := make(FieldMap, len(d.Fields))
	for _, f := range d.Fields {
		m[f.ID] = f.Clone()
	}
	return m
}

// Field looks up a field by id.
func (d *FormDefinition) Field(id string) (Field, bool) {
	for _, f := range d.Fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

// FieldMap is the effective set of fields of a form, keyed by id.
type FieldMap map[string]Field

// Sorted returns the fields ordered by Order, ties broken by id.
func (m FieldMap) Sorted() []Field {
	out := make([]Field, 0, len(m))
	for _, f := range m {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// MaxOrder returns the highest order value, or 0 for an empty map.
func (m FieldMap) MaxOrder() int {
	max := 0
	for _, f := range m {
		if f.Order > max {
			max = f.Order
		}
	}
	return max
}

// Clone copies the map and its fields.
func (m FieldMap) Clone() FieldMap {
	if m == nil {
		return nil
	}
	out := make(FieldMap, len(m))
	for k, f := range m {
		out[k] = f.Clone()
	}
	return out
}
