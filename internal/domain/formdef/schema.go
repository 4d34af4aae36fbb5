package formdef

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ehr/intake/internal/domain/condition"
	"github.com/ehr/intake/internal/domain/formdata"
)

// Text is a human-readable schema string. Multi-file schemas carry plain
// strings; inline-translation schemas carry a language→text map.
type Text struct {
	plain  string
	byLang map[string]string
}

// PlainText builds a Text holding a single-language string.
func PlainText(s string) Text { return Text{plain: s} }

// Translations builds an inline-translated Text.
func Translations(m map[string]string) Text { return Text{byLang: m} }

func (t *Text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*t = Text{}
		return nil
	}
	if b[0] == '{' {
		var m map[string]string
		if err := json.Unmarshal(b, &m); err != nil {
			return fmt.Errorf("translated text: %w", err)
		}
		*t = Text{byLang: m}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var v any
		if err2 := json.Unmarshal(b, &v); err2 != nil {
			return err
		}
		s = formdata.Scalar(v)
	}
	*t = Text{plain: s}
	return nil
}

// IsTranslated reports whether the text is an inline language map.
func (t Text) IsTranslated() bool { return t.byLang != nil }

// Resolve picks the text for lang, then fallback, then the alphabetically
// first language present. Plain text is returned as is.
func (t Text) Resolve(lang, fallback string) string {
	if t.byLang == nil {
		return t.plain
	}
	if s, ok := t.byLang[lang]; ok && s != "" {
		return s
	}
	if s, ok := t.byLang[fallback]; ok && s != "" {
		return s
	}
	keys := make([]string, 0, len(t.byLang))
	for k, v := range t.byLang {
		if v != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)
	return t.byLang[keys[0]]
}

// RawDefinition is a schema as stored, before localization.
type RawDefinition struct {
	ID          string       `json:"id"`
	Name        Text         `json:"name"`
	Description Text         `json:"description"`
	Version     any          `json:"version"`
	Sections    []RawSection `json:"sections"`
	Fields      []RawField   `json:"fields"`
}

type RawSection struct {
	ID        string               `json:"id"`
	Label     Text                 `json:"label"`
	Order     int                  `json:"order"`
	Condition *condition.Condition `json:"condition,omitempty"`
}

type RawOption struct {
	Value any  `json:"value"`
	Label Text `json:"label"`
}

type RawField struct {
	ID          string               `json:"id"`
	Section     string               `json:"section"`
	Type        string               `json:"type"`
	Order       int                  `json:"order"`
	Required    bool                 `json:"required"`
	Enabled     *bool                `json:"enabled"`
	Label       Text                 `json:"label"`
	Placeholder Text                 `json:"placeholder"`
	Info        Text                 `json:"info"`
	Options     []RawOption          `json:"options"`
	Accept      string               `json:"accept"`
	Default     any                  `json:"default"`
	Condition   *condition.Condition `json:"condition,omitempty"`
}

// Decode parses a schema document. format is "json" or "yaml".
func Decode(data []byte, format string) (*RawDefinition, error) {
	if format == "yaml" {
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode yaml schema: %w", err)
		}
		converted, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("convert yaml schema: %w", err)
		}
		data = converted
	}

	var raw RawDefinition
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	if err := raw.validate(); err != nil {
		return nil, err
	}
	return &raw, nil
}

func (r *RawDefinition) validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("schema: id is required")
	}
	seen := make(map[string]bool, len(r.Fields))
	for _, f := range r.Fields {
		if f.ID == "" {
			return fmt.Errorf("schema %s: field without id", r.ID)
		}
		if seen[f.ID] {
			return fmt.Errorf("schema %s: duplicate field id %q", r.ID, f.ID)
		}
		seen[f.ID] = true
		if _, err := ParseFieldType(f.Type); err != nil {
			return fmt.Errorf("schema %s: field %s: %w", r.ID, f.ID, err)
		}
	}
	return nil
}

// Localize projects raw text onto lang (falling back to fallback) and
// orders sections and fields by their order value. Equal orders keep their
// document order.
func Localize(raw *RawDefinition, lang, fallback string) (*FormDefinition, error) {
	def := &FormDefinition{
		ID:          raw.ID,
		Name:        raw.Name.Resolve(lang, fallback),
		Description: raw.Description.Resolve(lang, fallback),
		Version:     formdata.Scalar(raw.Version),
		Language:    lang,
		Sections:    make([]Section, 0, len(raw.Sections)),
		Fields:      make([]Field, 0, len(raw.Fields)),
	}
	if def.Version == "" {
		def.Version = "1"
	}

	for _, s := range raw.Sections {
		def.Sections = append(def.Sections, Section{
			ID:        s.ID,
			Label:     s.Label.Resolve(lang, fallback),
			Order:     s.Order,
			Condition: s.Condition,
		})
	}

	for _, rf := range raw.Fields {
		f := Field{
			ID:          rf.ID,
			Section:     rf.Section,
			Type:        FieldType(rf.Type),
			Order:       rf.Order,
			Required:    rf.Required,
			Enabled:     rf.Enabled == nil || *rf.Enabled,
			Label:       rf.Label.Resolve(lang, fallback),
			Placeholder: rf.Placeholder.Resolve(lang, fallback),
			Info:        rf.Info.Resolve(lang, fallback),
			Accept:      rf.Accept,
			Default:     rf.Default,
			Condition:   rf.Condition,
		}
		for _, o := range rf.Options {
			value := formdata.Scalar(o.Value)
			label := o.Label.Resolve(lang, fallback)
			if label == "" {
				label = value
			}
			f.Options = append(f.Options, Option{Value: value, Label: label})
		}
		if err := f.Normalize(); err != nil {
			return nil, fmt.Errorf("schema %s: %w", raw.ID, err)
		}
		def.Fields = append(def.Fields, f)
	}

	sort.SliceStable(def.Sections, func(i, j int) bool {
		return def.Sections[i].Order < def.Sections[j].Order
	})
	sort.SliceStable(def.Fields, func(i, j int) bool {
		return def.Fields[i].Order < def.Fields[j].Order
	})
	return def, nil
}
