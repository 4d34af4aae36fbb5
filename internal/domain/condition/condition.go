// Package condition decides whether a conditional field or section is
// active for a given set of submitted values.
package condition

import (
	"strings"

	"github.com/ehr/intake/internal/domain/formdata"
)

// Condition references another field's submitted value. Value and Contains
// are nil when not set in the schema.
type Condition struct {
	Field    string `json:"field" yaml:"field"`
	Value    any    `json:"value,omitempty" yaml:"value,omitempty"`
	Contains any    `json:"contains,omitempty" yaml:"contains,omitempty"`
}

// IsMet reports whether c holds for data. A referenced field that is absent
// from data never satisfies a condition.
func IsMet(c Condition, data map[string]any) bool {
	current, ok := data[c.Field]
	if !ok {
		return false
	}

	if c.Contains != nil {
		return containsAny(formdata.ToStrings(current), formdata.Scalar(c.Contains))
	}

	if c.Value != nil {
		if formdata.IsList(current) {
			return containsAny(formdata.ToStrings(current), formdata.Scalar(c.Value))
		}
		if formdata.IsList(c.Value) {
			return containsAny(formdata.ToStrings(c.Value), formdata.Scalar(current))
		}
		return normalize(formdata.Scalar(current)) == normalize(formdata.Scalar(c.Value))
	}

	return true
}

// Active is IsMet for an optional condition: no condition means active.
func Active(c *Condition, data map[string]any) bool {
	if c == nil || strings.TrimSpace(c.Field) == "" {
		return true
	}
	return IsMet(*c, data)
}

func containsAny(set []string, needle string) bool {
	needle = normalize(needle)
	for _, s := range set {
		if normalize(s) == needle {
			return true
		}
	}
	return false
}

func normalize(s string) string {
	return strings.TrimSpace(s)
}
