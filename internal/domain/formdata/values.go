// Package formdata holds the untyped key/value payload a client submits.
package formdata

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Values is a raw submission as received from a client. Values are
// scalars (string, bool, number) or lists of scalars.
type Values map[string]any

// FromURLValues converts a decoded form body. Keys ending in "[]" and keys
// with more than one value become lists.
func FromURLValues(form url.Values) Values {
	out := make(Values, len(form))
	for key, vals := range form {
		name := strings.TrimSuffix(key, "[]")
		if name != key || len(vals) > 1 {
			list := make([]string, len(vals))
			copy(list, vals)
			out[name] = list
			continue
		}
		if len(vals) == 1 {
			out[name] = vals[0]
		}
	}
	return out
}

// Has reports whether key is present at all, empty or not.
func (v Values) Has(key string) bool {
	_, ok := v[key]
	return ok
}

// String returns the scalar value of key. Lists yield their first element.
func (v Values) String(key string) string {
	raw, ok := v[key]
	if !ok {
		return ""
	}
	if list := ToStrings(raw); len(list) > 0 {
		return list[0]
	}
	return ""
}

// Trimmed is String with surrounding whitespace removed.
func (v Values) Trimmed(key string) string {
	return strings.TrimSpace(v.String(key))
}

// Strings returns the value of key as a list. A scalar becomes a
// one-element list.
func (v Values) Strings(key string) []string {
	raw, ok := v[key]
	if !ok {
		return nil
	}
	return ToStrings(raw)
}

// IsEmpty reports whether key is absent, blank, or a list without a
// non-blank element.
func (v Values) IsEmpty(key string) bool {
	raw, ok := v[key]
	if !ok || raw == nil {
		return true
	}
	for _, s := range ToStrings(raw) {
		if strings.TrimSpace(s) != "" {
			return false
		}
	}
	return true
}

// FirstPresent returns the first key from keys that holds a non-empty value.
func (v Values) FirstPresent(keys ...string) (string, bool) {
	for _, k := range keys {
		if !v.IsEmpty(k) {
			return k, true
		}
	}
	return "", false
}

// Checked reports whether a checkbox style key holds a truthy value.
// Absent, blank, "0", "false", "off" and "no" are unchecked.
func (v Values) Checked(key string) bool {
	for _, s := range v.Strings(key) {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "", "0", "false", "off", "no":
		default:
			return true
		}
	}
	return false
}

// Clone returns a shallow copy; list values are copied.
func (v Values) Clone() Values {
	out := make(Values, len(v))
	for k, val := range v {
		switch typed := val.(type) {
		case []string:
			out[k] = append([]string(nil), typed...)
		case []any:
			out[k] = append([]any(nil), typed...)
		default:
			out[k] = val
		}
	}
	return out
}

// ToStrings normalizes a scalar or list into strings. Booleans become
// "1"/"0" so checkbox values compare the same way whether they arrive as
// JSON booleans or form strings.
func ToStrings(raw any) []string {
	switch typed := raw.(type) {
	case nil:
		return nil
	case []string:
		return typed
	case []any:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			out = append(out, Scalar(item))
		}
		return out
	default:
		return []string{Scalar(raw)}
	}
}

// Scalar renders a single value as a string.
func Scalar(raw any) string {
	switch typed := raw.(type) {
	case nil:
		return ""
	case string:
		return typed
	case bool:
		if typed {
			return "1"
		}
		return "0"
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case int:
		return strconv.Itoa(typed)
	case int64:
		return strconv.FormatInt(typed, 10)
	default:
		return fmt.Sprint(typed)
	}
}

// IsList reports whether raw is a multi-valued input.
func IsList(raw any) bool {
	switch raw.(type) {
	case []string, []any:
		return true
	}
	return false
}
