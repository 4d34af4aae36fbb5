// Package sanitize cleans submitted values before storage and applies the
// per-service field transforms.
package sanitize

import (
	"encoding/base64"
	"html"
	"regexp"
	"strings"
	"sync"
	"unicode"

	"github.com/microcosm-cc/bluemonday"

	"github.com/ehr/intake/internal/domain/formdata"
	"github.com/ehr/intake/internal/domain/formdef"
	"github.com/ehr/intake/internal/domain/validation"
)

// TextareaKeys are free-text inputs whose line breaks are kept.
var TextareaKeys = []string{
	"anmerkungen", "beschwerden", "allergien", "medikamente_freitext",
	"vorerkrankungen", "nachricht", "ueberweisung_grund", "brille_problem",
	"dokument_beschreibung", "termin_anmerkung", "absage_grund",
}

// ExcludedKeys are control inputs. They drive the pipeline and are never
// stored.
var ExcludedKeys = []string{
	"form_token", "action", "nonce",
	"datenschutz", "datenschutz_einwilligung", "dsgvo_einwilligung", "privacy_consent",
	"website", "company_name",
	"uploaded_files",
}

const (
	// SignatureKey holds the drawn signature as an image data URI.
	SignatureKey = "signature"
	// OpaqueKey holds text that is escaped by the client already.
	OpaqueKey = "medikamente_liste"
)

var (
	signatureURI = regexp.MustCompile(`^data:image/(png|jpeg);base64,([A-Za-z0-9+/]+={0,2})$`)
	spaceRun     = regexp.MustCompile(`[ \t]+`)
	anySpaceRun  = regexp.MustCompile(`\s+`)
	blankLines   = regexp.MustCompile(`\n{3,}`)
)

var (
	textPolicyOnce sync.Once
	textPolicy     *bluemonday.Policy
)

func textSanitizer() *bluemonday.Policy {
	textPolicyOnce.Do(func() {
		textPolicy = bluemonday.StrictPolicy()
	})
	return textPolicy
}

// Policy selects the cleaning rule of each key by its meaning.
type Policy struct {
	textarea map[string]bool
	excluded map[string]bool
}

// NewPolicy creates a Policy with the default key sets.
func NewPolicy() *Policy {
	p := &Policy{
		textarea: make(map[string]bool, len(TextareaKeys)),
		excluded: make(map[string]bool, len(ExcludedKeys)),
	}
	for _, k := range TextareaKeys {
		p.textarea[k] = true
	}
	for _, k := range ExcludedKeys {
		p.excluded[k] = true
	}
	return p
}

// Apply returns the cleaned copy of values. Custom textarea fields from
// fields keep their line breaks too. Excluded keys, invalid e-mail
// addresses and signatures that are not png or jpeg data URIs are dropped;
// besides "signature" every field of type signature is checked.
func (p *Policy) Apply(values formdata.Values, fields formdef.FieldMap) map[string]any {
	out := make(map[string]any, len(values))
	for key, raw := range values {
		if p.excluded[key] {
			continue
		}
		switch {
		case key == SignatureKey || fields[key].Type == formdef.TypeSignature:
			if sig, ok := Signature(formdata.Scalar(raw)); ok {
				out[key] = sig
			}
		case key == OpaqueKey:
			out[key] = stripControl(formdata.Scalar(raw), true)
		case strings.Contains(key, "email"):
			if addr, ok := Email(formdata.Scalar(raw)); ok {
				out[key] = addr
			}
		default:
			out[key] = p.value(raw, p.multiline(key, fields))
		}
	}
	return out
}

func (p *Policy) multiline(key string, fields formdef.FieldMap) bool {
	if p.textarea[key] {
		return true
	}
	f, ok := fields[key]
	return ok && f.IsCustom && f.Type == formdef.TypeTextarea
}

func (p *Policy) value(raw any, multiline bool) any {
	switch typed := raw.(type) {
	case nil:
		return ""
	case string:
		return clean(typed, multiline)
	case []string:
		out := make([]string, len(typed))
		for i, s := range typed {
			out[i] = clean(s, multiline)
		}
		return out
	case []any:
		out := make([]string, len(typed))
		for i, s := range typed {
			out[i] = clean(formdata.Scalar(s), multiline)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, v := range typed {
			out[k] = p.value(v, false)
		}
		return out
	case bool, float64, int, int64:
		return typed
	default:
		return clean(formdata.Scalar(typed), multiline)
	}
}

// Text strips markup and control characters and collapses whitespace.
func Text(s string) string { return clean(s, false) }

// Multiline is Text that keeps line breaks.
func Multiline(s string) string { return clean(s, true) }

func clean(s string, multiline bool) string {
	s = html.UnescapeString(textSanitizer().Sanitize(s))
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = stripControl(s, multiline)
	if !multiline {
		return strings.TrimSpace(anySpaceRun.ReplaceAllString(s, " "))
	}
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(spaceRun.ReplaceAllString(l, " "))
	}
	return strings.TrimSpace(blankLines.ReplaceAllString(strings.Join(lines, "\n"), "\n\n"))
}

func stripControl(s string, keepNewlines bool) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n' && keepNewlines:
			return r
		case r == '\n', r == '\t':
			return ' '
		case unicode.IsControl(r):
			return -1
		}
		return r
	}, s)
}

// Email lower-cases and trims s. It reports false when s is not an address.
func Email(s string) (string, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || validation.ValidateEmail(s) != nil {
		return "", false
	}
	return s, true
}

// Signature accepts a png or jpeg base64 data URI.
func Signature(s string) (string, bool) {
	s = strings.TrimSpace(s)
	m := signatureURI.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	if _, err := base64.StdEncoding.DecodeString(m[2]); err != nil {
		return "", false
	}
	return s, true
}
