// Package validation checks intake submissions against the effective form
// schema or the fixed service request rules.
package validation

import (
	"sort"
	"time"

	"github.com/ehr/intake/internal/domain/condition"
	"github.com/ehr/intake/internal/domain/formdata"
	"github.com/ehr/intake/internal/domain/formdef"
)

// Result is the outcome of a validation run. Errors maps field ids to
// localized messages.
type Result struct {
	Valid  bool              `json:"valid"`
	Errors map[string]string `json:"errors,omitempty"`
}

// FallbackRequired is checked when no effective field map is available.
var FallbackRequired = []string{"vorname", "nachname", "email", "telefon", "kasse", "datenschutz_einwilligung"}

// ConsentKeys are the accepted names of the privacy consent flag.
var ConsentKeys = []string{"datenschutz", "datenschutz_einwilligung", "dsgvo_einwilligung", "privacy_consent"}

// InsuranceKeys are the accepted names of the insurance indicator.
var InsuranceKeys = []string{"versicherung", "kasse"}

var serviceRequired = []string{"vorname", "nachname", "telefon", "email"}

// Reporter collects field errors of a service rule.
type Reporter interface {
	Report(field string, key MessageKey)
}

// ServiceRule adds the checks of one service type to a fixed-schema run.
type ServiceRule func(v formdata.Values, r Reporter)

// Validator validates submissions. The zero value is not usable; create
// one with New.
type Validator struct {
	lang     string
	now      func() time.Time
	services map[string]ServiceRule
}

type Option func(*Validator)

// WithClock sets the time source used for date of birth checks.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// WithLanguage selects the message language.
func WithLanguage(lang string) Option {
	return func(v *Validator) { v.lang = lang }
}

// New creates a Validator with the built-in service rules registered.
func New(opts ...Option) *Validator {
	v := &Validator{
		lang:     "de",
		now:      time.Now,
		services: make(map[string]ServiceRule),
	}
	for name, rule := range builtinServices {
		v.services[name] = rule
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ForLanguage returns a copy of v reporting messages in lang.
func (v *Validator) ForLanguage(lang string) *Validator {
	out := *v
	out.lang = lang
	return &out
}

// RegisterService adds or replaces the rule of a service type. Registered
// types are the accepted serviceType values.
func (v *Validator) RegisterService(serviceType string, rule ServiceRule) {
	v.services[serviceType] = rule
}

// ServiceTypes lists the accepted serviceType values.
func (v *Validator) ServiceTypes() []string {
	out := make([]string, 0, len(v.services))
	for k := range v.services {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type errorSet struct {
	lang   string
	errors map[string]string
}

func (e *errorSet) Report(field string, key MessageKey) {
	if _, ok := e.errors[field]; ok {
		return
	}
	e.errors[field] = Message(e.lang, key)
}

func (e *errorSet) result() Result {
	if len(e.errors) == 0 {
		return Result{Valid: true}
	}
	return Result{Valid: false, Errors: e.errors}
}

func (v *Validator) newErrorSet() *errorSet {
	return &errorSet{lang: v.lang, errors: make(map[string]string)}
}

// ValidateSchema checks a submission against the effective fields of a form.
// A nil map selects the built-in required set.
func (v *Validator) ValidateSchema(values formdata.Values, fields formdef.FieldMap) Result {
	errs := v.newErrorSet()

	if fields == nil {
		for _, key := range FallbackRequired {
			if values.IsEmpty(key) || (key == "datenschutz_einwilligung" && !values.Checked(key)) {
				errs.Report(key, MsgRequired)
			}
		}
		v.checkBirthDate(values, errs, true)
		v.checkFormat(values, "telefon", formdef.TypeTel, errs)
		v.checkFormat(values, "email", formdef.TypeEmail, errs)
		return errs.result()
	}

	for _, f := range fields.Sorted() {
		if !f.Enabled || !condition.Active(f.Condition, values) {
			continue
		}
		switch {
		case f.ID == BirthDateField:
			v.checkBirthDate(values, errs, f.Required)
			continue
		case f.Type == formdef.TypeTel, f.Type == formdef.TypeEmail:
			v.checkFormat(values, f.ID, f.Type, errs)
		}
		if !f.Required || f.Type == formdef.TypeSignature || f.Type == formdef.TypeButton {
			continue
		}
		if values.IsEmpty(f.ID) || (f.Type == formdef.TypeCheckbox && !values.Checked(f.ID)) {
			errs.Report(f.ID, MsgRequired)
		}
	}
	return errs.result()
}

func consented(values formdata.Values) bool {
	for _, key := range ConsentKeys {
		if values.Checked(key) {
			return true
		}
	}
	return false
}

// ValidateServiceRequest checks a widget service request, independent of
// any form schema.
func (v *Validator) ValidateServiceRequest(values formdata.Values) Result {
	errs := v.newErrorSet()

	if !consented(values) {
		errs.Report("datenschutz", MsgConsent)
	}

	serviceType := values.Trimmed("serviceType")
	rule, known := v.services[serviceType]
	if !known {
		errs.Report("serviceType", MsgServiceType)
	}

	for _, key := range serviceRequired {
		if values.IsEmpty(key) {
			errs.Report(key, MsgRequired)
		}
	}
	if _, ok := values.FirstPresent(InsuranceKeys...); !ok {
		errs.Report("versicherung", MsgInsurance)
	}

	v.checkBirthDate(values, errs, true)
	v.checkFormat(values, "telefon", formdef.TypeTel, errs)
	v.checkFormat(values, "email", formdef.TypeEmail, errs)

	if known && rule != nil {
		rule(values, errs)
	}
	return errs.result()
}

func (v *Validator) checkBirthDate(values formdata.Values, errs *errorSet, required bool) {
	_, err := ParseBirthDate(values, v.now())
	if err == nil {
		return
	}
	if err == ErrBirthDateMissing && !required {
		return
	}
	errs.Report(BirthDateField, birthDateMessage(err))
}

func (v *Validator) checkFormat(values formdata.Values, key string, kind formdef.FieldType, errs *errorSet) {
	s := values.Trimmed(key)
	if s == "" {
		return
	}
	switch kind {
	case formdef.TypeTel:
		if ValidatePhone(s) != nil {
			errs.Report(key, MsgPhone)
		}
	case formdef.TypeEmail:
		if ValidateEmail(s) != nil {
			errs.Report(key, MsgEmail)
		}
	}
}
