package hipaa

import "strings"

// PHIFieldGroup names a category of intake keys that identify a patient
// (HIPAA Safe Harbor, 45 CFR 164.514(b)(2)) together with the submission keys
// that carry it.
type PHIFieldGroup struct {
	Category string
	Keys     []string
}

// DefaultPHIFields returns the identifying keys of the built-in intake forms.
// Free text answers are not listed; they never leave the encrypted payload.
func DefaultPHIFields() []PHIFieldGroup {
	return []PHIFieldGroup{
		{Category: "name", Keys: []string{"vorname", "nachname", "name", "titel"}},
		{Category: "birth_date", Keys: []string{
			"geburtsdatum", "geburtsdatum_iso",
			"geburtsdatum_tag", "geburtsdatum_monat", "geburtsdatum_jahr",
		}},
		{Category: "contact", Keys: []string{"telefon", "mobil", "email"}},
		{Category: "address", Keys: []string{
			"strasse", "plz", "ort",
			"versand_strasse", "versand_plz", "versand_ort",
		}},
		{Category: "identifier", Keys: []string{"versichertennummer", "versicherungsnummer"}},
		{Category: "biometric", Keys: []string{"signature"}},
	}
}

var phiKeys = func() map[string]bool {
	keys := make(map[string]bool, 32)
	for _, g := range DefaultPHIFields() {
		for _, k := range g.Keys {
			keys[k] = true
		}
	}
	return keys
}()

var phiFragments = []string{"name", "email", "telefon", "phone", "geburt", "strasse", "adresse"}

// IsPHIKey reports whether a key may carry identifying data: a listed key or
// one containing an identifying fragment such as "email".
func IsPHIKey(key string) bool {
	k := strings.ToLower(key)
	if phiKeys[k] {
		return true
	}
	for _, f := range phiFragments {
		if strings.Contains(k, f) {
			return true
		}
	}
	return false
}

// StripPHI returns a copy of details without identifying keys.
func StripPHI(details map[string]string) map[string]string {
	out := make(map[string]string, len(details))
	for k, v := range details {
		if !IsPHIKey(k) {
			out[k] = v
		}
	}
	return out
}
