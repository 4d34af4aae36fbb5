package validation

// MessageKey identifies a user-facing validation message.
type MessageKey string

const (
	MsgRequired          MessageKey = "required"
	MsgConsent           MessageKey = "consent"
	MsgServiceType       MessageKey = "service_type"
	MsgInsurance         MessageKey = "insurance"
	MsgBirthDateMissing  MessageKey = "birth_date_missing"
	MsgBirthDatePartial  MessageKey = "birth_date_incomplete"
	MsgBirthDateInvalid  MessageKey = "birth_date_invalid"
	MsgBirthDateFuture   MessageKey = "birth_date_future"
	MsgPhone             MessageKey = "phone"
	MsgEmail             MessageKey = "email"
	MsgMedicationMissing MessageKey = "medication_missing"
	MsgMedicationTooMany MessageKey = "medication_too_many"
)

var catalog = map[string]map[MessageKey]string{
	"de": {
		MsgRequired:          "Dieses Feld ist ein Pflichtfeld.",
		MsgConsent:           "Bitte stimmen Sie der Datenschutzerklärung zu.",
		MsgServiceType:       "Bitte wählen Sie eine gültige Anfrageart.",
		MsgInsurance:         "Bitte geben Sie Ihre Versicherungsart an.",
		MsgBirthDateMissing:  "Bitte geben Sie Ihr Geburtsdatum an.",
		MsgBirthDatePartial:  "Das Geburtsdatum ist unvollständig.",
		MsgBirthDateInvalid:  "Das Geburtsdatum ist ungültig.",
		MsgBirthDateFuture:   "Das Geburtsdatum darf nicht in der Zukunft liegen.",
		MsgPhone:             "Bitte geben Sie eine gültige Telefonnummer an.",
		MsgEmail:             "Bitte geben Sie eine gültige E-Mail-Adresse an.",
		MsgMedicationMissing: "Bitte geben Sie mindestens ein Medikament an.",
		MsgMedicationTooMany: "Es können höchstens drei Medikamente angefragt werden.",
	},
	"en": {
		MsgRequired:          "This field is required.",
		MsgConsent:           "Please accept the privacy policy.",
		MsgServiceType:       "Please choose a valid request type.",
		MsgInsurance:         "Please state your insurance type.",
		MsgBirthDateMissing:  "Please enter your date of birth.",
		MsgBirthDatePartial:  "The date of birth is incomplete.",
		MsgBirthDateInvalid:  "The date of birth is invalid.",
		MsgBirthDateFuture:   "The date of birth cannot be in the future.",
		MsgPhone:             "Please enter a valid phone number.",
		MsgEmail:             "Please enter a valid e-mail address.",
		MsgMedicationMissing: "Please enter at least one medication.",
		MsgMedicationTooMany: "At most three medications can be requested.",
	},
}

// Message returns the text of key in lang, falling back to German.
func Message(lang string, key MessageKey) string {
	if m, ok := catalog[lang]; ok {
		if s, ok := m[key]; ok {
			return s
		}
	}
	return catalog["de"][key]
}
