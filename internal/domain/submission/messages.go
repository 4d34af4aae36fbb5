package submission

import "fmt"

type messageKey int

const (
	msgSuccess messageKey = iota
	msgInvalid
	msgRateLimited
	msgTooFast
	msgTechnical
)

var messages = map[string]map[messageKey]string{
	"de": {
		msgSuccess:     "Vielen Dank! Ihre Angaben wurden übermittelt.",
		msgInvalid:     "Bitte überprüfen Sie Ihre Eingaben.",
		msgRateLimited: "Zu viele Anfragen. Bitte versuchen Sie es in %d Minuten erneut.",
		msgTooFast:     "Bitte nehmen Sie sich etwas mehr Zeit zum Ausfüllen des Formulars.",
		msgTechnical:   "Es ist ein technischer Fehler aufgetreten. Bitte rufen Sie die Praxis an.",
	},
	"en": {
		msgSuccess:     "Thank you! Your details have been sent.",
		msgInvalid:     "Please check your entries.",
		msgRateLimited: "Too many requests. Please try again in %d minutes.",
		msgTooFast:     "Please take a little more time to fill in the form.",
		msgTechnical:   "A technical error occurred. Please call the practice.",
	},
}

func message(lang string, key messageKey, args ...any) string {
	m, ok := messages[lang]
	if !ok {
		m = messages["de"]
	}
	if len(args) > 0 {
		return fmt.Sprintf(m[key], args...)
	}
	return m[key]
}
