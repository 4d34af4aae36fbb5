package validation

import (
	"strings"

	"github.com/ehr/intake/internal/domain/formdata"
)

// MaxMedications is the number of medications one prescription request may
// name.
const MaxMedications = 3

var builtinServices = map[string]ServiceRule{
	"rezept":            validatePrescription,
	"ueberweisung":      requireFields("fachrichtung"),
	"brillenverordnung": requireFields("brillen_art"),
	"dokument":          requireFields("dokument_typ"),
	"termin":            requireFields("termin_grund"),
	"terminabsage":      requireFields("absage_datum"),
}

func requireFields(keys ...string) ServiceRule {
	return func(v formdata.Values, r Reporter) {
		for _, k := range keys {
			if v.IsEmpty(k) {
				r.Report(k, MsgRequired)
			}
		}
	}
}

// ShippingRequired reports whether a prescription is mailed to a privately
// insured patient, which needs a postal address.
func ShippingRequired(v formdata.Values) bool {
	insurance := v.Trimmed("versicherung")
	if insurance == "" {
		insurance = v.Trimmed("kasse")
	}
	return strings.EqualFold(insurance, "privat") && strings.EqualFold(v.Trimmed("lieferung"), "versand")
}

// ShippingFields are required when ShippingRequired holds.
var ShippingFields = []string{"versand_strasse", "versand_plz", "versand_ort"}

func validatePrescription(v formdata.Values, r Reporter) {
	n := 0
	for _, name := range v.Strings("medikamente") {
		if strings.TrimSpace(name) != "" {
			n++
		}
	}
	switch {
	case n == 0:
		r.Report("medikamente", MsgMedicationMissing)
	case n > MaxMedications:
		r.Report("medikamente", MsgMedicationTooMany)
	}

	if ShippingRequired(v) {
		requireFields(ShippingFields...)(v, r)
	}
}
