package sanitize

import (
	"strings"

	"github.com/ehr/intake/internal/domain/formdata"
	"github.com/ehr/intake/internal/domain/validation"
)

// DetailsKey receives the structured service fields built by an enricher.
const DetailsKey = "service_details"

// MedicationKinds are the accepted dosage forms. Anything else is stored as
// KindOther.
var MedicationKinds = []string{"tabletten", "tropfen", "salbe", "spray", "inhalator", "injektion", KindOther}

const KindOther = "sonstiges"

// Medication is one requested prescription item.
type Medication struct {
	Name string `json:"name"`
	Kind string `json:"art"`
}

// Enricher adds service specific structure to sanitized data in place.
type Enricher func(data map[string]any)

// Processor dispatches to the enricher registered for a service type.
// Unknown service types pass through unchanged.
type Processor struct {
	enrichers map[string]Enricher
}

// NewProcessor creates a Processor with the built-in service enrichers.
func NewProcessor() *Processor {
	p := &Processor{enrichers: make(map[string]Enricher)}
	p.Register("rezept", enrichPrescription)
	p.Register("ueberweisung", copyDetails("fachrichtung", "ueberweisung_grund", "wunscharzt"))
	p.Register("brillenverordnung", enrichGlasses)
	p.Register("dokument", copyDetails("dokument_typ", "dokument_beschreibung"))
	p.Register("termin", copyDetails("termin_grund", "termin_wunschzeit", "termin_anmerkung"))
	p.Register("terminabsage", copyDetails("absage_datum", "absage_uhrzeit", "absage_grund"))
	return p
}

// Register adds or replaces the enricher of serviceType.
func (p *Processor) Register(serviceType string, e Enricher) {
	p.enrichers[serviceType] = e
}

// Process runs the enricher of serviceType over data and returns it.
func (p *Processor) Process(serviceType string, data map[string]any) map[string]any {
	if e, ok := p.enrichers[serviceType]; ok {
		e(data)
	}
	return data
}

func copyDetails(keys ...string) Enricher {
	return func(data map[string]any) {
		details := map[string]any{}
		for _, k := range keys {
			if s := strings.TrimSpace(formdata.Values(data).String(k)); s != "" {
				details[k] = s
			}
		}
		data[DetailsKey] = details
	}
}

func enrichPrescription(data map[string]any) {
	v := formdata.Values(data)
	names := v.Strings("medikamente")
	kinds := v.Strings("medikamente_art")

	var meds []Medication
	for i, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		kind := ""
		if i < len(kinds) {
			kind = kinds[i]
		}
		meds = append(meds, Medication{Name: name, Kind: medicationKind(kind)})
		if len(meds) == validation.MaxMedications {
			break
		}
	}

	list := make([]string, len(meds))
	for i, m := range meds {
		list[i] = m.Name
	}
	data["medikamente"] = list
	delete(data, "medikamente_art")

	details := map[string]any{"medikamente": meds}
	if validation.ShippingRequired(v) {
		address := map[string]string{}
		for _, k := range validation.ShippingFields {
			address[strings.TrimPrefix(k, "versand_")] = v.Trimmed(k)
		}
		details["versand"] = address
	}
	data[DetailsKey] = details
}

func medicationKind(kind string) string {
	kind = strings.ToLower(strings.TrimSpace(kind))
	for _, k := range MedicationKinds {
		if k == kind {
			return k
		}
	}
	return KindOther
}

// GlassesMeasurements are the optional optical values of a glasses
// prescription: sphere, cylinder and axis per eye, vertex distance and
// pupillary distance.
var GlassesMeasurements = []string{"sph_r", "sph_l", "cyl_r", "cyl_l", "achse_r", "achse_l", "hsa", "pd"}

func enrichGlasses(data map[string]any) {
	copyDetails("brillen_art", "brillen_tragedauer", "brille_problem")(data)
	details := data[DetailsKey].(map[string]any)

	v := formdata.Values(data)
	values := map[string]string{}
	for _, k := range GlassesMeasurements {
		if s := v.Trimmed(k); s != "" {
			values[k] = s
		}
	}
	if len(values) > 0 {
		details["werte"] = values
	}
}
