package formdef

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestText_Resolve(t *testing.T) {
	tr := Translations(map[string]string{"de": "Vorname", "en": "First name", "tr": "Ad"})
	tests := []struct {
		lang, fallback, want string
	}{
		{"en", "de", "First name"},
		{"fr", "de", "Vorname"},
		{"fr", "ru", "Vorname"},
	}
	for _, tt := range tests {
		if got := tr.Resolve(tt.lang, tt.fallback); got != tt.want {
			t.Errorf("Resolve(%q, %q) = %q, want %q", tt.lang, tt.fallback, got, tt.want)
		}
	}

	onlyTR := Translations(map[string]string{"tr": "Ad", "ar": ""})
	if got := onlyTR.Resolve("en", "de"); got != "Ad" {
		t.Errorf("Resolve on sparse map = %q, want Ad", got)
	}
	if got := Translations(map[string]string{}).Resolve("en", "de"); got != "" {
		t.Errorf("Resolve on empty map = %q, want empty", got)
	}
	if got := PlainText("Name").Resolve("en", "de"); got != "Name" {
		t.Errorf("plain Resolve = %q, want Name", got)
	}
}

const inlineSchema = `{
  "id": "anamnese",
  "name": {"de": "Anamnesebogen", "en": "Medical history"},
  "version": 3,
  "sections": [
    {"id": "s2", "label": {"de": "Gesundheit", "en": "Health"}, "order": 2},
    {"id": "s1", "label": {"de": "Person", "en": "Person"}, "order": 1}
  ],
  "fields": [
    {"id": "b", "section": "s1", "type": "text", "order": 1, "label": {"de": "B"}},
    {"id": "a", "section": "s1", "type": "text", "order": 1, "label": {"de": "A", "en": "A-en"}},
    {"id": "kasse", "section": "s1", "type": "select", "order": 0, "required": true,
     "label": {"de": "Versicherung", "en": "Insurance"},
     "options": [{"value": "gesetzlich", "label": {"de": "Gesetzlich", "en": "Statutory"}}, {"value": "privat"}]},
    {"id": "aus", "section": "s2", "type": "text", "order": 5, "enabled": false, "accept": ".pdf"}
  ]
}`

func TestDecodeAndLocalize_Inline(t *testing.T) {
	raw, err := Decode([]byte(inlineSchema), "json")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	def, err := Localize(raw, "en", "de")
	if err != nil {
		t.Fatalf("Localize: %v", err)
	}

	if def.Name != "Medical history" || def.Version != "3" || def.Language != "en" {
		t.Errorf("header = %q/%q/%q", def.Name, def.Version, def.Language)
	}
	if def.Sections[0].ID != "s1" || def.Sections[1].ID != "s2" {
		t.Errorf("sections not sorted: %+v", def.Sections)
	}

	var ids []string
	for _, f := range def.Fields {
		ids = append(ids, f.ID)
	}
	// b and a share order 1 and keep document order.
	if diff := cmp.Diff([]string{"kasse", "b", "a", "aus"}, ids); diff != "" {
		t.Errorf("field order mismatch:\n%s", diff)
	}

	kasse, _ := def.Field("kasse")
	wantOpts := []Option{{Value: "gesetzlich", Label: "Statutory"}, {Value: "privat", Label: "privat"}}
	if diff := cmp.Diff(wantOpts, kasse.Options); diff != "" {
		t.Errorf("options mismatch:\n%s", diff)
	}

	b, _ := def.Field("b")
	if b.Label != "B" {
		t.Errorf("label fallback = %q, want B", b.Label)
	}
	if !b.Enabled {
		t.Error("enabled should default to true")
	}
	aus, _ := def.Field("aus")
	if aus.Enabled {
		t.Error("explicit enabled=false lost")
	}
	if aus.Accept != "" {
		t.Error("accept pattern kept on non-file field")
	}
}

func TestDecode_YAML(t *testing.T) {
	doc := `
id: widget
name:
  de: Anfrage
  en: Request
fields:
  - id: vorname
    type: text
    required: true
    label:
      de: Vorname
      en: First name
    condition:
      field: serviceType
      value: rezept
`
	raw, err := Decode([]byte(doc), "yaml")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	def, err := Localize(raw, "de", "de")
	if err != nil {
		t.Fatalf("Localize: %v", err)
	}
	f, ok := def.Field("vorname")
	if !ok || f.Label != "Vorname" || !f.Required {
		t.Fatalf("unexpected field %+v", f)
	}
	if f.Condition == nil || f.Condition.Field != "serviceType" || f.Condition.Value != "rezept" {
		t.Errorf("condition not decoded: %+v", f.Condition)
	}
}

func TestDecode_Rejects(t *testing.T) {
	tests := map[string]string{
		"malformed":     `{"id": "x", "fields": [`,
		"missing id":    `{"fields": []}`,
		"duplicate ids": `{"id": "x", "fields": [{"id": "a"}, {"id": "a"}]}`,
		"unknown type":  `{"id": "x", "fields": [{"id": "a", "type": "slider"}]}`,
	}
	for name, doc := range tests {
		if _, err := Decode([]byte(doc), "json"); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestLocalize_ChoiceWithoutOptions(t *testing.T) {
	raw, err := Decode([]byte(`{"id": "x", "fields": [{"id": "a", "type": "radio"}]}`), "json")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if _, err := Localize(raw, "de", "de"); err == nil {
		t.Error("expected error for radio without options")
	}
}

func TestFieldMap_Sorted(t *testing.T) {
	m := FieldMap{
		"c": {ID: "c", Order: 2},
		"b": {ID: "b", Order: 1},
		"a": {ID: "a", Order: 2},
	}
	var ids []string
	for _, f := range m.Sorted() {
		ids = append(ids, f.ID)
	}
	if diff := cmp.Diff([]string{"b", "a", "c"}, ids); diff != "" {
		t.Errorf("Sorted mismatch:\n%s", diff)
	}
	if m.MaxOrder() != 2 {
		t.Errorf("MaxOrder = %d, want 2", m.MaxOrder())
	}
}
