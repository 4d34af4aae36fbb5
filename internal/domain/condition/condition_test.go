package condition

import "testing"

func TestIsMet(t *testing.T) {
	tests := []struct {
		name string
		cond Condition
		data map[string]any
		want bool
	}{
		{"value equal", Condition{Field: "raucher", Value: "ja"}, map[string]any{"raucher": "ja"}, true},
		{"value differs", Condition{Field: "raucher", Value: "ja"}, map[string]any{"raucher": "nein"}, false},
		{"value trims", Condition{Field: "raucher", Value: "ja"}, map[string]any{"raucher": " ja "}, true},
		{"value numeric vs string", Condition{Field: "anzahl", Value: float64(2)}, map[string]any{"anzahl": "2"}, true},
		{"value bool vs checkbox", Condition{Field: "schwanger", Value: true}, map[string]any{"schwanger": "1"}, true},
		{"value on list field", Condition{Field: "symptome", Value: "fieber"}, map[string]any{"symptome": []string{"husten", "fieber"}}, true},
		{"value list in condition", Condition{Field: "kasse", Value: []any{"privat", "beihilfe"}}, map[string]any{"kasse": "beihilfe"}, true},
		{"contains hit", Condition{Field: "symptome", Contains: "fieber"}, map[string]any{"symptome": []any{"fieber"}}, true},
		{"contains miss", Condition{Field: "symptome", Contains: "fieber"}, map[string]any{"symptome": []string{"husten"}}, false},
		{"contains scalar fallback", Condition{Field: "symptome", Contains: "fieber"}, map[string]any{"symptome": "fieber"}, true},
		{"contains wins over value", Condition{Field: "s", Value: "x", Contains: "y"}, map[string]any{"s": []string{"y"}}, true},
		{"presence only", Condition{Field: "notiz"}, map[string]any{"notiz": ""}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsMet(tt.cond, tt.data); got != tt.want {
				t.Errorf("IsMet() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsMet_AbsentFieldFailsClosed(t *testing.T) {
	shapes := []Condition{
		{Field: "missing"},
		{Field: "missing", Value: "x"},
		{Field: "missing", Value: []any{"x"}},
		{Field: "missing", Contains: "x"},
		{Field: "missing", Value: "", Contains: ""},
	}
	data := map[string]any{"other": "x"}
	for _, c := range shapes {
		if IsMet(c, data) {
			t.Errorf("IsMet(%+v) = true for absent field, want false", c)
		}
	}
	for _, c := range shapes {
		if IsMet(c, nil) {
			t.Errorf("IsMet(%+v) = true for nil data, want false", c)
		}
	}
}

func TestActive(t *testing.T) {
	if !Active(nil, nil) {
		t.Error("nil condition should be active")
	}
	if !Active(&Condition{}, nil) {
		t.Error("condition without field should be active")
	}
	if Active(&Condition{Field: "x", Value: "1"}, map[string]any{}) {
		t.Error("unmet condition should be inactive")
	}
}
