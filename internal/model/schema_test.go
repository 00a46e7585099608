package model

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestAll_DependencyOrder(t *testing.T) {
	level := make(map[EntityType]int)
	for i, s := range All() {
		level[s.Type] = i
	}

	for _, s := range All() {
		for _, ref := range s.References() {
			if level[ref.Ref] >= level[s.Type] {
				t.Errorf("%s references %s but is not ordered after it", s.Type, ref.Ref)
			}
		}
	}

	if All()[0].Type != Projects {
		t.Errorf("expected projects first, got %s", All()[0].Type)
	}
	if last := All()[len(All())-1].Type; last != DefectDetections {
		t.Errorf("expected defect_detections last, got %s", last)
	}
}

func TestLookup_Unknown(t *testing.T) {
	_, err := Lookup("widgets")
	if !errors.Is(err, ErrUnknownEntity) {
		t.Errorf("expected ErrUnknownEntity, got %v", err)
	}
}

func TestNormalize(t *testing.T) {
	s, err := Lookup(Photos)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		field string
		in    any
		want  any
	}{
		{"json integer timestamp", "taken_at", json.Number("1700000000000"), int64(1700000000000)},
		{"float timestamp", "taken_at", float64(1700000000000), int64(1700000000000)},
		{"real from int", "latitude", 55, float64(55)},
		{"real from string", "accuracy", "4.5", 4.5},
		{"bool from int", "has_defects", int64(1), true},
		{"bool from string", "analyzed", "false", false},
		{"reference", "inspection_id", "abc", "abc"},
		{"null", "file_path", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := s.Normalize(map[string]any{tt.field: tt.in})
			if err != nil {
				t.Fatalf("Normalize failed: %v", err)
			}
			if out[tt.field] != tt.want {
				t.Errorf("got %#v, want %#v", out[tt.field], tt.want)
			}
		})
	}
}

func TestNormalize_Errors(t *testing.T) {
	s, _ := Lookup(Photos)

	if _, err := s.Normalize(map[string]any{"nope": 1}); !errors.Is(err, ErrUnknownField) {
		t.Errorf("expected ErrUnknownField, got %v", err)
	}
	if _, err := s.Normalize(map[string]any{"taken_at": 1.5}); err == nil {
		t.Error("expected error for fractional timestamp")
	}
	if _, err := s.Normalize(map[string]any{"inspection_id": 42}); err == nil {
		t.Error("expected error for numeric reference")
	}
}

func TestFieldsOfAndDecode(t *testing.T) {
	notes := "north wall"
	in := &Inspection{
		LocalID:        "ignored",
		ProjectID:      "p1",
		InspectionDate: 1700000000000,
		Location:       "Block A",
		Result:         "passed",
		Notes:          &notes,
		InspectorID:    7,
	}

	fields, err := FieldsOf(in)
	if err != nil {
		t.Fatalf("FieldsOf failed: %v", err)
	}
	if _, ok := fields["local_id"]; ok {
		t.Error("local_id should not be a field")
	}
	if fields["inspection_date"] != int64(1700000000000) {
		t.Errorf("inspection_date = %#v", fields["inspection_date"])
	}
	if _, ok := fields["latitude"]; ok {
		t.Error("unset optional field should be omitted")
	}

	id := int64(9)
	rec := &Record{Type: Inspections, LocalID: "l1", ServerID: &id, Fields: fields}
	var out Inspection
	if err := Decode(rec, &out); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if out.LocalID != "l1" || out.ServerID == nil || *out.ServerID != 9 {
		t.Errorf("identity not decoded: %+v", out)
	}
	if out.Notes == nil || *out.Notes != notes || out.InspectorID != 7 {
		t.Errorf("fields not decoded: %+v", out)
	}

	if err := Decode(rec, &Project{}); err == nil {
		t.Error("expected type mismatch error")
	}
}

func TestTablesSince(t *testing.T) {
	if got := TablesSince(SchemaVersion); len(got) != 0 {
		t.Errorf("expected no tables newer than current version, got %v", got)
	}
	if got := TablesSince(0); len(got) != len(All()) {
		t.Errorf("expected all tables since version 0, got %v", got)
	}
}
