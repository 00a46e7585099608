package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// EntityType names a synchronized table
type EntityType string

const (
	Projects         EntityType = "projects"
	Inspections      EntityType = "inspections"
	Photos           EntityType = "inspection_photos"
	DefectDetections EntityType = "defect_detections"
	HiddenWorks      EntityType = "hidden_works"
	Documents        EntityType = "documents"
)

// ErrUnknownEntity is returned for table names outside the schema
var ErrUnknownEntity = errors.New("unknown entity type")

// ErrUnknownField is returned when a mutation names a column the table does not have
var ErrUnknownField = errors.New("unknown field")

// Kind is the storage kind of a column
type Kind int

const (
	KindText Kind = iota
	KindInteger
	KindReal
	KindBool
	KindTimestamp
	KindReference
)

// Column describes one entity column
type Column struct {
	Name      string
	Kind      Kind
	Ref       EntityType // target table for KindReference
	LocalOnly bool       // never sent to the server
}

// Schema describes one entity table
type Schema struct {
	Type    EntityType
	Columns []Column
	// Level is the position in dependency order; parents have lower levels.
	Level int
	// Since is the schema version that introduced the table.
	Since int
}

// SchemaVersion is the local schema version reported on pull
const SchemaVersion = 1

var schemas = []*Schema{
	{
		Type:  Projects,
		Level: 0,
		Since: 1,
		Columns: []Column{
			{Name: "name", Kind: KindText},
			{Name: "description", Kind: KindText},
			{Name: "project_type", Kind: KindText},
			{Name: "status", Kind: KindText},
			{Name: "start_date", Kind: KindTimestamp},
			{Name: "end_date", Kind: KindTimestamp},
			{Name: "address", Kind: KindText},
			{Name: "latitude", Kind: KindReal},
			{Name: "longitude", Kind: KindReal},
			{Name: "client_name", Kind: KindText},
			{Name: "budget", Kind: KindReal},
		},
	},
	{
		Type:  Inspections,
		Level: 1,
		Since: 1,
		Columns: []Column{
			{Name: "project_id", Kind: KindReference, Ref: Projects},
			{Name: "inspection_date", Kind: KindTimestamp},
			{Name: "location", Kind: KindText},
			{Name: "result", Kind: KindText},
			{Name: "notes", Kind: KindText},
			{Name: "latitude", Kind: KindReal},
			{Name: "longitude", Kind: KindReal},
			{Name: "inspector_id", Kind: KindInteger},
		},
	},
	{
		Type:  HiddenWorks,
		Level: 1,
		Since: 1,
		Columns: []Column{
			{Name: "project_id", Kind: KindReference, Ref: Projects},
			{Name: "work_type", Kind: KindText},
			{Name: "description", Kind: KindText},
			{Name: "location", Kind: KindText},
			{Name: "status", Kind: KindText},
			{Name: "scheduled_date", Kind: KindTimestamp},
			{Name: "completed_date", Kind: KindTimestamp},
			{Name: "notes", Kind: KindText},
		},
	},
	{
		Type:  Documents,
		Level: 1,
		Since: 1,
		Columns: []Column{
			{Name: "project_id", Kind: KindReference, Ref: Projects},
			{Name: "title", Kind: KindText},
			{Name: "description", Kind: KindText},
			{Name: "document_type", Kind: KindText},
			{Name: "file_path", Kind: KindText},
			{Name: "local_uri", Kind: KindText, LocalOnly: true},
			{Name: "file_size", Kind: KindInteger},
			{Name: "mime_type", Kind: KindText},
			{Name: "uploaded_at", Kind: KindTimestamp},
		},
	},
	{
		Type:  Photos,
		Level: 2,
		Since: 1,
		Columns: []Column{
			{Name: "inspection_id", Kind: KindReference, Ref: Inspections},
			{Name: "file_path", Kind: KindText},
			{Name: "local_uri", Kind: KindText, LocalOnly: true},
			{Name: "latitude", Kind: KindReal},
			{Name: "longitude", Kind: KindReal},
			{Name: "altitude", Kind: KindReal},
			{Name: "accuracy", Kind: KindReal},
			{Name: "taken_at", Kind: KindTimestamp},
			{Name: "has_defects", Kind: KindBool},
			{Name: "analyzed", Kind: KindBool},
		},
	},
	{
		Type:  DefectDetections,
		Level: 3,
		Since: 1,
		Columns: []Column{
			{Name: "photo_id", Kind: KindReference, Ref: Photos},
			{Name: "defect_type", Kind: KindText},
			{Name: "severity", Kind: KindText},
			{Name: "confidence", Kind: KindReal},
			{Name: "bbox_x", Kind: KindReal},
			{Name: "bbox_y", Kind: KindReal},
			{Name: "bbox_width", Kind: KindReal},
			{Name: "bbox_height", Kind: KindReal},
			{Name: "description", Kind: KindText},
			{Name: "detected_at", Kind: KindTimestamp},
		},
	},
}

var byType = func() map[EntityType]*Schema {
	m := make(map[EntityType]*Schema, len(schemas))
	for _, s := range schemas {
		m[s.Type] = s
	}
	return m
}()

// Lookup returns the schema for an entity type
func Lookup(t EntityType) (*Schema, error) {
	s, ok := byType[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntity, t)
	}
	return s, nil
}

// All returns every schema in dependency order (parents first)
func All() []*Schema {
	out := make([]*Schema, len(schemas))
	copy(out, schemas)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out
}

// TablesSince lists the tables introduced after the given schema version
func TablesSince(version int) []EntityType {
	var out []EntityType
	for _, s := range All() {
		if s.Since > version {
			out = append(out, s.Type)
		}
	}
	return out
}

// Column returns the named column
func (s *Schema) Column(name string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// References returns the reference columns of the table
func (s *Schema) References() []Column {
	var refs []Column
	for _, c := range s.Columns {
		if c.Kind == KindReference {
			refs = append(refs, c)
		}
	}
	return refs
}

// HasColumn reports whether the table has the named column
func (s *Schema) HasColumn(name string) bool {
	_, ok := s.Column(name)
	return ok
}

// Normalize coerces loosely typed values (JSON numbers, strings from forms)
// into the canonical Go type of each column: string, int64, float64 or bool.
// Timestamps are epoch milliseconds and references hold local ids.
func (s *Schema) Normalize(fields map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for name, v := range fields {
		col, ok := s.Column(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownField, s.Type, name)
		}
		nv, err := coerce(col, v)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s.%s: %w", s.Type, name, err)
		}
		out[name] = nv
	}
	return out, nil
}

func coerce(col Column, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch col.Kind {
	case KindText, KindReference:
		switch x := v.(type) {
		case string:
			return x, nil
		case []byte:
			return string(x), nil
		case fmt.Stringer:
			return x.String(), nil
		}
		if col.Kind == KindReference {
			return nil, fmt.Errorf("reference must be a local id, got %T", v)
		}
		return fmt.Sprint(v), nil
	case KindInteger, KindTimestamp:
		return toInt64(v)
	case KindReal:
		return toFloat64(v)
	case KindBool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			return strconv.ParseBool(x)
		}
		n, err := toInt64(v)
		if err != nil {
			return nil, err
		}
		return n != 0, nil
	}
	return nil, fmt.Errorf("unsupported column kind %d", col.Kind)
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case float32:
		return int64(x), nil
	case float64:
		if x != math.Trunc(x) {
			return 0, fmt.Errorf("%v is not an integer", x)
		}
		return int64(x), nil
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, nil
		}
		f, err := x.Float64()
		if err != nil {
			return 0, err
		}
		return toInt64(f)
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case string:
		return strconv.ParseInt(strings.TrimSpace(x), 10, 64)
	}
	return 0, fmt.Errorf("cannot convert %T to integer", v)
}

func toFloat64(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(x), 64)
	}
	return 0, fmt.Errorf("cannot convert %T to number", v)
}
