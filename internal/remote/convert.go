package remote

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vonshlovens/fieldsync/internal/model"
)

var (
	// Layouts accepted for incoming timestamps, most specific first
	timestampLayouts = []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04",
		"2006-01-02 15:04",
		"2006-01-02",
	}
)

// IsTimestampField reports whether a field travels as an ISO-8601 string
func IsTimestampField(name string) bool {
	return strings.HasSuffix(name, "_date") || strings.HasSuffix(name, "_at")
}

// FormatTimestamp renders epoch milliseconds as an ISO-8601 UTC string
func FormatTimestamp(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// ParseTimestamp reads an ISO-8601 string (or a bare number of milliseconds)
// into epoch milliseconds
func ParseTimestamp(v any) (int64, error) {
	switch x := v.(type) {
	case string:
		s := strings.TrimSpace(x)
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UnixMilli(), nil
			}
		}
		return 0, fmt.Errorf("unrecognized timestamp %q", x)
	case json.Number:
		return x.Int64()
	case float64:
		return int64(x), nil
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	}
	return 0, fmt.Errorf("cannot read timestamp from %T", v)
}

// RefResolver maps a local reference to the server id of the target row.
// It returns nil when the target has no server id yet.
type RefResolver func(t model.EntityType, localID string) (*int64, error)

// ErrUnresolvedRef is returned by ToWire when a referenced row was never pushed
type ErrUnresolvedRef struct {
	Column  string
	Target  model.EntityType
	LocalID string
}

func (e *ErrUnresolvedRef) Error() string {
	return fmt.Sprintf("%s references %s/%s which has no server id yet", e.Column, e.Target, e.LocalID)
}

// ToWire converts local fields into a wire record: local-only columns are
// dropped, timestamps become ISO strings and references become server ids.
func ToWire(s *model.Schema, fields map[string]any, resolve RefResolver) (WireRecord, error) {
	out := make(WireRecord, len(fields))
	for name, v := range fields {
		col, ok := s.Column(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s", model.ErrUnknownField, s.Type, name)
		}
		if col.LocalOnly {
			continue
		}

		switch {
		case v == nil:
			out[name] = nil

		case col.Kind == model.KindReference:
			localID, _ := v.(string)
			if localID == "" {
				out[name] = nil
				continue
			}
			id, err := resolve(col.Ref, localID)
			if err != nil {
				return nil, err
			}
			if id == nil {
				return nil, &ErrUnresolvedRef{Column: name, Target: col.Ref, LocalID: localID}
			}
			out[name] = *id

		case IsTimestampField(name):
			ms, ok := v.(int64)
			if !ok {
				return nil, fmt.Errorf("timestamp %s.%s has type %T", s.Type, name, v)
			}
			out[name] = FormatTimestamp(ms)

		default:
			out[name] = v
		}
	}
	return out, nil
}

// Incoming is a server record decoded into local form. Reference columns in
// Fields are left out; their server ids are in Refs for the caller to map.
type Incoming struct {
	ServerID  int64
	LocalID   string
	CreatedAt int64
	UpdatedAt int64
	Fields    map[string]any
	Refs      map[string]*int64
}

// FromWire converts a wire record into local form. Unknown fields are
// ignored so a newer server can add columns.
func FromWire(s *model.Schema, w WireRecord) (*Incoming, error) {
	in := &Incoming{
		Fields: make(map[string]any, len(w)),
		Refs:   make(map[string]*int64),
	}

	id, ok := w["id"]
	if !ok || id == nil {
		return nil, fmt.Errorf("%s record without id", s.Type)
	}
	sid, err := toInt64(id)
	if err != nil {
		return nil, fmt.Errorf("invalid %s id: %w", s.Type, err)
	}
	in.ServerID = sid

	if lid, ok := w["local_id"].(string); ok {
		in.LocalID = lid
	}

	for _, meta := range []struct {
		name string
		dst  *int64
	}{{"created_at", &in.CreatedAt}, {"updated_at", &in.UpdatedAt}} {
		if v, ok := w[meta.name]; ok && v != nil {
			ms, err := ParseTimestamp(v)
			if err != nil {
				return nil, fmt.Errorf("invalid %s.%s: %w", s.Type, meta.name, err)
			}
			*meta.dst = ms
		}
	}

	for name, v := range w {
		col, ok := s.Column(name)
		if !ok || col.LocalOnly {
			continue
		}

		switch {
		case col.Kind == model.KindReference:
			if v == nil {
				in.Refs[name] = nil
				continue
			}
			ref, err := toInt64(v)
			if err != nil {
				return nil, fmt.Errorf("invalid reference %s.%s: %w", s.Type, name, err)
			}
			in.Refs[name] = &ref

		case v != nil && IsTimestampField(name):
			ms, err := ParseTimestamp(v)
			if err != nil {
				return nil, fmt.Errorf("invalid %s.%s: %w", s.Type, name, err)
			}
			in.Fields[name] = ms

		default:
			in.Fields[name] = v
		}
	}

	fields, err := s.Normalize(in.Fields)
	if err != nil {
		return nil, err
	}
	in.Fields = fields
	return in, nil
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case json.Number:
		return x.Int64()
	case float64:
		return int64(x), nil
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	}
	return 0, fmt.Errorf("expected a number, got %T", v)
}
