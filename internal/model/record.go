package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
)

// Record is the generic row form of any entity
type Record struct {
	Type          EntityType
	LocalID       string
	ServerID      *int64
	IsDirty       bool
	Rev           int64
	SyncedAt      *int64
	CreatedAt     int64
	UpdatedAt     int64
	PendingDelete bool
	Fields        map[string]any
}

// Clone returns a deep copy of the field map
func (r *Record) Clone() *Record {
	c := *r
	c.Fields = make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		c.Fields[k] = v
	}
	if r.ServerID != nil {
		id := *r.ServerID
		c.ServerID = &id
	}
	if r.SyncedAt != nil {
		at := *r.SyncedAt
		c.SyncedAt = &at
	}
	return &c
}

// FieldsEqual reports whether every field of other matches r
func (r *Record) FieldsEqual(other map[string]any) bool {
	for k, v := range other {
		if !reflect.DeepEqual(r.Fields[k], v) {
			return false
		}
	}
	return true
}

// Entity is implemented by the typed domain structs
type Entity interface {
	EntityType() EntityType
}

// FieldsOf converts a typed entity into a normalized field map. The json tags
// of each struct are the column names of its table.
func FieldsOf(e Entity) (map[string]any, error) {
	s, err := Lookup(e.EntityType())
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", s.Type, err)
	}

	raw := make(map[string]any)
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", s.Type, err)
	}

	// Identity columns live on the Record, not in Fields.
	delete(raw, "local_id")
	delete(raw, "server_id")

	return s.Normalize(raw)
}

// Decode fills a typed entity from a record
func Decode(rec *Record, dst Entity) error {
	if rec.Type != dst.EntityType() {
		return fmt.Errorf("cannot decode %s into %s", rec.Type, dst.EntityType())
	}

	m := make(map[string]any, len(rec.Fields)+2)
	for k, v := range rec.Fields {
		m[k] = v
	}
	m["local_id"] = rec.LocalID
	if rec.ServerID != nil {
		m["server_id"] = *rec.ServerID
	}

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to decode %s: %w", rec.Type, err)
	}
	return nil
}

// DecodePayload parses a JSON field snapshot and normalizes it against the schema
func DecodePayload(t EntityType, payload []byte) (map[string]any, error) {
	s, err := Lookup(t)
	if err != nil {
		return nil, err
	}
	raw := make(map[string]any)
	if len(payload) == 0 {
		return raw, nil
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	return s.Normalize(raw)
}
