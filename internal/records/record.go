// Defines the Record type and its flat JSON encoding.

// Package records implements the Record Store: a SQLite-backed table of
// records with paged reads and single-field conditional updates.
//
// A record is an immutable integer ID plus a map of field values. The field
// set is fixed by the schema in columns.go; only editable columns can be
// changed through UpdateField.
package records

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
)

// Record is one row of the records table.
//
// It serializes as a flat JSON object: {"id": 1, "title": "...", ...}.
type Record struct {
	ID     int64
	Fields map[string]any
}

// Clone returns a copy of r that shares no map with it.
func (r Record) Clone() Record {
	return Record{ID: r.ID, Fields: maps.Clone(r.Fields)}
}

// Get returns the value of a field and whether it is present.
func (r Record) Get(field string) (any, bool) {
	if field == "id" {
		return r.ID, true
	}
	v, ok := r.Fields[field]
	return v, ok
}

// MarshalJSON implements json.Marshaler.
func (r Record) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Fields)+1)
	maps.Copy(m, r.Fields)
	m["id"] = r.ID
	return json.Marshal(m)
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Record) UnmarshalJSON(b []byte) error {
	d := json.NewDecoder(bytes.NewReader(b))
	d.UseNumber()
	var m map[string]any
	if err := d.Decode(&m); err != nil {
		return err
	}
	if m == nil {
		return errors.New("record must be a JSON object")
	}
	raw, ok := m["id"]
	if !ok {
		return errors.New("record is missing id")
	}
	n, ok := raw.(json.Number)
	if !ok {
		return fmt.Errorf("record id must be a number, got %T", raw)
	}
	id, err := n.Int64()
	if err != nil {
		return fmt.Errorf("invalid record id %q: %w", n, err)
	}
	delete(m, "id")
	for k, v := range m {
		m[k] = NormalizeNumber(v)
	}
	r.ID = id
	r.Fields = m
	return nil
}

// NormalizeNumber turns a json.Number into int64 when integral, float64
// otherwise. Other values are returned unchanged.
func NormalizeNumber(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}
