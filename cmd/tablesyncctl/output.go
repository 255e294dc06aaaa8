// Provides text, JSON and YAML rendering of command results.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/maruel/tablesync/internal/records"
)

// printer renders results in the format chosen with --format.
type printer struct {
	Format string
	W      io.Writer
}

// Print writes v. The text format calls text when it is not nil.
func (p *printer) Print(v any, text func(io.Writer) error) error {
	switch p.Format {
	case "json":
		e := json.NewEncoder(p.W)
		e.SetIndent("", "  ")
		return e.Encode(v)
	case "yaml":
		e := yaml.NewEncoder(p.W)
		e.SetIndent(2)
		if err := e.Encode(plain(v)); err != nil {
			return err
		}
		return e.Close()
	default:
		if text != nil {
			return text(p.W)
		}
		_, err := fmt.Fprintln(p.W, v)
		return err
	}
}

// plain converts records to maps so YAML output matches the JSON shape.
func plain(v any) any {
	switch t := v.(type) {
	case records.Record:
		return recordMap(t)
	case []records.Record:
		out := make([]map[string]any, len(t))
		for i, r := range t {
			out[i] = recordMap(r)
		}
		return out
	default:
		return v
	}
}

func recordMap(r records.Record) map[string]any {
	m := make(map[string]any, len(r.Fields)+1)
	maps.Copy(m, r.Fields)
	m["id"] = r.ID
	return m
}

// writeRecordText writes "id=1 amount=10 title=..." with sorted field names.
func writeRecordText(w io.Writer, r records.Record) error {
	var b strings.Builder
	fmt.Fprintf(&b, "id=%d", r.ID)
	for _, k := range slices.Sorted(maps.Keys(r.Fields)) {
		fmt.Fprintf(&b, " %s=%s", k, formatValue(r.Fields[k]))
	}
	_, err := fmt.Fprintln(w, b.String())
	return err
}

func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		if t == "" || strings.ContainsAny(t, " \t\n\"") {
			return fmt.Sprintf("%q", t)
		}
		return t
	default:
		return fmt.Sprint(t)
	}
}
