// Implements the schema command.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"slices"

	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"

	"github.com/maruel/tablesync/internal/protocol"
	"github.com/maruel/tablesync/internal/records"
	"github.com/maruel/tablesync/internal/server/dto"
)

// schemaTypes lists the documented wire types by name.
var schemaTypes = map[string]any{
	"Message":                          protocol.Message{},
	string(protocol.Connected):         protocol.ConnectedPayload{},
	string(protocol.FieldUpdate):       protocol.FieldUpdatePayload{},
	string(protocol.FieldUpdated):      protocol.FieldUpdatedPayload{},
	string(protocol.RecordUpdateError): protocol.RecordUpdateErrorPayload{},
	string(protocol.Error):             protocol.ErrorPayload{},
	"UpdateRecordRequest":              dto.UpdateRecordRequest{},
	"ErrorResponse":                    dto.ErrorResponse{},
}

func newSchemaCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "schema [name...]",
		Short: "Print the JSON Schema of the sync messages",
		Long: `Print the JSON Schema of the sync messages.

Without arguments every schema is printed, keyed by message type. Names are
Message, the message types (CONNECTED, FIELD_UPDATE, ...), UpdateRecordRequest
and ErrorResponse.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := buildSchemas(args)
			if err != nil {
				return err
			}
			p := &printer{Format: opts.Format, W: cmd.OutOrStdout()}
			return p.Print(out, func(w io.Writer) error {
				e := json.NewEncoder(w)
				e.SetIndent("", "  ")
				return e.Encode(out)
			})
		},
	}
}

// buildSchemas reflects the named types, or all of them. The result is plain
// JSON data so it renders as YAML too.
func buildSchemas(names []string) (map[string]any, error) {
	if len(names) == 0 {
		for k := range schemaTypes {
			names = append(names, k)
		}
		slices.Sort(names)
	}
	r := jsonschema.Reflector{DoNotReference: true, Mapper: mapRecord}
	out := make(map[string]any, len(names))
	for _, name := range names {
		v, ok := schemaTypes[name]
		if !ok {
			return nil, fmt.Errorf("unknown schema %q", name)
		}
		raw, err := json.Marshal(r.Reflect(v))
		if err != nil {
			return nil, err
		}
		var m any
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		out[name] = m
	}
	return out, nil
}

// mapRecord describes records.Record as its flat JSON object.
func mapRecord(t reflect.Type) *jsonschema.Schema {
	if t != reflect.TypeFor[records.Record]() {
		return nil
	}
	props := jsonschema.NewProperties()
	props.Set("id", &jsonschema.Schema{Type: "integer", Description: "Record ID"})
	return &jsonschema.Schema{
		Type:                 "object",
		Properties:           props,
		Required:             []string{"id"},
		AdditionalProperties: jsonschema.TrueSchema,
	}
}
