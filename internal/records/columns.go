// Defines the fixed record schema and value coercion per column.

package records

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
)

// ColumnType is the value kind of a column.
type ColumnType string

// Column types.
const (
	ColumnText    ColumnType = "text"
	ColumnNumber  ColumnType = "number"
	ColumnSelect  ColumnType = "select"
	ColumnBoolean ColumnType = "boolean"
	ColumnDate    ColumnType = "date"
)

// Column describes one field of the records table.
type Column struct {
	ID       string     `json:"id"`
	Field    string     `json:"field"`
	Name     string     `json:"name"`
	Type     ColumnType `json:"type"`
	Editable bool       `json:"editable"`
	Options  []string   `json:"options,omitempty"`

	// Integer restricts a number column to integral values.
	Integer bool `json:"-"`
	// Nullable allows null for the column.
	Nullable bool `json:"-"`
	// Min and Max bound number columns when set.
	Min *float64 `json:"-"`
	Max *float64 `json:"-"`
}

func bound(v float64) *float64 { return &v }

var categories = []string{"Marketing", "Sales", "Development", "Design", "Support"}

var statuses = []string{"Active", "Pending", "Completed", "Cancelled", "On Hold"}

// columns is the schema, in display order.
var columns = []Column{
	{ID: "id", Field: "id", Name: "ID", Type: ColumnNumber, Integer: true},
	{ID: "title", Field: "title", Name: "Title", Type: ColumnText, Editable: true},
	{ID: "description", Field: "description", Name: "Description", Type: ColumnText, Editable: true, Nullable: true},
	{ID: "category", Field: "category", Name: "Category", Type: ColumnSelect, Editable: true, Options: categories},
	{ID: "status", Field: "status", Name: "Status", Type: ColumnSelect, Editable: true, Options: statuses},
	{ID: "amount", Field: "amount", Name: "Amount", Type: ColumnNumber, Editable: true},
	{ID: "quantity", Field: "quantity", Name: "Quantity", Type: ColumnNumber, Editable: true, Integer: true, Min: bound(0)},
	{ID: "price", Field: "price", Name: "Price", Type: ColumnNumber, Editable: true, Min: bound(0)},
	{ID: "rate", Field: "rate", Name: "Rate", Type: ColumnNumber, Editable: true, Min: bound(0), Max: bound(100)},
	{ID: "is_active", Field: "is_active", Name: "Active", Type: ColumnBoolean, Editable: true},
	{ID: "level", Field: "level", Name: "Level", Type: ColumnNumber, Editable: true, Integer: true, Min: bound(1), Max: bound(8)},
	{ID: "priority", Field: "priority", Name: "Priority", Type: ColumnNumber, Editable: true, Integer: true, Min: bound(1), Max: bound(4)},
	{ID: "code", Field: "code", Name: "Code", Type: ColumnText, Editable: true, Nullable: true},
	{ID: "group_id", Field: "group_id", Name: "Group", Type: ColumnNumber, Editable: true, Integer: true, Min: bound(0)},
	{ID: "comment", Field: "comment", Name: "Comment", Type: ColumnText, Editable: true, Nullable: true},
	{ID: "created_at", Field: "created_at", Name: "Created", Type: ColumnDate},
	{ID: "updated_at", Field: "updated_at", Name: "Updated", Type: ColumnDate},
}

// sortable lists the fields GetPage accepts as sort keys.
var sortable = []string{"id", "title", "created_at", "updated_at", "amount", "price"}

// Columns returns a copy of the schema in display order.
func Columns() []Column {
	return slices.Clone(columns)
}

// LookupColumn returns the column for field.
func LookupColumn(field string) (Column, bool) {
	for _, c := range columns {
		if c.Field == field {
			return c, true
		}
	}
	return Column{}, false
}

// IsEditable reports whether field can be changed by UpdateField.
func IsEditable(field string) bool {
	c, ok := LookupColumn(field)
	return ok && c.Editable
}

// IsSortable reports whether field is an accepted sort key.
func IsSortable(field string) bool {
	return slices.Contains(sortable, field)
}

// Coerce converts a decoded JSON value into the Go value stored for c.
//
// Numbers may be given as JSON numbers or numeric strings; booleans as JSON
// booleans, 0/1, or "true"/"false".
func (c *Column) Coerce(v any) (any, error) {
	if v == nil {
		if c.Nullable {
			return nil, nil
		}
		return nil, &FieldError{Field: c.Field, Reason: "must not be null", Err: ErrInvalidValue}
	}
	switch c.Type {
	case ColumnText:
		s, ok := v.(string)
		if !ok {
			return nil, c.typeError(v)
		}
		return s, nil
	case ColumnSelect:
		s, ok := v.(string)
		if !ok {
			return nil, c.typeError(v)
		}
		if !slices.Contains(c.Options, s) {
			return nil, &FieldError{Field: c.Field, Reason: fmt.Sprintf("%q is not one of %s", s, strings.Join(c.Options, ", ")), Err: ErrInvalidValue}
		}
		return s, nil
	case ColumnBoolean:
		return c.coerceBool(v)
	case ColumnNumber:
		return c.coerceNumber(v)
	default:
		return nil, &FieldError{Field: c.Field, Reason: "is read-only", Err: ErrInvalidField}
	}
}

func (c *Column) coerceBool(v any) (any, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		b, err := strconv.ParseBool(t)
		if err != nil {
			return nil, c.typeError(v)
		}
		return b, nil
	}
	f, ok := toFloat(v)
	if !ok || (f != 0 && f != 1) {
		return nil, c.typeError(v)
	}
	return f == 1, nil
}

// maxExactFloat is the largest magnitude below which every integer has an
// exact float64 representation.
const maxExactFloat = 1 << 53

func (c *Column) coerceNumber(v any) (any, error) {
	if c.Integer {
		if n, ok := exactInt(v); ok {
			if err := c.checkBounds(float64(n)); err != nil {
				return nil, err
			}
			return n, nil
		}
	}
	f, ok := toFloat(v)
	if !ok {
		if s, isStr := v.(string); isStr {
			p, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return nil, c.typeError(v)
			}
			f, ok = p, true
		}
	}
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, c.typeError(v)
	}
	if err := c.checkBounds(f); err != nil {
		return nil, err
	}
	if c.Integer {
		if f != math.Trunc(f) {
			return nil, &FieldError{Field: c.Field, Reason: "must be an integer", Err: ErrInvalidValue}
		}
		if math.Abs(f) > maxExactFloat {
			return nil, &FieldError{Field: c.Field, Reason: "is too large to be stored exactly", Err: ErrInvalidValue}
		}
		return int64(f), nil
	}
	return f, nil
}

func (c *Column) checkBounds(f float64) error {
	if c.Min != nil && f < *c.Min {
		return &FieldError{Field: c.Field, Reason: fmt.Sprintf("must be >= %g", *c.Min), Err: ErrInvalidValue}
	}
	if c.Max != nil && f > *c.Max {
		return &FieldError{Field: c.Field, Reason: fmt.Sprintf("must be <= %g", *c.Max), Err: ErrInvalidValue}
	}
	return nil
}

// exactInt returns v as an int64 when it is an integer type or an integral
// decimal literal, without a float64 round trip.
func exactInt(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case int32:
		return int64(t), true
	case json.Number:
		n, err := t.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		return n, err == nil
	}
	return 0, false
}

func (c *Column) typeError(v any) error {
	return &FieldError{Field: c.Field, Reason: fmt.Sprintf("expected %s, got %T", c.Type, v), Err: ErrInvalidValue}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}
