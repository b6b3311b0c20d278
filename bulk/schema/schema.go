// Package schema holds the static entity descriptors that bulk operations
// validate against. Each entity type names its table, its id column, and the
// typed fields a submitted record may carry. Relation fields resolve to the
// referenced row's id column, stored under the field name with an "_id"
// suffix.
package schema

import (
	"fmt"
	"math"
	"time"

	"github.com/skein-dev/skein/errors"
)

// Record is one submitted item, keyed by field name
type Record map[string]interface{}

// Kind is the value type a field accepts
type Kind string

const (
	KindString Kind = "string"
	KindInt    Kind = "int"
	KindFloat  Kind = "float"
	KindBool   Kind = "bool"
	KindTime   Kind = "time"
)

// Field describes one attribute of an entity type
type Field struct {
	Name     string
	Kind     Kind
	Required bool

	// Relation names the entity type this field references. A relation
	// field accepts the referenced row's int64 id and is stored in the
	// column Name + "_id".
	Relation string

	// column is resolved at registration
	column string
}

// Column returns the table column the field is stored in
func (f *Field) Column() string {
	return f.column
}

// EntityType describes one table bulk operations may target
type EntityType struct {
	Name     string
	Table    string
	IDColumn string
	Fields   []Field

	byName map[string]*Field
}

// Field looks up a field descriptor by name. Relation fields are addressable
// both by their declared name and by the "_id" column name.
func (e *EntityType) Field(name string) (*Field, bool) {
	f, ok := e.byName[name]
	return f, ok
}

// Columns returns the stored column for every declared field, in declaration
// order
func (e *EntityType) Columns() []string {
	cols := make([]string, len(e.Fields))
	for i := range e.Fields {
		cols[i] = e.Fields[i].column
	}
	return cols
}

// ResolveColumns maps field names to their stored columns. Unknown names
// return an error naming the offending field.
func (e *EntityType) ResolveColumns(names []string) ([]string, error) {
	cols := make([]string, len(names))
	for i, name := range names {
		f, ok := e.Field(name)
		if !ok {
			return nil, errors.Wrapf(errors.ErrInvalidRequest,
				"unknown field %q on entity type %q", name, e.Name)
		}
		cols[i] = f.column
	}
	return cols, nil
}

// Validate checks a submitted record against the descriptor and returns the
// normalized form: keys are stored columns and values are coerced to the
// field's kind. The id column passes through untouched when present.
func (e *EntityType) Validate(rec Record) (Record, error) {
	return e.validate(rec, true)
}

// ValidatePartial normalizes a record without enforcing required fields,
// for partial updates that only carry the columns they change
func (e *EntityType) ValidatePartial(rec Record) (Record, error) {
	return e.validate(rec, false)
}

func (e *EntityType) validate(rec Record, requireAll bool) (Record, error) {
	out := make(Record, len(rec))

	for key, val := range rec {
		if key == e.IDColumn {
			id, err := coerceInt(val)
			if err != nil {
				return nil, fmt.Errorf("field %q: %s", key, err)
			}
			out[e.IDColumn] = id
			continue
		}
		f, ok := e.Field(key)
		if !ok {
			return nil, fmt.Errorf("unknown field %q", key)
		}
		if val == nil {
			out[f.column] = nil
			continue
		}
		coerced, err := f.coerce(val)
		if err != nil {
			return nil, fmt.Errorf("field %q: %s", key, err)
		}
		out[f.column] = coerced
	}

	if requireAll {
		for i := range e.Fields {
			f := &e.Fields[i]
			if !f.Required {
				continue
			}
			if v, ok := out[f.column]; !ok || v == nil {
				return nil, fmt.Errorf("missing required field %q", f.Name)
			}
		}
	}
	return out, nil
}

func (f *Field) coerce(val interface{}) (interface{}, error) {
	if f.Relation != "" {
		return coerceInt(val)
	}
	switch f.Kind {
	case KindString:
		s, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", val)
		}
		return s, nil
	case KindInt:
		return coerceInt(val)
	case KindFloat:
		switch v := val.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		}
		return nil, fmt.Errorf("expected number, got %T", val)
	case KindBool:
		b, ok := val.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %T", val)
		}
		return b, nil
	case KindTime:
		switch v := val.(type) {
		case time.Time:
			return v, nil
		case string:
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return nil, fmt.Errorf("expected RFC3339 timestamp: %v", err)
			}
			return t, nil
		}
		return nil, fmt.Errorf("expected timestamp, got %T", val)
	default:
		return nil, fmt.Errorf("unsupported kind %q", f.Kind)
	}
}

// coerceInt accepts the JSON decoder's float64 alongside native ints, and
// rejects fractional values
func coerceInt(val interface{}) (int64, error) {
	switch v := val.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("expected integer, got %v", v)
		}
		return int64(v), nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", val)
	}
}
