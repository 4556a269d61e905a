// Package datastore is the typed data access layer: a generic repository over
// backend tables with per-operation loading state and user notifications.
package datastore

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrUnknownColumn is returned when a projection, filter or patch names a column
// the row type does not declare.
var ErrUnknownColumn = errors.New("datastore: unknown column")

// ErrNotFound is returned by Get when no row matches.
var ErrNotFound = errors.New("datastore: not found")

// Table binds the row type T to a backend table. Its columns are the json tags of T.
type Table[T any] struct {
	name    string
	columns map[string]reflect.StructField
	ordered []string
}

// NewTable derives the column set of T. It panics when T is not a struct, which
// is a programming error caught at package init.
func NewTable[T any](name string) Table[T] {
	var zero T
	rt := reflect.TypeOf(zero)
	if rt == nil || rt.Kind() != reflect.Struct {
		panic(fmt.Sprintf("datastore: table %s: row type must be a struct", name))
	}
	t := Table[T]{name: name, columns: make(map[string]reflect.StructField)}
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		if !f.IsExported() {
			continue
		}
		col := columnName(f)
		if col == "" {
			continue
		}
		t.columns[col] = f
		t.ordered = append(t.ordered, col)
	}
	return t
}

func columnName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	if tag == "-" {
		return ""
	}
	name, _, _ := strings.Cut(tag, ",")
	if name == "" {
		return f.Name
	}
	return name
}

// ReadOnlyColumns are assigned by the backend and never written by clients.
var ReadOnlyColumns = []string{"id", "created_at"}

// IsReadOnly reports whether col is one of ReadOnlyColumns.
func IsReadOnly(col string) bool {
	for _, c := range ReadOnlyColumns {
		if c == col {
			return true
		}
	}
	return false
}

// Name returns the backend table name.
func (t Table[T]) Name() string { return t.name }

// Columns lists the declared columns in field order.
func (t Table[T]) Columns() []string {
	return append([]string(nil), t.ordered...)
}

// HasColumn reports whether col is declared.
func (t Table[T]) HasColumn(col string) bool {
	_, ok := t.columns[col]
	return ok
}

// Field returns the struct field backing col.
func (t Table[T]) Field(col string) (reflect.StructField, bool) {
	f, ok := t.columns[col]
	return f, ok
}

// Value returns the value of col on row.
func (t Table[T]) Value(row T, col string) (any, bool) {
	f, ok := t.columns[col]
	if !ok {
		return nil, false
	}
	return reflect.ValueOf(row).FieldByIndex(f.Index).Interface(), true
}

// Clear resets cols on row to their zero value. Unknown columns are ignored.
func (t Table[T]) Clear(row *T, cols ...string) {
	v := reflect.ValueOf(row).Elem()
	for _, col := range cols {
		if f, ok := t.columns[col]; ok {
			fv := v.FieldByIndex(f.Index)
			fv.Set(reflect.Zero(fv.Type()))
		}
	}
}

var timeType = reflect.TypeOf(time.Time{})

// ParseValue converts a textual filter value into the Go type of col, so
// "2021" filters an int column as a number.
func (t Table[T]) ParseValue(col, raw string) (any, error) {
	f, ok := t.columns[col]
	if !ok {
		return nil, fmt.Errorf("%w %q on %s", ErrUnknownColumn, col, t.name)
	}
	typ := f.Type
	for typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	if typ == timeType {
		return raw, nil
	}
	switch typ.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.ParseInt(raw, 10, 64)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.ParseUint(raw, 10, 64)
	case reflect.Float32, reflect.Float64:
		return strconv.ParseFloat(raw, 64)
	case reflect.Bool:
		return strconv.ParseBool(raw)
	default:
		return raw, nil
	}
}

// ParseProjection turns "id, make,model" into a checked column list. "" and "*"
// select every column and yield nil.
func (t Table[T]) ParseProjection(projection string) ([]string, error) {
	projection = strings.TrimSpace(projection)
	if projection == "" || projection == "*" {
		return nil, nil
	}
	parts := strings.Split(projection, ",")
	cols := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, p := range parts {
		col := strings.TrimSpace(p)
		if col == "" {
			continue
		}
		if !t.HasColumn(col) {
			return nil, fmt.Errorf("%w %q on %s", ErrUnknownColumn, col, t.name)
		}
		if _, dup := seen[col]; dup {
			continue
		}
		seen[col] = struct{}{}
		cols = append(cols, col)
	}
	return cols, nil
}

// Query is a list descriptor: an optional projection and AND-combined equality
// filters. Together with the repository's table it fully determines a list.
type Query struct {
	Projection string
	Filters    map[string]any
}

// Where builds a Query with the given filters.
func Where(filters map[string]any) Query {
	return Query{Filters: filters}
}

// Eq returns a copy of q with col = value added.
func (q Query) Eq(col string, value any) Query {
	next := make(map[string]any, len(q.Filters)+1)
	for k, v := range q.Filters {
		next[k] = v
	}
	next[col] = value
	return Query{Projection: q.Projection, Filters: next}
}

// Select returns a copy of q with the projection replaced.
func (q Query) Select(projection string) Query {
	return Query{Projection: projection, Filters: q.Filters}
}

// Key is the serialized descriptor; two queries with equal keys return the same rows.
func (q Query) Key() string {
	filters := "{}"
	if len(q.Filters) > 0 {
		// encoding/json sorts map keys, which makes the key order independent.
		if b, err := json.Marshal(q.Filters); err == nil {
			filters = string(b)
		} else {
			keys := make([]string, 0, len(q.Filters))
			for k := range q.Filters {
				keys = append(keys, fmt.Sprintf("%s=%v", k, q.Filters[k]))
			}
			sort.Strings(keys)
			filters = strings.Join(keys, "&")
		}
	}
	return strings.TrimSpace(q.Projection) + "|" + filters
}

// Patch is a partial update keyed by column.
type Patch map[string]any
