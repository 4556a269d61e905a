// Package backendfake is an in-memory backend with failure injection for tests.
package backendfake

import (
	"context"
	"encoding/json"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dealerdesk/dealerdesk/internal/backend"
)

// Hook runs before every table operation, outside the store lock.
type Hook func(ctx context.Context, op, table string)

type failure struct {
	err       error
	remaining int // < 0 fails forever
}

// Tables is an in-memory backend.Tables.
type Tables struct {
	mu       sync.Mutex
	rows     map[string][]map[string]any
	defaults map[string]backend.Values
	failures map[string]*failure
	calls    map[string]int
	hook     Hook
	now      func() time.Time
}

var _ backend.Tables = (*Tables)(nil)

// NewTables returns an empty store.
func NewTables() *Tables {
	return &Tables{
		rows:     make(map[string][]map[string]any),
		defaults: make(map[string]backend.Values),
		failures: make(map[string]*failure),
		calls:    make(map[string]int),
		now:      time.Now,
	}
}

// SetDefaults sets column defaults applied on insert, like SQL DEFAULT clauses.
func (t *Tables) SetDefaults(table string, values backend.Values) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.defaults[table] = values
}

// SetHook installs h for every subsequent operation.
func (t *Tables) SetHook(h Hook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hook = h
}

// FailNext makes the next n calls of op on table fail with err. n < 0 fails forever.
func (t *Tables) FailNext(table, op string, err error, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures[op+":"+table] = &failure{err: err, remaining: n}
}

// ClearFailures removes all injected failures.
func (t *Tables) ClearFailures() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures = make(map[string]*failure)
}

// Calls returns how many times op ran against table, failed calls included.
func (t *Tables) Calls(table, op string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[op+":"+table]
}

// Seed stores values as-is, bypassing failures and hooks.
func (t *Tables) Seed(table string, values backend.Values) {
	row, err := normalize(values)
	if err != nil {
		panic(err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows[table] = append(t.rows[table], row)
}

// Select implements backend.Tables.
func (t *Tables) Select(ctx context.Context, q backend.Query) ([]backend.Row, error) {
	if err := t.enter(ctx, "select", q.Table); err != nil {
		return nil, err
	}
	filters := make([]backend.Filter, 0, len(q.Filters))
	for _, f := range q.Filters {
		v, err := normalizeValue(f.Value)
		if err != nil {
			return nil, backend.Wrap("select", q.Table, err)
		}
		filters = append(filters, backend.Filter{Column: f.Column, Value: v})
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	out := []backend.Row{}
	for _, row := range t.rows[q.Table] {
		if !matches(row, filters) {
			continue
		}
		raw, err := json.Marshal(project(row, q.Columns))
		if err != nil {
			return nil, backend.Wrap("select", q.Table, err)
		}
		out = append(out, raw)
	}
	return out, nil
}

// Insert implements backend.Tables. Missing ids are generated.
func (t *Tables) Insert(ctx context.Context, table string, values backend.Values) (backend.Row, error) {
	if err := t.enter(ctx, "insert", table); err != nil {
		return nil, err
	}
	row, err := normalize(values)
	if err != nil {
		return nil, backend.Wrap("insert", table, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for k, v := range t.defaults[table] {
		if _, ok := row[k]; !ok {
			nv, err := normalizeValue(v)
			if err != nil {
				return nil, backend.Wrap("insert", table, err)
			}
			row[k] = nv
		}
	}
	if id, ok := row["id"]; !ok || id == nil || id == "" {
		row["id"] = uuid.NewString()
	}
	for _, existing := range t.rows[table] {
		if reflect.DeepEqual(existing["id"], row["id"]) {
			return nil, &backend.Error{Op: "insert", Table: table, Code: backend.CodeUniqueViolation, Message: "duplicate key value violates unique constraint"}
		}
	}
	if _, ok := row["created_at"]; !ok {
		row["created_at"] = t.now().UTC().Format(time.RFC3339Nano)
	}
	t.rows[table] = append(t.rows[table], row)
	return json.Marshal(row)
}

// Update implements backend.Tables.
func (t *Tables) Update(ctx context.Context, table string, id any, values backend.Values) (backend.Row, error) {
	if err := t.enter(ctx, "update", table); err != nil {
		return nil, err
	}
	patch, err := normalize(values)
	if err != nil {
		return nil, backend.Wrap("update", table, err)
	}
	key, err := normalizeValue(id)
	if err != nil {
		return nil, backend.Wrap("update", table, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, row := range t.rows[table] {
		if !reflect.DeepEqual(row["id"], key) {
			continue
		}
		for k, v := range patch {
			if k == "id" {
				continue
			}
			row[k] = v
		}
		return json.Marshal(row)
	}
	return nil, &backend.Error{Op: "update", Table: table, Code: backend.CodeNoRows, Message: "no matching row"}
}

// Delete implements backend.Tables. Deleting a missing row succeeds.
func (t *Tables) Delete(ctx context.Context, table string, id any) error {
	if err := t.enter(ctx, "delete", table); err != nil {
		return err
	}
	key, err := normalizeValue(id)
	if err != nil {
		return backend.Wrap("delete", table, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	rows := t.rows[table]
	kept := rows[:0]
	for _, row := range rows {
		if !reflect.DeepEqual(row["id"], key) {
			kept = append(kept, row)
		}
	}
	t.rows[table] = kept
	return nil
}

func (t *Tables) enter(ctx context.Context, op, table string) error {
	t.mu.Lock()
	t.calls[op+":"+table]++
	hook := t.hook
	var injected error
	if f, ok := t.failures[op+":"+table]; ok && f.remaining != 0 {
		injected = f.err
		if f.remaining > 0 {
			f.remaining--
		}
	}
	t.mu.Unlock()

	if hook != nil {
		hook(ctx, op, table)
	}
	if err := ctx.Err(); err != nil {
		return backend.Wrap(op, table, err)
	}
	if injected != nil {
		return backend.Wrap(op, table, injected)
	}
	return nil
}

func matches(row map[string]any, filters []backend.Filter) bool {
	for _, f := range filters {
		if !reflect.DeepEqual(row[f.Column], f.Value) {
			return false
		}
	}
	return true
}

func project(row map[string]any, cols []string) map[string]any {
	if len(cols) == 0 {
		return row
	}
	out := make(map[string]any, len(cols))
	for _, c := range cols {
		out[c] = row[c]
	}
	return out
}

// normalize gives stored values the shape they would have after a JSON round
// trip, so comparisons behave like the database's.
func normalize(values backend.Values) (map[string]any, error) {
	raw, err := json.Marshal(values)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any)
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func normalizeValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
