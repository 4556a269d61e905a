package datastore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/dealerdesk/dealerdesk/internal/backend"
	"github.com/dealerdesk/dealerdesk/internal/notify"
)

// Metrics records the outcome of repository operations.
type Metrics interface {
	ObserveDatastoreOp(table string, op string, err error)
}

// Options configures a Repository.
type Options struct {
	// Noun is the singular name used in notices, e.g. "vehicle". Defaults to the table name.
	Noun     string
	Notifier notify.Notifier
	Logger   *slog.Logger
	Metrics  Metrics
}

// Repository is the CRUD surface over one table. List, Insert, Update and Delete
// never return errors: failures yield an empty or nil result, are recorded on the
// operation's Status and are reported through the notifier.
type Repository[T any] struct {
	table    Table[T]
	backend  backend.Tables
	noun     string
	notifier notify.Notifier
	logger   *slog.Logger
	metrics  Metrics

	list   Status
	insert Status
	update Status
	remove Status
}

// New constructs a Repository for table on tables.
func New[T any](tables backend.Tables, table Table[T], opts Options) *Repository[T] {
	r := &Repository[T]{
		table:    table,
		backend:  tables,
		noun:     opts.Noun,
		notifier: opts.Notifier,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
	if r.noun == "" {
		r.noun = table.Name()
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.notifier == nil {
		r.notifier = notify.NewLogger(r.logger)
	}
	return r
}

// Table returns the table descriptor.
func (r *Repository[T]) Table() Table[T] { return r.table }

// Status returns the loading/error state of op.
func (r *Repository[T]) Status(op Op) *Status {
	switch op {
	case OpInsert:
		return &r.insert
	case OpUpdate:
		return &r.update
	case OpDelete:
		return &r.remove
	default:
		return &r.list
	}
}

// Fetch runs q and returns its rows or the backend error. It does not notify.
func (r *Repository[T]) Fetch(ctx context.Context, q Query) ([]T, error) {
	bq, err := r.buildQuery(q)
	if err != nil {
		return nil, err
	}
	rows, err := r.backend.Select(ctx, bq)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(rows))
	for _, raw := range rows {
		var item T
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, backend.Wrap("decode", r.table.Name(), err)
		}
		out = append(out, item)
	}
	return out, nil
}

// List returns the rows matching q, or an empty slice when the backend fails.
func (r *Repository[T]) List(ctx context.Context, q Query) []T {
	done := r.list.begin()
	items, err := r.Fetch(ctx, q)
	done(err)
	r.observe(OpList, err)
	if err != nil {
		r.logger.Error("datastore list", slog.String("table", r.table.Name()), slog.String("query", q.Key()), slog.Any("error", err))
		r.notifier.Notify(ctx, notify.Error(fmt.Sprintf("Could not load %s: %s", r.table.Name(), errorMessage(err))))
		return []T{}
	}
	return items
}

// Get returns the row whose id equals id. It reports ErrNotFound for no match
// and does not notify; handlers use it for detail views.
func (r *Repository[T]) Get(ctx context.Context, id any) (*T, error) {
	items, err := r.Fetch(ctx, Query{}.Eq("id", id))
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNotFound
	}
	return &items[0], nil
}

// Insert stores row and returns it with backend-assigned fields, or nil on failure.
func (r *Repository[T]) Insert(ctx context.Context, row T) *T {
	item, _ := r.TryInsert(ctx, row)
	return item
}

// TryInsert is Insert that also returns the failure of this call. Status(OpInsert)
// is shared by concurrent callers; TryInsert's error is not.
func (r *Repository[T]) TryInsert(ctx context.Context, row T) (*T, error) {
	done := r.insert.begin()
	item, err := r.doInsert(ctx, row)
	done(err)
	r.observe(OpInsert, err)
	if err != nil {
		r.logger.Error("datastore insert", slog.String("table", r.table.Name()), slog.Any("error", err))
		r.notifier.Notify(ctx, notify.Error(fmt.Sprintf("Could not create %s: %s", r.noun, errorMessage(err))))
		return nil, err
	}
	r.notifier.Notify(ctx, notify.Success(fmt.Sprintf("%s created", r.title())))
	return item, nil
}

// Update applies patch to the row with the given id and returns the stored row,
// or nil on failure.
func (r *Repository[T]) Update(ctx context.Context, id any, patch Patch) *T {
	item, _ := r.TryUpdate(ctx, id, patch)
	return item
}

// TryUpdate is Update that also returns the failure of this call.
func (r *Repository[T]) TryUpdate(ctx context.Context, id any, patch Patch) (*T, error) {
	done := r.update.begin()
	item, err := r.doUpdate(ctx, id, patch)
	done(err)
	r.observe(OpUpdate, err)
	if err != nil {
		r.logger.Error("datastore update", slog.String("table", r.table.Name()), slog.Any("id", id), slog.Any("error", err))
		r.notifier.Notify(ctx, notify.Error(fmt.Sprintf("Could not update %s: %s", r.noun, errorMessage(err))))
		return nil, err
	}
	r.notifier.Notify(ctx, notify.Success(fmt.Sprintf("%s updated", r.title())))
	return item, nil
}

// Delete removes the row with the given id and reports success.
func (r *Repository[T]) Delete(ctx context.Context, id any) bool {
	return r.TryDelete(ctx, id) == nil
}

// TryDelete is Delete that returns the failure of this call.
func (r *Repository[T]) TryDelete(ctx context.Context, id any) error {
	done := r.remove.begin()
	err := r.backend.Delete(ctx, r.table.Name(), id)
	done(err)
	r.observe(OpDelete, err)
	if err != nil {
		r.logger.Error("datastore delete", slog.String("table", r.table.Name()), slog.Any("id", id), slog.Any("error", err))
		r.notifier.Notify(ctx, notify.Error(fmt.Sprintf("Could not delete %s: %s", r.noun, errorMessage(err))))
		return err
	}
	r.notifier.Notify(ctx, notify.Success(fmt.Sprintf("%s deleted", r.title())))
	return nil
}

func (r *Repository[T]) doInsert(ctx context.Context, row T) (*T, error) {
	values, err := toValues(row)
	if err != nil {
		return nil, backend.Wrap("encode", r.table.Name(), err)
	}
	raw, err := r.backend.Insert(ctx, r.table.Name(), values)
	if err != nil {
		return nil, err
	}
	return r.decode(raw)
}

func (r *Repository[T]) doUpdate(ctx context.Context, id any, patch Patch) (*T, error) {
	if len(patch) == 0 {
		return nil, backend.Wrap("update", r.table.Name(), errors.New("empty patch"))
	}
	values := make(backend.Values, len(patch))
	for col, v := range patch {
		if col == "id" || !r.table.HasColumn(col) {
			return nil, backend.Wrap("update", r.table.Name(), fmt.Errorf("%w %q", ErrUnknownColumn, col))
		}
		values[col] = v
	}
	raw, err := r.backend.Update(ctx, r.table.Name(), id, values)
	if err != nil {
		return nil, err
	}
	return r.decode(raw)
}

func (r *Repository[T]) decode(raw backend.Row) (*T, error) {
	var item T
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, backend.Wrap("decode", r.table.Name(), err)
	}
	return &item, nil
}

func (r *Repository[T]) buildQuery(q Query) (backend.Query, error) {
	cols, err := r.table.ParseProjection(q.Projection)
	if err != nil {
		return backend.Query{}, backend.Wrap("select", r.table.Name(), err)
	}
	bq := backend.Query{Table: r.table.Name(), Columns: cols}
	keys := make([]string, 0, len(q.Filters))
	for col := range q.Filters {
		if !r.table.HasColumn(col) {
			return backend.Query{}, backend.Wrap("select", r.table.Name(), fmt.Errorf("%w %q", ErrUnknownColumn, col))
		}
		keys = append(keys, col)
	}
	sort.Strings(keys)
	for _, col := range keys {
		bq.Filters = append(bq.Filters, backend.Filter{Column: col, Value: q.Filters[col]})
	}
	return bq, nil
}

func (r *Repository[T]) observe(op Op, err error) {
	if r.metrics != nil {
		r.metrics.ObserveDatastoreOp(r.table.Name(), string(op), err)
	}
}

// toValues encodes row through its json tags so omitempty fields (ids,
// timestamps) are left for the backend to assign.
func toValues(row any) (backend.Values, error) {
	raw, err := json.Marshal(row)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var values backend.Values
	if err := dec.Decode(&values); err != nil {
		return nil, err
	}
	return values, nil
}

func errorMessage(err error) string {
	return backend.Message(err)
}

// title upper-cases the first word of the noun for notices, e.g. "Vehicle created".
func (r *Repository[T]) title() string {
	first, rest, _ := strings.Cut(r.noun, " ")
	first = cases.Title(language.English).String(first)
	if rest == "" {
		return first
	}
	return first + " " + rest
}
