// Package pgtables implements backend.Tables on PostgreSQL. Rows are read back
// as JSON objects (row_to_json) and written through json_populate_record so the
// database performs column typing.
package pgtables

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dealerdesk/dealerdesk/internal/backend"
	"github.com/dealerdesk/dealerdesk/internal/platform/db"
)

// PrimaryKey is the column used by Update and Delete.
const PrimaryKey = "id"

var errEmptyTable = errors.New("table name required")

type dbtx interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Store talks to PostgreSQL through a pool or a transaction.
type Store struct {
	db   dbtx
	pool *pgxpool.Pool
}

// New constructs a Store on pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{db: pool, pool: pool}
}

// WithTx runs fn with a Store bound to a single transaction.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, *Store) error) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(ctx, &Store{db: tx, pool: s.pool})
	})
}

// Select runs q and returns matching rows.
func (s *Store) Select(ctx context.Context, q backend.Query) ([]backend.Row, error) {
	sql, args, err := buildSelect(q)
	if err != nil {
		return nil, backend.Wrap("select", q.Table, err)
	}
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, translate("select", q.Table, err)
	}
	out, err := pgx.CollectRows(rows, scanJSON)
	if err != nil {
		return nil, translate("select", q.Table, err)
	}
	if out == nil {
		out = []backend.Row{}
	}
	return out, nil
}

// Insert writes a single row and returns it as stored.
func (s *Store) Insert(ctx context.Context, table string, values backend.Values) (backend.Row, error) {
	sql, args, err := buildInsert(table, values)
	if err != nil {
		return nil, backend.Wrap("insert", table, err)
	}
	var raw []byte
	if err := s.db.QueryRow(ctx, sql, args...).Scan(&raw); err != nil {
		return nil, translate("insert", table, err)
	}
	return backend.Row(raw), nil
}

// Update patches the row whose primary key equals id.
func (s *Store) Update(ctx context.Context, table string, id any, values backend.Values) (backend.Row, error) {
	sql, args, err := buildUpdate(table, id, values)
	if err != nil {
		return nil, backend.Wrap("update", table, err)
	}
	var raw []byte
	if err := s.db.QueryRow(ctx, sql, args...).Scan(&raw); err != nil {
		return nil, translate("update", table, err)
	}
	return backend.Row(raw), nil
}

// Delete removes the row whose primary key equals id. Deleting a missing row succeeds.
func (s *Store) Delete(ctx context.Context, table string, id any) error {
	if table == "" {
		return backend.Wrap("delete", table, errEmptyTable)
	}
	sql := fmt.Sprintf("DELETE FROM %s WHERE %s = $1", ident(table), ident(PrimaryKey))
	if _, err := s.db.Exec(ctx, sql, id); err != nil {
		return translate("delete", table, err)
	}
	return nil
}

func scanJSON(row pgx.CollectableRow) (backend.Row, error) {
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		return nil, err
	}
	return backend.Row(raw), nil
}

func buildSelect(q backend.Query) (string, []any, error) {
	if q.Table == "" {
		return "", nil, errEmptyTable
	}
	cols := "*"
	if len(q.Columns) > 0 {
		quoted := make([]string, 0, len(q.Columns))
		for _, c := range q.Columns {
			quoted = append(quoted, ident(c))
		}
		cols = strings.Join(quoted, ", ")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT row_to_json(t) FROM (SELECT %s FROM %s", cols, ident(q.Table))
	args := make([]any, 0, len(q.Filters))
	for i, f := range q.Filters {
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		args = append(args, f.Value)
		fmt.Fprintf(&b, "%s = $%d", ident(f.Column), len(args))
	}
	b.WriteString(") t")
	return b.String(), args, nil
}

func buildInsert(table string, values backend.Values) (string, []any, error) {
	if table == "" {
		return "", nil, errEmptyTable
	}
	if len(values) == 0 {
		return "", nil, errors.New("no values to insert")
	}
	cols := columnList(values)
	payload, err := json.Marshal(values)
	if err != nil {
		return "", nil, err
	}
	sql := fmt.Sprintf(
		"INSERT INTO %[1]s (%[2]s) SELECT %[2]s FROM json_populate_record(NULL::%[1]s, $1::json) RETURNING row_to_json(%[1]s)",
		ident(table), cols,
	)
	return sql, []any{string(payload)}, nil
}

func buildUpdate(table string, id any, values backend.Values) (string, []any, error) {
	if table == "" {
		return "", nil, errEmptyTable
	}
	patch := make(backend.Values, len(values))
	for k, v := range values {
		if k == PrimaryKey {
			continue
		}
		patch[k] = v
	}
	if len(patch) == 0 {
		return "", nil, errors.New("no values to update")
	}
	cols := columnList(patch)
	payload, err := json.Marshal(patch)
	if err != nil {
		return "", nil, err
	}
	sql := fmt.Sprintf(
		"UPDATE %[1]s SET (%[2]s) = (SELECT %[2]s FROM json_populate_record(NULL::%[1]s, $1::json)) WHERE %[3]s = $2 RETURNING row_to_json(%[1]s)",
		ident(table), cols, ident(PrimaryKey),
	)
	return sql, []any{string(payload), id}, nil
}

func columnList(values backend.Values) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		keys[i] = ident(k)
	}
	return strings.Join(keys, ", ")
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func translate(op, table string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return &backend.Error{Op: op, Table: table, Code: backend.CodeNoRows, Message: "no matching row", Err: err}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &backend.Error{Op: op, Table: table, Code: pgErr.Code, Message: pgErr.Message, Err: err}
	}
	return backend.Wrap(op, table, err)
}
