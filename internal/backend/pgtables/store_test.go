package pgtables

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dealerdesk/dealerdesk/internal/backend"
)

func TestBuildSelectAllColumns(t *testing.T) {
	sql, args, err := buildSelect(backend.Query{Table: "vehicles"})
	require.NoError(t, err)
	assert.Equal(t, `SELECT row_to_json(t) FROM (SELECT * FROM "vehicles") t`, sql)
	assert.Empty(t, args)
}

func TestBuildSelectProjectionAndFilters(t *testing.T) {
	sql, args, err := buildSelect(backend.Query{
		Table:   "vehicles",
		Columns: []string{"id", "make"},
		Filters: []backend.Filter{{Column: "status", Value: "available"}, {Column: "year", Value: 2021}},
	})
	require.NoError(t, err)
	assert.Equal(t, `SELECT row_to_json(t) FROM (SELECT "id", "make" FROM "vehicles" WHERE "status" = $1 AND "year" = $2) t`, sql)
	assert.Equal(t, []any{"available", 2021}, args)
}

func TestBuildSelectQuotesHostileIdentifiers(t *testing.T) {
	sql, _, err := buildSelect(backend.Query{Table: `vehicles"; drop table x; --`})
	require.NoError(t, err)
	assert.Contains(t, sql, `"vehicles""; drop table x; --"`)
}

func TestBuildInsertSortsColumns(t *testing.T) {
	sql, args, err := buildInsert("customers", backend.Values{"last_name": "Doe", "first_name": "Jane"})
	require.NoError(t, err)
	assert.Equal(t,
		`INSERT INTO "customers" ("first_name", "last_name") SELECT "first_name", "last_name" FROM json_populate_record(NULL::"customers", $1::json) RETURNING row_to_json("customers")`,
		sql)
	require.Len(t, args, 1)
	assert.JSONEq(t, `{"first_name":"Jane","last_name":"Doe"}`, args[0].(string))
}

func TestBuildUpdateSkipsPrimaryKey(t *testing.T) {
	sql, args, err := buildUpdate("vehicles", "abc", backend.Values{"id": "other", "price": 19990})
	require.NoError(t, err)
	assert.Equal(t,
		`UPDATE "vehicles" SET ("price") = (SELECT "price" FROM json_populate_record(NULL::"vehicles", $1::json)) WHERE "id" = $2 RETURNING row_to_json("vehicles")`,
		sql)
	assert.Equal(t, "abc", args[1])
}

func TestBuildRejectsEmptyInput(t *testing.T) {
	_, _, err := buildSelect(backend.Query{})
	assert.Error(t, err)
	_, _, err = buildInsert("vehicles", nil)
	assert.Error(t, err)
	_, _, err = buildUpdate("vehicles", 1, backend.Values{"id": 1})
	assert.Error(t, err)
}

func TestTranslateErrors(t *testing.T) {
	err := translate("update", "vehicles", pgx.ErrNoRows)
	assert.Equal(t, backend.CodeNoRows, backend.CodeOf(err))

	err = translate("select", "profiles", &pgconn.PgError{Code: "42501", Message: "permission denied for table profiles"})
	assert.True(t, backend.IsPermissionDenied(err))
	assert.Equal(t, "permission denied for table profiles", backend.Message(err))

	err = translate("select", "profiles", errors.New("dial tcp: refused"))
	var be *backend.Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "profiles", be.Table)
}
