package resource_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dealerdesk/dealerdesk/internal/backend"
	"github.com/dealerdesk/dealerdesk/internal/backend/backendfake"
	"github.com/dealerdesk/dealerdesk/internal/datastore"
	"github.com/dealerdesk/dealerdesk/internal/notify"
	"github.com/dealerdesk/dealerdesk/internal/platform/httpx"
	"github.com/dealerdesk/dealerdesk/internal/resource"
)

type part struct {
	ID    string `json:"id,omitempty" validate:"omitempty"`
	Name  string `json:"name" validate:"required,max=40"`
	Stock int    `json:"stock" validate:"gte=0"`
}

var parts = datastore.NewTable[part]("parts")

type envelope struct {
	Data    json.RawMessage `json:"data"`
	Notices []notify.Notice `json:"notices"`
}

func withCollector(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, _ := notify.WithCollector(r.Context())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func deny(http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		httpx.RespondError(w, httpx.ErrForbidden)
	})
}

func newServer(t *testing.T, access resource.Access, hooks resource.Hooks[part]) (http.Handler, *backendfake.Tables) {
	t.Helper()
	tables := backendfake.NewTables()
	repo := datastore.New(tables, parts, datastore.Options{Noun: "part", Notifier: notify.NewLogger(nil)})
	r := chi.NewRouter()
	r.Use(withCollector)
	r.Route("/parts", resource.New(repo, access, hooks, nil).MountRoutes)
	return r, tables
}

func call(t *testing.T, h http.Handler, method, path string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, &buf))
	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func TestCreateListUpdateDelete(t *testing.T) {
	srv, _ := newServer(t, resource.Access{}, resource.Hooks[part]{})

	rec, env := call(t, srv, http.MethodPost, "/parts", part{Name: "Brake pad", Stock: 4})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created part
	require.NoError(t, json.Unmarshal(env.Data, &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, []notify.Notice{notify.Success("Part created")}, env.Notices)

	_, env = call(t, srv, http.MethodGet, "/parts?stock=4", nil)
	var listed []part
	require.NoError(t, json.Unmarshal(env.Data, &listed))
	assert.Equal(t, []part{created}, listed)

	rec, env = call(t, srv, http.MethodPatch, "/parts/"+created.ID, map[string]any{"stock": 9})
	require.Equal(t, http.StatusOK, rec.Code)
	var updated part
	require.NoError(t, json.Unmarshal(env.Data, &updated))
	assert.Equal(t, 9, updated.Stock)
	assert.Equal(t, "Brake pad", updated.Name)

	rec, _ = call(t, srv, http.MethodDelete, "/parts/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = call(t, srv, http.MethodGet, "/parts/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = call(t, srv, http.MethodDelete, "/parts/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListProjectionAndBadFilters(t *testing.T) {
	srv, tables := newServer(t, resource.Access{}, resource.Hooks[part]{})
	call(t, srv, http.MethodPost, "/parts", part{Name: "Wiper", Stock: 2})

	_, env := call(t, srv, http.MethodGet, "/parts?select=name", nil)
	var listed []part
	require.NoError(t, json.Unmarshal(env.Data, &listed))
	assert.Equal(t, []part{{Name: "Wiper"}}, listed)

	before := tables.Calls("parts", "select")
	rec, _ := call(t, srv, http.MethodGet, "/parts?colour=red", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	rec, _ = call(t, srv, http.MethodGet, "/parts?stock=lots", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	rec, _ = call(t, srv, http.MethodGet, "/parts?select=name,colour", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, before, tables.Calls("parts", "select"))
}

func TestCreateValidates(t *testing.T) {
	srv, tables := newServer(t, resource.Access{}, resource.Hooks[part]{})
	rec, _ := call(t, srv, http.MethodPost, "/parts", part{Stock: -1})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var problem httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, "required", problem.Fields["name"])
	assert.Equal(t, "gte", problem.Fields["stock"])
	assert.Zero(t, tables.Calls("parts", "insert"))
}

func TestPatchValidatesOnlyTouchedFields(t *testing.T) {
	srv, _ := newServer(t, resource.Access{}, resource.Hooks[part]{})
	_, env := call(t, srv, http.MethodPost, "/parts", part{Name: "Filter", Stock: 1})
	var created part
	require.NoError(t, json.Unmarshal(env.Data, &created))

	rec, _ := call(t, srv, http.MethodPatch, "/parts/"+created.ID, map[string]any{"stock": -3})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	rec, _ = call(t, srv, http.MethodPatch, "/parts/"+created.ID, map[string]any{"id": "x"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	rec, _ = call(t, srv, http.MethodPatch, "/parts/"+created.ID, map[string]any{})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	rec, _ = call(t, srv, http.MethodPatch, "/parts/"+created.ID, map[string]any{"stock": "many"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// name is required on create but absent from this patch
	rec, _ = call(t, srv, http.MethodPatch, "/parts/"+created.ID, map[string]any{"stock": 0})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = call(t, srv, http.MethodPatch, "/parts/missing", map[string]any{"stock": 1})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBackendFailureIsBadGatewayWithNotice(t *testing.T) {
	srv, tables := newServer(t, resource.Access{}, resource.Hooks[part]{})
	tables.FailNext("parts", "insert", errors.New("connection reset"), 1)

	rec, _ := call(t, srv, http.MethodPost, "/parts", part{Name: "Belt"})
	require.Equal(t, http.StatusBadGateway, rec.Code)
	var problem httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, "connection reset", problem.Detail)

	_, env := call(t, srv, http.MethodGet, "/parts/status", nil)
	var status map[string]struct {
		Loading bool   `json:"loading"`
		Error   string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &status))
	assert.Equal(t, "connection reset", status["insert"].Error)
	assert.False(t, status["insert"].Loading)
	assert.Empty(t, status["list"].Error)
}

func TestCreateIgnoresReadOnlyColumns(t *testing.T) {
	srv, _ := newServer(t, resource.Access{}, resource.Hooks[part]{})
	rec, env := call(t, srv, http.MethodPost, "/parts", part{ID: "chosen-by-client", Name: "Hose"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created part
	require.NoError(t, json.Unmarshal(env.Data, &created))
	assert.NotEmpty(t, created.ID)
	assert.NotEqual(t, "chosen-by-client", created.ID)
}

func TestUniqueViolationIsConflict(t *testing.T) {
	srv, tables := newServer(t, resource.Access{}, resource.Hooks[part]{})
	tables.FailNext("parts", "insert", &backend.Error{Op: "insert", Table: "parts", Code: backend.CodeUniqueViolation, Message: "duplicate key value"}, 1)

	rec, _ := call(t, srv, http.MethodPost, "/parts", part{Name: "Belt"})
	require.Equal(t, http.StatusConflict, rec.Code)
	var problem httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, "duplicate key value", problem.Detail)
}

func TestLockCreateWrapsTheInsert(t *testing.T) {
	var events []string
	hooks := resource.Hooks[part]{
		LockCreate: func(_ context.Context, p *part) (func(), error) {
			if p.Name == "busy" {
				return nil, httpx.ErrConflict
			}
			events = append(events, "lock")
			return func() { events = append(events, "release") }, nil
		},
		AfterCreate: func(context.Context, *part) { events = append(events, "created") },
	}
	srv, tables := newServer(t, resource.Access{}, hooks)

	rec, _ := call(t, srv, http.MethodPost, "/parts", part{Name: "Bulb"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, []string{"lock", "created", "release"}, events)

	rec, _ = call(t, srv, http.MethodPost, "/parts", part{Name: "busy"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, 1, tables.Calls("parts", "insert"))
}

func TestListFailureReturnsEmptyWithErrorNotice(t *testing.T) {
	srv, tables := newServer(t, resource.Access{}, resource.Hooks[part]{})
	tables.FailNext("parts", "select", errors.New("timeout"), 1)

	rec, env := call(t, srv, http.MethodGet, "/parts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, string(env.Data))
	assert.Equal(t, []notify.Notice{notify.Error("Could not load parts: timeout")}, env.Notices)
}

func TestAccessGuardsAndHooks(t *testing.T) {
	var afterCreate, afterDelete int
	hooks := resource.Hooks[part]{
		BeforeCreate: func(_ context.Context, p *part) error {
			if p.Name == "forbidden" {
				return httpx.ErrConflict
			}
			p.Name = strings.ToUpper(p.Name)
			return nil
		},
		AfterCreate: func(context.Context, *part) { afterCreate++ },
		AfterDelete: func(context.Context, *part) { afterDelete++ },
	}
	srv, _ := newServer(t, resource.Access{Delete: deny}, hooks)

	rec, env := call(t, srv, http.MethodPost, "/parts", part{Name: "hose"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created part
	require.NoError(t, json.Unmarshal(env.Data, &created))
	assert.Equal(t, "HOSE", created.Name)
	assert.Equal(t, 1, afterCreate)

	rec, _ = call(t, srv, http.MethodPost, "/parts", part{Name: "forbidden"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = call(t, srv, http.MethodDelete, "/parts/"+created.ID, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, afterDelete)
}
