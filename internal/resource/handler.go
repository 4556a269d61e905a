// Package resource mounts JSON CRUD endpoints for a datastore repository.
package resource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/dealerdesk/dealerdesk/internal/backend"
	"github.com/dealerdesk/dealerdesk/internal/datastore"
	"github.com/dealerdesk/dealerdesk/internal/platform/httpx"
)

const maxBodyBytes = 1 << 20

// Middleware is an HTTP middleware.
type Middleware = func(http.Handler) http.Handler

// Access holds the guard for each kind of operation. Nil guards admit everyone.
type Access struct {
	Read   Middleware
	Write  Middleware
	Delete Middleware
}

// Hooks run around mutations. Before hooks abort the request by returning an
// error understood by httpx.RespondError.
type Hooks[T any] struct {
	// LockCreate serializes creates that must not race, e.g. two sales of one
	// vehicle. It runs before BeforeCreate and its release func after AfterCreate.
	LockCreate   func(ctx context.Context, row *T) (release func(), err error)
	BeforeCreate func(ctx context.Context, row *T) error
	AfterCreate  func(ctx context.Context, row *T)
	BeforeUpdate func(ctx context.Context, id string, patch datastore.Patch) error
	AfterUpdate  func(ctx context.Context, row *T)
	BeforeDelete func(ctx context.Context, row *T) error
	AfterDelete  func(ctx context.Context, row *T)
}

// Handler serves one table.
type Handler[T any] struct {
	repo      *datastore.Repository[T]
	access    Access
	hooks     Hooks[T]
	validator *validator.Validate
	logger    *slog.Logger
}

// New constructs a Handler.
func New[T any](repo *datastore.Repository[T], access Access, hooks Hooks[T], logger *slog.Logger) *Handler[T] {
	if logger == nil {
		logger = slog.Default()
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler[T]{
		repo:      repo,
		access:    access,
		hooks:     hooks,
		validator: v,
		logger:    logger.With(slog.String("table", repo.Table().Name())),
	}
}

// MountRoutes registers the CRUD routes.
func (h *Handler[T]) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		if h.access.Read != nil {
			r.Use(h.access.Read)
		}
		r.Get("/", h.list)
		r.Get("/status", h.status)
		r.Get("/{id}", h.get)
	})
	r.Group(func(r chi.Router) {
		if h.access.Write != nil {
			r.Use(h.access.Write)
		}
		r.Post("/", h.create)
		r.Patch("/{id}", h.update)
	})
	r.Group(func(r chi.Router) {
		if h.access.Delete != nil {
			r.Use(h.access.Delete)
		}
		r.Delete("/{id}", h.remove)
	})
}

// ParseQuery turns URL parameters into a datastore query: "select" is the
// projection and every other parameter an equality filter.
func ParseQuery[T any](table datastore.Table[T], params map[string][]string) (datastore.Query, map[string]string) {
	q := datastore.Query{}
	problems := map[string]string{}
	for key, values := range params {
		if len(values) == 0 {
			continue
		}
		raw := values[len(values)-1]
		if key == "select" {
			if _, err := table.ParseProjection(raw); err != nil {
				problems["select"] = err.Error()
				continue
			}
			q = q.Select(raw)
			continue
		}
		v, err := table.ParseValue(key, raw)
		if err != nil {
			problems[key] = err.Error()
			continue
		}
		q = q.Eq(key, v)
	}
	if len(problems) > 0 {
		return q, problems
	}
	return q, nil
}

func (h *Handler[T]) list(w http.ResponseWriter, r *http.Request) {
	q, problems := ParseQuery(h.repo.Table(), r.URL.Query())
	if problems != nil {
		httpx.ValidationProblem(w, problems)
		return
	}
	httpx.Respond(w, r, http.StatusOK, h.repo.List(r.Context(), q))
}

type opStatus struct {
	Loading bool   `json:"loading"`
	Error   string `json:"error,omitempty"`
}

func (h *Handler[T]) status(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]opStatus, 4)
	for _, op := range []datastore.Op{datastore.OpList, datastore.OpInsert, datastore.OpUpdate, datastore.OpDelete} {
		st := h.repo.Status(op)
		out[string(op)] = opStatus{Loading: st.Loading(), Error: st.Err()}
	}
	httpx.Respond(w, r, http.StatusOK, out)
}

func (h *Handler[T]) get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	row, err := h.repo.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, datastore.ErrNotFound) {
			httpx.RespondError(w, httpx.ErrNotFound)
			return
		}
		h.logger.Error("get row", slog.String("id", id), slog.Any("error", err))
		httpx.Problem(w, http.StatusBadGateway, "Bad Gateway", err.Error())
		return
	}
	httpx.Respond(w, r, http.StatusOK, row)
}

func (h *Handler[T]) create(w http.ResponseWriter, r *http.Request) {
	var row T
	if err := httpx.DecodeJSON(r, &row); err != nil {
		httpx.RespondError(w, err)
		return
	}
	h.repo.Table().Clear(&row, datastore.ReadOnlyColumns...)
	if fields := h.validateStruct(row); fields != nil {
		httpx.ValidationProblem(w, fields)
		return
	}
	if h.hooks.LockCreate != nil {
		release, err := h.hooks.LockCreate(r.Context(), &row)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		defer release()
	}
	if h.hooks.BeforeCreate != nil {
		if err := h.hooks.BeforeCreate(r.Context(), &row); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	created, err := h.repo.TryInsert(r.Context(), row)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	if h.hooks.AfterCreate != nil {
		h.hooks.AfterCreate(r.Context(), created)
	}
	httpx.Respond(w, r, http.StatusCreated, created)
}

func (h *Handler[T]) update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	patch, fields, err := h.decodePatch(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if fields != nil {
		httpx.ValidationProblem(w, fields)
		return
	}
	if _, err := h.repo.Get(r.Context(), id); err != nil {
		if errors.Is(err, datastore.ErrNotFound) {
			httpx.RespondError(w, httpx.ErrNotFound)
			return
		}
		httpx.Problem(w, http.StatusBadGateway, "Bad Gateway", err.Error())
		return
	}
	if h.hooks.BeforeUpdate != nil {
		if err := h.hooks.BeforeUpdate(r.Context(), id, patch); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	updated, err := h.repo.TryUpdate(r.Context(), id, patch)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	if h.hooks.AfterUpdate != nil {
		h.hooks.AfterUpdate(r.Context(), updated)
	}
	httpx.Respond(w, r, http.StatusOK, updated)
}

func (h *Handler[T]) remove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	row, err := h.repo.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, datastore.ErrNotFound) {
			httpx.RespondError(w, httpx.ErrNotFound)
			return
		}
		httpx.Problem(w, http.StatusBadGateway, "Bad Gateway", err.Error())
		return
	}
	if h.hooks.BeforeDelete != nil {
		if err := h.hooks.BeforeDelete(r.Context(), row); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	if err := h.repo.TryDelete(r.Context(), id); err != nil {
		h.writeFailure(w, err)
		return
	}
	if h.hooks.AfterDelete != nil {
		h.hooks.AfterDelete(r.Context(), row)
	}
	httpx.Respond(w, r, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

// writeFailure answers a failed backend write. Unique violations are conflicts
// the client can act on; everything else is an upstream failure.
func (h *Handler[T]) writeFailure(w http.ResponseWriter, err error) {
	if backend.IsUniqueViolation(err) {
		httpx.Problem(w, http.StatusConflict, "Conflict", backend.Message(err))
		return
	}
	httpx.Problem(w, http.StatusBadGateway, "Bad Gateway", backend.Message(err))
}

// decodePatch reads a partial row. Values are type-checked by decoding into T
// and validated with the tags of the touched fields only.
func (h *Handler[T]) decodePatch(r *http.Request) (datastore.Patch, map[string]string, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	}
	if len(raw) == 0 {
		return nil, map[string]string{"general": "empty patch"}, nil
	}
	table := h.repo.Table()
	fields := map[string]string{}
	names := make([]string, 0, len(raw))
	for col := range raw {
		f, ok := table.Field(col)
		if !ok || datastore.IsReadOnly(col) {
			fields[col] = "unknown or read-only column"
			continue
		}
		names = append(names, f.Name)
	}
	if len(fields) > 0 {
		return nil, fields, nil
	}

	var row T
	if err := json.Unmarshal(body, &row); err != nil {
		return nil, map[string]string{"general": err.Error()}, nil
	}
	if err := h.validator.StructPartial(row, names...); err != nil {
		return nil, validationFields(err), nil
	}
	patch := make(datastore.Patch, len(raw))
	for col := range raw {
		v, _ := table.Value(row, col)
		patch[col] = v
	}
	return patch, nil, nil
}

func (h *Handler[T]) validateStruct(row T) map[string]string {
	if err := h.validator.Struct(row); err != nil {
		return validationFields(err)
	}
	return nil
}

func validationFields(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return map[string]string{"general": err.Error()}
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
	}
	return fields
}
