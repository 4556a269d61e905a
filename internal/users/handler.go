package users

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/dealerdesk/dealerdesk/internal/auth"
	"github.com/dealerdesk/dealerdesk/internal/platform/httpx"
)

// Handler serves /users. Every route is admin-only.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	guard     auth.Guard
	validator *validator.Validate
}

// NewHandler builds a Handler.
func NewHandler(logger *slog.Logger, service *Service, guard auth.Guard) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, guard: guard, validator: validator.New()}
}

// MountRoutes registers user routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequireAdmin())
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
		r.Patch("/{id}", h.update)
	})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	role := auth.Role(r.URL.Query().Get("role"))
	if role != "" && !role.Valid() {
		httpx.ValidationProblem(w, map[string]string{"role": "oneof"})
		return
	}
	httpx.Respond(w, r, http.StatusOK, h.service.List(r.Context(), role))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.Respond(w, r, http.StatusOK, p)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	var change Change
	if err := httpx.DecodeJSON(r, &change); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(change); err != nil {
		httpx.ValidationProblem(w, map[string]string{"general": err.Error()})
		return
	}
	p, err := h.service.Update(r.Context(), chi.URLParam(r, "id"), change)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.Respond(w, r, http.StatusOK, p)
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	h.logger.Warn("user admin request failed", slog.Any("error", err))
	httpx.RespondError(w, err)
}
