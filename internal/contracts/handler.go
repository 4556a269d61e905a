package contracts

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dealerdesk/dealerdesk/internal/auth"
	"github.com/dealerdesk/dealerdesk/internal/platform/httpx"
	"github.com/dealerdesk/dealerdesk/internal/resource"
)

// Handler serves /contracts.
type Handler struct {
	service *Service
	guard   auth.Guard
	crud    *resource.Handler[Contract]
}

// NewHandler constructs the contract handler. Deleting contracts is reserved to admins.
func NewHandler(logger *slog.Logger, service *Service, guard auth.Guard) *Handler {
	access := resource.Access{
		Read:   guard.RequireAuth(),
		Write:  guard.RequireAuth(),
		Delete: guard.RequireAdmin(),
	}
	hooks := resource.Hooks[Contract]{
		LockCreate:   service.lockVehicle,
		BeforeCreate: service.beforeCreate,
		AfterCreate:  service.afterCreate,
		BeforeUpdate: service.beforeUpdate,
		AfterUpdate:  service.afterUpdate,
		AfterDelete:  service.afterDelete,
	}
	return &Handler{service: service, guard: guard, crud: resource.New(service.Repository(), access, hooks, logger)}
}

// MountRoutes registers the contract routes.
func (h *Handler) MountRoutes(r chi.Router) {
	h.crud.MountRoutes(r)
	r.With(h.guard.RequireAuth()).Post("/{id}/sign", h.transition(StatusSigned))
	r.With(h.guard.RequireAuth()).Post("/{id}/cancel", h.transition(StatusCancelled))
}

func (h *Handler) transition(to Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := h.service.Transition(r.Context(), chi.URLParam(r, "id"), to)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		httpx.Respond(w, r, http.StatusOK, c)
	}
}
