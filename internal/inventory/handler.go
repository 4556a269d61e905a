package inventory

import (
	"context"
	"log/slog"

	"github.com/go-chi/chi/v5"

	"github.com/dealerdesk/dealerdesk/internal/auth"
	"github.com/dealerdesk/dealerdesk/internal/datastore"
	"github.com/dealerdesk/dealerdesk/internal/resource"
)

// Handler serves /inventory. Any signed-in user reads and edits stock; deleting
// a vehicle needs a manager.
type Handler struct {
	crud *resource.Handler[Vehicle]
}

// NewHandler constructs the inventory handler.
func NewHandler(logger *slog.Logger, service *Service, guard auth.Guard) *Handler {
	access := resource.Access{
		Read:   guard.RequireAuth(),
		Write:  guard.RequireAuth(),
		Delete: guard.RequireManager(),
	}
	hooks := resource.Hooks[Vehicle]{
		BeforeCreate: func(_ context.Context, v *Vehicle) error {
			normalize(v)
			return nil
		},
		BeforeUpdate: func(_ context.Context, _ string, patch datastore.Patch) error {
			if vin, ok := patch["vin"].(string); ok {
				v := Vehicle{VIN: vin}
				normalize(&v)
				patch["vin"] = v.VIN
			}
			return nil
		},
	}
	return &Handler{crud: resource.New(service.Repository(), access, hooks, logger)}
}

// MountRoutes registers the vehicle routes.
func (h *Handler) MountRoutes(r chi.Router) {
	h.crud.MountRoutes(r)
}
