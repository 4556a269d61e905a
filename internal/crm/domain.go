// Package crm keeps customer records.
package crm

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dealerdesk/dealerdesk/internal/auth"
	"github.com/dealerdesk/dealerdesk/internal/datastore"
	"github.com/dealerdesk/dealerdesk/internal/resource"
)

// Customer is a row of the customers table.
type Customer struct {
	ID        string     `json:"id,omitempty"`
	FirstName string     `json:"first_name" validate:"required,max=80"`
	LastName  string     `json:"last_name" validate:"required,max=80"`
	Email     string     `json:"email,omitempty" validate:"omitempty,email"`
	Phone     string     `json:"phone,omitempty" validate:"omitempty,max=30"`
	Address   string     `json:"address,omitempty" validate:"max=200"`
	Notes     string     `json:"notes,omitempty" validate:"max=2000"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// Customers is the customers table.
var Customers = datastore.NewTable[Customer]("customers")

// Handler serves /customers.
type Handler struct {
	crud *resource.Handler[Customer]
}

// NewHandler constructs the customer handler.
func NewHandler(logger *slog.Logger, repo *datastore.Repository[Customer], guard auth.Guard) *Handler {
	access := resource.Access{
		Read:   guard.RequireAuth(),
		Write:  guard.RequireAuth(),
		Delete: guard.RequireManager(),
	}
	hooks := resource.Hooks[Customer]{
		BeforeCreate: func(_ context.Context, c *Customer) error {
			c.Email = strings.ToLower(strings.TrimSpace(c.Email))
			return nil
		},
		BeforeUpdate: func(_ context.Context, _ string, patch datastore.Patch) error {
			if email, ok := patch["email"].(string); ok {
				patch["email"] = strings.ToLower(strings.TrimSpace(email))
			}
			return nil
		},
	}
	return &Handler{crud: resource.New(repo, access, hooks, logger)}
}

// MountRoutes registers the customer routes.
func (h *Handler) MountRoutes(r chi.Router) {
	h.crud.MountRoutes(r)
}
