// Package staff keeps employee records. Only admins change them.
package staff

import (
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dealerdesk/dealerdesk/internal/auth"
	"github.com/dealerdesk/dealerdesk/internal/datastore"
	"github.com/dealerdesk/dealerdesk/internal/resource"
)

// Employee is a row of the employees table. HireDate is a calendar date (YYYY-MM-DD).
type Employee struct {
	ID        string     `json:"id,omitempty"`
	FirstName string     `json:"first_name" validate:"required,max=80"`
	LastName  string     `json:"last_name" validate:"required,max=80"`
	Email     string     `json:"email" validate:"required,email"`
	Phone     string     `json:"phone,omitempty" validate:"omitempty,max=30"`
	Position  string     `json:"position" validate:"required,max=80"`
	HireDate  string     `json:"hire_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Salary    float64    `json:"salary" validate:"gte=0"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// Employees is the employees table.
var Employees = datastore.NewTable[Employee]("employees")

// Handler serves /employees.
type Handler struct {
	crud *resource.Handler[Employee]
}

// NewHandler constructs the employee handler.
func NewHandler(logger *slog.Logger, repo *datastore.Repository[Employee], guard auth.Guard) *Handler {
	access := resource.Access{
		Read:   guard.RequireAuth(),
		Write:  guard.RequireAdmin(),
		Delete: guard.RequireAdmin(),
	}
	return &Handler{crud: resource.New(repo, access, resource.Hooks[Employee]{}, logger)}
}

// MountRoutes registers the employee routes.
func (h *Handler) MountRoutes(r chi.Router) {
	h.crud.MountRoutes(r)
}
