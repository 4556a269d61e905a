// Package contracts records vehicle sales and leases and keeps the vehicle's
// stock status in step with the contract.
package contracts

import (
	"time"

	"github.com/dealerdesk/dealerdesk/internal/datastore"
	"github.com/dealerdesk/dealerdesk/internal/inventory"
)

// Type distinguishes sales from leases.
type Type string

const (
	TypeSale  Type = "sale"
	TypeLease Type = "lease"
)

// Status is the lifecycle state of a contract.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusSigned    Status = "signed"
	StatusCancelled Status = "cancelled"
)

// Contract is a row of the contracts table.
type Contract struct {
	ID          string     `json:"id,omitempty"`
	CustomerID  string     `json:"customer_id" validate:"required,uuid"`
	VehicleID   string     `json:"vehicle_id" validate:"required,uuid"`
	EmployeeID  string     `json:"employee_id,omitempty" validate:"omitempty,uuid"`
	Type        Type       `json:"type" validate:"required,oneof=sale lease"`
	Price       float64    `json:"price" validate:"gt=0"`
	DownPayment float64    `json:"down_payment" validate:"gte=0"`
	TermMonths  int        `json:"term_months,omitempty" validate:"omitempty,gte=1,lte=120"`
	Status      Status     `json:"status,omitempty" validate:"omitempty,oneof=draft signed cancelled"`
	SignedAt    *time.Time `json:"signed_at,omitempty"`
	Notes       string     `json:"notes,omitempty" validate:"max=2000"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
}

// Contracts is the contracts table.
var Contracts = datastore.NewTable[Contract]("contracts")

// vehicleStatus is the stock status a contract in status s holds its vehicle in.
func vehicleStatus(s Status) inventory.Status {
	switch s {
	case StatusSigned:
		return inventory.StatusSold
	case StatusCancelled:
		return inventory.StatusAvailable
	default:
		return inventory.StatusReserved
	}
}

// canMove reports whether a contract may go from one status to another.
func canMove(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusDraft:
		return to == StatusSigned || to == StatusCancelled
	case StatusSigned:
		return to == StatusCancelled
	default:
		return false
	}
}
