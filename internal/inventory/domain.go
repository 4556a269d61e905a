// Package inventory manages the dealership's vehicle stock.
package inventory

import (
	"time"

	"github.com/dealerdesk/dealerdesk/internal/datastore"
)

// Status is the sales state of a vehicle.
type Status string

const (
	StatusAvailable Status = "available"
	StatusReserved  Status = "reserved"
	StatusSold      Status = "sold"
)

// Vehicle is a row of the vehicles table.
type Vehicle struct {
	ID        string     `json:"id,omitempty"`
	VIN       string     `json:"vin" validate:"required,len=17,alphanum"`
	Make      string     `json:"make" validate:"required,max=60"`
	Model     string     `json:"model" validate:"required,max=60"`
	Year      int        `json:"year" validate:"required,gte=1900,lte=2100"`
	Color     string     `json:"color,omitempty" validate:"max=30"`
	Mileage   int        `json:"mileage" validate:"gte=0"`
	Price     float64    `json:"price" validate:"gte=0"`
	Status    Status     `json:"status,omitempty" validate:"omitempty,oneof=available reserved sold"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// Vehicles is the vehicles table.
var Vehicles = datastore.NewTable[Vehicle]("vehicles")
