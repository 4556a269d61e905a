package app

import (
	"log/slog"

	"github.com/dealerdesk/dealerdesk/internal/auth"
	"github.com/dealerdesk/dealerdesk/internal/backend"
	"github.com/dealerdesk/dealerdesk/internal/contracts"
	"github.com/dealerdesk/dealerdesk/internal/crm"
	"github.com/dealerdesk/dealerdesk/internal/datastore"
	"github.com/dealerdesk/dealerdesk/internal/inventory"
	"github.com/dealerdesk/dealerdesk/internal/notify"
	"github.com/dealerdesk/dealerdesk/internal/reports"
	"github.com/dealerdesk/dealerdesk/internal/staff"
)

// Repositories holds one typed repository per table, sharing a notifier that
// logs every notice and forwards it to the request collector.
type Repositories struct {
	Profiles  *datastore.Repository[auth.Profile]
	Vehicles  *datastore.Repository[inventory.Vehicle]
	Customers *datastore.Repository[crm.Customer]
	Employees *datastore.Repository[staff.Employee]
	Contracts *datastore.Repository[contracts.Contract]
}

// NewRepositories builds the repositories over tables. metrics may be nil.
func NewRepositories(tables backend.Tables, logger *slog.Logger, metrics datastore.Metrics) Repositories {
	notifier := notify.NewLogger(logger)
	opts := func(noun string) datastore.Options {
		return datastore.Options{Noun: noun, Notifier: notifier, Logger: logger, Metrics: metrics}
	}
	return Repositories{
		Profiles:  datastore.New(tables, auth.Profiles, opts("profile")),
		Vehicles:  datastore.New(tables, inventory.Vehicles, opts("vehicle")),
		Customers: datastore.New(tables, crm.Customers, opts("customer")),
		Employees: datastore.New(tables, staff.Employees, opts("employee")),
		Contracts: datastore.New(tables, contracts.Contracts, opts("contract")),
	}
}

// ReportSources returns the repositories the reports service reads.
func (r Repositories) ReportSources() reports.Sources {
	return reports.Sources{Contracts: r.Contracts, Vehicles: r.Vehicles, Employees: r.Employees}
}
