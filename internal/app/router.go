package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/dealerdesk/dealerdesk/internal/auth"
	"github.com/dealerdesk/dealerdesk/internal/contracts"
	"github.com/dealerdesk/dealerdesk/internal/crm"
	"github.com/dealerdesk/dealerdesk/internal/inventory"
	"github.com/dealerdesk/dealerdesk/internal/observability"
	"github.com/dealerdesk/dealerdesk/internal/platform/httpx"
	"github.com/dealerdesk/dealerdesk/internal/reports"
	"github.com/dealerdesk/dealerdesk/internal/shared"
	"github.com/dealerdesk/dealerdesk/internal/staff"
	"github.com/dealerdesk/dealerdesk/internal/users"
	"github.com/dealerdesk/dealerdesk/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	SessionManager *shared.SessionManager
	CSRFManager    *shared.CSRFManager
	Registry       *auth.Registry

	AuthHandler      *auth.Handler
	InventoryHandler *inventory.Handler
	CustomersHandler *crm.Handler
	EmployeesHandler *staff.Handler
	ContractsHandler *contracts.Handler
	UsersHandler     *users.Handler
	ReportsHandler   *reports.Handler
	JobHandler       *jobs.Handler
	Metrics          *observability.Metrics
}

// NewRouter constructs the chi.Router with DealerDesk defaults.
func NewRouter(params RouterParams) http.Handler {
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Use(chimw.RealIP, chimw.RequestID, chimw.Logger, chimw.Recoverer)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "no route for "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httpx.Problem(w, http.StatusMethodNotAllowed, "Method Not Allowed", r.Method+" is not supported here")
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	// Everything below carries a cookie session and a resolved auth state.
	r.Group(func(r chi.Router) {
		for _, mw := range MiddlewareStack(MiddlewareConfig{
			Logger:         logger,
			Config:         params.Config,
			SessionManager: params.SessionManager,
			CSRFManager:    params.CSRFManager,
			Metrics:        params.Metrics,
		}) {
			r.Use(mw)
		}
		r.Use(auth.Middleware(params.Registry, logger))

		r.Route("/auth", params.AuthHandler.MountRoutes)
		mount := func(pattern string, m interface{ MountRoutes(chi.Router) }, ok bool) {
			if ok {
				r.Route(pattern, m.MountRoutes)
			}
		}
		mount("/vehicles", params.InventoryHandler, params.InventoryHandler != nil)
		mount("/customers", params.CustomersHandler, params.CustomersHandler != nil)
		mount("/employees", params.EmployeesHandler, params.EmployeesHandler != nil)
		mount("/contracts", params.ContractsHandler, params.ContractsHandler != nil)
		mount("/users", params.UsersHandler, params.UsersHandler != nil)
		mount("/reports", params.ReportsHandler, params.ReportsHandler != nil)
		mount("/jobs", params.JobHandler, params.JobHandler != nil)
	})
	return r
}
