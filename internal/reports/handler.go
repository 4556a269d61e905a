package reports

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dealerdesk/dealerdesk/internal/auth"
	"github.com/dealerdesk/dealerdesk/internal/platform/httpx"
)

// Handler serves /reports to managers and admins.
type Handler struct {
	logger  *slog.Logger
	service *Service
	guard   auth.Guard
}

// NewHandler constructs the reports handler.
func NewHandler(logger *slog.Logger, service *Service, guard auth.Guard) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, guard: guard}
}

// MountRoutes registers report routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequireManager())
		r.Get("/sales", h.summary)
		r.Get("/sales.csv", h.exportCSV)
	})
}

func (h *Handler) load(w http.ResponseWriter, r *http.Request) (*Summary, bool) {
	q := r.URL.Query()
	rng, err := ParseRange(q.Get("from"), q.Get("to"), time.Now())
	if err != nil {
		httpx.ValidationProblem(w, map[string]string{"range": err.Error()})
		return nil, false
	}
	sum, err := h.service.Summary(r.Context(), rng)
	if err != nil {
		h.logger.Error("build sales report", slog.String("from", rng.From.Format(dateLayout)), slog.Any("error", err))
		httpx.Problem(w, http.StatusBadGateway, "Bad Gateway", "report data is unavailable")
		return nil, false
	}
	return sum, true
}

func (h *Handler) summary(w http.ResponseWriter, r *http.Request) {
	if sum, ok := h.load(w, r); ok {
		httpx.Respond(w, r, http.StatusOK, sum)
	}
}

func (h *Handler) exportCSV(w http.ResponseWriter, r *http.Request) {
	sum, ok := h.load(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=sales_%s_%s.csv", sum.From, sum.To))
	if err := WriteCSV(w, sum); err != nil {
		h.logger.Error("write sales csv", slog.Any("error", err))
	}
}

// WriteCSV serialises the summary as metric rows followed by the monthly series
// and the salesperson table.
func WriteCSV(w io.Writer, sum *Summary) error {
	writer := csv.NewWriter(w)
	records := [][]string{
		{"Metric", "Value"},
		{"From", sum.From},
		{"To", sum.To},
		{"Currency", sum.Currency},
		{"Signed contracts", strconv.Itoa(sum.Signed)},
		{"Sales", strconv.Itoa(sum.Sales)},
		{"Leases", strconv.Itoa(sum.Leases)},
		{"Revenue", formatFloat(sum.Revenue)},
		{"Average deal", formatFloat(sum.AverageDeal)},
		{"Vehicles available", strconv.Itoa(sum.Stock.Available)},
		{"Vehicles reserved", strconv.Itoa(sum.Stock.Reserved)},
		{"Vehicles sold", strconv.Itoa(sum.Stock.Sold)},
		{"Stock value", formatFloat(sum.Stock.StockValue)},
		{},
		{"Month", "Contracts", "Revenue"},
	}
	for _, m := range sum.Monthly {
		records = append(records, []string{m.Month, strconv.Itoa(m.Contracts), formatFloat(m.Revenue)})
	}
	records = append(records, []string{}, []string{"Employee", "Name", "Contracts", "Revenue"})
	for _, sp := range sum.BySalesperson {
		records = append(records, []string{sp.EmployeeID, sp.Name, strconv.Itoa(sp.Contracts), formatFloat(sp.Revenue)})
	}
	if err := writer.WriteAll(records); err != nil {
		return err
	}
	return writer.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
