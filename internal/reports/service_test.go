package reports_test

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dealerdesk/dealerdesk/internal/auth"
	"github.com/dealerdesk/dealerdesk/internal/backend"
	"github.com/dealerdesk/dealerdesk/internal/backend/backendfake"
	"github.com/dealerdesk/dealerdesk/internal/contracts"
	"github.com/dealerdesk/dealerdesk/internal/datastore"
	"github.com/dealerdesk/dealerdesk/internal/inventory"
	"github.com/dealerdesk/dealerdesk/internal/notify"
	"github.com/dealerdesk/dealerdesk/internal/reports"
	"github.com/dealerdesk/dealerdesk/internal/staff"
)

type cacheCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *cacheCounter) ObserveReportCache(result string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = map[string]int{}
	}
	c.counts[result]++
}

func (c *cacheCounter) get(result string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[result]
}

func seed(tables *backendfake.Tables) {
	tables.Seed("employees", backend.Values{"id": "e1", "first_name": "Ana", "last_name": "Ruiz", "email": "ana@dealer.test", "position": "Sales", "salary": 1})
	tables.Seed("employees", backend.Values{"id": "e2", "first_name": "Bo", "last_name": "Li", "email": "bo@dealer.test", "position": "Sales", "salary": 1})
	tables.Seed("vehicles", backend.Values{"id": "v1", "vin": "A", "make": "Audi", "model": "A4", "year": 2021, "price": 30000, "status": "sold"})
	tables.Seed("vehicles", backend.Values{"id": "v2", "vin": "B", "make": "BMW", "model": "X3", "year": 2022, "price": 45000, "status": "available"})
	tables.Seed("vehicles", backend.Values{"id": "v3", "vin": "C", "make": "Kia", "model": "Rio", "year": 2020, "price": 12000, "status": "reserved"})
	tables.Seed("vehicles", backend.Values{"id": "v4", "vin": "D", "make": "Kia", "model": "Ceed", "year": 2023, "price": 20000, "status": "available"})
	contract := func(id, employee, typ, status, signed string, price float64) {
		v := backend.Values{"id": id, "customer_id": "c1", "vehicle_id": "v1", "employee_id": employee, "type": typ, "price": price, "status": status}
		if signed != "" {
			v["signed_at"] = signed
		}
		tables.Seed("contracts", v)
	}
	contract("k1", "e1", "sale", "signed", "2026-01-10T10:00:00Z", 30000)
	contract("k2", "e2", "lease", "signed", "2026-02-03T09:00:00Z", 18000)
	contract("k3", "e1", "sale", "signed", "2026-02-20T15:30:00Z", 24000)
	contract("k4", "e2", "sale", "signed", "2026-04-01T00:00:00Z", 99000)
	contract("k5", "e1", "sale", "draft", "", 50000)
}

func newService(t *testing.T) (*reports.Service, *backendfake.Tables, *cacheCounter) {
	t.Helper()
	tables := backendfake.NewTables()
	seed(tables)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	counter := &cacheCounter{}
	opts := datastore.Options{Notifier: notify.Discard}
	src := reports.Sources{
		Contracts: datastore.New(tables, contracts.Contracts, opts),
		Vehicles:  datastore.New(tables, inventory.Vehicles, opts),
		Employees: datastore.New(tables, staff.Employees, opts),
	}
	return reports.NewService(src, reports.NewCache(rdb, time.Minute, counter), "USD"), tables, counter
}

func firstQuarter(t *testing.T) reports.Range {
	t.Helper()
	rng, err := reports.ParseRange("2026-01-01", "2026-03-31", time.Now())
	require.NoError(t, err)
	return rng
}

func TestParseRange(t *testing.T) {
	now := time.Date(2026, 5, 17, 12, 0, 0, 0, time.UTC)
	rng, err := reports.ParseRange("", "", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), rng.From)
	assert.Equal(t, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC), rng.To)

	_, err = reports.ParseRange("2026-03-01", "2026-02-01", now)
	assert.ErrorIs(t, err, reports.ErrInvalidRange)
	_, err = reports.ParseRange("March", "", now)
	assert.ErrorIs(t, err, reports.ErrInvalidRange)
}

func TestSummaryAggregates(t *testing.T) {
	svc, _, _ := newService(t)
	sum, err := svc.Summary(context.Background(), firstQuarter(t))
	require.NoError(t, err)

	assert.Equal(t, "2026-01-01", sum.From)
	assert.Equal(t, "2026-03-31", sum.To)
	assert.Equal(t, 3, sum.Signed)
	assert.Equal(t, 2, sum.Sales)
	assert.Equal(t, 1, sum.Leases)
	assert.InDelta(t, 72000, sum.Revenue, 0.001)
	assert.InDelta(t, 24000, sum.AverageDeal, 0.001)
	assert.Equal(t, []reports.MonthPoint{
		{Month: "2026-01", Contracts: 1, Revenue: 30000},
		{Month: "2026-02", Contracts: 2, Revenue: 42000},
	}, sum.Monthly)
	require.Len(t, sum.BySalesperson, 2)
	assert.Equal(t, reports.SalespersonTotal{EmployeeID: "e1", Name: "Ana Ruiz", Contracts: 2, Revenue: 54000}, sum.BySalesperson[0])
	assert.Equal(t, reports.Stock{Available: 2, Reserved: 1, Sold: 1, StockValue: 65000}, sum.Stock)
	assert.Equal(t, "USD 72,000.00", sum.Formatted["revenue"])
}

func TestSummaryIsCachedUntilInvalidated(t *testing.T) {
	svc, tables, counter := newService(t)
	ctx := context.Background()
	rng := firstQuarter(t)

	_, err := svc.Summary(ctx, rng)
	require.NoError(t, err)
	_, err = svc.Summary(ctx, rng)
	require.NoError(t, err)
	assert.Equal(t, 1, tables.Calls("contracts", "select"))
	assert.Equal(t, 1, counter.get("miss"))
	assert.Equal(t, 1, counter.get("hit"))

	require.NoError(t, svc.Invalidate(ctx))
	_, err = svc.Summary(ctx, rng)
	require.NoError(t, err)
	assert.Equal(t, 2, tables.Calls("contracts", "select"))
}

func TestSummaryFailsWhenASourceFails(t *testing.T) {
	svc, tables, _ := newService(t)
	tables.FailNext("vehicles", "select", errors.New("connection reset"), 1)
	_, err := svc.Summary(context.Background(), firstQuarter(t))
	require.Error(t, err)

	// failures are not cached
	_, err = svc.Summary(context.Background(), firstQuarter(t))
	assert.NoError(t, err)
}

func TestHandlerIsManagerOnlyAndExportsCSV(t *testing.T) {
	svc, _, _ := newService(t)
	role := auth.RoleEmployee
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			st := auth.State{Identity: &backend.Identity{ID: "u1"}, Profile: &auth.Profile{ID: "u1", Role: role}}
			next.ServeHTTP(w, r.WithContext(auth.ContextWithState(r.Context(), st)))
		})
	})
	r.Route("/reports", reports.NewHandler(nil, svc, auth.Guard{}).MountRoutes)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}
	assert.Equal(t, http.StatusForbidden, get("/reports/sales").Code)

	role = auth.RoleManager
	assert.Equal(t, http.StatusUnprocessableEntity, get("/reports/sales?from=2026-05-01&to=2026-04-01").Code)

	rec := get("/reports/sales.csv?from=2026-01-01&to=2026-03-31")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	reader := csv.NewReader(bytes.NewReader(rec.Body.Bytes()))
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	require.NoError(t, err)
	assert.Contains(t, rows, []string{"Revenue", "72000.00"})
	assert.Contains(t, rows, []string{"2026-02", "2", "42000.00"})
}
