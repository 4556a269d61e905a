// Package reports builds the sales and stock summary shown to managers.
package reports

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/dealerdesk/dealerdesk/internal/contracts"
	"github.com/dealerdesk/dealerdesk/internal/datastore"
	"github.com/dealerdesk/dealerdesk/internal/inventory"
	"github.com/dealerdesk/dealerdesk/internal/staff"
)

const dateLayout = "2006-01-02"

// ErrInvalidRange is returned for empty or inverted ranges.
var ErrInvalidRange = errors.New("reports: invalid date range")

// Range is the half-open interval [From, To) of signing dates.
type Range struct {
	From time.Time
	To   time.Time
}

// MonthRange returns the calendar month containing t, in UTC.
func MonthRange(t time.Time) Range {
	t = t.UTC()
	from := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Range{From: from, To: from.AddDate(0, 1, 0)}
}

// ParseRange reads YYYY-MM-DD bounds; "to" is inclusive on input. Missing
// bounds default to the month of now.
func ParseRange(from, to string, now time.Time) (Range, error) {
	rng := MonthRange(now)
	if from != "" {
		t, err := time.Parse(dateLayout, from)
		if err != nil {
			return Range{}, fmt.Errorf("%w: from: %v", ErrInvalidRange, err)
		}
		rng.From = t
	}
	if to != "" {
		t, err := time.Parse(dateLayout, to)
		if err != nil {
			return Range{}, fmt.Errorf("%w: to: %v", ErrInvalidRange, err)
		}
		rng.To = t.AddDate(0, 0, 1)
	}
	if !rng.From.Before(rng.To) {
		return Range{}, ErrInvalidRange
	}
	return rng, nil
}

func (r Range) contains(t time.Time) bool {
	return !t.Before(r.From) && t.Before(r.To)
}

func (r Range) key() string {
	return r.From.Format(dateLayout) + ":" + r.To.Format(dateLayout)
}

// MonthPoint aggregates signed contracts of one month.
type MonthPoint struct {
	Month     string  `json:"month"`
	Contracts int     `json:"contracts"`
	Revenue   float64 `json:"revenue"`
}

// SalespersonTotal aggregates signed contracts per employee.
type SalespersonTotal struct {
	EmployeeID string  `json:"employee_id"`
	Name       string  `json:"name"`
	Contracts  int     `json:"contracts"`
	Revenue    float64 `json:"revenue"`
}

// Stock counts vehicles by status.
type Stock struct {
	Available  int     `json:"available"`
	Reserved   int     `json:"reserved"`
	Sold       int     `json:"sold"`
	StockValue float64 `json:"stock_value"`
}

// Summary is the report payload.
type Summary struct {
	From          string             `json:"from"`
	To            string             `json:"to"`
	Currency      string             `json:"currency"`
	Signed        int                `json:"signed"`
	Sales         int                `json:"sales"`
	Leases        int                `json:"leases"`
	Revenue       float64            `json:"revenue"`
	AverageDeal   float64            `json:"average_deal"`
	Monthly       []MonthPoint       `json:"monthly"`
	BySalesperson []SalespersonTotal `json:"by_salesperson"`
	Stock         Stock              `json:"stock"`
	Formatted     map[string]string  `json:"formatted"`
	GeneratedAt   time.Time          `json:"generated_at"`
}

// Sources are the repositories a report reads from.
type Sources struct {
	Contracts *datastore.Repository[contracts.Contract]
	Vehicles  *datastore.Repository[inventory.Vehicle]
	Employees *datastore.Repository[staff.Employee]
}

// Service builds summaries through the cache.
type Service struct {
	src     Sources
	cache   *Cache
	unit    currency.Unit
	printer *message.Printer
	group   singleflight.Group
	now     func() time.Time
}

// NewService constructs a Service. currencyCode is an ISO 4217 code; unknown
// codes fall back to USD.
func NewService(src Sources, cache *Cache, currencyCode string) *Service {
	unit, err := currency.ParseISO(currencyCode)
	if err != nil {
		unit = currency.USD
	}
	return &Service{
		src:     src,
		cache:   cache,
		unit:    unit,
		printer: message.NewPrinter(language.English),
		now:     time.Now,
	}
}

// Summary returns the report for rng. Concurrent requests for the same range
// share one build.
func (s *Service) Summary(ctx context.Context, rng Range) (*Summary, error) {
	key, err := s.cache.BuildKey(ctx, "reports", "summary", rng.key())
	if err != nil {
		return nil, err
	}
	ch := s.group.DoChan(key, func() (any, error) {
		var out Summary
		err := s.cache.FetchJSON(context.WithoutCancel(ctx), key, &out, func(ctx context.Context) (any, error) {
			return s.build(ctx, rng)
		})
		return &out, err
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Summary), nil
	}
}

// Invalidate drops cached summaries.
func (s *Service) Invalidate(ctx context.Context) error {
	return s.cache.Invalidate(ctx)
}

func (s *Service) build(ctx context.Context, rng Range) (*Summary, error) {
	var (
		signed    []contracts.Contract
		vehicles  []inventory.Vehicle
		employees []staff.Employee
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rows, err := s.src.Contracts.Fetch(gctx, datastore.Query{}.Eq("status", string(contracts.StatusSigned)))
		signed = rows
		return err
	})
	g.Go(func() error {
		rows, err := s.src.Vehicles.Fetch(gctx, datastore.Query{}.Select("id,status,price"))
		vehicles = rows
		return err
	})
	g.Go(func() error {
		rows, err := s.src.Employees.Fetch(gctx, datastore.Query{}.Select("id,first_name,last_name"))
		employees = rows
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("load report data: %w", err)
	}
	return s.aggregate(rng, signed, vehicles, employees), nil
}

func (s *Service) aggregate(rng Range, signed []contracts.Contract, vehicles []inventory.Vehicle, employees []staff.Employee) *Summary {
	sum := &Summary{
		From:        rng.From.Format(dateLayout),
		To:          rng.To.AddDate(0, 0, -1).Format(dateLayout),
		Currency:    s.unit.String(),
		GeneratedAt: s.now().UTC(),
	}
	names := make(map[string]string, len(employees))
	for _, e := range employees {
		names[e.ID] = e.FirstName + " " + e.LastName
	}
	months := map[string]*MonthPoint{}
	people := map[string]*SalespersonTotal{}
	for _, c := range signed {
		if c.SignedAt == nil || !rng.contains(*c.SignedAt) {
			continue
		}
		sum.Signed++
		sum.Revenue += c.Price
		if c.Type == contracts.TypeLease {
			sum.Leases++
		} else {
			sum.Sales++
		}
		month := c.SignedAt.UTC().Format("2006-01")
		mp, ok := months[month]
		if !ok {
			mp = &MonthPoint{Month: month}
			months[month] = mp
		}
		mp.Contracts++
		mp.Revenue += c.Price

		if c.EmployeeID != "" {
			sp, ok := people[c.EmployeeID]
			if !ok {
				sp = &SalespersonTotal{EmployeeID: c.EmployeeID, Name: names[c.EmployeeID]}
				people[c.EmployeeID] = sp
			}
			sp.Contracts++
			sp.Revenue += c.Price
		}
	}
	if sum.Signed > 0 {
		sum.AverageDeal = sum.Revenue / float64(sum.Signed)
	}
	sum.Monthly = make([]MonthPoint, 0, len(months))
	for _, mp := range months {
		sum.Monthly = append(sum.Monthly, *mp)
	}
	sort.Slice(sum.Monthly, func(i, j int) bool { return sum.Monthly[i].Month < sum.Monthly[j].Month })
	sum.BySalesperson = make([]SalespersonTotal, 0, len(people))
	for _, sp := range people {
		sum.BySalesperson = append(sum.BySalesperson, *sp)
	}
	sort.Slice(sum.BySalesperson, func(i, j int) bool {
		a, b := sum.BySalesperson[i], sum.BySalesperson[j]
		if a.Revenue != b.Revenue {
			return a.Revenue > b.Revenue
		}
		return a.EmployeeID < b.EmployeeID
	})

	for _, v := range vehicles {
		switch v.Status {
		case inventory.StatusReserved:
			sum.Stock.Reserved++
		case inventory.StatusSold:
			sum.Stock.Sold++
		default:
			sum.Stock.Available++
			sum.Stock.StockValue += v.Price
		}
	}
	sum.Formatted = map[string]string{
		"revenue":      s.Money(sum.Revenue),
		"average_deal": s.Money(sum.AverageDeal),
		"stock_value":  s.Money(sum.Stock.StockValue),
	}
	return sum
}

// Money formats amount in the report currency, e.g. "USD 12,500.00".
func (s *Service) Money(amount float64) string {
	return s.printer.Sprintf("%s %.2f", s.unit.String(), amount)
}
