package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dealerdesk/dealerdesk/internal/app"
	"github.com/dealerdesk/dealerdesk/internal/backend/pgtables"
	"github.com/dealerdesk/dealerdesk/internal/crm"
	"github.com/dealerdesk/dealerdesk/internal/datastore"
	"github.com/dealerdesk/dealerdesk/internal/inventory"
	"github.com/dealerdesk/dealerdesk/internal/staff"
)

// seedFile is the YAML layout. Rows use the same keys as the JSON API.
type seedFile struct {
	Vehicles  []map[string]any `yaml:"vehicles"`
	Customers []map[string]any `yaml:"customers"`
	Employees []map[string]any `yaml:"employees"`
}

// SeedData is a parsed and validated seed file.
type SeedData struct {
	Vehicles  []inventory.Vehicle
	Customers []crm.Customer
	Employees []staff.Employee
}

// SeedCounts reports inserted and skipped rows per table.
type SeedCounts struct {
	Inserted map[string]int
	Skipped  map[string]int
}

// ParseSeed decodes and validates a YAML seed document.
func ParseSeed(data []byte) (*SeedData, error) {
	var raw seedFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	v := validator.New()
	out := &SeedData{}
	var err error
	if out.Vehicles, err = decodeRows[inventory.Vehicle](v, "vehicles", raw.Vehicles); err != nil {
		return nil, err
	}
	if out.Customers, err = decodeRows[crm.Customer](v, "customers", raw.Customers); err != nil {
		return nil, err
	}
	if out.Employees, err = decodeRows[staff.Employee](v, "employees", raw.Employees); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeRows[T any](v *validator.Validate, section string, rows []map[string]any) ([]T, error) {
	out := make([]T, 0, len(rows))
	for i, row := range rows {
		buf, err := json.Marshal(row)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", section, i, err)
		}
		var item T
		if err := json.Unmarshal(buf, &item); err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", section, i, err)
		}
		if err := v.Struct(item); err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", section, i, err)
		}
		out = append(out, item)
	}
	return out, nil
}

// Seeder inserts seed rows, skipping rows whose natural key already exists.
type Seeder struct {
	Vehicles  *inventory.Service
	Customers *datastore.Repository[crm.Customer]
	Employees *datastore.Repository[staff.Employee]
}

// Seed inserts data and returns per-table counts.
func (s *Seeder) Seed(ctx context.Context, data *SeedData) (SeedCounts, error) {
	counts := SeedCounts{Inserted: map[string]int{}, Skipped: map[string]int{}}
	for _, v := range data.Vehicles {
		v.VIN = strings.ToUpper(strings.TrimSpace(v.VIN))
		exists, err := existsBy(ctx, s.Vehicles.Repository(), "vin", v.VIN)
		if err != nil {
			return counts, err
		}
		if exists {
			counts.Skipped["vehicles"]++
			continue
		}
		if _, err := s.Vehicles.Create(ctx, v); err != nil {
			return counts, err
		}
		counts.Inserted["vehicles"]++
	}
	for _, c := range data.Customers {
		c.Email = strings.ToLower(strings.TrimSpace(c.Email))
		if c.Email != "" {
			exists, err := existsBy(ctx, s.Customers, "email", c.Email)
			if err != nil {
				return counts, err
			}
			if exists {
				counts.Skipped["customers"]++
				continue
			}
		}
		if _, err := s.Customers.TryInsert(ctx, c); err != nil {
			return counts, fmt.Errorf("insert customer %s %s: %w", c.FirstName, c.LastName, err)
		}
		counts.Inserted["customers"]++
	}
	for _, e := range data.Employees {
		e.Email = strings.ToLower(strings.TrimSpace(e.Email))
		exists, err := existsBy(ctx, s.Employees, "email", e.Email)
		if err != nil {
			return counts, err
		}
		if exists {
			counts.Skipped["employees"]++
			continue
		}
		if _, err := s.Employees.TryInsert(ctx, e); err != nil {
			return counts, fmt.Errorf("insert employee %s: %w", e.Email, err)
		}
		counts.Inserted["employees"]++
	}
	return counts, nil
}

func existsBy[T any](ctx context.Context, repo *datastore.Repository[T], col string, value any) (bool, error) {
	rows, err := repo.Fetch(ctx, datastore.Query{}.Eq(col, value).Select("id"))
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

func newSeedCommand(opts *globalOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Insert vehicles, customers and employees from a YAML file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			data, err := ParseSeed(body)
			if err != nil {
				return err
			}
			pool, err := opts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			repos := app.NewRepositories(pgtables.New(pool), opts.logger(), nil)
			seeder := &Seeder{Vehicles: inventory.NewService(repos.Vehicles), Customers: repos.Customers, Employees: repos.Employees}
			counts, err := seeder.Seed(cmd.Context(), data)
			out := cmd.OutOrStdout()
			for _, table := range []string{"vehicles", "customers", "employees"} {
				fmt.Fprintf(out, "%-10s inserted=%d skipped=%d\n", table, counts.Inserted[table], counts.Skipped[table])
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "seed.yaml", "seed file path")
	return cmd
}
