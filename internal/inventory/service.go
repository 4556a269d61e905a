package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dealerdesk/dealerdesk/internal/datastore"
)

// ErrUnavailable is returned when a vehicle cannot be put under contract.
var ErrUnavailable = errors.New("vehicle is not available")

// Service exposes the stock operations other modules rely on.
type Service struct {
	repo *datastore.Repository[Vehicle]
}

// NewService constructs a Service.
func NewService(repo *datastore.Repository[Vehicle]) *Service {
	return &Service{repo: repo}
}

// Repository returns the underlying repository.
func (s *Service) Repository() *datastore.Repository[Vehicle] { return s.repo }

// EnsureAvailable loads the vehicle and fails unless it is available.
func (s *Service) EnsureAvailable(ctx context.Context, id string) (*Vehicle, error) {
	v, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if v.Status != StatusAvailable {
		return v, fmt.Errorf("%w: %s is %s", ErrUnavailable, v.VIN, v.Status)
	}
	return v, nil
}

// Create normalizes v and inserts it.
func (s *Service) Create(ctx context.Context, v Vehicle) (*Vehicle, error) {
	normalize(&v)
	row, err := s.repo.TryInsert(ctx, v)
	if err != nil {
		return nil, fmt.Errorf("create vehicle %s: %w", v.VIN, err)
	}
	return row, nil
}

// SetStatus moves the vehicle to status.
func (s *Service) SetStatus(ctx context.Context, id string, status Status) error {
	if _, err := s.repo.TryUpdate(ctx, id, datastore.Patch{"status": status}); err != nil {
		return fmt.Errorf("set vehicle %s %s: %w", id, status, err)
	}
	return nil
}

func normalize(v *Vehicle) {
	v.VIN = strings.ToUpper(strings.TrimSpace(v.VIN))
	if v.Status == "" {
		v.Status = StatusAvailable
	}
}
