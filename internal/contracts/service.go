package contracts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dealerdesk/dealerdesk/internal/datastore"
	"github.com/dealerdesk/dealerdesk/internal/inventory"
	"github.com/dealerdesk/dealerdesk/internal/platform/cache"
	"github.com/dealerdesk/dealerdesk/internal/platform/httpx"
)

// Invalidator drops cached figures derived from contracts.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// Locker takes an exclusive lock on key without waiting.
type Locker interface {
	Lock(ctx context.Context, key string) (release func(), err error)
}

// Service applies the contract rules around the generic repository. The
// contract write and the vehicle status change are separate backend calls;
// a failed vehicle update is logged and reported but does not undo the contract.
type Service struct {
	repo     *datastore.Repository[Contract]
	vehicles *inventory.Service
	cache    Invalidator
	locks    Locker
	logger   *slog.Logger
	now      func() time.Time
}

// NewService constructs a Service. cache and locks may be nil; without locks
// only the database index keeps a vehicle to one live contract.
func NewService(repo *datastore.Repository[Contract], vehicles *inventory.Service, cache Invalidator, locks Locker, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, vehicles: vehicles, cache: cache, locks: locks, logger: logger, now: time.Now}
}

// Repository returns the underlying repository.
func (s *Service) Repository() *datastore.Repository[Contract] { return s.repo }

// Transition moves the contract to status to.
func (s *Service) Transition(ctx context.Context, id string, to Status) (*Contract, error) {
	patch := datastore.Patch{"status": to}
	if err := s.beforeUpdate(ctx, id, patch); err != nil {
		return nil, err
	}
	updated, err := s.repo.TryUpdate(ctx, id, patch)
	if err != nil {
		return nil, fmt.Errorf("update contract %s: %w", id, err)
	}
	s.afterUpdate(ctx, updated)
	return updated, nil
}

// lockVehicle holds the contract's vehicle for the length of a create.
func (s *Service) lockVehicle(ctx context.Context, c *Contract) (func(), error) {
	if s.locks == nil {
		return func() {}, nil
	}
	release, err := s.locks.Lock(ctx, cache.LockKey("vehicle", c.VehicleID))
	if errors.Is(err, cache.ErrLocked) {
		return nil, fmt.Errorf("%w: vehicle %s is being sold in another request", httpx.ErrConflict, c.VehicleID)
	}
	if err != nil {
		return nil, err
	}
	return release, nil
}

func (s *Service) beforeCreate(ctx context.Context, c *Contract) error {
	if c.Status == "" {
		c.Status = StatusDraft
	}
	if c.Status == StatusCancelled {
		return fmt.Errorf("%w: a new contract cannot be cancelled", httpx.ErrValidation)
	}
	if c.Type == TypeLease && c.TermMonths == 0 {
		return fmt.Errorf("%w: leases need term_months", httpx.ErrValidation)
	}
	if _, err := s.vehicles.EnsureAvailable(ctx, c.VehicleID); err != nil {
		return vehicleError(err)
	}
	if c.Status == StatusSigned {
		now := s.now().UTC()
		c.SignedAt = &now
	} else {
		c.SignedAt = nil
	}
	return nil
}

func (s *Service) afterCreate(ctx context.Context, c *Contract) {
	s.holdVehicle(ctx, c.VehicleID, vehicleStatus(c.Status))
	s.invalidate(ctx)
}

func (s *Service) beforeUpdate(ctx context.Context, id string, patch datastore.Patch) error {
	if _, ok := patch["vehicle_id"]; ok {
		return fmt.Errorf("%w: the vehicle of a contract cannot change", httpx.ErrValidation)
	}
	if _, ok := patch["signed_at"]; ok {
		return fmt.Errorf("%w: signed_at is set by signing", httpx.ErrValidation)
	}
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, datastore.ErrNotFound) {
			return httpx.ErrNotFound
		}
		return err
	}
	if current.Status == StatusCancelled {
		return fmt.Errorf("%w: contract is cancelled", httpx.ErrConflict)
	}
	raw, ok := patch["status"]
	if !ok {
		return nil
	}
	to := Status(fmt.Sprint(raw))
	if !canMove(current.Status, to) {
		return fmt.Errorf("%w: cannot move contract from %s to %s", httpx.ErrConflict, current.Status, to)
	}
	if to == StatusSigned && current.Status != StatusSigned {
		patch["signed_at"] = s.now().UTC()
	}
	return nil
}

func (s *Service) afterUpdate(ctx context.Context, c *Contract) {
	s.holdVehicle(ctx, c.VehicleID, vehicleStatus(c.Status))
	s.invalidate(ctx)
}

func (s *Service) afterDelete(ctx context.Context, c *Contract) {
	if c.Status != StatusCancelled {
		s.holdVehicle(ctx, c.VehicleID, inventory.StatusAvailable)
	}
	s.invalidate(ctx)
}

// holdVehicle sets the vehicle's status unless it already has it.
func (s *Service) holdVehicle(ctx context.Context, vehicleID string, status inventory.Status) {
	v, err := s.vehicles.Repository().Get(ctx, vehicleID)
	if err != nil {
		s.logger.Warn("load contract vehicle", slog.String("vehicle", vehicleID), slog.Any("error", err))
		return
	}
	if v.Status == status {
		return
	}
	if err := s.vehicles.SetStatus(ctx, vehicleID, status); err != nil {
		s.logger.Error("vehicle status out of step with contract",
			slog.String("vehicle", vehicleID), slog.String("want", string(status)), slog.Any("error", err))
	}
}

func (s *Service) invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx); err != nil {
		s.logger.Warn("invalidate report cache", slog.Any("error", err))
	}
}

func vehicleError(err error) error {
	switch {
	case errors.Is(err, datastore.ErrNotFound):
		return fmt.Errorf("%w: vehicle not found", httpx.ErrValidation)
	case errors.Is(err, inventory.ErrUnavailable):
		return fmt.Errorf("%w: %v", httpx.ErrConflict, err)
	default:
		return err
	}
}
