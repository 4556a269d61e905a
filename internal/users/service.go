// Package users is the admin surface over profiles: listing staff accounts and
// changing their display name or role.
package users

import (
	"context"
	"errors"
	"fmt"

	"github.com/dealerdesk/dealerdesk/internal/auth"
	"github.com/dealerdesk/dealerdesk/internal/datastore"
	"github.com/dealerdesk/dealerdesk/internal/platform/httpx"
)

// ErrLastAdmin is returned when a change would leave no admin.
var ErrLastAdmin = errors.New("at least one admin must remain")

// Reloader refreshes the cached profile of live sessions.
type Reloader interface {
	ReloadIdentity(identityID string) int
}

// Change is an admin edit of a profile. Nil fields are left alone.
type Change struct {
	Name *string    `json:"name,omitempty" validate:"omitempty,min=1,max=120"`
	Role *auth.Role `json:"role,omitempty" validate:"omitempty,oneof=admin manager employee"`
}

// Service manages profiles.
type Service struct {
	repo     *datastore.Repository[auth.Profile]
	sessions Reloader
}

// NewService constructs a Service. sessions may be nil.
func NewService(repo *datastore.Repository[auth.Profile], sessions Reloader) *Service {
	return &Service{repo: repo, sessions: sessions}
}

// List returns profiles, optionally filtered by role.
func (s *Service) List(ctx context.Context, role auth.Role) []auth.Profile {
	q := datastore.Query{}
	if role != "" {
		q = q.Eq("role", string(role))
	}
	return s.repo.List(ctx, q)
}

// Get returns one profile.
func (s *Service) Get(ctx context.Context, id string) (*auth.Profile, error) {
	p, err := s.repo.Get(ctx, id)
	if errors.Is(err, datastore.ErrNotFound) {
		return nil, httpx.ErrNotFound
	}
	return p, err
}

// Update applies change to the profile of id. Demoting the last admin fails.
func (s *Service) Update(ctx context.Context, id string, change Change) (*auth.Profile, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	patch := datastore.Patch{}
	if change.Name != nil {
		patch["name"] = *change.Name
	}
	if change.Role != nil && *change.Role != current.Role {
		if current.Role == auth.RoleAdmin {
			admins, err := s.repo.Fetch(ctx, datastore.Query{}.Eq("role", string(auth.RoleAdmin)).Select("id"))
			if err != nil {
				return nil, err
			}
			if len(admins) <= 1 {
				return nil, fmt.Errorf("%w: %w", httpx.ErrConflict, ErrLastAdmin)
			}
		}
		patch["role"] = string(*change.Role)
	}
	if len(patch) == 0 {
		return current, nil
	}
	updated, err := s.repo.TryUpdate(ctx, id, patch)
	if err != nil {
		return nil, fmt.Errorf("update profile %s: %w", id, err)
	}
	if _, ok := patch["role"]; ok && s.sessions != nil {
		s.sessions.ReloadIdentity(id)
	}
	return updated, nil
}
