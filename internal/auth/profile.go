package auth

import (
	"context"
	"time"

	"github.com/dealerdesk/dealerdesk/internal/datastore"
)

// Role is the privilege level stored on a profile.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleManager  Role = "manager"
	RoleEmployee Role = "employee"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleManager, RoleEmployee:
		return true
	}
	return false
}

// Profile is the application-level record for an identity. Its id equals the
// identity id.
type Profile struct {
	ID        string     `json:"id" validate:"required"`
	Email     string     `json:"email" validate:"required,email"`
	Name      string     `json:"name" validate:"required,max=120"`
	Role      Role       `json:"role" validate:"required,oneof=admin manager employee"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// Profiles is the profiles table.
var Profiles = datastore.NewTable[Profile]("profiles")

// ProfileFetcher loads the profile of an identity. A missing profile is
// (nil, nil); errors are transport or permission failures.
type ProfileFetcher interface {
	FetchProfile(ctx context.Context, identityID string) (*Profile, error)
}

// ProfileStore fetches profiles through a datastore repository.
type ProfileStore struct {
	repo *datastore.Repository[Profile]
}

// NewProfileStore wraps repo.
func NewProfileStore(repo *datastore.Repository[Profile]) *ProfileStore {
	return &ProfileStore{repo: repo}
}

// FetchProfile implements ProfileFetcher.
func (s *ProfileStore) FetchProfile(ctx context.Context, identityID string) (*Profile, error) {
	rows, err := s.repo.Fetch(ctx, datastore.Query{}.Eq("id", identityID))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}
