package auth

import "github.com/dealerdesk/dealerdesk/internal/backend"

// Status is the lifecycle position of a Manager.
type Status string

const (
	StatusUninitialized       Status = "uninitialized"
	StatusLoading             Status = "loading"
	StatusReadyWithProfile    Status = "ready_with_profile"
	StatusReadyWithoutProfile Status = "ready_without_profile"
)

// ProfileOutcome records how the last profile resolution ended.
type ProfileOutcome string

const (
	OutcomeNone        ProfileOutcome = ""
	OutcomeFound       ProfileOutcome = "found"
	OutcomeAbsent      ProfileOutcome = "absent"
	OutcomeUnavailable ProfileOutcome = "unavailable"
	OutcomeDenied      ProfileOutcome = "denied"
	OutcomeTimedOut    ProfileOutcome = "timed_out"
)

// State is a read-only snapshot of a Manager. Callers must not mutate the
// pointed-to values.
type State struct {
	Status   Status
	Session  *backend.Session
	Identity *backend.Identity
	Profile  *Profile
	Outcome  ProfileOutcome
	// RestoreFailed is set when the backend could not be asked for the stored
	// session. The state is anonymous but the stored credentials are still valid.
	RestoreFailed bool
}

// Ready reports whether the manager has settled.
func (s State) Ready() bool {
	return s.Status == StatusReadyWithProfile || s.Status == StatusReadyWithoutProfile
}

// Authenticated reports whether an identity is signed in.
func (s State) Authenticated() bool {
	return s.Identity != nil
}

// IsAdmin is true only when a profile is loaded with the admin role.
func (s State) IsAdmin() bool {
	return s.Profile != nil && s.Profile.Role == RoleAdmin
}

// IsManager is true for managers and admins.
func (s State) IsManager() bool {
	return s.Profile != nil && (s.Profile.Role == RoleAdmin || s.Profile.Role == RoleManager)
}

// Tokens returns the credentials of the cached session, if any.
func (s State) Tokens() backend.Tokens {
	if s.Session == nil {
		return backend.Tokens{}
	}
	return backend.Tokens{AccessToken: s.Session.AccessToken, RefreshToken: s.Session.RefreshToken}
}
