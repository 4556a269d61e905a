// Package backend describes the capabilities DealerDesk needs from its data and
// authentication provider. Implementations live in the sub-packages.
package backend

import (
	"context"
	"encoding/json"
	"time"
)

// Identity is the authenticated principal issued by the auth service.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Session is the credential pair handed out on sign-in.
type Session struct {
	ID           string    `json:"id"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         Identity  `json:"user"`
}

// Tokens is the persisted part of a session used to rebuild a client.
type Tokens struct {
	AccessToken  string
	RefreshToken string
}

// Empty reports whether no credentials are present.
func (t Tokens) Empty() bool {
	return t.AccessToken == "" && t.RefreshToken == ""
}

// EventKind enumerates auth state changes.
type EventKind string

const (
	EventSignedIn       EventKind = "SIGNED_IN"
	EventSignedOut      EventKind = "SIGNED_OUT"
	EventTokenRefreshed EventKind = "TOKEN_REFRESHED"
)

// AuthEvent is delivered to OnAuthStateChange listeners. Session is nil for sign-out.
type AuthEvent struct {
	Kind    EventKind
	Session *Session
}

// AuthClient is bound to a single browser session.
type AuthClient interface {
	// GetSession returns the current session or nil when signed out or expired.
	GetSession(ctx context.Context) (*Session, error)
	SignIn(ctx context.Context, email, password string) (*Session, error)
	SignOut(ctx context.Context) error
	// OnAuthStateChange registers fn for every subsequent event and returns an
	// unsubscribe func.
	OnAuthStateChange(fn func(AuthEvent)) (unsubscribe func())
}

// SignUpRequest carries the data needed to create an identity.
type SignUpRequest struct {
	Email    string
	Password string
	Name     string
	Role     string
}

// Auth is the authentication service.
type Auth interface {
	Client(tokens Tokens) AuthClient
	SignUp(ctx context.Context, req SignUpRequest) (*Identity, error)
}

// Row is one table row in JSON object form.
type Row = json.RawMessage

// Values holds column values for writes.
type Values map[string]any

// Filter is an equality condition on a column.
type Filter struct {
	Column string
	Value  any
}

// Query selects Columns from Table where every Filter matches. Empty Columns selects all.
type Query struct {
	Table   string
	Columns []string
	Filters []Filter
}

// Tables is the generic per-table data API.
type Tables interface {
	Select(ctx context.Context, q Query) ([]Row, error)
	Insert(ctx context.Context, table string, values Values) (Row, error)
	Update(ctx context.Context, table string, id any, values Values) (Row, error)
	Delete(ctx context.Context, table string, id any) error
}
