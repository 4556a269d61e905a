package backendfake

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dealerdesk/dealerdesk/internal/backend"
)

type account struct {
	identity backend.Identity
	password string
}

// Auth is an in-memory backend.Auth. Sessions live until signed out or revoked.
type Auth struct {
	mu       sync.Mutex
	accounts map[string]*account
	sessions map[string]*backend.Session // by access token
	clients  map[*Client]struct{}
	signUps  []backend.SignUpRequest

	// GetSessionErr, when set, is returned by every client's GetSession.
	GetSessionErr error
	// OnSignUp runs after an identity is created, e.g. to provision a profile.
	OnSignUp func(ctx context.Context, id backend.Identity, req backend.SignUpRequest)
}

var _ backend.Auth = (*Auth)(nil)

// NewAuth returns an empty auth service.
func NewAuth() *Auth {
	return &Auth{
		accounts: make(map[string]*account),
		sessions: make(map[string]*backend.Session),
		clients:  make(map[*Client]struct{}),
	}
}

// AddUser registers an identity that can sign in with password.
func (a *Auth) AddUser(email, password string) backend.Identity {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := backend.Identity{ID: uuid.NewString(), Email: email}
	a.accounts[email] = &account{identity: id, password: password}
	return id
}

// FailGetSession makes every client's GetSession return err until called with nil.
func (a *Auth) FailGetSession(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.GetSessionErr = err
}

// SignUps returns every sign-up request received.
func (a *Auth) SignUps() []backend.SignUpRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]backend.SignUpRequest(nil), a.signUps...)
}

// SignUp implements backend.Auth.
func (a *Auth) SignUp(ctx context.Context, req backend.SignUpRequest) (*backend.Identity, error) {
	a.mu.Lock()
	if _, exists := a.accounts[req.Email]; exists {
		a.mu.Unlock()
		return nil, &backend.Error{Op: "sign_up", Code: backend.CodeUniqueViolation, Message: "user already registered"}
	}
	id := backend.Identity{ID: uuid.NewString(), Email: req.Email}
	a.accounts[req.Email] = &account{identity: id, password: req.Password}
	a.signUps = append(a.signUps, req)
	hook := a.OnSignUp
	a.mu.Unlock()
	if hook != nil {
		hook(ctx, id, req)
	}
	return &id, nil
}

// Client implements backend.Auth.
func (a *Auth) Client(tokens backend.Tokens) backend.AuthClient {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := &Client{auth: a}
	if s, ok := a.sessions[tokens.AccessToken]; ok {
		c.session = s
	}
	a.clients[c] = struct{}{}
	return c
}

// Revoke ends the session remotely, as an admin or another device would.
func (a *Auth) Revoke(sessionID string) {
	for _, c := range a.clientsFor(sessionID) {
		c.drop(sessionID)
	}
	a.mu.Lock()
	for token, s := range a.sessions {
		if s.ID == sessionID {
			delete(a.sessions, token)
		}
	}
	a.mu.Unlock()
}

// Refresh rotates the access token of sessionID and notifies its clients.
func (a *Auth) Refresh(sessionID string) *backend.Session {
	a.mu.Lock()
	var next *backend.Session
	for token, s := range a.sessions {
		if s.ID != sessionID {
			continue
		}
		cp := *s
		cp.AccessToken = uuid.NewString()
		cp.ExpiresAt = time.Now().Add(time.Hour)
		delete(a.sessions, token)
		a.sessions[cp.AccessToken] = &cp
		next = &cp
	}
	a.mu.Unlock()
	if next == nil {
		return nil
	}
	for _, c := range a.clientsFor(sessionID) {
		c.replace(next)
	}
	return next
}

func (a *Auth) clientsFor(sessionID string) []*Client {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*Client
	for c := range a.clients {
		c.mu.Lock()
		if c.session != nil && c.session.ID == sessionID {
			out = append(out, c)
		}
		c.mu.Unlock()
	}
	return out
}

// Client is a fake backend.AuthClient.
type Client struct {
	auth    *Auth
	mu      sync.Mutex
	session *backend.Session
	events  backend.Emitter
}

// GetSession implements backend.AuthClient.
func (c *Client) GetSession(ctx context.Context) (*backend.Session, error) {
	c.auth.mu.Lock()
	err := c.auth.GetSessionErr
	c.auth.mu.Unlock()
	if err != nil {
		return nil, backend.Wrap("get_session", "", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil, nil
	}
	cp := *c.session
	return &cp, nil
}

// SignIn implements backend.AuthClient.
func (c *Client) SignIn(ctx context.Context, email, password string) (*backend.Session, error) {
	c.auth.mu.Lock()
	acct, ok := c.auth.accounts[email]
	if !ok || acct.password != password {
		c.auth.mu.Unlock()
		return nil, backend.ErrInvalidCredentials
	}
	s := &backend.Session{
		ID:           uuid.NewString(),
		AccessToken:  uuid.NewString(),
		RefreshToken: uuid.NewString(),
		ExpiresAt:    time.Now().Add(time.Hour),
		User:         acct.identity,
	}
	c.auth.sessions[s.AccessToken] = s
	c.auth.mu.Unlock()

	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
	cp := *s
	c.events.Emit(backend.AuthEvent{Kind: backend.EventSignedIn, Session: &cp})
	return &cp, nil
}

// SignOut implements backend.AuthClient.
func (c *Client) SignOut(ctx context.Context) error {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		return errors.New("backendfake: not signed in")
	}
	c.auth.Revoke(s.ID)
	return nil
}

// OnAuthStateChange implements backend.AuthClient.
func (c *Client) OnAuthStateChange(fn func(backend.AuthEvent)) func() {
	return c.events.Subscribe(fn)
}

func (c *Client) drop(sessionID string) {
	c.mu.Lock()
	if c.session == nil || c.session.ID != sessionID {
		c.mu.Unlock()
		return
	}
	c.session = nil
	c.mu.Unlock()
	c.events.Emit(backend.AuthEvent{Kind: backend.EventSignedOut})
}

func (c *Client) replace(s *backend.Session) {
	c.mu.Lock()
	cp := *s
	c.session = &cp
	c.mu.Unlock()
	ev := cp
	c.events.Emit(backend.AuthEvent{Kind: backend.EventTokenRefreshed, Session: &ev})
}
