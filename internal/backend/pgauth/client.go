package pgauth

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dealerdesk/dealerdesk/internal/backend"
)

const refreshTimeout = 5 * time.Second

// Client is the per-browser view of the auth service. It keeps its access token
// fresh in the background while someone listens to its events.
type Client struct {
	svc    *Service
	events backend.Emitter

	mu      sync.Mutex
	tokens  backend.Tokens
	session *backend.Session
	timer   *time.Timer
}

var _ backend.AuthClient = (*Client)(nil)

// GetSession implements backend.AuthClient. Expired access tokens are refreshed
// while the refresh session lives.
func (c *Client) GetSession(ctx context.Context) (*backend.Session, error) {
	c.mu.Lock()
	if c.session != nil {
		cp := *c.session
		c.mu.Unlock()
		return &cp, nil
	}
	tokens := c.tokens
	c.mu.Unlock()
	if tokens.AccessToken == "" {
		return nil, nil
	}

	claims, err := c.svc.signer.parse(tokens.AccessToken, c.svc.now())
	expired := errors.Is(err, jwt.ErrTokenExpired)
	if err != nil && !expired {
		c.svc.logger.Debug("discarding access token", slog.Any("error", err))
		c.clearTokens()
		return nil, nil
	}
	stored, err := c.svc.loadSession(ctx, claims.SessionID)
	if err != nil {
		return nil, err
	}
	if stored == nil || stored.RefreshToken != tokens.RefreshToken {
		c.clearTokens()
		return nil, nil
	}

	sess := &backend.Session{
		ID:           stored.ID,
		AccessToken:  tokens.AccessToken,
		RefreshToken: stored.RefreshToken,
		User:         backend.Identity{ID: stored.UserID, Email: stored.Email},
	}
	if claims.ExpiresAt != nil {
		sess.ExpiresAt = claims.ExpiresAt.Time
	}
	if expired {
		if sess, err = c.svc.issue(*stored); err != nil {
			return nil, err
		}
	}
	c.adopt(sess)
	cp := *sess
	return &cp, nil
}

// SignIn implements backend.AuthClient.
func (c *Client) SignIn(ctx context.Context, email, password string) (*backend.Session, error) {
	user, err := c.svc.authenticate(ctx, email, password)
	if err != nil {
		return nil, err
	}
	sess, err := c.svc.openSession(ctx, user)
	if err != nil {
		return nil, err
	}
	c.release()
	c.adopt(sess)
	ev := *sess
	c.events.Emit(backend.AuthEvent{Kind: backend.EventSignedIn, Session: &ev})
	cp := *sess
	return &cp, nil
}

// SignOut implements backend.AuthClient. Signing out without a session is a no-op.
func (c *Client) SignOut(ctx context.Context) error {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		c.clearTokens()
		return nil
	}
	err := c.svc.Revoke(ctx, sess.ID)
	// The pub/sub echo finds this client already forgotten.
	c.signedOutRemotely(sess.ID)
	return err
}

// OnAuthStateChange implements backend.AuthClient. The client stops refreshing
// once the last listener leaves.
func (c *Client) OnAuthStateChange(fn func(backend.AuthEvent)) func() {
	unsubscribe := c.events.Subscribe(fn)
	return func() {
		unsubscribe()
		if c.events.Len() == 0 {
			c.release()
		}
	}
}

// adopt makes sess current, tracks it for revocations and schedules the refresh.
func (c *Client) adopt(sess *backend.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *sess
	c.session = &cp
	c.tokens = backend.Tokens{AccessToken: sess.AccessToken, RefreshToken: sess.RefreshToken}
	c.svc.track(sess.ID, c)
	c.scheduleLocked(sess.ID, sess.ExpiresAt)
}

func (c *Client) scheduleLocked(sessionID string, expiresAt time.Time) {
	if c.timer != nil {
		c.timer.Stop()
	}
	wait := expiresAt.Sub(c.svc.now()) - c.svc.margin
	if wait < 0 {
		wait = 0
	}
	c.timer = time.AfterFunc(wait, func() { c.refresh(sessionID) })
}

func (c *Client) refresh(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()
	stored, err := c.svc.loadSession(ctx, sessionID)
	if err != nil {
		c.svc.logger.Warn("refresh session", slog.String("session", sessionID), slog.Any("error", err))
		c.mu.Lock()
		if c.session != nil && c.session.ID == sessionID {
			c.timer = time.AfterFunc(refreshTimeout, func() { c.refresh(sessionID) })
		}
		c.mu.Unlock()
		return
	}
	if stored == nil {
		c.signedOutRemotely(sessionID)
		return
	}
	sess, err := c.svc.issue(*stored)
	if err != nil {
		c.svc.logger.Error("issue access token", slog.Any("error", err))
		return
	}
	c.mu.Lock()
	if c.session == nil || c.session.ID != sessionID {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.adopt(sess)
	ev := *sess
	c.events.Emit(backend.AuthEvent{Kind: backend.EventTokenRefreshed, Session: &ev})
}

// signedOutRemotely drops sessionID if it is current and emits SIGNED_OUT.
func (c *Client) signedOutRemotely(sessionID string) {
	c.mu.Lock()
	if c.session == nil || c.session.ID != sessionID {
		c.mu.Unlock()
		return
	}
	c.session = nil
	c.tokens = backend.Tokens{}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
	c.svc.forget(sessionID, c)
	c.events.Emit(backend.AuthEvent{Kind: backend.EventSignedOut})
}

// release stops background work without signing out.
func (c *Client) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.session != nil {
		c.svc.forget(c.session.ID, c)
	}
}

func (c *Client) clearTokens() {
	c.mu.Lock()
	c.tokens = backend.Tokens{}
	c.mu.Unlock()
}
