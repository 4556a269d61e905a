// Package pgauth is the DealerDesk auth service: identities in PostgreSQL,
// refresh sessions in Redis and HS256 access tokens. Revocations are broadcast
// over Redis pub/sub so every instance signs the affected clients out.
package pgauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/dealerdesk/dealerdesk/internal/backend"
)

// RevocationChannel carries revoked session ids.
const RevocationChannel = "auth:revocations"

// ProvisionRequest asks for a profile to be created for a new identity.
type ProvisionRequest struct {
	IdentityID string `json:"identity_id"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	Role       string `json:"role"`
}

// Provisioner creates profiles asynchronously.
type Provisioner interface {
	ProvisionProfile(ctx context.Context, req ProvisionRequest) error
}

// Config tunes token lifetimes.
type Config struct {
	JWTSecret  string
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// RefreshMargin is how long before expiry clients refresh their access token.
	RefreshMargin time.Duration
}

type storedSession struct {
	ID           string `json:"id"`
	UserID       string `json:"user_id"`
	Email        string `json:"email"`
	RefreshToken string `json:"refresh_token"`
}

// Service implements backend.Auth.
type Service struct {
	users       UserStore
	redis       *redis.Client
	provisioner Provisioner
	signer      tokenSigner
	refreshTTL  time.Duration
	margin      time.Duration
	logger      *slog.Logger
	now         func() time.Time

	mu      sync.Mutex
	clients map[string]map[*Client]struct{} // by session id
}

var _ backend.Auth = (*Service)(nil)

// New constructs a Service. provisioner may be nil.
func New(users UserStore, rdb *redis.Client, provisioner Provisioner, cfg Config, logger *slog.Logger) (*Service, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("pgauth: jwt secret must be provided")
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "dealerdesk"
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = time.Hour
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 30 * 24 * time.Hour
	}
	if cfg.RefreshMargin <= 0 || cfg.RefreshMargin >= cfg.AccessTTL {
		cfg.RefreshMargin = cfg.AccessTTL / 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		users:       users,
		redis:       rdb,
		provisioner: provisioner,
		signer:      tokenSigner{secret: []byte(cfg.JWTSecret), issuer: cfg.Issuer, ttl: cfg.AccessTTL},
		refreshTTL:  cfg.RefreshTTL,
		margin:      cfg.RefreshMargin,
		logger:      logger,
		now:         time.Now,
		clients:     make(map[string]map[*Client]struct{}),
	}, nil
}

// Client implements backend.Auth.
func (s *Service) Client(tokens backend.Tokens) backend.AuthClient {
	return &Client{svc: s, tokens: tokens}
}

// SignUp implements backend.Auth. Profile provisioning is queued; a failure to
// queue is logged and leaves the identity without a profile.
func (s *Service) SignUp(ctx context.Context, req backend.SignUpRequest) (*backend.Identity, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	user, err := s.users.Create(ctx, req.Email, string(hash))
	if err != nil {
		return nil, err
	}
	id := &backend.Identity{ID: user.ID, Email: user.Email}
	if s.provisioner != nil {
		preq := ProvisionRequest{IdentityID: user.ID, Email: user.Email, Name: req.Name, Role: req.Role}
		if err := s.provisioner.ProvisionProfile(ctx, preq); err != nil {
			s.logger.Error("queue profile provisioning", slog.String("identity", user.ID), slog.Any("error", err))
		}
	}
	return id, nil
}

// Revoke deletes the refresh session and tells every instance about it.
func (s *Service) Revoke(ctx context.Context, sessionID string) error {
	if err := s.redis.Del(ctx, sessionKey(sessionID)).Err(); err != nil {
		return backend.Wrap("sign_out", "", err)
	}
	if err := s.redis.Publish(ctx, RevocationChannel, sessionID).Err(); err != nil {
		return backend.Wrap("sign_out", "", err)
	}
	return nil
}

// Listen delivers revocations published by any instance until ctx ends.
func (s *Service) Listen(ctx context.Context) error {
	sub := s.redis.Subscribe(ctx, RevocationChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", RevocationChannel, err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.revokeLocal(msg.Payload)
		}
	}
}

// Clients returns the number of clients bound to live sessions.
func (s *Service) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, set := range s.clients {
		n += len(set)
	}
	return n
}

func (s *Service) revokeLocal(sessionID string) {
	s.mu.Lock()
	set := s.clients[sessionID]
	delete(s.clients, sessionID)
	s.mu.Unlock()
	for c := range set {
		c.signedOutRemotely(sessionID)
	}
}

func (s *Service) track(sessionID string, c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.clients[sessionID]
	if !ok {
		set = make(map[*Client]struct{})
		s.clients[sessionID] = set
	}
	set[c] = struct{}{}
}

func (s *Service) forget(sessionID string, c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.clients[sessionID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(s.clients, sessionID)
		}
	}
}

func (s *Service) authenticate(ctx context.Context, email, password string) (*User, error) {
	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, backend.ErrInvalidCredentials
		}
		return nil, err
	}
	if !user.Active {
		return nil, backend.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, backend.ErrInvalidCredentials
	}
	return user, nil
}

// openSession stores a refresh session and issues the first access token.
func (s *Service) openSession(ctx context.Context, user *User) (*backend.Session, error) {
	stored := storedSession{ID: uuid.NewString(), UserID: user.ID, Email: user.Email, RefreshToken: uuid.NewString()}
	data, err := json.Marshal(stored)
	if err != nil {
		return nil, err
	}
	if err := s.redis.Set(ctx, sessionKey(stored.ID), data, s.refreshTTL).Err(); err != nil {
		return nil, backend.Wrap("sign_in", "", err)
	}
	return s.issue(stored)
}

// loadSession returns the refresh session, or nil when it expired or was revoked.
func (s *Service) loadSession(ctx context.Context, sessionID string) (*storedSession, error) {
	data, err := s.redis.Get(ctx, sessionKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, backend.Wrap("get_session", "", err)
	}
	var stored storedSession
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, backend.Wrap("get_session", "", err)
	}
	return &stored, nil
}

func (s *Service) issue(stored storedSession) (*backend.Session, error) {
	access, exp, err := s.signer.sign(stored.UserID, stored.Email, stored.ID, s.now())
	if err != nil {
		return nil, err
	}
	return &backend.Session{
		ID:           stored.ID,
		AccessToken:  access,
		RefreshToken: stored.RefreshToken,
		ExpiresAt:    exp,
		User:         backend.Identity{ID: stored.UserID, Email: stored.Email},
	}, nil
}

func sessionKey(id string) string {
	return "auth:session:" + id
}
