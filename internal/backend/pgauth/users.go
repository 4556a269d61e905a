package pgauth

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dealerdesk/dealerdesk/internal/backend"
)

// ErrUserNotFound is returned by UserStore lookups that match nothing.
var ErrUserNotFound = errors.New("pgauth: user not found")

// User is a row of auth_users.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Active       bool
}

// UserStore persists identities.
type UserStore interface {
	FindByEmail(ctx context.Context, email string) (*User, error)
	Create(ctx context.Context, email, passwordHash string) (*User, error)
}

// PGUserStore implements UserStore on the auth_users table.
type PGUserStore struct {
	pool *pgxpool.Pool
}

// NewUserStore constructs a PGUserStore.
func NewUserStore(pool *pgxpool.Pool) *PGUserStore {
	return &PGUserStore{pool: pool}
}

const findUserSQL = `SELECT id::text, email, password_hash, is_active FROM auth_users WHERE email = $1`

const createUserSQL = `INSERT INTO auth_users (email, password_hash) VALUES ($1, $2)
RETURNING id::text, email, password_hash, is_active`

// FindByEmail fetches a user by normalised email.
func (s *PGUserStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := s.pool.QueryRow(ctx, findUserSQL, normalizeEmail(email)).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, translate("find_user", err)
	}
	return &u, nil
}

// Create inserts a new active user.
func (s *PGUserStore) Create(ctx context.Context, email, passwordHash string) (*User, error) {
	var u User
	err := s.pool.QueryRow(ctx, createUserSQL, normalizeEmail(email), passwordHash).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Active)
	if err != nil {
		return nil, translate("sign_up", err)
	}
	return &u, nil
}

var _ UserStore = (*PGUserStore)(nil)

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func translate(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &backend.Error{Op: op, Table: "auth_users", Code: pgErr.Code, Message: pgErr.Message, Err: err}
	}
	return &backend.Error{Op: op, Table: "auth_users", Code: backend.CodeUnavailable, Message: err.Error(), Err: err}
}
