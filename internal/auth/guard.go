package auth

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/dealerdesk/dealerdesk/internal/platform/httpx"
	"github.com/dealerdesk/dealerdesk/internal/shared"
)

type stateKey struct{}
type managerKey struct{}

// ContextWithState stores st on ctx.
func ContextWithState(ctx context.Context, st State) context.Context {
	return context.WithValue(ctx, stateKey{}, st)
}

// StateFromContext returns the state attached by Middleware.
func StateFromContext(ctx context.Context) (State, bool) {
	st, ok := ctx.Value(stateKey{}).(State)
	return st, ok
}

func contextWithManager(ctx context.Context, m *Manager) context.Context {
	return context.WithValue(ctx, managerKey{}, m)
}

// ManagerFromContext returns the request's session manager, or nil.
func ManagerFromContext(ctx context.Context) *Manager {
	m, _ := ctx.Value(managerKey{}).(*Manager)
	return m
}

// Middleware resolves the session manager for the cookie session, waits for it
// to settle and attaches its state to the request.
func Middleware(reg *Registry, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess := shared.SessionFromContext(r.Context())
			if sess == nil {
				next.ServeHTTP(w, r)
				return
			}
			mgr := reg.Manager(r.Context(), sess.ID, sess.Tokens())
			st, err := mgr.WaitReady(r.Context())
			if err != nil {
				logger.Warn("session manager not ready", slog.String("session", sess.ID), slog.Any("error", err))
				httpx.Problem(w, http.StatusServiceUnavailable, "Service Unavailable", "session is not ready")
				return
			}
			if st.RestoreFailed {
				// drop the manager so the next request asks the backend again
				defer func() {
					if mgr.Snapshot().RestoreFailed {
						reg.forget(sess.ID, mgr)
					}
				}()
			}
			syncSession(sess, st)
			ctx := ContextWithState(r.Context(), st)
			ctx = contextWithManager(ctx, mgr)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// syncSession mirrors the manager's credentials into the cookie session so
// refreshed tokens survive the next request.
func syncSession(sess *shared.Session, st State) {
	if st.RestoreFailed {
		return
	}
	if st.Session == nil {
		if sess.User() != "" || !sess.Tokens().Empty() {
			sess.ClearAuth()
		}
		return
	}
	sess.SetTokens(st.Tokens())
	if sess.User() != st.Session.User.ID {
		sess.SetUser(st.Session.User.ID)
	}
}

// Guard builds route guards over the request state.
type Guard struct {
	Logger *slog.Logger
}

// RequireAuth rejects requests without a signed-in identity.
func (g Guard) RequireAuth() func(http.Handler) http.Handler {
	return g.require("authenticated", func(State) bool { return true })
}

// RequireManager admits managers and admins.
func (g Guard) RequireManager() func(http.Handler) http.Handler {
	return g.require("manager", State.IsManager)
}

// RequireAdmin admits admins only.
func (g Guard) RequireAdmin() func(http.Handler) http.Handler {
	return g.require("admin", State.IsAdmin)
}

func (g Guard) require(name string, allowed func(State) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			st, ok := StateFromContext(r.Context())
			if !ok || !st.Authenticated() {
				httpx.RespondError(w, httpx.ErrUnauthorized)
				return
			}
			if !allowed(st) {
				if g.Logger != nil {
					g.Logger.Info("guard rejected request",
						slog.String("require", name),
						slog.String("identity", st.Identity.ID),
						slog.String("path", r.URL.Path))
				}
				httpx.RespondError(w, httpx.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
