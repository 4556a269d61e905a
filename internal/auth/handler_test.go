package auth_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dealerdesk/dealerdesk/internal/auth"
	"github.com/dealerdesk/dealerdesk/internal/backend"
	"github.com/dealerdesk/dealerdesk/internal/backend/backendfake"
	"github.com/dealerdesk/dealerdesk/internal/datastore"
	"github.com/dealerdesk/dealerdesk/internal/notify"
	"github.com/dealerdesk/dealerdesk/internal/shared"
	_ "github.com/dealerdesk/dealerdesk/testing"
)

type harness struct {
	fake     *backendfake.Auth
	tables   *backendfake.Tables
	sessions *shared.SessionManager
	registry *auth.Registry
	router   http.Handler
	cookie   string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = redisClient.Close() })

	fake := backendfake.NewAuth()
	tables := backendfake.NewTables()
	profiles := auth.NewProfileStore(datastore.New(tables, auth.Profiles, datastore.Options{Notifier: notify.Discard}))
	registry := auth.NewRegistry(fake, profiles, testOptions(), time.Hour)
	t.Cleanup(registry.Close)

	sessions := shared.NewSessionManager(redisClient, "test_session", time.Hour, false)
	handler := auth.NewHandler(nil, fake, registry, sessions, shared.NewCSRFManager("csrfsecret"))
	guard := auth.Guard{}

	r := chi.NewRouter()
	r.Use(auth.Middleware(registry, nil))
	r.Route("/auth", handler.MountRoutes)
	ok := func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }
	r.With(guard.RequireAuth()).Get("/inside", ok)
	r.With(guard.RequireManager()).Get("/managers", ok)
	r.With(guard.RequireAdmin()).Get("/admins", ok)

	return &harness{fake: fake, tables: tables, sessions: sessions, registry: registry, router: r}
}

func (h *harness) addUser(email string, role auth.Role) backend.Identity {
	id := h.fake.AddUser(email, "password123")
	h.tables.Seed("profiles", backend.Values{"id": id.ID, "email": email, "name": "Pat", "role": string(role)})
	return id
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if h.cookie != "" {
		req.AddCookie(&http.Cookie{Name: h.sessions.CookieName(), Value: h.cookie})
	}
	sess, err := h.sessions.Load(context.Background(), req)
	require.NoError(t, err)
	h.cookie = sess.ID

	ctx := shared.ContextWithSession(req.Context(), sess)
	ctx, _ = notify.WithCollector(ctx)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req.WithContext(ctx))
	require.NoError(t, h.sessions.Commit(ctx, httptest.NewRecorder(), sess))
	return rec
}

type meEnvelope struct {
	Data struct {
		Status        string `json:"status"`
		Authenticated bool   `json:"authenticated"`
		IsAdmin       bool   `json:"is_admin"`
		IsManager     bool   `json:"is_manager"`
		ProfileStatus string `json:"profile_status"`
		User          *struct {
			ID string `json:"id"`
		} `json:"user"`
	} `json:"data"`
	Notices []notify.Notice `json:"notices"`
}

func decodeMe(t *testing.T, rec *httptest.ResponseRecorder) meEnvelope {
	t.Helper()
	var env meEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func TestAnonymousRequests(t *testing.T) {
	h := newHarness(t)

	me := decodeMe(t, h.do(t, http.MethodGet, "/auth/me", nil))
	assert.False(t, me.Data.Authenticated)
	assert.Equal(t, string(auth.StatusReadyWithoutProfile), me.Data.Status)

	assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodGet, "/inside", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodGet, "/admins", nil).Code)
}

func TestLoginGrantsRoleFlags(t *testing.T) {
	h := newHarness(t)
	id := h.addUser("boss@dealer.test", auth.RoleAdmin)

	rec := h.do(t, http.MethodPost, "/auth/login", map[string]string{"email": "boss@dealer.test", "password": "password123"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	env := decodeMe(t, rec)
	assert.True(t, env.Data.Authenticated)
	assert.True(t, env.Data.IsAdmin)
	assert.True(t, env.Data.IsManager)
	require.NotNil(t, env.Data.User)
	assert.Equal(t, id.ID, env.Data.User.ID)
	assert.Contains(t, env.Notices, notify.Success("Welcome back"))

	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/inside", nil).Code)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/managers", nil).Code)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/admins", nil).Code)
}

func TestEmployeeIsForbiddenFromManagerRoutes(t *testing.T) {
	h := newHarness(t)
	h.addUser("sam@dealer.test", auth.RoleEmployee)

	rec := h.do(t, http.MethodPost, "/auth/login", map[string]string{"email": "sam@dealer.test", "password": "password123"})
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/inside", nil).Code)
	assert.Equal(t, http.StatusForbidden, h.do(t, http.MethodGet, "/managers", nil).Code)
	assert.Equal(t, http.StatusForbidden, h.do(t, http.MethodGet, "/admins", nil).Code)
}

func TestSignedInWithoutProfileHasNoRoles(t *testing.T) {
	h := newHarness(t)
	h.fake.AddUser("fresh@dealer.test", "password123")

	rec := h.do(t, http.MethodPost, "/auth/login", map[string]string{"email": "fresh@dealer.test", "password": "password123"})
	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeMe(t, rec)
	assert.True(t, env.Data.Authenticated)
	assert.Equal(t, string(auth.StatusReadyWithoutProfile), env.Data.Status)
	assert.Equal(t, string(auth.OutcomeAbsent), env.Data.ProfileStatus)
	assert.False(t, env.Data.IsManager)

	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/inside", nil).Code)
	assert.Equal(t, http.StatusForbidden, h.do(t, http.MethodGet, "/managers", nil).Code)
}

func TestLoginInvalidCredentials(t *testing.T) {
	h := newHarness(t)
	h.addUser("boss@dealer.test", auth.RoleAdmin)

	rec := h.do(t, http.MethodPost, "/auth/login", map[string]string{"email": "boss@dealer.test", "password": "wrongpass"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid email or password")

	rec = h.do(t, http.MethodPost, "/auth/login", map[string]string{"email": "not-an-email", "password": "x"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestLogoutClearsSession(t *testing.T) {
	h := newHarness(t)
	h.addUser("boss@dealer.test", auth.RoleAdmin)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/auth/login", map[string]string{"email": "boss@dealer.test", "password": "password123"}).Code)
	require.Equal(t, 1, h.registry.Len())

	assert.Equal(t, http.StatusNoContent, h.do(t, http.MethodPost, "/auth/logout", nil).Code)

	me := decodeMe(t, h.do(t, http.MethodGet, "/auth/me", nil))
	assert.False(t, me.Data.Authenticated)
	assert.False(t, me.Data.IsAdmin)
	assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodGet, "/admins", nil).Code)
}

func TestSessionSurvivesAcrossRequests(t *testing.T) {
	h := newHarness(t)
	h.addUser("boss@dealer.test", auth.RoleManager)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/auth/login", map[string]string{"email": "boss@dealer.test", "password": "password123"}).Code)

	// a fresh process restores the manager from the tokens kept in the cookie session
	h.registry.Close()
	me := decodeMe(t, h.do(t, http.MethodGet, "/auth/me", nil))
	assert.True(t, me.Data.Authenticated)
	assert.True(t, me.Data.IsManager)
}

func TestSessionRestoreErrorKeepsStoredCredentials(t *testing.T) {
	h := newHarness(t)
	h.addUser("boss@dealer.test", auth.RoleManager)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/auth/login", map[string]string{"email": "boss@dealer.test", "password": "password123"}).Code)

	h.registry.Close()
	h.fake.FailGetSession(errors.New("connection reset"))
	me := decodeMe(t, h.do(t, http.MethodGet, "/auth/me", nil))
	assert.False(t, me.Data.Authenticated)
	assert.Equal(t, string(auth.OutcomeUnavailable), me.Data.ProfileStatus)
	assert.Zero(t, h.registry.Len(), "a manager that could not restore is not kept")

	h.fake.FailGetSession(nil)
	me = decodeMe(t, h.do(t, http.MethodGet, "/auth/me", nil))
	assert.True(t, me.Data.Authenticated)
	assert.True(t, me.Data.IsManager)
}

func TestSignUpIgnoresRoleFromNonAdmins(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/auth/signup", map[string]string{
		"email": "new@dealer.test", "password": "password123", "name": "New Hire", "role": "admin",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	signUps := h.fake.SignUps()
	require.Len(t, signUps, 1)
	assert.Equal(t, string(auth.RoleEmployee), signUps[0].Role)

	rec = h.do(t, http.MethodPost, "/auth/signup", map[string]string{
		"email": "new@dealer.test", "password": "password123", "name": "New Hire",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRegistrySweepsIdleManagers(t *testing.T) {
	fake := backendfake.NewAuth()
	reg := auth.NewRegistry(fake, &stubProfiles{}, testOptions(), time.Millisecond)
	defer reg.Close()

	m := reg.Manager(context.Background(), "s1", backend.Tokens{})
	assert.Same(t, m, reg.Manager(context.Background(), "s1", backend.Tokens{}))
	assert.Equal(t, 1, reg.Len())

	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 1, reg.Sweep())
	assert.Zero(t, reg.Len())
	_, err := m.WaitReady(context.Background())
	assert.NoError(t, err, "a closed manager that already settled still reports its state")
}
