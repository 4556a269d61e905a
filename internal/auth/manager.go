// Package auth owns the per-browser session state: the signed-in identity, its
// profile and the role flags derived from it, plus the HTTP surface around them.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dealerdesk/dealerdesk/internal/backend"
)

// ErrManagerClosed is returned by WaitReady after Close.
var ErrManagerClosed = errors.New("auth: session manager closed")

// Metrics records profile resolution outcomes.
type Metrics interface {
	ObserveProfileResolution(outcome string, attempts int)
}

// Options tunes profile resolution.
type Options struct {
	// Retries is how many times a failed profile fetch is retried.
	Retries      int
	RetryDelay   time.Duration
	ReadyTimeout time.Duration
	Logger       *slog.Logger
	Metrics      Metrics
}

// DefaultOptions returns two retries one second apart and a ten second bound.
func DefaultOptions() Options {
	return Options{Retries: 2, RetryDelay: time.Second, ReadyTimeout: 10 * time.Second}
}

// Manager tracks the session of one browser. It is the only writer of its state;
// every resolution carries a generation and results from superseded generations
// are dropped.
type Manager struct {
	client   backend.AuthClient
	profiles ProfileFetcher
	opts     Options
	logger   *slog.Logger

	mu          sync.Mutex
	state       State
	changed     chan struct{}
	gen         uint64
	attempts    int
	observed    bool
	cancelFetch context.CancelFunc
	retry       *time.Timer
	safety      *time.Timer
	unsubscribe func()
	initialized bool
	closed      bool
}

// New constructs an uninitialized Manager.
func New(client backend.AuthClient, profiles ProfileFetcher, opts Options) *Manager {
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = DefaultOptions().ReadyTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		client:   client,
		profiles: profiles,
		opts:     opts,
		logger:   logger,
		state:    State{Status: StatusUninitialized},
		changed:  make(chan struct{}),
	}
}

// Client returns the backend client the manager listens to.
func (m *Manager) Client() backend.AuthClient {
	return m.client
}

// Snapshot returns the current state.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Initialize subscribes to auth events and restores an existing session. It is
// idempotent; only the first call does work.
func (m *Manager) Initialize(ctx context.Context) {
	m.mu.Lock()
	if m.initialized || m.closed {
		m.mu.Unlock()
		return
	}
	m.initialized = true
	m.gen++
	gen := m.gen
	m.setLocked(State{Status: StatusLoading})
	m.mu.Unlock()

	// Subscribing outside the lock lets backends deliver an initial event synchronously.
	unsubscribe := m.client.OnAuthStateChange(m.HandleAuthEvent)

	sess, err := m.client.GetSession(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		unsubscribe()
		return
	}
	m.unsubscribe = unsubscribe
	if gen != m.gen {
		return
	}
	if err != nil {
		m.logger.Warn("auth get session", slog.Any("error", err))
		m.setLocked(State{Status: StatusReadyWithoutProfile, Outcome: OutcomeUnavailable, RestoreFailed: true})
		return
	}
	if sess == nil {
		m.setLocked(State{Status: StatusReadyWithoutProfile})
		return
	}
	m.beginResolutionLocked(sess)
}

// HandleAuthEvent applies a backend auth event.
func (m *Manager) HandleAuthEvent(ev backend.AuthEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if ev.Session == nil {
		m.gen++
		m.stopLocked()
		m.setLocked(State{Status: StatusReadyWithoutProfile})
		return
	}
	cur := m.state
	if ev.Kind == backend.EventTokenRefreshed && cur.Identity != nil && cur.Identity.ID == ev.Session.User.ID &&
		(cur.Status == StatusReadyWithProfile || cur.Status == StatusLoading) {
		sess := *ev.Session
		cur.Session = &sess
		m.setLocked(cur)
		return
	}
	m.beginResolutionLocked(ev.Session)
}

// SignIn delegates to the backend. The resulting SIGNED_IN event drives the state.
func (m *Manager) SignIn(ctx context.Context, email, password string) error {
	_, err := m.client.SignIn(ctx, email, password)
	return err
}

// SignOut ends the backend session and clears local state. Local state is
// cleared even when the backend call fails.
func (m *Manager) SignOut(ctx context.Context) error {
	err := m.client.SignOut(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return err
	}
	m.gen++
	m.stopLocked()
	m.setLocked(State{Status: StatusReadyWithoutProfile})
	return err
}

// Reload resolves the profile of the signed-in identity again, e.g. after an
// admin changed its role. It is a no-op when signed out.
func (m *Manager) Reload() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.state.Session == nil {
		return
	}
	m.beginResolutionLocked(m.state.Session)
}

// WaitReady blocks until the manager is ready, ctx ends or the manager closes.
func (m *Manager) WaitReady(ctx context.Context) (State, error) {
	for {
		m.mu.Lock()
		st, closed, changed := m.state, m.closed, m.changed
		m.mu.Unlock()
		if st.Ready() {
			return st, nil
		}
		if closed {
			return st, ErrManagerClosed
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
}

// Close stops timers, abandons in-flight resolutions and unsubscribes.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.gen++
	m.stopLocked()
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	close(m.changed)
	m.changed = make(chan struct{})
	m.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

func (m *Manager) beginResolutionLocked(sess *backend.Session) {
	m.gen++
	gen := m.gen
	m.stopLocked()

	cp := *sess
	identity := cp.User
	m.attempts = 0
	m.observed = false
	m.setLocked(State{Status: StatusLoading, Session: &cp, Identity: &identity})

	ctx, cancel := context.WithCancel(context.Background())
	m.cancelFetch = cancel
	m.safety = time.AfterFunc(m.opts.ReadyTimeout, func() { m.forceReady(gen) })
	go m.resolve(ctx, gen, identity.ID, 0)
}

func (m *Manager) resolve(ctx context.Context, gen uint64, identityID string, attempt int) {
	profile, err := m.profiles.FetchProfile(ctx, identityID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.closed {
		return
	}
	m.attempts = attempt + 1
	switch {
	case err == nil && profile != nil:
		m.finishLocked(StatusReadyWithProfile, profile, OutcomeFound)
	case err == nil:
		m.finishLocked(StatusReadyWithoutProfile, nil, OutcomeAbsent)
	case backend.IsPermissionDenied(err):
		m.logger.Warn("profile fetch denied", slog.String("identity", identityID), slog.Any("error", err))
		m.finishLocked(StatusReadyWithoutProfile, nil, OutcomeDenied)
	case attempt < m.opts.Retries:
		m.logger.Warn("profile fetch failed, retrying",
			slog.String("identity", identityID),
			slog.Int("attempt", attempt+1),
			slog.Any("error", err))
		m.retry = time.AfterFunc(m.opts.RetryDelay, func() { m.resolve(ctx, gen, identityID, attempt+1) })
	default:
		m.logger.Error("profile fetch failed", slog.String("identity", identityID), slog.Any("error", err))
		m.finishLocked(StatusReadyWithoutProfile, nil, OutcomeUnavailable)
	}
}

// forceReady ends the loading phase of gen without a profile. Resolution keeps
// going and may still upgrade the state.
func (m *Manager) forceReady(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.closed || m.state.Status != StatusLoading {
		return
	}
	m.logger.Warn("profile resolution timed out", slog.Duration("timeout", m.opts.ReadyTimeout))
	st := m.state
	st.Status = StatusReadyWithoutProfile
	st.Profile = nil
	st.Outcome = OutcomeTimedOut
	m.setLocked(st)
	m.observe(OutcomeTimedOut)
}

func (m *Manager) finishLocked(status Status, profile *Profile, outcome ProfileOutcome) {
	m.stopLocked()
	st := m.state
	st.Status = status
	st.Profile = profile
	st.Outcome = outcome
	m.setLocked(st)
	m.observe(outcome)
}

func (m *Manager) stopLocked() {
	if m.cancelFetch != nil {
		m.cancelFetch()
		m.cancelFetch = nil
	}
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	if m.safety != nil {
		m.safety.Stop()
		m.safety = nil
	}
}

func (m *Manager) setLocked(st State) {
	m.state = st
	close(m.changed)
	m.changed = make(chan struct{})
}

// observe counts the first settled outcome of the current resolution only.
func (m *Manager) observe(outcome ProfileOutcome) {
	if m.observed {
		return
	}
	m.observed = true
	if m.opts.Metrics != nil {
		m.opts.Metrics.ObserveProfileResolution(string(outcome), m.attempts)
	}
}
