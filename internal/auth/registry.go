package auth

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dealerdesk/dealerdesk/internal/backend"
)

type registryEntry struct {
	manager  *Manager
	once     sync.Once
	lastUsed time.Time
}

// Registry keeps one Manager per cookie session.
type Registry struct {
	auth     backend.Auth
	profiles ProfileFetcher
	opts     Options
	idleTTL  time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*registryEntry
}

// NewRegistry constructs a Registry. idleTTL <= 0 disables idle eviction.
func NewRegistry(auth backend.Auth, profiles ProfileFetcher, opts Options, idleTTL time.Duration) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		auth:     auth,
		profiles: profiles,
		opts:     opts,
		idleTTL:  idleTTL,
		logger:   logger,
		now:      time.Now,
		entries:  make(map[string]*registryEntry),
	}
}

// Manager returns the initialized manager for sessionID, creating it from tokens
// on first use.
func (r *Registry) Manager(ctx context.Context, sessionID string, tokens backend.Tokens) *Manager {
	r.mu.Lock()
	e, ok := r.entries[sessionID]
	if !ok {
		e = &registryEntry{manager: New(r.auth.Client(tokens), r.profiles, r.opts)}
		r.entries[sessionID] = e
	}
	e.lastUsed = r.now()
	r.mu.Unlock()

	e.once.Do(func() { e.manager.Initialize(context.WithoutCancel(ctx)) })
	return e.manager
}

// Remove closes and forgets the manager of sessionID.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	e, ok := r.entries[sessionID]
	delete(r.entries, sessionID)
	r.mu.Unlock()
	if ok {
		e.manager.Close()
	}
}

// forget closes m and removes it when it is still the manager of sessionID.
func (r *Registry) forget(sessionID string, m *Manager) {
	r.mu.Lock()
	e, ok := r.entries[sessionID]
	if ok && e.manager == m {
		delete(r.entries, sessionID)
	}
	r.mu.Unlock()
	m.Close()
}

// ReloadIdentity reloads the profile in every manager signed in as identityID
// and returns how many were affected.
func (r *Registry) ReloadIdentity(identityID string) int {
	var hits []*Manager
	r.mu.Lock()
	for _, e := range r.entries {
		if st := e.manager.Snapshot(); st.Identity != nil && st.Identity.ID == identityID {
			hits = append(hits, e.manager)
		}
	}
	r.mu.Unlock()
	for _, m := range hits {
		m.Reload()
	}
	return len(hits)
}

// Len returns the number of live managers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Sweep closes managers idle for longer than the idle TTL and returns how many
// were evicted.
func (r *Registry) Sweep() int {
	if r.idleTTL <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.idleTTL)
	var stale []*Manager
	r.mu.Lock()
	for id, e := range r.entries {
		if e.lastUsed.Before(cutoff) {
			stale = append(stale, e.manager)
			delete(r.entries, id)
		}
	}
	r.mu.Unlock()
	for _, m := range stale {
		m.Close()
	}
	return len(stale)
}

// Run sweeps every interval until ctx ends, then closes every manager.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.Close()
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				r.logger.Debug("evicted idle session managers", slog.Int("count", n))
			}
		}
	}
}

// Close closes every manager.
func (r *Registry) Close() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*registryEntry)
	r.mu.Unlock()
	for _, e := range entries {
		e.manager.Close()
	}
}
