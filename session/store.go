// Package session holds the single view of who is signed in and tells subscribers
// about every change, in the order the changes happened.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/campusnet/backend"
	"github.com/deemkeen/campusnet/broadcast"
	"github.com/deemkeen/campusnet/domain"
)

// Store is the session state of one client. Backend errors never reach subscribers,
// they only ever see snapshots; Refresh is the one operation reporting failures.
//
// Subscribers are called one notification at a time. They must not call Subscribe,
// Initialize or Refresh themselves.
type Store struct {
	auth   backend.Auth
	logger *log.Logger
	bus    *broadcast.Broadcaster[domain.SessionSnapshot]

	// notifyMu orders notifications
	notifyMu sync.Mutex

	mu          sync.Mutex
	identity    domain.Identity
	token       string
	loading     bool
	initialized bool
	torn        bool
	unsubscribe func()
}

type Option func(*Store)

func WithLogger(logger *log.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

func New(auth backend.Auth, opts ...Option) *Store {
	s := &Store{
		auth:    auth,
		logger:  log.Default().WithPrefix("session"),
		loading: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.bus = broadcast.New(broadcast.WithLogger[domain.SessionSnapshot](s.logger))
	return s
}

// Initialize starts listening to backend auth events and loads the current session
// once. A failure leaves the store signed out and is only logged. Later calls are no-ops.
func (s *Store) Initialize(ctx context.Context) {
	s.mu.Lock()
	if s.initialized || s.torn {
		s.mu.Unlock()
		return
	}
	s.initialized = true
	s.mu.Unlock()

	unsubscribe := s.auth.OnAuthEvent(s.handleAuthEvent)
	s.mu.Lock()
	if s.torn {
		s.mu.Unlock()
		unsubscribe()
		return
	}
	s.unsubscribe = unsubscribe
	s.mu.Unlock()

	sess, err := s.auth.GetSession(ctx)

	s.mu.Lock()
	switch {
	case err != nil:
		s.logger.Error("failed to load session", "err", err)
		s.identity, s.token = "", ""
	case sess == nil:
		s.identity, s.token = "", ""
	default:
		s.identity, s.token = sess.Identity, sess.AccessToken
	}
	s.loading = false
	s.mu.Unlock()

	s.notify()
}

// Subscribe calls fn with the current snapshot right away and then after every change.
// The returned function is safe to call more than once; no notification starting
// after it returns reaches fn.
func (s *Store) Subscribe(fn func(domain.SessionSnapshot)) (unsubscribe func()) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	unsubscribe = s.bus.Subscribe(fn)
	snap := s.Snapshot()
	func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("session subscriber panicked", "panic", r)
			}
		}()
		fn(snap)
	}()
	return unsubscribe
}

func (s *Store) handleAuthEvent(ev domain.AuthEvent) {
	s.mu.Lock()
	if s.torn {
		s.mu.Unlock()
		return
	}
	switch {
	case ev.Type == domain.SignedOut:
		s.identity, s.token = "", ""
	case ev.Session != nil:
		s.identity, s.token = ev.Session.Identity, ev.Session.AccessToken
	}
	s.mu.Unlock()

	s.logger.Debug("auth event", "type", ev.Type)
	s.notify()
}

// Refresh renews the token. On failure the identity and token stay as they were and
// the error, wrapping domain.ErrBackendUnavailable, is returned.
func (s *Store) Refresh(ctx context.Context) error {
	s.mu.Lock()
	if s.torn {
		s.mu.Unlock()
		return domain.ErrClosed
	}
	s.loading = true
	s.mu.Unlock()
	s.notify()

	sess, err := s.auth.RefreshSession(ctx)

	s.mu.Lock()
	if err == nil && sess != nil {
		s.identity, s.token = sess.Identity, sess.AccessToken
	}
	s.loading = false
	s.mu.Unlock()
	s.notify()

	if err != nil {
		s.logger.Warn("session refresh failed", "err", err)
		return fmt.Errorf("%w: refresh session: %w", domain.ErrBackendUnavailable, err)
	}
	return nil
}

// Teardown releases the backend subscription and drops every subscriber.
func (s *Store) Teardown() {
	s.mu.Lock()
	s.torn = true
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	s.bus.Clear()
}

func (s *Store) notify() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.bus.Emit(s.Snapshot())
}

func (s *Store) Snapshot() domain.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.SessionSnapshot{
		Identity:        s.identity,
		IsAuthenticated: !s.identity.IsZero(),
		Loading:         s.loading,
	}
}

// Token returns the current access token, empty when signed out.
func (s *Store) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *Store) Identity() domain.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}
