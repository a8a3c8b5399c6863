// Package app wires one client's session store and relationship cache to a backend
// and owns their lifecycle. The SSH server creates one Context per connection; the
// local TUI creates exactly one.
package app

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/campusnet/backend"
	"github.com/deemkeen/campusnet/broadcast"
	"github.com/deemkeen/campusnet/domain"
	"github.com/deemkeen/campusnet/follows"
	"github.com/deemkeen/campusnet/session"
)

type Context struct {
	Backend backend.Backend
	Session *session.Store
	Follows *follows.Cache
	Bus     *broadcast.FollowBus

	logger *log.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	current     domain.Identity
	initialized bool
	torn        bool
	unsubscribe func()
	warming     sync.WaitGroup
}

type Option func(*Context)

func WithLogger(logger *log.Logger) Option {
	return func(a *Context) {
		a.logger = logger
	}
}

func New(b backend.Backend, opts ...Option) *Context {
	a := &Context{
		Backend: b,
		logger:  log.Default().WithPrefix("app"),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.Bus = broadcast.NewFollowBus(broadcast.WithLogger[domain.FollowChange](a.logger.WithPrefix("bus")))
	a.Session = session.New(b, session.WithLogger(a.logger.WithPrefix("session")))
	a.Follows = follows.New(b,
		follows.WithBus(a.Bus),
		follows.WithLogger(a.logger.WithPrefix("follows")),
	)
	return a
}

// Initialize loads the session and warms the signed-in user's relationships in
// the background. The cache is reset whenever the signed-in identity changes.
func (a *Context) Initialize(ctx context.Context) {
	a.mu.Lock()
	if a.initialized || a.torn {
		a.mu.Unlock()
		return
	}
	a.initialized = true
	a.mu.Unlock()

	unsubscribe := a.Session.Subscribe(a.onSession)
	a.mu.Lock()
	a.unsubscribe = unsubscribe
	a.mu.Unlock()

	a.Session.Initialize(ctx)
}

func (a *Context) onSession(snap domain.SessionSnapshot) {
	a.mu.Lock()
	if a.torn || snap.Identity == a.current {
		a.mu.Unlock()
		return
	}
	prev := a.current
	a.current = snap.Identity
	if !snap.Identity.IsZero() {
		a.warming.Add(1)
	}
	a.mu.Unlock()

	if !prev.IsZero() {
		a.logger.Info("identity changed, dropping cached relationships", "from", prev, "to", snap.Identity)
		a.Follows.Reset()
	}
	if snap.Identity.IsZero() {
		return
	}

	go func(id domain.Identity) {
		defer a.warming.Done()
		if err := a.Follows.Warm(a.ctx, id); err != nil {
			a.logger.Warn("failed to warm relationships", "user", id, "err", err)
		}
	}(snap.Identity)
}

// Identity is the signed-in user as last seen by the context.
func (a *Context) Identity() domain.Identity {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// WaitWarm blocks until background warms started so far have finished.
func (a *Context) WaitWarm() {
	a.warming.Wait()
}

// Teardown releases every subscription the context holds. It is idempotent.
func (a *Context) Teardown() {
	a.mu.Lock()
	if a.torn {
		a.mu.Unlock()
		return
	}
	a.torn = true
	unsubscribe := a.unsubscribe
	a.unsubscribe = nil
	a.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	a.cancel()
	a.warming.Wait()
	a.Session.Teardown()
	a.Follows.Close()
	a.Bus.Clear()
}
