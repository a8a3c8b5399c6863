// Package broadcast is a synchronous, typed fan-out of events to registered listeners.
//
// Listeners run in registration order on the emitting goroutine. A panicking listener is
// recovered and logged, the remaining listeners still run. Emit iterates over a snapshot of
// the listener list, so listeners may unsubscribe themselves or others while an emit is in
// progress; a listener removed that way is never invoked afterwards.
package broadcast

import (
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/campusnet/domain"
)

type listener[T any] struct {
	id     uint64
	match  func(T) bool
	fn     func(T)
	active atomic.Bool
}

type Broadcaster[T any] struct {
	mu        sync.Mutex
	listeners []*listener[T]
	nextId    uint64
	logger    *log.Logger
}

type Option[T any] func(*Broadcaster[T])

func WithLogger[T any](logger *log.Logger) Option[T] {
	return func(b *Broadcaster[T]) {
		b.logger = logger
	}
}

func New[T any](opts ...Option[T]) *Broadcaster[T] {
	b := &Broadcaster[T]{
		logger: log.Default().WithPrefix("broadcast"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// OnChange registers fn for every emitted event accepted by match. A nil match accepts all.
// The returned function unregisters the listener and is safe to call more than once.
func (b *Broadcaster[T]) OnChange(match func(T) bool, fn func(T)) (unsubscribe func()) {
	b.mu.Lock()
	b.nextId++
	l := &listener[T]{id: b.nextId, match: match, fn: fn}
	l.active.Store(true)
	b.listeners = append(b.listeners, l)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.remove(l)
		})
	}
}

// Subscribe registers fn for every event.
func (b *Broadcaster[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	return b.OnChange(nil, fn)
}

func (b *Broadcaster[T]) remove(l *listener[T]) {
	l.active.Store(false)
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, cur := range b.listeners {
		if cur.id == l.id {
			b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
			return
		}
	}
}

// Emit synchronously informs every matching listener, then returns.
func (b *Broadcaster[T]) Emit(event T) {
	b.mu.Lock()
	snapshot := b.listeners
	b.mu.Unlock()

	for _, l := range snapshot {
		if !l.active.Load() {
			continue
		}
		b.deliver(l, event)
	}
}

func (b *Broadcaster[T]) deliver(l *listener[T], event T) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("listener panicked", "listener", l.id, "panic", r)
		}
	}()
	if l.match != nil && !l.match(event) {
		return
	}
	l.fn(event)
}

// Len returns the number of registered listeners.
func (b *Broadcaster[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}

// Clear unregisters every listener.
func (b *Broadcaster[T]) Clear() {
	b.mu.Lock()
	old := b.listeners
	b.listeners = nil
	b.mu.Unlock()
	for _, l := range old {
		l.active.Store(false)
	}
}

// FollowBus carries relationship changes from the follows cache to UI observers.
type FollowBus = Broadcaster[domain.FollowChange]

func NewFollowBus(opts ...Option[domain.FollowChange]) *FollowBus {
	return New[domain.FollowChange](opts...)
}

// OnPair registers fn for changes of one (follower, followee) pair.
func OnPair(bus *FollowBus, follower, followee domain.Identity, fn func(domain.FollowChange)) (unsubscribe func()) {
	return bus.OnChange(func(c domain.FollowChange) bool {
		return c.Follower == follower && c.Followee == followee
	}, fn)
}

// OnFollower registers fn for every change whose follower is the given identity.
func OnFollower(bus *FollowBus, follower domain.Identity, fn func(domain.FollowChange)) (unsubscribe func()) {
	return bus.OnChange(func(c domain.FollowChange) bool {
		return c.Follower == follower
	}, fn)
}
