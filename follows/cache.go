// Package follows keeps a client-side view of who follows whom.
//
// Each follower key moves through Unloaded, Loading and Warmed. Only a Warmed key's set
// is trusted to be complete: for any other key an empty answer means "unknown" and
// lookups fall through to the backend. Follow and Unfollow apply their effect locally
// before the backend confirms it and roll back when the backend call fails. Every
// visible change is emitted on a broadcast.FollowBus.
package follows

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/campusnet/backend"
	"github.com/deemkeen/campusnet/broadcast"
	"github.com/deemkeen/campusnet/domain"
	"golang.org/x/sync/singleflight"
)

// ErrReset is returned by Warm when the cache was reset while the key was loading.
var ErrReset = errors.New("follows cache reset during load")

type State uint8

const (
	Unloaded State = iota
	Loading
	Warmed
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Warmed:
		return "warmed"
	default:
		return "unknown"
	}
}

// Backend is the part of the backend facade the cache talks to.
type Backend interface {
	backend.Relationships
	backend.Notifier
}

type remoteChange struct {
	followee  domain.Identity
	following bool
}

type entry struct {
	state     State
	followees map[domain.Identity]struct{}
	buffered  []remoteChange
	sub       backend.Subscription
}

type Cache struct {
	backend Backend
	bus     *broadcast.FollowBus
	logger  *log.Logger
	now     func() time.Time

	loads   singleflight.Group
	toggles pairLocks

	mu      sync.Mutex
	entries map[domain.Identity]*entry
	pending map[pairKey]*Mutation
	closed  bool
}

type Option func(*Cache)

func WithBus(bus *broadcast.FollowBus) Option {
	return func(c *Cache) {
		c.bus = bus
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

func New(b Backend, opts ...Option) *Cache {
	c := &Cache{
		backend: b,
		logger:  log.Default().WithPrefix("follows"),
		now:     time.Now,
		entries: make(map[domain.Identity]*entry),
		pending: make(map[pairKey]*Mutation),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.bus == nil {
		c.bus = broadcast.NewFollowBus(broadcast.WithLogger[domain.FollowChange](c.logger))
	}
	return c
}

// Bus returns the bus every cache change is emitted on.
func (c *Cache) Bus() *broadcast.FollowBus {
	return c.bus
}

func (c *Cache) State(follower domain.Identity) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[follower]; ok {
		return e.state
	}
	return Unloaded
}

// Following returns the followees of a Warmed key, sorted. ok is false when the key
// is not Warmed, in which case the result says nothing about the relationships.
func (c *Cache) Following(follower domain.Identity) (followees []domain.Identity, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, exists := c.entries[follower]
	if !exists || e.state != Warmed {
		return nil, false
	}
	followees = make([]domain.Identity, 0, len(e.followees))
	for id := range e.followees {
		followees = append(followees, id)
	}
	sort.Slice(followees, func(i, j int) bool { return followees[i] < followees[j] })
	return followees, true
}

// Pending returns the in-flight mutation of the pair, or nil.
func (c *Cache) Pending(follower, followee domain.Identity) *Mutation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending[pairKey{follower, followee}]
}

// Warm loads the complete followee set of follower. Concurrent calls for the same key
// share one backend fetch; the context of the first caller governs it.
func (c *Cache) Warm(ctx context.Context, follower domain.Identity) error {
	if follower.IsZero() {
		return fmt.Errorf("%w: identity cannot be empty", domain.ErrInvalidRelationship)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrClosed
	}
	if e, ok := c.entries[follower]; ok && e.state == Warmed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	_, err, _ := c.loads.Do(string(follower), func() (any, error) {
		return nil, c.load(ctx, follower)
	})
	return err
}

func (c *Cache) load(ctx context.Context, follower domain.Identity) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrClosed
	}
	e, ok := c.entries[follower]
	if ok && e.state == Warmed {
		c.mu.Unlock()
		return nil
	}
	e = &entry{state: Loading}
	c.entries[follower] = e
	c.mu.Unlock()

	// SubscribeToEdgeChanges returns once the subscription is live, so nothing
	// committed between subscribe and fetch is missed
	sub, err := c.backend.SubscribeToEdgeChanges(ctx, follower,
		func(edge domain.FollowEdge) { c.applyRemote(e, follower, edge.Followee, true) },
		func(edge domain.FollowEdge) { c.applyRemote(e, follower, edge.Followee, false) },
	)
	if err != nil {
		c.abandon(follower, e)
		return fmt.Errorf("%w: subscribe %s: %w", domain.ErrBackendUnavailable, follower, err)
	}

	ids, err := c.backend.QueryFollowing(ctx, follower)
	if err != nil {
		sub.Unsubscribe()
		c.abandon(follower, e)
		return fmt.Errorf("%w: query following of %s: %w", domain.ErrBackendUnavailable, follower, err)
	}

	set := make(map[domain.Identity]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}

	c.mu.Lock()
	if c.entries[follower] != e {
		closed := c.closed
		c.mu.Unlock()
		sub.Unsubscribe()
		if closed {
			return domain.ErrClosed
		}
		return ErrReset
	}
	var replayed []domain.FollowChange
	for _, rc := range e.buffered {
		setMembership(set, rc.followee, rc.following)
		replayed = append(replayed, domain.FollowChange{
			Follower:  follower,
			Followee:  rc.followee,
			Following: rc.following,
			Source:    domain.SourceRemote,
		})
	}
	// in-flight mutations stay visible on top of the fetched set
	for key, m := range c.pending {
		if key.follower != follower {
			continue
		}
		_, had := set[key.followee]
		if !m.priorKnown {
			m.prior, m.priorKnown = had, true
		}
		setMembership(set, key.followee, m.Following)
	}
	e.followees = set
	e.buffered = nil
	e.sub = sub
	e.state = Warmed
	c.mu.Unlock()

	c.logger.Debug("warmed", "follower", follower, "followees", len(set))
	for _, change := range replayed {
		c.bus.Emit(change)
	}
	return nil
}

func (c *Cache) abandon(follower domain.Identity, e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries[follower] == e {
		delete(c.entries, follower)
	}
}

// applyRemote handles an edge change pushed by the backend for follower.
func (c *Cache) applyRemote(e *entry, follower, followee domain.Identity, following bool) {
	c.mu.Lock()
	if c.entries[follower] != e {
		c.mu.Unlock()
		return
	}
	switch e.state {
	case Loading:
		e.buffered = append(e.buffered, remoteChange{followee: followee, following: following})
		c.mu.Unlock()
		return
	case Warmed:
		setMembership(e.followees, followee, following)
		if m := c.pending[pairKey{follower, followee}]; m != nil {
			m.prior, m.priorKnown = following, true
		}
	default:
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.emit(follower, followee, following, domain.SourceRemote)
}

// IsFollowing answers from an in-flight mutation or a Warmed set when it can and
// asks the backend otherwise. The lookup never warms the key; its answer is recorded
// only if the key has become Warmed in the meantime.
func (c *Cache) IsFollowing(ctx context.Context, follower, followee domain.Identity) (bool, error) {
	if err := domain.ValidatePair(follower, followee); err != nil {
		return false, err
	}
	key := pairKey{follower, followee}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, domain.ErrClosed
	}
	if m, ok := c.pending[key]; ok {
		c.mu.Unlock()
		return m.Following, nil
	}
	if e, ok := c.entries[follower]; ok && e.state == Warmed {
		_, following := e.followees[followee]
		c.mu.Unlock()
		return following, nil
	}
	c.mu.Unlock()

	following, err := c.backend.QueryEdgeExists(ctx, follower, followee)
	if err != nil {
		return false, fmt.Errorf("%w: edge lookup %s -> %s: %w", domain.ErrBackendUnavailable, follower, followee, err)
	}

	changed := false
	c.mu.Lock()
	if e, ok := c.entries[follower]; ok && e.state == Warmed && c.pending[key] == nil {
		_, had := e.followees[followee]
		if had != following {
			setMembership(e.followees, followee, following)
			changed = true
		}
	}
	c.mu.Unlock()

	if changed {
		c.emit(follower, followee, following, domain.SourceLookup)
	}
	return following, nil
}

type mutateOptions struct {
	actorLabel string
}

type MutateOption func(*mutateOptions)

// WithActorLabel sets how the follower is named in the followee's notification.
func WithActorLabel(label string) MutateOption {
	return func(o *mutateOptions) {
		o.actorLabel = label
	}
}

// Follow makes follower follow followee. If the backend rejects the insert the cache
// is back to its state before the call and the error wraps domain.ErrBackendUnavailable,
// or domain.ErrInvalidRelationship when the backend refused the pair itself.
func (c *Cache) Follow(ctx context.Context, follower, followee domain.Identity, opts ...MutateOption) (*Mutation, error) {
	return c.mutate(ctx, follower, followee, true, nil, opts)
}

func (c *Cache) Unfollow(ctx context.Context, follower, followee domain.Identity, opts ...MutateOption) (*Mutation, error) {
	return c.mutate(ctx, follower, followee, false, nil, opts)
}

// Toggle flips the relationship. Toggles of the same pair run one after another.
func (c *Cache) Toggle(ctx context.Context, follower, followee domain.Identity, opts ...MutateOption) (*Mutation, error) {
	if err := domain.ValidatePair(follower, followee); err != nil {
		return nil, err
	}
	unlock, err := c.toggles.lock(ctx, pairKey{follower, followee})
	if err != nil {
		return nil, err
	}
	defer unlock()

	following, err := c.IsFollowing(ctx, follower, followee)
	if err != nil {
		return nil, err
	}
	return c.mutate(ctx, follower, followee, !following, &following, opts)
}

// knowsPair reports whether the cache can tell the current membership of the pair.
// Callers hold c.mu.
func (c *Cache) knowsPair(key pairKey) bool {
	if c.pending[key] != nil {
		return true
	}
	e, ok := c.entries[key.follower]
	return ok && e.state == Warmed
}

// mutate applies following optimistically and writes it through. prior is the
// membership the caller already observed, or nil; a cold pair without one is looked
// up first so a rollback restores what the backend had.
func (c *Cache) mutate(ctx context.Context, follower, followee domain.Identity, following bool, prior *bool, opts []MutateOption) (*Mutation, error) {
	if err := domain.ValidatePair(follower, followee); err != nil {
		return nil, err
	}
	var o mutateOptions
	for _, opt := range opts {
		opt(&o)
	}
	key := pairKey{follower, followee}
	m := newMutation(follower, followee, following)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, domain.ErrClosed
	}
	lookup := prior == nil && !c.knowsPair(key)
	c.mu.Unlock()

	if lookup {
		had, err := c.backend.QueryEdgeExists(ctx, follower, followee)
		if err != nil {
			c.logger.Warn("prior lookup failed", "follower", follower, "followee", followee, "err", err)
		} else {
			prior = &had
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, domain.ErrClosed
	}
	prev := c.pending[key]
	if e, ok := c.entries[follower]; ok && e.state == Warmed {
		_, had := e.followees[followee]
		m.prior, m.priorKnown = had, true
		setMembership(e.followees, followee, following)
	} else if prev != nil {
		m.prior, m.priorKnown = prev.Following, true
	} else if prior != nil {
		m.prior, m.priorKnown = *prior, true
	}
	if prev != nil {
		prev.next = m
	}
	c.pending[key] = m
	c.mu.Unlock()

	c.emit(follower, followee, following, domain.SourceOptimistic)

	var err error
	if following {
		err = c.backend.InsertEdge(ctx, follower, followee, c.now())
		if errors.Is(err, domain.ErrDuplicateEdge) {
			err = nil
		}
	} else {
		err = c.backend.DeleteEdge(ctx, follower, followee)
		if errors.Is(err, domain.ErrNotFoundOnDelete) {
			err = nil
		}
	}
	if err != nil {
		if !errors.Is(err, domain.ErrInvalidRelationship) {
			err = fmt.Errorf("%w: %w", domain.ErrBackendUnavailable, err)
		}
		c.rollback(ctx, m, err)
		return m, err
	}

	c.commit(m)
	if following {
		c.notifyFollowed(ctx, m, o.actorLabel)
	}
	return m, nil
}

func (c *Cache) commit(m *Mutation) {
	key := pairKey{m.Follower, m.Followee}
	c.mu.Lock()
	if c.pending[key] == m {
		delete(c.pending, key)
	}
	c.mu.Unlock()
	m.finish(Committed, nil)
}

// rollback restores the membership observed before m. A mutation superseded by a
// later one for the same pair leaves the view alone and hands its prior value on.
// When the prior value was never known the backend is asked again and its answer
// goes out as a lookup; if that fails too, nothing is broadcast.
func (c *Cache) rollback(ctx context.Context, m *Mutation, cause error) {
	key := pairKey{m.Follower, m.Followee}
	restored, source := m.prior, domain.SourceRollback
	visible := false

	c.mu.Lock()
	if c.pending[key] == m {
		delete(c.pending, key)
		visible = true
		if m.priorKnown {
			if e, ok := c.entries[m.Follower]; ok && e.state == Warmed {
				setMembership(e.followees, m.Followee, restored)
			}
		}
	} else if m.next != nil {
		m.next.prior, m.next.priorKnown = m.prior, m.priorKnown
	}
	known := m.priorKnown
	c.mu.Unlock()

	c.logger.Warn("mutation rolled back", "follower", m.Follower, "followee", m.Followee, "following", m.Following, "err", cause)
	if visible && !known {
		visible = false
		if had, err := c.backend.QueryEdgeExists(ctx, m.Follower, m.Followee); err != nil {
			c.logger.Warn("could not resolve rolled back pair", "follower", m.Follower, "followee", m.Followee, "err", err)
		} else {
			visible, restored, source = c.correct(key, had), had, domain.SourceLookup
		}
	}
	if visible {
		c.emit(m.Follower, m.Followee, restored, source)
	}
	m.finish(RolledBack, cause)
}

// correct records a looked-up membership unless a newer mutation owns the pair.
// It reports whether the value should be broadcast.
func (c *Cache) correct(key pairKey, following bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.pending[key] != nil {
		return false
	}
	if e, ok := c.entries[key.follower]; ok && e.state == Warmed {
		setMembership(e.followees, key.followee, following)
	}
	return true
}

func (c *Cache) notifyFollowed(ctx context.Context, m *Mutation, label string) {
	if err := c.backend.CreateFollowNotification(ctx, m.Followee, m.Follower, label); err != nil {
		err = fmt.Errorf("%w: follow notification for %s: %w", domain.ErrSideEffectFailure, m.Followee, err)
		c.logger.Error("side effect failed", "err", err)
	}
}

func (c *Cache) emit(follower, followee domain.Identity, following bool, source domain.ChangeSource) {
	c.bus.Emit(domain.FollowChange{
		Follower:  follower,
		Followee:  followee,
		Following: following,
		Source:    source,
	})
}

// Reset forgets every key and releases their subscriptions. In-flight mutations
// still settle but no longer touch the cache.
func (c *Cache) Reset() {
	c.mu.Lock()
	subs := c.drain()
	c.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

// Close resets the cache and rejects further use. It is safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.drain()
	c.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

func (c *Cache) drain() []backend.Subscription {
	var subs []backend.Subscription
	for _, e := range c.entries {
		if e.sub != nil {
			subs = append(subs, e.sub)
		}
	}
	c.entries = make(map[domain.Identity]*entry)
	c.pending = make(map[pairKey]*Mutation)
	return subs
}

func setMembership(set map[domain.Identity]struct{}, id domain.Identity, member bool) {
	if member {
		set[id] = struct{}{}
	} else {
		delete(set, id)
	}
}
