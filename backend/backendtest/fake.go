// Package backendtest provides an in-memory Backend with call counters, injectable
// failures and blocking gates, for testing code that sits on top of the backend facade.
package backendtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/deemkeen/campusnet/backend"
	"github.com/deemkeen/campusnet/broadcast"
	"github.com/deemkeen/campusnet/domain"
)

type Op string

const (
	OpGetSession        Op = "GetSession"
	OpRefreshSession    Op = "RefreshSession"
	OpQueryFollowing    Op = "QueryFollowing"
	OpQueryEdgeExists   Op = "QueryEdgeExists"
	OpInsertEdge        Op = "InsertEdge"
	OpDeleteEdge        Op = "DeleteEdge"
	OpSubscribe         Op = "SubscribeToEdgeChanges"
	OpNotify            Op = "CreateFollowNotification"
	OpQueryFollowers    Op = "QueryFollowers"
	OpListProfiles      Op = "ListProfiles"
	OpListNotifications Op = "ListNotifications"
)

// Hook runs before the operation it is installed for. A non-nil error fails the call.
type Hook func(ctx context.Context) error

type subscription struct {
	follower domain.Identity
	onInsert func(domain.FollowEdge)
	onDelete func(domain.FollowEdge)
}

type Fake struct {
	mu            sync.Mutex
	edges         map[domain.Identity]map[domain.Identity]time.Time
	subs          map[int]*subscription
	nextSub       int
	session       *domain.AuthSession
	tokenSeq      int
	profiles      map[domain.Identity]domain.Profile
	notifications []domain.Notification
	calls         map[Op]int
	hooks         map[Op]Hook
	echo          bool

	auth *broadcast.Broadcaster[domain.AuthEvent]
}

var _ backend.Backend = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		edges:    make(map[domain.Identity]map[domain.Identity]time.Time),
		subs:     make(map[int]*subscription),
		profiles: make(map[domain.Identity]domain.Profile),
		calls:    make(map[Op]int),
		hooks:    make(map[Op]Hook),
		auth:     broadcast.New[domain.AuthEvent](),
	}
}

// Calls returns how many times op was invoked.
func (f *Fake) Calls(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *Fake) SetHook(op Op, hook Hook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if hook == nil {
		delete(f.hooks, op)
		return
	}
	f.hooks[op] = hook
}

// Fail makes every following call of op return err.
func (f *Fake) Fail(op Op, err error) {
	f.SetHook(op, func(context.Context) error { return err })
}

// FailOnce makes the next call of op return err.
func (f *Fake) FailOnce(op Op, err error) {
	var once sync.Once
	f.SetHook(op, func(context.Context) error {
		var out error
		once.Do(func() { out = err })
		return out
	})
}

func (f *Fake) Clear(op Op) {
	f.SetHook(op, nil)
}

// SetEcho makes InsertEdge and DeleteEdge deliver the change to edge subscribers,
// like a realtime channel echoing the client's own writes.
func (f *Fake) SetEcho(echo bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.echo = echo
}

// Gate blocks calls of an operation until released.
type Gate struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

// Entered receives once per call that reached the gate.
func (g *Gate) Entered() <-chan struct{} {
	return g.entered
}

func (g *Gate) Release() {
	g.once.Do(func() { close(g.release) })
}

// Block installs a gate on op. The blocked call returns err once released, or the
// context error if its context ends first.
func (f *Fake) Block(op Op, err error) *Gate {
	g := &Gate{
		entered: make(chan struct{}, 64),
		release: make(chan struct{}),
	}
	f.SetHook(op, func(ctx context.Context) error {
		select {
		case g.entered <- struct{}{}:
		default:
		}
		select {
		case <-g.release:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	return g
}

func (f *Fake) enter(ctx context.Context, op Op) error {
	f.mu.Lock()
	f.calls[op]++
	hook := f.hooks[op]
	f.mu.Unlock()
	if hook == nil {
		return nil
	}
	if err := hook(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// SetEdges replaces the followees of follower without notifying subscribers.
func (f *Fake) SetEdges(follower domain.Identity, followees ...domain.Identity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set := make(map[domain.Identity]time.Time, len(followees))
	for _, id := range followees {
		set[id] = time.Now()
	}
	f.edges[follower] = set
}

func (f *Fake) HasEdge(follower, followee domain.Identity) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.edges[follower][followee]
	return ok
}

// PushInsert simulates a remote device inserting an edge.
func (f *Fake) PushInsert(follower, followee domain.Identity) {
	edge := domain.FollowEdge{Follower: follower, Followee: followee, CreatedAt: time.Now()}
	f.mu.Lock()
	f.storeEdge(edge)
	subs := f.subscribers(follower)
	f.mu.Unlock()
	for _, s := range subs {
		if s.onInsert != nil {
			s.onInsert(edge)
		}
	}
}

// PushDelete simulates a remote device deleting an edge.
func (f *Fake) PushDelete(follower, followee domain.Identity) {
	edge := domain.FollowEdge{Follower: follower, Followee: followee}
	f.mu.Lock()
	delete(f.edges[follower], followee)
	subs := f.subscribers(follower)
	f.mu.Unlock()
	for _, s := range subs {
		if s.onDelete != nil {
			s.onDelete(edge)
		}
	}
}

// Subscribers returns the number of live edge subscriptions for follower.
func (f *Fake) Subscribers(follower domain.Identity) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribers(follower))
}

func (f *Fake) subscribers(follower domain.Identity) []*subscription {
	ids := make([]int, 0, len(f.subs))
	for id, s := range f.subs {
		if s.follower == follower {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	out := make([]*subscription, 0, len(ids))
	for _, id := range ids {
		out = append(out, f.subs[id])
	}
	return out
}

func (f *Fake) storeEdge(edge domain.FollowEdge) {
	set, ok := f.edges[edge.Follower]
	if !ok {
		set = make(map[domain.Identity]time.Time)
		f.edges[edge.Follower] = set
	}
	set[edge.Followee] = edge.CreatedAt
}

func (f *Fake) AddProfile(p domain.Profile) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[p.Id] = p
}

// Notifications returns the notifications created so far.
func (f *Fake) Notifications() []domain.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Notification(nil), f.notifications...)
}

// SignIn installs a session for id and emits SignedIn.
func (f *Fake) SignIn(id domain.Identity) *domain.AuthSession {
	f.mu.Lock()
	s := f.newSession(id)
	f.session = s
	f.mu.Unlock()
	f.auth.Emit(domain.AuthEvent{Type: domain.SignedIn, Session: s})
	return s
}

// SetSession installs a session without emitting an auth event.
func (f *Fake) SetSession(id domain.Identity) *domain.AuthSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.session = f.newSession(id)
	return f.session
}

func (f *Fake) SignOut() {
	f.mu.Lock()
	f.session = nil
	f.mu.Unlock()
	f.auth.Emit(domain.AuthEvent{Type: domain.SignedOut})
}

// Emit delivers an arbitrary auth event to the registered handlers.
func (f *Fake) Emit(ev domain.AuthEvent) {
	f.auth.Emit(ev)
}

func (f *Fake) AuthListeners() int {
	return f.auth.Len()
}

func (f *Fake) newSession(id domain.Identity) *domain.AuthSession {
	f.tokenSeq++
	return &domain.AuthSession{
		Identity:     id,
		AccessToken:  fmt.Sprintf("token-%d", f.tokenSeq),
		RefreshToken: fmt.Sprintf("refresh-%d", f.tokenSeq),
		ExpiresAt:    time.Now().Add(time.Hour),
	}
}

func (f *Fake) GetSession(ctx context.Context) (*domain.AuthSession, error) {
	if err := f.enter(ctx, OpGetSession); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session == nil {
		return nil, nil
	}
	cp := *f.session
	return &cp, nil
}

func (f *Fake) OnAuthEvent(handler func(domain.AuthEvent)) func() {
	return f.auth.Subscribe(handler)
}

func (f *Fake) RefreshSession(ctx context.Context) (*domain.AuthSession, error) {
	if err := f.enter(ctx, OpRefreshSession); err != nil {
		return nil, err
	}
	f.mu.Lock()
	if f.session == nil {
		f.mu.Unlock()
		return nil, domain.ErrNoSession
	}
	s := f.newSession(f.session.Identity)
	f.session = s
	f.mu.Unlock()
	f.auth.Emit(domain.AuthEvent{Type: domain.TokenRefreshed, Session: s})
	cp := *s
	return &cp, nil
}

func (f *Fake) QueryFollowing(ctx context.Context, follower domain.Identity) ([]domain.Identity, error) {
	if err := f.enter(ctx, OpQueryFollowing); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Identity, 0, len(f.edges[follower]))
	for id := range f.edges[follower] {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (f *Fake) QueryEdgeExists(ctx context.Context, follower, followee domain.Identity) (bool, error) {
	if err := f.enter(ctx, OpQueryEdgeExists); err != nil {
		return false, err
	}
	return f.HasEdge(follower, followee), nil
}

func (f *Fake) InsertEdge(ctx context.Context, follower, followee domain.Identity, at time.Time) error {
	if err := f.enter(ctx, OpInsertEdge); err != nil {
		return err
	}
	if err := domain.ValidatePair(follower, followee); err != nil {
		return err
	}
	edge := domain.FollowEdge{Follower: follower, Followee: followee, CreatedAt: at}
	f.mu.Lock()
	if _, ok := f.edges[follower][followee]; ok {
		f.mu.Unlock()
		return fmt.Errorf("%s -> %s: %w", follower, followee, domain.ErrDuplicateEdge)
	}
	f.storeEdge(edge)
	var subs []*subscription
	if f.echo {
		subs = f.subscribers(follower)
	}
	f.mu.Unlock()
	for _, s := range subs {
		if s.onInsert != nil {
			s.onInsert(edge)
		}
	}
	return nil
}

func (f *Fake) DeleteEdge(ctx context.Context, follower, followee domain.Identity) error {
	if err := f.enter(ctx, OpDeleteEdge); err != nil {
		return err
	}
	f.mu.Lock()
	_, existed := f.edges[follower][followee]
	delete(f.edges[follower], followee)
	var subs []*subscription
	if f.echo && existed {
		subs = f.subscribers(follower)
	}
	f.mu.Unlock()
	edge := domain.FollowEdge{Follower: follower, Followee: followee}
	for _, s := range subs {
		if s.onDelete != nil {
			s.onDelete(edge)
		}
	}
	return nil
}

func (f *Fake) SubscribeToEdgeChanges(ctx context.Context, follower domain.Identity, onInsert, onDelete func(domain.FollowEdge)) (backend.Subscription, error) {
	if err := f.enter(ctx, OpSubscribe); err != nil {
		return nil, err
	}
	f.mu.Lock()
	id := f.nextSub
	f.nextSub++
	f.subs[id] = &subscription{follower: follower, onInsert: onInsert, onDelete: onDelete}
	f.mu.Unlock()
	return backend.SubscriptionFunc(func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}), nil
}

func (f *Fake) CreateFollowNotification(ctx context.Context, target, actor domain.Identity, actorLabel string) error {
	if err := f.enter(ctx, OpNotify); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications = append(f.notifications, domain.Notification{
		Id:        fmt.Sprintf("n-%d", len(f.notifications)+1),
		UserId:    target,
		ActorId:   actor,
		Kind:      domain.NotificationFollow,
		Message:   domain.FollowNotificationMessage(actorLabel),
		CreatedAt: time.Now(),
	})
	return nil
}

func (f *Fake) ListProfiles(ctx context.Context) ([]domain.Profile, error) {
	if err := f.enter(ctx, OpListProfiles); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Profile, 0, len(f.profiles))
	for _, p := range f.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (f *Fake) ReadProfile(ctx context.Context, id domain.Identity) (*domain.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[id]
	if !ok {
		return nil, fmt.Errorf("profile %s: %w", id, domain.ErrNotFound)
	}
	return &p, nil
}

func (f *Fake) ReadProfileByUsername(ctx context.Context, username string) (*domain.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.profiles {
		if p.Username == username {
			return &p, nil
		}
	}
	return nil, fmt.Errorf("profile %s: %w", username, domain.ErrNotFound)
}

func (f *Fake) QueryFollowers(ctx context.Context, followee domain.Identity) ([]domain.Identity, error) {
	if err := f.enter(ctx, OpQueryFollowers); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Identity
	for follower, set := range f.edges {
		if _, ok := set[followee]; ok {
			out = append(out, follower)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (f *Fake) ListNotifications(ctx context.Context, user domain.Identity, limit int) ([]domain.Notification, error) {
	if err := f.enter(ctx, OpListNotifications); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Notification
	for i := len(f.notifications) - 1; i >= 0; i-- {
		if f.notifications[i].UserId == user {
			out = append(out, f.notifications[i])
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *Fake) MarkNotificationsRead(ctx context.Context, user domain.Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.notifications {
		if f.notifications[i].UserId == user {
			f.notifications[i].Read = true
		}
	}
	return nil
}
