package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/campusnet/broadcast"
	"github.com/deemkeen/campusnet/db"
	"github.com/deemkeen/campusnet/domain"
	"github.com/google/uuid"
)

const defaultSessionTTL = time.Hour

// Local is a Backend over the server's sqlite database. Each SSH session owns one
// Local (it carries that session's auth state); the database and the Hub are shared.
type Local struct {
	db     *db.DB
	hub    *Hub
	auth   *broadcast.Broadcaster[domain.AuthEvent]
	logger *log.Logger
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	session *domain.AuthSession
}

var _ Backend = (*Local)(nil)

type LocalOption func(*Local)

func WithSessionTTL(ttl time.Duration) LocalOption {
	return func(l *Local) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) LocalOption {
	return func(l *Local) {
		l.now = now
	}
}

func NewLocal(database *db.DB, hub *Hub, opts ...LocalOption) *Local {
	logger := log.Default().WithPrefix("local")
	l := &Local{
		db:     database,
		hub:    hub,
		auth:   broadcast.New(broadcast.WithLogger[domain.AuthEvent](logger)),
		logger: logger,
		ttl:    defaultSessionTTL,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SignIn opens a session for an existing account.
func (l *Local) SignIn(ctx context.Context, account domain.Identity) (*domain.AuthSession, error) {
	if _, err := l.db.ReadAccById(ctx, account); err != nil {
		return nil, err
	}
	s := l.newSession(account)
	if err := l.db.CreateAuthSession(ctx, s); err != nil {
		return nil, fmt.Errorf("sign in: %w", err)
	}

	l.mu.Lock()
	prev := l.session
	l.session = s
	l.mu.Unlock()

	if prev != nil {
		if err := l.db.DeleteAuthSession(ctx, prev.AccessToken); err != nil {
			l.logger.Warn("failed to drop previous session", "err", err)
		}
	}
	l.logger.Debug("signed in", "account", account)
	l.auth.Emit(domain.AuthEvent{Type: domain.SignedIn, Session: s})
	return s, nil
}

func (l *Local) SignOut(ctx context.Context) error {
	l.mu.Lock()
	s := l.session
	l.session = nil
	l.mu.Unlock()

	if s == nil {
		return nil
	}
	if err := l.db.DeleteAuthSession(ctx, s.AccessToken); err != nil {
		l.logger.Warn("failed to delete session", "err", err)
	}
	l.auth.Emit(domain.AuthEvent{Type: domain.SignedOut})
	return nil
}

func (l *Local) GetSession(ctx context.Context) (*domain.AuthSession, error) {
	l.mu.Lock()
	s := l.session
	l.mu.Unlock()

	if s == nil {
		return nil, nil
	}
	if s.Expired(l.now()) {
		return l.RefreshSession(ctx)
	}
	cp := *s
	return &cp, nil
}

func (l *Local) OnAuthEvent(handler func(domain.AuthEvent)) func() {
	return l.auth.Subscribe(handler)
}

// RefreshSession rotates the access and refresh tokens of the current session.
func (l *Local) RefreshSession(ctx context.Context) (*domain.AuthSession, error) {
	l.mu.Lock()
	s := l.session
	l.mu.Unlock()

	if s == nil {
		return nil, domain.ErrNoSession
	}
	next := l.newSession(s.Identity)
	if err := l.db.RotateAuthSession(ctx, s.AccessToken, next); err != nil {
		return nil, fmt.Errorf("refresh session: %w", err)
	}

	l.mu.Lock()
	l.session = next
	l.mu.Unlock()

	l.auth.Emit(domain.AuthEvent{Type: domain.TokenRefreshed, Session: next})
	cp := *next
	return &cp, nil
}

func (l *Local) newSession(account domain.Identity) *domain.AuthSession {
	return &domain.AuthSession{
		Identity:     account,
		AccessToken:  uuid.NewString(),
		RefreshToken: uuid.NewString(),
		ExpiresAt:    l.now().Add(l.ttl),
	}
}

func (l *Local) QueryFollowing(ctx context.Context, follower domain.Identity) ([]domain.Identity, error) {
	return l.db.ReadFollowing(ctx, follower)
}

func (l *Local) QueryEdgeExists(ctx context.Context, follower, followee domain.Identity) (bool, error) {
	return l.db.FollowExists(ctx, follower, followee)
}

func (l *Local) InsertEdge(ctx context.Context, follower, followee domain.Identity, at time.Time) error {
	edge := domain.FollowEdge{Follower: follower, Followee: followee, CreatedAt: at}
	if err := l.db.CreateFollow(ctx, edge); err != nil {
		return err
	}
	l.hub.Publish(EdgeEvent{Op: EdgeInserted, Edge: edge})
	return nil
}

func (l *Local) DeleteEdge(ctx context.Context, follower, followee domain.Identity) error {
	deleted, err := l.db.DeleteFollow(ctx, follower, followee)
	if err != nil {
		return err
	}
	if deleted {
		l.hub.Publish(EdgeEvent{Op: EdgeDeleted, Edge: domain.FollowEdge{Follower: follower, Followee: followee}})
	}
	return nil
}

func (l *Local) SubscribeToEdgeChanges(ctx context.Context, follower domain.Identity, onInsert, onDelete func(domain.FollowEdge)) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.hub.Subscribe(follower, onInsert, onDelete), nil
}

func (l *Local) CreateFollowNotification(ctx context.Context, target, actor domain.Identity, actorLabel string) error {
	if actorLabel == "" {
		if p, err := l.db.ReadAccById(ctx, actor); err == nil {
			actorLabel = p.Label()
		} else {
			actorLabel = actor.String()
		}
	}
	return l.db.CreateNotification(ctx, &domain.Notification{
		UserId:  target,
		ActorId: actor,
		Kind:    domain.NotificationFollow,
		Message: domain.FollowNotificationMessage(actorLabel),
	})
}

func (l *Local) ListProfiles(ctx context.Context) ([]domain.Profile, error) {
	return l.db.ReadAllAccounts(ctx)
}

func (l *Local) ReadProfile(ctx context.Context, id domain.Identity) (*domain.Profile, error) {
	return l.db.ReadAccById(ctx, id)
}

func (l *Local) ReadProfileByUsername(ctx context.Context, username string) (*domain.Profile, error) {
	return l.db.ReadAccByUsername(ctx, username)
}

func (l *Local) QueryFollowers(ctx context.Context, followee domain.Identity) ([]domain.Identity, error) {
	return l.db.ReadFollowers(ctx, followee)
}

func (l *Local) ListNotifications(ctx context.Context, user domain.Identity, limit int) ([]domain.Notification, error) {
	return l.db.ReadNotifications(ctx, user, limit)
}

func (l *Local) MarkNotificationsRead(ctx context.Context, user domain.Identity) error {
	return l.db.MarkNotificationsRead(ctx, user)
}
