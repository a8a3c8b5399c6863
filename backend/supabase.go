package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/charmbracelet/log"
	"github.com/deemkeen/campusnet/broadcast"
	"github.com/deemkeen/campusnet/domain"
	"github.com/deemkeen/campusnet/realtime"
	"github.com/goccy/go-json"
	"github.com/supabase-community/gotrue-go/types"
	postgrest "github.com/supabase-community/postgrest-go"
	"github.com/supabase-community/supabase-go"
)

// Postgres error codes surfaced by PostgREST
const (
	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"
)

const (
	tableProfiles      = "profiles"
	tableFollows       = "follows"
	tableNotifications = "notifications"
)

type SupabaseConfig struct {
	URL         string
	AnonKey     string
	SessionFile string // empty disables persistence
	AutoRefresh bool

	Heartbeat    time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	JoinTimeout  time.Duration // defaults to defaultJoinTimeout
}

const defaultJoinTimeout = 10 * time.Second

// Supabase is the Backend of the hosted deployment: auth through GoTrue, tables
// through PostgREST, edge changes through Realtime.
type Supabase struct {
	cfg    SupabaseConfig
	rt     *realtime.Client
	auth   *broadcast.Broadcaster[domain.AuthEvent]
	logger *log.Logger

	// clientMu guards the client: UpdateAuthSession swaps its auth headers
	clientMu sync.RWMutex
	client   *supabase.Client

	mu      sync.Mutex
	session *storedSession
	cancel  context.CancelFunc

	topicSeq atomic.Uint64
}

var _ Backend = (*Supabase)(nil)

type storedSession struct {
	UserID       string    `json:"user_id"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (s *storedSession) domain() *domain.AuthSession {
	return &domain.AuthSession{
		Identity:     domain.Identity(s.UserID),
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		ExpiresAt:    s.ExpiresAt,
	}
}

func NewSupabase(cfg SupabaseConfig) (*Supabase, error) {
	client, err := supabase.NewClient(cfg.URL, cfg.AnonKey, &supabase.ClientOptions{Schema: "public"})
	if err != nil {
		return nil, fmt.Errorf("supabase client: %w", err)
	}
	logger := log.Default().WithPrefix("supabase")
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = defaultJoinTimeout
	}
	// channels join as anon until a session exists
	rt, err := realtime.NewClient(cfg.URL, cfg.AnonKey,
		realtime.WithAccessToken(cfg.AnonKey),
		realtime.WithLogger(logger.WithPrefix("realtime")),
		realtime.WithHeartbeat(cfg.Heartbeat),
		realtime.WithReconnect(cfg.ReconnectMin, cfg.ReconnectMax),
	)
	if err != nil {
		return nil, err
	}
	return &Supabase{
		cfg:    cfg,
		client: client,
		rt:     rt,
		auth:   broadcast.New(broadcast.WithLogger[domain.AuthEvent](logger)),
		logger: logger,
	}, nil
}

// Start restores a persisted session, connects Realtime and, if configured, keeps
// the access token fresh until ctx ends or Close is called.
func (s *Supabase) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	if stored, err := s.loadSession(); err != nil {
		s.logger.Warn("ignoring stored session", "err", err)
	} else if stored != nil {
		s.restore(ctx, stored)
	}

	if err := s.rt.Start(ctx); err != nil {
		return err
	}
	if s.cfg.AutoRefresh {
		go s.autoRefresh(ctx)
	}
	return nil
}

func (s *Supabase) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return s.rt.Close()
}

// restore validates a persisted session against GoTrue, refreshing it when the access
// token is no longer accepted.
func (s *Supabase) restore(ctx context.Context, stored *storedSession) {
	user, err := s.client.Auth.WithToken(stored.AccessToken).GetUser()
	if err == nil && !stored.ExpiresAt.Before(time.Now()) {
		stored.UserID = user.ID.String()
		s.install(stored)
		s.logger.Info("restored session", "user", stored.UserID)
		return
	}
	s.mu.Lock()
	s.session = stored
	s.mu.Unlock()
	if _, err := s.RefreshSession(ctx); err != nil {
		s.logger.Warn("stored session expired", "err", err)
		s.clear()
	}
}

func (s *Supabase) SignIn(ctx context.Context, email, password string) (*domain.AuthSession, error) {
	s.clientMu.RLock()
	resp, err := s.client.Auth.SignInWithEmailPassword(email, password)
	s.clientMu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("sign in: %w", err)
	}
	stored := fromGoTrue(resp.Session)
	s.install(stored)
	sess := stored.domain()
	s.auth.Emit(domain.AuthEvent{Type: domain.SignedIn, Session: sess})
	return sess, nil
}

func (s *Supabase) SignOut(ctx context.Context) error {
	s.mu.Lock()
	stored := s.session
	s.mu.Unlock()
	if stored == nil {
		return nil
	}
	if err := s.client.Auth.WithToken(stored.AccessToken).Logout(); err != nil {
		s.logger.Warn("logout failed", "err", err)
	}
	s.clear()
	s.auth.Emit(domain.AuthEvent{Type: domain.SignedOut})
	return nil
}

func (s *Supabase) GetSession(ctx context.Context) (*domain.AuthSession, error) {
	s.mu.Lock()
	stored := s.session
	s.mu.Unlock()
	if stored == nil {
		return nil, nil
	}
	if stored.ExpiresAt.Before(time.Now()) {
		return s.RefreshSession(ctx)
	}
	return stored.domain(), nil
}

func (s *Supabase) OnAuthEvent(handler func(domain.AuthEvent)) func() {
	return s.auth.Subscribe(handler)
}

func (s *Supabase) RefreshSession(ctx context.Context) (*domain.AuthSession, error) {
	s.mu.Lock()
	stored := s.session
	s.mu.Unlock()
	if stored == nil {
		return nil, domain.ErrNoSession
	}

	s.clientMu.RLock()
	resp, err := s.client.Auth.RefreshToken(stored.RefreshToken)
	s.clientMu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	next := fromGoTrue(resp.Session)
	if next.UserID == "" {
		next.UserID = stored.UserID
	}
	s.install(next)
	sess := next.domain()
	s.auth.Emit(domain.AuthEvent{Type: domain.TokenRefreshed, Session: sess})
	return sess, nil
}

func (s *Supabase) autoRefresh(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = 30 * time.Second

	for {
		s.mu.Lock()
		stored := s.session
		s.mu.Unlock()

		wait := time.Minute
		if stored != nil {
			// refresh once three quarters of the remaining lifetime are gone
			wait = time.Until(stored.ExpiresAt) / 4 * 3
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(max(wait, time.Second)):
		}
		if stored == nil {
			continue
		}

		if _, err := s.RefreshSession(ctx); err != nil {
			delay := b.NextBackOff()
			if delay == backoff.Stop {
				delay = b.MaxInterval
			}
			s.logger.Warn("token refresh failed, retrying", "err", err, "delay", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		b.Reset()
	}
}

func (s *Supabase) install(stored *storedSession) {
	s.mu.Lock()
	s.session = stored
	s.mu.Unlock()

	s.clientMu.Lock()
	s.client.UpdateAuthSession(types.Session{AccessToken: stored.AccessToken, RefreshToken: stored.RefreshToken})
	s.clientMu.Unlock()

	s.rt.SetAccessToken(stored.AccessToken)
	if err := s.saveSession(stored); err != nil {
		s.logger.Warn("failed to persist session", "err", err)
	}
}

func (s *Supabase) clear() {
	s.mu.Lock()
	s.session = nil
	s.mu.Unlock()

	s.clientMu.Lock()
	s.client.UpdateAuthSession(types.Session{AccessToken: s.cfg.AnonKey})
	s.clientMu.Unlock()
	s.rt.SetAccessToken(s.cfg.AnonKey)

	if s.cfg.SessionFile != "" {
		if err := os.Remove(s.cfg.SessionFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("failed to remove session file", "err", err)
		}
	}
}

func fromGoTrue(sess types.Session) *storedSession {
	expires := time.Now().Add(time.Duration(sess.ExpiresIn) * time.Second)
	if sess.ExpiresAt > 0 {
		expires = time.Unix(sess.ExpiresAt, 0)
	}
	return &storedSession{
		UserID:       sess.User.ID.String(),
		AccessToken:  sess.AccessToken,
		RefreshToken: sess.RefreshToken,
		ExpiresAt:    expires,
	}
}

func (s *Supabase) loadSession() (*storedSession, error) {
	if s.cfg.SessionFile == "" {
		return nil, nil
	}
	data, err := os.ReadFile(s.cfg.SessionFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var stored storedSession
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("decode session file: %w", err)
	}
	if stored.RefreshToken == "" {
		return nil, nil
	}
	return &stored, nil
}

func (s *Supabase) saveSession(stored *storedSession) error {
	if s.cfg.SessionFile == "" {
		return nil
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.cfg.SessionFile), 0700); err != nil {
		return err
	}
	return os.WriteFile(s.cfg.SessionFile, data, 0600)
}

// table runs fn against the client under the read lock.
func (s *Supabase) table(name string, fn func(*postgrest.QueryBuilder) error) error {
	s.clientMu.RLock()
	defer s.clientMu.RUnlock()
	return mapPostgrestError(fn(s.client.From(name)))
}

// mapPostgrestError turns PostgREST's "(code) message" errors into domain errors.
func mapPostgrestError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "("+pgUniqueViolation+")"):
		return fmt.Errorf("%w: %s", domain.ErrDuplicateEdge, msg)
	case strings.Contains(msg, "("+pgCheckViolation+")"):
		return fmt.Errorf("%w: %s", domain.ErrInvalidRelationship, msg)
	}
	return err
}

type followRow struct {
	FollowerID  string    `json:"follower_id"`
	FollowingID string    `json:"following_id"`
	CreatedAt   time.Time `json:"created_at"`
}

type profileRow struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	DisplayName *string   `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

func (r profileRow) profile() domain.Profile {
	p := domain.Profile{Id: domain.Identity(r.ID), Username: r.Username, CreatedAt: r.CreatedAt}
	if r.DisplayName != nil {
		p.DisplayName = *r.DisplayName
	}
	return p
}

type notificationRow struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ActorID   string    `json:"actor_id"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Supabase) QueryFollowing(ctx context.Context, follower domain.Identity) ([]domain.Identity, error) {
	var rows []followRow
	err := s.table(tableFollows, func(q *postgrest.QueryBuilder) error {
		_, err := q.Select("following_id", "", false).Eq("follower_id", follower.String()).ExecuteTo(&rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	ids := make([]domain.Identity, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, domain.Identity(r.FollowingID))
	}
	return ids, nil
}

func (s *Supabase) QueryEdgeExists(ctx context.Context, follower, followee domain.Identity) (bool, error) {
	var count int64
	err := s.table(tableFollows, func(q *postgrest.QueryBuilder) error {
		var err error
		_, count, err = q.Select("follower_id", "exact", true).
			Eq("follower_id", follower.String()).
			Eq("following_id", followee.String()).
			Execute()
		return err
	})
	return count > 0, err
}

func (s *Supabase) InsertEdge(ctx context.Context, follower, followee domain.Identity, at time.Time) error {
	if err := domain.ValidatePair(follower, followee); err != nil {
		return err
	}
	row := followRow{FollowerID: follower.String(), FollowingID: followee.String(), CreatedAt: at.UTC()}
	return s.table(tableFollows, func(q *postgrest.QueryBuilder) error {
		_, _, err := q.Insert(row, false, "", "minimal", "").Execute()
		return err
	})
}

func (s *Supabase) DeleteEdge(ctx context.Context, follower, followee domain.Identity) error {
	return s.table(tableFollows, func(q *postgrest.QueryBuilder) error {
		_, _, err := q.Delete("minimal", "").
			Eq("follower_id", follower.String()).
			Eq("following_id", followee.String()).
			Execute()
		return err
	})
}

// SubscribeToEdgeChanges joins a Realtime channel for the follower's edges and returns
// once the server acknowledged the join, so every change committed afterwards reaches
// the callbacks. The wait is bounded by ctx and cfg.JoinTimeout. Realtime cannot filter
// DELETE events, so those are matched on old_record here, which needs REPLICA IDENTITY
// FULL on the follows table.
func (s *Supabase) SubscribeToEdgeChanges(ctx context.Context, follower domain.Identity, onInsert, onDelete func(domain.FollowEdge)) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	topic := fmt.Sprintf("follows:%s:%d", follower, s.topicSeq.Add(1))
	changes := []realtime.PostgresChange{
		{Event: "INSERT", Schema: "public", Table: tableFollows, Filter: "follower_id=eq." + follower.String()},
		{Event: "DELETE", Schema: "public", Table: tableFollows},
	}
	ch, err := s.rt.Subscribe(topic, changes, edgeChangeHandler(follower, onInsert, onDelete))
	if err != nil {
		return nil, err
	}
	joinCtx, cancel := context.WithTimeout(ctx, s.cfg.JoinTimeout)
	defer cancel()
	if err := ch.WaitJoined(joinCtx); err != nil {
		ch.Unsubscribe()
		return nil, err
	}
	return ch, nil
}

func edgeChangeHandler(follower domain.Identity, onInsert, onDelete func(domain.FollowEdge)) func(realtime.Change) {
	return func(change realtime.Change) {
		switch change.Type {
		case "INSERT":
			if change.String("follower_id") != follower.String() || onInsert == nil {
				return
			}
			edge := domain.FollowEdge{Follower: follower, Followee: domain.Identity(change.String("following_id"))}
			if ts, err := time.Parse(time.RFC3339Nano, change.String("created_at")); err == nil {
				edge.CreatedAt = ts
			}
			onInsert(edge)
		case "DELETE":
			old, _ := change.OldRecord["follower_id"].(string)
			if old != follower.String() || onDelete == nil {
				return
			}
			followee, _ := change.OldRecord["following_id"].(string)
			onDelete(domain.FollowEdge{Follower: follower, Followee: domain.Identity(followee)})
		}
	}
}

func (s *Supabase) CreateFollowNotification(ctx context.Context, target, actor domain.Identity, actorLabel string) error {
	if actorLabel == "" {
		if p, err := s.ReadProfile(ctx, actor); err == nil {
			actorLabel = p.Label()
		} else {
			actorLabel = actor.String()
		}
	}
	row := map[string]any{
		"user_id":  target.String(),
		"actor_id": actor.String(),
		"type":     string(domain.NotificationFollow),
		"message":  domain.FollowNotificationMessage(actorLabel),
	}
	return s.table(tableNotifications, func(q *postgrest.QueryBuilder) error {
		_, _, err := q.Insert(row, false, "", "minimal", "").Execute()
		return err
	})
}

func (s *Supabase) ListProfiles(ctx context.Context) ([]domain.Profile, error) {
	var rows []profileRow
	err := s.table(tableProfiles, func(q *postgrest.QueryBuilder) error {
		_, err := q.Select("id,username,display_name,created_at", "", false).
			Order("username", &postgrest.OrderOpts{Ascending: true}).
			ExecuteTo(&rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	profiles := make([]domain.Profile, 0, len(rows))
	for _, r := range rows {
		profiles = append(profiles, r.profile())
	}
	return profiles, nil
}

func (s *Supabase) ReadProfile(ctx context.Context, id domain.Identity) (*domain.Profile, error) {
	return s.readProfile("id", id.String())
}

func (s *Supabase) ReadProfileByUsername(ctx context.Context, username string) (*domain.Profile, error) {
	return s.readProfile("username", username)
}

func (s *Supabase) readProfile(column, value string) (*domain.Profile, error) {
	var rows []profileRow
	err := s.table(tableProfiles, func(q *postgrest.QueryBuilder) error {
		_, err := q.Select("id,username,display_name,created_at", "", false).
			Eq(column, value).
			Limit(1, "").
			ExecuteTo(&rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("profile %s=%s: %w", column, value, domain.ErrNotFound)
	}
	p := rows[0].profile()
	return &p, nil
}

func (s *Supabase) QueryFollowers(ctx context.Context, followee domain.Identity) ([]domain.Identity, error) {
	var rows []followRow
	err := s.table(tableFollows, func(q *postgrest.QueryBuilder) error {
		_, err := q.Select("follower_id", "", false).Eq("following_id", followee.String()).ExecuteTo(&rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	ids := make([]domain.Identity, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, domain.Identity(r.FollowerID))
	}
	return ids, nil
}

func (s *Supabase) ListNotifications(ctx context.Context, user domain.Identity, limit int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []notificationRow
	err := s.table(tableNotifications, func(q *postgrest.QueryBuilder) error {
		_, err := q.Select("*", "", false).
			Eq("user_id", user.String()).
			Order("created_at", &postgrest.OrderOpts{Ascending: false}).
			Limit(limit, "").
			ExecuteTo(&rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Notification, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.Notification{
			Id:        r.ID,
			UserId:    domain.Identity(r.UserID),
			ActorId:   domain.Identity(r.ActorID),
			Kind:      domain.NotificationKind(r.Type),
			Message:   r.Message,
			Read:      r.Read,
			CreatedAt: r.CreatedAt,
		})
	}
	return out, nil
}

func (s *Supabase) MarkNotificationsRead(ctx context.Context, user domain.Identity) error {
	return s.table(tableNotifications, func(q *postgrest.QueryBuilder) error {
		_, _, err := q.Update(map[string]any{"read": true}, "minimal", "").
			Eq("user_id", user.String()).
			Eq("read", strconv.FormatBool(false)).
			Execute()
		return err
	})
}
