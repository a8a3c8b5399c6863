package backend

import (
	"context"
	"testing"
	"time"

	"github.com/deemkeen/campusnet/db"
	"github.com/deemkeen/campusnet/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupLocal(t *testing.T, opts ...LocalOption) (*Local, *db.DB, *Hub) {
	t.Helper()
	database, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	hub := NewHub()
	return NewLocal(database, hub, opts...), database, hub
}

func account(t *testing.T, database *db.DB, username string) domain.Identity {
	t.Helper()
	p, err := database.CreateAccount(context.Background(), username, "key-"+username)
	require.NoError(t, err)
	return p.Id
}

func TestLocalSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	l, database, _ := setupLocal(t)
	alice := account(t, database, "alice")

	var events []domain.AuthEventType
	unsubscribe := l.OnAuthEvent(func(ev domain.AuthEvent) {
		events = append(events, ev.Type)
	})
	defer unsubscribe()

	s, err := l.GetSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, s, "no session before sign in")

	signedIn, err := l.SignIn(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, alice, signedIn.Identity)

	s, err = l.GetSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, signedIn.AccessToken, s.AccessToken)

	refreshed, err := l.RefreshSession(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, signedIn.AccessToken, refreshed.AccessToken)
	assert.Equal(t, alice, refreshed.Identity)

	require.NoError(t, l.SignOut(ctx))
	s, err = l.GetSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, s)

	assert.Equal(t, []domain.AuthEventType{domain.SignedIn, domain.TokenRefreshed, domain.SignedOut}, events)
}

func TestLocalSignInUnknownAccount(t *testing.T) {
	l, _, _ := setupLocal(t)
	_, err := l.SignIn(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLocalRefreshWithoutSession(t *testing.T) {
	l, _, _ := setupLocal(t)
	_, err := l.RefreshSession(context.Background())
	assert.ErrorIs(t, err, domain.ErrNoSession)
}

func TestLocalExpiredSessionIsRefreshedOnRead(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l, database, _ := setupLocal(t, WithSessionTTL(time.Minute), WithClock(func() time.Time { return now }))
	alice := account(t, database, "alice")

	first, err := l.SignIn(ctx, alice)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	s, err := l.GetSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.NotEqual(t, first.AccessToken, s.AccessToken)
	assert.False(t, s.Expired(now))
}

func TestLocalEdgesArePublishedToHub(t *testing.T) {
	ctx := context.Background()
	l, database, hub := setupLocal(t)
	alice := account(t, database, "alice")
	bob := account(t, database, "bob")

	var inserted, deleted []domain.FollowEdge
	sub, err := l.SubscribeToEdgeChanges(ctx, alice,
		func(e domain.FollowEdge) { inserted = append(inserted, e) },
		func(e domain.FollowEdge) { deleted = append(deleted, e) },
	)
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers())

	require.NoError(t, l.InsertEdge(ctx, alice, bob, time.Now()))
	exists, err := l.QueryEdgeExists(ctx, alice, bob)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, l.DeleteEdge(ctx, alice, bob))
	// absent edge: no-op, nothing published
	require.NoError(t, l.DeleteEdge(ctx, alice, bob))

	require.Len(t, inserted, 1)
	assert.Equal(t, bob, inserted[0].Followee)
	require.Len(t, deleted, 1)
	assert.Equal(t, bob, deleted[0].Followee)

	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.Equal(t, 0, hub.Subscribers())
}

func TestLocalHubFiltersByFollower(t *testing.T) {
	ctx := context.Background()
	l, database, _ := setupLocal(t)
	alice := account(t, database, "alice")
	bob := account(t, database, "bob")

	var got int
	sub, err := l.SubscribeToEdgeChanges(ctx, alice, func(domain.FollowEdge) { got++ }, nil)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, l.InsertEdge(ctx, bob, alice, time.Now()))
	assert.Zero(t, got, "edges of other followers are not delivered")
}

func TestLocalInsertEdgeErrors(t *testing.T) {
	ctx := context.Background()
	l, database, _ := setupLocal(t)
	alice := account(t, database, "alice")
	bob := account(t, database, "bob")

	require.NoError(t, l.InsertEdge(ctx, alice, bob, time.Now()))
	assert.ErrorIs(t, l.InsertEdge(ctx, alice, bob, time.Now()), domain.ErrDuplicateEdge)
	assert.ErrorIs(t, l.InsertEdge(ctx, alice, alice, time.Now()), domain.ErrInvalidRelationship)
}

func TestLocalSubscribeCancelledContext(t *testing.T) {
	l, _, hub := setupLocal(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.SubscribeToEdgeChanges(ctx, "alice", nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, hub.Subscribers())
}

func TestLocalFollowNotification(t *testing.T) {
	ctx := context.Background()
	l, database, _ := setupLocal(t)
	alice := account(t, database, "alice")
	bob := account(t, database, "bob")
	require.NoError(t, database.UpdateDisplayName(ctx, alice, "Alice"))

	require.NoError(t, l.CreateFollowNotification(ctx, bob, alice, ""))
	require.NoError(t, l.CreateFollowNotification(ctx, bob, alice, "Ally"))

	list, err := l.ListNotifications(ctx, bob, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	messages := []string{list[0].Message, list[1].Message}
	assert.ElementsMatch(t, []string{"Alice started following you", "Ally started following you"}, messages)
	for _, n := range list {
		assert.Equal(t, domain.NotificationFollow, n.Kind)
		assert.Equal(t, alice, n.ActorId)
	}

	require.NoError(t, l.MarkNotificationsRead(ctx, bob))
	list, err = l.ListNotifications(ctx, bob, 10)
	require.NoError(t, err)
	for _, n := range list {
		assert.True(t, n.Read)
	}
}

func TestLocalDirectory(t *testing.T) {
	ctx := context.Background()
	l, database, _ := setupLocal(t)
	alice := account(t, database, "alice")
	bob := account(t, database, "bob")
	require.NoError(t, l.InsertEdge(ctx, alice, bob, time.Now()))

	profiles, err := l.ListProfiles(ctx)
	require.NoError(t, err)
	assert.Len(t, profiles, 2)

	p, err := l.ReadProfileByUsername(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, bob, p.Id)

	p, err = l.ReadProfile(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Username)

	followers, err := l.QueryFollowers(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, []domain.Identity{alice}, followers)

	following, err := l.QueryFollowing(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, []domain.Identity{bob}, following)
}
