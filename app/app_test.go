package app

import (
	"context"
	"errors"
	"testing"

	"github.com/deemkeen/campusnet/backend/backendtest"
	"github.com/deemkeen/campusnet/domain"
	"github.com/deemkeen/campusnet/follows"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestContext(t *testing.T) (*Context, *backendtest.Fake) {
	t.Helper()
	fake := backendtest.New()
	a := New(fake)
	t.Cleanup(a.Teardown)
	return a, fake
}

func TestInitializeWarmsSignedInUser(t *testing.T) {
	a, fake := newTestContext(t)
	fake.SetSession("alice")
	fake.SetEdges("alice", "bob", "carol")

	a.Initialize(context.Background())
	a.WaitWarm()

	assert.Equal(t, domain.Identity("alice"), a.Identity())
	assert.Equal(t, follows.Warmed, a.Follows.State("alice"))
	following, ok := a.Follows.Following("alice")
	require.True(t, ok)
	assert.Equal(t, []domain.Identity{"bob", "carol"}, following)
	assert.Equal(t, 1, fake.Subscribers("alice"))
}

func TestInitializeWithoutSession(t *testing.T) {
	a, fake := newTestContext(t)

	a.Initialize(context.Background())
	a.WaitWarm()

	assert.True(t, a.Identity().IsZero())
	assert.False(t, a.Session.Snapshot().Loading)
	assert.Equal(t, 0, fake.Calls(backendtest.OpQueryFollowing))
}

func TestSignOutResetsCache(t *testing.T) {
	a, fake := newTestContext(t)
	fake.SetSession("alice")
	fake.SetEdges("alice", "bob")
	a.Initialize(context.Background())
	a.WaitWarm()

	fake.SignOut()

	assert.True(t, a.Identity().IsZero())
	assert.Equal(t, follows.Unloaded, a.Follows.State("alice"))
	assert.Equal(t, 0, fake.Subscribers("alice"))
}

func TestIdentitySwitchWarmsNewUser(t *testing.T) {
	a, fake := newTestContext(t)
	fake.SetSession("alice")
	fake.SetEdges("alice", "bob")
	fake.SetEdges("dave", "carol")
	a.Initialize(context.Background())
	a.WaitWarm()

	fake.SignIn("dave")
	a.WaitWarm()

	assert.Equal(t, follows.Unloaded, a.Follows.State("alice"))
	following, ok := a.Follows.Following("dave")
	require.True(t, ok)
	assert.Equal(t, []domain.Identity{"carol"}, following)
}

func TestTokenRefreshKeepsCache(t *testing.T) {
	a, fake := newTestContext(t)
	fake.SetSession("alice")
	fake.SetEdges("alice", "bob")
	a.Initialize(context.Background())
	a.WaitWarm()

	require.NoError(t, a.Session.Refresh(context.Background()))

	assert.Equal(t, follows.Warmed, a.Follows.State("alice"))
	assert.Equal(t, 1, fake.Calls(backendtest.OpQueryFollowing))
}

func TestWarmFailureLeavesKeyUnloaded(t *testing.T) {
	a, fake := newTestContext(t)
	fake.SetSession("alice")
	fake.Fail(backendtest.OpQueryFollowing, errors.New("connection refused"))

	a.Initialize(context.Background())
	a.WaitWarm()

	assert.Equal(t, domain.Identity("alice"), a.Identity())
	assert.Equal(t, follows.Unloaded, a.Follows.State("alice"))
}

func TestTeardownReleasesEverything(t *testing.T) {
	a, fake := newTestContext(t)
	fake.SetSession("alice")
	a.Initialize(context.Background())
	a.WaitWarm()
	require.Equal(t, 1, fake.AuthListeners())

	a.Teardown()
	a.Teardown()

	assert.Equal(t, 0, fake.AuthListeners())
	assert.Equal(t, 0, fake.Subscribers("alice"))
	assert.Equal(t, 0, a.Bus.Len())

	_, err := a.Follows.IsFollowing(context.Background(), "alice", "bob")
	assert.ErrorIs(t, err, domain.ErrClosed)

	a.Initialize(context.Background())
	assert.Equal(t, 0, fake.AuthListeners())
}
