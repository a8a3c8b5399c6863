package following

import (
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/deemkeen/campusnet/app"
	"github.com/deemkeen/campusnet/backend/backendtest"
	"github.com/deemkeen/campusnet/domain"
	"github.com/deemkeen/campusnet/ui/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFollowingWarmsAndUnfollows(t *testing.T) {
	fake := backendtest.New()
	fake.AddProfile(domain.Profile{Id: "bob", Username: "bob", DisplayName: "Bob"})
	fake.SetEdges("alice", "bob", "ghost")
	a := app.New(fake)
	t.Cleanup(a.Teardown)

	m := InitialModel(a, "alice", 80, 24)
	m, _ = m.Update(m.Init()())

	require.Len(t, m.Following, 2)
	assert.Equal(t, "Bob", m.Following[0].Label())
	assert.Equal(t, "ghost", m.Following[1].Label())
	assert.Equal(t, 1, fake.Calls(backendtest.OpQueryFollowing))

	m, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("u")})
	require.NotNil(t, cmd)
	m, _ = m.Update(cmd())
	assert.Equal(t, "Unfollowed Bob", m.Status)
	assert.False(t, fake.HasEdge("alice", "bob"))

	// the cache broadcast triggers a reload served from the warmed cache
	m, cmd = m.Update(common.FeedMsg[domain.FollowChange]{Value: domain.FollowChange{
		Follower: "alice", Followee: "bob", Following: false, Source: domain.SourceOptimistic,
	}})
	m, _ = m.Update(cmd())
	require.Len(t, m.Following, 1)
	assert.Equal(t, domain.Identity("ghost"), m.Following[0].Id)
	assert.Equal(t, 1, fake.Calls(backendtest.OpQueryFollowing))
}
