package followers

import (
	"context"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/deemkeen/campusnet/app"
	"github.com/deemkeen/campusnet/domain"
	"github.com/deemkeen/campusnet/follows"
	"github.com/deemkeen/campusnet/ui/common"
)

const itemsPerPage = 10

type follower struct {
	profile   domain.Profile
	following bool // whether we follow them back
}

type Model struct {
	app       *app.Context
	Self      domain.Profile
	Followers []follower
	Selected  int
	Offset    int
	Width     int
	Height    int
	Error     string
	gen       int
}

func InitialModel(a *app.Context, self domain.Profile, width, height int) Model {
	return Model{
		app:    a,
		Self:   self,
		Width:  width,
		Height: height,
	}
}

func (m Model) Init() tea.Cmd {
	return loadFollowers(m.app, m.Self.Id, m.gen)
}

func (m Model) Reload() (Model, tea.Cmd) {
	m.gen++
	return m, loadFollowers(m.app, m.Self.Id, m.gen)
}

func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	switch msg := msg.(type) {
	case followersLoadedMsg:
		if msg.gen != m.gen {
			return m, nil
		}
		m.Followers = msg.followers
		m.Selected, m.Offset = 0, 0
		m.Error = ""
		if msg.err != nil {
			m.Error = fmt.Sprintf("Could not load followers: %v", msg.err)
		}
		return m, nil

	case common.FeedMsg[domain.FollowChange]:
		ev := msg.Value
		if ev.Follower != m.Self.Id {
			return m, nil
		}
		for i := range m.Followers {
			if m.Followers[i].profile.Id == ev.Followee {
				m.Followers[i].following = ev.Following
			}
		}
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "up", "k":
			if m.Selected > 0 {
				m.Selected--
			}
			if m.Selected < m.Offset {
				m.Offset = m.Selected
			}
		case "down", "j":
			if m.Selected < len(m.Followers)-1 {
				m.Selected++
			}
			if m.Selected >= m.Offset+itemsPerPage {
				m.Offset = m.Selected - itemsPerPage + 1
			}
		case "f":
			if m.Selected < len(m.Followers) && !m.Followers[m.Selected].following {
				return m, followBack(m.app, m.Self, m.Followers[m.Selected].profile)
			}
		}
	}
	return m, nil
}

func (m Model) View() string {
	var s strings.Builder

	s.WriteString(common.CaptionStyle.Render(fmt.Sprintf("followers (%d)", len(m.Followers))))
	s.WriteString("\n\n")

	if len(m.Followers) == 0 {
		s.WriteString(common.EmptyStyle.Render("No followers yet. Share your username to get followers!"))
	} else {
		end := min(m.Offset+itemsPerPage, len(m.Followers))
		for i := m.Offset; i < end; i++ {
			f := m.Followers[i]
			text := "• " + f.profile.Label()
			if f.following {
				text += " [mutual]"
			}
			if i == m.Selected {
				s.WriteString("→ " + common.SelectedStyle.Render(text))
			} else {
				s.WriteString("  " + common.ItemStyle.Render(text))
			}
			s.WriteString("\n")
		}
	}

	if m.Error != "" {
		s.WriteString("\n")
		s.WriteString(common.ErrorStyle.Render(m.Error))
		s.WriteString("\n")
	}
	return s.String()
}

type followersLoadedMsg struct {
	gen       int
	followers []follower
	err       error
}

func loadFollowers(a *app.Context, self domain.Identity, gen int) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), common.LoadTimeout)
		defer cancel()

		ids, err := a.Backend.QueryFollowers(ctx, self)
		if err != nil {
			return followersLoadedMsg{gen: gen, err: err}
		}
		out := make([]follower, 0, len(ids))
		for _, p := range common.Profiles(ctx, a.Backend, ids) {
			back, err := a.Follows.IsFollowing(ctx, self, p.Id)
			if err != nil {
				return followersLoadedMsg{gen: gen, followers: out, err: err}
			}
			out = append(out, follower{profile: p, following: back})
		}
		return followersLoadedMsg{gen: gen, followers: out}
	}
}

// followBack reports through the cache broadcast, so it needs no result message.
func followBack(a *app.Context, self, target domain.Profile) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), common.LoadTimeout)
		defer cancel()
		_, _ = a.Follows.Follow(ctx, self.Id, target.Id, follows.WithActorLabel(self.Label()))
		return nil
	}
}
