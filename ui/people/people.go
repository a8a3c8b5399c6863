// Package people lists everyone on the network and toggles follows through the
// relationship cache. Marks update from cache broadcasts, so a rollback shows up
// here without a reload.
package people

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/deemkeen/campusnet/app"
	"github.com/deemkeen/campusnet/domain"
	"github.com/deemkeen/campusnet/follows"
	"github.com/deemkeen/campusnet/ui/common"
)

type Model struct {
	app   *app.Context
	Self  domain.Profile
	Users []domain.Profile

	Following map[domain.Identity]bool
	Pending   map[domain.Identity]bool
	Selected  int
	Width     int
	Height    int
	Status    string
	Error     string
	Loading   bool

	// gen drops loads started before the latest Reload
	gen int
}

func InitialModel(a *app.Context, self domain.Profile, width, height int) Model {
	return Model{
		app:       a,
		Self:      self,
		Users:     []domain.Profile{},
		Following: map[domain.Identity]bool{},
		Pending:   map[domain.Identity]bool{},
		Width:     width,
		Height:    height,
		Loading:   true,
	}
}

func (m Model) Init() tea.Cmd {
	return load(m.app, m.Self.Id, m.gen)
}

// Reload starts a fresh load; results of earlier loads are ignored.
func (m Model) Reload() (Model, tea.Cmd) {
	m.gen++
	m.Loading = true
	return m, load(m.app, m.Self.Id, m.gen)
}

func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	switch msg := msg.(type) {
	case usersLoadedMsg:
		if msg.gen != m.gen {
			return m, nil
		}
		m.Loading = false
		m.Users = msg.users
		m.Following = msg.following
		if msg.err != nil {
			m.Error = fmt.Sprintf("Could not load people: %v", msg.err)
		}
		if m.Selected >= len(m.Users) {
			m.Selected = max(len(m.Users)-1, 0)
		}
		return m, nil

	case common.FeedMsg[domain.FollowChange]:
		ev := msg.Value
		if ev.Follower != m.Self.Id {
			return m, nil
		}
		m.Following[ev.Followee] = ev.Following
		if ev.Source == domain.SourceRollback {
			m.Status = ""
			m.Error = fmt.Sprintf("Could not update @%s, change reverted", m.username(ev.Followee))
			return m, common.ClearStatusAfter(3 * time.Second)
		}
		return m, nil

	case toggledMsg:
		delete(m.Pending, msg.target.Id)
		if msg.err != nil {
			if msg.mutation == nil {
				m.Error = fmt.Sprintf("Could not update @%s: %v", msg.target.Username, msg.err)
			}
			return m, common.ClearStatusAfter(3 * time.Second)
		}
		if msg.mutation.Following {
			m.Status = fmt.Sprintf("Following @%s", msg.target.Username)
		} else {
			m.Status = fmt.Sprintf("Unfollowed @%s", msg.target.Username)
		}
		m.Error = ""
		return m, common.ClearStatusAfter(2 * time.Second)

	case common.ClearStatusMsg:
		m.Status = ""
		m.Error = ""
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "up", "k":
			if m.Selected > 0 {
				m.Selected--
			}
		case "down", "j":
			if m.Selected < len(m.Users)-1 {
				m.Selected++
			}
		case "enter", "f":
			if len(m.Users) == 0 || m.Selected >= len(m.Users) {
				return m, nil
			}
			target := m.Users[m.Selected]
			if m.Pending[target.Id] {
				return m, nil
			}
			m.Pending[target.Id] = true
			m.Status = ""
			m.Error = ""
			return m, toggle(m.app, m.Self, target)
		case "r":
			return m.Reload()
		}
	}
	return m, nil
}

func (m Model) username(id domain.Identity) string {
	for _, u := range m.Users {
		if u.Id == id {
			return u.Username
		}
	}
	return id.String()
}

func (m Model) View() string {
	var s strings.Builder

	s.WriteString(common.CaptionStyle.Render(fmt.Sprintf("people (%d)", len(m.Users))))
	s.WriteString("\n\n")

	switch {
	case m.Loading && len(m.Users) == 0:
		s.WriteString(common.EmptyStyle.Render("Loading…"))
	case len(m.Users) == 0:
		s.WriteString(common.EmptyStyle.Render("Nobody else is here yet."))
	default:
		s.WriteString("  " + common.ItemStyle.Render(fmt.Sprintf("@%s (you)", m.Self.Username)))
		s.WriteString("\n")
		for i, user := range m.Users {
			mark := ""
			switch {
			case m.Pending[user.Id]:
				mark = common.PendingStyle.Render(" [saving…]")
			case m.Following[user.Id]:
				mark = " [following]"
			}
			text := fmt.Sprintf("@%s", user.Username)
			if user.DisplayName != "" {
				text = fmt.Sprintf("%s (@%s)", user.DisplayName, user.Username)
			}
			if i == m.Selected {
				s.WriteString("→ " + common.SelectedStyle.Render(text) + mark)
			} else {
				s.WriteString("  " + common.ItemStyle.Render(text) + mark)
			}
			s.WriteString("\n")
		}
	}

	s.WriteString("\n")
	if m.Status != "" {
		s.WriteString(common.StatusStyle.Render(m.Status))
		s.WriteString("\n\n")
	}
	if m.Error != "" {
		s.WriteString(common.ErrorStyle.Render(m.Error))
		s.WriteString("\n\n")
	}
	return s.String()
}

type usersLoadedMsg struct {
	gen       int
	users     []domain.Profile
	following map[domain.Identity]bool
	err       error
}

type toggledMsg struct {
	target   domain.Profile
	mutation *follows.Mutation
	err      error
}

func load(a *app.Context, self domain.Identity, gen int) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), common.LoadTimeout)
		defer cancel()

		profiles, err := a.Backend.ListProfiles(ctx)
		if err != nil {
			return usersLoadedMsg{gen: gen, users: []domain.Profile{}, following: map[domain.Identity]bool{}, err: err}
		}

		users := make([]domain.Profile, 0, len(profiles))
		following := make(map[domain.Identity]bool, len(profiles))
		for _, p := range profiles {
			if p.Id == self {
				continue
			}
			users = append(users, p)
			ok, err := a.Follows.IsFollowing(ctx, self, p.Id)
			if err != nil {
				return usersLoadedMsg{gen: gen, users: users, following: following, err: err}
			}
			following[p.Id] = ok
		}
		return usersLoadedMsg{gen: gen, users: users, following: following}
	}
}

func toggle(a *app.Context, self, target domain.Profile) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), common.LoadTimeout)
		defer cancel()
		m, err := a.Follows.Toggle(ctx, self.Id, target.Id, follows.WithActorLabel(self.Label()))
		return toggledMsg{target: target, mutation: m, err: err}
	}
}
