package following

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/deemkeen/campusnet/app"
	"github.com/deemkeen/campusnet/domain"
	"github.com/deemkeen/campusnet/ui/common"
)

const pageSize = 10

type Model struct {
	app       *app.Context
	Self      domain.Identity
	Following []domain.Profile
	Selected  int
	Offset    int
	Width     int
	Height    int
	Status    string
	Error     string
	gen       int
}

func InitialModel(a *app.Context, self domain.Identity, width, height int) Model {
	return Model{
		app:       a,
		Self:      self,
		Following: []domain.Profile{},
		Width:     width,
		Height:    height,
	}
}

func (m Model) Init() tea.Cmd {
	return loadFollowing(m.app, m.Self, m.gen)
}

func (m Model) Reload() (Model, tea.Cmd) {
	m.gen++
	return m, loadFollowing(m.app, m.Self, m.gen)
}

func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	switch msg := msg.(type) {
	case followingLoadedMsg:
		if msg.gen != m.gen {
			return m, nil
		}
		m.Following = msg.following
		if msg.err != nil {
			m.Error = fmt.Sprintf("Could not load following: %v", msg.err)
		}
		if m.Selected >= len(m.Following) {
			m.Selected = max(len(m.Following)-1, 0)
		}
		m.Offset = min(m.Offset, m.Selected)
		return m, nil

	case common.FeedMsg[domain.FollowChange]:
		if msg.Value.Follower != m.Self {
			return m, nil
		}
		return m.Reload()

	case unfollowedMsg:
		if msg.err != nil {
			m.Error = fmt.Sprintf("Could not unfollow %s: %v", msg.target.Label(), msg.err)
			return m, common.ClearStatusAfter(3 * time.Second)
		}
		m.Status = fmt.Sprintf("Unfollowed %s", msg.target.Label())
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
			if m.Selected < m.Offset {
				m.Offset = m.Selected
			}
		case "down", "j":
			if m.Selected < len(m.Following)-1 {
				m.Selected++
			}
			if m.Selected >= m.Offset+pageSize {
				m.Offset = m.Selected - pageSize + 1
			}
		case "u", "enter":
			if m.Selected < len(m.Following) {
				return m, unfollow(m.app, m.Self, m.Following[m.Selected])
			}
		}
	}
	return m, nil
}

func (m Model) View() string {
	var s strings.Builder

	s.WriteString(common.CaptionStyle.Render(fmt.Sprintf("following (%d)", len(m.Following))))
	s.WriteString("\n\n")

	if len(m.Following) == 0 {
		s.WriteString(common.EmptyStyle.Render("You're not following anyone yet.\nUse the people view to start following!"))
	} else {
		end := min(m.Offset+pageSize, len(m.Following))
		for i := m.Offset; i < end; i++ {
			p := m.Following[i]
			text := "• " + p.Label()
			if p.Username != "" && p.DisplayName != "" {
				text += fmt.Sprintf(" (@%s)", p.Username)
			}
			if i == m.Selected {
				s.WriteString("→ " + common.SelectedStyle.Render(text))
			} else {
				s.WriteString("  " + common.ItemStyle.Render(text))
			}
			s.WriteString("\n")
		}
		if rest := len(m.Following) - end; rest > 0 {
			s.WriteString(common.ItemStyle.Render(fmt.Sprintf("... and %d more", rest)))
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

type followingLoadedMsg struct {
	gen       int
	following []domain.Profile
	err       error
}

type unfollowedMsg struct {
	target domain.Profile
	err    error
}

// loadFollowing reads from the cache, warming it first when needed.
func loadFollowing(a *app.Context, self domain.Identity, gen int) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), common.LoadTimeout)
		defer cancel()

		ids, ok := a.Follows.Following(self)
		if !ok {
			if err := a.Follows.Warm(ctx, self); err != nil {
				return followingLoadedMsg{gen: gen, following: []domain.Profile{}, err: err}
			}
			ids, _ = a.Follows.Following(self)
		}
		return followingLoadedMsg{gen: gen, following: common.Profiles(ctx, a.Backend, ids)}
	}
}

func unfollow(a *app.Context, self domain.Identity, target domain.Profile) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), common.LoadTimeout)
		defer cancel()
		_, err := a.Follows.Unfollow(ctx, self, target.Id)
		return unfollowedMsg{target: target, err: err}
	}
}
