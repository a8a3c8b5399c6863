package followuser

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/deemkeen/campusnet/app"
	"github.com/deemkeen/campusnet/domain"
	"github.com/deemkeen/campusnet/follows"
	"github.com/deemkeen/campusnet/ui/common"
)

type Model struct {
	TextInput textinput.Model
	app       *app.Context
	Self      domain.Profile
	Status    string
	Error     string
	busy      bool
}

func InitialModel(a *app.Context, self domain.Profile) Model {
	ti := textinput.New()
	ti.Placeholder = "username"
	ti.Prompt = "@"
	ti.Focus()
	ti.CharLimit = 24
	ti.Width = 30

	return Model{
		TextInput: ti,
		app:       a,
		Self:      self,
	}
}

func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case followedMsg:
		m.busy = false
		if msg.err != nil {
			m.Status = ""
			m.Error = msg.err.Error()
			return m, nil
		}
		m.Error = ""
		m.Status = fmt.Sprintf("✓ You are now following @%s", msg.username)
		m.TextInput.SetValue("")
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "enter":
			if m.busy {
				return m, nil
			}
			input := strings.TrimPrefix(strings.TrimSpace(m.TextInput.Value()), "@")
			if input == "" {
				m.Error = "Please enter a username"
				return m, nil
			}
			if input == m.Self.Username {
				m.Error = "You can't follow yourself!"
				return m, nil
			}
			m.busy = true
			m.Status = fmt.Sprintf("Following @%s...", input)
			m.Error = ""
			return m, follow(m.app, m.Self, input)
		case "esc":
			m.TextInput.SetValue("")
			m.Status = ""
			m.Error = ""
			return m, nil
		}
	}

	m.TextInput, cmd = m.TextInput.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	var s strings.Builder

	s.WriteString(common.CaptionStyle.Render("follow user"))
	s.WriteString("\n\n")
	s.WriteString("Enter a username:\n\n")
	s.WriteString(m.TextInput.View())
	s.WriteString("\n\n")

	if m.Status != "" {
		s.WriteString(common.StatusStyle.Render(m.Status))
		s.WriteString("\n")
	}
	if m.Error != "" {
		s.WriteString(common.ErrorStyle.Render(m.Error))
		s.WriteString("\n")
	}

	s.WriteString("\n")
	s.WriteString(common.HelpStyle.Render("enter: follow • esc: clear"))
	return s.String()
}

type followedMsg struct {
	username string
	err      error
}

func follow(a *app.Context, self domain.Profile, username string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), common.LoadTimeout)
		defer cancel()

		target, err := a.Backend.ReadProfileByUsername(ctx, username)
		if errors.Is(err, domain.ErrNotFound) {
			return followedMsg{username: username, err: fmt.Errorf("no user named @%s", username)}
		}
		if err != nil {
			return followedMsg{username: username, err: err}
		}
		_, err = a.Follows.Follow(ctx, self.Id, target.Id, follows.WithActorLabel(self.Label()))
		return followedMsg{username: username, err: err}
	}
}
