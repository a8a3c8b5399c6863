package ui

import (
	"context"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/deemkeen/campusnet/app"
	"github.com/deemkeen/campusnet/broadcast"
	"github.com/deemkeen/campusnet/domain"
	"github.com/deemkeen/campusnet/ui/common"
	"github.com/deemkeen/campusnet/ui/createuser"
	"github.com/deemkeen/campusnet/ui/followers"
	"github.com/deemkeen/campusnet/ui/following"
	"github.com/deemkeen/campusnet/ui/followuser"
	"github.com/deemkeen/campusnet/ui/header"
	"github.com/deemkeen/campusnet/ui/notifications"
	"github.com/deemkeen/campusnet/ui/people"
)

var (
	focusedModelStyle = lipgloss.NewStyle().
				Align(lipgloss.Top, lipgloss.Top).
				BorderStyle(lipgloss.NormalBorder()).
				BorderForeground(lipgloss.Color(common.COLOR_LIGHTBLUE)).MarginLeft(1)

	tabStyle       = lipgloss.NewStyle().Padding(0, 1).Foreground(lipgloss.Color(common.COLOR_GREY))
	activeTabStyle = tabStyle.Foreground(lipgloss.Color(common.COLOR_MAGENTA)).Bold(true).Underline(true)
)

// ProfileEditor saves the first-login profile. Only the self-hosted backend has one.
type ProfileEditor interface {
	UpdateUsername(ctx context.Context, id domain.Identity, username string) error
	UpdateDisplayName(ctx context.Context, id domain.Identity, displayName string) error
}

type MainModel struct {
	width  int
	height int
	app    *app.Context
	self   domain.Profile
	editor ProfileEditor
	state  common.SessionState

	changes  *common.Feed[domain.FollowChange]
	sessions *common.Feed[domain.SessionSnapshot]

	headerModel        header.Model
	newUserModel       createuser.Model
	peopleModel        people.Model
	followingModel     following.Model
	followersModel     followers.Model
	notificationsModel notifications.Model
	followModel        followuser.Model
}

// NewModel builds the main screen for self. With firstLogin set and an editor
// available the user picks a username before anything else.
func NewModel(a *app.Context, self domain.Profile, firstLogin bool, editor ProfileEditor, width int, height int) MainModel {
	width = common.DefaultWindowWidth(width)
	height = common.DefaultWindowHeight(height)
	logger := log.Default().WithPrefix("ui")

	m := MainModel{
		width:  width,
		height: height,
		app:    a,
		self:   self,
		editor: editor,
		state:  common.PeopleView,
	}
	if firstLogin && editor != nil {
		m.state = common.CreateUserView
	}

	m.changes = common.NewFeed(64, func(c domain.FollowChange) string {
		return c.Follower.String() + "/" + c.Followee.String()
	}, logger)
	m.changes.Attach(broadcast.OnFollower(a.Bus, self.Id, m.changes.Push))
	// only the latest snapshot matters
	m.sessions = common.NewFeed(8, func(domain.SessionSnapshot) string { return "" }, logger)
	m.sessions.Attach(a.Session.Subscribe(m.sessions.Push))

	m.headerModel = header.Model{Width: width, Profile: &m.self, Session: a.Session.Snapshot()}
	m.newUserModel = createuser.InitialModel()
	m.peopleModel = people.InitialModel(a, self, width, height)
	m.followingModel = following.InitialModel(a, self.Id, width, height)
	m.followersModel = followers.InitialModel(a, self, width, height)
	m.notificationsModel = notifications.InitialModel(a, self.Id, width, height)
	m.followModel = followuser.InitialModel(a, self)
	return m
}

// Close detaches the model from the broadcasters. Call it when the program ends.
func (m MainModel) Close() {
	m.changes.Close()
	m.sessions.Close()
}

func (m MainModel) Init() tea.Cmd {
	return tea.Batch(
		m.changes.Next(),
		m.sessions.Next(),
		m.peopleModel.Init(),
		m.notificationsModel.Init(),
		m.followModel.Init(),
	)
}

type profileSavedMsg struct {
	profile domain.Profile
	err     error
}

func (m MainModel) saveProfile(submit createuser.SubmitMsg) tea.Cmd {
	editor, self := m.editor, m.self
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), common.LoadTimeout)
		defer cancel()
		if err := editor.UpdateUsername(ctx, self.Id, submit.Username); err != nil {
			return profileSavedMsg{err: err}
		}
		self.Username = submit.Username
		if submit.DisplayName != "" {
			if err := editor.UpdateDisplayName(ctx, self.Id, submit.DisplayName); err != nil {
				return profileSavedMsg{err: err}
			}
			self.DisplayName = submit.DisplayName
		}
		return profileSavedMsg{profile: self}
	}
}

func (m MainModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = common.DefaultWindowWidth(msg.Width)
		m.height = common.DefaultWindowHeight(msg.Height)
		m.headerModel.Width = m.width
		return m, nil

	case common.FeedMsg[domain.FollowChange]:
		cmds = append(cmds, m.changes.Next())

	case common.FeedMsg[domain.SessionSnapshot]:
		cmds = append(cmds, m.sessions.Next())

	case createuser.SubmitMsg:
		return m, m.saveProfile(msg)

	case profileSavedMsg:
		m.newUserModel, _ = m.newUserModel.Update(createuser.SavedMsg{Err: msg.err})
		if msg.err != nil {
			return m, nil
		}
		m.self = msg.profile
		m.headerModel.Profile = &m.self
		m.state = common.PeopleView
		m.peopleModel.Self = m.self
		m.followersModel.Self = m.self
		m.followModel.Self = m.self
		m.peopleModel, cmd = m.peopleModel.Reload()
		return m, cmd

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit
		case "tab", "shift+tab":
			if m.state == common.CreateUserView {
				return m, nil
			}
			step := 1
			if msg.String() == "shift+tab" {
				step = -1
			}
			m.state = common.Next(m.state, step)
			m, cmd = m.reloadView(m.state)
			return m, cmd
		}
	}

	// data messages reach every view, keys only the focused one
	if _, isKeyMsg := msg.(tea.KeyMsg); !isKeyMsg {
		m.headerModel, _ = m.headerModel.Update(msg)
		m.peopleModel, cmd = m.peopleModel.Update(msg)
		cmds = append(cmds, cmd)
		m.followingModel, cmd = m.followingModel.Update(msg)
		cmds = append(cmds, cmd)
		m.followersModel, cmd = m.followersModel.Update(msg)
		cmds = append(cmds, cmd)
		m.notificationsModel, cmd = m.notificationsModel.Update(msg)
		cmds = append(cmds, cmd)
		m.followModel, cmd = m.followModel.Update(msg)
		cmds = append(cmds, cmd)
		if m.state == common.CreateUserView {
			m.newUserModel, cmd = m.newUserModel.Update(msg)
			cmds = append(cmds, cmd)
		}
		return m, tea.Batch(cmds...)
	}

	switch m.state {
	case common.CreateUserView:
		m.newUserModel, cmd = m.newUserModel.Update(msg)
	case common.PeopleView:
		m.peopleModel, cmd = m.peopleModel.Update(msg)
	case common.FollowingView:
		m.followingModel, cmd = m.followingModel.Update(msg)
	case common.FollowersView:
		m.followersModel, cmd = m.followersModel.Update(msg)
	case common.NotificationsView:
		m.notificationsModel, cmd = m.notificationsModel.Update(msg)
	case common.FollowUserView:
		m.followModel, cmd = m.followModel.Update(msg)
	}
	return m, cmd
}

func (m MainModel) reloadView(state common.SessionState) (MainModel, tea.Cmd) {
	var cmd tea.Cmd
	switch state {
	case common.PeopleView:
		m.peopleModel, cmd = m.peopleModel.Reload()
	case common.FollowingView:
		m.followingModel, cmd = m.followingModel.Reload()
	case common.FollowersView:
		m.followersModel, cmd = m.followersModel.Reload()
	case common.NotificationsView:
		m.notificationsModel, cmd = m.notificationsModel.Reload()
	}
	return m, cmd
}

func (m MainModel) tabs() string {
	parts := make([]string, 0, len(common.Views))
	for _, v := range common.Views {
		label := v.String()
		if v == common.NotificationsView {
			if n := m.notificationsModel.Unread(); n > 0 {
				label = fmt.Sprintf("%s (%d)", label, n)
			}
		}
		if v == m.state {
			parts = append(parts, activeTabStyle.Render(label))
		} else {
			parts = append(parts, tabStyle.Render(label))
		}
	}
	return strings.Join(parts, " ")
}

func (m MainModel) View() string {
	if m.state == common.CreateUserView {
		return m.newUserModel.ViewWithWidth(m.width, m.height)
	}

	var body string
	switch m.state {
	case common.PeopleView:
		body = m.peopleModel.View()
	case common.FollowingView:
		body = m.followingModel.View()
	case common.FollowersView:
		body = m.followersModel.View()
	case common.NotificationsView:
		body = m.notificationsModel.View()
	case common.FollowUserView:
		body = m.followModel.View()
	}

	availableHeight := max(m.height-10, 5)
	panel := lipgloss.NewStyle().
		Height(availableHeight).
		MaxHeight(availableHeight).
		Width(common.DefaultListWidth(m.width)).
		Render(body)

	var viewCommands string
	switch m.state {
	case common.PeopleView:
		viewCommands = "↑/↓: select • enter: toggle follow • r: reload"
	case common.FollowingView:
		viewCommands = "↑/↓: select • u/enter: unfollow"
	case common.FollowersView:
		viewCommands = "↑/↓: select • f: follow back"
	case common.NotificationsView:
		viewCommands = "←/→: page • r: mark all read"
	case common.FollowUserView:
		viewCommands = "enter: follow"
	}

	var s strings.Builder
	s.WriteString(m.headerModel.View())
	s.WriteString("\n")
	s.WriteString(m.tabs())
	s.WriteString("\n")
	s.WriteString(focusedModelStyle.Render(panel))
	s.WriteString("\n")
	s.WriteString(common.HelpStyle.Render(fmt.Sprintf(
		"focused > %s\t\tkeys > tab: next • shift+tab: prev • %s • ctrl-c: exit",
		m.state, viewCommands)))
	return s.String()
}
