package notifications

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/paginator"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/deemkeen/campusnet/app"
	"github.com/deemkeen/campusnet/domain"
	"github.com/deemkeen/campusnet/ui/common"
	"github.com/deemkeen/campusnet/util"
)

const limit = 50

var (
	timeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color(common.COLOR_PURPLE))

	unreadStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color(common.COLOR_LIGHTBLUE)).
			Bold(true)
)

type Model struct {
	app           *app.Context
	Self          domain.Identity
	Notifications []domain.Notification
	Pages         paginator.Model
	Width         int
	Height        int
	Error         string
	gen           int
}

func InitialModel(a *app.Context, self domain.Identity, width, height int) Model {
	p := paginator.New()
	p.Type = paginator.Dots
	p.PerPage = 8
	p.ActiveDot = lipgloss.NewStyle().Foreground(lipgloss.Color(common.COLOR_MAGENTA)).Render("•")
	p.InactiveDot = lipgloss.NewStyle().Foreground(lipgloss.Color(common.COLOR_DARK_GREY)).Render("•")
	return Model{
		app:    a,
		Self:   self,
		Pages:  p,
		Width:  width,
		Height: height,
	}
}

func (m Model) Init() tea.Cmd {
	return loadNotifications(m.app, m.Self, m.gen)
}

func (m Model) Reload() (Model, tea.Cmd) {
	m.gen++
	return m, loadNotifications(m.app, m.Self, m.gen)
}

// Unread counts notifications not yet marked read.
func (m Model) Unread() int {
	n := 0
	for _, note := range m.Notifications {
		if !note.Read {
			n++
		}
	}
	return n
}

func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	switch msg := msg.(type) {
	case notificationsLoadedMsg:
		if msg.gen != m.gen {
			return m, nil
		}
		m.Notifications = msg.notifications
		m.Pages.SetTotalPages(len(m.Notifications))
		m.Pages.Page = 0
		m.Error = ""
		if msg.err != nil {
			m.Error = fmt.Sprintf("Could not load notifications: %v", msg.err)
		}
		return m, nil

	case markedReadMsg:
		if msg.err != nil {
			m.Error = fmt.Sprintf("Could not mark as read: %v", msg.err)
			return m, nil
		}
		return m.Reload()

	case tea.KeyMsg:
		switch msg.String() {
		case "r":
			return m, markRead(m.app, m.Self)
		case "R":
			return m.Reload()
		}
		var cmd tea.Cmd
		m.Pages, cmd = m.Pages.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) View() string {
	var s strings.Builder

	s.WriteString(common.CaptionStyle.Render(fmt.Sprintf("notifications (%d unread)", m.Unread())))
	s.WriteString("\n\n")

	if len(m.Notifications) == 0 {
		s.WriteString(common.EmptyStyle.Render("Nothing new. Follows of your account show up here."))
	} else {
		start, end := m.Pages.GetSliceBounds(len(m.Notifications))
		for _, n := range m.Notifications[start:end] {
			line := n.Message
			if !n.Read {
				line = unreadStyle.Render("● " + line)
			} else {
				line = "  " + line
			}
			s.WriteString(common.ItemStyle.Render(line))
			s.WriteString(" ")
			s.WriteString(timeStyle.Render(n.CreatedAt.Local().Format(util.DateTimeFormat())))
			s.WriteString("\n")
		}
		if m.Pages.TotalPages > 1 {
			s.WriteString("\n  " + m.Pages.View() + "\n")
		}
	}

	if m.Error != "" {
		s.WriteString("\n")
		s.WriteString(common.ErrorStyle.Render(m.Error))
		s.WriteString("\n")
	}
	return s.String()
}

type notificationsLoadedMsg struct {
	gen           int
	notifications []domain.Notification
	err           error
}

type markedReadMsg struct {
	err error
}

func loadNotifications(a *app.Context, self domain.Identity, gen int) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), common.LoadTimeout)
		defer cancel()
		list, err := a.Backend.ListNotifications(ctx, self, limit)
		return notificationsLoadedMsg{gen: gen, notifications: list, err: err}
	}
}

func markRead(a *app.Context, self domain.Identity) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), common.LoadTimeout)
		defer cancel()
		return markedReadMsg{err: a.Backend.MarkNotificationsRead(ctx, self)}
	}
}
