package header

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/deemkeen/campusnet/domain"
	"github.com/deemkeen/campusnet/ui/common"
	"github.com/deemkeen/campusnet/util"
)

type Model struct {
	Width   int
	Profile *domain.Profile
	Session domain.SessionSnapshot
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	if snap, ok := msg.(common.FeedMsg[domain.SessionSnapshot]); ok {
		m.Session = snap.Value
	}
	return m, nil
}

func (m Model) View() string {
	return GetHeaderStyle(m.Profile, m.Session, m.Width)
}

func sessionLabel(s domain.SessionSnapshot) string {
	switch {
	case s.Loading:
		return "session: loading…"
	case s.IsAuthenticated:
		return "session: signed in"
	default:
		return "session: signed out"
	}
}

// GetHeaderStyle renders four bordered boxes; each adds 4 columns of padding and border.
func GetHeaderStyle(p *domain.Profile, s domain.SessionSnapshot, width int) string {
	availableWidth := max(width-16, 40)

	nameWidth := availableWidth / 4
	atWidth := 1
	versionWidth := availableWidth / 3
	sessionWidth := availableWidth - nameWidth - atWidth - versionWidth

	name := "anonymous"
	if p != nil {
		name = util.Truncate(p.Label(), max(nameWidth-1, 1))
	}

	box := func() lipgloss.Style {
		return lipgloss.NewStyle().
			Padding(1).
			Height(2).
			Border(lipgloss.NormalBorder(), true, false, true, false).
			BorderForeground(lipgloss.Color(common.COLOR_MAGENTA))
	}

	username := box().
		SetString(name).
		Align(lipgloss.Left).
		Background(lipgloss.Color(common.COLOR_PURPLE)).
		Width(nameWidth).
		String()

	at := box().
		SetString("@").
		Foreground(lipgloss.Color(common.COLOR_MAGENTA)).
		Width(atWidth).
		String()

	version := box().
		SetString(util.GetNameAndVersion()).
		Background(lipgloss.Color(common.COLOR_GREY)).
		Width(versionWidth).
		String()

	session := box().
		SetString(sessionLabel(s)).
		Background(lipgloss.Color(common.COLOR_MAGENTA)).
		Align(lipgloss.Left).
		Width(sessionWidth).
		String()

	return lipgloss.JoinHorizontal(lipgloss.Left, username, at, version, session)
}
