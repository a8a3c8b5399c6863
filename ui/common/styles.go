package common

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const (
	COLOR_GREY      = "241"
	COLOR_DARK_GREY = "238"
	COLOR_MAGENTA   = "170"
	COLOR_LIGHTBLUE = "69"
	COLOR_GREEN     = "86"
	COLOR_BLUE      = "42"
	COLOR_RED       = "196"
	COLOR_YELLOW    = "220"
	COLOR_PURPLE    = "#7D56F4"
)

var (
	HelpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color(COLOR_GREY)).Padding(0, 2)
	CaptionStyle = lipgloss.NewStyle().Foreground(lipgloss.Color(COLOR_MAGENTA)).Padding(2)

	ItemStyle     = lipgloss.NewStyle().PaddingLeft(2)
	SelectedStyle = lipgloss.NewStyle().PaddingLeft(2).Foreground(lipgloss.Color(COLOR_GREEN)).Bold(true)
	EmptyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color(COLOR_GREY)).Italic(true)
	StatusStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color(COLOR_BLUE))
	ErrorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color(COLOR_RED))
	PendingStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color(COLOR_YELLOW))
)

func DefaultWindowWidth(width int) int {
	return width - 10
}

func DefaultWindowHeight(height int) int {
	return height - 10
}

func DefaultListWidth(width int) int {
	return width - width/4
}

// ClearStatusMsg asks a view to drop its status and error line.
type ClearStatusMsg struct{}

func ClearStatusAfter(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(time.Time) tea.Msg {
		return ClearStatusMsg{}
	})
}
