package createuser

import (
	"fmt"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/deemkeen/campusnet/ui/common"
	"github.com/deemkeen/campusnet/util"
)

var (
	Style = lipgloss.NewStyle().Height(25).Width(80).
		Align(lipgloss.Center, lipgloss.Center).
		BorderStyle(lipgloss.ThickBorder()).
		Margin(0, 3)
)

// SubmitMsg is sent once both steps are done; the parent saves the profile.
type SubmitMsg struct {
	Username    string
	DisplayName string
}

// SavedMsg reports the parent's save result back to the form.
type SavedMsg struct {
	Err error
}

type Model struct {
	TextInput   textinput.Model
	DisplayName textinput.Model
	Step        int // 0=username, 1=display name
	Err         string
	Saving      bool
}

func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case SavedMsg:
		m.Saving = false
		if msg.Err != nil {
			m.Err = msg.Err.Error()
			m.Step = 0
			m.TextInput.Focus()
			m.DisplayName.Blur()
		}
		return m, nil
	case tea.KeyMsg:
		if msg.String() == "enter" {
			switch m.Step {
			case 0:
				if !util.ValidUsername(m.TextInput.Value()) {
					m.Err = "3 to 24 characters: lowercase letters, digits and _"
					return m, nil
				}
				m.Err = ""
				m.Step = 1
				m.DisplayName.Focus()
				m.TextInput.Blur()
				return m, nil
			case 1:
				if m.Saving {
					return m, nil
				}
				m.Saving = true
				submit := SubmitMsg{
					Username:    m.TextInput.Value(),
					DisplayName: util.NormalizeInput(m.DisplayName.Value()),
				}
				return m, func() tea.Msg { return submit }
			}
		}
	}

	switch m.Step {
	case 0:
		m.TextInput, cmd = m.TextInput.Update(msg)
	case 1:
		m.DisplayName, cmd = m.DisplayName.Update(msg)
	}
	return m, cmd
}

func (m Model) View() string {
	var prompt, input, help string

	switch m.Step {
	case 0:
		prompt = "You don't have a username yet, please choose wisely!"
		input = m.TextInput.View()
		help = "(enter to continue, ctrl-c to quit)"
	case 1:
		prompt = fmt.Sprintf("Username: %s\n\nChoose your display name (optional):", m.TextInput.Value())
		input = m.DisplayName.View()
		help = "(enter to save profile, leave empty to skip)"
	}

	errLine := ""
	if m.Err != "" {
		errLine = "\n\n" + common.ErrorStyle.Render(m.Err)
	}

	return fmt.Sprintf(
		"Logging into CAMPUSNET v%s\n\n%s\n\n%s%s\n\n%s",
		util.GetVersion(),
		prompt,
		input,
		errLine,
		help,
	) + "\n"
}

// ViewWithWidth centers the bordered form; border and margins take 8 columns.
func (m Model) ViewWithWidth(termWidth, termHeight int) string {
	contentWidth := max(termWidth-8, 40)
	bordered := Style.Width(contentWidth).Render(m.View())
	return lipgloss.Place(termWidth, termHeight, lipgloss.Center, lipgloss.Center, bordered)
}

func InitialModel() Model {
	ti := textinput.New()
	ti.Placeholder = "ada_lovelace"
	ti.Focus()
	ti.CharLimit = 24
	ti.Width = 24

	displayName := textinput.New()
	displayName.Placeholder = "Ada Lovelace"
	displayName.CharLimit = 50
	displayName.Width = 50

	return Model{
		TextInput:   ti,
		DisplayName: displayName,
	}
}
