package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Style definitions
var (
	// Colors
	primaryColor   = lipgloss.Color("#3b82f6") // blue
	secondaryColor = lipgloss.Color("#64748b") // gray
	successColor   = lipgloss.Color("#10b981") // green
	warningColor   = lipgloss.Color("#f59e0b") // yellow
	errorColor     = lipgloss.Color("#ef4444") // red
	mutedColor     = lipgloss.Color("#94a3b8")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(secondaryColor).
			Width(12)

	valueStyle = lipgloss.NewStyle().
			Bold(true)

	mutedStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	errorStyle = lipgloss.NewStyle().
			Foreground(errorColor).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(warningColor)

	spinnerStyle = lipgloss.NewStyle().
			Foreground(primaryColor)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			MarginTop(1)
)

// stateStyle colors a connection state
func stateStyle(state string) lipgloss.Style {
	switch state {
	case "joined":
		return valueStyle.Foreground(successColor)
	case "connecting", "joining", "stalled":
		return valueStyle.Foreground(warningColor)
	case "declined", "closed":
		return valueStyle.Foreground(errorColor)
	}
	return valueStyle.Foreground(mutedColor)
}

// View renders the status screen
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	s := m.snap
	var b strings.Builder

	title := "vango-thin"
	if s.Sid != "" {
		title += " · " + s.Sid
	}
	b.WriteString(titleStyle.Render(title))
	b.WriteString("\n")

	state := s.State
	if state == "" {
		state = "idle"
	}
	indicator := m.spinner.View()
	if state == "joined" || m.done != "" {
		indicator = " "
	}
	rows := []string{
		row("state", indicator+" "+stateStyle(state).Render(state)),
		row("version", s.Ver),
		row("seq", fmt.Sprintf("%d", s.LastSeq)),
		row("buffer", fmt.Sprintf("%d buffered, %d dropped, %d evicted", s.Buffered, s.Dropped, s.Evicted)),
		row("frames", fmt.Sprintf("%d (%d patches, %d skipped)", s.Frames, s.Patches, s.Skipped)),
		row("acks", fmt.Sprintf("%d", s.Acks)),
		row("recovers", fmt.Sprintf("%d", s.Recovers)),
		row("outbox", fmt.Sprintf("%d", s.Outbox)),
		row("optimistic", fmt.Sprintf("%d pending", s.Optimistic)),
		row("wire", fmt.Sprintf("%d sent, %d received, %d invalid", s.Sent, s.Received, s.Invalid)),
	}
	b.WriteString(boxStyle.Render(strings.Join(rows, "\n")))
	b.WriteString("\n")

	if s.Failsafe {
		b.WriteString(errorStyle.Render("failsafe: reload loop detected, reload manually"))
		b.WriteString("\n")
	}
	if m.err != nil {
		b.WriteString(errorStyle.Render("error: " + m.err.Error()))
		b.WriteString("\n")
	}
	if m.done != "" {
		b.WriteString(warningStyle.Render("session ended: " + m.done))
		b.WriteString("\n")
	}

	if len(m.events) > 0 {
		b.WriteString("\n")
		for _, ev := range m.events {
			b.WriteString(mutedStyle.Render(ev))
			b.WriteString("\n")
		}
	}

	b.WriteString(footerStyle.Render(m.helpLine()))
	return b.String()
}

func (m Model) helpLine() string {
	if !m.showHelp {
		return "q quit • ? help"
	}
	keys := []string{
		DefaultKeyMap.Quit.Help().Key + " " + DefaultKeyMap.Quit.Help().Desc,
		DefaultKeyMap.Clear.Help().Key + " " + DefaultKeyMap.Clear.Help().Desc,
		DefaultKeyMap.Help.Help().Key + " " + DefaultKeyMap.Help.Help().Desc,
	}
	return strings.Join(keys, " • ")
}

func row(label, value string) string {
	return labelStyle.Render(label) + value
}
