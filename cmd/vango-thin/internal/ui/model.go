// Package ui is the live status view of the connect command
package ui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
)

// Snapshot is one reading of the client
type Snapshot struct {
	Sid      string
	Ver      string
	State    string
	Failsafe bool

	LastSeq  int
	Buffered int
	Dropped  int
	Evicted  int

	Frames     int
	Patches    int
	Skipped    int
	Acks       int
	Recovers   int
	Outbox     int
	Optimistic int

	Sent     int64
	Received int64
	Invalid  int64
}

// KeyMap defines the keyboard shortcuts
type KeyMap struct {
	Quit  key.Binding
	Help  key.Binding
	Clear key.Binding
}

var DefaultKeyMap = KeyMap{
	Quit: key.NewBinding(
		key.WithKeys("ctrl+c", "q"),
		key.WithHelp("q", "quit"),
	),
	Help: key.NewBinding(
		key.WithKeys("?"),
		key.WithHelp("?", "help"),
	),
	Clear: key.NewBinding(
		key.WithKeys("c"),
		key.WithHelp("c", "clear log"),
	),
}

// Messages
type tickMsg time.Time

// EventMsg appends a line to the activity log
type EventMsg string

// ErrorMsg shows an error under the status box
type ErrorMsg struct{ Err error }

// DoneMsg ends the view once the session is over
type DoneMsg struct{ Reason string }

const maxEvents = 12

// Model is the status view. Poll is called on every tick and must not
// block for long.
type Model struct {
	width  int
	height int

	poll     func() Snapshot
	interval time.Duration
	snap     Snapshot

	events  []string
	spinner spinner.Model

	showHelp bool
	quitting bool
	done     string
	err      error
}

// NewModel creates a status view that polls every interval
func NewModel(poll func() Snapshot, interval time.Duration) Model {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = spinnerStyle
	return Model{poll: poll, interval: interval, spinner: s}
}

// Init starts the spinner and the poll ticker
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.tick())
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, DefaultKeyMap.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, DefaultKeyMap.Help):
			m.showHelp = !m.showHelp
		case key.Matches(msg, DefaultKeyMap.Clear):
			m.events = nil
		}
		return m, nil

	case tickMsg:
		if m.poll != nil {
			m.snap = m.poll()
		}
		if m.done != "" {
			return m, nil
		}
		return m, m.tick()

	case EventMsg:
		m.events = append(m.events, fmt.Sprintf("%s %s", time.Now().Format("15:04:05"), string(msg)))
		if len(m.events) > maxEvents {
			m.events = m.events[len(m.events)-maxEvents:]
		}
		return m, nil

	case ErrorMsg:
		m.err = msg.Err
		return m, nil

	case DoneMsg:
		m.done = msg.Reason
		if m.poll != nil {
			m.snap = m.poll()
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// Snapshot returns the last reading
func (m Model) Snapshot() Snapshot {
	return m.snap
}

// Quitting reports whether the user asked to quit
func (m Model) Quitting() bool {
	return m.quitting
}
