package ui

import (
	"errors"
	"fmt"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	out, ok := next.(Model)
	require.True(t, ok)
	return out, cmd
}

func TestTickPollsSnapshot(t *testing.T) {
	polls := 0
	m := NewModel(func() Snapshot {
		polls++
		return Snapshot{Sid: "s1", State: "joined", LastSeq: polls}
	}, time.Millisecond)

	m, cmd := update(t, m, tickMsg(time.Now()))
	assert.NotNil(t, cmd, "ticker keeps running")
	assert.Equal(t, 1, m.Snapshot().LastSeq)

	m, _ = update(t, m, tickMsg(time.Now()))
	assert.Equal(t, 2, m.Snapshot().LastSeq)
	assert.Contains(t, m.View(), "s1")
	assert.Contains(t, m.View(), "joined")
}

func TestDoneStopsTicker(t *testing.T) {
	m := NewModel(func() Snapshot { return Snapshot{State: "closed"} }, time.Millisecond)
	m, _ = update(t, m, DoneMsg{Reason: "interrupted"})
	_, cmd := update(t, m, tickMsg(time.Now()))
	assert.Nil(t, cmd)
	assert.Contains(t, m.View(), "session ended: interrupted")
}

func TestEventLogIsBounded(t *testing.T) {
	m := NewModel(nil, 0)
	for i := 0; i < maxEvents+5; i++ {
		m, _ = update(t, m, EventMsg(fmt.Sprintf("event %d", i)))
	}
	require.Len(t, m.events, maxEvents)
	assert.Contains(t, m.events[0], "event 5")

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("c")})
	assert.Empty(t, m.events)
}

func TestQuitKey(t *testing.T) {
	m := NewModel(nil, 0)
	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.True(t, m.Quitting())
	assert.Empty(t, m.View())
}

func TestFailsafeAndErrorsAreShown(t *testing.T) {
	m := NewModel(func() Snapshot { return Snapshot{State: "declined", Failsafe: true} }, 0)
	m, _ = update(t, m, tickMsg(time.Now()))
	m, _ = update(t, m, ErrorMsg{Err: errors.New("boom")})

	view := m.View()
	assert.Contains(t, view, "failsafe")
	assert.Contains(t, view, "error: boom")
}

func TestHelpToggle(t *testing.T) {
	m := NewModel(nil, 0)
	assert.Contains(t, m.View(), "? help")
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("?")})
	assert.Contains(t, m.View(), "clear log")
}
