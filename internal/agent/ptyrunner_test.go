package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPTYSessionStartsWithBanner(t *testing.T) {
	m := NewManager()
	cfg := shellAgent("tty-cat", "echo ready; exec cat")
	cfg.Mode = ModePTY
	cfg.StreamFormat = FormatText
	m.RegisterAgent(cfg)

	info, err := m.CreateSession(context.Background(), "user-1", "tty-cat", "")
	require.NoError(t, err)
	assert.True(t, info.Running)

	require.NoError(t, m.TerminateSession(info.ID))
	_, err = m.Session(info.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestPTYInitTimeoutAbortsCreation(t *testing.T) {
	m := NewManager()
	cfg := shellAgent("tty-mute", "sleep 30")
	cfg.Mode = ModePTY
	cfg.InitTimeout = 300 * time.Millisecond
	m.RegisterAgent(cfg)

	_, err := m.CreateSession(context.Background(), "user-1", "tty-mute", "")
	var initErr *InitError
	require.ErrorAs(t, err, &initErr)
	assert.Empty(t, m.ListSessions("user-1", ""))
}

func TestPTYExitMidTurn(t *testing.T) {
	m := NewManager()
	cfg := shellAgent("tty-head", "echo ready; exec head -n 1")
	cfg.Mode = ModePTY
	cfg.StreamFormat = FormatText
	m.RegisterAgent(cfg)

	info, err := m.CreateSession(context.Background(), "user-1", "tty-head", "")
	require.NoError(t, err)

	ch, err := m.Execute(context.Background(), info.ID, "hello")
	require.NoError(t, err)
	terminal := terminalOf(t, drain(t, ch))
	assert.Equal(t, KindProcessExit, terminal.ErrorKind)

	require.NoError(t, m.TerminateSession(info.ID))
}
