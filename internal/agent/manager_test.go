package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const resultLine = `{"type":"result","is_error":false,"result":"done"}`

func shellAgent(name, script string) Config {
	return Config{
		Name:         name,
		Command:      "/bin/sh",
		Args:         []string{"-c", script},
		WorkingDir:   "/tmp",
		Mode:         ModeOneShot,
		StreamFormat: FormatStreamJSON,
		Timeout:      10 * time.Second,
		InitTimeout:  5 * time.Second,
		MaxSessions:  5,
	}
}

// drain collects every event until the channel closes.
func drain(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(30 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("event stream never closed; got %d events so far", len(events))
		}
	}
}

// terminalOf asserts the stream ends with exactly one terminal event and
// returns it.
func terminalOf(t *testing.T, events []Event) Event {
	t.Helper()
	require.NotEmpty(t, events)
	terminals := 0
	for _, ev := range events {
		if ev.IsTerminal() {
			terminals++
		}
	}
	require.Equal(t, 1, terminals, "stream must carry exactly one terminal event: %+v", events)
	last := events[len(events)-1]
	require.True(t, last.IsTerminal(), "terminal event must come last: %+v", events)
	return last
}

func TestOneShotExecutionStreamsToCompletion(t *testing.T) {
	m := NewManager()
	m.RegisterAgent(shellAgent("echo", `echo '`+resultLine+`'`))

	info, err := m.CreateSession(context.Background(), "user-1", "echo", "")
	require.NoError(t, err)
	assert.Equal(t, StateIdle, info.State)
	assert.Equal(t, "/tmp", info.WorkDir)

	ch, err := m.Execute(context.Background(), info.ID, "hello")
	require.NoError(t, err)

	terminal := terminalOf(t, drain(t, ch))
	assert.Equal(t, EventCompletion, terminal.Type)
	assert.Equal(t, "done", terminal.Content)
	assert.Equal(t, info.ID, terminal.SessionID)
	assert.Equal(t, "echo", terminal.Agent)

	after, err := m.Session(info.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, after.Turns)
	assert.Equal(t, "hello", after.LastCommand)
	assert.Equal(t, StateIdle, after.State)
}

func TestOneShotNonZeroExit(t *testing.T) {
	m := NewManager()
	m.RegisterAgent(shellAgent("broken", `echo oops >&2; exit 3`))

	info, err := m.CreateSession(context.Background(), "user-1", "broken", "")
	require.NoError(t, err)

	ch, err := m.Execute(context.Background(), info.ID, "hello")
	require.NoError(t, err)

	terminal := terminalOf(t, drain(t, ch))
	assert.Equal(t, EventError, terminal.Type)
	assert.Equal(t, KindProcessExit, terminal.ErrorKind)
	assert.Equal(t, 3, terminal.ExitCode)
	assert.Contains(t, terminal.Content, "oops")
}

func TestOneShotSpawnError(t *testing.T) {
	m := NewManager()
	cfg := shellAgent("missing", "")
	cfg.Command = "/nonexistent/agent-binary"
	m.RegisterAgent(cfg)

	info, err := m.CreateSession(context.Background(), "user-1", "missing", "")
	require.NoError(t, err)

	ch, err := m.Execute(context.Background(), info.ID, "hello")
	require.NoError(t, err)

	terminal := terminalOf(t, drain(t, ch))
	assert.Equal(t, KindSpawn, terminal.ErrorKind)
}

func TestExecuteRejectsConcurrentSubmission(t *testing.T) {
	m := NewManager()
	m.RegisterAgent(shellAgent("slow", `sleep 1; echo '`+resultLine+`'`))

	info, err := m.CreateSession(context.Background(), "user-1", "slow", "")
	require.NoError(t, err)

	first, err := m.Execute(context.Background(), info.ID, "one")
	require.NoError(t, err)

	_, err = m.Execute(context.Background(), info.ID, "two")
	require.ErrorIs(t, err, ErrAlreadyExecuting)

	terminalOf(t, drain(t, first))

	// Idle again: a new submission is accepted.
	ch, err := m.Execute(context.Background(), info.ID, "three")
	require.NoError(t, err)
	terminalOf(t, drain(t, ch))
}

func TestExecutionTimeoutKillsProcess(t *testing.T) {
	m := NewManager()
	cfg := shellAgent("stuck", `sleep 30`)
	cfg.Timeout = 300 * time.Millisecond
	m.RegisterAgent(cfg)

	info, err := m.CreateSession(context.Background(), "user-1", "stuck", "")
	require.NoError(t, err)

	start := time.Now()
	ch, err := m.Execute(context.Background(), info.ID, "hello")
	require.NoError(t, err)

	terminal := terminalOf(t, drain(t, ch))
	assert.Equal(t, KindTimeout, terminal.ErrorKind)
	assert.Less(t, time.Since(start), 10*time.Second, "timeout must not wait for the process's own exit")
}

func TestSessionCapEvictsOldest(t *testing.T) {
	m := NewManager()
	cfg := shellAgent("echo", `echo '`+resultLine+`'`)
	cfg.MaxSessions = 2
	m.RegisterAgent(cfg)

	ctx := context.Background()
	first, err := m.CreateSession(ctx, "user-1", "echo", "")
	require.NoError(t, err)
	second, err := m.CreateSession(ctx, "user-1", "echo", "")
	require.NoError(t, err)
	third, err := m.CreateSession(ctx, "user-1", "echo", "")
	require.NoError(t, err)

	_, err = m.Session(first.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound, "oldest session should be evicted at cap")

	ids := map[string]bool{}
	for _, info := range m.ListSessions("user-1", "") {
		ids[info.ID] = true
	}
	assert.Equal(t, map[string]bool{second.ID: true, third.ID: true}, ids)
}

func TestSessionCapIsPerUser(t *testing.T) {
	m := NewManager()
	cfg := shellAgent("echo", `echo '`+resultLine+`'`)
	cfg.MaxSessions = 1
	m.RegisterAgent(cfg)

	ctx := context.Background()
	mine, err := m.CreateSession(ctx, "user-1", "echo", "")
	require.NoError(t, err)
	_, err = m.CreateSession(ctx, "user-2", "echo", "")
	require.NoError(t, err)

	_, err = m.Session(mine.ID)
	assert.NoError(t, err, "another user's session must not trigger eviction")
}

func TestTerminateSession(t *testing.T) {
	m := NewManager()
	m.RegisterAgent(shellAgent("echo", `echo '`+resultLine+`'`))

	info, err := m.CreateSession(context.Background(), "user-1", "echo", "")
	require.NoError(t, err)

	require.NoError(t, m.TerminateSession(info.ID))
	assert.ErrorIs(t, m.TerminateSession(info.ID), ErrSessionNotFound)

	_, err = m.Execute(context.Background(), info.ID, "hello")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCreateSessionUnknownAgent(t *testing.T) {
	m := NewManager()
	_, err := m.CreateSession(context.Background(), "user-1", "nope", "")
	assert.ErrorIs(t, err, ErrAgentNotRegistered)
}

func TestExecuteUnknownSession(t *testing.T) {
	m := NewManager()
	_, err := m.Execute(context.Background(), "no-such-id", "hello")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestListSessionsFuzzyFilter(t *testing.T) {
	m := NewManager()
	m.RegisterAgent(shellAgent("claude", `echo '`+resultLine+`'`))
	m.RegisterAgent(shellAgent("gemini", `echo '`+resultLine+`'`))

	ctx := context.Background()
	_, err := m.CreateSession(ctx, "user-1", "claude", "")
	require.NoError(t, err)
	gem, err := m.CreateSession(ctx, "user-1", "gemini", "")
	require.NoError(t, err)

	matches := m.ListSessions("user-1", "gem")
	require.Len(t, matches, 1)
	assert.Equal(t, gem.ID, matches[0].ID)
}

func TestObserverReceivesExecutionRecord(t *testing.T) {
	m := NewManager()
	m.RegisterAgent(shellAgent("echo", `echo '`+resultLine+`'`))

	records := make(chan ExecutionRecord, 1)
	m.SetObserver(func(rec ExecutionRecord) { records <- rec })

	info, err := m.CreateSession(context.Background(), "user-1", "echo", "")
	require.NoError(t, err)

	ch, err := m.Execute(context.Background(), info.ID, "hello")
	require.NoError(t, err)
	terminalOf(t, drain(t, ch))

	select {
	case rec := <-records:
		assert.Equal(t, info.ID, rec.SessionID)
		assert.Equal(t, "user-1", rec.UserID)
		assert.Equal(t, "hello", rec.Command)
		assert.Equal(t, string(EventCompletion), rec.Outcome)
		assert.Greater(t, rec.Events, 0)
	case <-time.After(5 * time.Second):
		t.Fatal("observer never called")
	}
}

func TestResumeArgs(t *testing.T) {
	assert.Nil(t, resumeArgs(0, ""))
	assert.Nil(t, resumeArgs(0, "11111111-2222-3333-4444-555555555555"))
	assert.Equal(t, []string{"--continue"}, resumeArgs(2, ""))
	assert.Equal(t,
		[]string{"--resume", "11111111-2222-3333-4444-555555555555"},
		resumeArgs(1, "11111111-2222-3333-4444-555555555555"))
}

func TestPersistentSessionMultipleTurns(t *testing.T) {
	m := NewManager()
	cfg := shellAgent("cat", "echo ready; exec cat")
	cfg.Mode = ModePersistent
	m.RegisterAgent(cfg)

	info, err := m.CreateSession(context.Background(), "user-1", "cat", "")
	require.NoError(t, err)
	assert.True(t, info.Running, "persistent agent starts at session creation")

	for turn := 1; turn <= 2; turn++ {
		ch, err := m.Execute(context.Background(), info.ID, resultLine)
		require.NoError(t, err)
		terminal := terminalOf(t, drain(t, ch))
		assert.Equal(t, EventCompletion, terminal.Type, "turn %d", turn)
		assert.Equal(t, "done", terminal.Content)
	}

	after, err := m.Session(info.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, after.Turns)
	require.NoError(t, m.TerminateSession(info.ID))
}

func TestPersistentInitTimeoutAbortsCreation(t *testing.T) {
	m := NewManager()
	cfg := shellAgent("mute", "sleep 30")
	cfg.Mode = ModePersistent
	cfg.InitTimeout = 300 * time.Millisecond
	m.RegisterAgent(cfg)

	_, err := m.CreateSession(context.Background(), "user-1", "mute", "")
	var initErr *InitError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, "mute", initErr.Agent)
	assert.Empty(t, m.ListSessions("user-1", ""), "failed creation must not leave a session behind")
}

func TestPersistentDeadProcessReportsTransportClosed(t *testing.T) {
	m := NewManager()
	cfg := shellAgent("oneline", "echo ready; head -n 1 >/dev/null")
	cfg.Mode = ModePersistent
	m.RegisterAgent(cfg)

	info, err := m.CreateSession(context.Background(), "user-1", "oneline", "")
	require.NoError(t, err)

	// First turn: the process consumes the line and exits mid-turn.
	ch, err := m.Execute(context.Background(), info.ID, "hello")
	require.NoError(t, err)
	terminal := terminalOf(t, drain(t, ch))
	assert.Equal(t, KindProcessExit, terminal.ErrorKind)

	// The session stays registered but refuses further turns.
	ch, err = m.Execute(context.Background(), info.ID, "again")
	require.NoError(t, err)
	terminal = terminalOf(t, drain(t, ch))
	assert.Equal(t, KindTransportClosed, terminal.ErrorKind)

	require.NoError(t, m.TerminateSession(info.ID))
}

func TestShutdownTerminatesEverything(t *testing.T) {
	m := NewManager()
	cfg := shellAgent("cat", "echo ready; exec cat")
	cfg.Mode = ModePersistent
	m.RegisterAgent(cfg)

	info, err := m.CreateSession(context.Background(), "user-1", "cat", "")
	require.NoError(t, err)

	m.Shutdown()
	_, err = m.Session(info.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
