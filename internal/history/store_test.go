package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seongjae-dev/agentrelay/internal/agent"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndRecent(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Record(agent.ExecutionRecord{
		SessionID: "sess-1",
		UserID:    "user-1",
		Agent:     "claude",
		Command:   "fix the tests",
		StartedAt: base,
		Duration:  1500 * time.Millisecond,
		Outcome:   "completion",
		Events:    7,
	}))
	require.NoError(t, s.Record(agent.ExecutionRecord{
		SessionID: "sess-2",
		UserID:    "user-1",
		Agent:     "claude",
		Command:   "explain main.go",
		StartedAt: base.Add(time.Minute),
		Duration:  200 * time.Millisecond,
		Outcome:   "error",
		ErrorKind: agent.KindTimeout,
		Events:    1,
	}))

	entries, err := s.Recent("", "", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "sess-2", entries[0].SessionID, "newest first")
	assert.Equal(t, "timeout", entries[0].ErrorKind)
	assert.Equal(t, int64(1500), entries[1].DurationMS)
	assert.Equal(t, 7, entries[1].Events)
}

func TestRecentFilters(t *testing.T) {
	s := openTestStore(t)

	for _, rec := range []agent.ExecutionRecord{
		{SessionID: "sess-1", UserID: "alice", Agent: "claude", Command: "a", StartedAt: time.Now(), Outcome: "completion"},
		{SessionID: "sess-2", UserID: "bob", Agent: "gemini", Command: "b", StartedAt: time.Now(), Outcome: "completion"},
		{SessionID: "sess-1", UserID: "alice", Agent: "claude", Command: "c", StartedAt: time.Now(), Outcome: "completion"},
	} {
		require.NoError(t, s.Record(rec))
	}

	bySession, err := s.Recent("sess-1", "", 10)
	require.NoError(t, err)
	assert.Len(t, bySession, 2)

	byUser, err := s.Recent("", "bob", 10)
	require.NoError(t, err)
	require.Len(t, byUser, 1)
	assert.Equal(t, "sess-2", byUser[0].SessionID)

	none, err := s.Recent("sess-9", "", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRecentLimit(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Record(agent.ExecutionRecord{
			SessionID: "sess-1", UserID: "u", Agent: "a", Command: "x",
			StartedAt: time.Now(), Outcome: "completion",
		}))
	}
	entries, err := s.Recent("", "", 3)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}
