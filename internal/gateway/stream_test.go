package gateway

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seongjae-dev/agentrelay/internal/agent"
)

func dialWS(t *testing.T, ts *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/sessions/" + sessionID + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntilTerminal collects events from the socket until one ends the
// execution.
func readUntilTerminal(t *testing.T, conn *websocket.Conn) []agent.Event {
	t.Helper()
	var events []agent.Event
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	for {
		var ev agent.Event
		require.NoError(t, conn.ReadJSON(&ev))
		events = append(events, ev)
		if ev.IsTerminal() {
			return events
		}
	}
}

func TestWebSocketExecute(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	info := createSession(t, srv)
	conn := dialWS(t, ts, info.ID)

	require.NoError(t, conn.WriteJSON(map[string]string{
		"user_id": "user-1",
		"command": "hello",
	}))
	events := readUntilTerminal(t, conn)
	last := events[len(events)-1]
	assert.Equal(t, agent.EventCompletion, last.Type)
	assert.Equal(t, "done", last.Content)

	// The connection survives the turn; a second command works.
	require.NoError(t, conn.WriteJSON(map[string]string{
		"user_id": "user-1",
		"command": "again",
	}))
	events = readUntilTerminal(t, conn)
	assert.Equal(t, agent.EventCompletion, events[len(events)-1].Type)
}

func TestWebSocketUnknownSession(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/sessions/nope/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, 404, resp.StatusCode)
}

func TestWebSocketErrorFrameOnBusySession(t *testing.T) {
	srv, m := newTestServer(t)
	m.RegisterAgent(agent.Config{
		Name:         "slow",
		Command:      "/bin/sh",
		Args:         []string{"-c", "sleep 1; echo '" + resultLine + "'"},
		Mode:         agent.ModeOneShot,
		StreamFormat: agent.FormatStreamJSON,
		Timeout:      10 * time.Second,
		MaxSessions:  5,
	})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	rr := doJSON(t, srv, "POST", "/sessions", map[string]string{"user_id": "user-1", "agent": "slow"})
	require.Equal(t, 201, rr.Code)
	var info agent.Info
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &info))

	first := dialWS(t, ts, info.ID)
	second := dialWS(t, ts, info.ID)

	require.NoError(t, first.WriteJSON(map[string]string{"user_id": "user-1", "command": "one"}))
	// Give the first execution a moment to claim the session.
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, second.WriteJSON(map[string]string{"user_id": "user-1", "command": "two"}))
	events := readUntilTerminal(t, second)
	require.Len(t, events, 1)
	assert.Equal(t, agent.KindAlreadyExecuting, events[0].ErrorKind)

	readUntilTerminal(t, first)
}
