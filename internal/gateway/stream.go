package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/seongjae-dev/agentrelay/internal/agent"
)

type executeRequest struct {
	UserID  string `json:"user_id"`
	Command string `json:"command"`
}

// handleExecuteSSE runs one command and streams its events as
// server-sent events, one `data:` frame per event. The response stays
// open until the terminal event.
func (s *Server) handleExecuteSSE(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}
	if !s.limiters.Allow(req.UserID) {
		writeError(w, http.StatusTooManyRequests, "execute rate limit exceeded")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, err := s.mgr.Execute(r.Context(), r.PathValue("id"), req.Command)
	if err != nil {
		s.writeAgentError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The gateway binds to loopback; same-origin checks add nothing.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleExecuteWS upgrades to a WebSocket and runs one execution per
// received message, streaming each event as a JSON text frame. Errors
// come back as error events so the client sees a single frame shape.
func (s *Server) handleExecuteWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if _, err := s.mgr.Session(sessionID); err != nil {
		s.writeAgentError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws_upgrade_failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	for {
		var req executeRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("ws_closed", slog.Any("error", err))
			}
			return
		}
		if req.Command == "" {
			continue
		}
		if !s.limiters.Allow(req.UserID) {
			if err := conn.WriteJSON(wsErrorEvent(sessionID, agent.KindRateLimited, "execute rate limit exceeded")); err != nil {
				return
			}
			continue
		}

		events, err := s.mgr.Execute(r.Context(), sessionID, req.Command)
		if err != nil {
			if werr := conn.WriteJSON(wsErrorFrame(sessionID, err)); werr != nil {
				return
			}
			continue
		}
		for ev := range events {
			if err := conn.WriteJSON(ev); err != nil {
				// Client went away; drain so the runner finishes cleanly.
				for range events {
				}
				return
			}
		}
	}
}

// wsErrorFrame maps a manager error onto the event shape.
func wsErrorFrame(sessionID string, err error) agent.Event {
	var kind agent.ErrorKind
	switch {
	case errors.Is(err, agent.ErrAlreadyExecuting):
		kind = agent.KindAlreadyExecuting
	case errors.Is(err, agent.ErrSessionNotFound):
		kind = agent.KindSessionNotFound
	case errors.Is(err, agent.ErrTransportClosed):
		kind = agent.KindTransportClosed
	}
	return wsErrorEvent(sessionID, kind, err.Error())
}

func wsErrorEvent(sessionID string, kind agent.ErrorKind, msg string) agent.Event {
	ev := agent.Event{Type: agent.EventError, ErrorKind: kind, Content: msg}
	ev.SessionID = sessionID
	return ev
}
