// Package gateway exposes the session manager over HTTP: a small REST
// surface for session lifecycle plus SSE and WebSocket endpoints for
// streaming execution output.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/seongjae-dev/agentrelay/internal/agent"
	"github.com/seongjae-dev/agentrelay/internal/config"
	"github.com/seongjae-dev/agentrelay/internal/history"
	"github.com/seongjae-dev/agentrelay/internal/logging"
)

// Server is the embedded HTTP gateway. It binds to the configured host
// (loopback by default) and is lifecycle-bound to the relay process.
type Server struct {
	cfg      config.ServerConfig
	mgr      *agent.Manager
	hist     *history.Store
	limiters *userLimiters
	server   *http.Server
	log      *slog.Logger
}

// New wires the gateway. hist may be nil when the execution log is
// disabled.
func New(cfg config.ServerConfig, mgr *agent.Manager, hist *history.Store) *Server {
	s := &Server{
		cfg:      cfg,
		mgr:      mgr,
		hist:     hist,
		limiters: newUserLimiters(cfg.ExecutesPerMinute),
		log:      logging.ForComponent(logging.CompGateway),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /agents", s.handleListAgents)
	mux.HandleFunc("POST /agents", s.handleRegisterAgent)
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleTerminateSession)
	mux.HandleFunc("POST /sessions/{id}/execute", s.handleExecuteSSE)
	mux.HandleFunc("GET /sessions/{id}/ws", s.handleExecuteWS)
	mux.HandleFunc("GET /history", s.handleHistory)

	s.server = &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		// No WriteTimeout: SSE and WebSocket responses stay open for the
		// life of an execution.
	}
	return s
}

// ServeHTTP delegates to the mux, for tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.server.Handler.ServeHTTP(w, r)
}

// Start binds and serves until ctx is cancelled. Returns nil on clean
// shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen %s: %w", addr, err)
	}
	s.log.Info("gateway_started", slog.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// agentView is the public shape of one registered agent type.
type agentView struct {
	Name         string `json:"name"`
	Mode         string `json:"mode"`
	StreamFormat string `json:"stream_format"`
	TimeoutSecs  int    `json:"timeout_secs"`
	MaxSessions  int    `json:"max_sessions"`
}

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	agents := s.mgr.Agents()
	views := make([]agentView, 0, len(agents))
	for _, cfg := range agents {
		views = append(views, agentView{
			Name:         cfg.Name,
			Mode:         string(cfg.Mode),
			StreamFormat: cfg.StreamFormat,
			TimeoutSecs:  int(cfg.Timeout.Seconds()),
			MaxSessions:  cfg.MaxSessions,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": views})
}

// registerAgentRequest mirrors the agent block of the config file so
// agents can be added at runtime without a restart.
type registerAgentRequest struct {
	Name            string   `json:"name"`
	Command         string   `json:"command"`
	Args            []string `json:"args"`
	WorkingDir      string   `json:"working_dir"`
	Mode            string   `json:"mode"`
	StreamFormat    string   `json:"stream_format"`
	TimeoutSecs     int      `json:"timeout_secs"`
	InitTimeoutSecs int      `json:"init_timeout_secs"`
	MaxSessions     int      `json:"max_sessions"`
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.Command == "" {
		writeError(w, http.StatusBadRequest, "name and command are required")
		return
	}
	def := config.AgentDef{
		Command:         req.Command,
		Args:            req.Args,
		WorkingDir:      req.WorkingDir,
		Mode:            req.Mode,
		StreamFormat:    req.StreamFormat,
		TimeoutSecs:     req.TimeoutSecs,
		InitTimeoutSecs: req.InitTimeoutSecs,
		MaxSessions:     req.MaxSessions,
	}
	s.mgr.RegisterAgent(def.AgentConfig(req.Name))
	w.WriteHeader(http.StatusCreated)
}

type createSessionRequest struct {
	UserID     string `json:"user_id"`
	Agent      string `json:"agent"`
	WorkingDir string `json:"working_dir"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.Agent == "" {
		writeError(w, http.StatusBadRequest, "user_id and agent are required")
		return
	}

	info, err := s.mgr.CreateSession(r.Context(), req.UserID, req.Agent, req.WorkingDir)
	if err != nil {
		s.writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	infos := s.mgr.ListSessions(r.URL.Query().Get("user_id"), r.URL.Query().Get("filter"))
	writeJSON(w, http.StatusOK, map[string]any{"sessions": infos})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	info, err := s.mgr.Session(r.PathValue("id"))
	if err != nil {
		s.writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleTerminateSession(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.TerminateSession(r.PathValue("id")); err != nil {
		s.writeAgentError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.hist == nil {
		writeError(w, http.StatusNotFound, "execution history is disabled")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.hist.Recent(r.URL.Query().Get("session_id"), r.URL.Query().Get("user_id"), limit)
	if err != nil {
		s.log.Error("history_query_failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "history query failed")
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": entries})
}

// writeAgentError maps manager errors onto HTTP statuses.
func (s *Server) writeAgentError(w http.ResponseWriter, err error) {
	var initErr *agent.InitError
	switch {
	case errors.Is(err, agent.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, agent.ErrAgentNotRegistered):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, agent.ErrAlreadyExecuting):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &initErr):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.log.Error("request_failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
