// Package agent turns registered agent CLIs into managed sessions. It
// spawns and supervises the processes, normalizes their output into
// events, and enforces per-user session caps and execution budgets.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sahilm/fuzzy"

	"github.com/seongjae-dev/agentrelay/internal/logging"
)

// ExecutionRecord summarizes one finished execution for observers.
type ExecutionRecord struct {
	SessionID string
	UserID    string
	Agent     string
	Command   string
	StartedAt time.Time
	Duration  time.Duration
	Outcome   string
	ErrorKind ErrorKind
	Events    int
}

// ExecutionObserver receives a record after each execution ends.
type ExecutionObserver func(ExecutionRecord)

// starter is implemented by runners whose process comes up at session
// creation rather than on first message.
type starter interface {
	start(ctx context.Context) error
}

// Manager owns the agent registry and all live sessions. All methods are
// safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	agents   map[string]Config
	sessions map[string]runner

	observer ExecutionObserver
	log      *slog.Logger
}

func NewManager() *Manager {
	return &Manager{
		agents:   make(map[string]Config),
		sessions: make(map[string]runner),
		log:      logging.ForComponent(logging.CompSession),
	}
}

// SetObserver installs the execution observer. Call before serving.
func (m *Manager) SetObserver(obs ExecutionObserver) {
	m.mu.Lock()
	m.observer = obs
	m.mu.Unlock()
}

// RegisterAgent adds or replaces one agent type.
func (m *Manager) RegisterAgent(cfg Config) {
	m.mu.Lock()
	m.agents[cfg.Name] = cfg
	m.mu.Unlock()
	m.log.Info("agent_registered",
		slog.String("agent", cfg.Name),
		slog.String("mode", string(cfg.Mode)))
}

// ReplaceAgents swaps the whole registry, used on config reload. Live
// sessions keep the configuration they were created with.
func (m *Manager) ReplaceAgents(agents map[string]Config) {
	m.mu.Lock()
	m.agents = make(map[string]Config, len(agents))
	for name, cfg := range agents {
		m.agents[name] = cfg
	}
	m.mu.Unlock()
	m.log.Info("agents_replaced", slog.Int("count", len(agents)))
}

// Agents lists registered agent types, sorted by name.
func (m *Manager) Agents() []Config {
	m.mu.Lock()
	out := make([]Config, 0, len(m.agents))
	for _, cfg := range m.agents {
		out = append(out, cfg)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CreateSession registers a new session for userID on the named agent.
// When the user is at the agent's session cap, the user's oldest session
// is terminated first. Persistent and pty agents start their process
// here; a failed start aborts the creation.
func (m *Manager) CreateSession(ctx context.Context, userID, agentName, workDir string) (Info, error) {
	m.mu.Lock()
	cfg, ok := m.agents[agentName]
	m.mu.Unlock()
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrAgentNotRegistered, agentName)
	}
	if workDir == "" {
		workDir = cfg.WorkingDir
	}

	if evicted := m.evictForCap(userID, cfg.MaxSessions); evicted != "" {
		m.log.Info("session_evicted",
			slog.String("user_id", userID),
			slog.String("session_id", evicted))
	}

	sess := newSession(userID, agentName, workDir)
	r := newRunner(cfg, sess)

	if s, ok := r.(starter); ok {
		if err := s.start(ctx); err != nil {
			_ = r.terminate()
			return Info{}, err
		}
	}

	m.mu.Lock()
	m.sessions[sess.ID] = r
	m.mu.Unlock()

	m.log.Info("session_created",
		slog.String("session_id", sess.ID),
		slog.String("user_id", userID),
		slog.String("agent", agentName))
	return sess.Snapshot(), nil
}

// evictForCap terminates the user's oldest session if they are at cap,
// returning the evicted id.
func (m *Manager) evictForCap(userID string, max int) string {
	if max <= 0 {
		return ""
	}
	m.mu.Lock()
	var oldest runner
	count := 0
	for _, r := range m.sessions {
		s := r.session()
		if s.UserID != userID {
			continue
		}
		count++
		if oldest == nil || s.CreatedAt.Before(oldest.session().CreatedAt) {
			oldest = r
		}
	}
	if count < max || oldest == nil {
		m.mu.Unlock()
		return ""
	}
	id := oldest.session().ID
	delete(m.sessions, id)
	m.mu.Unlock()

	_ = oldest.terminate()
	return id
}

// Execute submits one command to a session and streams its events. The
// returned channel carries zero or more progress events followed by
// exactly one terminal event, then closes.
func (m *Manager) Execute(ctx context.Context, sessionID, command string) (<-chan Event, error) {
	m.mu.Lock()
	r, ok := m.sessions[sessionID]
	obs := m.observer
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	events, err := r.execute(ctx, command)
	if err != nil {
		return nil, err
	}
	if obs == nil {
		return events, nil
	}
	return m.observed(r.session(), command, events, obs), nil
}

// observed tees the event stream, reporting a record to the observer
// once the terminal event passes through.
func (m *Manager) observed(sess *Session, command string, in <-chan Event, obs ExecutionObserver) <-chan Event {
	out := make(chan Event, eventBuffer)
	started := time.Now()
	go func() {
		defer close(out)
		rec := ExecutionRecord{
			SessionID: sess.ID,
			UserID:    sess.UserID,
			Agent:     sess.Agent,
			Command:   command,
			StartedAt: started,
		}
		for ev := range in {
			rec.Events++
			if ev.IsTerminal() {
				rec.Outcome = string(ev.Type)
				rec.ErrorKind = ev.ErrorKind
			}
			out <- ev
		}
		rec.Duration = time.Since(started)
		obs(rec)
	}()
	return out
}

// Session returns a snapshot of one session.
func (m *Manager) Session(sessionID string) (Info, error) {
	m.mu.Lock()
	r, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return r.session().Snapshot(), nil
}

// ListSessions returns session snapshots, newest first. userID narrows
// to one user when non-empty; filter fuzzy-matches against the agent
// name, working directory, and last command.
func (m *Manager) ListSessions(userID, filter string) []Info {
	m.mu.Lock()
	infos := make([]Info, 0, len(m.sessions))
	for _, r := range m.sessions {
		s := r.session()
		if userID != "" && s.UserID != userID {
			continue
		}
		infos = append(infos, s.Snapshot())
	}
	m.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.After(infos[j].CreatedAt)
	})

	if filter == "" {
		return infos
	}
	haystack := make([]string, len(infos))
	for i, info := range infos {
		haystack[i] = info.Agent + " " + info.WorkDir + " " + info.LastCommand
	}
	matches := fuzzy.Find(filter, haystack)
	filtered := make([]Info, 0, len(matches))
	for _, match := range matches {
		filtered = append(filtered, infos[match.Index])
	}
	return filtered
}

// TerminateSession removes the session and tears down its process. The
// id is unknown afterward.
func (m *Manager) TerminateSession(sessionID string) error {
	m.mu.Lock()
	r, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return r.terminate()
}

// Shutdown terminates every session. Used on process exit.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	runners := make([]runner, 0, len(m.sessions))
	for _, r := range m.sessions {
		runners = append(runners, r)
	}
	m.sessions = make(map[string]runner)
	m.mu.Unlock()

	for _, r := range runners {
		_ = r.terminate()
	}
	m.log.Info("manager_shutdown", slog.Int("sessions", len(runners)))
}
