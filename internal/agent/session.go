package agent

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seongjae-dev/agentrelay/internal/proc"
)

// Mode selects the runner behavior for an agent type.
type Mode string

const (
	// ModeOneShot spawns one process per message.
	ModeOneShot Mode = "oneshot"

	// ModePersistent keeps one process per session alive and writes each
	// message to its stdin.
	ModePersistent Mode = "persistent"

	// ModePTY is like persistent, but the process runs attached to a
	// pseudo-terminal for agents that require a real TTY.
	ModePTY Mode = "pty"
)

// Config is the immutable registration-time configuration of an agent type.
type Config struct {
	// Name identifies the agent type ("claude", "gemini", ...).
	Name string

	// Command is the executable path; Args are the default arguments.
	Command string
	Args    []string

	// WorkingDir is the default working directory for new sessions.
	WorkingDir string

	Mode         Mode
	StreamFormat string

	// Timeout is the wall-clock budget for one execution.
	Timeout time.Duration

	// InitTimeout bounds the startup handshake for persistent/pty agents.
	InitTimeout time.Duration

	// MaxSessions caps concurrent sessions per user; creating beyond the
	// cap evicts that user's oldest session.
	MaxSessions int
}

// State is the lifecycle state of a session.
type State string

const (
	StateIdle       State = "idle"
	StateExecuting  State = "executing"
	StateTerminated State = "terminated"
)

// Session binds a user to one agent instance across possibly many turns.
// All state is process-memory-resident; nothing survives a restart.
type Session struct {
	ID        string
	UserID    string
	Agent     string
	WorkDir   string
	CreatedAt time.Time

	mu          sync.Mutex
	state       State
	turns       int
	lastCommand string

	// resumeToken is the agent's own continuation identifier, extracted
	// best-effort from output text. Non-authoritative metadata only.
	resumeToken string

	// transport is the live process, if any. For one-shot agents it is
	// only set while a turn is executing; for persistent/pty agents it
	// lives as long as the session.
	transport proc.Transport

	// partial buffers an incomplete output line between reads (and, for
	// persistent/pty agents, between turns).
	partial lineBuffer
}

func newSession(userID, agentName, workDir string) *Session {
	return &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Agent:     agentName,
		WorkDir:   workDir,
		CreatedAt: time.Now(),
		state:     StateIdle,
	}
}

// beginExecution atomically moves the session from idle to executing.
func (s *Session) beginExecution() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateTerminated:
		return ErrSessionNotFound
	case StateExecuting:
		return ErrAlreadyExecuting
	}
	s.state = StateExecuting
	return nil
}

// endExecution returns the session to idle unless it was terminated while
// the turn was running.
func (s *Session) endExecution() {
	s.mu.Lock()
	if s.state == StateExecuting {
		s.state = StateIdle
	}
	s.mu.Unlock()
}

// markTerminated transitions to the terminal state and detaches the
// transport, returning it for cleanup. Subsequent calls return nil.
func (s *Session) markTerminated() proc.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTerminated {
		return nil
	}
	s.state = StateTerminated
	tr := s.transport
	s.transport = nil
	return tr
}

func (s *Session) setTransport(tr proc.Transport) {
	s.mu.Lock()
	s.transport = tr
	s.mu.Unlock()
}

// currentTransport returns the live transport, or nil after termination.
func (s *Session) currentTransport() proc.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

// completeTurn records the bookkeeping of a finished turn.
func (s *Session) completeTurn(command string) {
	s.mu.Lock()
	s.turns++
	s.lastCommand = command
	s.mu.Unlock()
}

// continuation returns (turns so far, stored resume token).
func (s *Session) continuation() (int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns, s.resumeToken
}

// observeToken stores the first resume token seen in output text.
func (s *Session) observeToken(token string) {
	if token == "" {
		return
	}
	s.mu.Lock()
	if s.resumeToken == "" {
		s.resumeToken = token
	}
	s.mu.Unlock()
}

// Info is the externally visible snapshot of a session.
type Info struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Agent       string    `json:"agent"`
	WorkDir     string    `json:"working_dir"`
	CreatedAt   time.Time `json:"created_at"`
	State       State     `json:"state"`
	Turns       int       `json:"turns"`
	LastCommand string    `json:"last_command,omitempty"`
	ResumeToken string    `json:"resume_token,omitempty"`
	Running     bool      `json:"running"`
}

// Snapshot captures the session's current state.
func (s *Session) Snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	running := s.transport != nil && s.transport.Alive()
	return Info{
		ID:          s.ID,
		UserID:      s.UserID,
		Agent:       s.Agent,
		WorkDir:     s.WorkDir,
		CreatedAt:   s.CreatedAt,
		State:       s.state,
		Turns:       s.turns,
		LastCommand: s.lastCommand,
		ResumeToken: s.resumeToken,
		Running:     running,
	}
}
