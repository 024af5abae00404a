package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound reports an unknown or already-terminated session id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrAlreadyExecuting reports a second submission on a session that
	// already has an in-flight command. Commands are never queued.
	ErrAlreadyExecuting = errors.New("session is already executing a command")

	// ErrAgentNotRegistered reports an unknown agent type.
	ErrAgentNotRegistered = errors.New("agent not registered")

	// ErrTransportClosed reports a session whose process has exited.
	// The session stays registered until explicitly terminated.
	ErrTransportClosed = errors.New("agent process has exited")
)

// InitError reports a persistent or pty agent that failed its startup
// handshake. Session creation is aborted and all resources are released.
type InitError struct {
	Agent  string
	Stderr string
	Err    error
}

func (e *InitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("agent %s initialization failed: %s", e.Agent, e.Stderr)
	}
	return fmt.Sprintf("agent %s initialization failed: %v", e.Agent, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }
