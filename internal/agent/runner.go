package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seongjae-dev/agentrelay/internal/logging"
	"github.com/seongjae-dev/agentrelay/internal/proc"
)

const (
	// readPoll is the per-read timeout for one-shot and pty streams.
	readPoll = 100 * time.Millisecond

	// persistentPoll is the longer per-read timeout for persistent
	// agents, whose turns end on an explicit result line.
	persistentPoll = 2 * time.Second

	// persistentIdleLimit ends a persistent turn after this many
	// consecutive silent reads when no result line arrives.
	persistentIdleLimit = 3

	// ptyIdleLimit ends a pty turn after this many consecutive empty
	// reads, roughly five seconds of terminal silence.
	ptyIdleLimit = 50

	// eventBuffer sizes each execution's event channel.
	eventBuffer = 256
)

// runner drives one session's executions against its transport strategy.
type runner interface {
	session() *Session
	execute(ctx context.Context, command string) (<-chan Event, error)
	terminate() error
}

func newRunner(cfg Config, sess *Session) runner {
	switch cfg.Mode {
	case ModePersistent:
		return &persistentRunner{cfg: cfg, sess: sess, log: runnerLogger(cfg, sess)}
	case ModePTY:
		return &ptyRunner{cfg: cfg, sess: sess, log: runnerLogger(cfg, sess)}
	default:
		return &oneShotRunner{cfg: cfg, sess: sess, log: runnerLogger(cfg, sess)}
	}
}

func runnerLogger(cfg Config, sess *Session) *slog.Logger {
	return logging.ForComponent(logging.CompSession).With(
		slog.String("agent", cfg.Name),
		slog.String("session_id", sess.ID),
	)
}

// resumeArgs builds the continuation flags for agent CLIs that accept
// them. The first turn runs bare; later turns resume by token when one
// was captured, otherwise continue the most recent conversation.
func resumeArgs(turns int, token string) []string {
	if turns == 0 {
		return nil
	}
	if token != "" {
		return []string{"--resume", token}
	}
	return []string{"--continue"}
}

// terminateTransport detaches and tears down the session's process, if
// any. Safe to call more than once.
func terminateTransport(sess *Session, log *slog.Logger) error {
	tr := sess.markTerminated()
	if tr == nil {
		return nil
	}
	if err := tr.Terminate(); err != nil {
		log.Warn("transport_terminate_failed", slog.Any("error", err))
		return fmt.Errorf("terminate session %s: %w", sess.ID, err)
	}
	log.Info("session_terminated")
	return nil
}

// spawnErrorEvent normalizes a failed process start into a terminal event.
func spawnErrorEvent(sess *Session, err error) Event {
	ev := errorEvent(KindSpawn, fmt.Sprintf("failed to start agent process: %v", err))
	ev.SessionID = sess.ID
	ev.Agent = sess.Agent
	return ev
}

// startFailureEvent maps a persistent/pty start error to its terminal event.
func startFailureEvent(sess *Session, log *slog.Logger, err error) Event {
	var initErr *InitError
	var ev Event
	switch {
	case errors.Is(err, ErrTransportClosed):
		ev = errorEvent(KindTransportClosed, "agent process has exited; terminate the session to clean up")
	case errors.As(err, &initErr):
		log.Error("init_failed", slog.Any("error", err))
		msg := fmt.Sprintf("agent failed to initialize: %v", initErr.Err)
		if initErr.Stderr != "" {
			msg += "\nstderr: " + initErr.Stderr
		}
		ev = errorEvent(KindInitialization, msg)
	default:
		return spawnErrorEvent(sess, err)
	}
	ev.SessionID, ev.Agent = sess.ID, sess.Agent
	return ev
}

// waitTail collects the exit status and recent stderr after a one-shot
// process finishes or is killed.
func waitTail(tr proc.Transport) (proc.ExitStatus, string) {
	st := tr.Wait()
	return st, tr.StderrTail()
}
