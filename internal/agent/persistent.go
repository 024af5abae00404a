package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seongjae-dev/agentrelay/internal/proc"
)

// persistentRunner keeps one process alive for the life of the session
// and feeds each message to its stdin. A turn ends on the agent's result
// line or after sustained silence.
type persistentRunner struct {
	cfg  Config
	sess *Session
	log  *slog.Logger
}

func (r *persistentRunner) session() *Session { return r.sess }

// start spawns the process at session creation so a broken agent fails
// the create call instead of the first message.
func (r *persistentRunner) start(ctx context.Context) error {
	_, err := r.ensureStarted(ctx)
	return err
}

func (r *persistentRunner) execute(ctx context.Context, command string) (<-chan Event, error) {
	if err := r.sess.beginExecution(); err != nil {
		return nil, err
	}

	out := make(chan Event, eventBuffer)
	go func() {
		defer close(out)
		defer r.sess.endExecution()
		r.runTurn(ctx, command, out)
	}()
	return out, nil
}

func (r *persistentRunner) runTurn(ctx context.Context, command string, out chan<- Event) {
	tr, err := r.ensureStarted(ctx)
	if err != nil {
		ev := startFailureEvent(r.sess, r.log, err)
		out <- ev
		return
	}

	if err := tr.WriteLine(command); err != nil {
		r.log.Warn("stdin_write_failed", slog.Any("error", err))
		ev := errorEvent(KindTransportClosed, "agent process is no longer accepting input")
		ev.SessionID, ev.Agent = r.sess.ID, r.sess.Agent
		out <- ev
		return
	}

	parser := ParserFor(r.cfg.StreamFormat)
	res := streamTurn(ctx, r.sess, tr, parser, streamParams{
		poll:         persistentPoll,
		budget:       r.cfg.Timeout,
		idleLimit:    persistentIdleLimit,
		stopOnResult: true,
	}, out)

	terminal := r.finishTurn(tr, res)
	terminal.SessionID, terminal.Agent = r.sess.ID, r.sess.Agent
	if terminal.Type == EventCompletion || terminal.ErrorKind == KindResultError {
		r.sess.completeTurn(command)
	}
	out <- terminal
}

func (r *persistentRunner) finishTurn(tr proc.Transport, res streamResult) Event {
	switch {
	case res.canceled:
		return errorEvent(KindCanceled, "execution canceled")
	case res.timedOut:
		// The turn blew its budget; kill the process. The session stays
		// registered so the owner sees what happened, but further turns
		// fail until it is explicitly terminated.
		_ = tr.Terminate()
		r.log.Warn("execution_timeout", slog.Duration("budget", r.cfg.Timeout))
		return errorEvent(KindTimeout, fmt.Sprintf("execution exceeded %s", r.cfg.Timeout))
	case res.eof:
		status, stderr := waitTail(tr)
		r.log.Warn("agent_exited_midturn", slog.Int("code", status.Code))
		return exitErrorEvent(status.Code, stderr)
	case res.hasTerminal:
		return res.terminal
	default:
		// Idle limit reached with no result line; treat the silence as
		// the end of the turn.
		return completionEvent("")
	}
}

// ensureStarted returns the live transport, spawning and handshaking on
// first use. A previously started process that has since died is not
// respawned.
func (r *persistentRunner) ensureStarted(ctx context.Context) (proc.Transport, error) {
	if tr := r.sess.currentTransport(); tr != nil {
		if tr.Alive() {
			return tr, nil
		}
		return nil, ErrTransportClosed
	}

	tr := proc.NewPipeTransport(proc.Spec{
		Path:      r.cfg.Command,
		Args:      append([]string{}, r.cfg.Args...),
		Dir:       r.sess.WorkDir,
		Env:       proc.BuildEnv(nil),
		KeepStdin: true,
	})
	if err := tr.Start(); err != nil {
		r.log.Error("spawn_failed", slog.Any("error", err))
		return nil, err
	}

	if err := r.handshake(ctx, tr); err != nil {
		_ = tr.Terminate()
		return nil, &InitError{Agent: r.cfg.Name, Stderr: tr.StderrTail(), Err: err}
	}

	r.sess.setTransport(tr)
	r.log.Info("agent_started", slog.String("command", r.cfg.Command))
	return tr, nil
}

// handshake waits for the agent's first output line, proof that the
// process came up and is ready for input.
func (r *persistentRunner) handshake(ctx context.Context, tr proc.Transport) error {
	deadline := time.Now().Add(r.cfg.InitTimeout)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("no output within %s", r.cfg.InitTimeout)
		}
		chunk, err := tr.ReadChunk(readPoll)
		if errors.Is(err, proc.ErrReadTimeout) {
			continue
		}
		if err != nil {
			return fmt.Errorf("agent exited during startup")
		}
		for _, line := range r.sess.partial.Split(chunk) {
			if line == "" {
				continue
			}
			r.sess.observeToken(extractResumeToken(line))
			return nil
		}
	}
}

func (r *persistentRunner) terminate() error {
	return terminateTransport(r.sess, r.log)
}
