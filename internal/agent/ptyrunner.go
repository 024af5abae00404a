package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seongjae-dev/agentrelay/internal/proc"
)

// ptyRunner keeps one process attached to a pseudo-terminal for agents
// that refuse to run without a TTY. Output is whatever the terminal
// shows; a turn ends on sustained silence.
type ptyRunner struct {
	cfg  Config
	sess *Session
	log  *slog.Logger
}

func (r *ptyRunner) session() *Session { return r.sess }

func (r *ptyRunner) start(ctx context.Context) error {
	_, err := r.ensureStarted(ctx)
	return err
}

func (r *ptyRunner) execute(ctx context.Context, command string) (<-chan Event, error) {
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

func (r *ptyRunner) runTurn(ctx context.Context, command string, out chan<- Event) {
	tr, err := r.ensureStarted(ctx)
	if err != nil {
		out <- startFailureEvent(r.sess, r.log, err)
		return
	}

	if err := tr.WriteLine(command); err != nil {
		r.log.Warn("pty_write_failed", slog.Any("error", err))
		ev := errorEvent(KindTransportClosed, "agent process is no longer accepting input")
		ev.SessionID, ev.Agent = r.sess.ID, r.sess.Agent
		out <- ev
		return
	}

	parser := ParserFor(r.cfg.StreamFormat)
	res := streamTurn(ctx, r.sess, tr, parser, streamParams{
		poll:      readPoll,
		budget:    r.cfg.Timeout,
		idleLimit: ptyIdleLimit,
	}, out)

	terminal := r.finishTurn(tr, res)
	terminal.SessionID, terminal.Agent = r.sess.ID, r.sess.Agent
	if terminal.Type == EventCompletion {
		r.sess.completeTurn(command)
	}
	out <- terminal
}

func (r *ptyRunner) finishTurn(tr proc.Transport, res streamResult) Event {
	switch {
	case res.canceled:
		return errorEvent(KindCanceled, "execution canceled")
	case res.timedOut:
		_ = tr.Terminate()
		r.log.Warn("execution_timeout", slog.Duration("budget", r.cfg.Timeout))
		return errorEvent(KindTimeout, fmt.Sprintf("execution exceeded %s", r.cfg.Timeout))
	case res.eof:
		status, _ := waitTail(tr)
		r.log.Warn("agent_exited_midturn", slog.Int("code", status.Code))
		return exitErrorEvent(status.Code, "")
	case res.hasTerminal:
		return res.terminal
	default:
		return completionEvent("")
	}
}

// ensureStarted spawns the agent under a pty on first use and waits for
// its startup burst. Interactive agents always print a banner or prompt;
// a silent start means the agent never came up.
func (r *ptyRunner) ensureStarted(ctx context.Context) (proc.Transport, error) {
	if tr := r.sess.currentTransport(); tr != nil {
		if tr.Alive() {
			return tr, nil
		}
		return nil, ErrTransportClosed
	}

	tr := proc.NewPTYTransport(proc.Spec{
		Path: r.cfg.Command,
		Args: append([]string{}, r.cfg.Args...),
		Dir:  r.sess.WorkDir,
		Env:  proc.BuildEnv(map[string]string{"TERM": "xterm-256color"}),
	})
	if err := tr.Start(); err != nil {
		r.log.Error("spawn_failed", slog.Any("error", err))
		return nil, err
	}

	if err := r.awaitBanner(ctx, tr); err != nil {
		_ = tr.Terminate()
		return nil, &InitError{Agent: r.cfg.Name, Err: err}
	}

	r.sess.setTransport(tr)
	r.log.Info("agent_started", slog.String("command", r.cfg.Command))
	return tr, nil
}

func (r *ptyRunner) awaitBanner(ctx context.Context, tr proc.Transport) error {
	deadline := time.Now().Add(r.cfg.InitTimeout)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("no terminal output within %s", r.cfg.InitTimeout)
		}
		chunk, err := tr.ReadChunk(readPoll)
		if errors.Is(err, proc.ErrReadTimeout) {
			continue
		}
		if err != nil {
			return fmt.Errorf("agent exited during startup")
		}
		if len(chunk) > 0 {
			// Consume the banner so it stays out of the first turn's
			// output, but still mine it for a resume token.
			for _, line := range r.sess.partial.Split(chunk) {
				r.sess.observeToken(extractResumeToken(line))
			}
			if line, ok := r.sess.partial.Flush(); ok {
				r.sess.observeToken(extractResumeToken(line))
			}
			return nil
		}
	}
}

func (r *ptyRunner) terminate() error {
	return terminateTransport(r.sess, r.log)
}
