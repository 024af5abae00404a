package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/seongjae-dev/agentrelay/internal/proc"
)

// oneShotRunner spawns a fresh process per message. Conversation
// continuity rides on the agent CLI's own resume flags.
type oneShotRunner struct {
	cfg  Config
	sess *Session
	log  *slog.Logger
}

func (r *oneShotRunner) session() *Session { return r.sess }

func (r *oneShotRunner) execute(ctx context.Context, command string) (<-chan Event, error) {
	if err := r.sess.beginExecution(); err != nil {
		return nil, err
	}

	turns, token := r.sess.continuation()
	args := append([]string{}, r.cfg.Args...)
	args = append(args, resumeArgs(turns, token)...)
	args = append(args, command)

	out := make(chan Event, eventBuffer)
	go func() {
		defer close(out)
		defer r.sess.endExecution()
		r.runTurn(ctx, args, command, out)
	}()
	return out, nil
}

func (r *oneShotRunner) runTurn(ctx context.Context, args []string, command string, out chan<- Event) {
	tr := proc.NewPipeTransport(proc.Spec{
		Path: r.cfg.Command,
		Args: args,
		Dir:  r.sess.WorkDir,
		Env:  proc.BuildEnv(nil),
	})
	if err := tr.Start(); err != nil {
		r.log.Error("spawn_failed", slog.Any("error", err))
		out <- spawnErrorEvent(r.sess, err)
		return
	}
	r.sess.setTransport(tr)
	defer r.sess.setTransport(nil)

	r.log.Info("execution_started", slog.Int("turn", r.sess.Snapshot().Turns+1))
	st := statusEvent("agent started")
	st.SessionID, st.Agent = r.sess.ID, r.sess.Agent
	out <- st

	parser := ParserFor(r.cfg.StreamFormat)
	res := streamTurn(ctx, r.sess, tr, parser, streamParams{
		poll:   readPoll,
		budget: r.cfg.Timeout,
	}, out)

	terminal := r.finishTurn(tr, res)
	terminal.SessionID, terminal.Agent = r.sess.ID, r.sess.Agent
	if terminal.Type == EventCompletion || terminal.ErrorKind == KindResultError {
		r.sess.completeTurn(command)
	}
	out <- terminal
}

// finishTurn tears the process down and derives the single terminal event
// for this execution.
func (r *oneShotRunner) finishTurn(tr proc.Transport, res streamResult) Event {
	switch {
	case res.canceled:
		_ = tr.Terminate()
		return errorEvent(KindCanceled, "execution canceled")
	case res.timedOut:
		_ = tr.Terminate()
		r.log.Warn("execution_timeout", slog.Duration("budget", r.cfg.Timeout))
		return errorEvent(KindTimeout, fmt.Sprintf("execution exceeded %s", r.cfg.Timeout))
	}

	status, stderr := waitTail(tr)
	if res.hasTerminal {
		return res.terminal
	}
	if status.Code != 0 {
		r.log.Warn("agent_exit_nonzero", slog.Int("code", status.Code))
		return exitErrorEvent(status.Code, stderr)
	}
	return completionEvent("")
}

func (r *oneShotRunner) terminate() error {
	return terminateTransport(r.sess, r.log)
}
