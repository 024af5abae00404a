package agent

import (
	"bytes"
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/seongjae-dev/agentrelay/internal/proc"
)

// lineBuffer accumulates raw output bytes and yields complete lines.
// A trailing fragment without a newline stays buffered until more bytes
// arrive or Flush is called.
type lineBuffer struct {
	buf []byte
}

// Split appends chunk and returns all complete lines, newline stripped.
func (b *lineBuffer) Split(chunk []byte) []string {
	b.buf = append(b.buf, chunk...)
	var lines []string
	for {
		i := bytes.IndexByte(b.buf, '\n')
		if i < 0 {
			return lines
		}
		line := b.buf[:i]
		if len(line) > 0 && line[len(line)-1] == '\r' {
			line = line[:len(line)-1]
		}
		lines = append(lines, string(line))
		b.buf = b.buf[i+1:]
	}
}

// Flush returns the buffered fragment, if any, and empties the buffer.
func (b *lineBuffer) Flush() (string, bool) {
	if len(b.buf) == 0 {
		return "", false
	}
	line := string(bytes.TrimRight(b.buf, "\r"))
	b.buf = b.buf[:0]
	return line, true
}

var uuidPattern = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)

// extractResumeToken scans output text for an agent continuation
// identifier. Returns "" when none is present.
func extractResumeToken(line string) string {
	m := uuidPattern.FindString(line)
	if m == "" {
		return ""
	}
	if _, err := uuid.Parse(m); err != nil {
		return ""
	}
	return m
}

// streamParams tune one read loop over a transport.
type streamParams struct {
	// poll is the per-read timeout handed to Transport.ReadChunk.
	poll time.Duration

	// budget is the wall-clock limit for the whole execution.
	budget time.Duration

	// idleLimit ends the loop after this many consecutive read timeouts.
	// Zero means no idle limit; only EOF or the budget ends the loop.
	idleLimit int

	// stopOnResult ends the loop as soon as the parser yields a terminal
	// event, without waiting for EOF.
	stopOnResult bool
}

// streamResult summarizes why a read loop ended.
type streamResult struct {
	// terminal is the parser-produced terminal event, when one was seen.
	terminal    Event
	hasTerminal bool

	eof      bool
	timedOut bool
	idledOut bool
	canceled bool
}

// streamTurn reads the transport until the turn ends, forwarding every
// non-terminal event to out. Terminal events are returned, not forwarded,
// so the runner can emit exactly one per execution.
func streamTurn(ctx context.Context, sess *Session, tr proc.Transport, parser Parser, p streamParams, out chan<- Event) streamResult {
	deadline := time.Now().Add(p.budget)
	idle := 0
	var res streamResult

	emit := func(line string) bool {
		if line == "" {
			return false
		}
		sess.observeToken(extractResumeToken(line))
		ev := parser.Parse(line)
		ev.SessionID = sess.ID
		ev.Agent = sess.Agent
		if ev.IsTerminal() {
			res.terminal = ev
			res.hasTerminal = true
			return true
		}
		out <- ev
		return false
	}

	for {
		if ctx.Err() != nil {
			res.canceled = true
			return res
		}
		if time.Now().After(deadline) {
			res.timedOut = true
			return res
		}
		chunk, err := tr.ReadChunk(p.poll)
		if errors.Is(err, proc.ErrReadTimeout) {
			idle++
			if p.idleLimit > 0 && idle >= p.idleLimit {
				res.idledOut = true
				return res
			}
			continue
		}
		if err != nil {
			if line, ok := sess.partial.Flush(); ok {
				emit(line)
			}
			res.eof = true
			return res
		}
		idle = 0
		for _, line := range sess.partial.Split(chunk) {
			if emit(line) && p.stopOnResult {
				return res
			}
		}
	}
}
