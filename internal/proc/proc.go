// Package proc abstracts the ways agentrelay runs external agent processes:
// a plain pipe-based subprocess (one process per message), a long-lived
// subprocess with persistent stdin, and a pseudo-terminal-backed subprocess
// for agents that refuse to run without an attached TTY.
//
// All variants expose the same Transport contract so the runner layer stays
// transport-agnostic: spawn, write a line, read an output chunk bounded by a
// timeout, and terminate with guaranteed descriptor release.
package proc

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// readChunkSize is the buffer size for a single read from the child's output.
const readChunkSize = 4096

// graceDelay is how long Terminate waits after SIGTERM before escalating
// to SIGKILL.
const graceDelay = 300 * time.Millisecond

// ErrReadTimeout is returned by ReadChunk when no output arrived within the
// caller's timeout. The process may still be running; callers poll again.
var ErrReadTimeout = errors.New("read timed out")

// ErrClosed is returned for writes against a process that has exited or a
// transport that has been terminated.
var ErrClosed = errors.New("transport closed")

// SpawnError wraps failures to start the agent process (missing executable,
// invalid working directory).
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Spec describes the process to run.
type Spec struct {
	Path string
	Args []string
	Dir  string
	Env  []string

	// KeepStdin keeps the child's stdin open for repeated writes
	// (persistent mode). Ignored by the pty transport, which is always
	// interactive.
	KeepStdin bool
}

// ExitStatus is the final disposition of the child process.
type ExitStatus struct {
	Code int
	Err  error
}

// Transport is the uniform process contract shared by the pipe and pty
// variants.
type Transport interface {
	// Start spawns the process. Fails with *SpawnError if the executable
	// or working directory is invalid.
	Start() error

	// WriteLine appends a newline and writes to the child's input.
	// Returns ErrClosed if the process has exited.
	WriteLine(line string) error

	// ReadChunk returns the next output chunk, io.EOF when the stream is
	// finished, or ErrReadTimeout if nothing arrived within timeout. It
	// never blocks longer than timeout.
	ReadChunk(timeout time.Duration) ([]byte, error)

	// Alive reports whether the child process is still running.
	Alive() bool

	// Wait blocks until the child has exited and returns its status.
	Wait() ExitStatus

	// StderrTail returns the most recent captured error-stream output.
	StderrTail() string

	// Terminate sends a graceful signal, escalates to SIGKILL after a
	// short grace period, and releases all descriptors. Idempotent.
	Terminate() error
}

// tailBuffer keeps the last max bytes written to it. Used to retain the end
// of stderr for error reporting without unbounded growth.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
