package proc

import (
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/seongjae-dev/agentrelay/internal/logging"
)

// ptyRows and ptyCols size the emulated terminal given to TTY-requiring
// agents. 80x24 keeps line-wrapping behavior predictable for parsing.
const (
	ptyRows = 24
	ptyCols = 80
)

// PTYTransport runs the agent attached to a pseudo-terminal. The child gets
// the slave side as its controlling terminal; the parent keeps only the
// master descriptor. For agents that refuse to run without a real TTY.
type PTYTransport struct {
	spec Spec

	mu     sync.Mutex
	cmd    *exec.Cmd
	master *os.File
	closed bool

	chunks chan []byte

	done chan struct{}
	exit ExitStatus

	termOnce  sync.Once
	closeOnce sync.Once
}

var _ Transport = (*PTYTransport)(nil)

// NewPTYTransport creates an unstarted pty transport.
func NewPTYTransport(spec Spec) *PTYTransport {
	return &PTYTransport{
		spec:   spec,
		chunks: make(chan []byte, 64),
		done:   make(chan struct{}),
	}
}

// Start allocates the pty pair and spawns the process inside the slave with
// stdio redirected. The master is retained by the parent.
func (t *PTYTransport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cmd := exec.Command(t.spec.Path, t.spec.Args...)
	cmd.Dir = t.spec.Dir
	cmd.Env = t.spec.Env

	master, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: ptyRows, Cols: ptyCols})
	if err != nil {
		return &SpawnError{Path: t.spec.Path, Err: err}
	}
	t.cmd = cmd
	t.master = master

	go t.pump(master)
	return nil
}

// pump reads master output into the chunk channel until the child exits.
// A read error on the master (EIO once the slave side is gone) ends the
// stream the same way EOF does on a pipe.
func (t *PTYTransport) pump(master *os.File) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := master.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			t.chunks <- chunk
		}
		if err != nil {
			break
		}
	}
	close(t.chunks)

	err := t.cmd.Wait()
	t.exit = exitStatusFromWait(err)
	t.closeMaster()
	close(t.done)
}

// WriteLine writes a newline-terminated line to the pty master.
func (t *PTYTransport) WriteLine(line string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.master == nil || t.closed {
		return ErrClosed
	}
	select {
	case <-t.done:
		return ErrClosed
	default:
	}

	if _, err := io.WriteString(t.master, line+"\n"); err != nil {
		return ErrClosed
	}
	return nil
}

// ReadChunk returns the next chunk of terminal output, io.EOF once the child
// has exited, or ErrReadTimeout.
func (t *PTYTransport) ReadChunk(timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case chunk, ok := <-t.chunks:
		if !ok {
			return nil, io.EOF
		}
		return chunk, nil
	case <-timer.C:
		return nil, ErrReadTimeout
	}
}

// Alive reports whether the child process is still running.
func (t *PTYTransport) Alive() bool {
	t.mu.Lock()
	started := t.cmd != nil
	t.mu.Unlock()
	if !started {
		return false
	}
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Wait blocks until the child has been reaped.
func (t *PTYTransport) Wait() ExitStatus {
	<-t.done
	return t.exit
}

// StderrTail is empty for pty transports: a terminal merges both streams.
func (t *PTYTransport) StderrTail() string { return "" }

// Terminate signals the child's session, escalates to SIGKILL after the
// grace period, and always closes the master descriptor. Idempotent.
func (t *PTYTransport) Terminate() error {
	t.termOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		cmd := t.cmd
		t.mu.Unlock()

		if cmd == nil || cmd.Process == nil {
			t.closeMaster()
			return
		}

		select {
		case <-t.done:
			return
		default:
		}

		// pty.Start puts the child in its own session, so the child's
		// pid doubles as the process group id.
		pgid := -cmd.Process.Pid
		_ = syscall.Kill(pgid, syscall.SIGTERM)

		if t.drainUntilExit(graceDelay) {
			return
		}

		if err := syscall.Kill(pgid, syscall.SIGKILL); err != nil {
			logging.ForComponent(logging.CompTransport).
				Warn("kill_failed", "pid", cmd.Process.Pid, "error", err)
		}
		t.drainUntilExit(-1)
	})
	return nil
}

func (t *PTYTransport) drainUntilExit(timeout time.Duration) bool {
	var deadline <-chan time.Time
	if timeout >= 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		select {
		case <-t.done:
			return true
		case <-deadline:
			return false
		case _, ok := <-t.chunks:
			if !ok {
				<-t.done
				return true
			}
		}
	}
}

func (t *PTYTransport) closeMaster() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		master := t.master
		t.mu.Unlock()
		if master != nil {
			master.Close()
		}
	})
}
