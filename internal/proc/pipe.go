package proc

import (
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/seongjae-dev/agentrelay/internal/logging"
)

// stderrTailBytes bounds how much error-stream output is retained for
// ProcessExit error reporting.
const stderrTailBytes = 8 * 1024

// PipeTransport runs the agent as a plain subprocess with piped stdio. With
// Spec.KeepStdin it doubles as the persistent-interaction transport: one
// long-lived process, repeated stdin writes.
type PipeTransport struct {
	spec Spec

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	closed bool

	chunks chan []byte
	stderr *tailBuffer

	done chan struct{} // closed once the process has been reaped
	exit ExitStatus

	termOnce sync.Once
}

var _ Transport = (*PipeTransport)(nil)

// NewPipeTransport creates an unstarted pipe transport.
func NewPipeTransport(spec Spec) *PipeTransport {
	return &PipeTransport{
		spec:   spec,
		chunks: make(chan []byte, 64),
		stderr: newTailBuffer(stderrTailBytes),
		done:   make(chan struct{}),
	}
}

// Start spawns the process and begins pumping its output.
func (p *PipeTransport) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cmd := exec.Command(p.spec.Path, p.spec.Args...)
	cmd.Dir = p.spec.Dir
	cmd.Env = p.spec.Env
	// Own process group so Terminate can reach children spawned by the
	// agent (shells, helpers).
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stderr = p.stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &SpawnError{Path: p.spec.Path, Err: err}
	}

	if p.spec.KeepStdin {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return &SpawnError{Path: p.spec.Path, Err: err}
		}
		p.stdin = stdin
	}

	if err := cmd.Start(); err != nil {
		return &SpawnError{Path: p.spec.Path, Err: err}
	}
	p.cmd = cmd

	go p.pump(stdout)
	return nil
}

// pump reads stdout chunks into the channel, then reaps the process.
func (p *PipeTransport) pump(stdout io.ReadCloser) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			p.chunks <- chunk
		}
		if err != nil {
			break
		}
	}
	close(p.chunks)

	err := p.cmd.Wait()
	p.exit = exitStatusFromWait(err)
	close(p.done)
}

// WriteLine writes a newline-terminated line to the child's stdin.
func (p *PipeTransport) WriteLine(line string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stdin == nil || p.closed {
		return ErrClosed
	}
	select {
	case <-p.done:
		return ErrClosed
	default:
	}

	if _, err := io.WriteString(p.stdin, line+"\n"); err != nil {
		return ErrClosed
	}
	return nil
}

// ReadChunk returns the next chunk of stdout, io.EOF once the stream ends, or
// ErrReadTimeout if nothing arrived within timeout.
func (p *PipeTransport) ReadChunk(timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case chunk, ok := <-p.chunks:
		if !ok {
			return nil, io.EOF
		}
		return chunk, nil
	case <-timer.C:
		return nil, ErrReadTimeout
	}
}

// Alive reports whether the process is still running.
func (p *PipeTransport) Alive() bool {
	p.mu.Lock()
	started := p.cmd != nil
	p.mu.Unlock()
	if !started {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Wait blocks until the process has been reaped.
func (p *PipeTransport) Wait() ExitStatus {
	<-p.done
	return p.exit
}

// StderrTail returns the retained end of the error stream.
func (p *PipeTransport) StderrTail() string {
	return p.stderr.String()
}

// Terminate signals the process group, escalates to SIGKILL after the grace
// period, and closes stdin. Safe to call multiple times and safe to race
// with an in-flight execution.
func (p *PipeTransport) Terminate() error {
	p.termOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		cmd := p.cmd
		if p.stdin != nil {
			p.stdin.Close()
		}
		p.mu.Unlock()

		if cmd == nil || cmd.Process == nil {
			return
		}

		select {
		case <-p.done:
			return // already exited; pump reaped it
		default:
		}

		pgid := -cmd.Process.Pid
		_ = syscall.Kill(pgid, syscall.SIGTERM)

		if p.drainUntilExit(graceDelay) {
			return
		}

		if err := syscall.Kill(pgid, syscall.SIGKILL); err != nil {
			logging.ForComponent(logging.CompTransport).
				Warn("kill_failed", "pid", cmd.Process.Pid, "error", err)
		}
		p.drainUntilExit(-1)
	})
	return nil
}

// drainUntilExit discards pending output so the pump can reach EOF and reap
// the process. A negative timeout waits indefinitely. Returns true once the
// process has been reaped.
func (p *PipeTransport) drainUntilExit(timeout time.Duration) bool {
	var deadline <-chan time.Time
	if timeout >= 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		select {
		case <-p.done:
			return true
		case <-deadline:
			return false
		case _, ok := <-p.chunks:
			if !ok {
				<-p.done
				return true
			}
		}
	}
}

// exitStatusFromWait maps exec.Cmd.Wait errors to an ExitStatus.
func exitStatusFromWait(err error) ExitStatus {
	if err == nil {
		return ExitStatus{Code: 0}
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return ExitStatus{Code: exitErr.ExitCode(), Err: err}
	}
	return ExitStatus{Code: -1, Err: err}
}
