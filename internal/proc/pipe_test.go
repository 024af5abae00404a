package proc

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

// readAll drains a transport's output until EOF, with a safety deadline.
func readAll(t *testing.T, tr Transport) string {
	t.Helper()
	var sb strings.Builder
	deadline := time.Now().Add(30 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatalf("transport never reached EOF; got %q", sb.String())
		}
		chunk, err := tr.ReadChunk(100 * time.Millisecond)
		if errors.Is(err, ErrReadTimeout) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return sb.String()
		}
		if err != nil {
			t.Fatalf("ReadChunk: %v", err)
		}
		sb.Write(chunk)
	}
}

func TestPipeTransportStreamsStdout(t *testing.T) {
	tr := NewPipeTransport(Spec{
		Path: "/bin/sh",
		Args: []string{"-c", `printf 'hello\nworld\n'`},
	})
	if err := tr.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	out := readAll(t, tr)
	if out != "hello\nworld\n" {
		t.Errorf("output = %q", out)
	}
	if st := tr.Wait(); st.Code != 0 {
		t.Errorf("exit code = %d, want 0", st.Code)
	}
	if tr.Alive() {
		t.Error("Alive() = true after EOF")
	}
}

func TestPipeTransportReadChunkTimeout(t *testing.T) {
	tr := NewPipeTransport(Spec{Path: "/bin/sh", Args: []string{"-c", "sleep 5"}})
	if err := tr.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer tr.Terminate()

	start := time.Now()
	_, err := tr.ReadChunk(50 * time.Millisecond)
	if !errors.Is(err, ErrReadTimeout) {
		t.Fatalf("err = %v, want ErrReadTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("ReadChunk blocked %s past its timeout", elapsed)
	}
}

func TestPipeTransportStdinRoundTrip(t *testing.T) {
	tr := NewPipeTransport(Spec{
		Path:      "/bin/cat",
		KeepStdin: true,
	})
	if err := tr.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer tr.Terminate()

	if err := tr.WriteLine("ping"); err != nil {
		t.Fatalf("WriteLine: %v", err)
	}
	chunk, err := tr.ReadChunk(5 * time.Second)
	if err != nil {
		t.Fatalf("ReadChunk: %v", err)
	}
	if string(chunk) != "ping\n" {
		t.Errorf("echo = %q", chunk)
	}
}

func TestPipeTransportWriteAfterTerminate(t *testing.T) {
	tr := NewPipeTransport(Spec{Path: "/bin/cat", KeepStdin: true})
	if err := tr.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := tr.Terminate(); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if err := tr.WriteLine("late"); !errors.Is(err, ErrClosed) {
		t.Errorf("WriteLine after Terminate = %v, want ErrClosed", err)
	}
}

func TestPipeTransportTerminateIsIdempotentAndFast(t *testing.T) {
	tr := NewPipeTransport(Spec{Path: "/bin/sh", Args: []string{"-c", "sleep 30"}})
	if err := tr.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	start := time.Now()
	if err := tr.Terminate(); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if err := tr.Terminate(); err != nil {
		t.Fatalf("second Terminate: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("Terminate took %s; must not wait out the sleep", elapsed)
	}
	if tr.Alive() {
		t.Error("Alive() = true after Terminate")
	}
}

func TestPipeTransportTerminateReachesChildren(t *testing.T) {
	// The shell spawns a grandchild; killing only the shell would leave
	// it running and the pump blocked on its inherited stdout.
	tr := NewPipeTransport(Spec{Path: "/bin/sh", Args: []string{"-c", "sleep 30 & wait"}})
	if err := tr.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan struct{})
	go func() {
		tr.Terminate()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Terminate hung; grandchild kept the pipe open")
	}
}

func TestPipeTransportSpawnError(t *testing.T) {
	tr := NewPipeTransport(Spec{Path: "/nonexistent/binary"})
	err := tr.Start()
	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("err = %v, want *SpawnError", err)
	}
	if spawnErr.Path != "/nonexistent/binary" {
		t.Errorf("Path = %q", spawnErr.Path)
	}
}

func TestPipeTransportStderrTail(t *testing.T) {
	tr := NewPipeTransport(Spec{
		Path: "/bin/sh",
		Args: []string{"-c", "echo boom >&2; exit 7"},
	})
	if err := tr.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	readAll(t, tr)
	if st := tr.Wait(); st.Code != 7 {
		t.Errorf("exit code = %d, want 7", st.Code)
	}
	if tail := tr.StderrTail(); !strings.Contains(tail, "boom") {
		t.Errorf("StderrTail() = %q, want it to contain boom", tail)
	}
}
