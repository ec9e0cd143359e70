package worker_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/pdietl/waypipe-go/internal/config"
	"github.com/pdietl/waypipe-go/internal/fdpass"
	"github.com/pdietl/waypipe-go/internal/worker"
)

// testLogger returns a logger that discards output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testReplication returns a replication config sized for tests.
func testReplication() config.ReplicationConfig {
	rc := config.DefaultConfig().Replication
	rc.Threads = 2
	return rc
}

// pair returns a connected stream socketpair.
func pair(t *testing.T) (int, int) {
	t.Helper()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	return fds[0], fds[1]
}

// readN reads exactly n bytes from fd with a deadline enforced by the
// surrounding test timeout.
func readN(t *testing.T, fd, n int) []byte {
	t.Helper()

	out := make([]byte, 0, n)
	chunk := make([]byte, n)
	for len(out) < n {
		r, err := unix.Read(fd, chunk)
		if err == unix.EINTR {
			continue
		}
		if err != nil || r == 0 {
			t.Fatalf("read after %d/%d bytes: %v", len(out), n, err)
		}
		out = append(out, chunk[:r]...)
	}
	return out
}

// startLoop launches an interface loop and returns its completion channel.
func startLoop(ctx context.Context, chanFd, appFd, linkFd int, isClient bool) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- worker.InterfaceLoop(ctx, chanFd, appFd, linkFd,
			testReplication(), isClient, testLogger())
	}()
	return done
}

// TestProtocolRelay verifies the core pump: bytes written into one side's
// application socket come out of the other side's, in both directions.
func TestProtocolRelay(t *testing.T) {
	t.Parallel()

	chanA, chanB := pair(t)
	appWorkerA, appTestA := pair(t)
	appWorkerB, appTestB := pair(t)
	defer unix.Close(appTestA)
	defer unix.Close(appTestB)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	doneA := startLoop(ctx, chanA, appWorkerA, -1, false)
	doneB := startLoop(ctx, chanB, appWorkerB, -1, true)

	msg := []byte("wayland protocol bytes")
	if _, err := unix.Write(appTestA, msg); err != nil {
		t.Fatalf("write side A: %v", err)
	}
	if got := readN(t, appTestB, len(msg)); string(got) != string(msg) {
		t.Errorf("side B read %q, want %q", got, msg)
	}

	reply := []byte("compositor reply")
	if _, err := unix.Write(appTestB, reply); err != nil {
		t.Fatalf("write side B: %v", err)
	}
	if got := readN(t, appTestA, len(reply)); string(got) != string(reply) {
		t.Errorf("side A read %q, want %q", got, reply)
	}

	// Application hangup on one side winds both loops down.
	unix.Close(appTestA)
	cancel()
	for name, done := range map[string]<-chan error{"A": doneA, "B": doneB} {
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("loop %s: %v", name, err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("loop %s did not exit", name)
		}
	}
}

// TestCorruptHeaderTerminatesSession verifies the session-fatal path: a
// corrupted transfer header on the wire ends the worker with an error.
func TestCorruptHeaderTerminatesSession(t *testing.T) {
	t.Parallel()

	chanA, chanB := pair(t)
	appWorkerA, appTestA := pair(t)
	defer unix.Close(appTestA)
	defer unix.Close(chanB)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := startLoop(ctx, chanA, appWorkerA, -1, false)

	// A block whose type nibble is invalid: 16 bytes of 0xFF.
	garbage := make([]byte, 16)
	for i := range garbage {
		garbage[i] = 0xFF
	}
	if _, err := unix.Write(chanB, garbage); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, worker.ErrSessionCorrupt) {
			t.Errorf("loop exit: %v, want ErrSessionCorrupt", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not terminate on corrupt header")
	}
}

// TestReconnectResume verifies the replacement-channel path: after the
// channel breaks, both loops receive fresh descriptors over their link
// sockets and the protocol stream continues without loss.
func TestReconnectResume(t *testing.T) {
	t.Parallel()

	chanA, chanB := pair(t)
	appWorkerA, appTestA := pair(t)
	appWorkerB, appTestB := pair(t)
	defer unix.Close(appTestA)
	defer unix.Close(appTestB)

	linkSupA, linkWorkerA := pair(t)
	linkSupB, linkWorkerB := pair(t)
	defer unix.Close(linkSupA)
	defer unix.Close(linkSupB)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	doneA := startLoop(ctx, chanA, appWorkerA, linkWorkerA, false)
	doneB := startLoop(ctx, chanB, appWorkerB, linkWorkerB, true)

	// Prove the channel works, then break it.
	first := []byte("before the break")
	if _, err := unix.Write(appTestA, first); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readN(t, appTestB, len(first)); string(got) != string(first) {
		t.Fatalf("pre-break read %q", got)
	}

	unix.Shutdown(chanA, unix.SHUT_RDWR)
	unix.Shutdown(chanB, unix.SHUT_RDWR)

	// Deliver a replacement channel to both sides, as the reconnection
	// machinery would.
	newA, newB := pair(t)
	if err := fdpass.Send(linkSupA, newA); err != nil {
		t.Fatalf("send replacement to A: %v", err)
	}
	if err := fdpass.Send(linkSupB, newB); err != nil {
		t.Fatalf("send replacement to B: %v", err)
	}
	unix.Close(newA)
	unix.Close(newB)

	// Traffic resumes over the replacement.
	second := []byte("after the break")
	if _, err := unix.Write(appTestA, second); err != nil {
		t.Fatalf("write after break: %v", err)
	}
	if got := readN(t, appTestB, len(second)); string(got) != string(second) {
		t.Errorf("post-break read %q, want %q", got, second)
	}

	cancel()
	for name, done := range map[string]<-chan error{"A": doneA, "B": doneB} {
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("loop %s: %v", name, err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("loop %s did not exit", name)
		}
	}
}
