package fdpass_test

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/pdietl/waypipe-go/internal/fdpass"
)

// TestSendRecvRoundTrip verifies that a descriptor passed over a link
// socket still references the same open file.
func TestSendRecvRoundTrip(t *testing.T) {
	t.Parallel()

	a, b, err := fdpass.Socketpair()
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(a)
	defer unix.Close(b)

	f, err := os.CreateTemp(t.TempDir(), "passed-*.txt")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	defer f.Close()

	payload := []byte("descriptor identity survives passing")
	if _, err := f.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := fdpass.Send(a, int(f.Fd())); err != nil {
		t.Fatalf("send: %v", err)
	}

	got, err := fdpass.Recv(b)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	received := os.NewFile(uintptr(got), "received")
	defer received.Close()

	read := make([]byte, len(payload))
	if _, err := received.ReadAt(read, 0); err != nil {
		t.Fatalf("read through received fd: %v", err)
	}
	if !bytes.Equal(read, payload) {
		t.Errorf("read %q through received fd, want %q", read, payload)
	}
}

// TestRecvReportsPeerClose verifies that closing the sending end surfaces
// ErrLinkClosed rather than a bogus descriptor.
func TestRecvReportsPeerClose(t *testing.T) {
	t.Parallel()

	a, b, err := fdpass.Socketpair()
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(b)

	unix.Close(a)

	if _, err := fdpass.Recv(b); !errors.Is(err, fdpass.ErrLinkClosed) {
		t.Errorf("recv after peer close: %v, want ErrLinkClosed", err)
	}
}

// TestRecvRejectsBareMessage verifies that a message without ancillary
// data is reported as ErrNoFD.
func TestRecvRejectsBareMessage(t *testing.T) {
	t.Parallel()

	a, b, err := fdpass.Socketpair()
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(a)
	defer unix.Close(b)

	if _, err := unix.Write(a, []byte{0x1}); err != nil {
		t.Fatalf("write bare message: %v", err)
	}

	if _, err := fdpass.Recv(b); !errors.Is(err, fdpass.ErrNoFD) {
		t.Errorf("recv of bare message: %v, want ErrNoFD", err)
	}
}
