// Package reconnect implements channel dialing, the connection handshake,
// and the reconnection helper that watches the control FIFO and delivers
// freshly-dialed channel sockets to workers.
package reconnect

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/pdietl/waypipe-go/internal/token"
)

// maxSunPath is the Unix-domain socket path limit including the
// terminating NUL.
const maxSunPath = 108

// ErrPathTooLong indicates a socket path exceeding the Unix-domain limit.
var ErrPathTooLong = errors.New("socket path exceeds unix domain limit")

// DialChannel connects a stream socket to the Unix-domain channel address
// and returns the raw descriptor. The caller owns the fd.
func DialChannel(path string) (int, error) {
	if len(path) >= maxSunPath {
		return -1, fmt.Errorf("dial channel %q: %w", path, ErrPathTooLong)
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("dial channel %q: socket: %w", path, err)
	}

	sa := &unix.SockaddrUnix{Name: path}
	for {
		err = unix.Connect(fd, sa)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("dial channel %q: connect: %w", path, err)
		}
		return fd, nil
	}
}

// SendToken writes the 16-byte connection token as the first bytes of a
// freshly-opened channel socket, retrying short writes.
func SendToken(fd int, tok token.Token) error {
	var buf [token.WireSize]byte
	if _, err := tok.Marshal(buf[:]); err != nil {
		return fmt.Errorf("send token: %w", err)
	}

	off := 0
	for off < len(buf) {
		n, err := unix.Write(fd, buf[off:])
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		if err != nil {
			return fmt.Errorf("send token on fd %d: %w", fd, err)
		}
		off += n
	}
	return nil
}

// ReadToken reads and validates the 16-byte connection token from the
// front of a freshly-accepted channel socket.
func ReadToken(fd int) (token.Token, error) {
	var buf [token.WireSize]byte
	off := 0
	for off < len(buf) {
		n, err := unix.Read(fd, buf[off:])
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		if err != nil {
			return token.Token{}, fmt.Errorf("read token on fd %d: %w", fd, err)
		}
		if n == 0 {
			return token.Token{}, fmt.Errorf("read token on fd %d: %w", fd, token.ErrShortToken)
		}
		off += n
	}

	tok, err := token.Unmarshal(buf[:])
	if err != nil {
		return token.Token{}, fmt.Errorf("read token on fd %d: %w", fd, err)
	}
	return tok, nil
}
