// Package fdpass moves file descriptors between the supervisor, the
// reconnection helper, and per-connection workers over Unix-domain link
// sockets using SCM_RIGHTS ancillary messages.
package fdpass

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// msgByte is the one-byte payload accompanying every passed descriptor.
// Ancillary data cannot travel on an empty message.
const msgByte = 0x1

// ErrNoFD indicates a received message carried no descriptor.
var ErrNoFD = errors.New("no file descriptor in ancillary data")

// ErrLinkClosed indicates the peer closed the link socket.
var ErrLinkClosed = errors.New("link socket closed by peer")

// Send passes fd across the link socket. The caller keeps ownership of its
// copy; close it after a successful send if it is no longer needed.
func Send(link, fd int) error {
	rights := unix.UnixRights(fd)
	for {
		err := unix.Sendmsg(link, []byte{msgByte}, rights, nil, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("send fd %d over link %d: %w", fd, link, err)
		}
		return nil
	}
}

// Recv blocks until a descriptor arrives on the link socket and returns
// it. The returned fd is owned by the caller. A zero-length read reports
// ErrLinkClosed: the peer hung up.
func Recv(link int) (int, error) {
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))

	for {
		n, oobn, _, _, err := unix.Recvmsg(link, buf, oob, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return -1, fmt.Errorf("recv fd over link %d: %w", link, err)
		}
		if n == 0 {
			return -1, ErrLinkClosed
		}

		scms, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return -1, fmt.Errorf("parse control message: %w", err)
		}

		fd := -1
		for _, scm := range scms {
			fds, pErr := unix.ParseUnixRights(&scm)
			if pErr != nil {
				continue
			}
			if len(fds) > 0 {
				fd = fds[0]
				// A well-formed sender passes exactly one fd; close
				// any extras so they cannot leak.
				for _, extra := range fds[1:] {
					unix.Close(extra)
				}
				break
			}
		}

		if fd < 0 {
			return -1, fmt.Errorf("link %d: %w", link, ErrNoFD)
		}
		return fd, nil
	}
}

// Socketpair creates a connected pair of Unix stream sockets for use as a
// link. Both ends are close-on-exec.
func Socketpair() (int, int, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, -1, fmt.Errorf("link socketpair: %w", err)
	}
	return fds[0], fds[1], nil
}
