package reconnect

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/pdietl/waypipe-go/internal/fdpass"
	"github.com/pdietl/waypipe-go/internal/token"
)

// -------------------------------------------------------------------------
// Helper — control-FIFO watcher for one reconnectable session
// -------------------------------------------------------------------------

// pollTimeoutMs bounds each poll so the helper observes context
// cancellation promptly.
const pollTimeoutMs = 500

// controlReadSize is the read buffer for control FIFO messages. Writers
// keep messages below PIPE_BUF, so one read returns whole paths.
const controlReadSize = 4096

// Helper watches the control FIFO for replacement channel addresses. For
// each address it dials the new socket, writes the session's token with
// the UPDATE flag set, and passes the connected descriptor to its worker
// over the link socket.
//
// The helper never terminates on a failed dial; only worker hangup on the
// link socket (or context cancellation) ends it.
type Helper struct {
	controlFd int
	linkFd    int
	tok       token.Token
	logger    *slog.Logger

	// partial accumulates control bytes until a terminator arrives.
	partial []byte
}

// NewHelper creates a reconnection helper. controlFd is the FIFO opened
// read-write by the supervisor; linkFd is the helper's end of the worker
// link socketpair. Neither fd's ownership transfers; the caller closes
// them after Run returns.
func NewHelper(controlFd, linkFd int, tok token.Token, logger *slog.Logger) *Helper {
	return &Helper{
		controlFd: controlFd,
		linkFd:    linkFd,
		tok:       tok.WithUpdate(),
		logger:    logger.With(slog.String("component", "reconnect.helper")),
	}
}

// Run executes the WAIT loop until the worker hangs up the link or ctx is
// cancelled. Every fd is polled ready before it is read.
func (h *Helper) Run(ctx context.Context) error {
	h.logger.Debug("reconnection helper started")

	for {
		if ctx.Err() != nil {
			return nil
		}

		pfds := []unix.PollFd{
			{Fd: int32(h.controlFd), Events: unix.POLLIN},
			{Fd: int32(h.linkFd)},
		}

		n, err := unix.Poll(pfds, pollTimeoutMs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("poll control fifo: %w", err)
		}
		if n == 0 {
			continue
		}

		if pfds[1].Revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
			h.logger.Debug("worker hung up link, helper exiting")
			return nil
		}

		if pfds[0].Revents&unix.POLLIN != 0 {
			h.handleControl()
		}
	}
}

// handleControl reads pending control bytes and attempts a delivery for
// every complete path they contain.
func (h *Helper) handleControl() {
	buf := make([]byte, controlReadSize)
	n, err := unix.Read(h.controlFd, buf)
	if err == unix.EINTR || err == unix.EAGAIN {
		return
	}
	if err != nil || n == 0 {
		return
	}

	for _, path := range h.splitPaths(buf[:n]) {
		h.deliver(path)
	}
}

// splitPaths extracts NUL-or-newline-terminated paths from control bytes,
// carrying any unterminated tail to the next read.
func (h *Helper) splitPaths(data []byte) []string {
	h.partial = append(h.partial, data...)

	var paths []string
	for {
		idx := strings.IndexAny(string(h.partial), "\x00\n")
		if idx < 0 {
			break
		}
		raw := strings.TrimSpace(string(h.partial[:idx]))
		h.partial = h.partial[idx+1:]

		if raw == "" {
			continue
		}
		if len(raw) >= maxSunPath {
			h.logger.Warn("ignoring oversized control path",
				slog.Int("length", len(raw)),
			)
			continue
		}
		paths = append(paths, raw)
	}
	return paths
}

// deliver dials one replacement address and hands the socket to the
// worker. Failures are logged and leave the previous channel in effect.
func (h *Helper) deliver(path string) {
	sock, err := DialChannel(path)
	if err != nil {
		h.logger.Warn("reconnect dial failed, keeping current channel",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := SendToken(sock, h.tok); err != nil {
		h.logger.Warn("reconnect token write failed, keeping current channel",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		unix.Close(sock)
		return
	}

	if err := fdpass.Send(h.linkFd, sock); err != nil {
		h.logger.Warn("reconnect fd pass failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		unix.Close(sock)
		return
	}

	// The worker owns the passed copy; drop ours.
	unix.Close(sock)

	h.logger.Info("replacement channel delivered",
		slog.String("path", path),
	)
}
