package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/pdietl/waypipe-go/internal/fdpass"
	"github.com/pdietl/waypipe-go/internal/reconnect"
	"github.com/pdietl/waypipe-go/internal/token"
)

// -------------------------------------------------------------------------
// Connection Map
// -------------------------------------------------------------------------

// connRow is one live reconnectable child in the connection map. Rows are
// appended on accept and removed when the worker exits.
type connRow struct {
	tok    token.Token
	linkFd int
	done   <-chan struct{}

	// quarantined marks a row whose migration failed: it keeps its old
	// channel and is skipped by every later migration; the mark is never
	// cleared.
	quarantined bool
}

// multiPollTimeoutMs bounds each poll so worker reaping and context
// cancellation are observed promptly.
const multiPollTimeoutMs = 200

// -------------------------------------------------------------------------
// Multi Runner — accept loop with migration support
// -------------------------------------------------------------------------

// runMulti runs the accept loop: each display socket connection spawns a
// per-connection worker with its own freshly-dialed channel, and control
// FIFO messages migrate every surviving row to a new channel address.
func (s *session) runMulti(ctx context.Context) error {
	var (
		rows    []*connRow
		wg      sync.WaitGroup
		partial []byte
	)

	defer func() {
		for _, row := range rows {
			if row.linkFd >= 0 {
				unix.Close(row.linkFd)
				row.linkFd = -1
			}
		}
		wg.Wait()
	}()

	for {
		if ctx.Err() != nil {
			s.logger.Info("multi runner shutting down",
				slog.Int("live_connections", len(rows)),
			)
			return nil
		}

		rows = reapRows(rows, s.logger)

		pfds := []unix.PollFd{{Fd: int32(s.listenFd), Events: unix.POLLIN}}
		if s.controlFd >= 0 {
			pfds = append(pfds, unix.PollFd{Fd: int32(s.controlFd), Events: unix.POLLIN})
		}

		n, err := unix.Poll(pfds, multiPollTimeoutMs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("multi: poll: %w", err)
		}
		if n == 0 {
			continue
		}

		if len(pfds) > 1 && pfds[1].Revents&unix.POLLIN != 0 {
			partial = s.handleControl(partial, &rows)
		}

		if pfds[0].Revents&unix.POLLIN != 0 {
			s.acceptOne(ctx, &rows, &wg)
		}
	}
}

// reapRows drops rows whose workers have exited, closing their link fds.
func reapRows(rows []*connRow, logger *slog.Logger) []*connRow {
	out := rows[:0]
	for _, row := range rows {
		select {
		case <-row.done:
			if row.linkFd >= 0 {
				unix.Close(row.linkFd)
				row.linkFd = -1
			}
			logger.Debug("connection reaped")
		default:
			out = append(out, row)
		}
	}
	return out
}

// acceptOne accepts a single display connection and spawns its worker.
// EAGAIN means another wakeup consumed the connection; fork-level failures
// are fatal for the affected connection only.
func (s *session) acceptOne(ctx context.Context, rows *[]*connRow, wg *sync.WaitGroup) {
	appFd, _, err := unix.Accept4(s.listenFd, unix.SOCK_CLOEXEC)
	if err == unix.EAGAIN || err == unix.EINTR {
		return
	}
	if err != nil {
		s.logger.Warn("accept on display socket failed",
			slog.String("error", err.Error()),
		)
		return
	}

	tok, err := s.mintToken()
	if err != nil {
		s.logger.Error("token mint failed, dropping connection",
			slog.String("error", err.Error()),
		)
		unix.Close(appFd)
		return
	}

	chanFd, err := reconnect.DialChannel(s.channelAddr)
	if err != nil {
		s.logger.Error("channel dial failed, dropping connection",
			slog.String("addr", s.channelAddr),
			slog.String("error", err.Error()),
		)
		unix.Close(appFd)
		return
	}

	if err := reconnect.SendToken(chanFd, tok); err != nil {
		s.logger.Error("token write failed, dropping connection",
			slog.String("error", err.Error()),
		)
		unix.Close(appFd)
		unix.Close(chanFd)
		return
	}

	// Reconnectable sessions get a link socketpair; its supervisor end
	// joins the connection map for migration fd passing.
	supLink, workerLink := -1, -1
	if tok.Reconnectable() {
		supLink, workerLink, err = fdpass.Socketpair()
		if err != nil {
			s.logger.Error("link socketpair failed, dropping connection",
				slog.String("error", err.Error()),
			)
			unix.Close(appFd)
			unix.Close(chanFd)
			return
		}
	}

	done := make(chan struct{})
	row := &connRow{tok: tok, linkFd: supLink, done: done}

	if s.opts.Metrics != nil {
		s.opts.Metrics.ConnectionStarted("multi")
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)
		if workerLink >= 0 {
			defer unix.Close(workerLink)
		}
		if s.opts.Metrics != nil {
			defer s.opts.Metrics.ConnectionEnded("multi")
		}

		if lErr := s.opts.Loop(ctx, chanFd, appFd, workerLink,
			s.opts.Config.Replication, false, s.logger); lErr != nil {
			s.logger.Warn("per-connection worker failed",
				slog.String("error", lErr.Error()),
			)
		}
	}()

	*rows = append(*rows, row)

	s.logger.Info("connection accepted",
		slog.Int("live_connections", len(*rows)),
		slog.Bool("reconnectable", tok.Reconnectable()),
	)
}

// -------------------------------------------------------------------------
// Migration — control FIFO handling
// -------------------------------------------------------------------------

// handleControl reads pending control bytes and runs a migration for every
// complete path they contain. Returns the unterminated tail.
func (s *session) handleControl(partial []byte, rows *[]*connRow) []byte {
	buf := make([]byte, 4096)
	n, err := unix.Read(s.controlFd, buf)
	if err != nil || n == 0 {
		return partial
	}
	partial = append(partial, buf[:n]...)

	for {
		idx := strings.IndexAny(string(partial), "\x00\n")
		if idx < 0 {
			return partial
		}
		path := strings.TrimSpace(string(partial[:idx]))
		partial = partial[idx+1:]

		if path == "" {
			continue
		}
		if len(path) >= maxSunPath {
			s.logger.Warn("ignoring oversized migration path",
				slog.Int("length", len(path)),
			)
			continue
		}
		s.migrate(path, *rows)
	}
}

// migrate moves every surviving row to the new channel address: dial, send
// the row's update-flagged token, pass the fresh fd over the row's link.
//
// Failure policy is best-effort-with-quarantine: a row whose migration
// fails keeps its old channel and is excluded from future migrations; the
// new address is adopted for subsequent accepts only when every surviving
// row migrated.
func (s *session) migrate(newAddr string, rows []*connRow) {
	migrated, failed := 0, 0

	for i, row := range rows {
		if row.quarantined || row.linkFd < 0 {
			continue
		}

		if err := s.migrateRow(newAddr, row); err != nil {
			s.logger.Warn("row migration failed, quarantining",
				slog.Int("row", i),
				slog.String("addr", newAddr),
				slog.String("error", err.Error()),
			)
			row.quarantined = true
			failed++
			if s.opts.Metrics != nil {
				s.opts.Metrics.MigrationResult(false)
			}
			continue
		}
		migrated++
		if s.opts.Metrics != nil {
			s.opts.Metrics.MigrationResult(true)
		}
	}

	if failed == 0 {
		// Full success: future accepts dial the new address. The old
		// address is not unlinked; the channel sockets belong to the
		// transport that created them.
		s.channelAddr = newAddr
	}

	s.logger.Info("migration complete",
		slog.String("addr", newAddr),
		slog.Int("migrated", migrated),
		slog.Int("failed", failed),
		slog.Bool("adopted", failed == 0),
	)
}

// migrateRow performs one row's migration handshake.
func (s *session) migrateRow(newAddr string, row *connRow) error {
	sock, err := reconnect.DialChannel(newAddr)
	if err != nil {
		return err
	}

	if err := reconnect.SendToken(sock, row.tok.WithUpdate()); err != nil {
		unix.Close(sock)
		return err
	}

	if err := fdpass.Send(row.linkFd, sock); err != nil {
		unix.Close(sock)
		return err
	}

	unix.Close(sock)
	if s.opts.Metrics != nil {
		s.opts.Metrics.ReconnectDelivered()
	}
	return nil
}
