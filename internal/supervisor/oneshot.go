package supervisor

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/pdietl/waypipe-go/internal/fdpass"
	"github.com/pdietl/waypipe-go/internal/reconnect"
)

// -------------------------------------------------------------------------
// Oneshot Runner — one application, one channel, no accept loop
// -------------------------------------------------------------------------

// runOneshot dials the channel, performs the token handshake, optionally
// starts the reconnection helper, and hands the session to the single
// per-connection worker.
func (s *session) runOneshot(ctx context.Context) error {
	chanFd, err := reconnect.DialChannel(s.channelAddr)
	if err != nil {
		return fmt.Errorf("oneshot: %w", err)
	}

	tok, err := s.mintToken()
	if err != nil {
		unix.Close(chanFd)
		return fmt.Errorf("oneshot: %w", err)
	}
	if err := reconnect.SendToken(chanFd, tok); err != nil {
		unix.Close(chanFd)
		return fmt.Errorf("oneshot: %w", err)
	}

	// The worker's link socket exists only for reconnectable sessions.
	workerLink := -1
	helperDone := make(chan struct{})
	if tok.Reconnectable() {
		helperLink, wl, pErr := fdpass.Socketpair()
		if pErr != nil {
			unix.Close(chanFd)
			return fmt.Errorf("oneshot: %w", pErr)
		}
		workerLink = wl

		helper := reconnect.NewHelper(s.controlFd, helperLink, tok, s.logger)
		go func() {
			defer close(helperDone)
			defer unix.Close(helperLink)
			if hErr := helper.Run(ctx); hErr != nil {
				s.logger.Warn("reconnection helper failed",
					slog.String("error", hErr.Error()),
				)
			}
		}()
	} else {
		close(helperDone)
	}

	if s.opts.Metrics != nil {
		s.opts.Metrics.ConnectionStarted("oneshot")
		defer s.opts.Metrics.ConnectionEnded("oneshot")
	}

	appFd := s.appFd
	s.appFd = -1 // ownership passes to the worker

	loopErr := s.opts.Loop(ctx, chanFd, appFd, workerLink,
		s.opts.Config.Replication, false, s.logger)

	// Hanging up the worker link stops the helper.
	if workerLink >= 0 {
		unix.Close(workerLink)
	}
	<-helperDone

	if loopErr != nil {
		return fmt.Errorf("oneshot worker: %w", loopErr)
	}
	return nil
}
