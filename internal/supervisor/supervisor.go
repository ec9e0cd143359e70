// Package supervisor implements the server-side session supervisor: it
// spawns the application, owns the display socket, establishes channel
// connections with their handshake tokens, starts per-connection worker
// goroutines,
// and drives reconnection and migration through the control FIFO.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/pdietl/waypipe-go/internal/config"
	wpmetrics "github.com/pdietl/waypipe-go/internal/metrics"
	"github.com/pdietl/waypipe-go/internal/token"
)

// -------------------------------------------------------------------------
// Constants and Errors
// -------------------------------------------------------------------------

// maxSunPath is the Unix-domain socket path limit including the NUL.
const maxSunPath = 108

// displayBacklog is the listen backlog for the display socket.
const displayBacklog = 128

// controlFifoMode is the file mode of the control FIFO.
const controlFifoMode = 0o644

var (
	// ErrDisplayPathTooLong indicates the assembled display socket path
	// exceeds the Unix-domain limit.
	ErrDisplayPathTooLong = errors.New("display socket name too long")

	// ErrNoRuntimeDir indicates a relative display name without
	// $XDG_RUNTIME_DIR to resolve it against.
	ErrNoRuntimeDir = errors.New("XDG_RUNTIME_DIR not set")

	// ErrNoShell indicates no argv was supplied and $SHELL is empty.
	ErrNoShell = errors.New("no command given and SHELL not set")
)

// -------------------------------------------------------------------------
// Options
// -------------------------------------------------------------------------

// WorkerFunc is the per-connection worker entry. The supervisor treats the
// loop as opaque: it runs until the channel or application side closes,
// blocking on linkFd for a replacement channel descriptor when one is set.
type WorkerFunc func(
	ctx context.Context,
	chanFd, appFd, linkFd int,
	rc config.ReplicationConfig,
	isClient bool,
	logger *slog.Logger,
) error

// Options carries the programmatic inputs of RunServer.
type Options struct {
	// ChannelAddr is the Unix socket path of the channel endpoint
	// (typically an SSH-forwarded socket).
	ChannelAddr string

	// WaylandDisplay is the display socket name: used verbatim when
	// absolute, otherwise joined with $XDG_RUNTIME_DIR.
	WaylandDisplay string

	// ControlPath, when non-empty, names the control FIFO to create;
	// its presence makes sessions reconnectable.
	ControlPath string

	// Config is the daemon configuration record, shared by reference
	// with every worker.
	Config *config.Config

	// Oneshot selects single-connection mode: one application, one
	// channel, no accept loop.
	Oneshot bool

	// UnlinkAtEnd removes the display socket path on exit.
	UnlinkAtEnd bool

	// Argv is the application command; empty spawns a shell from $SHELL.
	Argv []string

	// LoginShellIfBackup requests a login shell ("-" prefixed argv[0])
	// when falling back to $SHELL.
	LoginShellIfBackup bool

	// Logger receives supervisor diagnostics.
	Logger *slog.Logger

	// Metrics is the optional collector; nil disables recording.
	Metrics *wpmetrics.Collector

	// Loop is the per-connection worker entry; tests substitute stubs.
	Loop WorkerFunc
}

// -------------------------------------------------------------------------
// RunServer — session entry
// -------------------------------------------------------------------------

// RunServer brings up one server-side session and runs it to completion.
// Returns the application's exit status; a supervisor-level bring-up error
// preempts it.
func RunServer(ctx context.Context, opts Options) (int, error) {
	logger := opts.Logger.With(slog.String("component", "supervisor"))

	displayPath, err := resolveDisplayPath(opts.WaylandDisplay)
	if err != nil {
		return 0, fmt.Errorf("run server: %w", err)
	}

	s := &session{
		opts:        opts,
		logger:      logger,
		displayPath: displayPath,
		channelAddr: opts.ChannelAddr,
		appFd:       -1,
		controlFd:   -1,
		listenFd:    -1,
	}
	defer s.cleanup()

	// Mode-specific application endpoint: a socketpair half in oneshot
	// mode, the listening display socket in multi mode.
	var appChildFile *os.File
	if opts.Oneshot {
		parentFd, childFd, pErr := appSocketpair()
		if pErr != nil {
			return 0, fmt.Errorf("run server: %w", pErr)
		}
		s.appFd = parentFd
		appChildFile = os.NewFile(uintptr(childFd), "wayland-socket")
	} else {
		if err := s.bindDisplay(); err != nil {
			return 0, fmt.Errorf("run server: %w", err)
		}
	}

	if opts.ControlPath != "" {
		if err := s.createControlFifo(); err != nil {
			return 0, fmt.Errorf("run server: %w", err)
		}
	}

	cmd, err := s.spawnApplication(appChildFile)
	// The parent's copy of the child half is no longer needed either way.
	if appChildFile != nil {
		appChildFile.Close()
	}
	if err != nil {
		return 0, fmt.Errorf("run server: %w", err)
	}

	var runErr error
	if opts.Oneshot {
		runErr = s.runOneshot(ctx)
	} else {
		runErr = s.runMulti(ctx)
	}

	status := waitApplication(cmd, logger)
	if runErr != nil {
		return status, fmt.Errorf("run server: %w", runErr)
	}
	return status, nil
}

// session is the mutable state of one RunServer invocation.
type session struct {
	opts   Options
	logger *slog.Logger

	displayPath string
	channelAddr string

	appFd     int // oneshot: parent half of the application socketpair
	listenFd  int // multi: display listen socket
	controlFd int

	ownsDisplay bool
	ownsFifo    bool

	minter token.Minter
}

// -------------------------------------------------------------------------
// Display Socket
// -------------------------------------------------------------------------

// resolveDisplayPath computes the display socket path: absolute names are
// used verbatim, relative names join $XDG_RUNTIME_DIR.
func resolveDisplayPath(display string) (string, error) {
	path := display
	if !strings.HasPrefix(display, "/") {
		runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
		if runtimeDir == "" {
			return "", fmt.Errorf("resolve display %q: %w", display, ErrNoRuntimeDir)
		}
		path = filepath.Join(runtimeDir, display)
	}
	if len(path) >= maxSunPath {
		return "", fmt.Errorf("resolve display %q: path %q: %w", display, path, ErrDisplayPathTooLong)
	}
	return path, nil
}

// bindDisplay creates the non-blocking listening display socket.
func (s *session) bindDisplay() error {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("display socket: %w", err)
	}

	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: s.displayPath}); err != nil {
		unix.Close(fd)
		return fmt.Errorf("bind display socket %q: %w", s.displayPath, err)
	}
	s.ownsDisplay = true

	if err := unix.Listen(fd, displayBacklog); err != nil {
		unix.Close(fd)
		return fmt.Errorf("listen on display socket %q: %w", s.displayPath, err)
	}

	s.listenFd = fd
	s.logger.Info("display socket listening",
		slog.String("path", s.displayPath),
	)
	return nil
}

// appSocketpair creates the oneshot application socketpair. The parent
// half feeds the worker; the child half becomes WAYLAND_SOCKET.
func appSocketpair() (int, int, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, -1, fmt.Errorf("application socketpair: %w", err)
	}
	return fds[0], fds[1], nil
}

// -------------------------------------------------------------------------
// Control FIFO
// -------------------------------------------------------------------------

// createControlFifo creates the control FIFO and opens it read-write, so
// an idle writer side does not storm the poll loop with hangups.
func (s *session) createControlFifo() error {
	if err := unix.Mkfifo(s.opts.ControlPath, controlFifoMode); err != nil {
		return fmt.Errorf("create control fifo %q: %w", s.opts.ControlPath, err)
	}
	s.ownsFifo = true

	fd, err := unix.Open(s.opts.ControlPath, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open control fifo %q: %w", s.opts.ControlPath, err)
	}
	s.controlFd = fd

	s.logger.Info("control fifo ready",
		slog.String("path", s.opts.ControlPath),
	)
	return nil
}

// -------------------------------------------------------------------------
// Application Process
// -------------------------------------------------------------------------

// spawnApplication starts the application with the mode-appropriate
// display environment. An empty argv falls back to $SHELL, optionally as a
// login shell.
func (s *session) spawnApplication(appChildFile *os.File) (*exec.Cmd, error) {
	var cmd *exec.Cmd
	switch {
	case len(s.opts.Argv) > 0:
		cmd = exec.Command(s.opts.Argv[0], s.opts.Argv[1:]...)
	default:
		shell := os.Getenv("SHELL")
		if shell == "" {
			return nil, ErrNoShell
		}
		cmd = exec.Command(shell)
		if s.opts.LoginShellIfBackup {
			// A leading dash in argv[0] requests a login shell.
			cmd.Args = []string{"-" + filepath.Base(shell)}
		}
	}

	env := environWithout("WAYLAND_SOCKET", "WAYLAND_DISPLAY")
	if s.opts.Oneshot {
		// The socketpair half lands at fd 3 in the child.
		cmd.ExtraFiles = []*os.File{appChildFile}
		env = append(env, "WAYLAND_SOCKET=3")
	} else {
		env = append(env, "WAYLAND_DISPLAY="+s.displayPath)
	}
	cmd.Env = env
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn application: %w", err)
	}

	s.logger.Info("application started",
		slog.Int("pid", cmd.Process.Pid),
		slog.String("command", cmd.Path),
	)
	return cmd, nil
}

// environWithout returns the current environment minus the named keys.
func environWithout(keys ...string) []string {
	env := os.Environ()
	out := env[:0]
	for _, kv := range env {
		drop := false
		for _, key := range keys {
			if strings.HasPrefix(kv, key+"=") {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, kv)
		}
	}
	return out
}

// waitApplication reaps the application and maps its termination to an
// exit status. The supervisor's own status mirrors the application's.
func waitApplication(cmd *exec.Cmd, logger *slog.Logger) int {
	err := cmd.Wait()
	status := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			status = exitErr.ExitCode()
		} else {
			logger.Warn("failed to wait for application",
				slog.String("error", err.Error()),
			)
			status = 1
		}
	}

	logger.Info("application exited",
		slog.Int("status", status),
	)
	return status
}

// -------------------------------------------------------------------------
// Token Minting
// -------------------------------------------------------------------------

// mintToken creates a fresh session token; RECONNECTABLE tracks whether a
// control FIFO exists to drive later migration.
func (s *session) mintToken() (token.Token, error) {
	tok, err := s.minter.Mint(s.controlFd >= 0, false)
	if err != nil {
		return token.Token{}, fmt.Errorf("mint session token: %w", err)
	}
	return tok, nil
}

// -------------------------------------------------------------------------
// Cleanup
// -------------------------------------------------------------------------

// cleanup releases session resources on every RunServer exit path.
func (s *session) cleanup() {
	if s.appFd >= 0 {
		unix.Close(s.appFd)
		s.appFd = -1
	}
	if s.listenFd >= 0 {
		unix.Close(s.listenFd)
		s.listenFd = -1
	}
	if s.controlFd >= 0 {
		unix.Close(s.controlFd)
		s.controlFd = -1
	}
	if s.ownsFifo {
		if err := unix.Unlink(s.opts.ControlPath); err != nil {
			s.logger.Warn("failed to unlink control fifo",
				slog.String("path", s.opts.ControlPath),
				slog.String("error", err.Error()),
			)
		}
		s.ownsFifo = false
	}
	if s.ownsDisplay && s.opts.UnlinkAtEnd {
		if err := unix.Unlink(s.displayPath); err != nil {
			s.logger.Warn("failed to unlink display socket",
				slog.String("path", s.displayPath),
				slog.String("error", err.Error()),
			)
		}
		s.ownsDisplay = false
	}
}
