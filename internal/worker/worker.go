// Package worker implements the per-connection interface loop: the pump
// that moves application protocol bytes and shadow replication blocks over
// one channel connection, and resumes over a replacement channel when a
// reconnectable session's link socket delivers a fresh descriptor.
package worker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/pdietl/waypipe-go/internal/config"
	"github.com/pdietl/waypipe-go/internal/fdpass"
	wpmetrics "github.com/pdietl/waypipe-go/internal/metrics"
	"github.com/pdietl/waypipe-go/internal/shadow"
	"github.com/pdietl/waypipe-go/internal/task"
	"github.com/pdietl/waypipe-go/internal/transfer"
)

// -------------------------------------------------------------------------
// Constants and Errors
// -------------------------------------------------------------------------

// protocolXID is the reserved xid carrying the Wayland protocol byte
// stream and acknowledgements; shadow resources never use it.
const protocolXID = 0

// readChunk is the channel/application read buffer size.
const readChunk = 32 * 1024

// ErrSessionCorrupt indicates a corrupt transfer header or an unknown
// shadow id; the session terminates.
var ErrSessionCorrupt = errors.New("session corrupt")

// -------------------------------------------------------------------------
// Channel State — reconnect coordination
// -------------------------------------------------------------------------

// channelState holds the live channel descriptor and its generation. Both
// the reader and the writer may detect a broken channel; whichever does
// first performs the link-socket recovery while the other waits for the
// generation to advance.
type channelState struct {
	mu   sync.Mutex
	cond sync.Cond

	fd     int
	gen    int
	linkFd int

	// retired holds superseded channel fds. They are shut down at
	// replacement time but only closed at loop teardown, so a reader
	// still parked in read(2) on an old descriptor can never observe
	// its number recycled by an unrelated open.
	retired []int

	// resume builds the wire bytes announcing this side's receive
	// progress; they are written first on every replacement channel,
	// before any concurrent writer can touch it.
	resume func() []byte

	recovering bool
	dead       error
}

func newChannelState(fd, linkFd int, resume func() []byte) *channelState {
	cs := &channelState{fd: fd, gen: 1, linkFd: linkFd, resume: resume}
	cs.cond.L = &cs.mu
	return cs
}

// isDead reports whether the channel has been declared unrecoverable.
func (cs *channelState) isDead() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.dead != nil
}

// current returns the live descriptor and its generation.
func (cs *channelState) current() (int, int) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.fd, cs.gen
}

// await reports a broken channel observed at generation gen and blocks
// until a replacement is installed. The first caller at the current
// generation performs the blocking fd receive on the link socket; without
// a link the channel is declared dead.
func (cs *channelState) await(gen int) (int, int, error) {
	cs.mu.Lock()

	for {
		if cs.dead != nil {
			cs.mu.Unlock()
			return -1, 0, cs.dead
		}
		if cs.gen != gen {
			fd, g := cs.fd, cs.gen
			cs.mu.Unlock()
			return fd, g, nil
		}
		if !cs.recovering {
			break
		}
		cs.cond.Wait()
	}

	if cs.linkFd < 0 {
		cs.dead = fmt.Errorf("channel closed: %w", fdpass.ErrLinkClosed)
		cs.cond.Broadcast()
		cs.mu.Unlock()
		return -1, 0, cs.dead
	}

	cs.recovering = true
	link := cs.linkFd
	old := cs.fd
	cs.mu.Unlock()

	newFd, err := fdpass.Recv(link)
	if err == nil && cs.resume != nil {
		// Announce our receive progress before the new fd becomes
		// visible to the writer, so the resume record is the first
		// thing on the wire and cannot interleave with a replay.
		if wErr := writeFull(newFd, cs.resume()); wErr != nil {
			unix.Close(newFd)
			err = fmt.Errorf("write resume record: %w", wErr)
		}
	}

	cs.mu.Lock()
	cs.recovering = false
	if err != nil {
		cs.dead = fmt.Errorf("await replacement channel: %w", err)
		cs.cond.Broadcast()
		cs.mu.Unlock()
		return -1, 0, cs.dead
	}

	_ = unix.Shutdown(old, unix.SHUT_RDWR)
	cs.retired = append(cs.retired, old)
	cs.fd = newFd
	cs.gen++
	fd, g := cs.fd, cs.gen
	cs.cond.Broadcast()
	cs.mu.Unlock()
	return fd, g, nil
}

// kill marks the channel permanently dead and wakes all waiters.
func (cs *channelState) kill(err error) {
	cs.mu.Lock()
	if cs.dead == nil {
		cs.dead = err
	}
	cs.cond.Broadcast()
	cs.mu.Unlock()
}

// closeAll closes the live descriptor and every retired one. Only safe
// once no goroutine can touch the channel again.
func (cs *channelState) closeAll() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.fd >= 0 {
		unix.Close(cs.fd)
		cs.fd = -1
	}
	for _, fd := range cs.retired {
		unix.Close(fd)
	}
	cs.retired = nil
}

// -------------------------------------------------------------------------
// Worker
// -------------------------------------------------------------------------

// Option configures optional Worker parameters.
type Option func(*Worker)

// WithMetrics sets the metrics collector recording transfer volumes.
func WithMetrics(m *wpmetrics.Collector) Option {
	return func(w *Worker) { w.metrics = m }
}

// Worker drives one application connection over one channel.
type Worker struct {
	logger  *slog.Logger
	metrics *wpmetrics.Collector

	table *shadow.Table
	pool  *task.Pool
	buf   *transfer.Buffer
	comp  *shadow.Compressor

	chanState *channelState
	appFd     int

	// history retains wire segments not yet acknowledged by the peer,
	// for replay after a reconnect. histBase is the count of segments
	// ever sent before history[0]. Guarded by histMu.
	histMu   sync.Mutex
	history  [][]byte
	histBase uint32

	// recvCount counts received non-ack blocks; read by the resume
	// record builder on the recovery path.
	recvCount atomic.Uint32

	// ackGen records the channel generation on which the most recent
	// peer acknowledgement arrived; the writer's replay waits for the
	// peer's resume record before retransmitting.
	ackGen    atomic.Int64
	ackSignal chan struct{}
}

// algoFromConfig maps the configured compression name to an algorithm.
func algoFromConfig(rc config.ReplicationConfig) shadow.Algo {
	switch rc.Compression {
	case "lz4":
		return shadow.AlgoLZ4
	case "zstd":
		return shadow.AlgoZstd
	default:
		return shadow.AlgoNone
	}
}

// InterfaceLoop runs the per-connection worker until the application or
// the channel side closes. chanFd and appFd transfer to the loop and are
// closed on return. When linkFd is non-negative the session is
// reconnectable: a broken channel blocks on the link socket for a
// replacement descriptor and resumes from the last acknowledged segment.
func InterfaceLoop(
	ctx context.Context,
	chanFd, appFd, linkFd int,
	rc config.ReplicationConfig,
	isClient bool,
	logger *slog.Logger,
	opts ...Option,
) error {
	comp, err := shadow.NewCompressor(algoFromConfig(rc), rc.CompressionLevel)
	if err != nil {
		unix.Close(chanFd)
		unix.Close(appFd)
		return fmt.Errorf("interface loop: %w", err)
	}
	defer comp.Close()

	side := shadow.SideServer
	if isClient {
		side = shadow.SideClient
	}

	poolSize := rc.PoolSize()
	w := &Worker{
		logger:    logger.With(slog.String("component", "worker")),
		comp:      comp,
		pool:      task.NewPool(poolSize - 1),
		buf:       transfer.NewBuffer(),
		appFd:     appFd,
		ackSignal: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.chanState = newChannelState(chanFd, linkFd, w.resumeRecord)
	w.table = shadow.NewTable(side, comp, logger, shadow.WithParts(poolSize))

	defer w.pool.Stop()
	defer w.table.Close()
	defer unix.Close(appFd)
	defer w.chanState.closeAll()

	// Cancellation closes nothing directly; it kills the channel state so
	// every blocked path unwinds through its error handling.
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-loopCtx.Done()
		w.chanState.kill(context.Canceled)
		w.buf.Stop()
		// Shut down both sockets to unblock readers parked in read(2).
		_ = unix.Shutdown(appFd, unix.SHUT_RDWR)
		if fd, _ := w.chanState.current(); fd >= 0 {
			_ = unix.Shutdown(fd, unix.SHUT_RDWR)
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)

	errCh := make(chan error, 3)

	go func() {
		defer wg.Done()
		errCh <- w.runAppReader()
	}()
	go func() {
		defer wg.Done()
		// Application EOF stops the transfer buffer; once the writer
		// has drained the tail, the session is over and the channel
		// reader is unblocked through cancellation.
		errCh <- w.runChannelWriter()
		cancel()
	}()

	err = w.runChannelReader()
	cancel()
	wg.Wait()
	// The shutdown goroutine touches the sockets; let it finish before
	// the deferred closes can recycle descriptor numbers.
	<-shutdownDone

	// Prefer a session-corrupt error over the shutdown noise from the
	// other goroutines.
	for {
		select {
		case e := <-errCh:
			if err == nil && errors.Is(e, ErrSessionCorrupt) {
				err = e
			}
			continue
		default:
		}
		break
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("interface loop: %w", err)
	}
	return nil
}

// Table exposes the worker's shadow table to the protocol layer.
func (w *Worker) Table() *shadow.Table { return w.table }

// -------------------------------------------------------------------------
// Application Side
// -------------------------------------------------------------------------

// runAppReader pumps application bytes into protocol blocks and collects
// shadow updates after each burst. Application EOF stops the transfer
// buffer, letting the writer drain and exit.
func (w *Worker) runAppReader() error {
	defer w.buf.Stop()

	chunk := make([]byte, readChunk)
	for {
		n, err := unix.Read(w.appFd, chunk)
		if err == unix.EINTR {
			continue
		}
		if err != nil || n == 0 {
			// Application hangup ends the session cleanly.
			return nil
		}

		payload := make([]byte, n)
		copy(payload, chunk[:n])
		if err := w.queueBlock(transfer.Block{
			Type:    transfer.TypePipeData,
			XID:     protocolXID,
			Payload: payload,
		}); err != nil {
			return err
		}

		if err := w.collectShadowUpdates(); err != nil {
			return err
		}
	}
}

// queueBlock reserves a message number and commits one framed block.
func (w *Worker) queueBlock(b transfer.Block) error {
	msgNo, err := w.buf.Reserve()
	if err != nil {
		if errors.Is(err, transfer.ErrBufferStopped) {
			return nil
		}
		return err
	}
	wire, err := b.Marshal()
	if err != nil {
		w.buf.Abort(msgNo)
		return err
	}
	w.buf.Commit(msgNo, wire)
	return nil
}

// collectShadowUpdates runs one replication round for every dirty or
// streaming shadow entry.
func (w *Worker) collectShadowUpdates() error {
	var collected []*shadow.Entry
	for _, e := range w.table.Entries() {
		if !e.Dirty() && !e.Kind.Streamed() {
			continue
		}
		if err := w.table.CollectUpdate(e, w.pool, w.buf); err != nil {
			if errors.Is(err, transfer.ErrBufferStopped) {
				return nil
			}
			return err
		}
		collected = append(collected, e)
	}
	if len(collected) == 0 {
		return nil
	}

	if err := w.pool.WaitIdle(); err != nil {
		return err
	}
	for _, e := range collected {
		w.table.FinishUpdate(e)
	}
	return nil
}

// -------------------------------------------------------------------------
// Channel Writer
// -------------------------------------------------------------------------

// runChannelWriter drains the transfer buffer to the channel in message
// number order, retaining unacknowledged segments for replay. A write
// failure waits for a replacement channel and replays the retained tail.
func (w *Worker) runChannelWriter() error {
	for {
		seg, err := w.buf.Next()
		if err != nil {
			// Drained out after stop.
			return nil
		}

		// Acknowledgements are ephemeral: never retained, never
		// replayed, and excluded from both sides' block counting.
		isAck := transfer.HeaderType(binary.LittleEndian.Uint32(seg.Data)) == transfer.TypeAck
		if !isAck {
			w.histMu.Lock()
			w.history = append(w.history, seg.Data)
			w.histMu.Unlock()
		}

		fd, gen := w.chanState.current()
		if wErr := writeFull(fd, seg.Data); wErr != nil {
			if isAck {
				// Drop the ack; the next batch re-acknowledges.
				continue
			}
			if rErr := w.reconnectAndReplay(gen); rErr != nil {
				return rErr
			}
		}

		if w.metrics != nil {
			blockType := transfer.HeaderType(binary.LittleEndian.Uint32(seg.Data))
			w.metrics.BlockSent(blockType.String(), len(seg.Data))
		}
	}
}

// reconnectAndReplay obtains a replacement channel, waits for the peer's
// resume acknowledgement (which trims the history to exactly the blocks
// the peer never received), and retransmits the remaining tail. The block
// that triggered the reconnect is in the history, so the caller does not
// re-send it.
func (w *Worker) reconnectAndReplay(gen int) error {
	for {
		_, newGen, err := w.chanState.await(gen)
		if err != nil {
			return err
		}

		if err := w.awaitPeerResume(newGen); err != nil {
			return err
		}

		w.histMu.Lock()
		replay := make([][]byte, len(w.history))
		copy(replay, w.history)
		w.histMu.Unlock()

		fd, cur := w.chanState.current()
		if cur != newGen {
			// Replaced again while we waited; start over.
			gen = newGen
			continue
		}

		replayed := true
		for _, data := range replay {
			if wErr := writeFull(fd, data); wErr != nil {
				replayed = false
				break
			}
		}
		if replayed {
			w.logger.Info("channel resumed",
				slog.Int("replayed_segments", len(replay)),
			)
			return nil
		}
		gen = newGen
	}
}

// awaitPeerResume blocks until a peer acknowledgement arrives on (or
// after) the given channel generation.
func (w *Worker) awaitPeerResume(gen int) error {
	for w.ackGen.Load() < int64(gen) {
		select {
		case <-w.ackSignal:
		case <-time.After(20 * time.Millisecond):
			if w.chanState.isDead() {
				return fmt.Errorf("await peer resume: %w", fdpass.ErrLinkClosed)
			}
		}
	}
	return nil
}

// writeFull writes all of data to fd with EINTR retry.
func writeFull(fd int, data []byte) error {
	off := 0
	for off < len(data) {
		n, err := unix.Write(fd, data[off:])
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		if err != nil {
			return err
		}
		off += n
	}
	return nil
}

// -------------------------------------------------------------------------
// Channel Reader
// -------------------------------------------------------------------------

// runChannelReader parses transfer blocks off the channel and dispatches
// them: protocol bytes to the application socket, acknowledgements to the
// history trimmer, everything else to the shadow table. Channel hangup on
// a reconnectable session blocks for a replacement descriptor.
func (w *Worker) runChannelReader() error {
	var pending []byte
	chunk := make([]byte, readChunk)

	fd, gen := w.chanState.current()
	for {
		n, err := unix.Read(fd, chunk)
		if err == unix.EINTR {
			continue
		}
		if err != nil || n == 0 {
			fd, gen, err = w.chanState.await(gen)
			if err != nil {
				if errors.Is(err, fdpass.ErrLinkClosed) || errors.Is(err, context.Canceled) {
					// Peer disconnect without a link: clean exit.
					return nil
				}
				return err
			}
			// A replacement channel restarts mid-stream framing.
			pending = pending[:0]
			continue
		}

		pending = append(pending, chunk[:n]...)
		consumed, pErr := w.dispatchBlocks(pending, gen)
		if pErr != nil {
			return pErr
		}
		pending = pending[consumed:]
	}
}

// dispatchBlocks processes every complete block at the front of data and
// returns the number of bytes consumed. gen is the channel generation the
// bytes arrived on, threaded through to acknowledgement handling.
func (w *Worker) dispatchBlocks(data []byte, gen int) (int, error) {
	off := 0
	applied := 0
	for {
		if len(data)-off < transfer.HeaderSize {
			break
		}
		header := binary.LittleEndian.Uint32(data[off:])
		// Validate the type nibble before trusting the size field, or a
		// corrupt header could masquerade as an enormous partial block.
		if !transfer.ValidType(transfer.HeaderType(header)) {
			return 0, fmt.Errorf("%w: header %#08x", ErrSessionCorrupt, header)
		}
		total := transfer.Padded(transfer.HeaderSize + transfer.Size(header))
		if len(data)-off < total {
			break
		}

		b, _, err := transfer.Unmarshal(data[off : off+total])
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrSessionCorrupt, err)
		}
		off += total

		if err := w.applyBlock(b, gen); err != nil {
			return 0, err
		}
		if w.metrics != nil {
			w.metrics.BlockReceived(b.Type.String(), total)
		}
		applied++
	}

	if applied > 0 {
		if err := w.acknowledge(); err != nil {
			return 0, err
		}
	}
	return off, nil
}

// applyBlock routes one received block.
func (w *Worker) applyBlock(b transfer.Block, gen int) error {
	if b.XID == protocolXID {
		switch b.Type {
		case transfer.TypePipeData:
			w.recvCount.Add(1)
			if err := writeFull(w.appFd, b.Payload); err != nil {
				return fmt.Errorf("write protocol bytes to application: %w", err)
			}
			return nil
		case transfer.TypeAck:
			if len(b.Payload) < 4 {
				return fmt.Errorf("%w: short ack payload", ErrSessionCorrupt)
			}
			w.trimHistory(binary.LittleEndian.Uint32(b.Payload))
			w.noteAck(gen)
			return nil
		case transfer.TypeClose:
			w.recvCount.Add(1)
			return nil
		default:
			return fmt.Errorf("%w: block type %s on protocol stream", ErrSessionCorrupt, b.Type)
		}
	}

	w.recvCount.Add(1)
	if err := w.table.ApplyAsync(b, w.pool); err != nil {
		return fmt.Errorf("%w: %w", ErrSessionCorrupt, err)
	}
	return nil
}

// acknowledge reports the received block count to the peer so it can trim
// its replay history. The pool is drained first so the count only covers
// blocks whose effects are durable. Acks themselves are not counted and
// are never replayed.
func (w *Worker) acknowledge() error {
	if err := w.pool.WaitIdle(); err != nil {
		return err
	}

	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, w.recvCount.Load())
	return w.queueBlock(transfer.Block{
		Type:    transfer.TypeAck,
		XID:     protocolXID,
		Payload: payload,
	})
}

// resumeRecord builds the resume acknowledgement written first on every
// replacement channel.
func (w *Worker) resumeRecord() []byte {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, w.recvCount.Load())
	wire, err := transfer.Block{
		Type:    transfer.TypeAck,
		XID:     protocolXID,
		Payload: payload,
	}.Marshal()
	if err != nil {
		return nil
	}
	return wire
}

// noteAck records that a peer acknowledgement arrived on the given
// channel generation and wakes a writer waiting to replay.
func (w *Worker) noteAck(gen int) {
	w.ackGen.Store(int64(gen))
	select {
	case w.ackSignal <- struct{}{}:
	default:
	}
}

// trimHistory drops retained segments the peer has acknowledged.
func (w *Worker) trimHistory(acked uint32) {
	w.histMu.Lock()
	defer w.histMu.Unlock()

	if acked <= w.histBase {
		return
	}
	drop := acked - w.histBase
	if drop > uint32(len(w.history)) {
		drop = uint32(len(w.history))
	}
	w.history = w.history[drop:]
	w.histBase += drop
}
