package transfer

import (
	"errors"
	"sync"
)

// -------------------------------------------------------------------------
// Buffer — ordered segment queue between producers and the channel writer
// -------------------------------------------------------------------------

// ErrBufferStopped indicates an operation on a Buffer after Stop.
var ErrBufferStopped = errors.New("transfer buffer stopped")

// Segment is one (message number, bytes) unit in flight. Bytes are already
// wire-framed; the consumer writes them to the channel verbatim.
type Segment struct {
	// MsgNo is the monotone message number assigned at reservation time.
	MsgNo uint32

	// Data is the framed block, padded to the wire alignment.
	Data []byte
}

// Buffer is the ordered hand-off between worker-pool producers and the
// per-connection channel writer. Message numbers are reserved in enqueue
// order by the owning worker; pool tasks commit their bytes whenever they
// finish, possibly out of order. The consumer drains strictly in message
// number order, waiting for gaps left by still-running tasks.
//
// start and end are monotone cursors: segments numbered [start, end) are
// in flight. A segment is retired from the map when the consumer takes it.
type Buffer struct {
	mu       sync.Mutex
	nonEmpty sync.Cond

	pending map[uint32][]byte
	start   uint32
	end     uint32
	stopped bool
}

// NewBuffer creates an empty transfer buffer.
func NewBuffer() *Buffer {
	b := &Buffer{pending: make(map[uint32][]byte)}
	b.nonEmpty.L = &b.mu
	return b
}

// Reserve allocates the next message number. The caller must eventually
// Commit data under that number (or Abort it), or the consumer will stall
// on the gap forever.
func (b *Buffer) Reserve() (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return 0, ErrBufferStopped
	}
	n := b.end
	b.end++
	return n, nil
}

// Commit publishes the bytes for a previously reserved message number.
// Safe to call from any pool thread.
func (b *Buffer) Commit(msgNo uint32, data []byte) {
	b.mu.Lock()
	b.pending[msgNo] = data
	b.mu.Unlock()
	b.nonEmpty.Broadcast()
}

// Abort fills a reserved number with an empty segment so the consumer can
// skip over it. Used when a task fails after reservation.
func (b *Buffer) Abort(msgNo uint32) {
	b.Commit(msgNo, nil)
}

// Next blocks until the segment at the start cursor has been committed,
// removes it, advances the cursor, and returns it. Empty (aborted) segments
// are skipped transparently. Returns ErrBufferStopped once Stop has been
// called and every prior segment has been drained.
func (b *Buffer) Next() (Segment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		for b.start < b.end {
			data, ok := b.pending[b.start]
			if !ok {
				break
			}
			delete(b.pending, b.start)
			seg := Segment{MsgNo: b.start, Data: data}
			b.start++
			if len(seg.Data) == 0 {
				continue
			}
			return seg, nil
		}

		if b.stopped && b.start == b.end {
			return Segment{}, ErrBufferStopped
		}
		b.nonEmpty.Wait()
	}
}

// TryNext is the non-blocking variant of Next. The boolean reports whether
// a segment was available; err is ErrBufferStopped after drain-out.
func (b *Buffer) TryNext() (Segment, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.start < b.end {
		data, ok := b.pending[b.start]
		if !ok {
			return Segment{}, false, nil
		}
		delete(b.pending, b.start)
		seg := Segment{MsgNo: b.start, Data: data}
		b.start++
		if len(seg.Data) == 0 {
			continue
		}
		return seg, true, nil
	}

	if b.stopped {
		return Segment{}, false, ErrBufferStopped
	}
	return Segment{}, false, nil
}

// Stop marks the buffer closed. Reservations fail afterwards; the consumer
// drains the remaining segments and then receives ErrBufferStopped.
func (b *Buffer) Stop() {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
	b.nonEmpty.Broadcast()
}

// InFlight returns the number of reserved-but-undrained segments.
func (b *Buffer) InFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int(b.end - b.start)
}

// NextMsgNo returns the message number the next Reserve would hand out.
func (b *Buffer) NextMsgNo() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.end
}
