package shadow

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/pdietl/waypipe-go/internal/task"
	"github.com/pdietl/waypipe-go/internal/transfer"
)

// -------------------------------------------------------------------------
// Table Errors
// -------------------------------------------------------------------------

var (
	// ErrUnknownID indicates a lookup or apply for a remote id with no
	// table entry. On the apply path this is session-fatal.
	ErrUnknownID = errors.New("unknown shadow id")

	// ErrUnsupportedFd indicates a descriptor of a kind the replication
	// engine cannot shadow.
	ErrUnsupportedFd = errors.New("unsupported file descriptor kind")

	// ErrAlreadyReleased indicates a release of an entry whose refcount
	// already reached zero. Double-release is a caller bug.
	ErrAlreadyReleased = errors.New("shadow entry already released")

	// ErrKindMismatch indicates a transfer block whose type is not
	// applicable to the entry's kind.
	ErrKindMismatch = errors.New("transfer block kind mismatch")

	// ErrNoExport indicates ExportFD on an entry with nothing left to
	// hand out.
	ErrNoExport = errors.New("no exportable descriptor for entry")
)

// -------------------------------------------------------------------------
// Side — remote id partitioning
// -------------------------------------------------------------------------

// Side selects the remote id partition this table mints from. Server-side
// tables mint negative ids, client-side tables positive, so ids never
// collide within a session.
type Side uint8

const (
	// SideServer mints negative remote ids.
	SideServer Side = 1

	// SideClient mints positive remote ids.
	SideClient Side = 2
)

// String returns the side name.
func (s Side) String() string {
	switch s {
	case SideServer:
		return "server"
	case SideClient:
		return "client"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(s))
	}
}

// -------------------------------------------------------------------------
// DmabufImporter — GPU import hook
// -------------------------------------------------------------------------

// DmabufImporter reconstitutes a GPU buffer from replicated metadata on
// the receiving side. When no importer is configured (headless or no-GPU
// operation), the table falls back to a memfd of the same footprint, which
// preserves contents but not the GPU import identity.
type DmabufImporter interface {
	// Import allocates a buffer matching meta and returns its fd.
	Import(meta DmabufMeta) (int, error)
}

// dmabufFootprint computes the mapped byte size of a buffer from its
// per-plane layout: the maximum of offset + stride*height over used
// planes, with plane 0 assumed used when no plane is flagged.
func dmabufFootprint(meta DmabufMeta) int64 {
	var size int64
	any := false
	for i := 0; i < dmabufPlanes; i++ {
		if !meta.PlaneUsed[i] {
			continue
		}
		any = true
		end := int64(meta.Offsets[i]) + int64(meta.Strides[i])*int64(meta.Height)
		if end > size {
			size = end
		}
	}
	if !any {
		size = int64(meta.Strides[0]) * int64(meta.Height)
	}
	return size
}

// -------------------------------------------------------------------------
// Table
// -------------------------------------------------------------------------

// Table maps remote ids to shadow entries for one session. One worker owns
// the table and is its only mutator; the internal mutex protects the id
// maps against concurrent read-side snapshots, while entry contents follow
// the damage-interval partitioning discipline.
type Table struct {
	logger *slog.Logger
	side   Side
	comp   *Compressor

	// parts is the partition factor for damage intervals: pool workers
	// plus the collecting worker itself.
	parts int

	importer DmabufImporter

	mu         sync.Mutex
	entries    map[int32]*Entry
	byIdentity map[fileIdentity]int32
	nextSeq    int32
}

// TableOption configures optional Table parameters.
type TableOption func(*Table)

// WithImporter sets the DMABUF import hook for the apply path.
func WithImporter(imp DmabufImporter) TableOption {
	return func(t *Table) { t.importer = imp }
}

// WithParts overrides the damage partition factor.
func WithParts(parts int) TableOption {
	return func(t *Table) {
		if parts > 0 {
			t.parts = parts
		}
	}
}

// NewTable creates an empty shadow table for the given side. The
// compressor is shared with pool tasks and must outlive the table.
func NewTable(side Side, comp *Compressor, logger *slog.Logger, opts ...TableOption) *Table {
	t := &Table{
		logger:     logger.With(slog.String("component", "shadow.table")),
		side:       side,
		comp:       comp,
		parts:      1,
		entries:    make(map[int32]*Entry),
		byIdentity: make(map[fileIdentity]int32),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// mintID allocates the next remote id in this side's partition.
func (t *Table) mintID() int32 {
	t.nextSeq++
	if t.side == SideServer {
		return -t.nextSeq
	}
	return t.nextSeq
}

// Len returns the number of live entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// -------------------------------------------------------------------------
// Translate — local fd to remote id
// -------------------------------------------------------------------------

// Translate registers a locally-owned descriptor and returns its remote
// id. The fd is classified by fstat, sized (fstat for files, supplied
// metadata for DMABUFs), mapped where applicable, and entered into the
// table with an initial full-resend damage.
//
// Offering the same underlying file twice (same device and inode) returns
// the existing id, closes the duplicate descriptor, and takes an
// additional reference.
//
// Ownership of fd passes to the table in all success cases.
func (t *Table) Translate(fd int, hint Kind, meta *DmabufMeta) (int32, error) {
	identity, size, mode, err := statFd(fd)
	if err != nil {
		return 0, fmt.Errorf("translate fd %d: %w", fd, err)
	}

	kind, err := classifyMode(mode, hint)
	if err != nil {
		return 0, fmt.Errorf("translate fd %d: %w", fd, err)
	}

	t.mu.Lock()
	if id, dup := t.byIdentity[identity]; dup && kind == KindFile {
		e := t.entries[id]
		e.refcount++
		t.mu.Unlock()
		unix.Close(fd)
		return id, nil
	}
	t.mu.Unlock()

	e := &Entry{
		Kind:     kind,
		fd:       fd,
		identity: identity,
		refcount: 1,
	}

	switch kind {
	case KindFile:
		e.Size = size
	case KindDmabuf:
		if meta == nil {
			return 0, fmt.Errorf("translate fd %d: dmabuf without metadata: %w", fd, ErrUnsupportedFd)
		}
		e.Dmabuf = *meta
		e.Size = dmabufFootprint(*meta)
	case KindPipeRead, KindSocket:
		// Readable stream ends are drained opportunistically during
		// collection; they must not block the worker.
		if err := unix.SetNonblock(fd, true); err != nil {
			return 0, fmt.Errorf("translate fd %d: set nonblocking: %w", fd, err)
		}
	case KindPipeWrite:
	}

	if kind.Mapped() {
		mapping, mErr := mapFd(fd, e.Size)
		if mErr != nil {
			return 0, fmt.Errorf("translate fd %d: %w", fd, mErr)
		}
		e.mapping = mapping
		e.mirror = make([]byte, e.Size)
		e.damage.MarkAll()
		e.dirty = true
	}

	t.mu.Lock()
	e.RemoteID = t.mintID()
	t.entries[e.RemoteID] = e
	if kind == KindFile {
		t.byIdentity[identity] = e.RemoteID
	}
	t.mu.Unlock()

	t.logger.Debug("shadow entry created",
		slog.Int("remote_id", int(e.RemoteID)),
		slog.String("kind", kind.String()),
		slog.Int64("size", e.Size),
	)

	return e.RemoteID, nil
}

// Lookup returns the entry for a remote id.
func (t *Table) Lookup(id int32) (*Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return nil, fmt.Errorf("lookup shadow id %d: %w", id, ErrUnknownID)
	}
	return e, nil
}

// Entries returns a snapshot of the live entries, for iteration by the
// owning worker.
func (t *Table) Entries() []*Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	return out
}

// -------------------------------------------------------------------------
// Dirty Tracking
// -------------------------------------------------------------------------

// MarkDirty unions the given interval into the entry's damage; a nil
// interval marks the whole resource for a full resend.
func (t *Table) MarkDirty(id int32, iv *Interval) error {
	e, err := t.Lookup(id)
	if err != nil {
		return fmt.Errorf("mark dirty: %w", err)
	}

	if iv == nil {
		e.damage.MarkAll()
	} else {
		e.damage.Add(iv.Lo, iv.Hi)
	}
	e.dirty = !e.damage.Empty()
	return nil
}

// -------------------------------------------------------------------------
// Collect / Finish — send side
// -------------------------------------------------------------------------

// CollectUpdate schedules the transfer blocks describing the entry's
// current divergence. Mapped kinds fan damage intervals out as diff tasks
// on the pool; stream kinds drain readable bytes inline. Returns once
// every task has been queued; block bytes land in buf as tasks complete.
//
// A no-op collect (no damage, metadata already sent, nothing readable)
// emits nothing.
func (t *Table) CollectUpdate(e *Entry, pool *task.Pool, buf *transfer.Buffer) error {
	if e.Kind.Streamed() {
		return t.collectStream(e, buf)
	}
	return t.collectMapped(e, pool, buf)
}

// collectMapped queues metadata and diff tasks for a FILE or DMABUF entry.
func (t *Table) collectMapped(e *Entry, pool *task.Pool, buf *transfer.Buffer) error {
	if e.Kind == KindFile {
		if err := t.refreshFileSize(e); err != nil {
			return err
		}
	}

	if err := t.sendMeta(e, buf); err != nil {
		return err
	}

	intervals := e.damage.Intervals(e.Size)
	if len(intervals) == 0 {
		return nil
	}

	blockType := transfer.TypeDiff
	if e.damage.All() {
		blockType = transfer.TypeFull
	}
	isDmabuf := e.Kind == KindDmabuf

	for _, part := range partitionIntervals(intervals, t.parts) {
		msgNo, err := buf.Reserve()
		if err != nil {
			return fmt.Errorf("collect id %d: %w", e.RemoteID, err)
		}

		tsk := task.Task{
			Kind: task.KindDiffRegion,
			Run: func() error {
				wire, dErr := t.diffRegion(e, part, blockType, isDmabuf)
				if dErr != nil {
					buf.Abort(msgNo)
					return fmt.Errorf("diff id %d: %w", e.RemoteID, dErr)
				}
				buf.Commit(msgNo, wire)
				return nil
			},
		}
		if err := pool.Enqueue(tsk); err != nil {
			buf.Abort(msgNo)
			return fmt.Errorf("collect id %d: %w", e.RemoteID, err)
		}
	}

	return nil
}

// refreshFileSize remaps a file entry whose backing size changed. Growth
// extends the mirror with zeroes and damages the new tail; truncation
// forces a full resend, since interior offsets may have shifted meaning.
// The metadata announcement is repeated so the remote can resize.
func (t *Table) refreshFileSize(e *Entry) error {
	_, size, _, err := statFd(e.fd)
	if err != nil {
		return fmt.Errorf("refresh id %d: %w", e.RemoteID, err)
	}
	if size == e.Size {
		return nil
	}

	if uErr := unmapFd(e.mapping); uErr != nil {
		return fmt.Errorf("refresh id %d: %w", e.RemoteID, uErr)
	}
	e.mapping = nil

	mapping, mErr := mapFd(e.fd, size)
	if mErr != nil {
		return fmt.Errorf("refresh id %d: %w", e.RemoteID, mErr)
	}

	grown := size > e.Size
	oldSize := e.Size
	e.mapping = mapping
	e.Size = size
	e.metaSent = false

	if grown {
		mirror := make([]byte, size)
		copy(mirror, e.mirror)
		e.mirror = mirror
		e.damage.Add(oldSize, size)
	} else {
		e.mirror = make([]byte, size)
		e.damage.MarkAll()
	}
	e.dirty = true

	t.logger.Debug("shadow entry resized",
		slog.Int("remote_id", int(e.RemoteID)),
		slog.Int64("old_size", oldSize),
		slog.Int64("new_size", size),
	)
	return nil
}

// diffRegion is the pool task body: scan, compress, frame.
func (t *Table) diffRegion(e *Entry, part []Interval, blockType transfer.Type, isDmabuf bool) ([]byte, error) {
	if isDmabuf {
		if err := dmabufSyncBeginRead(e.fd); err != nil {
			return nil, err
		}
		defer func() { _ = dmabufSyncEndRead(e.fd) }()
	}

	var stream []byte
	if blockType == transfer.TypeFull {
		stream = fullStream(e.mapping, part)
	} else {
		stream = diffStream(e.mapping, e.mirror, part)
	}

	payload, _, err := packContent(t.comp, stream)
	if err != nil {
		return nil, err
	}

	return transfer.Block{Type: blockType, XID: e.RemoteID, Payload: payload}.Marshal()
}

// collectStream drains readable bytes from a pipe/socket entry and queues
// them as append records; EOF queues the close record.
func (t *Table) collectStream(e *Entry, buf *transfer.Buffer) error {
	if e.Kind == KindPipeWrite || e.pipeClosed {
		return nil
	}

	if err := t.sendMeta(e, buf); err != nil {
		return err
	}

	data, eof := drainFd(e.fd)
	if len(data) > 0 {
		if err := t.commitBlock(buf, transfer.Block{
			Type:    transfer.TypePipeData,
			XID:     e.RemoteID,
			Payload: data,
		}); err != nil {
			return err
		}
	}

	if eof {
		e.pipeClosed = true
		if err := t.commitBlock(buf, transfer.Block{
			Type: transfer.TypeClose,
			XID:  e.RemoteID,
		}); err != nil {
			return err
		}
	}
	return nil
}

// sendMeta queues the one-time metadata block announcing the entry.
func (t *Table) sendMeta(e *Entry, buf *transfer.Buffer) error {
	if e.metaSent {
		return nil
	}
	if err := t.commitBlock(buf, transfer.Block{
		Type:    transfer.TypeMeta,
		XID:     e.RemoteID,
		Payload: e.Meta().Marshal(),
	}); err != nil {
		return err
	}
	e.metaSent = true
	return nil
}

// commitBlock reserves, marshals, and commits one block inline.
func (t *Table) commitBlock(buf *transfer.Buffer, b transfer.Block) error {
	msgNo, err := buf.Reserve()
	if err != nil {
		return fmt.Errorf("queue %s block id %d: %w", b.Type, b.XID, err)
	}
	wire, err := b.Marshal()
	if err != nil {
		buf.Abort(msgNo)
		return fmt.Errorf("queue %s block id %d: %w", b.Type, b.XID, err)
	}
	buf.Commit(msgNo, wire)
	return nil
}

// drainFd reads everything currently available from a non-blocking fd.
// Reports EOF when the peer closed the stream.
func drainFd(fd int) ([]byte, bool) {
	var out []byte
	chunk := make([]byte, 4096)
	for {
		n, err := unix.Read(fd, chunk)
		switch {
		case n > 0:
			out = append(out, chunk[:n]...)
		case n == 0 && err == nil:
			return out, true
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return out, false
		default:
			// Read error behaves like a hangup: the stream ends.
			return out, true
		}
	}
}

// FinishUpdate advances the mirror to the transmitted snapshot: the
// current contents of every damaged interval are copied into the mirror,
// then damage and the dirty flag clear. Call only after the channel writer
// has drained the entry's blocks.
func (t *Table) FinishUpdate(e *Entry) {
	if e.Kind.Mapped() {
		for _, iv := range e.damage.Intervals(e.Size) {
			copy(e.mirror[iv.Lo:iv.Hi], e.mapping[iv.Lo:iv.Hi])
		}
	}
	e.damage.Clear()
	e.dirty = false
}

// -------------------------------------------------------------------------
// Apply — receive side
// -------------------------------------------------------------------------

// Apply reconstitutes remote state from one received transfer block. A
// metadata block creates the local mirror resource on first sighting;
// content blocks patch it; pipe blocks append or close the local stream.
//
// Unknown ids and corrupt payloads are session-fatal: the caller must
// terminate the session on error.
func (t *Table) Apply(b transfer.Block) error {
	switch b.Type {
	case transfer.TypeMeta:
		return t.applyMeta(b)
	case transfer.TypeFull, transfer.TypeDiff:
		return t.applyContent(b)
	case transfer.TypePipeData:
		return t.applyPipeData(b)
	case transfer.TypeClose:
		return t.applyClose(b)
	default:
		return fmt.Errorf("apply block type %s id %d: %w", b.Type, b.XID, ErrKindMismatch)
	}
}

// applyMeta creates the local counterpart of a newly announced resource.
// A metadata block for a known id is idempotent.
func (t *Table) applyMeta(b transfer.Block) error {
	meta, err := UnmarshalMeta(b.Payload)
	if err != nil {
		return fmt.Errorf("apply meta id %d: %w", b.XID, err)
	}

	t.mu.Lock()
	existing, exists := t.entries[b.XID]
	t.mu.Unlock()
	if exists {
		// Re-announcements are idempotent except for a file size
		// change, which resizes the local memfd before the content
		// blocks that follow.
		if existing.Kind == KindFile && existing.Size != meta.Size {
			return t.resizeReconstituted(existing, meta.Size)
		}
		return nil
	}

	e := &Entry{
		RemoteID: b.XID,
		Kind:     meta.Kind,
		Size:     meta.Size,
		Dmabuf:   meta.Dmabuf,
		refcount: 1,
		metaSent: true,
	}

	switch {
	case meta.Kind == KindFile:
		fd, cErr := createMemfd(fmt.Sprintf("waypipe-shadow-%d", b.XID), meta.Size)
		if cErr != nil {
			return fmt.Errorf("apply meta id %d: %w", b.XID, cErr)
		}
		e.fd = fd

	case meta.Kind == KindDmabuf:
		fd, cErr := t.importDmabuf(b.XID, meta)
		if cErr != nil {
			return fmt.Errorf("apply meta id %d: %w", b.XID, cErr)
		}
		e.fd = fd

	case meta.Kind.Streamed():
		// The local pipe pair replaces the remote stream: received
		// bytes are written into one end, the other is exported to
		// the local protocol layer.
		var p [2]int
		if pErr := unix.Pipe2(p[:], unix.O_CLOEXEC); pErr != nil {
			return fmt.Errorf("apply meta id %d: create pipe: %w", b.XID, pErr)
		}
		if meta.Kind == KindPipeWrite {
			// Remote writes locally-originated data; we read it.
			e.fd = p[0]
			e.exportFd = p[1]
			_ = unix.SetNonblock(e.fd, true)
		} else {
			e.fd = p[1]
			e.exportFd = p[0]
		}

	default:
		return fmt.Errorf("apply meta id %d: kind %s: %w", b.XID, meta.Kind, ErrUnsupportedFd)
	}

	if e.Kind.Mapped() {
		mapping, mErr := mapFd(e.fd, e.Size)
		if mErr != nil {
			unix.Close(e.fd)
			return fmt.Errorf("apply meta id %d: %w", b.XID, mErr)
		}
		e.mapping = mapping
		e.mirror = make([]byte, e.Size)
	}

	t.mu.Lock()
	t.entries[b.XID] = e
	t.mu.Unlock()

	t.logger.Debug("shadow entry reconstituted",
		slog.Int("remote_id", int(b.XID)),
		slog.String("kind", meta.Kind.String()),
		slog.Int64("size", meta.Size),
	)
	return nil
}

// resizeReconstituted applies a remote size change to a reconstituted
// file entry: truncate the memfd, remap, and resize the mirror.
func (t *Table) resizeReconstituted(e *Entry, size int64) error {
	if err := unmapFd(e.mapping); err != nil {
		return fmt.Errorf("resize id %d: %w", e.RemoteID, err)
	}
	e.mapping = nil

	if err := unix.Ftruncate(e.fd, size); err != nil {
		return fmt.Errorf("resize id %d: ftruncate to %d: %w", e.RemoteID, size, err)
	}

	mapping, err := mapFd(e.fd, size)
	if err != nil {
		return fmt.Errorf("resize id %d: %w", e.RemoteID, err)
	}

	mirror := make([]byte, size)
	copy(mirror, e.mirror)
	e.mapping = mapping
	e.mirror = mirror
	e.Size = size
	return nil
}

// importDmabuf allocates the local buffer for a replicated DMABUF, via the
// configured importer or the memfd fallback.
func (t *Table) importDmabuf(id int32, meta Meta) (int, error) {
	if t.importer != nil {
		fd, err := t.importer.Import(meta.Dmabuf)
		if err != nil {
			return -1, fmt.Errorf("import dmabuf: %w", err)
		}
		return fd, nil
	}
	return createMemfd(fmt.Sprintf("waypipe-dmabuf-%d", id), meta.Size)
}

// applyContent patches a mapped entry with a full or diff content block.
func (t *Table) applyContent(b transfer.Block) error {
	e, err := t.Lookup(b.XID)
	if err != nil {
		return fmt.Errorf("apply %s: %w", b.Type, err)
	}
	if !e.Kind.Mapped() {
		return fmt.Errorf("apply %s to %s id %d: %w", b.Type, e.Kind, b.XID, ErrKindMismatch)
	}

	stream, err := unpackContent(t.comp, b.Payload)
	if err != nil {
		return fmt.Errorf("apply %s id %d: %w", b.Type, b.XID, err)
	}

	if e.Kind == KindDmabuf {
		if sErr := dmabufSyncBeginWrite(e.fd); sErr != nil {
			return fmt.Errorf("apply %s id %d: %w", b.Type, b.XID, sErr)
		}
		defer func() { _ = dmabufSyncEndWrite(e.fd) }()
	}

	if err := applyStream(e.mapping, e.mirror, stream); err != nil {
		return fmt.Errorf("apply %s id %d: %w", b.Type, b.XID, err)
	}

	// The entry now matches the sender's snapshot. Content blocks of one
	// round may patch concurrently from pool tasks; the flag updates are
	// serialized under the table lock.
	t.mu.Lock()
	e.damage.Clear()
	e.dirty = false
	t.mu.Unlock()
	return nil
}

// ApplyAsync is the pool-backed variant of Apply: metadata, pipe, and
// close blocks apply inline (they order resource creation), while content
// blocks are decompressed and patched as pool tasks. Content blocks of one
// collection round cover disjoint damage intervals, so they may patch in
// any order; the caller must drain the pool before reading the contents or
// acknowledging the round.
func (t *Table) ApplyAsync(b transfer.Block, pool *task.Pool) error {
	if b.Type != transfer.TypeFull && b.Type != transfer.TypeDiff {
		return t.Apply(b)
	}

	// Resolve the entry now so an unknown id fails the session at
	// enqueue time, not on a pool worker.
	if _, err := t.Lookup(b.XID); err != nil {
		return fmt.Errorf("apply %s: %w", b.Type, err)
	}

	tsk := task.Task{
		Kind: task.KindApplyDiff,
		Run: func() error {
			return t.applyContent(b)
		},
	}
	if err := pool.Enqueue(tsk); err != nil {
		return fmt.Errorf("apply %s id %d: %w", b.Type, b.XID, err)
	}
	return nil
}

// applyPipeData appends received stream bytes to the local pipe end,
// retrying short writes.
func (t *Table) applyPipeData(b transfer.Block) error {
	e, err := t.Lookup(b.XID)
	if err != nil {
		return fmt.Errorf("apply pipe data: %w", err)
	}
	if !e.Kind.Streamed() {
		return fmt.Errorf("apply pipe data to %s id %d: %w", e.Kind, b.XID, ErrKindMismatch)
	}

	data := b.Payload
	for len(data) > 0 {
		n, wErr := unix.Write(e.fd, data)
		if wErr == unix.EINTR || wErr == unix.EAGAIN {
			continue
		}
		if wErr != nil {
			return fmt.Errorf("apply pipe data id %d: %w", b.XID, wErr)
		}
		data = data[n:]
	}
	return nil
}

// applyClose handles the remote close record for a stream entry.
func (t *Table) applyClose(b transfer.Block) error {
	e, err := t.Lookup(b.XID)
	if err != nil {
		return fmt.Errorf("apply close: %w", err)
	}
	if !e.Kind.Streamed() {
		return fmt.Errorf("apply close to %s id %d: %w", e.Kind, b.XID, ErrKindMismatch)
	}

	e.pipeClosed = true
	if e.fd >= 0 {
		unix.Close(e.fd)
		e.fd = -1
	}
	return nil
}

// -------------------------------------------------------------------------
// References and Release
// -------------------------------------------------------------------------

// Retain takes an additional reference on an entry.
func (t *Table) Retain(id int32) error {
	e, err := t.Lookup(id)
	if err != nil {
		return fmt.Errorf("retain: %w", err)
	}
	e.refcount++
	return nil
}

// Release drops one reference. At zero the entry's mapping is unmapped,
// its descriptors closed, its buffers freed, and the id removed from the
// table exactly once; releasing the removed id again returns ErrUnknownID.
func (t *Table) Release(id int32) error {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("release shadow id %d: %w", id, ErrUnknownID)
	}
	if e.released {
		t.mu.Unlock()
		return fmt.Errorf("release shadow id %d: %w", id, ErrAlreadyReleased)
	}

	e.refcount--
	if e.refcount > 0 {
		t.mu.Unlock()
		return nil
	}

	e.released = true
	delete(t.entries, id)
	delete(t.byIdentity, e.identity)
	t.mu.Unlock()

	t.destroy(e)
	return nil
}

// destroy frees an entry's resources on every exit path exactly once.
func (t *Table) destroy(e *Entry) {
	if err := unmapFd(e.mapping); err != nil {
		t.logger.Warn("failed to unmap shadow entry",
			slog.Int("remote_id", int(e.RemoteID)),
			slog.String("error", err.Error()),
		)
	}
	e.mapping = nil
	e.mirror = nil

	if e.fd >= 0 {
		unix.Close(e.fd)
		e.fd = -1
	}
	if e.exportFd > 0 {
		unix.Close(e.exportFd)
		e.exportFd = 0
	}

	t.logger.Debug("shadow entry released",
		slog.Int("remote_id", int(e.RemoteID)),
		slog.String("kind", e.Kind.String()),
	)
}

// ExportFD hands out the descriptor a local consumer should hold for a
// reconstituted entry: a dup of the mapped fd, or the stashed far end of
// a pipe pair (transferred at most once).
func (t *Table) ExportFD(id int32) (int, error) {
	e, err := t.Lookup(id)
	if err != nil {
		return -1, fmt.Errorf("export: %w", err)
	}

	if e.Kind.Streamed() {
		if e.exportFd <= 0 {
			return -1, fmt.Errorf("export id %d: %w", id, ErrNoExport)
		}
		fd := e.exportFd
		e.exportFd = 0
		return fd, nil
	}

	fd, dErr := unix.Dup(e.fd)
	if dErr != nil {
		return -1, fmt.Errorf("export id %d: dup: %w", id, dErr)
	}
	return fd, nil
}

// Close releases every live entry. Used at worker teardown; releases are
// unconditional regardless of refcount.
func (t *Table) Close() {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[int32]*Entry)
	t.byIdentity = make(map[fileIdentity]int32)
	t.mu.Unlock()

	for _, e := range entries {
		if !e.released {
			e.released = true
			t.destroy(e)
		}
	}

	t.logger.Debug("shadow table closed", slog.Int("entries", len(entries)))
}
