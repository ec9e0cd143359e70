package shadow

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// -------------------------------------------------------------------------
// Kinds
// -------------------------------------------------------------------------

// Kind classifies a shadowed file descriptor.
type Kind uint8

const (
	// KindFile is a regular file or memfd, replicated by ranged diffs.
	KindFile Kind = 1

	// KindDmabuf is a GPU buffer object, replicated by diffs over its
	// CPU mapping with sync fences around each access.
	KindDmabuf Kind = 2

	// KindPipeRead is the readable end of a pipe; bytes read locally are
	// forwarded as an append-only stream.
	KindPipeRead Kind = 3

	// KindPipeWrite is the writable end of a pipe; stream bytes received
	// from the remote are written into it.
	KindPipeWrite Kind = 4

	// KindSocket is a Unix socket transferred like a bidirectional pipe.
	KindSocket Kind = 5
)

// kindNames maps kinds to human-readable strings.
var kindNames = [6]string{"Invalid", "File", "Dmabuf", "PipeRead", "PipeWrite", "Socket"}

// String returns the human-readable kind name.
func (k Kind) String() string {
	if int(k) < len(kindNames) && k != 0 {
		return kindNames[k]
	}
	return fmt.Sprintf("Unknown(%d)", uint8(k))
}

// Mapped reports whether the kind is replicated through a memory mapping
// and therefore carries a mirror buffer and damage tracking.
func (k Kind) Mapped() bool {
	return k == KindFile || k == KindDmabuf
}

// Streamed reports whether the kind is replicated as an append-only byte
// stream with no mirror.
func (k Kind) Streamed() bool {
	return k == KindPipeRead || k == KindPipeWrite || k == KindSocket
}

// -------------------------------------------------------------------------
// DMABUF Metadata
// -------------------------------------------------------------------------

// dmabufPlanes is the fixed plane count carried in DMABUF metadata.
const dmabufPlanes = 4

// DmabufMeta describes the geometry of a GPU buffer: dimensions, pixel
// format, layout modifier, and per-plane offsets/strides. Supplied by the
// Wayland layer at translate time and replicated verbatim so the remote
// side can import an equivalent buffer.
type DmabufMeta struct {
	Width    uint32
	Height   uint32
	Format   uint32
	Modifier uint64

	Offsets   [dmabufPlanes]uint32
	Strides   [dmabufPlanes]uint32
	PlaneUsed [dmabufPlanes]bool
}

// -------------------------------------------------------------------------
// Metadata Block Codec
// -------------------------------------------------------------------------

// metaBaseSize is the fixed portion of a metadata payload:
// u32 kind + u64 size.
const metaBaseSize = 12

// metaDmabufSize is the DMABUF extension: width/height/format (3×u32),
// modifier (u64), offsets and strides (2×4×u32), plane-used bitmask (u32).
const metaDmabufSize = 12 + 8 + 2*4*4 + 4

// ErrShortMeta indicates a truncated metadata payload.
var ErrShortMeta = errors.New("metadata block truncated")

// Meta is the decoded payload of a TypeMeta transfer block, announcing a
// new remote id before its first content block.
type Meta struct {
	Kind Kind
	Size int64

	// Dmabuf holds geometry when Kind is KindDmabuf.
	Dmabuf DmabufMeta
}

// Marshal serializes the metadata payload.
func (m Meta) Marshal() []byte {
	size := metaBaseSize
	if m.Kind == KindDmabuf {
		size += metaDmabufSize
	}

	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(m.Kind))
	binary.LittleEndian.PutUint64(buf[4:12], uint64(m.Size))

	if m.Kind == KindDmabuf {
		d := m.Dmabuf
		off := metaBaseSize
		binary.LittleEndian.PutUint32(buf[off:], d.Width)
		binary.LittleEndian.PutUint32(buf[off+4:], d.Height)
		binary.LittleEndian.PutUint32(buf[off+8:], d.Format)
		binary.LittleEndian.PutUint64(buf[off+12:], d.Modifier)
		off += 20
		for i := 0; i < dmabufPlanes; i++ {
			binary.LittleEndian.PutUint32(buf[off+4*i:], d.Offsets[i])
			binary.LittleEndian.PutUint32(buf[off+16+4*i:], d.Strides[i])
		}
		off += 32
		var used uint32
		for i, u := range d.PlaneUsed {
			if u {
				used |= 1 << i
			}
		}
		binary.LittleEndian.PutUint32(buf[off:], used)
	}

	return buf
}

// UnmarshalMeta decodes a metadata payload.
func UnmarshalMeta(buf []byte) (Meta, error) {
	if len(buf) < metaBaseSize {
		return Meta{}, fmt.Errorf("unmarshal meta: %d bytes: %w", len(buf), ErrShortMeta)
	}

	m := Meta{
		Kind: Kind(binary.LittleEndian.Uint32(buf[0:4])),
		Size: int64(binary.LittleEndian.Uint64(buf[4:12])),
	}

	if m.Kind == KindDmabuf {
		if len(buf) < metaBaseSize+metaDmabufSize {
			return Meta{}, fmt.Errorf("unmarshal dmabuf meta: %d bytes: %w", len(buf), ErrShortMeta)
		}
		d := &m.Dmabuf
		off := metaBaseSize
		d.Width = binary.LittleEndian.Uint32(buf[off:])
		d.Height = binary.LittleEndian.Uint32(buf[off+4:])
		d.Format = binary.LittleEndian.Uint32(buf[off+8:])
		d.Modifier = binary.LittleEndian.Uint64(buf[off+12:])
		off += 20
		for i := 0; i < dmabufPlanes; i++ {
			d.Offsets[i] = binary.LittleEndian.Uint32(buf[off+4*i:])
			d.Strides[i] = binary.LittleEndian.Uint32(buf[off+16+4*i:])
		}
		off += 32
		used := binary.LittleEndian.Uint32(buf[off:])
		for i := 0; i < dmabufPlanes; i++ {
			d.PlaneUsed[i] = used&(1<<i) != 0
		}
	}

	return m, nil
}

// -------------------------------------------------------------------------
// Entry — one shadowed file descriptor
// -------------------------------------------------------------------------

// fileIdentity identifies an underlying file across duplicate descriptors.
type fileIdentity struct {
	dev uint64
	ino uint64
}

// Entry is the shadow state of one locally-owned file descriptor shared
// over the channel. The owning worker is the single mutator; worker-pool
// tasks read the mirror and current mapping concurrently, restricted to
// non-overlapping damage intervals.
type Entry struct {
	// RemoteID is the session-unique stable identifier. Server-minted ids
	// are negative, client-minted positive, so the partitions never clash.
	RemoteID int32

	// Kind classifies the descriptor.
	Kind Kind

	// Size is the mapped length in bytes for mapped kinds.
	Size int64

	// Dmabuf holds buffer geometry when Kind is KindDmabuf.
	Dmabuf DmabufMeta

	fd       int
	identity fileIdentity

	// mapping is the live mmap of the descriptor's current contents.
	mapping []byte

	// mirror is the owned copy of the last successfully transmitted
	// contents, the baseline for diffing. nil for streamed kinds.
	mirror []byte

	dirty  bool
	damage Damage

	// pipeClosed is set once the local pipe end reached EOF or error and
	// a close record has been (or is about to be) emitted.
	pipeClosed bool

	// metaSent tracks whether the metadata block announcing this entry
	// has been queued for the remote.
	metaSent bool

	// exportFd is the far end of a reconstituted pipe pair, held until a
	// local consumer claims it through ExportFD.
	exportFd int

	refcount int
	released bool
}

// FD returns the local descriptor.
func (e *Entry) FD() int { return e.fd }

// Dirty reports whether local contents have diverged from the last
// transmitted snapshot.
func (e *Entry) Dirty() bool { return e.dirty }

// DamageBytes returns the number of currently damaged bytes.
func (e *Entry) DamageBytes() int64 { return e.damage.Covered(e.Size) }

// Mirror exposes the mirror buffer for verification; callers must not
// mutate it.
func (e *Entry) Mirror() []byte { return e.mirror }

// Contents exposes the live mapping for verification; callers must not
// mutate it through this reference.
func (e *Entry) Contents() []byte { return e.mapping }

// Meta builds the metadata payload announcing this entry.
func (e *Entry) Meta() Meta {
	return Meta{Kind: e.Kind, Size: e.Size, Dmabuf: e.Dmabuf}
}
