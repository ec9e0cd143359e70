// Package transfer implements the channel transfer framing and the ordered
// buffer between worker-pool producers and the channel writer.
//
// Each transfer unit on the wire is a self-describing block: a 32-bit
// header word encoding the block type and payload size, a 32-bit xid naming
// the shadow resource (or control code) the block applies to, and a payload
// padded so that the next header begins on a 16-byte boundary.
package transfer

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// -------------------------------------------------------------------------
// Block Types
// -------------------------------------------------------------------------

// Type identifies the payload semantics of a transfer block.
type Type uint8

const (
	// TypeFull carries a full resend of a shadow resource's contents.
	TypeFull Type = 1

	// TypeDiff carries a diff stream against the receiver's mirror.
	TypeDiff Type = 2

	// TypePipeData carries bytes appended to a pipe stream.
	TypePipeData Type = 3

	// TypeClose notifies the receiver that a shadow resource was closed.
	TypeClose Type = 4

	// TypeMeta carries resource metadata (kind, size, DMABUF geometry)
	// that precedes the first content block for a new remote id.
	TypeMeta Type = 5

	// TypeAck carries the receiver's count of applied non-ack blocks, used
	// to trim replay state and to resume after reconnect.
	TypeAck Type = 6

	// maxType is the highest valid Type value.
	maxType = uint8(TypeAck)
)

// typeNames maps block types to human-readable strings.
var typeNames = [7]string{
	"Invalid",
	"Full",
	"Diff",
	"PipeData",
	"Close",
	"Meta",
	"Ack",
}

// String returns the human-readable name for the block type.
func (t Type) String() string {
	if int(t) < len(typeNames) && t != 0 {
		return typeNames[t]
	}
	return fmt.Sprintf("Unknown(%d)", uint8(t))
}

// -------------------------------------------------------------------------
// Header Word
// -------------------------------------------------------------------------

// HeaderSize is the fixed prefix of every transfer block: the 32-bit header
// word followed by the 32-bit xid.
const HeaderSize = 8

// Alignment is the block alignment on the wire. Payloads are zero-padded so
// that every header word starts on this boundary.
const Alignment = 16

// MaxPayload is the largest payload size encodable in the header's 28-bit
// size field.
const MaxPayload = 1<<28 - 1

// Header word layout: low 4 bits carry the block type, the remaining 28
// bits carry the payload size in bytes (pre-padding).
const (
	typeBits = 4
	typeMask = 1<<typeBits - 1
)

var (
	// ErrBadHeader indicates a header word with an unknown block type or
	// an impossible size. The receiving worker must terminate its session.
	ErrBadHeader = errors.New("corrupt transfer header")

	// ErrShortBlock indicates a block truncated before its declared size.
	ErrShortBlock = errors.New("transfer block truncated")

	// ErrPayloadTooLarge indicates a payload exceeding the encodable size.
	ErrPayloadTooLarge = errors.New("transfer payload exceeds size field")
)

// PackHeader encodes a block type and payload size into the header word.
func PackHeader(t Type, payloadSize int) (uint32, error) {
	if payloadSize < 0 || payloadSize > MaxPayload {
		return 0, fmt.Errorf("pack header: payload size %d: %w", payloadSize, ErrPayloadTooLarge)
	}
	return uint32(payloadSize)<<typeBits | uint32(t)&typeMask, nil
}

// HeaderType extracts the block type from a header word.
func HeaderType(header uint32) Type {
	return Type(header & typeMask)
}

// ValidType reports whether t is a defined block type. Stream parsers
// check this before trusting the header's size field.
func ValidType(t Type) bool {
	return uint8(t) > 0 && uint8(t) <= maxType
}

// Size recovers the payload size in bytes from a header word.
func Size(header uint32) int {
	return int(header >> typeBits)
}

// Padded returns n rounded up to the wire alignment.
func Padded(n int) int {
	return (n + Alignment - 1) &^ (Alignment - 1)
}

// -------------------------------------------------------------------------
// Block
// -------------------------------------------------------------------------

// Block is one decoded transfer unit.
type Block struct {
	// Type is the payload semantics.
	Type Type

	// XID is the shadow remote id the block applies to, or a control code
	// for blocks that do not address a resource.
	XID int32

	// Payload is the block payload, without padding.
	Payload []byte
}

// WireSize returns the encoded size of the block including padding.
func (b Block) WireSize() int {
	return Padded(HeaderSize + len(b.Payload))
}

// Marshal serializes the block into a freshly allocated, padded wire buffer.
func (b Block) Marshal() ([]byte, error) {
	header, err := PackHeader(b.Type, len(b.Payload))
	if err != nil {
		return nil, fmt.Errorf("marshal %s block xid=%d: %w", b.Type, b.XID, err)
	}

	buf := make([]byte, b.WireSize())
	binary.LittleEndian.PutUint32(buf[0:4], header)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(b.XID))
	copy(buf[HeaderSize:], b.Payload)
	return buf, nil
}

// Unmarshal decodes one block from the front of buf. Returns the block and
// the number of bytes consumed (including padding). A header with an
// unknown type, or a declared size extending past buf, is a session-fatal
// decode error.
func Unmarshal(buf []byte) (Block, int, error) {
	if len(buf) < HeaderSize {
		return Block{}, 0, fmt.Errorf("unmarshal block: %d bytes: %w", len(buf), ErrShortBlock)
	}

	header := binary.LittleEndian.Uint32(buf[0:4])
	t := HeaderType(header)
	if !ValidType(t) {
		return Block{}, 0, fmt.Errorf("unmarshal block: header %#08x type %d: %w",
			header, uint8(t), ErrBadHeader)
	}

	size := Size(header)
	total := Padded(HeaderSize + size)
	if total > len(buf) {
		return Block{}, 0, fmt.Errorf("unmarshal %s block: declared %d bytes, have %d: %w",
			t, total, len(buf), ErrShortBlock)
	}

	b := Block{
		Type:    t,
		XID:     int32(binary.LittleEndian.Uint32(buf[4:8])),
		Payload: buf[HeaderSize : HeaderSize+size],
	}
	return b, total, nil
}
