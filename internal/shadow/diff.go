package shadow

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// -------------------------------------------------------------------------
// Diff Stream — (offset, length, bytes) segments with a zero-length sentinel
// -------------------------------------------------------------------------

// diffBlockSize is the granularity of the diff scan. Current and mirror
// contents are compared in blocks of this size; consecutive differing
// blocks coalesce into one segment.
const diffBlockSize = 64

// segmentHeaderSize is the per-segment prefix: u32 offset + u32 length.
const segmentHeaderSize = 8

// segmentAlign pads each segment record so the next one starts on a
// 16-byte boundary.
const segmentAlign = 16

var (
	// ErrCorruptDiff indicates a diff stream that is truncated or whose
	// segments run outside the destination resource.
	ErrCorruptDiff = errors.New("corrupt diff stream")

	// ErrContentHeader indicates a content block too short for its
	// compression header.
	ErrContentHeader = errors.New("content block header truncated")
)

// padSegment returns n rounded up to the segment alignment.
func padSegment(n int) int {
	return (n + segmentAlign - 1) &^ (segmentAlign - 1)
}

// diffStream scans cur against base within the given intervals and emits
// the diff segments for every range of differing blocks, followed by the
// terminating sentinel. Intervals must be non-overlapping and sorted; the
// scan touches no byte outside them.
func diffStream(cur, base []byte, intervals []Interval) []byte {
	var out []byte

	for _, iv := range intervals {
		segLo := int64(-1)
		for blockLo := iv.Lo; blockLo < iv.Hi; blockLo += diffBlockSize {
			blockHi := blockLo + diffBlockSize
			if blockHi > iv.Hi {
				blockHi = iv.Hi
			}

			differs := !bytes.Equal(cur[blockLo:blockHi], base[blockLo:blockHi])
			switch {
			case differs && segLo < 0:
				segLo = blockLo
			case !differs && segLo >= 0:
				out = appendSegment(out, segLo, blockLo, cur)
				segLo = -1
			}
		}
		if segLo >= 0 {
			out = appendSegment(out, segLo, iv.Hi, cur)
		}
	}

	// Sentinel: zero-length segment terminates the stream.
	return append(out, make([]byte, segmentHeaderSize)...)
}

// fullStream emits one segment covering each interval verbatim, without
// comparing against a baseline. Used for full resends and for streams
// whose mirror does not yet exist.
func fullStream(cur []byte, intervals []Interval) []byte {
	var out []byte
	for _, iv := range intervals {
		if iv.Len() > 0 {
			out = appendSegment(out, iv.Lo, iv.Hi, cur)
		}
	}
	return append(out, make([]byte, segmentHeaderSize)...)
}

// appendSegment appends one (offset, length, bytes) record for cur[lo:hi],
// padded to the segment alignment.
func appendSegment(out []byte, lo, hi int64, cur []byte) []byte {
	length := int(hi - lo)
	record := padSegment(segmentHeaderSize + length)

	start := len(out)
	out = append(out, make([]byte, record)...)
	binary.LittleEndian.PutUint32(out[start:], uint32(lo))
	binary.LittleEndian.PutUint32(out[start+4:], uint32(length))
	copy(out[start+segmentHeaderSize:], cur[lo:hi])
	return out
}

// applyStream patches dst (and mirror, when non-nil) with every segment of
// a diff stream. Segments outside dst's bounds, or a stream missing its
// sentinel, are session-fatal decode errors.
func applyStream(dst, mirror, stream []byte) error {
	off := 0
	for {
		if off+segmentHeaderSize > len(stream) {
			return fmt.Errorf("diff stream ends at %d without sentinel: %w", off, ErrCorruptDiff)
		}

		segOff := int64(binary.LittleEndian.Uint32(stream[off:]))
		segLen := int64(binary.LittleEndian.Uint32(stream[off+4:]))
		if segLen == 0 {
			return nil
		}

		data := stream[off+segmentHeaderSize:]
		if int64(len(data)) < segLen {
			return fmt.Errorf("diff segment at %d: %d payload bytes, need %d: %w",
				off, len(data), segLen, ErrCorruptDiff)
		}
		if segOff < 0 || segOff+segLen > int64(len(dst)) {
			return fmt.Errorf("diff segment [%d,%d) outside resource of %d bytes: %w",
				segOff, segOff+segLen, len(dst), ErrCorruptDiff)
		}

		copy(dst[segOff:segOff+segLen], data[:segLen])
		if mirror != nil {
			copy(mirror[segOff:segOff+segLen], data[:segLen])
		}

		off += padSegment(segmentHeaderSize + int(segLen))
	}
}

// streamTouchesOnly verifies that every segment of a diff stream lies
// within the union of the given intervals. Test hook for the damage
// minimality property.
func streamTouchesOnly(stream []byte, intervals []Interval) bool {
	off := 0
	for off+segmentHeaderSize <= len(stream) {
		segOff := int64(binary.LittleEndian.Uint32(stream[off:]))
		segLen := int64(binary.LittleEndian.Uint32(stream[off+4:]))
		if segLen == 0 {
			return true
		}

		covered := false
		for _, iv := range intervals {
			if segOff >= iv.Lo && segOff+segLen <= iv.Hi {
				covered = true
				break
			}
		}
		if !covered {
			return false
		}
		off += padSegment(segmentHeaderSize + int(segLen))
	}
	return false
}

// -------------------------------------------------------------------------
// Content Block Codec — compression wrapper around a diff stream
// -------------------------------------------------------------------------

// contentHeaderSize is the prefix of every content payload: the u32
// uncompressed stream length and the u32 algorithm word. The compressed
// length is the remainder of the payload.
const contentHeaderSize = 8

// packContent wraps a diff stream into a content payload, compressing it
// with the given compressor.
func packContent(c *Compressor, stream []byte) ([]byte, Algo, error) {
	packed, algo, err := c.Compress(stream)
	if err != nil {
		return nil, AlgoNone, err
	}

	payload := make([]byte, contentHeaderSize+len(packed))
	binary.LittleEndian.PutUint32(payload[0:4], uint32(len(stream)))
	binary.LittleEndian.PutUint32(payload[4:8], uint32(algo))
	copy(payload[contentHeaderSize:], packed)
	return payload, algo, nil
}

// unpackContent reverses packContent, returning the raw diff stream.
func unpackContent(c *Compressor, payload []byte) ([]byte, error) {
	if len(payload) < contentHeaderSize {
		return nil, fmt.Errorf("content payload %d bytes: %w", len(payload), ErrContentHeader)
	}

	uncompressed := int(binary.LittleEndian.Uint32(payload[0:4]))
	algo := Algo(binary.LittleEndian.Uint32(payload[4:8]))

	stream, err := c.Decompress(algo, payload[contentHeaderSize:], uncompressed)
	if err != nil {
		return nil, fmt.Errorf("unpack content (%s, %d bytes): %w", algo, uncompressed, err)
	}
	return stream, nil
}

// -------------------------------------------------------------------------
// Interval Partitioning — spreading a damage set across pool tasks
// -------------------------------------------------------------------------

// partitionIntervals splits a sorted interval list into at most parts
// groups of roughly equal byte weight, preserving order. Intervals are
// split mid-range when one interval dominates, so a single full-surface
// damage still parallelizes.
func partitionIntervals(intervals []Interval, parts int) [][]Interval {
	if parts < 1 {
		parts = 1
	}

	var total int64
	for _, iv := range intervals {
		total += iv.Len()
	}
	if total == 0 {
		return nil
	}

	// Per-part byte target, rounded up to a multiple of the diff block
	// size. Parts cover disjoint byte ranges, so tasks never share a
	// scan block.
	target := (total + int64(parts) - 1) / int64(parts)
	target = (target + diffBlockSize - 1) &^ (diffBlockSize - 1)

	var out [][]Interval
	var cur []Interval
	var curBytes int64

	flush := func() {
		if len(cur) > 0 {
			out = append(out, cur)
			cur = nil
			curBytes = 0
		}
	}

	for _, iv := range intervals {
		lo := iv.Lo
		for lo < iv.Hi {
			room := target - curBytes
			if room <= 0 {
				flush()
				room = target
			}
			hi := lo + room
			if hi > iv.Hi {
				hi = iv.Hi
			}
			cur = append(cur, Interval{Lo: lo, Hi: hi})
			curBytes += hi - lo
			lo = hi
		}
	}
	flush()

	return out
}
