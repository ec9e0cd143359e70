package shadow

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// -------------------------------------------------------------------------
// Compression — diff payload compression
// -------------------------------------------------------------------------

// Algo identifies the compression algorithm applied to a diff stream.
// The value is carried in the content block header so the receiver can
// decompress without out-of-band configuration.
type Algo uint8

const (
	// AlgoNone transmits the diff stream uncompressed.
	AlgoNone Algo = 0

	// AlgoLZ4 compresses with LZ4 block compression.
	AlgoLZ4 Algo = 1

	// AlgoZstd compresses with Zstandard.
	AlgoZstd Algo = 2
)

// algoNames maps algorithms to human-readable strings.
var algoNames = [3]string{"none", "lz4", "zstd"}

// String returns the human-readable algorithm name.
func (a Algo) String() string {
	if int(a) < len(algoNames) {
		return algoNames[a]
	}
	return fmt.Sprintf("Unknown(%d)", uint8(a))
}

var (
	// ErrUnknownAlgo indicates a content block named an algorithm this
	// build does not understand.
	ErrUnknownAlgo = errors.New("unknown compression algorithm")

	// ErrDecompressSize indicates decompressed output did not match the
	// uncompressed size recorded in the block header.
	ErrDecompressSize = errors.New("decompressed size mismatch")
)

// Compressor compresses and decompresses diff streams. Safe for concurrent
// use by worker-pool tasks: the zstd encoder/decoder support concurrent
// EncodeAll/DecodeAll, and LZ4 state is per-call.
type Compressor struct {
	algo  Algo
	level int

	zenc *zstd.Encoder
	zdec *zstd.Decoder
}

// NewCompressor creates a Compressor for the given algorithm and level.
// Level 0 selects the algorithm's default. The zstd decoder is always
// initialized so a receiver can decompress regardless of its own send-side
// configuration.
func NewCompressor(algo Algo, level int) (*Compressor, error) {
	c := &Compressor{algo: algo, level: level}

	zdec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("init zstd decoder: %w", err)
	}
	c.zdec = zdec

	if algo == AlgoZstd {
		zlevel := zstd.SpeedDefault
		if level != 0 {
			zlevel = zstd.EncoderLevelFromZstd(level)
		}
		zenc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zlevel))
		if err != nil {
			return nil, fmt.Errorf("init zstd encoder level %d: %w", level, err)
		}
		c.zenc = zenc
	}

	return c, nil
}

// Algo returns the configured send-side algorithm.
func (c *Compressor) Algo() Algo { return c.algo }

// Compress compresses src with the configured algorithm. Returns the
// compressed bytes and the algorithm actually used: when compression does
// not shrink the payload (or the algorithm is AlgoNone) the original bytes
// are returned under AlgoNone, so the receiver never pays for negative
// compression.
func (c *Compressor) Compress(src []byte) ([]byte, Algo, error) {
	if c.algo == AlgoNone || len(src) == 0 {
		return src, AlgoNone, nil
	}

	switch c.algo {
	case AlgoLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(src)))
		n, err := c.lz4Compress(src, dst)
		if err != nil {
			return nil, AlgoNone, fmt.Errorf("lz4 compress %d bytes: %w", len(src), err)
		}
		if n == 0 || n >= len(src) {
			return src, AlgoNone, nil
		}
		return dst[:n], AlgoLZ4, nil

	case AlgoZstd:
		dst := c.zenc.EncodeAll(src, nil)
		if len(dst) >= len(src) {
			return src, AlgoNone, nil
		}
		return dst, AlgoZstd, nil

	default:
		return nil, AlgoNone, fmt.Errorf("compress: algorithm %d: %w", c.algo, ErrUnknownAlgo)
	}
}

// lz4Compress runs one LZ4 block compression with per-call state. Level 0
// uses the fast path; higher levels use the HC compressor.
func (c *Compressor) lz4Compress(src, dst []byte) (int, error) {
	if c.level <= 0 {
		var lc lz4.Compressor
		return lc.CompressBlock(src, dst)
	}
	hc := lz4.CompressorHC{Level: lz4.CompressionLevel(1 << (8 + c.level))}
	return hc.CompressBlock(src, dst)
}

// Decompress reverses Compress for a payload tagged with algo. The
// uncompressed size comes from the content block header; output shorter or
// longer than declared is a decode error.
func (c *Compressor) Decompress(algo Algo, src []byte, uncompressed int) ([]byte, error) {
	switch algo {
	case AlgoNone:
		if len(src) != uncompressed {
			return nil, fmt.Errorf("raw payload %d bytes, header says %d: %w",
				len(src), uncompressed, ErrDecompressSize)
		}
		return src, nil

	case AlgoLZ4:
		dst := make([]byte, uncompressed)
		n, err := lz4.UncompressBlock(src, dst)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != uncompressed {
			return nil, fmt.Errorf("lz4 output %d bytes, header says %d: %w",
				n, uncompressed, ErrDecompressSize)
		}
		return dst, nil

	case AlgoZstd:
		dst, err := c.zdec.DecodeAll(src, make([]byte, 0, uncompressed))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(dst) != uncompressed {
			return nil, fmt.Errorf("zstd output %d bytes, header says %d: %w",
				len(dst), uncompressed, ErrDecompressSize)
		}
		return dst, nil

	default:
		return nil, fmt.Errorf("decompress: algorithm %d: %w", algo, ErrUnknownAlgo)
	}
}

// Close releases the zstd encoder/decoder state.
func (c *Compressor) Close() {
	if c.zenc != nil {
		_ = c.zenc.Close()
	}
	if c.zdec != nil {
		c.zdec.Close()
	}
}
