// Package token implements the 16-byte connection handshake token.
//
// A token is the first thing written on every freshly-opened channel socket.
// It carries the protocol version, per-connection flags, and a 96-bit random
// session key that matches a reconnect attempt to its prior session.
package token

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// -------------------------------------------------------------------------
// Wire Constants
// -------------------------------------------------------------------------

// ProtocolVersion is the channel protocol version carried in the high 16
// bits of the token header. Endpoints refuse connections whose version
// differs from their own.
const ProtocolVersion uint16 = 1

// WireSize is the token's fixed on-wire size in bytes: a 32-bit header
// followed by three 32-bit key words.
const WireSize = 16

// Header flag bits (low 16 bits of the header word).
const (
	// FlagFixed is always set. A received header without it indicates a
	// stream that is misaligned or not a waypipe channel at all.
	FlagFixed uint16 = 1 << 0

	// FlagUpdate marks a token that resumes an existing session. The
	// receiver matches the key against its live sessions instead of
	// instantiating a new one.
	FlagUpdate uint16 = 1 << 1

	// FlagReconnectable marks a session that may be resumed later. The
	// worker for such a session retains a link socket for receiving
	// replacement channel fds.
	FlagReconnectable uint16 = 1 << 2
)

// keyWords is the number of 32-bit words in the session key.
const keyWords = 3

// -------------------------------------------------------------------------
// Errors
// -------------------------------------------------------------------------

var (
	// ErrShortToken indicates fewer than WireSize bytes were available.
	ErrShortToken = errors.New("connection token truncated")

	// ErrVersionMismatch indicates the peer speaks a different protocol
	// version. The connection must be refused.
	ErrVersionMismatch = errors.New("protocol version mismatch")

	// ErrMissingFixedFlag indicates the FIXED bit is clear in a received
	// header, meaning the stream is not a valid waypipe channel.
	ErrMissingFixedFlag = errors.New("fixed flag missing from token header")
)

// -------------------------------------------------------------------------
// Token
// -------------------------------------------------------------------------

// Token is the 16-byte connection handshake header. The zero value is not a
// valid token; obtain one from Minter.Mint or Unmarshal.
type Token struct {
	// Version is the protocol version from the high 16 bits of the header.
	Version uint16

	// Flags holds the FIXED/UPDATE/RECONNECTABLE bits.
	Flags uint16

	// Key is the session identity: three uniformly random 32-bit words.
	Key [keyWords]uint32
}

// Update reports whether the UPDATE flag is set.
func (t Token) Update() bool { return t.Flags&FlagUpdate != 0 }

// Reconnectable reports whether the RECONNECTABLE flag is set.
func (t Token) Reconnectable() bool { return t.Flags&FlagReconnectable != 0 }

// WithUpdate returns a copy of t with the UPDATE bit set. Key and version
// are unchanged; this is the token a reconnection helper writes into a
// freshly-dialed replacement channel.
func (t Token) WithUpdate() Token {
	t.Flags |= FlagUpdate
	return t
}

// SameKey reports whether two tokens carry the same session key.
func (t Token) SameKey(o Token) bool { return t.Key == o.Key }

// Marshal serializes the token into buf, which must be at least WireSize
// bytes. All words are little-endian. Returns the number of bytes written.
//
// Wire format:
//
//	Bytes 0-3:   header = version<<16 | flags
//	Bytes 4-7:   key word 0
//	Bytes 8-11:  key word 1
//	Bytes 12-15: key word 2
func (t Token) Marshal(buf []byte) (int, error) {
	if len(buf) < WireSize {
		return 0, fmt.Errorf("marshal token: need %d bytes, got %d: %w",
			WireSize, len(buf), ErrShortToken)
	}

	header := uint32(t.Version)<<16 | uint32(t.Flags|FlagFixed)
	binary.LittleEndian.PutUint32(buf[0:4], header)
	for i, w := range t.Key {
		binary.LittleEndian.PutUint32(buf[4+4*i:8+4*i], w)
	}
	return WireSize, nil
}

// Unmarshal decodes a token from buf and validates the FIXED flag and the
// protocol version. A version mismatch or a missing FIXED bit is a hard
// refusal; the caller must close the connection.
func Unmarshal(buf []byte) (Token, error) {
	if len(buf) < WireSize {
		return Token{}, fmt.Errorf("unmarshal token: got %d bytes, need %d: %w",
			len(buf), WireSize, ErrShortToken)
	}

	header := binary.LittleEndian.Uint32(buf[0:4])
	t := Token{
		Version: uint16(header >> 16),
		Flags:   uint16(header & 0xFFFF),
	}

	if t.Flags&FlagFixed == 0 {
		return Token{}, fmt.Errorf("unmarshal token header %#08x: %w", header, ErrMissingFixedFlag)
	}
	if t.Version != ProtocolVersion {
		return Token{}, fmt.Errorf("unmarshal token: peer version %d, local version %d: %w",
			t.Version, ProtocolVersion, ErrVersionMismatch)
	}

	for i := range t.Key {
		t.Key[i] = binary.LittleEndian.Uint32(buf[4+4*i : 8+4*i])
	}
	return t, nil
}

// -------------------------------------------------------------------------
// Minter
// -------------------------------------------------------------------------

// Minter generates session tokens. It remembers the previous key it minted
// and permutes those bytes into each successive key, so that consecutive
// mints in one process are not correlated to an observer even under a
// degraded entropy source. Thread-safe.
type Minter struct {
	mu      sync.Mutex
	prev    [keyWords]uint32
	hasPrev bool
}

// NewMinter creates a Minter with no prior key state.
func NewMinter() *Minter {
	return &Minter{}
}

// Mint creates a fresh token with the given flags. The key is drawn from
// the OS entropy source; process identity and the monotonic clock are mixed
// in as defense in depth, and any previous key minted by this Minter is
// permuted into the new one. If the entropy read itself fails, Mint fails
// closed rather than emit a predictable key.
func (m *Minter) Mint(reconnectable, update bool) (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var seed [keyWords]uint32
	if m.hasPrev {
		// Arithmetic permutation of the prior key. The multipliers are
		// odd, so the maps are bijective on uint32.
		seed[0] = m.prev[0] * 13
		seed[1] = m.prev[1] * 17
		seed[2] = m.prev[2] * 29
	}
	seed[0] ^= uint32(os.Getpid())
	now := time.Now()
	seed[1] ^= uint32(now.UnixNano())
	seed[2] ^= uint32(now.UnixNano() >> 32)

	var raw [keyWords * 4]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return Token{}, fmt.Errorf("mint token key: %w", err)
	}

	t := Token{Version: ProtocolVersion, Flags: FlagFixed}
	for i := range t.Key {
		t.Key[i] = seed[i] ^ binary.LittleEndian.Uint32(raw[4*i:4*i+4])
	}
	if reconnectable {
		t.Flags |= FlagReconnectable
	}
	if update {
		t.Flags |= FlagUpdate
	}

	m.prev = t.Key
	m.hasPrev = true

	return t, nil
}
