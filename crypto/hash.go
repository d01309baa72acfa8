package crypto

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"
)

// Hash32 is a 32-byte BLAKE3 digest. It is the commitment type used
// throughout the core: tree commitments, fact hashes, prestate hashes,
// consensus and result identifiers.
type Hash32 [32]byte

// HashWithDomain computes the BLAKE3 digest of the given parts under an
// explicit domain tag. Each part is length-prefixed so that distinct part
// boundaries never collide.
func HashWithDomain(domain string, parts ...[]byte) Hash32 {
	h := blake3.New(32, nil)
	writeLenPrefixed(h, []byte(domain))
	for _, part := range parts {
		writeLenPrefixed(h, part)
	}
	var out Hash32
	h.Sum(out[:0])
	return out
}

// HashBytes computes the plain BLAKE3 digest of data.
func HashBytes(data []byte) Hash32 {
	return blake3.Sum256(data)
}

// hashWide computes a 64-byte BLAKE3 digest, used to derive scalars with
// negligible bias.
func hashWide(domain string, parts ...[]byte) [64]byte {
	h := blake3.New(64, nil)
	writeLenPrefixed(h, []byte(domain))
	for _, part := range parts {
		writeLenPrefixed(h, part)
	}
	var out [64]byte
	h.Sum(out[:0])
	return out
}

func writeLenPrefixed(h *blake3.Hasher, part []byte) {
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(part)))
	h.Write(lenBuf[:])
	h.Write(part)
}

// NewHash32FromBytes creates a Hash32 from a byte slice.
func NewHash32FromBytes(data []byte) (Hash32, error) {
	var h Hash32
	if len(data) != len(h) {
		return Hash32{}, fmt.Errorf("invalid hash length %d", len(data))
	}
	copy(h[:], data)
	return h, nil
}

// NewHash32FromString creates a Hash32 from its hex encoding.
func NewHash32FromString(data string) (Hash32, error) {
	raw, err := hex.DecodeString(data)
	if err != nil {
		return Hash32{}, err
	}
	return NewHash32FromBytes(raw)
}

// Bytes returns the digest as a byte slice.
func (h Hash32) Bytes() []byte {
	out := make([]byte, len(h))
	copy(out, h[:])
	return out
}

// String returns the hex encoding of the digest.
func (h Hash32) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether the digest is the all-zero value.
func (h Hash32) IsZero() bool {
	return h == Hash32{}
}

// Less reports whether h orders before other lexicographically. The core
// uses this ordering for deterministic tie-breaks.
func (h Hash32) Less(other Hash32) bool {
	return bytes.Compare(h[:], other[:]) < 0
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash32) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash32) UnmarshalText(text []byte) error {
	parsed, err := NewHash32FromString(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
