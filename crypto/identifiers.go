package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ID is a stable 16-byte identifier. All entity identifiers in the core
// (authorities, devices, guardians, contexts, ...) share this layout so
// they can be compared, hashed, and used as map keys uniformly.
type ID [16]byte

// AuthorityId identifies a long-lived cryptographic identity backed by a
// tree of device and guardian leaves.
type AuthorityId = ID

// DeviceId identifies a single device leaf.
type DeviceId = ID

// GuardianId identifies a guardian leaf.
type GuardianId = ID

// ContextId identifies a fact-journal context.
type ContextId = ID

// AccountId identifies an account.
type AccountId = ID

// ChannelId identifies a messaging channel.
type ChannelId = ID

// SessionId identifies a recovery session.
type SessionId = ID

// Epoch is a per-context monotonic counter used to invalidate signing
// shares and prevent replay across key rotations.
type Epoch uint64

// LeafId is a stable per-tree identifier for a leaf node. It survives all
// tree operations until the leaf is explicitly removed.
type LeafId uint32

// NewID generates a random identifier from OS entropy.
func NewID() ID {
	return ID(uuid.New())
}

// NewIDFromRand generates an identifier from the supplied 16 bytes.
// Used by agents running in simulation mode with deterministic randomness.
func NewIDFromRand(entropy [16]byte) ID {
	id, _ := uuid.FromBytes(entropy[:])
	return ID(id)
}

// DeriveID derives an identifier by hashing the given domain tag and
// inputs. Two derivations with identical inputs yield the same identifier
// on every replica.
func DeriveID(domain string, parts ...[]byte) ID {
	h := HashWithDomain(domain, parts...)
	var id ID
	copy(id[:], h[:16])
	return id
}

// NewIDFromBytes creates an identifier from a byte slice.
func NewIDFromBytes(data []byte) (ID, error) {
	var id ID
	if len(data) != len(id) {
		return ID{}, fmt.Errorf("invalid identifier length %d", len(data))
	}
	copy(id[:], data)
	return id, nil
}

// NewIDFromString creates an identifier from its hex encoding.
func NewIDFromString(data string) (ID, error) {
	raw, err := hex.DecodeString(data)
	if err != nil {
		return ID{}, err
	}
	return NewIDFromBytes(raw)
}

// Bytes returns the identifier as a byte slice.
func (id ID) Bytes() []byte {
	out := make([]byte, len(id))
	copy(out, id[:])
	return out
}

// String returns the hex encoding of the identifier.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether the identifier is the all-zero value.
func (id ID) IsZero() bool {
	return id == ID{}
}

// MarshalText implements encoding.TextMarshaler so identifiers serialize
// as hex strings in JSON maps and envelopes.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := NewIDFromString(string(text))
	if err != nil {
		return errors.New("invalid identifier encoding")
	}
	*id = parsed
	return nil
}
