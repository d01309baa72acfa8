package journal

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/hxrts/aura-sub037/crypto"
)

// Encoding identifies the payload serialization of a fact envelope.
type Encoding uint8

const (
	// EncodingCBOR is the default payload encoding.
	EncodingCBOR Encoding = iota
	// EncodingJSON is accepted for interop with external emitters.
	EncodingJSON
)

// Valid reports whether the encoding is a known value.
func (e Encoding) Valid() bool {
	return e == EncodingCBOR || e == EncodingJSON
}

// FactEnvelope is one journaled fact: a typed, versioned payload plus the
// causal context that orders it within its context. Envelopes are never
// mutated after insertion.
type FactEnvelope struct {
	TypeId        string             `cbor:"1,keyasint" json:"type_id"`
	SchemaVersion uint16             `cbor:"2,keyasint" json:"schema_version"`
	Encoding      Encoding           `cbor:"3,keyasint" json:"encoding"`
	Payload       []byte             `cbor:"4,keyasint" json:"payload"`
	Author        crypto.AuthorityId `cbor:"5,keyasint" json:"author"`
	Clock         VectorClock        `cbor:"6,keyasint" json:"clock"`
}

// Journal errors per the failure taxonomy. Causal buffering is not an
// error.
var (
	// ErrInvalidEnvelope indicates a structurally invalid fact envelope.
	ErrInvalidEnvelope = errors.New("invalid fact envelope")
	// ErrUnknownType indicates a reduction was requested for an
	// unregistered fact type.
	ErrUnknownType = errors.New("unknown fact type")
)

// Validate checks the envelope's structural invariants.
func (f *FactEnvelope) Validate() error {
	if f.TypeId == "" {
		return fmt.Errorf("%w: empty type id", ErrInvalidEnvelope)
	}
	if !f.Encoding.Valid() {
		return fmt.Errorf("%w: encoding %d", ErrInvalidEnvelope, f.Encoding)
	}
	if f.Author.IsZero() {
		return fmt.Errorf("%w: missing author", ErrInvalidEnvelope)
	}
	if len(f.Clock) == 0 || f.Clock[f.Author] == 0 {
		return fmt.Errorf("%w: missing causal context", ErrInvalidEnvelope)
	}
	return nil
}

// Hash returns the envelope's content hash: the linearization tie-break
// and the identity used for set-union merging.
func (f *FactEnvelope) Hash() crypto.Hash32 {
	var verBuf [2]byte
	verBuf[0] = byte(f.SchemaVersion >> 8)
	verBuf[1] = byte(f.SchemaVersion)
	return crypto.HashWithDomain("FACT",
		[]byte(f.TypeId),
		verBuf[:],
		[]byte{byte(f.Encoding)},
		f.Payload,
		f.Author.Bytes(),
		f.Clock.canonicalBytes(),
	)
}

// Marshal serializes the envelope for transport and storage.
func (f *FactEnvelope) Marshal() ([]byte, error) {
	return cbor.Marshal(f)
}

// UnmarshalFactEnvelope deserializes an envelope previously produced by
// Marshal.
func UnmarshalFactEnvelope(data []byte) (*FactEnvelope, error) {
	var f FactEnvelope
	if err := cbor.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return &f, nil
}

// EncodePayload serializes a fact payload with the default encoding.
func EncodePayload(v any) ([]byte, error) {
	return cbor.Marshal(v)
}

// DecodePayload deserializes a fact payload into v according to the
// envelope's declared encoding.
func DecodePayload(f *FactEnvelope, v any) error {
	switch f.Encoding {
	case EncodingCBOR:
		if err := cbor.Unmarshal(f.Payload, v); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
		}
		return nil
	case EncodingJSON:
		if err := json.Unmarshal(f.Payload, v); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: cannot decode encoding %d", ErrInvalidEnvelope, f.Encoding)
	}
}
