// Package transport moves opaque envelopes between agents: local inbox
// routing, length-framed TCP delivery, and rendezvous-descriptor peer
// resolution. The consensus and journal cores never see any of it; they
// hand the transport a destination and bytes.
package transport

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/hxrts/aura-sub037/crypto"
)

// MetadataDeviceId is the recognized metadata key disambiguating
// multi-authority devices on local delivery.
const MetadataDeviceId = "aura-destination-device-id"

// ErrDestinationUnreachable indicates no route to the destination. The
// caller decides any retry; the core never does.
var ErrDestinationUnreachable = errors.New("destination unreachable")

// ErrNoMessage indicates an empty inbox poll.
var ErrNoMessage = errors.New("no message")

// TransportEnvelope is the unit of delivery between agents. Payload is
// opaque; Metadata carries string pairs the transport may recognize.
type TransportEnvelope struct {
	Source      crypto.AuthorityId `cbor:"1,keyasint" json:"source"`
	Destination crypto.AuthorityId `cbor:"2,keyasint" json:"destination"`
	Context     crypto.ContextId   `cbor:"3,keyasint" json:"context"`
	Payload     []byte             `cbor:"4,keyasint" json:"payload"`
	Metadata    map[string]string  `cbor:"5,keyasint,omitempty" json:"metadata,omitempty"`
}

// Marshal serializes the envelope for the wire.
func (e *TransportEnvelope) Marshal() ([]byte, error) {
	data, err := cbor.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("could not encode envelope: %w", err)
	}
	return data, nil
}

// UnmarshalEnvelope deserializes a wire envelope.
func UnmarshalEnvelope(data []byte) (*TransportEnvelope, error) {
	var envelope TransportEnvelope
	if err := cbor.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("could not decode envelope: %w", err)
	}
	return &envelope, nil
}

// DeviceId returns the device-routing metadata, if present.
func (e *TransportEnvelope) DeviceId() (crypto.DeviceId, bool, error) {
	raw, ok := e.Metadata[MetadataDeviceId]
	if !ok {
		return crypto.DeviceId{}, false, nil
	}
	id, err := crypto.NewIDFromString(raw)
	if err != nil {
		return crypto.DeviceId{}, false, fmt.Errorf("invalid %s: %w", MetadataDeviceId, err)
	}
	return id, true, nil
}

// LocalFor reports whether the envelope is deliverable to a local agent
// identified by authority and device: the destination must match the
// authority, and device metadata, when present, must match the device.
func (e *TransportEnvelope) LocalFor(authority crypto.AuthorityId, device crypto.DeviceId) (bool, error) {
	if e.Destination != authority {
		return false, nil
	}
	deviceId, ok, err := e.DeviceId()
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return deviceId == device, nil
}
