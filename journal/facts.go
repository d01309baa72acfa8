package journal

import (
	"fmt"

	"github.com/hxrts/aura-sub037/crypto"
)

// Well-known relational fact type ids. Any other type id is a generic
// fact with a domain-specific payload.
const (
	// TypeConsensus records a completed consensus instance.
	TypeConsensus = "consensus"
	// TypeAmpChannelCheckpoint records a channel's checkpointed head.
	TypeAmpChannelCheckpoint = "amp_channel_checkpoint"
	// TypeAmpChannelPolicy records a channel's current policy hash.
	TypeAmpChannelPolicy = "amp_channel_policy"
)

// Binding types produced by the built-in reducers.
const (
	// BindingConsensus is the per-instance consensus outcome binding.
	BindingConsensus = "consensus"
	// BindingEquivocation is the audit binding for byzantine evidence.
	BindingEquivocation = "equivocation"
	// BindingChannelCheckpoint is the channel head binding.
	BindingChannelCheckpoint = "channel_checkpoint"
	// BindingChannelPolicy is the channel policy binding.
	BindingChannelPolicy = "channel_policy"
)

// EquivocationRecord is the reduced form of an equivocation proof,
// carried inside consensus facts for audit bindings.
type EquivocationRecord struct {
	Witness        crypto.AuthorityId `cbor:"1,keyasint" json:"witness"`
	FirstResultId  crypto.Hash32      `cbor:"2,keyasint" json:"first_result_id"`
	SecondResultId crypto.Hash32      `cbor:"3,keyasint" json:"second_result_id"`
}

// ConsensusFact is the payload of a "consensus" fact: the outcome of one
// consensus instance plus any equivocation evidence it accumulated.
type ConsensusFact struct {
	ConsensusId      crypto.Hash32        `cbor:"1,keyasint" json:"consensus_id"`
	OpHash           crypto.Hash32        `cbor:"2,keyasint" json:"op_hash"`
	ThresholdMet     bool                 `cbor:"3,keyasint" json:"threshold_met"`
	ParticipantCount uint32               `cbor:"4,keyasint" json:"participant_count"`
	Equivocations    []EquivocationRecord `cbor:"5,keyasint,omitempty" json:"equivocations,omitempty"`
}

// AmpChannelCheckpoint is the payload of a channel checkpoint fact.
type AmpChannelCheckpoint struct {
	ChannelId crypto.ChannelId `cbor:"1,keyasint" json:"channel_id"`
	Head      crypto.Hash32    `cbor:"2,keyasint" json:"head"`
	Sequence  uint64           `cbor:"3,keyasint" json:"sequence"`
}

// AmpChannelPolicy is the payload of a channel policy fact.
type AmpChannelPolicy struct {
	ChannelId  crypto.ChannelId `cbor:"1,keyasint" json:"channel_id"`
	PolicyHash crypto.Hash32    `cbor:"2,keyasint" json:"policy_hash"`
}

// ConsensusFactReducer derives consensus outcome bindings and
// equivocation audit bindings from "consensus" facts.
type ConsensusFactReducer struct{}

// TypeId returns the fact type this reducer consumes.
func (ConsensusFactReducer) TypeId() string { return TypeConsensus }

// MaxSchemaVersion is the highest understood schema version.
func (ConsensusFactReducer) MaxSchemaVersion() uint16 { return 1 }

// Reduce derives one consensus binding keyed by consensus id, plus one
// audit binding per equivocation record. Audit keys include the full
// (witness, first, second) triple so duplicate proofs collapse.
func (ConsensusFactReducer) Reduce(ctx crypto.ContextId, fact *FactEnvelope) ([]RelationalBinding, error) {
	var payload ConsensusFact
	if err := DecodePayload(fact, &payload); err != nil {
		return nil, err
	}
	out := []RelationalBinding{{
		BindingType: BindingConsensus,
		Key:         payload.ConsensusId.String(),
		Value:       fact.Payload,
	}}
	for _, eq := range payload.Equivocations {
		key := fmt.Sprintf("%s/%s/%s/%s",
			eq.Witness, payload.ConsensusId, eq.FirstResultId, eq.SecondResultId)
		value, err := EncodePayload(eq)
		if err != nil {
			return nil, err
		}
		out = append(out, RelationalBinding{
			BindingType: BindingEquivocation,
			Key:         key,
			Value:       value,
		})
	}
	return out, nil
}

// ChannelCheckpointReducer derives the channel head binding, keeping the
// highest sequence seen per channel.
type ChannelCheckpointReducer struct{}

// TypeId returns the fact type this reducer consumes.
func (ChannelCheckpointReducer) TypeId() string { return TypeAmpChannelCheckpoint }

// MaxSchemaVersion is the highest understood schema version.
func (ChannelCheckpointReducer) MaxSchemaVersion() uint16 { return 1 }

// Reduce derives a checkpoint binding keyed by channel id.
func (ChannelCheckpointReducer) Reduce(ctx crypto.ContextId, fact *FactEnvelope) ([]RelationalBinding, error) {
	var payload AmpChannelCheckpoint
	if err := DecodePayload(fact, &payload); err != nil {
		return nil, err
	}
	return []RelationalBinding{{
		BindingType: BindingChannelCheckpoint,
		Key:         payload.ChannelId.String(),
		Value:       fact.Payload,
	}}, nil
}

// ChannelPolicyReducer derives the channel policy binding.
type ChannelPolicyReducer struct{}

// TypeId returns the fact type this reducer consumes.
func (ChannelPolicyReducer) TypeId() string { return TypeAmpChannelPolicy }

// MaxSchemaVersion is the highest understood schema version.
func (ChannelPolicyReducer) MaxSchemaVersion() uint16 { return 1 }

// Reduce derives a policy binding keyed by channel id.
func (ChannelPolicyReducer) Reduce(ctx crypto.ContextId, fact *FactEnvelope) ([]RelationalBinding, error) {
	var payload AmpChannelPolicy
	if err := DecodePayload(fact, &payload); err != nil {
		return nil, err
	}
	return []RelationalBinding{{
		BindingType: BindingChannelPolicy,
		Key:         payload.ChannelId.String(),
		Value:       fact.Payload,
	}}, nil
}

// RegisterBuiltinReducers registers the closed set of well-known
// relational fact reducers.
func RegisterBuiltinReducers(registry *ReducerRegistry) {
	registry.Register(ConsensusFactReducer{})
	registry.Register(ChannelCheckpointReducer{})
	registry.Register(ChannelPolicyReducer{})
}
