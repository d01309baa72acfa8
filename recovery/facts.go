package recovery

import (
	"github.com/hxrts/aura-sub037/crypto"
	"github.com/hxrts/aura-sub037/journal"
)

// Recovery fact type ids.
const (
	// TypeRecoveryRequested records a session opening.
	TypeRecoveryRequested = "recovery_requested"
	// TypeRecoveryApproved records one verified guardian approval.
	TypeRecoveryApproved = "recovery_approved"
	// TypeRecoveryThresholdMet records the cooldown start.
	TypeRecoveryThresholdMet = "recovery_threshold_met"
	// TypeRecoveryDisputed records a filed dispute.
	TypeRecoveryDisputed = "recovery_disputed"
	// TypeRecoveryFinalized records a finalized session.
	TypeRecoveryFinalized = "recovery_finalized"
	// TypeGuardianInvited records a setup invitation.
	TypeGuardianInvited = "guardian_invited"
	// TypeGuardianAccepted records an accepted invitation.
	TypeGuardianAccepted = "guardian_accepted"
	// TypeGuardianDeclined records a declined invitation.
	TypeGuardianDeclined = "guardian_declined"
)

// Binding types derived by the recovery reducers.
const (
	// BindingRecoverySession tracks a session's fact trail by session
	// id.
	BindingRecoverySession = "recovery_session"
	// BindingGuardianStatus tracks each guardian's setup status.
	BindingGuardianStatus = "guardian_status"
)

// RecoveryRequestedFact is the payload of a session-opening fact.
type RecoveryRequestedFact struct {
	SessionId         crypto.SessionId   `cbor:"1,keyasint" json:"session_id"`
	TargetAuthority   crypto.AuthorityId `cbor:"2,keyasint" json:"target_authority"`
	RequestingDevice  crypto.DeviceId    `cbor:"3,keyasint" json:"requesting_device"`
	NewRoot           crypto.Hash32      `cbor:"4,keyasint" json:"new_root"`
	Threshold         uint32             `cbor:"5,keyasint" json:"threshold"`
	GuardianCount     uint32             `cbor:"6,keyasint" json:"guardian_count"`
	CooldownExpiresAt int64              `cbor:"7,keyasint" json:"cooldown_expires_at"`
	DisputeWindowEnds int64              `cbor:"8,keyasint" json:"dispute_window_ends"`
}

// RecoveryApprovedFact is the payload of an approval fact.
type RecoveryApprovedFact struct {
	SessionId  crypto.SessionId  `cbor:"1,keyasint" json:"session_id"`
	GuardianId crypto.GuardianId `cbor:"2,keyasint" json:"guardian_id"`
	Approvals  uint32            `cbor:"3,keyasint" json:"approvals"`
}

// RecoveryThresholdMetFact is the payload of a threshold fact.
type RecoveryThresholdMetFact struct {
	SessionId         crypto.SessionId `cbor:"1,keyasint" json:"session_id"`
	Approvals         uint32           `cbor:"2,keyasint" json:"approvals"`
	CooldownExpiresAt int64            `cbor:"3,keyasint" json:"cooldown_expires_at"`
}

// RecoveryDisputedFact is the payload of a dispute fact.
type RecoveryDisputedFact struct {
	SessionId  crypto.SessionId `cbor:"1,keyasint" json:"session_id"`
	EvidenceId crypto.Hash32    `cbor:"2,keyasint" json:"evidence_id"`
	Reason     string           `cbor:"3,keyasint" json:"reason"`
}

// RecoveryFinalizedFact is the payload of a finalization fact.
type RecoveryFinalizedFact struct {
	SessionId crypto.SessionId `cbor:"1,keyasint" json:"session_id"`
	NewRoot   crypto.Hash32    `cbor:"2,keyasint" json:"new_root"`
}

// GuardianSetupFact is the shared payload of the setup ceremony facts.
type GuardianSetupFact struct {
	AccountId  crypto.AccountId  `cbor:"1,keyasint" json:"account_id"`
	GuardianId crypto.GuardianId `cbor:"2,keyasint" json:"guardian_id"`
}

// sessionFact is the common prefix every session fact payload starts
// with, used to extract the binding key without knowing the full type.
type sessionFact struct {
	SessionId crypto.SessionId `cbor:"1,keyasint" json:"session_id"`
}

// SessionFactReducer derives a per-session binding from every recovery
// session fact, keyed by session id and fact type so a session's full
// trail is queryable.
type SessionFactReducer struct {
	typeId string
}

// TypeId returns the fact type this reducer consumes.
func (r SessionFactReducer) TypeId() string { return r.typeId }

// MaxSchemaVersion is the highest understood schema version.
func (SessionFactReducer) MaxSchemaVersion() uint16 { return 1 }

// Reduce derives one session-trail binding.
func (r SessionFactReducer) Reduce(ctx crypto.ContextId, fact *journal.FactEnvelope) ([]journal.RelationalBinding, error) {
	var payload sessionFact
	if err := journal.DecodePayload(fact, &payload); err != nil {
		return nil, err
	}
	return []journal.RelationalBinding{{
		BindingType: BindingRecoverySession,
		Key:         payload.SessionId.String() + "/" + fact.TypeId,
		Value:       fact.Payload,
	}}, nil
}

// GuardianSetupReducer derives guardian status bindings from the setup
// ceremony facts.
type GuardianSetupReducer struct {
	typeId string
}

// TypeId returns the fact type this reducer consumes.
func (r GuardianSetupReducer) TypeId() string { return r.typeId }

// MaxSchemaVersion is the highest understood schema version.
func (GuardianSetupReducer) MaxSchemaVersion() uint16 { return 1 }

// Reduce derives one guardian status binding.
func (r GuardianSetupReducer) Reduce(ctx crypto.ContextId, fact *journal.FactEnvelope) ([]journal.RelationalBinding, error) {
	var payload GuardianSetupFact
	if err := journal.DecodePayload(fact, &payload); err != nil {
		return nil, err
	}
	return []journal.RelationalBinding{{
		BindingType: BindingGuardianStatus,
		Key:         payload.AccountId.String() + "/" + payload.GuardianId.String() + "/" + fact.TypeId,
		Value:       fact.Payload,
	}}, nil
}

// RegisterReducers installs the recovery reducers into a registry.
func RegisterReducers(registry *journal.ReducerRegistry) {
	for _, typeId := range []string{
		TypeRecoveryRequested,
		TypeRecoveryApproved,
		TypeRecoveryThresholdMet,
		TypeRecoveryDisputed,
		TypeRecoveryFinalized,
	} {
		registry.Register(SessionFactReducer{typeId: typeId})
	}
	for _, typeId := range []string{
		TypeGuardianInvited,
		TypeGuardianAccepted,
		TypeGuardianDeclined,
	} {
		registry.Register(GuardianSetupReducer{typeId: typeId})
	}
}
