// Package recovery implements guardian-based social recovery: a session
// collects a threshold of individual guardian signatures over a
// replacement tree root, waits out a cooldown and a dispute window, and
// finalizes into a SetRoot operation for the regular consensus path.
package recovery

import (
	"errors"
	"fmt"

	"github.com/hxrts/aura-sub037/crypto"
)

// SessionState is a recovery session's lifecycle state.
type SessionState uint8

const (
	// StateProposed is the initial state after execute_recovery.
	StateProposed SessionState = iota
	// StateCollectingApprovals is the signature collection state.
	StateCollectingApprovals
	// StateThresholdMet is the instant threshold is reached.
	StateThresholdMet
	// StateCooldownActive waits out the cooldown timer.
	StateCooldownActive
	// StateDisputeOpen is past cooldown but inside the dispute window.
	StateDisputeOpen
	// StateFinalized is terminal success.
	StateFinalized
	// StateDisputed is terminal: a dispute was filed in the window.
	StateDisputed
	// StateAborted is terminal: the session was cancelled.
	StateAborted
)

// String returns the state name.
func (s SessionState) String() string {
	switch s {
	case StateProposed:
		return "proposed"
	case StateCollectingApprovals:
		return "collecting_approvals"
	case StateThresholdMet:
		return "threshold_met"
	case StateCooldownActive:
		return "cooldown_active"
	case StateDisputeOpen:
		return "dispute_open"
	case StateFinalized:
		return "finalized"
	case StateDisputed:
		return "disputed"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Terminal reports whether the state is terminal.
func (s SessionState) Terminal() bool {
	return s == StateFinalized || s == StateDisputed || s == StateAborted
}

// sessionTransitions is the closed set of legal state transitions.
var sessionTransitions = map[SessionState][]SessionState{
	StateProposed:            {StateCollectingApprovals, StateAborted},
	StateCollectingApprovals: {StateThresholdMet, StateAborted},
	StateThresholdMet:        {StateCooldownActive, StateDisputed, StateAborted},
	StateCooldownActive:      {StateDisputeOpen, StateDisputed, StateAborted},
	StateDisputeOpen:         {StateFinalized, StateDisputed, StateAborted},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to SessionState) bool {
	for _, next := range sessionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Priority scales the minimum cooldown: a higher-priority recovery is a
// higher-stakes event and waits longer.
type Priority uint8

const (
	// PriorityNormal is a routine device-loss recovery.
	PriorityNormal Priority = iota
	// PriorityElevated covers suspected-compromise recoveries.
	PriorityElevated
	// PriorityCritical covers known-compromise recoveries.
	PriorityCritical
)

// MinCooldownSecs is the floor the priority imposes on the cooldown.
func (p Priority) MinCooldownSecs() uint64 {
	switch p {
	case PriorityElevated:
		return 3_600
	case PriorityCritical:
		return 86_400
	default:
		return DefaultCooldownSecs
	}
}

// DefaultCooldownSecs is substituted when a request carries no cooldown.
// A zero cooldown would let a compromised device finalize instantly.
const DefaultCooldownSecs uint64 = 600

// Recovery failure taxonomy.
var (
	// ErrInsufficientApprovals indicates the threshold is not yet met;
	// the caller may retry the same session.
	ErrInsufficientApprovals = errors.New("insufficient approvals")
	// ErrSignatureVerification indicates a guardian approval did not
	// verify; the session aborts.
	ErrSignatureVerification = errors.New("approval signature verification failed")
	// ErrDisputeFiled indicates the session was disputed; it pauses
	// until manual resolution.
	ErrDisputeFiled = errors.New("dispute filed")
	// ErrCooldownNotExpired indicates finalization was attempted before
	// the cooldown elapsed.
	ErrCooldownNotExpired = errors.New("cooldown not expired")
	// ErrInvalidState indicates an operation illegal in the session's
	// current state.
	ErrInvalidState = errors.New("invalid session state")
	// ErrUnknownSession indicates no session with the given id.
	ErrUnknownSession = errors.New("unknown recovery session")
	// ErrUnknownGuardian indicates the signer is not in the session's
	// guardian set.
	ErrUnknownGuardian = errors.New("guardian not in recovery set")
	// ErrDisputeWindowClosed indicates a dispute was filed after the
	// window ended.
	ErrDisputeWindowClosed = errors.New("dispute window closed")
)

// GuardianProfile is a guardian's public identity for recovery: its id
// and the key package its approvals verify under. A guardian may itself
// be a threshold cohort; the package's group key is all the coordinator
// needs.
type GuardianProfile struct {
	GuardianId crypto.GuardianId        `json:"guardian_id"`
	KeyPackage *crypto.PublicKeyPackage `json:"key_package"`
}

// RecoveryRequest opens a session to replace an authority's tree root.
type RecoveryRequest struct {
	AccountId         crypto.AccountId   `json:"account_id"`
	TargetAuthority   crypto.AuthorityId `json:"target_authority"`
	RequestingDevice  crypto.DeviceId    `json:"requesting_device"`
	RecoveryContext   crypto.ContextId   `json:"recovery_context"`
	NewRoot           crypto.Hash32      `json:"new_root"`
	Threshold         uint32             `json:"threshold"`
	GuardianSet       []GuardianProfile  `json:"guardian_set"`
	Priority          Priority           `json:"priority"`
	CooldownSecs      uint64             `json:"cooldown_secs"`
	DisputeWindowSecs uint64             `json:"dispute_window_secs"`
}

// ApprovalBytes is the canonical content a guardian signs to approve a
// root replacement.
func ApprovalBytes(target crypto.AuthorityId, newRoot crypto.Hash32) []byte {
	h := crypto.HashWithDomain("RECOVERY_APPROVAL", target.Bytes(), newRoot.Bytes())
	return h.Bytes()
}

// Dispute records why a session was contested.
type Dispute struct {
	EvidenceId crypto.Hash32 `json:"evidence_id"`
	Reason     string        `json:"reason"`
	FiledAt    int64         `json:"filed_at"`
}

// Session is one recovery attempt. All timestamps are provenanced
// wall-clock seconds.
type Session struct {
	SessionId         crypto.SessionId                                `json:"session_id"`
	AccountId         crypto.AccountId                                `json:"account_id"`
	TargetAuthority   crypto.AuthorityId                              `json:"target_authority"`
	RequestingDevice  crypto.DeviceId                                 `json:"requesting_device"`
	RecoveryContext   crypto.ContextId                                `json:"recovery_context"`
	NewRoot           crypto.Hash32                                   `json:"new_root"`
	Threshold         uint32                                          `json:"threshold"`
	GuardianSet       []GuardianProfile                               `json:"guardian_set"`
	Priority          Priority                                        `json:"priority"`
	State             SessionState                                    `json:"state"`
	CooldownExpiresAt int64                                           `json:"cooldown_expires_at"`
	DisputeWindowEnds int64                                           `json:"dispute_window_ends"`
	Approvals         map[crypto.GuardianId]crypto.ThresholdSignature `json:"approvals"`
	Dispute           *Dispute                                        `json:"dispute,omitempty"`
}

// guardian returns the profile for a guardian id.
func (s *Session) guardian(id crypto.GuardianId) (GuardianProfile, bool) {
	for _, g := range s.GuardianSet {
		if g.GuardianId == id {
			return g, true
		}
	}
	return GuardianProfile{}, false
}
