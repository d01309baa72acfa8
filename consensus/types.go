// Package consensus implements the threshold-signing consensus core: an
// operation is bound to a prestate, a witness cohort produces a FROST
// threshold signature over it in one round trip on the fast path (two on
// the fallback path), and the outcome is a verifiable commit fact. Any
// witness signing two distinct results for one instance yields an
// equivocation proof that piggybacks on every later message of the
// instance.
package consensus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/hxrts/aura-sub037/crypto"
)

// Phase is a consensus instance's lifecycle phase.
type Phase uint8

const (
	// PhasePending is the initial phase before the Execute broadcast.
	PhasePending Phase = iota
	// PhaseFastPathActive collects sign shares within the fast-path
	// window.
	PhaseFastPathActive
	// PhaseFallbackActive runs the explicit propose-confirm cycle.
	PhaseFallbackActive
	// PhaseCommitted is terminal success.
	PhaseCommitted
	// PhaseFailed is terminal failure.
	PhaseFailed
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhasePending:
		return "pending"
	case PhaseFastPathActive:
		return "fast_path_active"
	case PhaseFallbackActive:
		return "fallback_active"
	case PhaseCommitted:
		return "committed"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// Terminal reports whether the phase is terminal.
func (p Phase) Terminal() bool {
	return p == PhaseCommitted || p == PhaseFailed
}

// allowedTransitions is the closed set of legal phase transitions. Any
// other transition is a protocol violation.
var allowedTransitions = map[Phase][]Phase{
	PhasePending:        {PhaseFastPathActive, PhaseFallbackActive},
	PhaseFastPathActive: {PhaseFallbackActive, PhaseCommitted, PhaseFailed},
	PhaseFallbackActive: {PhaseCommitted, PhaseFailed},
}

// ErrInvalidTransition indicates an attempted phase transition outside
// the allowed set.
var ErrInvalidTransition = errors.New("invalid phase transition")

// CanTransition reports whether from -> to is an allowed transition.
func CanTransition(from, to Phase) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Consensus errors per the failure taxonomy.
var (
	// ErrInsufficientParticipants indicates the witness set cannot meet
	// the threshold.
	ErrInsufficientParticipants = errors.New("insufficient participants")
	// ErrTimeout indicates the instance expired before committing.
	ErrTimeout = errors.New("consensus timeout")
	// ErrConflict indicates two distinct commit facts would be
	// producible: a safety violation possible only past the byzantine
	// bound.
	ErrConflict = errors.New("consensus conflict")
)

// Prestate binds an operation to the exact state it was proposed
// against: every relevant authority's root commitment plus the context's
// fact digest.
type Prestate struct {
	RootCommitments   map[crypto.AuthorityId]crypto.Hash32 `json:"root_commitments"`
	ContextCommitment crypto.Hash32                        `json:"context_commitment"`
}

// Hash returns the prestate commitment.
func (p *Prestate) Hash() crypto.Hash32 {
	authorities := make([]crypto.AuthorityId, 0, len(p.RootCommitments))
	for a := range p.RootCommitments {
		authorities = append(authorities, a)
	}
	sort.Slice(authorities, func(i, j int) bool {
		return authorities[i].String() < authorities[j].String()
	})
	parts := make([][]byte, 0, len(authorities)*2+1)
	for _, a := range authorities {
		c := p.RootCommitments[a]
		parts = append(parts, a.Bytes(), c.Bytes())
	}
	parts = append(parts, p.ContextCommitment.Bytes())
	return crypto.HashWithDomain("PRESTATE", parts...)
}

// DeriveConsensusId derives the instance key from the prestate, the
// operation, and a proposer-chosen nonce.
func DeriveConsensusId(prestateHash, operationHash crypto.Hash32, nonce uint64) crypto.Hash32 {
	var nonceBuf [8]byte
	binary.BigEndian.PutUint64(nonceBuf[:], nonce)
	return crypto.HashWithDomain("CONSENSUS_ID", prestateHash.Bytes(), operationHash.Bytes(), nonceBuf[:])
}

// DeriveResultId derives the result a witness votes for when attesting
// an Execute. Deterministic execution means honest witnesses of the same
// instance compute identical result ids.
func DeriveResultId(consensusId, operationHash, prestateHash crypto.Hash32) crypto.Hash32 {
	return crypto.HashWithDomain("RESULT_ID", consensusId.Bytes(), operationHash.Bytes(), prestateHash.Bytes())
}

// Config carries per-instance protocol parameters.
type Config struct {
	// TimeoutMs is the overall instance deadline.
	TimeoutMs uint64 `json:"timeout_ms"`
	// FastPathWindowMs is the fast-path sub-timer; when it fires without
	// threshold agreement the instance falls back.
	FastPathWindowMs uint64 `json:"fast_path_window_ms"`
	// EnablePipelining carries cached nonce commitments on Execute so
	// the fast path completes in one round trip.
	EnablePipelining bool `json:"enable_pipelining"`
}

// DefaultConfig returns the standard instance parameters.
func DefaultConfig() Config {
	return Config{TimeoutMs: 30_000, FastPathWindowMs: 5_000, EnablePipelining: true}
}

// Status discriminates consensus outcomes.
type Status uint8

const (
	// StatusCommitted means a commit fact was produced.
	StatusCommitted Status = iota
	// StatusFailed means the instance failed before committing.
	StatusFailed
	// StatusTimedOut means the instance deadline passed.
	StatusTimedOut
	// StatusConflicted means two commit facts were producible.
	StatusConflicted
)

// Result is the discriminated outcome of a consensus instance. The
// caller decides any restart policy; the core never retries.
type Result struct {
	Status Status      `json:"status"`
	Commit *CommitFact `json:"commit,omitempty"`
	Reason string      `json:"reason,omitempty"`
}

// CommitFact is the immutable record of a successful instance.
type CommitFact struct {
	ConsensusId        crypto.Hash32             `json:"consensus_id"`
	PrestateHash       crypto.Hash32             `json:"prestate_hash"`
	OperationHash      crypto.Hash32             `json:"operation_hash"`
	OperationBytes     []byte                    `json:"operation_bytes"`
	ThresholdSignature crypto.ThresholdSignature `json:"threshold_signature"`
	GroupPublicKey     crypto.PublicKey          `json:"group_public_key"`
	Participants       []crypto.AuthorityId      `json:"participants"`
	Threshold          uint32                    `json:"threshold"`
	Timestamp          int64                     `json:"timestamp"`
	FastPath           bool                      `json:"fast_path"`
}

// Verify checks the commit fact's invariants: enough unique participants
// and a threshold signature that verifies under the group public key
// over the operation bytes.
func (cf *CommitFact) Verify() error {
	if uint32(len(cf.Participants)) < cf.Threshold {
		return fmt.Errorf("%w: %d participants, threshold %d", ErrInsufficientParticipants, len(cf.Participants), cf.Threshold)
	}
	seen := make(map[crypto.AuthorityId]struct{}, len(cf.Participants))
	for _, p := range cf.Participants {
		if _, dup := seen[p]; dup {
			return fmt.Errorf("duplicate participant %s", p)
		}
		seen[p] = struct{}{}
	}
	if crypto.HashBytes(cf.OperationBytes) != cf.OperationHash {
		return errors.New("operation hash does not match operation bytes")
	}
	// A 1-of-1 policy carries a plain device signature; threshold
	// cohorts use FROST aggregates.
	if cf.Threshold <= 1 {
		if !crypto.Signature(cf.ThresholdSignature).Verify(cf.GroupPublicKey, cf.OperationBytes) {
			return errors.New("signature does not verify")
		}
		return nil
	}
	if !cf.ThresholdSignature.Verify(cf.GroupPublicKey, cf.OperationBytes) {
		return errors.New("threshold signature does not verify")
	}
	return nil
}

// ConflictFact records a safety violation: two distinct commit facts for
// one consensus id. Producible only when more than the byzantine bound
// of signers equivocate.
type ConflictFact struct {
	ConsensusId  crypto.Hash32 `json:"consensus_id"`
	FirstCommit  crypto.Hash32 `json:"first_commit"`
	SecondCommit crypto.Hash32 `json:"second_commit"`
}
