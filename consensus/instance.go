package consensus

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hxrts/aura-sub037/crypto"
)

// voteRecord is one witness's first recorded vote for an instance.
type voteRecord struct {
	resultId crypto.Hash32
	sig      crypto.Signature
}

// Instance is the coordinator side of one consensus instance. It is a
// pure state machine: handlers consume verified messages and return the
// messages to send, the caller owns delivery and timers.
type Instance struct {
	mu sync.Mutex

	cfg          Config
	consensusId  crypto.Hash32
	prestateHash crypto.Hash32
	opHash       crypto.Hash32
	opBytes      []byte
	epoch        crypto.Epoch
	set          *WitnessSet
	cache        *NonceCache
	now          func() int64

	phase       Phase
	commitments []crypto.NonceCommitment
	votes       map[crypto.AuthorityId]voteRecord
	shares      map[crypto.SignerIndex]*crypto.PartialSignature
	proposals   map[crypto.AuthorityId]*FallbackPropose
	evidence    EvidenceDelta
	selected    crypto.Hash32
	haveResult  bool
	fellBack    bool
	commit      *CommitFact
	conflict    *ConflictFact
	failReason  string
}

// NewInstance creates a coordinator for one operation bound to one
// prestate. The nonce cache is shared across instances of the same
// cohort and supplies the fast-path commitments.
func NewInstance(cfg Config, consensusId crypto.Hash32, prestate *Prestate, operationBytes []byte,
	epoch crypto.Epoch, set *WitnessSet, cache *NonceCache, now func() int64) (*Instance, error) {
	if err := set.Validate(); err != nil {
		return nil, err
	}
	if len(operationBytes) == 0 {
		return nil, fmt.Errorf("empty operation")
	}
	return &Instance{
		cfg:          cfg,
		consensusId:  consensusId,
		prestateHash: prestate.Hash(),
		opHash:       crypto.HashBytes(operationBytes),
		opBytes:      operationBytes,
		epoch:        epoch,
		set:          set,
		cache:        cache,
		now:          now,
		phase:        PhasePending,
		votes:        make(map[crypto.AuthorityId]voteRecord),
		shares:       make(map[crypto.SignerIndex]*crypto.PartialSignature),
		proposals:    make(map[crypto.AuthorityId]*FallbackPropose),
		evidence:     EvidenceDelta{ConsensusId: consensusId},
	}, nil
}

// Phase returns the current lifecycle phase.
func (in *Instance) Phase() Phase {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.phase
}

// Evidence returns a copy of the instance's accumulated evidence.
func (in *Instance) Evidence() *EvidenceDelta {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.evidenceCopyLocked()
}

func (in *Instance) evidenceCopyLocked() *EvidenceDelta {
	if in.evidence.Empty() {
		return nil
	}
	out := &EvidenceDelta{ConsensusId: in.consensusId, Timestamp: in.evidence.Timestamp}
	out.Proofs = append(out.Proofs, in.evidence.Proofs...)
	return out
}

func (in *Instance) transitionLocked(to Phase) error {
	if !CanTransition(in.phase, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, in.phase, to)
	}
	in.phase = to
	return nil
}

// Start opens the instance. With pipelining enabled and a full signing
// subset available in the nonce cache it broadcasts a one-round-trip
// Execute; otherwise it enters the fallback cycle immediately.
func (in *Instance) Start() ([]Message, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.phase != PhasePending {
		return nil, fmt.Errorf("%w: instance already started", ErrInvalidTransition)
	}
	if in.cfg.EnablePipelining {
		if commitments, ok := in.cache.selectSigners(in.set); ok {
			if err := in.transitionLocked(PhaseFastPathActive); err != nil {
				return nil, err
			}
			in.commitments = commitments
			return []Message{{Execute: in.executeLocked(commitments)}}, nil
		}
	}
	if err := in.transitionLocked(PhaseFallbackActive); err != nil {
		return nil, err
	}
	in.fellBack = true
	return []Message{{Execute: in.executeLocked(nil)}}, nil
}

func (in *Instance) executeLocked(commitments []crypto.NonceCommitment) *Execute {
	return &Execute{
		ConsensusId:       in.consensusId,
		PrestateHash:      in.prestateHash,
		OperationHash:     in.opHash,
		OperationBytes:    in.opBytes,
		Witnesses:         in.set.Authorities(),
		Threshold:         in.set.Threshold,
		Epoch:             in.epoch,
		CachedCommitments: commitments,
		Evidence:          in.evidenceCopyLocked(),
	}
}

// HandleSignShare records a witness vote and, when the witness is part
// of the active commitment list, its partial signature. Returning a
// non-nil message slice means the instance committed and the result
// must be broadcast.
func (in *Instance) HandleSignShare(share *SignShare) ([]Message, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.phase.Terminal() {
		return nil, nil
	}
	witness, ok := in.set.Lookup(share.Witness)
	if !ok {
		return nil, fmt.Errorf("unknown witness %s", share.Witness)
	}
	if !share.VoteSig.Verify(witness.MessageKey, VoteBytes(in.consensusId, share.ResultId)) {
		return nil, fmt.Errorf("vote signature from %s does not verify", share.Witness)
	}
	in.absorbEvidenceLocked(share.Evidence)
	in.recordVoteLocked(witness, share.ResultId, share.VoteSig)
	if share.NextCommitment != nil {
		in.cache.Put(share.Witness, *share.NextCommitment)
	}
	if share.Share == nil {
		return nil, nil
	}
	if in.haveResult && share.ResultId != in.selected {
		// A share for a result the fallback did not select cannot
		// aggregate; the vote above still counts.
		return nil, nil
	}
	if !in.inCommitmentListLocked(witness.Index) {
		return nil, fmt.Errorf("witness %s is not in the signing subset", share.Witness)
	}
	if err := crypto.VerifyPartial(share.Share, in.commitments, in.set.GroupKey, in.opBytes); err != nil {
		return nil, fmt.Errorf("partial signature from %s: %w", share.Witness, err)
	}
	in.shares[share.Share.Index] = share.Share
	if uint32(len(in.shares)) < in.set.Threshold {
		return nil, nil
	}
	return in.aggregateLocked()
}

// inCommitmentListLocked reports whether the signer index is part of the
// active commitment list.
func (in *Instance) inCommitmentListLocked(index crypto.SignerIndex) bool {
	for _, c := range in.commitments {
		if c.Index == index {
			return true
		}
	}
	return false
}

// recordVoteLocked keeps the first vote of each witness; a second vote
// for a different result yields an equivocation proof.
func (in *Instance) recordVoteLocked(witness WitnessIdentity, resultId crypto.Hash32, sig crypto.Signature) {
	prior, voted := in.votes[witness.Authority]
	if !voted {
		in.votes[witness.Authority] = voteRecord{resultId: resultId, sig: sig}
		return
	}
	if prior.resultId == resultId {
		return
	}
	proof, err := NewEquivocationProof(witness.Authority, in.consensusId, in.prestateHash,
		prior.resultId, resultId, prior.sig, sig, in.now())
	if err != nil {
		return
	}
	in.evidence.Merge(&EvidenceDelta{ConsensusId: in.consensusId, Proofs: []EquivocationProof{*proof}})
}

// absorbEvidenceLocked merges piggybacked evidence after validating each
// proof against the claimed witness's message key.
func (in *Instance) absorbEvidenceLocked(delta *EvidenceDelta) {
	if delta.Empty() {
		return
	}
	valid := EvidenceDelta{ConsensusId: in.consensusId}
	for i := range delta.Proofs {
		proof := delta.Proofs[i]
		witness, ok := in.set.Lookup(proof.Witness)
		if !ok {
			continue
		}
		if err := proof.Validate(witness.MessageKey); err != nil {
			continue
		}
		valid.Proofs = append(valid.Proofs, proof)
	}
	in.evidence.Merge(&valid)
}

// aggregateLocked combines the collected partials into the commit fact
// and closes the instance.
func (in *Instance) aggregateLocked() ([]Message, error) {
	partials := make([]*crypto.PartialSignature, 0, len(in.shares))
	for _, p := range in.shares {
		partials = append(partials, p)
	}
	sort.Slice(partials, func(i, j int) bool { return partials[i].Index < partials[j].Index })
	aggregate, err := crypto.Aggregate(partials, in.commitments, in.set.GroupKey, in.opBytes)
	if err != nil {
		return nil, err
	}
	participants := make([]crypto.AuthorityId, 0, len(in.commitments))
	for _, c := range in.commitments {
		witness, ok := in.set.ByIndex(c.Index)
		if !ok {
			return nil, fmt.Errorf("no witness with signer index %d", c.Index)
		}
		participants = append(participants, witness.Authority)
	}
	in.commit = &CommitFact{
		ConsensusId:        in.consensusId,
		PrestateHash:       in.prestateHash,
		OperationHash:      in.opHash,
		OperationBytes:     in.opBytes,
		ThresholdSignature: aggregate,
		GroupPublicKey:     in.set.GroupKey.GroupPublicKey,
		Participants:       participants,
		Threshold:          in.set.Threshold,
		Timestamp:          in.now(),
		FastPath:           !in.fellBack,
	}
	if err := in.transitionLocked(PhaseCommitted); err != nil {
		return nil, err
	}
	return []Message{{Result: &ConsensusResult{
		ConsensusId: in.consensusId,
		Commit:      *in.commit,
		Evidence:    in.evidenceCopyLocked(),
	}}}, nil
}

// ExpireFastPath fires when the fast-path window elapses without a
// commit. The instance re-executes without cached commitments, which
// witnesses answer with fallback proposals.
func (in *Instance) ExpireFastPath() ([]Message, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.phase != PhaseFastPathActive {
		return nil, nil
	}
	if err := in.transitionLocked(PhaseFallbackActive); err != nil {
		return nil, err
	}
	in.fellBack = true
	in.commitments = nil
	in.shares = make(map[crypto.SignerIndex]*crypto.PartialSignature)
	return []Message{{Execute: in.executeLocked(nil)}}, nil
}

// HandlePropose collects fallback proposals. When a result gathers
// threshold support the coordinator selects it and requests confirm
// shares from threshold proposers.
func (in *Instance) HandlePropose(propose *FallbackPropose) ([]Message, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.phase != PhaseFallbackActive || in.haveResult {
		return nil, nil
	}
	witness, ok := in.set.Lookup(propose.Witness)
	if !ok {
		return nil, fmt.Errorf("unknown witness %s", propose.Witness)
	}
	if propose.Commitment.Index != witness.Index {
		return nil, fmt.Errorf("commitment index %d does not match witness %s", propose.Commitment.Index, propose.Witness)
	}
	in.absorbEvidenceLocked(propose.Evidence)
	if _, dup := in.proposals[propose.Witness]; dup {
		return nil, nil
	}
	in.proposals[propose.Witness] = propose

	selected, ok := in.selectResultLocked()
	if !ok {
		if len(in.proposals) == len(in.set.Witnesses) {
			in.failReason = "no result reached threshold support"
			if err := in.transitionLocked(PhaseFailed); err != nil {
				return nil, err
			}
			return in.abortLocked(in.failReason), nil
		}
		return nil, nil
	}
	in.selected = selected
	in.haveResult = true
	in.commitments = in.confirmCommitmentsLocked(selected)
	request := &FallbackSignRequest{
		ConsensusId: in.consensusId,
		ResultId:    selected,
		Commitments: in.commitments,
		Evidence:    in.evidenceCopyLocked(),
	}
	out := make([]Message, 0, len(in.commitments))
	for _, c := range in.commitments {
		w, _ := in.set.ByIndex(c.Index)
		out = append(out, Message{SignRequest: request, Destination: w.Authority})
	}
	return out, nil
}

// selectResultLocked returns the result with threshold support, picking
// the highest-supported one and breaking ties toward the
// lexicographically smaller result id.
func (in *Instance) selectResultLocked() (crypto.Hash32, bool) {
	support := make(map[crypto.Hash32]int, len(in.proposals))
	for _, p := range in.proposals {
		support[p.ResultId]++
	}
	var best crypto.Hash32
	bestCount := 0
	for resultId, count := range support {
		if count > bestCount || (count == bestCount && resultId.Less(best)) {
			best, bestCount = resultId, count
		}
	}
	if uint32(bestCount) < in.set.Threshold {
		return crypto.Hash32{}, false
	}
	return best, true
}

// confirmCommitmentsLocked assembles the confirm-round commitment list:
// the first threshold proposers of the selected result in signer-index
// order.
func (in *Instance) confirmCommitmentsLocked(selected crypto.Hash32) []crypto.NonceCommitment {
	commitments := make([]crypto.NonceCommitment, 0, in.set.Threshold)
	for _, w := range in.set.sortedByIndex() {
		p, ok := in.proposals[w.Authority]
		if !ok || p.ResultId != selected {
			continue
		}
		commitments = append(commitments, p.Commitment)
		if uint32(len(commitments)) == in.set.Threshold {
			break
		}
	}
	return commitments
}

// HandleResult lets a non-coordinating participant absorb the commit
// fact of an instance it observed. A second, distinct commit for the
// same id is a safety violation and produces a conflict fact.
func (in *Instance) HandleResult(result *ConsensusResult) ([]Message, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if err := result.Commit.Verify(); err != nil {
		return nil, fmt.Errorf("commit fact: %w", err)
	}
	in.absorbEvidenceLocked(result.Evidence)
	if in.commit != nil {
		if hashCommit(in.commit) == hashCommit(&result.Commit) {
			return nil, nil
		}
		in.conflict = &ConflictFact{
			ConsensusId:  in.consensusId,
			FirstCommit:  hashCommit(in.commit),
			SecondCommit: hashCommit(&result.Commit),
		}
		return nil, ErrConflict
	}
	// Adoption mirrors a terminal state the ceremony reached elsewhere;
	// it is not a local phase transition, so the whitelist does not
	// apply. Commit and phase move together so no error path can leave
	// one set without the other.
	in.commit = &result.Commit
	if !in.phase.Terminal() {
		in.phase = PhaseCommitted
	}
	return nil, nil
}

// Expire fires the overall instance deadline.
func (in *Instance) Expire() ([]Message, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.phase.Terminal() {
		return nil, nil
	}
	in.failReason = ErrTimeout.Error()
	if err := in.transitionLocked(PhaseFailed); err != nil {
		return nil, err
	}
	return in.abortLocked(in.failReason), nil
}

func (in *Instance) abortLocked(reason string) []Message {
	return []Message{{Abort: &Abort{ConsensusId: in.consensusId, Reason: reason}}}
}

// Result returns the instance outcome, or nil while it is still
// running.
func (in *Instance) Result() *Result {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.conflict != nil {
		return &Result{Status: StatusConflicted, Reason: ErrConflict.Error()}
	}
	switch in.phase {
	case PhaseCommitted:
		return &Result{Status: StatusCommitted, Commit: in.commit}
	case PhaseFailed:
		if in.failReason == ErrTimeout.Error() {
			return &Result{Status: StatusTimedOut, Reason: in.failReason}
		}
		return &Result{Status: StatusFailed, Reason: in.failReason}
	default:
		return nil
	}
}

// Conflict returns the recorded conflict fact, if any.
func (in *Instance) Conflict() *ConflictFact {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.conflict
}

// hashCommit is the identity of a commit fact for conflict detection.
func hashCommit(cf *CommitFact) crypto.Hash32 {
	return crypto.HashWithDomain("COMMIT_FACT",
		cf.ConsensusId.Bytes(), cf.PrestateHash.Bytes(), cf.OperationHash.Bytes(),
		cf.ThresholdSignature.Bytes())
}
