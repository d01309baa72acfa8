package consensus

import (
	"errors"
	"fmt"

	"github.com/hxrts/aura-sub037/crypto"
	"github.com/hxrts/aura-sub037/journal"
)

// EquivocationProof is cryptographic evidence that one witness signed
// two distinct results for the same consensus instance. The proof
// carries the witness's own vote signatures so it is independently
// verifiable without protocol context.
type EquivocationProof struct {
	Witness        crypto.AuthorityId `json:"witness"`
	ConsensusId    crypto.Hash32      `json:"consensus_id"`
	PrestateHash   crypto.Hash32      `json:"prestate_hash"`
	FirstResultId  crypto.Hash32      `json:"first_result_id"`
	SecondResultId crypto.Hash32      `json:"second_result_id"`
	FirstVoteSig   crypto.Signature   `json:"first_vote_sig"`
	SecondVoteSig  crypto.Signature   `json:"second_vote_sig"`
	Timestamp      int64              `json:"timestamp"`
}

// VoteBytes is the canonical content a witness signs when voting for a
// result within an instance. Equivocation proofs verify against it.
func VoteBytes(consensusId, resultId crypto.Hash32) []byte {
	h := crypto.HashWithDomain("CONSENSUS_VOTE", consensusId.Bytes(), resultId.Bytes())
	return h.Bytes()
}

// NewEquivocationProof builds a normalized proof from two conflicting
// votes: the result ids are ordered so the lexicographically smaller one
// is first, making deduplication stable across observers.
func NewEquivocationProof(witness crypto.AuthorityId, consensusId, prestateHash crypto.Hash32,
	resultA, resultB crypto.Hash32, sigA, sigB crypto.Signature, timestamp int64) (*EquivocationProof, error) {
	if resultA == resultB {
		return nil, errors.New("votes agree, no equivocation")
	}
	proof := &EquivocationProof{
		Witness:        witness,
		ConsensusId:    consensusId,
		PrestateHash:   prestateHash,
		FirstResultId:  resultA,
		SecondResultId: resultB,
		FirstVoteSig:   sigA,
		SecondVoteSig:  sigB,
		Timestamp:      timestamp,
	}
	if resultB.Less(resultA) {
		proof.FirstResultId, proof.SecondResultId = resultB, resultA
		proof.FirstVoteSig, proof.SecondVoteSig = sigB, sigA
	}
	return proof, nil
}

// Validate checks the proof against the witness's signing key: the two
// result ids must differ and both votes must carry valid signatures from
// the witness. Synthesized pairs fail here.
func (p *EquivocationProof) Validate(witnessKey crypto.PublicKey) error {
	if p.FirstResultId == p.SecondResultId {
		return errors.New("result ids are identical")
	}
	if p.SecondResultId.Less(p.FirstResultId) {
		return errors.New("proof is not normalized")
	}
	if !p.FirstVoteSig.Verify(witnessKey, VoteBytes(p.ConsensusId, p.FirstResultId)) {
		return fmt.Errorf("first vote signature from %s does not verify", p.Witness)
	}
	if !p.SecondVoteSig.Verify(witnessKey, VoteBytes(p.ConsensusId, p.SecondResultId)) {
		return fmt.Errorf("second vote signature from %s does not verify", p.Witness)
	}
	return nil
}

// dedupKey identifies a proof for idempotent accumulation.
func (p *EquivocationProof) dedupKey() string {
	return p.Witness.String() + "/" + p.FirstResultId.String() + "/" + p.SecondResultId.String()
}

// EvidenceDelta aggregates the equivocation proofs of one instance. It
// piggybacks on every outgoing consensus message so byzantine behavior
// propagates without a dedicated broadcast channel.
type EvidenceDelta struct {
	ConsensusId crypto.Hash32       `json:"consensus_id"`
	Proofs      []EquivocationProof `json:"proofs,omitempty"`
	Timestamp   int64               `json:"timestamp,omitempty"`
}

// Empty reports whether the delta carries no proofs.
func (d *EvidenceDelta) Empty() bool {
	return d == nil || len(d.Proofs) == 0
}

// Merge accumulates other's proofs into d, deduplicating on
// (witness, first_result_id, second_result_id). Merging is idempotent.
func (d *EvidenceDelta) Merge(other *EvidenceDelta) {
	if other.Empty() {
		return
	}
	seen := make(map[string]struct{}, len(d.Proofs))
	for i := range d.Proofs {
		seen[d.Proofs[i].dedupKey()] = struct{}{}
	}
	for i := range other.Proofs {
		proof := other.Proofs[i]
		if _, dup := seen[proof.dedupKey()]; dup {
			continue
		}
		seen[proof.dedupKey()] = struct{}{}
		d.Proofs = append(d.Proofs, proof)
		if proof.Timestamp > d.Timestamp {
			d.Timestamp = proof.Timestamp
		}
	}
}

// Records converts the delta into the reduced audit form carried inside
// consensus facts.
func (d *EvidenceDelta) Records() []journal.EquivocationRecord {
	if d.Empty() {
		return nil
	}
	out := make([]journal.EquivocationRecord, 0, len(d.Proofs))
	for _, p := range d.Proofs {
		out = append(out, journal.EquivocationRecord{
			Witness:        p.Witness,
			FirstResultId:  p.FirstResultId,
			SecondResultId: p.SecondResultId,
		})
	}
	return out
}
