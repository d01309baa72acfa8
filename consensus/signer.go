package consensus

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/hxrts/aura-sub037/crypto"
)

// AttestFn checks a proposed operation against the witness's local
// state before it votes. Returning an error refuses the instance.
type AttestFn func(execute *Execute) error

// ErrVoteConflict indicates the witness already voted for a different
// result in this instance; signing again would be provable
// equivocation.
var ErrVoteConflict = errors.New("already voted for a different result")

// Witness is the responding side of consensus: it attests operations,
// produces vote signatures and partial FROST signatures, and keeps a
// fresh nonce pipelined for the next instance.
type Witness struct {
	mu sync.Mutex

	identity WitnessIdentity
	signKey  crypto.PrivateKey
	share    crypto.KeyShare
	groupKey *crypto.PublicKeyPackage
	attest   AttestFn
	entropy  io.Reader
	now      func() int64

	// nonces maps the hiding-commitment hex of every published but
	// unconsumed commitment to its secret nonce.
	nonces map[string]*crypto.SigningNonce
	votes  map[crypto.Hash32]voteRecord
	// pendingOps remembers the operation bytes of attested instances so
	// the fallback confirm round signs the same content.
	pendingOps map[crypto.Hash32][]byte
	evidence   map[crypto.Hash32]*EvidenceDelta
}

// NewWitness creates a witness actor for one cohort membership.
func NewWitness(identity WitnessIdentity, signKey crypto.PrivateKey, share crypto.KeyShare,
	groupKey *crypto.PublicKeyPackage, attest AttestFn, entropy io.Reader, now func() int64) *Witness {
	return &Witness{
		identity:   identity,
		signKey:    signKey,
		share:      share,
		groupKey:   groupKey,
		attest:     attest,
		entropy:    entropy,
		now:        now,
		nonces:     make(map[string]*crypto.SigningNonce),
		votes:      make(map[crypto.Hash32]voteRecord),
		pendingOps: make(map[crypto.Hash32][]byte),
		evidence:   make(map[crypto.Hash32]*EvidenceDelta),
	}
}

// Identity returns the witness's cohort identity.
func (w *Witness) Identity() WitnessIdentity {
	return w.identity
}

// PublishCommitment mints a fresh nonce and returns its commitment for
// the coordinator's cache. Called once at enrollment; afterwards every
// SignShare pipelines the next commitment itself.
func (w *Witness) PublishCommitment() (*crypto.NonceCommitment, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mintCommitmentLocked()
}

func (w *Witness) mintCommitmentLocked() (*crypto.NonceCommitment, error) {
	nonce, commitment, err := crypto.GenerateNonce(w.identity.Index, w.entropy)
	if err != nil {
		return nil, err
	}
	w.nonces[hex.EncodeToString(commitment.Hiding)] = nonce
	return commitment, nil
}

// takeNonceLocked consumes the nonce matching a commitment from the
// list, looked up by this witness's signer index.
func (w *Witness) takeNonceLocked(commitments []crypto.NonceCommitment) (*crypto.SigningNonce, bool) {
	for _, c := range commitments {
		if c.Index != w.identity.Index {
			continue
		}
		key := hex.EncodeToString(c.Hiding)
		nonce, ok := w.nonces[key]
		if ok {
			delete(w.nonces, key)
		}
		return nonce, ok
	}
	return nil, false
}

// HandleExecute attests the operation and answers. On the fast path the
// answer is a SignShare carrying a partial signature when this witness
// is in the signing subset, or a bare vote when it is not. Without
// cached commitments the answer is a fallback proposal.
func (w *Witness) HandleExecute(execute *Execute) (*Message, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.attest(execute); err != nil {
		return nil, fmt.Errorf("attestation refused: %w", err)
	}
	resultId := DeriveResultId(execute.ConsensusId, execute.OperationHash, execute.PrestateHash)
	voteSig, err := w.voteLocked(execute.ConsensusId, resultId)
	if err != nil {
		return nil, err
	}
	w.absorbLocked(execute.ConsensusId, execute.Evidence)
	w.pendingOps[execute.ConsensusId] = execute.OperationBytes

	if len(execute.CachedCommitments) == 0 {
		commitment, err := w.mintCommitmentLocked()
		if err != nil {
			return nil, err
		}
		return &Message{Propose: &FallbackPropose{
			ConsensusId: execute.ConsensusId,
			ResultId:    resultId,
			Witness:     w.identity.Authority,
			Commitment:  *commitment,
			Evidence:    w.evidenceLocked(execute.ConsensusId),
		}}, nil
	}

	share := &SignShare{
		ConsensusId: execute.ConsensusId,
		ResultId:    resultId,
		Witness:     w.identity.Authority,
		VoteSig:     voteSig,
		Epoch:       execute.Epoch,
		Evidence:    w.evidenceLocked(execute.ConsensusId),
	}
	if nonce, ok := w.takeNonceLocked(execute.CachedCommitments); ok {
		partial, err := crypto.PartialSign(w.share, nonce, execute.CachedCommitments, w.groupKey, execute.OperationBytes)
		if err != nil {
			return nil, err
		}
		share.Share = partial
		next, err := w.mintCommitmentLocked()
		if err != nil {
			return nil, err
		}
		share.NextCommitment = next
	}
	return &Message{SignShare: share}, nil
}

// HandleSignRequest confirms the fallback-selected result. A witness
// only confirms the result it already voted for; confirming anything
// else would be equivocation against itself.
func (w *Witness) HandleSignRequest(request *FallbackSignRequest) (*Message, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	voteSig, err := w.voteLocked(request.ConsensusId, request.ResultId)
	if err != nil {
		return nil, err
	}
	w.absorbLocked(request.ConsensusId, request.Evidence)
	operationBytes, ok := w.pendingOps[request.ConsensusId]
	if !ok {
		return nil, fmt.Errorf("no attested operation for instance %s", request.ConsensusId)
	}
	nonce, ok := w.takeNonceLocked(request.Commitments)
	if !ok {
		return nil, fmt.Errorf("no nonce for the requested commitment")
	}
	partial, err := crypto.PartialSign(w.share, nonce, request.Commitments, w.groupKey, operationBytes)
	if err != nil {
		return nil, err
	}
	return &Message{SignShare: &SignShare{
		ConsensusId: request.ConsensusId,
		ResultId:    request.ResultId,
		Witness:     w.identity.Authority,
		Share:       partial,
		VoteSig:     voteSig,
		Evidence:    w.evidenceLocked(request.ConsensusId),
	}}, nil
}

// voteLocked signs the vote for (instance, result), recording it. A
// second vote for the same result re-signs identically; a different
// result is refused.
func (w *Witness) voteLocked(consensusId, resultId crypto.Hash32) (crypto.Signature, error) {
	if prior, voted := w.votes[consensusId]; voted {
		if prior.resultId != resultId {
			return crypto.Signature{}, fmt.Errorf("%w: instance %s", ErrVoteConflict, consensusId)
		}
		return prior.sig, nil
	}
	sig, err := crypto.Sign(w.signKey, VoteBytes(consensusId, resultId))
	if err != nil {
		return crypto.Signature{}, err
	}
	w.votes[consensusId] = voteRecord{resultId: resultId, sig: sig}
	return sig, nil
}

// absorbLocked accumulates piggybacked evidence for an instance.
func (w *Witness) absorbLocked(consensusId crypto.Hash32, delta *EvidenceDelta) {
	if delta.Empty() {
		return
	}
	held, ok := w.evidence[consensusId]
	if !ok {
		held = &EvidenceDelta{ConsensusId: consensusId}
		w.evidence[consensusId] = held
	}
	held.Merge(delta)
}

// evidenceLocked returns a copy of the held evidence for an instance.
func (w *Witness) evidenceLocked(consensusId crypto.Hash32) *EvidenceDelta {
	held, ok := w.evidence[consensusId]
	if !ok || held.Empty() {
		return nil
	}
	out := &EvidenceDelta{ConsensusId: consensusId, Timestamp: held.Timestamp}
	out.Proofs = append(out.Proofs, held.Proofs...)
	return out
}
