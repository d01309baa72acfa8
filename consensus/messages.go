package consensus

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hxrts/aura-sub037/crypto"
)

// Signed wraps a message with an Ed25519 signature for authentication.
// Every consensus message on the wire is signed by the sending device.
type Signed[T any] struct {
	PublicKey crypto.PublicKey `json:"public_key"`
	Signature crypto.Signature `json:"signature"`
	Object    *T               `json:"object"`
}

// NewSigned creates an authenticated message by signing the serialized
// object together with the sender's public key.
func NewSigned[T any](privkey crypto.PrivateKey, obj *T) (*Signed[T], error) {
	pubkey, err := privkey.PublicKey()
	if err != nil {
		return nil, err
	}
	serialized, err := SerializeMessage(obj)
	if err != nil {
		return nil, err
	}
	signature, err := crypto.Sign(privkey, append(serialized, pubkey...))
	if err != nil {
		return nil, err
	}
	return &Signed[T]{PublicKey: pubkey, Signature: signature, Object: obj}, nil
}

// UnsafeObject returns the wrapped object without verifying the
// signature.
func (s *Signed[T]) UnsafeObject() *T {
	return s.Object
}

// Recover verifies the signature and returns the authenticated object
// with the signer's public key.
func (s *Signed[T]) Recover() (*T, crypto.PublicKey, error) {
	serialized, err := SerializeMessage(s.Object)
	if err != nil {
		return nil, nil, err
	}
	if !s.Signature.Verify(s.PublicKey, append(serialized, s.PublicKey...)) {
		return nil, nil, errors.New("signature not valid")
	}
	return s.Object, s.PublicKey, nil
}

// SerializeMessage serializes a message to JSON.
func SerializeMessage[T any](obj *T) ([]byte, error) {
	return json.Marshal(obj)
}

// UnmarshalMessage deserializes a message from JSON.
func UnmarshalMessage[T any](data []byte) (*T, error) {
	var obj T
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	return &obj, nil
}

// Execute opens an instance: the coordinator asks every witness to
// attest the operation against the prestate. With pipelining enabled it
// carries the witnesses' cached nonce commitments so witnesses can sign
// immediately.
type Execute struct {
	ConsensusId       crypto.Hash32            `json:"consensus_id"`
	PrestateHash      crypto.Hash32            `json:"prestate_hash"`
	OperationHash     crypto.Hash32            `json:"operation_hash"`
	OperationBytes    []byte                   `json:"operation_bytes"`
	Witnesses         []crypto.AuthorityId     `json:"witnesses"`
	Threshold         uint32                   `json:"threshold"`
	Epoch             crypto.Epoch             `json:"epoch"`
	CachedCommitments []crypto.NonceCommitment `json:"cached_commitments,omitempty"`
	Evidence          *EvidenceDelta           `json:"evidence,omitempty"`
}

// SignShare is a witness's vote: a partial FROST signature over the
// operation for a specific result, plus the vote signature that makes
// equivocation provable, plus the witness's next nonce commitment for
// pipelining.
type SignShare struct {
	ConsensusId    crypto.Hash32            `json:"consensus_id"`
	ResultId       crypto.Hash32            `json:"result_id"`
	Witness        crypto.AuthorityId       `json:"witness"`
	Share          *crypto.PartialSignature `json:"share,omitempty"`
	VoteSig        crypto.Signature         `json:"vote_sig"`
	NextCommitment *crypto.NonceCommitment  `json:"next_commitment,omitempty"`
	Epoch          crypto.Epoch             `json:"epoch"`
	Evidence       *EvidenceDelta           `json:"evidence,omitempty"`
}

// FallbackPropose is the first fallback step: each witness proposes the
// result it can support, with a fresh nonce commitment for the confirm
// round.
type FallbackPropose struct {
	ConsensusId crypto.Hash32          `json:"consensus_id"`
	ResultId    crypto.Hash32          `json:"result_id"`
	Witness     crypto.AuthorityId     `json:"witness"`
	Commitment  crypto.NonceCommitment `json:"commitment"`
	Evidence    *EvidenceDelta         `json:"evidence,omitempty"`
}

// FallbackSignRequest asks witnesses to confirm the selected result
// with the full confirm-round commitment list.
type FallbackSignRequest struct {
	ConsensusId crypto.Hash32            `json:"consensus_id"`
	ResultId    crypto.Hash32            `json:"result_id"`
	Commitments []crypto.NonceCommitment `json:"commitments"`
	Evidence    *EvidenceDelta           `json:"evidence,omitempty"`
}

// ConsensusResult broadcasts the commit fact that closed the instance.
type ConsensusResult struct {
	ConsensusId crypto.Hash32  `json:"consensus_id"`
	Commit      CommitFact     `json:"commit"`
	Evidence    *EvidenceDelta `json:"evidence,omitempty"`
}

// Abort tells witnesses the instance failed.
type Abort struct {
	ConsensusId crypto.Hash32 `json:"consensus_id"`
	Reason      string        `json:"reason"`
}

// Message is the tagged union of all consensus messages; exactly one
// field is set.
type Message struct {
	Execute     *Execute             `json:"execute,omitempty"`
	SignShare   *SignShare           `json:"sign_share,omitempty"`
	Propose     *FallbackPropose     `json:"propose,omitempty"`
	SignRequest *FallbackSignRequest `json:"sign_request,omitempty"`
	Result      *ConsensusResult     `json:"result,omitempty"`
	Abort       *Abort               `json:"abort,omitempty"`
	// Destination restricts delivery to one witness; zero means
	// broadcast to the instance's witness set.
	Destination crypto.AuthorityId `json:"destination,omitempty"`
}

// ConsensusId returns the instance the message belongs to.
func (m *Message) ConsensusId() (crypto.Hash32, error) {
	switch {
	case m.Execute != nil:
		return m.Execute.ConsensusId, nil
	case m.SignShare != nil:
		return m.SignShare.ConsensusId, nil
	case m.Propose != nil:
		return m.Propose.ConsensusId, nil
	case m.SignRequest != nil:
		return m.SignRequest.ConsensusId, nil
	case m.Result != nil:
		return m.Result.ConsensusId, nil
	case m.Abort != nil:
		return m.Abort.ConsensusId, nil
	default:
		return crypto.Hash32{}, fmt.Errorf("empty consensus message")
	}
}

// EvidenceOf returns the evidence delta attached to the message, if any.
func (m *Message) EvidenceOf() *EvidenceDelta {
	switch {
	case m.Execute != nil:
		return m.Execute.Evidence
	case m.SignShare != nil:
		return m.SignShare.Evidence
	case m.Propose != nil:
		return m.Propose.Evidence
	case m.SignRequest != nil:
		return m.SignRequest.Evidence
	case m.Result != nil:
		return m.Result.Evidence
	default:
		return nil
	}
}
