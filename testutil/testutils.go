package testutil

import (
	"crypto/rand"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hxrts/aura-sub037/consensus"
	"github.com/hxrts/aura-sub037/crypto"
	"github.com/hxrts/aura-sub037/journal"
	"github.com/hxrts/aura-sub037/tree"
)

// =====================================
// Cryptographic Generators
// =====================================

// GenerateRandomBytes returns n random bytes.
func GenerateRandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// GenerateTestKeyPair creates an Ed25519 key pair for tests.
func GenerateTestKeyPair(t *testing.T) (crypto.PublicKey, crypto.PrivateKey) {
	t.Helper()
	pub, priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return pub, priv
}

// FrostGroup is a dealt test cohort: the shares, the public package,
// and fresh signing material on demand.
type FrostGroup struct {
	Shares  []crypto.KeyShare
	Package *crypto.PublicKeyPackage
}

// NewFrostGroup deals a threshold-of-participants cohort.
func NewFrostGroup(t *testing.T, threshold, participants uint32) *FrostGroup {
	t.Helper()
	shares, pkg, err := crypto.DealKeyShares(threshold, participants, rand.Reader)
	require.NoError(t, err)
	return &FrostGroup{Shares: shares, Package: pkg}
}

// Sign runs a full signing ceremony over message with the given share
// subset (positions into Shares). Every share signs when subset is nil.
func (g *FrostGroup) Sign(t *testing.T, message []byte, subset []int) crypto.ThresholdSignature {
	t.Helper()
	if subset == nil {
		subset = make([]int, len(g.Shares))
		for i := range g.Shares {
			subset[i] = i
		}
	}

	nonces := make(map[crypto.SignerIndex]*crypto.SigningNonce, len(subset))
	commitments := make([]crypto.NonceCommitment, 0, len(subset))
	for _, i := range subset {
		nonce, commitment, err := crypto.GenerateNonce(g.Shares[i].Index, rand.Reader)
		require.NoError(t, err)
		nonces[g.Shares[i].Index] = nonce
		commitments = append(commitments, *commitment)
	}

	partials := make([]*crypto.PartialSignature, 0, len(subset))
	for _, i := range subset {
		partial, err := crypto.PartialSign(g.Shares[i], nonces[g.Shares[i].Index], commitments, g.Package, message)
		require.NoError(t, err)
		partials = append(partials, partial)
	}

	sig, err := crypto.Aggregate(partials, commitments, g.Package, message)
	require.NoError(t, err)
	return sig
}

// =====================================
// Witness Set Generators
// =====================================

// WitnessSetOption customizes a generated witness set.
type WitnessSetOption func(*consensus.WitnessSet)

// WithWitnessThreshold overrides the signing threshold.
func WithWitnessThreshold(threshold uint32) WitnessSetOption {
	return func(ws *consensus.WitnessSet) {
		ws.Threshold = threshold
	}
}

// NewWitnessSet deals a cohort and builds the matching witness set with
// fresh message keys, returning both plus each witness's message
// signing key, indexed like the shares.
func NewWitnessSet(t *testing.T, threshold, n uint32, opts ...WitnessSetOption) (*consensus.WitnessSet, *FrostGroup, []crypto.PrivateKey) {
	t.Helper()
	group := NewFrostGroup(t, threshold, n)

	witnesses := make([]consensus.WitnessIdentity, n)
	keys := make([]crypto.PrivateKey, n)
	for i := uint32(0); i < n; i++ {
		pub, priv := GenerateTestKeyPair(t)
		keys[i] = priv
		witnesses[i] = consensus.WitnessIdentity{
			Authority:  crypto.NewID(),
			Index:      group.Shares[i].Index,
			MessageKey: pub,
		}
	}

	set := &consensus.WitnessSet{
		Witnesses: witnesses,
		Threshold: threshold,
		GroupKey:  group.Package,
	}
	for _, opt := range opts {
		opt(set)
	}
	require.NoError(t, set.Validate())
	return set, group, keys
}

// =====================================
// Tree Generators
// =====================================

// NewGenesisTree builds a single-device tree whose root key package is
// the given cohort's, returning the tree and its genesis leaf.
func NewGenesisTree(t *testing.T, group *FrostGroup, policy tree.Policy) *tree.Tree {
	t.Helper()
	encoded, err := group.Package.Encode()
	require.NoError(t, err)

	genesis := tree.LeafNode{
		LeafId:     1,
		DeviceId:   crypto.NewID(),
		Role:       tree.RoleDevice,
		KeyPackage: encoded,
	}
	tr, err := tree.New(genesis, policy, encoded)
	require.NoError(t, err)
	return tr
}

// AttestOp signs a tree operation with the cohort and wraps it.
func AttestOp(t *testing.T, group *FrostGroup, op tree.TreeOp, subset []int) *tree.AttestedOp {
	t.Helper()
	data, err := op.SignableBytes()
	require.NoError(t, err)
	count := len(subset)
	if subset == nil {
		count = len(group.Shares)
	}
	return &tree.AttestedOp{
		Op:          op,
		AggSig:      group.Sign(t, data, subset),
		SignerCount: uint32(count),
	}
}

// AttestOpUnderSigned wraps a tree operation claiming fewer signers
// than any threshold policy admits. No aggregate exists for such a
// subset, so the signature bytes are arbitrary; the tree must refuse
// the operation on signer count alone, before looking at the
// signature.
func AttestOpUnderSigned(t *testing.T, op tree.TreeOp, signerCount uint32) *tree.AttestedOp {
	t.Helper()
	sig, err := GenerateRandomBytes(64)
	require.NoError(t, err)
	return &tree.AttestedOp{
		Op:          op,
		AggSig:      crypto.ThresholdSignature(sig),
		SignerCount: signerCount,
	}
}

// =====================================
// Fact Generators
// =====================================

// FactOption customizes a generated fact envelope.
type FactOption func(*journal.FactEnvelope)

// WithAuthor sets the fact author and stamps its causal slot.
func WithAuthor(author crypto.AuthorityId, seq uint64) FactOption {
	return func(f *journal.FactEnvelope) {
		f.Author = author
		f.Clock = journal.VectorClock{author: seq}
	}
}

// WithSchemaVersion overrides the schema version.
func WithSchemaVersion(version uint16) FactOption {
	return func(f *journal.FactEnvelope) {
		f.SchemaVersion = version
	}
}

// NewConsensusFact builds a well-formed "consensus" fact envelope.
func NewConsensusFact(t *testing.T, opts ...FactOption) journal.FactEnvelope {
	t.Helper()
	payload, err := journal.EncodePayload(journal.ConsensusFact{
		ConsensusId:      crypto.HashBytes([]byte(fmt.Sprintf("cid-%s", crypto.NewID()))),
		OpHash:           crypto.HashBytes([]byte("op")),
		ThresholdMet:     true,
		ParticipantCount: 2,
	})
	require.NoError(t, err)

	author := crypto.NewID()
	fact := journal.FactEnvelope{
		TypeId:        journal.TypeConsensus,
		SchemaVersion: 1,
		Encoding:      journal.EncodingCBOR,
		Payload:       payload,
		Author:        author,
		Clock:         journal.VectorClock{author: 1},
	}
	for _, opt := range opts {
		opt(&fact)
	}
	return fact
}
