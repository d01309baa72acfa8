package tree

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hxrts/aura-sub037/crypto"
)

// genesisTree builds a single-device tree with a 1-of-1 root policy and
// returns the tree plus the device's signing key.
func genesisTree(t *testing.T) (*Tree, crypto.PrivateKey) {
	pub, priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	pkg := &crypto.PublicKeyPackage{GroupPublicKey: pub, Threshold: 1}
	encoded, err := pkg.Encode()
	require.NoError(t, err)

	genesis := LeafNode{
		LeafId:     1,
		DeviceId:   crypto.NewID(),
		Role:       RoleDevice,
		KeyPackage: encoded,
	}
	tr, err := New(genesis, Policy{Threshold: 1, Cohort: 1}, encoded)
	require.NoError(t, err)
	return tr, priv
}

// attestSingle signs the op with the genesis device key (1-of-1 policy).
func attestSingle(t *testing.T, op TreeOp, priv crypto.PrivateKey) *AttestedOp {
	data, err := op.SignableBytes()
	require.NoError(t, err)
	sig, err := crypto.Sign(priv, data)
	require.NoError(t, err)
	return &AttestedOp{Op: op, AggSig: crypto.ThresholdSignature(sig), SignerCount: 1}
}

// attestThreshold signs the op with a FROST cohort subset.
func attestThreshold(t *testing.T, op TreeOp, shares []crypto.KeyShare, pkg *crypto.PublicKeyPackage, subset []int) *AttestedOp {
	data, err := op.SignableBytes()
	require.NoError(t, err)

	nonces := make(map[crypto.SignerIndex]*crypto.SigningNonce)
	commitments := make([]crypto.NonceCommitment, 0, len(subset))
	for _, i := range subset {
		nonce, commitment, err := crypto.GenerateNonce(shares[i].Index, rand.Reader)
		require.NoError(t, err)
		nonces[shares[i].Index] = nonce
		commitments = append(commitments, *commitment)
	}
	partials := make([]*crypto.PartialSignature, 0, len(subset))
	for _, i := range subset {
		partial, err := crypto.PartialSign(shares[i], nonces[shares[i].Index], commitments, pkg, data)
		require.NoError(t, err)
		partials = append(partials, partial)
	}
	sig, err := crypto.Aggregate(partials, commitments, pkg, data)
	require.NoError(t, err)
	return &AttestedOp{Op: op, AggSig: sig, SignerCount: uint32(len(subset))}
}

func addDeviceOp(tr *Tree, leaf LeafNode, keyPkg []byte) TreeOp {
	return TreeOp{
		ParentEpoch:      tr.Epoch(),
		ParentCommitment: tr.Commitment(),
		Version:          CurrentVersion,
		Kind:             OpAddLeaf,
		Leaf:             &leaf,
		Under:            RootIndex,
		NewKeyPackage:    keyPkg,
	}
}

func TestGenesisTree(t *testing.T) {
	tr, _ := genesisTree(t)
	require.Equal(t, crypto.Epoch(0), tr.Epoch())
	require.False(t, tr.Commitment().IsZero())
	require.Len(t, tr.Leaves(), 1)

	policy, err := tr.PolicyFor(RootIndex)
	require.NoError(t, err)
	require.Equal(t, Policy{Threshold: 1, Cohort: 1}, policy)
}

func TestAddLeafRecomputesCommitment(t *testing.T) {
	tr, priv := genesisTree(t)
	before := tr.Commitment()

	leaf := LeafNode{LeafId: tr.NextLeafId(), DeviceId: crypto.NewID(), Role: RoleDevice}
	attested := attestSingle(t, addDeviceOp(tr, leaf, nil), priv)
	after, err := tr.Apply(attested)
	require.NoError(t, err)
	require.NotEqual(t, before, after)
	require.Equal(t, after, tr.Commitment())
	require.Len(t, tr.Leaves(), 2)
}

func TestCommitmentRecomputationIsDeterministic(t *testing.T) {
	// Two trees built from the same material and mutation sequence must
	// agree bit-identically on every commitment.
	pub, priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	pkg := &crypto.PublicKeyPackage{GroupPublicKey: pub, Threshold: 1}
	encoded, err := pkg.Encode()
	require.NoError(t, err)

	genesis := LeafNode{LeafId: 1, DeviceId: crypto.DeriveID("TEST_DEV", []byte("d1")), Role: RoleDevice, KeyPackage: encoded}
	build := func() *Tree {
		tr, err := New(genesis, Policy{Threshold: 1, Cohort: 1}, encoded)
		require.NoError(t, err)
		leaf := LeafNode{LeafId: 2, DeviceId: crypto.DeriveID("TEST_DEV", []byte("d2")), Role: RoleGuardian}
		attested := attestSingle(t, addDeviceOp(tr, leaf, nil), priv)
		_, err = tr.Apply(attested)
		require.NoError(t, err)
		return tr
	}

	require.Equal(t, build().Commitment(), build().Commitment())
}

func TestStaleParentRejected(t *testing.T) {
	tr, priv := genesisTree(t)

	// Bind the op to the current state, then advance the tree so the
	// binding goes stale.
	staleOp := addDeviceOp(tr, LeafNode{LeafId: 5, DeviceId: crypto.NewID(), Role: RoleDevice}, nil)
	advance := attestSingle(t, addDeviceOp(tr, LeafNode{LeafId: 2, DeviceId: crypto.NewID(), Role: RoleDevice}, nil), priv)
	_, err := tr.Apply(advance)
	require.NoError(t, err)

	stale := attestSingle(t, staleOp, priv)
	before := tr.Commitment()
	_, err = tr.Apply(stale)
	require.ErrorIs(t, err, ErrStaleParent)
	require.Equal(t, before, tr.Commitment())
}

func TestThresholdPolicyGovernsMutations(t *testing.T) {
	tr, priv := genesisTree(t)

	// Upgrade the root cohort to 2-of-2 FROST.
	shares, pkg, err := crypto.DealKeyShares(2, 2, rand.Reader)
	require.NoError(t, err)
	groupEncoded, err := pkg.Encode()
	require.NoError(t, err)

	second := LeafNode{LeafId: 2, DeviceId: crypto.NewID(), Role: RoleDevice}
	upgrade := attestSingle(t, addDeviceOp(tr, second, groupEncoded), priv)
	_, err = tr.Apply(upgrade)
	require.NoError(t, err)

	policyOp := TreeOp{
		ParentEpoch:      tr.Epoch(),
		ParentCommitment: tr.Commitment(),
		Version:          CurrentVersion,
		Kind:             OpChangePolicy,
		Branch:           RootIndex,
		NewPolicy:        &Policy{Threshold: 2, Cohort: 2},
	}

	full := attestThreshold(t, policyOp, shares, pkg, []int{0, 1})
	_, err = tr.Apply(full)
	require.NoError(t, err)

	policy, err := tr.PolicyFor(RootIndex)
	require.NoError(t, err)
	require.Equal(t, Policy{Threshold: 2, Cohort: 2}, policy)

	// Under the 2-of-2 policy a single attesting signer is rejected
	// before any signature check.
	underSigned := attestThreshold(t, addDeviceOp(tr, LeafNode{LeafId: 3, DeviceId: crypto.NewID(), Role: RoleDevice}, nil), shares, pkg, []int{0, 1})
	underSigned.SignerCount = 1
	_, err = tr.Apply(underSigned)
	require.ErrorIs(t, err, ErrPolicyViolation)
}

func TestPolicyLooseningNeedsBothCohorts(t *testing.T) {
	tr, priv := genesisTree(t)
	shares, pkg, err := crypto.DealKeyShares(2, 3, rand.Reader)
	require.NoError(t, err)
	groupEncoded, err := pkg.Encode()
	require.NoError(t, err)

	// Grow to three leaves under a 3-of-3 root policy.
	for i := 0; i < 2; i++ {
		leaf := LeafNode{LeafId: tr.NextLeafId(), DeviceId: crypto.NewID(), Role: RoleDevice}
		attested := attestSingle(t, addDeviceOp(tr, leaf, nil), priv)
		_, err := tr.Apply(attested)
		require.NoError(t, err)
	}
	tighten := attestSingle(t, TreeOp{
		ParentEpoch:      tr.Epoch(),
		ParentCommitment: tr.Commitment(),
		Version:          CurrentVersion,
		Kind:             OpChangePolicy,
		Branch:           RootIndex,
		NewPolicy:        &Policy{Threshold: 3, Cohort: 3},
		NewKeyPackage:    groupEncoded,
	}, priv)
	_, err = tr.Apply(tighten)
	require.NoError(t, err)

	// Loosening 3-of-3 down to 2-of-3 requires the old threshold of
	// signers, not the new one.
	loosen := TreeOp{
		ParentEpoch:      tr.Epoch(),
		ParentCommitment: tr.Commitment(),
		Version:          CurrentVersion,
		Kind:             OpChangePolicy,
		Branch:           RootIndex,
		NewPolicy:        &Policy{Threshold: 2, Cohort: 3},
	}
	short := attestThreshold(t, loosen, shares, pkg, []int{0, 1})
	_, err = tr.Apply(short)
	require.ErrorIs(t, err, ErrPolicyViolation)
}

func TestRotateEpochChangesEveryCommitment(t *testing.T) {
	tr, priv := genesisTree(t)
	before := tr.Commitment()

	rotate := attestSingle(t, TreeOp{
		ParentEpoch:      tr.Epoch(),
		ParentCommitment: tr.Commitment(),
		Version:          CurrentVersion,
		Kind:             OpRotateEpoch,
	}, priv)
	after, err := tr.Apply(rotate)
	require.NoError(t, err)
	require.Equal(t, crypto.Epoch(1), tr.Epoch())
	require.NotEqual(t, before, after)
}

func TestRemoveLeaf(t *testing.T) {
	tr, priv := genesisTree(t)
	leaf := LeafNode{LeafId: 2, DeviceId: crypto.NewID(), Role: RoleGuardian}
	added := attestSingle(t, addDeviceOp(tr, leaf, nil), priv)
	_, err := tr.Apply(added)
	require.NoError(t, err)

	remove := attestSingle(t, TreeOp{
		ParentEpoch:      tr.Epoch(),
		ParentCommitment: tr.Commitment(),
		Version:          CurrentVersion,
		Kind:             OpRemoveLeaf,
		RemoveLeafId:     2,
	}, priv)
	_, err = tr.Apply(remove)
	require.NoError(t, err)
	require.Len(t, tr.Leaves(), 1)

	_, found := tr.Leaf(2)
	require.False(t, found)

	// Removing an unknown leaf fails.
	unknown := attestSingle(t, TreeOp{
		ParentEpoch:      tr.Epoch(),
		ParentCommitment: tr.Commitment(),
		Version:          CurrentVersion,
		Kind:             OpRemoveLeaf,
		RemoveLeafId:     42,
	}, priv)
	_, err = tr.Apply(unknown)
	require.ErrorIs(t, err, ErrUnknownNode)
}

func TestSetRootSupersedesContent(t *testing.T) {
	tr, priv := genesisTree(t)
	newRoot := crypto.HashBytes([]byte("recovered root"))

	set := attestSingle(t, TreeOp{
		ParentEpoch:      tr.Epoch(),
		ParentCommitment: tr.Commitment(),
		Version:          CurrentVersion,
		Kind:             OpSetRoot,
		NewRoot:          newRoot,
	}, priv)
	got, err := tr.Apply(set)
	require.NoError(t, err)
	require.Equal(t, newRoot, got)
	require.Equal(t, crypto.Epoch(1), tr.Epoch())

	// Structural mutations against the superseded content are stale.
	add := attestSingle(t, addDeviceOp(tr, LeafNode{LeafId: 9, DeviceId: crypto.NewID(), Role: RoleDevice}, nil), priv)
	_, err = tr.Apply(add)
	require.ErrorIs(t, err, ErrStaleParent)
}

func TestInvalidSignatureRejected(t *testing.T) {
	tr, _ := genesisTree(t)
	_, otherPriv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	forged := attestSingle(t, addDeviceOp(tr, LeafNode{LeafId: 2, DeviceId: crypto.NewID(), Role: RoleDevice}, nil), otherPriv)
	_, err = tr.Apply(forged)
	require.ErrorIs(t, err, ErrInvalidSignature)
}
