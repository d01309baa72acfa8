package tree

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/hxrts/aura-sub037/crypto"
)

// child is one of a branch's two ordered slots: empty, a leaf, or a
// nested branch.
type child struct {
	leaf   *LeafNode
	branch *branchNode
}

func (c *child) empty() bool {
	return c.leaf == nil && c.branch == nil
}

func (c *child) commitment() crypto.Hash32 {
	switch {
	case c.leaf != nil:
		return c.leaf.Commitment()
	case c.branch != nil:
		return c.branch.commitment
	default:
		return crypto.Hash32{}
	}
}

type branchNode struct {
	index      NodeIndex
	policy     Policy
	keyPackage []byte // serialized group public key package for the branch cohort
	parent     *branchNode
	left       child
	right      child
	commitment crypto.Hash32
}

// Tree is an authority's authentication tree. It is a single-writer,
// many-reader structure; writes are serialized through the consensus
// core.
type Tree struct {
	mu       sync.RWMutex
	version  uint32
	epoch    crypto.Epoch
	root     *branchNode
	branches map[NodeIndex]*branchNode
	leaves   map[crypto.LeafId]*branchNode // leaf id -> parent branch
	nextNode NodeIndex
	nextLeaf crypto.LeafId

	// rootOverride is set by a finalized recovery: the tree's content is
	// no longer authoritative and only the recovered root commitment is.
	rootOverride *crypto.Hash32
}

// CurrentVersion is the tree format version mixed into commitments.
const CurrentVersion uint32 = 1

// New creates a genesis tree holding a single device leaf under a root
// branch with the given policy and group key package.
func New(genesis LeafNode, rootPolicy Policy, groupKeyPackage []byte) (*Tree, error) {
	if !rootPolicy.Valid() {
		return nil, fmt.Errorf("%w: root policy %d-of-%d", ErrInvalidOperation, rootPolicy.Threshold, rootPolicy.Cohort)
	}
	if genesis.Role != RoleDevice {
		return nil, fmt.Errorf("%w: genesis leaf must be a device", ErrInvalidOperation)
	}
	t := &Tree{
		version:  CurrentVersion,
		branches: make(map[NodeIndex]*branchNode),
		leaves:   make(map[crypto.LeafId]*branchNode),
		nextNode: RootIndex + 1,
		nextLeaf: genesis.LeafId + 1,
	}
	root := &branchNode{
		index:      RootIndex,
		policy:     rootPolicy,
		keyPackage: groupKeyPackage,
		left:       child{leaf: &genesis},
	}
	t.root = root
	t.branches[RootIndex] = root
	t.leaves[genesis.LeafId] = root
	t.recomputePath(root)
	return t, nil
}

// Commitment returns the current root commitment.
func (t *Tree) Commitment() crypto.Hash32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.commitmentLocked()
}

func (t *Tree) commitmentLocked() crypto.Hash32 {
	if t.rootOverride != nil {
		return *t.rootOverride
	}
	return t.root.commitment
}

// Epoch returns the current epoch.
func (t *Tree) Epoch() crypto.Epoch {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.epoch
}

// PolicyFor returns the policy of the given branch.
func (t *Tree) PolicyFor(branch NodeIndex) (Policy, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.branches[branch]
	if !ok {
		return Policy{}, fmt.Errorf("%w: branch %d", ErrUnknownNode, branch)
	}
	return b.policy, nil
}

// KeyPackageFor returns the serialized group key package of the given
// branch.
func (t *Tree) KeyPackageFor(branch NodeIndex) ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.branches[branch]
	if !ok {
		return nil, fmt.Errorf("%w: branch %d", ErrUnknownNode, branch)
	}
	return b.keyPackage, nil
}

// NextLeafId returns the next unused leaf identifier. Proposers use this
// to construct AddLeaf operations.
func (t *Tree) NextLeafId() crypto.LeafId {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nextLeaf
}

// Leaf returns the leaf with the given id, if present.
func (t *Tree) Leaf(id crypto.LeafId) (*LeafNode, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	parent, ok := t.leaves[id]
	if !ok {
		return nil, false
	}
	if parent.left.leaf != nil && parent.left.leaf.LeafId == id {
		l := *parent.left.leaf
		return &l, true
	}
	if parent.right.leaf != nil && parent.right.leaf.LeafId == id {
		l := *parent.right.leaf
		return &l, true
	}
	return nil, false
}

// Leaves returns all leaves currently in the tree.
func (t *Tree) Leaves() []LeafNode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]LeafNode, 0, len(t.leaves))
	var walk func(b *branchNode)
	walk = func(b *branchNode) {
		for _, c := range []child{b.left, b.right} {
			if c.leaf != nil {
				out = append(out, *c.leaf)
			}
			if c.branch != nil {
				walk(c.branch)
			}
		}
	}
	walk(t.root)
	return out
}

// VerifyAggregate checks an aggregate signature over the operation
// against the responsible branch's group public key at the current
// (parent) state.
func (t *Tree) VerifyAggregate(op *TreeOp, aggSig crypto.ThresholdSignature) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	branch, err := t.responsibleBranch(op)
	if err != nil {
		return false
	}
	return t.verifyAggregateLocked(op, aggSig, branch) == nil
}

func (t *Tree) verifyAggregateLocked(op *TreeOp, aggSig crypto.ThresholdSignature, branch *branchNode) error {
	pkg, err := crypto.DecodePublicKeyPackage(branch.keyPackage)
	if err != nil {
		return fmt.Errorf("%w: branch %d key package: %v", ErrInvalidSignature, branch.index, err)
	}
	data, err := op.SignableBytes()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}
	// A 1-of-1 policy is a plain device signature; threshold cohorts use
	// FROST aggregates.
	if pkg.Threshold <= 1 {
		if !crypto.Signature(aggSig).Verify(pkg.GroupPublicKey, data) {
			return ErrInvalidSignature
		}
		return nil
	}
	if !aggSig.Verify(pkg.GroupPublicKey, data) {
		return ErrInvalidSignature
	}
	return nil
}

// responsibleBranch resolves which branch's policy governs the operation.
func (t *Tree) responsibleBranch(op *TreeOp) (*branchNode, error) {
	switch op.Kind {
	case OpAddLeaf:
		b, ok := t.branches[op.Under]
		if !ok {
			return nil, fmt.Errorf("%w: branch %d", ErrUnknownNode, op.Under)
		}
		return b, nil
	case OpRemoveLeaf:
		b, ok := t.leaves[op.RemoveLeafId]
		if !ok {
			return nil, fmt.Errorf("%w: leaf %d", ErrUnknownNode, op.RemoveLeafId)
		}
		return b, nil
	case OpChangePolicy:
		b, ok := t.branches[op.Branch]
		if !ok {
			return nil, fmt.Errorf("%w: branch %d", ErrUnknownNode, op.Branch)
		}
		return b, nil
	case OpRotateEpoch, OpSetRoot:
		return t.root, nil
	default:
		return nil, fmt.Errorf("%w: kind %d", ErrInvalidOperation, op.Kind)
	}
}

// Apply validates and applies an attested operation, returning the new
// root commitment. Failures are local: the tree is unchanged on error.
func (t *Tree) Apply(attested *AttestedOp) (crypto.Hash32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	op := &attested.Op
	if op.Version != t.version {
		return crypto.Hash32{}, fmt.Errorf("%w: version %d, tree at %d", ErrInvalidOperation, op.Version, t.version)
	}
	if op.ParentEpoch != t.epoch || op.ParentCommitment != t.commitmentLocked() {
		return crypto.Hash32{}, fmt.Errorf("%w: parent epoch %d commitment %s", ErrStaleParent, op.ParentEpoch, op.ParentCommitment)
	}
	if t.rootOverride != nil && op.Kind != OpSetRoot {
		return crypto.Hash32{}, fmt.Errorf("%w: tree content superseded by recovered root", ErrStaleParent)
	}

	branch, err := t.responsibleBranch(op)
	if err != nil {
		return crypto.Hash32{}, err
	}
	if err := t.checkPolicy(op, attested.SignerCount, branch); err != nil {
		return crypto.Hash32{}, err
	}
	if err := t.verifyAggregateLocked(op, attested.AggSig, branch); err != nil {
		return crypto.Hash32{}, err
	}

	switch op.Kind {
	case OpAddLeaf:
		if err := t.addLeaf(op, branch); err != nil {
			return crypto.Hash32{}, err
		}
	case OpRemoveLeaf:
		if err := t.removeLeaf(op, branch); err != nil {
			return crypto.Hash32{}, err
		}
	case OpChangePolicy:
		branch.policy = *op.NewPolicy
		t.recomputePath(branch)
	case OpRotateEpoch:
		t.epoch++
		t.recomputeAll()
	case OpSetRoot:
		override := op.NewRoot
		t.rootOverride = &override
		t.epoch++
	}

	if len(op.NewKeyPackage) > 0 {
		branch.keyPackage = op.NewKeyPackage
	}
	return t.commitmentLocked(), nil
}

func (t *Tree) checkPolicy(op *TreeOp, signerCount uint32, branch *branchNode) error {
	required := branch.policy.Threshold
	if op.Kind == OpChangePolicy {
		if op.NewPolicy == nil || !op.NewPolicy.Valid() {
			return fmt.Errorf("%w: missing or malformed policy", ErrInvalidOperation)
		}
		// Loosening must be approved under both the old and the new
		// policy simultaneously.
		if !op.NewPolicy.AtLeastAsStrict(branch.policy) && op.NewPolicy.Threshold > required {
			required = op.NewPolicy.Threshold
		}
	}
	if signerCount < required {
		return fmt.Errorf("%w: %d signers, branch %d requires %d", ErrPolicyViolation, signerCount, branch.index, required)
	}
	return nil
}

func (t *Tree) addLeaf(op *TreeOp, branch *branchNode) error {
	if op.Leaf == nil {
		return fmt.Errorf("%w: missing leaf", ErrInvalidOperation)
	}
	if _, exists := t.leaves[op.Leaf.LeafId]; exists {
		return fmt.Errorf("%w: leaf id %d already present", ErrInvalidOperation, op.Leaf.LeafId)
	}
	leaf := *op.Leaf
	parent := t.insert(branch, &leaf)
	t.leaves[leaf.LeafId] = parent
	if leaf.LeafId >= t.nextLeaf {
		t.nextLeaf = leaf.LeafId + 1
	}
	t.recomputePath(parent)
	return nil
}

// insert places the leaf in the first free slot under b, splitting the
// rightmost slot into a nested branch when b is full. The nested branch
// inherits its parent's policy and key package.
func (t *Tree) insert(b *branchNode, leaf *LeafNode) *branchNode {
	switch {
	case b.left.empty():
		b.left = child{leaf: leaf}
		return b
	case b.right.empty():
		b.right = child{leaf: leaf}
		return b
	case b.right.branch != nil:
		return t.insert(b.right.branch, leaf)
	default:
		displaced := b.right.leaf
		split := &branchNode{
			index:      t.nextNode,
			policy:     b.policy,
			keyPackage: b.keyPackage,
			parent:     b,
			left:       child{leaf: displaced},
			right:      child{leaf: leaf},
		}
		t.nextNode++
		t.branches[split.index] = split
		t.leaves[displaced.LeafId] = split
		b.right = child{branch: split}
		return split
	}
}

func (t *Tree) removeLeaf(op *TreeOp, parent *branchNode) error {
	id := op.RemoveLeafId
	switch {
	case parent.left.leaf != nil && parent.left.leaf.LeafId == id:
		parent.left = child{}
	case parent.right.leaf != nil && parent.right.leaf.LeafId == id:
		parent.right = child{}
	default:
		return fmt.Errorf("%w: leaf %d", ErrUnknownNode, id)
	}
	delete(t.leaves, id)
	t.recomputePath(parent)
	return nil
}

// recomputePath recomputes commitments from b up to the root. Branches
// off the mutation path keep their cached commitments.
func (t *Tree) recomputePath(b *branchNode) {
	for node := b; node != nil; node = node.parent {
		node.commitment = t.branchCommitment(node)
	}
}

func (t *Tree) recomputeAll() {
	var walk func(b *branchNode)
	walk = func(b *branchNode) {
		if b.left.branch != nil {
			walk(b.left.branch)
		}
		if b.right.branch != nil {
			walk(b.right.branch)
		}
		b.commitment = t.branchCommitment(b)
	}
	walk(t.root)
}

func (t *Tree) branchCommitment(b *branchNode) crypto.Hash32 {
	var verBuf, idxBuf [4]byte
	var epochBuf [8]byte
	binary.BigEndian.PutUint32(verBuf[:], t.version)
	binary.BigEndian.PutUint32(idxBuf[:], uint32(b.index))
	binary.BigEndian.PutUint64(epochBuf[:], uint64(t.epoch))
	policyHash := b.policy.Hash()
	left := b.left.commitment()
	right := b.right.commitment()
	return crypto.HashWithDomain("BRANCH",
		verBuf[:],
		idxBuf[:],
		epochBuf[:],
		policyHash[:],
		left[:],
		right[:],
	)
}
