// Package tree implements the authentication tree: a Merkle-committed,
// epoch-versioned tree of device and guardian leaves with per-branch
// threshold policies. The tree is mutated only by attested operations
// whose aggregate signature satisfies the responsible branch's policy at
// the parent epoch.
package tree

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hxrts/aura-sub037/crypto"
)

// Role distinguishes device leaves from guardian leaves.
type Role uint8

const (
	// RoleDevice marks a leaf controlled directly by the authority owner.
	RoleDevice Role = iota
	// RoleGuardian marks a leaf held by a recovery guardian.
	RoleGuardian
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleDevice:
		return "device"
	case RoleGuardian:
		return "guardian"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// NodeIndex addresses a node within one tree. Index 0 is the root branch;
// subsequent indices are assigned in creation order and never reused.
type NodeIndex uint32

// RootIndex is the node index of the root branch.
const RootIndex NodeIndex = 0

// Policy is a branch's {t, n} threshold policy: at least Threshold of the
// Cohort signers must attest an operation touching the branch's subtree.
type Policy struct {
	Threshold uint32 `json:"threshold"`
	Cohort    uint32 `json:"cohort"`
}

// Valid reports whether the policy is internally consistent.
func (p Policy) Valid() bool {
	return p.Threshold >= 1 && p.Cohort >= p.Threshold
}

// AtLeastAsStrict reports whether p refines old: the threshold must not
// decrease and the number of signers allowed to abstain (cohort minus
// threshold) must not grow. Policy changes must move up this
// meet-semilattice unless the old policy's cohort approves the loosening.
func (p Policy) AtLeastAsStrict(old Policy) bool {
	return p.Threshold >= old.Threshold && (p.Cohort-p.Threshold) <= (old.Cohort-old.Threshold)
}

// Hash returns the policy commitment used inside branch commitments.
func (p Policy) Hash() crypto.Hash32 {
	var buf [8]byte
	binary.BigEndian.PutUint32(buf[:4], p.Threshold)
	binary.BigEndian.PutUint32(buf[4:], p.Cohort)
	return crypto.HashWithDomain("POLICY", buf[:])
}

// LeafNode is a device or guardian leaf. The LeafId is stable across all
// tree operations until the leaf is explicitly removed. KeyPackage holds
// the leaf's serialized FROST public key package; Metadata is opaque to
// the core.
type LeafNode struct {
	LeafId     crypto.LeafId   `json:"leaf_id"`
	DeviceId   crypto.DeviceId `json:"device_id"`
	Role       Role            `json:"role"`
	KeyPackage []byte          `json:"key_package"`
	Metadata   []byte          `json:"metadata,omitempty"`
}

// Commitment returns the leaf's hash contribution to its parent branch.
func (l *LeafNode) Commitment() crypto.Hash32 {
	var idBuf [4]byte
	binary.BigEndian.PutUint32(idBuf[:], uint32(l.LeafId))
	return crypto.HashWithDomain("LEAF",
		idBuf[:],
		l.DeviceId.Bytes(),
		[]byte{byte(l.Role)},
		l.KeyPackage,
		l.Metadata,
	)
}

// OpKind enumerates the attested tree operations.
type OpKind uint8

const (
	// OpAddLeaf inserts a new leaf under a branch.
	OpAddLeaf OpKind = iota
	// OpRemoveLeaf removes a leaf by its stable LeafId.
	OpRemoveLeaf
	// OpChangePolicy replaces a branch's threshold policy.
	OpChangePolicy
	// OpRotateEpoch advances the epoch, invalidating previously issued
	// signing shares.
	OpRotateEpoch
	// OpSetRoot replaces the root commitment wholesale. Produced only by
	// finalized guardian recovery.
	OpSetRoot
)

// String returns the operation kind name.
func (k OpKind) String() string {
	switch k {
	case OpAddLeaf:
		return "add_leaf"
	case OpRemoveLeaf:
		return "remove_leaf"
	case OpChangePolicy:
		return "change_policy"
	case OpRotateEpoch:
		return "rotate_epoch"
	case OpSetRoot:
		return "set_root"
	default:
		return fmt.Sprintf("op(%d)", uint8(k))
	}
}

// TreeOp is a tree mutation bound to its parent state. ParentEpoch and
// ParentCommitment must match the tree at apply time; a mismatch is a
// stale (possibly replayed) operation.
type TreeOp struct {
	ParentEpoch      crypto.Epoch  `json:"parent_epoch"`
	ParentCommitment crypto.Hash32 `json:"parent_commitment"`
	Version          uint32        `json:"version"`
	Kind             OpKind        `json:"kind"`

	// AddLeaf
	Leaf  *LeafNode `json:"leaf,omitempty"`
	Under NodeIndex `json:"under,omitempty"`

	// RemoveLeaf
	RemoveLeafId crypto.LeafId `json:"remove_leaf_id,omitempty"`

	// ChangePolicy
	Branch    NodeIndex `json:"branch,omitempty"`
	NewPolicy *Policy   `json:"new_policy,omitempty"`

	// SetRoot
	NewRoot crypto.Hash32 `json:"new_root,omitempty"`

	// NewKeyPackage, when present, replaces the responsible branch's
	// group key package after the mutation (the cohort changed, so the
	// group key was re-dealt). The operation itself is always verified
	// against the parent-state package.
	NewKeyPackage []byte `json:"new_key_package,omitempty"`
}

// SignableBytes returns the canonical encoding signers attest over.
func (op *TreeOp) SignableBytes() ([]byte, error) {
	data, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("could not encode operation: %w", err)
	}
	return data, nil
}

// Hash returns the operation hash used for consensus binding.
func (op *TreeOp) Hash() (crypto.Hash32, error) {
	data, err := op.SignableBytes()
	if err != nil {
		return crypto.Hash32{}, err
	}
	return crypto.HashWithDomain("TREE_OP", data), nil
}

// AttestedOp is a tree operation carrying the aggregate threshold
// signature of a satisfying cohort. Individual signer identities are not
// recorded, only the cardinality.
type AttestedOp struct {
	Op          TreeOp                    `json:"op"`
	AggSig      crypto.ThresholdSignature `json:"agg_sig"`
	SignerCount uint32                    `json:"signer_count"`
}

// Tree errors per the failure taxonomy.
var (
	// ErrStaleParent indicates the operation was bound to an epoch or
	// commitment that is no longer current.
	ErrStaleParent = errors.New("stale parent state")
	// ErrPolicyViolation indicates the signer count does not satisfy the
	// responsible branch's policy, or a policy change breaks the
	// meet-semilattice ordering.
	ErrPolicyViolation = errors.New("policy violation")
	// ErrInvalidSignature indicates the aggregate signature does not
	// verify under the branch's group public key.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrUnknownNode indicates the operation references a node not
	// present in the tree.
	ErrUnknownNode = errors.New("unknown node")
	// ErrInvalidOperation indicates a structurally invalid operation.
	ErrInvalidOperation = errors.New("invalid operation")
)
