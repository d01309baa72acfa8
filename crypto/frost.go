package crypto

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"filippo.io/edwards25519"
)

// MinThreshold is the smallest meaningful signing threshold. A 1-of-n
// "threshold" is a plain signature and is rejected.
const MinThreshold = 2

// ErrInvalidThreshold is returned when a cohort is constructed with a
// threshold below MinThreshold or above the cohort size.
var ErrInvalidThreshold = errors.New("invalid threshold")

// SignerIndex identifies a participant within a FROST cohort. Indices are
// 1-based; index 0 is reserved (the secret lives at x = 0).
type SignerIndex uint32

// KeyShare is one participant's share of the cohort's group secret.
// Shares are held by their owning device only and never journaled.
type KeyShare struct {
	Index  SignerIndex `json:"index"`
	Secret []byte      `json:"secret"` // canonical scalar, 32 bytes
}

// PublicKeyPackage is the public half of a dealt FROST cohort: the group
// public key, each participant's verification share, and the signing
// threshold. Tree leaves carry this package serialized.
type PublicKeyPackage struct {
	GroupPublicKey     PublicKey                 `json:"group_public_key"`
	VerificationShares map[SignerIndex]PublicKey `json:"verification_shares"`
	Threshold          uint32                    `json:"threshold"`
}

// Encode serializes the package for storage in a tree leaf.
func (p *PublicKeyPackage) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// DecodePublicKeyPackage deserializes a package previously produced by
// Encode.
func DecodePublicKeyPackage(data []byte) (*PublicKeyPackage, error) {
	var pkg PublicKeyPackage
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, fmt.Errorf("invalid public key package: %w", err)
	}
	return &pkg, nil
}

// NonceCommitment is a participant's public commitment to a signing
// nonce pair. Commitments are exchanged ahead of signing; the consensus
// fast path carries them cached on Execute messages.
type NonceCommitment struct {
	Index   SignerIndex `json:"index"`
	Hiding  []byte      `json:"hiding"`  // compressed point, 32 bytes
	Binding []byte      `json:"binding"` // compressed point, 32 bytes
}

// SigningNonce is the secret half of a nonce commitment. It must be used
// for exactly one partial signature and then discarded.
type SigningNonce struct {
	Index   SignerIndex
	hiding  *edwards25519.Scalar
	binding *edwards25519.Scalar
}

// PartialSignature is one participant's contribution to a threshold
// signature.
type PartialSignature struct {
	Index SignerIndex `json:"index"`
	Share []byte      `json:"share"` // canonical scalar, 32 bytes
}

// ThresholdSignature is an aggregated FROST signature: the group
// commitment R followed by the response scalar z, 64 bytes total.
type ThresholdSignature []byte

// NewThresholdSignature creates a ThresholdSignature from a byte slice.
func NewThresholdSignature(data []byte) ThresholdSignature {
	sig := make([]byte, len(data))
	copy(sig, data)
	return ThresholdSignature(sig)
}

// Bytes returns the signature as a byte slice.
func (s ThresholdSignature) Bytes() []byte {
	return []byte(s)
}

// String returns the hex encoding of the signature.
func (s ThresholdSignature) String() string {
	return hex.EncodeToString(s)
}

// Verify checks the aggregate signature over data under the cohort's
// group public key: [z]B == R + [c]A.
func (s ThresholdSignature) Verify(groupPublicKey PublicKey, data []byte) bool {
	if len(s) != 64 {
		return false
	}
	bigR, err := new(edwards25519.Point).SetBytes(s[:32])
	if err != nil {
		return false
	}
	z, err := edwards25519.NewScalar().SetCanonicalBytes(s[32:])
	if err != nil {
		return false
	}
	groupPoint, err := new(edwards25519.Point).SetBytes(groupPublicKey.Bytes())
	if err != nil {
		return false
	}
	c := challengeScalar(s[:32], groupPublicKey.Bytes(), data)

	lhs := new(edwards25519.Point).ScalarBaseMult(z)
	rhs := new(edwards25519.Point).ScalarMult(c, groupPoint)
	rhs.Add(rhs, bigR)
	return lhs.Equal(rhs) == 1
}

func scalarFromIndex(index SignerIndex) *edwards25519.Scalar {
	var buf [32]byte
	binary.LittleEndian.PutUint32(buf[:4], uint32(index))
	s, _ := edwards25519.NewScalar().SetCanonicalBytes(buf[:])
	return s
}

func scalarFromWide(wide [64]byte) *edwards25519.Scalar {
	s, _ := edwards25519.NewScalar().SetUniformBytes(wide[:])
	return s
}

// challengeScalar derives the Schnorr challenge binding the group
// commitment, the group key, and the message.
func challengeScalar(bigR, groupKey, message []byte) *edwards25519.Scalar {
	return scalarFromWide(hashWide("AURA_FROST_CHALLENGE", bigR, groupKey, message))
}

// bindingFactor derives a participant's binding factor over the full
// commitment list and message, preventing nonce reuse across sessions.
func bindingFactor(index SignerIndex, commitmentList, message []byte) *edwards25519.Scalar {
	var idxBuf [4]byte
	binary.BigEndian.PutUint32(idxBuf[:], uint32(index))
	return scalarFromWide(hashWide("AURA_FROST_BINDING", idxBuf[:], commitmentList, message))
}

// encodeCommitmentList canonically encodes a sorted commitment list for
// hashing.
func encodeCommitmentList(commitments []NonceCommitment) []byte {
	out := make([]byte, 0, len(commitments)*68)
	for _, c := range commitments {
		var idxBuf [4]byte
		binary.BigEndian.PutUint32(idxBuf[:], uint32(c.Index))
		out = append(out, idxBuf[:]...)
		out = append(out, c.Hiding...)
		out = append(out, c.Binding...)
	}
	return out
}

// sortCommitments returns the commitments sorted by signer index, and
// fails on duplicates.
func sortCommitments(commitments []NonceCommitment) ([]NonceCommitment, error) {
	sorted := make([]NonceCommitment, len(commitments))
	copy(sorted, commitments)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Index == sorted[i-1].Index {
			return nil, fmt.Errorf("duplicate commitment for signer %d", sorted[i].Index)
		}
	}
	return sorted, nil
}

// lagrangeCoefficient computes participant index's Lagrange coefficient
// at x = 0 over the participant set.
func lagrangeCoefficient(index SignerIndex, participants []SignerIndex) (*edwards25519.Scalar, error) {
	num := scalarFromIndex(1)
	den := scalarFromIndex(1)
	xi := scalarFromIndex(index)
	found := false
	for _, j := range participants {
		if j == index {
			found = true
			continue
		}
		xj := scalarFromIndex(j)
		num.Multiply(num, xj)
		diff := edwards25519.NewScalar().Subtract(xj, xi)
		den.Multiply(den, diff)
	}
	if !found {
		return nil, fmt.Errorf("signer %d not in participant set", index)
	}
	denInv := edwards25519.NewScalar().Invert(den)
	return num.Multiply(num, denInv), nil
}

// groupCommitment computes R = sum(D_i + [rho_i]E_i) over the sorted
// commitment list, returning R and each participant's commitment share.
func groupCommitment(commitments []NonceCommitment, message []byte) (*edwards25519.Point, map[SignerIndex]*edwards25519.Point, error) {
	list := encodeCommitmentList(commitments)
	total := edwards25519.NewIdentityPoint()
	shares := make(map[SignerIndex]*edwards25519.Point, len(commitments))
	for _, c := range commitments {
		hiding, err := new(edwards25519.Point).SetBytes(c.Hiding)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid hiding commitment for signer %d: %w", c.Index, err)
		}
		binding, err := new(edwards25519.Point).SetBytes(c.Binding)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid binding commitment for signer %d: %w", c.Index, err)
		}
		rho := bindingFactor(c.Index, list, message)
		share := new(edwards25519.Point).ScalarMult(rho, binding)
		share.Add(share, hiding)
		shares[c.Index] = share
		total.Add(total, share)
	}
	return total, shares, nil
}
