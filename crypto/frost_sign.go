package crypto

import (
	"errors"
	"fmt"
	"io"

	"filippo.io/edwards25519"
)

// ErrNonceConsumed is returned when a signing nonce is used twice.
// Reusing a nonce leaks the secret share.
var ErrNonceConsumed = errors.New("signing nonce already consumed")

// ErrThresholdNotMet is returned when aggregation is attempted with fewer
// partial signatures than the cohort's threshold.
var ErrThresholdNotMet = errors.New("threshold not met")

// GenerateNonce produces a fresh nonce pair for one signing session and
// its public commitment.
func GenerateNonce(index SignerIndex, entropy io.Reader) (*SigningNonce, *NonceCommitment, error) {
	hiding, err := randomScalar(entropy)
	if err != nil {
		return nil, nil, err
	}
	binding, err := randomScalar(entropy)
	if err != nil {
		return nil, nil, err
	}
	commitment := &NonceCommitment{
		Index:   index,
		Hiding:  new(edwards25519.Point).ScalarBaseMult(hiding).Bytes(),
		Binding: new(edwards25519.Point).ScalarBaseMult(binding).Bytes(),
	}
	return &SigningNonce{Index: index, hiding: hiding, binding: binding}, commitment, nil
}

// PartialSign produces this participant's signature share over message.
// The commitment list must contain the participant's own commitment and
// exactly the cohort subset that will sign; every signer must use the
// identical list. The nonce is consumed.
func PartialSign(share KeyShare, nonce *SigningNonce, commitments []NonceCommitment, pkg *PublicKeyPackage, message []byte) (*PartialSignature, error) {
	if nonce == nil || nonce.hiding == nil {
		return nil, ErrNonceConsumed
	}
	if nonce.Index != share.Index {
		return nil, fmt.Errorf("nonce index %d does not match share index %d", nonce.Index, share.Index)
	}
	sorted, err := sortCommitments(commitments)
	if err != nil {
		return nil, err
	}
	lambda, err := lagrangeCoefficient(share.Index, participantIndices(sorted))
	if err != nil {
		return nil, err
	}
	secret, err := edwards25519.NewScalar().SetCanonicalBytes(share.Secret)
	if err != nil {
		return nil, fmt.Errorf("invalid key share: %w", err)
	}

	bigR, _, err := groupCommitment(sorted, message)
	if err != nil {
		return nil, err
	}
	rho := bindingFactor(share.Index, encodeCommitmentList(sorted), message)
	c := challengeScalar(bigR.Bytes(), pkg.GroupPublicKey.Bytes(), message)

	// z_i = d_i + e_i*rho_i + lambda_i*s_i*c
	z := edwards25519.NewScalar().Multiply(nonce.binding, rho)
	z.Add(z, nonce.hiding)
	contribution := edwards25519.NewScalar().Multiply(lambda, secret)
	contribution.Multiply(contribution, c)
	z.Add(z, contribution)

	// Consume the nonce so a second session cannot reuse it.
	nonce.hiding = nil
	nonce.binding = nil

	return &PartialSignature{Index: share.Index, Share: z.Bytes()}, nil
}

// VerifyPartial checks one participant's signature share against its
// verification share: [z_i]B == (D_i + [rho_i]E_i) + [c*lambda_i]A_i.
// This is how equivocation evidence stays independently checkable.
func VerifyPartial(partial *PartialSignature, commitments []NonceCommitment, pkg *PublicKeyPackage, message []byte) error {
	sorted, err := sortCommitments(commitments)
	if err != nil {
		return err
	}
	verificationKey, ok := pkg.VerificationShares[partial.Index]
	if !ok {
		return fmt.Errorf("no verification share for signer %d", partial.Index)
	}
	verificationPoint, err := new(edwards25519.Point).SetBytes(verificationKey.Bytes())
	if err != nil {
		return fmt.Errorf("invalid verification share for signer %d: %w", partial.Index, err)
	}
	z, err := edwards25519.NewScalar().SetCanonicalBytes(partial.Share)
	if err != nil {
		return fmt.Errorf("invalid signature share for signer %d: %w", partial.Index, err)
	}

	bigR, commitmentShares, err := groupCommitment(sorted, message)
	if err != nil {
		return err
	}
	commitmentShare, ok := commitmentShares[partial.Index]
	if !ok {
		return fmt.Errorf("no nonce commitment for signer %d", partial.Index)
	}
	lambda, err := lagrangeCoefficient(partial.Index, participantIndices(sorted))
	if err != nil {
		return err
	}
	c := challengeScalar(bigR.Bytes(), pkg.GroupPublicKey.Bytes(), message)

	lhs := new(edwards25519.Point).ScalarBaseMult(z)
	factor := edwards25519.NewScalar().Multiply(c, lambda)
	rhs := new(edwards25519.Point).ScalarMult(factor, verificationPoint)
	rhs.Add(rhs, commitmentShare)
	if lhs.Equal(rhs) != 1 {
		return fmt.Errorf("signature share from signer %d does not verify", partial.Index)
	}
	return nil
}

// Aggregate combines threshold-many verified partial signatures into the
// final 64-byte signature (R, z) and checks it against the group key.
func Aggregate(partials []*PartialSignature, commitments []NonceCommitment, pkg *PublicKeyPackage, message []byte) (ThresholdSignature, error) {
	if uint32(len(partials)) < pkg.Threshold {
		return nil, fmt.Errorf("%w: have %d of %d", ErrThresholdNotMet, len(partials), pkg.Threshold)
	}
	sorted, err := sortCommitments(commitments)
	if err != nil {
		return nil, err
	}
	bigR, _, err := groupCommitment(sorted, message)
	if err != nil {
		return nil, err
	}

	z := edwards25519.NewScalar()
	seen := make(map[SignerIndex]bool, len(partials))
	for _, partial := range partials {
		if seen[partial.Index] {
			return nil, fmt.Errorf("duplicate signature share from signer %d", partial.Index)
		}
		seen[partial.Index] = true
		zi, err := edwards25519.NewScalar().SetCanonicalBytes(partial.Share)
		if err != nil {
			return nil, fmt.Errorf("invalid signature share from signer %d: %w", partial.Index, err)
		}
		z.Add(z, zi)
	}

	sig := make([]byte, 0, 64)
	sig = append(sig, bigR.Bytes()...)
	sig = append(sig, z.Bytes()...)
	threshold := ThresholdSignature(sig)
	if !threshold.Verify(pkg.GroupPublicKey, message) {
		return nil, errors.New("aggregated signature does not verify")
	}
	return threshold, nil
}

func participantIndices(commitments []NonceCommitment) []SignerIndex {
	indices := make([]SignerIndex, len(commitments))
	for i, c := range commitments {
		indices[i] = c.Index
	}
	return indices
}
