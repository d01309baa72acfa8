package crypto

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// Helper to deal a cohort and sign a message with the given subset.
func signWithSubset(t *testing.T, shares []KeyShare, pkg *PublicKeyPackage, subset []int, message []byte) ThresholdSignature {
	nonces := make(map[SignerIndex]*SigningNonce)
	commitments := make([]NonceCommitment, 0, len(subset))
	for _, i := range subset {
		nonce, commitment, err := GenerateNonce(shares[i].Index, rand.Reader)
		require.NoError(t, err)
		nonces[shares[i].Index] = nonce
		commitments = append(commitments, *commitment)
	}

	partials := make([]*PartialSignature, 0, len(subset))
	for _, i := range subset {
		partial, err := PartialSign(shares[i], nonces[shares[i].Index], commitments, pkg, message)
		require.NoError(t, err)
		require.NoError(t, VerifyPartial(partial, commitments, pkg, message))
		partials = append(partials, partial)
	}

	sig, err := Aggregate(partials, commitments, pkg, message)
	require.NoError(t, err)
	return sig
}

func TestDealKeySharesRejectsInvalidThreshold(t *testing.T) {
	_, _, err := DealKeyShares(1, 3, rand.Reader)
	require.ErrorIs(t, err, ErrInvalidThreshold)

	_, _, err = DealKeyShares(4, 3, rand.Reader)
	require.ErrorIs(t, err, ErrInvalidThreshold)

	_, _, err = DealKeyShares(2, 0, rand.Reader)
	require.ErrorIs(t, err, ErrInvalidThreshold)
}

func TestThresholdSignTwoOfThree(t *testing.T) {
	shares, pkg, err := DealKeyShares(2, 3, rand.Reader)
	require.NoError(t, err)
	require.Len(t, shares, 3)
	require.Equal(t, uint32(2), pkg.Threshold)

	message := []byte("add guardian leaf")
	sig := signWithSubset(t, shares, pkg, []int{0, 2}, message)
	require.True(t, sig.Verify(pkg.GroupPublicKey, message))
	require.False(t, sig.Verify(pkg.GroupPublicKey, []byte("different operation")))
}

func TestThresholdSignAnySubsetVerifies(t *testing.T) {
	shares, pkg, err := DealKeyShares(3, 5, rand.Reader)
	require.NoError(t, err)

	message := []byte("rotate epoch")
	for _, subset := range [][]int{{0, 1, 2}, {1, 3, 4}, {0, 2, 4}} {
		sig := signWithSubset(t, shares, pkg, subset, message)
		require.True(t, sig.Verify(pkg.GroupPublicKey, message))
	}
}

func TestAggregateBelowThresholdFails(t *testing.T) {
	shares, pkg, err := DealKeyShares(3, 4, rand.Reader)
	require.NoError(t, err)

	message := []byte("remove leaf")
	nonce0, commit0, err := GenerateNonce(shares[0].Index, rand.Reader)
	require.NoError(t, err)
	nonce1, commit1, err := GenerateNonce(shares[1].Index, rand.Reader)
	require.NoError(t, err)
	commitments := []NonceCommitment{*commit0, *commit1}

	p0, err := PartialSign(shares[0], nonce0, commitments, pkg, message)
	require.NoError(t, err)
	p1, err := PartialSign(shares[1], nonce1, commitments, pkg, message)
	require.NoError(t, err)

	_, err = Aggregate([]*PartialSignature{p0, p1}, commitments, pkg, message)
	require.ErrorIs(t, err, ErrThresholdNotMet)
}

func TestNonceConsumedAfterSigning(t *testing.T) {
	shares, pkg, err := DealKeyShares(2, 2, rand.Reader)
	require.NoError(t, err)

	message := []byte("change policy")
	nonce0, commit0, err := GenerateNonce(shares[0].Index, rand.Reader)
	require.NoError(t, err)
	_, commit1, err := GenerateNonce(shares[1].Index, rand.Reader)
	require.NoError(t, err)
	commitments := []NonceCommitment{*commit0, *commit1}

	_, err = PartialSign(shares[0], nonce0, commitments, pkg, message)
	require.NoError(t, err)

	_, err = PartialSign(shares[0], nonce0, commitments, pkg, message)
	require.ErrorIs(t, err, ErrNonceConsumed)
}

func TestVerifyPartialRejectsTamperedShare(t *testing.T) {
	shares, pkg, err := DealKeyShares(2, 3, rand.Reader)
	require.NoError(t, err)

	message := []byte("set tree root")
	nonce0, commit0, err := GenerateNonce(shares[0].Index, rand.Reader)
	require.NoError(t, err)
	_, commit1, err := GenerateNonce(shares[1].Index, rand.Reader)
	require.NoError(t, err)
	commitments := []NonceCommitment{*commit0, *commit1}

	partial, err := PartialSign(shares[0], nonce0, commitments, pkg, message)
	require.NoError(t, err)

	// Flipping a byte of the share must fail verification.
	tampered := &PartialSignature{Index: partial.Index, Share: append([]byte(nil), partial.Share...)}
	tampered.Share[0] ^= 0x01
	require.Error(t, VerifyPartial(tampered, commitments, pkg, message))
}

func TestPublicKeyPackageRoundTrip(t *testing.T) {
	_, pkg, err := DealKeyShares(2, 3, rand.Reader)
	require.NoError(t, err)

	encoded, err := pkg.Encode()
	require.NoError(t, err)
	decoded, err := DecodePublicKeyPackage(encoded)
	require.NoError(t, err)
	require.Equal(t, pkg.Threshold, decoded.Threshold)
	require.True(t, pkg.GroupPublicKey.Equal(decoded.GroupPublicKey))
	require.Len(t, decoded.VerificationShares, 3)
}
