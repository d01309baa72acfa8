package crypto

import (
	"fmt"
	"io"

	"filippo.io/edwards25519"
)

// DealKeyShares generates a FROST cohort with a trusted dealer: a random
// group secret is Shamir-shared across n participants with threshold t.
// The returned shares are indexed 1..n. Construction with t < MinThreshold
// or t > n fails with ErrInvalidThreshold.
func DealKeyShares(threshold, participants uint32, entropy io.Reader) ([]KeyShare, *PublicKeyPackage, error) {
	if threshold < MinThreshold || participants == 0 || threshold > participants {
		return nil, nil, fmt.Errorf("%w: %d-of-%d", ErrInvalidThreshold, threshold, participants)
	}

	// f(x) = a_0 + a_1 x + ... + a_{t-1} x^{t-1}, secret at f(0)
	coefficients := make([]*edwards25519.Scalar, threshold)
	for i := range coefficients {
		s, err := randomScalar(entropy)
		if err != nil {
			return nil, nil, err
		}
		coefficients[i] = s
	}

	groupPoint := new(edwards25519.Point).ScalarBaseMult(coefficients[0])
	pkg := &PublicKeyPackage{
		GroupPublicKey:     NewPublicKeyFromBytes(groupPoint.Bytes()),
		VerificationShares: make(map[SignerIndex]PublicKey, participants),
		Threshold:          threshold,
	}

	shares := make([]KeyShare, 0, participants)
	for i := uint32(1); i <= participants; i++ {
		index := SignerIndex(i)
		secret := evaluatePolynomial(coefficients, index)
		verification := new(edwards25519.Point).ScalarBaseMult(secret)
		pkg.VerificationShares[index] = NewPublicKeyFromBytes(verification.Bytes())
		shares = append(shares, KeyShare{Index: index, Secret: secret.Bytes()})
	}
	return shares, pkg, nil
}

// evaluatePolynomial computes f(index) by Horner's rule.
func evaluatePolynomial(coefficients []*edwards25519.Scalar, index SignerIndex) *edwards25519.Scalar {
	x := scalarFromIndex(index)
	result := edwards25519.NewScalar().Set(coefficients[len(coefficients)-1])
	for i := len(coefficients) - 2; i >= 0; i-- {
		result.Multiply(result, x)
		result.Add(result, coefficients[i])
	}
	return result
}

func randomScalar(entropy io.Reader) (*edwards25519.Scalar, error) {
	var wide [64]byte
	if _, err := io.ReadFull(entropy, wide[:]); err != nil {
		return nil, fmt.Errorf("could not read entropy: %w", err)
	}
	return scalarFromWide(wide), nil
}
