// Package crypto provides the cryptographic primitives of the Aura core.
//
// This package implements the low-level operations the rest of the system
// is built on, including:
//
//   - Stable 16-byte identifiers for authorities, devices, guardians,
//     contexts, accounts, channels, and sessions
//   - BLAKE3 hashing with explicit domain separation (Hash32)
//   - Ed25519 signatures for single-device authentication
//   - FROST threshold signatures (Schnorr over edwards25519) for
//     authority cohorts
//
// A FROST cohort of n signers with threshold t produces one 64-byte
// aggregate signature that verifies against the cohort's group public
// key. Key material is dealt with a trusted dealer (Shamir sharing of
// the group secret); signing is the two-round FROST flow, with nonce
// commitments optionally exchanged ahead of time so that the consensus
// fast path needs a single round trip.
package crypto
