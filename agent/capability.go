package agent

import (
	"errors"
	"fmt"
	"io"

	"github.com/hxrts/aura-sub037/crypto"
	"github.com/hxrts/aura-sub037/storage"
	"github.com/hxrts/aura-sub037/transport"
)

// HandlerKind tags the capability slots of an agent.
type HandlerKind uint8

const (
	// KindCrypto covers signing, hashing, and FROST operations.
	KindCrypto HandlerKind = iota
	// KindStorage covers the key-value store.
	KindStorage
	// KindTransport covers envelope send and poll.
	KindTransport
	// KindTime covers provenanced clocks.
	KindTime
	// KindRandom covers the entropy source.
	KindRandom
	// KindConsole covers operator-facing output.
	KindConsole
)

// String implements fmt.Stringer.
func (k HandlerKind) String() string {
	switch k {
	case KindCrypto:
		return "crypto"
	case KindStorage:
		return "storage"
	case KindTransport:
		return "transport"
	case KindTime:
		return "time"
	case KindRandom:
		return "random"
	case KindConsole:
		return "console"
	default:
		return fmt.Sprintf("handler(%d)", uint8(k))
	}
}

// ErrUnsupported indicates a capability the agent was constructed
// without.
var ErrUnsupported = errors.New("capability not supported")

// EnvelopeSender delivers envelopes to remote peers.
type EnvelopeSender interface {
	Send(envelope *transport.TransportEnvelope) error
}

// Console is operator-facing output. Binaries attach a real writer;
// headless agents leave it nil.
type Console interface {
	Printf(format string, args ...any)
}

// CryptoEffects is the signing surface handed to protocol components.
type CryptoEffects struct {
	entropy io.Reader
}

// Sign signs data with an ed25519 key.
func (c *CryptoEffects) Sign(key crypto.PrivateKey, data []byte) (crypto.Signature, error) {
	return crypto.Sign(key, data)
}

// GenerateKeyPair mints a key pair from the agent's entropy source.
func (c *CryptoEffects) GenerateKeyPair() (crypto.PublicKey, crypto.PrivateKey, error) {
	return crypto.GenerateKeyPairFrom(c.entropy)
}

// FrostVerify verifies a threshold signature under a group public key.
func (c *CryptoEffects) FrostVerify(sig crypto.ThresholdSignature, groupKey crypto.PublicKey, data []byte) bool {
	return sig.Verify(groupKey, data)
}

// Hash computes a domain-separated Hash32.
func (c *CryptoEffects) Hash(domain string, parts ...[]byte) crypto.Hash32 {
	return crypto.HashWithDomain(domain, parts...)
}

// Entropy exposes the mode-selected randomness source.
func (c *CryptoEffects) Entropy() io.Reader {
	return c.entropy
}

// Capabilities is the closed set of effect handlers an agent runs with.
// Absent slots answer ErrUnsupported through the accessors.
type Capabilities struct {
	Crypto    *CryptoEffects
	Storage   storage.Store
	Transport EnvelopeSender
	Clock     Clock
	Random    io.Reader
	Console   Console
}

// Require returns an error naming the first missing handler among the
// requested kinds.
func (c *Capabilities) Require(kinds ...HandlerKind) error {
	for _, kind := range kinds {
		var present bool
		switch kind {
		case KindCrypto:
			present = c.Crypto != nil
		case KindStorage:
			present = c.Storage != nil
		case KindTransport:
			present = c.Transport != nil
		case KindTime:
			present = c.Clock != nil
		case KindRandom:
			present = c.Random != nil
		case KindConsole:
			present = c.Console != nil
		}
		if !present {
			return fmt.Errorf("%w: %s", ErrUnsupported, kind)
		}
	}
	return nil
}
