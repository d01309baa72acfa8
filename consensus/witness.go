package consensus

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hxrts/aura-sub037/crypto"
)

// WitnessIdentity binds an authority to its signer index within the
// cohort and the device key its consensus messages are signed with.
type WitnessIdentity struct {
	Authority  crypto.AuthorityId `json:"authority"`
	Index      crypto.SignerIndex `json:"index"`
	MessageKey crypto.PublicKey   `json:"message_key"`
}

// WitnessSet is the cohort of one consensus instance: the witnesses,
// the signing threshold, and the group key package the aggregate must
// verify under.
type WitnessSet struct {
	Witnesses []WitnessIdentity        `json:"witnesses"`
	Threshold uint32                   `json:"threshold"`
	GroupKey  *crypto.PublicKeyPackage `json:"group_key"`
}

// Validate checks the set's structural invariants.
func (ws *WitnessSet) Validate() error {
	if uint32(len(ws.Witnesses)) < ws.Threshold {
		return fmt.Errorf("%w: %d witnesses, threshold %d", ErrInsufficientParticipants, len(ws.Witnesses), ws.Threshold)
	}
	if ws.Threshold < crypto.MinThreshold {
		return fmt.Errorf("%w: %d", crypto.ErrInvalidThreshold, ws.Threshold)
	}
	seen := make(map[crypto.AuthorityId]struct{}, len(ws.Witnesses))
	for _, w := range ws.Witnesses {
		if _, dup := seen[w.Authority]; dup {
			return fmt.Errorf("duplicate witness %s", w.Authority)
		}
		seen[w.Authority] = struct{}{}
	}
	return nil
}

// Lookup returns the identity of the given authority.
func (ws *WitnessSet) Lookup(authority crypto.AuthorityId) (WitnessIdentity, bool) {
	for _, w := range ws.Witnesses {
		if w.Authority == authority {
			return w, true
		}
	}
	return WitnessIdentity{}, false
}

// ByIndex returns the identity with the given signer index.
func (ws *WitnessSet) ByIndex(index crypto.SignerIndex) (WitnessIdentity, bool) {
	for _, w := range ws.Witnesses {
		if w.Index == index {
			return w, true
		}
	}
	return WitnessIdentity{}, false
}

// Authorities returns the witness authority ids.
func (ws *WitnessSet) Authorities() []crypto.AuthorityId {
	out := make([]crypto.AuthorityId, len(ws.Witnesses))
	for i, w := range ws.Witnesses {
		out[i] = w.Authority
	}
	return out
}

// sortedByIndex returns the witnesses ordered by signer index, the
// protocol's tie-break order.
func (ws *WitnessSet) sortedByIndex() []WitnessIdentity {
	out := make([]WitnessIdentity, len(ws.Witnesses))
	copy(out, ws.Witnesses)
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// NonceCache holds the latest published nonce commitment per witness.
// The coordinator reads it to assemble the fast-path commitment list;
// every SignShare's next_commitment refreshes it.
type NonceCache struct {
	mu          sync.RWMutex
	commitments map[crypto.AuthorityId]crypto.NonceCommitment
}

// NewNonceCache creates an empty cache.
func NewNonceCache() *NonceCache {
	return &NonceCache{commitments: make(map[crypto.AuthorityId]crypto.NonceCommitment)}
}

// Put stores a witness's latest commitment, replacing any previous one.
func (c *NonceCache) Put(authority crypto.AuthorityId, commitment crypto.NonceCommitment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commitments[authority] = commitment
}

// Get returns the cached commitment for a witness.
func (c *NonceCache) Get(authority crypto.AuthorityId) (crypto.NonceCommitment, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	commitment, ok := c.commitments[authority]
	return commitment, ok
}

// Take removes and returns the cached commitment for a witness. A
// commitment must never be used for two signing sessions.
func (c *NonceCache) Take(authority crypto.AuthorityId) (crypto.NonceCommitment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	commitment, ok := c.commitments[authority]
	if ok {
		delete(c.commitments, authority)
	}
	return commitment, ok
}

// selectSigners picks the fast-path signing subset: the first threshold
// witnesses in signer-index order that have a cached commitment. The
// returned commitments are consumed from the cache.
func (c *NonceCache) selectSigners(set *WitnessSet) ([]crypto.NonceCommitment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	selected := make([]crypto.NonceCommitment, 0, set.Threshold)
	chosen := make([]crypto.AuthorityId, 0, set.Threshold)
	for _, w := range set.sortedByIndex() {
		commitment, ok := c.commitments[w.Authority]
		if !ok {
			continue
		}
		selected = append(selected, commitment)
		chosen = append(chosen, w.Authority)
		if uint32(len(selected)) == set.Threshold {
			break
		}
	}
	if uint32(len(selected)) < set.Threshold {
		return nil, false
	}
	for _, a := range chosen {
		delete(c.commitments, a)
	}
	return selected, true
}
