package journal

import (
	"sort"

	"github.com/hxrts/aura-sub037/crypto"
)

// VectorClock is a causal context keyed by authority. A fact's clock
// records, per authority, how many of that authority's facts causally
// precede it (inclusive of itself for the emitting authority).
type VectorClock map[crypto.AuthorityId]uint64

// Clone returns a deep copy of the clock.
func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	for k, v := range vc {
		out[k] = v
	}
	return out
}

// Merge sets vc to the pointwise maximum of vc and other.
func (vc VectorClock) Merge(other VectorClock) {
	for k, v := range other {
		if v > vc[k] {
			vc[k] = v
		}
	}
}

// Tick increments the author's component and returns the new value.
func (vc VectorClock) Tick(author crypto.AuthorityId) uint64 {
	vc[author]++
	return vc[author]
}

// Dominates reports whether vc >= other pointwise.
func (vc VectorClock) Dominates(other VectorClock) bool {
	for k, v := range other {
		if vc[k] < v {
			return false
		}
	}
	return true
}

// HappensBefore reports whether vc < other: vc is dominated by other and
// differs from it.
func (vc VectorClock) HappensBefore(other VectorClock) bool {
	return other.Dominates(vc) && !vc.Dominates(other)
}

// Concurrent reports whether neither clock dominates the other.
func (vc VectorClock) Concurrent(other VectorClock) bool {
	return !vc.Dominates(other) && !other.Dominates(vc)
}

// Sum returns the total of all components. For any two causally related
// clocks the later one has the strictly larger sum, so (Sum, hash) is a
// linear extension of the causal partial order.
func (vc VectorClock) Sum() uint64 {
	var total uint64
	for _, v := range vc {
		total += v
	}
	return total
}

// ReadyAfter reports whether a fact authored with this clock is causally
// deliverable on top of local: the author's component must be exactly the
// next expected value and every other component must already be covered.
func (vc VectorClock) ReadyAfter(local VectorClock, author crypto.AuthorityId) bool {
	if vc[author] != local[author]+1 {
		return false
	}
	for k, v := range vc {
		if k == author {
			continue
		}
		if v > local[k] {
			return false
		}
	}
	return true
}

// canonicalBytes encodes the clock deterministically for hashing.
func (vc VectorClock) canonicalBytes() []byte {
	keys := make([]crypto.AuthorityId, 0, len(vc))
	for k := range vc {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	out := make([]byte, 0, len(keys)*24)
	for _, k := range keys {
		out = append(out, k.Bytes()...)
		v := vc[k]
		out = append(out,
			byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
			byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	}
	return out
}
