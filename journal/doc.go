// Package journal implements the per-context fact journal: an
// append-only, causally-delivered log of typed facts forming a CRDT.
//
// Facts carry a vector clock keyed by authority; within one context they
// are linearized deterministically (causal order, then lexicographic
// envelope hash) so that every replica holding the same fact set reduces
// to identical relational bindings. Merging two journal states is
// set-union of facts followed by recomputation of bindings, which makes
// the merge commutative, associative, and idempotent as long as the
// registered reducers are.
package journal
