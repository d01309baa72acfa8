package journal

import (
	"sort"
	"sync"

	"github.com/hxrts/aura-sub037/crypto"
)

// Journal is the per-context fact store. Each context has an exclusive
// writer (reducer execution) and many readers; readers obtain consistent
// snapshots.
type Journal struct {
	mu       sync.RWMutex
	registry *ReducerRegistry
	contexts map[crypto.ContextId]*contextLog
}

// contextLog holds one context's facts in linearized order plus the
// derived state.
type contextLog struct {
	facts    []FactEnvelope
	byHash   map[crypto.Hash32]struct{}
	clock    VectorClock
	pending  []FactEnvelope
	bindings map[string][]RelationalBinding
}

// Digest summarizes a context for anti-entropy comparison: replicas with
// equal digests hold identical fact sets.
type Digest struct {
	Count uint64        `json:"count"`
	Hash  crypto.Hash32 `json:"hash"`
}

// New creates a journal backed by the given reducer registry.
func New(registry *ReducerRegistry) *Journal {
	return &Journal{
		registry: registry,
		contexts: make(map[crypto.ContextId]*contextLog),
	}
}

// Registry returns the journal's reducer registry.
func (j *Journal) Registry() *ReducerRegistry {
	return j.registry
}

func (j *Journal) contextLocked(ctx crypto.ContextId) *contextLog {
	log, ok := j.contexts[ctx]
	if !ok {
		log = &contextLog{
			byHash:   make(map[crypto.Hash32]struct{}),
			clock:    make(VectorClock),
			bindings: make(map[string][]RelationalBinding),
		}
		j.contexts[ctx] = log
	}
	return log
}

// Insert adds a fact to the context. Facts whose causal dependencies are
// not yet satisfied are buffered and applied once their dependencies
// arrive; buffering is not an error. Duplicate facts are ignored.
func (j *Journal) Insert(ctx crypto.ContextId, fact FactEnvelope) error {
	if err := fact.Validate(); err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	log := j.contextLocked(ctx)

	hash := fact.Hash()
	if _, seen := log.byHash[hash]; seen {
		return nil
	}
	for _, buffered := range log.pending {
		if buffered.Hash() == hash {
			return nil
		}
	}

	if !fact.Clock.ReadyAfter(log.clock, fact.Author) {
		// The context clock survives compaction, so an author slot at
		// or below it was already applied even if the fact itself has
		// been compacted away. Dropping it keeps the pending buffer
		// from holding slots that can never become ready.
		if fact.Clock[fact.Author] <= log.clock[fact.Author] {
			return nil
		}
		log.pending = append(log.pending, fact)
		return nil
	}

	j.applyLocked(ctx, log, fact)
	j.drainPendingLocked(ctx, log)
	return nil
}

// Append emits a new local fact: the journal assigns its causal context
// from the context's current clock and applies it immediately. Returns
// the completed envelope as inserted.
func (j *Journal) Append(ctx crypto.ContextId, author crypto.AuthorityId, typeId string, schemaVersion uint16, payload []byte) (FactEnvelope, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	log := j.contextLocked(ctx)

	clock := log.clock.Clone()
	clock.Tick(author)
	fact := FactEnvelope{
		TypeId:        typeId,
		SchemaVersion: schemaVersion,
		Encoding:      EncodingCBOR,
		Payload:       payload,
		Author:        author,
		Clock:         clock,
	}
	if err := fact.Validate(); err != nil {
		return FactEnvelope{}, err
	}
	j.applyLocked(ctx, log, fact)
	j.drainPendingLocked(ctx, log)
	return fact, nil
}

// applyLocked inserts a causally ready fact into the linearization and
// recomputes derived bindings.
func (j *Journal) applyLocked(ctx crypto.ContextId, log *contextLog, fact FactEnvelope) {
	log.byHash[fact.Hash()] = struct{}{}
	log.clock.Merge(fact.Clock)
	log.facts = append(log.facts, fact)
	sortFacts(log.facts)
	j.recomputeBindingsLocked(ctx, log)
}

func (j *Journal) drainPendingLocked(ctx crypto.ContextId, log *contextLog) {
	for {
		applied := false
		remaining := log.pending[:0]
		for _, fact := range log.pending {
			if fact.Clock.ReadyAfter(log.clock, fact.Author) {
				j.applyLocked(ctx, log, fact)
				applied = true
			} else {
				remaining = append(remaining, fact)
			}
		}
		log.pending = remaining
		if !applied {
			return
		}
	}
}

// recomputeBindingsLocked rebuilds all bindings from the linearized fact
// sequence. Recomputing from the merged set is what makes the journal's
// merge idempotent regardless of reducer internals.
func (j *Journal) recomputeBindingsLocked(ctx crypto.ContextId, log *contextLog) {
	bindings := make(map[string][]RelationalBinding)
	for i := range log.facts {
		fact := &log.facts[i]
		if _, ok := j.registry.Lookup(fact.TypeId); !ok {
			continue
		}
		derived, err := j.registry.Reduce(ctx, fact)
		if err != nil {
			continue
		}
		for _, b := range derived {
			b.Context = ctx
			bindings[b.BindingType] = append(bindings[b.BindingType], b)
		}
	}
	log.bindings = bindings
}

// sortFacts orders facts by (causal height, envelope hash): a
// deterministic linear extension of the causal partial order.
func sortFacts(facts []FactEnvelope) {
	sort.SliceStable(facts, func(i, k int) bool {
		si, sk := facts[i].Clock.Sum(), facts[k].Clock.Sum()
		if si != sk {
			return si < sk
		}
		return facts[i].Hash().Less(facts[k].Hash())
	})
}

// Facts returns the context's facts in their deterministic order.
func (j *Journal) Facts(ctx crypto.ContextId) []FactEnvelope {
	j.mu.RLock()
	defer j.mu.RUnlock()
	log, ok := j.contexts[ctx]
	if !ok {
		return nil
	}
	out := make([]FactEnvelope, len(log.facts))
	copy(out, log.facts)
	return out
}

// PendingCount returns how many facts are buffered awaiting causal
// delivery in the context.
func (j *Journal) PendingCount(ctx crypto.ContextId) int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	log, ok := j.contexts[ctx]
	if !ok {
		return 0
	}
	return len(log.pending)
}

// Bindings returns the derived bindings of one type within a context.
func (j *Journal) Bindings(ctx crypto.ContextId, bindingType string) []RelationalBinding {
	j.mu.RLock()
	defer j.mu.RUnlock()
	log, ok := j.contexts[ctx]
	if !ok {
		return nil
	}
	out := make([]RelationalBinding, len(log.bindings[bindingType]))
	copy(out, log.bindings[bindingType])
	return out
}

// Clock returns a copy of the context's current vector clock.
func (j *Journal) Clock(ctx crypto.ContextId) VectorClock {
	j.mu.RLock()
	defer j.mu.RUnlock()
	log, ok := j.contexts[ctx]
	if !ok {
		return VectorClock{}
	}
	return log.clock.Clone()
}

// ContextDigest returns the anti-entropy digest of a context.
func (j *Journal) ContextDigest(ctx crypto.ContextId) Digest {
	j.mu.RLock()
	defer j.mu.RUnlock()
	log, ok := j.contexts[ctx]
	if !ok {
		return Digest{}
	}
	acc := crypto.Hash32{}
	for i := range log.facts {
		factHash := log.facts[i].Hash()
		acc = crypto.HashWithDomain("JOURNAL_DIGEST", acc[:], factHash[:])
	}
	return Digest{Count: uint64(len(log.facts)), Hash: acc}
}

// Merge unions another replica's facts for the context into this
// journal. The operation is commutative, associative, and idempotent.
func (j *Journal) Merge(ctx crypto.ContextId, facts []FactEnvelope) error {
	for _, fact := range facts {
		if err := j.Insert(ctx, fact); err != nil {
			return err
		}
	}
	return nil
}

// Compact prunes the context to the facts whose hashes appear in retain,
// keeping the context clock intact. Compaction is a threshold operation:
// callers must hold a commit fact authorizing the snapshot, and the
// snapshot fact itself is expected to be among the retained set.
func (j *Journal) Compact(ctx crypto.ContextId, retain map[crypto.Hash32]struct{}) {
	j.mu.Lock()
	defer j.mu.Unlock()
	log, ok := j.contexts[ctx]
	if !ok {
		return
	}
	kept := log.facts[:0]
	byHash := make(map[crypto.Hash32]struct{}, len(retain))
	for _, fact := range log.facts {
		hash := fact.Hash()
		if _, keep := retain[hash]; keep {
			kept = append(kept, fact)
			byHash[hash] = struct{}{}
		}
	}
	log.facts = kept
	log.byHash = byHash
	j.recomputeBindingsLocked(ctx, log)
}
