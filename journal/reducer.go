package journal

import (
	"fmt"
	"sync"

	"github.com/hxrts/aura-sub037/crypto"
)

// RelationalBinding is a derived, typed key/value entry produced by a
// reducer and consumed by readers.
type RelationalBinding struct {
	Context     crypto.ContextId `json:"context"`
	BindingType string           `json:"binding_type"`
	Key         string           `json:"key"`
	Value       []byte           `json:"value"`
}

// Reducer maps a fact envelope to an optional relational binding. A
// reducer must be a pure function of its inputs, and the bindings it
// produces must be insensitive to fact duplication and, across the
// linearized order, to the arrival order of concurrent facts.
type Reducer interface {
	// TypeId returns the fact type this reducer consumes.
	TypeId() string
	// MaxSchemaVersion is the highest schema version the reducer
	// understands. Envelopes above it are stored opaquely, not reduced.
	MaxSchemaVersion() uint16
	// Reduce derives bindings from one fact. A nil slice means the fact
	// contributes no bindings.
	Reduce(ctx crypto.ContextId, fact *FactEnvelope) ([]RelationalBinding, error)
}

// ReducerRegistry holds reducers by fact type. Reducers are registered
// by value at agent construction; lookups return the registered instance.
type ReducerRegistry struct {
	mu       sync.RWMutex
	reducers map[string]Reducer
}

// NewReducerRegistry creates an empty registry.
func NewReducerRegistry() *ReducerRegistry {
	return &ReducerRegistry{reducers: make(map[string]Reducer)}
}

// Register adds a reducer for its fact type, replacing any previous
// registration for that type.
func (r *ReducerRegistry) Register(reducer Reducer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reducers[reducer.TypeId()] = reducer
}

// Lookup returns the reducer for a fact type.
func (r *ReducerRegistry) Lookup(typeId string) (Reducer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reducer, ok := r.reducers[typeId]
	return reducer, ok
}

// Reduce applies the registered reducer for the fact's type. Unregistered
// types fail with ErrUnknownType; envelopes with a newer schema than the
// reducer understands are skipped.
func (r *ReducerRegistry) Reduce(ctx crypto.ContextId, fact *FactEnvelope) ([]RelationalBinding, error) {
	reducer, ok := r.Lookup(fact.TypeId)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, fact.TypeId)
	}
	if fact.SchemaVersion > reducer.MaxSchemaVersion() {
		return nil, nil
	}
	return reducer.Reduce(ctx, fact)
}
