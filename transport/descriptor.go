package transport

import (
	"fmt"
	"sync"

	"github.com/hxrts/aura-sub037/crypto"
)

// HintKind discriminates transport hints.
type HintKind string

const (
	// HintTcpDirect is a directly dialable TCP address.
	HintTcpDirect HintKind = "tcp_direct"
)

// TransportHint is one way to reach a peer.
type TransportHint struct {
	Kind HintKind `json:"kind"`
	Addr string   `json:"addr"`
}

// Descriptor advertises how to reach one (context, authority) pair.
type Descriptor struct {
	Context   crypto.ContextId   `json:"context"`
	Authority crypto.AuthorityId `json:"authority"`
	Hints     []TransportHint    `json:"hints"`
	UpdatedAt int64              `json:"updated_at"`
}

// firstDialable returns the first hint the dialer understands.
func (d *Descriptor) firstDialable() (TransportHint, bool) {
	for _, hint := range d.Hints {
		if hint.Kind == HintTcpDirect && hint.Addr != "" {
			return hint, true
		}
	}
	return TransportHint{}, false
}

// PeerResolver resolves a peer's dialable address within a context.
type PeerResolver interface {
	ResolvePeerAddr(context crypto.ContextId, peer crypto.AuthorityId) (string, error)
}

// descriptorKey identifies one advertised pair.
type descriptorKey struct {
	Context   crypto.ContextId
	Authority crypto.AuthorityId
}

// DescriptorTable is an in-memory PeerResolver fed by rendezvous
// lookups or static configuration.
type DescriptorTable struct {
	mu          sync.RWMutex
	descriptors map[descriptorKey]Descriptor
}

// NewDescriptorTable creates an empty table.
func NewDescriptorTable() *DescriptorTable {
	return &DescriptorTable{descriptors: make(map[descriptorKey]Descriptor)}
}

// Put stores or replaces a descriptor.
func (t *DescriptorTable) Put(descriptor Descriptor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.descriptors[descriptorKey{Context: descriptor.Context, Authority: descriptor.Authority}] = descriptor
}

// Remove deletes a descriptor.
func (t *DescriptorTable) Remove(context crypto.ContextId, authority crypto.AuthorityId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.descriptors, descriptorKey{Context: context, Authority: authority})
}

// Get returns the descriptor for a pair.
func (t *DescriptorTable) Get(context crypto.ContextId, authority crypto.AuthorityId) (Descriptor, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	descriptor, ok := t.descriptors[descriptorKey{Context: context, Authority: authority}]
	return descriptor, ok
}

// ResolvePeerAddr returns the peer's first dialable address.
func (t *DescriptorTable) ResolvePeerAddr(context crypto.ContextId, peer crypto.AuthorityId) (string, error) {
	descriptor, ok := t.Get(context, peer)
	if !ok {
		return "", fmt.Errorf("%w: no descriptor for %s", ErrDestinationUnreachable, peer)
	}
	hint, ok := descriptor.firstDialable()
	if !ok {
		return "", fmt.Errorf("%w: no dialable hint for %s", ErrDestinationUnreachable, peer)
	}
	return hint.Addr, nil
}
