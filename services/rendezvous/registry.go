// Package rendezvous is the descriptor registry service: agents publish
// signed transport descriptors and resolve peers through it. The
// consensus and journal cores never talk to it directly.
package rendezvous

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hxrts/aura-sub037/consensus"
	"github.com/hxrts/aura-sub037/crypto"
	"github.com/hxrts/aura-sub037/transport"
)

// Registry accepts signed descriptor registrations and serves peer
// resolution. The first registration for a (context, authority) pair
// binds that pair to the signer's public key; later updates must be
// signed by the same key.
type Registry struct {
	mu    sync.RWMutex
	table *transport.DescriptorTable
	keys  map[registryKey]crypto.PublicKey
	now   func() int64
}

type registryKey struct {
	Context   crypto.ContextId
	Authority crypto.AuthorityId
}

// NewRegistry creates an empty registry stamping registrations with the
// given clock (unix seconds).
func NewRegistry(now func() int64) *Registry {
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	return &Registry{
		table: transport.NewDescriptorTable(),
		keys:  make(map[registryKey]crypto.PublicKey),
		now:   now,
	}
}

// Table exposes the registry's descriptor table as a PeerResolver.
func (r *Registry) Table() *transport.DescriptorTable {
	return r.table
}

// RegisterRoutes attaches the registry's public routes.
func (r *Registry) RegisterRoutes(router chi.Router) {
	router.Post("/descriptors", r.handlePublish)
	router.Delete("/descriptors/{context}/{authority}", r.handleRemove)
	router.Get("/descriptors/{context}/{authority}", r.handleGet)
	router.Get("/resolve/{context}/{authority}", r.handleResolve)
}

// Router returns a ready chi router with the standard middleware.
func (r *Registry) Router() chi.Router {
	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	r.RegisterRoutes(router)
	return router
}

// PublishResponse acknowledges a stored descriptor.
type PublishResponse struct {
	Success   bool               `json:"success"`
	Authority crypto.AuthorityId `json:"authority"`
	UpdatedAt int64              `json:"updated_at"`
}

// ResolveResponse carries a resolved peer address.
type ResolveResponse struct {
	Addr string `json:"addr"`
}

func (r *Registry) handlePublish(w http.ResponseWriter, req *http.Request) {
	var signed consensus.Signed[transport.Descriptor]
	if err := json.NewDecoder(req.Body).Decode(&signed); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	descriptor, signer, err := signed.Recover()
	if err != nil {
		http.Error(w, fmt.Errorf("invalid signature: %w", err).Error(), http.StatusForbidden)
		return
	}
	if descriptor.Authority.IsZero() || descriptor.Context.IsZero() {
		http.Error(w, "descriptor missing context or authority", http.StatusBadRequest)
		return
	}
	if len(descriptor.Hints) == 0 {
		http.Error(w, "descriptor carries no hints", http.StatusBadRequest)
		return
	}

	key := registryKey{Context: descriptor.Context, Authority: descriptor.Authority}

	r.mu.Lock()
	if bound, ok := r.keys[key]; ok && !bound.Equal(signer) {
		r.mu.Unlock()
		http.Error(w, "signer does not match registered key", http.StatusForbidden)
		return
	}
	r.keys[key] = signer
	descriptor.UpdatedAt = r.now()
	r.table.Put(*descriptor)
	r.mu.Unlock()

	json.NewEncoder(w).Encode(&PublishResponse{
		Success:   true,
		Authority: descriptor.Authority,
		UpdatedAt: descriptor.UpdatedAt,
	})
}

func (r *Registry) handleRemove(w http.ResponseWriter, req *http.Request) {
	contextId, authority, ok := pathPair(w, req)
	if !ok {
		return
	}

	r.mu.Lock()
	r.table.Remove(contextId, authority)
	delete(r.keys, registryKey{Context: contextId, Authority: authority})
	r.mu.Unlock()

	w.WriteHeader(http.StatusOK)
}

func (r *Registry) handleGet(w http.ResponseWriter, req *http.Request) {
	contextId, authority, ok := pathPair(w, req)
	if !ok {
		return
	}

	descriptor, found := r.table.Get(contextId, authority)
	if !found {
		http.Error(w, "no descriptor", http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(&descriptor)
}

func (r *Registry) handleResolve(w http.ResponseWriter, req *http.Request) {
	contextId, authority, ok := pathPair(w, req)
	if !ok {
		return
	}

	addr, err := r.table.ResolvePeerAddr(contextId, authority)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(&ResolveResponse{Addr: addr})
}

func pathPair(w http.ResponseWriter, req *http.Request) (crypto.ContextId, crypto.AuthorityId, bool) {
	contextId, err := crypto.NewIDFromString(chi.URLParam(req, "context"))
	if err != nil {
		http.Error(w, "invalid context id", http.StatusBadRequest)
		return crypto.ContextId{}, crypto.AuthorityId{}, false
	}
	authority, err := crypto.NewIDFromString(chi.URLParam(req, "authority"))
	if err != nil {
		http.Error(w, "invalid authority id", http.StatusBadRequest)
		return crypto.ContextId{}, crypto.AuthorityId{}, false
	}
	return contextId, authority, true
}
