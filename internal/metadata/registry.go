package metadata

import (
	"slices"
	"sync"
	"time"
)

type peer struct {
	gen   uint64
	since time.Time
}

// Registry is the set of currently connected consumer endpoints. Entries are
// tagged with the connection generation that added them so a late disconnect
// from an old connection cannot evict its replacement.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]peer
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]peer)}
}

// Add records addr as connected by connection generation gen.
func (r *Registry) Add(addr string, gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[addr] = peer{gen: gen, since: time.Now()}
}

// Remove forgets addr if it is still held by generation gen.
func (r *Registry) Remove(addr string, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.peers[addr]
	if !ok || current.gen != gen {
		return false
	}
	delete(r.peers, addr)
	return true
}

// Clear forgets every peer.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.peers)
}

// Len returns the number of connected peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// List returns the connected endpoints in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.peers))
	for addr := range r.peers {
		out = append(out, addr)
	}
	slices.Sort(out)
	return out
}
