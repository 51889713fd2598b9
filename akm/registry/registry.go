// Package registry tracks the outbound Sender for every node of every
// relationship.
package registry

import (
	"sync"

	"github.com/TheusHen/AKM/akm/transport"
)

// Registry maps relationship id and node address to a Sender. It is safe for
// concurrent use and never holds its lock while calling into a Sender.
type Registry struct {
	mu   sync.RWMutex
	rels map[uint16]map[uint64]*transport.Sender
}

func New() *Registry {
	return &Registry{rels: map[uint16]map[uint64]*transport.Sender{}}
}

// Add registers s for node unless a Sender is already present. It returns the
// registered Sender and whether s was added.
func (r *Registry) Add(relationshipID uint16, node uint64, s *transport.Sender) (*transport.Sender, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	nodes, ok := r.rels[relationshipID]
	if !ok {
		nodes = map[uint64]*transport.Sender{}
		r.rels[relationshipID] = nodes
	}
	if cur, ok := nodes[node]; ok {
		return cur, false
	}
	nodes[node] = s
	return s, true
}

func (r *Registry) Get(relationshipID uint16, node uint64) (*transport.Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.rels[relationshipID][node]
	return s, ok
}

// Relationship returns a copy of the relationship's node to Sender map.
func (r *Registry) Relationship(relationshipID uint16) map[uint64]*transport.Sender {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[uint64]*transport.Sender, len(r.rels[relationshipID]))
	for n, s := range r.rels[relationshipID] {
		out[n] = s
	}
	return out
}

// Remove drops the entry for node if it still refers to s, so a caller can
// register a replacement after a connection dies.
func (r *Registry) Remove(relationshipID uint16, node uint64, s *transport.Sender) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	nodes := r.rels[relationshipID]
	if cur, ok := nodes[node]; !ok || cur != s {
		return false
	}
	delete(nodes, node)
	if len(nodes) == 0 {
		delete(r.rels, relationshipID)
	}
	return true
}

// Len returns the number of registered Senders.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, nodes := range r.rels {
		n += len(nodes)
	}
	return n
}

// Close halts every registered Sender and empties the registry.
func (r *Registry) Close() {
	r.mu.Lock()
	var senders []*transport.Sender
	for _, nodes := range r.rels {
		for _, s := range nodes {
			senders = append(senders, s)
		}
	}
	r.rels = map[uint16]map[uint64]*transport.Sender{}
	r.mu.Unlock()

	for _, s := range senders {
		s.Halt()
	}
}
