package memory

import (
	"sort"
	"sync"

	"github.com/TheusHen/AKM/akm/discovery"
)

type nodeKey struct {
	rel  uint16
	node uint64
}

// Store is an in-memory discovery resolver.
// The node loads it from configuration; tests use it directly.
type Store struct {
	mu    sync.RWMutex
	nodes map[nodeKey]discovery.Endpoint
}

func New() *Store {
	return &Store{nodes: map[nodeKey]discovery.Endpoint{}}
}

func (s *Store) Announce(ep discovery.Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[nodeKey{ep.RelationshipID, ep.Node}] = ep
	return nil
}

func (s *Store) Lookup(relationshipID uint16, node uint64) (discovery.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.nodes[nodeKey{relationshipID, node}]
	if !ok {
		return discovery.Endpoint{}, discovery.ErrNotFound
	}
	return ep, nil
}

// List returns the relationship's endpoints ordered by node address.
func (s *Store) List(relationshipID uint16) ([]discovery.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]discovery.Endpoint, 0)
	for k, ep := range s.nodes {
		if k.rel == relationshipID {
			out = append(out, ep)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Node < out[j].Node })
	return out, nil
}
