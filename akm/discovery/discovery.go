// Package discovery resolves relationship node addresses to network
// endpoints.
package discovery

import (
	"errors"
	"net/netip"
)

var (
	ErrNotFound = errors.New("discovery: node not found")
)

// Endpoint is where a node of a relationship accepts connections.
type Endpoint struct {
	RelationshipID uint16
	Node           uint64
	Addr           netip.AddrPort
	// Transport is "tcp" or "quic".
	Transport string
}

// Resolver is a generic discovery interface.
// Implementations can be backed by static configuration, DNS, etc.
type Resolver interface {
	Announce(ep Endpoint) error
	Lookup(relationshipID uint16, node uint64) (Endpoint, error)
	List(relationshipID uint16) ([]Endpoint, error)
}
