// Package dht implements a Kademlia-compatible distributed hash table:
// routing table, iterative lookups, and the PING/STORE/FIND_NODE/
// FIND_VALUE RPCs exchanged over UDP.
package dht

import (
	"fmt"
	"time"

	"github.com/Amuroboclub14/p2p-cas-research/pkg/nodeid"
)

// Contact is a peer's identity and network address as carried in
// routing-table entries and RPC responses.
type Contact struct {
	ID       nodeid.ID
	Addr     string
	LastSeen time.Time
}

// IsValid reports whether the contact has a non-zero ID and an address.
func (c *Contact) IsValid() bool {
	return !c.ID.IsZero() && c.Addr != ""
}

// UpdateLastSeen marks the contact as just having been heard from.
func (c *Contact) UpdateLastSeen() {
	c.LastSeen = time.Now()
}

// IsStale reports whether the contact has not been heard from in timeout.
func (c *Contact) IsStale(timeout time.Duration) bool {
	return time.Since(c.LastSeen) > timeout
}

// Copy returns an independent copy of the contact.
func (c *Contact) Copy() *Contact {
	cp := *c
	return &cp
}

// String returns a short human-readable form for logs.
func (c *Contact) String() string {
	return fmt.Sprintf("Contact{%s @ %s}", c.ID.String()[:16], c.Addr)
}
