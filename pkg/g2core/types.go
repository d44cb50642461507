// Package g2core implements the network core of a Gnutella2 peer: overlay
// connectivity, packet routing between neighbours, adaptive hub/leaf role
// balancing, and the managed-search engine that paces distributed keyword
// queries under flow and rate limits.
//
// The core owns a single mutex (NetworkCore.mu) serialising every mutation
// of the neighbour set, the routing table, the search registry, and the
// role counters. The mutex is not reentrant: code that already holds it
// calls the *Locked helpers. Socket callbacks and the 1 Hz tick both acquire it;
// per-peer code invoked while it is held must never block.
package g2core

import (
	"net"
	"strconv"

	"github.com/google/uuid"
)

// GUID is a 128-bit Gnutella2 routing identifier: a search key or a
// destination tag carried by a packet's "TO" child. uuid.UUID is the same
// 16-byte shape the wire format uses.
type GUID = uuid.UUID

// NewGUID returns a fresh random GUID suitable for a new search or route key.
func NewGUID() GUID {
	return uuid.New()
}

// Endpoint is an (IPv4 or IPv6, port) pair. Equality is by both fields.
type Endpoint struct {
	IP   net.IP
	Port uint16
}

// Equal reports whether two endpoints address the same host and port.
func (e Endpoint) Equal(o Endpoint) bool {
	return e.Port == o.Port && e.IP.Equal(o.IP)
}

// IsZero reports whether the endpoint carries no address.
func (e Endpoint) IsZero() bool {
	return e.IP == nil && e.Port == 0
}

func (e Endpoint) String() string {
	if e.IP == nil {
		return "<nil>:" + strconv.Itoa(int(e.Port))
	}
	return net.JoinHostPort(e.IP.String(), strconv.Itoa(int(e.Port)))
}

// EncodedLen returns the wire length of e's address+port encoding (§6):
// 6 bytes for an IPv4 endpoint, 18 for IPv6.
func (e Endpoint) EncodedLen() int {
	if e.IP != nil && e.IP.To4() == nil {
		return 18
	}
	return 6
}

// Role is a neighbour's negotiated position in the overlay mesh.
type Role int

const (
	RoleUnknown Role = iota
	RoleHub
	RoleLeaf
)

func (r Role) String() string {
	switch r {
	case RoleHub:
		return "hub"
	case RoleLeaf:
		return "leaf"
	default:
		return "unknown"
	}
}

// NeighbourState is a neighbour session's position in its connection
// lifecycle: CONNECTING -> HANDSHAKING -> CONNECTED -> CLOSING -> (removed).
type NeighbourState int

const (
	StateConnecting NeighbourState = iota
	StateHandshaking
	StateConnected
	StateClosing
)

func (s NeighbourState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// SearchState is a ManagedSearch's position in its own lifecycle.
type SearchState int

const (
	SearchInactive SearchState = iota
	SearchActive
	SearchPaused
)

func (s SearchState) String() string {
	switch s {
	case SearchActive:
		return "active"
	case SearchPaused:
		return "paused"
	default:
		return "inactive"
	}
}
