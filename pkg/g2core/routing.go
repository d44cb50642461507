package g2core

import (
	"log/slog"
	"time"
)

const defaultRouteTTL = 600 * time.Second

// route is one routing-table entry: either a live neighbour (route through
// a connected peer) or a bare UDP endpoint (route via an acked datagram
// relayed through a hub we're not directly connected to). Exactly one of
// the two is set, matching the "neighbour-backed supersedes UDP-backed"
// tie-break rule in InsertNeighbour and InsertUDP.
type route struct {
	neighbour *Neighbour
	udp       Endpoint
	expiresAt time.Time
}

func (r *route) isNeighbour() bool { return r.neighbour != nil }

// RoutingTable maps a GUID to the neighbour or UDP endpoint it was last
// seen arriving from. It is owned by the NetworkCore and mutated only
// under the core mutex, per the lock ordering in §5 — it carries no lock
// of its own.
type RoutingTable struct {
	ttl     time.Duration
	entries map[GUID]*route
	logger  *slog.Logger
}

// NewRoutingTable constructs an empty table with the default 600s TTL.
func NewRoutingTable(logger *slog.Logger) *RoutingTable {
	if logger == nil {
		logger = slog.Default()
	}
	return &RoutingTable{
		ttl:     defaultRouteTTL,
		entries: make(map[GUID]*route),
		logger:  logger,
	}
}

// Len returns the number of live entries.
func (rt *RoutingTable) Len() int { return len(rt.entries) }

// InsertNeighbour records that guid was last seen arriving from n,
// refreshing the entry's TTL. A neighbour-backed route always overwrites
// a UDP-backed route for the same guid (route purity, P2): once we can
// reach a GUID directly, a stale indirect path is no longer authoritative.
func (rt *RoutingTable) InsertNeighbour(guid GUID, n *Neighbour, now time.Time) {
	rt.entries[guid] = &route{neighbour: n, expiresAt: now.Add(rt.ttl)}
}

// InsertUDP records that guid was last seen reachable via the given UDP
// endpoint. It never overwrites an existing neighbour-backed route for the
// same guid — a bare UDP sighting must not demote a direct path.
func (rt *RoutingTable) InsertUDP(guid GUID, ep Endpoint, now time.Time) {
	if existing, ok := rt.entries[guid]; ok && existing.isNeighbour() {
		return
	}
	rt.entries[guid] = &route{udp: ep, expiresAt: now.Add(rt.ttl)}
}

// Find looks up guid, returning either a live neighbour or a UDP endpoint.
// A neighbour whose State is no longer StateConnected is treated as a miss
// and purged, since a closing neighbour is never a valid route (P2).
func (rt *RoutingTable) Find(guid GUID, now time.Time) (n *Neighbour, ep Endpoint, ok bool) {
	r, found := rt.entries[guid]
	if !found {
		return nil, Endpoint{}, false
	}
	if now.After(r.expiresAt) {
		delete(rt.entries, guid)
		return nil, Endpoint{}, false
	}
	if r.isNeighbour() {
		if r.neighbour.State != StateConnected {
			delete(rt.entries, guid)
			return nil, Endpoint{}, false
		}
		return r.neighbour, Endpoint{}, true
	}
	return nil, r.udp, true
}

// RemoveNeighbour purges every entry routed through n. Called when n is
// dropped so the table never points at a dead neighbour (P2).
func (rt *RoutingTable) RemoveNeighbour(n *Neighbour) {
	for guid, r := range rt.entries {
		if r.isNeighbour() && r.neighbour == n {
			delete(rt.entries, guid)
		}
	}
}

// ExpireOld sweeps every entry past its TTL. NetworkCore's tick calls it
// every 60 ticks.
func (rt *RoutingTable) ExpireOld(now time.Time) int {
	purged := 0
	for guid, r := range rt.entries {
		if now.After(r.expiresAt) {
			delete(rt.entries, guid)
			purged++
		}
	}
	return purged
}

// Clear drops every entry, used on disconnect().
func (rt *RoutingTable) Clear() {
	rt.entries = make(map[GUID]*route)
}

// RoutePacketThrough routes p to guid using an explicit origin
// (routePacketThrough, §4.2): it trusts the origin is who it claims, looks
// up the destination, and forwards — applying the trust-matrix rule that
// only a CONNECTED neighbour or a live UDP route may receive a forward.
// send is the caller's delivery callback for a neighbour-backed route;
// sendUDP for a UDP-backed one. Returns ErrNoRoute on a miss (Logical-drop,
// logged at debug level but never surfaced as an error to the origin).
func (rt *RoutingTable) RoutePacketThrough(guid GUID, p Packet, now time.Time,
	send func(*Neighbour, Packet) error, sendUDP func(Endpoint, Packet) error) error {

	n, ep, ok := rt.Find(guid, now)
	if !ok {
		if rt.logger != nil {
			rt.logger.Debug("route_miss", "guid", guid.String())
		}
		return ErrNoRoute
	}
	if n != nil {
		return send(n, p)
	}
	if rt.logger != nil {
		rt.logger.Debug("route_via_udp", "guid", guid.String(), "endpoint", ep.String())
	}
	return sendUDP(ep, p)
}
