package g2core

import (
	"time"
)

// NeighbourTuning bundles the per-neighbour timing constants the controller
// configures the Neighbour state machine with. The values come from
// DefaultNeighbourTuning; the configuration file does not set them.
type NeighbourTuning struct {
	HandshakeTimeout time.Duration // default 15s
	IdleTimeout      time.Duration
	PingPeriod       time.Duration
}

func defaultNeighbourTuning() NeighbourTuning {
	return NeighbourTuning{
		HandshakeTimeout: 15 * time.Second,
		IdleTimeout:      2 * time.Minute,
		PingPeriod:       30 * time.Second,
	}
}

// DefaultNeighbourTuning returns the default per-neighbour timing
// constants, for callers building a Tuning outside the package.
func DefaultNeighbourTuning() NeighbourTuning {
	return defaultNeighbourTuning()
}

// Neighbour is a peer session. It is owned exclusively by the
// NetworkCore and is only ever mutated while the core mutex is held; it
// carries no lock of its own, matching the concurrency model in §5. It is
// dropped only through NetworkCore.removeNeighbourLocked.
type Neighbour struct {
	ID       GUID // internal arena id; the routing table stores this, weakly
	Endpoint Endpoint

	Role  Role
	State NeighbourState

	ConnectedAt time.Time
	LastQueryAt time.Time

	RTT           time.Duration
	PingsInFlight int

	LeafCount int
	LeafMax   int

	IsCoreImpl bool
	CachedKeys bool

	TickCookie uint64

	conn              RawConn
	handshakeStarted  time.Time
	lastReadAt        time.Time
	lastPingSentAt    time.Time
	pendingPingSentAt map[uint32]time.Time
	nextPingSeq       uint32

	closeReason error
}

// NewNeighbour constructs a Neighbour in the CONNECTING state for a freshly
// dialed or accepted connection.
func NewNeighbour(ep Endpoint, conn RawConn, now time.Time) *Neighbour {
	return &Neighbour{
		ID:                NewGUID(),
		Endpoint:          ep,
		Role:              RoleUnknown,
		State:             StateConnecting,
		ConnectedAt:       now,
		lastReadAt:        now,
		conn:              conn,
		pendingPingSentAt: make(map[uint32]time.Time),
	}
}

// Conn returns the underlying raw connection.
func (n *Neighbour) Conn() RawConn { return n.conn }

// MarkHandshaking transitions CONNECTING -> HANDSHAKING.
func (n *Neighbour) MarkHandshaking(now time.Time) {
	n.State = StateHandshaking
	n.handshakeStarted = now
}

// AdoptRole is called once the handshake negotiates a role (§4.4 "Adopting
// a promoted role"). The controller re-counts hubs/leaves on the next tick
// (I1); this method only records the neighbour's own state.
func (n *Neighbour) AdoptRole(role Role, leafCount, leafMax int, isCoreImpl, cachedKeys bool, now time.Time) {
	n.Role = role
	n.LeafCount = leafCount
	n.LeafMax = leafMax
	n.IsCoreImpl = isCoreImpl
	n.CachedKeys = cachedKeys
	n.State = StateConnected
	n.lastReadAt = now
}

// RecordRead stamps the last-activity time, resetting the idle timer.
func (n *Neighbour) RecordRead(now time.Time) {
	n.lastReadAt = now
}

// RecordQuerySent stamps last_query_at — the "hub has seen our query"
// signal §4.4 describes, consumed by the search engine's eligibility test.
func (n *Neighbour) RecordQuerySent(now time.Time) {
	n.LastQueryAt = now
}

// SendPing emits a ping and records its send time for RTT pairing.
func (n *Neighbour) SendPing(now time.Time) (seq uint32) {
	n.nextPingSeq++
	seq = n.nextPingSeq
	n.pendingPingSentAt[seq] = now
	n.lastPingSentAt = now
	n.PingsInFlight = len(n.pendingPingSentAt)
	return seq
}

// RecordPong pairs an echo response with its send timestamp to measure RTT.
func (n *Neighbour) RecordPong(seq uint32, now time.Time) {
	sentAt, ok := n.pendingPingSentAt[seq]
	if !ok {
		return
	}
	delete(n.pendingPingSentAt, seq)
	n.RTT = now.Sub(sentAt)
	n.PingsInFlight = len(n.pendingPingSentAt)
	n.lastReadAt = now
}

// Close transitions the neighbour to CLOSING with the given reason. The
// controller observes CLOSING on its next maintenance pass and removes it.
func (n *Neighbour) Close(reason error) {
	if n.State == StateClosing {
		return
	}
	n.State = StateClosing
	n.closeReason = reason
	if n.conn != nil {
		_ = n.conn.Close()
	}
}

// CloseReason returns why the neighbour was closed, or nil if still active.
func (n *Neighbour) CloseReason() error { return n.closeReason }

// Tick advances the per-peer state machine (§4.4 "Per-peer tick"): it
// times out a stalled handshake, times out an idle connection, and sends a
// periodic ping. It is invoked by the controller with the core mutex held
// and must not block.
func (n *Neighbour) Tick(now time.Time, tuning NeighbourTuning) {
	switch n.State {
	case StateConnecting, StateHandshaking:
		if !n.handshakeStarted.IsZero() && now.Sub(n.handshakeStarted) > tuning.HandshakeTimeout {
			n.Close(ErrHandshakeTimeout)
			return
		}
		if n.handshakeStarted.IsZero() && now.Sub(n.ConnectedAt) > tuning.HandshakeTimeout {
			n.Close(ErrHandshakeTimeout)
			return
		}
	case StateConnected:
		if now.Sub(n.lastReadAt) > tuning.IdleTimeout {
			n.Close(ErrIdleTimeout)
			return
		}
		if tuning.PingPeriod > 0 && now.Sub(n.lastPingSentAt) >= tuning.PingPeriod {
			n.SendPing(now)
		}
	case StateClosing:
		// nothing to do; controller will drop it.
	}
}

// EligibleForQuery reports whether this neighbour may receive another
// managed-search query right now: CONNECTED, attached at least
// minAttached ago, and its last query predates throttle.
func (n *Neighbour) EligibleForQuery(now time.Time, minAttached, throttle time.Duration) bool {
	if n.State != StateConnected {
		return false
	}
	if now.Sub(n.ConnectedAt) < minAttached {
		return false
	}
	return now.Sub(n.LastQueryAt) > throttle
}
