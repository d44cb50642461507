package g2core

import "errors"

// Sentinel errors implementing the four-way taxonomy of §7: Transient
// (retried next tick or by the transport), Peer-fatal (that neighbour is
// closed, nothing else), Local-fatal (surfaced to the Connect() caller),
// and Logical-drop (silent, metrics only — never wrapped, just counted).
var (
	// ErrCoreBusy names the case where the 1 Hz tick could not acquire the
	// core mutex within its try-lock window. Tick does not return it: it
	// logs the same message and skips the pass. Transient.
	ErrCoreBusy = errors.New("network core overloaded")

	// ErrAcceptBusy names the case where an inbound connection's short
	// try-lock window expired; the connection is closed and no error is
	// returned. Transient, and doubles as the system's admission-control
	// backpressure.
	ErrAcceptBusy = errors.New("network core busy, connection rejected")

	// ErrHandshakeTimeout marks a neighbour that failed to complete its
	// handshake within the allotted window. Peer-fatal.
	ErrHandshakeTimeout = errors.New("handshake timeout")

	// ErrIdleTimeout marks a neighbour that stopped producing traffic.
	// Peer-fatal.
	ErrIdleTimeout = errors.New("idle read timeout")

	// ErrMalformedPacket marks a neighbour that sent an undecodable or
	// protocol-violating packet. Peer-fatal.
	ErrMalformedPacket = errors.New("malformed packet")

	// ErrListenerBind is returned by Connect() when the handshake
	// listener or datagram transport could not bind. Local-fatal.
	ErrListenerBind = errors.New("listener failed to bind")

	// ErrNotListening is returned by operations that require an active
	// listener when the core is not connected. Local-fatal.
	ErrNotListening = errors.New("network core not active")

	// ErrNoRoute signals a routing-table miss (route_packet found
	// neither a neighbour nor a UDP endpoint for the GUID). Logical-drop.
	ErrNoRoute = errors.New("no route for guid")

	// ErrNeighbourNotFound is returned by lookups/disconnects for an
	// endpoint, index, or neighbour no longer in the neighbour set.
	ErrNeighbourNotFound = errors.New("neighbour not found")

	// ErrModeForced is returned when switch_client_mode is attempted
	// while the configured mode is pinned (not auto).
	ErrModeForced = errors.New("client mode is forced, not switching")
)
