package g2core

import (
	"io"
	"sync"
	"time"
)

// Packet is the external G2 wire-format object the core routes and emits.
// The core never interprets a payload; it only asks for its type, its
// routing destination, and manages its reference count. The concrete codec
// lives outside this package.
type Packet interface {
	AddRef()
	Release()

	// Type returns the packet's top-level child type, e.g. "Q2", "KHL", "QKR".
	Type() string

	// GetTo extracts the destination GUID carried by a "TO" child, if any.
	GetTo() (GUID, bool)
}

// PacketFactory builds packets for the housekeeping traffic the core
// originates itself (LNI, KHL, QKR, QNA). The concrete codec is external;
// this interface is the minimal surface the core needs to address it.
type PacketFactory interface {
	NewPacket(ptype string, hasChildren bool) Packet
	WriteChild(p Packet, ctype string, length int)
	WriteIntLE(p Packet, v uint32)
	WriteHostAddress(p Packet, ep Endpoint)
}

// RawConn is a raw, already-accepted or already-dialed transport-level
// connection handed to the core by the HandshakeListener. TLS/socket
// plumbing is entirely external; the core only reads/writes bytes and
// knows the remote endpoint.
type RawConn interface {
	io.ReadWriteCloser
	RemoteEndpoint() Endpoint
}

// HandshakeListener accepts inbound G2 handshake connections and dials
// outbound ones on the core's behalf.
type HandshakeListener interface {
	Listen() error
	Disconnect()
	IsListening() bool
	IsFirewalled() bool

	// Dial opens an outbound connection to ep. The core calls this from
	// connect_to(); it must not block past a reasonable connect timeout.
	Dial(ep Endpoint) (RawConn, error)

	// SetAcceptHandler registers the upcall invoked for every inbound
	// connection. The core wraps it with its accept try-lock (§5).
	SetAcceptHandler(func(conn RawConn))

	// LocalEndpoint returns the address we believe we're reachable at,
	// used for the GeoIP-of-self fallback in the country preference chain
	// (§4.1 step 2). The zero Endpoint means unknown.
	LocalEndpoint() Endpoint
}

// DatagramReceiver is the upcall a DatagramTransport delivers decoded
// inbound packets to.
type DatagramReceiver interface {
	OnDatagramPacket(from Endpoint, p Packet)
}

// DatagramTransport is the UDP layer: acknowledged sends with internal
// retry/backoff, and firewall detection.
type DatagramTransport interface {
	Listen() error
	Disconnect()
	IsListening() bool
	IsFirewalled() bool

	// SendPacket hands p to the transport for delivery to ep. If acked is
	// true the transport retries internally until acknowledged or it
	// gives up (Transient error class, never surfaced to the caller).
	SendPacket(ep Endpoint, p Packet, acked bool) error

	// FlushSendQueue is invoked once per tick (§4.1 step 3).
	FlushSendQueue()

	SetReceiver(DatagramReceiver)
}

// Host is a host cache entry, borrowed by the core. The core mutates
// LastConnect, LastQuery, LastAck, QueryKey, KeyHost, and KeyTime only
// while holding the HostCache's lock.
type Host struct {
	Endpoint    Endpoint
	Timestamp   time.Time
	LastConnect time.Time
	LastAck     time.Time
	LastQuery   time.Time
	QueryKey    []byte
	KeyHost     Endpoint // the hub a relayed key was obtained through, if any
	KeyTime     time.Time
	Country     string
}

// HasUnexpiredKey reports whether h carries a query key younger than ttl.
func (h *Host) HasUnexpiredKey(now time.Time, ttl time.Duration) bool {
	return len(h.QueryKey) > 0 && now.Sub(h.KeyTime) < ttl
}

// CanQuery reports whether h is eligible to receive a query right now
// (not queried within the last QueryHostThrottle).
func (h *Host) CanQuery(now time.Time, throttle time.Duration) bool {
	return now.Sub(h.LastQuery) > throttle
}

// HostCache is the external, persistent host cache. The search engine and
// maintain() walk it in timestamp-descending order and mutate per-host
// bookkeeping fields under its lock — part of the core's fixed lock
// ordering core_mutex -> host_cache_mutex -> neighbours_mutex.
type HostCache interface {
	sync.Locker

	IsEmpty() bool
	Size() int

	// GetConnectable returns a connectable host, preferring one whose
	// Country matches a country in preference order; pass nil for "any".
	GetConnectable(now time.Time, preference []string) (*Host, bool)

	// Snapshot returns hosts ordered by Timestamp, descending (most
	// recently seen first). Callers must hold the HostCache lock.
	Snapshot() []*Host

	Save() error
}

// GeoIP resolves a best-effort ISO country code for an endpoint.
type GeoIP interface {
	FindCountry(ep Endpoint) string
}

// Webcache is the bootstrap HTTP client. Fire-and-forget: RequestRandom
// never blocks the caller.
type Webcache interface {
	RequestRandom()
	CancelRequests()
	IsRequesting() bool
}

// QueryHashMaster is the local shared-file QHT compressor the core asks to
// rebuild opportunistically.
type QueryHashMaster interface {
	IsValid() bool
	Build()
}

// QueryHit is one hit record arriving on an acked datagram or a neighbour
// stream in response to a managed search. The hit payload itself is opaque
// to the core; only the chain bookkeeping in §4.5 inspects its count.
type QueryHit struct {
	From    Endpoint
	Payload []byte
}

// EventSink receives the core's upcalls (§7: "state changes are announced
// through upcalls"). All methods must be safe to call with the core mutex
// held and must not block.
type EventSink interface {
	NeighbourAdded(n *Neighbour)
	NeighbourUpdated(n *Neighbour)
	NeighbourRemoved(n *Neighbour)
	SearchStateChanged(s *ManagedSearch)
	OnHit(searchGUID GUID, hits []QueryHit)
}
