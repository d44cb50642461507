package transport

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/shurlinet/g2node/pkg/g2core"
)

// PacketCodec serializes and parses the opaque wire packets g2core routes.
// The concrete G2 binary framing lives outside this package, the same way
// g2core.PacketFactory keeps the codec external to the core itself.
type PacketCodec interface {
	Encode(p g2core.Packet) ([]byte, error)
	Decode(raw []byte) (g2core.Packet, error)
}

const (
	maxDatagramSize  = 1472 // typical Ethernet MTU minus IP/UDP headers
	ackRetryInterval = 2 * time.Second
	ackMaxRetries    = 5
)

// pendingAck is one acknowledged-send awaiting retry or confirmation.
type pendingAck struct {
	ep        g2core.Endpoint
	raw       []byte
	attempts  int
	nextRetry time.Time
}

// Datagram is a g2core.DatagramTransport backed by a raw UDP socket. G2's
// UDP layer runs its own semi-reliable ack/retry scheme on top of plain
// datagrams; libp2p's QUIC transport is stream-oriented and doesn't expose
// that shape; this is stdlib net.UDPConn for exactly that reason (see
// DESIGN.md).
type Datagram struct {
	mu         sync.Mutex
	conn       *net.UDPConn
	codec      PacketCodec
	receiver   g2core.DatagramReceiver
	pending    []*pendingAck
	firewalled bool
	logger     *slog.Logger
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	port       int
}

// NewDatagram constructs a Datagram transport bound to the given UDP port.
func NewDatagram(port int, codec PacketCodec, logger *slog.Logger) *Datagram {
	if logger == nil {
		logger = slog.Default()
	}
	return &Datagram{port: port, codec: codec, logger: logger}
}

// Listen binds the UDP socket and starts the inbound read loop.
func (d *Datagram) Listen() error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: d.port})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.conn = conn
	d.cancel = cancel
	d.mu.Unlock()

	d.wg.Add(1)
	go d.readLoop(ctx, conn)
	return nil
}

func (d *Datagram) readLoop(ctx context.Context, conn *net.UDPConn) {
	defer d.wg.Done()
	buf := make([]byte, maxDatagramSize)
	for {
		if ctx.Err() != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			continue
		}
		p, err := d.codec.Decode(buf[:n])
		if err != nil {
			d.logger.Warn("dropping malformed datagram", "from", addr, "error", err)
			continue
		}
		d.mu.Lock()
		recv := d.receiver
		d.mu.Unlock()
		if recv != nil {
			recv.OnDatagramPacket(g2core.Endpoint{IP: addr.IP, Port: uint16(addr.Port)}, p)
		}
	}
}

// Disconnect closes the socket and stops the read loop.
func (d *Datagram) Disconnect() {
	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
	}
	conn := d.conn
	d.conn = nil
	d.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	d.wg.Wait()
}

// IsListening reports whether the socket is bound.
func (d *Datagram) IsListening() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn != nil
}

// IsFirewalled reports the transport's best-effort NAT/firewall guess.
func (d *Datagram) IsFirewalled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.firewalled
}

// SendPacket encodes and sends p to ep. If acked, the send is queued for
// internal retry until FlushSendQueue stops seeing it as pending.
func (d *Datagram) SendPacket(ep g2core.Endpoint, p g2core.Packet, acked bool) error {
	raw, err := d.codec.Encode(p)
	if err != nil {
		return err
	}
	if err := d.writeTo(ep, raw); err != nil {
		return err
	}
	if acked {
		d.mu.Lock()
		d.pending = append(d.pending, &pendingAck{ep: ep, raw: raw, nextRetry: time.Now().Add(ackRetryInterval)})
		d.mu.Unlock()
	}
	return nil
}

func (d *Datagram) writeTo(ep g2core.Endpoint, raw []byte) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return g2core.ErrNotListening
	}
	_, err := conn.WriteToUDP(raw, &net.UDPAddr{IP: ep.IP, Port: int(ep.Port)})
	return err
}

// AckReceived clears a pending acknowledged send once the peer confirms it
// (e.g. via a QA/ACK child the caller observed on an inbound packet).
func (d *Datagram) AckReceived(ep g2core.Endpoint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	kept := d.pending[:0]
	for _, pa := range d.pending {
		if !pa.ep.Equal(ep) {
			kept = append(kept, pa)
		}
	}
	d.pending = kept
}

// FlushSendQueue retries any acknowledged sends still pending, dropping
// ones that exceeded ackMaxRetries (a Transient failure, never surfaced).
func (d *Datagram) FlushSendQueue() {
	now := time.Now()
	d.mu.Lock()
	due := d.pending[:0]
	var toRetry []*pendingAck
	for _, pa := range d.pending {
		if now.Before(pa.nextRetry) {
			due = append(due, pa)
			continue
		}
		if pa.attempts >= ackMaxRetries {
			d.logger.Debug("giving up on acked datagram", "to", pa.ep)
			continue
		}
		pa.attempts++
		pa.nextRetry = now.Add(ackRetryInterval)
		due = append(due, pa)
		toRetry = append(toRetry, pa)
	}
	d.pending = due
	d.mu.Unlock()

	for _, pa := range toRetry {
		d.writeTo(pa.ep, pa.raw)
	}
}

// SetReceiver registers the upcall for decoded inbound packets.
func (d *Datagram) SetReceiver(r g2core.DatagramReceiver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.receiver = r
}
