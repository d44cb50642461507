// Package transport implements g2core.HandshakeListener over a libp2p host,
// carrying the G2 TCP handshake stream across TCP, QUIC, and WebSocket
// transports the same way shurli's own p2pnet.Network multiplexes its
// service protocol across them.
package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	libp2pquic "github.com/libp2p/go-libp2p/p2p/transport/quic"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	ws "github.com/libp2p/go-libp2p/p2p/transport/websocket"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/shurlinet/g2node/internal/identity"
	"github.com/shurlinet/g2node/pkg/g2core"
)

// G2HandshakeProtocol is the libp2p stream protocol ID carrying the G2
// binary handshake and subsequent packet stream, mirroring shurli's
// "/peerup/<service>/1.0.0" protocol-per-concern convention.
const G2HandshakeProtocol = "/g2node/handshake/1.0.0"

// Config configures the libp2p-backed handshake listener.
type Config struct {
	KeyFile         string
	ListenAddresses []string
}

// Listener is a g2core.HandshakeListener backed by a libp2p host spanning
// TCP, QUIC, and WebSocket transports.
type Listener struct {
	host    host.Host
	ctx     context.Context
	cancel  context.CancelFunc
	accept  func(g2core.RawConn)
	started bool
}

// New constructs a Listener and binds its libp2p host; call Listen to start
// accepting handshake streams.
func New(cfg Config) (*Listener, error) {
	priv, err := identity.LoadOrCreateIdentity(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load node identity: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	opts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Transport(libp2pquic.NewTransport),
		libp2p.Transport(ws.New),
	}
	if len(cfg.ListenAddresses) > 0 {
		opts = append(opts, libp2p.ListenAddrStrings(cfg.ListenAddresses...))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create libp2p host: %w", err)
	}

	return &Listener{host: h, ctx: ctx, cancel: cancel}, nil
}

// Listen satisfies g2core.HandshakeListener. The libp2p host is already
// bound by New; Listen installs the stream handler that feeds accepted
// connections to the core's accept try-lock.
func (l *Listener) Listen() error {
	l.host.SetStreamHandler(G2HandshakeProtocol, func(s network.Stream) {
		if l.accept == nil {
			s.Reset()
			return
		}
		l.accept(newStreamConn(s))
	})
	l.started = true
	return nil
}

// Disconnect tears down the host and every open stream.
func (l *Listener) Disconnect() {
	l.started = false
	l.host.RemoveStreamHandler(G2HandshakeProtocol)
	l.cancel()
	l.host.Close()
}

// IsListening reports whether the stream handler is installed.
func (l *Listener) IsListening() bool { return l.started }

// LocalEndpoint satisfies g2core.HandshakeListener, returning the first
// non-loopback IP/TCP address the libp2p host has bound (private addresses
// are not skipped), or the zero Endpoint if the
// host hasn't observed one yet (e.g. before the first Listen/dial).
func (l *Listener) LocalEndpoint() g2core.Endpoint {
	for _, addr := range l.host.Addrs() {
		ipStr, err := addr.ValueForProtocol(ma.P_IP4)
		if err != nil {
			ipStr, err = addr.ValueForProtocol(ma.P_IP6)
		}
		if err != nil {
			continue
		}
		ip := net.ParseIP(ipStr)
		if ip == nil || ip.IsLoopback() {
			continue
		}
		portStr, err := addr.ValueForProtocol(ma.P_TCP)
		if err != nil {
			continue
		}
		var port int
		fmt.Sscanf(portStr, "%d", &port)
		return g2core.Endpoint{IP: ip, Port: uint16(port)}
	}
	return g2core.Endpoint{}
}

// IsFirewalled reports whether the host believes itself publicly dialable.
// libp2p's reachability subsystem needs AutoNAT wiring to answer this with
// confidence; until that's configured we conservatively assume firewalled,
// matching G2's own fail-closed posture for unknown reachability.
func (l *Listener) IsFirewalled() bool { return true }

// Dial opens an outbound G2 handshake stream to ep.
func (l *Listener) Dial(ep g2core.Endpoint) (g2core.RawConn, error) {
	addr, err := endpointToMultiaddr(ep)
	if err != nil {
		return nil, err
	}
	info, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", ep, err)
	}
	if err := l.host.Connect(l.ctx, *info); err != nil {
		return nil, fmt.Errorf("dial %s: %w", ep, err)
	}
	s, err := l.host.NewStream(l.ctx, info.ID, G2HandshakeProtocol)
	if err != nil {
		return nil, fmt.Errorf("open stream to %s: %w", ep, err)
	}
	return newStreamConn(s), nil
}

// SetAcceptHandler registers the upcall for inbound connections.
func (l *Listener) SetAcceptHandler(f func(g2core.RawConn)) { l.accept = f }

func endpointToMultiaddr(ep g2core.Endpoint) (ma.Multiaddr, error) {
	proto := "ip4"
	if ep.IP.To4() == nil {
		proto = "ip6"
	}
	return ma.NewMultiaddr(fmt.Sprintf("/%s/%s/tcp/%d", proto, ep.IP.String(), ep.Port))
}

// streamConn adapts a libp2p network.Stream to g2core.RawConn.
type streamConn struct {
	network.Stream
}

func newStreamConn(s network.Stream) *streamConn { return &streamConn{Stream: s} }

func (c *streamConn) RemoteEndpoint() g2core.Endpoint {
	addr := c.Conn().RemoteMultiaddr()
	ipStr, err := addr.ValueForProtocol(ma.P_IP4)
	if err != nil {
		ipStr, err = addr.ValueForProtocol(ma.P_IP6)
	}
	if err != nil {
		return g2core.Endpoint{}
	}
	portStr, err := addr.ValueForProtocol(ma.P_TCP)
	if err != nil {
		return g2core.Endpoint{}
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return g2core.Endpoint{IP: net.ParseIP(ipStr), Port: uint16(port)}
}
