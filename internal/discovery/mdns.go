// Package discovery provides LAN peer discovery for the G2 overlay via
// mDNS/DNS-SD, feeding discovered endpoints into the host cache the same
// way shurli's MDNSDiscovery feeds its peerstore.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/zeroconf/v2"

	"github.com/shurlinet/g2node/pkg/g2core"
)

// ServiceName is the DNS-SD service type used for LAN discovery of G2
// nodes. Network isolation is the handshake's concern, not mDNS's.
const ServiceName = "_g2node._udp"

const (
	dedupeInterval  = 30 * time.Second
	browseInterval  = 30 * time.Second
	browseTimeout   = 10 * time.Second
	endpointTXTKey  = "ep="
)

// HostSink receives endpoints discovered on the LAN. The concrete host
// cache implementation satisfies this alongside g2core.HostCache.
type HostSink interface {
	AddHost(ep g2core.Endpoint, country string)
}

// MDNS advertises this node's listen endpoint and discovers peers
// advertising the same service on the local network.
type MDNS struct {
	port   int
	sink   HostSink
	logger *slog.Logger

	server *zeroconf.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	lastSeen map[string]time.Time
}

// New constructs an MDNS discovery service advertising the G2 listen port
// and feeding discovered peers into sink.
func New(port int, sink HostSink, logger *slog.Logger) *MDNS {
	if logger == nil {
		logger = slog.Default()
	}
	return &MDNS{port: port, sink: sink, logger: logger, lastSeen: make(map[string]time.Time)}
}

// Start registers the service and begins the periodic browse loop.
func (m *MDNS) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	server, err := zeroconf.Register(
		"g2node-"+strconv.Itoa(m.port),
		ServiceName,
		"local.",
		m.port,
		[]string{endpointTXTKey + strconv.Itoa(m.port)},
		nil,
	)
	if err != nil {
		return fmt.Errorf("register mdns service: %w", err)
	}
	m.server = server

	m.wg.Add(1)
	go m.browseLoop()
	return nil
}

// Close tears down the mDNS service and waits for the browse loop to exit.
func (m *MDNS) Close() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.server != nil {
		m.server.Shutdown()
	}
	m.wg.Wait()
}

func (m *MDNS) browseLoop() {
	defer m.wg.Done()

	m.runBrowse()

	ticker := time.NewTicker(browseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.runBrowse()
		}
	}
}

func (m *MDNS) runBrowse() {
	ctx, cancel := context.WithTimeout(m.ctx, browseTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	go func() {
		for e := range entries {
			m.handleEntry(e)
		}
	}()

	if err := zeroconf.Browse(ctx, ServiceName, "local.", entries); err != nil && m.ctx.Err() == nil {
		m.logger.Debug("mdns browse error", "error", err)
	}
}

func (m *MDNS) handleEntry(e *zeroconf.ServiceEntry) {
	port := e.Port
	for _, txt := range e.Text {
		if strings.HasPrefix(txt, endpointTXTKey) {
			if p, err := strconv.Atoi(txt[len(endpointTXTKey):]); err == nil {
				port = p
			}
		}
	}

	var ip net.IP
	for _, candidate := range append(append([]net.IP{}, e.AddrIPv4...), e.AddrIPv6...) {
		if candidate != nil {
			ip = candidate
			break
		}
	}
	if ip == nil || port == 0 {
		return
	}
	ep := g2core.Endpoint{IP: ip, Port: uint16(port)}
	key := ep.String()

	m.mu.Lock()
	if last, ok := m.lastSeen[key]; ok && time.Since(last) < dedupeInterval {
		m.mu.Unlock()
		return
	}
	m.lastSeen[key] = time.Now()
	m.mu.Unlock()

	m.logger.Info("mdns: peer discovered on LAN", "endpoint", ep)
	if m.sink != nil {
		m.sink.AddHost(ep, "")
	}
}
