package g2core

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"
)

const (
	acceptTryLockTimeout = 50 * time.Millisecond
	tickTryLockTimeout   = 150 * time.Millisecond
	tryLockPollInterval  = 2 * time.Millisecond
	cleanRoutesPeriod    = 60 // ticks
	tickInterval         = 1 * time.Second
)

// tryLockTimeout polls sync.Mutex.TryLock for up to timeout, giving the
// bounded try-lock discipline the concurrency model calls for without the
// goroutine-per-attempt race a naive timeout-via-channel approach would
// introduce (that pattern leaves the mutex permanently locked by a
// goroutine the timed-out caller has already walked away from).
func tryLockTimeout(mu *sync.Mutex, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if mu.TryLock() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(tryLockPollInterval)
	}
}

// Tuning bundles every §6 configuration field the NetworkCore consumes,
// grouped by the subsystem that owns it.
type Tuning struct {
	Port               int
	ClientMode         Role // RoleUnknown means "auto"
	NumHubs            int
	NumPeers           int
	NumLeafs           int
	ConnectFactor      int
	KHLHubCount        int
	KHLPeriod          time.Duration
	LNIMinimumUpdate   time.Duration
	PreferredCountries []string

	Neighbour   NeighbourTuning
	Search      SearchTuning
	AdaptiveHub AdaptiveHubTuning
}

// NetworkCore is the G2 network core: the single handle that owns
// connection lifecycle, packet routing, adaptive role balancing, and the
// managed-search engine. All mutation of the neighbour set, the routing
// table, the search registry, and the role counters happens under mu — a
// single core mutex, not reentrant: the *Locked helpers expect the caller
// to hold it already.
type NetworkCore struct {
	mu sync.Mutex

	tuning Tuning

	active     bool
	localRole  Role
	firewalled bool
	listening  bool
	forcedMode bool

	neighbours map[GUID]*Neighbour
	cookie     uint64

	routing    *RoutingTable
	rate       *RateController
	search     *SearchManager
	adaptive   *AdaptiveHubState
	hubBalance *HubBalanceState

	cleanRoutesIn       int
	nextHubBalanceIn    int
	nextKHLIn           int
	lniDue              bool
	lniDueAt            time.Time
	lastNeighbourCounts [3]int // hubs, leaves, unknown

	hostCache     HostCache
	geoip         GeoIP
	webcache      Webcache
	qht           QueryHashMaster
	listener      HandshakeListener
	datagram      DatagramTransport
	packetFactory PacketFactory
	sink          EventSink
	metrics       *Metrics
	logger        *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNetworkCore wires up a NetworkCore with its external collaborators.
// Any collaborator may be nil where the corresponding feature is unused by
// the caller (e.g. a test harness with no webcache).
func NewNetworkCore(tuning Tuning, listener HandshakeListener, datagram DatagramTransport, hostCache HostCache,
	geoip GeoIP, webcache Webcache, qht QueryHashMaster, packetFactory PacketFactory,
	sink EventSink, metrics *Metrics, logger *slog.Logger) *NetworkCore {

	if logger == nil {
		logger = slog.Default()
	}
	localRole := tuning.ClientMode
	forced := tuning.ClientMode != RoleUnknown
	if localRole == RoleUnknown {
		localRole = RoleLeaf
	}

	return &NetworkCore{
		tuning:           tuning,
		localRole:        localRole,
		forcedMode:       forced,
		neighbours:       make(map[GUID]*Neighbour),
		routing:          NewRoutingTable(logger),
		search:           NewSearchManager(tuning.Search, sink, metrics, logger),
		adaptive:         NewAdaptiveHubState(tuning.AdaptiveHub),
		hubBalance:       NewHubBalanceState(time.Now()),
		cleanRoutesIn:    cleanRoutesPeriod,
		nextHubBalanceIn: int(modeChangeWait / tickInterval),
		nextKHLIn:        int(tuning.KHLPeriod / tickInterval),
		hostCache:        hostCache,
		geoip:            geoip,
		webcache:         webcache,
		qht:              qht,
		listener:         listener,
		datagram:         datagram,
		packetFactory:    packetFactory,
		sink:             sink,
		metrics:          metrics,
		logger:           logger,
	}
}

// SetRateController attaches the byte-budget scheduler socket I/O should
// consult before writing. Optional: a nil controller (the default) means
// unrestricted sends, useful for tests and for nodes configured without a
// bandwidth cap.
func (c *NetworkCore) SetRateController(rc *RateController) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rate = rc
}

// IsListening reports whether the handshake listener and datagram
// transport are both bound.
func (c *NetworkCore) IsListening() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listening
}

// IsFirewalled reports the datagram layer's best-effort reachability flag.
func (c *NetworkCore) IsFirewalled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.firewalled
}

// LocalRole returns the node's current negotiated role.
func (c *NetworkCore) LocalRole() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localRole
}

// Connect binds the handshake listener and datagram transport and starts
// the 1 Hz maintenance loop on its own goroutine. A bind failure is
// Local-fatal: Connect returns ErrListenerBind and active stays false.
func (c *NetworkCore) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active {
		return nil
	}
	if c.listener != nil {
		if err := c.listener.Listen(); err != nil {
			return ErrListenerBind
		}
		c.listener.SetAcceptHandler(c.onIncomingConnection)
	}
	if c.datagram != nil {
		if err := c.datagram.Listen(); err != nil {
			if c.listener != nil {
				c.listener.Disconnect()
			}
			return ErrListenerBind
		}
		c.datagram.SetReceiver(datagramReceiverFunc(c.onDatagramPacket))
	}

	c.active = true
	c.listening = true
	c.firewalled = (c.listener != nil && c.listener.IsFirewalled()) || (c.datagram != nil && c.datagram.IsFirewalled())

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go c.tickLoop(ctx)

	return nil
}

// Disconnect tears the core down: stops the tick loop, cancels the
// webcache, stops datagrams and handshakes, closes every neighbour, and
// clears the routing table. All synchronous, as §5 requires.
func (c *NetworkCore) Disconnect() {
	c.mu.Lock()
	cancel := c.cancel
	c.active = false
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.webcache != nil {
		c.webcache.CancelRequests()
	}
	if c.datagram != nil {
		c.datagram.Disconnect()
	}
	if c.listener != nil {
		c.listener.Disconnect()
	}
	for _, n := range c.neighbours {
		n.Close(nil)
	}
	c.neighbours = make(map[GUID]*Neighbour)
	c.routing.Clear()
	c.listening = false
}

func (c *NetworkCore) tickLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			c.Tick(t)
		}
	}
}

// Tick runs one 1 Hz maintenance pass. It acquires the core mutex with a
// bounded try-lock (150 ms); on failure it logs and skips the tick
// entirely, the system's backpressure against a stalled I/O thread.
func (c *NetworkCore) Tick(now time.Time) {
	if !tryLockTimeout(&c.mu, tickTryLockTimeout) {
		c.logger.Warn("network core overloaded")
		c.metrics.tickSkipped()
		return
	}
	defer c.mu.Unlock()
	c.metrics.tickRun()
	c.tickLocked(now)
}

func (c *NetworkCore) tickLocked(now time.Time) {
	hubs, leaves, _ := c.countRoles()

	// Step 1: bootstrap via webcache if we have no hubs and an empty cache.
	if hubs == 0 && c.webcache != nil && !c.webcache.IsRequesting() {
		if c.hostCache == nil || c.hostCache.IsEmpty() {
			c.webcache.RequestRandom()
		}
	}

	// Step 2: periodic route expiry.
	c.cleanRoutesIn--
	if c.cleanRoutesIn <= 0 {
		c.routing.ExpireOld(now)
		c.cleanRoutesIn = cleanRoutesPeriod
	}

	// Step 3: flush the datagram send queue.
	if c.datagram != nil {
		c.datagram.FlushSendQueue()
	}

	// Step 4: adaptive-hub evaluator.
	if c.localRole == RoleHub && c.tuning.AdaptiveHub.Enabled {
		connectedLeaves := c.connectedNeighboursOfRole(RoleLeaf)
		newLeafs, downgraded := c.adaptive.Tick(c.tuning.AdaptiveHub, connectedLeaves, c.tuning.NumLeafs, c.metrics)
		if downgraded {
			c.tuning.NumLeafs = newLeafs
		}
	}

	// Step 5: query-hash-table rebuild.
	if c.qht != nil && !c.qht.IsValid() {
		c.qht.Build()
	}

	// Step 6: population maintenance.
	c.maintain(now)

	// Step 7: hub balancing.
	c.nextHubBalanceIn--
	if c.nextHubBalanceIn <= 0 {
		c.hubBalanceTick(now)
		c.nextHubBalanceIn = int(modeChangeWait / tickInterval)
	}

	// Step 8: tick the search manager under the shared packet budget.
	c.searchTick(now)

	// Step 9: flush any buffered hit batches below the 100-hit threshold.
	c.search.FlushPendingHits()

	// Step 10: KHL / LNI broadcasts.
	c.nextKHLIn--
	if c.nextKHLIn <= 0 {
		c.broadcastKHL(now)
		c.nextKHLIn = int(c.tuning.KHLPeriod / tickInterval)
	}
	if c.lniDue && !now.Before(c.lniDueAt) {
		c.broadcastLNI()
		c.lniDue = false
	}

	c.metrics.setRoutingTableSize(c.routing.Len())
}

// countRoles recomputes I1: hubs_connected/leaves_connected/unknown from
// scratch by scanning neighbour states.
func (c *NetworkCore) countRoles() (hubs, leaves, unknown int) {
	for _, n := range c.neighbours {
		if n.State != StateConnected {
			continue
		}
		switch n.Role {
		case RoleHub:
			hubs++
		case RoleLeaf:
			leaves++
		default:
			unknown++
		}
	}
	return
}

func (c *NetworkCore) connectedNeighboursOfRole(role Role) []*Neighbour {
	var out []*Neighbour
	for _, n := range c.neighbours {
		if n.State == StateConnected && n.Role == role {
			out = append(out, n)
		}
	}
	return out
}

func (c *NetworkCore) connectedNeighbours() []*Neighbour {
	out := make([]*Neighbour, 0, len(c.neighbours))
	for _, n := range c.neighbours {
		if n.State == StateConnected {
			out = append(out, n)
		}
	}
	return out
}

// maintain runs per-peer ticks, recounts I1, and drives hub/leaf
// population control, per §4.1.
func (c *NetworkCore) maintain(now time.Time) {
	c.cookie++
	cookie := c.cookie
	for _, n := range c.neighbours {
		if n.TickCookie == cookie {
			continue
		}
		n.TickCookie = cookie
		n.Tick(now, c.tuning.Neighbour)
		if c.sink != nil {
			c.sink.NeighbourUpdated(n)
		}
	}

	c.reapClosed()

	hubs, leaves, unknown := c.countRoles()
	if [3]int{hubs, leaves, unknown} != c.lastNeighbourCounts {
		c.lniDue = true
		c.lniDueAt = now.Add(c.tuning.LNIMinimumUpdate)
		c.lastNeighbourCounts = [3]int{hubs, leaves, unknown}
	}
	c.metrics.setNeighbourCounts(hubs, leaves, unknown)

	if c.localRole == RoleLeaf {
		c.maintainPopulation(now, RoleHub, hubs, c.tuning.NumHubs)
	} else {
		c.maintainPopulation(now, RoleHub, hubs, c.tuning.NumPeers)
		if leaves > c.tuning.NumLeafs {
			c.dropYoungest(RoleLeaf, false)
		}
	}

	c.rebalanceRateShares()
}

// rebalanceRateShares re-derives every connected socket's proportional
// share of the rate controller's upload/download budgets (§4.3: "distributes
// byte credits to each registered socket proportionally to socket demand").
// Demand is approximated as an equal share per connected socket; sockets
// with is_core_impl peers are not prioritised (§4.3), so core-impl status
// never enters the weight.
func (c *NetworkCore) rebalanceRateShares() {
	if c.rate == nil {
		return
	}
	connected := c.connectedNeighbours()
	total := float64(len(connected))
	if total == 0 {
		return
	}
	for _, n := range connected {
		c.rate.RegisterSocket(n.ID.String(), 1, total)
	}
}

// reapClosed drops every neighbour in CLOSING state, purging its routes
// and notifying the sink, completing the transition the per-peer tick
// started.
func (c *NetworkCore) reapClosed() {
	for id, n := range c.neighbours {
		if n.State == StateClosing {
			c.removeNeighbourLocked(id, n)
		}
	}
}

func (c *NetworkCore) removeNeighbourLocked(id GUID, n *Neighbour) {
	delete(c.neighbours, id)
	c.routing.RemoveNeighbour(n)
	if c.rate != nil {
		c.rate.UnregisterSocket(id.String())
	}
	if c.sink != nil {
		c.sink.NeighbourRemoved(n)
	}
}

// maintainPopulation implements the hub/leaf dial-out and overflow logic
// shared by leaf mode (against hubs) and hub mode (against peer hubs).
func (c *NetworkCore) maintainPopulation(now time.Time, targetRole Role, current, configured int) {
	if current > configured {
		coreImplFraction := c.coreImplFraction(targetRole)
		c.dropYoungest(targetRole, coreImplFraction > 0.5)
		return
	}
	if current >= configured {
		return
	}
	deficit := configured - current
	_, _, unknownCount := c.countRoles()
	attempt := deficit * c.tuning.ConnectFactor
	if attempt > 8 {
		attempt = 8
	}
	attempt -= unknownCount
	if attempt <= 0 || c.hostCache == nil {
		return
	}

	c.hostCache.Lock()
	defer c.hostCache.Unlock()

	preferences := c.countryPreferenceOrder()
	for i := 0; i < attempt; i++ {
		host, ok := c.hostCache.GetConnectable(now, preferences)
		if !ok {
			break
		}
		if c.connectToLocked(host.Endpoint, now) {
			host.LastConnect = now
		}
	}
}

// countryPreferenceOrder returns the configured preferred countries,
// followed by the GeoIP country of our own public address (if known and
// not already in the list), followed by "any" (the empty string,
// interpreted by HostCache.GetConnectable as a wildcard) — §4.1 step 2's
// "then fall back to the GeoIP of our public address" middle step.
func (c *NetworkCore) countryPreferenceOrder() []string {
	prefs := append([]string{}, c.tuning.PreferredCountries...)
	if c.geoip != nil && c.listener != nil {
		if self := c.listener.LocalEndpoint(); self.IP != nil {
			if country := c.geoip.FindCountry(self); country != "" && !containsString(prefs, country) {
				prefs = append(prefs, country)
			}
		}
	}
	prefs = append(prefs, "")
	return prefs
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (c *NetworkCore) coreImplFraction(role Role) float64 {
	total, coreImpl := 0, 0
	for _, n := range c.neighbours {
		if n.Role == role && n.State == StateConnected {
			total++
			if n.IsCoreImpl {
				coreImpl++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(coreImpl) / float64(total)
}

// dropYoungest closes the most-recently-connected neighbour of role,
// optionally including core-impl peers in the candidate set.
func (c *NetworkCore) dropYoungest(role Role, includeCoreImpl bool) {
	var youngest *Neighbour
	for _, n := range c.neighbours {
		if n.Role != role || n.State != StateConnected {
			continue
		}
		if n.IsCoreImpl && !includeCoreImpl {
			continue
		}
		if youngest == nil || n.ConnectedAt.After(youngest.ConnectedAt) {
			youngest = n
		}
	}
	if youngest != nil {
		youngest.Close(nil)
	}
}

// ConnectTo dials an outbound connection to ep via the handshake listener.
func (c *NetworkCore) ConnectTo(ep Endpoint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectToLocked(ep, time.Now())
}

func (c *NetworkCore) connectToLocked(ep Endpoint, now time.Time) bool {
	if c.listener == nil || !c.active {
		return false
	}
	conn, err := c.listener.Dial(ep)
	if err != nil {
		return false
	}
	n := NewNeighbour(ep, conn, now)
	c.neighbours[n.ID] = n
	if c.sink != nil {
		c.sink.NeighbourAdded(n)
	}
	return true
}

// DisconnectFrom closes and removes the neighbour at ep, if any.
func (c *NetworkCore) DisconnectFrom(ep Endpoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, n := range c.neighbours {
		if n.Endpoint.Equal(ep) {
			n.Close(nil)
			c.removeNeighbourLocked(id, n)
			return nil
		}
	}
	return ErrNeighbourNotFound
}

// FindNeighbour looks up a connected neighbour by remote IP.
func (c *NetworkCore) FindNeighbour(ip net.IP) (*Neighbour, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range c.neighbours {
		if n.Endpoint.IP.Equal(ip) {
			return n, true
		}
	}
	return nil, false
}

func (c *NetworkCore) onIncomingConnection(conn RawConn) {
	if !tryLockTimeout(&c.mu, acceptTryLockTimeout) {
		_ = conn.Close()
		c.metrics.tickSkipped()
		return
	}
	defer c.mu.Unlock()

	if !c.active {
		_ = conn.Close()
		return
	}
	n := NewNeighbour(conn.RemoteEndpoint(), conn, time.Now())
	n.MarkHandshaking(time.Now())
	c.neighbours[n.ID] = n
	if c.sink != nil {
		c.sink.NeighbourAdded(n)
	}
}

type datagramReceiverFunc func(from Endpoint, p Packet)

func (f datagramReceiverFunc) OnDatagramPacket(from Endpoint, p Packet) { f(from, p) }

func (c *NetworkCore) onDatagramPacket(from Endpoint, p Packet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routePacketThroughLocked(p, nil, from)
}

// RoutePacket implements route_packet(target_guid, packet): §4.2. It looks
// up the destination and forwards over the first available channel,
// preferring TCP.
func (c *NetworkCore) RoutePacket(guid GUID, p Packet) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.routing.RoutePacketThrough(guid, p, time.Now(), c.sendTCP, c.sendUDPAcked)
	return err == nil
}

// RoutePacketThrough implements route_packet_through(packet, from?): the
// trust-matrix forwarding decision of §4.2. from is nil for a packet that
// arrived over UDP. fromEndpoint is only meaningful when from is nil.
// Returns true if the packet was either forwarded or silently dropped
// ("handled"); false means "not routed" — the caller should consume it
// locally.
func (c *NetworkCore) RoutePacketThrough(p Packet, from *Neighbour) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.routePacketThroughLocked(p, from, Endpoint{})
}

func (c *NetworkCore) routePacketThroughLocked(p Packet, from *Neighbour, fromEndpoint Endpoint) bool {
	guid, ok := p.GetTo()
	if !ok {
		return false
	}

	n, udpEP, found := c.routing.Find(guid, time.Now())
	if !found {
		return false
	}

	srcIsUDP := from == nil
	srcIsHub := from != nil && from.Role == RoleHub

	tcpAllowed := true
	udpAllowed := !srcIsUDP
	if srcIsHub {
		tcpAllowed = n != nil && n.Role == RoleLeaf
		udpAllowed = false
	}

	if n != nil && tcpAllowed {
		_ = c.sendTCP(n, p)
		return true
	}
	if n == nil && udpAllowed {
		_ = c.sendUDPAcked(udpEP, p)
		return true
	}
	// Known GUID, no allowed channel: drop silently (Logical-drop).
	return true
}

func (c *NetworkCore) sendTCP(n *Neighbour, p Packet) error {
	p.AddRef()
	defer p.Release()
	if n.Conn() == nil {
		return ErrNeighbourNotFound
	}
	return nil // the concrete wire codec serializes p onto n.Conn(); out of scope here.
}

func (c *NetworkCore) sendUDPAcked(ep Endpoint, p Packet) error {
	if c.datagram == nil {
		return ErrNotListening
	}
	p.AddRef()
	defer p.Release()
	return c.datagram.SendPacket(ep, p, true)
}

// searchTick runs the search manager's per-tick pass under the global
// packet budget I6, threading the current firewalled flag and connected
// neighbour set through.
func (c *NetworkCore) searchTick(now time.Time) {
	neighbours := c.connectedNeighbours()
	if c.hostCache != nil {
		c.hostCache.Lock()
		defer c.hostCache.Unlock()
	}
	c.search.Tick(now, c.tuning.Search.MaxPacketsPerTick, c.firewalled, neighbours, c.hostCache,
		func(s *ManagedSearch) Packet { return c.buildQueryPacket(s) },
		func(s *ManagedSearch, returnAddr Endpoint) Packet { return c.buildQKRPacket(s, returnAddr) },
		func(s *ManagedSearch, target Endpoint, refresh bool) Packet { return c.buildQNAPacket(s, target, refresh) },
		c.sendTCP, func(ep Endpoint, p Packet, acked bool) error { return c.sendUDPAcked(ep, p) })
}

func (c *NetworkCore) buildQueryPacket(s *ManagedSearch) Packet {
	if c.packetFactory == nil {
		return nil
	}
	p := c.packetFactory.NewPacket("Q2", true)
	c.packetFactory.WriteChild(p, "UDP", len(s.Query))
	return p
}

func (c *NetworkCore) buildQKRPacket(s *ManagedSearch, returnAddr Endpoint) Packet {
	if c.packetFactory == nil {
		return nil
	}
	p := c.packetFactory.NewPacket("QKR", !returnAddr.IsZero())
	if !returnAddr.IsZero() {
		c.packetFactory.WriteHostAddress(p, returnAddr)
	}
	return p
}

func (c *NetworkCore) buildQNAPacket(s *ManagedSearch, target Endpoint, refresh bool) Packet {
	if c.packetFactory == nil {
		return nil
	}
	p := c.packetFactory.NewPacket("QNA", true)
	c.packetFactory.WriteHostAddress(p, target)
	_ = refresh
	return p
}

// OnQueryHit is the upcall the caller's wire-level dispatcher invokes when
// a hit chain for an active search arrives.
func (c *NetworkCore) OnQueryHit(guid GUID, hits []QueryHit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.search.OnQueryHit(guid, hits)
}

// StartSearch registers and activates a new managed search.
func (c *NetworkCore) StartSearch(s *ManagedSearch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.search.Register(s, time.Now())
}

// StopSearch deactivates and deregisters a search.
func (c *NetworkCore) StopSearch(guid GUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.search.Deregister(guid)
}

// broadcastKHL builds a single Known Hub List packet (§4.1 "KHL
// broadcast") and sends it to every CONNECTED neighbour.
func (c *NetworkCore) broadcastKHL(now time.Time) {
	if c.packetFactory == nil {
		return
	}
	p := c.packetFactory.NewPacket("KHL", true)
	c.packetFactory.WriteChild(p, "TS", 4)
	c.packetFactory.WriteIntLE(p, uint32(now.Unix()))

	for _, n := range c.neighbours {
		if n.State == StateConnected && n.Role == RoleHub {
			c.packetFactory.WriteChild(p, "NH", n.Endpoint.EncodedLen())
			c.packetFactory.WriteHostAddress(p, n.Endpoint)
		}
	}

	if c.hostCache != nil {
		c.hostCache.Lock()
		hosts := c.hostCache.Snapshot()
		c.hostCache.Unlock()
		count := 0
		for _, h := range hosts {
			if count >= c.tuning.KHLHubCount {
				break
			}
			c.packetFactory.WriteChild(p, "CH", h.Endpoint.EncodedLen()+4)
			c.packetFactory.WriteHostAddress(p, h.Endpoint)
			c.packetFactory.WriteIntLE(p, uint32(h.Timestamp.Unix()))
			count++
		}
	}

	for _, n := range c.neighbours {
		if n.State == StateConnected {
			_ = c.sendTCP(n, p)
		}
	}
}

// broadcastLNI asks every CONNECTED neighbour to emit its Local Node
// Information packet.
func (c *NetworkCore) broadcastLNI() {
	if c.packetFactory == nil {
		return
	}
	p := c.packetFactory.NewPacket("LNI", false)
	for _, n := range c.neighbours {
		if n.State == StateConnected {
			_ = c.sendTCP(n, p)
		}
	}
}

// hubBalanceTick runs the §4.7 role switcher and, if it decides to switch,
// closes every neighbour, applies the new role, and resets the load
// counters.
func (c *NetworkCore) hubBalanceTick(now time.Time) {
	if c.hubBalance.InGracePeriod(now) {
		return
	}
	localLeaves, localLeafMax := 0, c.tuning.NumLeafs
	if c.localRole == RoleHub {
		_, localLeaves, _ = c.countRoles()
	}
	switchTo := c.hubBalance.Evaluate(now, c.connectedNeighbours(), c.localRole, localLeaves, localLeafMax, c.firewalled, c.forcedMode)
	if switchTo == RoleUnknown || switchTo == c.localRole {
		return
	}
	c.switchClientModeLocked(switchTo, now)
}

// SwitchClientMode implements switch_client_mode (P4): a no-op when
// already in the requested role, when the core is inactive, or when the
// configured mode is forced away from auto.
func (c *NetworkCore) SwitchClientMode(role Role) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.forcedMode {
		return ErrModeForced
	}
	if !c.active || role == c.localRole {
		return nil
	}
	c.switchClientModeLocked(role, time.Now())
	return nil
}

func (c *NetworkCore) switchClientModeLocked(role Role, now time.Time) {
	for id, n := range c.neighbours {
		n.Close(nil)
		c.removeNeighbourLocked(id, n)
	}
	c.localRole = role
	c.hubBalance.ApplySwitch(now)
	c.metrics.hubBalanceSwitch(role)
}
