package g2core

import (
	"log/slog"
	"time"
)

// SearchTuning bundles the §6 configuration fields the search engine needs.
type SearchTuning struct {
	QueryLimit        int
	QueryHostThrottle time.Duration
	RequeryDelay      time.Duration
	HostCurrent       time.Duration
	QueryKeyTime      time.Duration
	MaxResults        int
	MaxPacketsPerTick int // I6 global search budget
}

const (
	searchSlowStartWindow = 30 * time.Second
	searchSlowStartCap    = 2
	minAttachedForQuery   = 15 * time.Second
	hitBatchThreshold     = 100
	qkrHubMaxRTT          = 10 * time.Second
)

// ManagedSearch is a single user query active on the overlay. Its fields
// mirror the Search Registry Entry of §3; it is owned by the SearchManager
// and mutated only under the core mutex.
type ManagedSearch struct {
	GUID      GUID
	Query     []byte
	StartedAt time.Time

	State SearchState

	HubsQueried    int
	LeavesQueried  int
	HitCount       int
	HitLimit       int
	QueryCount     int
	CanRequestKey  bool
	CleanNextAt    time.Time
	Searched       map[Endpoint]time.Time
	lastQKRHub     Endpoint
	cachedHits     []QueryHit
	cachedHitCount int
}

// NewManagedSearch constructs a search in the inactive state. Call Start to
// activate it.
func NewManagedSearch(query []byte) *ManagedSearch {
	return &ManagedSearch{
		GUID:     NewGUID(),
		Query:    query,
		State:    SearchInactive,
		Searched: make(map[Endpoint]time.Time),
	}
}

// Start transitions the search to active, resetting its per-run counters.
// currentHits is the hit count already accumulated (0 for a fresh search),
// used to compute HitLimit = currentHits + MaxResults.
func (s *ManagedSearch) Start(now time.Time, maxResults int) {
	s.State = SearchActive
	s.StartedAt = now
	s.QueryCount = 0
	s.CanRequestKey = true
	s.HitLimit = s.HitCount + maxResults
	s.CleanNextAt = now.Add(searchSlowStartWindow)
}

// Pause transitions the search to paused; it stops issuing queries but
// keeps its Searched map and counters.
func (s *ManagedSearch) Pause() { s.State = SearchPaused }

// Stop deactivates the search entirely.
func (s *ManagedSearch) Stop() { s.State = SearchInactive }

// SearchManager owns every ManagedSearch and enforces the shared, global
// per-tick packet budget (I6).
type SearchManager struct {
	tuning   SearchTuning
	searches map[GUID]*ManagedSearch
	sink     EventSink
	metrics  *Metrics
	logger   *slog.Logger
}

// NewSearchManager constructs an empty manager.
func NewSearchManager(tuning SearchTuning, sink EventSink, metrics *Metrics, logger *slog.Logger) *SearchManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SearchManager{
		tuning:   tuning,
		searches: make(map[GUID]*ManagedSearch),
		sink:     sink,
		metrics:  metrics,
		logger:   logger,
	}
}

// Register adds s to the registry and starts it.
func (m *SearchManager) Register(s *ManagedSearch, now time.Time) {
	s.Start(now, m.tuning.MaxResults)
	m.searches[s.GUID] = s
	if m.sink != nil {
		m.sink.SearchStateChanged(s)
	}
}

// Deregister removes a search from the registry entirely.
func (m *SearchManager) Deregister(guid GUID) {
	delete(m.searches, guid)
}

// Count returns the number of registered searches.
func (m *SearchManager) Count() int { return len(m.searches) }

// ActiveCount returns the number of searches currently active.
func (m *SearchManager) ActiveCount() int {
	n := 0
	for _, s := range m.searches {
		if s.State == SearchActive {
			n++
		}
	}
	return n
}

// sendFunc sends q over a reliable TCP stream to n, returning an error on
// failure. sendUDPFunc sends an acknowledged datagram to ep.
type sendFunc func(n *Neighbour, p Packet) error
type sendUDPFunc func(ep Endpoint, p Packet, acked bool) error

// Tick runs every registered search's per-search tick, in map iteration
// order, sharing the single global packet budget across all of them (I6,
// P6). neighbours is the live neighbour set; hostCache is locked by the
// caller before this is invoked (lock ordering core_mutex -> host_cache
// -> neighbours is honored by the controller, not here).
func (m *SearchManager) Tick(now time.Time, budget int, firewalled bool, neighbours []*Neighbour, hostCache HostCache,
	queryPacket func(s *ManagedSearch) Packet, qkrPacket func(s *ManagedSearch, returnAddr Endpoint) Packet,
	qnaPacket func(s *ManagedSearch, target Endpoint, refresh bool) Packet,
	send sendFunc, sendUDP sendUDPFunc) int {

	spent := 0
	for _, s := range m.searches {
		if budget-spent <= 0 {
			m.metrics.searchBudgetExhausted()
			break
		}
		spent += m.tickOne(s, now, budget-spent, firewalled, neighbours, hostCache, queryPacket, qkrPacket, qnaPacket, send, sendUDP)
	}
	m.metrics.setSearchesActive(m.ActiveCount())
	return spent
}

func (m *SearchManager) tickOne(s *ManagedSearch, now time.Time, remaining int, firewalled bool, neighbours []*Neighbour, hostCache HostCache,
	queryPacket func(s *ManagedSearch) Packet, qkrPacket func(s *ManagedSearch, returnAddr Endpoint) Packet,
	qnaPacket func(s *ManagedSearch, target Endpoint, refresh bool) Packet,
	send sendFunc, sendUDP sendUDPFunc) int {

	if s.State != SearchActive {
		return 0
	}

	packetCap := remaining
	if now.Sub(s.StartedAt) < searchSlowStartWindow && packetCap > searchSlowStartCap {
		packetCap = searchSlowStartCap
	}
	spent := 0

	// Phase 1: query eligible neighbours.
	for _, n := range neighbours {
		if spent >= packetCap {
			break
		}
		if _, already := s.Searched[n.Endpoint]; already {
			continue
		}
		if !n.EligibleForQuery(now, minAttachedForQuery, m.tuning.QueryHostThrottle) {
			continue
		}
		pkt := queryPacket(s)
		if err := send(n, pkt); err != nil {
			continue
		}
		n.RecordQuerySent(now)
		s.Searched[n.Endpoint] = now
		s.QueryCount++
		spent++
		if n.Role == RoleHub {
			s.HubsQueried++
		} else {
			s.LeavesQueried++
		}
		m.metrics.searchPacketSent("query")
	}

	// Phase 2: query UDP hosts from the host cache, timestamp-descending.
	if spent < packetCap && hostCache != nil {
		spent += m.queryHosts(s, now, packetCap-spent, firewalled, neighbours, hostCache, queryPacket, qkrPacket, qnaPacket, sendUDP)
	}

	// Phase 3: flip-flop can_request_key, halving QKR emission rate.
	s.CanRequestKey = !s.CanRequestKey

	// Phase 4: periodic searched-map sweep (I5/P7).
	if !s.CleanNextAt.After(now) {
		m.sweepSearched(s, now)
		s.CleanNextAt = now.Add(m.tuning.QueryHostThrottle)
	}

	if s.QueryCount > m.tuning.QueryLimit {
		s.Pause()
		if m.sink != nil {
			m.sink.SearchStateChanged(s)
		}
	}

	return spent
}

func (m *SearchManager) queryHosts(s *ManagedSearch, now time.Time, budget int, firewalled bool, neighbours []*Neighbour, hostCache HostCache,
	queryPacket func(s *ManagedSearch) Packet, qkrPacket func(s *ManagedSearch, returnAddr Endpoint) Packet,
	qnaPacket func(s *ManagedSearch, target Endpoint, refresh bool) Packet,
	sendUDP sendUDPFunc) int {

	spent := 0
	neighbourSet := make(map[Endpoint]struct{}, len(neighbours))
	for _, n := range neighbours {
		neighbourSet[n.Endpoint] = struct{}{}
	}

	for _, h := range hostCache.Snapshot() {
		if spent >= budget {
			break
		}
		if now.Sub(h.Timestamp) > m.tuning.HostCurrent {
			break // cache is sorted descending; everything after is older.
		}
		if !h.CanQuery(now, m.tuning.QueryHostThrottle) {
			continue
		}
		if lastSearched, ok := s.Searched[h.Endpoint]; ok && now.Sub(lastSearched) < m.tuning.RequeryDelay {
			continue
		}
		if _, isNeighbour := neighbourSet[h.Endpoint]; isNeighbour {
			continue
		}

		if h.HasUnexpiredKey(now, m.tuning.QueryKeyTime) && keyAddressedToUs(h, neighbours) {
			pkt := queryPacket(s)
			if err := sendUDP(h.Endpoint, pkt, true); err == nil {
				s.Searched[h.Endpoint] = now
				h.LastQuery = now
				if h.LastAck.IsZero() {
					h.LastAck = now
				}
				spent++
				m.metrics.searchPacketSent("query")
			}
			continue
		}

		if s.CanRequestKey && now.Sub(h.KeyTime) > m.tuning.QueryHostThrottle {
			spent += m.requestQueryKey(s, now, h, firewalled, neighbours, qkrPacket, qnaPacket, sendUDP)
		}
	}
	return spent
}

// keyAddressedToUs reports whether h's cached query key was granted to us
// directly (non-firewalled case) or to one of our connected hub
// neighbours (firewalled case, relayed key).
func keyAddressedToUs(h *Host, neighbours []*Neighbour) bool {
	if h.KeyHost.IsZero() {
		return true
	}
	for _, n := range neighbours {
		if n.Role == RoleHub && n.State == StateConnected && n.Endpoint.Equal(h.KeyHost) {
			return true
		}
	}
	return false
}

func (m *SearchManager) requestQueryKey(s *ManagedSearch, now time.Time, h *Host, firewalled bool, neighbours []*Neighbour,
	qkrPacket func(s *ManagedSearch, returnAddr Endpoint) Packet,
	qnaPacket func(s *ManagedSearch, target Endpoint, refresh bool) Packet,
	sendUDP sendUDPFunc) int {

	if !firewalled {
		pkt := qkrPacket(s, Endpoint{})
		if err := sendUDP(h.Endpoint, pkt, true); err != nil {
			return 0
		}
		m.metrics.searchPacketSent("qkr")
		return 1
	}

	hub, ok := m.pickQKRHub(s, neighbours)
	if !ok {
		return 0
	}
	s.lastQKRHub = hub.Endpoint
	refresh := !h.KeyTime.IsZero() && now.Sub(h.KeyTime) >= m.tuning.QueryKeyTime

	if hub.CachedKeys {
		pkt := qnaPacket(s, h.Endpoint, refresh)
		if err := sendUDP(hub.Endpoint, pkt, true); err != nil {
			return 0
		}
		m.metrics.searchPacketSent("qna")
		return 1
	}
	pkt := qkrPacket(s, hub.Endpoint)
	if err := sendUDP(h.Endpoint, pkt, true); err != nil {
		return 0
	}
	m.metrics.searchPacketSent("qkr")
	return 1
}

// pickQKRHub selects the lowest-RTT connected hub with no outstanding
// pings and RTT < 10s, excluding the hub used last tick when more than two
// hubs are connected (round-robin, reduces key skew).
func (m *SearchManager) pickQKRHub(s *ManagedSearch, neighbours []*Neighbour) (*Neighbour, bool) {
	var candidates []*Neighbour
	for _, n := range neighbours {
		if n.Role == RoleHub && n.State == StateConnected && n.PingsInFlight == 0 && n.RTT < qkrHubMaxRTT {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		return nil, false
	}
	if len(candidates) > 2 && !s.lastQKRHub.IsZero() {
		filtered := candidates[:0]
		for _, n := range candidates {
			if !n.Endpoint.Equal(s.lastQKRHub) {
				filtered = append(filtered, n)
			}
		}
		if len(filtered) > 0 {
			candidates = filtered
		}
	}
	best := candidates[0]
	for _, n := range candidates[1:] {
		if n.RTT < best.RTT {
			best = n
		}
	}
	return best, true
}

// sweepSearched drops every Searched entry older than RequeryDelay (I5/P7).
func (m *SearchManager) sweepSearched(s *ManagedSearch, now time.Time) {
	for ep, t := range s.Searched {
		if now.Sub(t) > m.tuning.RequeryDelay {
			delete(s.Searched, ep)
		}
	}
}

// OnQueryHit ingests a batch of hits arriving for guid. It increments the
// search's counters, buffers the hits, and flushes a batched notification
// once the buffer passes the 100-hit threshold. If hit_count exceeds
// hit_limit the search auto-pauses.
func (m *SearchManager) OnQueryHit(guid GUID, hits []QueryHit) {
	s, ok := m.searches[guid]
	if !ok {
		return
	}
	s.HitCount += len(hits)
	s.cachedHitCount += len(hits)
	s.cachedHits = append(s.cachedHits, hits...)
	m.metrics.hitsReceived(len(hits))

	if s.cachedHitCount >= hitBatchThreshold {
		if m.sink != nil {
			m.sink.OnHit(guid, s.cachedHits)
		}
		s.cachedHits = nil
		s.cachedHitCount = 0
	}

	if s.HitCount > s.HitLimit {
		s.Pause()
		if m.sink != nil {
			m.sink.SearchStateChanged(s)
		}
	}
}

// FlushPendingHits forces emission of any buffered hits below the batch
// threshold, called once per tick (§4.1 step 9) so results aren't held
// indefinitely waiting for the 100-hit cutoff.
func (m *SearchManager) FlushPendingHits() {
	for guid, s := range m.searches {
		if len(s.cachedHits) == 0 {
			continue
		}
		if m.sink != nil {
			m.sink.OnHit(guid, s.cachedHits)
		}
		s.cachedHits = nil
		s.cachedHitCount = 0
	}
}
