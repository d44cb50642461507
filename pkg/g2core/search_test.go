package g2core

import (
	"net"
	"testing"
	"time"
)

func testSearchTuning() SearchTuning {
	return SearchTuning{
		QueryLimit:        100,
		QueryHostThrottle: 5 * time.Second,
		RequeryDelay:      5 * time.Minute,
		HostCurrent:       2 * time.Hour,
		QueryKeyTime:      time.Hour,
		MaxResults:        500,
		MaxPacketsPerTick: 8,
	}
}

func newTestSearchManager() *SearchManager {
	return NewSearchManager(testSearchTuning(), nil, nil, nil)
}

func TestManagedSearch_StartSetsHitLimit(t *testing.T) {
	s := NewManagedSearch([]byte("query"))
	s.HitCount = 10
	s.Start(time.Unix(0, 0), 50)
	if s.HitLimit != 60 {
		t.Fatalf("expected HitLimit = HitCount + MaxResults = 60, got %d", s.HitLimit)
	}
	if s.State != SearchActive {
		t.Fatalf("expected search to be active after Start")
	}
}

func TestSearchManager_QueriesEligibleNeighbourAndRecordsSearched(t *testing.T) {
	m := newTestSearchManager()
	now := time.Unix(10_000, 0)
	s := NewManagedSearch([]byte("q"))
	m.Register(s, now)

	n, _ := newFakeNeighbour(now.Add(-30 * time.Second))
	n.AdoptRole(RoleHub, 0, 0, false, false, now.Add(-30*time.Second))

	sent := 0
	spent := m.Tick(now, 8, false, []*Neighbour{n}, nil,
		func(*ManagedSearch) Packet { return &stubPacket{} },
		func(*ManagedSearch, Endpoint) Packet { return &stubPacket{} },
		func(*ManagedSearch, Endpoint, bool) Packet { return &stubPacket{} },
		func(got *Neighbour, _ Packet) error { sent++; return nil },
		func(Endpoint, Packet, bool) error { t.Fatalf("unexpected UDP send"); return nil })

	if spent != 1 || sent != 1 {
		t.Fatalf("expected exactly one query sent, spent=%d sent=%d", spent, sent)
	}
	if _, ok := s.Searched[n.Endpoint]; !ok {
		t.Fatalf("expected neighbour endpoint recorded in Searched")
	}
}

func TestSearchManager_SlowStartCapsFirst30Seconds(t *testing.T) {
	m := newTestSearchManager()
	now := time.Unix(20_000, 0)
	s := NewManagedSearch([]byte("q"))
	m.Register(s, now)

	var neighbours []*Neighbour
	for i := 0; i < 5; i++ {
		n, _ := newFakeNeighbour(now.Add(-30 * time.Second))
		n.Endpoint = Endpoint{IP: net.ParseIP("203.0.113.1"), Port: uint16(2000 + i)}
		n.AdoptRole(RoleHub, 0, 0, false, false, now.Add(-30*time.Second))
		neighbours = append(neighbours, n)
	}

	sent := 0
	spent := m.Tick(now, 8, false, neighbours, nil,
		func(*ManagedSearch) Packet { return &stubPacket{} },
		func(*ManagedSearch, Endpoint) Packet { return &stubPacket{} },
		func(*ManagedSearch, Endpoint, bool) Packet { return &stubPacket{} },
		func(*Neighbour, Packet) error { sent++; return nil },
		func(Endpoint, Packet, bool) error { return nil })

	if spent != searchSlowStartCap || sent != searchSlowStartCap {
		t.Fatalf("expected slow-start cap of %d packets, got spent=%d sent=%d", searchSlowStartCap, spent, sent)
	}
}

func TestSearchManager_AutoPausesOverQueryLimit(t *testing.T) {
	m := newTestSearchManager()
	m.tuning.QueryLimit = 0
	now := time.Unix(30_000, 0)
	s := NewManagedSearch([]byte("q"))
	m.Register(s, now)
	s.StartedAt = now.Add(-time.Minute) // clear of slow-start

	n, _ := newFakeNeighbour(now.Add(-time.Minute))
	n.AdoptRole(RoleHub, 0, 0, false, false, now.Add(-time.Minute))

	m.Tick(now, 8, false, []*Neighbour{n}, nil,
		func(*ManagedSearch) Packet { return &stubPacket{} },
		func(*ManagedSearch, Endpoint) Packet { return &stubPacket{} },
		func(*ManagedSearch, Endpoint, bool) Packet { return &stubPacket{} },
		func(*Neighbour, Packet) error { return nil },
		func(Endpoint, Packet, bool) error { return nil })

	if s.State != SearchPaused {
		t.Fatalf("expected search to auto-pause once QueryCount exceeds QueryLimit, got %v", s.State)
	}
}

// TestSearchManager_GlobalBudgetNeverExceeded is P6: the sum of packet
// decrements across all searches in one tick never exceeds the budget.
func TestSearchManager_GlobalBudgetNeverExceeded(t *testing.T) {
	m := newTestSearchManager()
	now := time.Unix(40_000, 0)

	var neighbours []*Neighbour
	for i := 0; i < 20; i++ {
		n, _ := newFakeNeighbour(now.Add(-time.Minute))
		n.Endpoint = Endpoint{IP: net.ParseIP("203.0.113.2"), Port: uint16(3000 + i)}
		n.AdoptRole(RoleHub, 0, 0, false, false, now.Add(-time.Minute))
		neighbours = append(neighbours, n)
	}

	for i := 0; i < 5; i++ {
		s := NewManagedSearch([]byte("q"))
		m.Register(s, now)
		s.StartedAt = now.Add(-time.Minute)
	}

	const budget = 8
	spent := m.Tick(now, budget, false, neighbours, nil,
		func(*ManagedSearch) Packet { return &stubPacket{} },
		func(*ManagedSearch, Endpoint) Packet { return &stubPacket{} },
		func(*ManagedSearch, Endpoint, bool) Packet { return &stubPacket{} },
		func(*Neighbour, Packet) error { return nil },
		func(Endpoint, Packet, bool) error { return nil })

	if spent > budget {
		t.Fatalf("spent %d packets, exceeding the budget of %d", spent, budget)
	}
}

func TestSearchManager_SweepDropsStaleSearchedEntries(t *testing.T) {
	m := newTestSearchManager()
	now := time.Unix(50_000, 0)
	s := NewManagedSearch([]byte("q"))
	old := Endpoint{IP: net.ParseIP("203.0.113.9"), Port: 1}
	fresh := Endpoint{IP: net.ParseIP("203.0.113.10"), Port: 2}
	s.Searched[old] = now.Add(-m.tuning.RequeryDelay - time.Second)
	s.Searched[fresh] = now

	m.sweepSearched(s, now)

	if _, ok := s.Searched[old]; ok {
		t.Fatalf("expected stale entry to be swept")
	}
	if _, ok := s.Searched[fresh]; !ok {
		t.Fatalf("expected fresh entry to survive the sweep")
	}
}

func TestSearchManager_HitIngestionAndAutoPause(t *testing.T) {
	m := newTestSearchManager()
	now := time.Unix(60_000, 0)
	s := NewManagedSearch([]byte("q"))
	m.Register(s, now)
	s.HitLimit = 50

	hits := make([]QueryHit, 55)
	m.OnQueryHit(s.GUID, hits)

	if s.HitCount != 55 {
		t.Fatalf("expected HitCount 55, got %d", s.HitCount)
	}
	if s.State != SearchPaused {
		t.Fatalf("expected auto-pause once HitCount exceeds HitLimit")
	}
}

func TestSearchManager_HitBatchFlushesAtThreshold(t *testing.T) {
	var gotGUID GUID
	var gotCount int
	sink := &countingSink{onHit: func(guid GUID, hits []QueryHit) {
		gotGUID = guid
		gotCount = len(hits)
	}}
	m := NewSearchManager(testSearchTuning(), sink, nil, nil)
	now := time.Unix(70_000, 0)
	s := NewManagedSearch([]byte("q"))
	m.Register(s, now)

	m.OnQueryHit(s.GUID, make([]QueryHit, 100))

	if gotGUID != s.GUID || gotCount != 100 {
		t.Fatalf("expected a batched OnHit flush of 100, got guid=%v count=%d", gotGUID, gotCount)
	}
	if len(s.cachedHits) != 0 {
		t.Fatalf("expected cachedHits cleared after flush")
	}
}

// TestSearchManager_PickQKRHubChoosesLowestRTT is §8 Scenario 4: three
// connected hubs with RTTs 80/120/300ms, none with pings in flight; the
// 80ms hub must be chosen.
func TestSearchManager_PickQKRHubChoosesLowestRTT(t *testing.T) {
	m := newTestSearchManager()
	now := time.Unix(80_000, 0)
	s := NewManagedSearch([]byte("q"))

	rtts := []time.Duration{80 * time.Millisecond, 120 * time.Millisecond, 300 * time.Millisecond}
	var neighbours []*Neighbour
	for i, rtt := range rtts {
		n, _ := newFakeNeighbour(now)
		n.Endpoint = Endpoint{IP: net.ParseIP("203.0.113.20"), Port: uint16(4000 + i)}
		n.AdoptRole(RoleHub, 0, 0, false, false, now)
		n.RTT = rtt
		neighbours = append(neighbours, n)
	}

	hub, ok := m.pickQKRHub(s, neighbours)
	if !ok {
		t.Fatalf("expected a hub to be picked")
	}
	if hub.RTT != 80*time.Millisecond {
		t.Fatalf("expected the 80ms hub to be picked, got RTT %v", hub.RTT)
	}
}

// TestSearchManager_PickQKRHubExcludesBusyAndSlowHubs verifies hubs with a
// ping in flight or RTT >= 10s are never candidates, even if they'd
// otherwise have the lowest RTT among the remainder.
func TestSearchManager_PickQKRHubExcludesBusyAndSlowHubs(t *testing.T) {
	m := newTestSearchManager()
	now := time.Unix(81_000, 0)
	s := NewManagedSearch([]byte("q"))

	busy, _ := newFakeNeighbour(now)
	busy.Endpoint = Endpoint{IP: net.ParseIP("203.0.113.21"), Port: 1}
	busy.AdoptRole(RoleHub, 0, 0, false, false, now)
	busy.RTT = 10 * time.Millisecond
	busy.PingsInFlight = 1

	slow, _ := newFakeNeighbour(now)
	slow.Endpoint = Endpoint{IP: net.ParseIP("203.0.113.21"), Port: 2}
	slow.AdoptRole(RoleHub, 0, 0, false, false, now)
	slow.RTT = 11 * time.Second

	good, _ := newFakeNeighbour(now)
	good.Endpoint = Endpoint{IP: net.ParseIP("203.0.113.21"), Port: 3}
	good.AdoptRole(RoleHub, 0, 0, false, false, now)
	good.RTT = 200 * time.Millisecond

	hub, ok := m.pickQKRHub(s, []*Neighbour{busy, slow, good})
	if !ok || hub != good {
		t.Fatalf("expected the only eligible hub to be picked, got %v ok=%v", hub, ok)
	}
}

// TestSearchManager_RequestQueryKeyNonFirewalledSendsQKRDirect is §4.5 step
// 2's non-firewalled branch: the QKR goes straight to the host, with no
// hub involved at all.
func TestSearchManager_RequestQueryKeyNonFirewalledSendsQKRDirect(t *testing.T) {
	m := newTestSearchManager()
	now := time.Unix(82_000, 0)
	s := NewManagedSearch([]byte("q"))
	h := &Host{Endpoint: Endpoint{IP: net.ParseIP("198.51.100.5"), Port: 5}}

	var qkrCalls, qnaCalls int
	var sentTo Endpoint
	spent := m.requestQueryKey(s, now, h, false, nil,
		func(_ *ManagedSearch, returnAddr Endpoint) Packet {
			qkrCalls++
			if !returnAddr.IsZero() {
				t.Fatalf("expected zero return address for non-firewalled QKR, got %v", returnAddr)
			}
			return &stubPacket{}
		},
		func(*ManagedSearch, Endpoint, bool) Packet { qnaCalls++; return &stubPacket{} },
		func(ep Endpoint, _ Packet, acked bool) error {
			sentTo = ep
			if !acked {
				t.Fatalf("expected QKR to be sent acked")
			}
			return nil
		})

	if spent != 1 || qkrCalls != 1 || qnaCalls != 0 {
		t.Fatalf("expected exactly one direct QKR, spent=%d qkr=%d qna=%d", spent, qkrCalls, qnaCalls)
	}
	if !sentTo.Equal(h.Endpoint) {
		t.Fatalf("expected QKR sent to host directly, got %v", sentTo)
	}
}

// TestSearchManager_RequestQueryKeyFirewalledWithCachedKeysSendsQNA is
// §4.5 step 2's firewalled branch when the picked hub has CachedKeys: a
// QNA goes to the hub instead of a QKR to the host.
func TestSearchManager_RequestQueryKeyFirewalledWithCachedKeysSendsQNA(t *testing.T) {
	m := newTestSearchManager()
	now := time.Unix(83_000, 0)
	s := NewManagedSearch([]byte("q"))
	h := &Host{Endpoint: Endpoint{IP: net.ParseIP("198.51.100.6"), Port: 6}}

	hub, _ := newFakeNeighbour(now)
	hub.Endpoint = Endpoint{IP: net.ParseIP("203.0.113.22"), Port: 7}
	hub.AdoptRole(RoleHub, 0, 0, false, true, now)
	hub.RTT = 50 * time.Millisecond

	var qkrCalls, qnaCalls int
	var sentTo Endpoint
	spent := m.requestQueryKey(s, now, h, true, []*Neighbour{hub},
		func(*ManagedSearch, Endpoint) Packet { qkrCalls++; return &stubPacket{} },
		func(_ *ManagedSearch, target Endpoint, _ bool) Packet {
			qnaCalls++
			if !target.Equal(h.Endpoint) {
				t.Fatalf("expected QNA target to be the host, got %v", target)
			}
			return &stubPacket{}
		},
		func(ep Endpoint, _ Packet, _ bool) error { sentTo = ep; return nil })

	if spent != 1 || qnaCalls != 1 || qkrCalls != 0 {
		t.Fatalf("expected exactly one QNA via hub, spent=%d qkr=%d qna=%d", spent, qkrCalls, qnaCalls)
	}
	if !sentTo.Equal(hub.Endpoint) {
		t.Fatalf("expected QNA sent to the picked hub, got %v", sentTo)
	}
	if !s.lastQKRHub.Equal(hub.Endpoint) {
		t.Fatalf("expected lastQKRHub recorded for round-robin exclusion")
	}
}

// TestSearchManager_RequestQueryKeyFirewalledWithoutCachedKeysSendsQKR is
// the firewalled branch when the picked hub has no cached keys: a QKR
// naming the hub as return address goes to the host, same as the
// non-firewalled case but with a non-zero return address.
func TestSearchManager_RequestQueryKeyFirewalledWithoutCachedKeysSendsQKR(t *testing.T) {
	m := newTestSearchManager()
	now := time.Unix(84_000, 0)
	s := NewManagedSearch([]byte("q"))
	h := &Host{Endpoint: Endpoint{IP: net.ParseIP("198.51.100.7"), Port: 8}}

	hub, _ := newFakeNeighbour(now)
	hub.Endpoint = Endpoint{IP: net.ParseIP("203.0.113.23"), Port: 9}
	hub.AdoptRole(RoleHub, 0, 0, false, false, now)
	hub.RTT = 50 * time.Millisecond

	var returnAddr Endpoint
	var qnaCalls int
	spent := m.requestQueryKey(s, now, h, true, []*Neighbour{hub},
		func(_ *ManagedSearch, ra Endpoint) Packet { returnAddr = ra; return &stubPacket{} },
		func(*ManagedSearch, Endpoint, bool) Packet { qnaCalls++; return &stubPacket{} },
		func(Endpoint, Packet, bool) error { return nil })

	if spent != 1 || qnaCalls != 0 {
		t.Fatalf("expected exactly one QKR, no QNA, spent=%d qna=%d", spent, qnaCalls)
	}
	if !returnAddr.Equal(hub.Endpoint) {
		t.Fatalf("expected QKR return address to be the picked hub, got %v", returnAddr)
	}
}

// TestSearchManager_RequestQueryKeyFirewalledNoEligibleHub verifies the
// miss path: no connected hub qualifies, so no packet is sent at all.
func TestSearchManager_RequestQueryKeyFirewalledNoEligibleHub(t *testing.T) {
	m := newTestSearchManager()
	now := time.Unix(85_000, 0)
	s := NewManagedSearch([]byte("q"))
	h := &Host{Endpoint: Endpoint{IP: net.ParseIP("198.51.100.8"), Port: 9}}

	spent := m.requestQueryKey(s, now, h, true, nil,
		func(*ManagedSearch, Endpoint) Packet { t.Fatalf("unexpected QKR"); return nil },
		func(*ManagedSearch, Endpoint, bool) Packet { t.Fatalf("unexpected QNA"); return nil },
		func(Endpoint, Packet, bool) error { t.Fatalf("unexpected send"); return nil })

	if spent != 0 {
		t.Fatalf("expected no packet sent when no hub qualifies, got spent=%d", spent)
	}
}

// TestKeyAddressedToUs covers both branches of keyAddressedToUs: a key
// with no KeyHost (granted to us directly) and one relayed through a
// connected hub neighbour.
func TestKeyAddressedToUs(t *testing.T) {
	now := time.Unix(86_000, 0)
	direct := &Host{Endpoint: Endpoint{IP: net.ParseIP("198.51.100.9"), Port: 1}}
	if !keyAddressedToUs(direct, nil) {
		t.Fatalf("expected a key with no KeyHost to be addressed to us")
	}

	hub, _ := newFakeNeighbour(now)
	hub.Endpoint = Endpoint{IP: net.ParseIP("203.0.113.24"), Port: 2}
	hub.AdoptRole(RoleHub, 0, 0, false, false, now)

	relayed := &Host{Endpoint: Endpoint{IP: net.ParseIP("198.51.100.10"), Port: 2}, KeyHost: hub.Endpoint}
	if !keyAddressedToUs(relayed, []*Neighbour{hub}) {
		t.Fatalf("expected a key relayed through a connected hub to be addressed to us")
	}

	relayedElsewhere := &Host{Endpoint: Endpoint{IP: net.ParseIP("198.51.100.11"), Port: 3},
		KeyHost: Endpoint{IP: net.ParseIP("203.0.113.25"), Port: 9}}
	if keyAddressedToUs(relayedElsewhere, []*Neighbour{hub}) {
		t.Fatalf("expected a key relayed through an unconnected hub to not be addressed to us")
	}
}

type countingSink struct {
	onHit func(GUID, []QueryHit)
}

func (c *countingSink) NeighbourAdded(n *Neighbour)           {}
func (c *countingSink) NeighbourUpdated(n *Neighbour)         {}
func (c *countingSink) NeighbourRemoved(n *Neighbour)         {}
func (c *countingSink) SearchStateChanged(s *ManagedSearch)   {}
func (c *countingSink) OnHit(guid GUID, hits []QueryHit) {
	if c.onHit != nil {
		c.onHit(guid, hits)
	}
}
