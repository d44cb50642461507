package g2core

import (
	"errors"
	"net"
	"testing"
	"time"
)

type fakeConn struct {
	closed bool
	remote Endpoint
}

func (f *fakeConn) Read(p []byte) (int, error)  { return 0, nil }
func (f *fakeConn) Write(p []byte) (int, error) { return len(p), nil }
func (f *fakeConn) Close() error                { f.closed = true; return nil }
func (f *fakeConn) RemoteEndpoint() Endpoint     { return f.remote }

func newFakeNeighbour(now time.Time) (*Neighbour, *fakeConn) {
	ep := Endpoint{IP: net.ParseIP("192.0.2.1"), Port: 6346}
	conn := &fakeConn{remote: ep}
	return NewNeighbour(ep, conn, now), conn
}

func TestNeighbour_HandshakeTimeout(t *testing.T) {
	now := time.Unix(1000, 0)
	n, conn := newFakeNeighbour(now)
	n.MarkHandshaking(now)

	n.Tick(now.Add(14*time.Second), defaultNeighbourTuning())
	if n.State == StateClosing {
		t.Fatalf("closed before handshake timeout elapsed")
	}

	n.Tick(now.Add(16*time.Second), defaultNeighbourTuning())
	if n.State != StateClosing {
		t.Fatalf("expected StateClosing after handshake timeout, got %v", n.State)
	}
	if !errors.Is(n.CloseReason(), ErrHandshakeTimeout) {
		t.Fatalf("expected ErrHandshakeTimeout, got %v", n.CloseReason())
	}
	if !conn.closed {
		t.Fatalf("expected underlying conn to be closed")
	}
}

func TestNeighbour_IdleTimeout(t *testing.T) {
	now := time.Unix(2000, 0)
	n, _ := newFakeNeighbour(now)
	n.AdoptRole(RoleHub, 0, 10, false, false, now)

	tuning := defaultNeighbourTuning()
	n.Tick(now.Add(tuning.IdleTimeout/2), tuning)
	if n.State != StateConnected {
		t.Fatalf("expected still connected, got %v", n.State)
	}

	n.Tick(now.Add(tuning.IdleTimeout+time.Second), tuning)
	if n.State != StateClosing {
		t.Fatalf("expected idle timeout to close neighbour, got %v", n.State)
	}
	if !errors.Is(n.CloseReason(), ErrIdleTimeout) {
		t.Fatalf("expected ErrIdleTimeout, got %v", n.CloseReason())
	}
}

func TestNeighbour_RTTPairing(t *testing.T) {
	now := time.Unix(3000, 0)
	n, _ := newFakeNeighbour(now)
	n.AdoptRole(RoleLeaf, 0, 0, false, false, now)

	seq := n.SendPing(now)
	if n.PingsInFlight != 1 {
		t.Fatalf("expected 1 ping in flight, got %d", n.PingsInFlight)
	}

	later := now.Add(120 * time.Millisecond)
	n.RecordPong(seq, later)
	if n.PingsInFlight != 0 {
		t.Fatalf("expected 0 pings in flight after pong, got %d", n.PingsInFlight)
	}
	if n.RTT != 120*time.Millisecond {
		t.Fatalf("expected RTT 120ms, got %v", n.RTT)
	}
}

func TestNeighbour_RecordPong_UnknownSeqIsNoop(t *testing.T) {
	now := time.Unix(4000, 0)
	n, _ := newFakeNeighbour(now)
	n.RecordPong(999, now.Add(time.Second))
	if n.RTT != 0 {
		t.Fatalf("expected RTT unchanged for unknown seq, got %v", n.RTT)
	}
}

func TestNeighbour_EligibleForQuery(t *testing.T) {
	now := time.Unix(5000, 0)
	n, _ := newFakeNeighbour(now)
	n.AdoptRole(RoleHub, 0, 0, false, false, now)

	if n.EligibleForQuery(now.Add(5*time.Second), 15*time.Second, time.Second) {
		t.Fatalf("should not be eligible before minAttached elapses")
	}
	if !n.EligibleForQuery(now.Add(20*time.Second), 15*time.Second, time.Second) {
		t.Fatalf("should be eligible once attached long enough and never queried")
	}

	n.RecordQuerySent(now.Add(20 * time.Second))
	if n.EligibleForQuery(now.Add(20500*time.Millisecond), 15*time.Second, time.Second) {
		t.Fatalf("should not be eligible within throttle window of last query")
	}
}

func TestNeighbour_CloseIsIdempotent(t *testing.T) {
	now := time.Unix(6000, 0)
	n, _ := newFakeNeighbour(now)
	n.Close(ErrMalformedPacket)
	n.Close(ErrIdleTimeout)
	if !errors.Is(n.CloseReason(), ErrMalformedPacket) {
		t.Fatalf("expected first close reason to stick, got %v", n.CloseReason())
	}
}
