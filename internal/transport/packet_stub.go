package transport

import (
	"fmt"
	"sync/atomic"

	"github.com/shurlinet/g2node/pkg/g2core"
)

// The G2 binary wire format (child-tree framing, varint lengths, compound
// packets) is an external collaborator by design (see SPEC_FULL.md §1): the
// core only asks a Packet for its type, its destination GUID, and manages
// its reference count. stubPacket and stubPacketFactory below are the
// minimal placeholder codec that lets cmd/g2node wire up and run the core
// end to end without a real G2 parser; replacing them with a byte-accurate
// G2 codec does not require touching pkg/g2core at all.

type stubPacket struct {
	ptype string
	to    g2core.GUID
	hasTo bool
	refs  int32
}

func (p *stubPacket) AddRef()  { atomic.AddInt32(&p.refs, 1) }
func (p *stubPacket) Release() { atomic.AddInt32(&p.refs, -1) }
func (p *stubPacket) Type() string { return p.ptype }
func (p *stubPacket) GetTo() (g2core.GUID, bool) { return p.to, p.hasTo }

// StubPacketFactory builds placeholder packets carrying only a type tag.
// See the package-level comment above.
type StubPacketFactory struct{}

func (StubPacketFactory) NewPacket(ptype string, hasChildren bool) g2core.Packet {
	return &stubPacket{ptype: ptype}
}
func (StubPacketFactory) WriteChild(p g2core.Packet, ctype string, length int) {}
func (StubPacketFactory) WriteIntLE(p g2core.Packet, v uint32)                 {}
func (StubPacketFactory) WriteHostAddress(p g2core.Packet, ep g2core.Endpoint) {}

// StubCodec encodes/decodes stubPacket as a single type-tag string, purely
// so the UDP datagram path has something to transmit before a real G2
// codec exists.
type StubCodec struct{}

func (StubCodec) Encode(p g2core.Packet) ([]byte, error) {
	return []byte(p.Type()), nil
}

func (StubCodec) Decode(raw []byte) (g2core.Packet, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty datagram")
	}
	return &stubPacket{ptype: string(raw)}, nil
}
