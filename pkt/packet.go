// Package pkt provides the packet container passed between the receive
// ring, the LRO engine and the upper stack.
package pkt

import "sync/atomic"

// CsumFlags describe checksum work already done by hardware.
type CsumFlags uint32

const (
	CsumIPChecked CsumFlags = 1 << iota
	CsumIPValid
	CsumDataValid
	CsumPseudoHdr

	// CsumRxValidated is the full set reported for a frame whose L2, L3
	// and L4 checks all passed.
	CsumRxValidated = CsumIPChecked | CsumIPValid | CsumDataValid | CsumPseudoHdr
)

// HashType classifies FlowID.
type HashType uint8

const (
	HashNone HashType = iota
	// HashOpaque means FlowID identifies the receive queue, not a hash of
	// packet fields.
	HashOpaque
)

// Caps is a set of interface capabilities.
type Caps uint32

const (
	CapRxCsum Caps = 1 << iota
	CapLRO
	CapVLANHWTagging
)

// Iface is the receiving network interface.
// Enabled capabilities may be changed by the control plane while queues
// are running.
type Iface struct {
	Name string

	capenable atomic.Uint32
}

// NewIface returns an interface with the given capabilities enabled.
func NewIface(name string, caps Caps) *Iface {
	i := &Iface{Name: name}
	i.capenable.Store(uint32(caps))
	return i
}

// Caps returns the enabled capabilities.
func (i *Iface) Caps() Caps { return Caps(i.capenable.Load()) }

// SetCaps replaces the enabled capabilities.
func (i *Iface) SetCaps(c Caps) { i.capenable.Store(uint32(c)) }

// Has reports whether all of c are enabled.
func (i *Iface) Has(c Caps) bool { return i.Caps()&c == c }

// Packet is a received frame.
//
// Buf is the backing memory; the frame occupies Buf[Off:Off+Len].
// Packets built by LRO carry continuation buffers in Frags, each holding
// only TCP payload.
type Packet struct {
	Buf []byte
	Off int
	Len int

	// PktHdrLen is the total packet length including Frags.
	PktHdrLen int
	FlowID    uint32
	HashType  HashType
	RcvIf     *Iface

	CsumFlags CsumFlags
	CsumData  uint16

	VLANTag   uint16
	VLANValid bool

	// BusAddr is the DMA address of the mapping that covers Buf while the
	// packet is posted to the device.
	BusAddr uint64

	Frags []*Packet
}

// Data returns the bytes of this buffer only.
func (p *Packet) Data() []byte { return p.Buf[p.Off : p.Off+p.Len] }

// Adj trims n bytes from the front when n > 0 and -n bytes from the back
// when n < 0.
func (p *Packet) Adj(n int) {
	switch {
	case n > 0:
		n = min(n, p.Len)
		p.Off += n
		p.Len -= n
	case n < 0:
		p.Len -= min(-n, p.Len)
	}
}

// Headroom returns the number of bytes in Buf before Off.
func (p *Packet) Headroom() int { return p.Off }

// Bytes returns the whole packet, Frags included, as one slice.
// It does not copy when there are no Frags.
func (p *Packet) Bytes() []byte {
	if len(p.Frags) == 0 {
		return p.Data()
	}
	n := p.Len
	for _, f := range p.Frags {
		n += f.Len
	}
	b := make([]byte, 0, n)
	b = append(b, p.Data()...)
	for _, f := range p.Frags {
		b = append(b, f.Data()...)
	}
	return b
}

// Segments returns 1 + len(Frags).
func (p *Packet) Segments() int { return 1 + len(p.Frags) }

// Checksummed reports whether hardware validated the packet.
func (p *Packet) Checksummed() bool { return p.CsumFlags != 0 }

// reset clears everything except Buf.
func (p *Packet) reset() {
	*p = Packet{Buf: p.Buf}
}
