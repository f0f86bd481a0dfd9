// Package tlro implements a bounded TCP large receive offload engine.
//
// A Ctrl holds a fixed number of slots, each aggregating consecutive
// in-order segments of one TCP flow. Segments that cannot be aggregated
// pass through untouched and remain owned by the caller. Aggregated
// packets are delivered to the Sink as a single segment whose headers
// describe the merged payload; the continuation payloads are carried in
// the head packet's Frags.
//
// A Ctrl is not safe for concurrent use. Counters may be read from any
// goroutine.
package tlro

import (
	"cmp"
	"encoding/binary"
	"math"
	"slices"
	"sync/atomic"

	"github.com/romshark/rxring-go/pkt"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// Disposition is the outcome of Offer.
type Disposition uint8

const (
	// PassedThrough means the packet was not taken. The caller still owns it.
	PassedThrough Disposition = iota
	// Accepted means the Ctrl took ownership of the packet.
	Accepted
)

func (d Disposition) String() string {
	if d == Accepted {
		return "accepted"
	}
	return "passed-through"
}

// Counters is a snapshot of engine activity.
type Counters struct {
	Accepted      uint64
	PassedThrough uint64
	// Flushed counts delivered aggregates, evictions included.
	Flushed uint64
	// Evicted counts slots flushed to make room for another flow.
	Evicted uint64
}

type slot struct {
	used bool
	key  flowKey

	// hdr is a copy of the IP header and the TCP base header of the
	// first segment. It is the template rewritten on flush.
	hdr    [MaxHeader]byte
	hdrLen int

	head  *pkt.Packet
	tails chain

	lastTick int64
	sequence uint64

	seq      uint32
	dataLen  int
	dataOff  int
	ipOff    int
	ipHdrLen int
	tcpLen   int
	// mss is the payload size of the first segment. A shorter segment
	// closes the slot.
	mss    int
	closed bool

	ack    uint32
	window uint16
	psh    bool
	hasTS  bool
	tsOff  int
	tsVal  uint32
	tsEcr  uint32
}

// Ctrl is an LRO engine.
type Ctrl struct {
	slots    []slot
	curr     int
	sequence uint64
	tick     int64
	sink     pkt.Sink
	arena    *arena

	accepted atomic.Uint64
	passed   atomic.Uint64
	flushed  atomic.Uint64
	evicted  atomic.Uint64
}

// New returns an engine with nslots slots delivering to sink.
// nslots <= 0 yields an engine that passes every packet through.
func New(nslots int, sink pkt.Sink) *Ctrl {
	nslots = max(nslots, 0)
	return &Ctrl{
		slots: make([]slot, nslots),
		sink:  sink,
		arena: newArena(nslots * 8),
	}
}

// Max returns the slot capacity.
func (c *Ctrl) Max() int { return len(c.slots) }

// Len returns the number of occupied slots.
func (c *Ctrl) Len() int { return c.curr }

// SetTick sets the time recorded in slots touched from now on.
func (c *Ctrl) SetTick(t int64) { c.tick = t }

// Counters returns a snapshot of the counters.
func (c *Ctrl) Counters() Counters {
	return Counters{
		Accepted:      c.accepted.Load(),
		PassedThrough: c.passed.Load(),
		Flushed:       c.flushed.Load(),
		Evicted:       c.evicted.Load(),
	}
}

// Offer hands p to the engine.
//
// A packet that cannot be aggregated is passed through, but if it belongs
// to a flow with an active slot that slot is flushed first so the caller
// delivers the packet behind the aggregate.
func (c *Ctrl) Offer(p *pkt.Packet) Disposition {
	if len(c.slots) == 0 {
		c.passed.Add(1)
		return PassedThrough
	}

	seg, err := classify(p)
	i := -1
	if seg.keyed {
		i = c.lookup(seg.key)
	}
	if err != nil {
		if i >= 0 {
			c.flush(i)
		}
		c.passed.Add(1)
		return PassedThrough
	}

	switch {
	case i >= 0:
		if s := &c.slots[i]; s.matches(&seg) {
			c.merge(s, p, &seg)
			c.accepted.Add(1)
			return Accepted
		}
		c.flush(i)
	case c.curr == len(c.slots):
		i = c.oldest()
		c.flush(i)
		c.evicted.Add(1)
	default:
		i = c.unused()
	}
	c.install(i, p, &seg)
	c.accepted.Add(1)
	return Accepted
}

// FlushAll delivers every aggregate, oldest first, and returns how many
// were delivered.
func (c *Ctrl) FlushAll() int {
	return c.flushWhere(func(*slot) bool { return true })
}

// FlushIdle delivers the aggregates not touched since before now-idle,
// oldest first.
func (c *Ctrl) FlushIdle(now, idle int64) int {
	return c.flushWhere(func(s *slot) bool { return now-s.lastTick > idle })
}

func (c *Ctrl) flushWhere(pred func(*slot) bool) int {
	if c.curr == 0 {
		return 0
	}
	idx := make([]int, 0, c.curr)
	for i := range c.slots {
		if c.slots[i].used && pred(&c.slots[i]) {
			idx = append(idx, i)
		}
	}
	slices.SortFunc(idx, func(a, b int) int {
		return cmp.Compare(c.slots[a].sequence, c.slots[b].sequence)
	})
	for _, i := range idx {
		c.flush(i)
	}
	return len(idx)
}

func (c *Ctrl) lookup(k flowKey) int {
	for i := range c.slots {
		if c.slots[i].used && c.slots[i].key == k {
			return i
		}
	}
	return -1
}

func (c *Ctrl) unused() int {
	for i := range c.slots {
		if !c.slots[i].used {
			return i
		}
	}
	return -1
}

func (c *Ctrl) oldest() int {
	o := -1
	for i := range c.slots {
		if c.slots[i].used && (o < 0 || c.slots[i].sequence < c.slots[o].sequence) {
			o = i
		}
	}
	return o
}

func (c *Ctrl) touch(s *slot) {
	c.sequence++
	s.sequence = c.sequence
	s.lastTick = c.tick
}

func (c *Ctrl) install(i int, p *pkt.Packet, seg *segment) {
	p.Adj(-seg.padding)
	s := &c.slots[i]
	*s = slot{
		used:     true,
		key:      seg.key,
		hdrLen:   seg.ipHdrLen + header.TCPMinimumSize,
		head:     p,
		tails:    emptyChain(),
		seq:      seg.seq,
		dataLen:  seg.dataLen,
		dataOff:  seg.dataOff,
		ipOff:    seg.ipOff,
		ipHdrLen: seg.ipHdrLen,
		tcpLen:   seg.tcpLen,
		mss:      seg.dataLen,
		ack:      seg.ack,
		window:   seg.window,
		psh:      seg.flags&header.TCPFlagPsh != 0,
		hasTS:    seg.hasTS,
		tsOff:    seg.tsOff,
		tsVal:    seg.tsVal,
		tsEcr:    seg.tsEcr,
	}
	copy(s.hdr[:], p.Data()[seg.ipOff:seg.ipOff+s.hdrLen])
	c.touch(s)
	c.curr++
}

func (s *slot) maxLen() int {
	if s.key.version == header.IPv4Version {
		return math.MaxUint16 - s.ipHdrLen
	}
	return math.MaxUint16
}

func (s *slot) matches(seg *segment) bool {
	return !s.closed &&
		seg.seq == s.seq+uint32(s.dataLen) &&
		seg.tcpLen == s.tcpLen &&
		seg.hasTS == s.hasTS &&
		(!seg.hasTS || seqGE(seg.tsVal, s.tsVal)) &&
		seqGE(seg.ack, s.ack) &&
		seg.dataLen <= s.mss &&
		s.tcpLen+s.dataLen+seg.dataLen <= s.maxLen()
}

func (c *Ctrl) merge(s *slot, p *pkt.Packet, seg *segment) {
	p.Adj(-seg.padding)
	p.Adj(seg.dataOff)
	c.arena.append(&s.tails, p)

	s.dataLen += seg.dataLen
	s.ack = seg.ack
	s.window = seg.window
	s.tsVal, s.tsEcr = seg.tsVal, seg.tsEcr
	if seg.flags&header.TCPFlagPsh != 0 {
		s.psh = true
	}
	if seg.dataLen < s.mss {
		s.closed = true
	}
	c.touch(s)
}

func (c *Ctrl) flush(i int) {
	s := &c.slots[i]
	head := s.head
	if tails := c.arena.drain(&s.tails); len(tails) > 0 {
		s.rewrite(head, tails)
		head.Frags = append(head.Frags, tails...)
	}
	head.PktHdrLen = s.dataOff + s.dataLen

	*s = slot{}
	c.curr--
	c.flushed.Add(1)
	c.sink.Deliver(head)
}

// rewrite makes the head's headers describe the whole aggregate.
func (s *slot) rewrite(head *pkt.Packet, tails []*pkt.Packet) {
	h := s.hdr[:s.hdrLen]
	if s.key.version == header.IPv4Version {
		ip := header.IPv4(h)
		ip.SetTotalLength(uint16(s.ipHdrLen + s.tcpLen + s.dataLen))
		ip.SetChecksum(0)
		ip.SetChecksum(^ip.CalculateChecksum())
	} else {
		header.IPv6(h).SetPayloadLength(uint16(s.tcpLen + s.dataLen))
	}

	tcp := header.TCP(h[s.ipHdrLen:])
	binary.BigEndian.PutUint32(tcp[tcpAckOff:], s.ack)
	binary.BigEndian.PutUint16(tcp[tcpWindowOff:], s.window)
	if s.psh {
		tcp.SetFlags(uint8(tcp.Flags() | header.TCPFlagPsh))
	}

	b := head.Data()
	copy(b[s.ipOff:], h)
	l4 := b[s.ipOff+s.ipHdrLen:]
	if s.hasTS {
		binary.BigEndian.PutUint32(l4[s.tsOff:], s.tsVal)
		binary.BigEndian.PutUint32(l4[s.tsOff+4:], s.tsEcr)
	}

	seg := header.TCP(l4)
	seg.SetChecksum(0)
	var cs checksum.Checksumer
	cs.Add(l4)
	for _, t := range tails {
		cs.Add(t.Data())
	}
	xsum := header.PseudoHeaderChecksum(header.TCPProtocolNumber, s.key.src, s.key.dst, uint16(s.tcpLen+s.dataLen))
	seg.SetChecksum(^checksum.Combine(xsum, cs.Checksum()))
}
