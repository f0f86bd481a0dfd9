package tlro

import "github.com/romshark/rxring-go/pkt"

const nilLink = -1

type link struct {
	p    *pkt.Packet
	next int32
}

// chain is a singly linked list of tail packets held in an arena.
type chain struct {
	first, last int32
	n           int
}

func emptyChain() chain { return chain{first: nilLink, last: nilLink} }

// arena stores the links of every chain of one Ctrl. Released links are
// kept on a free list.
type arena struct {
	links []link
	free  int32
}

func newArena(hint int) *arena {
	return &arena{links: make([]link, 0, hint), free: nilLink}
}

func (a *arena) alloc(p *pkt.Packet) int32 {
	if i := a.free; i != nilLink {
		a.free = a.links[i].next
		a.links[i] = link{p: p, next: nilLink}
		return i
	}
	a.links = append(a.links, link{p: p, next: nilLink})
	return int32(len(a.links) - 1)
}

// append links p after the last element of c.
func (a *arena) append(c *chain, p *pkt.Packet) {
	i := a.alloc(p)
	if c.last == nilLink {
		c.first = i
	} else {
		a.links[c.last].next = i
	}
	c.last = i
	c.n++
}

// drain releases every link of c and returns the packets in order.
func (a *arena) drain(c *chain) []*pkt.Packet {
	if c.n == 0 {
		return nil
	}
	out := make([]*pkt.Packet, 0, c.n)
	for i := c.first; i != nilLink; {
		l := &a.links[i]
		out = append(out, l.p)
		next := l.next
		*l = link{next: a.free}
		a.free = i
		i = next
	}
	*c = emptyChain()
	return out
}
