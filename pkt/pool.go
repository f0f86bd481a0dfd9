package pkt

import (
	"sync"
	"sync/atomic"
)

// Pool allocates receive buffers. Alloc must not block; it returns nil
// when no buffer is available.
type Pool interface {
	Alloc(size int) *Packet
	Free(p *Packet)
}

// Sink receives packets handed up the stack. It takes ownership.
type Sink interface {
	Deliver(p *Packet)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(p *Packet)

func (f SinkFunc) Deliver(p *Packet) { f(p) }

// HeapPool is a Pool backed by the Go heap that recycles buffers of one
// size class. A positive limit caps the number of outstanding packets.
//
// HeapPool is safe for concurrent use.
type HeapPool struct {
	limit       int64
	outstanding atomic.Int64
	allocs      atomic.Uint64
	fails       atomic.Uint64
	cache       sync.Pool
	size        int
}

// NewHeapPool returns a pool of buffers of size bytes.
// limit <= 0 means unlimited.
func NewHeapPool(size, limit int) *HeapPool {
	p := &HeapPool{limit: int64(limit), size: size}
	p.cache.New = func() any { return &Packet{Buf: make([]byte, size)} }
	return p
}

// Alloc returns a packet whose data window covers size bytes.
func (hp *HeapPool) Alloc(size int) *Packet {
	if size > hp.size {
		hp.fails.Add(1)
		return nil
	}
	if n := hp.outstanding.Add(1); hp.limit > 0 && n > hp.limit {
		hp.outstanding.Add(-1)
		hp.fails.Add(1)
		return nil
	}
	hp.allocs.Add(1)
	p := hp.cache.Get().(*Packet)
	p.reset()
	p.Len = size
	p.PktHdrLen = size
	return p
}

// Free releases p and every packet in its Frags.
func (hp *HeapPool) Free(p *Packet) {
	if p == nil {
		return
	}
	for _, f := range p.Frags {
		hp.Free(f)
	}
	p.Frags = nil
	hp.outstanding.Add(-1)
	if len(p.Buf) == hp.size {
		hp.cache.Put(p)
	}
}

// Outstanding returns the number of allocated, not yet freed packets.
func (hp *HeapPool) Outstanding() int { return int(hp.outstanding.Load()) }

// Allocs returns the number of successful allocations.
func (hp *HeapPool) Allocs() uint64 { return hp.allocs.Load() }

// Fails returns the number of failed allocations.
func (hp *HeapPool) Fails() uint64 { return hp.fails.Load() }
