package rx

import "sync/atomic"

// Counters is a snapshot of the per-queue counters.
type Counters struct {
	Packets uint64
	Bytes   uint64
	// Delivered counts packets handed straight to the sink.
	Delivered uint64
	// LROQueued counts packets taken by the LRO engine.
	LROQueued  uint64
	LROFlushed uint64
	LROEvicted uint64
	// WQEErr counts error completions and completions for slots that
	// were not posted.
	WQEErr   uint64
	CsumNone uint64
	NoMemory uint64
	DMAErr   uint64
	// Posted counts descriptors handed to the device.
	Posted uint64
	Polls  uint64
}

type stats struct {
	packets   atomic.Uint64
	bytes     atomic.Uint64
	delivered atomic.Uint64
	lroQueued atomic.Uint64
	wqeErr    atomic.Uint64
	csumNone  atomic.Uint64
	noMemory  atomic.Uint64
	dmaErr    atomic.Uint64
	posted    atomic.Uint64
	polls     atomic.Uint64
}

// Counters returns a snapshot of the queue's counters. It may be called
// from any goroutine.
func (rq *RQ) Counters() Counters {
	lro := rq.lro.Counters()
	return Counters{
		Packets:    rq.stats.packets.Load(),
		Bytes:      rq.stats.bytes.Load(),
		Delivered:  rq.stats.delivered.Load(),
		LROQueued:  rq.stats.lroQueued.Load(),
		LROFlushed: lro.Flushed,
		LROEvicted: lro.Evicted,
		WQEErr:     rq.stats.wqeErr.Load(),
		CsumNone:   rq.stats.csumNone.Load(),
		NoMemory:   rq.stats.noMemory.Load(),
		DMAErr:     rq.stats.dmaErr.Load(),
		Posted:     rq.stats.posted.Load(),
		Polls:      rq.stats.polls.Load(),
	}
}
