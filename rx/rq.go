// Package rx implements the host side of a NIC receive queue: keeping the
// work queue stocked with mapped buffers, draining the completion queue,
// and handing packets to the LRO engine or straight to the stack.
package rx

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/romshark/rxring-go/dma"
	"github.com/romshark/rxring-go/pkt"
	"github.com/romshark/rxring-go/ring"
	"github.com/romshark/rxring-go/tlro"
)

// RQ is a receive queue.
//
// Service, Poll, PostBuffers, Disable and Close must not be called
// concurrently. Enable and Counters may be called from any goroutine.
type RQ struct {
	idx     int
	iface   *pkt.Iface
	wq      *ring.LinkedWorkQueue
	cq      *ring.CompletionQueue
	pool    pkt.Pool
	dma     dma.Mapper
	sink    pkt.Sink
	armer   Armer
	barrier ring.Barrier
	wqeSize int
	budget  int
	log     *logrus.Entry

	// slots[i] is the buffer posted in descriptor i.
	slots []*pkt.Packet
	lro   *tlro.Ctrl

	enabled atomic.Bool
	closed  bool
	stats   stats
}

// New returns a disabled receive queue.
func New(conf Config) (*RQ, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	rq := &RQ{
		idx:     conf.Index,
		iface:   conf.Iface,
		wq:      conf.WQ,
		cq:      conf.CQ,
		pool:    conf.Pool,
		dma:     conf.DMA,
		sink:    conf.Sink,
		armer:   conf.Armer,
		barrier: conf.Barrier,
		wqeSize: conf.WQESize,
		budget:  conf.Budget,
		log:     conf.Log.WithField("rq", conf.Index),
		slots:   make([]*pkt.Packet, conf.WQ.Cap()+1),
		lro:     tlro.New(conf.LROSlots, conf.Sink),
	}
	for i := range rq.slots {
		rq.wq.Descriptor(uint16(i)).SetByteCount(uint32(rq.wqeSize - NetIPAlign))
	}
	rq.log.WithFields(logrus.Fields{
		"descriptors": conf.WQ.Cap(),
		"cqes":        conf.CQ.Size(),
		"wqe_size":    rq.wqeSize,
		"lro_slots":   rq.lro.Max(),
	}).Debug("receive queue created")
	return rq, nil
}

// Index returns the queue index.
func (rq *RQ) Index() int { return rq.idx }

// LRO returns the queue's LRO engine.
func (rq *RQ) LRO() *tlro.Ctrl { return rq.lro }

// Enable allows buffers to be posted.
func (rq *RQ) Enable() {
	if !rq.enabled.Swap(true) {
		rq.log.Info("receive queue enabled")
	}
}

// Disable stops posting buffers and delivers every pending LRO aggregate.
// Buffers already posted stay with the device.
func (rq *RQ) Disable() {
	if rq.enabled.Swap(false) {
		rq.log.Info("receive queue disabled")
	}
	rq.lro.FlushAll()
}

// Enabled reports whether buffers may be posted.
func (rq *RQ) Enabled() bool { return rq.enabled.Load() }

// Close disables the queue and reclaims every posted buffer.
func (rq *RQ) Close() error {
	if rq.closed {
		return ErrClosed
	}
	rq.Disable()
	rq.closed = true

	var errs []error
	reclaimed := 0
	for i, p := range rq.slots {
		if p == nil {
			continue
		}
		rq.dma.Unmap(dma.Addr(p.BusAddr), rq.wqeSize, dma.FromDevice)
		p.BusAddr = 0
		rq.pool.Free(p)
		rq.slots[i] = nil
		reclaimed++
	}
	if reclaimed != rq.wq.Len() {
		errs = append(errs, fmt.Errorf("%w: reclaimed %d buffers, %d posted",
			ErrHardware, reclaimed, rq.wq.Len()))
	}
	rq.log.WithField("reclaimed", reclaimed).Info("receive queue closed")
	return errors.Join(errs...)
}

// PostBuffers fills the work queue and rings the doorbell. It returns the
// number of descriptors posted and, if it stopped before the queue was
// full, an error wrapping ErrNoMemory or ErrDMA.
func (rq *RQ) PostBuffers() (int, error) {
	if !rq.enabled.Load() {
		return 0, nil
	}
	var (
		n   int
		err error
	)
	for !rq.wq.IsFull() {
		head := rq.wq.Head()
		wqe := rq.wq.Descriptor(head)
		if err = rq.allocateAndMap(wqe, head); err != nil {
			break
		}
		rq.wq.Push(wqe.NextSlot())
		n++
	}
	rq.stats.posted.Add(uint64(n))

	// Descriptor contents must be visible before the new counter.
	rq.barrier.StoreStore()
	rq.wq.UpdateDoorbell()

	return n, err
}

func (rq *RQ) allocateAndMap(wqe ring.Descriptor, slot uint16) error {
	p := rq.pool.Alloc(rq.wqeSize)
	if p == nil {
		rq.stats.noMemory.Add(1)
		return ErrNoMemory
	}
	p.Adj(NetIPAlign)

	addr, err := rq.dma.Map(p.Buf[p.Off-NetIPAlign:p.Off+p.Len], dma.FromDevice)
	if err == nil && rq.dma.MappingFailed(addr) {
		err = dma.ErrMapFailed
	}
	if err != nil {
		rq.pool.Free(p)
		rq.stats.dmaErr.Add(1)
		return fmt.Errorf("%w: slot %d: %w", ErrDMA, slot, err)
	}
	p.BusAddr = uint64(addr)
	wqe.SetAddr(uint64(addr) + NetIPAlign)
	rq.slots[slot] = p
	return nil
}

// Poll processes up to budget completions and returns how many it
// consumed. A non-positive budget or one above the configured budget is
// replaced by the configured budget. LRO aggregates are flushed before
// Poll returns.
func (rq *RQ) Poll(budget int) int {
	if budget <= 0 || budget > rq.budget {
		budget = rq.budget
	}
	rq.stats.polls.Add(1)

	i := 0
	for ; i < budget; i++ {
		cqe := rq.cq.GetCQE()
		if cqe == nil {
			break
		}
		slot := cqe.WQECounter()
		if int(slot) >= len(rq.slots) || rq.slots[slot] == nil {
			rq.stats.wqeErr.Add(1)
			rq.log.WithField("slot", slot).Debug("completion for a slot that is not posted")
			continue
		}
		p := rq.slots[slot]
		rq.slots[slot] = nil
		rq.dma.Unmap(dma.Addr(p.BusAddr), rq.wqeSize, dma.FromDevice)
		p.BusAddr = 0

		if op := cqe.Opcode(); op != ring.OpRespSend {
			rq.stats.wqeErr.Add(1)
			rq.log.WithFields(logrus.Fields{
				"slot":   slot,
				"opcode": op,
			}).Debug("error completion")
			rq.pool.Free(p)
		} else {
			rq.build(p, cqe)
			rq.ingress(p)
		}
		rq.wq.Pop(slot)
	}

	rq.cq.UpdateDoorbell()
	// The consumer index must be visible before the queue is re-armed.
	rq.barrier.StoreStore()

	rq.lro.FlushAll()
	return i
}

func (rq *RQ) build(p *pkt.Packet, cqe ring.CQE) {
	n := min(int(cqe.ByteCnt()), rq.wqeSize-NetIPAlign)
	p.Len = n
	p.PktHdrLen = n
	p.FlowID = uint32(rq.idx)
	p.HashType = pkt.HashOpaque
	p.RcvIf = rq.iface

	if rq.iface.Has(pkt.CapRxCsum) && cqe.ChecksumOK() {
		p.CsumFlags = pkt.CsumRxValidated
		p.CsumData = 0xffff
	} else {
		rq.stats.csumNone.Add(1)
	}
	if cqe.HasVLAN() {
		p.VLANTag = cqe.VLANInfo()
		p.VLANValid = true
	}

	rq.stats.packets.Add(1)
	rq.stats.bytes.Add(uint64(n))
}

// ingress hands p to LRO when it may be aggregated, to the sink otherwise.
func (rq *RQ) ingress(p *pkt.Packet) {
	if p.CsumFlags&pkt.CsumDataValid != 0 && rq.iface.Has(pkt.CapLRO) &&
		rq.lro.Max() > 0 && rq.lro.Offer(p) == tlro.Accepted {
		rq.stats.lroQueued.Add(1)
		return
	}
	rq.stats.delivered.Add(1)
	rq.sink.Deliver(p)
}

// Service runs one cycle: drain completions, repost buffers and re-arm
// the completion interrupt. It returns the number of completions
// processed.
func (rq *RQ) Service() int {
	n := rq.Poll(rq.budget)
	if _, err := rq.PostBuffers(); err != nil {
		rq.log.WithError(err).Debug("receive queue not refilled")
	}
	rq.armer.Arm(rq.cq.CI())
	return n
}

// Posted returns the number of buffers currently posted to the device.
func (rq *RQ) Posted() int { return rq.wq.Len() }
