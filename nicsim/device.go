// Package nicsim models the device side of a receive queue.
//
// A Device reads descriptors the driver posted to a ring.LinkedWorkQueue,
// writes frames into the posted buffers through a DMA translation layer,
// and reports them in a ring.CompletionQueue. It raises an interrupt on
// the first completion written after the queue was armed.
package nicsim

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/romshark/rxring-go/dma"
	"github.com/romshark/rxring-go/ring"
)

const DefaultInboxSize = 4096

// ciMask is the width of the consumer index in the CQ doorbell record.
const ciMask = 0xffffff

var (
	ErrNotAttached   = errors.New("device not attached to queues")
	ErrNoDescriptor  = errors.New("no posted descriptor")
	ErrCQFull        = errors.New("completion queue full")
	ErrBadDescriptor = errors.New("descriptor out of range")
	ErrDMAFault      = errors.New("dma write fault")
	ErrMissingMemory = errors.New("missing device memory")
)

// Memory is the bus as seen by the device.
type Memory interface {
	// Write copies data to bus address addr.
	Write(addr dma.Addr, data []byte) error
}

// Frame is a frame arriving at the device.
type Frame struct {
	Data []byte

	// VLAN is reported in the completion when HasVLAN is set.
	VLAN    uint16
	HasVLAN bool

	// Opcode, when non-zero, replaces the completion opcode.
	Opcode uint8
	// HdsIPExt replaces the computed checksum bits when OverrideCsum is set.
	HdsIPExt     uint8
	OverrideCsum bool
}

// Config configures a Device.
type Config struct {
	Name   string
	Memory Memory
	// InboxSize bounds the number of injected frames not yet processed.
	InboxSize int
	// StripVLAN removes 802.1Q tags from frames and reports them in the
	// completion.
	StripVLAN bool
	// NoChecksumOffload reports no checksum bits.
	NoChecksumOffload bool
	Log               *logrus.Entry
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.Memory == nil {
		return ErrMissingMemory
	}
	if c.InboxSize <= 0 {
		c.InboxSize = DefaultInboxSize
	}
	if c.Log == nil {
		c.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return nil
}

// Counters is a snapshot of device activity.
type Counters struct {
	Received     uint64
	NoDescriptor uint64
	CQFull       uint64
	DMAFaults    uint64
	Truncated    uint64
	InboxDrops   uint64
	Interrupts   uint64
}

// Device is a software receive queue device.
//
// Inject, Send, Interrupts, Ready and Counters are safe for concurrent use.
// Attach, Receive, Process and Arm must be called from one goroutine, the
// one servicing the queue.
type Device struct {
	name     string
	mem      Memory
	strip    bool
	noOffld  bool
	log      *logrus.Entry
	inbox    chan Frame
	ready    chan struct{}
	irq      chan struct{}
	attached bool

	wqMem []byte
	wqDB  ring.DoorbellRecord
	ndesc int

	cqMem   []byte
	cqDB    ring.DoorbellRecord
	cqLog   uint
	cqMask  uint32
	pi      uint32
	armed   bool

	// cursor is the next descriptor to consume, consumed the number of
	// descriptors consumed so far.
	cursor   uint16
	consumed uint16

	received     atomic.Uint64
	noDescriptor atomic.Uint64
	cqFull       atomic.Uint64
	dmaFaults    atomic.Uint64
	truncated    atomic.Uint64
	inboxDrops   atomic.Uint64
	interrupts   atomic.Uint64
}

// New returns an unattached device.
func New(conf Config) (*Device, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	return &Device{
		name:    conf.Name,
		mem:     conf.Memory,
		strip:   conf.StripVLAN,
		noOffld: conf.NoChecksumOffload,
		log:     conf.Log.WithField("dev", conf.Name),
		inbox:   make(chan Frame, conf.InboxSize),
		ready:   make(chan struct{}, 1),
		irq:     make(chan struct{}, 1),
	}, nil
}

// Attach binds the device to a queue pair and resets its indices.
func (d *Device) Attach(wq *ring.LinkedWorkQueue, cq *ring.CompletionQueue) {
	d.wqMem, d.wqDB = wq.Mem(), wq.Doorbell()
	d.ndesc = len(d.wqMem) / ring.DescriptorSize
	d.cqMem, d.cqDB = cq.Mem(), cq.Doorbell()
	d.cqLog = cq.LogSize()
	d.cqMask = uint32(cq.Size() - 1)
	d.pi, d.cursor, d.consumed = 0, 0, 0
	d.armed = false
	d.attached = true
	d.log.WithFields(logrus.Fields{
		"descriptors": d.ndesc,
		"cqes":        cq.Size(),
	}).Debug("device attached")
}

// Receive lands f in the next posted buffer and writes its completion.
// When a DMA write faults the descriptor is consumed and an error
// completion is written.
func (d *Device) Receive(f Frame) error {
	if !d.attached {
		return ErrNotAttached
	}
	if d.available() == 0 {
		d.noDescriptor.Add(1)
		return ErrNoDescriptor
	}
	if (d.pi-d.cqDB.Load())&ciMask >= d.cqMask+1 {
		d.cqFull.Add(1)
		return ErrCQFull
	}
	slot := d.cursor
	if int(slot) >= d.ndesc {
		return fmt.Errorf("%w: slot %d", ErrBadDescriptor, slot)
	}
	off := int(slot) * ring.DescriptorSize
	desc := ring.Descriptor(d.wqMem[off : off+ring.DescriptorSize])

	data, hasVLAN, tci := f.Data, f.HasVLAN, f.VLAN
	if d.strip {
		if out, t, ok := stripVLAN(data); ok {
			data, hasVLAN, tci = out, true, t
		}
	}
	hds := f.HdsIPExt
	if !f.OverrideCsum {
		hds = 0
		if !d.noOffld {
			hds = checkFrame(data)
		}
	}
	if limit := int(desc.ByteCount()); len(data) > limit {
		data = data[:limit]
		d.truncated.Add(1)
	}

	op := ring.OpRespSend
	if f.Opcode != 0 {
		op = f.Opcode
	}
	var err error
	if werr := d.mem.Write(dma.Addr(desc.Addr()), data); werr != nil {
		d.dmaFaults.Add(1)
		op = ring.OpRespErr
		err = fmt.Errorf("%w: slot %d: %w", ErrDMAFault, slot, werr)
		d.log.WithError(err).Debug("receive dma fault")
	}

	d.cursor = desc.NextSlot()
	d.consumed++

	cqe := d.cqe(d.pi)
	cqe.Reset()
	cqe.SetByteCnt(uint32(len(data)))
	cqe.SetWQECounter(slot)
	cqe.SetHdsIPExt(hds)
	if hasVLAN {
		cqe.SetVLAN(tci)
	}
	cqe.SetOpOwn(op, uint8((d.pi>>d.cqLog)&1))
	d.pi++

	if op == ring.OpRespSend {
		d.received.Add(1)
	}
	if d.armed {
		d.armed = false
		d.raise()
	}
	return err
}

func (d *Device) available() uint16 { return uint16(d.wqDB.Load()) - d.consumed }

func (d *Device) cqe(idx uint32) ring.CQE {
	off := int(idx&d.cqMask) * ring.CQESize
	return ring.CQE(d.cqMem[off : off+ring.CQESize])
}

// Arm requests an interrupt for the first completion at or after ci.
// If such a completion is already written the interrupt is raised now.
func (d *Device) Arm(ci uint32) {
	if d.pi&ciMask != ci&ciMask {
		d.raise()
		return
	}
	d.armed = true
}

func (d *Device) raise() {
	d.interrupts.Add(1)
	select {
	case d.irq <- struct{}{}:
	default:
	}
}

// Interrupts is signalled when an interrupt is raised. Interrupts raised
// while one is pending coalesce.
func (d *Device) Interrupts() <-chan struct{} { return d.irq }

// Inject queues f for Process. It reports false when the inbox is full
// and the frame was dropped.
func (d *Device) Inject(f Frame) bool {
	select {
	case d.inbox <- f:
	default:
		d.inboxDrops.Add(1)
		return false
	}
	select {
	case d.ready <- struct{}{}:
	default:
	}
	return true
}

// Send queues f for Process, blocking while the inbox is full. It returns
// ctx.Err() if ctx is done first.
func (d *Device) Send(ctx context.Context, f Frame) error {
	select {
	case d.inbox <- f:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case d.ready <- struct{}{}:
	default:
	}
	return nil
}

// Ready is signalled after frames are injected.
func (d *Device) Ready() <-chan struct{} { return d.ready }

// Process receives every injected frame and returns how many landed in
// posted buffers. Frames that find no descriptor or a full completion
// queue are dropped.
func (d *Device) Process() int {
	n := 0
	for {
		select {
		case f := <-d.inbox:
			if err := d.Receive(f); err == nil {
				n++
			}
		default:
			return n
		}
	}
}

// Pending returns the number of injected frames not yet processed.
func (d *Device) Pending() int { return len(d.inbox) }

// Counters returns a snapshot of the device counters.
func (d *Device) Counters() Counters {
	return Counters{
		Received:     d.received.Load(),
		NoDescriptor: d.noDescriptor.Load(),
		CQFull:       d.cqFull.Load(),
		DMAFaults:    d.dmaFaults.Load(),
		Truncated:    d.truncated.Load(),
		InboxDrops:   d.inboxDrops.Load(),
		Interrupts:   d.interrupts.Load(),
	}
}
