// Package simq assembles a receive queue and the device model behind it
// and runs the interrupt driven service loop.
package simq

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/romshark/rxring-go/dma"
	"github.com/romshark/rxring-go/nicsim"
	"github.com/romshark/rxring-go/pkt"
	"github.com/romshark/rxring-go/ring"
	"github.com/romshark/rxring-go/rqstat"
	"github.com/romshark/rxring-go/rx"
)

const (
	DefaultCapacity = 1024
	DefaultCQSize   = 1024
)

var ErrLeak = errors.New("resources outstanding after close")

// Handler is called with every packet the queue delivers. The packet is
// freed when Handler returns and must not be retained.
type Handler func(p *pkt.Packet)

type Config struct {
	Index int
	Iface *pkt.Iface

	// Capacity is the number of posted buffers.
	Capacity int
	// CQSize must be a power of two.
	CQSize   int
	WQESize  int
	Budget   int
	LROSlots int
	// PoolLimit caps outstanding buffers; zero means unlimited.
	PoolLimit int
	InboxSize int
	StripVLAN bool

	Handler Handler
	Log     *logrus.Entry
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.Iface == nil {
		return fmt.Errorf("%w: missing interface", rx.ErrInvalidConfig)
	}
	if c.Capacity == 0 {
		c.Capacity = DefaultCapacity
	}
	if c.CQSize == 0 {
		c.CQSize = DefaultCQSize
	}
	if c.WQESize == 0 {
		c.WQESize = rx.DefaultWQESize
	}
	if c.Handler == nil {
		c.Handler = func(*pkt.Packet) {}
	}
	if c.Log == nil {
		c.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return nil
}

// Queue is one receive queue with its own buffer pool, IOMMU and device.
type Queue struct {
	name    string
	rq      *rx.RQ
	dev     *nicsim.Device
	cq      *ring.CompletionQueue
	pool    *pkt.HeapPool
	iommu   *dma.IOMMU
	handler Handler
	log     *logrus.Entry
}

// New builds a queue with its device attached. Start or Run enables it.
func New(conf Config) (*Queue, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	name := fmt.Sprintf("%s-rq%d", conf.Iface.Name, conf.Index)
	q := &Queue{
		name:    name,
		pool:    pkt.NewHeapPool(conf.WQESize, conf.PoolLimit),
		iommu:   dma.NewIOMMU(dma.IOMMUConfig{}),
		handler: conf.Handler,
		log:     conf.Log,
	}

	fence := new(ring.Fence)
	wq, err := ring.NewLinkedWorkQueue(conf.Capacity, new(ring.DoorbellCell))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if q.cq, err = ring.NewCompletionQueue(conf.CQSize, new(ring.DoorbellCell), fence); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	if q.dev, err = nicsim.New(nicsim.Config{
		Name:      name,
		Memory:    q.iommu,
		InboxSize: conf.InboxSize,
		StripVLAN: conf.StripVLAN,
		Log:       conf.Log,
	}); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	q.dev.Attach(wq, q.cq)

	if q.rq, err = rx.New(rx.Config{
		Index:    conf.Index,
		Iface:    conf.Iface,
		WQ:       wq,
		CQ:       q.cq,
		Pool:     q.pool,
		DMA:      q.iommu,
		Sink:     pkt.SinkFunc(q.deliver),
		Armer:    q.dev,
		Barrier:  fence,
		WQESize:  conf.WQESize,
		Budget:   conf.Budget,
		LROSlots: conf.LROSlots,
		Log:      conf.Log,
	}); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return q, nil
}

func (q *Queue) deliver(p *pkt.Packet) {
	q.handler(p)
	q.pool.Free(p)
}

// Name returns the queue name, <iface>-rq<index>.
func (q *Queue) Name() string { return q.name }

// RQ returns the receive queue.
func (q *Queue) RQ() *rx.RQ { return q.rq }

// Device returns the device model. Frames are fed with Device().Inject.
func (q *Queue) Device() *nicsim.Device { return q.dev }

// Stat returns a counter source for rqstat.
func (q *Queue) Stat() rqstat.Source {
	return rqstat.Source{Name: q.name, RQ: q.rq, Device: q.dev}
}

// Start enables the queue, posts buffers and arms the interrupt. It
// fails only when no buffer could be posted.
func (q *Queue) Start() error {
	q.rq.Enable()
	n, err := q.rq.PostBuffers()
	if err != nil {
		if n == 0 {
			return fmt.Errorf("%s: initial post: %w", q.name, err)
		}
		q.log.WithError(err).WithField("posted", n).Warn("receive queue partially filled")
	}
	q.dev.Arm(q.cq.CI())
	return nil
}

// Run starts the queue and services it until ctx is done, then drains
// frames still queued at the device. Run must not be called concurrently
// with any other Queue method except Device().Inject and Stat.
func (q *Queue) Run(ctx context.Context) error {
	if err := q.Start(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			q.Drain()
			return ctx.Err()
		case <-q.dev.Ready():
			q.dev.Process()
		case <-q.dev.Interrupts():
			q.rq.Service()
		}
	}
}

// Drain processes queued frames and services the queue until the device
// has nothing left to complete.
func (q *Queue) Drain() {
	for {
		q.dev.Process()
		n := q.rq.Service()
		if n == 0 && q.dev.Pending() == 0 {
			return
		}
	}
}

// Close reclaims posted buffers and reports buffers or DMA mappings
// still outstanding.
func (q *Queue) Close() error {
	var errs []error
	if err := q.rq.Close(); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", q.name, err))
	}
	if n, live := q.pool.Outstanding(), q.iommu.Live(); n != 0 || live != 0 {
		errs = append(errs, fmt.Errorf("%w: %s: %d buffers, %d mappings",
			ErrLeak, q.name, n, live))
	}
	if v := q.iommu.Violations(); len(v) > 0 {
		errs = append(errs, fmt.Errorf("%s: dma violations: %w", q.name, errors.Join(v...)))
	}
	return errors.Join(errs...)
}
