package rx

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/romshark/rxring-go/dma"
	"github.com/romshark/rxring-go/pkt"
	"github.com/romshark/rxring-go/ring"
)

const (
	// NetIPAlign is the headroom left in front of every receive buffer so
	// that the IP header following a 14 byte Ethernet header is 4 byte
	// aligned.
	NetIPAlign = 2

	DefaultBudget   = 4096
	DefaultWQESize  = 2048
	DefaultLROSlots = 16
)

// Armer re-enables completion interrupts of a queue.
type Armer interface {
	// Arm requests an interrupt once a completion is written at or after
	// consumer index ci.
	Arm(ci uint32)
}

// ArmerFunc adapts a function to Armer.
type ArmerFunc func(ci uint32)

func (f ArmerFunc) Arm(ci uint32) { f(ci) }

// Config configures a receive queue.
type Config struct {
	// Index identifies the queue. It is reported as the flow ID of every
	// packet received on it.
	Index int
	Iface *pkt.Iface

	WQ *ring.LinkedWorkQueue
	CQ *ring.CompletionQueue

	Pool pkt.Pool
	DMA  dma.Mapper
	Sink pkt.Sink

	// Armer is optional.
	Armer Armer
	// Barrier defaults to a ring.Fence.
	Barrier ring.Barrier

	// WQESize is the size of every receive buffer, NetIPAlign included.
	WQESize int
	// Budget caps the number of completions processed by one Service call.
	Budget int
	// LROSlots is the number of concurrent LRO aggregates. Zero selects
	// DefaultLROSlots, a negative value disables LRO.
	LROSlots int

	Log *logrus.Entry
}

func (c *Config) ValidateAndSetDefaults() error {
	switch {
	case c.Iface == nil:
		return fmt.Errorf("%w: missing interface", ErrInvalidConfig)
	case c.WQ == nil:
		return fmt.Errorf("%w: missing work queue", ErrInvalidConfig)
	case c.CQ == nil:
		return fmt.Errorf("%w: missing completion queue", ErrInvalidConfig)
	case c.Pool == nil:
		return fmt.Errorf("%w: missing buffer pool", ErrInvalidConfig)
	case c.DMA == nil:
		return fmt.Errorf("%w: missing DMA mapper", ErrInvalidConfig)
	case c.Sink == nil:
		return fmt.Errorf("%w: missing sink", ErrInvalidConfig)
	}
	if c.Armer == nil {
		c.Armer = ArmerFunc(func(uint32) {})
	}
	if c.Barrier == nil {
		c.Barrier = new(ring.Fence)
	}
	if c.WQESize == 0 {
		c.WQESize = DefaultWQESize
	}
	if c.WQESize <= NetIPAlign {
		return fmt.Errorf("%w: WQESize %d", ErrInvalidConfig, c.WQESize)
	}
	if c.Budget <= 0 {
		c.Budget = DefaultBudget
	}
	if c.LROSlots == 0 {
		c.LROSlots = DefaultLROSlots
	}
	if c.Log == nil {
		c.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return nil
}
