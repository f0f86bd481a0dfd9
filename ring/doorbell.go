package ring

import (
	"encoding/binary"
	"sync/atomic"
)

// DoorbellRecord is a 32-bit cell in host memory polled by the device.
type DoorbellRecord interface {
	Store(v uint32)
	Load() uint32
}

// Barrier orders memory accesses between the driver and the device.
type Barrier interface {
	// StoreStore makes all prior stores visible before any later store.
	StoreStore()
	// LoadLoad prevents later loads from being satisfied before prior ones.
	LoadLoad()
}

// DoorbellCell is the default DoorbellRecord.
// Stores and loads are atomic so the device side may run on another
// goroutine.
type DoorbellCell struct {
	v atomic.Uint32
}

func (c *DoorbellCell) Store(v uint32) { c.v.Store(v) }
func (c *DoorbellCell) Load() uint32   { return c.v.Load() }

// Bytes returns the record as the device sees it on the bus.
func (c *DoorbellCell) Bytes() (b [4]byte) {
	binary.BigEndian.PutUint32(b[:], c.v.Load())
	return b
}

// Fence is the default Barrier.
//
// Go has no standalone fence instruction. Any atomic read-modify-write
// is sequentially consistent and, on every supported architecture,
// compiles to a full barrier, so a private counter is bumped for both
// kinds of fence. Owned by a single queue.
type Fence struct {
	n atomic.Uint64
}

func (f *Fence) StoreStore() { f.n.Add(1) }
func (f *Fence) LoadLoad()   { f.n.Add(1) }

// Count returns the number of barriers issued.
func (f *Fence) Count() uint64 { return f.n.Load() }
