package ring

import (
	"fmt"
	"math/bits"
)

// ciMask limits the consumer index published in the doorbell record.
const ciMask = 0xffffff

// CompletionQueue is the host side of a completion ring.
//
// A CQE at consumer index ci is valid when its ownership bit equals the
// parity of the number of times ci has wrapped the ring.
//
// WARNING: CompletionQueue is not safe for concurrent use.
type CompletionQueue struct {
	mem     []byte
	db      DoorbellRecord
	barrier Barrier
	logSize uint
	mask    uint32
	ci      uint32
}

// NewCompletionQueue allocates size CQEs. size must be a power of two.
// If db is nil a DoorbellCell is used; if b is nil a Fence is used.
func NewCompletionQueue(size int, db DoorbellRecord, b Barrier) (*CompletionQueue, error) {
	if size < 1 || size&(size-1) != 0 {
		return nil, fmt.Errorf("%w: %d", ErrNotPowerOfTwo, size)
	}
	if db == nil {
		db = new(DoorbellCell)
	}
	if b == nil {
		b = new(Fence)
	}
	cq := &CompletionQueue{
		mem:     make([]byte, size*CQESize),
		db:      db,
		barrier: b,
		logSize: uint(bits.TrailingZeros(uint(size))),
		mask:    uint32(size - 1),
	}
	for i := range uint32(size) {
		cq.at(i)[cqeOpOwn] = cqeInitOpOwn
	}
	return cq, nil
}

// Mem returns the CQE memory shared with the device.
func (cq *CompletionQueue) Mem() []byte { return cq.mem }

// Doorbell returns the consumer doorbell record.
func (cq *CompletionQueue) Doorbell() DoorbellRecord { return cq.db }

// Size returns the number of CQEs.
func (cq *CompletionQueue) Size() int { return int(cq.mask) + 1 }

// LogSize returns log2(Size()).
func (cq *CompletionQueue) LogSize() uint { return cq.logSize }

// CI returns the consumer index.
func (cq *CompletionQueue) CI() uint32 { return cq.ci }

func (cq *CompletionQueue) at(idx uint32) CQE {
	off := int(idx&cq.mask) * CQESize
	return CQE(cq.mem[off : off+CQESize : off+CQESize])
}

// wrapCount returns how many times ci has wrapped the ring.
func (cq *CompletionQueue) wrapCount() uint32 { return cq.ci >> cq.logSize }

// GetCQE returns the next completion, or nil if the device has not
// written it yet. The returned record stays valid until the doorbell is
// updated.
func (cq *CompletionQueue) GetCQE() CQE {
	cqe := cq.at(cq.ci)
	if cqe.Owner() != uint8(cq.wrapCount()&1) {
		return nil
	}
	cq.ci++

	// Read the CQE contents only after the ownership bit.
	cq.barrier.LoadLoad()

	return cqe
}

// UpdateDoorbell publishes the consumer index to the device.
func (cq *CompletionQueue) UpdateDoorbell() { cq.db.Store(cq.ci & ciMask) }
