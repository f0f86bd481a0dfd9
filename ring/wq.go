package ring

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrInvalidCapacity = errors.New("capacity must be between 1 and 65534")
	ErrNotPowerOfTwo   = errors.New("size must be a power of two")
)

// LinkedWorkQueue is a receive work queue whose free descriptors form a
// singly linked list through their next_slot fields.
//
// The device consumes descriptors by following next_slot from the last
// descriptor it consumed. The driver posts at head and returns consumed
// slots behind tail. Descriptor number Cap() is allocated in addition to
// the usable capacity so that tail is never a descriptor the device may
// still follow.
//
// WARNING: LinkedWorkQueue is not safe for concurrent use.
type LinkedWorkQueue struct {
	mem   []byte
	db    DoorbellRecord
	size  uint16 // number of descriptors, Cap()+1
	head  uint16
	tail  uint16
	ctr   uint16 // wqe_counter
	curSz uint16 // posted descriptors
}

// NewLinkedWorkQueue allocates descriptor memory for capacity postable
// descriptors and chains them in slot order.
// If db is nil a DoorbellCell is used.
func NewLinkedWorkQueue(capacity int, db DoorbellRecord) (*LinkedWorkQueue, error) {
	if capacity < 1 || capacity >= math.MaxUint16 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}
	if db == nil {
		db = new(DoorbellCell)
	}
	size := uint16(capacity + 1)
	wq := &LinkedWorkQueue{
		mem:  make([]byte, int(size)*DescriptorSize),
		db:   db,
		size: size,
		head: 0,
		tail: size - 1,
	}
	for i := uint16(0); i < size; i++ {
		wq.Descriptor(i).SetNextSlot(i + 1)
	}
	return wq, nil
}

// Mem returns the descriptor memory shared with the device.
func (wq *LinkedWorkQueue) Mem() []byte { return wq.mem }

// Doorbell returns the producer doorbell record.
func (wq *LinkedWorkQueue) Doorbell() DoorbellRecord { return wq.db }

// Cap returns the number of descriptors that can be posted at once.
func (wq *LinkedWorkQueue) Cap() int { return int(wq.size) - 1 }

// Len returns the number of posted descriptors.
func (wq *LinkedWorkQueue) Len() int { return int(wq.curSz) }

// IsFull reports whether no descriptor besides the tail is free.
func (wq *LinkedWorkQueue) IsFull() bool { return wq.curSz == wq.size-1 }

// IsEmpty reports whether nothing is posted.
func (wq *LinkedWorkQueue) IsEmpty() bool { return wq.curSz == 0 }

// Head returns the slot that will be posted next.
func (wq *LinkedWorkQueue) Head() uint16 { return wq.head }

// Tail returns the last slot of the free list.
func (wq *LinkedWorkQueue) Tail() uint16 { return wq.tail }

// Counter returns wqe_counter, the running count of posted descriptors.
func (wq *LinkedWorkQueue) Counter() uint16 { return wq.ctr }

// Descriptor returns the descriptor at slot.
func (wq *LinkedWorkQueue) Descriptor(slot uint16) Descriptor {
	off := int(slot) * DescriptorSize
	return Descriptor(wq.mem[off : off+DescriptorSize : off+DescriptorSize])
}

// Push marks the descriptor at head as posted and advances head to next,
// which must be the next_slot read from that descriptor.
func (wq *LinkedWorkQueue) Push(next uint16) {
	wq.head = next
	wq.ctr++
	wq.curSz++
}

// Pop returns a consumed slot to the free list by linking it behind the
// current tail.
func (wq *LinkedWorkQueue) Pop(slot uint16) {
	wq.Descriptor(wq.tail).SetNextSlot(slot)
	wq.tail = slot
	wq.curSz--
}

// UpdateDoorbell publishes wqe_counter to the device.
// The caller must issue a store-store barrier before calling it.
func (wq *LinkedWorkQueue) UpdateDoorbell() { wq.db.Store(uint32(wq.ctr)) }
