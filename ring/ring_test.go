package ring

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDescriptorBigEndian(t *testing.T) {
	wq, err := NewLinkedWorkQueue(4, nil)
	if err != nil {
		t.Fatal(err)
	}
	d := wq.Descriptor(2)
	d.SetAddr(0x0102030405060708)
	d.SetByteCount(0x0a0b0c0d)
	d.SetNextSlot(0xbeef)

	want := []byte{
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
		0x0a, 0x0b, 0x0c, 0x0d,
		0x00, 0x00,
		0xbe, 0xef,
	}
	got := wq.Mem()[2*DescriptorSize : 3*DescriptorSize]
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("descriptor bytes (-want +got):\n%s", diff)
	}
	if d.Addr() != 0x0102030405060708 || d.ByteCount() != 0x0a0b0c0d || d.NextSlot() != 0xbeef {
		t.Errorf("read back mismatch: %#x %#x %#x", d.Addr(), d.ByteCount(), d.NextSlot())
	}
}

func TestNewLinkedWorkQueueCapacity(t *testing.T) {
	for _, c := range []int{0, -1, 65535, 70000} {
		if _, err := NewLinkedWorkQueue(c, nil); !errors.Is(err, ErrInvalidCapacity) {
			t.Errorf("capacity %d: got %v", c, err)
		}
	}
}

func TestLinkedWorkQueueFillAndDrain(t *testing.T) {
	const capacity = 8
	wq, err := NewLinkedWorkQueue(capacity, nil)
	if err != nil {
		t.Fatal(err)
	}

	var posted []uint16
	for !wq.IsFull() {
		posted = append(posted, wq.Head())
		wq.Push(wq.Descriptor(wq.Head()).NextSlot())
	}
	if diff := cmp.Diff([]uint16{0, 1, 2, 3, 4, 5, 6, 7}, posted); diff != "" {
		t.Errorf("posting order (-want +got):\n%s", diff)
	}
	if wq.Head() != capacity {
		t.Errorf("head: want %d, got %d", capacity, wq.Head())
	}
	if wq.Counter() != capacity || wq.Len() != capacity {
		t.Errorf("counter %d len %d", wq.Counter(), wq.Len())
	}

	wq.UpdateDoorbell()
	if got := wq.Doorbell().Load(); got != capacity {
		t.Errorf("doorbell: want %d, got %d", capacity, got)
	}

	// Return slots out of order; the next postings follow the same order
	// after the reserved tail.
	for _, s := range []uint16{3, 0, 7} {
		wq.Pop(s)
	}
	if wq.Len() != capacity-3 {
		t.Fatalf("len after pop: %d", wq.Len())
	}

	posted = posted[:0]
	for !wq.IsFull() {
		posted = append(posted, wq.Head())
		wq.Push(wq.Descriptor(wq.Head()).NextSlot())
	}
	if diff := cmp.Diff([]uint16{capacity, 3, 0}, posted); diff != "" {
		t.Errorf("reposting order (-want +got):\n%s", diff)
	}
	if wq.Head() != 7 || wq.Tail() != 7 {
		t.Errorf("head %d tail %d, want 7 7", wq.Head(), wq.Tail())
	}
}

func TestLinkedWorkQueueCounterWraps(t *testing.T) {
	wq, err := NewLinkedWorkQueue(2, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 70000; i++ {
		slot := wq.Head()
		wq.Push(wq.Descriptor(slot).NextSlot())
		wq.Pop(slot)
	}
	if got, want := wq.Counter(), uint16(70000%65536); got != want {
		t.Errorf("counter: want %d, got %d", want, got)
	}
	if !wq.IsEmpty() {
		t.Errorf("len: %d", wq.Len())
	}
}

func TestNewCompletionQueueSize(t *testing.T) {
	for _, s := range []int{0, 3, 100} {
		if _, err := NewCompletionQueue(s, nil, nil); !errors.Is(err, ErrNotPowerOfTwo) {
			t.Errorf("size %d: got %v", s, err)
		}
	}
}

func TestCompletionQueueOwnership(t *testing.T) {
	const size = 4
	fence := new(Fence)
	cq, err := NewCompletionQueue(size, nil, fence)
	if err != nil {
		t.Fatal(err)
	}
	if cq.LogSize() != 2 {
		t.Fatalf("log size: %d", cq.LogSize())
	}
	if cqe := cq.GetCQE(); cqe != nil {
		t.Fatal("fresh queue returned a CQE")
	}

	// Device side: write entries for producer index pi.
	write := func(pi uint32, slot uint16) {
		c := cq.at(pi)
		c.Reset()
		c.SetWQECounter(slot)
		c.SetOpOwn(OpRespSend, uint8(pi>>cq.LogSize()&1))
	}

	for pass := uint32(0); pass < 3; pass++ {
		for i := uint32(0); i < size; i++ {
			write(pass*size+i, uint16(i))
		}
		for i := uint32(0); i < size; i++ {
			cqe := cq.GetCQE()
			if cqe == nil {
				t.Fatalf("pass %d: missing CQE %d", pass, i)
			}
			if cqe.WQECounter() != uint16(i) || cqe.Opcode() != OpRespSend {
				t.Errorf("pass %d: CQE %d = slot %d op %#x", pass, i, cqe.WQECounter(), cqe.Opcode())
			}
		}
		// Entries of the pass just consumed carry the old parity.
		if cqe := cq.GetCQE(); cqe != nil {
			t.Fatalf("pass %d: stale CQE accepted", pass)
		}
	}

	cq.UpdateDoorbell()
	if got := cq.Doorbell().Load(); got != 3*size {
		t.Errorf("doorbell: want %d, got %d", 3*size, got)
	}
	if fence.Count() != 3*size {
		t.Errorf("load barriers: want %d, got %d", 3*size, fence.Count())
	}
}

func TestCQEFields(t *testing.T) {
	c := CQE(make([]byte, CQESize))
	c.SetByteCnt(1500)
	c.SetWQECounter(0x1234)
	c.SetHdsIPExt(CQEAllOK)
	c.SetVLAN(0x0064)
	c.SetOpOwn(OpRespSendImm, 0)

	if c.OpOwn() != 0x30 {
		t.Errorf("op_own: %#x", c.OpOwn())
	}
	if c.ByteCnt() != 1500 || c.WQECounter() != 0x1234 || !c.ChecksumOK() {
		t.Errorf("fields: %d %#x %t", c.ByteCnt(), c.WQECounter(), c.ChecksumOK())
	}
	if !c.HasVLAN() || c.VLANInfo() != 0x64 {
		t.Errorf("vlan: %t %#x", c.HasVLAN(), c.VLANInfo())
	}
	if c[cqeWQECounter] != 0x12 || c[cqeWQECounter+1] != 0x34 {
		t.Errorf("wqe_counter not big-endian: % x", c[cqeWQECounter:cqeWQECounter+2])
	}

	c.SetHdsIPExt(CQEL2OK | CQEL4OK)
	if c.ChecksumOK() {
		t.Error("checksum reported OK without L3")
	}
}

func TestDoorbellCellBytes(t *testing.T) {
	var c DoorbellCell
	c.Store(0x00a1b2c3)
	if diff := cmp.Diff([4]byte{0x00, 0xa1, 0xb2, 0xc3}, c.Bytes()); diff != "" {
		t.Errorf("doorbell bytes (-want +got):\n%s", diff)
	}
}
