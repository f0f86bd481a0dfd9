package nicsim

import (
	"bytes"
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/romshark/rxring-go/dma"
	"github.com/romshark/rxring-go/pktgen"
	"github.com/romshark/rxring-go/ring"
)

const bufSize = 2048

// host plays the driver side with the bare ring API.
type host struct {
	t     *testing.T
	iommu *dma.IOMMU
	wq    *ring.LinkedWorkQueue
	cq    *ring.CompletionQueue
	bufs  map[uint16][]byte
	dev   *Device
}

func newHost(t *testing.T, wqCap, cqSize int, conf Config) *host {
	t.Helper()
	wq, err := ring.NewLinkedWorkQueue(wqCap, nil)
	if err != nil {
		t.Fatal(err)
	}
	cq, err := ring.NewCompletionQueue(cqSize, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	h := &host{t: t, iommu: dma.NewIOMMU(dma.IOMMUConfig{}), wq: wq, cq: cq, bufs: map[uint16][]byte{}}
	if conf.Memory == nil {
		conf.Memory = h.iommu
	}
	if h.dev, err = New(conf); err != nil {
		t.Fatal(err)
	}
	h.dev.Attach(wq, cq)
	return h
}

// post posts n buffers and returns their slots.
func (h *host) post(n int) []uint16 {
	h.t.Helper()
	var slots []uint16
	for range n {
		slot := h.wq.Head()
		buf := make([]byte, bufSize)
		addr, err := h.iommu.Map(buf, dma.FromDevice)
		if err != nil {
			h.t.Fatal(err)
		}
		d := h.wq.Descriptor(slot)
		d.SetAddr(uint64(addr) + 2)
		d.SetByteCount(bufSize - 2)
		h.bufs[slot] = buf
		h.wq.Push(d.NextSlot())
		slots = append(slots, slot)
	}
	h.wq.UpdateDoorbell()
	return slots
}

func (h *host) next() ring.CQE {
	h.t.Helper()
	cqe := h.cq.GetCQE()
	if cqe == nil {
		h.t.Fatal("no completion")
	}
	return cqe
}

func tcpFrame(t *testing.T, n int) []byte {
	t.Helper()
	f := pktgen.NewFlow(netip.MustParseAddrPort("10.1.0.1:4000"), netip.MustParseAddrPort("10.1.0.2:80"), 1)
	b, err := f.Next(pktgen.Payload(n, 7), header.TCPFlagAck)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestReceive(t *testing.T) {
	h := newHost(t, 4, 4, Config{Name: "sim0"})
	slots := h.post(2)
	frame := tcpFrame(t, 100)

	for range 2 {
		if err := h.dev.Receive(Frame{Data: frame}); err != nil {
			t.Fatal(err)
		}
	}
	if err := h.dev.Receive(Frame{Data: frame}); !errors.Is(err, ErrNoDescriptor) {
		t.Fatalf("receive without descriptor: %v", err)
	}

	for _, slot := range slots {
		cqe := h.next()
		if cqe.WQECounter() != slot || cqe.Opcode() != ring.OpRespSend {
			t.Errorf("completion: slot %d opcode %#x", cqe.WQECounter(), cqe.Opcode())
		}
		if int(cqe.ByteCnt()) != len(frame) || !cqe.ChecksumOK() || cqe.HasVLAN() {
			t.Errorf("completion: %d bytes, csum %v, vlan %v", cqe.ByteCnt(), cqe.ChecksumOK(), cqe.HasVLAN())
		}
		if !bytes.Equal(h.bufs[slot][2:2+len(frame)], frame) {
			t.Errorf("slot %d: frame not written after the alignment pad", slot)
		}
	}
	if h.cq.GetCQE() != nil {
		t.Error("spurious completion")
	}

	want := Counters{Received: 2, NoDescriptor: 1}
	if diff := cmp.Diff(want, h.dev.Counters()); diff != "" {
		t.Errorf("counters (-want +got):\n%s", diff)
	}
}

func TestFollowsFreeList(t *testing.T) {
	h := newHost(t, 4, 8, Config{})
	frame := tcpFrame(t, 10)

	h.post(2)
	for range 2 {
		if err := h.dev.Receive(Frame{Data: frame}); err != nil {
			t.Fatal(err)
		}
	}
	h.next()
	h.next()
	// Return the slots out of order.
	h.wq.Pop(1)
	h.wq.Pop(0)

	if got := h.post(4); !cmp.Equal(got, []uint16{2, 3, 4, 1}) {
		t.Fatalf("posted slots %v", got)
	}
	var consumed []uint16
	for range 4 {
		if err := h.dev.Receive(Frame{Data: frame}); err != nil {
			t.Fatal(err)
		}
		consumed = append(consumed, h.next().WQECounter())
	}
	if diff := cmp.Diff([]uint16{2, 3, 4, 1}, consumed); diff != "" {
		t.Errorf("consumption order (-want +got):\n%s", diff)
	}
}

func TestCQFull(t *testing.T) {
	h := newHost(t, 8, 2, Config{})
	h.post(4)
	frame := tcpFrame(t, 10)

	for range 2 {
		if err := h.dev.Receive(Frame{Data: frame}); err != nil {
			t.Fatal(err)
		}
	}
	if err := h.dev.Receive(Frame{Data: frame}); !errors.Is(err, ErrCQFull) {
		t.Fatalf("overrun: %v", err)
	}

	h.next()
	if err := h.dev.Receive(Frame{Data: frame}); !errors.Is(err, ErrCQFull) {
		t.Fatal("device overran a completion the host has not released")
	}
	h.cq.UpdateDoorbell()
	if err := h.dev.Receive(Frame{Data: frame}); err != nil {
		t.Fatal(err)
	}
	// The third completion is written on the second pass with owner 1.
	h.next()
	if cqe := h.next(); cqe.Owner() != 1 {
		t.Errorf("owner on second pass: %d", cqe.Owner())
	}
}

func TestTruncate(t *testing.T) {
	h := newHost(t, 2, 2, Config{})
	h.post(1)
	h.wq.Descriptor(0).SetByteCount(20)

	if err := h.dev.Receive(Frame{Data: tcpFrame(t, 100)}); err != nil {
		t.Fatal(err)
	}
	if n := h.next().ByteCnt(); n != 20 {
		t.Errorf("byte count %d", n)
	}
	if h.dev.Counters().Truncated != 1 {
		t.Error("truncation not counted")
	}
}

func TestDMAFault(t *testing.T) {
	h := newHost(t, 2, 2, Config{})
	h.post(1)
	h.wq.Descriptor(0).SetAddr(0x42)

	if err := h.dev.Receive(Frame{Data: tcpFrame(t, 10)}); !errors.Is(err, ErrDMAFault) || !errors.Is(err, dma.ErrNotMapped) {
		t.Fatalf("fault: %v", err)
	}
	if cqe := h.next(); cqe.Opcode() != ring.OpRespErr || cqe.WQECounter() != 0 {
		t.Errorf("error completion: opcode %#x slot %d", cqe.Opcode(), cqe.WQECounter())
	}
}

func TestOverrides(t *testing.T) {
	h := newHost(t, 4, 4, Config{})
	h.post(2)
	frame := tcpFrame(t, 10)

	h.dev.Receive(Frame{Data: frame, Opcode: 0x3, HdsIPExt: ring.CQEL2OK, OverrideCsum: true})
	h.dev.Receive(Frame{Data: frame, VLAN: 0x0123, HasVLAN: true})

	c := h.next()
	if c.Opcode() != 0x3 || c.HdsIPExt() != ring.CQEL2OK {
		t.Errorf("overrides ignored: opcode %#x hds %#x", c.Opcode(), c.HdsIPExt())
	}
	c = h.next()
	if !c.HasVLAN() || c.VLANInfo() != 0x0123 {
		t.Errorf("vlan: %v %#x", c.HasVLAN(), c.VLANInfo())
	}
}

func TestStripVLAN(t *testing.T) {
	h := newHost(t, 2, 2, Config{StripVLAN: true})
	h.post(1)
	frame := tcpFrame(t, 10)
	tagged := append(append(append([]byte{}, frame[:12]...), 0x81, 0x00, 0x20, 0x05), frame[12:]...)

	if err := h.dev.Receive(Frame{Data: tagged}); err != nil {
		t.Fatal(err)
	}
	c := h.next()
	if !c.HasVLAN() || c.VLANInfo() != 0x2005 || int(c.ByteCnt()) != len(frame) || !c.ChecksumOK() {
		t.Errorf("vlan %v tci %#x len %d csum %v", c.HasVLAN(), c.VLANInfo(), c.ByteCnt(), c.ChecksumOK())
	}
	if !bytes.Equal(h.bufs[0][2:2+len(frame)], frame) {
		t.Error("tag not stripped")
	}
}

func TestCheckFrame(t *testing.T) {
	good := tcpFrame(t, 33)
	mutate := func(off int) []byte {
		b := bytes.Clone(good)
		b[off] ^= 0xff
		return b
	}
	v6, err := pktgen.NewFlow(netip.MustParseAddrPort("[fd00::1]:1"), netip.MustParseAddrPort("[fd00::2]:2"), 9).
		Next(pktgen.Payload(50, 1), header.TCPFlagAck)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		frame []byte
		want  uint8
	}{
		{"valid v4", good, ring.CQEAllOK},
		{"valid v6", v6, ring.CQEAllOK},
		{"bad payload", mutate(len(good) - 1), ring.CQEL2OK | ring.CQEL3OK},
		{"bad ip checksum", mutate(14 + 10), ring.CQEL2OK},
		{"runt", good[:10], 0},
		{"arp", append(append([]byte{}, good[:12]...), 0x08, 0x06, 0, 0), ring.CQEL2OK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := checkFrame(tt.frame); got != tt.want {
				t.Errorf("got %#x, want %#x", got, tt.want)
			}
		})
	}
}

func TestArm(t *testing.T) {
	h := newHost(t, 4, 4, Config{})
	h.post(2)
	frame := tcpFrame(t, 10)

	h.dev.Arm(h.cq.CI())
	select {
	case <-h.dev.Interrupts():
		t.Fatal("interrupt with nothing completed")
	default:
	}
	h.dev.Receive(Frame{Data: frame})
	h.dev.Receive(Frame{Data: frame})
	select {
	case <-h.dev.Interrupts():
	default:
		t.Fatal("no interrupt after completion")
	}
	if n := h.dev.Counters().Interrupts; n != 1 {
		t.Errorf("interrupts: %d, want one per arm", n)
	}

	// Completions are pending behind ci, so arming fires at once.
	h.dev.Arm(h.cq.CI())
	select {
	case <-h.dev.Interrupts():
	default:
		t.Fatal("arm with pending completions did not fire")
	}
}

func TestInjectProcess(t *testing.T) {
	h := newHost(t, 4, 4, Config{InboxSize: 2})
	h.post(1)
	frame := tcpFrame(t, 10)

	if !h.dev.Inject(Frame{Data: frame}) || !h.dev.Inject(Frame{Data: frame}) {
		t.Fatal("inject within capacity failed")
	}
	if h.dev.Inject(Frame{Data: frame}) {
		t.Fatal("inject beyond capacity succeeded")
	}
	select {
	case <-h.dev.Ready():
	default:
		t.Fatal("ready not signalled")
	}
	if n := h.dev.Process(); n != 1 {
		t.Errorf("processed %d, want 1 (one descriptor)", n)
	}
	c := h.dev.Counters()
	if c.InboxDrops != 1 || c.NoDescriptor != 1 || h.dev.Pending() != 0 {
		t.Errorf("counters %+v pending %d", c, h.dev.Pending())
	}
}

func TestSendBlocksUntilRoom(t *testing.T) {
	h := newHost(t, 4, 4, Config{InboxSize: 1})
	frame := tcpFrame(t, 10)
	if err := h.dev.Send(context.Background(), Frame{Data: frame}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := h.dev.Send(ctx, Frame{Data: frame}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("send into full inbox: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- h.dev.Send(context.Background(), Frame{Data: frame}) }()
	h.post(2)
	for h.dev.Process() == 0 {
		time.Sleep(time.Millisecond)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if c := h.dev.Counters(); c.InboxDrops != 0 {
		t.Fatalf("send counted drops: %+v", c)
	}
}

func TestNotAttached(t *testing.T) {
	d, err := New(Config{Memory: dma.NewIOMMU(dma.IOMMUConfig{})})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Receive(Frame{}); !errors.Is(err, ErrNotAttached) {
		t.Errorf("got %v", err)
	}
	if _, err := New(Config{}); !errors.Is(err, ErrMissingMemory) {
		t.Errorf("got %v", err)
	}
}
