package afxdp

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/romshark/rxring-go/dma"
	"github.com/romshark/rxring-go/nicsim"
)

// fakeSource hands out queued frames and cancels once it runs dry.
type fakeSource struct {
	queued   []Frame
	released []uint64
	waits    int
	cancel   context.CancelFunc
	waitErr  error
}

func (s *fakeSource) Receive(buf []Frame) []Frame {
	n := copy(buf, s.queued)
	s.queued = s.queued[n:]
	return buf[:n]
}

func (s *fakeSource) ReleaseBatch(frames []Frame) {
	for _, f := range frames {
		// Scribble over the buffer the way a reused UMEM frame would.
		for i := range f.Buf {
			f.Buf[i] = 0xee
		}
		s.released = append(s.released, f.Addr)
	}
}

func (s *fakeSource) Wait(int) error {
	s.waits++
	if s.waitErr != nil {
		return s.waitErr
	}
	s.cancel()
	return nil
}

type fakeInjector struct {
	limit  int
	frames [][]byte
}

func (d *fakeInjector) Inject(f nicsim.Frame) bool {
	if len(d.frames) >= d.limit {
		return false
	}
	d.frames = append(d.frames, f.Data)
	return true
}

func frames(n int) []Frame {
	out := make([]Frame, n)
	for i := range out {
		out[i] = Frame{Buf: []byte{byte(i), byte(i), byte(i)}, Addr: uint64(i) * 2048}
	}
	return out
}

func TestPump(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := &fakeSource{queued: frames(5), cancel: cancel}
	dst := &fakeInjector{limit: 4}
	var c PumpCounters

	err := Pump(ctx, src, dst, 2, &c)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}

	want := [][]byte{{0, 0, 0}, {1, 1, 1}, {2, 2, 2}, {3, 3, 3}}
	if d := cmp.Diff(want, dst.frames); d != "" {
		t.Fatalf("injected frames (-want +got):\n%s", d)
	}
	if d := cmp.Diff([]uint64{0, 2048, 4096, 6144, 8192}, src.released); d != "" {
		t.Fatalf("released (-want +got):\n%s", d)
	}
	if c.Frames.Load() != 4 || c.Bytes.Load() != 12 || c.Dropped.Load() != 1 {
		t.Fatalf("counters: frames %d bytes %d dropped %d",
			c.Frames.Load(), c.Bytes.Load(), c.Dropped.Load())
	}
	if src.waits != 1 {
		t.Fatalf("waits %d", src.waits)
	}
}

func TestPumpWaitError(t *testing.T) {
	errWait := errors.New("poll failed")
	src := &fakeSource{waitErr: errWait}
	err := Pump(context.Background(), src, &fakeInjector{}, 0, nil)
	if !errors.Is(err, errWait) {
		t.Fatalf("got %v", err)
	}
}

func TestPumpIntoDevice(t *testing.T) {
	dev, err := nicsim.New(nicsim.Config{
		Name:      "pump",
		Memory:    dma.NewIOMMU(dma.IOMMUConfig{}),
		InboxSize: 8,
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	src := &fakeSource{queued: frames(3), cancel: cancel}
	if err := Pump(ctx, src, dev, 0, nil); !errors.Is(err, context.Canceled) {
		t.Fatal(err)
	}
	if dev.Pending() != 3 {
		t.Fatalf("pending %d, want 3", dev.Pending())
	}
	select {
	case <-dev.Ready():
	default:
		t.Fatal("device not signalled ready")
	}
}
