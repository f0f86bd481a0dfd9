package simq

import (
	"context"
	"errors"
	"io"
	"net/netip"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/romshark/rxring-go/nicsim"
	"github.com/romshark/rxring-go/pkt"
	"github.com/romshark/rxring-go/pktgen"
	"github.com/romshark/rxring-go/rx"
)

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

type received struct {
	packets  int
	segments int
	payload  int
}

func newQueue(t *testing.T, conf Config, r *received) *Queue {
	t.Helper()
	conf.Log = quietLog()
	conf.Handler = func(p *pkt.Packet) {
		s, err := pktgen.Parse(p.Bytes())
		if err != nil {
			t.Errorf("delivered frame: %v", err)
			return
		}
		r.packets++
		r.segments += p.Segments()
		r.payload += len(s.Payload)
	}
	q, err := New(conf)
	if err != nil {
		t.Fatal(err)
	}
	return q
}

func inject(t *testing.T, dev *nicsim.Device, n int) {
	t.Helper()
	f := pktgen.NewFlow(
		netip.MustParseAddrPort("10.1.0.1:40000"),
		netip.MustParseAddrPort("10.1.0.2:443"), 7)
	for range n {
		b, err := f.Next(pktgen.Payload(1460, byte(f.Seq)), header.TCPFlagAck)
		if err != nil {
			t.Fatal(err)
		}
		if !dev.Inject(nicsim.Frame{Data: b}) {
			t.Fatal("inbox full")
		}
	}
}

func TestDrainCoalesces(t *testing.T) {
	var r received
	q := newQueue(t, Config{
		Iface: pkt.NewIface("sim0", pkt.CapRxCsum|pkt.CapLRO),
	}, &r)
	if q.Name() != "sim0-rq0" {
		t.Fatalf("name %q", q.Name())
	}
	if err := q.Start(); err != nil {
		t.Fatal(err)
	}
	if q.RQ().Posted() != DefaultCapacity {
		t.Fatalf("posted %d", q.RQ().Posted())
	}

	inject(t, q.Device(), 10)
	q.Drain()

	if r.packets != 1 || r.segments != 10 || r.payload != 14600 {
		t.Fatalf("received %+v", r)
	}
	c := q.RQ().Counters()
	if c.Packets != 10 || c.LROQueued != 10 || c.LROFlushed != 1 {
		t.Fatalf("counters %+v", c)
	}
	if err := q.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestDrainWithoutLRO(t *testing.T) {
	var r received
	q := newQueue(t, Config{
		Index:    2,
		Iface:    pkt.NewIface("sim0", pkt.CapRxCsum),
		Capacity: 4,
		CQSize:   4,
	}, &r)
	if err := q.Start(); err != nil {
		t.Fatal(err)
	}

	// More frames than descriptors: the device drops what finds no buffer
	// within one Process call.
	inject(t, q.Device(), 6)
	q.Drain()

	dc := q.Device().Counters()
	if r.packets != 4 || r.payload != 4*1460 {
		t.Fatalf("received %+v", r)
	}
	if dc.Received != 4 || dc.NoDescriptor != 2 {
		t.Fatalf("device counters %+v", dc)
	}
	if err := q.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestStartPartialFill(t *testing.T) {
	var r received
	q := newQueue(t, Config{
		Iface:     pkt.NewIface("sim0", 0),
		Capacity:  8,
		CQSize:    8,
		PoolLimit: 3,
	}, &r)
	if err := q.Start(); err != nil {
		t.Fatal(err)
	}
	if n := q.RQ().Posted(); n != 3 {
		t.Fatalf("posted %d, want 3", n)
	}
	if err := q.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestRun(t *testing.T) {
	var r received
	q := newQueue(t, Config{
		Iface:    pkt.NewIface("sim0", pkt.CapRxCsum|pkt.CapLRO),
		Capacity: 64,
		CQSize:   64,
	}, &r)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()

	// Wait for the initial post so no frame finds an empty ring.
	deadline := time.Now().Add(5 * time.Second)
	for q.RQ().Counters().Posted < 64 {
		if time.Now().After(deadline) {
			t.Fatal("queue never filled")
		}
		time.Sleep(time.Millisecond)
	}
	inject(t, q.Device(), 20)
	for q.RQ().Counters().Packets < 20 {
		if time.Now().After(deadline) {
			t.Fatalf("received %d packets", q.RQ().Counters().Packets)
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("run: %v", err)
	}

	if r.segments != 20 || r.payload != 20*1460 {
		t.Fatalf("received %+v", r)
	}
	if err := q.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestConfigValidation(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, rx.ErrInvalidConfig) {
		t.Fatalf("got %v", err)
	}
}
