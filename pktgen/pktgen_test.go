package pktgen

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

func TestIPv4RoundTrip(t *testing.T) {
	f := NewFlow(
		netip.MustParseAddrPort("192.0.2.1:33000"),
		netip.MustParseAddrPort("192.0.2.2:80"), 4000)
	f.Ack, f.Window = 777, 512
	f.Timestamps = true
	f.TSVal, f.TSEcr = 10, 20

	payload := Payload(101, 3)
	b, err := f.Next(payload, header.TCPFlagAck|header.TCPFlagPsh)
	if err != nil {
		t.Fatal(err)
	}
	if len(b) != 14+20+20+TimestampOptionLen+101 {
		t.Fatalf("frame length %d", len(b))
	}

	got, err := Parse(b)
	if err != nil {
		t.Fatal(err)
	}
	want := Segment{
		IPVersion: 4,
		IPLength:  20 + 32 + 101,
		IPCsumOK:  true,
		SrcPort:   33000,
		DstPort:   80,
		Seq:       4000,
		Ack:       777,
		Window:    512,
		Flags:     header.TCPFlagAck | header.TCPFlagPsh,
		HasTS:     true,
		TSVal:     10,
		TSEcr:     20,
		TCPCsumOK: true,
		Payload:   payload,
	}
	if d := cmp.Diff(want, got); d != "" {
		t.Fatalf("(-want +got):\n%s", d)
	}

	if f.Seq != 4101 || f.TSVal != 11 || f.ID != 1 {
		t.Fatalf("flow not advanced: seq %d tsval %d id %d", f.Seq, f.TSVal, f.ID)
	}
}

func TestIPv6(t *testing.T) {
	f := NewFlow(
		netip.MustParseAddrPort("[2001:db8::1]:5000"),
		netip.MustParseAddrPort("[2001:db8::2]:443"), 1)
	b, err := f.At(99, Payload(64, 0), header.TCPFlagAck)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Parse(b)
	if err != nil {
		t.Fatal(err)
	}
	if got.IPVersion != 6 || got.IPLength != 20+64 || got.Seq != 99 ||
		!got.TCPCsumOK || got.HasTS {
		t.Fatalf("parsed %+v", got)
	}
	if f.Seq != 1 {
		t.Fatal("At advanced the flow")
	}
}

func TestChecksumDetectsCorruption(t *testing.T) {
	f := NewFlow(
		netip.MustParseAddrPort("10.0.0.1:1"),
		netip.MustParseAddrPort("10.0.0.2:2"), 0)
	b, err := f.Next(Payload(33, 9), header.TCPFlagAck)
	if err != nil {
		t.Fatal(err)
	}
	b[len(b)-1] ^= 0xff
	got, err := Parse(b)
	if err != nil {
		t.Fatal(err)
	}
	if got.TCPCsumOK {
		t.Fatal("corrupted payload passed the TCP checksum")
	}
	if !got.IPCsumOK {
		t.Fatal("IP header checksum affected by payload")
	}
}

func TestErrors(t *testing.T) {
	f := NewFlow(
		netip.MustParseAddrPort("10.0.0.1:1"),
		netip.MustParseAddrPort("[::1]:2"), 0)
	if _, err := f.Next(nil, header.TCPFlagAck); !errors.Is(err, ErrMixedFamilies) {
		t.Fatalf("got %v", err)
	}

	for name, frame := range map[string][]byte{
		"short": make([]byte, 10),
		"arp":   {0: 0xff, 12: 0x08, 13: 0x06, 40: 0},
	} {
		if _, err := Parse(frame); !errors.Is(err, ErrNotTCP) {
			t.Errorf("%s: got %v", name, err)
		}
	}
}

func TestPayload(t *testing.T) {
	if d := cmp.Diff([]byte{254, 255, 0, 1}, Payload(4, 254)); d != "" {
		t.Fatal(d)
	}
}
