package main

import (
	"context"
	"fmt"
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/romshark/rxring-go/nicsim"
	"github.com/romshark/rxring-go/pkt"
	"github.com/romshark/rxring-go/pktgen"
	"github.com/romshark/rxring-go/ratelimit"
)

const (
	baseSrcPort = 1024
	dstPort     = 5201
)

// makeFlows returns the flows generated towards queue q.
func makeFlows(q int, conf *Config) []*pktgen.Flow {
	flows := make([]*pktgen.Flow, conf.Traffic.Flows)
	for i := range flows {
		var src, dst netip.Addr
		if conf.Traffic.IPv6 {
			src = netip.AddrFrom16([16]byte{0: 0xfd, 1: 0x00, 7: byte(q), 15: 1})
			dst = netip.AddrFrom16([16]byte{0: 0xfd, 1: 0x00, 7: byte(q), 15: 2})
		} else {
			src = netip.AddrFrom4([4]byte{10, byte(q), 0, 1})
			dst = netip.AddrFrom4([4]byte{10, byte(q), 0, 2})
		}
		f := pktgen.NewFlow(
			netip.AddrPortFrom(src, uint16(baseSrcPort+i)),
			netip.AddrPortFrom(dst, dstPort),
			uint32(i)*0x01000193,
		)
		f.Timestamps = conf.Traffic.Timestamps
		flows[i] = f
	}
	return flows
}

// generate sends conf.Frames segments to dev, round robin over the flows
// in bursts of conf.Traffic.Burst. The last segment of a burst carries
// PSH.
func generate(ctx context.Context, dev *nicsim.Device, q int, conf *Config) (uint64, error) {
	flows := makeFlows(q, conf)
	payloads := make([][]byte, len(flows))
	for i := range payloads {
		payloads[i] = pktgen.Payload(conf.Traffic.SegmentSize, byte(i))
	}
	pacer := ratelimit.New(conf.RatePPS)

	var sent uint64
	for sent < conf.Frames {
		for i, f := range flows {
			for b := 0; b < conf.Traffic.Burst && sent < conf.Frames; b++ {
				flags := header.TCPFlagAck
				if b == conf.Traffic.Burst-1 {
					flags |= header.TCPFlagPsh
				}
				frame, err := f.Next(payloads[i], flags)
				if err != nil {
					return sent, fmt.Errorf("building frame: %w", err)
				}
				if err := pacer.WaitN(ctx, 1); err != nil {
					return sent, err
				}
				if err := dev.Send(ctx, nicsim.Frame{Data: frame}); err != nil {
					return sent, err
				}
				sent++
			}
		}
	}
	return sent, nil
}

// checker follows the byte stream of every flow as the upper stack sees
// it. It runs on the queue goroutine.
type checker struct {
	next       map[uint16]uint32
	packets    uint64
	aggregates uint64
	segments   uint64
	payload    uint64
	outOfOrder uint64
	malformed  uint64
}

func newChecker() *checker { return &checker{next: make(map[uint16]uint32)} }

func (c *checker) handle(p *pkt.Packet) {
	c.packets++
	c.segments += uint64(p.Segments())
	if p.Segments() > 1 {
		c.aggregates++
	}
	s, err := pktgen.Parse(p.Bytes())
	if err != nil || !s.TCPCsumOK || !s.IPCsumOK {
		c.malformed++
		return
	}
	if want, ok := c.next[s.SrcPort]; ok && s.Seq != want {
		c.outOfOrder++
	}
	c.next[s.SrcPort] = s.Seq + uint32(len(s.Payload))
	c.payload += uint64(len(s.Payload))
}
