// Package pktgen builds Ethernet frames carrying TCP segments.
//
// It is used to drive the device model in tests and in the simulator
// command. Frames are fully formed: IPv4 header checksums and TCP
// checksums are valid.
package pktgen

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

const (
	// TimestampOptionLen is the length of the NOP, NOP, TS option block.
	TimestampOptionLen = 12

	tcpOptNOP = 1
	tcpOptTS  = 8
)

var (
	ErrMixedFamilies = errors.New("source and destination address families differ")
	ErrNotTCP        = errors.New("not an Ethernet TCP frame")
)

var (
	DefaultSrcMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	DefaultDstMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

// Flow is one direction of a TCP connection.
// Seq, ID and TSVal advance as segments are built with Next.
type Flow struct {
	SrcMAC, DstMAC   net.HardwareAddr
	Src, Dst         netip.Addr
	SrcPort, DstPort uint16

	Seq    uint32
	Ack    uint32
	Window uint16
	TTL    uint8
	ID     uint16

	// Timestamps adds a TCP timestamp option to every segment.
	Timestamps   bool
	TSVal, TSEcr uint32
}

// NewFlow returns a flow with default MACs, window and TTL.
func NewFlow(src, dst netip.AddrPort, seq uint32) *Flow {
	return &Flow{
		SrcMAC:  DefaultSrcMAC,
		DstMAC:  DefaultDstMAC,
		Src:     src.Addr(),
		Dst:     dst.Addr(),
		SrcPort: src.Port(),
		DstPort: dst.Port(),
		Seq:     seq,
		Ack:     1,
		Window:  65535,
		TTL:     64,
	}
}

// Next builds a segment at the current sequence number and advances the
// flow past it.
func (f *Flow) Next(payload []byte, flags header.TCPFlags) ([]byte, error) {
	b, err := f.At(f.Seq, payload, flags)
	if err != nil {
		return nil, err
	}
	f.Seq += uint32(len(payload))
	f.ID++
	if f.Timestamps {
		f.TSVal++
	}
	return b, nil
}

// At builds a segment with sequence number seq without advancing the flow.
func (f *Flow) At(seq uint32, payload []byte, flags header.TCPFlags) ([]byte, error) {
	if f.Src.Is4() != f.Dst.Is4() {
		return nil, ErrMixedFamilies
	}

	ipLen := header.IPv6MinimumSize
	proto := header.IPv6ProtocolNumber
	if f.Src.Is4() {
		ipLen = header.IPv4MinimumSize
		proto = header.IPv4ProtocolNumber
	}
	tcpLen := header.TCPMinimumSize
	if f.Timestamps {
		tcpLen += TimestampOptionLen
	}

	b := make([]byte, header.EthernetMinimumSize+ipLen+tcpLen+len(payload))

	header.Ethernet(b).Encode(&header.EthernetFields{
		SrcAddr: tcpip.LinkAddress(f.SrcMAC),
		DstAddr: tcpip.LinkAddress(f.DstMAC),
		Type:    proto,
	})

	l3 := b[header.EthernetMinimumSize:]
	src, dst := toTCPIPAddr(f.Src), toTCPIPAddr(f.Dst)
	if f.Src.Is4() {
		ip := header.IPv4(l3)
		ip.Encode(&header.IPv4Fields{
			TotalLength: uint16(ipLen + tcpLen + len(payload)),
			ID:          f.ID,
			Flags:       header.IPv4FlagDontFragment,
			TTL:         f.TTL,
			Protocol:    uint8(header.TCPProtocolNumber),
			SrcAddr:     src,
			DstAddr:     dst,
		})
		ip.SetChecksum(^ip.CalculateChecksum())
	} else {
		header.IPv6(l3).Encode(&header.IPv6Fields{
			PayloadLength:     uint16(tcpLen + len(payload)),
			TransportProtocol: header.TCPProtocolNumber,
			HopLimit:          f.TTL,
			SrcAddr:           src,
			DstAddr:           dst,
		})
	}

	tcp := header.TCP(l3[ipLen:])
	tcp.Encode(&header.TCPFields{
		SrcPort:    f.SrcPort,
		DstPort:    f.DstPort,
		SeqNum:     seq,
		AckNum:     f.Ack,
		DataOffset: uint8(tcpLen),
		Flags:      flags,
		WindowSize: f.Window,
	})
	if f.Timestamps {
		putTimestamp(tcp[header.TCPMinimumSize:], f.TSVal, f.TSEcr)
	}
	copy(tcp[tcpLen:], payload)

	xsum := header.PseudoHeaderChecksum(header.TCPProtocolNumber, src, dst, uint16(tcpLen+len(payload)))
	xsum = checksum.Checksum(payload, xsum)
	tcp.SetChecksum(^tcp.CalculateChecksum(xsum))

	return b, nil
}

func putTimestamp(b []byte, val, ecr uint32) {
	b[0], b[1] = tcpOptNOP, tcpOptNOP
	b[2], b[3] = tcpOptTS, 10
	binary.BigEndian.PutUint32(b[4:], val)
	binary.BigEndian.PutUint32(b[8:], ecr)
}

func toTCPIPAddr(a netip.Addr) tcpip.Address {
	if a.Is4() {
		return tcpip.AddrFrom4(a.As4())
	}
	return tcpip.AddrFrom16(a.As16())
}

// Payload returns n deterministic payload bytes starting at seed.
func Payload(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

// Segment is a decoded TCP frame.
type Segment struct {
	IPVersion int
	// IPLength is the IPv4 total length or the IPv6 payload length.
	IPLength  int
	IPCsumOK  bool
	SrcPort   uint16
	DstPort   uint16
	Seq, Ack  uint32
	Window    uint16
	Flags     header.TCPFlags
	HasTS     bool
	TSVal     uint32
	TSEcr     uint32
	TCPCsumOK bool
	Payload   []byte
}

// Parse decodes an Ethernet frame carrying TCP over IPv4 or IPv6.
func Parse(frame []byte) (Segment, error) {
	var s Segment
	if len(frame) < header.EthernetMinimumSize {
		return s, ErrNotTCP
	}
	l3 := frame[header.EthernetMinimumSize:]

	var (
		tcp      header.TCP
		src, dst tcpip.Address
		l4Len    int
	)
	switch header.Ethernet(frame).Type() {
	case header.IPv4ProtocolNumber:
		ip := header.IPv4(l3)
		if len(l3) < header.IPv4MinimumSize || !ip.IsValid(len(l3)) ||
			tcpip.TransportProtocolNumber(ip.Protocol()) != header.TCPProtocolNumber {
			return s, ErrNotTCP
		}
		s.IPVersion = header.IPv4Version
		s.IPLength = int(ip.TotalLength())
		s.IPCsumOK = ip.IsChecksumValid()
		hl := int(ip.HeaderLength())
		tcp = header.TCP(l3[hl:ip.TotalLength()])
		src, dst = ip.SourceAddress(), ip.DestinationAddress()
		l4Len = int(ip.TotalLength()) - hl
	case header.IPv6ProtocolNumber:
		ip := header.IPv6(l3)
		if len(l3) < header.IPv6MinimumSize ||
			tcpip.TransportProtocolNumber(ip.NextHeader()) != header.TCPProtocolNumber {
			return s, ErrNotTCP
		}
		s.IPVersion = header.IPv6Version
		s.IPLength = int(ip.PayloadLength())
		s.IPCsumOK = true
		end := header.IPv6MinimumSize + int(ip.PayloadLength())
		if end > len(l3) {
			return s, ErrNotTCP
		}
		tcp = header.TCP(l3[header.IPv6MinimumSize:end])
		src, dst = ip.SourceAddress(), ip.DestinationAddress()
		l4Len = int(ip.PayloadLength())
	default:
		return s, ErrNotTCP
	}

	if len(tcp) < header.TCPMinimumSize || int(tcp.DataOffset()) < header.TCPMinimumSize ||
		int(tcp.DataOffset()) > len(tcp) {
		return s, fmt.Errorf("%w: bad TCP header", ErrNotTCP)
	}
	s.SrcPort = tcp.SourcePort()
	s.DstPort = tcp.DestinationPort()
	s.Seq = tcp.SequenceNumber()
	s.Ack = tcp.AckNumber()
	s.Window = tcp.WindowSize()
	s.Flags = tcp.Flags()
	s.Payload = tcp[tcp.DataOffset():]
	s.HasTS, s.TSVal, s.TSEcr = findTimestamp(tcp[header.TCPMinimumSize:tcp.DataOffset()])

	xsum := header.PseudoHeaderChecksum(header.TCPProtocolNumber, src, dst, uint16(l4Len))
	s.TCPCsumOK = checksum.Checksum(tcp, xsum) == 0xffff
	return s, nil
}

func findTimestamp(opts []byte) (ok bool, val, ecr uint32) {
	for i := 0; i < len(opts); {
		switch opts[i] {
		case 0:
			return false, 0, 0
		case tcpOptNOP:
			i++
			continue
		}
		if i+1 >= len(opts) || opts[i+1] < 2 {
			return false, 0, 0
		}
		if opts[i] == tcpOptTS && opts[i+1] == 10 && i+10 <= len(opts) {
			return true, binary.BigEndian.Uint32(opts[i+2:]), binary.BigEndian.Uint32(opts[i+6:])
		}
		i += int(opts[i+1])
	}
	return false, 0, 0
}
