package tlro

import (
	"encoding/binary"
	"errors"

	"github.com/romshark/rxring-go/pkt"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// MaxHeader bounds the IP header plus the TCP base header of a segment
// eligible for aggregation.
const MaxHeader = 64

const (
	tcpOptEOL = 0
	tcpOptNOP = 1
	tcpOptTS  = 8

	tcpOptTSLen = 10

	tcpAckOff    = 8
	tcpWindowOff = 14

	// Only these flags may be set on a segment that is aggregated.
	allowedFlags = header.TCPFlagAck | header.TCPFlagPsh
)

var (
	errNotTCP      = errors.New("not an ethernet TCP segment")
	errFragment    = errors.New("ip fragment")
	errHeaderLen   = errors.New("headers exceed limit")
	errOptions     = errors.New("unsupported tcp options")
	errFlags       = errors.New("unsupported tcp flags")
	errNoPayload   = errors.New("no payload")
	errNotVerified = errors.New("checksum not verified")
)

// flowKey identifies a TCP flow.
type flowKey struct {
	version          uint8
	src, dst         tcpip.Address
	srcPort, dstPort uint16
}

// segment is a decoded TCP segment. Offsets are relative to the packet's
// data window.
type segment struct {
	key flowKey
	// keyed is set once the flow key has been decoded, even when the
	// segment is not eligible for aggregation.
	keyed bool

	ipOff    int
	ipHdrLen int
	tcpLen   int
	dataOff  int
	dataLen  int
	// padding is trailing data beyond the IP datagram.
	padding int

	seq    uint32
	ack    uint32
	window uint16
	flags  header.TCPFlags

	hasTS bool
	tsOff int // offset of TSval within the TCP header
	tsVal uint32
	tsEcr uint32
}

// classify decodes p and reports why it cannot be aggregated, if it can't.
func classify(p *pkt.Packet) (segment, error) {
	var s segment
	b := p.Data()
	if len(b) < header.EthernetMinimumSize {
		return s, errNotTCP
	}
	s.ipOff = header.EthernetMinimumSize
	l3 := b[s.ipOff:]

	var ipLen int
	switch header.Ethernet(b).Type() {
	case header.IPv4ProtocolNumber:
		ip := header.IPv4(l3)
		if len(l3) < header.IPv4MinimumSize || !ip.IsValid(len(l3)) ||
			tcpip.TransportProtocolNumber(ip.Protocol()) != header.TCPProtocolNumber {
			return s, errNotTCP
		}
		if ip.FragmentOffset() != 0 || ip.Flags()&header.IPv4FlagMoreFragments != 0 {
			return s, errFragment
		}
		s.key.version = header.IPv4Version
		s.key.src, s.key.dst = ip.SourceAddress(), ip.DestinationAddress()
		s.ipHdrLen = int(ip.HeaderLength())
		ipLen = int(ip.TotalLength())
	case header.IPv6ProtocolNumber:
		ip := header.IPv6(l3)
		if len(l3) < header.IPv6MinimumSize ||
			tcpip.TransportProtocolNumber(ip.NextHeader()) != header.TCPProtocolNumber {
			return s, errNotTCP
		}
		s.key.version = header.IPv6Version
		s.key.src, s.key.dst = ip.SourceAddress(), ip.DestinationAddress()
		s.ipHdrLen = header.IPv6MinimumSize
		ipLen = header.IPv6MinimumSize + int(ip.PayloadLength())
	default:
		return s, errNotTCP
	}
	if ipLen > len(l3) || ipLen < s.ipHdrLen+header.TCPMinimumSize {
		return s, errNotTCP
	}
	s.padding = len(l3) - ipLen

	tcp := header.TCP(l3[s.ipHdrLen:ipLen])
	s.key.srcPort, s.key.dstPort = tcp.SourcePort(), tcp.DestinationPort()
	s.keyed = true

	s.tcpLen = int(tcp.DataOffset())
	if s.tcpLen < header.TCPMinimumSize || s.tcpLen > len(tcp) {
		return s, errNotTCP
	}
	s.seq = tcp.SequenceNumber()
	s.ack = tcp.AckNumber()
	s.window = tcp.WindowSize()
	s.flags = tcp.Flags()
	s.dataOff = s.ipOff + s.ipHdrLen + s.tcpLen
	s.dataLen = len(tcp) - s.tcpLen

	if s.ipHdrLen+header.TCPMinimumSize > MaxHeader {
		return s, errHeaderLen
	}
	if err := s.parseOptions(tcp[header.TCPMinimumSize:s.tcpLen]); err != nil {
		return s, err
	}
	if s.flags&^allowedFlags != 0 || s.flags&header.TCPFlagAck == 0 {
		return s, errFlags
	}
	if s.dataLen == 0 {
		return s, errNoPayload
	}
	if p.CsumFlags&(pkt.CsumDataValid|pkt.CsumPseudoHdr) != pkt.CsumDataValid|pkt.CsumPseudoHdr ||
		p.CsumData != 0xffff {
		return s, errNotVerified
	}
	return s, nil
}

func (s *segment) parseOptions(opts []byte) error {
	for i := 0; i < len(opts); {
		switch opts[i] {
		case tcpOptEOL:
			return nil
		case tcpOptNOP:
			i++
			continue
		case tcpOptTS:
			if s.hasTS || i+tcpOptTSLen > len(opts) || opts[i+1] != tcpOptTSLen {
				return errOptions
			}
			s.hasTS = true
			s.tsOff = header.TCPMinimumSize + i + 2
			s.tsVal = binary.BigEndian.Uint32(opts[i+2:])
			s.tsEcr = binary.BigEndian.Uint32(opts[i+6:])
			i += tcpOptTSLen
		default:
			return errOptions
		}
	}
	return nil
}

// seqGE reports a >= b in sequence number space.
func seqGE(a, b uint32) bool { return int32(a-b) >= 0 }
