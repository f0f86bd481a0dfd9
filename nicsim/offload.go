package nicsim

import (
	"encoding/binary"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/romshark/rxring-go/ring"
)

const etherTypeVLAN = 0x8100

// checkFrame computes the hds_ip_ext bits reported for frame, the way
// receive checksum offload hardware does.
func checkFrame(frame []byte) uint8 {
	if len(frame) < header.EthernetMinimumSize {
		return 0
	}
	hds := ring.CQEL2OK
	l3 := frame[header.EthernetMinimumSize:]

	var (
		proto    tcpip.TransportProtocolNumber
		src, dst tcpip.Address
		l4       []byte
		v4       bool
	)
	switch header.Ethernet(frame).Type() {
	case header.IPv4ProtocolNumber:
		ip := header.IPv4(l3)
		if len(l3) < header.IPv4MinimumSize || !ip.IsValid(len(l3)) || !ip.IsChecksumValid() {
			return hds
		}
		hds |= ring.CQEL3OK
		if ip.FragmentOffset() != 0 || ip.Flags()&header.IPv4FlagMoreFragments != 0 {
			return hds
		}
		proto = tcpip.TransportProtocolNumber(ip.Protocol())
		src, dst = ip.SourceAddress(), ip.DestinationAddress()
		l4 = l3[ip.HeaderLength():ip.TotalLength()]
		v4 = true
	case header.IPv6ProtocolNumber:
		ip := header.IPv6(l3)
		if len(l3) < header.IPv6MinimumSize ||
			header.IPv6MinimumSize+int(ip.PayloadLength()) > len(l3) {
			return hds
		}
		hds |= ring.CQEL3OK
		proto = tcpip.TransportProtocolNumber(ip.NextHeader())
		src, dst = ip.SourceAddress(), ip.DestinationAddress()
		l4 = l3[header.IPv6MinimumSize : header.IPv6MinimumSize+int(ip.PayloadLength())]
	default:
		return hds
	}

	switch proto {
	case header.TCPProtocolNumber:
		if len(l4) < header.TCPMinimumSize {
			return hds
		}
	case header.UDPProtocolNumber:
		if len(l4) < header.UDPMinimumSize {
			return hds
		}
		// A zero UDP checksum over IPv4 means none was sent.
		if v4 && header.UDP(l4).Checksum() == 0 {
			return hds | ring.CQEL4OK
		}
	default:
		return hds
	}
	xsum := header.PseudoHeaderChecksum(proto, src, dst, uint16(len(l4)))
	if checksum.Checksum(l4, xsum) == 0xffff {
		hds |= ring.CQEL4OK
	}
	return hds
}

// stripVLAN removes an 802.1Q tag from frame.
func stripVLAN(frame []byte) ([]byte, uint16, bool) {
	if len(frame) < header.EthernetMinimumSize+4 ||
		binary.BigEndian.Uint16(frame[12:]) != etherTypeVLAN {
		return frame, 0, false
	}
	tci := binary.BigEndian.Uint16(frame[14:])
	out := make([]byte, 0, len(frame)-4)
	out = append(out, frame[:12]...)
	out = append(out, frame[16:]...)
	return out, tci, true
}
