package stack

import (
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"ethbridge/ethif"
	"ethbridge/frame"
	"ethbridge/internal/logging"
)

var limitedBroadcast = netip.AddrFrom4([4]byte{255, 255, 255, 255})

// subnetBroadcast returns the directed broadcast address of p.
func subnetBroadcast(p netip.Prefix) netip.Addr {
	a := p.Addr().As4()
	bits := p.Bits()
	for i := 0; i < 4; i++ {
		keep := bits - i*8
		switch {
		case keep >= 8:
		case keep <= 0:
			a[i] = 0xff
		default:
			a[i] |= 0xff >> keep
		}
	}
	return netip.AddrFrom4(a)
}

func isBroadcast(ifc *ethif.Interface, dst netip.Addr) bool {
	if dst == limitedBroadcast {
		return true
	}
	p := ifc.Address()
	return p.IsValid() && p.Bits() < 31 && dst == subnetBroadcast(p)
}

// ipInput handles one IPv4 packet. It owns buf.
func (s *Stack) ipInput(buf *frame.Buffer, ifc *ethif.Interface) {
	s.stats.ipRx.Add(1)
	ip := header.IPv4(buf.Bytes())
	if !ip.IsValid(len(ip)) || ip.CalculateChecksum() != 0xffff {
		s.stats.ipDropped.Add(1)
		buf.Release()
		return
	}
	// Drop Ethernet padding past the IP total length.
	buf.Truncate(int(ip.TotalLength()))
	ip = header.IPv4(buf.Bytes())

	dst := netip.AddrFrom4([4]byte(ip.DestinationAddressSlice()))
	local := ifc.Address()
	broadcast := isBroadcast(ifc, dst)
	if !broadcast && (!local.IsValid() || dst != local.Addr()) {
		s.stats.ipNotForUs.Add(1)
		buf.Release()
		return
	}

	proto := ip.Protocol()
	if proto == uint8(header.ICMPv4ProtocolNumber) && !broadcast {
		if s.icmpEcho(buf, ifc) {
			return
		}
	}

	s.mu.RLock()
	h := s.handlers[proto]
	s.mu.RUnlock()
	if h != nil {
		h(ifc, ip)
	} else {
		s.stats.ipDropped.Add(1)
	}
	buf.Release()
}

// icmpEcho answers an echo request in place. It reports whether it took
// ownership of buf.
func (s *Stack) icmpEcho(buf *frame.Buffer, ifc *ethif.Interface) bool {
	ip := header.IPv4(buf.Bytes())
	hlen := int(ip.HeaderLength())
	icmp := header.ICMPv4(ip[hlen:])
	if len(icmp) < header.ICMPv4MinimumSize || icmp.Type() != header.ICMPv4Echo {
		return false
	}
	if checksum.Checksum(icmp, 0) != 0xffff {
		s.stats.ipDropped.Add(1)
		buf.Release()
		return true
	}

	src := netip.AddrFrom4([4]byte(ip.SourceAddressSlice()))
	dst := netip.AddrFrom4([4]byte(ip.DestinationAddressSlice()))
	srcBytes, dstBytes := src.As4(), dst.As4()
	copy(ip.SourceAddressSlice(), dstBytes[:])
	copy(ip.DestinationAddressSlice(), srcBytes[:])
	ip.SetTTL(defaultTTL)
	ip.SetChecksum(0)
	ip.SetChecksum(^ip.CalculateChecksum())

	icmp.SetType(header.ICMPv4EchoReply)
	icmp.SetChecksum(0)
	icmp.SetChecksum(^checksum.Checksum(icmp, 0))

	s.stats.icmpEcho.Add(1)
	if err := ifc.Output(buf, src); err != nil {
		s.logger.Debug("echo reply not sent", logging.Fields{
			"interface": ifc.Name(),
			"to":        src.String(),
			"error":     err,
		})
	}
	return true
}
