package stack

import (
	"bytes"
	"fmt"
	"net"
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"ethbridge/ethif"
	"ethbridge/frame"
	"ethbridge/internal/logging"
)

var broadcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// multicastMAC maps an IPv4 group onto 01:00:5e plus its low 23 bits.
func multicastMAC(ip netip.Addr) net.HardwareAddr {
	a := ip.As4()
	return net.HardwareAddr{0x01, 0x00, 0x5e, a[1] & 0x7f, a[2], a[3]}
}

// Output sends the IPv4 packet in buf towards dst on ifc. It owns buf. A
// packet whose next hop is not resolved yet is parked on the ARP entry and
// sent when the reply arrives.
func (s *Stack) Output(ifc *ethif.Interface, buf *frame.Buffer, dst netip.Addr) error {
	if !dst.Is4() {
		buf.Release()
		return fmt.Errorf("output %s: %w", dst, ErrNotIPv4)
	}
	local := ifc.Address()
	if local.IsValid() && dst == local.Addr() {
		return s.loopback(ifc, buf)
	}

	var mac net.HardwareAddr
	switch {
	case isBroadcast(ifc, dst):
		mac = broadcastMAC
	case dst.IsMulticast():
		mac = multicastMAC(dst)
	default:
		hop := dst
		if !local.IsValid() || !local.Contains(dst) {
			hop = ifc.Gateway()
			if !hop.IsValid() {
				buf.Release()
				return fmt.Errorf("output %s via %s: %w", dst, ifc.Name(), ErrNoRoute)
			}
		}
		var ok bool
		if mac, ok = s.arp.lookup(ifc, hop); !ok {
			s.stats.arpQueued.Add(1)
			if s.arp.enqueue(ifc, hop, buf) {
				return s.request(ifc, hop)
			}
			return nil
		}
	}
	return s.linkSend(ifc, buf, mac)
}

// linkSend prepends the Ethernet header and hands the frame to the link.
func (s *Stack) linkSend(ifc *ethif.Interface, buf *frame.Buffer, dst net.HardwareAddr) error {
	hdr, err := buf.Prepend(header.EthernetMinimumSize)
	if err != nil {
		buf.Release()
		return fmt.Errorf("output %s: %w", ifc.Name(), err)
	}
	header.Ethernet(hdr).Encode(&header.EthernetFields{
		SrcAddr: tcpip.LinkAddress(ifc.HardwareAddr()),
		DstAddr: tcpip.LinkAddress(dst),
		Type:    header.IPv4ProtocolNumber,
	})
	return ifc.LinkOutput(buf)
}

// loopback feeds a packet addressed to ifc itself back through the
// interface's input path, as if it had arrived on the wire.
func (s *Stack) loopback(ifc *ethif.Interface, buf *frame.Buffer) error {
	n, ok := s.lookup(ifc)
	if !ok {
		buf.Release()
		return fmt.Errorf("loopback %s: %w", ifc.Name(), ErrNotRegistered)
	}
	hdr, err := buf.Prepend(header.EthernetMinimumSize)
	if err != nil {
		buf.Release()
		return fmt.Errorf("loopback %s: %w", ifc.Name(), err)
	}
	own := tcpip.LinkAddress(ifc.HardwareAddr())
	header.Ethernet(hdr).Encode(&header.EthernetFields{
		SrcAddr: own,
		DstAddr: own,
		Type:    header.IPv4ProtocolNumber,
	})
	s.stats.loopback.Add(1)
	return n.input(buf, ifc)
}

// request broadcasts an ARP request for target.
func (s *Stack) request(ifc *ethif.Interface, target netip.Addr) error {
	local := ifc.Address()
	if !local.IsValid() {
		return fmt.Errorf("arp request on %s: no address", ifc.Name())
	}
	buf := s.pool.Get(header.EthernetMinimumSize + header.ARPSize)
	b := buf.Bytes()
	hw := ifc.HardwareAddr()
	header.Ethernet(b).Encode(&header.EthernetFields{
		SrcAddr: tcpip.LinkAddress(hw),
		DstAddr: tcpip.LinkAddress(broadcastMAC),
		Type:    header.ARPProtocolNumber,
	})
	arp := header.ARP(b[header.EthernetMinimumSize:])
	arp.SetIPv4OverEthernet()
	arp.SetOp(header.ARPRequest)
	sender, tgt := local.Addr().As4(), target.As4()
	copy(arp.HardwareAddressSender(), hw)
	copy(arp.ProtocolAddressSender(), sender[:])
	copy(arp.HardwareAddressTarget(), make([]byte, 6))
	copy(arp.ProtocolAddressTarget(), tgt[:])
	s.stats.arpRequests.Add(1)
	return ifc.LinkOutput(buf)
}

// Announce sends a gratuitous ARP for the interface's own address so
// neighbours refresh their caches after an address change.
func (s *Stack) Announce(ifc *ethif.Interface) error {
	local := ifc.Address()
	if !local.IsValid() {
		return nil
	}
	return s.request(ifc, local.Addr())
}

// ARPInput handles a complete ARP frame received on ifc. hwaddr is the
// interface's own MAC. It owns buf.
func (s *Stack) ARPInput(ifc *ethif.Interface, hwaddr net.HardwareAddr, buf *frame.Buffer) {
	s.stats.arpRx.Add(1)
	data := buf.Bytes()
	if len(data) < header.EthernetMinimumSize+header.ARPSize {
		s.stats.arpInvalid.Add(1)
		buf.Release()
		return
	}
	arp := header.ARP(data[header.EthernetMinimumSize:])
	if !arp.IsValid() {
		s.stats.arpInvalid.Add(1)
		buf.Release()
		return
	}

	senderMAC := append(net.HardwareAddr(nil), arp.HardwareAddressSender()...)
	senderIP := netip.AddrFrom4([4]byte(arp.ProtocolAddressSender()))
	targetIP := netip.AddrFrom4([4]byte(arp.ProtocolAddressTarget()))
	local := ifc.Address()
	forUs := local.IsValid() && targetIP == local.Addr()

	if local.IsValid() && senderIP == local.Addr() && !bytes.Equal(senderMAC, hwaddr) {
		s.logger.Warn("address conflict", logging.Fields{
			"interface": ifc.Name(),
			"address":   senderIP.String(),
			"mac":       senderMAC.String(),
		})
	} else if !senderIP.IsUnspecified() {
		s.learn(ifc, senderIP, senderMAC, forUs)
	}

	if arp.Op() == header.ARPRequest && forUs {
		ours := local.Addr().As4()
		theirs := senderIP.As4()
		copy(arp.HardwareAddressTarget(), senderMAC)
		copy(arp.ProtocolAddressTarget(), theirs[:])
		copy(arp.HardwareAddressSender(), hwaddr)
		copy(arp.ProtocolAddressSender(), ours[:])
		arp.SetOp(header.ARPReply)
		header.Ethernet(data).Encode(&header.EthernetFields{
			SrcAddr: tcpip.LinkAddress(hwaddr),
			DstAddr: tcpip.LinkAddress(senderMAC),
			Type:    header.ARPProtocolNumber,
		})
		buf.Truncate(header.EthernetMinimumSize + header.ARPSize)
		s.stats.arpReplies.Add(1)
		if err := ifc.LinkOutput(buf); err != nil {
			s.logger.Debug("arp reply not sent", logging.Fields{
				"interface": ifc.Name(),
				"error":     err,
			})
		}
		return
	}
	buf.Release()
}

// ARPLearn refreshes the cache from the Ethernet and IPv4 source addresses
// of an incoming IPv4 frame. Only senders on the interface's own subnet
// that are already cached are updated. The frame is not modified.
func (s *Stack) ARPLearn(ifc *ethif.Interface, buf *frame.Buffer) {
	data := buf.Bytes()
	if len(data) < header.EthernetMinimumSize+header.IPv4MinimumSize {
		return
	}
	ip := header.IPv4(data[header.EthernetMinimumSize:])
	src := netip.AddrFrom4([4]byte(ip.SourceAddressSlice()))
	local := ifc.Address()
	if !local.IsValid() || !local.Contains(src) || src == local.Addr() {
		return
	}
	mac := net.HardwareAddr(header.Ethernet(data).SourceAddress())
	s.learn(ifc, src, mac, false)
}

func (s *Stack) learn(ifc *ethif.Interface, ip netip.Addr, mac net.HardwareAddr, insert bool) {
	pending, ok := s.arp.update(ifc, ip, mac, insert)
	if !ok {
		return
	}
	s.stats.arpLearned.Add(1)
	if pending == nil {
		return
	}
	if err := s.linkSend(ifc, pending, mac); err != nil {
		s.logger.Debug("queued packet not sent", logging.Fields{
			"interface": ifc.Name(),
			"to":        ip.String(),
			"error":     err,
		})
	}
}
