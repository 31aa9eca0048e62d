package dataplane

import (
	"net"
	"sync"

	"golang.zx2c4.com/wireguard/tun"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"ethbridge/frame"
	"ethbridge/internal/logging"
)

const (
	defaultTUNMTU = 1420
	// tunOffset leaves room in front of each packet for the virtio header
	// some TUN implementations write.
	tunOffset = 16
)

// TUN presents a layer-3 TUN device as an Ethernet link. Outgoing IPv4
// frames lose their Ethernet header, ARP requests are answered locally with
// a fixed peer address, and packets read from the device get a synthesized
// header addressed to us.
type TUN struct {
	*link
	device  tun.Device
	peerMAC net.HardwareAddr
	logger  *logging.Logger
	wg      sync.WaitGroup
	writeMu sync.Mutex
}

func NewTUN(name string, mtu int, pool *frame.Pool, logger *logging.Logger) (*TUN, error) {
	if mtu <= 0 {
		mtu = defaultTUNMTU
	}
	dev, err := tun.CreateTUN(name, mtu)
	if err != nil {
		return nil, err
	}
	return newTUN(dev, name, mtu, pool, logger), nil
}

func newTUN(dev tun.Device, name string, mtu int, pool *frame.Pool, logger *logging.Logger) *TUN {
	if logger == nil {
		logger = logging.Discard()
	}
	t := &TUN{
		link:    newLink(mtu, DeriveHardwareAddr("tun/"+name), pool),
		device:  dev,
		peerMAC: DeriveHardwareAddr("tun-peer/" + name),
		logger:  logger.With(logging.Fields{"driver": "tun", "device": name}),
	}
	t.wg.Add(2)
	go t.readLoop()
	go t.watchEvents()
	return t
}

// Send writes the IPv4 payload of buf to the device or answers an ARP
// request. Other EtherTypes are discarded.
func (t *TUN) Send(buf *frame.Buffer) error {
	if err := t.checkSend(buf); err != nil {
		return err
	}
	data := buf.Bytes()
	if len(data) < header.EthernetMinimumSize {
		return nil
	}
	switch header.Ethernet(data).Type() {
	case header.IPv4ProtocolNumber:
		payload := data[header.EthernetMinimumSize:]
		out := make([]byte, tunOffset+len(payload))
		copy(out[tunOffset:], payload)
		t.writeMu.Lock()
		_, err := t.device.Write([][]byte{out}, tunOffset)
		t.writeMu.Unlock()
		return err
	case header.ARPProtocolNumber:
		t.proxyARP(data)
	}
	return nil
}

// proxyARP claims every address behind the TUN for peerMAC.
func (t *TUN) proxyARP(data []byte) {
	if len(data) < header.EthernetMinimumSize+header.ARPSize {
		return
	}
	req := header.ARP(data[header.EthernetMinimumSize:])
	if !req.IsValid() || req.Op() != header.ARPRequest {
		return
	}
	reply := t.pool.Get(header.EthernetMinimumSize + header.ARPSize)
	b := reply.Bytes()
	requester := net.HardwareAddr(req.HardwareAddressSender())
	header.Ethernet(b).Encode(&header.EthernetFields{
		SrcAddr: tcpip.LinkAddress(t.peerMAC),
		DstAddr: tcpip.LinkAddress(requester),
		Type:    header.ARPProtocolNumber,
	})
	arp := header.ARP(b[header.EthernetMinimumSize:])
	arp.SetIPv4OverEthernet()
	arp.SetOp(header.ARPReply)
	copy(arp.HardwareAddressSender(), t.peerMAC)
	copy(arp.ProtocolAddressSender(), req.ProtocolAddressTarget())
	copy(arp.HardwareAddressTarget(), requester)
	copy(arp.ProtocolAddressTarget(), req.ProtocolAddressSender())
	t.enqueue(reply)
}

func (t *TUN) Close() error {
	if !t.shutdown() {
		return nil
	}
	err := t.device.Close()
	t.wg.Wait()
	return err
}

func (t *TUN) readLoop() {
	defer t.wg.Done()
	batch := t.device.BatchSize()
	if batch <= 0 {
		batch = 1
	}
	bufs := make([][]byte, batch)
	for i := range bufs {
		bufs[i] = make([]byte, tunOffset+65535)
	}
	sizes := make([]int, batch)

	for {
		n, err := t.device.Read(bufs, sizes, tunOffset)
		if err != nil {
			if t.closed.Load() {
				return
			}
			t.logger.Debug("tun read failed", logging.Fields{"error": err})
			continue
		}
		for i := 0; i < n; i++ {
			pkt := bufs[i][tunOffset : tunOffset+sizes[i]]
			if len(pkt) == 0 || header.IPVersion(pkt) != header.IPv4Version {
				continue
			}
			if len(pkt) > t.mtu {
				t.dropped.Add(1)
				continue
			}
			out := t.pool.Get(header.EthernetMinimumSize + len(pkt))
			b := out.Bytes()
			header.Ethernet(b).Encode(&header.EthernetFields{
				SrcAddr: tcpip.LinkAddress(t.peerMAC),
				DstAddr: tcpip.LinkAddress(t.hwaddr),
				Type:    header.IPv4ProtocolNumber,
			})
			copy(b[header.EthernetMinimumSize:], pkt)
			t.enqueue(out)
		}
	}
}

func (t *TUN) watchEvents() {
	defer t.wg.Done()
	for ev := range t.device.Events() {
		switch {
		case ev&tun.EventUp != 0:
			t.logger.Info("tun link up", nil)
		case ev&tun.EventDown != 0:
			t.logger.Info("tun link down", nil)
		}
	}
}
