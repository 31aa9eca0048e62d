//go:build linux

package dataplane

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"ethbridge/frame"
	"ethbridge/internal/logging"
)

// readTimeout bounds each blocking read so the reader notices Close.
const readTimeout = 250 * time.Millisecond

// PacketSocket binds a raw AF_PACKET socket to an existing host interface
// and exchanges complete Ethernet frames with it.
type PacketSocket struct {
	*link
	fd     int
	ifname string
	addr   unix.SockaddrLinklayer
	logger *logging.Logger
	wg     sync.WaitGroup
}

func htons(v uint16) uint16 { return v<<8 | v>>8 }

func NewPacketSocket(ifname string, pool *frame.Pool, logger *logging.Logger) (*PacketSocket, error) {
	nif, err := net.InterfaceByName(ifname)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW|unix.SOCK_CLOEXEC, int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return nil, fmt.Errorf("packet socket: %w", err)
	}
	addr := unix.SockaddrLinklayer{Protocol: htons(unix.ETH_P_ALL), Ifindex: nif.Index}
	if err := unix.Bind(fd, &addr); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", ifname, err)
	}
	tv := unix.NsecToTimeval(readTimeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	if logger == nil {
		logger = logging.Discard()
	}
	hw := nif.HardwareAddr
	if len(hw) != 6 {
		hw = DeriveHardwareAddr("packet/" + ifname)
	}
	p := &PacketSocket{
		link:   newLink(nif.MTU, hw, pool),
		fd:     fd,
		ifname: ifname,
		addr:   addr,
		logger: logger.With(logging.Fields{"driver": "packet", "device": ifname}),
	}
	p.wg.Add(1)
	go p.readLoop()
	return p, nil
}

func (p *PacketSocket) Send(buf *frame.Buffer) error {
	if err := p.checkSend(buf); err != nil {
		return err
	}
	return unix.Sendto(p.fd, buf.Bytes(), 0, &p.addr)
}

func (p *PacketSocket) Close() error {
	if !p.shutdown() {
		return nil
	}
	p.wg.Wait()
	return unix.Close(p.fd)
}

func (p *PacketSocket) readLoop() {
	defer p.wg.Done()
	buf := make([]byte, p.mtu+frame.EthernetHeaderSize+4)
	for !p.closed.Load() {
		n, from, err := unix.Recvfrom(p.fd, buf, 0)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			if p.closed.Load() {
				return
			}
			p.logger.Debug("packet read failed", logging.Fields{"error": err})
			time.Sleep(readTimeout)
			continue
		}
		// Our own transmissions are looped back to the socket.
		if ll, ok := from.(*unix.SockaddrLinklayer); ok && ll.Pkttype == unix.PACKET_OUTGOING {
			continue
		}
		if n < frame.EthernetHeaderSize {
			continue
		}
		p.deliver(buf[:n])
	}
}
