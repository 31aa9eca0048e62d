package dataplane

import (
	"net"
	"sync"

	"ethbridge/frame"
)

// Pipe is one end of an in-memory Ethernet link. Frames sent on one end are
// received on the other. It is useful for tests, demos, or wiring two
// interfaces of the same process together.
type Pipe struct {
	*link
	name string

	peerMu sync.RWMutex
	peer   *Pipe
}

// NewPipe returns two connected ends. Each end gets a hardware address
// derived from its name.
func NewPipe(a, b string, mtu int, pool *frame.Pool) (*Pipe, *Pipe) {
	left := &Pipe{link: newLink(mtu, DeriveHardwareAddr("pipe/"+a), pool), name: a}
	right := &Pipe{link: newLink(mtu, DeriveHardwareAddr("pipe/"+b), pool), name: b}
	left.peer = right
	right.peer = left
	return left, right
}

func (p *Pipe) Name() string { return p.name }

// SetHardwareAddr overrides the derived address. Call before binding.
func (p *Pipe) SetHardwareAddr(hw net.HardwareAddr) {
	p.hwaddr = append(net.HardwareAddr(nil), hw...)
}

// Send copies the frame to the other end.
func (p *Pipe) Send(buf *frame.Buffer) error {
	if err := p.checkSend(buf); err != nil {
		return err
	}
	p.peerMu.RLock()
	peer := p.peer
	p.peerMu.RUnlock()
	if peer == nil {
		return ErrClosed
	}
	peer.deliver(buf.Bytes())
	return nil
}

// Close shuts this end down. The other end keeps working but its sends are
// dropped.
func (p *Pipe) Close() error {
	if !p.shutdown() {
		return nil
	}
	p.peerMu.Lock()
	p.peer = nil
	p.peerMu.Unlock()
	return nil
}
