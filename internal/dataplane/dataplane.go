// Package dataplane holds the link drivers the bridge can bind: an in-memory
// pipe, Ethernet over UDP or WebSocket, a TUN device with a pseudo-Ethernet
// shim and raw AF_PACKET sockets.
package dataplane

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"ethbridge/ethif"
	"ethbridge/frame"
	"ethbridge/internal/ipc"
)

const rxRingSize = 64

var (
	ErrClosed        = errors.New("dataplane closed")
	ErrFrameTooLarge = errors.New("frame exceeds mtu")
)

// link is the receive half shared by every driver. The driver's reader
// goroutine copies each frame into a pool buffer and queues it on rx; the
// bridge drains rx through Receive after Ready.
type link struct {
	mtu    int
	hwaddr net.HardwareAddr
	pool   *frame.Pool
	rx     *ipc.Mailbox[*frame.Buffer]

	mu       sync.RWMutex
	notifier ethif.Notifier
	closed   atomic.Bool
	dropped  atomic.Uint64
}

func newLink(mtu int, hwaddr net.HardwareAddr, pool *frame.Pool) *link {
	if mtu <= 0 {
		mtu = frame.DefaultMTU
	}
	if pool == nil {
		pool = frame.NewPool(mtu, frame.DefaultHeadroom)
	}
	return &link{
		mtu:    mtu,
		hwaddr: hwaddr,
		pool:   pool,
		rx:     ipc.NewMailbox[*frame.Buffer](rxRingSize),
	}
}

func (l *link) HardwareAddr() (net.HardwareAddr, error) {
	if len(l.hwaddr) == 0 {
		return nil, errors.New("no hardware address")
	}
	return append(net.HardwareAddr(nil), l.hwaddr...), nil
}

func (l *link) MTU() int { return l.mtu }

func (l *link) Attach(n ethif.Notifier) {
	l.mu.Lock()
	l.notifier = n
	l.mu.Unlock()
}

// Receive returns the next queued frame, or nil when the ring is empty.
func (l *link) Receive() (*frame.Buffer, error) {
	buf, ok := l.rx.TryReceive()
	if !ok {
		return nil, nil
	}
	return buf, nil
}

// Dropped counts frames lost because the ring was full or the driver closed.
func (l *link) Dropped() uint64 {
	return l.dropped.Load()
}

// deliver copies data into a buffer, queues it and tells the bridge.
func (l *link) deliver(data []byte) {
	if l.closed.Load() {
		l.dropped.Add(1)
		return
	}
	if len(data) > l.mtu+frame.EthernetHeaderSize {
		l.dropped.Add(1)
		return
	}
	buf := l.pool.Get(len(data))
	copy(buf.Bytes(), data)
	l.enqueue(buf)
}

// enqueue queues a buffer that is already filled in.
func (l *link) enqueue(buf *frame.Buffer) {
	if err := l.rx.Send(buf, 0); err != nil {
		buf.Release()
		l.dropped.Add(1)
		// Still notify: the bridge may not have drained yet.
	}
	l.mu.RLock()
	n := l.notifier
	l.mu.RUnlock()
	if n != nil {
		_ = n.Ready()
	}
}

func (l *link) checkSend(buf *frame.Buffer) error {
	if l.closed.Load() {
		return ErrClosed
	}
	if buf.Len() > l.mtu+frame.EthernetHeaderSize {
		return ErrFrameTooLarge
	}
	return nil
}

// shutdown marks the link closed and releases whatever is still queued. It
// reports false if the link was already closed.
func (l *link) shutdown() bool {
	if !l.closed.CompareAndSwap(false, true) {
		return false
	}
	l.Attach(nil)
	l.rx.Close()
	for _, buf := range l.rx.Drain() {
		buf.Release()
	}
	return true
}
