package ethif

import (
	"encoding/binary"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"ethbridge/frame"
)

type stackEvent struct {
	op     string
	ifc    string
	offset int
	tag    byte
}

type fakeStack struct {
	mu          sync.Mutex
	events      []stackEvent
	registered  map[*Interface]bool
	defaultIfc  *Interface
	registerErr error
	injectErr   error
	hwaddrs     []net.HardwareAddr
}

func newFakeStack() *fakeStack {
	return &fakeStack{registered: make(map[*Interface]bool)}
}

func (s *fakeStack) record(op string, ifc *Interface, buf *frame.Buffer) {
	ev := stackEvent{op: op, ifc: ifc.Name(), offset: buf.Offset()}
	if b := buf.Bytes(); len(b) > 0 {
		ev.tag = b[len(b)-1]
	}
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *fakeStack) Register(ifc *Interface, _ Addresses, _ InputFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.registerErr != nil {
		return s.registerErr
	}
	s.registered[ifc] = true
	return nil
}

func (s *fakeStack) Unregister(ifc *Interface) {
	s.mu.Lock()
	delete(s.registered, ifc)
	s.mu.Unlock()
}

func (s *fakeStack) SetDefault(ifc *Interface) {
	s.mu.Lock()
	s.defaultIfc = ifc
	s.mu.Unlock()
}

func (s *fakeStack) Inject(buf *frame.Buffer, ifc *Interface) error {
	s.mu.Lock()
	err := s.injectErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.record("inject", ifc, buf)
	buf.Release()
	return nil
}

func (s *fakeStack) ARPInput(ifc *Interface, hwaddr net.HardwareAddr, buf *frame.Buffer) {
	s.record("arp", ifc, buf)
	s.mu.Lock()
	s.hwaddrs = append(s.hwaddrs, hwaddr)
	s.mu.Unlock()
	buf.Release()
}

func (s *fakeStack) ARPLearn(ifc *Interface, buf *frame.Buffer) {
	s.record("learn", ifc, buf)
}

func (s *fakeStack) Output(ifc *Interface, buf *frame.Buffer, _ netip.Addr) error {
	return ifc.LinkOutput(buf)
}

func (s *fakeStack) snapshot() []stackEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stackEvent(nil), s.events...)
}

func (s *fakeStack) isRegistered(ifc *Interface) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered[ifc]
}

type fakeDriver struct {
	mu       sync.Mutex
	rx       []*frame.Buffer
	rxErr    error
	notifier Notifier
	hwaddr   net.HardwareAddr
	hwErr    error
	mtu      int

	// send, when set, replaces the default successful send.
	send func(buf *frame.Buffer) error
	sent [][]byte
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{hwaddr: net.HardwareAddr{0x02, 0, 0, 0, 0, 1}, mtu: 1500}
}

func (d *fakeDriver) push(buf *frame.Buffer) {
	d.mu.Lock()
	d.rx = append(d.rx, buf)
	d.mu.Unlock()
}

func (d *fakeDriver) Send(buf *frame.Buffer) error {
	d.mu.Lock()
	send := d.send
	d.mu.Unlock()
	if send != nil {
		return send(buf)
	}
	d.mu.Lock()
	d.sent = append(d.sent, append([]byte(nil), buf.Bytes()...))
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) Receive() (*frame.Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rxErr != nil {
		err := d.rxErr
		d.rxErr = nil
		return nil, err
	}
	if len(d.rx) == 0 {
		return nil, nil
	}
	buf := d.rx[0]
	d.rx = d.rx[1:]
	return buf, nil
}

func (d *fakeDriver) HardwareAddr() (net.HardwareAddr, error) {
	return d.hwaddr, d.hwErr
}

func (d *fakeDriver) MTU() int { return d.mtu }

func (d *fakeDriver) Attach(n Notifier) {
	d.mu.Lock()
	d.notifier = n
	d.mu.Unlock()
}

func (d *fakeDriver) attached() Notifier {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.notifier
}

func (d *fakeDriver) Close() error { return nil }

var errFakeSend = errors.New("fake send failure")

// ethFrame builds an Ethernet II frame whose last byte is tag.
func ethFrame(pool *frame.Pool, etherType uint16, tag byte) *frame.Buffer {
	payload := make([]byte, 28)
	payload[len(payload)-1] = tag
	buf := pool.Get(frame.EthernetHeaderSize + len(payload))
	b := buf.Bytes()
	copy(b[0:6], []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	copy(b[6:12], []byte{0x02, 0, 0, 0, 0, 9})
	binary.BigEndian.PutUint16(b[12:14], etherType)
	copy(b[14:], payload)
	return buf
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
