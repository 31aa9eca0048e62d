package ethif

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ethbridge/device"
	"ethbridge/frame"
	"ethbridge/internal/ipc"
)

const (
	typeIPv4    = 0x0800
	typeARP     = 0x0806
	typeUnknown = 0x9999
)

type harness struct {
	pool       *frame.Pool
	stack      *fakeStack
	driver     *fakeDriver
	registry   *device.Registry
	dispatcher *Dispatcher
	binder     *Binder
	dev        *Device
	ifc        *Interface
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		pool:     frame.NewPool(1500, 0),
		stack:    newFakeStack(),
		driver:   newFakeDriver(),
		registry: device.NewRegistry(),
	}
	h.dispatcher = NewDispatcher(opts, nil)
	h.binder = NewBinder(h.registry, h.stack, nil, 4)
	h.dev = h.dispatcher.NewDevice("e0", h.driver)
	ifc, err := h.binder.Bind(h.dev, BindOptions{
		Address: netip.MustParsePrefix("192.168.1.2/24"),
		Gateway: netip.MustParseAddr("192.168.1.1"),
		Default: true,
	})
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	h.ifc = ifc
	return h
}

func (h *harness) start(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h.dispatcher.Start(ctx)
	t.Cleanup(func() {
		cancel()
		h.dispatcher.Close()
	})
}

func TestReceiveBurstDemultiplexesByEtherType(t *testing.T) {
	h := newHarness(t, Options{})
	h.start(t)

	ip := ethFrame(h.pool, typeIPv4, 1)
	arp := ethFrame(h.pool, typeARP, 2)
	other := ethFrame(h.pool, typeUnknown, 3)
	h.driver.push(ip)
	h.driver.push(arp)
	h.driver.push(other)
	if err := h.dev.Ready(); err != nil {
		t.Fatalf("ready: %v", err)
	}

	waitFor(t, "all frames released", func() bool { return h.pool.InUse() == 0 })

	events := h.stack.snapshot()
	want := []stackEvent{
		{op: "learn", ifc: "e0", offset: 0, tag: 1},
		{op: "inject", ifc: "e0", offset: 14, tag: 1},
		{op: "arp", ifc: "e0", offset: 0, tag: 2},
	}
	if len(events) != len(want) {
		t.Fatalf("expected %d stack calls, got %+v", len(want), events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("call %d: got %+v want %+v", i, events[i], want[i])
		}
	}
	if got := h.stack.hwaddrs[0].String(); got != "02:00:00:00:00:01" {
		t.Fatalf("arp input got hwaddr %s", got)
	}
	stats := h.ifc.Stats()
	if stats.RxFrames != 3 || stats.RxUnknown != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestReceiveKeepsOrderAcrossNotifications(t *testing.T) {
	h := newHarness(t, Options{RxQueueSize: 64})
	h.start(t)

	const n = 40
	for i := 0; i < n; i++ {
		h.driver.push(ethFrame(h.pool, typeIPv4, byte(i)))
		_ = h.dev.Ready()
	}
	waitFor(t, "all frames injected", func() bool {
		count := 0
		for _, ev := range h.stack.snapshot() {
			if ev.op == "inject" {
				count++
			}
		}
		return count == n
	})

	next := 0
	for _, ev := range h.stack.snapshot() {
		if ev.op != "inject" {
			continue
		}
		if ev.tag != byte(next) {
			t.Fatalf("frame %d injected out of order (got tag %d)", next, ev.tag)
		}
		next++
	}
}

func TestReceiveErrorEndsDrainOnly(t *testing.T) {
	h := newHarness(t, Options{})
	h.start(t)

	h.driver.mu.Lock()
	h.driver.rxErr = errors.New("dma fault")
	h.driver.mu.Unlock()
	h.driver.push(ethFrame(h.pool, typeIPv4, 7))
	_ = h.dev.Ready()
	waitFor(t, "receive error counted", func() bool { return h.ifc.Stats().RxErrors == 1 })

	_ = h.dev.Ready()
	waitFor(t, "frame delivered after next notification", func() bool { return h.pool.InUse() == 0 })
}

func TestInputInjectFailureReleasesBuffer(t *testing.T) {
	h := newHarness(t, Options{})
	h.stack.injectErr = errors.New("input queue full")

	buf := ethFrame(h.pool, typeIPv4, 1)
	err := Input(buf, h.ifc)
	if !errors.Is(err, ErrInject) {
		t.Fatalf("expected ErrInject, got %v", err)
	}
	if !buf.Released() {
		t.Fatalf("buffer should be released after a rejected inject")
	}
	if h.ifc.Stats().RxDropped != 1 {
		t.Fatalf("expected one dropped frame")
	}
	// ARP learning still saw the frame first.
	if events := h.stack.snapshot(); len(events) != 1 || events[0].op != "learn" {
		t.Fatalf("unexpected stack calls %+v", events)
	}
}

func TestInputShortFrame(t *testing.T) {
	h := newHarness(t, Options{})
	buf := frame.New(make([]byte, 10))
	if err := Input(buf, h.ifc); !errors.Is(err, ErrShortFrame) {
		t.Fatalf("expected ErrShortFrame, got %v", err)
	}
	if !buf.Released() || len(h.stack.snapshot()) != 0 {
		t.Fatalf("short frame must be released without reaching the stack")
	}
}

func TestNotifyDropsWhenQueueFull(t *testing.T) {
	h := newHarness(t, Options{RxQueueSize: 1})
	if err := h.dev.Ready(); err != nil {
		t.Fatalf("first ready: %v", err)
	}
	if err := h.dev.Ready(); !errors.Is(err, ipc.ErrFull) {
		t.Fatalf("expected ErrFull, got %v", err)
	}
	if h.ifc.Stats().NotifyDropped != 1 {
		t.Fatalf("expected one dropped notification")
	}
}

func TestDirectTransmitReleasesOnEveryReturn(t *testing.T) {
	h := newHarness(t, Options{TxMode: TxDirect})

	ok := ethFrame(h.pool, typeIPv4, 1)
	if err := h.ifc.LinkOutput(ok); err != nil {
		t.Fatalf("send: %v", err)
	}
	h.driver.send = func(*frame.Buffer) error { return errFakeSend }
	bad := ethFrame(h.pool, typeIPv4, 2)
	if err := h.ifc.LinkOutput(bad); !errors.Is(err, ErrTransmit) || !errors.Is(err, errFakeSend) {
		t.Fatalf("expected wrapped transmit error, got %v", err)
	}
	if !ok.Released() || !bad.Released() || h.pool.InUse() != 0 {
		t.Fatalf("transmit path must release its buffers")
	}
	stats := h.ifc.Stats()
	if stats.TxFrames != 1 || stats.TxErrors != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestOffloadedTransmitSerializesPerDevice(t *testing.T) {
	h := newHarness(t, Options{TxMode: TxOffloaded, TxAckTimeout: 5 * time.Second})
	h.start(t)

	var inFlight, maxInFlight atomic.Int32
	h.driver.send = func(buf *frame.Buffer) error {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(200 * time.Microsecond)
		inFlight.Add(-1)
		b := buf.Bytes()
		if b[len(b)-1]%2 == 1 {
			return errFakeSend
		}
		return nil
	}

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 6; i++ {
				tag := byte(g*6 + i)
				err := h.ifc.LinkOutput(ethFrame(h.pool, typeIPv4, tag))
				odd := tag%2 == 1
				if odd != errors.Is(err, errFakeSend) {
					errs <- err
				}
			}
		}(g)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("caller received another request's result: %v", err)
	}
	if maxInFlight.Load() != 1 {
		t.Fatalf("expected at most one send in flight, saw %d", maxInFlight.Load())
	}
	if h.pool.InUse() != 0 {
		t.Fatalf("leaked %d buffers", h.pool.InUse())
	}
}

func TestOffloadedTimeoutLeavesNoStaleAck(t *testing.T) {
	h := newHarness(t, Options{TxMode: TxOffloaded, TxAckTimeout: 30 * time.Millisecond})
	h.start(t)

	unblock := make(chan struct{})
	var calls atomic.Int32
	h.driver.send = func(*frame.Buffer) error {
		if calls.Add(1) == 1 {
			<-unblock
			return nil
		}
		return errFakeSend
	}

	slow := ethFrame(h.pool, typeIPv4, 1)
	if err := h.ifc.LinkOutput(slow); !errors.Is(err, ErrTxTimeout) {
		t.Fatalf("expected ErrTxTimeout, got %v", err)
	}
	close(unblock)
	waitFor(t, "abandoned buffer released", slow.Released)

	err := h.ifc.LinkOutput(ethFrame(h.pool, typeIPv4, 2))
	if !errors.Is(err, errFakeSend) {
		t.Fatalf("second send must see its own failure, got %v", err)
	}
	if h.ifc.Stats().TxTimeouts != 1 {
		t.Fatalf("expected one timeout")
	}
	if h.dev.txAck.Signaled() {
		t.Fatalf("no acknowledgement should be left pending")
	}
}

func TestOffloadedFullQueueReleasesBuffer(t *testing.T) {
	h := newHarness(t, Options{TxMode: TxOffloaded, TxQueueSize: 1, TxAckTimeout: 10 * time.Millisecond})
	// Workers are not started, so the first request fills the queue and
	// times out.
	_ = h.ifc.LinkOutput(ethFrame(h.pool, typeIPv4, 1))
	buf := ethFrame(h.pool, typeIPv4, 2)
	if err := h.ifc.LinkOutput(buf); !errors.Is(err, ipc.ErrFull) {
		t.Fatalf("expected ErrFull, got %v", err)
	}
	if !buf.Released() {
		t.Fatalf("rejected buffer must be released")
	}
	h.dispatcher.Close()
	if h.pool.InUse() != 0 {
		t.Fatalf("close should release queued requests, %d in use", h.pool.InUse())
	}
}

func TestCloseFailsWaitingTransmit(t *testing.T) {
	h := newHarness(t, Options{TxMode: TxOffloaded})
	done := make(chan error, 1)
	go func() {
		done <- h.ifc.LinkOutput(ethFrame(h.pool, typeIPv4, 1))
	}()
	waitFor(t, "request queued", func() bool { return h.dispatcher.tx.Len() == 1 })
	h.dispatcher.Close()
	select {
	case err := <-done:
		if !errors.Is(err, ipc.ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("caller still blocked after close")
	}
	if h.pool.InUse() != 0 {
		t.Fatalf("queued buffer not released")
	}
}

func TestBindRollsBackOnStackFailure(t *testing.T) {
	stack := newFakeStack()
	stack.registerErr = errors.New("no netif slot")
	registry := device.NewRegistry()
	d := NewDispatcher(Options{}, nil)
	binder := NewBinder(registry, stack, nil, 4)
	drv := newFakeDriver()
	dev := d.NewDevice("e0", drv)

	if _, err := binder.Bind(dev, BindOptions{}); err == nil {
		t.Fatalf("expected bind failure")
	}
	if registry.Len() != 0 {
		t.Fatalf("device registration not rolled back")
	}
	if len(binder.Interfaces()) != 0 || dev.Interface() != nil || drv.attached() != nil {
		t.Fatalf("failed bind left the interface reachable")
	}

	stack.registerErr = nil
	ifc, err := binder.Bind(dev, BindOptions{})
	if err != nil {
		t.Fatalf("rebind after rollback: %v", err)
	}
	if !stack.isRegistered(ifc) || registry.Len() != 1 || drv.attached() != Notifier(dev) {
		t.Fatalf("rebind incomplete")
	}
	if ifc.Flags()&(FlagUp|FlagBroadcast|FlagLinkUp) != FlagUp|FlagBroadcast|FlagLinkUp {
		t.Fatalf("unexpected flags %v", ifc.Flags().Strings())
	}
}

func TestBindFailures(t *testing.T) {
	t.Run("hardware address", func(t *testing.T) {
		registry := device.NewRegistry()
		stack := newFakeStack()
		binder := NewBinder(registry, stack, nil, 4)
		drv := newFakeDriver()
		drv.hwErr = errors.New("eeprom unreadable")
		if _, err := binder.Bind(NewDispatcher(Options{}, nil).NewDevice("e0", drv), BindOptions{}); err == nil {
			t.Fatalf("expected failure")
		}
		if registry.Len() != 0 || len(stack.registered) != 0 {
			t.Fatalf("partial state left behind")
		}
	})

	t.Run("device name taken", func(t *testing.T) {
		registry := device.NewRegistry()
		_ = registry.Register("e0", device.ClassChar, device.FlagRead, nil)
		binder := NewBinder(registry, newFakeStack(), nil, 4)
		_, err := binder.Bind(NewDispatcher(Options{}, nil).NewDevice("e0", newFakeDriver()), BindOptions{})
		if !errors.Is(err, device.ErrDuplicateName) {
			t.Fatalf("expected ErrDuplicateName, got %v", err)
		}
		if entry, _ := registry.Find("e0"); entry.Class != device.ClassChar {
			t.Fatalf("rollback removed someone else's registration")
		}
	})

	t.Run("no slots", func(t *testing.T) {
		binder := NewBinder(device.NewRegistry(), newFakeStack(), nil, 1)
		d := NewDispatcher(Options{}, nil)
		if _, err := binder.Bind(d.NewDevice("e0", newFakeDriver()), BindOptions{}); err != nil {
			t.Fatalf("first bind: %v", err)
		}
		if _, err := binder.Bind(d.NewDevice("e1", newFakeDriver()), BindOptions{}); !errors.Is(err, ErrNoResources) {
			t.Fatalf("expected ErrNoResources, got %v", err)
		}
	})
}

func TestUnbind(t *testing.T) {
	h := newHarness(t, Options{})
	if h.stack.defaultIfc != h.ifc || h.ifc.Flags()&FlagDefault == 0 {
		t.Fatalf("default interface not set")
	}
	if err := h.binder.Unbind(h.ifc); err != nil {
		t.Fatalf("unbind: %v", err)
	}
	if h.stack.isRegistered(h.ifc) || h.registry.Len() != 0 || h.dev.Interface() != nil {
		t.Fatalf("unbind left state behind")
	}
	if err := h.binder.Unbind(h.ifc); !errors.Is(err, ErrNotBound) {
		t.Fatalf("expected ErrNotBound, got %v", err)
	}
}
