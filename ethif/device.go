package ethif

import (
	"net"
	"sync"
	"sync/atomic"

	"ethbridge/frame"
	"ethbridge/internal/ipc"
)

// Notifier is how a driver reports that frames are waiting. Ready must be
// safe to call from any goroutine and never blocks for long.
type Notifier interface {
	Ready() error
}

// Driver is a link-layer device.
//
// Receive returns (nil, nil) once no frame is pending. Send must not keep buf
// after it returns; the caller releases it.
type Driver interface {
	Send(buf *frame.Buffer) error
	Receive() (*frame.Buffer, error)
	HardwareAddr() (net.HardwareAddr, error)
	MTU() int
	Attach(n Notifier)
	Close() error
}

// Device is one driver instance as seen by the bridge.
type Device struct {
	name       string
	driver     Driver
	dispatcher *Dispatcher

	// txMu is held by LinkOutput in offloaded mode from enqueue until the
	// acknowledgement, so a device never has two sends in flight.
	txMu  sync.Mutex
	txAck *ipc.Semaphore

	netif atomic.Pointer[Interface]
}

// NewDevice wraps drv so it reports to d.
func (d *Dispatcher) NewDevice(name string, drv Driver) *Device {
	return &Device{
		name:       name,
		driver:     drv,
		dispatcher: d,
		txAck:      ipc.NewSemaphore(),
	}
}

func (d *Device) Name() string   { return d.name }
func (d *Device) Driver() Driver { return d.driver }

// Interface returns the bound interface or nil.
func (d *Device) Interface() *Interface {
	return d.netif.Load()
}

// Ready queues a receive-ready notification for this device. The result is
// advisory: a full queue drops the notification and counts it, and the next
// Ready resumes draining.
func (d *Device) Ready() error {
	return d.dispatcher.notify(d)
}
