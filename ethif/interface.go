// Package ethif bridges Ethernet drivers and the protocol stack.
//
// Drivers report "frames ready" through Device.Ready from whatever goroutine
// they run on. A Dispatcher owns the receive worker that drains the driver
// and pushes every frame through Input, the EtherType demultiplexer, and, in
// offloaded mode, the transmit worker that serialises sends per device.
// Binder.Bind ties a Device to a stack-visible Interface.
package ethif

import (
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"ethbridge/frame"
)

var (
	ErrShortFrame  = errors.New("frame shorter than ethernet header")
	ErrInject      = errors.New("stack rejected frame")
	ErrTransmit    = errors.New("transmit failed")
	ErrTxTimeout   = errors.New("transmit acknowledgement timed out")
	ErrNotBound    = errors.New("device not bound to an interface")
	ErrNoResources = errors.New("no interface slots left")
)

type Flags uint32

const (
	FlagUp Flags = 1 << iota
	FlagBroadcast
	FlagLinkUp
	FlagDefault
)

func (f Flags) Strings() []string {
	var out []string
	names := []struct {
		flag Flags
		name string
	}{
		{FlagUp, "up"},
		{FlagBroadcast, "broadcast"},
		{FlagLinkUp, "link-up"},
		{FlagDefault, "default"},
	}
	for _, n := range names {
		if f&n.flag != 0 {
			out = append(out, n.name)
		}
	}
	return out
}

// InputFunc is the stack-visible receive entry point of an interface.
type InputFunc func(buf *frame.Buffer, ifc *Interface) error

// OutputFunc sends an IP packet towards dst, resolving the link address.
type OutputFunc func(ifc *Interface, buf *frame.Buffer, dst netip.Addr) error

// LinkOutputFunc sends a complete Ethernet frame. It consumes buf.
type LinkOutputFunc func(ifc *Interface, buf *frame.Buffer) error

// Interface is the stack-visible descriptor of one network interface. The
// name, hardware address, MTU and callbacks are fixed at bind time; only the
// addresses and flags change afterwards.
type Interface struct {
	name       string
	hwaddr     net.HardwareAddr
	mtu        int
	device     *Device
	stack      Stack
	input      InputFunc
	output     OutputFunc
	linkOutput LinkOutputFunc

	mu      sync.RWMutex
	flags   Flags
	addr    netip.Prefix
	gateway netip.Addr

	stats linkStats
}

func (i *Interface) Name() string { return i.name }
func (i *Interface) MTU() int     { return i.mtu }

// Device returns the driver instance behind the interface.
func (i *Interface) Device() *Device { return i.device }

// HardwareAddr returns a copy of the interface's MAC address.
func (i *Interface) HardwareAddr() net.HardwareAddr {
	return append(net.HardwareAddr(nil), i.hwaddr...)
}

func (i *Interface) Flags() Flags {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.flags
}

func (i *Interface) setFlags(set, clear Flags) {
	i.mu.Lock()
	i.flags = (i.flags | set) &^ clear
	i.mu.Unlock()
}

func (i *Interface) Address() netip.Prefix {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.addr
}

func (i *Interface) Gateway() netip.Addr {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.gateway
}

// SetAddress replaces the IPv4 address and gateway. An invalid prefix or
// gateway leaves that field unchanged.
func (i *Interface) SetAddress(addr netip.Prefix, gateway netip.Addr) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if addr.IsValid() {
		i.addr = addr
	}
	if gateway.IsValid() {
		i.gateway = gateway
	}
}

// Input hands a received frame to the installed input callback, which takes
// ownership of buf.
func (i *Interface) Input(buf *frame.Buffer) error {
	return i.input(buf, i)
}

// Output sends an IP packet to dst through the stack's address resolution.
func (i *Interface) Output(buf *frame.Buffer, dst netip.Addr) error {
	return i.output(i, buf, dst)
}

// LinkOutput sends a complete Ethernet frame through the transmit path.
func (i *Interface) LinkOutput(buf *frame.Buffer) error {
	return i.linkOutput(i, buf)
}

type linkStats struct {
	rxFrames      atomic.Uint64
	rxDropped     atomic.Uint64
	rxErrors      atomic.Uint64
	rxUnknown     atomic.Uint64
	txFrames      atomic.Uint64
	txErrors      atomic.Uint64
	txTimeouts    atomic.Uint64
	notifyDropped atomic.Uint64
}

// Stats is a point-in-time copy of an interface's link counters.
type Stats struct {
	RxFrames      uint64 `json:"rxFrames"`
	RxDropped     uint64 `json:"rxDropped"`
	RxErrors      uint64 `json:"rxErrors"`
	RxUnknown     uint64 `json:"rxUnknown"`
	TxFrames      uint64 `json:"txFrames"`
	TxErrors      uint64 `json:"txErrors"`
	TxTimeouts    uint64 `json:"txTimeouts"`
	NotifyDropped uint64 `json:"notifyDropped"`
}

func (i *Interface) Stats() Stats {
	return Stats{
		RxFrames:      i.stats.rxFrames.Load(),
		RxDropped:     i.stats.rxDropped.Load(),
		RxErrors:      i.stats.rxErrors.Load(),
		RxUnknown:     i.stats.rxUnknown.Load(),
		TxFrames:      i.stats.txFrames.Load(),
		TxErrors:      i.stats.txErrors.Load(),
		TxTimeouts:    i.stats.txTimeouts.Load(),
		NotifyDropped: i.stats.notifyDropped.Load(),
	}
}

// Snapshot is the JSON view served by the management endpoint.
type Snapshot struct {
	Name    string   `json:"name"`
	MAC     string   `json:"mac"`
	MTU     int      `json:"mtu"`
	Flags   []string `json:"flags"`
	Address string   `json:"address,omitempty"`
	Gateway string   `json:"gateway,omitempty"`
	Stats   Stats    `json:"stats"`
}

func (i *Interface) Snapshot() Snapshot {
	i.mu.RLock()
	snap := Snapshot{
		Name:  i.name,
		MAC:   i.hwaddr.String(),
		MTU:   i.mtu,
		Flags: i.flags.Strings(),
	}
	if i.addr.IsValid() {
		snap.Address = i.addr.String()
	}
	if i.gateway.IsValid() {
		snap.Gateway = i.gateway.String()
	}
	i.mu.RUnlock()
	snap.Stats = i.Stats()
	return snap
}
