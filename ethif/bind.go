package ethif

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strings"
	"sync"

	"ethbridge/device"
	"ethbridge/frame"
	"ethbridge/internal/logging"
)

// BindOptions carries the per-interface configuration applied by Bind.
type BindOptions struct {
	Address netip.Prefix
	Gateway netip.Addr
	// HardwareAddr and MTU override what the driver reports when set.
	HardwareAddr net.HardwareAddr
	MTU          int
	Default      bool
}

// Binder turns devices into stack-visible interfaces.
type Binder struct {
	registry *device.Registry
	stack    Stack
	logger   *logging.Logger
	max      int

	mu       sync.Mutex
	bound    map[string]*Interface
	reserved map[string]struct{}
}

func NewBinder(registry *device.Registry, stack Stack, logger *logging.Logger, maxInterfaces int) *Binder {
	if logger == nil {
		logger = logging.Discard()
	}
	if maxInterfaces <= 0 {
		maxInterfaces = 8
	}
	return &Binder{
		registry: registry,
		stack:    stack,
		logger:   logger.With(logging.Fields{"component": "binder"}),
		max:      maxInterfaces,
		bound:    make(map[string]*Interface),
		reserved: make(map[string]struct{}),
	}
}

// Bind creates the interface for dev and registers it everywhere it needs to
// be reachable. Either every step succeeds or every earlier step is undone
// and the error returned; a failed Bind leaves nothing behind.
func (b *Binder) Bind(dev *Device, opts BindOptions) (ifc *Interface, err error) {
	var undo []func()
	defer func() {
		if err == nil {
			return
		}
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		b.logger.Warn("bind failed", logging.Fields{"device": dev.name, "error": err})
	}()

	key := strings.ToLower(dev.name)
	b.mu.Lock()
	_, dup := b.bound[key]
	if _, pending := b.reserved[key]; dup || pending {
		b.mu.Unlock()
		return nil, fmt.Errorf("bind %s: %w", dev.name, device.ErrDuplicateName)
	}
	if len(b.bound)+len(b.reserved) >= b.max {
		b.mu.Unlock()
		return nil, fmt.Errorf("bind %s: %w", dev.name, ErrNoResources)
	}
	b.reserved[key] = struct{}{}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.reserved, key)
		if err == nil {
			b.bound[key] = ifc
		}
		b.mu.Unlock()
	}()
	ifc = &Interface{name: dev.name, device: dev, stack: b.stack}

	if err := b.registry.Register(dev.name, device.ClassNetIf, device.FlagRDWR, dev); err != nil {
		return nil, fmt.Errorf("bind %s: %w", dev.name, err)
	}
	undo = append(undo, func() { _ = b.registry.Unregister(dev.name) })

	// Drain any acknowledgement left over from an earlier binding.
	for dev.txAck.Signaled() {
		_ = dev.txAck.AcquireTimeout(0)
	}

	hwaddr := opts.HardwareAddr
	if len(hwaddr) == 0 {
		hwaddr, err = dev.driver.HardwareAddr()
		if err != nil {
			return nil, fmt.Errorf("bind %s: hardware address: %w", dev.name, err)
		}
	}
	if len(hwaddr) != 6 {
		return nil, fmt.Errorf("bind %s: hardware address %q is not 6 bytes", dev.name, hwaddr)
	}
	ifc.hwaddr = append(net.HardwareAddr(nil), hwaddr...)
	ifc.mtu = opts.MTU
	if ifc.mtu <= 0 {
		ifc.mtu = dev.driver.MTU()
	}
	if ifc.mtu <= 0 {
		ifc.mtu = frame.DefaultMTU
	}
	ifc.addr = opts.Address
	ifc.gateway = opts.Gateway
	ifc.flags = FlagBroadcast
	ifc.input = Input
	ifc.output = func(ifc *Interface, buf *frame.Buffer, dst netip.Addr) error {
		return ifc.stack.Output(ifc, buf, dst)
	}
	if dev.dispatcher.Mode() == TxOffloaded {
		ifc.linkOutput = linkOutputOffloaded
	} else {
		ifc.linkOutput = linkOutputDirect
	}

	addrs := Addresses{Address: opts.Address, Gateway: opts.Gateway}
	if err := b.stack.Register(ifc, addrs, Input); err != nil {
		return nil, fmt.Errorf("bind %s: stack: %w", dev.name, err)
	}
	undo = append(undo, func() { b.stack.Unregister(ifc) })

	dev.netif.Store(ifc)
	ifc.setFlags(FlagUp|FlagLinkUp, 0)
	if opts.Default {
		ifc.setFlags(FlagDefault, 0)
		b.stack.SetDefault(ifc)
	}
	dev.driver.Attach(dev)

	b.logger.Info("interface up", logging.Fields{
		"interface": ifc.name,
		"mac":       ifc.hwaddr.String(),
		"mtu":       ifc.mtu,
		"address":   opts.Address.String(),
		"txMode":    dev.dispatcher.Mode().String(),
	})
	return ifc, nil
}

// Unbind reverses Bind. The driver itself is left open; its owner closes it.
func (b *Binder) Unbind(ifc *Interface) error {
	key := strings.ToLower(ifc.name)
	b.mu.Lock()
	if b.bound[key] != ifc {
		b.mu.Unlock()
		return fmt.Errorf("unbind %s: %w", ifc.name, ErrNotBound)
	}
	delete(b.bound, key)
	b.mu.Unlock()

	dev := ifc.device
	dev.driver.Attach(nil)
	ifc.setFlags(0, FlagUp|FlagLinkUp)
	b.stack.Unregister(ifc)
	dev.netif.CompareAndSwap(ifc, nil)
	if err := b.registry.Unregister(dev.name); err != nil && !errors.Is(err, device.ErrNotFound) {
		return fmt.Errorf("unbind %s: %w", ifc.name, err)
	}
	b.logger.Info("interface down", logging.Fields{"interface": ifc.name})
	return nil
}

func (b *Binder) Lookup(name string) (*Interface, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ifc, ok := b.bound[strings.ToLower(name)]
	return ifc, ok
}

// Interfaces returns the bound interfaces sorted by name.
func (b *Binder) Interfaces() []*Interface {
	b.mu.Lock()
	out := make([]*Interface, 0, len(b.bound))
	for _, ifc := range b.bound {
		out = append(out, ifc)
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}
