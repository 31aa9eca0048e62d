package main

import (
	"context"
	"fmt"
	"net/netip"

	"ethbridge/config"
	"ethbridge/device"
	"ethbridge/ethif"
	"ethbridge/frame"
	"ethbridge/internal/dataplane"
	"ethbridge/internal/logging"
	"ethbridge/stack"
)

// daemon owns every long-lived component and tears them down in reverse.
type daemon struct {
	cfg    *config.Config
	logger *logging.Logger

	pool       *frame.Pool
	registry   *device.Registry
	dispatcher *ethif.Dispatcher
	stack      *stack.Stack
	binder     *ethif.Binder

	drivers map[string]ethif.Driver
	order   []string
}

func newDaemon(cfg *config.Config, logger *logging.Logger) *daemon {
	pool := frame.NewPool(cfg.EffectiveMTU(), frame.DefaultHeadroom)
	mode, _ := ethif.ParseTxMode(cfg.EffectiveTxMode())
	st := stack.New(stack.Config{
		InputQueueSize: cfg.EffectiveInputQueueSize(),
		ARPMaxAge:      cfg.EffectiveARPMaxAge(),
		Pool:           pool,
		Logger:         logger,
	})
	registry := device.NewRegistry()
	return &daemon{
		cfg:      cfg,
		logger:   logger.With(logging.Fields{"component": "daemon"}),
		pool:     pool,
		registry: registry,
		dispatcher: ethif.NewDispatcher(ethif.Options{
			RxQueueSize:  cfg.EffectiveRxQueueSize(),
			TxQueueSize:  cfg.EffectiveTxQueueSize(),
			TxMode:       mode,
			NotifyWait:   cfg.Dispatch.NotifyWait.Duration,
			TxAckTimeout: cfg.EffectiveTxAckTimeout(),
		}, logger),
		stack:   st,
		binder:  ethif.NewBinder(registry, st, logger, cfg.EffectiveMaxInterfaces()),
		drivers: make(map[string]ethif.Driver),
	}
}

// start brings up the workers, opens every configured driver and binds it.
// On error the caller still runs close to release what was opened.
func (d *daemon) start(ctx context.Context) error {
	d.dispatcher.Start(ctx)
	d.stack.Start(ctx)

	for _, ic := range d.cfg.Interfaces {
		if err := d.openDriver(ic); err != nil {
			return fmt.Errorf("interface %s: %w", ic.Name, err)
		}
	}
	for _, ic := range d.cfg.Interfaces {
		dev := d.dispatcher.NewDevice(ic.Name, d.drivers[ic.Name])
		ifc, err := d.binder.Bind(dev, ethif.BindOptions{
			Address:      ic.Prefix(),
			Gateway:      ic.GatewayAddr(),
			HardwareAddr: ic.HardwareAddr(),
			MTU:          ic.MTU,
			Default:      ic.Default,
		})
		if err != nil {
			return err
		}
		if err := d.stack.Announce(ifc); err != nil {
			d.logger.Warn("gratuitous arp failed", logging.Fields{"interface": ifc.Name(), "error": err.Error()})
		}
	}
	d.logger.Info("bridge started", logging.Fields{
		"interfaces": len(d.order),
		"tx_mode":    d.dispatcher.Mode().String(),
	})
	return nil
}

// openDriver creates the driver for ic. A pipe opens both of its ends, so
// the second interface of a pair finds its driver already present.
func (d *daemon) openDriver(ic config.InterfaceConfig) error {
	if _, ok := d.drivers[ic.Name]; ok {
		return nil
	}
	mtu := ic.MTU
	if mtu <= 0 {
		mtu = frame.DefaultMTU
	}
	logger := d.logger.With(logging.Fields{"interface": ic.Name})

	var (
		drv ethif.Driver
		err error
	)
	switch ic.Driver {
	case "pipe":
		local, remote := dataplane.NewPipe(ic.Name, ic.Remote, mtu, d.pool)
		d.add(ic.Remote, remote)
		drv = local
	case "udp":
		drv, err = dataplane.NewUDP(ic.Listen, ic.Remote, mtu, d.pool, logger)
	case "tun":
		drv, err = dataplane.NewTUN(ic.Device, ic.MTU, d.pool, logger)
	case "packet":
		drv, err = dataplane.NewPacketSocket(ic.Device, d.pool, logger)
	case "websocket":
		if ic.URL != "" {
			drv, err = dataplane.DialWebSocket(ic.URL, mtu, d.pool, logger)
		} else {
			drv, err = dataplane.ListenWebSocket(ic.Listen, ic.Path, mtu, d.pool, logger)
		}
	default:
		err = fmt.Errorf("unsupported driver %q", ic.Driver)
	}
	if err != nil {
		return err
	}
	d.add(ic.Name, drv)
	return nil
}

func (d *daemon) add(name string, drv ethif.Driver) {
	d.drivers[name] = drv
	d.order = append(d.order, name)
}

func (d *daemon) close() {
	for _, ifc := range d.binder.Interfaces() {
		if err := d.binder.Unbind(ifc); err != nil {
			d.logger.Warn("unbind failed", logging.Fields{"interface": ifc.Name(), "error": err.Error()})
		}
	}
	for i := len(d.order) - 1; i >= 0; i-- {
		name := d.order[i]
		if err := d.drivers[name].Close(); err != nil {
			d.logger.Warn("driver close failed", logging.Fields{"interface": name, "error": err.Error()})
		}
	}
	d.stack.Close()
	d.dispatcher.Close()
	d.logger.Info("bridge stopped", nil)
}

func (d *daemon) setAddress(name string, addr netip.Prefix, gateway netip.Addr) error {
	ifc, ok := d.binder.Lookup(name)
	if !ok {
		return fmt.Errorf("interface %q: %w", name, device.ErrNotFound)
	}
	ifc.SetAddress(addr, gateway)
	return d.stack.Announce(ifc)
}

func (d *daemon) snapshot() map[string]interface{} {
	ifcs := d.binder.Interfaces()
	views := make([]ethif.Snapshot, 0, len(ifcs))
	for _, ifc := range ifcs {
		views = append(views, ifc.Snapshot())
	}
	out := map[string]interface{}{
		"interfaces": views,
		"devices":    d.registry.List(),
		"arp":        d.stack.ARPTable(),
		"stack":      d.stack.Stats(),
		"txMode":     d.dispatcher.Mode().String(),
	}
	if def := d.stack.Default(); def != nil {
		out["default"] = def.Name()
	}
	return out
}

func (d *daemon) metrics() map[string]float64 {
	out := make(map[string]float64)
	for _, ifc := range d.binder.Interfaces() {
		s := ifc.Stats()
		label := fmt.Sprintf("{interface=%q}", ifc.Name())
		out["ethbridge_rx_frames_total"+label] = float64(s.RxFrames)
		out["ethbridge_rx_dropped_total"+label] = float64(s.RxDropped)
		out["ethbridge_rx_errors_total"+label] = float64(s.RxErrors)
		out["ethbridge_rx_unknown_total"+label] = float64(s.RxUnknown)
		out["ethbridge_tx_frames_total"+label] = float64(s.TxFrames)
		out["ethbridge_tx_errors_total"+label] = float64(s.TxErrors)
		out["ethbridge_tx_timeouts_total"+label] = float64(s.TxTimeouts)
		out["ethbridge_notify_dropped_total"+label] = float64(s.NotifyDropped)
		up := 0.0
		if ifc.Flags()&ethif.FlagUp != 0 {
			up = 1
		}
		out["ethbridge_interface_up"+label] = up
	}
	st := d.stack.Stats()
	out["ethbridge_ip_rx_total"] = float64(st.IPRx)
	out["ethbridge_ip_dropped_total"] = float64(st.IPDropped)
	out["ethbridge_ip_not_for_us_total"] = float64(st.IPNotForUs)
	out["ethbridge_icmp_echo_total"] = float64(st.ICMPEcho)
	out["ethbridge_arp_rx_total"] = float64(st.ARPRx)
	out["ethbridge_arp_invalid_total"] = float64(st.ARPInvalid)
	out["ethbridge_arp_requests_sent_total"] = float64(st.ARPRequests)
	out["ethbridge_arp_replies_sent_total"] = float64(st.ARPReplies)
	out["ethbridge_arp_learned_total"] = float64(st.ARPLearned)
	out["ethbridge_inject_dropped_total"] = float64(st.InjectDropped)
	out["ethbridge_arp_entries"] = float64(len(d.stack.ARPTable()))
	out["ethbridge_buffers_in_use"] = float64(d.pool.InUse())
	out["ethbridge_buffers_allocated"] = float64(d.pool.Allocated())
	return out
}
