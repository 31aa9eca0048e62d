package ethif

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"ethbridge/internal/ipc"
	"ethbridge/internal/logging"
)

// TxMode selects how LinkOutput reaches the driver.
type TxMode int

const (
	// TxDirect calls Driver.Send on the caller's goroutine.
	TxDirect TxMode = iota
	// TxOffloaded hands the frame to the transmit worker and waits for its
	// acknowledgement.
	TxOffloaded
)

func ParseTxMode(s string) (TxMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "direct":
		return TxDirect, nil
	case "offloaded", "offload":
		return TxOffloaded, nil
	default:
		return TxDirect, fmt.Errorf("unknown tx mode %q", s)
	}
}

func (m TxMode) String() string {
	if m == TxOffloaded {
		return "offloaded"
	}
	return "direct"
}

const DefaultTxAckTimeout = 2 * time.Second

type Options struct {
	RxQueueSize int
	TxQueueSize int
	TxMode      TxMode
	// NotifyWait bounds how long Ready and an offloaded LinkOutput wait for
	// room in a full mailbox. Zero fails at once.
	NotifyWait time.Duration
	// TxAckTimeout bounds the wait for the transmit worker. Zero waits
	// forever.
	TxAckTimeout time.Duration
}

// Dispatcher owns the dispatch mailboxes and the workers that serve them.
type Dispatcher struct {
	opts   Options
	rx     *ipc.Mailbox[message]
	tx     *ipc.Mailbox[message]
	logger *logging.Logger
	warn   *logging.Throttle

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewDispatcher(opts Options, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.With(logging.Fields{"component": "ethif"})
	d := &Dispatcher{
		opts:   opts,
		rx:     ipc.NewMailbox[message](opts.RxQueueSize),
		logger: logger,
		warn:   logging.NewThrottle(logger, 5, 10),
	}
	if opts.TxMode == TxOffloaded {
		d.tx = ipc.NewMailbox[message](opts.TxQueueSize)
	}
	return d
}

func (d *Dispatcher) Mode() TxMode { return d.opts.TxMode }

// Start launches the receive worker and, in offloaded mode, the transmit
// worker. Calling Start twice has no effect.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go d.rxLoop(ctx)
	if d.tx != nil {
		d.wg.Add(1)
		go d.txLoop(ctx)
	}
	d.logger.Info("dispatcher started", logging.Fields{
		"txMode":  d.opts.TxMode.String(),
		"rxQueue": d.rx.Cap(),
	})
}

// Close stops the workers. Transmit requests still queued are failed with
// ipc.ErrClosed and their buffers released.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	d.rx.Close()
	if d.tx != nil {
		d.tx.Close()
	}
	d.wg.Wait()
	d.rx.Drain()
	if d.tx != nil {
		for _, msg := range d.tx.Drain() {
			if req, ok := msg.(*txRequest); ok {
				req.buf.Release()
				d.complete(req, ipc.ErrClosed)
			}
		}
	}
}

func (d *Dispatcher) notify(dev *Device) error {
	if err := d.rx.Send(rxReady{dev: dev}, d.opts.NotifyWait); err != nil {
		if ifc := dev.Interface(); ifc != nil {
			ifc.stats.notifyDropped.Add(1)
		}
		d.warn.Warn("receive notification dropped", logging.Fields{
			"device": dev.name,
			"error":  err,
		})
		return err
	}
	return nil
}

func (d *Dispatcher) rxLoop(ctx context.Context) {
	defer d.wg.Done()
	for {
		msg, err := d.rx.Receive(ctx)
		if err != nil {
			return
		}
		switch m := msg.(type) {
		case rxReady:
			d.drain(m.dev)
		default:
			d.logger.Error("unexpected message on receive mailbox", logging.Fields{
				"type": fmt.Sprintf("%T", msg),
			})
		}
	}
}

// drain pulls frames from the driver until it reports none left.
func (d *Dispatcher) drain(dev *Device) {
	for {
		buf, err := dev.driver.Receive()
		ifc := dev.Interface()
		if err != nil {
			if ifc != nil {
				ifc.stats.rxErrors.Add(1)
			}
			d.warn.Warn("driver receive failed", logging.Fields{
				"device": dev.name,
				"error":  err,
			})
			return
		}
		if buf == nil {
			return
		}
		if ifc == nil {
			buf.Release()
			continue
		}
		if err := ifc.Input(buf); err != nil {
			d.logger.Debug("frame dropped", logging.Fields{
				"interface": ifc.name,
				"error":     err,
			})
		}
	}
}

func (d *Dispatcher) txLoop(ctx context.Context) {
	defer d.wg.Done()
	for {
		msg, err := d.tx.Receive(ctx)
		if err != nil {
			return
		}
		switch m := msg.(type) {
		case *txRequest:
			d.transmit(m)
		default:
			d.logger.Error("unexpected message on transmit mailbox", logging.Fields{
				"type": fmt.Sprintf("%T", msg),
			})
		}
	}
}

func (d *Dispatcher) transmit(req *txRequest) {
	dev := req.dev
	err := dev.driver.Send(req.buf)
	req.buf.Release()
	if ifc := dev.Interface(); ifc != nil {
		if err != nil {
			ifc.stats.txErrors.Add(1)
		} else {
			ifc.stats.txFrames.Add(1)
		}
	}
	if err != nil {
		d.warn.Warn("transmit eth packet failed", logging.Fields{
			"device": dev.name,
			"error":  err,
		})
	}
	if !d.complete(req, err) {
		d.logger.Debug("transmit finished after caller gave up", logging.Fields{
			"device": dev.name,
		})
	}
}

// complete publishes the result and signals the waiting caller. It reports
// false when the caller already abandoned the request.
func (d *Dispatcher) complete(req *txRequest, err error) bool {
	req.err = err
	if !req.state.CompareAndSwap(txPending, txCompleted) {
		return false
	}
	req.dev.txAck.Release()
	return true
}

func isClosed(err error) bool {
	return errors.Is(err, ipc.ErrClosed)
}
