package ethif

import (
	"fmt"

	"ethbridge/frame"
	"ethbridge/internal/logging"
)

// linkOutputDirect sends buf on the caller's goroutine and releases it.
func linkOutputDirect(ifc *Interface, buf *frame.Buffer) error {
	dev := ifc.device
	err := dev.driver.Send(buf)
	buf.Release()
	if err != nil {
		ifc.stats.txErrors.Add(1)
		dev.dispatcher.warn.Warn("transmit eth packet failed", logging.Fields{
			"interface": ifc.name,
			"error":     err,
		})
		return fmt.Errorf("%s: %w: %w", ifc.name, ErrTransmit, err)
	}
	ifc.stats.txFrames.Add(1)
	return nil
}

// linkOutputOffloaded queues buf for the transmit worker and waits for the
// device's acknowledgement. The device's transmit mutex is held for the whole
// exchange.
func linkOutputOffloaded(ifc *Interface, buf *frame.Buffer) error {
	dev := ifc.device
	d := dev.dispatcher

	dev.txMu.Lock()
	defer dev.txMu.Unlock()

	req := &txRequest{dev: dev, buf: buf}
	if err := d.tx.Send(req, d.opts.NotifyWait); err != nil {
		buf.Release()
		ifc.stats.txErrors.Add(1)
		return fmt.Errorf("%s: %w: %w", ifc.name, ErrTransmit, err)
	}

	if err := dev.txAck.AcquireTimeout(d.opts.TxAckTimeout); err != nil {
		if req.state.CompareAndSwap(txPending, txAbandoned) {
			ifc.stats.txTimeouts.Add(1)
			d.warn.Warn("transmit acknowledgement timed out", logging.Fields{
				"interface": ifc.name,
				"timeout":   d.opts.TxAckTimeout.String(),
			})
			return fmt.Errorf("%s: %w", ifc.name, ErrTxTimeout)
		}
		// The worker completed between the timeout and the CAS; its signal
		// is already on the way.
		_ = dev.txAck.AcquireTimeout(0)
	}

	if req.err != nil {
		if isClosed(req.err) {
			ifc.stats.txErrors.Add(1)
		}
		return fmt.Errorf("%s: %w: %w", ifc.name, ErrTransmit, req.err)
	}
	return nil
}
