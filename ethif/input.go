package ethif

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/tcpip/header"

	"ethbridge/frame"
)

// Input demultiplexes one received Ethernet frame by EtherType. It owns buf
// from the moment it is called: IPv4 payloads go to the stack with the
// Ethernet header stripped, ARP frames go to the stack whole, and anything
// else is released.
func Input(buf *frame.Buffer, ifc *Interface) error {
	ifc.stats.rxFrames.Add(1)
	data := buf.Bytes()
	if len(data) < header.EthernetMinimumSize {
		ifc.stats.rxErrors.Add(1)
		buf.Release()
		return fmt.Errorf("%s: %d bytes: %w", ifc.name, len(data), ErrShortFrame)
	}

	switch header.Ethernet(data).Type() {
	case header.IPv4ProtocolNumber:
		// The stack learns the sender's MAC from the full frame before the
		// header is stripped.
		ifc.stack.ARPLearn(ifc, buf)
		if err := buf.Advance(header.EthernetMinimumSize); err != nil {
			ifc.stats.rxErrors.Add(1)
			buf.Release()
			return err
		}
		if err := ifc.stack.Inject(buf, ifc); err != nil {
			ifc.stats.rxDropped.Add(1)
			buf.Release()
			return fmt.Errorf("%s: %w: %w", ifc.name, ErrInject, err)
		}
	case header.ARPProtocolNumber:
		ifc.stack.ARPInput(ifc, ifc.hwaddr, buf)
	default:
		ifc.stats.rxUnknown.Add(1)
		buf.Release()
	}
	return nil
}
