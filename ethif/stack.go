package ethif

import (
	"net"
	"net/netip"

	"ethbridge/frame"
)

// Addresses is the IPv4 configuration an interface is registered with.
type Addresses struct {
	Address netip.Prefix
	Gateway netip.Addr
}

// Stack is what the bridge needs from the protocol stack.
//
// Inject, ARPInput and Output take ownership of buf. Inject reports a refusal
// (for example a full input queue) without releasing; the caller releases.
// ARPLearn only reads the frame and never keeps it.
type Stack interface {
	Register(ifc *Interface, addrs Addresses, input InputFunc) error
	Unregister(ifc *Interface)
	SetDefault(ifc *Interface)
	Inject(buf *frame.Buffer, ifc *Interface) error
	ARPInput(ifc *Interface, hwaddr net.HardwareAddr, buf *frame.Buffer)
	ARPLearn(ifc *Interface, buf *frame.Buffer)
	Output(ifc *Interface, buf *frame.Buffer, dst netip.Addr) error
}
