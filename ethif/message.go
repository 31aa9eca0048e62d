package ethif

import (
	"sync/atomic"

	"ethbridge/frame"
)

// message is the closed set of things that travel through the dispatch
// mailboxes.
type message interface {
	isMessage()
}

// rxReady asks the receive worker to drain dev.
type rxReady struct {
	dev *Device
}

const (
	txPending int32 = iota
	txCompleted
	txAbandoned
)

// txRequest hands buf to the transmit worker. Whichever side moves state
// out of txPending decides who acts next: the worker signals the device on
// txCompleted, the waiting caller walks away on txAbandoned.
type txRequest struct {
	dev   *Device
	buf   *frame.Buffer
	state atomic.Int32
	err   error
}

func (rxReady) isMessage()    {}
func (*txRequest) isMessage() {}
