package dataplane

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"ethbridge/frame"
)

type countingNotifier struct {
	n atomic.Int32
}

func (c *countingNotifier) Ready() error {
	c.n.Add(1)
	return nil
}

func (c *countingNotifier) count() int { return int(c.n.Load()) }

func testFrame(etherType uint16, payload string) []byte {
	b := make([]byte, frame.EthernetHeaderSize+len(payload))
	copy(b[0:6], []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	copy(b[6:12], []byte{0x02, 0, 0, 0, 0, 7})
	binary.BigEndian.PutUint16(b[12:14], etherType)
	copy(b[14:], payload)
	return b
}

func waitReceive(t *testing.T, l *link) *frame.Buffer {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		buf, err := l.Receive()
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		if buf != nil {
			return buf
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("timeout waiting for frame")
	return nil
}

func TestPipeDeliversToPeer(t *testing.T) {
	pool := frame.NewPool(1500, frame.DefaultHeadroom)
	a, b := NewPipe("a", "b", 1500, pool)
	ready := &countingNotifier{}
	b.Attach(ready)

	payload := testFrame(0x0800, "hello")
	src := frame.New(append([]byte(nil), payload...))
	if err := a.Send(src); err != nil {
		t.Fatalf("send: %v", err)
	}
	// The sender may reuse its buffer as soon as Send returns.
	copy(src.Bytes(), make([]byte, src.Len()))

	got, err := b.Receive()
	if err != nil || got == nil {
		t.Fatalf("expected a frame, got %v %v", got, err)
	}
	if !bytes.Equal(got.Bytes(), payload) {
		t.Fatalf("expected %q, got %q", payload, got.Bytes())
	}
	got.Release()
	if ready.count() != 1 {
		t.Fatalf("expected one notification, got %d", ready.count())
	}
	if empty, _ := b.Receive(); empty != nil {
		t.Fatalf("ring should be empty")
	}

	hwA, _ := a.HardwareAddr()
	hwB, _ := b.HardwareAddr()
	if hwA.String() == hwB.String() || hwA[0]&0x03 != 0x02 {
		t.Fatalf("derived addresses must differ and be locally administered unicast: %s %s", hwA, hwB)
	}

	// Closing one end should prevent further sends from it.
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := a.Send(frame.New(payload)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
	if err := b.Send(frame.New(payload)); err != nil {
		t.Fatalf("peer send after close: %v", err)
	}
	if a.Dropped() != 1 {
		t.Fatalf("frame to a closed end should be counted as dropped")
	}
	if pool.InUse() != 0 {
		t.Fatalf("leaked %d buffers", pool.InUse())
	}
}

func TestPipeRingOverflowDrops(t *testing.T) {
	a, b := NewPipe("a", "b", 1500, nil)
	for i := 0; i < rxRingSize+3; i++ {
		_ = a.Send(frame.New(testFrame(0x0800, "x")))
	}
	if b.Dropped() != 3 {
		t.Fatalf("expected 3 drops, got %d", b.Dropped())
	}
	if err := a.Send(frame.New(make([]byte, 4000))); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestDeriveHardwareAddrIsStable(t *testing.T) {
	first := DeriveHardwareAddr("e0")
	if first.String() != DeriveHardwareAddr("e0").String() {
		t.Fatalf("derivation must be deterministic")
	}
	if first[0]&0x01 != 0 {
		t.Fatalf("derived address must be unicast")
	}
}
