package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/netip"
	"testing"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"ethbridge/config"
	"ethbridge/ethif"
	"ethbridge/internal/logging"
)

const pipePair = `
dispatch:
  tx_mode: %s
interfaces:
  - name: e0
    driver: pipe
    remote: e1
    address: 10.0.0.1/24
    default: true
  - name: e1
    driver: pipe
    remote: e0
    address: 10.0.0.2/24
`

func startDaemon(t *testing.T, mode string) *daemon {
	t.Helper()
	cfg, err := config.Parse([]byte(fmt.Sprintf(pipePair, mode)), true)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	d := newDaemon(cfg, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	if err := d.start(ctx); err != nil {
		cancel()
		d.close()
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		d.close()
	})
	return d
}

func echoPacket(src, dst netip.Addr, seq uint16) []byte {
	pkt := make([]byte, header.IPv4MinimumSize+header.ICMPv4MinimumSize+4)
	pkt[0] = 0x45
	binary.BigEndian.PutUint16(pkt[2:4], uint16(len(pkt)))
	pkt[8] = 64
	pkt[9] = uint8(header.ICMPv4ProtocolNumber)
	s, d := src.As4(), dst.As4()
	copy(pkt[12:16], s[:])
	copy(pkt[16:20], d[:])
	binary.BigEndian.PutUint16(pkt[10:12], ^checksum.Checksum(pkt[:header.IPv4MinimumSize], 0))

	icmp := pkt[header.IPv4MinimumSize:]
	icmp[0] = byte(header.ICMPv4Echo)
	binary.BigEndian.PutUint16(icmp[6:8], seq)
	copy(icmp[8:], "ping")
	binary.BigEndian.PutUint16(icmp[2:4], ^checksum.Checksum(icmp, 0))
	return pkt
}

func TestPipePairPingsAcross(t *testing.T) {
	for _, mode := range []string{"direct", "offloaded"} {
		t.Run(mode, func(t *testing.T) {
			d := startDaemon(t, mode)
			replies := make(chan uint16, 4)
			d.stack.Handle(uint8(header.ICMPv4ProtocolNumber), func(ifc *ethif.Interface, pkt header.IPv4) {
				icmp := header.ICMPv4(pkt.Payload())
				if ifc.Name() == "e0" && icmp.Type() == header.ICMPv4EchoReply {
					replies <- binary.BigEndian.Uint16(icmp[6:8])
				}
			})

			e0, ok := d.binder.Lookup("e0")
			if !ok {
				t.Fatalf("e0 not bound")
			}
			local, remote := netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2")
			for seq := uint16(1); seq <= 2; seq++ {
				pkt := echoPacket(local, remote, seq)
				buf := d.pool.Get(len(pkt))
				copy(buf.Bytes(), pkt)
				if err := e0.Output(buf, remote); err != nil {
					t.Fatalf("output: %v", err)
				}
				select {
				case got := <-replies:
					if got != seq {
						t.Fatalf("reply for seq %d, want %d", got, seq)
					}
				case <-time.After(2 * time.Second):
					t.Fatalf("no echo reply for seq %d", seq)
				}
			}

			if st := d.stack.Stats(); st.ICMPEcho != 2 || st.ARPLearned == 0 {
				t.Fatalf("unexpected stack stats %+v", st)
			}
			m := d.metrics()
			if m[`ethbridge_tx_frames_total{interface="e0"}`] == 0 || m[`ethbridge_interface_up{interface="e1"}`] != 1 {
				t.Fatalf("metrics missing traffic: %v", m)
			}
			if snap := d.snapshot(); snap["default"] != "e0" || snap["txMode"] != mode {
				t.Fatalf("unexpected snapshot %v", snap)
			}
		})
	}
}

func TestSetAddressAnnounces(t *testing.T) {
	d := startDaemon(t, "direct")
	before := d.stack.Stats().ARPRequests
	if err := d.setAddress("e1", netip.MustParsePrefix("10.0.0.9/24"), netip.Addr{}); err != nil {
		t.Fatalf("set address: %v", err)
	}
	e1, _ := d.binder.Lookup("e1")
	if e1.Address().String() != "10.0.0.9/24" {
		t.Fatalf("address not applied: %v", e1.Address())
	}
	if d.stack.Stats().ARPRequests != before+1 {
		t.Fatalf("expected a gratuitous arp after the change")
	}
	if err := d.setAddress("nope", netip.MustParsePrefix("10.0.0.9/24"), netip.Addr{}); err == nil {
		t.Fatalf("unknown interface should fail")
	}
}

func TestCloseUnbindsEverything(t *testing.T) {
	cfg, err := config.Parse([]byte(fmt.Sprintf(pipePair, "direct")), true)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	d := newDaemon(cfg, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if d.registry.Len() != 2 {
		t.Fatalf("expected two registered devices, got %d", d.registry.Len())
	}
	d.close()
	if d.registry.Len() != 0 || len(d.binder.Interfaces()) != 0 {
		t.Fatalf("close should unbind every interface")
	}
	if n := d.pool.InUse(); n != 0 {
		t.Fatalf("%d buffers leaked", n)
	}
}
