package stack

import (
	"net"
	"net/netip"
	"sort"
	"sync"
	"time"

	"ethbridge/ethif"
	"ethbridge/frame"
)

// ARPState mirrors the lifecycle of a neighbour entry.
type ARPState int

const (
	ARPStateIncomplete ARPState = iota
	ARPStateReachable
)

func (s ARPState) String() string {
	switch s {
	case ARPStateIncomplete:
		return "incomplete"
	default:
		return "reachable"
	}
}

type arpKey struct {
	ifc *ethif.Interface
	ip  netip.Addr
}

type arpEntry struct {
	mac     net.HardwareAddr
	state   ARPState
	updated time.Time
	// pending holds the most recent packet waiting for this neighbour to
	// resolve. It already carries room for the Ethernet header.
	pending *frame.Buffer
}

// ARPEntry is the exported view of one cache line.
type ARPEntry struct {
	Interface string    `json:"interface"`
	IP        string    `json:"ip"`
	MAC       string    `json:"mac,omitempty"`
	State     string    `json:"state"`
	Updated   time.Time `json:"updated"`
}

// arpCache maps (interface, IPv4) to a hardware address.
type arpCache struct {
	mu      sync.Mutex
	entries map[arpKey]*arpEntry
	maxAge  time.Duration
	now     func() time.Time
}

func newARPCache(maxAge time.Duration, now func() time.Time) *arpCache {
	if maxAge <= 0 {
		maxAge = DefaultARPMaxAge
	}
	if now == nil {
		now = time.Now
	}
	return &arpCache{entries: make(map[arpKey]*arpEntry), maxAge: maxAge, now: now}
}

// lookup returns the address for ip if a usable entry exists.
func (c *arpCache) lookup(ifc *ethif.Interface, ip netip.Addr) (net.HardwareAddr, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[arpKey{ifc, ip}]
	if !ok || e.state == ARPStateIncomplete {
		return nil, false
	}
	return e.mac, true
}

// update records ip -> mac. With insert false only an existing entry is
// refreshed. A packet that was waiting on the entry is returned to the
// caller for sending.
func (c *arpCache) update(ifc *ethif.Interface, ip netip.Addr, mac net.HardwareAddr, insert bool) (*frame.Buffer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := arpKey{ifc, ip}
	e, ok := c.entries[key]
	if !ok {
		if !insert {
			return nil, false
		}
		e = &arpEntry{}
		c.entries[key] = e
	}
	e.mac = append(net.HardwareAddr(nil), mac...)
	e.state = ARPStateReachable
	e.updated = c.now()
	pending := e.pending
	e.pending = nil
	return pending, true
}

// enqueue parks buf until ip resolves, replacing any older packet. It
// reports whether a request should be sent, which is true unless one went
// out for this entry less than a second ago.
func (c *arpCache) enqueue(ifc *ethif.Interface, ip netip.Addr, buf *frame.Buffer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	key := arpKey{ifc, ip}
	e, ok := c.entries[key]
	if !ok {
		e = &arpEntry{state: ARPStateIncomplete, updated: now}
		c.entries[key] = e
	}
	if e.pending != nil {
		e.pending.Release()
	}
	e.pending = buf
	if !ok {
		return true
	}
	if now.Sub(e.updated) >= time.Second {
		e.updated = now
		return true
	}
	return false
}

// expire drops entries older than maxAge and incomplete entries that never
// resolved. It returns how many entries were removed.
func (c *arpCache) expire() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for key, e := range c.entries {
		limit := c.maxAge
		if e.state == ARPStateIncomplete {
			limit = arpRequestTimeout
		}
		if now.Sub(e.updated) < limit {
			continue
		}
		if e.pending != nil {
			e.pending.Release()
		}
		delete(c.entries, key)
		removed++
	}
	return removed
}

// flush removes every entry of ifc, or of all interfaces when ifc is nil.
func (c *arpCache) flush(ifc *ethif.Interface) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		if ifc != nil && key.ifc != ifc {
			continue
		}
		if e.pending != nil {
			e.pending.Release()
		}
		delete(c.entries, key)
	}
}

func (c *arpCache) snapshot() []ARPEntry {
	c.mu.Lock()
	out := make([]ARPEntry, 0, len(c.entries))
	for key, e := range c.entries {
		entry := ARPEntry{
			Interface: key.ifc.Name(),
			IP:        key.ip.String(),
			State:     e.state.String(),
			Updated:   e.updated,
		}
		if e.state != ARPStateIncomplete {
			entry.MAC = e.mac.String()
		}
		out = append(out, entry)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Interface != out[j].Interface {
			return out[i].Interface < out[j].Interface
		}
		return out[i].IP < out[j].IP
	})
	return out
}
