// Package stack is a small IPv4 host stack behind the interface bridge: ARP
// resolution and caching, IPv4 input with ICMP echo, and link output.
package stack

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip/header"

	"ethbridge/ethif"
	"ethbridge/frame"
	"ethbridge/internal/ipc"
	"ethbridge/internal/logging"
)

const (
	DefaultInputQueueSize = 16
	DefaultARPMaxAge      = 5 * time.Minute

	arpRequestTimeout = 5 * time.Second
	arpTimerInterval  = time.Second
	defaultTTL        = 64
)

var (
	ErrNotRegistered     = errors.New("interface not registered")
	ErrAlreadyRegistered = errors.New("interface already registered")
	ErrNoRoute           = errors.New("no route to host")
	ErrNotIPv4           = errors.New("not an ipv4 address")
)

// Handler receives IPv4 packets for a transport protocol the stack does not
// handle itself. The packet is only valid during the call.
type Handler func(ifc *ethif.Interface, pkt header.IPv4)

type Config struct {
	InputQueueSize int
	ARPMaxAge      time.Duration
	Pool           *frame.Pool
	Logger         *logging.Logger
	// Now overrides the clock used for ARP ageing.
	Now func() time.Time
}

type nic struct {
	ifc   *ethif.Interface
	input ethif.InputFunc
}

type packet struct {
	buf *frame.Buffer
	ifc *ethif.Interface
}

type counters struct {
	ipRx          atomic.Uint64
	ipDropped     atomic.Uint64
	ipNotForUs    atomic.Uint64
	icmpEcho      atomic.Uint64
	arpRx         atomic.Uint64
	arpInvalid    atomic.Uint64
	arpReplies    atomic.Uint64
	arpRequests   atomic.Uint64
	arpLearned    atomic.Uint64
	arpQueued     atomic.Uint64
	loopback      atomic.Uint64
	injectDropped atomic.Uint64
}

// Stats is a copy of the stack's protocol counters.
type Stats struct {
	IPRx          uint64 `json:"ipRx"`
	IPDropped     uint64 `json:"ipDropped"`
	IPNotForUs    uint64 `json:"ipNotForUs"`
	ICMPEcho      uint64 `json:"icmpEcho"`
	ARPRx         uint64 `json:"arpRx"`
	ARPInvalid    uint64 `json:"arpInvalid"`
	ARPReplies    uint64 `json:"arpRepliesSent"`
	ARPRequests   uint64 `json:"arpRequestsSent"`
	ARPLearned    uint64 `json:"arpLearned"`
	ARPQueued     uint64 `json:"arpQueued"`
	Loopback      uint64 `json:"loopback"`
	InjectDropped uint64 `json:"injectDropped"`
}

// Stack implements ethif.Stack.
type Stack struct {
	pool   *frame.Pool
	logger *logging.Logger
	input  *ipc.Mailbox[packet]
	arp    *arpCache
	stats  counters

	mu         sync.RWMutex
	nics       map[*ethif.Interface]*nic
	defaultNIC *ethif.Interface
	handlers   map[uint8]Handler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ ethif.Stack = (*Stack)(nil)

func New(cfg Config) *Stack {
	if cfg.InputQueueSize <= 0 {
		cfg.InputQueueSize = DefaultInputQueueSize
	}
	if cfg.Pool == nil {
		cfg.Pool = frame.NewPool(frame.DefaultMTU, frame.DefaultHeadroom)
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	return &Stack{
		pool:     cfg.Pool,
		logger:   cfg.Logger.With(logging.Fields{"component": "stack"}),
		input:    ipc.NewMailbox[packet](cfg.InputQueueSize),
		arp:      newARPCache(cfg.ARPMaxAge, cfg.Now),
		nics:     make(map[*ethif.Interface]*nic),
		handlers: make(map[uint8]Handler),
	}
}

// Start runs the input worker and the ARP timer until ctx is done or Close
// is called.
func (s *Stack) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(2)
	go s.inputLoop(ctx)
	go s.arpTimer(ctx)
}

func (s *Stack) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.input.Close()
	s.wg.Wait()
	for _, pkt := range s.input.Drain() {
		pkt.buf.Release()
	}
	s.arp.flush(nil)
}

// Handle installs h for IPv4 protocol number proto.
func (s *Stack) Handle(proto uint8, h Handler) {
	s.mu.Lock()
	s.handlers[proto] = h
	s.mu.Unlock()
}

func (s *Stack) Register(ifc *ethif.Interface, addrs ethif.Addresses, input ethif.InputFunc) error {
	if addrs.Address.IsValid() && !addrs.Address.Addr().Is4() {
		return fmt.Errorf("register %s: %s: %w", ifc.Name(), addrs.Address, ErrNotIPv4)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nics[ifc]; ok {
		return fmt.Errorf("register %s: %w", ifc.Name(), ErrAlreadyRegistered)
	}
	s.nics[ifc] = &nic{ifc: ifc, input: input}
	s.logger.Info("interface registered", logging.Fields{
		"interface": ifc.Name(),
		"address":   addrs.Address.String(),
		"gateway":   addrs.Gateway.String(),
	})
	return nil
}

func (s *Stack) Unregister(ifc *ethif.Interface) {
	s.mu.Lock()
	delete(s.nics, ifc)
	if s.defaultNIC == ifc {
		s.defaultNIC = nil
	}
	s.mu.Unlock()
	s.arp.flush(ifc)
}

func (s *Stack) SetDefault(ifc *ethif.Interface) {
	s.mu.Lock()
	s.defaultNIC = ifc
	s.mu.Unlock()
}

// Default returns the default interface or nil.
func (s *Stack) Default() *ethif.Interface {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaultNIC
}

func (s *Stack) lookup(ifc *ethif.Interface) (*nic, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nics[ifc]
	return n, ok
}

// Interfaces returns the registered interfaces sorted by name.
func (s *Stack) Interfaces() []*ethif.Interface {
	s.mu.RLock()
	out := make([]*ethif.Interface, 0, len(s.nics))
	for ifc := range s.nics {
		out = append(out, ifc)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Route picks the interface whose subnet holds dst, falling back to the
// default interface.
func (s *Stack) Route(dst netip.Addr) (*ethif.Interface, error) {
	for _, ifc := range s.Interfaces() {
		if p := ifc.Address(); p.IsValid() && p.Contains(dst) {
			return ifc, nil
		}
	}
	if ifc := s.Default(); ifc != nil {
		return ifc, nil
	}
	return nil, fmt.Errorf("%s: %w", dst, ErrNoRoute)
}

// Inject queues an IPv4 packet for the input worker. On error the caller
// still owns buf.
func (s *Stack) Inject(buf *frame.Buffer, ifc *ethif.Interface) error {
	if _, ok := s.lookup(ifc); !ok {
		return fmt.Errorf("inject %s: %w", ifc.Name(), ErrNotRegistered)
	}
	if err := s.input.Send(packet{buf: buf, ifc: ifc}, 0); err != nil {
		s.stats.injectDropped.Add(1)
		return fmt.Errorf("inject %s: %w", ifc.Name(), err)
	}
	return nil
}

func (s *Stack) inputLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		pkt, err := s.input.Receive(ctx)
		if err != nil {
			return
		}
		if _, ok := s.lookup(pkt.ifc); !ok {
			pkt.buf.Release()
			continue
		}
		s.ipInput(pkt.buf, pkt.ifc)
	}
}

func (s *Stack) arpTimer(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(arpTimerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.arp.expire(); n > 0 {
				s.logger.Debug("arp entries expired", logging.Fields{"count": n})
			}
		}
	}
}

// ARPTable returns the current neighbour cache.
func (s *Stack) ARPTable() []ARPEntry {
	return s.arp.snapshot()
}

func (s *Stack) Stats() Stats {
	return Stats{
		IPRx:          s.stats.ipRx.Load(),
		IPDropped:     s.stats.ipDropped.Load(),
		IPNotForUs:    s.stats.ipNotForUs.Load(),
		ICMPEcho:      s.stats.icmpEcho.Load(),
		ARPRx:         s.stats.arpRx.Load(),
		ARPInvalid:    s.stats.arpInvalid.Load(),
		ARPReplies:    s.stats.arpReplies.Load(),
		ARPRequests:   s.stats.arpRequests.Load(),
		ARPLearned:    s.stats.arpLearned.Load(),
		ARPQueued:     s.stats.arpQueued.Load(),
		Loopback:      s.stats.loopback.Load(),
		InjectDropped: s.stats.injectDropped.Load(),
	}
}
