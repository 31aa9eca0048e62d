package dataplane

import (
	"errors"
	"net"
	"sync"

	"ethbridge/frame"
	"ethbridge/internal/logging"
)

// UDP carries one Ethernet frame per datagram between two endpoints. When
// no remote is configured the first sender becomes the remote.
type UDP struct {
	*link
	conn   *net.UDPConn
	logger *logging.Logger

	remoteMu sync.RWMutex
	remote   *net.UDPAddr
	wg       sync.WaitGroup
}

func NewUDP(listen, remote string, mtu int, pool *frame.Pool, logger *logging.Logger) (*UDP, error) {
	if listen == "" {
		return nil, errors.New("udp link requires listen address")
	}
	addr, err := net.ResolveUDPAddr("udp", listen)
	if err != nil {
		return nil, err
	}
	var peer *net.UDPAddr
	if remote != "" {
		if peer, err = net.ResolveUDPAddr("udp", remote); err != nil {
			return nil, err
		}
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Discard()
	}
	u := &UDP{
		link:   newLink(mtu, DeriveHardwareAddr("udp/"+conn.LocalAddr().String()), pool),
		conn:   conn,
		logger: logger.With(logging.Fields{"driver": "udp", "listen": conn.LocalAddr().String()}),
		remote: peer,
	}
	u.wg.Add(1)
	go u.readLoop()
	return u, nil
}

func (u *UDP) LocalAddr() net.Addr {
	if u.conn == nil {
		return nil
	}
	return u.conn.LocalAddr()
}

// Remote returns the current peer, or nil before one is known.
func (u *UDP) Remote() *net.UDPAddr {
	u.remoteMu.RLock()
	defer u.remoteMu.RUnlock()
	return u.remote
}

func (u *UDP) Send(buf *frame.Buffer) error {
	if err := u.checkSend(buf); err != nil {
		return err
	}
	addr := u.Remote()
	if addr == nil {
		return errors.New("udp link has no remote yet")
	}
	_, err := u.conn.WriteToUDP(buf.Bytes(), addr)
	return err
}

func (u *UDP) Close() error {
	if !u.shutdown() {
		return nil
	}
	err := u.conn.Close()
	u.wg.Wait()
	return err
}

func (u *UDP) readLoop() {
	defer u.wg.Done()
	buf := make([]byte, 65535)
	for {
		n, addr, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			if u.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		if !u.acceptFrom(addr) {
			continue
		}
		if n < frame.EthernetHeaderSize {
			u.dropped.Add(1)
			continue
		}
		u.deliver(buf[:n])
	}
}

func (u *UDP) acceptFrom(addr *net.UDPAddr) bool {
	if addr == nil {
		return false
	}
	u.remoteMu.RLock()
	remote := u.remote
	u.remoteMu.RUnlock()
	if remote != nil {
		return remote.IP.Equal(addr.IP) && remote.Port == addr.Port
	}
	u.remoteMu.Lock()
	if u.remote == nil {
		u.remote = addr
		u.logger.Info("udp remote learned", logging.Fields{"remote": addr.String()})
	}
	u.remoteMu.Unlock()
	return true
}
