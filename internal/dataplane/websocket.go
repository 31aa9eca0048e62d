package dataplane

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ethbridge/frame"
	"ethbridge/internal"
	"ethbridge/internal/logging"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsPingInterval = 20 * time.Second
	wsMaxBackoff   = 30 * time.Second
)

var ErrNotConnected = errors.New("websocket peer not connected")

// WebSocket carries one Ethernet frame per binary message. In client mode it
// dials url and redials when the connection drops; in server mode it accepts
// a single peer on listen, a newer peer replacing the older one.
type WebSocket struct {
	*link
	url      string
	listener net.Listener
	server   *http.Server
	upgrader websocket.Upgrader
	logger   *logging.Logger

	connMu  sync.RWMutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	done chan struct{}
	wg   sync.WaitGroup
}

func newWebSocket(seed string, mtu int, pool *frame.Pool, logger *logging.Logger) *WebSocket {
	if logger == nil {
		logger = logging.Discard()
	}
	return &WebSocket{
		link:   newLink(mtu, DeriveHardwareAddr("ws/"+seed), pool),
		logger: logger.With(logging.Fields{"driver": "websocket"}),
		done:   make(chan struct{}),
	}
}

// DialWebSocket connects to a WebSocket server at url.
func DialWebSocket(url string, mtu int, pool *frame.Pool, logger *logging.Logger) (*WebSocket, error) {
	w := newWebSocket(url, mtu, pool, logger)
	w.url = url
	conn, err := w.dial()
	if err != nil {
		return nil, err
	}
	w.setConn(conn)
	w.wg.Add(2)
	go w.clientLoop(conn)
	go w.pingLoop()
	return w, nil
}

// ListenWebSocket serves the link on listen at path.
func ListenWebSocket(listen, path string, mtu int, pool *frame.Pool, logger *logging.Logger) (*WebSocket, error) {
	if path == "" {
		path = "/"
	}
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	w := newWebSocket(ln.Addr().String(), mtu, pool, logger)
	w.listener = ln
	w.upgrader = websocket.Upgrader{
		CheckOrigin:  func(r *http.Request) bool { return true },
		Subprotocols: []string{"binary"},
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, w.handleUpgrade)
	w.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	w.wg.Add(2)
	go func() {
		defer w.wg.Done()
		if err := w.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.logger.Error("websocket server stopped", logging.Fields{"error": err})
		}
	}()
	go w.pingLoop()
	return w, nil
}

// Addr is the listening address in server mode.
func (w *WebSocket) Addr() net.Addr {
	if w.listener == nil {
		return nil
	}
	return w.listener.Addr()
}

// Connected reports whether a peer is attached.
func (w *WebSocket) Connected() bool {
	w.connMu.RLock()
	defer w.connMu.RUnlock()
	return w.conn != nil
}

func (w *WebSocket) Send(buf *frame.Buffer) error {
	if err := w.checkSend(buf); err != nil {
		return err
	}
	w.connMu.RLock()
	conn := w.conn
	w.connMu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteMessage(websocket.BinaryMessage, buf.Bytes())
}

func (w *WebSocket) Close() error {
	if !w.shutdown() {
		return nil
	}
	close(w.done)
	var err error
	if w.server != nil {
		err = w.server.Close()
	}
	w.setConn(nil)
	w.wg.Wait()
	return err
}

func (w *WebSocket) dial() (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		Subprotocols:     []string{"binary"},
	}
	conn, _, err := dialer.Dial(w.url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return conn, nil
}

// setConn installs conn as the current peer and closes the previous one.
// Once the link is closed only nil is accepted; a refused conn is closed and
// false returned.
func (w *WebSocket) setConn(conn *websocket.Conn) bool {
	w.connMu.Lock()
	if conn != nil && w.closed.Load() {
		w.connMu.Unlock()
		_ = conn.Close()
		return false
	}
	old := w.conn
	w.conn = conn
	w.connMu.Unlock()
	if old != nil && old != conn {
		_ = old.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = old.Close()
	}
	return true
}

func (w *WebSocket) clearConn(conn *websocket.Conn) {
	w.connMu.Lock()
	if w.conn == conn {
		w.conn = nil
	}
	w.connMu.Unlock()
	_ = conn.Close()
}

func (w *WebSocket) handleUpgrade(rw http.ResponseWriter, r *http.Request) {
	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		return
	}
	if !w.setConn(conn) {
		return
	}
	w.logger.Info("websocket peer connected", logging.Fields{"remote": r.RemoteAddr})
	w.readFrom(conn)
	w.clearConn(conn)
}

func (w *WebSocket) clientLoop(conn *websocket.Conn) {
	defer w.wg.Done()
	backoff := internal.NewBackoff(time.Second, wsMaxBackoff)
	for {
		w.readFrom(conn)
		w.clearConn(conn)
		for {
			select {
			case <-w.done:
				return
			case <-time.After(backoff.Next()):
			}
			next, err := w.dial()
			if err != nil {
				w.logger.Warn("websocket redial failed", logging.Fields{"url": w.url, "error": err})
				continue
			}
			if !w.setConn(next) {
				return
			}
			conn = next
			backoff.Reset()
			w.logger.Info("websocket reconnected", logging.Fields{"url": w.url})
			break
		}
	}
}

// readFrom delivers binary messages until the connection fails.
func (w *WebSocket) readFrom(conn *websocket.Conn) {
	conn.SetReadLimit(int64(w.mtu + frame.EthernetHeaderSize))
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if !w.closed.Load() {
				w.logger.Debug("websocket read ended", logging.Fields{"error": err})
			}
			return
		}
		if mt != websocket.BinaryMessage || len(data) < frame.EthernetHeaderSize {
			w.dropped.Add(1)
			continue
		}
		w.deliver(data)
	}
}

func (w *WebSocket) pingLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.connMu.RLock()
			conn := w.conn
			w.connMu.RUnlock()
			if conn != nil {
				_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
			}
		}
	}
}
