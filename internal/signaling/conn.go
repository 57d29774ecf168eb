package signaling

import (
	"bufio"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait bounds a single control write, response or push alike.
	writeWait = 5 * time.Second

	// wsPingPeriod keeps WebSocket control connections alive through NATs.
	wsPingPeriod = 30 * time.Second
)

// controlConn abstracts one control connection: ordered, reliable delivery of
// whole messages. Writes are serialized internally, so the synchronous
// response path and asynchronous pushes can never interleave frames.
type controlConn interface {
	// ReadMessage returns the next inbound message without framing.
	ReadMessage() ([]byte, error)
	// WriteMessage writes one framed message, applying writeWait.
	WriteMessage(data []byte) error
	SetReadDeadline(t time.Time) error
	RemoteAddr() net.Addr
	Close() error
}

// netConn frames messages as newline-terminated lines over a stream
// transport (TCP or TLS).
type netConn struct {
	conn net.Conn
	scan *bufio.Scanner

	writeMu sync.Mutex
}

func newNetConn(conn net.Conn, maxMessageBytes int) *netConn {
	scan := bufio.NewScanner(conn)
	scan.Buffer(make([]byte, 0, 512), maxMessageBytes)
	return &netConn{conn: conn, scan: scan}
}

func (c *netConn) ReadMessage() ([]byte, error) {
	if !c.scan.Scan() {
		if err := c.scan.Err(); err != nil {
			return nil, err
		}
		return nil, net.ErrClosed
	}
	return c.scan.Bytes(), nil
}

func (c *netConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_, err := c.conn.Write(append(data, '\n'))
	return err
}

func (c *netConn) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }
func (c *netConn) RemoteAddr() net.Addr              { return c.conn.RemoteAddr() }
func (c *netConn) Close() error                      { return c.conn.Close() }

// wsConn carries one message per WebSocket text frame. A background ticker
// sends pings; each pong pushes the read deadline out by idleTimeout, so a
// quiet but responsive client is never reaped while it keeps answering.
type wsConn struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newWSConn(conn *websocket.Conn, maxMessageBytes int, idleTimeout time.Duration) *wsConn {
	c := &wsConn{conn: conn, done: make(chan struct{})}
	conn.SetReadLimit(int64(maxMessageBytes))
	if idleTimeout > 0 {
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(idleTimeout))
		})
	}
	go c.pingLoop()
	return c
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	msgType, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if msgType != websocket.TextMessage {
		return nil, fmt.Errorf("unexpected websocket message type %d", msgType)
	}
	return data, nil
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }
func (c *wsConn) RemoteAddr() net.Addr              { return c.conn.RemoteAddr() }

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return c.conn.Close()
}

// remoteIPOf extracts the connection's source IP, unmapped so IPv4 compares
// equal across socket address families.
func remoteIPOf(addr net.Addr) netip.Addr {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.AddrPort().Addr().Unmap()
	case *net.UDPAddr:
		return a.AddrPort().Addr().Unmap()
	}
	if ap, err := netip.ParseAddrPort(addr.String()); err == nil {
		return ap.Addr().Unmap()
	}
	return netip.Addr{}
}
