package socket

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/irctrakz/vpncore/pkg/core"
	"github.com/irctrakz/vpncore/pkg/logging"
)

// missedPongLimit is the number of unanswered pings after which the
// keepalive loop closes the connection.
const missedPongLimit = 3

// WebSocketConn exposes a WebSocket as a byte stream. Each Write becomes
// one binary message; Read drains messages back to back.
//
// Read deadlines are deliberately ignored: gorilla/websocket treats an
// expired read deadline as fatal for the connection. Liveness is detected
// by the ping loop started with StartKeepalive instead.
type WebSocketConn struct {
	ws *websocket.Conn

	rmu    sync.Mutex
	reader io.Reader

	wmu sync.Mutex

	pending atomic.Int32
	closed  chan struct{}
	once    sync.Once
}

// DialWebSocket upgrades a connection to urlStr ("ws://" or "wss://").
// tlsConf is used for wss URLs; header carries Host and any extra fields.
func DialWebSocket(ctx context.Context, urlStr string, header http.Header, tlsConf *tls.Config, cfg Config) (*WebSocketConn, error) {
	nd := &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: cfg.KeepAlive}
	d := websocket.Dialer{
		NetDialContext:   nd.DialContext,
		HandshakeTimeout: cfg.DialTimeout,
		TLSClientConfig:  tlsConf,
		ReadBufferSize:   sizeClasses[1],
		WriteBufferSize:  sizeClasses[1],
	}
	ws, resp, err := d.DialContext(ctx, urlStr, header)
	if err != nil {
		if resp != nil {
			return nil, &core.IOError{Op: "websocket upgrade " + urlStr, Err: errors.New(resp.Status)}
		}
		return nil, &core.IOError{Op: "websocket dial " + urlStr, Err: err}
	}
	logging.Debugf("WebSocket established to %s (%s)", urlStr, ws.RemoteAddr())
	return NewWebSocketConn(ws), nil
}

// NewWebSocketConn wraps an established gorilla connection.
func NewWebSocketConn(ws *websocket.Conn) *WebSocketConn {
	c := &WebSocketConn{ws: ws, closed: make(chan struct{})}
	ws.SetPongHandler(func(string) error {
		c.pending.Store(0)
		return nil
	})
	return c
}

func (c *WebSocketConn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	for {
		if c.reader == nil {
			mt, r, err := c.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage && mt != websocket.TextMessage {
				continue
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *WebSocketConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Ping sends a ping control frame. WriteControl may be called
// concurrently with Write.
func (c *WebSocketConn) Ping() error {
	c.pending.Add(1)
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

// StartKeepalive pings every interval and closes the connection after
// missedPongLimit pings in a row go unanswered. It stops when ctx ends or
// the connection closes.
func (c *WebSocketConn) StartKeepalive(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.closed:
				return
			case <-ticker.C:
				if c.pending.Load() >= missedPongLimit {
					logging.Warnf("WebSocket %s: %d pings unanswered, closing", c.ws.RemoteAddr(), missedPongLimit)
					c.Close()
					return
				}
				if err := c.Ping(); err != nil {
					logging.Debugf("WebSocket ping failed: %v", err)
				}
			}
		}
	}()
}

// MissedPongs returns the number of pings sent since the last pong.
func (c *WebSocketConn) MissedPongs() int { return int(c.pending.Load()) }

// Close sends a close frame (best effort) and closes the socket.
func (c *WebSocketConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

func (c *WebSocketConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *WebSocketConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *WebSocketConn) SetDeadline(t time.Time) error { return c.SetWriteDeadline(t) }

// SetReadDeadline is a no-op, see the type documentation.
func (c *WebSocketConn) SetReadDeadline(time.Time) error { return nil }

func (c *WebSocketConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
