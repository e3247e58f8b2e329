// Package socket provides the network side of a tunnel: dialers for the
// server connection and framing of encrypted messages over datagram,
// stream and WebSocket connections.
package socket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/irctrakz/vpncore/pkg/core"
	"github.com/irctrakz/vpncore/pkg/logging"
)

// DialUDP opens a connected UDP socket to host:port.
func DialUDP(ctx context.Context, host string, port int, cfg Config) (net.Conn, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	d := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, &core.IOError{Op: "dial udp " + addr, Err: err}
	}
	logging.Debugf("UDP socket %s -> %s", conn.LocalAddr(), conn.RemoteAddr())
	return conn, nil
}

// DialTCP opens a TCP connection to host:port.
func DialTCP(ctx context.Context, host string, port int, cfg Config) (net.Conn, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	d := net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: cfg.KeepAlive}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &core.IOError{Op: "dial tcp " + addr, Err: err}
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	logging.Debugf("TCP connection %s -> %s", conn.LocalAddr(), conn.RemoteAddr())
	return conn, nil
}

// DialTLS opens a TCP connection and completes a TLS client handshake
// within cfg.DialTimeout.
func DialTLS(ctx context.Context, host string, port int, tlsConf *tls.Config, cfg Config) (*tls.Conn, error) {
	raw, err := DialTCP(ctx, host, port, cfg)
	if err != nil {
		return nil, err
	}
	return ClientTLS(ctx, raw, tlsConf, cfg)
}

// ClientTLS runs a TLS client handshake over an established connection.
func ClientTLS(ctx context.Context, raw net.Conn, tlsConf *tls.Config, cfg Config) (*tls.Conn, error) {
	hctx := ctx
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	conn := tls.Client(raw, tlsConf)
	if err := conn.HandshakeContext(hctx); err != nil {
		raw.Close()
		return nil, &core.IOError{Op: "tls handshake", Err: err}
	}
	st := conn.ConnectionState()
	logging.Debugf("TLS established with %s (version %#x, alpn %q)", raw.RemoteAddr(), st.Version, st.NegotiatedProtocol)
	return conn, nil
}

// IsTimeout reports whether err is an expired deadline.
func IsTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}

// IsClosed reports whether err means the connection is gone for good.
func IsClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed)
}

func deadline(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}

// wrapIO turns socket errors into core.IOError, keeping timeouts
// recognizable through errors.As.
func wrapIO(op string, err error) error {
	if err == nil {
		return nil
	}
	var ioe *core.IOError
	if errors.As(err, &ioe) {
		return err
	}
	return &core.IOError{Op: op, Err: err}
}

// DatagramTransport carries one encrypted message per UDP datagram.
type DatagramTransport struct {
	conn        net.Conn
	readTimeout time.Duration
	metrics     Metrics
}

// NewDatagramTransport wraps a connected UDP socket.
func NewDatagramTransport(conn net.Conn, readTimeout time.Duration) *DatagramTransport {
	return &DatagramTransport{conn: conn, readTimeout: readTimeout}
}

// ReadFrame reads one datagram into buf.
func (t *DatagramTransport) ReadFrame(buf []byte) (int, error) {
	if err := t.conn.SetReadDeadline(deadline(t.readTimeout)); err != nil {
		return 0, wrapIO("set deadline", err)
	}
	n, err := t.conn.Read(buf)
	if err != nil {
		if !IsTimeout(err) {
			t.metrics.recordError()
		}
		return 0, wrapIO("read", err)
	}
	t.metrics.recordReceived(n)
	return n, nil
}

// WriteFrame sends frame as one datagram. Safe for concurrent use: each
// Write on a UDP socket is atomic.
func (t *DatagramTransport) WriteFrame(frame []byte) error {
	if _, err := t.conn.Write(frame); err != nil {
		t.metrics.recordError()
		return wrapIO("write", err)
	}
	t.metrics.recordSent(len(frame))
	return nil
}

// Conn returns the underlying socket.
func (t *DatagramTransport) Conn() net.Conn { return t.conn }

// Metrics returns a copy of the transport counters.
func (t *DatagramTransport) Metrics() Metrics { return t.metrics.Snapshot() }

func (t *DatagramTransport) Close() error { return t.conn.Close() }

func (t *DatagramTransport) String() string {
	return fmt.Sprintf("udp %s->%s", t.conn.LocalAddr(), t.conn.RemoteAddr())
}
