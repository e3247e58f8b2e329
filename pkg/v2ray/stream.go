// Package v2ray implements the client side of the V2Ray protocol family:
// VMess (AEAD header), VLESS, Trojan and Shadowsocks AEAD, over TCP with
// optional TLS and WebSocket. IP packets travel inside the protocol
// stream with a 16 bit length prefix.
package v2ray

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"

	"github.com/irctrakz/vpncore/pkg/profile"
	"github.com/irctrakz/vpncore/pkg/socket"
)

var errBadHeader = errors.New("malformed response header")

// destination is the target written into a request header.
type destination struct {
	host string
	ip   netip.Addr // valid when host is a literal address
	port uint16
}

func parseDestination(hostport string) (destination, error) {
	h, p, err := net.SplitHostPort(hostport)
	if err != nil {
		return destination{}, err
	}
	port, err := strconv.ParseUint(p, 10, 16)
	if err != nil {
		return destination{}, fmt.Errorf("port %q: %w", p, err)
	}
	d := destination{host: h, port: uint16(port)}
	if ip, err := netip.ParseAddr(h); err == nil {
		d.ip = ip.Unmap()
	} else if len(h) == 0 || len(h) > 255 {
		return destination{}, fmt.Errorf("bad host %q", h)
	}
	return d, nil
}

// appendAddr appends atyp | address using the given type codes.
func (d destination) appendAddr(b []byte, ipv4, domain, ipv6 byte) []byte {
	switch {
	case d.ip.Is4():
		a := d.ip.As4()
		return append(append(b, ipv4), a[:]...)
	case d.ip.Is6():
		a := d.ip.As16()
		return append(append(b, ipv6), a[:]...)
	}
	return append(append(b, domain, byte(len(d.host))), d.host...)
}

// appendSocks appends the SOCKS5 style address used by Trojan and
// Shadowsocks: atyp (1 IPv4, 3 domain, 4 IPv6) | address | port.
func (d destination) appendSocks(b []byte) []byte {
	b = d.appendAddr(b, 1, 3, 4)
	return binary.BigEndian.AppendUint16(b, d.port)
}

// appendPortAddr appends the VMess/VLESS order: port | atyp (1 IPv4,
// 2 domain, 3 IPv6) | address.
func (d destination) appendPortAddr(b []byte) []byte {
	b = binary.BigEndian.AppendUint16(b, d.port)
	return d.appendAddr(b, 1, 2, 3)
}

// inbuf accumulates bytes from a connection so a parser can wait for a
// complete unit. A read error leaves what was read in place, so a parser
// interrupted by a deadline resumes where it stopped.
type inbuf struct {
	r   io.Reader
	buf []byte
}

// need returns the first n buffered bytes, reading until they are there.
func (b *inbuf) need(n int) ([]byte, error) {
	for len(b.buf) < n {
		if cap(b.buf) < n {
			grown := make([]byte, len(b.buf), max(n, 4096))
			copy(grown, b.buf)
			b.buf = grown
		}
		m, err := b.r.Read(b.buf[len(b.buf):cap(b.buf)])
		b.buf = b.buf[:len(b.buf)+m]
		if err != nil && len(b.buf) < n {
			if err == io.EOF && len(b.buf) > 0 {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
	return b.buf[:n], nil
}

func (b *inbuf) consume(n int) {
	rest := copy(b.buf, b.buf[n:])
	b.buf = b.buf[:rest]
}

// read drains buffered bytes first, then reads through.
func (b *inbuf) read(p []byte) (int, error) {
	if len(b.buf) > 0 {
		n := copy(p, b.buf)
		b.consume(n)
		return n, nil
	}
	return b.r.Read(p)
}

// dial opens the transport below the protocol: TCP, then TLS when
// enabled, then WebSocket when selected.
func dial(ctx context.Context, cfg *Config) (net.Conn, *socket.WebSocketConn, error) {
	if cfg.Transport == profile.TransportWebSocket {
		scheme := "ws"
		if cfg.TLS {
			scheme = "wss"
		}
		path := cfg.Path
		if path == "" {
			path = "/"
		}
		u := url.URL{Scheme: scheme, Host: net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))}
		if pu, err := url.Parse(path); err == nil {
			u.Path, u.RawQuery = pu.Path, pu.RawQuery
		} else {
			u.Path = path
		}
		header := http.Header{}
		if cfg.WSHost != "" {
			header.Set("Host", cfg.WSHost)
		}
		ws, err := socket.DialWebSocket(ctx, u.String(), header, cfg.tlsConfig(), cfg.Socket)
		if err != nil {
			return nil, nil, err
		}
		return ws, ws, nil
	}
	if cfg.TLS {
		c, err := socket.DialTLS(ctx, cfg.Host, cfg.Port, cfg.tlsConfig(), cfg.Socket)
		if err != nil {
			return nil, nil, err
		}
		return c, nil, nil
	}
	c, err := socket.DialTCP(ctx, cfg.Host, cfg.Port, cfg.Socket)
	return c, nil, err
}
