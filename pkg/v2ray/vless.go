package v2ray

import (
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/irctrakz/vpncore/pkg/crypto"
)

const (
	vlessVersion = 0
	cmdTCP       = 1
)

// vlessRequest builds the request header. VLESS adds no encryption of
// its own; the outer TLS layer protects the stream.
func vlessRequest(id uuid.UUID, dst destination) []byte {
	b := make([]byte, 0, 1+16+1+1+2+1+256)
	b = append(b, vlessVersion)
	b = append(b, id[:]...)
	b = append(b, 0, cmdTCP) // no addons
	return dst.appendPortAddr(b)
}

// vlessConn strips the response header (version | addons length |
// addons) in front of the first bytes the server sends.
type vlessConn struct {
	net.Conn
	in inbuf

	rmu      sync.Mutex
	gotReply bool
	id       uuid.UUID
}

func newVLESSConn(c net.Conn, id uuid.UUID) *vlessConn {
	return &vlessConn{Conn: c, in: inbuf{r: c}, id: id}
}

func (c *vlessConn) handshake(dst destination) error {
	_, err := c.Conn.Write(vlessRequest(c.id, dst))
	return err
}

func (c *vlessConn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	if !c.gotReply {
		h, err := c.in.need(2)
		if err != nil {
			return 0, err
		}
		if h[0] != vlessVersion {
			return 0, fmt.Errorf("vless: %w: version %d", errBadHeader, h[0])
		}
		n := 2 + int(h[1])
		if _, err := c.in.need(n); err != nil {
			return 0, err
		}
		c.in.consume(n)
		c.gotReply = true
	}
	return c.in.read(p)
}

func (c *vlessConn) Zero() { crypto.Zero(c.id[:]) }
