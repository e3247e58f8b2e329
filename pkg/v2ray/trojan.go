package v2ray

import (
	"crypto/sha256"
	"encoding/hex"
	"net"

	"github.com/irctrakz/vpncore/pkg/crypto"
)

var crlf = []byte{'\r', '\n'}

// trojanRequest is hex(SHA224(password)) CRLF cmd socks-address CRLF.
// The server answers with raw payload, there is no response header.
func trojanRequest(hash []byte, dst destination) []byte {
	b := make([]byte, 0, len(hash)+2+1+1+256+2+2)
	b = append(b, hash...)
	b = append(b, crlf...)
	b = append(b, cmdTCP)
	b = dst.appendSocks(b)
	return append(b, crlf...)
}

func trojanHash(password string) []byte {
	sum := sha256.Sum224([]byte(password))
	out := make([]byte, hex.EncodedLen(len(sum)))
	hex.Encode(out, sum[:])
	return out
}

type trojanConn struct {
	net.Conn
	hash []byte
}

func newTrojanConn(c net.Conn, password string) *trojanConn {
	return &trojanConn{Conn: c, hash: trojanHash(password)}
}

func (c *trojanConn) handshake(dst destination) error {
	_, err := c.Conn.Write(trojanRequest(c.hash, dst))
	return err
}

func (c *trojanConn) Zero() { crypto.Zero(c.hash) }
