package v2ray

import (
	gocipher "crypto/cipher"
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/irctrakz/vpncore/pkg/core"
	"github.com/irctrakz/vpncore/pkg/crypto"
)

const (
	ssSubkeyInfo   = "ss-subkey"
	ssMaxPayload   = 0x3FFF
	ssLengthSize   = 2
	ssNoPendingLen = -1
)

// ssCipher holds one direction of a Shadowsocks AEAD stream: the salted
// subkey and the little-endian nonce counter that starts at zero.
type ssCipher struct {
	subkey []byte
	aead   gocipher.AEAD
	nonce  [crypto.NonceSize]byte
}

func newSSCipher(c crypto.Cipher, master, salt []byte) (*ssCipher, error) {
	sub, err := crypto.SubkeySHA1(master, salt, ssSubkeyInfo)
	if err != nil {
		return nil, err
	}
	aead, err := crypto.NewAEAD(c, sub)
	if err != nil {
		return nil, err
	}
	return &ssCipher{subkey: sub, aead: aead}, nil
}

func (s *ssCipher) seal(dst, pt []byte) []byte {
	out := s.aead.Seal(dst, s.nonce[:], pt, nil)
	incrementLE(s.nonce[:])
	return out
}

func (s *ssCipher) open(dst, ct []byte) ([]byte, error) {
	out, err := s.aead.Open(dst, s.nonce[:], ct, nil)
	if err != nil {
		return nil, &core.CryptoError{Op: "shadowsocks open", Err: core.ErrAuthentication}
	}
	incrementLE(s.nonce[:])
	return out, nil
}

func (s *ssCipher) zero() {
	if s != nil {
		crypto.Zero(s.subkey)
	}
}

func incrementLE(b []byte) {
	for i := range b {
		b[i]++
		if b[i] != 0 {
			return
		}
	}
}

// ssConn is a Shadowsocks AEAD stream. Each side opens with its own
// salt; every chunk is a sealed length followed by the sealed payload.
type ssConn struct {
	net.Conn
	cipher crypto.Cipher
	master []byte

	wmu  sync.Mutex
	enc  *ssCipher
	wbuf []byte

	rmu        sync.Mutex
	in         inbuf
	dec        *ssCipher
	pendingLen int
	plain      []byte
	pbuf       []byte
}

func newSSConn(c net.Conn, method, password string) (*ssConn, error) {
	ci, err := crypto.ParseCipher(method)
	if err != nil {
		return nil, err
	}
	return &ssConn{
		Conn:       c,
		cipher:     ci,
		master:     crypto.PasswordDerive(password, ci.KeySize()),
		in:         inbuf{r: c},
		pendingLen: ssNoPendingLen,
	}, nil
}

// handshake sends the salt and the target address as the first chunk.
func (c *ssConn) handshake(dst destination) error {
	_, err := c.Write(dst.appendSocks(nil))
	return err
}

func (c *ssConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	out := c.wbuf[:0]
	if c.enc == nil {
		salt, err := crypto.RandomBytes(c.cipher.KeySize())
		if err != nil {
			return 0, err
		}
		if c.enc, err = newSSCipher(c.cipher, c.master, salt); err != nil {
			return 0, err
		}
		out = append(out, salt...)
	}
	var lb [ssLengthSize]byte
	for rest := p; len(rest) > 0; {
		n := min(len(rest), ssMaxPayload)
		binary.BigEndian.PutUint16(lb[:], uint16(n))
		out = c.enc.seal(out, lb[:])
		out = c.enc.seal(out, rest[:n])
		rest = rest[n:]
	}
	c.wbuf = out
	if _, err := c.Conn.Write(out); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *ssConn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	for len(c.plain) == 0 {
		if err := c.readChunk(); err != nil {
			return 0, err
		}
	}
	n := copy(p, c.plain)
	c.plain = c.plain[n:]
	return n, nil
}

// readChunk decrypts the next chunk into c.plain. The parsed length is
// kept across calls so a read deadline never loses stream position.
func (c *ssConn) readChunk() error {
	if c.dec == nil {
		size := c.cipher.KeySize()
		salt, err := c.in.need(size)
		if err != nil {
			return err
		}
		if c.dec, err = newSSCipher(c.cipher, c.master, salt); err != nil {
			return err
		}
		c.in.consume(size)
	}
	if c.pendingLen == ssNoPendingLen {
		b, err := c.in.need(ssLengthSize + crypto.TagSize)
		if err != nil {
			return err
		}
		var lb [ssLengthSize]byte
		l, err := c.dec.open(lb[:0], b)
		if err != nil {
			return err
		}
		c.pendingLen = int(binary.BigEndian.Uint16(l)) & ssMaxPayload
		c.in.consume(ssLengthSize + crypto.TagSize)
	}
	n := c.pendingLen + crypto.TagSize
	b, err := c.in.need(n)
	if err != nil {
		return err
	}
	if c.pbuf == nil {
		c.pbuf = make([]byte, 0, ssMaxPayload)
	}
	pt, err := c.dec.open(c.pbuf[:0], b)
	if err != nil {
		return fmt.Errorf("chunk of %d bytes: %w", c.pendingLen, err)
	}
	c.in.consume(n)
	c.pendingLen = ssNoPendingLen
	c.plain = pt
	return nil
}

// Zero wipes the keys. The connection must be closed first so a blocked
// Read releases its lock.
func (c *ssConn) Zero() {
	c.wmu.Lock()
	c.rmu.Lock()
	defer c.rmu.Unlock()
	defer c.wmu.Unlock()
	crypto.Zero(c.master)
	c.enc.zero()
	c.dec.zero()
}
