package v2ray

import (
	"crypto/aes"
	gocipher "crypto/cipher"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"
	"hash/crc32"
	"hash/fnv"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/irctrakz/vpncore/pkg/core"
	"github.com/irctrakz/vpncore/pkg/crypto"
)

const vmessUserMagic = "c48619fe-8f02-49e0-b9e9-edf763e17e21"

// VMess KDF labels.
const (
	kdfRoot              = "VMess AEAD KDF"
	kdfAuthID            = "AES Auth ID Encryption"
	kdfHeaderLenKey      = "VMess Header AEAD Key_Length"
	kdfHeaderLenNonce    = "VMess Header AEAD Nonce_Length"
	kdfHeaderKey         = "VMess Header AEAD Key"
	kdfHeaderNonce       = "VMess Header AEAD Nonce"
	kdfRespHeaderLenKey  = "AEAD Resp Header Len Key"
	kdfRespHeaderLenIV   = "AEAD Resp Header Len IV"
	kdfRespHeaderKey     = "AEAD Resp Header Key"
	kdfRespHeaderIV      = "AEAD Resp Header IV"
	vmessVersion         = 1
	vmessOptChunkStream  = 0x01
	vmessAuthIDSize      = 16
	vmessConnNonceSize   = 8
	vmessSealedLenSize   = 2 + crypto.TagSize
	vmessMaxChunkPayload = 8192
)

// Body security values carried in the request header.
const (
	secAES128GCM byte = 3
	secChaCha    byte = 4
	secNone      byte = 5
)

func parseSecurity(s string) (byte, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto", "aes-128-gcm":
		return secAES128GCM, nil
	case "chacha20-poly1305":
		return secChaCha, nil
	case "none":
		return secNone, nil
	}
	return 0, fmt.Errorf("%w: vmess security %q", core.ErrUnsupported, s)
}

type hmacCreator struct {
	parent *hmacCreator
	value  []byte
}

func (h *hmacCreator) create() hash.Hash {
	if h.parent == nil {
		return hmac.New(sha256.New, h.value)
	}
	return hmac.New(h.parent.create, h.value)
}

// vmessKDF nests one HMAC-SHA256 per path element around the root label.
func vmessKDF(key []byte, path ...[]byte) []byte {
	h := &hmacCreator{value: []byte(kdfRoot)}
	for _, p := range path {
		h = &hmacCreator{parent: h, value: p}
	}
	m := h.create()
	m.Write(key)
	return m.Sum(nil)
}

func vmessKDF16(key []byte, path ...[]byte) []byte { return vmessKDF(key, path...)[:16] }

func vmessCmdKey(id uuid.UUID) []byte {
	sum := md5.Sum(append(id[:], vmessUserMagic...))
	return sum[:]
}

// createAuthID encrypts time | random | crc32 under the user key.
func createAuthID(cmdKey []byte, now time.Time) ([vmessAuthIDSize]byte, error) {
	var plain, out [vmessAuthIDSize]byte
	binary.BigEndian.PutUint64(plain[:8], uint64(now.Unix()))
	r, err := crypto.RandomBytes(4)
	if err != nil {
		return out, err
	}
	copy(plain[8:12], r)
	binary.BigEndian.PutUint32(plain[12:], crc32.ChecksumIEEE(plain[:12]))
	block, err := aes.NewCipher(vmessKDF16(cmdKey, []byte(kdfAuthID)))
	if err != nil {
		return out, err
	}
	block.Encrypt(out[:], plain[:])
	return out, nil
}

// sealHeader produces authID | sealed length | nonce | sealed header.
func sealHeader(cmdKey, header []byte) ([]byte, error) {
	authID, err := createAuthID(cmdKey, time.Now())
	if err != nil {
		return nil, err
	}
	nonce, err := crypto.RandomBytes(vmessConnNonceSize)
	if err != nil {
		return nil, err
	}
	var lb [2]byte
	binary.BigEndian.PutUint16(lb[:], uint16(len(header)))
	encLen, err := crypto.Seal(crypto.AES128GCM,
		vmessKDF16(cmdKey, []byte(kdfHeaderLenKey), authID[:], nonce),
		vmessKDF(cmdKey, []byte(kdfHeaderLenNonce), authID[:], nonce)[:crypto.NonceSize],
		lb[:], authID[:])
	if err != nil {
		return nil, err
	}
	encHeader, err := crypto.Seal(crypto.AES128GCM,
		vmessKDF16(cmdKey, []byte(kdfHeaderKey), authID[:], nonce),
		vmessKDF(cmdKey, []byte(kdfHeaderNonce), authID[:], nonce)[:crypto.NonceSize],
		header, authID[:])
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, vmessAuthIDSize+len(encLen)+len(nonce)+len(encHeader))
	out = append(out, authID[:]...)
	out = append(out, encLen...)
	out = append(out, nonce...)
	return append(out, encHeader...), nil
}

// vmessBody is one direction of the chunk stream: a 16 bit size that
// includes the tag, then the sealed payload. The nonce is count | iv[2:12].
type vmessBody struct {
	aead  gocipher.AEAD // nil for security none
	iv    []byte
	count uint16
	nonce [crypto.NonceSize]byte
}

func newVMessBody(sec byte, key, iv []byte) (*vmessBody, error) {
	b := &vmessBody{iv: iv}
	var err error
	switch sec {
	case secAES128GCM:
		b.aead, err = crypto.NewAEAD(crypto.AES128GCM, key)
	case secChaCha:
		b.aead, err = crypto.NewAEAD(crypto.ChaCha20Poly1305, chachaBodyKey(key))
	case secNone:
	default:
		err = fmt.Errorf("%w: security %d", core.ErrUnsupported, sec)
	}
	return b, err
}

// chachaBodyKey stretches the 16 byte body key: MD5(k) | MD5(MD5(k)).
func chachaBodyKey(k []byte) []byte {
	a := md5.Sum(k)
	b := md5.Sum(a[:])
	return append(a[:], b[:]...)
}

func (b *vmessBody) overhead() int {
	if b.aead == nil {
		return 0
	}
	return b.aead.Overhead()
}

func (b *vmessBody) nextNonce() []byte {
	binary.BigEndian.PutUint16(b.nonce[:2], b.count)
	copy(b.nonce[2:], b.iv[2:crypto.NonceSize])
	b.count++
	return b.nonce[:]
}

func (b *vmessBody) seal(dst, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(payload)+b.overhead()))
	if b.aead == nil {
		return append(dst, payload...)
	}
	return b.aead.Seal(dst, b.nextNonce(), payload, nil)
}

func (b *vmessBody) open(dst, chunk []byte) ([]byte, error) {
	if b.aead == nil {
		return append(dst, chunk...), nil
	}
	out, err := b.aead.Open(dst, b.nextNonce(), chunk, nil)
	if err != nil {
		return nil, &core.CryptoError{Op: "vmess open", Err: core.ErrAuthentication}
	}
	return out, nil
}

// vmessConn is a VMess AEAD client stream.
type vmessConn struct {
	net.Conn
	sec     byte
	cmdKey  []byte
	reqKey  []byte
	reqIV   []byte
	respKey []byte
	respIV  []byte
	respV   byte

	wmu  sync.Mutex
	w    *vmessBody
	wbuf []byte

	rmu      sync.Mutex
	in       inbuf
	r        *vmessBody
	replyLen int
	gotReply bool
	pending  int
	plain    []byte
	pbuf     []byte
}

func newVMessConn(c net.Conn, id uuid.UUID, security string) (*vmessConn, error) {
	sec, err := parseSecurity(security)
	if err != nil {
		return nil, err
	}
	keys, err := crypto.RandomBytes(16 + 16 + 1)
	if err != nil {
		return nil, err
	}
	v := &vmessConn{
		Conn:     c,
		sec:      sec,
		cmdKey:   vmessCmdKey(id),
		reqKey:   keys[:16],
		reqIV:    keys[16:32],
		respV:    keys[32],
		in:       inbuf{r: c},
		replyLen: -1,
		pending:  -1,
	}
	rk := sha256.Sum256(v.reqKey)
	ri := sha256.Sum256(v.reqIV)
	v.respKey, v.respIV = rk[:16], ri[:16]
	if v.w, err = newVMessBody(sec, v.reqKey, v.reqIV); err != nil {
		return nil, err
	}
	if v.r, err = newVMessBody(sec, v.respKey, v.respIV); err != nil {
		return nil, err
	}
	return v, nil
}

// request builds the plaintext header: version | iv | key | respV |
// option | padding<<4|security | reserved | command | port | address |
// padding | FNV-1a.
func (c *vmessConn) request(dst destination) ([]byte, error) {
	pad, err := crypto.RandomBytes(1)
	if err != nil {
		return nil, err
	}
	padLen := int(pad[0] & 0x0F)
	b := make([]byte, 0, 1+16+16+4+1+2+1+256+padLen+4)
	b = append(b, vmessVersion)
	b = append(b, c.reqIV...)
	b = append(b, c.reqKey...)
	b = append(b, c.respV, vmessOptChunkStream, byte(padLen<<4)|c.sec, 0, cmdTCP)
	b = dst.appendPortAddr(b)
	if padLen > 0 {
		p, err := crypto.RandomBytes(padLen)
		if err != nil {
			return nil, err
		}
		b = append(b, p...)
	}
	f := fnv.New32a()
	f.Write(b)
	return f.Sum(b), nil
}

func (c *vmessConn) handshake(dst destination) error {
	hdr, err := c.request(dst)
	if err != nil {
		return err
	}
	sealed, err := sealHeader(c.cmdKey, hdr)
	crypto.Zero(hdr)
	if err != nil {
		return err
	}
	_, err = c.Conn.Write(sealed)
	return err
}

func (c *vmessConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	out := c.wbuf[:0]
	for rest := p; len(rest) > 0; {
		n := min(len(rest), vmessMaxChunkPayload)
		out = c.w.seal(out, rest[:n])
		rest = rest[n:]
	}
	c.wbuf = out
	if _, err := c.Conn.Write(out); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *vmessConn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	if !c.gotReply {
		if err := c.readReply(); err != nil {
			return 0, err
		}
	}
	for len(c.plain) == 0 {
		if err := c.readChunk(); err != nil {
			return 0, err
		}
	}
	n := copy(p, c.plain)
	c.plain = c.plain[n:]
	return n, nil
}

// readReply verifies the sealed response header. Progress survives read
// deadlines like the chunk reader.
func (c *vmessConn) readReply() error {
	if c.replyLen < 0 {
		b, err := c.in.need(vmessSealedLenSize)
		if err != nil {
			return err
		}
		l, err := crypto.Open(crypto.AES128GCM,
			vmessKDF16(c.respKey, []byte(kdfRespHeaderLenKey)),
			vmessKDF(c.respIV, []byte(kdfRespHeaderLenIV))[:crypto.NonceSize], b, nil)
		if err != nil {
			return &core.CryptoError{Op: "vmess response length", Err: err}
		}
		c.replyLen = int(binary.BigEndian.Uint16(l))
		c.in.consume(vmessSealedLenSize)
	}
	n := c.replyLen + crypto.TagSize
	b, err := c.in.need(n)
	if err != nil {
		return err
	}
	h, err := crypto.Open(crypto.AES128GCM,
		vmessKDF16(c.respKey, []byte(kdfRespHeaderKey)),
		vmessKDF(c.respIV, []byte(kdfRespHeaderIV))[:crypto.NonceSize], b, nil)
	if err != nil {
		return &core.CryptoError{Op: "vmess response header", Err: err}
	}
	if len(h) < 4 || h[0] != c.respV {
		return &core.CryptoError{Op: "vmess response header", Err: errBadHeader}
	}
	c.in.consume(n)
	c.gotReply = true
	return nil
}

func (c *vmessConn) readChunk() error {
	if c.pending < 0 {
		b, err := c.in.need(2)
		if err != nil {
			return err
		}
		size := int(binary.BigEndian.Uint16(b))
		if size < c.r.overhead() {
			return &core.CryptoError{Op: "vmess chunk", Err: fmt.Errorf("size %d below overhead", size)}
		}
		c.pending = size
		c.in.consume(2)
	}
	if c.pending == c.r.overhead() {
		// an empty chunk ends the stream
		return io.EOF
	}
	b, err := c.in.need(c.pending)
	if err != nil {
		return err
	}
	if c.pbuf == nil {
		c.pbuf = make([]byte, 0, 0xFFFF)
	}
	pt, err := c.r.open(c.pbuf[:0], b)
	if err != nil {
		return err
	}
	c.in.consume(c.pending)
	c.pending = -1
	c.plain = pt
	return nil
}

// Zero wipes the session keys. Close the connection first.
func (c *vmessConn) Zero() {
	c.wmu.Lock()
	c.rmu.Lock()
	defer c.rmu.Unlock()
	defer c.wmu.Unlock()
	for _, k := range [][]byte{c.cmdKey, c.reqKey, c.reqIV, c.respKey, c.respIV} {
		crypto.Zero(k)
	}
}
