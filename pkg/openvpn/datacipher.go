package openvpn

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/irctrakz/vpncore/pkg/core"
	"github.com/irctrakz/vpncore/pkg/crypto"
)

// dataCipher protects one direction pair of the data channel.
type dataCipher interface {
	// seal appends header, the protected packet id and payload to dst.
	seal(dst, header []byte, pid uint32, payload []byte) ([]byte, error)
	// open authenticates body and returns the packet id and plaintext.
	open(header, body []byte) (uint32, []byte, error)
}

func supportedCipher(name string) bool {
	switch strings.ToUpper(name) {
	case "AES-256-GCM", "AES-128-GCM", "CHACHA20-POLY1305", "AES-256-CBC", "AES-128-CBC":
		return true
	}
	return false
}

func newDataCipher(name string, km *keyMaterial) (dataCipher, error) {
	switch strings.ToUpper(name) {
	case "AES-256-CBC":
		return newCBCCipher(km, 32), nil
	case "AES-128-CBC":
		return newCBCCipher(km, 16), nil
	}
	c, err := crypto.ParseCipher(name)
	if err != nil {
		return nil, err
	}
	ks := c.KeySize()
	send, err := crypto.NewAEAD(c, km.encrypt[:ks])
	if err != nil {
		return nil, err
	}
	recv, err := crypto.NewAEAD(c, km.decrypt[:ks])
	if err != nil {
		return nil, err
	}
	a := &aeadCipher{send: send, recv: recv}
	copy(a.sendIV[:], km.ivSend[:8])
	copy(a.recvIV[:], km.ivRecv[:8])
	return a, nil
}

// aeadCipher lays a packet out as header | packet id | tag | ciphertext.
// The nonce is packet id || implicit IV and the header plus packet id are
// authenticated.
type aeadCipher struct {
	send, recv     cipher.AEAD
	sendIV, recvIV [8]byte
}

func aeadNonce(pid []byte, iv [8]byte) []byte {
	n := make([]byte, 0, crypto.NonceSize)
	n = append(n, pid...)
	return append(n, iv[:]...)
}

func (a *aeadCipher) seal(dst, header []byte, pid uint32, payload []byte) ([]byte, error) {
	start := len(dst)
	dst = append(dst, header...)
	dst = binary.BigEndian.AppendUint32(dst, pid)
	ad := dst[start:]
	ct := a.send.Seal(nil, aeadNonce(ad[len(header):], a.sendIV), payload, ad)
	tag := ct[len(ct)-crypto.TagSize:]
	dst = append(dst, tag...)
	return append(dst, ct[:len(ct)-crypto.TagSize]...), nil
}

func (a *aeadCipher) open(header, body []byte) (uint32, []byte, error) {
	if len(body) < packetIDSize+crypto.TagSize {
		return 0, nil, &core.CryptoError{Op: "open", Err: fmt.Errorf("%w: short data packet", core.ErrAuthentication)}
	}
	pidBytes := body[:packetIDSize]
	tag := body[packetIDSize : packetIDSize+crypto.TagSize]
	ct := make([]byte, 0, len(body)-packetIDSize)
	ct = append(ct, body[packetIDSize+crypto.TagSize:]...)
	ct = append(ct, tag...)
	ad := append(append([]byte(nil), header...), pidBytes...)
	plain, err := crypto.OpenWith(a.recv, aeadNonce(pidBytes, a.recvIV), ct, ad)
	if err != nil {
		return 0, nil, err
	}
	return binary.BigEndian.Uint32(pidBytes), plain, nil
}

// cbcCipher lays a packet out as header | hmac | iv | CBC(packet id || payload).
type cbcCipher struct {
	encKey, decKey     []byte
	hmacSend, hmacRecv []byte
}

func newCBCCipher(km *keyMaterial, keySize int) *cbcCipher {
	return &cbcCipher{
		encKey:   append([]byte(nil), km.encrypt[:keySize]...),
		decKey:   append([]byte(nil), km.decrypt[:keySize]...),
		hmacSend: append([]byte(nil), km.hmacSend[:]...),
		hmacRecv: append([]byte(nil), km.hmacRecv[:]...),
	}
}

func (c *cbcCipher) seal(dst, header []byte, pid uint32, payload []byte) ([]byte, error) {
	iv, err := crypto.RandomBytes(aes.BlockSize)
	if err != nil {
		return nil, err
	}
	plain := make([]byte, packetIDSize+len(payload))
	binary.BigEndian.PutUint32(plain, pid)
	copy(plain[packetIDSize:], payload)
	out, err := crypto.SealCBC(c.encKey, c.hmacSend, iv, plain)
	if err != nil {
		return nil, err
	}
	dst = append(dst, header...)
	return append(dst, out...), nil
}

func (c *cbcCipher) open(_, body []byte) (uint32, []byte, error) {
	plain, err := crypto.OpenCBC(c.decKey, c.hmacRecv, body)
	if err != nil {
		return 0, nil, err
	}
	if len(plain) < packetIDSize {
		return 0, nil, &core.CryptoError{Op: "open-cbc", Err: core.ErrAuthentication}
	}
	return binary.BigEndian.Uint32(plain), plain[packetIDSize:], nil
}

// zero wipes the CBC keys. AEAD instances keep private key schedules and
// are dropped with the keys that own them.
func (c *cbcCipher) zero() {
	crypto.Zero(c.encKey)
	crypto.Zero(c.decKey)
	crypto.Zero(c.hmacSend)
	crypto.Zero(c.hmacRecv)
}
