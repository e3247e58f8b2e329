package openvpn

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/irctrakz/vpncore/pkg/crypto"
)

const (
	keyMethod2   = 2
	randomSize   = 32
	keyMaterialN = 160

	ekmLabel       = "EXPORTER-OpenVPN-datakeys"
	ekmSize        = 32
	keyExpansion   = "OpenVPN key expansion"
	maxStringField = 2048
)

var errKeyMethod = errors.New("malformed key method 2 message")

// keyMessage is the key method 2 body of a P_CONTROL_V1 message. The
// client sends its random, options and credentials; the server answers
// with its random, the peer id and its options.
type keyMessage struct {
	random   [randomSize]byte
	peerID   uint32
	options  string
	username string
	password string
}

func putString(buf *bytes.Buffer, s string) {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(s)+1))
	buf.Write(l[:])
	buf.WriteString(s)
	buf.WriteByte(0)
}

func getString(b []byte) (string, []byte, error) {
	if len(b) < 2 {
		return "", nil, errKeyMethod
	}
	n := int(binary.BigEndian.Uint16(b))
	b = b[2:]
	if n == 0 {
		return "", b, nil
	}
	if n > len(b) || n > maxStringField || b[n-1] != 0 {
		return "", nil, errKeyMethod
	}
	return string(b[:n-1]), b[n:], nil
}

func (m *keyMessage) marshalClient() []byte {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0, keyMethod2})
	buf.Write(m.random[:])
	putString(&buf, m.options)
	putString(&buf, m.username)
	putString(&buf, m.password)
	return buf.Bytes()
}

func (m *keyMessage) marshalServer() []byte {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0, keyMethod2})
	buf.Write(m.random[:])
	var pid [4]byte
	binary.BigEndian.PutUint32(pid[:], m.peerID)
	buf.Write(pid[:])
	putString(&buf, m.options)
	return buf.Bytes()
}

func parseKeyHeader(b []byte) ([]byte, error) {
	if len(b) < 5+randomSize || !bytes.Equal(b[:4], []byte{0, 0, 0, 0}) {
		return nil, errKeyMethod
	}
	if b[4] != keyMethod2 {
		return nil, fmt.Errorf("%w: key method %d", errKeyMethod, b[4])
	}
	return b[5:], nil
}

func parseServerKeyMessage(b []byte) (*keyMessage, error) {
	b, err := parseKeyHeader(b)
	if err != nil {
		return nil, err
	}
	if len(b) < randomSize+4 {
		return nil, errKeyMethod
	}
	m := &keyMessage{}
	copy(m.random[:], b)
	m.peerID = binary.BigEndian.Uint32(b[randomSize:]) & noPeerID
	m.options, _, err = getString(b[randomSize+4:])
	return m, err
}

func parseClientKeyMessage(b []byte) (*keyMessage, error) {
	b, err := parseKeyHeader(b)
	if err != nil {
		return nil, err
	}
	m := &keyMessage{}
	copy(m.random[:], b)
	b = b[randomSize:]
	if m.options, b, err = getString(b); err != nil {
		return nil, err
	}
	if m.username, b, err = getString(b); err != nil {
		return nil, err
	}
	m.password, _, err = getString(b)
	return m, err
}

// optionValue returns the argument of name in a comma separated options
// string such as "V4,dev-type tun,cipher AES-256-GCM".
func optionValue(options, name string) string {
	for _, opt := range strings.Split(options, ",") {
		k, v, _ := strings.Cut(strings.TrimSpace(opt), " ")
		if k == name {
			return v
		}
	}
	return ""
}

func clientOptions(cfg *Config) string {
	proto := "UDPv4"
	if cfg.Proto == "tcp" {
		proto = "TCPv4_CLIENT"
	}
	opts := []string{"V4", "dev-type tun", "proto " + proto, "cipher " + cfg.Cipher}
	if isCBC(cfg.Cipher) {
		opts = append(opts, "auth SHA256")
	} else {
		opts = append(opts, "auth [null-digest]")
	}
	return strings.Join(append(opts, "key-method 2", "tls-client"), ",")
}

// prf is the TLS 1.2 P_SHA256 expansion of secret over label||seed.
func prf(secret []byte, label string, seed []byte, n int) []byte {
	ls := append([]byte(label), seed...)
	out := make([]byte, 0, n+sha256.Size)
	a := ls
	for len(out) < n {
		m := hmac.New(sha256.New, secret)
		m.Write(a)
		a = m.Sum(nil)
		m.Reset()
		m.Write(a)
		m.Write(ls)
		out = m.Sum(out)
	}
	return out[:n]
}

// keyMaterial is the data channel key block, named from the client side.
type keyMaterial struct {
	encrypt  [32]byte
	decrypt  [32]byte
	hmacSend [32]byte
	hmacRecv [32]byte
	ivSend   [16]byte
	ivRecv   [16]byte
}

func splitKeyMaterial(b []byte) *keyMaterial {
	km := &keyMaterial{}
	copy(km.encrypt[:], b[0:32])
	copy(km.decrypt[:], b[32:64])
	copy(km.hmacSend[:], b[64:96])
	copy(km.hmacRecv[:], b[96:128])
	copy(km.ivSend[:], b[128:144])
	copy(km.ivRecv[:], b[144:160])
	return km
}

// deriveKeyMaterial expands the exported TLS secret with both randoms.
func deriveKeyMaterial(secret []byte, clientRandom, serverRandom [randomSize]byte) *keyMaterial {
	seed := append(clientRandom[:], serverRandom[:]...)
	block := prf(secret, keyExpansion, seed, keyMaterialN)
	km := splitKeyMaterial(block)
	crypto.Zero(block)
	return km
}

// reverse returns the same keys seen from the server.
func (km *keyMaterial) reverse() *keyMaterial {
	return &keyMaterial{
		encrypt:  km.decrypt,
		decrypt:  km.encrypt,
		hmacSend: km.hmacRecv,
		hmacRecv: km.hmacSend,
		ivSend:   km.ivRecv,
		ivRecv:   km.ivSend,
	}
}

func (km *keyMaterial) Zero() {
	crypto.Zero(km.encrypt[:])
	crypto.Zero(km.decrypt[:])
	crypto.Zero(km.hmacSend[:])
	crypto.Zero(km.hmacRecv[:])
	crypto.Zero(km.ivSend[:])
	crypto.Zero(km.ivRecv[:])
}
