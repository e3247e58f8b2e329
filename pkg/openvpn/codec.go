package openvpn

import (
	"bytes"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/irctrakz/vpncore/pkg/core"
	"github.com/irctrakz/vpncore/pkg/logging"
	"github.com/irctrakz/vpncore/pkg/profile"
	"github.com/irctrakz/vpncore/pkg/replay"
	"github.com/irctrakz/vpncore/pkg/tunnel"
)

// pingMagic is the payload of an OpenVPN keepalive.
var pingMagic = []byte{
	0x2a, 0x18, 0x7b, 0xf3, 0x64, 0x1e, 0xb4, 0xcb,
	0x07, 0xed, 0x2d, 0x0a, 0x98, 0x1f, 0xc7, 0x48,
}

const (
	// renegotiate well before the 32 bit packet id wraps
	rekeyPacketID = 0xFF000000
	maxPacketID   = 0xFFFFFFFF
)

// dataKeys is one negotiated key slot of the data channel.
type dataKeys struct {
	keyID    byte
	cipher   dataCipher
	material *keyMaterial
	sendPID  atomic.Uint64
	replay   *replay.Window
	created  time.Time
}

func newDataKeys(keyID byte, cipherName string, km *keyMaterial, window int) (*dataKeys, error) {
	c, err := newDataCipher(cipherName, km)
	if err != nil {
		return nil, err
	}
	if window <= 0 {
		window = replay.DefaultWindowSize
	}
	return &dataKeys{
		keyID:    keyID,
		cipher:   c,
		material: km,
		replay:   replay.NewWindow(window),
		created:  time.Now(),
	}, nil
}

func (k *dataKeys) Zero() {
	k.material.Zero()
	if c, ok := k.cipher.(*cbcCipher); ok {
		c.zero()
	}
}

// Codec is the OpenVPN data channel. Control messages that show up on
// the data path (TCP mode shares one stream) go to the control channel.
type Codec struct {
	current  tunnel.KeySlot[*dataKeys]
	previous atomic.Pointer[dataKeys]
	peerID   atomic.Uint32

	compression      profile.Compression
	renegotiateAfter time.Duration
	windowSize       int

	control    chan []byte
	needRekey  func()
	rekeyAsked atomic.Bool
}

func newCodec(cfg Config) *Codec {
	c := &Codec{
		compression:      cfg.Compression,
		renegotiateAfter: cfg.RenegotiateAfter,
		windowSize:       cfg.ReplayWindow,
		control:          make(chan []byte, 8),
	}
	c.peerID.Store(noPeerID)
	return c
}

// install switches sending to k and keeps the old keys for late packets.
func (c *Codec) install(k *dataKeys, peerID uint32) {
	c.peerID.Store(peerID)
	old, ok := c.current.Swap(k)
	if ok {
		if prev := c.previous.Swap(old); prev != nil {
			prev.Zero()
		}
	}
	c.rekeyAsked.Store(false)
}

func (c *Codec) clear() {
	c.current.Clear()
	if prev := c.previous.Swap(nil); prev != nil {
		prev.Zero()
	}
}

func (c *Codec) keyID() (byte, bool) {
	k, ok := c.current.Load()
	if !ok {
		return 0, false
	}
	return k.keyID, true
}

func (c *Codec) needsRekey() bool {
	k, ok := c.current.Load()
	if !ok {
		return false
	}
	if c.renegotiateAfter > 0 && time.Since(k.created) >= c.renegotiateAfter {
		return true
	}
	return k.sendPID.Load() >= rekeyPacketID
}

func (c *Codec) askRekey() {
	if c.needRekey != nil && c.rekeyAsked.CompareAndSwap(false, true) {
		c.needRekey()
	}
}

// Encode frames pkt as a data packet. A nil pkt sends the ping magic.
func (c *Codec) Encode(dst, pkt []byte) ([]byte, error) {
	k, ok := c.current.Load()
	if !ok {
		return nil, core.ErrNotConnected
	}
	pid := k.sendPID.Add(1)
	if pid > maxPacketID {
		k.sendPID.Store(maxPacketID + 1)
		c.askRekey()
		return nil, core.ErrKeyExhausted
	}
	if pid >= rekeyPacketID {
		c.askRekey()
	}
	if pkt == nil {
		pkt = pingMagic
	}
	payload := frame(c.compression, pkt)
	return k.cipher.seal(dst, dataHeader(k.keyID, c.peerID.Load()), uint32(pid), payload)
}

// Decode opens a data packet.
func (c *Codec) Decode(dst, f []byte) ([]byte, error) {
	if len(f) < 1 {
		return nil, &core.CryptoError{Op: "decode", Err: fmt.Errorf("empty frame")}
	}
	op, keyID := f[0]>>3, f[0]&keyIDMask
	hlen := dataV1HeaderSize
	switch {
	case op == opDataV1:
	case op == opDataV2:
		hlen = dataV2HeaderSize
	case isControl(op):
		select {
		case c.control <- append([]byte(nil), f...):
		default:
			logging.Debugf("openvpn: control channel busy, dropping %s", opcodeName(op))
		}
		return nil, core.ErrNotData
	default:
		return nil, &core.CryptoError{Op: "decode", Err: fmt.Errorf("unexpected %s", opcodeName(op))}
	}
	if len(f) < hlen {
		return nil, &core.CryptoError{Op: "decode", Err: fmt.Errorf("short %s", opcodeName(op))}
	}

	k, ok := c.current.Load()
	if !ok || k.keyID != keyID {
		k = c.previous.Load()
		if k == nil || k.keyID != keyID {
			return nil, &core.CryptoError{Op: "decode", Err: fmt.Errorf("no keys for key id %d", keyID)}
		}
	}
	pid, payload, err := k.cipher.open(f[:hlen], f[hlen:])
	if err != nil {
		return nil, err
	}
	if err := k.replay.Validate(uint64(pid)); err != nil {
		return nil, &core.ReplayError{Counter: uint64(pid), Err: err}
	}
	pkt, err := unframe(c.compression, payload, core.MaxPacketSize)
	if err != nil {
		return nil, err
	}
	if len(pkt) == 0 || bytes.Equal(pkt, pingMagic) {
		return nil, core.ErrNotData
	}
	return append(dst, pkt...), nil
}
