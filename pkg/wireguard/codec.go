package wireguard

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/irctrakz/vpncore/pkg/core"
	"github.com/irctrakz/vpncore/pkg/crypto"
	"github.com/irctrakz/vpncore/pkg/logging"
	"github.com/irctrakz/vpncore/pkg/replay"
	"github.com/irctrakz/vpncore/pkg/tunnel"
)

var errUnknownReceiver = errors.New("unknown receiver index")

// Codec is the transport data codec. It encrypts with the current keypair
// and decrypts with the current or the previous one, so packets in flight
// during a rekey are not lost. Handshake messages arriving on the data
// path are handed to the in-flight handshake.
type Codec struct {
	current  tunnel.KeySlot[*Keypair]
	previous atomic.Pointer[Keypair]

	mtu                int
	windowSize         int
	rekeyAfterMessages uint64
	rekeyAfterTime     time.Duration
	rejectAfterTime    time.Duration

	handshakes chan []byte
	needRekey  func()
	rekeyAsked atomic.Bool
}

func newCodec(cfg Config) *Codec {
	return &Codec{
		mtu:                cfg.MTU,
		windowSize:         cfg.ReplayWindow,
		rekeyAfterMessages: cfg.RekeyAfterMessages,
		rekeyAfterTime:     cfg.RekeyAfterTime,
		rejectAfterTime:    cfg.RejectAfterTime,
		handshakes:         make(chan []byte, 4),
	}
}

// install makes kp the sending keypair and keeps the old one for
// receiving. The keypair before that is zeroed.
func (c *Codec) install(kp *Keypair) {
	if c.windowSize > 0 {
		kp.replay = replay.NewWindow(c.windowSize)
	}
	old, ok := c.current.Swap(kp)
	if ok {
		if prev := c.previous.Swap(old); prev != nil {
			prev.Zero()
		}
	}
	c.rekeyAsked.Store(false)
}

// Current returns the sending keypair.
func (c *Codec) Current() (*Keypair, bool) { return c.current.Load() }

// clear zeroes every keypair.
func (c *Codec) clear() {
	c.current.Clear()
	if prev := c.previous.Swap(nil); prev != nil {
		prev.Zero()
	}
}

// needsRekey reports whether the sending keypair reached a rekey limit.
func (c *Codec) needsRekey() bool {
	kp, ok := c.current.Load()
	if !ok {
		return false
	}
	return kp.Age() >= c.rekeyAfterTime || kp.Sent() >= c.rekeyAfterMessages
}

func (c *Codec) askRekey() {
	if c.needRekey != nil && c.rekeyAsked.CompareAndSwap(false, true) {
		c.needRekey()
	}
}

func (c *Codec) paddedSize(n int) int {
	padded := (n + 15) &^ 15
	if c.mtu > 0 && padded > c.mtu && n <= c.mtu {
		return c.mtu
	}
	return padded
}

// Encode builds a type 4 transport message. An empty pkt is a keepalive.
func (c *Codec) Encode(dst, pkt []byte) ([]byte, error) {
	kp, ok := c.current.Load()
	if !ok {
		return nil, core.ErrNotConnected
	}
	if kp.Age() >= c.rejectAfterTime {
		c.askRekey()
		return nil, core.ErrKeyExhausted
	}
	counter := kp.sendCounter.Add(1) - 1
	if counter >= RejectAfterMessages {
		kp.sendCounter.Store(RejectAfterMessages)
		c.askRekey()
		return nil, core.ErrKeyExhausted
	}
	if counter+1 >= c.rekeyAfterMessages || kp.Age() >= c.rekeyAfterTime {
		c.askRekey()
	}

	var hdr [MessageTransportHeaderSize]byte
	hdr[0] = MessageTransportType
	binary.LittleEndian.PutUint32(hdr[4:8], kp.remoteIndex)
	binary.LittleEndian.PutUint64(hdr[8:16], counter)
	dst = append(dst, hdr[:]...)

	size := c.paddedSize(len(pkt))
	plain := make([]byte, size)
	copy(plain, pkt)
	return kp.send.Seal(dst, crypto.CounterNonce(counter), plain, nil), nil
}

// Decode opens a transport message. Handshake responses and cookie
// replies are routed to the pending rekey and reported as core.ErrNotData.
func (c *Codec) Decode(dst, frame []byte) ([]byte, error) {
	if len(frame) < 4 {
		return nil, &core.CryptoError{Op: "decode", Err: fmt.Errorf("runt frame of %d bytes", len(frame))}
	}
	switch frame[0] {
	case MessageTransportType:
	case MessageResponseType, MessageCookieReplyType:
		select {
		case c.handshakes <- append([]byte(nil), frame...):
		default:
			logging.Debugf("wireguard: no handshake waiting, dropping message type %d", frame[0])
		}
		return nil, core.ErrNotData
	default:
		return nil, &core.CryptoError{Op: "decode", Err: fmt.Errorf("unexpected message type %d", frame[0])}
	}
	if len(frame) < MessageTransportSize {
		return nil, &core.CryptoError{Op: "decode", Err: fmt.Errorf("short transport message of %d bytes", len(frame))}
	}

	receiver := binary.LittleEndian.Uint32(frame[4:8])
	counter := binary.LittleEndian.Uint64(frame[8:16])

	kp, ok := c.current.Load()
	if !ok || kp.localIndex != receiver {
		kp = c.previous.Load()
		if kp == nil || kp.localIndex != receiver {
			return nil, &core.CryptoError{Op: "decode", Err: errUnknownReceiver}
		}
	}
	if counter >= RejectAfterMessages || kp.Age() >= c.rejectAfterTime {
		return nil, &core.CryptoError{Op: "decode", Err: core.ErrKeyExhausted}
	}

	plain, err := crypto.OpenWith(kp.receive, crypto.CounterNonce(counter), frame[MessageTransportHeaderSize:], nil)
	if err != nil {
		return nil, err
	}
	// The window rejects 0, while WireGuard counters start at 0.
	if err := kp.replay.Validate(counter + 1); err != nil {
		return nil, &core.ReplayError{Counter: counter, Err: err}
	}
	if len(plain) == 0 {
		return nil, core.ErrNotData
	}
	n, err := core.PacketLength(plain)
	if err != nil {
		return nil, &core.CryptoError{Op: "decode", Err: err}
	}
	return append(dst, plain[:n]...), nil
}
