// Package wireguard implements the client side of the WireGuard protocol:
// the Noise_IKpsk2 initiator handshake, cookie replies, and the transport
// data codec used by the tunnel pump.
package wireguard

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.zx2c4.com/wireguard/tai64n"

	"github.com/irctrakz/vpncore/pkg/core"
	"github.com/irctrakz/vpncore/pkg/crypto"
)

const (
	NoiseConstruction = "Noise_IKpsk2_25519_ChaChaPoly_BLAKE2s"
	WGIdentifier      = "WireGuard v1 zx2c4 Jason@zx2c4.com"
	WGLabelMAC1       = "mac1----"
	WGLabelCookie     = "cookie--"
)

// Message types and sizes.
const (
	MessageInitiationType  = 1
	MessageResponseType    = 2
	MessageCookieReplyType = 3
	MessageTransportType   = 4

	MessageInitiationSize      = 148
	MessageResponseSize        = 92
	MessageCookieReplySize     = 64
	MessageTransportHeaderSize = 16
	MessageTransportSize       = MessageTransportHeaderSize + crypto.TagSize
	MessageKeepaliveSize       = MessageTransportSize

	macSize    = blake2s.Size128
	cookieSize = blake2s.Size128
)

var (
	errInvalidResponse = errors.New("invalid handshake response")
	errInvalidCookie   = errors.New("invalid cookie reply")
)

// initial chaining key and hash, both fixed for the protocol.
var (
	initialChainKey [blake2s.Size]byte
	initialHash     [blake2s.Size]byte
)

func init() {
	initialChainKey = crypto.Sum256([]byte(NoiseConstruction))
	initialHash = crypto.Sum256(initialChainKey[:], []byte(WGIdentifier))
}

// handshake is the initiator state between sending an initiation and
// consuming the matching response.
type handshake struct {
	staticPriv  crypto.Key
	staticPub   crypto.Key
	peerPub     crypto.Key
	psk         crypto.Key
	ephemeral   *crypto.KeyPair
	chainKey    crypto.Key
	hash        crypto.Key
	localIndex  uint32
	lastMAC1    [macSize]byte
	created     time.Time
	initiation  []byte
	cookie      [cookieSize]byte
	cookieSetAt time.Time
}

func newHandshake(priv, peerPub, psk crypto.Key) (*handshake, error) {
	pub, err := crypto.DerivePublicKey(priv[:])
	if err != nil {
		return nil, err
	}
	h := &handshake{staticPriv: priv, peerPub: peerPub, psk: psk}
	copy(h.staticPub[:], pub)
	return h, nil
}

func (h *handshake) mixHash(data []byte) {
	h.hash = crypto.Sum256(h.hash[:], data)
}

func (h *handshake) mixKey(data []byte) error {
	out, err := crypto.HKDF(h.chainKey[:], data, 1)
	if err != nil {
		return err
	}
	h.chainKey = out[0]
	return nil
}

// createInitiation builds a fresh 148 byte initiation message.
func (h *handshake) createInitiation() ([]byte, error) {
	eph, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	idx, err := randomIndex()
	if err != nil {
		return nil, err
	}
	if h.ephemeral != nil {
		h.ephemeral.Zero()
	}
	h.ephemeral = eph
	h.localIndex = idx
	h.chainKey = initialChainKey
	h.hash = initialHash
	h.mixHash(h.peerPub[:])

	msg := make([]byte, MessageInitiationSize)
	msg[0] = MessageInitiationType
	binary.LittleEndian.PutUint32(msg[4:8], idx)
	copy(msg[8:40], eph.Public[:])

	if err := h.mixKey(eph.Public[:]); err != nil {
		return nil, err
	}
	h.mixHash(eph.Public[:])

	// encrypted static
	ss, err := crypto.X25519(eph.Private[:], h.peerPub[:])
	if err != nil {
		return nil, err
	}
	kdf, err := crypto.HKDF(h.chainKey[:], ss, 2)
	crypto.Zero(ss)
	if err != nil {
		return nil, err
	}
	h.chainKey = kdf[0]
	sealed, err := crypto.SealCounter(crypto.ChaCha20Poly1305, kdf[1][:], 0, h.staticPub[:], h.hash[:])
	kdf[1].Zero()
	if err != nil {
		return nil, err
	}
	copy(msg[40:88], sealed)
	h.mixHash(sealed)

	// encrypted timestamp
	ss, err = crypto.X25519(h.staticPriv[:], h.peerPub[:])
	if err != nil {
		return nil, err
	}
	kdf, err = crypto.HKDF(h.chainKey[:], ss, 2)
	crypto.Zero(ss)
	if err != nil {
		return nil, err
	}
	h.chainKey = kdf[0]
	ts := tai64n.Now()
	sealed, err = crypto.SealCounter(crypto.ChaCha20Poly1305, kdf[1][:], 0, ts[:], h.hash[:])
	kdf[1].Zero()
	if err != nil {
		return nil, err
	}
	copy(msg[88:116], sealed)
	h.mixHash(sealed)

	if err := h.addMACs(msg); err != nil {
		return nil, err
	}
	h.created = time.Now()
	h.initiation = msg
	return msg, nil
}

// addMACs fills mac1 and, when a fresh cookie is held, mac2.
func (h *handshake) addMACs(msg []byte) error {
	mac1Off := len(msg) - 2*macSize
	mac2Off := len(msg) - macSize

	key := crypto.Sum256([]byte(WGLabelMAC1), h.peerPub[:])
	mac1, err := crypto.MAC(key[:], msg[:mac1Off])
	if err != nil {
		return err
	}
	copy(msg[mac1Off:mac2Off], mac1[:])
	h.lastMAC1 = mac1

	if !h.cookieSetAt.IsZero() && time.Since(h.cookieSetAt) < cookieLifetime {
		mac2, err := crypto.MAC(h.cookie[:], msg[:mac2Off])
		if err != nil {
			return err
		}
		copy(msg[mac2Off:], mac2[:])
	} else {
		for i := mac2Off; i < len(msg); i++ {
			msg[i] = 0
		}
	}
	return nil
}

// consumeResponse verifies a response to the last initiation and derives
// the transport keypair.
func (h *handshake) consumeResponse(msg []byte) (*Keypair, error) {
	if len(msg) != MessageResponseSize {
		return nil, fmt.Errorf("%w: %d bytes, want %d", errInvalidResponse, len(msg), MessageResponseSize)
	}
	if msg[0] != MessageResponseType {
		return nil, fmt.Errorf("%w: message type %d", errInvalidResponse, msg[0])
	}
	if h.ephemeral == nil {
		return nil, fmt.Errorf("%w: no initiation in flight", errInvalidResponse)
	}
	remoteIndex := binary.LittleEndian.Uint32(msg[4:8])
	receiver := binary.LittleEndian.Uint32(msg[8:12])
	if receiver != h.localIndex {
		return nil, fmt.Errorf("%w: receiver index %d, want %d", errInvalidResponse, receiver, h.localIndex)
	}

	// mac1 is keyed with our own static public key
	key := crypto.Sum256([]byte(WGLabelMAC1), h.staticPub[:])
	mac1, err := crypto.MAC(key[:], msg[:MessageResponseSize-2*macSize])
	if err != nil {
		return nil, err
	}
	if !crypto.Equal(mac1[:], msg[MessageResponseSize-2*macSize:MessageResponseSize-macSize]) {
		return nil, fmt.Errorf("%w: bad mac1", errInvalidResponse)
	}

	// Work on copies so a bad response leaves the state intact for a
	// genuine one that may still arrive.
	chainKey, hash := h.chainKey, h.hash
	peerEph := msg[12:44]

	mix := func(data []byte) error {
		out, err := crypto.HKDF(chainKey[:], data, 1)
		if err != nil {
			return err
		}
		chainKey = out[0]
		return nil
	}

	if err := mix(peerEph); err != nil {
		return nil, err
	}
	hash = crypto.Sum256(hash[:], peerEph)

	ss, err := crypto.X25519(h.ephemeral.Private[:], peerEph)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidResponse, err)
	}
	err = mix(ss)
	crypto.Zero(ss)
	if err != nil {
		return nil, err
	}
	ss, err = crypto.X25519(h.staticPriv[:], peerEph)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidResponse, err)
	}
	err = mix(ss)
	crypto.Zero(ss)
	if err != nil {
		return nil, err
	}

	kdf, err := crypto.HKDF(chainKey[:], h.psk[:], 3)
	if err != nil {
		return nil, err
	}
	chainKey = kdf[0]
	hash = crypto.Sum256(hash[:], kdf[1][:])
	empty := msg[44:60]
	if _, err := crypto.OpenCounter(crypto.ChaCha20Poly1305, kdf[2][:], 0, empty, hash[:]); err != nil {
		kdf[1].Zero()
		kdf[2].Zero()
		return nil, fmt.Errorf("%w: %v", errInvalidResponse, err)
	}
	kdf[1].Zero()
	kdf[2].Zero()

	keys, err := crypto.HKDF(chainKey[:], nil, 2)
	if err != nil {
		return nil, err
	}
	chainKey.Zero()
	kp, err := newKeypair(keys[0], keys[1], h.localIndex, remoteIndex)
	keys[0].Zero()
	keys[1].Zero()
	if err != nil {
		return nil, err
	}
	h.finish()
	return kp, nil
}

// consumeCookieReply stores the cookie carried by a type 3 message.
func (h *handshake) consumeCookieReply(msg []byte) error {
	if len(msg) != MessageCookieReplySize || msg[0] != MessageCookieReplyType {
		return errInvalidCookie
	}
	if binary.LittleEndian.Uint32(msg[4:8]) != h.localIndex {
		return fmt.Errorf("%w: unknown receiver", errInvalidCookie)
	}
	key := crypto.Sum256([]byte(WGLabelCookie), h.peerPub[:])
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return err
	}
	cookie, err := crypto.OpenWith(aead, msg[8:32], msg[32:64], h.lastMAC1[:])
	if err != nil {
		return fmt.Errorf("%w: %v", errInvalidCookie, err)
	}
	copy(h.cookie[:], cookie)
	h.cookieSetAt = time.Now()
	return nil
}

// finish drops the ephemeral secret once a handshake is complete.
func (h *handshake) finish() {
	if h.ephemeral != nil {
		h.ephemeral.Zero()
		h.ephemeral = nil
	}
	h.chainKey.Zero()
	h.hash.Zero()
}

// Zero wipes every secret in the state.
func (h *handshake) Zero() {
	h.finish()
	h.staticPriv.Zero()
	h.psk.Zero()
	crypto.Zero(h.cookie[:])
}

func randomIndex() (uint32, error) {
	b, err := crypto.RandomBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func handshakeError(err error) error {
	return core.NewHandshakeError("wireguard", err)
}
