package wireguard

import (
	"crypto/cipher"
	"sync/atomic"
	"time"

	"github.com/irctrakz/vpncore/pkg/crypto"
	"github.com/irctrakz/vpncore/pkg/replay"
)

// Keypair is one set of transport keys produced by a handshake. The send
// counter and the replay window belong to the keypair, so installing a new
// one restarts both.
type Keypair struct {
	send        cipher.AEAD
	receive     cipher.AEAD
	sendKey     crypto.Key
	receiveKey  crypto.Key
	sendCounter atomic.Uint64
	replay      *replay.Window
	created     time.Time
	localIndex  uint32
	remoteIndex uint32
}

func newKeypair(sendKey, receiveKey crypto.Key, localIndex, remoteIndex uint32) (*Keypair, error) {
	send, err := crypto.NewAEAD(crypto.ChaCha20Poly1305, sendKey[:])
	if err != nil {
		return nil, err
	}
	recv, err := crypto.NewAEAD(crypto.ChaCha20Poly1305, receiveKey[:])
	if err != nil {
		return nil, err
	}
	return &Keypair{
		send:        send,
		receive:     recv,
		sendKey:     sendKey,
		receiveKey:  receiveKey,
		replay:      replay.NewWindow(replay.DefaultWindowSize),
		created:     time.Now(),
		localIndex:  localIndex,
		remoteIndex: remoteIndex,
	}, nil
}

// Age returns the time since the handshake that produced the keypair.
func (kp *Keypair) Age() time.Duration { return time.Since(kp.created) }

// Sent returns the number of messages sent with the keypair.
func (kp *Keypair) Sent() uint64 { return kp.sendCounter.Load() }

// LocalIndex is the index the peer addresses us by.
func (kp *Keypair) LocalIndex() uint32 { return kp.localIndex }

// Zero wipes the raw key bytes. The AEAD instances keep private copies,
// so a pump iteration that already loaded the keypair finishes safely.
func (kp *Keypair) Zero() {
	kp.sendKey.Zero()
	kp.receiveKey.Zero()
}
