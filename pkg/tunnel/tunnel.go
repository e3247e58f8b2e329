// Package tunnel runs the packet pump between a virtual interface and an
// encrypted transport, and holds the session key slot shared by the pump
// and the rekey task.
package tunnel

import (
	"sync"
	"sync/atomic"
)

// Codec turns plaintext IP packets into wire frames and back. It is the
// only protocol specific part of the pump.
type Codec interface {
	// Encode seals pkt and appends the resulting frame to dst.
	Encode(dst, pkt []byte) ([]byte, error)

	// Decode opens frame and appends the plaintext packet to dst. Frames
	// that carry no packet (keepalives, control messages) return
	// core.ErrNotData; authentication and replay failures return
	// core.CryptoError and core.ReplayError.
	Decode(dst, frame []byte) ([]byte, error)
}

// Transport is a connected message channel to the server.
type Transport interface {
	ReadFrame(buf []byte) (int, error)
	WriteFrame(frame []byte) error
	Close() error
}

// Zeroer is implemented by key material that can wipe itself.
type Zeroer interface {
	Zero()
}

type keyHolder[K Zeroer] struct{ k K }

// KeySlot holds the live session keys. It has one writer (handshake and
// rekey) and any number of readers (the pump loops). Readers always see
// a complete key set: Load returns either the old or the new value.
type KeySlot[K Zeroer] struct {
	wmu sync.Mutex
	p   atomic.Pointer[keyHolder[K]]
}

// Load returns the current keys.
func (s *KeySlot[K]) Load() (K, bool) {
	h := s.p.Load()
	if h == nil {
		var zero K
		return zero, false
	}
	return h.k, true
}

// Swap installs k and returns the previous keys without zeroing them.
// Used when the previous keys must stay usable for a while (WireGuard
// keeps the last keypair for receiving during a rekey).
func (s *KeySlot[K]) Swap(k K) (K, bool) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	old := s.p.Swap(&keyHolder[K]{k: k})
	if old == nil {
		var zero K
		return zero, false
	}
	return old.k, true
}

// Replace installs k and zeroes the previous keys.
func (s *KeySlot[K]) Replace(k K) {
	if old, ok := s.Swap(k); ok {
		old.Zero()
	}
}

// Clear empties the slot and zeroes the keys it held.
func (s *KeySlot[K]) Clear() {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if old := s.p.Swap(nil); old != nil {
		old.k.Zero()
	}
}
