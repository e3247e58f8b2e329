// Package crypto holds the primitives shared by the WireGuard, OpenVPN and
// V2Ray codecs. Functions return errors for malformed inputs instead of
// panicking; authentication failures wrap core.ErrAuthentication.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeySize is the size of X25519 keys and of every symmetric session key
// derived through HKDF.
const KeySize = 32

var (
	// ErrKeySize is returned for a key of the wrong length.
	ErrKeySize = errors.New("invalid key size")

	// ErrNonceSize is returned for a nonce of the wrong length.
	ErrNonceSize = errors.New("invalid nonce size")

	// ErrLowOrderPoint is returned when X25519 produces the all-zero output.
	ErrLowOrderPoint = errors.New("x25519 produced low-order result")
)

// Key is a 32 byte key. The zero value is the all-zero key.
type Key [KeySize]byte

// IsZero reports whether every byte of k is zero, in constant time.
func (k *Key) IsZero() bool {
	var zero Key
	return subtle.ConstantTimeCompare(k[:], zero[:]) == 1
}

// Zero overwrites the key.
func (k *Key) Zero() { Zero(k[:]) }

// String returns the standard base64 encoding.
func (k Key) String() string { return base64.StdEncoding.EncodeToString(k[:]) }

// KeyFromBytes copies a 32 byte slice into a Key.
func KeyFromBytes(b []byte) (Key, error) {
	var k Key
	if len(b) != KeySize {
		return k, fmt.Errorf("%w: got %d, want %d", ErrKeySize, len(b), KeySize)
	}
	copy(k[:], b)
	return k, nil
}

// ParseKey decodes a standard base64 32 byte key.
func ParseKey(s string) (Key, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Key{}, fmt.Errorf("invalid base64 key: %w", err)
	}
	defer Zero(b)
	return KeyFromBytes(b)
}

// KeyPair is an X25519 key pair.
type KeyPair struct {
	Private Key
	Public  Key
}

// Zero overwrites the private half.
func (kp *KeyPair) Zero() { kp.Private.Zero() }

// GenerateKeyPair creates a fresh clamped X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	var priv Key
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, fmt.Errorf("failed to read random key: %w", err)
	}
	clamp(&priv)
	return NewKeyPair(priv[:])
}

// NewKeyPair builds a key pair from an existing private key.
func NewKeyPair(private []byte) (*KeyPair, error) {
	priv, err := KeyFromBytes(private)
	if err != nil {
		return nil, err
	}
	pub, err := DerivePublicKey(priv[:])
	if err != nil {
		return nil, err
	}
	kp := &KeyPair{Private: priv}
	copy(kp.Public[:], pub)
	return kp, nil
}

// DerivePublicKey computes the X25519 public key for private.
func DerivePublicKey(private []byte) ([]byte, error) {
	if len(private) != KeySize {
		return nil, fmt.Errorf("%w: private key is %d bytes", ErrKeySize, len(private))
	}
	return curve25519.X25519(private, curve25519.Basepoint)
}

// X25519 computes the shared secret between private and peerPublic. An
// all-zero result (low-order peer point) is an error.
func X25519(private, peerPublic []byte) ([]byte, error) {
	if len(private) != KeySize || len(peerPublic) != KeySize {
		return nil, fmt.Errorf("%w: x25519 inputs must be %d bytes", ErrKeySize, KeySize)
	}
	out, err := curve25519.X25519(private, peerPublic)
	if err != nil {
		return nil, ErrLowOrderPoint
	}
	return out, nil
}

func clamp(k *Key) {
	k[0] &= 248
	k[31] = (k[31] & 127) | 64
}
