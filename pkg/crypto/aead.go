package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/irctrakz/vpncore/pkg/core"
	"golang.org/x/crypto/chacha20poly1305"
)

// TagSize is the authentication tag length of every AEAD used here.
const TagSize = 16

// NonceSize is the nonce length of every AEAD used here.
const NonceSize = 12

// Cipher selects an AEAD construction.
type Cipher int

const (
	ChaCha20Poly1305 Cipher = iota
	AES128GCM
	AES256GCM
)

func (c Cipher) String() string {
	switch c {
	case ChaCha20Poly1305:
		return "CHACHA20-POLY1305"
	case AES128GCM:
		return "AES-128-GCM"
	case AES256GCM:
		return "AES-256-GCM"
	}
	return fmt.Sprintf("cipher(%d)", int(c))
}

// KeySize returns the key length the cipher expects.
func (c Cipher) KeySize() int {
	if c == AES128GCM {
		return 16
	}
	return 32
}

// ParseCipher accepts OpenVPN and Shadowsocks style names.
func ParseCipher(name string) (Cipher, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "CHACHA20-POLY1305", "CHACHA20-IETF-POLY1305":
		return ChaCha20Poly1305, nil
	case "AES-128-GCM":
		return AES128GCM, nil
	case "AES-256-GCM":
		return AES256GCM, nil
	}
	return 0, fmt.Errorf("%w: cipher %q", core.ErrUnsupported, name)
}

// NewAEAD instantiates c with key.
func NewAEAD(c Cipher, key []byte) (cipher.AEAD, error) {
	if len(key) != c.KeySize() {
		return nil, fmt.Errorf("%w: %s needs %d bytes, got %d", ErrKeySize, c, c.KeySize(), len(key))
	}
	switch c {
	case ChaCha20Poly1305:
		return chacha20poly1305.New(key)
	case AES128GCM, AES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	}
	return nil, fmt.Errorf("%w: %s", core.ErrUnsupported, c)
}

// CounterNonce lays out a 64 bit counter as WireGuard does: four zero
// bytes followed by the little-endian counter.
func CounterNonce(counter uint64) []byte {
	nonce := make([]byte, NonceSize)
	binary.LittleEndian.PutUint64(nonce[4:], counter)
	return nonce
}

// Seal encrypts plaintext and returns ciphertext||tag.
func Seal(c Cipher, key, nonce, plaintext, aad []byte) ([]byte, error) {
	aead, err := NewAEAD(c, key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrNonceSize, len(nonce), aead.NonceSize())
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

// Open authenticates and decrypts ciphertext||tag. A bad tag yields an
// error wrapping core.ErrAuthentication.
func Open(c Cipher, key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := NewAEAD(c, key)
	if err != nil {
		return nil, err
	}
	return OpenWith(aead, nonce, ciphertext, aad)
}

// SealCounter is Seal with a CounterNonce.
func SealCounter(c Cipher, key []byte, counter uint64, plaintext, aad []byte) ([]byte, error) {
	return Seal(c, key, CounterNonce(counter), plaintext, aad)
}

// OpenCounter is Open with a CounterNonce.
func OpenCounter(c Cipher, key []byte, counter uint64, ciphertext, aad []byte) ([]byte, error) {
	return Open(c, key, CounterNonce(counter), ciphertext, aad)
}

// OpenWith opens using an existing AEAD instance, mapping failures onto
// the error taxonomy.
func OpenWith(aead cipher.AEAD, nonce, ciphertext, aad []byte) ([]byte, error) {
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrNonceSize, len(nonce), aead.NonceSize())
	}
	if len(ciphertext) < aead.Overhead() {
		return nil, &core.CryptoError{Op: "open", Err: fmt.Errorf("%w: ciphertext shorter than tag", core.ErrAuthentication)}
	}
	out, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, &core.CryptoError{Op: "open", Err: core.ErrAuthentication}
	}
	return out, nil
}
