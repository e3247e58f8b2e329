package crypto

import (
	"crypto/hmac"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/hkdf"
)

// Hash computes BLAKE2s over the concatenation of parts. outLen is 32
// (optionally keyed) or 16 (keyed MAC mode, key required).
func Hash(outLen int, key []byte, parts ...[]byte) ([]byte, error) {
	var h hash.Hash
	var err error
	switch outLen {
	case blake2s.Size:
		h, err = blake2s.New256(key)
	case blake2s.Size128:
		if len(key) == 0 {
			return nil, fmt.Errorf("%w: 128 bit BLAKE2s requires a key", ErrKeySize)
		}
		h, err = blake2s.New128(key)
	default:
		return nil, fmt.Errorf("unsupported BLAKE2s output length %d", outLen)
	}
	if err != nil {
		return nil, err
	}
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil), nil
}

// Sum256 is the unkeyed 32 byte BLAKE2s of the concatenated parts.
func Sum256(parts ...[]byte) [blake2s.Size]byte {
	h, _ := blake2s.New256(nil)
	for _, p := range parts {
		h.Write(p)
	}
	var out [blake2s.Size]byte
	h.Sum(out[:0])
	return out
}

// MAC is keyed BLAKE2s-128 as used for WireGuard MAC1/MAC2.
func MAC(key []byte, parts ...[]byte) ([blake2s.Size128]byte, error) {
	var out [blake2s.Size128]byte
	sum, err := Hash(blake2s.Size128, key, parts...)
	if err != nil {
		return out, err
	}
	copy(out[:], sum)
	return out, nil
}

func newBlake2s() hash.Hash {
	h, _ := blake2s.New256(nil)
	return h
}

// HMAC computes HMAC-BLAKE2s.
func HMAC(key []byte, parts ...[]byte) [blake2s.Size]byte {
	mac := hmac.New(newBlake2s, key)
	for _, p := range parts {
		mac.Write(p)
	}
	var out [blake2s.Size]byte
	mac.Sum(out[:0])
	return out
}

// HKDF derives n (1 to 3) 32 byte outputs from chaining key ck and input
// key material ikm. With an empty info this is exactly the Noise
// KDF1/KDF2/KDF3 ladder: T1 = HMAC(PRK, 0x1), Ti = HMAC(PRK, Ti-1 || i).
func HKDF(ck, ikm []byte, n int) ([]Key, error) {
	if n < 1 || n > 3 {
		return nil, fmt.Errorf("hkdf: output count %d out of range 1..3", n)
	}
	r := hkdf.New(newBlake2s, ikm, ck, nil)
	out := make([]Key, n)
	for i := range out {
		if _, err := io.ReadFull(r, out[i][:]); err != nil {
			return nil, fmt.Errorf("hkdf expand: %w", err)
		}
	}
	return out, nil
}
