package crypto

import (
	"crypto/md5"
	"crypto/sha1"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// PasswordDerive stretches a password into keySize bytes the way
// Shadowsocks does (OpenSSL EVP_BytesToKey with MD5, one iteration, no
// salt): D1 = MD5(password), Di = MD5(Di-1 || password).
func PasswordDerive(password string, keySize int) []byte {
	var out, prev []byte
	for len(out) < keySize {
		h := md5.New()
		h.Write(prev)
		h.Write([]byte(password))
		prev = h.Sum(nil)
		out = append(out, prev...)
	}
	return out[:keySize]
}

// SubkeySHA1 derives a per-session key from a master key and salt with
// HKDF-SHA1, as used by the Shadowsocks AEAD construction.
func SubkeySHA1(master, salt []byte, info string) ([]byte, error) {
	out := make([]byte, len(master))
	r := hkdf.New(sha1.New, master, salt, []byte(info))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("hkdf-sha1: %w", err)
	}
	return out, nil
}
