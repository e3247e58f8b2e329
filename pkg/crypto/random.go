package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
)

// RandomBytes returns n bytes from the system CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}

// Equal compares a and b in constant time.
func Equal(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Zero overwrites b. Go cannot guarantee that no copies of a secret exist
// elsewhere (AEAD instances keep their own expanded keys), so this only
// covers buffers the caller owns.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
