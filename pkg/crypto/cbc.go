package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"

	"github.com/irctrakz/vpncore/pkg/core"
)

// CBCHMACOverhead is the per-packet overhead of SealCBC before padding.
const CBCHMACOverhead = sha256.Size + aes.BlockSize

// SealCBC encrypts plaintext with AES-CBC under encKey and authenticates
// IV||ciphertext with HMAC-SHA256 under macKey. Output layout is
// hmac[32] | iv[16] | ciphertext. iv must be fresh random for every call.
func SealCBC(encKey, macKey, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeySize, err)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("%w: CBC IV must be %d bytes", ErrNonceSize, aes.BlockSize)
	}
	pad := aes.BlockSize - len(plaintext)%aes.BlockSize
	out := make([]byte, CBCHMACOverhead+len(plaintext)+pad)
	body := out[sha256.Size:]
	copy(body, iv)
	ct := body[aes.BlockSize:]
	copy(ct, plaintext)
	for i := len(plaintext); i < len(ct); i++ {
		ct[i] = byte(pad)
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, ct)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(body)
	mac.Sum(out[:0])
	return out, nil
}

// OpenCBC verifies the HMAC before touching the ciphertext, then decrypts
// and strips PKCS#7 padding. Any failure is an authentication error so a
// padding oracle never becomes observable.
func OpenCBC(encKey, macKey, frame []byte) ([]byte, error) {
	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeySize, err)
	}
	fail := &core.CryptoError{Op: "open-cbc", Err: core.ErrAuthentication}
	if len(frame) < CBCHMACOverhead+aes.BlockSize {
		return nil, fail
	}
	body := frame[sha256.Size:]
	mac := hmac.New(sha256.New, macKey)
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), frame[:sha256.Size]) {
		return nil, fail
	}
	iv, ct := body[:aes.BlockSize], body[aes.BlockSize:]
	if len(ct)%aes.BlockSize != 0 {
		return nil, fail
	}
	pt := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(pt, ct)
	pad := int(pt[len(pt)-1])
	if pad == 0 || pad > aes.BlockSize {
		return nil, fail
	}
	for _, b := range pt[len(pt)-pad:] {
		if int(b) != pad {
			return nil, fail
		}
	}
	return pt[:len(pt)-pad], nil
}
