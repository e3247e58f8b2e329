package v2ray

import (
	"github.com/irctrakz/vpncore/pkg/core"
)

// Codec carries IP packets unchanged. The protocol stream below the
// transport already encrypts (VMess, Shadowsocks) or relies on TLS
// (VLESS, Trojan), so frames are the packets themselves.
type Codec struct{}

func (Codec) Encode(dst, pkt []byte) ([]byte, error) {
	if len(pkt) == 0 {
		return nil, core.ErrNotData
	}
	return append(dst, pkt...), nil
}

// Decode trims the frame to the length the IP header declares.
func (Codec) Decode(dst, f []byte) ([]byte, error) {
	if len(f) == 0 {
		return nil, core.ErrNotData
	}
	n, err := core.PacketLength(f)
	if err != nil {
		return nil, &core.CryptoError{Op: "decode", Err: err}
	}
	return append(dst, f[:n]...), nil
}
