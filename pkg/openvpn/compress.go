package openvpn

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pierrec/lz4"

	"github.com/irctrakz/vpncore/pkg/core"
	"github.com/irctrakz/vpncore/pkg/profile"
)

// Compression framing bytes.
const (
	noCompressByte  = 0xFA
	lz4CompressByte = 0x69
	lzoCompressByte = 0x66
)

var errLZO = errors.New("LZO compressed packet")

var lz4Tables = sync.Pool{New: func() any { return make([]int, 1<<16) }}

// frame prefixes pkt with the compression marker the profile asks for.
// LZ4 output is used only when it is smaller. LZO is never emitted.
func frame(c profile.Compression, pkt []byte) []byte {
	switch c {
	case profile.CompressNone:
		return pkt
	case profile.CompressLZ4:
		if out := compressLZ4(pkt); out != nil {
			return out
		}
	}
	out := make([]byte, 1+len(pkt))
	out[0] = noCompressByte
	copy(out[1:], pkt)
	return out
}

func compressLZ4(pkt []byte) []byte {
	if len(pkt) < 64 {
		return nil
	}
	ht := lz4Tables.Get().([]int)
	defer lz4Tables.Put(ht)
	out := make([]byte, 1+lz4.CompressBlockBound(len(pkt)))
	n, err := lz4.CompressBlock(pkt, out[1:], ht)
	if err != nil || n == 0 || n >= len(pkt) {
		return nil
	}
	out[0] = lz4CompressByte
	return out[:1+n]
}

// unframe strips the compression marker. LZO packets are rejected.
func unframe(c profile.Compression, payload []byte, maxSize int) ([]byte, error) {
	if c == profile.CompressNone {
		return payload, nil
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("missing compression byte")
	}
	switch payload[0] {
	case noCompressByte:
		return payload[1:], nil
	case lz4CompressByte:
		out := make([]byte, maxSize)
		n, err := lz4.UncompressBlock(payload[1:], out)
		if err != nil {
			return nil, fmt.Errorf("lz4: %w", err)
		}
		return out[:n], nil
	case lzoCompressByte:
		return nil, fmt.Errorf("%w: %w", core.ErrUnsupported, errLZO)
	}
	return nil, fmt.Errorf("unknown compression byte %#x", payload[0])
}
