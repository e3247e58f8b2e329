package core

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// MaxPacketSize is the largest IP packet the engine forwards.
const MaxPacketSize = 65535

var errShortPacket = errors.New("packet too short")

// IPVersion returns 4 or 6 for an IP packet, 0 for anything else.
func IPVersion(b []byte) int {
	if len(b) == 0 {
		return 0
	}
	switch b[0] >> 4 {
	case 4:
		return 4
	case 6:
		return 6
	}
	return 0
}

// PacketLength returns the length an IP packet declares in its header.
// Transport encodings that pad their plaintext use it to strip the
// padding again.
func PacketLength(b []byte) (int, error) {
	switch IPVersion(b) {
	case 4:
		if len(b) < ipv4.HeaderLen {
			return 0, errShortPacket
		}
		// The total length is read directly: ipv4.ParseHeader applies
		// raw-socket byte order quirks on some BSDs.
		n := int(binary.BigEndian.Uint16(b[2:4]))
		if n < ipv4.HeaderLen || n > len(b) {
			return 0, fmt.Errorf("invalid IPv4 total length %d (have %d)", n, len(b))
		}
		return n, nil
	case 6:
		h, err := ipv6.ParseHeader(b)
		if err != nil {
			return 0, err
		}
		n := ipv6.HeaderLen + h.PayloadLen
		if n > len(b) {
			return 0, fmt.Errorf("invalid IPv6 payload length %d (have %d)", h.PayloadLen, len(b))
		}
		return n, nil
	}
	return 0, fmt.Errorf("not an IP packet")
}

// DescribePacket renders "src -> dst proto=N len=N" for debug logs.
func DescribePacket(b []byte) string {
	switch IPVersion(b) {
	case 4:
		h, err := ipv4.ParseHeader(b)
		if err != nil {
			return fmt.Sprintf("ipv4 malformed len=%d", len(b))
		}
		return fmt.Sprintf("%s -> %s proto=%d len=%d", h.Src, h.Dst, h.Protocol, len(b))
	case 6:
		h, err := ipv6.ParseHeader(b)
		if err != nil {
			return fmt.Sprintf("ipv6 malformed len=%d", len(b))
		}
		return fmt.Sprintf("%s -> %s next=%d len=%d", h.Src, h.Dst, h.NextHeader, len(b))
	}
	return fmt.Sprintf("non-ip len=%d", len(b))
}

// MakeIPv4 builds a minimal IPv4 packet with the given protocol and
// payload. Used by tests and the keepalive probes.
func MakeIPv4(src, dst [4]byte, proto byte, payload []byte) []byte {
	total := ipv4.HeaderLen + len(payload)
	b := make([]byte, total)
	b[0] = 0x45
	binary.BigEndian.PutUint16(b[2:4], uint16(total))
	b[8] = 64
	b[9] = proto
	copy(b[12:16], src[:])
	copy(b[16:20], dst[:])
	var sum uint32
	for i := 0; i < ipv4.HeaderLen; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
	}
	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	binary.BigEndian.PutUint16(b[10:12], ^uint16(sum))
	copy(b[ipv4.HeaderLen:], payload)
	return b
}
