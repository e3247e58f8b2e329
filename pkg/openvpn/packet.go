// Package openvpn implements an OpenVPN client: a TLS control channel that
// negotiates data channel keys with key method 2, and the data channel
// codec (AEAD or CBC+HMAC, optional compression, packet id replay window).
package openvpn

import (
	"encoding/binary"
	"fmt"

	"github.com/irctrakz/vpncore/pkg/core"
)

// Opcodes, carried in the high five bits of the first byte.
const (
	opControlSoftResetV1       = 3
	opControlV1                = 4
	opAckV1                    = 5
	opDataV1                   = 6
	opControlHardResetClientV2 = 7
	opControlHardResetServerV2 = 8
	opDataV2                   = 9
)

const (
	keyIDMask = 0x07

	sessionIDSize = 8
	packetIDSize  = 4

	controlHeaderSize = 1 + sessionIDSize + packetIDSize
	dataV1HeaderSize  = 1
	dataV2HeaderSize  = 4

	// noPeerID is the peer id value meaning "use P_DATA_V1".
	noPeerID = 0xFFFFFF
)

func opcodeName(op byte) string {
	switch op {
	case opControlSoftResetV1:
		return "P_CONTROL_SOFT_RESET_V1"
	case opControlV1:
		return "P_CONTROL_V1"
	case opAckV1:
		return "P_ACK_V1"
	case opDataV1:
		return "P_DATA_V1"
	case opControlHardResetClientV2:
		return "P_CONTROL_HARD_RESET_CLIENT_V2"
	case opControlHardResetServerV2:
		return "P_CONTROL_HARD_RESET_SERVER_V2"
	case opDataV2:
		return "P_DATA_V2"
	}
	return fmt.Sprintf("opcode(%d)", op)
}

func isControl(op byte) bool {
	switch op {
	case opControlSoftResetV1, opControlV1, opAckV1, opControlHardResetClientV2, opControlHardResetServerV2:
		return true
	}
	return false
}

// controlPacket is one control channel message:
// opcode<<3|keyID | session id | packet id | payload.
type controlPacket struct {
	opcode    byte
	keyID     byte
	sessionID [sessionIDSize]byte
	packetID  uint32
	payload   []byte
}

func (p *controlPacket) marshal() []byte {
	out := make([]byte, controlHeaderSize+len(p.payload))
	out[0] = p.opcode<<3 | p.keyID&keyIDMask
	copy(out[1:9], p.sessionID[:])
	binary.BigEndian.PutUint32(out[9:13], p.packetID)
	copy(out[controlHeaderSize:], p.payload)
	return out
}

func parseControl(b []byte) (*controlPacket, error) {
	if len(b) < controlHeaderSize {
		return nil, fmt.Errorf("control packet of %d bytes", len(b))
	}
	p := &controlPacket{
		opcode:   b[0] >> 3,
		keyID:    b[0] & keyIDMask,
		packetID: binary.BigEndian.Uint32(b[9:13]),
		payload:  append([]byte(nil), b[controlHeaderSize:]...),
	}
	if !isControl(p.opcode) {
		return nil, fmt.Errorf("%w: %s on control channel", core.ErrUnsupported, opcodeName(p.opcode))
	}
	copy(p.sessionID[:], b[1:9])
	return p, nil
}

// dataHeader builds the P_DATA_V1 or, with a peer id, P_DATA_V2 header.
func dataHeader(keyID byte, peerID uint32) []byte {
	if peerID == noPeerID {
		return []byte{opDataV1<<3 | keyID&keyIDMask}
	}
	h := make([]byte, dataV2HeaderSize)
	binary.BigEndian.PutUint32(h, peerID)
	h[0] = opDataV2<<3 | keyID&keyIDMask
	return h
}
