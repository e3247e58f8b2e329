package openvpn

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irctrakz/vpncore/pkg/core"
	"github.com/irctrakz/vpncore/pkg/crypto"
	"github.com/irctrakz/vpncore/pkg/logging"
	"github.com/irctrakz/vpncore/pkg/socket"
	"github.com/irctrakz/vpncore/pkg/tunnel"
)

// Session is one OpenVPN tunnel. The control channel always runs over
// TLS on TCP; data packets use UDP for proto udp and share the TLS stream
// for proto tcp.
type Session struct {
	cfg      Config
	ctrlConn *tls.Conn
	ctrl     *socket.StreamTransport
	udp      *socket.DatagramTransport
	codec    *Codec
	log      *logrus.Entry

	hsMu      sync.Mutex
	localSID  [sessionIDSize]byte
	remoteSID [sessionIDSize]byte
	hasRemote bool
	sendPID   uint32
	cipher    string

	lastHandshake atomic.Int64
	negotiations  atomic.Uint64
	closeOnce     sync.Once
}

// Dial connects the control channel and, for proto udp, the data socket.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	tlsConf, err := cfg.tlsConfig()
	if err != nil {
		return nil, err
	}
	ctrl, err := socket.DialTLS(ctx, cfg.Host, cfg.Port, tlsConf, cfg.Socket)
	if err != nil {
		return nil, err
	}
	var data net.Conn
	if cfg.Proto == "udp" {
		if data, err = socket.DialUDP(ctx, cfg.Host, cfg.Port, cfg.Socket); err != nil {
			ctrl.Close()
			return nil, err
		}
	}
	return NewSession(ctrl, data, cfg)
}

// NewSession runs OpenVPN over an established TLS control connection.
// data is the UDP data socket, nil for proto tcp.
func NewSession(ctrl *tls.Conn, data net.Conn, cfg Config) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if (cfg.Proto == "udp") != (data != nil) {
		return nil, core.NewConfigError("proto", fmt.Errorf("data socket does not match proto %s", cfg.Proto))
	}
	s := &Session{
		cfg:      cfg,
		ctrlConn: ctrl,
		ctrl:     socket.NewStreamTransport(ctrl, cfg.Socket.ReadTimeout),
		codec:    newCodec(cfg),
		cipher:   cfg.Cipher,
		log: logging.WithComponent("openvpn").WithFields(logrus.Fields{
			"server": ctrl.RemoteAddr().String(),
			"proto":  cfg.Proto,
		}),
	}
	if data != nil {
		s.udp = socket.NewDatagramTransport(data, cfg.Socket.ReadTimeout)
	}
	return s, nil
}

func (s *Session) Protocol() string { return "openvpn" }

// Transport carries data packets: the UDP socket or the shared TLS stream.
func (s *Session) Transport() tunnel.Transport {
	if s.udp != nil {
		return s.udp
	}
	return s.ctrl
}

func (s *Session) Codec() tunnel.Codec { return s.codec }

func (s *Session) KeepaliveInterval() time.Duration { return s.cfg.KeepaliveInterval }

func (s *Session) RekeyCheckInterval() time.Duration { return time.Second }

func (s *Session) OnRekeyNeeded(fn func()) { s.codec.needRekey = fn }

// NeedsRekey reports whether reneg-sec elapsed or packet ids run low.
func (s *Session) NeedsRekey() bool { return s.codec.needsRekey() }

// Cipher is the negotiated data channel cipher.
func (s *Session) Cipher() string {
	s.hsMu.Lock()
	defer s.hsMu.Unlock()
	return s.cipher
}

// Handshake resets the control session and negotiates the first data
// channel keys. The pump must not be running yet.
func (s *Session) Handshake(ctx context.Context) error {
	s.hsMu.Lock()
	defer s.hsMu.Unlock()

	deadline, stop := s.bound(ctx)
	defer stop()
	recv := func() (*controlPacket, error) { return s.readDirect(ctx, deadline) }

	err := s.hardReset(recv)
	if err == nil {
		err = s.negotiate(0, recv)
	}
	if err != nil {
		s.codec.clear()
		return handshakeError(err)
	}
	return nil
}

// Rekey renegotiates the data channel under the next key id while the
// pump keeps forwarding with the current keys. A call made while another
// negotiation is in flight returns immediately.
func (s *Session) Rekey(ctx context.Context) error {
	if !s.hsMu.TryLock() {
		return nil
	}
	defer s.hsMu.Unlock()

	cur, ok := s.codec.keyID()
	if !ok {
		return core.ErrNotConnected
	}
	next := nextKeyID(cur)

	deadline, stop := s.bound(ctx)
	defer stop()
	recv := func() (*controlPacket, error) { return s.readDirect(ctx, deadline) }
	if s.udp == nil {
		// the pump owns the stream; control messages come via the codec
		recv = func() (*controlPacket, error) { return s.readRouted(ctx, deadline) }
	}

	if err := s.sendControl(opControlSoftResetV1, next, nil); err != nil {
		return handshakeError(err)
	}
	if err := s.negotiate(next, recv); err != nil {
		return handshakeError(err)
	}
	return nil
}

// nextKeyID cycles 1..7; key id 0 only belongs to the first negotiation.
func nextKeyID(k byte) byte { return k%7 + 1 }

// bound returns the deadline of a negotiation and arms ctx cancellation
// on the control connection.
func (s *Session) bound(ctx context.Context) (time.Time, func()) {
	deadline := time.Now().Add(s.cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	stop := context.AfterFunc(ctx, func() { _ = s.ctrlConn.SetReadDeadline(time.Unix(1, 0)) })
	return deadline, func() { stop() }
}

func (s *Session) sendControl(op, keyID byte, payload []byte) error {
	p := controlPacket{opcode: op, keyID: keyID, sessionID: s.localSID, packetID: s.sendPID, payload: payload}
	s.sendPID++
	return s.ctrl.WriteFrame(p.marshal())
}

func (s *Session) sendAck(p *controlPacket) error {
	ack := controlPacket{opcode: opAckV1, keyID: p.keyID, sessionID: s.localSID, packetID: p.packetID, payload: s.remoteSID[:]}
	return s.ctrl.WriteFrame(ack.marshal())
}

// acceptControl parses and acknowledges one control message. ACKs yield
// a nil packet.
func (s *Session) acceptControl(b []byte) (*controlPacket, error) {
	p, err := parseControl(b)
	if err != nil {
		return nil, err
	}
	if p.opcode == opAckV1 {
		return nil, nil
	}
	if p.opcode == opControlHardResetServerV2 && !s.hasRemote {
		s.remoteSID, s.hasRemote = p.sessionID, true
	}
	if !s.hasRemote || p.sessionID != s.remoteSID {
		return nil, fmt.Errorf("%s from unknown session %x", opcodeName(p.opcode), p.sessionID)
	}
	if err := s.sendAck(p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Session) readDirect(ctx context.Context, deadline time.Time) (*controlPacket, error) {
	buf := make([]byte, socket.MaxFrameSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := s.ctrl.ReadFrameBefore(buf, deadline)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if socket.IsTimeout(err) {
				return nil, fmt.Errorf("no server response within %s", s.cfg.HandshakeTimeout)
			}
			return nil, fmt.Errorf("read control channel: %w", err)
		}
		p, err := s.acceptControl(buf[:n])
		if err != nil {
			return nil, err
		}
		if p != nil {
			return p, nil
		}
	}
}

func (s *Session) readRouted(ctx context.Context, deadline time.Time) (*controlPacket, error) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, fmt.Errorf("no server response within %s", s.cfg.HandshakeTimeout)
		case f := <-s.codec.control:
			p, err := s.acceptControl(f)
			if err != nil {
				s.log.Debugf("ignoring control message: %v", err)
				continue
			}
			if p != nil {
				return p, nil
			}
		}
	}
}

func (s *Session) hardReset(recv func() (*controlPacket, error)) error {
	sid, err := crypto.RandomBytes(sessionIDSize)
	if err != nil {
		return err
	}
	copy(s.localSID[:], sid)
	s.sendPID = 0
	s.hasRemote = false
	if err := s.sendControl(opControlHardResetClientV2, 0, nil); err != nil {
		return err
	}
	p, err := recv()
	if err != nil {
		return err
	}
	if p.opcode != opControlHardResetServerV2 {
		return fmt.Errorf("expected %s, got %s", opcodeName(opControlHardResetServerV2), opcodeName(p.opcode))
	}
	s.log.Debugf("control session %x established", s.remoteSID)
	return nil
}

// negotiate runs the key method 2 exchange for keyID and installs the
// resulting data channel keys.
func (s *Session) negotiate(keyID byte, recv func() (*controlPacket, error)) error {
	m := keyMessage{
		options:  clientOptions(&s.cfg),
		username: s.cfg.Username,
		password: s.cfg.Password,
	}
	r, err := crypto.RandomBytes(randomSize)
	if err != nil {
		return err
	}
	copy(m.random[:], r)
	crypto.Zero(r)
	defer crypto.Zero(m.random[:])

	msg := m.marshalClient()
	err = s.sendControl(opControlV1, keyID, msg)
	crypto.Zero(msg)
	if err != nil {
		return err
	}

	var p *controlPacket
	for {
		if p, err = recv(); err != nil {
			return err
		}
		if p.opcode == opControlV1 && p.keyID == keyID {
			break
		}
		s.log.Debugf("skipping %s for key id %d", opcodeName(p.opcode), p.keyID)
	}
	sm, err := parseServerKeyMessage(p.payload)
	if err != nil {
		return err
	}
	defer crypto.Zero(sm.random[:])

	cipherName := s.cipher
	if v := optionValue(sm.options, "cipher"); v != "" && v != cipherName {
		if !supportedCipher(v) {
			return fmt.Errorf("%w: server pushed cipher %s", core.ErrUnsupported, v)
		}
		cipherName = v
	}

	st := s.ctrlConn.ConnectionState()
	secret, err := st.ExportKeyingMaterial(ekmLabel, nil, ekmSize)
	if err != nil {
		return fmt.Errorf("export keying material: %w", err)
	}
	km := deriveKeyMaterial(secret, m.random, sm.random)
	crypto.Zero(secret)

	keys, err := newDataKeys(keyID, cipherName, km, s.cfg.ReplayWindow)
	if err != nil {
		km.Zero()
		return err
	}
	s.codec.install(keys, sm.peerID)
	s.cipher = cipherName
	s.lastHandshake.Store(time.Now().UnixNano())
	n := s.negotiations.Add(1)

	fields := logrus.Fields{"key_id": keyID, "cipher": cipherName}
	if sm.peerID != noPeerID {
		fields["peer_id"] = sm.peerID
	}
	s.log.WithFields(fields).Infof("data channel negotiation #%d complete", n)
	return nil
}

// Keepalive sends the OpenVPN ping through the data channel.
func (s *Session) Keepalive(p *tunnel.Pump) error {
	if _, ok := s.codec.keyID(); !ok {
		return core.ErrNotConnected
	}
	return p.SendControl(nil)
}

// LastHandshake returns the completion time of the latest negotiation.
func (s *Session) LastHandshake() time.Time {
	ns := s.lastHandshake.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Close zeroes the data channel keys and closes both connections. Safe to
// call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.codec.clear()
		// closing first unblocks a negotiation holding hsMu
		if s.udp != nil {
			if e := s.udp.Close(); e != nil && !errors.Is(e, net.ErrClosed) {
				err = e
			}
		}
		if e := s.ctrl.Close(); e != nil && !errors.Is(e, net.ErrClosed) && err == nil {
			err = e
		}
		s.hsMu.Lock()
		s.cfg.Zero()
		s.hsMu.Unlock()
	})
	return err
}

func handshakeError(err error) error {
	return core.NewHandshakeError("openvpn", err)
}
