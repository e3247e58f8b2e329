package v2ray

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irctrakz/vpncore/pkg/core"
	"github.com/irctrakz/vpncore/pkg/logging"
	"github.com/irctrakz/vpncore/pkg/profile"
	"github.com/irctrakz/vpncore/pkg/socket"
	"github.com/irctrakz/vpncore/pkg/tunnel"
)

// maxMissedPongs mirrors the WebSocket keepalive limit.
const maxMissedPongs = 3

// protoConn is the protocol stream: a net.Conn that writes its request
// header on handshake and wipes its keys on Zero.
type protoConn interface {
	net.Conn
	handshake(dst destination) error
	Zero()
}

// Session is one V2Ray tunnel over a single stream connection.
type Session struct {
	cfg       Config
	dst       destination
	raw       net.Conn
	ws        *socket.WebSocketConn
	conn      protoConn
	transport *socket.StreamTransport
	log       *logrus.Entry

	lastHandshake atomic.Int64
	closeOnce     sync.Once
}

// Dial opens TCP, then TLS and WebSocket as configured.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	raw, ws, err := dial(ctx, &cfg)
	if err != nil {
		return nil, err
	}
	s, err := newSession(raw, ws, cfg)
	if err != nil {
		raw.Close()
		return nil, err
	}
	return s, nil
}

// NewSession runs the configured protocol over an established stream,
// for example a TLS connection the caller dialed itself.
func NewSession(conn net.Conn, cfg Config) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return newSession(conn, nil, cfg)
}

func newSession(raw net.Conn, ws *socket.WebSocketConn, cfg Config) (*Session, error) {
	dst, err := parseDestination(cfg.Destination)
	if err != nil {
		return nil, core.NewConfigError("tunnelDestination", err)
	}
	var pc protoConn
	switch cfg.Protocol {
	case profile.ProtocolVMess:
		pc, err = newVMessConn(raw, cfg.UUID, cfg.Security)
	case profile.ProtocolVLESS:
		pc = newVLESSConn(raw, cfg.UUID)
	case profile.ProtocolTrojan:
		pc = newTrojanConn(raw, cfg.Password)
	case profile.ProtocolShadowsocks:
		pc, err = newSSConn(raw, cfg.Method, cfg.Password)
	default:
		err = core.NewConfigError("protocol", core.ErrUnsupported)
	}
	if err != nil {
		return nil, err
	}
	s := &Session{
		cfg:       cfg,
		dst:       dst,
		raw:       raw,
		ws:        ws,
		conn:      pc,
		transport: socket.NewStreamTransport(pc, cfg.Socket.ReadTimeout),
		log: logging.WithComponent("v2ray").WithFields(logrus.Fields{
			"protocol":  cfg.Protocol.String(),
			"transport": cfg.Transport.String(),
			"server":    net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		}),
	}
	return s, nil
}

func (s *Session) Protocol() string { return "v2ray" }

func (s *Session) Transport() tunnel.Transport { return s.transport }

func (s *Session) Codec() tunnel.Codec { return Codec{} }

// KeepaliveInterval is the WebSocket ping period; plain TCP streams rely
// on TCP itself and return 0.
func (s *Session) KeepaliveInterval() time.Duration {
	if s.ws == nil {
		return 0
	}
	return s.cfg.PingInterval
}

// Stream protocols never rekey.
func (s *Session) RekeyCheckInterval() time.Duration { return 0 }
func (s *Session) OnRekeyNeeded(func())              {}
func (s *Session) NeedsRekey() bool                  { return false }
func (s *Session) Rekey(context.Context) error       { return nil }

// Handshake sends the protocol request header. None of the protocols
// answer before payload flows, so a rejected credential shows up as the
// server closing the stream.
func (s *Session) Handshake(ctx context.Context) error {
	deadline := time.Now().Add(s.cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := ctx.Err(); err != nil {
		return handshakeError(err)
	}
	_ = s.raw.SetWriteDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = s.raw.SetDeadline(time.Unix(1, 0)) })
	err := s.conn.handshake(s.dst)
	stopped := stop()
	_ = s.raw.SetWriteDeadline(time.Time{})
	if !stopped && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		return handshakeError(err)
	}
	s.lastHandshake.Store(time.Now().UnixNano())
	s.log.WithField("destination", s.cfg.Destination).Info("v2ray stream established")
	return nil
}

// Keepalive pings the WebSocket. It fails once too many pings went
// unanswered so the owner can tear the tunnel down.
func (s *Session) Keepalive(*tunnel.Pump) error {
	if s.ws == nil {
		return nil
	}
	if missed := s.ws.MissedPongs(); missed >= maxMissedPongs {
		return &core.IOError{Op: "websocket keepalive", Err: errors.New("pings unanswered")}
	}
	return s.ws.Ping()
}

// LastHandshake returns when the request header went out.
func (s *Session) LastHandshake() time.Time {
	ns := s.lastHandshake.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Close closes the stream and wipes the session keys. Safe to call more
// than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if e := s.raw.Close(); e != nil && !errors.Is(e, net.ErrClosed) {
			err = e
		}
		s.conn.Zero()
		s.cfg.Zero()
	})
	return err
}

func handshakeError(err error) error {
	return core.NewHandshakeError("v2ray", err)
}
