package wireguard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irctrakz/vpncore/pkg/core"
	"github.com/irctrakz/vpncore/pkg/logging"
	"github.com/irctrakz/vpncore/pkg/socket"
	"github.com/irctrakz/vpncore/pkg/tunnel"
)

// Session is one WireGuard tunnel to a single peer over UDP.
type Session struct {
	cfg       Config
	conn      net.Conn
	transport *socket.DatagramTransport
	codec     *Codec
	log       *logrus.Entry

	hsMu          sync.Mutex
	hs            *handshake
	lastHandshake atomic.Int64
	handshakes    atomic.Uint64

	closeOnce sync.Once
}

// Dial opens the UDP socket to the peer. No packet is sent until
// Handshake.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	conn, err := socket.DialUDP(ctx, cfg.Host, cfg.Port, cfg.Socket)
	if err != nil {
		return nil, err
	}
	s, err := NewSession(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// NewSession runs WireGuard over an already connected datagram socket.
func NewSession(conn net.Conn, cfg Config) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	hs, err := newHandshake(cfg.PrivateKey, cfg.PeerPublicKey, cfg.PresharedKey)
	if err != nil {
		return nil, core.NewConfigError("PrivateKey", err)
	}
	s := &Session{
		cfg:       cfg,
		conn:      conn,
		transport: socket.NewDatagramTransport(conn, cfg.Socket.ReadTimeout),
		codec:     newCodec(cfg),
		hs:        hs,
		log: logging.WithComponent("wireguard").WithFields(logrus.Fields{
			"peer":     logging.ShortKey(cfg.PeerPublicKey.String()),
			"endpoint": conn.RemoteAddr().String(),
		}),
	}
	return s, nil
}

func (s *Session) Protocol() string { return "wireguard" }

func (s *Session) Transport() tunnel.Transport { return s.transport }

func (s *Session) Codec() tunnel.Codec { return s.codec }

// KeepaliveInterval is the persistent keepalive period, 0 when disabled.
func (s *Session) KeepaliveInterval() time.Duration { return s.cfg.KeepaliveInterval }

// RekeyCheckInterval is how often the owner should poll NeedsRekey.
func (s *Session) RekeyCheckInterval() time.Duration { return time.Second }

// OnRekeyNeeded registers a non-blocking callback invoked from the data
// path when the keys hit a limit between two polls.
func (s *Session) OnRekeyNeeded(fn func()) { s.codec.needRekey = fn }

// NeedsRekey reports whether the current keys reached RekeyAfterTime or
// RekeyAfterMessages.
func (s *Session) NeedsRekey() bool { return s.codec.needsRekey() }

// LastHandshake returns the completion time of the latest handshake.
func (s *Session) LastHandshake() time.Time {
	ns := s.lastHandshake.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Handshake performs the initial handshake. The pump must not be running:
// the response is read directly from the socket. It fails with a
// core.HandshakeError when no valid response arrives within
// HandshakeTimeout; no keys are kept in that case.
func (s *Session) Handshake(ctx context.Context) error {
	s.hsMu.Lock()
	defer s.hsMu.Unlock()

	deadline := time.Now().Add(s.cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	stop := context.AfterFunc(ctx, func() { _ = s.conn.SetReadDeadline(time.Unix(1, 0)) })
	defer stop()
	defer s.conn.SetReadDeadline(time.Time{})

	kp, err := s.initialExchange(ctx, deadline)
	if err != nil {
		s.hs.finish()
		s.codec.clear()
		return handshakeError(err)
	}
	s.complete(kp)
	return nil
}

func (s *Session) initialExchange(ctx context.Context, deadline time.Time) (*Keypair, error) {
	msg, err := s.hs.createInitiation()
	if err != nil {
		return nil, err
	}
	if _, err := s.conn.Write(msg); err != nil {
		return nil, fmt.Errorf("send initiation: %w", err)
	}
	s.log.Debugf("handshake initiation sent (sender %d)", s.hs.localIndex)

	cookieRetried := false
	buf := make([]byte, 2048)
	for {
		if err := s.conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		n, err := s.conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if socket.IsTimeout(err) {
				return nil, fmt.Errorf("no response within %s", s.cfg.HandshakeTimeout)
			}
			return nil, fmt.Errorf("read response: %w", err)
		}
		if n > 0 && buf[0] == MessageCookieReplyType && !cookieRetried {
			if err := s.hs.consumeCookieReply(buf[:n]); err != nil {
				return nil, err
			}
			cookieRetried = true
			s.log.Debugf("peer under load, retrying handshake with cookie")
			if msg, err = s.hs.createInitiation(); err != nil {
				return nil, err
			}
			if _, err := s.conn.Write(msg); err != nil {
				return nil, fmt.Errorf("send initiation: %w", err)
			}
			continue
		}
		return s.hs.consumeResponse(buf[:n])
	}
}

// Rekey runs a handshake while the pump is forwarding. The response comes
// back through the codec. Only one handshake runs at a time; a call made
// while another is in flight returns immediately.
func (s *Session) Rekey(ctx context.Context) error {
	if !s.hsMu.TryLock() {
		return nil
	}
	defer s.hsMu.Unlock()

	for drained := false; !drained; {
		select {
		case <-s.codec.handshakes:
		default:
			drained = true
		}
	}

	msg, err := s.hs.createInitiation()
	if err != nil {
		return handshakeError(err)
	}
	if err := s.transport.WriteFrame(msg); err != nil {
		return handshakeError(err)
	}
	s.log.Debugf("rekey initiation sent (sender %d)", s.hs.localIndex)

	timer := time.NewTimer(s.cfg.HandshakeTimeout)
	defer timer.Stop()
	cookieRetried := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return handshakeError(fmt.Errorf("no rekey response within %s", s.cfg.HandshakeTimeout))
		case m := <-s.codec.handshakes:
			if m[0] == MessageCookieReplyType {
				if cookieRetried {
					continue
				}
				if err := s.hs.consumeCookieReply(m); err != nil {
					s.log.Debugf("ignoring cookie reply: %v", err)
					continue
				}
				cookieRetried = true
				if msg, err = s.hs.createInitiation(); err != nil {
					return handshakeError(err)
				}
				if err := s.transport.WriteFrame(msg); err != nil {
					return handshakeError(err)
				}
				continue
			}
			kp, err := s.hs.consumeResponse(m)
			if err != nil {
				// A stale or forged response must not abort the rekey.
				s.log.Debugf("ignoring handshake response: %v", err)
				continue
			}
			s.complete(kp)
			return nil
		}
	}
}

func (s *Session) complete(kp *Keypair) {
	s.codec.install(kp)
	s.lastHandshake.Store(time.Now().UnixNano())
	n := s.handshakes.Add(1)
	s.log.WithFields(logrus.Fields{"local": kp.localIndex, "remote": kp.remoteIndex}).
		Infof("handshake #%d complete", n)
}

// Keepalive sends an empty transport message.
func (s *Session) Keepalive(p *tunnel.Pump) error {
	if _, ok := s.codec.Current(); !ok {
		return core.ErrNotConnected
	}
	return p.SendControl(nil)
}

// Close zeroes all key material and closes the socket. Safe to call more
// than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.hsMu.Lock()
		s.hs.Zero()
		s.hsMu.Unlock()
		s.codec.clear()
		s.cfg.Zero()
		err = s.transport.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	})
	return err
}
