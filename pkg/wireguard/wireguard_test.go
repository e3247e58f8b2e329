package wireguard

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/irctrakz/vpncore/pkg/config"
	"github.com/irctrakz/vpncore/pkg/core"
	"github.com/irctrakz/vpncore/pkg/crypto"
	"github.com/irctrakz/vpncore/pkg/profile"
	"github.com/irctrakz/vpncore/pkg/socket"
	"github.com/irctrakz/vpncore/pkg/tun"
	"github.com/irctrakz/vpncore/pkg/tunnel"
)

type peerMode int

const (
	peerOK peerMode = iota
	peerShort
	peerCookie
	peerSilent
)

// peerKeys are the responder's view of one completed handshake.
type peerKeys struct {
	send, recv  crypto.Key
	localIndex  uint32
	remoteIndex uint32
}

func (k peerKeys) seal(counter uint64, pkt []byte) []byte {
	hdr := make([]byte, MessageTransportHeaderSize)
	hdr[0] = MessageTransportType
	binary.LittleEndian.PutUint32(hdr[4:8], k.remoteIndex)
	binary.LittleEndian.PutUint64(hdr[8:16], counter)
	plain := make([]byte, (len(pkt)+15)&^15)
	copy(plain, pkt)
	ct, err := crypto.SealCounter(crypto.ChaCha20Poly1305, k.send[:], counter, plain, nil)
	if err != nil {
		panic(err)
	}
	return append(hdr, ct...)
}

func (k peerKeys) open(frame []byte) ([]byte, error) {
	if len(frame) < MessageTransportSize || frame[0] != MessageTransportType {
		return nil, errors.New("not a transport message")
	}
	counter := binary.LittleEndian.Uint64(frame[8:16])
	return crypto.OpenCounter(crypto.ChaCha20Poly1305, k.recv[:], counter, frame[16:], nil)
}

// mockPeer is a WireGuard responder on a local UDP socket.
type mockPeer struct {
	t      *testing.T
	conn   net.PacketConn
	static *crypto.KeyPair
	psk    crypto.Key
	mode   peerMode
	data   chan []byte

	mu          sync.Mutex
	addr        net.Addr
	keys        []peerKeys
	initiations int
	cookie      [cookieSize]byte
	cookieSent  bool
}

func newMockPeer(t *testing.T, mode peerMode) *mockPeer {
	return newMockPeerPSK(t, mode, crypto.Key{})
}

func newMockPeerPSK(t *testing.T, mode peerMode, psk crypto.Key) *mockPeer {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	static, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	p := &mockPeer{t: t, conn: conn, static: static, psk: psk, mode: mode, data: make(chan []byte, 16)}
	t.Cleanup(func() { conn.Close() })
	go p.serve()
	return p
}

func (p *mockPeer) port() int { return p.conn.LocalAddr().(*net.UDPAddr).Port }

func (p *mockPeer) lastKeys() peerKeys {
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(p.t, p.keys)
	return p.keys[len(p.keys)-1]
}

func (p *mockPeer) sendTo(frame []byte) {
	p.mu.Lock()
	addr := p.addr
	p.mu.Unlock()
	_, err := p.conn.WriteTo(frame, addr)
	require.NoError(p.t, err)
}

func (p *mockPeer) serve() {
	buf := make([]byte, 2048)
	for {
		n, addr, err := p.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		msg := append([]byte(nil), buf[:n]...)
		p.mu.Lock()
		p.addr = addr
		p.mu.Unlock()
		if msg[0] == MessageInitiationType && n == MessageInitiationSize {
			if resp := p.handleInitiation(msg); resp != nil {
				p.conn.WriteTo(resp, addr)
			}
			continue
		}
		p.data <- msg
	}
}

func kdf(t *testing.T, ck crypto.Key, ikm []byte, n int) []crypto.Key {
	out, err := crypto.HKDF(ck[:], ikm, n)
	require.NoError(t, err)
	return out
}

func (p *mockPeer) handleInitiation(msg []byte) []byte {
	t := p.t
	p.mu.Lock()
	p.initiations++
	p.mu.Unlock()

	var ck, h crypto.Key = initialChainKey, initialHash
	h = crypto.Sum256(h[:], p.static.Public[:])
	ei := msg[8:40]
	ck = kdf(t, ck, ei, 1)[0]
	h = crypto.Sum256(h[:], ei)

	ss, err := crypto.X25519(p.static.Private[:], ei)
	require.NoError(t, err)
	out := kdf(t, ck, ss, 2)
	ck = out[0]
	static, err := crypto.OpenCounter(crypto.ChaCha20Poly1305, out[1][:], 0, msg[40:88], h[:])
	require.NoError(t, err, "initiator static")
	h = crypto.Sum256(h[:], msg[40:88])

	ss, err = crypto.X25519(p.static.Private[:], static)
	require.NoError(t, err)
	out = kdf(t, ck, ss, 2)
	ck = out[0]
	ts, err := crypto.OpenCounter(crypto.ChaCha20Poly1305, out[1][:], 0, msg[88:116], h[:])
	require.NoError(t, err, "initiator timestamp")
	assert.Len(t, ts, 12)
	h = crypto.Sum256(h[:], msg[88:116])

	mac1Key := crypto.Sum256([]byte(WGLabelMAC1), p.static.Public[:])
	mac1, err := crypto.MAC(mac1Key[:], msg[:116])
	require.NoError(t, err)
	assert.Equal(t, mac1[:], msg[116:132], "mac1")

	switch p.mode {
	case peerSilent:
		return nil
	case peerCookie:
		p.mu.Lock()
		sent := p.cookieSent
		p.cookieSent = true
		p.mu.Unlock()
		if !sent {
			return p.cookieReply(msg)
		}
		mac2, err := crypto.MAC(p.cookie[:], msg[:132])
		require.NoError(t, err)
		assert.Equal(t, mac2[:], msg[132:148], "mac2")
	}

	eph, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	idx, err := randomIndex()
	require.NoError(t, err)

	resp := make([]byte, MessageResponseSize)
	resp[0] = MessageResponseType
	binary.LittleEndian.PutUint32(resp[4:8], idx)
	copy(resp[8:12], msg[4:8])
	copy(resp[12:44], eph.Public[:])

	ck = kdf(t, ck, eph.Public[:], 1)[0]
	h = crypto.Sum256(h[:], eph.Public[:])
	ss, err = crypto.X25519(eph.Private[:], ei)
	require.NoError(t, err)
	ck = kdf(t, ck, ss, 1)[0]
	ss, err = crypto.X25519(eph.Private[:], static)
	require.NoError(t, err)
	ck = kdf(t, ck, ss, 1)[0]
	out = kdf(t, ck, p.psk[:], 3)
	ck = out[0]
	h = crypto.Sum256(h[:], out[1][:])
	empty, err := crypto.SealCounter(crypto.ChaCha20Poly1305, out[2][:], 0, nil, h[:])
	require.NoError(t, err)
	copy(resp[44:60], empty)

	respKey := crypto.Sum256([]byte(WGLabelMAC1), static)
	rmac, err := crypto.MAC(respKey[:], resp[:60])
	require.NoError(t, err)
	copy(resp[60:76], rmac[:])

	keys := kdf(t, ck, nil, 2)
	p.mu.Lock()
	p.keys = append(p.keys, peerKeys{
		recv:        keys[0],
		send:        keys[1],
		localIndex:  idx,
		remoteIndex: binary.LittleEndian.Uint32(msg[4:8]),
	})
	p.mu.Unlock()

	if p.mode == peerShort {
		return resp[:MessageResponseSize-10]
	}
	return resp
}

func (p *mockPeer) cookieReply(msg []byte) []byte {
	cookie, err := crypto.RandomBytes(cookieSize)
	require.NoError(p.t, err)
	copy(p.cookie[:], cookie)
	nonce, err := crypto.RandomBytes(chacha20poly1305.NonceSizeX)
	require.NoError(p.t, err)
	key := crypto.Sum256([]byte(WGLabelCookie), p.static.Public[:])
	aead, err := chacha20poly1305.NewX(key[:])
	require.NoError(p.t, err)

	reply := make([]byte, MessageCookieReplySize)
	reply[0] = MessageCookieReplyType
	copy(reply[4:8], msg[4:8])
	copy(reply[8:32], nonce)
	aead.Seal(reply[32:32], nonce, p.cookie[:], msg[116:132])
	return reply
}

func testConfig(t *testing.T, p *mockPeer) Config {
	client, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return Config{
		PrivateKey:       client.Private,
		PeerPublicKey:    p.static.Public,
		PresharedKey:     p.psk,
		Host:             "127.0.0.1",
		Port:             p.port(),
		MTU:              1420,
		HandshakeTimeout: 500 * time.Millisecond,
		Socket:           socket.Config{DialTimeout: time.Second, ReadTimeout: 100 * time.Millisecond},
	}
}

func dialAndHandshake(t *testing.T, p *mockPeer, cfg Config) (*Session, error) {
	t.Helper()
	s, err := Dial(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, s.Handshake(context.Background())
}

func ipPacket(tag byte, size int) []byte {
	return core.MakeIPv4([4]byte{10, 8, 0, 2}, [4]byte{1, 1, 1, tag}, 17, make([]byte, size))
}

func TestHandshake_Success(t *testing.T) {
	peer := newMockPeer(t, peerOK)
	s, err := dialAndHandshake(t, peer, testConfig(t, peer))
	require.NoError(t, err)

	kp, ok := s.codec.Current()
	require.True(t, ok)
	assert.False(t, kp.sendKey.IsZero())
	assert.False(t, kp.receiveKey.IsZero())
	assert.Equal(t, uint64(0), kp.replay.Highest())
	assert.False(t, s.LastHandshake().IsZero())

	pk := peer.lastKeys()
	assert.Equal(t, pk.recv, kp.sendKey)
	assert.Equal(t, pk.send, kp.receiveKey)
	assert.Equal(t, pk.localIndex, kp.remoteIndex)

	// outbound
	pkt := ipPacket(1, 21)
	frame, err := s.codec.Encode(nil, pkt)
	require.NoError(t, err)
	assert.Len(t, frame, MessageTransportHeaderSize+48+crypto.TagSize, "plaintext padded to 16 bytes")
	plain, err := pk.open(frame)
	require.NoError(t, err)
	assert.Equal(t, pkt, plain[:len(pkt)])

	// inbound, counter 0 first as real peers do
	in := pk.seal(0, pkt)
	got, err := s.codec.Decode(nil, in)
	require.NoError(t, err)
	assert.Equal(t, pkt, got, "padding trimmed")

	_, err = s.codec.Decode(nil, in)
	var re *core.ReplayError
	assert.True(t, errors.As(err, &re), "replayed frame must be rejected, got %v", err)

	_, err = s.codec.Decode(nil, pk.seal(1, nil))
	assert.ErrorIs(t, err, core.ErrNotData, "keepalive carries no packet")

	require.NoError(t, s.Close())
	assert.True(t, kp.sendKey.IsZero())
	assert.True(t, kp.receiveKey.IsZero())
	_, ok = s.codec.Current()
	assert.False(t, ok)
}

func TestHandshake_ShortResponseFails(t *testing.T) {
	peer := newMockPeer(t, peerShort)
	s, err := dialAndHandshake(t, peer, testConfig(t, peer))
	require.Error(t, err)
	assert.True(t, core.IsHandshakeError(err), "got %T: %v", err, err)
	_, ok := s.codec.Current()
	assert.False(t, ok, "no session keys may be retained")
}

func TestHandshake_TimeoutFails(t *testing.T) {
	peer := newMockPeer(t, peerSilent)
	cfg := testConfig(t, peer)
	cfg.HandshakeTimeout = 100 * time.Millisecond

	start := time.Now()
	_, err := dialAndHandshake(t, peer, cfg)
	require.Error(t, err)
	assert.True(t, core.IsHandshakeError(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestHandshake_CancelledContext(t *testing.T) {
	peer := newMockPeer(t, peerSilent)
	s, err := Dial(context.Background(), testConfig(t, peer))
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	err = s.Handshake(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHandshake_CookieReplyRetries(t *testing.T) {
	peer := newMockPeer(t, peerCookie)
	_, err := dialAndHandshake(t, peer, testConfig(t, peer))
	require.NoError(t, err)
	peer.mu.Lock()
	defer peer.mu.Unlock()
	assert.Equal(t, 2, peer.initiations)
}

func TestHandshake_PresharedKey(t *testing.T) {
	raw, err := crypto.RandomBytes(32)
	require.NoError(t, err)
	psk, err := crypto.KeyFromBytes(raw)
	require.NoError(t, err)
	peer := newMockPeerPSK(t, peerOK, psk)

	_, err = dialAndHandshake(t, peer, testConfig(t, peer))
	require.NoError(t, err)

	cfg := testConfig(t, peer)
	cfg.PresharedKey = crypto.Key{1}
	_, err = dialAndHandshake(t, peer, cfg)
	require.Error(t, err)
	assert.True(t, core.IsHandshakeError(err))
}

func TestRekeyThroughPump(t *testing.T) {
	peer := newMockPeer(t, peerOK)
	s, err := dialAndHandshake(t, peer, testConfig(t, peer))
	require.NoError(t, err)
	oldKeys := peer.lastKeys()
	old, _ := s.codec.Current()

	iface := tun.NewMockDevice("wg0", 1420)
	defer iface.Close()
	stats := &core.ConnectionStats{}
	pump := tunnel.NewPump(iface, s.Transport(), s.Codec(), stats, tunnel.Options{Name: "wg", StopGrace: 200 * time.Millisecond})
	pump.Start(context.Background())
	defer pump.Stop()

	require.NoError(t, s.Rekey(context.Background()))
	cur, _ := s.codec.Current()
	assert.NotSame(t, old, cur)
	assert.NotEqual(t, oldKeys.localIndex, peer.lastKeys().localIndex)
	assert.Equal(t, uint64(0), cur.replay.Highest(), "fresh replay window")

	// packets still in flight under the previous keys are accepted
	peer.sendTo(oldKeys.seal(0, ipPacket(2, 10)))
	peer.sendTo(peer.lastKeys().seal(0, ipPacket(3, 10)))
	got := iface.WaitForPackets(2, time.Second)
	require.Len(t, got, 2)
	assert.Equal(t, ipPacket(2, 10), got[0])
	assert.Equal(t, ipPacket(3, 10), got[1])

	require.NoError(t, s.Keepalive(pump))
	select {
	case frame := <-peer.data:
		assert.Len(t, frame, MessageKeepaliveSize)
		plain, err := peer.lastKeys().open(frame)
		require.NoError(t, err)
		assert.Empty(t, plain)
	case <-time.After(time.Second):
		t.Fatal("keepalive not received")
	}
	assert.Equal(t, uint64(0), stats.PacketsSent.Load())
}

func TestCodec_LimitsAndRouting(t *testing.T) {
	c := newCodec(Config{MTU: 1420, RekeyAfterTime: RekeyAfterTime, RejectAfterTime: RejectAfterTime, RekeyAfterMessages: 2})
	_, err := c.Encode(nil, ipPacket(1, 1))
	assert.ErrorIs(t, err, core.ErrNotConnected)

	kp, err := newKeypair(crypto.Key{1}, crypto.Key{2}, 7, 9)
	require.NoError(t, err)
	c.install(kp)

	var asked int
	c.needRekey = func() { asked++ }
	_, err = c.Encode(nil, ipPacket(1, 1))
	require.NoError(t, err)
	_, err = c.Encode(nil, ipPacket(1, 1))
	require.NoError(t, err)
	assert.True(t, c.needsRekey())
	assert.Equal(t, 1, asked)

	kp.sendCounter.Store(RejectAfterMessages)
	_, err = c.Encode(nil, ipPacket(1, 1))
	assert.ErrorIs(t, err, core.ErrKeyExhausted)
	assert.Equal(t, 1, asked, "rekey is requested once per keypair")

	unknown := make([]byte, MessageKeepaliveSize)
	unknown[0] = MessageTransportType
	binary.LittleEndian.PutUint32(unknown[4:8], 12345)
	_, err = c.Decode(nil, unknown)
	var ce *core.CryptoError
	assert.True(t, errors.As(err, &ce))

	resp := make([]byte, MessageResponseSize)
	resp[0] = MessageResponseType
	_, err = c.Decode(nil, resp)
	assert.ErrorIs(t, err, core.ErrNotData)
	select {
	case m := <-c.handshakes:
		assert.Equal(t, resp, m)
	default:
		t.Fatal("response not routed to the handshake")
	}
}

func TestPaddedSize(t *testing.T) {
	c := &Codec{mtu: 1420}
	assert.Equal(t, 0, c.paddedSize(0))
	assert.Equal(t, 32, c.paddedSize(20))
	assert.Equal(t, 1420, c.paddedSize(1419))
	assert.Equal(t, 1424, c.paddedSize(1421))
}

func TestNewConfigFromProfile(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	peer, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	p := &profile.WireGuardConfig{
		PrivateKey:          kp.Private,
		PeerPublicKey:       peer.Public,
		EndpointHost:        "vpn.example.com",
		EndpointPort:        51820,
		MTU:                 1380,
		PersistentKeepalive: 15,
	}
	cfg, err := NewConfig(p, config.DefaultConfig(), "", 0)
	require.NoError(t, err)
	assert.Equal(t, "vpn.example.com", cfg.Host)
	assert.Equal(t, 15*time.Second, cfg.KeepaliveInterval)
	assert.Equal(t, 5*time.Second, cfg.HandshakeTimeout)
	assert.Equal(t, RekeyAfterMessages, cfg.RekeyAfterMessages)
	assert.True(t, cfg.PresharedKey.IsZero())

	cfg, err = NewConfig(p, config.DefaultConfig(), "203.0.113.7", 443)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.7", cfg.Host)
	assert.Equal(t, 443, cfg.Port)

	p.EndpointHost = ""
	_, err = NewConfig(p, config.DefaultConfig(), "", 0)
	assert.True(t, core.IsConfigError(err))
}

func TestHandshakeAge(t *testing.T) {
	now := time.Now()
	assert.Equal(t, "never", handshakeAge(time.Time{}, now))
	assert.Equal(t, "5 seconds ago", handshakeAge(now.Add(-5*time.Second), now))
	assert.Equal(t, "3 minutes ago", handshakeAge(now.Add(-3*time.Minute), now))
	assert.Equal(t, "2 hours ago", handshakeAge(now.Add(-2*time.Hour), now))
}

func TestInitialHashMatchesWireGuard(t *testing.T) {
	// HASH(CONSTRUCTION) and HASH(HASH(CONSTRUCTION) || IDENTIFIER)
	ck := crypto.Sum256([]byte(NoiseConstruction))
	assert.Equal(t, ck, initialChainKey)
	assert.Equal(t, crypto.Sum256(ck[:], []byte(WGIdentifier)), initialHash)
}
