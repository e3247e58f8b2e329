package v2ray

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	"hash/crc32"
	"hash/fnv"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irctrakz/vpncore/pkg/config"
	"github.com/irctrakz/vpncore/pkg/core"
	"github.com/irctrakz/vpncore/pkg/crypto"
	"github.com/irctrakz/vpncore/pkg/profile"
	"github.com/irctrakz/vpncore/pkg/socket"
	"github.com/irctrakz/vpncore/pkg/tun"
	"github.com/irctrakz/vpncore/pkg/tunnel"
)

var testUUID = uuid.MustParse("b831381d-6324-4d53-ad4f-8cda48b30811")

const testDestination = "10.1.2.3:443"

func testCertificate(t *testing.T) (*x509.CertPool, tls.Certificate) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "proxy.test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:              []string{"proxy.test"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(certPEM))
	return pool, cert
}

// acceptFunc parses a client request on the server side and returns the
// payload stream plus the destination the client asked for.
type acceptFunc func(c net.Conn) (io.ReadWriteCloser, string, error)

// mockServer accepts one client, checks its request and echoes every
// length-prefixed packet back.
type mockServer struct {
	port  int
	dests chan string
	errs  chan error
}

func newMockServer(t *testing.T, ln net.Listener, accept acceptFunc) *mockServer {
	t.Helper()
	m := &mockServer{
		port:  ln.Addr().(*net.TCPAddr).Port,
		dests: make(chan string, 4),
		errs:  make(chan error, 4),
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go m.serve(c, accept)
		}
	}()
	return m
}

func (m *mockServer) serve(c net.Conn, accept acceptFunc) {
	defer c.Close()
	rw, dst, err := accept(c)
	if err != nil {
		select {
		case m.errs <- err:
		default:
		}
		return
	}
	m.dests <- dst
	echo(rw)
}

func echo(rw io.ReadWriteCloser) {
	tr := socket.NewStreamTransport(rw, 0)
	buf := make([]byte, socket.MaxFrameSize)
	for {
		n, err := tr.ReadFrame(buf)
		if err != nil {
			return
		}
		if err := tr.WriteFrame(buf[:n]); err != nil {
			return
		}
	}
}

func (m *mockServer) destination(t *testing.T) string {
	t.Helper()
	select {
	case d := <-m.dests:
		return d
	case err := <-m.errs:
		t.Fatalf("server rejected request: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("server saw no request")
	}
	return ""
}

func listenTCP(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln
}

func testConfig(proto profile.V2RayProtocol, port int) Config {
	return Config{
		Protocol:         proto,
		Host:             "127.0.0.1",
		Port:             port,
		UUID:             testUUID,
		Security:         "aes-128-gcm",
		Password:         "hunter2",
		Method:           "aes-256-gcm",
		Transport:        profile.TransportTCP,
		Destination:      testDestination,
		HandshakeTimeout: 2 * time.Second,
		Socket: socket.Config{
			DialTimeout: 2 * time.Second,
			ReadTimeout: 200 * time.Millisecond,
		},
	}
}

func connect(t *testing.T, cfg Config) *Session {
	t.Helper()
	s, err := Dial(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Handshake(context.Background()))
	return s
}

func startPump(t *testing.T, s *Session) *tun.MockDevice {
	iface := tun.NewMockDevice("tun0", 1500)
	p := tunnel.NewPump(iface, s.Transport(), s.Codec(), &core.ConnectionStats{}, tunnel.Options{Name: "v2ray", StopGrace: 200 * time.Millisecond})
	p.Start(context.Background())
	t.Cleanup(func() {
		p.Stop()
		iface.Close()
	})
	return iface
}

func ipPacket(tag byte, size int) []byte {
	return core.MakeIPv4([4]byte{10, 8, 0, 6}, [4]byte{192, 0, 2, tag}, 17, make([]byte, size))
}

// server side address parsing

func readHost(b []byte, ipv4, domain, ipv6 byte) (string, int, error) {
	if len(b) < 2 {
		return "", 0, io.ErrUnexpectedEOF
	}
	switch b[0] {
	case ipv4:
		if len(b) < 5 {
			return "", 0, io.ErrUnexpectedEOF
		}
		return net.IP(b[1:5]).String(), 5, nil
	case ipv6:
		if len(b) < 17 {
			return "", 0, io.ErrUnexpectedEOF
		}
		return net.IP(b[1:17]).String(), 17, nil
	case domain:
		n := 2 + int(b[1])
		if len(b) < n {
			return "", 0, io.ErrUnexpectedEOF
		}
		return string(b[2:n]), n, nil
	}
	return "", 0, fmt.Errorf("address type %d", b[0])
}

func addrLen(in *inbuf, at int, domain byte) (int, error) {
	b, err := in.need(at + 2)
	if err != nil {
		return 0, err
	}
	switch {
	case b[at] == domain:
		return 2 + int(b[at+1]), nil
	case b[at] == 1:
		return 5, nil
	}
	return 17, nil
}

type serverStream struct {
	net.Conn
	in     *inbuf
	prefix []byte
	once   sync.Once
}

func (s *serverStream) Read(p []byte) (int, error) { return s.in.read(p) }

func (s *serverStream) Write(p []byte) (int, error) {
	var err error
	s.once.Do(func() {
		if len(s.prefix) > 0 {
			_, err = s.Conn.Write(s.prefix)
		}
	})
	if err != nil {
		return 0, err
	}
	return s.Conn.Write(p)
}

func acceptVLESS(c net.Conn) (io.ReadWriteCloser, string, error) {
	in := &inbuf{r: c}
	b, err := in.need(18)
	if err != nil {
		return nil, "", err
	}
	if b[0] != 0 || !bytes.Equal(b[1:17], testUUID[:]) {
		return nil, "", errors.New("bad vless user")
	}
	at := 18 + int(b[17]) + 1 + 2
	n, err := addrLen(in, at, 2)
	if err != nil {
		return nil, "", err
	}
	b, err = in.need(at + n)
	if err != nil {
		return nil, "", err
	}
	if b[at-3] != cmdTCP {
		return nil, "", errors.New("bad command")
	}
	port := int(binary.BigEndian.Uint16(b[at-2:]))
	host, _, err := readHost(b[at:], 1, 2, 3)
	if err != nil {
		return nil, "", err
	}
	in.consume(at + n)
	return &serverStream{Conn: c, in: in, prefix: []byte{0, 0}}, net.JoinHostPort(host, strconv.Itoa(port)), nil
}

func acceptTrojan(c net.Conn) (io.ReadWriteCloser, string, error) {
	in := &inbuf{r: c}
	hash := trojanHash("hunter2")
	at := len(hash) + 2 + 1
	n, err := addrLen(in, at, 3)
	if err != nil {
		return nil, "", err
	}
	b, err := in.need(at + n + 4)
	if err != nil {
		return nil, "", err
	}
	if !bytes.Equal(b[:len(hash)], hash) || !bytes.Equal(b[len(hash):len(hash)+2], crlf) {
		return nil, "", errors.New("bad trojan password")
	}
	host, _, err := readHost(b[at:], 1, 3, 4)
	if err != nil {
		return nil, "", err
	}
	port := int(binary.BigEndian.Uint16(b[at+n:]))
	if !bytes.Equal(b[at+n+2:at+n+4], crlf) {
		return nil, "", errors.New("missing trailing CRLF")
	}
	in.consume(at + n + 4)
	return &serverStream{Conn: c, in: in}, net.JoinHostPort(host, strconv.Itoa(port)), nil
}

func acceptShadowsocks(method string) acceptFunc {
	return func(c net.Conn) (io.ReadWriteCloser, string, error) {
		sc, err := newSSConn(c, method, "hunter2")
		if err != nil {
			return nil, "", err
		}
		buf := make([]byte, 300)
		n, err := sc.Read(buf)
		if err != nil {
			return nil, "", err
		}
		host, hl, err := readHost(buf[:n], 1, 3, 4)
		if err != nil {
			return nil, "", err
		}
		if n != hl+2 {
			return nil, "", fmt.Errorf("address chunk of %d bytes", n)
		}
		port := int(binary.BigEndian.Uint16(buf[hl:]))
		return sc, net.JoinHostPort(host, strconv.Itoa(port)), nil
	}
}

// vmessServer is the server half of the VMess body stream.
type vmessServer struct {
	net.Conn
	in    *inbuf
	r, w  *vmessBody
	plain []byte
}

func (s *vmessServer) Read(p []byte) (int, error) {
	for len(s.plain) == 0 {
		b, err := s.in.need(2)
		if err != nil {
			return 0, err
		}
		size := int(binary.BigEndian.Uint16(b))
		b, err = s.in.need(2 + size)
		if err != nil {
			return 0, err
		}
		pt, err := s.r.open(nil, b[2:])
		if err != nil {
			return 0, err
		}
		s.in.consume(2 + size)
		s.plain = pt
	}
	n := copy(p, s.plain)
	s.plain = s.plain[n:]
	return n, nil
}

func (s *vmessServer) Write(p []byte) (int, error) {
	if _, err := s.Conn.Write(s.w.seal(nil, p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

func acceptVMess(tamper bool) acceptFunc {
	return func(c net.Conn) (io.ReadWriteCloser, string, error) {
		cmdKey := vmessCmdKey(testUUID)
		in := &inbuf{r: c}
		const lead = vmessAuthIDSize + vmessSealedLenSize + vmessConnNonceSize
		b, err := in.need(lead)
		if err != nil {
			return nil, "", err
		}
		authID := append([]byte(nil), b[:vmessAuthIDSize]...)
		block, err := aes.NewCipher(vmessKDF16(cmdKey, []byte(kdfAuthID)))
		if err != nil {
			return nil, "", err
		}
		var plain [16]byte
		block.Decrypt(plain[:], authID)
		if crc32.ChecksumIEEE(plain[:12]) != binary.BigEndian.Uint32(plain[12:]) {
			return nil, "", errors.New("auth id checksum")
		}
		if d := time.Since(time.Unix(int64(binary.BigEndian.Uint64(plain[:8])), 0)); d > time.Minute || d < -time.Minute {
			return nil, "", fmt.Errorf("auth id off by %s", d)
		}
		nonce := append([]byte(nil), b[vmessAuthIDSize+vmessSealedLenSize:lead]...)
		l, err := crypto.Open(crypto.AES128GCM,
			vmessKDF16(cmdKey, []byte(kdfHeaderLenKey), authID, nonce),
			vmessKDF(cmdKey, []byte(kdfHeaderLenNonce), authID, nonce)[:12],
			b[vmessAuthIDSize:vmessAuthIDSize+vmessSealedLenSize], authID)
		if err != nil {
			return nil, "", err
		}
		in.consume(lead)
		n := int(binary.BigEndian.Uint16(l)) + crypto.TagSize
		if b, err = in.need(n); err != nil {
			return nil, "", err
		}
		hdr, err := crypto.Open(crypto.AES128GCM,
			vmessKDF16(cmdKey, []byte(kdfHeaderKey), authID, nonce),
			vmessKDF(cmdKey, []byte(kdfHeaderNonce), authID, nonce)[:12], b, authID)
		if err != nil {
			return nil, "", err
		}
		in.consume(n)

		f := fnv.New32a()
		f.Write(hdr[:len(hdr)-4])
		if !bytes.Equal(f.Sum(nil), hdr[len(hdr)-4:]) {
			return nil, "", errors.New("header checksum")
		}
		if hdr[0] != vmessVersion || hdr[34] != vmessOptChunkStream || hdr[37] != cmdTCP {
			return nil, "", fmt.Errorf("header fields % x", hdr[:38])
		}
		iv, key, respV, sec := hdr[1:17], hdr[17:33], hdr[33], hdr[35]&0x0F
		port := int(binary.BigEndian.Uint16(hdr[38:40]))
		host, _, err := readHost(hdr[40:], 1, 2, 3)
		if err != nil {
			return nil, "", err
		}

		rk := sha256.Sum256(key)
		ri := sha256.Sum256(iv)
		s := &vmessServer{Conn: c, in: in}
		if s.r, err = newVMessBody(sec, append([]byte(nil), key...), append([]byte(nil), iv...)); err != nil {
			return nil, "", err
		}
		if s.w, err = newVMessBody(sec, rk[:16], ri[:16]); err != nil {
			return nil, "", err
		}
		if tamper {
			respV++
		}
		encLen, _ := crypto.Seal(crypto.AES128GCM, vmessKDF16(rk[:16], []byte(kdfRespHeaderLenKey)),
			vmessKDF(ri[:16], []byte(kdfRespHeaderLenIV))[:12], []byte{0, 4}, nil)
		encHdr, _ := crypto.Seal(crypto.AES128GCM, vmessKDF16(rk[:16], []byte(kdfRespHeaderKey)),
			vmessKDF(ri[:16], []byte(kdfRespHeaderIV))[:12], []byte{respV, vmessOptChunkStream, 0, 0}, nil)
		if _, err := c.Write(append(encLen, encHdr...)); err != nil {
			return nil, "", err
		}
		return s, net.JoinHostPort(host, strconv.Itoa(port)), nil
	}
}

func TestSession_Protocols(t *testing.T) {
	tests := []struct {
		name   string
		proto  profile.V2RayProtocol
		adjust func(*Config)
		accept acceptFunc
	}{
		{"vmess aes-128-gcm", profile.ProtocolVMess, nil, acceptVMess(false)},
		{"vmess chacha20", profile.ProtocolVMess, func(c *Config) { c.Security = "chacha20-poly1305" }, acceptVMess(false)},
		{"vmess none", profile.ProtocolVMess, func(c *Config) { c.Security = "none" }, acceptVMess(false)},
		{"vless", profile.ProtocolVLESS, nil, acceptVLESS},
		{"shadowsocks aes-256-gcm", profile.ProtocolShadowsocks, nil, acceptShadowsocks("aes-256-gcm")},
		{"shadowsocks aes-128-gcm", profile.ProtocolShadowsocks, func(c *Config) { c.Method = "aes-128-gcm" }, acceptShadowsocks("aes-128-gcm")},
		{"shadowsocks chacha20", profile.ProtocolShadowsocks, func(c *Config) { c.Method = "chacha20-ietf-poly1305" }, acceptShadowsocks("chacha20-ietf-poly1305")},
		{"domain destination", profile.ProtocolVLESS, func(c *Config) { c.Destination = "gw.example.com:8443" }, acceptVLESS},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newMockServer(t, listenTCP(t), tt.accept)
			cfg := testConfig(tt.proto, srv.port)
			if tt.adjust != nil {
				tt.adjust(&cfg)
			}
			want := cfg.Destination
			s := connect(t, cfg)
			assert.Equal(t, want, srv.destination(t))
			assert.False(t, s.LastHandshake().IsZero())

			iface := startPump(t, s)
			for i := 1; i <= 3; i++ {
				require.NoError(t, iface.SimulatePacketReceived(ipPacket(byte(i), 100*i)))
			}
			// larger than one Shadowsocks chunk
			require.NoError(t, iface.SimulatePacketReceived(ipPacket(9, 20000)))
			got := iface.WaitForPackets(4, 3*time.Second)
			require.Len(t, got, 4)
			for i := 1; i <= 3; i++ {
				assert.Equal(t, ipPacket(byte(i), 100*i), got[i-1])
			}
			assert.Equal(t, ipPacket(9, 20000), got[3])
		})
	}
}

func TestSession_TrojanOverTLS(t *testing.T) {
	pool, cert := testCertificate(t)
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	require.NoError(t, err)
	srv := newMockServer(t, ln, acceptTrojan)

	cfg := testConfig(profile.ProtocolTrojan, srv.port)
	cfg.TLS = true
	cfg.SNI = "proxy.test"
	cfg.RootCAs = pool
	s := connect(t, cfg)
	assert.Equal(t, testDestination, srv.destination(t))

	iface := startPump(t, s)
	require.NoError(t, iface.SimulatePacketReceived(ipPacket(1, 64)))
	got := iface.WaitForPackets(1, 3*time.Second)
	require.Len(t, got, 1)
	assert.Equal(t, ipPacket(1, 64), got[0])
}

func TestSession_UntrustedCertificate(t *testing.T) {
	_, cert := testCertificate(t)
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	require.NoError(t, err)
	newMockServer(t, ln, acceptTrojan)

	cfg := testConfig(profile.ProtocolTrojan, ln.Addr().(*net.TCPAddr).Port)
	cfg.TLS = true
	cfg.SNI = "proxy.test"
	_, err = Dial(context.Background(), cfg)
	require.Error(t, err)
	var ioe *core.IOError
	assert.True(t, errors.As(err, &ioe), "got %v", err)

	cfg.AllowInsecure = true
	s, err := Dial(context.Background(), cfg)
	require.NoError(t, err)
	s.Close()
}

func TestSession_WebSocket(t *testing.T) {
	srv := &mockServer{dests: make(chan string, 4), errs: make(chan error, 4)}
	upgrader := websocket.Upgrader{}
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ray" || r.Host != "cdn.example.com" {
			http.Error(w, "wrong path or host", http.StatusNotFound)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		srv.serve(socket.NewWebSocketConn(ws), acceptVLESS)
	}))
	t.Cleanup(hs.Close)
	u, err := url.Parse(hs.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	cfg := testConfig(profile.ProtocolVLESS, port)
	cfg.Transport = profile.TransportWebSocket
	cfg.Path = "/ray"
	cfg.WSHost = "cdn.example.com"
	cfg.PingInterval = 15 * time.Second
	s := connect(t, cfg)
	assert.Equal(t, testDestination, srv.destination(t))
	assert.Equal(t, 15*time.Second, s.KeepaliveInterval())

	iface := startPump(t, s)
	require.NoError(t, iface.SimulatePacketReceived(ipPacket(1, 64)))
	got := iface.WaitForPackets(1, 3*time.Second)
	require.Len(t, got, 1)
	assert.Equal(t, ipPacket(1, 64), got[0])

	require.NoError(t, s.Keepalive(nil))
	assert.Eventually(t, func() bool { return s.ws.MissedPongs() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSession_VMessBadResponseHeader(t *testing.T) {
	srv := newMockServer(t, listenTCP(t), acceptVMess(true))
	cfg := testConfig(profile.ProtocolVMess, srv.port)
	cfg.Socket.ReadTimeout = 2 * time.Second
	s := connect(t, cfg)
	srv.destination(t)

	buf := make([]byte, 2048)
	_, err := s.Transport().ReadFrame(buf)
	require.Error(t, err)
	var ce *core.CryptoError
	assert.True(t, errors.As(err, &ce), "got %v", err)
}

func TestSession_HandshakeCancelled(t *testing.T) {
	srv := newMockServer(t, listenTCP(t), acceptVLESS)
	s, err := Dial(context.Background(), testConfig(profile.ProtocolVLESS, srv.port))
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = s.Handshake(ctx)
	require.Error(t, err)
	assert.True(t, core.IsHandshakeError(err))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSession_CloseZeroesKeys(t *testing.T) {
	srv := newMockServer(t, listenTCP(t), acceptVMess(false))
	s := connect(t, testConfig(profile.ProtocolVMess, srv.port))
	vc := s.conn.(*vmessConn)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, make([]byte, 16), vc.reqKey)
	assert.Equal(t, make([]byte, 16), vc.cmdKey)
	assert.Equal(t, uuid.Nil, s.cfg.UUID)
	assert.Equal(t, time.Duration(0), s.KeepaliveInterval())
	assert.NoError(t, s.Keepalive(nil))
}

func TestSession_LogComponent(t *testing.T) {
	srv := newMockServer(t, listenTCP(t), acceptVLESS)
	s := connect(t, testConfig(profile.ProtocolVLESS, srv.port))
	assert.Equal(t, "v2ray", s.log.Data["component"])
	assert.Equal(t, "vless", s.log.Data["protocol"])
}

// the Shadowsocks reader must survive a deadline in the middle of a chunk
func TestShadowsocks_ReadResumesAfterTimeout(t *testing.T) {
	var wire bufConn
	w, err := newSSConn(&wire, "chacha20-ietf-poly1305", "pw")
	require.NoError(t, err)
	msg := bytes.Repeat([]byte("packet"), 500)
	_, err = w.Write(msg)
	require.NoError(t, err)
	data := wire.buf.Bytes()

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	r, err := newSSConn(b, "chacha20-ietf-poly1305", "pw")
	require.NoError(t, err)

	half := len(data) / 2
	go a.Write(data[:half])
	require.NoError(t, r.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, err = r.Read(make([]byte, len(msg)))
	require.Error(t, err)
	assert.True(t, socket.IsTimeout(err))

	require.NoError(t, r.SetReadDeadline(time.Time{}))
	go a.Write(data[half:])
	got := make([]byte, len(msg))
	_, err = io.ReadFull(r, got)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestShadowsocks_TamperedChunk(t *testing.T) {
	var wire bufConn
	w, err := newSSConn(&wire, "aes-128-gcm", "pw")
	require.NoError(t, err)
	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)
	raw := wire.buf.Bytes()
	raw[len(raw)-1] ^= 0x80

	r, err := newSSConn(&wire, "aes-128-gcm", "pw")
	require.NoError(t, err)
	_, err = r.Read(make([]byte, 16))
	var ce *core.CryptoError
	assert.True(t, errors.As(err, &ce), "got %v", err)
}

// bufConn is a net.Conn whose writes can be read back.
type bufConn struct {
	net.Conn
	buf bytes.Buffer
}

func (c *bufConn) Read(p []byte) (int, error)  { return c.buf.Read(p) }
func (c *bufConn) Write(p []byte) (int, error) { return c.buf.Write(p) }

func TestStreamProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.Rng.Seed(7)
	params.MinSuccessfulTests = 50
	props := gopter.NewProperties(params)

	payload := func(n int) []byte {
		b := make([]byte, n)
		for i := range b {
			b[i] = byte(i * 31)
		}
		return b
	}

	props.Property("shadowsocks stream round trips", prop.ForAll(
		func(n int, method string) bool {
			var wire bufConn
			w, err := newSSConn(&wire, method, "secret")
			if err != nil {
				return false
			}
			r, _ := newSSConn(&wire, method, "secret")
			msg := payload(n)
			if _, err := w.Write(msg); err != nil {
				return false
			}
			got := make([]byte, n)
			_, err = io.ReadFull(r, got)
			return err == nil && bytes.Equal(got, msg)
		},
		gen.IntRange(1, 3*ssMaxPayload+5),
		gen.OneConstOf("aes-128-gcm", "aes-256-gcm", "chacha20-ietf-poly1305"),
	))

	props.Property("vmess chunks round trip in order", prop.ForAll(
		func(sizes []int, sec byte) bool {
			key, iv := payload(16), payload(16)
			w, err := newVMessBody(sec, key, iv)
			if err != nil {
				return false
			}
			r, _ := newVMessBody(sec, key, iv)
			var wire []byte
			for _, n := range sizes {
				wire = w.seal(wire, payload(n))
			}
			for _, n := range sizes {
				size := int(binary.BigEndian.Uint16(wire))
				pt, err := r.open(nil, wire[2:2+size])
				if err != nil || !bytes.Equal(pt, payload(n)) {
					return false
				}
				wire = wire[2+size:]
			}
			return len(wire) == 0
		},
		gen.SliceOf(gen.IntRange(0, vmessMaxChunkPayload)),
		gen.OneConstOf(secAES128GCM, secChaCha, secNone),
	))

	props.TestingRun(t)
}

func TestCreateAuthID(t *testing.T) {
	cmdKey := vmessCmdKey(testUUID)
	now := time.Unix(1700000000, 0)
	a, err := createAuthID(cmdKey, now)
	require.NoError(t, err)
	b, err := createAuthID(cmdKey, now)
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "random part differs")

	block, err := aes.NewCipher(vmessKDF16(cmdKey, []byte(kdfAuthID)))
	require.NoError(t, err)
	var plain [16]byte
	block.Decrypt(plain[:], a[:])
	assert.Equal(t, uint64(now.Unix()), binary.BigEndian.Uint64(plain[:8]))
	assert.Equal(t, crc32.ChecksumIEEE(plain[:12]), binary.BigEndian.Uint32(plain[12:]))
}

func TestVMessKDF(t *testing.T) {
	k := []byte("key")
	assert.Len(t, vmessKDF(k), 32)
	assert.Len(t, vmessKDF16(k, []byte("a")), 16)
	assert.Equal(t, vmessKDF(k, []byte("a"), []byte("b")), vmessKDF(k, []byte("a"), []byte("b")))
	assert.NotEqual(t, vmessKDF(k, []byte("a"), []byte("b")), vmessKDF(k, []byte("b"), []byte("a")))
	assert.NotEqual(t, vmessKDF(k), vmessKDF(k, []byte{}))
	assert.Len(t, chachaBodyKey(make([]byte, 16)), 32)
}

func TestParseSecurity(t *testing.T) {
	for in, want := range map[string]byte{"": secAES128GCM, "auto": secAES128GCM, "AES-128-GCM": secAES128GCM, "chacha20-poly1305": secChaCha, "none": secNone} {
		got, err := parseSecurity(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := parseSecurity("aes-128-cfb")
	assert.ErrorIs(t, err, core.ErrUnsupported)
}

func TestDestinationEncoding(t *testing.T) {
	d, err := parseDestination("10.1.2.3:443")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 10, 1, 2, 3, 0x01, 0xbb}, d.appendSocks(nil))
	assert.Equal(t, []byte{0x01, 0xbb, 1, 10, 1, 2, 3}, d.appendPortAddr(nil))

	d, err = parseDestination("example.com:80")
	require.NoError(t, err)
	assert.Equal(t, append(append([]byte{3, 11}, "example.com"...), 0, 80), d.appendSocks(nil))
	assert.Equal(t, append([]byte{0, 80, 2, 11}, "example.com"...), d.appendPortAddr(nil))

	d, err = parseDestination("[2001:db8::1]:53")
	require.NoError(t, err)
	enc := d.appendSocks(nil)
	assert.Equal(t, byte(4), enc[0])
	assert.Len(t, enc, 1+16+2)
	assert.Equal(t, byte(3), d.appendPortAddr(nil)[2])

	for _, bad := range []string{"nohost", "host:99999", ":80"} {
		_, err := parseDestination(bad)
		assert.Error(t, err, bad)
	}
}

func TestRequestHeaders(t *testing.T) {
	d, _ := parseDestination(testDestination)
	vl := vlessRequest(testUUID, d)
	assert.Equal(t, byte(0), vl[0])
	assert.Equal(t, testUUID[:], vl[1:17])
	assert.Equal(t, []byte{0, cmdTCP, 0x01, 0xbb, 1, 10, 1, 2, 3}, vl[17:])

	hash := trojanHash("hunter2")
	assert.Len(t, hash, 56)
	tr := trojanRequest(hash, d)
	assert.Equal(t, hash, tr[:56])
	assert.Equal(t, "\r\n", string(tr[56:58]))
	assert.Equal(t, byte(cmdTCP), tr[58])
	assert.Equal(t, "\r\n", string(tr[len(tr)-2:]))
}

func TestCodec(t *testing.T) {
	var c Codec
	pkt := ipPacket(1, 20)
	f, err := c.Encode(nil, pkt)
	require.NoError(t, err)
	assert.Equal(t, pkt, f)

	out, err := c.Decode(nil, append(append([]byte(nil), pkt...), 0, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, pkt, out, "padding trimmed")

	_, err = c.Decode(nil, nil)
	assert.ErrorIs(t, err, core.ErrNotData)
	_, err = c.Decode(nil, []byte{0x00, 1, 2})
	var ce *core.CryptoError
	assert.True(t, errors.As(err, &ce))
}

func TestNewConfig(t *testing.T) {
	p := &profile.V2RayConfig{
		Protocol:      profile.ProtocolVLESS,
		Address:       "proxy.example.com",
		Port:          443,
		UUID:          testUUID,
		Transport:     profile.TransportWebSocket,
		Path:          "/ws",
		Host:          "cdn.example.com",
		TLS:           true,
		AllowInsecure: true,
		ALPN:          []string{"h2"},
	}
	settings := config.DefaultConfig()
	cfg, err := NewConfig(p, settings, "", 0)
	require.NoError(t, err)
	assert.False(t, cfg.AllowInsecure, "needs allowInsecureTLS")
	assert.Equal(t, "proxy.example.com:443", cfg.Destination)
	assert.Equal(t, 15*time.Second, cfg.PingInterval)
	tc := cfg.tlsConfig()
	assert.Equal(t, "cdn.example.com", tc.ServerName)
	assert.Empty(t, tc.NextProtos, "no ALPN below websocket")

	settings.Tunnel.AllowInsecureTLS = true
	settings.V2Ray.TunnelDestination = "10.0.0.1:53"
	cfg, err = NewConfig(p, settings, "10.9.9.9", 8443)
	require.NoError(t, err)
	assert.True(t, cfg.AllowInsecure)
	assert.Equal(t, "10.9.9.9", cfg.Host)
	assert.Equal(t, 8443, cfg.Port)
	assert.Equal(t, "10.0.0.1:53", cfg.Destination)

	grpc := *p
	grpc.Transport = profile.TransportGRPC
	_, err = NewConfig(&grpc, settings, "", 0)
	assert.True(t, core.IsConfigError(err))
	assert.ErrorIs(t, err, core.ErrUnsupported)

	trojan := &profile.V2RayConfig{Protocol: profile.ProtocolTrojan, Address: "x", Port: 443, Password: "pw"}
	_, err = NewConfig(trojan, settings, "", 0)
	assert.True(t, core.IsConfigError(err), "trojan without tls")

	vmess := &profile.V2RayConfig{Protocol: profile.ProtocolVMess, Address: "x", Port: 443, UUID: testUUID, Security: "aes-128-cfb"}
	_, err = NewConfig(vmess, settings, "", 0)
	assert.True(t, core.IsConfigError(err), "legacy security")

	ss := &profile.V2RayConfig{Protocol: profile.ProtocolShadowsocks, Address: "x", Port: 8388, Password: "pw", Method: "RC4-MD5"}
	_, err = NewConfig(ss, settings, "", 0)
	assert.True(t, core.IsConfigError(err))
}
