package socket

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/irctrakz/vpncore/pkg/core"
)

func TestDatagramTransport_RoundTrip(t *testing.T) {
	srv, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer srv.Close()

	port := srv.LocalAddr().(*net.UDPAddr).Port
	conn, err := DialUDP(context.Background(), "127.0.0.1", port, DefaultConfig())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	tr := NewDatagramTransport(conn, 2*time.Second)
	defer tr.Close()

	if err := tr.WriteFrame([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 64)
	n, from, err := srv.ReadFrom(buf)
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("server got %q", buf[:n])
	}
	if _, err := srv.WriteTo([]byte("world"), from); err != nil {
		t.Fatalf("server write: %v", err)
	}
	n, err = tr.ReadFrame(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:n]) != "world" {
		t.Fatalf("client got %q", buf[:n])
	}

	m := tr.Metrics()
	if m.FramesSent != 1 || m.FramesReceived != 1 || m.BytesSent != 5 || m.BytesReceived != 5 {
		t.Errorf("unexpected metrics %+v", m)
	}
}

func TestDatagramTransport_ReadTimeoutIsTransient(t *testing.T) {
	srv, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer srv.Close()

	conn, err := DialUDP(context.Background(), "127.0.0.1", srv.LocalAddr().(*net.UDPAddr).Port, DefaultConfig())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	tr := NewDatagramTransport(conn, 20*time.Millisecond)
	defer tr.Close()

	_, err = tr.ReadFrame(make([]byte, 16))
	if !IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
	var ioe *core.IOError
	if !errors.As(err, &ioe) {
		t.Fatalf("expected IOError, got %T", err)
	}
	if tr.Metrics().Errors != 0 {
		t.Errorf("timeouts must not count as errors")
	}
}

func TestStreamTransport_ResumesPartialFrame(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	tr := NewStreamTransport(client, 30*time.Millisecond)
	defer tr.Close()

	payload := []byte("0123456789")
	frame := append([]byte{0, byte(len(payload))}, payload...)

	wrote := make(chan struct{})
	go func() {
		server.Write(frame[:5])
		close(wrote)
	}()

	buf := make([]byte, 64)
	if _, err := tr.ReadFrame(buf); !IsTimeout(err) {
		t.Fatalf("expected timeout on partial frame, got %v", err)
	}
	<-wrote

	go server.Write(frame[5:])
	tr.readTimeout = time.Second
	n, err := tr.ReadFrame(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(buf[:n], payload) {
		t.Fatalf("got %q want %q", buf[:n], payload)
	}
}

func TestStreamTransport_WriteFraming(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	tr := NewStreamTransport(client, 0)
	go tr.WriteFrame([]byte{0xAA, 0xBB, 0xCC})

	got := make([]byte, 5)
	if _, err := io.ReadFull(server, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	want := []byte{0x00, 0x03, 0xAA, 0xBB, 0xCC}
	if !bytes.Equal(got, want) {
		t.Fatalf("got % x want % x", got, want)
	}

	if err := tr.WriteFrame(make([]byte, MaxFrameSize+1)); err == nil {
		t.Fatalf("oversized frame accepted")
	}
}

func TestStreamTransport_FrameLargerThanBuffer(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	tr := NewStreamTransport(client, time.Second)
	defer tr.Close()

	go server.Write(append([]byte{0, 8}, make([]byte, 8)...))
	if _, err := tr.ReadFrame(make([]byte, 4)); err == nil {
		t.Fatalf("expected error for short buffer")
	}
}

func TestStreamTransport_EOFMidFrame(t *testing.T) {
	client, server := net.Pipe()
	tr := NewStreamTransport(client, time.Second)
	defer tr.Close()

	go func() {
		server.Write([]byte{0, 10, 1, 2})
		server.Close()
	}()
	_, err := tr.ReadFrame(make([]byte, 64))
	if err == nil || IsTimeout(err) {
		t.Fatalf("expected hard error, got %v", err)
	}
}

func TestMockPair(t *testing.T) {
	a, b := NewMockPair(4)
	if err := a.WriteFrame([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 16)
	n, err := b.ReadFrame(buf)
	if err != nil || string(buf[:n]) != "ping" {
		t.Fatalf("read %q, %v", buf[:n], err)
	}
	if len(a.Sent()) != 1 {
		t.Fatalf("expected one recorded frame")
	}

	b.SetReadTimeout(10 * time.Millisecond)
	if _, err := b.ReadFrame(buf); !IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}

	a.SetWriteError(errors.New("boom"))
	if err := a.WriteFrame([]byte("x")); err == nil {
		t.Fatalf("expected write error")
	}

	b.SetReadTimeout(0)
	done := make(chan error, 1)
	go func() {
		_, err := b.ReadFrame(buf)
		done <- err
	}()
	b.Close()
	select {
	case err := <-done:
		if !IsClosed(err) {
			t.Fatalf("expected closed error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("close did not unblock read")
	}
}

func TestWebSocketConn_EchoAndPing(t *testing.T) {
	upgrader := websocket.Upgrader{}
	hosts := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hosts <- r.Host
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			mt, msg, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/tunnel"
	header := http.Header{}
	header.Set("Host", "cdn.example.com")
	conn, err := DialWebSocket(context.Background(), url, header, nil, DefaultConfig())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	tr := NewStreamTransport(conn, time.Second)
	if err := tr.WriteFrame([]byte("over websocket")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 64)
	n, err := tr.ReadFrame(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:n]) != "over websocket" {
		t.Fatalf("got %q", buf[:n])
	}
	if got := <-hosts; got != "cdn.example.com" {
		t.Errorf("Host header not forwarded, got %q", got)
	}

	if err := conn.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if conn.MissedPongs() != 1 {
		t.Fatalf("expected one outstanding ping")
	}
	// The pong is processed by the next read.
	go tr.WriteFrame([]byte("again"))
	if _, err := tr.ReadFrame(buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if conn.MissedPongs() != 0 {
		t.Errorf("pong not recorded, outstanding=%d", conn.MissedPongs())
	}
}

func TestPktPool(t *testing.T) {
	b := GetBuffer(1500)
	if len(b) != 1500 || cap(b) != sizeClasses[0] {
		t.Fatalf("unexpected buffer len=%d cap=%d", len(b), cap(b))
	}
	PutBuffer(b)

	frame := GetBuffer(MaxFrameSize)
	if !PktShouldPut(frame) {
		t.Fatalf("a max size frame must come from a pool, cap=%d", cap(frame))
	}
	PutBuffer(frame)

	big := PktGet(MaxFrameSize + 1024)
	if PktShouldPut(big) {
		t.Fatalf("oversized buffers must not be pooled")
	}
	PutBuffer(make([]byte, 100)) // foreign buffers are ignored
}
