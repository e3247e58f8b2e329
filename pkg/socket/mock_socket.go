package socket

import (
	"errors"
	"os"
	"sync"
	"time"
)

// MockTransport is one end of an in-memory connected pair created by
// NewMockPair. Frames written on one end are read on the other in
// order. It records everything it sends for inspection in tests.
type MockTransport struct {
	name string
	in   chan []byte
	peer *MockTransport

	readTimeout time.Duration
	metrics     Metrics

	mu       sync.Mutex
	sent     [][]byte
	writeErr error

	closed chan struct{}
	once   sync.Once
}

// NewMockPair returns two connected transports with queue depth depth.
func NewMockPair(depth int) (*MockTransport, *MockTransport) {
	if depth <= 0 {
		depth = 64
	}
	a := &MockTransport{name: "mock-a", in: make(chan []byte, depth), closed: make(chan struct{})}
	b := &MockTransport{name: "mock-b", in: make(chan []byte, depth), closed: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

// SetReadTimeout makes ReadFrame return a timeout error after d without
// data. Zero blocks until data or close.
func (m *MockTransport) SetReadTimeout(d time.Duration) { m.readTimeout = d }

// SetWriteError makes every following WriteFrame fail with err.
func (m *MockTransport) SetWriteError(err error) {
	m.mu.Lock()
	m.writeErr = err
	m.mu.Unlock()
}

// ReadFrame returns the next frame written by the peer.
func (m *MockTransport) ReadFrame(buf []byte) (int, error) {
	var timeout <-chan time.Time
	if m.readTimeout > 0 {
		t := time.NewTimer(m.readTimeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case f := <-m.in:
		n := copy(buf, f)
		m.metrics.recordReceived(n)
		return n, nil
	case <-m.closed:
		return 0, wrapIO("read", os.ErrClosed)
	case <-timeout:
		return 0, wrapIO("read", os.ErrDeadlineExceeded)
	}
}

// WriteFrame delivers a copy of frame to the peer.
func (m *MockTransport) WriteFrame(frame []byte) error {
	m.mu.Lock()
	err := m.writeErr
	m.mu.Unlock()
	if err != nil {
		m.metrics.recordError()
		return wrapIO("write", err)
	}
	select {
	case <-m.closed:
		return wrapIO("write", os.ErrClosed)
	default:
	}
	f := append([]byte(nil), frame...)
	m.mu.Lock()
	m.sent = append(m.sent, f)
	m.mu.Unlock()
	select {
	case m.peer.in <- f:
	case <-m.peer.closed:
		return wrapIO("write", errors.New("peer closed"))
	case <-m.closed:
		return wrapIO("write", os.ErrClosed)
	}
	m.metrics.recordSent(len(frame))
	return nil
}

// Inject queues a frame for this end's ReadFrame as if the peer sent it.
func (m *MockTransport) Inject(frame []byte) {
	m.in <- append([]byte(nil), frame...)
}

// Sent returns copies of all frames written by this end.
func (m *MockTransport) Sent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.sent))
	copy(out, m.sent)
	return out
}

// Metrics returns a copy of the transport counters.
func (m *MockTransport) Metrics() Metrics { return m.metrics.Snapshot() }

// Close unblocks pending reads on this end.
func (m *MockTransport) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

func (m *MockTransport) String() string { return m.name }
