package tun

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/irctrakz/vpncore/pkg/core"
	"github.com/irctrakz/vpncore/pkg/logging"
)

// MockDevice is an in-memory core.Interface for tests and embedding hosts
// that move packets themselves. Packets injected with
// SimulatePacketReceived are returned by ReadPacket (host -> tunnel);
// packets passed to WritePacket are recorded (tunnel -> host).
type MockDevice struct {
	name     string
	mtu      int
	packetCh chan []byte
	closed   chan struct{}
	once     sync.Once
	metrics  core.InterfaceMetrics

	mu             sync.Mutex
	cond           *sync.Cond
	packetsWritten [][]byte
	writeErr       error
}

var _ core.Interface = (*MockDevice)(nil)

// NewMockDevice creates a new mock interface
func NewMockDevice(name string, mtu int) *MockDevice {
	m := &MockDevice{
		name:     name,
		mtu:      mtu,
		packetCh: make(chan []byte, 256), // Buffer for injected packets
		closed:   make(chan struct{}),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Name returns the name of the interface
func (m *MockDevice) Name() string {
	return m.name
}

// MTU returns the Maximum Transmission Unit of the interface
func (m *MockDevice) MTU() (int, error) {
	return m.mtu, nil
}

// ReadPacket blocks until an injected packet is available or the device
// is closed.
func (m *MockDevice) ReadPacket(buf []byte) (int, error) {
	select {
	case <-m.closed:
		return 0, os.ErrClosed
	case data := <-m.packetCh:
		if len(data) > len(buf) {
			atomic.AddUint64(&m.metrics.Errors, 1)
			return 0, fmt.Errorf("packet of %d bytes exceeds buffer of %d", len(data), len(buf))
		}
		atomic.AddUint64(&m.metrics.PacketsRead, 1)
		atomic.AddUint64(&m.metrics.BytesRead, uint64(len(data)))
		return copy(buf, data), nil
	}
}

// WritePacket records a packet delivered by the tunnel
func (m *MockDevice) WritePacket(pkt []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.writeErr != nil {
		atomic.AddUint64(&m.metrics.Errors, 1)
		return 0, m.writeErr
	}

	// Make a copy of the data, callers reuse their buffers
	dataCopy := make([]byte, len(pkt))
	copy(dataCopy, pkt)
	m.packetsWritten = append(m.packetsWritten, dataCopy)
	m.cond.Broadcast()

	atomic.AddUint64(&m.metrics.PacketsWritten, 1)
	atomic.AddUint64(&m.metrics.BytesWritten, uint64(len(pkt)))

	logging.Debugf("Mock interface %s wrote packet of length %d", m.name, len(pkt))
	return len(pkt), nil
}

// Close unblocks readers. It is idempotent.
func (m *MockDevice) Close() error {
	m.once.Do(func() {
		close(m.closed)
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
		logging.Debugf("Mock interface closed: %s", m.name)
	})
	return nil
}

// Metrics returns counters for the interface
func (m *MockDevice) Metrics() core.InterfaceMetrics {
	return core.InterfaceMetrics{
		PacketsRead:    atomic.LoadUint64(&m.metrics.PacketsRead),
		PacketsWritten: atomic.LoadUint64(&m.metrics.PacketsWritten),
		BytesRead:      atomic.LoadUint64(&m.metrics.BytesRead),
		BytesWritten:   atomic.LoadUint64(&m.metrics.BytesWritten),
		Errors:         atomic.LoadUint64(&m.metrics.Errors),
	}
}

// SetWriteError makes subsequent writes fail with err (nil restores).
func (m *MockDevice) SetWriteError(err error) {
	m.mu.Lock()
	m.writeErr = err
	m.mu.Unlock()
}

// SimulatePacketReceived injects a packet the host wants to send through
// the tunnel.
func (m *MockDevice) SimulatePacketReceived(data []byte) error {
	select {
	case <-m.closed:
		return fmt.Errorf("interface %s closed", m.name)
	default:
	}

	// Make a copy of the data to avoid any race conditions
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)

	select {
	case m.packetCh <- dataCopy:
		logging.Debugf("Mock interface %s queued packet of length %d", m.name, len(data))
		return nil
	default:
		// Channel is full, drop the packet
		atomic.AddUint64(&m.metrics.Errors, 1)
		return fmt.Errorf("packet channel full, packet dropped")
	}
}

// GetWrittenPackets returns the packets that have been written to the interface
func (m *MockDevice) GetWrittenPackets() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.copyWritten()
}

// WaitForPackets blocks until at least n packets were written or the
// timeout expires, and returns what was written.
func (m *MockDevice) WaitForPackets(n int, timeout time.Duration) [][]byte {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer timer.Stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.packetsWritten) < n && time.Now().Before(deadline) {
		select {
		case <-m.closed:
			return m.copyWritten()
		default:
		}
		m.cond.Wait()
	}
	return m.copyWritten()
}

func (m *MockDevice) copyWritten() [][]byte {
	result := make([][]byte, len(m.packetsWritten))
	for i, packet := range m.packetsWritten {
		result[i] = append([]byte(nil), packet...)
	}
	return result
}

// ClearWrittenPackets clears the list of packets that have been written
func (m *MockDevice) ClearWrittenPackets() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.packetsWritten = nil
}
