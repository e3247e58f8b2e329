package socket

import "sync/atomic"

// Metrics contains counters kept by every transport
type Metrics struct {
	FramesSent     uint64
	FramesReceived uint64
	BytesSent      uint64
	BytesReceived  uint64
	Errors         uint64
}

func (m *Metrics) recordSent(n int) {
	atomic.AddUint64(&m.FramesSent, 1)
	atomic.AddUint64(&m.BytesSent, uint64(n))
}

func (m *Metrics) recordReceived(n int) {
	atomic.AddUint64(&m.FramesReceived, 1)
	atomic.AddUint64(&m.BytesReceived, uint64(n))
}

func (m *Metrics) recordError() { atomic.AddUint64(&m.Errors, 1) }

// Snapshot returns a consistent-enough copy for reporting
func (m *Metrics) Snapshot() Metrics {
	return Metrics{
		FramesSent:     atomic.LoadUint64(&m.FramesSent),
		FramesReceived: atomic.LoadUint64(&m.FramesReceived),
		BytesSent:      atomic.LoadUint64(&m.BytesSent),
		BytesReceived:  atomic.LoadUint64(&m.BytesReceived),
		Errors:         atomic.LoadUint64(&m.Errors),
	}
}
