package core

import (
	"sync/atomic"
	"time"
)

// ConnectionStats holds the live counters of one session. All fields are
// updated atomically by the pump loops and read without locks.
type ConnectionStats struct {
	BytesSent       atomic.Uint64
	BytesReceived   atomic.Uint64
	PacketsSent     atomic.Uint64
	PacketsReceived atomic.Uint64

	// PacketsDropped counts every packet that did not make it across,
	// whatever the reason.
	PacketsDropped  atomic.Uint64
	DecryptFailures atomic.Uint64
	ReplayRejects   atomic.Uint64
	IOErrors        atomic.Uint64
	Rekeys          atomic.Uint64

	started atomic.Int64 // unix nanos
}

// Start marks the beginning of the session.
func (s *ConnectionStats) Start(t time.Time) { s.started.Store(t.UnixNano()) }

// Reset clears every counter and the start time.
func (s *ConnectionStats) Reset() {
	s.BytesSent.Store(0)
	s.BytesReceived.Store(0)
	s.PacketsSent.Store(0)
	s.PacketsReceived.Store(0)
	s.PacketsDropped.Store(0)
	s.DecryptFailures.Store(0)
	s.ReplayRejects.Store(0)
	s.IOErrors.Store(0)
	s.Rekeys.Store(0)
	s.started.Store(0)
}

// RecordSent accounts one egress packet of n plaintext bytes.
func (s *ConnectionStats) RecordSent(n int) {
	s.PacketsSent.Add(1)
	s.BytesSent.Add(uint64(n))
}

// RecordReceived accounts one ingress packet of n plaintext bytes.
func (s *ConnectionStats) RecordReceived(n int) {
	s.PacketsReceived.Add(1)
	s.BytesReceived.Add(uint64(n))
}

// StatsSnapshot is a point-in-time copy of ConnectionStats.
type StatsSnapshot struct {
	BytesSent       uint64 `json:"bytesSent"`
	BytesReceived   uint64 `json:"bytesReceived"`
	PacketsSent     uint64 `json:"packetsSent"`
	PacketsReceived uint64 `json:"packetsReceived"`
	PacketsDropped  uint64 `json:"packetsDropped"`
	DecryptFailures uint64 `json:"decryptFailures"`
	ReplayRejects   uint64 `json:"replayRejects"`
	IOErrors        uint64 `json:"ioErrors"`
	Rekeys          uint64 `json:"rekeys"`

	// SessionStart is zero when no session has been started.
	SessionStart time.Time     `json:"sessionStart"`
	Duration     time.Duration `json:"duration"`

	// Throughput in bytes per second averaged over Duration.
	TxRate float64 `json:"txRate"`
	RxRate float64 `json:"rxRate"`
}

// Snapshot copies the counters and derives duration and throughput.
func (s *ConnectionStats) Snapshot() StatsSnapshot {
	return s.snapshotAt(time.Now())
}

func (s *ConnectionStats) snapshotAt(now time.Time) StatsSnapshot {
	snap := StatsSnapshot{
		BytesSent:       s.BytesSent.Load(),
		BytesReceived:   s.BytesReceived.Load(),
		PacketsSent:     s.PacketsSent.Load(),
		PacketsReceived: s.PacketsReceived.Load(),
		PacketsDropped:  s.PacketsDropped.Load(),
		DecryptFailures: s.DecryptFailures.Load(),
		ReplayRejects:   s.ReplayRejects.Load(),
		IOErrors:        s.IOErrors.Load(),
		Rekeys:          s.Rekeys.Load(),
	}
	if ns := s.started.Load(); ns != 0 {
		snap.SessionStart = time.Unix(0, ns)
		snap.Duration = now.Sub(snap.SessionStart)
		if secs := snap.Duration.Seconds(); secs > 0 {
			snap.TxRate = float64(snap.BytesSent) / secs
			snap.RxRate = float64(snap.BytesReceived) / secs
		}
	}
	return snap
}
