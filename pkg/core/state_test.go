package core

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStateNames(t *testing.T) {
	assert.Equal(t, "DISCONNECTED", StateDisconnected.String())
	assert.Equal(t, "HANDSHAKING", StateHandshaking.String())
	assert.Equal(t, "ERROR", StateError.String())
	assert.Equal(t, "UNKNOWN", ConnectionState(42).String())
}

func TestCanTransition(t *testing.T) {
	// the happy path
	path := []ConnectionState{StateDisconnected, StateConnecting, StateHandshaking,
		StateConnected, StateDisconnecting, StateDisconnected}
	for i := 0; i+1 < len(path); i++ {
		assert.True(t, CanTransition(path[i], path[i+1]), "%s -> %s", path[i], path[i+1])
	}

	assert.True(t, CanTransition(StateHandshaking, StateError))
	assert.True(t, CanTransition(StateError, StateDisconnecting))
	assert.True(t, CanTransition(StateConnecting, StateDisconnected))

	assert.False(t, CanTransition(StateDisconnected, StateConnected))
	assert.False(t, CanTransition(StateDisconnected, StateDisconnecting))
	assert.False(t, CanTransition(StateConnected, StateHandshaking))
	assert.False(t, CanTransition(StateError, StateConnected))
}

func TestErrorClassification(t *testing.T) {
	cfg := NewConfigError("PrivateKey", errors.New("bad base64"))
	assert.True(t, IsConfigError(fmt.Errorf("connect: %w", cfg)))
	assert.Contains(t, cfg.Error(), "PrivateKey")

	hs := NewHandshakeError("wireguard", errors.New("timeout"))
	assert.True(t, IsHandshakeError(hs))
	assert.Same(t, hs, NewHandshakeError("wireguard", hs))

	assert.True(t, IsPacketError(&CryptoError{Op: "open", Err: ErrAuthentication}))
	assert.True(t, IsPacketError(&ReplayError{Counter: 7, Err: ErrReplay}))
	assert.True(t, errors.Is(&ReplayError{Counter: 7, Err: ErrReplay}, ErrReplay))
	assert.False(t, IsPacketError(&IOError{Op: "read", Err: errors.New("closed")}))
}

func TestStatsSnapshot(t *testing.T) {
	var s ConnectionStats
	snap := s.Snapshot()
	assert.True(t, snap.SessionStart.IsZero())
	assert.Zero(t, snap.TxRate)

	start := time.Now().Add(-2 * time.Second)
	s.Start(start)
	s.RecordSent(1000)
	s.RecordSent(1000)
	s.RecordReceived(500)
	s.DecryptFailures.Add(1)

	snap = s.snapshotAt(start.Add(2 * time.Second))
	assert.Equal(t, uint64(2), snap.PacketsSent)
	assert.Equal(t, uint64(2000), snap.BytesSent)
	assert.Equal(t, uint64(1), snap.PacketsReceived)
	assert.Equal(t, uint64(1), snap.DecryptFailures)
	assert.Equal(t, 2*time.Second, snap.Duration)
	assert.InDelta(t, 1000.0, snap.TxRate, 0.001)
	assert.InDelta(t, 250.0, snap.RxRate, 0.001)

	s.Reset()
	assert.Zero(t, s.Snapshot().BytesSent)
}
