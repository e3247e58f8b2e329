// Package handler is the facade a host application drives: it parses a
// protocol profile, dials and handshakes the matching session, then runs
// the packet pump and the rekey and keepalive tasks until disconnect.
package handler

import (
	"context"
	"time"

	"github.com/irctrakz/vpncore/pkg/core"
	"github.com/irctrakz/vpncore/pkg/tunnel"
)

// Handler is the uniform surface over every protocol family.
type Handler interface {
	// Connect blocks until the handshake succeeds or fails. address and
	// port override the profile endpoint when set.
	Connect(ctx context.Context, address string, port int, profileText string, iface core.Interface) error

	// Disconnect tears the tunnel down. It is idempotent and safe from
	// any state.
	Disconnect() error

	IsConnected() bool
	Stats() core.StatsSnapshot
}

// session is what each protocol package provides.
type session interface {
	Protocol() string
	Handshake(ctx context.Context) error
	Transport() tunnel.Transport
	Codec() tunnel.Codec

	// KeepaliveInterval of 0 disables the keepalive task.
	KeepaliveInterval() time.Duration
	Keepalive(p *tunnel.Pump) error

	// RekeyCheckInterval of 0 disables the rekey task.
	RekeyCheckInterval() time.Duration
	OnRekeyNeeded(fn func())
	NeedsRekey() bool
	Rekey(ctx context.Context) error

	LastHandshake() time.Time
	Close() error
}

// monitor is implemented by sessions that log their own status.
type monitor interface {
	Monitor(ctx context.Context, stats *core.ConnectionStats, interval time.Duration)
}
