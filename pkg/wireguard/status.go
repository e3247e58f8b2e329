package wireguard

import (
	"context"
	"fmt"
	"time"

	"github.com/irctrakz/vpncore/pkg/core"
	"github.com/irctrakz/vpncore/pkg/logging"
)

// Monitor periodically logs handshake status and transfer counters to
// help diagnose connection issues. It returns when ctx ends.
func (s *Session) Monitor(ctx context.Context, stats *core.ConnectionStats, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Debugf("WireGuard handshake monitoring started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var rx, tx uint64
			if stats != nil {
				rx, tx = stats.BytesReceived.Load(), stats.BytesSent.Load()
			}
			logPeerStatus(s.cfg.PeerPublicKey.String(), s.LastHandshake(), s.conn.RemoteAddr().String(), rx, tx)
		}
	}
}

// handshakeAge renders the time since the last handshake.
func handshakeAge(last time.Time, now time.Time) string {
	if last.IsZero() {
		return "never"
	}
	age := now.Sub(last)
	if age < time.Minute {
		return fmt.Sprintf("%d seconds ago", int(age.Seconds()))
	} else if age < time.Hour {
		return fmt.Sprintf("%d minutes ago", int(age.Minutes()))
	}
	return fmt.Sprintf("%d hours ago", int(age.Hours()))
}

// logPeerStatus logs the status of the WireGuard peer
func logPeerStatus(publicKey string, last time.Time, endpoint string, rx, tx uint64) {
	logging.Infof("WireGuard peer %s: handshake=%s endpoint=%s transfer=rx:%d/tx:%d bytes",
		logging.ShortKey(publicKey), handshakeAge(last, time.Now()), endpoint, rx, tx)
}
