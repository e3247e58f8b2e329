package wireguard

import (
	"errors"
	"time"

	"github.com/irctrakz/vpncore/pkg/config"
	"github.com/irctrakz/vpncore/pkg/core"
	"github.com/irctrakz/vpncore/pkg/crypto"
	"github.com/irctrakz/vpncore/pkg/profile"
	"github.com/irctrakz/vpncore/pkg/socket"
)

// Config holds everything a Session needs: the static identity, the peer,
// and the timers.
type Config struct {
	PrivateKey    crypto.Key
	PeerPublicKey crypto.Key
	PresharedKey  crypto.Key // all zero when the profile has none

	Host string
	Port int
	MTU  int

	HandshakeTimeout   time.Duration
	RekeyAfterTime     time.Duration
	RejectAfterTime    time.Duration
	RekeyAfterMessages uint64
	KeepaliveInterval  time.Duration // 0 disables keepalives
	ReplayWindow       int

	Socket socket.Config
}

// NewConfig combines a parsed profile with the engine settings. host and
// port override the profile endpoint when set.
//
// Keepalive follows the profile's PersistentKeepalive when present,
// otherwise the engine default.
func NewConfig(p *profile.WireGuardConfig, settings *config.Config, host string, port int) (Config, error) {
	if p == nil {
		return Config{}, core.NewConfigError("wireguard", errors.New("nil profile"))
	}
	if settings == nil {
		settings = config.DefaultConfig()
	}
	c := Config{
		PrivateKey:         p.PrivateKey,
		PeerPublicKey:      p.PeerPublicKey,
		Host:               p.EndpointHost,
		Port:               p.EndpointPort,
		MTU:                p.MTU,
		HandshakeTimeout:   settings.HandshakeTimeout(),
		RekeyAfterTime:     time.Duration(settings.WireGuard.RekeyAfterSec) * time.Second,
		RejectAfterTime:    time.Duration(settings.WireGuard.RejectAfterSec) * time.Second,
		RekeyAfterMessages: settings.WireGuard.RekeyAfterMessages,
		KeepaliveInterval:  time.Duration(settings.WireGuard.KeepaliveIntervalSec) * time.Second,
		ReplayWindow:       settings.Tunnel.ReplayWindow,
		Socket: socket.Config{
			DialTimeout: settings.DialTimeout(),
			ReadTimeout: settings.ReadTimeout(),
		},
	}
	if p.HasPresharedKey {
		c.PresharedKey = p.PresharedKey
	}
	if p.PersistentKeepalive > 0 {
		c.KeepaliveInterval = time.Duration(p.PersistentKeepalive) * time.Second
	}
	if host != "" {
		c.Host = host
	}
	if port > 0 {
		c.Port = port
	}
	if c.MTU <= 0 {
		c.MTU = settings.Tunnel.MTU
	}
	return c, c.validate()
}

func (c *Config) validate() error {
	switch {
	case c.PrivateKey.IsZero():
		return core.NewConfigError("PrivateKey", errors.New("missing"))
	case c.PeerPublicKey.IsZero():
		return core.NewConfigError("PublicKey", errors.New("missing"))
	case c.Host == "":
		return core.NewConfigError("Endpoint", errors.New("no server address"))
	case c.Port <= 0 || c.Port > 65535:
		return core.NewConfigError("Endpoint", errors.New("invalid port"))
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.RekeyAfterTime <= 0 {
		c.RekeyAfterTime = RekeyAfterTime
	}
	if c.RejectAfterTime <= c.RekeyAfterTime {
		c.RejectAfterTime = c.RekeyAfterTime + (RejectAfterTime - RekeyAfterTime)
	}
	if c.RekeyAfterMessages == 0 || c.RekeyAfterMessages > RejectAfterMessages {
		c.RekeyAfterMessages = RekeyAfterMessages
	}
	return nil
}

// Zero wipes the key material held by the config.
func (c *Config) Zero() {
	c.PrivateKey.Zero()
	c.PresharedKey.Zero()
}
