package socket

import "time"

// Config contains timeouts for the sockets towards the tunnel server
type Config struct {
	// DialTimeout bounds TCP connect, TLS handshake and WebSocket upgrade.
	DialTimeout time.Duration

	// ReadTimeout is the read deadline applied to every frame read. An
	// expired deadline is reported as a timeout net.Error, which callers
	// treat as transient.
	ReadTimeout time.Duration

	// KeepAlive is the TCP keepalive period (0 uses the OS default).
	KeepAlive time.Duration
}

// DefaultConfig returns the default configuration for tunnel sockets
func DefaultConfig() Config {
	return Config{
		DialTimeout: 10 * time.Second,
		ReadTimeout: 30 * time.Second,
		KeepAlive:   30 * time.Second,
	}
}
