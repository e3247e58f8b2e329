package v2ray

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/irctrakz/vpncore/pkg/config"
	"github.com/irctrakz/vpncore/pkg/core"
	"github.com/irctrakz/vpncore/pkg/logging"
	"github.com/irctrakz/vpncore/pkg/profile"
	"github.com/irctrakz/vpncore/pkg/socket"
)

// Config is everything a Session needs to reach the server and open the
// protocol stream.
type Config struct {
	Protocol profile.V2RayProtocol
	Host     string
	Port     int

	UUID     uuid.UUID
	Security string // VMess body security
	Password string
	Method   string // Shadowsocks method

	Transport profile.V2RayTransport
	Path      string
	WSHost    string

	TLS           bool
	SNI           string
	ALPN          []string
	AllowInsecure bool
	RootCAs       *x509.CertPool // nil uses the system roots

	// Destination is the host:port written into the request header.
	Destination string

	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	Socket           socket.Config
}

// NewConfig merges a parsed profile with the engine settings. host and
// port override the profile address when set.
func NewConfig(p *profile.V2RayConfig, settings *config.Config, host string, port int) (Config, error) {
	if p == nil {
		return Config{}, core.NewConfigError("v2ray", errors.New("nil profile"))
	}
	if settings == nil {
		settings = config.DefaultConfig()
	}
	c := Config{
		Protocol:         p.Protocol,
		Host:             p.Address,
		Port:             p.Port,
		UUID:             p.UUID,
		Security:         p.Security,
		Password:         p.Password,
		Method:           strings.ToLower(p.Method),
		Transport:        p.Transport,
		Path:             p.Path,
		WSHost:           p.Host,
		TLS:              p.TLS,
		SNI:              p.SNI,
		ALPN:             p.ALPN,
		Destination:      settings.V2Ray.TunnelDestination,
		HandshakeTimeout: settings.HandshakeTimeout(),
		PingInterval:     time.Duration(settings.V2Ray.WebSocketPingSec) * time.Second,
		Socket: socket.Config{
			DialTimeout: settings.DialTimeout(),
			ReadTimeout: settings.ReadTimeout(),
		},
	}
	if p.AllowInsecure {
		if settings.Tunnel.AllowInsecureTLS {
			c.AllowInsecure = true
		} else {
			logging.Warnf("v2ray profile asks for allowInsecure; ignored unless allowInsecureTLS is set")
		}
	}
	if host != "" {
		c.Host = host
	}
	if port > 0 {
		c.Port = port
	}
	return c, c.validate()
}

func (c *Config) validate() error {
	switch {
	case c.Host == "":
		return core.NewConfigError("address", errors.New("missing"))
	case c.Port <= 0 || c.Port > 65535:
		return core.NewConfigError("port", fmt.Errorf("out of range: %d", c.Port))
	case c.Transport != profile.TransportTCP && c.Transport != profile.TransportWebSocket:
		return core.NewConfigError("network", fmt.Errorf("%w: %s transport", core.ErrUnsupported, c.Transport))
	}
	switch c.Protocol {
	case profile.ProtocolVMess:
		if c.UUID == uuid.Nil {
			return core.NewConfigError("id", errors.New("missing user id"))
		}
		if _, err := parseSecurity(c.Security); err != nil {
			return core.NewConfigError("security", err)
		}
	case profile.ProtocolVLESS:
		if c.UUID == uuid.Nil {
			return core.NewConfigError("id", errors.New("missing user id"))
		}
	case profile.ProtocolTrojan:
		if c.Password == "" {
			return core.NewConfigError("password", errors.New("missing"))
		}
		if !c.TLS {
			return core.NewConfigError("security", errors.New("trojan requires tls"))
		}
	case profile.ProtocolShadowsocks:
		if c.Password == "" {
			return core.NewConfigError("password", errors.New("missing"))
		}
		if _, ok := profile.ShadowsocksMethods[c.Method]; !ok {
			return core.NewConfigError("method", fmt.Errorf("%w: %q", core.ErrUnsupported, c.Method))
		}
	default:
		return core.NewConfigError("protocol", errors.New("missing"))
	}
	if c.Destination == "" {
		c.Destination = net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	}
	if _, err := parseDestination(c.Destination); err != nil {
		return core.NewConfigError("tunnelDestination", err)
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	return nil
}

func (c *Config) tlsConfig() *tls.Config {
	name := c.SNI
	if name == "" {
		name = c.WSHost
	}
	if name == "" {
		name = c.Host
	}
	conf := &tls.Config{
		ServerName:         name,
		MinVersion:         tls.VersionTLS12,
		RootCAs:            c.RootCAs,
		InsecureSkipVerify: c.AllowInsecure,
	}
	if c.Transport == profile.TransportTCP {
		conf.NextProtos = c.ALPN
	}
	return conf
}

// Zero drops the credentials held by the config.
func (c *Config) Zero() {
	c.UUID = uuid.Nil
	c.Password = ""
}
