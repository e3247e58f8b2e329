package openvpn

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/irctrakz/vpncore/pkg/config"
	"github.com/irctrakz/vpncore/pkg/core"
	"github.com/irctrakz/vpncore/pkg/logging"
	"github.com/irctrakz/vpncore/pkg/profile"
	"github.com/irctrakz/vpncore/pkg/socket"
)

// Config is what a Session needs from the profile and the engine settings.
type Config struct {
	Host  string
	Port  int
	Proto string // "udp" or "tcp"

	Cipher      string
	Auth        string
	Compression profile.Compression

	Username string
	Password string

	CA, Cert, Key    string
	ServerName       string
	AllowInsecureTLS bool

	HandshakeTimeout  time.Duration
	RenegotiateAfter  time.Duration // 0 disables time based renegotiation
	KeepaliveInterval time.Duration
	ReplayWindow      int

	Socket socket.Config
}

// NewConfig merges a parsed profile with the engine settings. host and
// port override the first remote when set.
func NewConfig(p *profile.OpenVPNConfig, settings *config.Config, host string, port int) (Config, error) {
	if p == nil {
		return Config{}, core.NewConfigError("openvpn", errors.New("nil profile"))
	}
	if settings == nil {
		settings = config.DefaultConfig()
	}
	h, pt := p.Endpoint()
	c := Config{
		Host:              h,
		Port:              pt,
		Proto:             p.Proto,
		Auth:              p.Auth,
		Compression:       p.Compression,
		Username:          p.Username,
		Password:          p.Password,
		CA:                p.CA,
		Cert:              p.Cert,
		Key:               p.Key,
		ServerName:        p.VerifyX509Name,
		AllowInsecureTLS:  settings.Tunnel.AllowInsecureTLS,
		HandshakeTimeout:  settings.HandshakeTimeout(),
		RenegotiateAfter:  time.Duration(settings.OpenVPN.RenegotiateSec) * time.Second,
		KeepaliveInterval: time.Duration(settings.OpenVPN.KeepaliveIntervalSec) * time.Second,
		ReplayWindow:      settings.Tunnel.ReplayWindow,
		Socket: socket.Config{
			DialTimeout: settings.DialTimeout(),
			ReadTimeout: settings.ReadTimeout(),
		},
	}
	if p.RenegSec != profile.DefaultOpenVPNRenegSec {
		c.RenegotiateAfter = time.Duration(p.RenegSec) * time.Second
	}
	if p.KeepaliveInterval != profile.DefaultOpenVPNKeepalive {
		c.KeepaliveInterval = time.Duration(p.KeepaliveInterval) * time.Second
	}
	if host != "" {
		c.Host = host
	}
	if port > 0 {
		c.Port = port
	}

	c.Cipher = p.Cipher
	for _, name := range p.DataCiphers {
		if supportedCipher(name) {
			c.Cipher = name
			break
		}
	}
	return c, c.validate()
}

func (c *Config) validate() error {
	switch {
	case c.Host == "":
		return core.NewConfigError("remote", errors.New("no server address"))
	case c.Port <= 0 || c.Port > 65535:
		return core.NewConfigError("remote", errors.New("invalid port"))
	case c.Proto != "udp" && c.Proto != "tcp":
		return core.NewConfigError("proto", fmt.Errorf("unsupported %q", c.Proto))
	case !supportedCipher(c.Cipher):
		return core.NewConfigError("cipher", fmt.Errorf("%w: %s", core.ErrUnsupported, c.Cipher))
	case isCBC(c.Cipher) && c.Auth != "" && c.Auth != "SHA256":
		return core.NewConfigError("auth", fmt.Errorf("%w: %s", core.ErrUnsupported, c.Auth))
	case c.CA == "" && !c.AllowInsecureTLS:
		return core.NewConfigError("ca", errors.New("no CA certificate; set allowInsecureTLS to connect without verification"))
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.ServerName == "" {
		c.ServerName = c.Host
	}
	return nil
}

// tlsConfig builds the control channel TLS settings.
func (c *Config) tlsConfig() (*tls.Config, error) {
	conf := &tls.Config{
		ServerName: c.ServerName,
		MinVersion: tls.VersionTLS12,
	}
	if c.CA != "" {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(c.CA)) {
			return nil, core.NewConfigError("ca", errors.New("no certificate found in <ca>"))
		}
		conf.RootCAs = pool
	} else {
		logging.Warnf("openvpn: no <ca> in profile, server certificate is NOT verified")
		conf.InsecureSkipVerify = true
	}
	if c.Cert != "" {
		cert, err := tls.X509KeyPair([]byte(c.Cert), []byte(c.Key))
		if err != nil {
			return nil, core.NewConfigError("cert", err)
		}
		conf.Certificates = []tls.Certificate{cert}
	}
	return conf, nil
}

// Zero drops the secrets held by the config.
func (c *Config) Zero() {
	c.Password = ""
	c.Key = ""
}

func isCBC(name string) bool {
	return strings.HasSuffix(strings.ToUpper(name), "-CBC")
}
