package profile

import (
	"encoding/pem"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/irctrakz/vpncore/pkg/core"
	"github.com/irctrakz/vpncore/pkg/logging"
)

// Compression is the data channel compression negotiated by a profile.
type Compression int

const (
	CompressNone Compression = iota
	// CompressStub frames packets with the no-compression marker.
	CompressStub
	CompressLZ4
	CompressLZO
)

func (c Compression) String() string {
	switch c {
	case CompressStub:
		return "stub"
	case CompressLZ4:
		return "lz4"
	case CompressLZO:
		return "lzo"
	}
	return "none"
}

// Remote is one "remote" directive.
type Remote struct {
	Host  string
	Port  int
	Proto string
}

// OpenVPNConfig is a parsed .ovpn profile.
type OpenVPNConfig struct {
	Remotes []Remote
	// Proto is "udp" or "tcp".
	Proto string
	Port  int
	Dev   string

	Cipher      string
	DataCiphers []string
	Auth        string
	Compression Compression

	AuthUserPass bool
	Username     string
	Password     string

	KeepaliveInterval int
	KeepaliveTimeout  int
	RenegSec          int

	KeyDirection   int
	RemoteCertTLS  string
	VerifyX509Name string
	TLSVersionMin  string

	// PEM blocks from inline <ca>, <cert>, <key> and <tls-auth> sections.
	CA      string
	Cert    string
	Key     string
	TLSAuth string
}

// OpenVPN defaults applied when a directive is absent.
const (
	DefaultOpenVPNPort      = 1194
	DefaultOpenVPNCipher    = "AES-256-GCM"
	DefaultOpenVPNAuth      = "SHA256"
	DefaultOpenVPNKeepalive = 10
	DefaultOpenVPNTimeout   = 60
	DefaultOpenVPNRenegSec  = 3600
)

func (c *OpenVPNConfig) Family() Family { return FamilyOpenVPN }

func (c *OpenVPNConfig) Endpoint() (string, int) {
	if len(c.Remotes) == 0 {
		return "", 0
	}
	r := c.Remotes[0]
	if r.Port == 0 {
		return r.Host, c.Port
	}
	return r.Host, r.Port
}

func (c *OpenVPNConfig) Validate() error {
	switch c.Proto {
	case "udp", "tcp":
	default:
		return core.NewConfigError("proto", fmt.Errorf("unsupported %q", c.Proto))
	}
	if c.Cert != "" && c.Key == "" {
		return core.NewConfigError("key", errors.New("<cert> given without <key>"))
	}
	if c.AuthUserPass && c.Username == "" && c.Cert == "" {
		return core.NewConfigError("auth-user-pass", errors.New("credentials required but not provided"))
	}
	for name, block := range map[string]string{"ca": c.CA, "cert": c.Cert, "key": c.Key} {
		if block == "" {
			continue
		}
		if p, _ := pem.Decode([]byte(block)); p == nil {
			return core.NewConfigError(name, errors.New("not a PEM block"))
		}
	}
	return nil
}

func (c *OpenVPNConfig) Zero() {
	c.Password = ""
	c.Key = ""
	c.TLSAuth = ""
}

// ParseOpenVPN parses directives one per line plus inline <tag> blocks.
func ParseOpenVPN(text string) (*OpenVPNConfig, error) {
	cfg := &OpenVPNConfig{
		Proto:             "udp",
		Port:              DefaultOpenVPNPort,
		Dev:               "tun",
		Cipher:            DefaultOpenVPNCipher,
		Auth:              DefaultOpenVPNAuth,
		KeepaliveInterval: DefaultOpenVPNKeepalive,
		KeepaliveTimeout:  DefaultOpenVPNTimeout,
		RenegSec:          DefaultOpenVPNRenegSec,
		KeyDirection:      -1,
	}
	recognized := false

	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	for i := 0; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if line == "" || line[0] == '#' || line[0] == ';' {
			continue
		}

		if strings.HasPrefix(line, "<") && strings.HasSuffix(line, ">") && !strings.HasPrefix(line, "</") {
			tag := line[1 : len(line)-1]
			end := "</" + tag + ">"
			var body []string
			closed := false
			for i++; i < len(lines); i++ {
				if strings.TrimSpace(lines[i]) == end {
					closed = true
					break
				}
				body = append(body, lines[i])
			}
			if !closed {
				skipField(FamilyOpenVPN, tag, "", errors.New("unterminated inline block"))
				continue
			}
			cfg.setInline(tag, strings.TrimSpace(strings.Join(body, "\n")))
			recognized = true
			continue
		}

		fields := strings.Fields(line)
		if cfg.setDirective(strings.ToLower(fields[0]), fields[1:]) {
			recognized = true
		}
	}

	if !recognized {
		return nil, core.NewConfigError("", errUnrecognized)
	}
	if len(cfg.Remotes) > 0 && cfg.Remotes[0].Proto != "" {
		cfg.Proto = cfg.Remotes[0].Proto
	}
	return cfg, nil
}

func normalizeProto(p string) (string, bool) {
	switch strings.ToLower(p) {
	case "udp", "udp4", "udp6":
		return "udp", true
	case "tcp", "tcp-client", "tcp4", "tcp6", "tcp4-client", "tcp6-client":
		return "tcp", true
	}
	return "", false
}

// setDirective applies one directive and reports whether it was known.
func (c *OpenVPNConfig) setDirective(name string, args []string) bool {
	arg := func(i int) string {
		if i < len(args) {
			return args[i]
		}
		return ""
	}
	atoi := func(field, v string) (int, bool) {
		n, err := strconv.Atoi(v)
		if err != nil {
			skipField(FamilyOpenVPN, field, v, err)
			return 0, false
		}
		return n, true
	}

	switch name {
	case "client", "tls-client", "nobind", "persist-key", "persist-tun", "pull",
		"resolv-retry", "verb", "mute", "auth-nocache", "setenv", "redirect-gateway",
		"mute-replay-warnings", "route-method", "route-delay", "block-outside-dns":
		return true
	case "dev":
		if arg(0) != "" {
			c.Dev = arg(0)
		}
	case "proto":
		p, ok := normalizeProto(arg(0))
		if !ok {
			skipField(FamilyOpenVPN, name, arg(0), errors.New("unknown protocol"))
			return true
		}
		c.Proto = p
	case "remote":
		if arg(0) == "" {
			skipField(FamilyOpenVPN, name, "", errors.New("missing host"))
			return true
		}
		r := Remote{Host: arg(0)}
		if arg(1) != "" {
			if n, ok := atoi(name, arg(1)); ok && n > 0 && n <= 65535 {
				r.Port = n
			}
		}
		if arg(2) != "" {
			r.Proto, _ = normalizeProto(arg(2))
		}
		c.Remotes = append(c.Remotes, r)
	case "port", "rport":
		if n, ok := atoi(name, arg(0)); ok && n > 0 && n <= 65535 {
			c.Port = n
		}
	case "cipher":
		if arg(0) != "" {
			c.Cipher = strings.ToUpper(arg(0))
		}
	case "data-ciphers", "ncp-ciphers":
		c.DataCiphers = nil
		for _, ci := range strings.Split(arg(0), ":") {
			if ci != "" {
				c.DataCiphers = append(c.DataCiphers, strings.ToUpper(ci))
			}
		}
	case "auth":
		if arg(0) != "" {
			c.Auth = strings.ToUpper(arg(0))
		}
	case "compress":
		switch strings.ToLower(arg(0)) {
		case "", "stub", "stub-v2":
			c.Compression = CompressStub
		case "lz4", "lz4-v2":
			c.Compression = CompressLZ4
		case "lzo":
			c.Compression = CompressLZO
		default:
			skipField(FamilyOpenVPN, name, arg(0), errors.New("unknown algorithm"))
		}
	case "comp-lzo":
		switch strings.ToLower(arg(0)) {
		case "no":
			c.Compression = CompressStub
		default:
			c.Compression = CompressLZO
		}
	case "auth-user-pass":
		c.AuthUserPass = true
		if arg(0) != "" {
			logging.Warnf("openvpn profile: auth-user-pass file %s is not read, supply credentials inline", arg(0))
		}
	case "keepalive":
		if iv, ok := atoi(name, arg(0)); ok && iv > 0 {
			c.KeepaliveInterval = iv
		}
		if to, ok := atoi(name, arg(1)); ok && to > 0 {
			c.KeepaliveTimeout = to
		}
	case "ping":
		if iv, ok := atoi(name, arg(0)); ok && iv > 0 {
			c.KeepaliveInterval = iv
		}
	case "reneg-sec":
		if n, ok := atoi(name, arg(0)); ok && n >= 0 {
			c.RenegSec = n
		}
	case "key-direction":
		if n, ok := atoi(name, arg(0)); ok && (n == 0 || n == 1) {
			c.KeyDirection = n
		}
	case "remote-cert-tls":
		c.RemoteCertTLS = arg(0)
	case "verify-x509-name":
		c.VerifyX509Name = arg(0)
	case "tls-version-min":
		c.TLSVersionMin = arg(0)
	default:
		logging.Debugf("openvpn profile: ignoring directive %s", name)
		return false
	}
	return true
}

func (c *OpenVPNConfig) setInline(tag, body string) {
	switch strings.ToLower(tag) {
	case "ca":
		c.CA = body
	case "cert":
		c.Cert = body
	case "key":
		c.Key = body
	case "tls-auth", "tls-crypt":
		c.TLSAuth = body
	case "auth-user-pass":
		parts := strings.SplitN(body, "\n", 2)
		c.AuthUserPass = true
		c.Username = strings.TrimSpace(parts[0])
		if len(parts) > 1 {
			c.Password = strings.TrimSpace(parts[1])
		}
	default:
		logging.Debugf("openvpn profile: ignoring inline block <%s>", tag)
	}
}
