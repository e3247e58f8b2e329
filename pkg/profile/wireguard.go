package profile

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/irctrakz/vpncore/pkg/core"
	"github.com/irctrakz/vpncore/pkg/crypto"
	"github.com/irctrakz/vpncore/pkg/logging"
)

// WireGuard defaults applied when the profile omits a field.
var (
	DefaultWireGuardDNS        = []string{"1.1.1.1", "1.0.0.1"}
	DefaultWireGuardAllowedIPs = []string{"0.0.0.0/0"}
)

const DefaultWireGuardMTU = 1420

// WireGuardConfig is a parsed wg-quick style profile.
type WireGuardConfig struct {
	PrivateKey crypto.Key
	// PublicKey is derived from PrivateKey.
	PublicKey crypto.Key
	// GeneratedKey is set when the profile had no PrivateKey.
	GeneratedKey bool

	Addresses  []string
	DNS        []string
	MTU        int
	ListenPort int

	PeerPublicKey       crypto.Key
	PresharedKey        crypto.Key
	HasPresharedKey     bool
	EndpointHost        string
	EndpointPort        int
	AllowedIPs          []string
	PersistentKeepalive int
}

func (c *WireGuardConfig) Family() Family { return FamilyWireGuard }

func (c *WireGuardConfig) Endpoint() (string, int) { return c.EndpointHost, c.EndpointPort }

func (c *WireGuardConfig) Validate() error {
	if c.PrivateKey.IsZero() {
		return core.NewConfigError("PrivateKey", errors.New("missing"))
	}
	if c.PeerPublicKey.IsZero() {
		return core.NewConfigError("PublicKey", errors.New("peer public key missing"))
	}
	if c.MTU < 576 || c.MTU > core.MaxPacketSize {
		return core.NewConfigError("MTU", fmt.Errorf("out of range: %d", c.MTU))
	}
	return nil
}

func (c *WireGuardConfig) Zero() {
	c.PrivateKey.Zero()
	c.PresharedKey.Zero()
}

// ParseWireGuard parses an INI profile with [Interface] and [Peer]
// sections. Only the first [Peer] is used.
func ParseWireGuard(text string) (*WireGuardConfig, error) {
	cfg := &WireGuardConfig{MTU: DefaultWireGuardMTU}
	section := ""
	peers := 0
	recognized := false

	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if i := strings.IndexAny(line, "#;"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.ToLower(strings.TrimSpace(line[1 : len(line)-1]))
			if section == "peer" {
				peers++
			}
			recognized = true
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			skipField(FamilyWireGuard, line, "", errors.New("expected key = value"))
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch section {
		case "interface":
			cfg.setInterface(key, value)
		case "peer":
			if peers > 1 {
				continue
			}
			cfg.setPeer(key, value)
		default:
			skipField(FamilyWireGuard, key, value, errors.New("outside of a section"))
		}
	}
	if !recognized {
		return nil, core.NewConfigError("", errUnrecognized)
	}
	if peers > 1 {
		logging.Warnf("wireguard profile has %d peers, using the first", peers)
	}

	if cfg.PrivateKey.IsZero() {
		kp, err := crypto.GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		cfg.PrivateKey = kp.Private
		cfg.GeneratedKey = true
		logging.Infof("wireguard profile has no private key, generated one")
	}
	pub, err := crypto.DerivePublicKey(cfg.PrivateKey[:])
	if err != nil {
		return nil, core.NewConfigError("PrivateKey", err)
	}
	copy(cfg.PublicKey[:], pub)

	if len(cfg.DNS) == 0 {
		cfg.DNS = append([]string(nil), DefaultWireGuardDNS...)
	}
	if len(cfg.AllowedIPs) == 0 {
		cfg.AllowedIPs = append([]string(nil), DefaultWireGuardAllowedIPs...)
	}
	return cfg, nil
}

func (c *WireGuardConfig) setInterface(key, value string) {
	switch strings.ToLower(key) {
	case "privatekey":
		k, err := crypto.ParseKey(value)
		if err != nil {
			skipField(FamilyWireGuard, key, value, err)
			return
		}
		c.PrivateKey = k
	case "address":
		for _, a := range splitList(value) {
			if _, err := netip.ParsePrefix(a); err != nil {
				if _, err2 := netip.ParseAddr(a); err2 != nil {
					skipField(FamilyWireGuard, key, a, err)
					continue
				}
			}
			c.Addresses = append(c.Addresses, a)
		}
	case "dns":
		// search domains are allowed next to resolver addresses
		c.DNS = append(c.DNS, splitList(value)...)
	case "mtu":
		n, err := strconv.Atoi(value)
		if err != nil {
			skipField(FamilyWireGuard, key, value, err)
			return
		}
		c.MTU = n
	case "listenport":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 || n > 65535 {
			skipField(FamilyWireGuard, key, value, fmt.Errorf("invalid port"))
			return
		}
		c.ListenPort = n
	default:
		// PostUp, Table, SaveConfig and friends belong to wg-quick
		logging.Debugf("wireguard profile: ignoring interface field %s", key)
	}
}

func (c *WireGuardConfig) setPeer(key, value string) {
	switch strings.ToLower(key) {
	case "publickey":
		k, err := crypto.ParseKey(value)
		if err != nil {
			skipField(FamilyWireGuard, key, value, err)
			return
		}
		c.PeerPublicKey = k
	case "presharedkey":
		k, err := crypto.ParseKey(value)
		if err != nil {
			skipField(FamilyWireGuard, key, value, err)
			return
		}
		c.PresharedKey = k
		c.HasPresharedKey = true
	case "endpoint":
		host, port, err := splitHostPort(value)
		if err != nil {
			skipField(FamilyWireGuard, key, value, err)
			return
		}
		c.EndpointHost, c.EndpointPort = host, port
	case "allowedips":
		for _, a := range splitList(value) {
			if _, err := netip.ParsePrefix(a); err != nil {
				skipField(FamilyWireGuard, key, a, err)
				continue
			}
			c.AllowedIPs = append(c.AllowedIPs, a)
		}
	case "persistentkeepalive":
		if strings.EqualFold(value, "off") {
			c.PersistentKeepalive = 0
			return
		}
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 || n > 65535 {
			skipField(FamilyWireGuard, key, value, fmt.Errorf("invalid interval"))
			return
		}
		c.PersistentKeepalive = n
	default:
		logging.Debugf("wireguard profile: ignoring peer field %s", key)
	}
}

func splitHostPort(v string) (string, int, error) {
	host, p, err := net.SplitHostPort(v)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", p)
	}
	return host, port, nil
}
