// Package profile parses the connection profiles accepted by the engine:
// WireGuard INI files, OpenVPN configuration files and V2Ray share links
// or JSON outbounds.
//
// Individual fields that fail to parse are skipped with a warning and the
// default is kept. Text that is not recognizable as any profile at all is
// a ConfigError.
package profile

import (
	"errors"
	"fmt"
	"strings"

	"github.com/irctrakz/vpncore/pkg/core"
	"github.com/irctrakz/vpncore/pkg/logging"
	"github.com/sirupsen/logrus"
)

// Family identifies the protocol a profile belongs to.
type Family int

const (
	FamilyUnknown Family = iota
	FamilyWireGuard
	FamilyOpenVPN
	FamilyV2Ray
)

func (f Family) String() string {
	switch f {
	case FamilyWireGuard:
		return "wireguard"
	case FamilyOpenVPN:
		return "openvpn"
	case FamilyV2Ray:
		return "v2ray"
	}
	return "unknown"
}

// ProtocolConfig is implemented by *WireGuardConfig, *OpenVPNConfig and
// *V2RayConfig.
type ProtocolConfig interface {
	Family() Family

	// Endpoint returns the server address found in the profile, if any.
	Endpoint() (host string, port int)

	// Validate reports a ConfigError when a field required to connect is
	// missing or inconsistent.
	Validate() error

	// Zero overwrites key material held by the profile.
	Zero()
}

var errUnrecognized = errors.New("unrecognized profile format")

// Detect guesses the profile family of text.
func Detect(text string) Family {
	t := strings.TrimSpace(text)
	if t == "" {
		return FamilyUnknown
	}
	lower := strings.ToLower(t)
	for _, scheme := range []string{"vmess://", "vless://", "trojan://", "ss://"} {
		if strings.HasPrefix(lower, scheme) {
			return FamilyV2Ray
		}
	}
	if strings.HasPrefix(t, "{") {
		return FamilyV2Ray
	}
	if strings.Contains(lower, "[interface]") || strings.Contains(lower, "[peer]") {
		return FamilyWireGuard
	}
	for _, line := range strings.Split(lower, "\n") {
		f := strings.Fields(line)
		if len(f) == 0 {
			continue
		}
		switch f[0] {
		case "client", "remote", "dev", "proto", "<ca>", "auth-user-pass", "tls-client":
			return FamilyOpenVPN
		}
	}
	return FamilyUnknown
}

// Parse detects the family of text and parses it.
func Parse(text string) (ProtocolConfig, error) {
	switch Detect(text) {
	case FamilyWireGuard:
		return ParseWireGuard(text)
	case FamilyOpenVPN:
		return ParseOpenVPN(text)
	case FamilyV2Ray:
		return ParseV2Ray(text)
	}
	return nil, core.NewConfigError("", errUnrecognized)
}

// ParseAs parses text as the given family without detection.
func ParseAs(family Family, text string) (ProtocolConfig, error) {
	switch family {
	case FamilyWireGuard:
		return ParseWireGuard(text)
	case FamilyOpenVPN:
		return ParseOpenVPN(text)
	case FamilyV2Ray:
		return ParseV2Ray(text)
	}
	return nil, core.NewConfigError("", fmt.Errorf("unknown family %d", family))
}

func skipField(family Family, field, value string, err error) {
	logging.WarnWithFields(logrus.Fields{
		"component": "profile",
		"family":    family.String(),
		"field":     field,
	}, "ignoring unparseable value %q: %v", redact(field, value), err)
}

// redact hides values of secret fields in warnings.
func redact(field, value string) string {
	switch strings.ToLower(field) {
	case "privatekey", "presharedkey", "password", "id", "uuid", "key":
		return "<redacted>"
	}
	return value
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
