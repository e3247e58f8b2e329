package profile

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/irctrakz/vpncore/pkg/core"
)

// V2RayProtocol is the outbound protocol of a V2Ray profile.
type V2RayProtocol int

const (
	ProtocolVMess V2RayProtocol = iota + 1
	ProtocolVLESS
	ProtocolTrojan
	ProtocolShadowsocks
)

func (p V2RayProtocol) String() string {
	switch p {
	case ProtocolVMess:
		return "vmess"
	case ProtocolVLESS:
		return "vless"
	case ProtocolTrojan:
		return "trojan"
	case ProtocolShadowsocks:
		return "shadowsocks"
	}
	return "unknown"
}

// V2RayTransport is the stream transport below the protocol.
type V2RayTransport int

const (
	TransportTCP V2RayTransport = iota
	TransportWebSocket
	TransportGRPC
	TransportHTTP
	TransportQUIC
	TransportKCP
)

func (t V2RayTransport) String() string {
	switch t {
	case TransportTCP:
		return "TCP"
	case TransportWebSocket:
		return "WEBSOCKET"
	case TransportGRPC:
		return "GRPC"
	case TransportHTTP:
		return "HTTP"
	case TransportQUIC:
		return "QUIC"
	case TransportKCP:
		return "KCP"
	}
	return "UNKNOWN"
}

// ParseTransport maps share-link and JSON network names.
func ParseTransport(name string) (V2RayTransport, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "tcp", "raw":
		return TransportTCP, nil
	case "ws", "websocket":
		return TransportWebSocket, nil
	case "grpc", "gun":
		return TransportGRPC, nil
	case "h2", "http":
		return TransportHTTP, nil
	case "quic":
		return TransportQUIC, nil
	case "kcp", "mkcp":
		return TransportKCP, nil
	}
	return TransportTCP, fmt.Errorf("unknown transport %q", name)
}

// Shadowsocks AEAD methods the engine implements.
var ShadowsocksMethods = map[string]int{
	"aes-128-gcm":            16,
	"aes-256-gcm":            32,
	"chacha20-ietf-poly1305": 32,
}

// V2RayConfig is a parsed V2Ray/Xray outbound.
type V2RayConfig struct {
	Protocol V2RayProtocol
	Address  string
	Port     int
	Remark   string

	// VMess / VLESS
	UUID       uuid.UUID
	AlterID    int
	Security   string
	Encryption string
	Flow       string

	// Trojan / Shadowsocks
	Password string
	Method   string

	Transport   V2RayTransport
	Path        string
	Host        string
	ServiceName string

	TLS           bool
	SNI           string
	ALPN          []string
	AllowInsecure bool
	Fingerprint   string
}

func (c *V2RayConfig) Family() Family { return FamilyV2Ray }

func (c *V2RayConfig) Endpoint() (string, int) { return c.Address, c.Port }

func (c *V2RayConfig) Validate() error {
	if c.Address == "" {
		return core.NewConfigError("address", errors.New("missing"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		return core.NewConfigError("port", fmt.Errorf("out of range: %d", c.Port))
	}
	switch c.Protocol {
	case ProtocolVMess, ProtocolVLESS:
		if c.UUID == uuid.Nil {
			return core.NewConfigError("id", errors.New("missing user id"))
		}
	case ProtocolTrojan:
		if c.Password == "" {
			return core.NewConfigError("password", errors.New("missing"))
		}
	case ProtocolShadowsocks:
		if c.Password == "" {
			return core.NewConfigError("password", errors.New("missing"))
		}
		if _, ok := ShadowsocksMethods[strings.ToLower(c.Method)]; !ok {
			return core.NewConfigError("method", fmt.Errorf("%w: %q", core.ErrUnsupported, c.Method))
		}
	default:
		return core.NewConfigError("protocol", errors.New("missing"))
	}
	return nil
}

func (c *V2RayConfig) Zero() {
	c.UUID = uuid.Nil
	c.Password = ""
}

// ParseV2Ray accepts a share link or a JSON outbound/config.
func ParseV2Ray(text string) (*V2RayConfig, error) {
	t := strings.TrimSpace(text)
	if strings.HasPrefix(t, "{") {
		return ParseV2RayJSON([]byte(t))
	}
	return ParseV2RayURI(t)
}

// ParseV2RayURI parses vmess://, vless://, trojan:// and ss:// links.
func ParseV2RayURI(link string) (*V2RayConfig, error) {
	scheme, rest, ok := strings.Cut(strings.TrimSpace(link), "://")
	if !ok {
		return nil, core.NewConfigError("", errUnrecognized)
	}
	switch strings.ToLower(scheme) {
	case "vmess":
		return parseVMessLink(rest)
	case "vless":
		return parseUserLink(ProtocolVLESS, link)
	case "trojan":
		return parseUserLink(ProtocolTrojan, link)
	case "ss":
		return parseShadowsocksLink(rest)
	}
	return nil, core.NewConfigError("scheme", fmt.Errorf("%w: %q", core.ErrUnsupported, scheme))
}

// flexInt decodes numbers that share links encode as either JSON numbers
// or strings.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	*f = flexInt(n)
	return nil
}

type vmessLink struct {
	Remark        string  `json:"ps"`
	Address       string  `json:"add"`
	Port          flexInt `json:"port"`
	ID            string  `json:"id"`
	AlterID       flexInt `json:"aid"`
	Security      string  `json:"scy"`
	Network       string  `json:"net"`
	Type          string  `json:"type"`
	Host          string  `json:"host"`
	Path          string  `json:"path"`
	TLS           string  `json:"tls"`
	SNI           string  `json:"sni"`
	ALPN          string  `json:"alpn"`
	Fingerprint   string  `json:"fp"`
	AllowInsecure flexInt `json:"allowInsecure"`
}

func decodeBase64Loose(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, errors.New("invalid base64")
}

func parseVMessLink(payload string) (*V2RayConfig, error) {
	raw, err := decodeBase64Loose(payload)
	if err != nil {
		return nil, core.NewConfigError("vmess", err)
	}
	var l vmessLink
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil, core.NewConfigError("vmess", fmt.Errorf("invalid link JSON: %w", err))
	}
	cfg := &V2RayConfig{
		Protocol:    ProtocolVMess,
		Address:     l.Address,
		Port:        int(l.Port),
		Remark:      l.Remark,
		AlterID:     int(l.AlterID),
		Security:    l.Security,
		Host:        l.Host,
		Path:        l.Path,
		TLS:         strings.EqualFold(l.TLS, "tls"),
		SNI:         l.SNI,
		ALPN:        splitList(l.ALPN),
		Fingerprint: l.Fingerprint,

		AllowInsecure: l.AllowInsecure != 0,
	}
	if cfg.Security == "" {
		cfg.Security = "auto"
	}
	cfg.setUUID(l.ID)
	cfg.setTransport(l.Network)
	if cfg.Transport == TransportGRPC {
		cfg.ServiceName = l.Path
	}
	return cfg, nil
}

// parseUserLink handles the shared vless/trojan URI layout
// scheme://user@host:port?params#remark.
func parseUserLink(proto V2RayProtocol, link string) (*V2RayConfig, error) {
	u, err := url.Parse(link)
	if err != nil {
		return nil, core.NewConfigError(proto.String(), err)
	}
	cfg := &V2RayConfig{
		Protocol: proto,
		Address:  u.Hostname(),
		Remark:   u.Fragment,
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			skipField(FamilyV2Ray, "port", p, err)
		}
		cfg.Port = n
	}
	user := ""
	if u.User != nil {
		user = u.User.Username()
	}

	q := u.Query()
	switch proto {
	case ProtocolVLESS:
		cfg.setUUID(user)
		cfg.Encryption = q.Get("encryption")
		if cfg.Encryption == "" {
			cfg.Encryption = "none"
		}
		cfg.Flow = q.Get("flow")
		cfg.TLS = q.Get("security") == "tls" || q.Get("security") == "reality" || q.Get("security") == "xtls"
	case ProtocolTrojan:
		cfg.Password = user
		// trojan always runs over TLS unless explicitly disabled
		cfg.TLS = q.Get("security") != "none"
	}
	cfg.setTransport(q.Get("type"))
	cfg.Path = q.Get("path")
	cfg.Host = q.Get("host")
	cfg.ServiceName = q.Get("serviceName")
	cfg.SNI = q.Get("sni")
	if cfg.SNI == "" {
		cfg.SNI = q.Get("peer")
	}
	cfg.ALPN = splitList(q.Get("alpn"))
	cfg.Fingerprint = q.Get("fp")
	switch q.Get("allowInsecure") {
	case "1", "true":
		cfg.AllowInsecure = true
	}
	return cfg, nil
}

func parseShadowsocksLink(rest string) (*V2RayConfig, error) {
	cfg := &V2RayConfig{Protocol: ProtocolShadowsocks}
	if i := strings.Index(rest, "#"); i >= 0 {
		remark, err := url.PathUnescape(rest[i+1:])
		if err != nil {
			remark = rest[i+1:]
		}
		cfg.Remark = remark
		rest = rest[:i]
	}

	var userinfo, hostport string
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		// SIP002
		userinfo, hostport = rest[:at], rest[at+1:]
		if i := strings.IndexAny(hostport, "/?"); i >= 0 {
			hostport = hostport[:i]
		}
		if dec, err := decodeBase64Loose(userinfo); err == nil && strings.Contains(string(dec), ":") {
			userinfo = string(dec)
		} else if unesc, err := url.PathUnescape(userinfo); err == nil {
			userinfo = unesc
		}
	} else {
		// legacy: the whole method:password@host:port is base64
		dec, err := decodeBase64Loose(rest)
		if err != nil {
			return nil, core.NewConfigError("ss", err)
		}
		at := strings.LastIndex(string(dec), "@")
		if at < 0 {
			return nil, core.NewConfigError("ss", errors.New("missing server in legacy link"))
		}
		userinfo, hostport = string(dec[:at]), string(dec[at+1:])
	}

	method, password, ok := strings.Cut(userinfo, ":")
	if !ok {
		return nil, core.NewConfigError("ss", errors.New("userinfo must be method:password"))
	}
	cfg.Method = strings.ToLower(method)
	cfg.Password = password

	host, port, err := splitHostPort(hostport)
	if err != nil {
		return nil, core.NewConfigError("ss", err)
	}
	cfg.Address, cfg.Port = host, port
	return cfg, nil
}

func (c *V2RayConfig) setUUID(id string) {
	u, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		skipField(FamilyV2Ray, "id", id, err)
		return
	}
	c.UUID = u
}

func (c *V2RayConfig) setTransport(name string) {
	t, err := ParseTransport(name)
	if err != nil {
		skipField(FamilyV2Ray, "network", name, err)
	}
	c.Transport = t
}

type jsonUser struct {
	ID         string  `json:"id"`
	AlterID    flexInt `json:"alterId"`
	Security   string  `json:"security"`
	Encryption string  `json:"encryption"`
	Flow       string  `json:"flow"`
}

type jsonServer struct {
	Address  string     `json:"address"`
	Port     flexInt    `json:"port"`
	Users    []jsonUser `json:"users"`
	Password string     `json:"password"`
	Method   string     `json:"method"`
}

type jsonOutbound struct {
	Protocol string `json:"protocol"`
	Tag      string `json:"tag"`
	Settings struct {
		Vnext   []jsonServer `json:"vnext"`
		Servers []jsonServer `json:"servers"`
	} `json:"settings"`
	StreamSettings struct {
		Network     string `json:"network"`
		Security    string `json:"security"`
		TLSSettings struct {
			ServerName    string   `json:"serverName"`
			AllowInsecure bool     `json:"allowInsecure"`
			ALPN          []string `json:"alpn"`
			Fingerprint   string   `json:"fingerprint"`
		} `json:"tlsSettings"`
		WSSettings struct {
			Path    string            `json:"path"`
			Host    string            `json:"host"`
			Headers map[string]string `json:"headers"`
		} `json:"wsSettings"`
		GRPCSettings struct {
			ServiceName string `json:"serviceName"`
		} `json:"grpcSettings"`
	} `json:"streamSettings"`
}

// ParseV2RayJSON accepts either a single outbound object or a full
// config with an "outbounds" array, in which case the first proxy
// outbound is used.
func ParseV2RayJSON(data []byte) (*V2RayConfig, error) {
	var probe struct {
		Outbounds []jsonOutbound `json:"outbounds"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, core.NewConfigError("json", err)
	}
	candidates := probe.Outbounds
	if len(candidates) == 0 {
		var ob jsonOutbound
		if err := json.Unmarshal(data, &ob); err != nil {
			return nil, core.NewConfigError("json", err)
		}
		candidates = []jsonOutbound{ob}
	}
	for _, ob := range candidates {
		if cfg, ok := fromOutbound(ob); ok {
			return cfg, nil
		}
	}
	return nil, core.NewConfigError("outbounds", errors.New("no vmess, vless, trojan or shadowsocks outbound"))
}

func fromOutbound(ob jsonOutbound) (*V2RayConfig, bool) {
	cfg := &V2RayConfig{Remark: ob.Tag}
	switch strings.ToLower(ob.Protocol) {
	case "vmess":
		cfg.Protocol = ProtocolVMess
	case "vless":
		cfg.Protocol = ProtocolVLESS
	case "trojan":
		cfg.Protocol = ProtocolTrojan
	case "shadowsocks", "ss":
		cfg.Protocol = ProtocolShadowsocks
	default:
		return nil, false
	}

	servers := ob.Settings.Vnext
	if len(servers) == 0 {
		servers = ob.Settings.Servers
	}
	if len(servers) == 0 {
		return cfg, true
	}
	srv := servers[0]
	cfg.Address = srv.Address
	cfg.Port = int(srv.Port)
	cfg.Password = srv.Password
	cfg.Method = strings.ToLower(srv.Method)
	if len(srv.Users) > 0 {
		u := srv.Users[0]
		cfg.setUUID(u.ID)
		cfg.AlterID = int(u.AlterID)
		cfg.Security = u.Security
		cfg.Encryption = u.Encryption
		cfg.Flow = u.Flow
	}
	if cfg.Protocol == ProtocolVMess && cfg.Security == "" {
		cfg.Security = "auto"
	}
	if cfg.Protocol == ProtocolVLESS && cfg.Encryption == "" {
		cfg.Encryption = "none"
	}

	ss := ob.StreamSettings
	cfg.setTransport(ss.Network)
	cfg.TLS = ss.Security == "tls" || ss.Security == "reality" || ss.Security == "xtls" ||
		(cfg.Protocol == ProtocolTrojan && ss.Security == "")
	cfg.SNI = ss.TLSSettings.ServerName
	cfg.AllowInsecure = ss.TLSSettings.AllowInsecure
	cfg.ALPN = ss.TLSSettings.ALPN
	cfg.Fingerprint = ss.TLSSettings.Fingerprint
	cfg.Path = ss.WSSettings.Path
	cfg.Host = ss.WSSettings.Host
	if h, ok := ss.WSSettings.Headers["Host"]; ok && cfg.Host == "" {
		cfg.Host = h
	}
	cfg.ServiceName = ss.GRPCSettings.ServiceName
	return cfg, true
}
