// Package config provides configuration handling for the tunnel engine:
// timeouts, rekey policy, logging and the optional metrics endpoint.
// Per-connection protocol profiles are handled by package profile.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/irctrakz/vpncore/pkg/logging"
	"gopkg.in/yaml.v3"
)

// Config represents the complete engine configuration.
type Config struct {
	// Tunnel contains settings shared by every protocol.
	Tunnel TunnelConfig `json:"tunnel" yaml:"tunnel"`

	// WireGuard contains the WireGuard timers.
	WireGuard WireGuardConfig `json:"wireguard" yaml:"wireguard"`

	// OpenVPN contains the OpenVPN timers.
	OpenVPN OpenVPNConfig `json:"openvpn" yaml:"openvpn"`

	// V2Ray contains the V2Ray transport settings.
	V2Ray V2RayConfig `json:"v2ray" yaml:"v2ray"`

	// Logging contains the logging configuration.
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// Metrics contains the metrics endpoint configuration.
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`

	// Capture contains the packet capture configuration.
	Capture CaptureConfig `json:"capture" yaml:"capture"`
}

// TunnelConfig contains protocol independent settings.
type TunnelConfig struct {
	// HandshakeTimeoutMs bounds the initial handshake and every rekey.
	HandshakeTimeoutMs int `json:"handshakeTimeoutMs" yaml:"handshakeTimeoutMs"`

	// ReplayWindow is the anti-replay window width in counters.
	ReplayWindow int `json:"replayWindow" yaml:"replayWindow"`

	// MaxIOErrors is the number of consecutive socket/interface errors
	// after which the session is torn down.
	MaxIOErrors int `json:"maxIOErrors" yaml:"maxIOErrors"`

	// IOBackoffMinMs and IOBackoffMaxMs bound the retry delay after an
	// I/O error.
	IOBackoffMinMs int `json:"ioBackoffMinMs" yaml:"ioBackoffMinMs"`
	IOBackoffMaxMs int `json:"ioBackoffMaxMs" yaml:"ioBackoffMaxMs"`

	// ReadTimeoutMs is the transport read deadline. Expiry is a transient
	// error.
	ReadTimeoutMs int `json:"readTimeoutMs" yaml:"readTimeoutMs"`

	// DialTimeoutMs bounds TCP/TLS/WebSocket connection setup.
	DialTimeoutMs int `json:"dialTimeoutMs" yaml:"dialTimeoutMs"`

	// MTU of the interface when the profile does not set one.
	MTU int `json:"mtu" yaml:"mtu"`

	// AllowInsecureTLS permits TLS connections without certificate
	// verification when a profile has no CA or asks for it.
	AllowInsecureTLS bool `json:"allowInsecureTLS" yaml:"allowInsecureTLS"`
}

// WireGuardConfig contains the WireGuard timers.
type WireGuardConfig struct {
	RekeyAfterSec        int    `json:"rekeyAfterSec" yaml:"rekeyAfterSec"`
	RejectAfterSec       int    `json:"rejectAfterSec" yaml:"rejectAfterSec"`
	RekeyAfterMessages   uint64 `json:"rekeyAfterMessages" yaml:"rekeyAfterMessages"`
	KeepaliveIntervalSec int    `json:"keepaliveIntervalSec" yaml:"keepaliveIntervalSec"`
}

// OpenVPNConfig contains OpenVPN defaults; profile directives win.
type OpenVPNConfig struct {
	RenegotiateSec       int `json:"renegotiateSec" yaml:"renegotiateSec"`
	KeepaliveIntervalSec int `json:"keepaliveIntervalSec" yaml:"keepaliveIntervalSec"`
}

// V2RayConfig contains V2Ray transport settings.
type V2RayConfig struct {
	// WebSocketPingSec is the WebSocket ping interval.
	WebSocketPingSec int `json:"webSocketPingSec" yaml:"webSocketPingSec"`

	// TunnelDestination is the host:port placed in the request header.
	// Empty uses the server address.
	TunnelDestination string `json:"tunnelDestination" yaml:"tunnelDestination"`
}

// LoggingConfig contains configuration for logging.
type LoggingConfig struct {
	// Level is the logging level (debug, info, warn, error).
	Level string `json:"level" yaml:"level"`

	// File is the log file path.
	File string `json:"file" yaml:"file"`

	// MaxSize is the maximum size of the log file in megabytes.
	MaxSize int `json:"maxSize" yaml:"maxSize"`

	// MaxBackups is the maximum number of old log files to retain.
	MaxBackups int `json:"maxBackups" yaml:"maxBackups"`

	// MaxAge is the maximum number of days to retain old log files.
	MaxAge int `json:"maxAge" yaml:"maxAge"`
}

// MetricsConfig contains configuration for the metrics endpoint.
type MetricsConfig struct {
	// Listen is the HTTP address serving /metrics and /health. Empty
	// disables the endpoint.
	Listen string `json:"listen" yaml:"listen"`

	// ReportIntervalSec is the period of the stats log line, 0 disables it.
	ReportIntervalSec int `json:"reportIntervalSec" yaml:"reportIntervalSec"`

	// Format of the stats log line: text or json.
	Format string `json:"format" yaml:"format"`
}

// CaptureConfig contains configuration for packet capture.
type CaptureConfig struct {
	// PCAP is the path of a pcap file receiving every tunneled packet.
	PCAP string `json:"pcap" yaml:"pcap"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Tunnel: TunnelConfig{
			HandshakeTimeoutMs: 5000,
			ReplayWindow:       2048,
			MaxIOErrors:        32,
			IOBackoffMinMs:     10,
			IOBackoffMaxMs:     1000,
			ReadTimeoutMs:      30000,
			DialTimeoutMs:      10000,
			MTU:                1420,
			AllowInsecureTLS:   false,
		},
		WireGuard: WireGuardConfig{
			RekeyAfterSec:        120,
			RejectAfterSec:       180,
			RekeyAfterMessages:   1 << 60,
			KeepaliveIntervalSec: 25,
		},
		OpenVPN: OpenVPNConfig{
			RenegotiateSec:       3600,
			KeepaliveIntervalSec: 10,
		},
		V2Ray: V2RayConfig{
			WebSocketPingSec: 15,
		},
		Logging: LoggingConfig{
			Level:      "info",
			File:       "",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		},
		Metrics: MetricsConfig{
			ReportIntervalSec: 30,
			Format:            "text",
		},
	}
}

// LoadFromFile loads configuration from a file.
func LoadFromFile(path string, config *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	// Determine file format based on extension
	switch {
	case strings.HasSuffix(path, ".json"):
		if err := json.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	return nil
}

func envInt(name string, dst *int) {
	if val := os.Getenv(name); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		} else {
			logging.Warnf("ignoring %s=%q: %v", name, val, err)
		}
	}
}

func envBool(name string, dst *bool) {
	if val := os.Getenv(name); val != "" {
		*dst = val == "true" || val == "1"
	}
}

func envString(name string, dst *string) {
	if val := os.Getenv(name); val != "" {
		*dst = val
	}
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv(config *Config) {
	// Tunnel config
	envInt("VPNCORE_HANDSHAKE_TIMEOUT_MS", &config.Tunnel.HandshakeTimeoutMs)
	envInt("VPNCORE_REPLAY_WINDOW", &config.Tunnel.ReplayWindow)
	envInt("VPNCORE_MAX_IO_ERRORS", &config.Tunnel.MaxIOErrors)
	envInt("VPNCORE_IO_BACKOFF_MIN_MS", &config.Tunnel.IOBackoffMinMs)
	envInt("VPNCORE_IO_BACKOFF_MAX_MS", &config.Tunnel.IOBackoffMaxMs)
	envInt("VPNCORE_READ_TIMEOUT_MS", &config.Tunnel.ReadTimeoutMs)
	envInt("VPNCORE_DIAL_TIMEOUT_MS", &config.Tunnel.DialTimeoutMs)
	envInt("VPNCORE_MTU", &config.Tunnel.MTU)
	envBool("VPNCORE_ALLOW_INSECURE_TLS", &config.Tunnel.AllowInsecureTLS)

	// Protocol timers
	envInt("VPNCORE_WG_REKEY_AFTER_SEC", &config.WireGuard.RekeyAfterSec)
	envInt("VPNCORE_WG_REJECT_AFTER_SEC", &config.WireGuard.RejectAfterSec)
	envInt("VPNCORE_WG_KEEPALIVE_SEC", &config.WireGuard.KeepaliveIntervalSec)
	if val := os.Getenv("VPNCORE_WG_REKEY_AFTER_MESSAGES"); val != "" {
		if n, err := strconv.ParseUint(val, 10, 64); err == nil {
			config.WireGuard.RekeyAfterMessages = n
		}
	}
	envInt("VPNCORE_OVPN_RENEG_SEC", &config.OpenVPN.RenegotiateSec)
	envInt("VPNCORE_OVPN_KEEPALIVE_SEC", &config.OpenVPN.KeepaliveIntervalSec)
	envInt("VPNCORE_V2RAY_WS_PING_SEC", &config.V2Ray.WebSocketPingSec)
	envString("VPNCORE_V2RAY_DESTINATION", &config.V2Ray.TunnelDestination)

	// Logging config
	envString("LOGGING_LEVEL", &config.Logging.Level)
	envString("LOGGING_FILE", &config.Logging.File)
	envInt("LOGGING_MAX_SIZE", &config.Logging.MaxSize)
	envInt("LOGGING_MAX_BACKUPS", &config.Logging.MaxBackups)
	envInt("LOGGING_MAX_AGE", &config.Logging.MaxAge)

	// Metrics and capture
	envString("METRICS_LISTEN", &config.Metrics.Listen)
	envInt("METRICS_INTERVAL", &config.Metrics.ReportIntervalSec)
	envString("METRICS_FORMAT", &config.Metrics.Format)
	envString("VPNCORE_PCAP", &config.Capture.PCAP)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	// Validate Tunnel config
	if c.Tunnel.HandshakeTimeoutMs <= 0 {
		return fmt.Errorf("invalid handshake timeout: %dms", c.Tunnel.HandshakeTimeoutMs)
	}
	if c.Tunnel.ReplayWindow < 64 {
		return fmt.Errorf("replay window must be at least 64, got %d", c.Tunnel.ReplayWindow)
	}
	if c.Tunnel.MaxIOErrors <= 0 {
		return fmt.Errorf("invalid max I/O errors: %d", c.Tunnel.MaxIOErrors)
	}
	if c.Tunnel.IOBackoffMinMs <= 0 || c.Tunnel.IOBackoffMaxMs < c.Tunnel.IOBackoffMinMs {
		return fmt.Errorf("invalid I/O backoff range: %d..%dms", c.Tunnel.IOBackoffMinMs, c.Tunnel.IOBackoffMaxMs)
	}
	if c.Tunnel.MTU < 576 || c.Tunnel.MTU > 65535 {
		return fmt.Errorf("invalid MTU: %d", c.Tunnel.MTU)
	}

	// Validate protocol timers
	if c.WireGuard.RekeyAfterSec <= 0 || c.WireGuard.RejectAfterSec <= c.WireGuard.RekeyAfterSec {
		return fmt.Errorf("wireguard reject-after (%ds) must exceed rekey-after (%ds)",
			c.WireGuard.RejectAfterSec, c.WireGuard.RekeyAfterSec)
	}
	if c.OpenVPN.KeepaliveIntervalSec < 0 || c.OpenVPN.RenegotiateSec < 0 {
		return fmt.Errorf("openvpn timers must not be negative")
	}

	// Validate Logging config
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// Valid levels
	default:
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}

	switch c.Metrics.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid metrics format: %s", c.Metrics.Format)
	}

	return nil
}

// HandshakeTimeout returns the handshake timeout as a duration.
func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.Tunnel.HandshakeTimeoutMs) * time.Millisecond
}

// ReadTimeout returns the transport read deadline as a duration.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.Tunnel.ReadTimeoutMs) * time.Millisecond
}

// DialTimeout returns the connection setup timeout as a duration.
func (c *Config) DialTimeout() time.Duration {
	return time.Duration(c.Tunnel.DialTimeoutMs) * time.Millisecond
}

// ApplyLogging applies the logging configuration.
func (c *Config) ApplyLogging() error {
	// Set log level
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		level = logging.InfoLevel
	}
	logging.SetLevel(level)

	// Enable file logging if configured
	if c.Logging.File != "" {
		// Extract directory from file path
		dir := "."
		filename := c.Logging.File
		if lastSlash := strings.LastIndex(c.Logging.File, "/"); lastSlash != -1 {
			dir = c.Logging.File[:lastSlash]
			filename = c.Logging.File[lastSlash+1:]
		}

		err := logging.EnableFileLogging(
			dir,
			filename,
			c.Logging.MaxSize,
			c.Logging.MaxBackups,
			c.Logging.MaxAge,
		)
		if err != nil {
			return fmt.Errorf("failed to enable file logging: %w", err)
		}
	}

	return nil
}

// SaveToFile saves the configuration to a file.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	// Determine file format based on extension
	switch {
	case strings.HasSuffix(path, ".json"):
		data, err = json.MarshalIndent(c, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		data, err = yaml.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	// Create directory if it doesn't exist
	if lastSlash := strings.LastIndex(path, "/"); lastSlash != -1 {
		if err := os.MkdirAll(path[:lastSlash], 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	// Write to file
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
