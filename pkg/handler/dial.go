package handler

import (
	"context"
	"fmt"

	"github.com/irctrakz/vpncore/pkg/config"
	"github.com/irctrakz/vpncore/pkg/core"
	"github.com/irctrakz/vpncore/pkg/openvpn"
	"github.com/irctrakz/vpncore/pkg/profile"
	"github.com/irctrakz/vpncore/pkg/v2ray"
	"github.com/irctrakz/vpncore/pkg/wireguard"
)

// openSession builds the protocol config from the profile and settings
// and dials the server. No handshake traffic is sent yet.
func openSession(ctx context.Context, settings *config.Config, pc profile.ProtocolConfig, address string, port int) (session, error) {
	switch p := pc.(type) {
	case *profile.WireGuardConfig:
		cfg, err := wireguard.NewConfig(p, settings, address, port)
		if err != nil {
			return nil, err
		}
		s, err := wireguard.Dial(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	case *profile.OpenVPNConfig:
		cfg, err := openvpn.NewConfig(p, settings, address, port)
		if err != nil {
			return nil, err
		}
		s, err := openvpn.Dial(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	case *profile.V2RayConfig:
		cfg, err := v2ray.NewConfig(p, settings, address, port)
		if err != nil {
			return nil, err
		}
		s, err := v2ray.Dial(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, core.NewConfigError("profile", fmt.Errorf("%w: %T", core.ErrUnsupported, pc))
}
