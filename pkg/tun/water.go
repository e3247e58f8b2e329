package tun

import (
	"fmt"

	"github.com/irctrakz/vpncore/pkg/core"
	"github.com/irctrakz/vpncore/pkg/logging"
	"github.com/songgao/water"
)

// WaterDevice is a core.Interface over a songgao/water TUN interface.
// water has no batching or offload support; it is the fallback for hosts
// where wireguard-go's TUN driver is unavailable.
type WaterDevice struct {
	ifce *water.Interface
	mtu  int
}

var _ core.Interface = (*WaterDevice)(nil)

// OpenWater creates a TUN interface; the OS picks its name.
func OpenWater(mtu int) (*WaterDevice, error) {
	ifce, err := water.New(water.Config{DeviceType: water.TUN})
	if err != nil {
		return nil, fmt.Errorf("failed to create water TUN: %w", err)
	}
	logging.Infof("TUN device created: %s (water, mtu %d)", ifce.Name(), mtu)
	return &WaterDevice{ifce: ifce, mtu: mtu}, nil
}

// Name returns the OS interface name.
func (w *WaterDevice) Name() string { return w.ifce.Name() }

func (w *WaterDevice) ReadPacket(buf []byte) (int, error) { return w.ifce.Read(buf) }

func (w *WaterDevice) WritePacket(pkt []byte) (int, error) { return w.ifce.Write(pkt) }

// MTU returns the MTU the device was opened with; water does not
// configure the OS side.
func (w *WaterDevice) MTU() (int, error) { return w.mtu, nil }

func (w *WaterDevice) Close() error { return w.ifce.Close() }
