package tun

import (
	"fmt"
	"sync"

	"github.com/irctrakz/vpncore/pkg/core"
	"github.com/irctrakz/vpncore/pkg/logging"
	wtun "golang.zx2c4.com/wireguard/tun"
)

// nativeOffset is the headroom kept in front of every packet handed to a
// wireguard-go tun.Device. Linux needs room for the virtio-net header when
// offloads are enabled.
const nativeOffset = 16

// NativeDevice adapts a wireguard-go tun.Device (batched reads with
// offsets) to core.Interface (one packet per call).
type NativeDevice struct {
	dev wtun.Device

	rmu     sync.Mutex
	bufs    [][]byte
	sizes   []int
	pending int
	next    int

	wpool sync.Pool
}

var _ core.Interface = (*NativeDevice)(nil)

// OpenNative creates an OS TUN interface through wireguard-go.
func OpenNative(name string, mtu int) (*NativeDevice, error) {
	dev, err := wtun.CreateTUN(name, mtu)
	if err != nil {
		return nil, fmt.Errorf("failed to create TUN %s: %w", name, err)
	}
	ifname, _ := dev.Name()
	logging.Infof("TUN device created: %s (mtu %d, batch %d)", ifname, mtu, dev.BatchSize())
	return WrapNative(dev), nil
}

// WrapNative adapts an existing tun.Device.
func WrapNative(dev wtun.Device) *NativeDevice {
	batch := dev.BatchSize()
	if batch < 1 {
		batch = 1
	}
	d := &NativeDevice{
		dev:   dev,
		bufs:  make([][]byte, batch),
		sizes: make([]int, batch),
	}
	for i := range d.bufs {
		d.bufs[i] = make([]byte, nativeOffset+core.MaxPacketSize)
	}
	d.wpool.New = func() any {
		b := make([]byte, nativeOffset+core.MaxPacketSize)
		return &b
	}
	return d
}

// ReadPacket returns the next packet, reading a new batch when the
// previous one is drained.
func (d *NativeDevice) ReadPacket(buf []byte) (int, error) {
	d.rmu.Lock()
	defer d.rmu.Unlock()

	for d.next >= d.pending {
		n, err := d.dev.Read(d.bufs, d.sizes, nativeOffset)
		if err != nil {
			return 0, err
		}
		d.pending, d.next = n, 0
	}
	i := d.next
	d.next++
	size := d.sizes[i]
	if size > len(buf) {
		return 0, fmt.Errorf("packet of %d bytes exceeds buffer of %d", size, len(buf))
	}
	return copy(buf, d.bufs[i][nativeOffset:nativeOffset+size]), nil
}

// WritePacket copies pkt behind the offset headroom and writes it.
func (d *NativeDevice) WritePacket(pkt []byte) (int, error) {
	if len(pkt) > core.MaxPacketSize {
		return 0, fmt.Errorf("packet too large: %d", len(pkt))
	}
	bp := d.wpool.Get().(*[]byte)
	defer d.wpool.Put(bp)
	b := (*bp)[:nativeOffset+len(pkt)]
	copy(b[nativeOffset:], pkt)
	if _, err := d.dev.Write([][]byte{b}, nativeOffset); err != nil {
		return 0, err
	}
	return len(pkt), nil
}

// MTU returns the interface MTU.
func (d *NativeDevice) MTU() (int, error) { return d.dev.MTU() }

// Name returns the OS interface name.
func (d *NativeDevice) Name() (string, error) { return d.dev.Name() }

// Events exposes the wireguard-go up/down/MTU events.
func (d *NativeDevice) Events() <-chan wtun.Event { return d.dev.Events() }

// Close destroys the interface.
func (d *NativeDevice) Close() error { return d.dev.Close() }
