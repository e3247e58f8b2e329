// Command stress_pump pushes packets through a tunnel pump over in-memory
// transports. The server side stalls for a while so the transport queue
// fills up, then echoes everything back, and the pump counters are printed.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"time"

	"github.com/irctrakz/vpncore/pkg/core"
	"github.com/irctrakz/vpncore/pkg/logging"
	"github.com/irctrakz/vpncore/pkg/socket"
	"github.com/irctrakz/vpncore/pkg/tun"
	"github.com/irctrakz/vpncore/pkg/tunnel"
	"github.com/irctrakz/vpncore/pkg/v2ray"
)

func main() {
	var (
		packets = flag.Int("packets", 20000, "packets to send")
		pktSize = flag.Int("size", 512, "payload size (bytes)")
		depth   = flag.Int("depth", 64, "transport queue depth")
		holdMs  = flag.Int("hold", 500, "milliseconds the server stalls before echoing")
		waitMs  = flag.Int("wait", 10000, "milliseconds to wait for the echoes")
	)
	flag.Parse()

	logging.SetLevel(logging.InfoLevel)

	if *pktSize < 1 {
		*pktSize = 1
	}
	payload := make([]byte, *pktSize)
	rand.Read(payload)
	pkt := core.MakeIPv4([4]byte{10, 0, 0, 2}, [4]byte{10, 0, 0, 1}, 17, payload)

	dev := tun.NewMockDevice("stress0", core.MaxPacketSize)
	client, server := socket.NewMockPair(*depth)
	var stats core.ConnectionStats
	pump := tunnel.NewPump(dev, client, v2ray.Codec{}, &stats, tunnel.Options{Name: "stress"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stats.Start(time.Now())
	pump.Start(ctx)

	// server: stall, then echo every frame
	go func() {
		time.Sleep(time.Duration(*holdMs) * time.Millisecond)
		buf := make([]byte, socket.MaxFrameSize)
		for {
			n, err := server.ReadFrame(buf)
			if err != nil {
				return
			}
			if err := server.WriteFrame(buf[:n]); err != nil {
				return
			}
		}
	}()

	start := time.Now()
	ifaceFull := 0
	for i := 0; i < *packets; i++ {
		for dev.SimulatePacketReceived(pkt) != nil {
			ifaceFull++
			time.Sleep(50 * time.Microsecond)
		}
	}
	enqDur := time.Since(start)

	got := dev.WaitForPackets(*packets, time.Duration(*waitMs)*time.Millisecond)
	total := time.Since(start)
	cancel()
	dev.Close()
	pump.Stop()
	server.Close()

	s := stats.Snapshot()
	fmt.Printf("Enqueue duration: %v (interface full %d times)\n", enqDur, ifaceFull)
	fmt.Printf("Round trip: %d/%d packets in %v (%.0f pkt/s)\n",
		len(got), *packets, total, float64(len(got))/total.Seconds())
	fmt.Printf("Pump: sent=%d/%dB recv=%d/%dB dropped=%d io_errors=%d\n",
		s.PacketsSent, s.BytesSent, s.PacketsReceived, s.BytesReceived, s.PacketsDropped, s.IOErrors)
	fmt.Printf("Transport: %+v\n", client.Metrics())

	if len(got) < *packets {
		fmt.Println("WARN: not every packet came back; raise -wait or -depth")
	}
	if s.PacketsDropped > 0 {
		fmt.Println("ERROR: the pump dropped packets under backpressure")
	}
}
