package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/docopt/docopt-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/irctrakz/vpncore/pkg/config"
	"github.com/irctrakz/vpncore/pkg/core"
	"github.com/irctrakz/vpncore/pkg/crypto"
	"github.com/irctrakz/vpncore/pkg/handler"
	"github.com/irctrakz/vpncore/pkg/logging"
	"github.com/irctrakz/vpncore/pkg/metrics"
	"github.com/irctrakz/vpncore/pkg/profile"
	"github.com/irctrakz/vpncore/pkg/tun"
)

const usage = `vpncore: WireGuard, OpenVPN and V2Ray client tunnels.

Usage:
  vpncore connect <profile> [--server=<host>] [--port=<port>] [--tun=<name>] [--water] [--settings=<file>] [-v]
  vpncore parse <profile> [-v]
  vpncore genkey
  vpncore pubkey <private>
  vpncore -h | --help

Options:
  -v --verbose        Enable debug logging.
  -h --help           Show this screen.
  --server=<host>     Override the server address of the profile.
  --port=<port>       Override the server port of the profile.
  --tun=<name>        Name of the TUN interface [default: vpn0].
  --water             Open the interface with songgao/water instead of wireguard-go.
  --settings=<file>   Engine settings (.json, .yaml or .yml). VPNCORE_* variables
                      are applied on top.

A profile is a WireGuard INI file, an OpenVPN .ovpn file or a V2Ray share
link (vmess://, vless://, trojan://, ss://) or JSON outbound.
`

func main() {
	arguments, err := docopt.ParseDoc(usage)
	if err != nil {
		logging.Fatalf("%v", err)
	}

	if b, _ := arguments.Bool("genkey"); b {
		kp, err := crypto.GenerateKeyPair()
		if err != nil {
			logging.Fatalf("%v", err)
		}
		fmt.Println(kp.Private)
		return
	}
	if b, _ := arguments.Bool("pubkey"); b {
		s, _ := arguments.String("<private>")
		priv, err := crypto.ParseKey(s)
		if err != nil {
			logging.Fatalf("private key: %v", err)
		}
		kp, err := crypto.NewKeyPair(priv[:])
		priv.Zero()
		if err != nil {
			logging.Fatalf("%v", err)
		}
		fmt.Println(kp.Public)
		kp.Zero()
		return
	}

	settings := config.DefaultConfig()
	if path, _ := arguments.String("--settings"); path != "" {
		if err := config.LoadFromFile(path, settings); err != nil {
			logging.Fatalf("settings: %v", err)
		}
	}
	config.LoadFromEnv(settings)
	if verbose, _ := arguments.Bool("--verbose"); verbose {
		settings.Logging.Level = "debug"
	}
	if err := settings.Validate(); err != nil {
		logging.Fatalf("settings: %v", err)
	}
	if err := settings.ApplyLogging(); err != nil {
		logging.Fatalf("%v", err)
	}

	path, _ := arguments.String("<profile>")
	text, err := os.ReadFile(path)
	if err != nil {
		logging.Fatalf("profile: %v", err)
	}

	if b, _ := arguments.Bool("parse"); b {
		if err := printProfile(string(text)); err != nil {
			logging.Fatalf("%v", err)
		}
		return
	}

	server, _ := arguments.String("--server")
	port := 0
	if p, _ := arguments.String("--port"); p != "" {
		if port, err = strconv.Atoi(p); err != nil {
			logging.Fatalf("port %q: %v", p, err)
		}
	}
	name, _ := arguments.String("--tun")
	water, _ := arguments.Bool("--water")
	if err := connect(settings, string(text), server, port, name, water); err != nil {
		logging.Fatalf("%v", err)
	}
}

// printProfile prints the parsed profile with its secrets removed.
func printProfile(text string) error {
	pc, err := profile.Parse(text)
	if err != nil {
		return err
	}
	defer pc.Zero()
	if err := pc.Validate(); err != nil {
		logging.Warnf("profile does not validate: %v", err)
	}
	host, port := pc.Endpoint()
	out := map[string]interface{}{
		"family":   pc.Family().String(),
		"endpoint": fmt.Sprintf("%s:%d", host, port),
	}
	switch p := pc.(type) {
	case *profile.WireGuardConfig:
		out["mtu"] = p.MTU
		out["presharedKey"] = p.HasPresharedKey
		out["persistentKeepalive"] = p.PersistentKeepalive
	case *profile.OpenVPNConfig:
		out["proto"] = p.Proto
		out["cipher"] = p.Cipher
		out["auth"] = p.Auth
		out["dataCiphers"] = p.DataCiphers
		out["compression"] = p.Compression.String()
	case *profile.V2RayConfig:
		out["protocol"] = p.Protocol.String()
		out["network"] = p.Transport.String()
		out["tls"] = p.TLS
	}
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func openInterface(name string, mtu int, water bool) (core.Interface, error) {
	if water {
		dev, err := tun.OpenWater(mtu)
		if err != nil {
			return nil, err
		}
		logging.Infof("opened %s (mtu %d)", dev.Name(), mtu)
		return dev, nil
	}
	dev, err := tun.OpenNative(name, mtu)
	if err != nil {
		return nil, err
	}
	logging.Infof("opened %s (mtu %d)", name, mtu)
	return dev, nil
}

func connect(settings *config.Config, text, server string, port int, name string, water bool) error {
	iface, err := openInterface(name, settings.Tunnel.MTU, water)
	if err != nil {
		return fmt.Errorf("open interface: %w", err)
	}
	if settings.Capture.PCAP != "" {
		w, err := tun.CreatePCAP(settings.Capture.PCAP)
		if err != nil {
			iface.Close()
			return fmt.Errorf("capture: %w", err)
		}
		logging.Infof("capturing tunnel packets to %s", settings.Capture.PCAP)
		iface = tun.NewCapture(iface, w)
	}

	engine := handler.New(settings, handler.WithInterfaceOwnership())
	events, unsubscribe := engine.Subscribe(16)
	defer unsubscribe()

	if settings.Metrics.Listen != "" {
		go serveHTTP(settings.Metrics.Listen, engine)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := engine.Connect(ctx, server, port, text, iface); err != nil {
		engine.Disconnect()
		iface.Close()
		return err
	}
	if iv := settings.Metrics.ReportIntervalSec; iv > 0 {
		go runMetricsReporter(ctx, engine, iv, settings.Metrics.Format)
	}

	for {
		select {
		case <-ctx.Done():
			logging.Infof("shutting down")
			return engine.Disconnect()
		case ev := <-events:
			if ev.State == core.StateError {
				engine.Disconnect()
				return ev.Err
			}
		}
	}
}

func serveHTTP(addr string, e *handler.Engine) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewCollector(e))
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/health", healthHandler(e))
	logging.Infof("metrics and health on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logging.Errorf("metrics endpoint: %v", err)
	}
}
