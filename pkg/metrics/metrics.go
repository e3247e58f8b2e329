// Package metrics exports tunnel counters and the connection state to
// Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/irctrakz/vpncore/pkg/core"
)

const namespace = "vpncore"

// Source is what the collector reads on every scrape. handler.Engine
// implements it.
type Source interface {
	Stats() core.StatsSnapshot
	State() core.ConnectionState
	Protocol() string
}

var allStates = []core.ConnectionState{
	core.StateDisconnected,
	core.StateConnecting,
	core.StateHandshaking,
	core.StateConnected,
	core.StateDisconnecting,
	core.StateError,
}

type counter struct {
	desc  *prometheus.Desc
	value func(core.StatsSnapshot) uint64
}

// Collector reads a Source at scrape time, so values are never stale and
// nothing has to be pushed from the pump.
type Collector struct {
	src Source

	counters []counter
	state    *prometheus.Desc
	txRate   *prometheus.Desc
	rxRate   *prometheus.Desc
	duration *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a collector for src. Register it with
// prometheus.MustRegister or a custom registry.
func NewCollector(src Source) *Collector {
	label := []string{"protocol"}
	c := func(name, help string, v func(core.StatsSnapshot) uint64) counter {
		return counter{
			desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "tunnel", name), help, label, nil),
			value: v,
		}
	}
	return &Collector{
		src: src,
		counters: []counter{
			c("sent_bytes_total", "Plaintext bytes sent through the tunnel.",
				func(s core.StatsSnapshot) uint64 { return s.BytesSent }),
			c("received_bytes_total", "Plaintext bytes received through the tunnel.",
				func(s core.StatsSnapshot) uint64 { return s.BytesReceived }),
			c("sent_packets_total", "Packets sent through the tunnel.",
				func(s core.StatsSnapshot) uint64 { return s.PacketsSent }),
			c("received_packets_total", "Packets received through the tunnel.",
				func(s core.StatsSnapshot) uint64 { return s.PacketsReceived }),
			c("dropped_packets_total", "Packets dropped in either direction.",
				func(s core.StatsSnapshot) uint64 { return s.PacketsDropped }),
			c("decrypt_failures_total", "Inbound frames that failed authentication.",
				func(s core.StatsSnapshot) uint64 { return s.DecryptFailures }),
			c("replay_rejects_total", "Inbound frames rejected by the replay window.",
				func(s core.StatsSnapshot) uint64 { return s.ReplayRejects }),
			c("io_errors_total", "Socket and interface errors.",
				func(s core.StatsSnapshot) uint64 { return s.IOErrors }),
			c("rekeys_total", "Completed rekeys.",
				func(s core.StatsSnapshot) uint64 { return s.Rekeys }),
		},
		state: prometheus.NewDesc(prometheus.BuildFQName(namespace, "connection", "state"),
			"1 for the current connection state, 0 for the others.", []string{"state"}, nil),
		txRate: prometheus.NewDesc(prometheus.BuildFQName(namespace, "tunnel", "tx_bytes_per_second"),
			"Average send throughput since the session started.", label, nil),
		rxRate: prometheus.NewDesc(prometheus.BuildFQName(namespace, "tunnel", "rx_bytes_per_second"),
			"Average receive throughput since the session started.", label, nil),
		duration: prometheus.NewDesc(prometheus.BuildFQName(namespace, "tunnel", "session_seconds"),
			"Time since the session started.", label, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.counters {
		ch <- m.desc
	}
	ch <- c.state
	ch <- c.txRate
	ch <- c.rxRate
	ch <- c.duration
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	current := c.src.State()
	for _, s := range allStates {
		v := 0.0
		if s == current {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, v, s.String())
	}

	proto := c.src.Protocol()
	if proto == "" {
		proto = "none"
	}
	snap := c.src.Stats()
	for _, m := range c.counters {
		ch <- prometheus.MustNewConstMetric(m.desc, prometheus.CounterValue, float64(m.value(snap)), proto)
	}
	ch <- prometheus.MustNewConstMetric(c.txRate, prometheus.GaugeValue, snap.TxRate, proto)
	ch <- prometheus.MustNewConstMetric(c.rxRate, prometheus.GaugeValue, snap.RxRate, proto)
	ch <- prometheus.MustNewConstMetric(c.duration, prometheus.GaugeValue, snap.Duration.Seconds(), proto)
}
