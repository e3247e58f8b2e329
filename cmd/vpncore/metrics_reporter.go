package main

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"time"

	"github.com/irctrakz/vpncore/pkg/core"
	"github.com/irctrakz/vpncore/pkg/logging"
)

type statsSource interface {
	Stats() core.StatsSnapshot
	State() core.ConnectionState
	Protocol() string
}

type metricsSnapshot struct {
	Timestamp string            `json:"ts"`
	State     string            `json:"state"`
	Protocol  string            `json:"protocol"`
	Tunnel    map[string]uint64 `json:"tunnel"`
	Rate      map[string]uint64 `json:"rate"`
	RT        map[string]uint64 `json:"rt"`
}

func runMetricsReporter(ctx context.Context, src statsSource, intervalSec int, format string) {
	ticker := time.NewTicker(time.Duration(intervalSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		logging.Infof("metrics: %s", formatMetrics(collectMetrics(src, time.Now()), format))
	}
}

func collectMetrics(src statsSource, now time.Time) metricsSnapshot {
	s := src.Stats()
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return metricsSnapshot{
		Timestamp: now.UTC().Format(time.RFC3339),
		State:     src.State().String(),
		Protocol:  src.Protocol(),
		Tunnel: map[string]uint64{
			"pkts_sent":     s.PacketsSent,
			"pkts_recv":     s.PacketsReceived,
			"bytes_sent":    s.BytesSent,
			"bytes_recv":    s.BytesReceived,
			"dropped":       s.PacketsDropped,
			"decrypt_fail":  s.DecryptFailures,
			"replay_reject": s.ReplayRejects,
			"io_errors":     s.IOErrors,
			"rekeys":        s.Rekeys,
			"uptime_sec":    uint64(s.Duration / time.Second),
		},
		Rate: map[string]uint64{
			"tx_bps": uint64(s.TxRate),
			"rx_bps": uint64(s.RxRate),
		},
		RT: map[string]uint64{
			"heap_alloc": ms.HeapAlloc,
			"heap_inuse": ms.HeapInuse,
			"sys":        ms.Sys,
			"num_gc":     uint64(ms.NumGC),
			"goroutines": uint64(runtime.NumGoroutine()),
		},
	}
}

func formatMetrics(snap metricsSnapshot, format string) string {
	if format == "json" {
		b, err := json.Marshal(snap)
		if err == nil {
			return string(b)
		}
	}
	t := snap.Tunnel
	return fmt.Sprintf("ts=%s state=%s proto=%s | tunnel: sent=%d/%d recv=%d/%d drop=%d auth=%d replay=%d io=%d rekeys=%d up=%ds | rate: tx=%dB/s rx=%dB/s | rt: heap=%dMi inuse=%dMi gor=%d gc=%d",
		snap.Timestamp, snap.State, snap.Protocol,
		t["pkts_sent"], t["bytes_sent"], t["pkts_recv"], t["bytes_recv"],
		t["dropped"], t["decrypt_fail"], t["replay_reject"], t["io_errors"], t["rekeys"], t["uptime_sec"],
		snap.Rate["tx_bps"], snap.Rate["rx_bps"],
		snap.RT["heap_alloc"]/(1024*1024), snap.RT["heap_inuse"]/(1024*1024), snap.RT["goroutines"], snap.RT["num_gc"],
	)
}
