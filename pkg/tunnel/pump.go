package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"

	"github.com/irctrakz/vpncore/pkg/core"
	"github.com/irctrakz/vpncore/pkg/logging"
	"github.com/irctrakz/vpncore/pkg/socket"
)

// frameOverhead is headroom on top of the largest packet for protocol
// headers, tags and padding.
const frameOverhead = 256

// Options tunes a Pump.
type Options struct {
	// Name tags the pump's log lines.
	Name string

	// MaxPacketSize bounds packets read from the interface.
	MaxPacketSize int

	// MaxIOErrors is the number of consecutive I/O errors after which a
	// loop gives up and reports a fatal error on Done. Zero never gives up.
	MaxIOErrors int

	// BackoffMin and BackoffMax bound the pause after an I/O error.
	BackoffMin time.Duration
	BackoffMax time.Duration

	// StopGrace bounds how long Stop waits for a loop that is blocked in
	// an interface read.
	StopGrace time.Duration

	// KeyExhausted is called (from the egress loop) when the codec reports
	// that the current keys may no longer be used. It should start a
	// rekey without blocking.
	KeyExhausted func()
}

// DefaultOptions returns the options used when a field is left zero.
func DefaultOptions() Options {
	return Options{
		Name:          "tunnel",
		MaxPacketSize: core.MaxPacketSize,
		MaxIOErrors:   32,
		BackoffMin:    10 * time.Millisecond,
		BackoffMax:    time.Second,
		StopGrace:     2 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Name == "" {
		o.Name = d.Name
	}
	if o.MaxPacketSize <= 0 || o.MaxPacketSize > core.MaxPacketSize {
		o.MaxPacketSize = d.MaxPacketSize
	}
	if o.MaxIOErrors < 0 {
		o.MaxIOErrors = 0
	}
	if o.BackoffMin <= 0 {
		o.BackoffMin = d.BackoffMin
	}
	if o.BackoffMax < o.BackoffMin {
		o.BackoffMax = o.BackoffMin
	}
	if o.StopGrace <= 0 {
		o.StopGrace = d.StopGrace
	}
	return o
}

// Pump forwards packets between a virtual interface and a transport.
//
// The egress loop reads a packet from the interface, encodes it and
// writes the frame. The ingress loop reads a frame, decodes it and writes
// the packet to the interface. Per-packet failures are counted and the
// packet dropped; I/O errors are retried with backoff until MaxIOErrors
// consecutive failures, which end the pump with an error on Done.
type Pump struct {
	iface core.Interface
	tr    Transport
	codec Codec
	stats *core.ConnectionStats
	opts  Options
	log   *logrus.Entry

	cancel      context.CancelFunc
	ingressDone chan struct{}
	egressDone  chan struct{}
	done        chan error
	failOnce    sync.Once
	started     atomic.Bool
	stopOnce    sync.Once
}

// NewPump wires a pump. stats may be shared with the owner; it is only
// ever updated atomically.
func NewPump(iface core.Interface, tr Transport, codec Codec, stats *core.ConnectionStats, opts Options) *Pump {
	if stats == nil {
		stats = &core.ConnectionStats{}
	}
	opts = opts.withDefaults()
	return &Pump{
		iface:       iface,
		tr:          tr,
		codec:       codec,
		stats:       stats,
		opts:        opts,
		log:         logging.WithComponent("pump").WithField("tunnel", opts.Name),
		ingressDone: make(chan struct{}),
		egressDone:  make(chan struct{}),
		done:        make(chan error, 1),
	}
}

// Start launches both loops. They run until ctx ends, Stop is called or
// a fatal I/O error occurs.
func (p *Pump) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	go p.egress(ctx)
	go p.ingress(ctx)
	p.log.Debugf("pump started (max packet %d)", p.opts.MaxPacketSize)
}

// Done delivers at most one fatal error. It is never closed.
func (p *Pump) Done() <-chan error { return p.done }

// Stats returns the counters the pump updates.
func (p *Pump) Stats() *core.ConnectionStats { return p.stats }

// Stop cancels both loops, closes the transport to unblock the ingress
// read and waits for the loops to finish. An egress loop blocked in an
// interface read is given StopGrace; it exits on its next wake-up.
func (p *Pump) Stop() {
	p.stopOnce.Do(func() {
		if !p.started.Load() {
			_ = p.tr.Close()
			return
		}
		p.cancel()
		_ = p.tr.Close()
		grace, cancel := context.WithTimeout(context.Background(), p.opts.StopGrace)
		defer cancel()
		select {
		case <-p.ingressDone:
		case <-grace.Done():
			p.log.Warnf("ingress loop did not stop within %s", p.opts.StopGrace)
		}
		select {
		case <-p.egressDone:
		case <-grace.Done():
			p.log.Debugf("egress loop still blocked in interface read")
		}
		p.log.Debugf("pump stopped")
	})
}

// Send writes a pre-built frame, e.g. a handshake message during rekey.
func (p *Pump) Send(frame []byte) error {
	return p.tr.WriteFrame(frame)
}

// SendControl encodes pkt and writes it without counting it as traffic.
// Keepalives use it with an empty or protocol defined payload.
func (p *Pump) SendControl(pkt []byte) error {
	frame, err := p.codec.Encode(make([]byte, 0, len(pkt)+frameOverhead), pkt)
	if err != nil {
		return err
	}
	return p.tr.WriteFrame(frame)
}

func (p *Pump) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.BackoffMin
	b.MaxInterval = p.opts.BackoffMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (p *Pump) egress(ctx context.Context) {
	defer close(p.egressDone)
	buf := socket.GetBuffer(p.opts.MaxPacketSize)
	defer socket.PutBuffer(buf)
	out := make([]byte, 0, p.opts.MaxPacketSize+frameOverhead)
	bo := p.newBackoff()
	failures := 0

	for ctx.Err() == nil {
		n, err := p.iface.ReadPacket(buf)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if p.ioFailure(ctx, "interface read", err, bo, &failures) {
				return
			}
			continue
		}
		if n == 0 {
			continue
		}

		frame, err := p.codec.Encode(out[:0], buf[:n])
		if err != nil {
			p.stats.PacketsDropped.Add(1)
			if errors.Is(err, core.ErrKeyExhausted) && p.opts.KeyExhausted != nil {
				p.opts.KeyExhausted()
			}
			p.log.Debugf("dropping outbound %s: %v", core.DescribePacket(buf[:n]), err)
			continue
		}
		if err := p.tr.WriteFrame(frame); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.stats.PacketsDropped.Add(1)
			if p.ioFailure(ctx, "transport write", err, bo, &failures) {
				return
			}
			continue
		}
		failures = 0
		bo.Reset()
		p.stats.RecordSent(n)
	}
}

func (p *Pump) ingress(ctx context.Context) {
	defer close(p.ingressDone)
	buf := socket.GetBuffer(p.opts.MaxPacketSize + frameOverhead)
	defer socket.PutBuffer(buf)
	out := make([]byte, 0, p.opts.MaxPacketSize+frameOverhead)
	bo := p.newBackoff()
	failures := 0

	for ctx.Err() == nil {
		n, err := p.tr.ReadFrame(buf)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if socket.IsTimeout(err) {
				continue
			}
			if p.ioFailure(ctx, "transport read", err, bo, &failures) {
				return
			}
			continue
		}

		pkt, err := p.codec.Decode(out[:0], buf[:n])
		if err != nil {
			p.dropInbound(err, n)
			continue
		}
		if len(pkt) == 0 {
			continue
		}
		if _, err := p.iface.WritePacket(pkt); err != nil {
			p.stats.PacketsDropped.Add(1)
			if p.ioFailure(ctx, "interface write", err, bo, &failures) {
				return
			}
			continue
		}
		failures = 0
		bo.Reset()
		p.stats.RecordReceived(len(pkt))
	}
}

// dropInbound classifies a decode failure for the stats.
func (p *Pump) dropInbound(err error, size int) {
	if errors.Is(err, core.ErrNotData) {
		return
	}
	p.stats.PacketsDropped.Add(1)
	var ce *core.CryptoError
	var re *core.ReplayError
	switch {
	case errors.As(err, &re):
		p.stats.ReplayRejects.Add(1)
	case errors.As(err, &ce):
		p.stats.DecryptFailures.Add(1)
	}
	p.log.Debugf("dropping inbound frame (%d bytes): %v", size, err)
}

// ioFailure counts an I/O error and pauses. It returns true when the loop
// must end: the context is done, the transport is gone, or too many
// errors happened in a row.
func (p *Pump) ioFailure(ctx context.Context, op string, err error, bo *backoff.ExponentialBackOff, failures *int) bool {
	p.stats.IOErrors.Add(1)
	*failures++

	if socket.IsClosed(err) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		p.fail(&core.IOError{Op: op, Err: err})
		return true
	}
	if p.opts.MaxIOErrors > 0 && *failures >= p.opts.MaxIOErrors {
		p.fail(&core.IOError{Op: op, Err: fmt.Errorf("%d consecutive errors, last: %w", *failures, err)})
		return true
	}

	wait := bo.NextBackOff()
	if wait == backoff.Stop || wait > p.opts.BackoffMax {
		wait = p.opts.BackoffMax
	}
	p.log.Debugf("%s failed (%d in a row), retrying in %s: %v", op, *failures, wait, err)
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-t.C:
		return false
	}
}

func (p *Pump) fail(err error) {
	p.failOnce.Do(func() {
		p.log.Errorf("tunnel failed: %v", err)
		p.done <- err
		if p.cancel != nil {
			p.cancel()
		}
	})
}
