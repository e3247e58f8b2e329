package handler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irctrakz/vpncore/pkg/config"
	"github.com/irctrakz/vpncore/pkg/core"
	"github.com/irctrakz/vpncore/pkg/logging"
	"github.com/irctrakz/vpncore/pkg/profile"
	"github.com/irctrakz/vpncore/pkg/tunnel"
)

// keepaliveFailureLimit is the number of keepalives in a row that may
// fail before the tunnel is declared dead.
const keepaliveFailureLimit = 3

// Option configures an Engine.
type Option func(*Engine)

// WithInterfaceOwnership makes the engine close the interface on
// teardown. Hosts that keep using the interface leave it off.
func WithInterfaceOwnership() Option {
	return func(e *Engine) { e.ownsIface = true }
}

// Engine implements Handler for one tunnel at a time.
type Engine struct {
	settings  *config.Config
	ownsIface bool
	log       *logrus.Entry

	// open is replaced in tests.
	open func(ctx context.Context, settings *config.Config, pc profile.ProtocolConfig, address string, port int) (session, error)

	// mu serializes Connect and Disconnect.
	mu  sync.Mutex
	run atomic.Pointer[tunnelRun]

	// attempt cancels an in-flight Connect so Disconnect never waits for
	// a handshake to time out.
	amu     sync.Mutex
	attempt context.CancelFunc

	smu     sync.Mutex
	state   core.ConnectionState
	lastErr error
	subs    map[int]chan core.StateEvent
	nextSub int

	stats core.ConnectionStats
}

var _ Handler = (*Engine)(nil)

// New returns a disconnected engine. A nil settings uses the defaults.
func New(settings *config.Config, opts ...Option) *Engine {
	if settings == nil {
		settings = config.DefaultConfig()
	}
	e := &Engine{
		settings: settings,
		log:      logging.WithComponent("handler"),
		open:     openSession,
		subs:     make(map[int]chan core.StateEvent),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// tunnelRun is everything that lives between CONNECTED and teardown.
type tunnelRun struct {
	sess    session
	profile profile.ProtocolConfig
	pump    *tunnel.Pump
	iface   core.Interface
	cancel  context.CancelFunc
	rekeyCh chan struct{}
	tasks   sync.WaitGroup
	once    sync.Once
}

// stop ends every task, then zeroes and closes the session. Safe to call
// from any goroutine except the tasks themselves.
func (r *tunnelRun) stop(closeIface bool) {
	r.once.Do(func() {
		r.cancel()
		r.pump.Stop()
		r.tasks.Wait()
		if err := r.sess.Close(); err != nil {
			logging.Debugf("closing %s session: %v", r.sess.Protocol(), err)
		}
		r.profile.Zero()
		if closeIface {
			_ = r.iface.Close()
		}
	})
}

func (r *tunnelRun) requestRekey() {
	select {
	case r.rekeyCh <- struct{}{}:
	default:
	}
}

// Connect parses profileText, dials, handshakes and starts forwarding
// between iface and the server.
func (e *Engine) Connect(ctx context.Context, address string, port int, profileText string, iface core.Interface) error {
	if iface == nil {
		return core.NewConfigError("interface", errors.New("nil interface"))
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.State() {
	case core.StateDisconnected:
	case core.StateError:
		if r := e.run.Swap(nil); r != nil {
			r.stop(e.ownsIface)
		}
		e.transition(core.StateDisconnected, nil)
	default:
		return core.ErrAlreadyConnected
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.amu.Lock()
	e.attempt = cancel
	e.amu.Unlock()
	defer func() {
		e.amu.Lock()
		e.attempt = nil
		e.amu.Unlock()
	}()

	e.stats.Reset()
	e.transition(core.StateConnecting, nil)

	pc, err := profile.Parse(profileText)
	if err == nil {
		err = pc.Validate()
	}
	if err != nil {
		return e.failConnect(err)
	}

	sess, err := e.open(ctx, e.settings, pc, address, port)
	if err != nil {
		pc.Zero()
		return e.failConnect(err)
	}
	log := e.log.WithField("protocol", sess.Protocol())

	e.transition(core.StateHandshaking, nil)
	hctx, hcancel := context.WithTimeout(ctx, e.settings.HandshakeTimeout())
	err = sess.Handshake(hctx)
	hcancel()
	if err != nil {
		sess.Close()
		pc.Zero()
		return e.failConnect(err)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	r := &tunnelRun{
		sess:    sess,
		profile: pc,
		iface:   iface,
		cancel:  runCancel,
		rekeyCh: make(chan struct{}, 1),
	}
	r.pump = tunnel.NewPump(iface, sess.Transport(), sess.Codec(), &e.stats, tunnel.Options{
		Name:         sess.Protocol(),
		MaxIOErrors:  e.settings.Tunnel.MaxIOErrors,
		BackoffMin:   time.Duration(e.settings.Tunnel.IOBackoffMinMs) * time.Millisecond,
		BackoffMax:   time.Duration(e.settings.Tunnel.IOBackoffMaxMs) * time.Millisecond,
		KeyExhausted: r.requestRekey,
	})
	sess.OnRekeyNeeded(r.requestRekey)

	e.stats.Start(time.Now())
	r.pump.Start(runCtx)
	e.run.Store(r)
	e.transition(core.StateConnected, nil)
	e.startTasks(runCtx, r, log)
	log.Infof("tunnel up")
	return nil
}

// failConnect moves to ERROR and returns err to the caller.
func (e *Engine) failConnect(err error) error {
	e.log.Warnf("connect failed: %v", err)
	e.transition(core.StateError, err)
	return err
}

func (e *Engine) startTasks(ctx context.Context, r *tunnelRun, log *logrus.Entry) {
	if iv := r.sess.RekeyCheckInterval(); iv > 0 {
		r.tasks.Add(1)
		go func() {
			defer r.tasks.Done()
			e.rekeyLoop(ctx, r, iv, log)
		}()
	}
	if iv := r.sess.KeepaliveInterval(); iv > 0 {
		r.tasks.Add(1)
		go func() {
			defer r.tasks.Done()
			e.keepaliveLoop(ctx, r, iv, log)
		}()
	}
	if m, ok := r.sess.(monitor); ok && e.settings.Metrics.ReportIntervalSec > 0 {
		r.tasks.Add(1)
		go func() {
			defer r.tasks.Done()
			m.Monitor(ctx, &e.stats, time.Duration(e.settings.Metrics.ReportIntervalSec)*time.Second)
		}()
	}
	// not part of tasks: it may call stop, which waits for tasks
	go func() {
		select {
		case <-ctx.Done():
		case err := <-r.pump.Done():
			e.tunnelFailed(r, err)
		}
	}()
}

func (e *Engine) rekeyLoop(ctx context.Context, r *tunnelRun, interval time.Duration, log *logrus.Entry) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.rekeyCh:
		case <-ticker.C:
			if !r.sess.NeedsRekey() {
				continue
			}
		}
		hctx, cancel := context.WithTimeout(ctx, e.settings.HandshakeTimeout())
		err := r.sess.Rekey(hctx)
		cancel()
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			// the current keys stay in use; the next tick retries
			log.Warnf("rekey failed: %v", err)
		default:
			e.stats.Rekeys.Add(1)
			log.Debugf("rekey #%d done", e.stats.Rekeys.Load())
		}
	}
}

func (e *Engine) keepaliveLoop(ctx context.Context, r *tunnelRun, interval time.Duration, log *logrus.Entry) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := r.sess.Keepalive(r.pump); err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			log.Debugf("keepalive failed (%d in a row): %v", failures, err)
			if failures >= keepaliveFailureLimit {
				go e.tunnelFailed(r, &core.IOError{Op: "keepalive", Err: err})
				return
			}
			continue
		}
		failures = 0
	}
}

// tunnelFailed reports a dead tunnel as ERROR and tears it down.
func (e *Engine) tunnelFailed(r *tunnelRun, err error) {
	if !e.transitionFrom(core.StateConnected, core.StateError, err) {
		return
	}
	e.log.Errorf("%s tunnel failed: %v", r.sess.Protocol(), err)
	r.stop(e.ownsIface)
}

// Disconnect cancels a connect in progress or tears the tunnel down.
func (e *Engine) Disconnect() error {
	e.amu.Lock()
	if e.attempt != nil {
		e.attempt()
	}
	e.amu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.State() == core.StateDisconnected {
		return nil
	}
	e.transition(core.StateDisconnecting, nil)
	if r := e.run.Swap(nil); r != nil {
		r.stop(e.ownsIface)
	}
	e.transition(core.StateDisconnected, nil)
	e.log.Infof("tunnel down")
	return nil
}

func (e *Engine) IsConnected() bool { return e.State() == core.StateConnected }

func (e *Engine) Stats() core.StatsSnapshot { return e.stats.Snapshot() }

// State returns the current connection state.
func (e *Engine) State() core.ConnectionState {
	e.smu.Lock()
	defer e.smu.Unlock()
	return e.state
}

// Err returns the error behind the latest ERROR state, nil otherwise.
func (e *Engine) Err() error {
	e.smu.Lock()
	defer e.smu.Unlock()
	if e.state != core.StateError {
		return nil
	}
	return e.lastErr
}

// Protocol names the family of the live tunnel, "" when there is none.
func (e *Engine) Protocol() string {
	if r := e.run.Load(); r != nil {
		return r.sess.Protocol()
	}
	return ""
}

// LastHandshake returns the completion time of the latest handshake or
// rekey of the live tunnel.
func (e *Engine) LastHandshake() time.Time {
	if r := e.run.Load(); r != nil {
		return r.sess.LastHandshake()
	}
	return time.Time{}
}

// Subscribe returns a channel of state events and a cancel func that
// closes it. Events are dropped when the buffer is full.
func (e *Engine) Subscribe(buffer int) (<-chan core.StateEvent, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan core.StateEvent, buffer)
	e.smu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	e.smu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.smu.Lock()
			delete(e.subs, id)
			e.smu.Unlock()
			close(ch)
		})
	}
}

func (e *Engine) transition(to core.ConnectionState, err error) bool {
	e.smu.Lock()
	defer e.smu.Unlock()
	return e.transitionLocked(to, err)
}

// transitionFrom moves to `to` only when the current state is `from`.
func (e *Engine) transitionFrom(from, to core.ConnectionState, err error) bool {
	e.smu.Lock()
	defer e.smu.Unlock()
	if e.state != from {
		return false
	}
	return e.transitionLocked(to, err)
}

func (e *Engine) transitionLocked(to core.ConnectionState, err error) bool {
	prev := e.state
	if !core.CanTransition(prev, to) {
		e.log.Debugf("ignoring state change %s -> %s", prev, to)
		return false
	}
	e.state = to
	e.lastErr = err
	ev := core.StateEvent{State: to, Prev: prev, Err: err, At: time.Now()}
	for id, ch := range e.subs {
		select {
		case ch <- ev:
		default:
			e.log.Debugf("subscriber %d is slow, dropping %s event", id, to)
		}
	}
	logging.DebugWithFields(logrus.Fields{"from": prev.String(), "to": to.String()}, "state change")
	return true
}

func (e *Engine) String() string {
	return fmt.Sprintf("engine(%s)", e.State())
}
