// Package bench drives benchmark sessions: it waits for the link to be
// ready, paces payload transmissions to the negotiated interval until the
// session budget is spent, and accounts for the data received.
package bench

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/gattbench/internal/ble"
	"github.com/chaz8081/gattbench/internal/ble/protocol"
	"github.com/chaz8081/gattbench/internal/fault"
	"github.com/chaz8081/gattbench/internal/payload"
	"github.com/chaz8081/gattbench/internal/timing"
)

// ErrSessionActive is returned by Begin while a session is still running.
var ErrSessionActive = errors.New("bench: session already active")

// State is the lifecycle position of a Driver.
type State int

const (
	Idle State = iota
	AwaitingReady
	Running
	Draining
	Complete
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingReady:
		return "awaiting-ready"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Complete:
		return "complete"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) active() bool {
	return s == AwaitingReady || s == Running || s == Draining
}

// Gate reports link readiness. *negotiate.Negotiator satisfies it.
type Gate interface {
	IsReady(peer string) bool
	Err(peer string) error
	Params(peer string) (ble.LinkParams, bool)
}

// Options configures a Driver.
type Options struct {
	Peer     string
	Gate     Gate
	Recorder *timing.Recorder
	Payload  *payload.Generator

	// Send hands one value to the link, usually through the op queue. It
	// must return once the value is queued.
	Send func(ctx context.Context, data []byte) error

	// PollInterval is the readiness polling period. Zero means 10ms.
	PollInterval time.Duration
	// ReadyTimeout aborts a session that is not ready in time, and a push
	// session that receives nothing in time. Zero means 10s.
	ReadyTimeout time.Duration
	// Announce sends the control message describing the session before the
	// first transmit of Begin.
	Announce bool

	OnSessionStart func()
	OnComplete     func(Stats)
	OnFault        func(fault.Event)
}

// Stats is a snapshot of a session.
type Stats struct {
	State State
	Spec  DurationSpec
	Push  bool

	BytesSent   int64
	PacketsSent int64

	BytesReceived   int64
	PacketsReceived int64
	FirstReceive    time.Time
	LastReceive     time.Time

	Start   time.Time
	Elapsed time.Duration
}

// Driver runs the sessions of one peer.
type Driver struct {
	opts Options
	now  func() time.Time

	mu       sync.Mutex
	state    State
	stats    Stats
	gen      int
	started  bool
	stop     chan struct{}
	cancel   context.CancelFunc
	firstRx  chan struct{}
	budgetRx chan struct{}
}

// New creates a driver. Payload defaults to a fresh random session stream.
func New(opts Options) (*Driver, error) {
	if opts.Peer == "" {
		return nil, fmt.Errorf("bench: driver without peer")
	}
	if opts.Recorder == nil {
		opts.Recorder = timing.New(0)
	}
	if opts.Payload == nil {
		g, _, err := payload.NewSession()
		if err != nil {
			return nil, fmt.Errorf("bench: payload: %w", err)
		}
		opts.Payload = g
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 10 * time.Second
	}
	return &Driver{opts: opts, now: time.Now}, nil
}

// Begin starts a transmitting session. Transmission starts once the gate
// reports the peer ready.
func (d *Driver) Begin(spec DurationSpec) error {
	return d.start(spec, false)
}

// BeginPush starts a receiving session in which the peer transmits: once
// ready, a single control message describing spec is sent and the session
// completes when the byte budget has arrived or the time budget plus one
// interval has passed since the first arrival.
func (d *Driver) BeginPush(spec DurationSpec) error {
	return d.start(spec, true)
}

func (d *Driver) start(spec DurationSpec, push bool) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	if d.opts.Gate == nil || d.opts.Send == nil {
		return fmt.Errorf("bench: driver for %s has no gate or sender", d.opts.Peer)
	}

	d.mu.Lock()
	if d.state.active() {
		d.mu.Unlock()
		return ErrSessionActive
	}
	d.gen++
	gen := d.gen
	d.state = AwaitingReady
	d.stats = Stats{State: AwaitingReady, Spec: spec, Push: push}
	d.started = false
	stop := make(chan struct{})
	d.stop = stop
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.firstRx = make(chan struct{})
	d.budgetRx = make(chan struct{})
	firstRx, budgetRx := d.firstRx, d.budgetRx
	d.mu.Unlock()

	slog.Info("[BENCH] session begin", "peer", d.opts.Peer, "spec", spec.String(), "push", push)
	go d.run(ctx, gen, spec, push, stop, firstRx, budgetRx)
	return nil
}

// End stops the current session early. A session still waiting for
// readiness is cancelled without a completion; a running one completes with
// the bytes sent so far.
func (d *Driver) End() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil && (d.state == AwaitingReady || d.state == Running) {
		close(d.stop)
		d.stop = nil
	}
}

func (d *Driver) run(ctx context.Context, gen int, spec DurationSpec, push bool, stop, firstRx, budgetRx chan struct{}) {
	params, ok := d.awaitReady(gen, stop)
	if !ok {
		return
	}
	if params.PayloadSize <= 0 {
		d.abort(gen, fault.New(fault.PayloadSize, d.opts.Peer, nil, "negotiated payload size %d", params.PayloadSize))
		return
	}
	if push {
		d.runPush(ctx, gen, spec, params, stop, firstRx, budgetRx)
		return
	}
	d.runSend(ctx, gen, spec, params, stop)
}

func (d *Driver) awaitReady(gen int, stop chan struct{}) (ble.LinkParams, bool) {
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(d.opts.ReadyTimeout)
	defer deadline.Stop()

	for {
		if d.opts.Gate.IsReady(d.opts.Peer) {
			params, _ := d.opts.Gate.Params(d.opts.Peer)
			return params, true
		}
		if err := d.opts.Gate.Err(d.opts.Peer); err != nil {
			d.abort(gen, fault.Event{Code: fault.NegotiationFailed, Peer: d.opts.Peer, Detail: "link not ready", Err: err})
			return ble.LinkParams{}, false
		}
		select {
		case <-stop:
			d.finish(gen)
			return ble.LinkParams{}, false
		case <-deadline.C:
			d.abort(gen, fault.New(fault.NegotiationTimeout, d.opts.Peer, nil, "link not ready after %s", d.opts.ReadyTimeout))
			return ble.LinkParams{}, false
		case <-ticker.C:
		}
	}
}

func (d *Driver) enterRunning(gen int) (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gen != gen || d.state != AwaitingReady {
		return time.Time{}, false
	}
	d.state = Running
	d.stats.State = Running
	d.stats.Start = d.now()
	return d.stats.Start, true
}

func (d *Driver) runSend(ctx context.Context, gen int, spec DurationSpec, params ble.LinkParams, stop chan struct{}) {
	start, ok := d.enterRunning(gen)
	if !ok {
		return
	}
	if d.opts.Announce {
		data, err := protocol.MarshalControl(spec.Control(params))
		if err == nil {
			err = d.opts.Send(ctx, data)
		}
		if err != nil {
			d.abort(gen, fault.Event{Code: fault.Protocol, Peer: d.opts.Peer, Attr: ble.TestCharUUID, Detail: "announce session", Err: err})
			return
		}
	}
	period := params.Interval.Period()
	slog.Info("[BENCH] running", "peer", d.opts.Peer, "params", params.String(), "period", period)
	d.sessionStart()

	key := timing.Key{Kind: timing.SenderLatency, Peer: d.opts.Peer}
	var sent int64
	for k := 0; ; k++ {
		select {
		case <-stop:
			d.finish(gen)
			return
		default:
		}

		size := int64(params.PayloadSize)
		if !spec.TimeBounded() {
			if remaining := spec.Bytes - sent; size > remaining {
				size = remaining
			}
		}

		if !d.mark(gen, key, k == 0) {
			return
		}
		if err := d.opts.Send(ctx, d.opts.Payload.Block(int(size))); err != nil {
			if ctx.Err() != nil {
				d.finish(gen)
				return
			}
			d.report(fault.Event{Code: fault.Transport, Peer: d.opts.Peer, Attr: ble.TestCharUUID, Detail: "send", Err: err})
		} else {
			sent += size
			d.mu.Lock()
			d.stats.BytesSent = sent
			d.stats.PacketsSent++
			d.mu.Unlock()
		}

		if !spec.TimeBounded() && sent >= spec.Bytes {
			break
		}
		if spec.TimeBounded() && d.now().Sub(start)+period >= spec.Duration {
			break
		}

		timer := time.NewTimer(time.Until(start.Add(time.Duration(k+1) * period)))
		select {
		case <-stop:
			timer.Stop()
			d.finish(gen)
			return
		case <-timer.C:
		}
	}
	d.finish(gen)
}

// mark records the sender timing for one transmit; the first one sets the
// origin. It returns false if the session was aborted.
func (d *Driver) mark(gen int, key timing.Key, first bool) bool {
	if first {
		d.opts.Recorder.StartTiming(key)
		return true
	}
	if _, err := d.opts.Recorder.RecordDiff(key); err != nil {
		if errors.Is(err, timing.ErrCapacityExceeded) {
			d.abort(gen, fault.Event{Code: fault.Capacity, Peer: d.opts.Peer, Detail: "sender latency", Err: err})
			return false
		}
		d.report(fault.Event{Code: fault.Recorder, Peer: d.opts.Peer, Detail: "sender latency", Err: err})
	}
	return true
}

func (d *Driver) runPush(ctx context.Context, gen int, spec DurationSpec, params ble.LinkParams, stop, firstRx, budgetRx chan struct{}) {
	data, err := protocol.MarshalControl(spec.Control(params))
	if err != nil {
		d.abort(gen, fault.Event{Code: fault.Protocol, Peer: d.opts.Peer, Detail: "control message", Err: err})
		return
	}
	if _, ok := d.enterRunning(gen); !ok {
		return
	}
	if err := d.opts.Send(ctx, data); err != nil {
		d.abort(gen, fault.Event{Code: fault.Transport, Peer: d.opts.Peer, Attr: ble.TestCharUUID, Detail: "send control message", Err: err})
		return
	}
	slog.Info("[BENCH] push session requested", "peer", d.opts.Peer, "params", params.String())

	idle := time.NewTimer(d.opts.ReadyTimeout)
	defer idle.Stop()
	select {
	case <-stop:
		d.finish(gen)
		return
	case <-idle.C:
		d.abort(gen, fault.New(fault.Protocol, d.opts.Peer, nil, "no push data after %s", d.opts.ReadyTimeout))
		return
	case <-firstRx:
	}

	var budget <-chan time.Time
	if spec.TimeBounded() {
		t := time.NewTimer(spec.Duration + params.Interval.Period())
		defer t.Stop()
		budget = t.C
	}
	select {
	case <-stop:
	case <-budget:
	case <-budgetRx:
	}
	d.finish(gen)
}

// OnReceive accounts for one benchmark value received from the peer. The
// first value of a session sets the receiver timing origin and fires
// OnSessionStart; later values record their offset.
func (d *Driver) OnReceive(data []byte) {
	now := d.now()
	d.mu.Lock()
	first := d.stats.PacketsReceived == 0
	d.stats.PacketsReceived++
	d.stats.BytesReceived += int64(len(data))
	if first {
		d.stats.FirstReceive = now
		if d.firstRx != nil {
			close(d.firstRx)
			d.firstRx = nil
		}
	}
	d.stats.LastReceive = now
	if d.stats.Push && !d.stats.Spec.TimeBounded() && d.stats.BytesReceived >= d.stats.Spec.Bytes && d.budgetRx != nil {
		close(d.budgetRx)
		d.budgetRx = nil
	}
	gen := d.gen
	d.mu.Unlock()

	key := timing.Key{Kind: timing.ReceiverLatency, Peer: d.opts.Peer}
	if first {
		d.opts.Recorder.StartTiming(key)
		d.sessionStart()
		return
	}
	if _, err := d.opts.Recorder.RecordDiff(key); err != nil {
		if errors.Is(err, timing.ErrCapacityExceeded) {
			d.abort(gen, fault.Event{Code: fault.Capacity, Peer: d.opts.Peer, Detail: "receiver latency", Err: err})
			return
		}
		d.report(fault.Event{Code: fault.Recorder, Peer: d.opts.Peer, Detail: "receiver latency", Err: err})
	}
}

// OnTransmit accounts for a value of n bytes the peer pulled, for sessions
// paced by the remote side. It times the transmit like the pacing loop does.
func (d *Driver) OnTransmit(n int) {
	d.mu.Lock()
	first := d.stats.PacketsSent == 0
	d.stats.PacketsSent++
	d.stats.BytesSent += int64(n)
	gen := d.gen
	d.mu.Unlock()

	if d.mark(gen, timing.Key{Kind: timing.SenderLatency, Peer: d.opts.Peer}, first) && first {
		d.sessionStart()
	}
}

// Reset clears the accounting of an inactive driver so the next received
// or pulled value starts a new session. It returns false while a session
// is active.
func (d *Driver) Reset() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state.active() {
		return false
	}
	d.state = Idle
	d.stats = Stats{}
	d.started = false
	return true
}

func (d *Driver) sessionStart() {
	d.mu.Lock()
	fire := !d.started
	d.started = true
	d.mu.Unlock()
	if fire && d.opts.OnSessionStart != nil {
		d.opts.OnSessionStart()
	}
}

func (d *Driver) finish(gen int) {
	d.mu.Lock()
	if d.gen != gen || (d.state != AwaitingReady && d.state != Running) {
		d.mu.Unlock()
		return
	}
	if d.state == AwaitingReady {
		d.state = Idle
		d.stats.State = Idle
		d.cancel()
		d.mu.Unlock()
		slog.Info("[BENCH] session cancelled before ready", "peer", d.opts.Peer)
		return
	}
	d.state = Draining
	d.stats.State = Draining
	d.stats.Elapsed = d.now().Sub(d.stats.Start)
	d.cancel()
	stats := d.stats
	d.mu.Unlock()

	slog.Info("[BENCH] session complete", "peer", d.opts.Peer, "sent", stats.BytesSent, "received", stats.BytesReceived, "elapsed", stats.Elapsed)
	stats.State = Complete
	if d.opts.OnComplete != nil {
		d.opts.OnComplete(stats)
	}

	d.mu.Lock()
	if d.gen == gen {
		d.state = Complete
		d.stats.State = Complete
	}
	d.mu.Unlock()
}

// Abort ends the session with a fatal event raised outside the driver, such
// as an overflowing series it does not record itself. The event is reported
// even when no session is waiting or running.
func (d *Driver) Abort(ev fault.Event) {
	d.mu.Lock()
	gen, running := d.gen, d.state == AwaitingReady || d.state == Running
	d.mu.Unlock()
	if !running {
		d.report(ev)
		return
	}
	d.abort(gen, ev)
}

func (d *Driver) abort(gen int, ev fault.Event) {
	d.mu.Lock()
	if d.gen != gen || !d.state.active() {
		d.mu.Unlock()
		d.report(ev)
		return
	}
	d.state = Aborted
	d.stats.State = Aborted
	if d.stop != nil {
		close(d.stop)
		d.stop = nil
	}
	d.cancel()
	d.mu.Unlock()

	slog.Warn("[BENCH] session aborted", "peer", d.opts.Peer, "error", ev.Error())
	d.report(ev)
}

func (d *Driver) report(ev fault.Event) {
	if d.opts.OnFault != nil {
		d.opts.OnFault(ev)
	}
}

// State returns the driver state.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Stats returns a snapshot of the current or last session.
func (d *Driver) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}
