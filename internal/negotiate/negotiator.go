// Package negotiate runs the per-connection parameter handshake: MTU, then
// connection interval, then transfer method, then payload size. Each step is
// a request answered asynchronously by the transport.
package negotiate

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/gattbench/internal/ble"
	"github.com/chaz8081/gattbench/internal/fault"
	"github.com/chaz8081/gattbench/internal/timing"
)

// ErrStepTimeout is joined into the failure of a step whose confirmation
// never arrived.
var ErrStepTimeout = errors.New("negotiate: confirmation timed out")

// State is a peer's position in the handshake.
type State int

const (
	Idle State = iota
	RequestingMTU
	RequestingInterval
	RequestingMethod
	RequestingPayloadSize
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case RequestingMTU:
		return "requesting-mtu"
	case RequestingInterval:
		return "requesting-interval"
	case RequestingMethod:
		return "requesting-method"
	case RequestingPayloadSize:
		return "requesting-payload-size"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Requester issues the link requests a handshake needs. ble.Transport
// satisfies it.
type Requester interface {
	RequestMTU(peer string, mtu int) error
	RequestInterval(peer string, class ble.IntervalClass) error
	SetTransferMethod(peer string, method ble.Method) error
}

// Options configures a Negotiator.
type Options struct {
	// Recorder receives connection setup times under timing.ConnectionSetup.
	Recorder *timing.Recorder
	// StepTimeout bounds each request/confirm cycle. Zero means 10s.
	StepTimeout time.Duration
	// OnFault receives mismatches and failures. Called without locks held.
	OnFault func(fault.Event)
	// OnReady is called once per round when all four parameters are set.
	OnReady func(peer string, params ble.LinkParams)
}

type flags struct {
	mtu, interval, method, payload bool
}

func (f flags) all() bool { return f.mtu && f.interval && f.method && f.payload }

type peerState struct {
	state    State
	desired  ble.LinkParams
	achieved ble.LinkParams
	flags    flags
	errs     []error
	started  time.Time
	timer    *time.Timer
}

// Negotiator tracks the handshake of every connected peer.
type Negotiator struct {
	req  Requester
	opts Options
	now  func() time.Time

	mu    sync.Mutex
	peers map[string]*peerState
}

// New creates a negotiator issuing requests through req.
func New(req Requester, opts Options) *Negotiator {
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 10 * time.Second
	}
	return &Negotiator{
		req:   req,
		opts:  opts,
		now:   time.Now,
		peers: make(map[string]*peerState),
	}
}

// Validate checks desired parameters before a round starts.
func Validate(desired ble.LinkParams) error {
	if desired.MTU < ble.DefaultMTU || desired.MTU > ble.MaxMTU {
		return fmt.Errorf("negotiate: MTU %d out of range (%d-%d)", desired.MTU, ble.DefaultMTU, ble.MaxMTU)
	}
	if desired.Method == ble.MethodUnset {
		return fmt.Errorf("negotiate: transfer method not set")
	}
	if desired.PayloadSize <= 0 {
		return fmt.Errorf("negotiate: payload size must be positive, got %d", desired.PayloadSize)
	}
	return nil
}

// Begin starts a new round for peer, discarding any previous state. The MTU
// is requested first; a desired MTU equal to the default is confirmed
// without a round trip.
func (n *Negotiator) Begin(peer string, desired ble.LinkParams) error {
	if err := Validate(desired); err != nil {
		return err
	}

	ps := &peerState{state: RequestingMTU, desired: desired, started: n.now()}
	n.mu.Lock()
	if old, ok := n.peers[peer]; ok {
		n.disarmLocked(old)
	}
	n.peers[peer] = ps
	n.mu.Unlock()

	slog.Info("[NEGOTIATE] begin", "peer", peer, "desired", desired.String())

	if desired.MTU == ble.DefaultMTU {
		n.OnMTUConfirmed(peer, ble.DefaultMTU, nil)
		return nil
	}
	n.arm(peer, ps, RequestingMTU)
	if err := n.req.RequestMTU(peer, desired.MTU); err != nil {
		n.OnMTUConfirmed(peer, ble.DefaultMTU, err)
	}
	return nil
}

// current returns the state of peer if it is still in want.
func (n *Negotiator) currentLocked(peer string, want State) *peerState {
	ps, ok := n.peers[peer]
	if !ok || ps.state != want {
		return nil
	}
	return ps
}

// OnMTUConfirmed handles the MTU confirmation. The achieved value is
// authoritative; a failed request falls back to the default MTU.
func (n *Negotiator) OnMTUConfirmed(peer string, achieved int, err error) {
	n.mu.Lock()
	ps := n.currentLocked(peer, RequestingMTU)
	if ps == nil {
		n.mu.Unlock()
		slog.Debug("[NEGOTIATE] ignoring MTU confirmation", "peer", peer, "mtu", achieved)
		return
	}
	n.disarmLocked(ps)

	var ev *fault.Event
	if err != nil || achieved < ble.DefaultMTU {
		e := fault.New(fault.MTU, peer, err, "MTU request failed, using default %d", ble.DefaultMTU)
		ev = &e
		achieved = ble.DefaultMTU
	}
	ps.achieved.MTU = achieved
	ps.flags.mtu = true
	ps.state = RequestingInterval
	class := ps.desired.Interval
	n.mu.Unlock()

	if ev != nil {
		n.emit(*ev)
	}
	slog.Debug("[NEGOTIATE] MTU set", "peer", peer, "mtu", achieved)

	if class == ble.IntervalUnset {
		n.OnIntervalConfirmed(peer, ble.IntervalUnset, nil)
		return
	}
	n.arm(peer, ps, RequestingInterval)
	if err := n.req.RequestInterval(peer, class); err != nil {
		n.OnIntervalConfirmed(peer, ble.IntervalUnset, err)
	}
}

// OnIntervalConfirmed handles the interval confirmation. Only an exact
// match sets the interval flag; a mismatch is reported and the handshake
// moves on.
func (n *Negotiator) OnIntervalConfirmed(peer string, achieved ble.IntervalClass, err error) {
	n.mu.Lock()
	ps := n.currentLocked(peer, RequestingInterval)
	if ps == nil {
		n.mu.Unlock()
		slog.Debug("[NEGOTIATE] ignoring interval confirmation", "peer", peer, "interval", achieved)
		return
	}
	n.disarmLocked(ps)

	var ev *fault.Event
	switch {
	case err != nil:
		e := fault.New(fault.Interval, peer, err, "interval %s request failed", ps.desired.Interval)
		ev = &e
	case achieved != ps.desired.Interval:
		e := fault.New(fault.Interval, peer, nil, "requested interval %s, got %s", ps.desired.Interval, achieved)
		ev = &e
	default:
		ps.achieved.Interval = achieved
		ps.flags.interval = true
	}
	if ev != nil {
		ps.errs = append(ps.errs, *ev)
	}
	ps.state = RequestingMethod
	method := ps.desired.Method
	n.mu.Unlock()

	if ev != nil {
		n.emit(*ev)
	}

	n.arm(peer, ps, RequestingMethod)
	if err := n.req.SetTransferMethod(peer, method); err != nil {
		n.OnMethodConfirmed(peer, ble.MethodUnset, err)
	}
}

// OnMethodConfirmed handles the transfer method confirmation, then settles
// the payload size against the achieved MTU.
func (n *Negotiator) OnMethodConfirmed(peer string, achieved ble.Method, err error) {
	n.mu.Lock()
	ps := n.currentLocked(peer, RequestingMethod)
	if ps == nil {
		n.mu.Unlock()
		slog.Debug("[NEGOTIATE] ignoring method confirmation", "peer", peer, "method", achieved)
		return
	}
	n.disarmLocked(ps)

	var ev *fault.Event
	switch {
	case err != nil:
		e := fault.New(fault.Method, peer, err, "method %s request failed", ps.desired.Method)
		ev = &e
	case achieved != ps.desired.Method:
		e := fault.New(fault.Method, peer, nil, "requested method %s, got %s", ps.desired.Method, achieved)
		ev = &e
	default:
		ps.achieved.Method = achieved
		ps.flags.method = true
	}
	if ev != nil {
		ps.errs = append(ps.errs, *ev)
	}

	ps.state = RequestingPayloadSize
	size := ps.desired.PayloadSize
	if size > ps.achieved.MTU {
		slog.Info("[NEGOTIATE] payload size clamped to MTU", "peer", peer, "requested", size, "mtu", ps.achieved.MTU)
		size = ps.achieved.MTU
	}
	ps.achieved.PayloadSize = size
	ps.flags.payload = true
	n.mu.Unlock()

	if ev != nil {
		n.emit(*ev)
	}
	n.finish(peer, ps)
}

func (n *Negotiator) finish(peer string, ps *peerState) {
	n.mu.Lock()
	if n.peers[peer] != ps || ps.state != RequestingPayloadSize {
		n.mu.Unlock()
		return
	}
	if !ps.flags.all() {
		ps.state = Failed
		err := errors.Join(ps.errs...)
		n.mu.Unlock()
		slog.Warn("[NEGOTIATE] failed", "peer", peer, "error", err)
		n.emit(fault.Event{Code: fault.NegotiationFailed, Peer: peer, Detail: "parameters not satisfied", Err: err})
		return
	}
	ps.state = Ready
	params := ps.achieved
	setup := n.now().Sub(ps.started)
	n.mu.Unlock()

	slog.Info("[NEGOTIATE] ready", "peer", peer, "params", params.String(), "setup", setup)
	if n.opts.Recorder != nil {
		key := timing.Key{Kind: timing.ConnectionSetup, Peer: peer}
		if err := n.opts.Recorder.RecordAbsolute(key, setup.Nanoseconds()); err != nil {
			code := fault.Recorder
			if errors.Is(err, timing.ErrCapacityExceeded) {
				code = fault.Capacity
			}
			n.emit(fault.Event{Code: code, Peer: peer, Detail: "record connection setup", Err: err})
		}
	}
	if n.opts.OnReady != nil {
		n.opts.OnReady(peer, params)
	}
}

func (n *Negotiator) arm(peer string, ps *peerState, step State) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.peers[peer] != ps || ps.state != step {
		return
	}
	n.disarmLocked(ps)
	ps.timer = time.AfterFunc(n.opts.StepTimeout, func() { n.timeout(peer, ps, step) })
}

func (n *Negotiator) disarmLocked(ps *peerState) {
	if ps.timer != nil {
		ps.timer.Stop()
		ps.timer = nil
	}
}

func (n *Negotiator) timeout(peer string, ps *peerState, step State) {
	n.mu.Lock()
	if n.peers[peer] != ps || ps.state != step {
		n.mu.Unlock()
		return
	}
	ps.state = Failed
	err := fmt.Errorf("negotiate: %s: %w", step, ErrStepTimeout)
	ps.errs = append(ps.errs, err)
	n.mu.Unlock()

	slog.Warn("[NEGOTIATE] step timed out", "peer", peer, "step", step.String())
	n.emit(fault.Event{Code: fault.NegotiationTimeout, Peer: peer, Detail: step.String(), Err: err})
}

func (n *Negotiator) emit(ev fault.Event) {
	if n.opts.OnFault != nil {
		n.opts.OnFault(ev)
	}
}

// IsReady reports whether all four parameters are set for peer.
func (n *Negotiator) IsReady(peer string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	ps, ok := n.peers[peer]
	return ok && ps.flags.all()
}

// State returns the handshake state of peer.
func (n *Negotiator) State(peer string) State {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ps, ok := n.peers[peer]; ok {
		return ps.state
	}
	return Idle
}

// Err returns the combined failure once the handshake ended in Failed.
func (n *Negotiator) Err(peer string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	ps, ok := n.peers[peer]
	if !ok || ps.state != Failed {
		return nil
	}
	return fmt.Errorf("negotiate: %s: %w", peer, errors.Join(ps.errs...))
}

// Params returns the parameters achieved so far for peer.
func (n *Negotiator) Params(peer string) (ble.LinkParams, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ps, ok := n.peers[peer]
	if !ok {
		return ble.LinkParams{}, false
	}
	return ps.achieved, true
}

// Forget drops all state for peer, typically on disconnect.
func (n *Negotiator) Forget(peer string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ps, ok := n.peers[peer]; ok {
		n.disarmLocked(ps)
		delete(n.peers, peer)
	}
}
