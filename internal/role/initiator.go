package role

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/chaz8081/gattbench/internal/bench"
	"github.com/chaz8081/gattbench/internal/ble"
	"github.com/chaz8081/gattbench/internal/ble/protocol"
	"github.com/chaz8081/gattbench/internal/fault"
	"github.com/chaz8081/gattbench/internal/gattq"
	"github.com/chaz8081/gattbench/internal/negotiate"
	"github.com/chaz8081/gattbench/internal/results"
	"github.com/chaz8081/gattbench/internal/timing"
	"github.com/google/uuid"
)

// ErrNotPrepared is returned when a benchmark is started before Prepare.
var ErrNotPrepared = errors.New("role: initiator not prepared")

// InitiatorOptions configures an Initiator.
type InitiatorOptions struct {
	Transport ble.Transport
	Observer  Observer
	Recorder  *timing.Recorder

	QueueCapacity int
	QueuePolicy   gattq.Policy

	// StepTimeout bounds each negotiation step. Zero means 10s.
	StepTimeout time.Duration
	// PollInterval and ReadyTimeout configure the session drivers.
	PollInterval time.Duration
	ReadyTimeout time.Duration
}

// Initiator is the central side of a benchmark. It connects, negotiates the
// link, runs sessions and pulls the results back from the responder. It is
// the transport's event handler.
type Initiator struct {
	tr     ble.Transport
	obs    Observer
	rec    *timing.Recorder
	opts   InitiatorOptions
	queue  *gattq.Queue
	neg    *negotiate.Negotiator
	puller *results.Puller

	mu         sync.Mutex
	ctx        context.Context
	started    bool
	prepared   bool
	desired    ble.LinkParams
	preparedAt time.Time
	pending    *bench.DurationSpec
	connected  map[string]bool
	drivers    map[string]*bench.Driver
}

// NewInitiator creates an initiator and installs it as the transport's
// handler.
func NewInitiator(opts InitiatorOptions) (*Initiator, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("role: initiator without transport")
	}
	if opts.Observer == nil {
		opts.Observer = BaseObserver{}
	}
	if opts.Recorder == nil {
		opts.Recorder = timing.New(0)
	}

	i := &Initiator{
		tr:        opts.Transport,
		obs:       opts.Observer,
		rec:       opts.Recorder,
		opts:      opts,
		ctx:       context.Background(),
		connected: make(map[string]bool),
		drivers:   make(map[string]*bench.Driver),
	}
	i.queue = gattq.New(gattq.TransportDispatcher(opts.Transport), gattq.Options{
		Capacity:  opts.QueueCapacity,
		Policy:    opts.QueuePolicy,
		OnFailure: i.onQueueFailure,
	})
	i.neg = negotiate.New(opts.Transport, negotiate.Options{
		Recorder:    opts.Recorder,
		StepTimeout: opts.StepTimeout,
		OnFault:     i.report,
		OnReady:     i.onReady,
	})
	i.puller = results.NewPuller(results.PullerOptions{
		Recorder:  opts.Recorder,
		Submit:    i.queue.Submit,
		OnLatency: i.onLatency,
		OnRaw:     i.obs.OnRawDataAvailable,
		OnFault:   i.report,
	})
	opts.Transport.SetHandler(i)
	return i, nil
}

// Prepare negotiates params with every connected peer. The first call starts
// the transport; peers that connect later are negotiated on connection.
func (i *Initiator) Prepare(ctx context.Context, params ble.LinkParams) error {
	if err := negotiate.Validate(params); err != nil {
		return err
	}

	i.mu.Lock()
	i.ctx = ctx
	i.desired = params
	i.prepared = true
	i.preparedAt = time.Now()
	start := !i.started
	i.started = true
	peers := i.peersLocked()
	i.mu.Unlock()

	slog.Info("[ROLE] prepare", "params", params.String(), "connected", len(peers))
	if start {
		if err := i.tr.Start(ctx); err != nil {
			i.mu.Lock()
			i.started = false
			i.prepared = false
			i.mu.Unlock()
			return fmt.Errorf("role: start transport: %w", err)
		}
		return nil
	}

	var errs []error
	for _, peer := range peers {
		if err := i.neg.Begin(peer, params); err != nil {
			errs = append(errs, fmt.Errorf("role: negotiate %s: %w", peer, err))
		}
	}
	return errors.Join(errs...)
}

// BeginBenchmark starts a session with every connected peer, or with the
// first peer to connect when none is connected yet. Each session waits for
// its link to be ready before transmitting.
func (i *Initiator) BeginBenchmark(spec bench.DurationSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}

	i.mu.Lock()
	if !i.prepared {
		i.mu.Unlock()
		return ErrNotPrepared
	}
	peers := i.peersLocked()
	if len(peers) == 0 {
		i.pending = &spec
		i.mu.Unlock()
		slog.Info("[ROLE] benchmark deferred until a peer connects", "spec", spec.String())
		return nil
	}
	i.pending = nil
	method := i.desired.Method
	drivers := make([]*bench.Driver, len(peers))
	for n, peer := range peers {
		drivers[n] = i.drivers[peer]
	}
	i.mu.Unlock()

	var errs []error
	for n, peer := range peers {
		if drivers[n] == nil {
			errs = append(errs, fmt.Errorf("role: %s: no session driver", peer))
			continue
		}
		if err := i.begin(peer, drivers[n], method, spec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (i *Initiator) begin(peer string, d *bench.Driver, method ble.Method, spec bench.DurationSpec) error {
	if d.State() == bench.AwaitingReady || d.State() == bench.Running {
		return fmt.Errorf("role: %s: %w", peer, bench.ErrSessionActive)
	}
	for _, kind := range []timing.Kind{timing.SenderLatency, timing.ReceiverLatency, timing.OperationRoundTrip} {
		i.rec.Reset(timing.Key{Kind: kind, Peer: peer})
	}

	var err error
	if method == ble.MethodNotifyPush {
		err = d.BeginPush(spec)
	} else {
		err = d.Begin(spec)
	}
	if err != nil {
		return fmt.Errorf("role: begin %s: %w", peer, err)
	}
	return nil
}

// EndBenchmark stops every running session early.
func (i *Initiator) EndBenchmark() {
	i.mu.Lock()
	i.pending = nil
	drivers := i.driversLocked()
	i.mu.Unlock()

	for _, d := range drivers {
		d.End()
	}
}

// RequestLatencyMeasurements pulls the responder's latency series of the
// last session. In push and read-pull sessions the responder transmitted,
// so its series is stored as the sender series; otherwise as the receiver
// series.
func (i *Initiator) RequestLatencyMeasurements() error {
	ctx, peers := i.snapshot()
	if len(peers) == 0 {
		return ble.ErrNotConnected
	}
	var errs []error
	for _, peer := range peers {
		into := timing.ReceiverLatency
		if remoteTransmits(i.method(peer)) {
			into = timing.SenderLatency
		}
		if err := i.puller.PullLatency(ctx, peer, into); err != nil {
			errs = append(errs, fmt.Errorf("role: latency %s: %w", peer, err))
		}
	}
	return errors.Join(errs...)
}

// RequestPeerIdentity reads the identity of every connected peer.
func (i *Initiator) RequestPeerIdentity() error {
	ctx, peers := i.snapshot()
	if len(peers) == 0 {
		return ble.ErrNotConnected
	}
	var errs []error
	for _, peer := range peers {
		if err := i.queue.Submit(ctx, gattq.Read(peer, ble.IDCharUUID)); err != nil {
			errs = append(errs, fmt.Errorf("role: identity %s: %w", peer, err))
		}
	}
	return errors.Join(errs...)
}

// RequestRawTimestamps delivers the inter-packet gaps seen by the receiving
// side of the last session: pulled from the responder after a write
// session, taken from the local series otherwise.
func (i *Initiator) RequestRawTimestamps() error {
	ctx, peers := i.snapshot()
	if len(peers) == 0 {
		return ble.ErrNotConnected
	}
	var errs []error
	for _, peer := range peers {
		if remoteTransmits(i.method(peer)) {
			offsets := i.rec.Drain(timing.Key{Kind: timing.ReceiverLatency, Peer: peer}, false)
			i.obs.OnRawDataAvailable(peer, results.Gaps(offsets))
			continue
		}
		if err := i.puller.PullRaw(ctx, peer); err != nil {
			errs = append(errs, fmt.Errorf("role: raw %s: %w", peer, err))
		}
	}
	return errors.Join(errs...)
}

// Cleanup ends all sessions and closes the transport. It must not be called
// from an Observer callback.
func (i *Initiator) Cleanup() error {
	i.mu.Lock()
	drivers := i.driversLocked()
	i.prepared = false
	i.started = false
	i.pending = nil
	i.mu.Unlock()

	for _, d := range drivers {
		d.End()
	}
	if err := i.tr.Close(); err != nil {
		return fmt.Errorf("role: close transport: %w", err)
	}
	return nil
}

// Peers lists the connected peers.
func (i *Initiator) Peers() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.peersLocked()
}

// Stats returns the session snapshot of peer.
func (i *Initiator) Stats(peer string) (bench.Stats, bool) {
	if d := i.driver(peer); d != nil {
		return d.Stats(), true
	}
	return bench.Stats{}, false
}

// Params returns the link parameters negotiated with peer.
func (i *Initiator) Params(peer string) (ble.LinkParams, bool) {
	return i.neg.Params(peer)
}

// Summary derives the results of the last session with peer from the
// driver accounting and the recorded series.
func (i *Initiator) Summary(peer string) (results.Summary, bool) {
	d := i.driver(peer)
	if d == nil {
		return results.Summary{}, false
	}
	s := d.Stats()
	in := results.Input{
		Bytes:       s.BytesSent,
		Elapsed:     s.Elapsed,
		PacketsSent: s.PacketsSent,
		Sender:      i.rec.Drain(timing.Key{Kind: timing.SenderLatency, Peer: peer}, false),
		Receiver:    i.rec.Drain(timing.Key{Kind: timing.ReceiverLatency, Peer: peer}, false),
		RoundTrip:   i.rec.Drain(timing.Key{Kind: timing.OperationRoundTrip, Peer: peer}, false),
	}
	if s.BytesReceived > 0 {
		in.Bytes = s.BytesReceived
		in.Elapsed = receiveWindow(s)
	}
	if s.Push && len(in.Sender) > 0 {
		in.PacketsSent = int64(len(in.Sender)) + 1
	}
	return results.Summarize(in), true
}

// Handler

func (i *Initiator) OnConnected(peer string) {
	i.mu.Lock()
	d, err := i.driverLocked(peer)
	if err != nil {
		i.mu.Unlock()
		i.report(fault.Event{Code: fault.Protocol, Peer: peer, Detail: "session driver", Err: err})
		return
	}
	// Only peers with a driver count as connected.
	i.connected[peer] = true
	prepared, desired, method := i.prepared, i.desired, i.desired.Method
	pending := i.pending
	i.pending = nil
	i.mu.Unlock()

	slog.Info("[ROLE] peer connected", "peer", peer)
	if prepared {
		if err := i.neg.Begin(peer, desired); err != nil {
			i.report(fault.Event{Code: fault.NegotiationFailed, Peer: peer, Detail: "begin negotiation", Err: err})
			return
		}
	}
	if pending != nil {
		if err := i.begin(peer, d, method, *pending); err != nil {
			i.report(fault.Event{Code: fault.Protocol, Peer: peer, Detail: "deferred benchmark", Err: err})
		}
	}
}

func (i *Initiator) OnDisconnected(peer string) {
	i.mu.Lock()
	delete(i.connected, peer)
	d := i.drivers[peer]
	i.mu.Unlock()

	dropped := i.queue.Reset(peer)
	i.puller.Cancel(peer)
	if d != nil {
		d.End()
	}
	i.neg.Forget(peer)
	slog.Info("[ROLE] peer disconnected", "peer", peer, "dropped_ops", dropped)
}

func (i *Initiator) OnOperationCompleted(c ble.Completion) {
	if done, ok := i.queue.OnOperationCompleted(c.Peer, c.Err); ok {
		recordRoundTrip(i.rec, i.driver(c.Peer), done, i.report)
	}
	if i.puller.OnRead(c) {
		return
	}
	if c.Kind != ble.OpRead || c.Err != nil {
		return
	}

	switch c.Attr {
	case ble.IDCharUUID:
		slog.Info("[ROLE] peer identity", "peer", c.Peer, "id", string(c.Value))
		i.obs.OnPeerIdentityAvailable(c.Peer, string(c.Value))
	case ble.TestCharUUID:
		if d := i.driver(c.Peer); d != nil && len(c.Value) > 0 {
			d.OnReceive(c.Value)
		}
	}
}

func (i *Initiator) OnMTUChanged(peer string, mtu int, err error) {
	i.neg.OnMTUConfirmed(peer, mtu, err)
}

func (i *Initiator) OnIntervalChanged(peer string, class ble.IntervalClass, err error) {
	i.neg.OnIntervalConfirmed(peer, class, err)
}

func (i *Initiator) OnMethodChanged(peer string, method ble.Method, err error) {
	i.neg.OnMethodConfirmed(peer, method, err)
}

// OnValue receives push-mode notifications.
func (i *Initiator) OnValue(peer string, attr uuid.UUID, value []byte) {
	if attr != ble.TestCharUUID {
		slog.Debug("[ROLE] ignoring notification", "peer", peer, "attr", attr)
		return
	}
	if d := i.driver(peer); d != nil {
		d.OnReceive(value)
	}
}

// OnRead is never called on a central.
func (i *Initiator) OnRead(string, uuid.UUID) ([]byte, error) {
	return nil, ble.ErrUnsupported
}

// internals

func (i *Initiator) sender(peer string) func(context.Context, []byte) error {
	return func(ctx context.Context, data []byte) error {
		if protocol.IsControl(data) {
			return i.queue.Submit(ctx, gattq.Write(peer, ble.TestCharUUID, data, true))
		}
		params, _ := i.neg.Params(peer)
		var op gattq.Op
		switch params.Method {
		case ble.MethodConfirmedWrite:
			op = gattq.Write(peer, ble.TestCharUUID, data, true)
		case ble.MethodUnconfirmedWrite:
			op = gattq.Write(peer, ble.TestCharUUID, data, false)
		case ble.MethodReadPull:
			op = gattq.Read(peer, ble.TestCharUUID)
		default:
			return fmt.Errorf("role: %s: cannot transmit with method %s", peer, params.Method)
		}
		return i.queue.Submit(ctx, op)
	}
}

func (i *Initiator) driverLocked(peer string) (*bench.Driver, error) {
	if d, ok := i.drivers[peer]; ok {
		return d, nil
	}
	d, err := bench.New(bench.Options{
		Peer:         peer,
		Gate:         i.neg,
		Recorder:     i.rec,
		Send:         i.sender(peer),
		PollInterval: i.opts.PollInterval,
		ReadyTimeout: i.opts.ReadyTimeout,
		Announce:     true,
		OnSessionStart: func() {
			i.obs.OnSessionStart(peer)
		},
		OnComplete: func(s bench.Stats) {
			i.obs.OnSessionComplete(peer, s.BytesSent)
			i.obs.OnThroughputAvailable(peer, throughput(s))
		},
		OnFault: i.report,
	})
	if err != nil {
		return nil, err
	}
	i.drivers[peer] = d
	return d, nil
}

func (i *Initiator) driver(peer string) *bench.Driver {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.drivers[peer]
}

func (i *Initiator) driversLocked() []*bench.Driver {
	drivers := make([]*bench.Driver, 0, len(i.drivers))
	for _, d := range i.drivers {
		drivers = append(drivers, d)
	}
	return drivers
}

func (i *Initiator) peersLocked() []string {
	peers := make([]string, 0, len(i.connected))
	for peer := range i.connected {
		peers = append(peers, peer)
	}
	sort.Strings(peers)
	return peers
}

func (i *Initiator) snapshot() (context.Context, []string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.ctx, i.peersLocked()
}

// method returns the negotiated transfer method, or the desired one while
// negotiation has not confirmed it.
func (i *Initiator) method(peer string) ble.Method {
	if params, ok := i.neg.Params(peer); ok && params.Method != ble.MethodUnset {
		return params.Method
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.desired.Method
}

func (i *Initiator) onReady(peer string, params ble.LinkParams) {
	i.mu.Lock()
	at := i.preparedAt
	i.mu.Unlock()
	i.obs.OnStartupLatencyAvailable(peer, time.Since(at))
}

func (i *Initiator) onLatency(peer string, sender, receiver []int64) {
	i.obs.OnLatencySamplesAvailable(peer, sender, receiver)
	if len(sender) > 0 {
		i.obs.OnLossRateAvailable(peer, results.LossRate(int64(len(sender))+1, receiver))
	}
}

// onQueueFailure reports failed operations. Result reads belong to the
// puller, which reports its own failures; a read that never reached the
// link is handed to it as a failed completion.
func (i *Initiator) onQueueFailure(c gattq.Completed) {
	switch c.Op.Attr {
	case ble.LatencyCharUUID, ble.RawDataCharUUID:
		if errors.Is(c.Err, gattq.ErrDispatch) {
			i.puller.OnRead(ble.Completion{Peer: c.Op.Peer, Attr: c.Op.Attr, Kind: c.Op.Kind, Err: c.Err})
		}
		return
	}
	i.report(fault.Event{Code: fault.Transport, Peer: c.Op.Peer, Attr: c.Op.Attr, Detail: c.Op.Kind.String(), Err: c.Err})
}

func (i *Initiator) report(ev fault.Event) {
	i.obs.OnError(ev)
}

var _ ble.Handler = (*Initiator)(nil)
