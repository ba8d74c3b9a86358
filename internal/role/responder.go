package role

import (
	"context"
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
	"github.com/chaz8081/gattbench/internal/payload"
	"github.com/chaz8081/gattbench/internal/results"
	"github.com/chaz8081/gattbench/internal/timing"
	"github.com/google/uuid"
)

// ResponderOptions configures a Responder.
type ResponderOptions struct {
	Transport ble.Transport
	Observer  Observer
	Recorder  *timing.Recorder
	// Identity is served on the ID attribute. Empty means a random UUID.
	Identity string

	QueueCapacity int
	QueuePolicy   gattq.Policy

	PollInterval time.Duration
	ReadyTimeout time.Duration
	// MaxPeers bounds the peers served at once; zero means unlimited.
	MaxPeers int
}

type servedPeer struct {
	driver *bench.Driver
	blocks *payload.Generator
	// remaining is the read-pull byte budget left, -1 when unbounded.
	remaining int64
	// completed is set once the current session reported completion.
	completed bool
}

// Responder is the peripheral side of a benchmark. It learns the link
// parameters each central negotiated, receives or serves the test data and
// answers result reads.
type Responder struct {
	tr     ble.Transport
	obs    Observer
	rec    *timing.Recorder
	opts   ResponderOptions
	queue  *gattq.Queue
	neg    *negotiate.Negotiator
	server *results.Server

	mu    sync.Mutex
	peers map[string]*servedPeer
}

// NewResponder creates a responder and installs it as the transport's
// handler.
func NewResponder(opts ResponderOptions) (*Responder, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("role: responder without transport")
	}
	if opts.Observer == nil {
		opts.Observer = BaseObserver{}
	}
	if opts.Recorder == nil {
		opts.Recorder = timing.New(0)
	}
	if opts.Identity == "" {
		opts.Identity = uuid.NewString()
	}

	r := &Responder{
		tr:    opts.Transport,
		obs:   opts.Observer,
		rec:   opts.Recorder,
		opts:  opts,
		peers: make(map[string]*servedPeer),
	}
	r.queue = gattq.New(gattq.TransportDispatcher(opts.Transport), gattq.Options{
		Capacity: opts.QueueCapacity,
		Policy:   opts.QueuePolicy,
		OnFailure: func(c gattq.Completed) {
			r.report(fault.Event{Code: fault.Transport, Peer: c.Op.Peer, Attr: c.Op.Attr, Detail: c.Op.Kind.String(), Err: c.Err})
		},
	})
	r.neg = negotiate.New(opts.Transport, negotiate.Options{
		Recorder: opts.Recorder,
		OnFault:  r.report,
	})
	r.server = results.NewServer(opts.Recorder, opts.Identity)
	r.server.OnLatencyServed = r.onLatencyServed
	opts.Transport.SetHandler(r)
	return r, nil
}

// Start begins serving.
func (r *Responder) Start(ctx context.Context) error {
	slog.Info("[ROLE] responder starting", "identity", r.opts.Identity, "max_peers", r.opts.MaxPeers)
	if err := r.tr.Start(ctx); err != nil {
		return fmt.Errorf("role: start transport: %w", err)
	}
	return nil
}

// Cleanup ends all sessions and closes the transport. It must not be called
// from an Observer callback.
func (r *Responder) Cleanup() error {
	r.mu.Lock()
	drivers := make([]*bench.Driver, 0, len(r.peers))
	for _, sp := range r.peers {
		drivers = append(drivers, sp.driver)
	}
	r.mu.Unlock()

	for _, d := range drivers {
		d.End()
	}
	if err := r.tr.Close(); err != nil {
		return fmt.Errorf("role: close transport: %w", err)
	}
	return nil
}

// Peers lists the peers being served.
func (r *Responder) Peers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	peers := make([]string, 0, len(r.peers))
	for peer := range r.peers {
		peers = append(peers, peer)
	}
	sort.Strings(peers)
	return peers
}

// Stats returns the session snapshot of peer.
func (r *Responder) Stats(peer string) (bench.Stats, bool) {
	if sp := r.peer(peer); sp != nil {
		return sp.driver.Stats(), true
	}
	return bench.Stats{}, false
}

// Params returns the link parameters observed for peer.
func (r *Responder) Params(peer string) (ble.LinkParams, bool) {
	return r.neg.Params(peer)
}

// Handler

func (r *Responder) OnConnected(peer string) {
	r.mu.Lock()
	if r.opts.MaxPeers > 0 && len(r.peers) >= r.opts.MaxPeers {
		r.mu.Unlock()
		slog.Warn("[ROLE] peer limit reached, disconnecting", "peer", peer, "max_peers", r.opts.MaxPeers)
		if err := r.tr.Disconnect(peer); err != nil {
			slog.Warn("[ROLE] disconnect failed", "peer", peer, "error", err)
		}
		return
	}
	sp, err := r.newPeer(peer)
	if err == nil {
		r.peers[peer] = sp
	}
	r.mu.Unlock()

	if err != nil {
		r.report(fault.Event{Code: fault.Protocol, Peer: peer, Detail: "session driver", Err: err})
		return
	}
	slog.Info("[ROLE] serving peer", "peer", peer)
}

func (r *Responder) OnDisconnected(peer string) {
	r.mu.Lock()
	sp, ok := r.peers[peer]
	delete(r.peers, peer)
	r.mu.Unlock()
	if !ok {
		return
	}

	dropped := r.queue.Reset(peer)
	sp.driver.End()
	r.neg.Forget(peer)
	r.server.Reset(peer)
	slog.Info("[ROLE] peer gone", "peer", peer, "dropped_ops", dropped)
}

func (r *Responder) OnOperationCompleted(c ble.Completion) {
	if done, ok := r.queue.OnOperationCompleted(c.Peer, c.Err); ok {
		var d *bench.Driver
		if sp := r.peer(c.Peer); sp != nil {
			d = sp.driver
		}
		recordRoundTrip(r.rec, d, done, r.report)
	}
}

func (r *Responder) OnMTUChanged(peer string, mtu int, err error) {
	if err == nil {
		r.neg.ObserveMTU(peer, mtu)
	}
}

func (r *Responder) OnIntervalChanged(peer string, class ble.IntervalClass, err error) {
	if err == nil {
		r.neg.ObserveInterval(peer, class)
	}
}

func (r *Responder) OnMethodChanged(peer string, method ble.Method, err error) {
	if err == nil {
		r.neg.ObserveMethod(peer, method)
	}
}

// OnValue receives test writes and session control messages.
func (r *Responder) OnValue(peer string, attr uuid.UUID, value []byte) {
	if attr != ble.TestCharUUID {
		slog.Debug("[ROLE] ignoring write", "peer", peer, "attr", attr)
		return
	}
	sp := r.peer(peer)
	if sp == nil {
		return
	}
	if protocol.IsControl(value) {
		r.onControl(peer, sp, value)
		return
	}
	if !r.neg.IsReady(peer) {
		r.neg.ObservePayloadSize(peer, len(value))
	}
	sp.driver.OnReceive(value)
}

// OnRead serves read-pull data and the result attributes.
func (r *Responder) OnRead(peer string, attr uuid.UUID) ([]byte, error) {
	sp := r.peer(peer)
	if sp == nil {
		return nil, fmt.Errorf("role: %s: %w", peer, ble.ErrNotConnected)
	}
	params, _ := r.neg.Params(peer)
	chunk := params.PayloadSize
	if chunk <= 0 {
		chunk = max(params.MTU, ble.DefaultMTU)
	}

	switch attr {
	case ble.TestCharUUID:
		return r.serveBlock(sp, chunk), nil
	case ble.LatencyCharUUID:
		kind := timing.ReceiverLatency
		if remoteTransmits(params.Method) {
			kind = timing.SenderLatency
		}
		return r.server.LatencyRead(peer, kind), nil
	case ble.IDCharUUID:
		return r.server.IdentityRead(), nil
	case ble.RawDataCharUUID:
		return r.server.RawRead(peer, chunk), nil
	}
	return nil, fmt.Errorf("role: %s: %w", attr, ble.ErrUnknownAttribute)
}

// onControl starts a new session: results of the previous one are
// discarded, the announced payload size is adopted and a push session
// starts transmitting.
func (r *Responder) onControl(peer string, sp *servedPeer, value []byte) {
	c, err := protocol.UnmarshalControl(value)
	if err != nil {
		r.report(fault.Event{Code: fault.Protocol, Peer: peer, Attr: ble.TestCharUUID, Detail: "control message", Err: err})
		return
	}
	spec := bench.SpecFromControl(c)
	if !sp.driver.Reset() {
		r.report(fault.Event{Code: fault.Protocol, Peer: peer, Attr: ble.TestCharUUID, Detail: "control message during session", Err: bench.ErrSessionActive})
		return
	}

	r.server.Reset(peer)
	r.mu.Lock()
	sp.completed = false
	r.mu.Unlock()
	r.rec.Reset(timing.Key{Kind: timing.SenderLatency, Peer: peer})
	r.rec.Reset(timing.Key{Kind: timing.ReceiverLatency, Peer: peer})
	r.neg.ObservePayloadSize(peer, c.PayloadSize)
	if !r.neg.IsReady(peer) {
		// No interval request was made; the announced class is the one in use.
		r.neg.ObserveInterval(peer, ble.IntervalClass(c.Interval))
	}
	params, _ := r.neg.Params(peer)
	slog.Info("[ROLE] session announced", "peer", peer, "spec", spec.String(), "method", params.Method.String())

	switch params.Method {
	case ble.MethodNotifyPush:
		if err := sp.driver.Begin(spec); err != nil {
			r.report(fault.Event{Code: fault.Protocol, Peer: peer, Attr: ble.TestCharUUID, Detail: "push session", Err: err})
		}
	case ble.MethodReadPull:
		r.mu.Lock()
		sp.remaining = -1
		if !spec.TimeBounded() {
			sp.remaining = spec.Bytes
		}
		r.mu.Unlock()
	}
}

// serveBlock returns the next read-pull value; an empty value once the
// byte budget is spent.
func (r *Responder) serveBlock(sp *servedPeer, chunk int) []byte {
	r.mu.Lock()
	size := int64(chunk)
	if sp.remaining >= 0 {
		size = min(size, sp.remaining)
		sp.remaining -= size
	}
	r.mu.Unlock()

	if size == 0 {
		return []byte{}
	}
	sp.driver.OnTransmit(int(size))
	return sp.blocks.Block(int(size))
}

func (r *Responder) newPeer(peer string) (*servedPeer, error) {
	blocks, _, err := payload.NewSession()
	if err != nil {
		return nil, err
	}
	sp := &servedPeer{blocks: blocks, remaining: -1}
	d, err := bench.New(bench.Options{
		Peer:     peer,
		Gate:     r.neg,
		Recorder: r.rec,
		Payload:  blocks,
		Send: func(ctx context.Context, data []byte) error {
			return r.queue.Submit(ctx, gattq.Notify(peer, ble.TestCharUUID, data))
		},
		PollInterval: r.opts.PollInterval,
		ReadyTimeout: r.opts.ReadyTimeout,
		OnSessionStart: func() {
			r.obs.OnSessionStart(peer)
		},
		OnComplete: func(s bench.Stats) {
			if r.markCompleted(sp) {
				r.obs.OnSessionComplete(peer, s.BytesSent)
			}
			r.obs.OnThroughputAvailable(peer, throughput(s))
		},
		OnFault: r.report,
	})
	if err != nil {
		return nil, err
	}
	sp.driver = d
	return sp, nil
}

func (r *Responder) peer(peer string) *servedPeer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peers[peer]
}

// markCompleted reports whether this is the first completion of the
// current session.
func (r *Responder) markCompleted(sp *servedPeer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sp.completed {
		return false
	}
	sp.completed = true
	return true
}

// onLatencyServed hands the local series to the observer once the peer has
// read them all. Serving the end marker completes the session on this side
// unless a push session already reported its own completion. A receiving
// session has no completion of its own, so its throughput is reported here.
func (r *Responder) onLatencyServed(peer string) {
	sender := r.rec.Drain(timing.Key{Kind: timing.SenderLatency, Peer: peer}, false)
	receiver := r.rec.Drain(timing.Key{Kind: timing.ReceiverLatency, Peer: peer}, false)
	r.obs.OnLatencySamplesAvailable(peer, sender, receiver)

	sp := r.peer(peer)
	if sp == nil {
		return
	}
	s := sp.driver.Stats()
	if s.BytesReceived > 0 {
		r.obs.OnThroughputAvailable(peer, throughput(s))
	}
	if r.markCompleted(sp) {
		r.obs.OnSessionComplete(peer, s.BytesSent)
	}
}

func (r *Responder) report(ev fault.Event) {
	r.obs.OnError(ev)
}

var _ ble.Handler = (*Responder)(nil)
