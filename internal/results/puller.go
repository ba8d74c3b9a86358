package results

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chaz8081/gattbench/internal/ble"
	"github.com/chaz8081/gattbench/internal/ble/protocol"
	"github.com/chaz8081/gattbench/internal/fault"
	"github.com/chaz8081/gattbench/internal/gattq"
	"github.com/chaz8081/gattbench/internal/timing"
)

// ErrPullActive is returned when a pull of the same kind is already running
// for the peer.
var ErrPullActive = errors.New("results: pull already active")

// PullerOptions configures a Puller.
type PullerOptions struct {
	Recorder *timing.Recorder
	// Submit queues a read, usually gattq.Queue.Submit.
	Submit func(ctx context.Context, op gattq.Op) error

	// OnLatency receives copies of the sender and receiver series once the
	// remote stream ended.
	OnLatency func(peer string, sender, receiver []int64)
	OnRaw     func(peer string, gaps []int64)
	OnFault   func(fault.Event)
}

type latencyPull struct {
	ctx context.Context
	key timing.Key
}

type rawPull struct {
	ctx    context.Context
	dec    protocol.NetstringDecoder
	values []string
}

// Puller reads a remote series one value per read until the end marker.
type Puller struct {
	opts PullerOptions

	mu      sync.Mutex
	latency map[string]*latencyPull
	raw     map[string]*rawPull
}

// NewPuller creates a puller.
func NewPuller(opts PullerOptions) *Puller {
	return &Puller{
		opts:    opts,
		latency: make(map[string]*latencyPull),
		raw:     make(map[string]*rawPull),
	}
}

// PullLatency starts reading the peer's latency attribute. Values are
// recorded under (into, peer), which is cleared first.
func (p *Puller) PullLatency(ctx context.Context, peer string, into timing.Kind) error {
	p.mu.Lock()
	if _, busy := p.latency[peer]; busy {
		p.mu.Unlock()
		return ErrPullActive
	}
	key := timing.Key{Kind: into, Peer: peer}
	p.opts.Recorder.Reset(key)
	p.latency[peer] = &latencyPull{ctx: ctx, key: key}
	p.mu.Unlock()

	slog.Info("[RESULTS] pulling latency", "peer", peer, "into", into.String())
	if err := p.opts.Submit(ctx, gattq.Read(peer, ble.LatencyCharUUID)); err != nil {
		p.dropLatency(peer)
		return fmt.Errorf("results: first latency read: %w", err)
	}
	return nil
}

// PullRaw starts reading the peer's raw inter-packet gaps.
func (p *Puller) PullRaw(ctx context.Context, peer string) error {
	p.mu.Lock()
	if _, busy := p.raw[peer]; busy {
		p.mu.Unlock()
		return ErrPullActive
	}
	p.raw[peer] = &rawPull{ctx: ctx}
	p.mu.Unlock()

	slog.Info("[RESULTS] pulling raw timestamps", "peer", peer)
	if err := p.opts.Submit(ctx, gattq.Read(peer, ble.RawDataCharUUID)); err != nil {
		p.mu.Lock()
		delete(p.raw, peer)
		p.mu.Unlock()
		return fmt.Errorf("results: first raw read: %w", err)
	}
	return nil
}

// Active reports whether any pull is running for the peer.
func (p *Puller) Active(peer string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, l := p.latency[peer]
	_, r := p.raw[peer]
	return l || r
}

// OnRead handles a completed read. It returns false for reads that do not
// belong to a pull.
func (p *Puller) OnRead(c ble.Completion) bool {
	if c.Kind != ble.OpRead {
		return false
	}
	switch c.Attr {
	case ble.LatencyCharUUID:
		return p.onLatency(c.Peer, c.Value, c.Err)
	case ble.RawDataCharUUID:
		return p.onRaw(c.Peer, c.Value, c.Err)
	}
	return false
}

func (p *Puller) onLatency(peer string, value []byte, readErr error) bool {
	p.mu.Lock()
	pull, ok := p.latency[peer]
	p.mu.Unlock()
	if !ok {
		return false
	}
	if readErr != nil {
		p.dropLatency(peer)
		p.report(fault.Event{Code: fault.Transport, Peer: peer, Attr: ble.LatencyCharUUID, Detail: "latency read", Err: readErr})
		return true
	}

	v, err := protocol.DecodeSample(value)
	if err != nil {
		p.dropLatency(peer)
		p.report(fault.Event{Code: fault.Protocol, Peer: peer, Attr: ble.LatencyCharUUID, Detail: "latency sample", Err: err})
		return true
	}
	if v == protocol.Sentinel {
		p.dropLatency(peer)
		sender := p.opts.Recorder.Drain(timing.Key{Kind: timing.SenderLatency, Peer: peer}, false)
		receiver := p.opts.Recorder.Drain(timing.Key{Kind: timing.ReceiverLatency, Peer: peer}, false)
		slog.Info("[RESULTS] latency pull complete", "peer", peer, "sender", len(sender), "receiver", len(receiver))
		if p.opts.OnLatency != nil {
			p.opts.OnLatency(peer, sender, receiver)
		}
		return true
	}

	if err := p.opts.Recorder.RecordAbsolute(pull.key, v); err != nil {
		p.dropLatency(peer)
		code := fault.Recorder
		if errors.Is(err, timing.ErrCapacityExceeded) {
			code = fault.Capacity
		}
		p.report(fault.Event{Code: code, Peer: peer, Attr: ble.LatencyCharUUID, Detail: "record pulled sample", Err: err})
		return true
	}
	if err := p.opts.Submit(pull.ctx, gattq.Read(peer, ble.LatencyCharUUID)); err != nil {
		p.dropLatency(peer)
		p.report(fault.Event{Code: fault.Transport, Peer: peer, Attr: ble.LatencyCharUUID, Detail: "next latency read", Err: err})
	}
	return true
}

func (p *Puller) onRaw(peer string, value []byte, readErr error) bool {
	p.mu.Lock()
	pull, ok := p.raw[peer]
	if !ok {
		p.mu.Unlock()
		return false
	}
	var (
		values []string
		err    = readErr
	)
	if err == nil {
		values, err = pull.dec.Feed(value)
		pull.values = append(pull.values, values...)
	}
	done := err != nil || pull.dec.Done()
	if done {
		delete(p.raw, peer)
	}
	collected := pull.values
	p.mu.Unlock()

	if readErr != nil {
		p.report(fault.Event{Code: fault.Transport, Peer: peer, Attr: ble.RawDataCharUUID, Detail: "raw read", Err: readErr})
		return true
	}
	if err != nil {
		p.report(fault.Event{Code: fault.Protocol, Peer: peer, Attr: ble.RawDataCharUUID, Detail: "raw stream", Err: err})
		return true
	}
	if !done {
		if err := p.opts.Submit(pull.ctx, gattq.Read(peer, ble.RawDataCharUUID)); err != nil {
			p.mu.Lock()
			delete(p.raw, peer)
			p.mu.Unlock()
			p.report(fault.Event{Code: fault.Transport, Peer: peer, Attr: ble.RawDataCharUUID, Detail: "next raw read", Err: err})
		}
		return true
	}

	gaps, err := protocol.ParseGaps(collected)
	if err != nil {
		p.report(fault.Event{Code: fault.Protocol, Peer: peer, Attr: ble.RawDataCharUUID, Detail: "raw gaps", Err: err})
		return true
	}
	slog.Info("[RESULTS] raw pull complete", "peer", peer, "gaps", len(gaps))
	if p.opts.OnRaw != nil {
		p.opts.OnRaw(peer, gaps)
	}
	return true
}

// Cancel stops every pull for the peer, typically on disconnect.
func (p *Puller) Cancel(peer string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.latency, peer)
	delete(p.raw, peer)
}

func (p *Puller) dropLatency(peer string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.latency, peer)
}

func (p *Puller) report(ev fault.Event) {
	slog.Warn("[RESULTS] pull failed", "peer", ev.Peer, "error", ev.Error())
	if p.opts.OnFault != nil {
		p.opts.OnFault(ev)
	}
}
