// Package gattq serializes attribute operations so that each peer has at
// most one request outstanding on the link.
package gattq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrQueueFull is returned by Submit under the fail-fast policy.
	ErrQueueFull = errors.New("gattq: queue full")
	// ErrPeerReset is returned to submitters blocked on a peer that was reset.
	ErrPeerReset = errors.New("gattq: peer reset")
	// ErrDispatch wraps errors returned synchronously by the dispatcher.
	ErrDispatch = errors.New("gattq: dispatch failed")
)

// Policy selects what Submit does when a peer's queue is at capacity.
type Policy int

const (
	// PolicyBlock waits for space, honoring context cancellation.
	PolicyBlock Policy = iota
	// PolicyFailFast returns ErrQueueFull immediately.
	PolicyFailFast
)

// ParsePolicy converts a config string into a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "block":
		return PolicyBlock, nil
	case "fail-fast":
		return PolicyFailFast, nil
	}
	return PolicyBlock, fmt.Errorf("gattq: unknown policy %q", s)
}

// Options configures a Queue.
type Options struct {
	// Capacity bounds waiting ops per peer, not counting the one in flight.
	// Zero means unbounded.
	Capacity int
	Policy   Policy
	// OnFailure is called, without locks held, for every op that failed,
	// either on dispatch or on completion.
	OnFailure func(Completed)
}

// Completed describes a finished op.
type Completed struct {
	Op        Op
	Err       error
	RoundTrip time.Duration
}

type lane struct {
	inflight   *Op
	dispatched time.Time
	waiting    []Op
	space      chan struct{} // closed and replaced when a waiting slot frees
	reset      bool
}

// Queue is a per-peer FIFO with a single in-flight slot per peer.
type Queue struct {
	d    Dispatcher
	opts Options
	now  func() time.Time

	mu    sync.Mutex
	lanes map[string]*lane
}

// New creates a queue that hands ops to d.
func New(d Dispatcher, opts Options) *Queue {
	return &Queue{
		d:     d,
		opts:  opts,
		now:   time.Now,
		lanes: make(map[string]*lane),
	}
}

func (q *Queue) laneLocked(peer string) *lane {
	ln, ok := q.lanes[peer]
	if !ok {
		ln = &lane{space: make(chan struct{})}
		q.lanes[peer] = ln
	}
	return ln
}

// Submit enqueues op and dispatches it at once if the peer is idle. It does
// not wait for the op to complete. Under PolicyBlock it waits while the
// peer's queue is full.
func (q *Queue) Submit(ctx context.Context, op Op) error {
	if err := op.validate(); err != nil {
		return err
	}
	for {
		q.mu.Lock()
		ln := q.laneLocked(op.Peer)
		if ln.inflight == nil || q.opts.Capacity <= 0 || len(ln.waiting) < q.opts.Capacity {
			ln.waiting = append(ln.waiting, op)
			q.mu.Unlock()
			q.advance(ln)
			return nil
		}
		if q.opts.Policy == PolicyFailFast {
			q.mu.Unlock()
			return fmt.Errorf("gattq: %s: %w", op.Peer, ErrQueueFull)
		}
		space := ln.space
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return fmt.Errorf("gattq: submit to %s: %w", op.Peer, ctx.Err())
		case <-space:
		}

		q.mu.Lock()
		wasReset := ln.reset
		q.mu.Unlock()
		if wasReset {
			return fmt.Errorf("gattq: %s: %w", op.Peer, ErrPeerReset)
		}
	}
}

// advance dispatches the next waiting op if the lane is idle. Ops whose
// dispatch fails are reported and skipped.
func (q *Queue) advance(ln *lane) {
	for {
		q.mu.Lock()
		if ln.reset || ln.inflight != nil || len(ln.waiting) == 0 {
			q.mu.Unlock()
			return
		}
		op := ln.waiting[0]
		ln.waiting[0] = Op{}
		ln.waiting = ln.waiting[1:]
		ln.inflight = &op
		ln.dispatched = q.now()
		q.signalLocked(ln)
		q.mu.Unlock()

		err := q.d.Dispatch(op)
		if err == nil {
			return
		}

		q.mu.Lock()
		if ln.inflight == &op {
			ln.inflight = nil
		}
		q.mu.Unlock()
		q.fail(Completed{Op: op, Err: fmt.Errorf("%w: %w", ErrDispatch, err)})
	}
}

func (q *Queue) signalLocked(ln *lane) {
	close(ln.space)
	ln.space = make(chan struct{})
}

func (q *Queue) fail(c Completed) {
	slog.Warn("[QUEUE] operation failed", "peer", c.Op.Peer, "attr", c.Op.Attr, "kind", c.Op.Kind, "error", c.Err)
	if q.opts.OnFailure != nil {
		q.opts.OnFailure(c)
	}
}

// OnOperationCompleted releases the peer's in-flight slot and dispatches the
// next waiting op. It returns the completed op and its round-trip time; ok is
// false when nothing was in flight for peer.
func (q *Queue) OnOperationCompleted(peer string, err error) (Completed, bool) {
	q.mu.Lock()
	ln, exists := q.lanes[peer]
	if !exists || ln.inflight == nil {
		q.mu.Unlock()
		slog.Warn("[QUEUE] completion without in-flight operation", "peer", peer)
		return Completed{}, false
	}
	done := Completed{Op: *ln.inflight, Err: err, RoundTrip: q.now().Sub(ln.dispatched)}
	ln.inflight = nil
	q.mu.Unlock()

	if err != nil {
		q.fail(done)
	}
	q.advance(ln)
	return done, true
}

// Reset drops every op queued for peer, forgets the in-flight one and
// releases blocked submitters with ErrPeerReset. It returns the number of
// ops dropped.
func (q *Queue) Reset(peer string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	ln, ok := q.lanes[peer]
	if !ok {
		return 0
	}
	dropped := len(ln.waiting)
	if ln.inflight != nil {
		dropped++
	}
	ln.reset = true
	ln.waiting = nil
	ln.inflight = nil
	close(ln.space)
	delete(q.lanes, peer)
	return dropped
}

// Len returns the number of ops waiting for peer, excluding the one in flight.
func (q *Queue) Len(peer string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ln, ok := q.lanes[peer]; ok {
		return len(ln.waiting)
	}
	return 0
}

// InFlight reports whether peer has an op on the link.
func (q *Queue) InFlight(peer string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	ln, ok := q.lanes[peer]
	return ok && ln.inflight != nil
}
