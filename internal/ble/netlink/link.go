// Package netlink emulates a GATT link over a stream connection. A Central
// and a Peripheral exchange CBOR-encoded attribute frames, which lets the
// benchmark roles run over TCP or an in-memory pipe with the same semantics
// as a radio link: one outstanding request per kind, responses matched to
// requests, and notifications pushed by the peripheral.
package netlink

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

var (
	// ErrClosed is returned for operations on a closed link.
	ErrClosed = errors.New("netlink: link closed")
	// ErrRequestPending is returned when a request of the same kind is
	// still waiting for its response.
	ErrRequestPending = errors.New("netlink: request already pending")
	// ErrTimeout completes a request the remote never answered.
	ErrTimeout = errors.New("netlink: request timed out")
)

// DefaultRequestTimeout matches the ATT transaction timeout.
const DefaultRequestTimeout = 30 * time.Second

// mailbox is an unbounded FIFO so that neither the reader nor a handler
// ever blocks on the peer draining its socket.
type mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	signal chan struct{}
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{signal: make(chan struct{}, 1)}
}

func (m *mailbox[T]) push(v T) {
	m.mu.Lock()
	m.items = append(m.items, v)
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox[T]) pop(done <-chan struct{}) (T, bool) {
	for {
		m.mu.Lock()
		if len(m.items) > 0 {
			v := m.items[0]
			var zero T
			m.items[0] = zero
			m.items = m.items[1:]
			m.mu.Unlock()
			return v, true
		}
		m.mu.Unlock()

		select {
		case <-m.signal:
		case <-done:
			var zero T
			return zero, false
		}
	}
}

// drain returns everything queued and empties the mailbox.
func (m *mailbox[T]) drain() []T {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}

type pending struct {
	timer *time.Timer
	done  func(f frame, err error)
}

// link owns one connection: a reader and a writer goroutine feed an event
// goroutine, which is the only place handler code runs.
type link struct {
	nc      net.Conn
	fr      frameReader
	fw      frameWriter
	out     *mailbox[frame]
	events  *mailbox[func()]
	timeout time.Duration

	onFrame func(f frame)
	onClose func(err error)

	mu      sync.Mutex
	pending map[opcode]*pending
	mtu     int

	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
	closeErr   error
	wg         sync.WaitGroup
}

func newLink(nc net.Conn, timeout time.Duration) *link {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &link{
		nc:      nc,
		fr:      frameReader{r: nc},
		fw:      frameWriter{w: nc},
		out:     newMailbox[frame](),
		events:  newMailbox[func()](),
		timeout: timeout,
		pending: make(map[opcode]*pending),
		done:    make(chan struct{}),

		writerDone: make(chan struct{}),
	}
}

func (l *link) start(onFrame func(frame), onClose func(error)) {
	l.onFrame = onFrame
	l.onClose = onClose
	l.wg.Add(3)
	go l.readLoop()
	go l.writeLoop()
	go l.eventLoop()
}

func (l *link) readLoop() {
	defer l.wg.Done()
	for {
		data, err := l.fr.readFrame()
		if err != nil {
			if err == io.EOF || errors.Is(err, net.ErrClosed) {
				err = nil
			}
			l.close(err)
			return
		}
		f, err := decodeFrame(data)
		if err != nil {
			slog.Warn("[NETLINK] dropping frame", "error", err)
			continue
		}
		l.events.push(func() { l.dispatch(f) })
	}
}

func (l *link) writeLoop() {
	defer l.wg.Done()
	defer close(l.writerDone)
	for {
		f, ok := l.out.pop(l.done)
		if !ok {
			return
		}
		data, err := encodeFrame(f)
		if err == nil {
			err = l.fw.writeFrame(data)
		}
		if f.sent != nil {
			sent := f.sent
			l.events.push(func() { sent(err) })
		}
		if err != nil && f.sent == nil {
			slog.Warn("[NETLINK] write failed", "op", f.Op.String(), "error", err)
		}
	}
}

func (l *link) eventLoop() {
	defer l.wg.Done()
	for {
		fn, ok := l.events.pop(l.done)
		if !ok {
			<-l.writerDone
			l.shutdown()
			return
		}
		fn()
	}
}

// dispatch resolves responses against pending requests and hands every
// other frame to onFrame.
func (l *link) dispatch(f frame) {
	l.mu.Lock()
	p, ok := l.pending[f.Op]
	if ok && isResponse(f.Op) {
		delete(l.pending, f.Op)
	}
	l.mu.Unlock()

	if ok && isResponse(f.Op) {
		p.timer.Stop()
		var err error
		if f.Err != "" {
			err = errors.New(f.Err)
		}
		p.done(f, err)
		return
	}
	l.onFrame(f)
}

// isResponse reports whether op answers a request. A hello frame travels
// both ways; it counts as a response only while one is pending.
func isResponse(op opcode) bool {
	switch op {
	case opHello, opWriteRsp, opReadRsp, opMTURsp, opIntervalRsp, opMethodRsp:
		return true
	}
	return false
}

// request sends f and calls done on the event goroutine with the response,
// a timeout or the close error.
func (l *link) request(f frame, done func(frame, error)) error {
	rsp, ok := f.Op.response()
	if !ok {
		return fmt.Errorf("netlink: %s is not a request", f.Op)
	}

	l.mu.Lock()
	select {
	case <-l.done:
		l.mu.Unlock()
		return ErrClosed
	default:
	}
	if _, busy := l.pending[rsp]; busy {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRequestPending, f.Op)
	}
	p := &pending{done: done}
	p.timer = time.AfterFunc(l.timeout, func() { l.expire(rsp, p) })
	l.pending[rsp] = p
	l.out.push(f)
	l.mu.Unlock()
	return nil
}

func (l *link) expire(rsp opcode, p *pending) {
	l.mu.Lock()
	if l.pending[rsp] != p {
		l.mu.Unlock()
		return
	}
	delete(l.pending, rsp)
	l.mu.Unlock()

	slog.Warn("[NETLINK] request timed out", "awaiting", rsp.String())
	l.events.push(func() { p.done(frame{Op: rsp}, ErrTimeout) })
}

// send queues a frame that expects no response.
func (l *link) send(f frame) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.done:
		return ErrClosed
	default:
	}
	l.out.push(f)
	return nil
}

func (l *link) setMTU(mtu int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mtu = mtu
}

func (l *link) currentMTU() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mtu
}

func (l *link) close(err error) {
	l.closeOnce.Do(func() {
		// done closes under mu so request never registers after shutdown
		// collected the pending set.
		l.mu.Lock()
		l.closeErr = err
		close(l.done)
		l.mu.Unlock()
		_ = l.nc.Close()
	})
}

// shutdown runs on the event goroutine after the link closed: remaining
// events are delivered, pending requests fail and onClose fires last.
func (l *link) shutdown() {
	for _, fn := range l.events.drain() {
		fn()
	}

	l.mu.Lock()
	waiting := l.pending
	l.pending = make(map[opcode]*pending)
	closeErr := l.closeErr
	l.mu.Unlock()
	for rsp, p := range waiting {
		p.timer.Stop()
		p.done(frame{Op: rsp}, ErrClosed)
	}
	for _, f := range l.out.drain() {
		if f.sent != nil {
			f.sent(ErrClosed)
		}
	}

	if l.onClose != nil {
		l.onClose(closeErr)
	}
}

// wait blocks until all link goroutines have exited.
func (l *link) wait() {
	l.wg.Wait()
}
