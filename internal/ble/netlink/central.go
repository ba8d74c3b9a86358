package netlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/chaz8081/gattbench/internal/ble"
	"github.com/google/uuid"
)

// ErrValueTooLong is returned for values that do not fit the link MTU.
var ErrValueTooLong = errors.New("netlink: value exceeds MTU")

// CentralOptions configures a Central.
type CentralOptions struct {
	Addr string // tcp address of the peripheral
	Name string // identity announced in the hello exchange

	// Dial overrides Addr, e.g. to run over net.Pipe.
	Dial func(ctx context.Context) (net.Conn, error)

	RequestTimeout  time.Duration
	ConnectAttempts int
}

// Central is the initiator side of an emulated link.
type Central struct {
	opts CentralOptions

	mu      sync.Mutex
	handler ble.Handler
	peer    string
	link    *link
	closed  bool
}

// NewCentral creates a central. Start connects it.
func NewCentral(opts CentralOptions) *Central {
	if opts.ConnectAttempts <= 0 {
		opts.ConnectAttempts = 3
	}
	if opts.Dial == nil {
		addr := opts.Addr
		opts.Dial = func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	return &Central{opts: opts}
}

func (c *Central) SetHandler(h ble.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Start dials the peripheral, performs the hello exchange and reports the
// connection on the handler.
func (c *Central) Start(ctx context.Context) error {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h == nil {
		return fmt.Errorf("netlink: central started without handler")
	}

	var (
		nc  net.Conn
		err error
	)
	for attempt := 0; attempt < c.opts.ConnectAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("netlink: dial: %w", ctx.Err())
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}
		if nc, err = c.opts.Dial(ctx); err == nil {
			break
		}
		slog.Warn("[NETLINK] dial failed", "addr", c.opts.Addr, "attempt", attempt+1, "error", err)
	}
	if err != nil {
		return fmt.Errorf("netlink: dial %s: %w", c.opts.Addr, err)
	}

	l := newLink(nc, c.opts.RequestTimeout)
	l.setMTU(ble.DefaultMTU)
	l.start(c.onFrame(l), c.onClose(l))

	type helloResult struct {
		name string
		err  error
	}
	hello := make(chan helloResult, 1)
	err = l.request(frame{Op: opHello, Name: c.opts.Name}, func(f frame, err error) {
		hello <- helloResult{name: f.Name, err: err}
	})
	if err != nil {
		l.close(nil)
		return fmt.Errorf("netlink: hello: %w", err)
	}

	var res helloResult
	select {
	case <-ctx.Done():
		l.close(nil)
		return fmt.Errorf("netlink: hello: %w", ctx.Err())
	case res = <-hello:
	}
	if res.err != nil {
		l.close(nil)
		return fmt.Errorf("netlink: hello: %w", res.err)
	}

	peer := res.name
	if peer == "" {
		peer = nc.RemoteAddr().String()
	}
	c.mu.Lock()
	c.peer = peer
	c.link = l
	c.mu.Unlock()

	slog.Info("[NETLINK] connected", "peer", peer)
	l.events.push(func() { h.OnConnected(peer) })
	return nil
}

func (c *Central) onFrame(l *link) func(frame) {
	return func(f frame) {
		c.mu.Lock()
		peer, h := c.peer, c.handler
		c.mu.Unlock()

		if f.Op != opNotify {
			slog.Debug("[NETLINK] unexpected frame", "op", f.Op.String())
			return
		}
		attr, err := f.attr()
		if err != nil || peer == "" {
			slog.Warn("[NETLINK] dropping notification", "error", err)
			return
		}
		h.OnValue(peer, attr, f.Value)
	}
}

func (c *Central) onClose(l *link) func(error) {
	return func(err error) {
		c.mu.Lock()
		if c.link != l {
			c.mu.Unlock()
			return
		}
		peer, h := c.peer, c.handler
		c.link = nil
		c.peer = ""
		c.mu.Unlock()

		slog.Info("[NETLINK] disconnected", "peer", peer, "error", err)
		h.OnDisconnected(peer)
	}
}

func (c *Central) lookup(peer string) (*link, ble.Handler, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link == nil || c.peer != peer {
		return nil, nil, fmt.Errorf("netlink: %s: %w", peer, ble.ErrNotConnected)
	}
	return c.link, c.handler, nil
}

func checkAttr(attr uuid.UUID) error {
	if !slices.Contains(ble.ProfileCharacteristics, attr) {
		return fmt.Errorf("netlink: %s: %w", attr, ble.ErrUnknownAttribute)
	}
	return nil
}

func (c *Central) SubmitWrite(peer string, attr uuid.UUID, payload []byte, confirmed bool) error {
	l, h, err := c.lookup(peer)
	if err != nil {
		return err
	}
	if err := checkAttr(attr); err != nil {
		return err
	}
	if mtu := l.currentMTU(); len(payload) > mtu {
		return fmt.Errorf("%w: %d > %d", ErrValueTooLong, len(payload), mtu)
	}
	data := append([]byte(nil), payload...)

	if confirmed {
		return l.request(frame{Op: opWriteReq, Attr: attr[:], Value: data}, func(_ frame, err error) {
			h.OnOperationCompleted(ble.Completion{Peer: peer, Attr: attr, Kind: ble.OpWrite, Err: err})
		})
	}
	return l.send(frame{Op: opWriteCmd, Attr: attr[:], Value: data, sent: func(err error) {
		h.OnOperationCompleted(ble.Completion{Peer: peer, Attr: attr, Kind: ble.OpWriteNoResponse, Err: err})
	}})
}

func (c *Central) SubmitRead(peer string, attr uuid.UUID) error {
	l, h, err := c.lookup(peer)
	if err != nil {
		return err
	}
	if err := checkAttr(attr); err != nil {
		return err
	}
	return l.request(frame{Op: opReadReq, Attr: attr[:]}, func(f frame, err error) {
		h.OnOperationCompleted(ble.Completion{Peer: peer, Attr: attr, Kind: ble.OpRead, Value: f.Value, Err: err})
	})
}

// SubmitNotify is not available to a central.
func (c *Central) SubmitNotify(string, uuid.UUID, []byte) error {
	return ble.ErrUnsupported
}

// RequestMTU runs the exchange; the peripheral answers with the MTU both
// sides support. A failed exchange leaves the link at the default MTU.
func (c *Central) RequestMTU(peer string, mtu int) error {
	l, h, err := c.lookup(peer)
	if err != nil {
		return err
	}
	return l.request(frame{Op: opMTUReq, Num: mtu}, func(f frame, err error) {
		achieved := ble.DefaultMTU
		if err == nil {
			achieved = max(min(f.Num, mtu), ble.DefaultMTU)
			l.setMTU(achieved)
		}
		h.OnMTUChanged(peer, achieved, err)
	})
}

func (c *Central) RequestInterval(peer string, class ble.IntervalClass) error {
	l, h, err := c.lookup(peer)
	if err != nil {
		return err
	}
	if err := class.Parameters().Validate(); err != nil {
		return err
	}
	return l.request(frame{Op: opIntervalReq, Num: int(class)}, func(f frame, err error) {
		h.OnIntervalChanged(peer, ble.IntervalClass(f.Num), err)
	})
}

func (c *Central) SetTransferMethod(peer string, method ble.Method) error {
	l, h, err := c.lookup(peer)
	if err != nil {
		return err
	}
	return l.request(frame{Op: opMethodReq, Num: int(method)}, func(f frame, err error) {
		h.OnMethodChanged(peer, ble.Method(f.Num), err)
	})
}

func (c *Central) Disconnect(peer string) error {
	l, _, err := c.lookup(peer)
	if err != nil {
		return err
	}
	l.close(nil)
	return nil
}

// Close drops the link and waits for its goroutines. It must not be called
// from a handler callback.
func (c *Central) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	l := c.link
	c.mu.Unlock()

	if l != nil {
		l.close(nil)
		l.wait()
	}
	return nil
}

var _ ble.Transport = (*Central)(nil)
