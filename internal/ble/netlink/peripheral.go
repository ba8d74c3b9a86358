package netlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/chaz8081/gattbench/internal/ble"
	"github.com/google/uuid"
)

// ErrNotSubscribed is returned when notifying a peer that did not select
// the notify-push method.
var ErrNotSubscribed = errors.New("netlink: peer not subscribed")

// PeripheralOptions configures a Peripheral.
type PeripheralOptions struct {
	Name string // identity answered in the hello exchange

	// MaxMTU caps the MTU exchange. Zero means 247.
	MaxMTU int
	// AcceptedIntervals lists the interval classes granted on request; nil
	// grants all of them.
	AcceptedIntervals []ble.IntervalClass
	// MaxPeers bounds concurrent connections; zero means unlimited.
	MaxPeers int

	RequestTimeout time.Duration
}

type peripheralConn struct {
	link   *link
	peer   string
	method ble.Method
}

// Peripheral is the responder side of an emulated link. It accepts any
// number of centrals and serves the benchmark attributes through the
// handler.
type Peripheral struct {
	ln   net.Listener
	opts PeripheralOptions

	mu      sync.Mutex
	handler ble.Handler
	conns   map[*peripheralConn]struct{}
	peers   map[string]*peripheralConn
	closed  bool
	done    chan struct{}

	wg sync.WaitGroup
}

// NewPeripheral creates a peripheral accepting on ln. ln may be nil when
// connections are attached with Serve.
func NewPeripheral(ln net.Listener, opts PeripheralOptions) *Peripheral {
	if opts.MaxMTU <= 0 {
		opts.MaxMTU = 247
	}
	opts.MaxMTU = min(max(opts.MaxMTU, ble.DefaultMTU), ble.MaxMTU)
	return &Peripheral{
		ln:    ln,
		opts:  opts,
		conns: make(map[*peripheralConn]struct{}),
		peers: make(map[string]*peripheralConn),
		done:  make(chan struct{}),
	}
}

func (p *Peripheral) SetHandler(h ble.Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

// Start begins accepting connections until ctx is done or Close is called.
func (p *Peripheral) Start(ctx context.Context) error {
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	if h == nil {
		return fmt.Errorf("netlink: peripheral started without handler")
	}
	if p.ln == nil {
		return nil
	}

	slog.Info("[NETLINK] accepting", "addr", p.ln.Addr().String())
	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		select {
		case <-ctx.Done():
			_ = p.ln.Close()
		case <-p.done:
		}
	}()
	go p.acceptLoop()
	return nil
}

func (p *Peripheral) acceptLoop() {
	defer p.wg.Done()
	for {
		nc, err := p.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				slog.Warn("[NETLINK] accept failed", "error", err)
			}
			return
		}
		if err := p.Serve(nc); err != nil {
			slog.Warn("[NETLINK] rejecting connection", "remote", nc.RemoteAddr().String(), "error", err)
			_ = nc.Close()
		}
	}
}

// Serve attaches an established connection.
func (p *Peripheral) Serve(nc net.Conn) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.opts.MaxPeers > 0 && len(p.conns) >= p.opts.MaxPeers {
		return fmt.Errorf("netlink: peer limit %d reached", p.opts.MaxPeers)
	}

	pc := &peripheralConn{link: newLink(nc, p.opts.RequestTimeout)}
	pc.link.setMTU(ble.DefaultMTU)
	p.conns[pc] = struct{}{}
	pc.link.start(func(f frame) { p.onFrame(pc, f) }, func(err error) { p.onClose(pc, err) })
	return nil
}

func (p *Peripheral) onFrame(pc *peripheralConn, f frame) {
	p.mu.Lock()
	h := p.handler
	peer := pc.peer
	p.mu.Unlock()

	if f.Op == opHello {
		p.hello(pc, f, h)
		return
	}
	if peer == "" {
		slog.Warn("[NETLINK] frame before hello", "op", f.Op.String())
		return
	}

	attr, err := f.attr()
	if err == nil && (f.Op == opWriteReq || f.Op == opWriteCmd || f.Op == opReadReq) {
		err = checkAttr(attr)
	}

	switch f.Op {
	case opWriteReq:
		if err == nil {
			h.OnValue(peer, attr, f.Value)
		}
		p.reply(pc, frame{Op: opWriteRsp, Attr: f.Attr}, err)

	case opWriteCmd:
		if err != nil {
			slog.Warn("[NETLINK] dropping write command", "peer", peer, "error", err)
			return
		}
		h.OnValue(peer, attr, f.Value)

	case opReadReq:
		var value []byte
		if err == nil {
			value, err = h.OnRead(peer, attr)
		}
		if mtu := pc.link.currentMTU(); len(value) > mtu {
			value = value[:mtu]
		}
		p.reply(pc, frame{Op: opReadRsp, Attr: f.Attr, Value: value}, err)

	case opMTUReq:
		achieved := min(max(f.Num, ble.DefaultMTU), p.opts.MaxMTU)
		pc.link.setMTU(achieved)
		p.reply(pc, frame{Op: opMTURsp, Num: achieved}, nil)
		h.OnMTUChanged(peer, achieved, nil)

	case opIntervalReq:
		class := ble.IntervalClass(f.Num)
		if p.opts.AcceptedIntervals != nil && !slices.Contains(p.opts.AcceptedIntervals, class) {
			p.reply(pc, frame{Op: opIntervalRsp, Num: f.Num}, fmt.Errorf("interval %s rejected", class))
			return
		}
		p.reply(pc, frame{Op: opIntervalRsp, Num: f.Num}, nil)
		h.OnIntervalChanged(peer, class, nil)

	case opMethodReq:
		method := ble.Method(f.Num)
		if method < ble.MethodConfirmedWrite || method > ble.MethodNotifyPush {
			p.reply(pc, frame{Op: opMethodRsp, Num: f.Num}, fmt.Errorf("unknown method %d", f.Num))
			return
		}
		p.mu.Lock()
		pc.method = method
		p.mu.Unlock()
		p.reply(pc, frame{Op: opMethodRsp, Num: f.Num}, nil)
		h.OnMethodChanged(peer, method, nil)

	default:
		slog.Debug("[NETLINK] unexpected frame", "peer", peer, "op", f.Op.String())
	}
}

func (p *Peripheral) hello(pc *peripheralConn, f frame, h ble.Handler) {
	p.mu.Lock()
	if pc.peer != "" {
		p.mu.Unlock()
		slog.Warn("[NETLINK] duplicate hello", "peer", pc.peer)
		return
	}
	peer := f.Name
	if _, taken := p.peers[peer]; peer == "" || taken {
		peer = uuid.NewString()
	}
	pc.peer = peer
	p.peers[peer] = pc
	p.mu.Unlock()

	p.reply(pc, frame{Op: opHello, Name: p.opts.Name}, nil)
	slog.Info("[NETLINK] peer connected", "peer", peer)
	h.OnConnected(peer)
}

func (p *Peripheral) reply(pc *peripheralConn, f frame, err error) {
	if err != nil {
		f.Err = err.Error()
	}
	if sendErr := pc.link.send(f); sendErr != nil {
		slog.Debug("[NETLINK] reply dropped", "op", f.Op.String(), "error", sendErr)
	}
}

func (p *Peripheral) onClose(pc *peripheralConn, err error) {
	p.mu.Lock()
	delete(p.conns, pc)
	peer := pc.peer
	if peer != "" && p.peers[peer] == pc {
		delete(p.peers, peer)
	}
	h := p.handler
	p.mu.Unlock()

	if peer == "" {
		return
	}
	slog.Info("[NETLINK] peer disconnected", "peer", peer, "error", err)
	h.OnDisconnected(peer)
}

func (p *Peripheral) lookup(peer string) (*peripheralConn, ble.Handler, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pc, ok := p.peers[peer]
	if !ok {
		return nil, nil, fmt.Errorf("netlink: %s: %w", peer, ble.ErrNotConnected)
	}
	return pc, p.handler, nil
}

// SubmitNotify pushes a value to a peer that selected notify-push.
func (p *Peripheral) SubmitNotify(peer string, attr uuid.UUID, payload []byte) error {
	pc, h, err := p.lookup(peer)
	if err != nil {
		return err
	}
	if err := checkAttr(attr); err != nil {
		return err
	}
	p.mu.Lock()
	method := pc.method
	p.mu.Unlock()
	if method != ble.MethodNotifyPush {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, peer)
	}
	if mtu := pc.link.currentMTU(); len(payload) > mtu {
		return fmt.Errorf("%w: %d > %d", ErrValueTooLong, len(payload), mtu)
	}

	data := append([]byte(nil), payload...)
	return pc.link.send(frame{Op: opNotify, Attr: attr[:], Value: data, sent: func(err error) {
		h.OnOperationCompleted(ble.Completion{Peer: peer, Attr: attr, Kind: ble.OpNotify, Err: err})
	}})
}

// SubmitWrite is not available to a peripheral.
func (p *Peripheral) SubmitWrite(string, uuid.UUID, []byte, bool) error { return ble.ErrUnsupported }

// SubmitRead is not available to a peripheral.
func (p *Peripheral) SubmitRead(string, uuid.UUID) error { return ble.ErrUnsupported }

// RequestMTU is driven by the central.
func (p *Peripheral) RequestMTU(string, int) error { return ble.ErrUnsupported }

// RequestInterval is driven by the central.
func (p *Peripheral) RequestInterval(string, ble.IntervalClass) error { return ble.ErrUnsupported }

// SetTransferMethod is driven by the central.
func (p *Peripheral) SetTransferMethod(string, ble.Method) error { return ble.ErrUnsupported }

func (p *Peripheral) Disconnect(peer string) error {
	pc, _, err := p.lookup(peer)
	if err != nil {
		return err
	}
	pc.link.close(nil)
	return nil
}

// Peers lists the connected peers in sorted order.
func (p *Peripheral) Peers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	peers := make([]string, 0, len(p.peers))
	for peer := range p.peers {
		peers = append(peers, peer)
	}
	sort.Strings(peers)
	return peers
}

// Close stops accepting, drops every connection and waits for their
// goroutines. It must not be called from a handler callback.
func (p *Peripheral) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	conns := make([]*peripheralConn, 0, len(p.conns))
	for pc := range p.conns {
		conns = append(conns, pc)
	}
	p.mu.Unlock()

	if p.ln != nil {
		_ = p.ln.Close()
	}
	for _, pc := range conns {
		pc.link.close(nil)
	}
	for _, pc := range conns {
		pc.link.wait()
	}
	p.wg.Wait()
	return nil
}

var _ ble.Transport = (*Peripheral)(nil)
