package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CentralOptions configures the central transport.
type CentralOptions struct {
	Device          string        // address to connect to; empty picks the strongest advertiser
	ScanTimeout     time.Duration // how long each scan runs
	ConnectAttempts int           // scan+connect attempts before Start gives up
	ReconnectMax    int           // max backoff between attempts in seconds
}

// DefaultCentralOptions returns sensible defaults.
func DefaultCentralOptions() CentralOptions {
	return CentralOptions{
		ScanTimeout:     10 * time.Second,
		ConnectAttempts: 3,
		ReconnectMax:    30,
	}
}

// Central is a Transport that connects to one benchmark peripheral through
// an Adapter. Every operation runs on its own goroutine and reports back on
// the Handler; callers are expected to keep at most one request in flight.
type Central struct {
	adapter Adapter
	opts    CentralOptions

	mu         sync.Mutex
	handler    Handler
	peer       string
	conn       Connection
	chars      map[uuid.UUID]Characteristic
	subscribed bool
	closed     bool

	wg sync.WaitGroup
}

// NewCentral creates a central transport on top of adapter.
func NewCentral(adapter Adapter, opts CentralOptions) *Central {
	def := DefaultCentralOptions()
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = def.ScanTimeout
	}
	if opts.ConnectAttempts <= 0 {
		opts.ConnectAttempts = def.ConnectAttempts
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = def.ReconnectMax
	}
	return &Central{adapter: adapter, opts: opts}
}

func (c *Central) SetHandler(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Start enables the adapter, then scans and connects, retrying with
// exponential backoff until ConnectAttempts is exhausted or ctx is done.
func (c *Central) Start(ctx context.Context) error {
	if err := c.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.opts.ConnectAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt-1, c.opts.ReconnectMax)
			slog.Info("[BLE] connect backoff", "attempt", attempt+1, "delay", delay)
			select {
			case <-ctx.Done():
				return fmt.Errorf("ble: connect: %w", ctx.Err())
			case <-time.After(delay):
			}
		}
		if lastErr = c.connectOnce(ctx); lastErr == nil {
			return nil
		}
		slog.Warn("[BLE] connect failed", "error", lastErr, "attempt", attempt+1)
	}
	return fmt.Errorf("ble: connect failed after %d attempts: %w", c.opts.ConnectAttempts, lastErr)
}

func (c *Central) connectOnce(ctx context.Context) error {
	scanCtx, cancel := context.WithTimeout(ctx, c.opts.ScanTimeout)
	devices, err := c.adapter.Scan(scanCtx, ServiceUUID)
	cancel()
	if err != nil {
		return err
	}
	dev, err := SelectDevice(devices, c.opts.Device)
	if err != nil {
		return err
	}

	conn, err := c.adapter.Connect(ctx, dev.MAC)
	if err != nil {
		return err
	}
	chars := make(map[uuid.UUID]Characteristic, len(ProfileCharacteristics))
	for _, id := range ProfileCharacteristics {
		ch, err := conn.DiscoverCharacteristic(ServiceUUID, id)
		if err != nil {
			_ = conn.Disconnect()
			return fmt.Errorf("ble: discover %s: %w", id, err)
		}
		chars[id] = ch
	}

	peer := dev.MAC
	c.mu.Lock()
	c.peer = peer
	c.conn = conn
	c.chars = chars
	c.subscribed = false
	h := c.handler
	c.mu.Unlock()

	conn.OnDisconnect(func() { c.lost(peer) })

	slog.Info("[BLE] connected", "peer", peer, "name", dev.Name, "rssi", dev.RSSI)
	if h != nil {
		h.OnConnected(peer)
	}
	return nil
}

func (c *Central) lost(peer string) {
	c.mu.Lock()
	if c.peer != peer || c.conn == nil {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.chars = nil
	h := c.handler
	c.mu.Unlock()

	slog.Warn("[BLE] disconnected", "peer", peer)
	if h != nil {
		h.OnDisconnected(peer)
	}
}

func (c *Central) connection(peer string) (Connection, Handler, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil, fmt.Errorf("ble: transport closed: %w", ErrNotConnected)
	}
	if c.conn == nil || peer != c.peer {
		return nil, nil, fmt.Errorf("ble: %s: %w", peer, ErrNotConnected)
	}
	return c.conn, c.handler, nil
}

func (c *Central) characteristic(peer string, attr uuid.UUID) (Characteristic, Handler, error) {
	_, h, err := c.connection(peer)
	if err != nil {
		return nil, nil, err
	}
	c.mu.Lock()
	ch, ok := c.chars[attr]
	c.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("ble: %s: %w", attr, ErrUnknownAttribute)
	}
	return ch, h, nil
}

func (c *Central) async(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

func (c *Central) SubmitWrite(peer string, attr uuid.UUID, payload []byte, confirmed bool) error {
	ch, h, err := c.characteristic(peer, attr)
	if err != nil {
		return err
	}
	data := append([]byte(nil), payload...)
	c.async(func() {
		kind := OpWriteNoResponse
		var err error
		if confirmed {
			kind = OpWrite
			err = ch.Write(data)
		} else {
			err = ch.WriteWithoutResponse(data)
		}
		h.OnOperationCompleted(Completion{Peer: peer, Attr: attr, Kind: kind, Err: err})
	})
	return nil
}

func (c *Central) SubmitRead(peer string, attr uuid.UUID) error {
	ch, h, err := c.characteristic(peer, attr)
	if err != nil {
		return err
	}
	c.async(func() {
		value, err := ch.Read()
		h.OnOperationCompleted(Completion{Peer: peer, Attr: attr, Kind: OpRead, Value: value, Err: err})
	})
	return nil
}

// SubmitNotify is not available to a central.
func (c *Central) SubmitNotify(string, uuid.UUID, []byte) error {
	return ErrUnsupported
}

// RequestMTU reports the smaller of the requested and the platform MTU. The
// platform exchanges MTU on connect, so there is no request to send.
func (c *Central) RequestMTU(peer string, mtu int) error {
	conn, h, err := c.connection(peer)
	if err != nil {
		return err
	}
	c.async(func() {
		achieved, err := conn.MTU()
		if err != nil {
			achieved = DefaultMTU
		} else if achieved > mtu {
			achieved = mtu
		}
		h.OnMTUChanged(peer, achieved, err)
	})
	return nil
}

func (c *Central) RequestInterval(peer string, class IntervalClass) error {
	conn, h, err := c.connection(peer)
	if err != nil {
		return err
	}
	params := class.Parameters()
	if err := params.Validate(); err != nil {
		return err
	}
	c.async(func() {
		err := conn.RequestConnectionParams(params)
		h.OnIntervalChanged(peer, class, err)
	})
	return nil
}

// SetTransferMethod enables notifications on the test characteristic when
// the method is notify-push. Other methods need no link change.
func (c *Central) SetTransferMethod(peer string, method Method) error {
	ch, h, err := c.characteristic(peer, TestCharUUID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	subscribe := method == MethodNotifyPush && !c.subscribed
	if subscribe {
		c.subscribed = true
	}
	c.mu.Unlock()

	c.async(func() {
		var err error
		if subscribe {
			err = ch.Subscribe(func(data []byte) {
				h.OnValue(peer, TestCharUUID, append([]byte(nil), data...))
			})
		}
		h.OnMethodChanged(peer, method, err)
	})
	return nil
}

func (c *Central) Disconnect(peer string) error {
	conn, _, err := c.connection(peer)
	if err != nil {
		return err
	}
	return conn.Disconnect()
}

// Close disconnects and waits for in-flight operations to report.
func (c *Central) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Disconnect()
	}
	c.wg.Wait()
	return err
}

// backoffDelay returns the retry delay for attempt n, capped at maxSeconds.
func backoffDelay(attempt int, maxSeconds int) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	max := time.Duration(maxSeconds) * time.Second
	if delay > max {
		return max
	}
	return delay
}

var _ Transport = (*Central)(nil)
