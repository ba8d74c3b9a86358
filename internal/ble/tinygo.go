package ble

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"
)

// TinygoAdapter wraps tinygo-org/bluetooth. On macOS device addresses are
// CoreBluetooth UUIDs rather than MAC addresses; the Device.MAC field stores
// whichever form the platform reports.
type TinygoAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*tinygoConnection // keyed by device address
}

// NewTinygoAdapter creates a BLE adapter on the platform default radio.
func NewTinygoAdapter() *TinygoAdapter {
	return &TinygoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*tinygoConnection),
	}
}

func (a *TinygoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// Adapter-level handler; tinygo reports peripheral disconnects here.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		a.mu.Lock()
		conn, ok := a.connections[id]
		delete(a.connections, id)
		a.mu.Unlock()
		if ok {
			conn.fireDisconnect()
		}
	})

	return nil
}

func (a *TinygoAdapter) Scan(ctx context.Context, serviceUUID uuid.UUID) ([]Device, error) {
	svc := toBluetoothUUID(serviceUUID)

	var mu sync.Mutex
	var devices []Device
	seen := make(map[string]bool)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = a.adapter.StopScan()
		case <-done:
		}
	}()

	err := a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if !result.HasServiceUUID(svc) {
			return
		}
		mac := result.Address.String()
		mu.Lock()
		defer mu.Unlock()
		if seen[mac] {
			return
		}
		seen[mac] = true
		devices = append(devices, Device{
			Name: result.LocalName(),
			MAC:  mac,
			RSSI: int(result.RSSI),
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	return devices, nil
}

func (a *TinygoAdapter) Connect(ctx context.Context, mac string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(mac)

	// Connect blocks with its own timeout; the select lets ctx win.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("ble: connect to %s: %w", mac, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", mac, result.err)
		}
		conn := &tinygoConnection{device: result.device}

		a.mu.Lock()
		a.connections[mac] = conn
		a.mu.Unlock()

		return conn, nil
	}
}

var _ Adapter = (*TinygoAdapter)(nil)

type tinygoConnection struct {
	device bluetooth.Device

	mu           sync.Mutex
	service      *bluetooth.DeviceService
	chars        []*tinygoCharacteristic
	disconnectCb func()
}

func (c *tinygoConnection) DiscoverCharacteristic(serviceUUID, charUUID uuid.UUID) (Characteristic, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.service == nil {
		svcs, err := c.device.DiscoverServices([]bluetooth.UUID{toBluetoothUUID(serviceUUID)})
		if err != nil {
			return nil, fmt.Errorf("ble: discover services: %w", err)
		}
		if len(svcs) == 0 {
			return nil, fmt.Errorf("ble: service %s not found", serviceUUID)
		}
		c.service = &svcs[0]
	}

	chars, err := c.service.DiscoverCharacteristics([]bluetooth.UUID{toBluetoothUUID(charUUID)})
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
	}

	ch := &tinygoCharacteristic{char: chars[0]}
	c.chars = append(c.chars, ch)
	return ch, nil
}

// MTU reads the exchanged MTU from any discovered characteristic.
func (c *tinygoConnection) MTU() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.chars) == 0 {
		return DefaultMTU, nil
	}
	mtu, err := c.chars[0].char.GetMTU()
	if err != nil {
		return DefaultMTU, fmt.Errorf("ble: get MTU: %w", err)
	}
	return int(mtu), nil
}

func (c *tinygoConnection) RequestConnectionParams(p ConnectionParameters) error {
	return c.device.RequestConnectionParams(bluetooth.ConnectionParams{
		MinInterval: bluetooth.NewDuration(p.IntervalMinDuration()),
		MaxInterval: bluetooth.NewDuration(p.IntervalMaxDuration()),
		Timeout:     bluetooth.NewDuration(p.SupervisionTimeoutDuration()),
	})
}

func (c *tinygoConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *tinygoConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *tinygoConnection) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// tinygoCharacteristic wraps a discovered characteristic. Confirmed writes
// and reads differ per platform and live in tinygo_<os>.go.
type tinygoCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

var _ Characteristic = (*tinygoCharacteristic)(nil)

func (c *tinygoCharacteristic) WriteWithoutResponse(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *tinygoCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		cb(buf)
	})
}

func toBluetoothUUID(id uuid.UUID) bluetooth.UUID {
	return bluetooth.NewUUID([16]byte(id))
}
