// Package ble defines the GATT link contract used by the benchmark roles and
// provides a central-side transport on top of a platform BLE adapter. The
// adapter abstraction keeps the radio backend (tinygo bluetooth) swappable
// for tests.
package ble

import (
	"context"

	"github.com/google/uuid"
)

// Benchmark profile UUIDs. The profile is a single primary service; the test
// characteristic carries benchmark traffic, the others expose results.
var (
	ServiceUUID  = uuid.MustParse("00000001-0000-1000-8000-00805f9b34fb")
	TestCharUUID = uuid.MustParse("00000002-0000-1000-8000-00805f9b34fb")
	TestDescUUID = uuid.MustParse("00000003-0000-1000-8000-00805f9b34fb")
	// RawDataCharUUID streams inter-packet times as netstring chunks.
	RawDataCharUUID = uuid.MustParse("00000004-0000-1000-8000-00805f9b34fb")
	// LatencyCharUUID returns one latency sample per read, -1 when exhausted.
	LatencyCharUUID = uuid.MustParse("00000005-0000-1000-8000-00805f9b34fb")
	IDCharUUID      = uuid.MustParse("00000006-0000-1000-8000-00805f9b34fb")
)

// ProfileCharacteristics lists the characteristics a central discovers after
// connecting.
var ProfileCharacteristics = []uuid.UUID{
	TestCharUUID,
	RawDataCharUUID,
	LatencyCharUUID,
	IDCharUUID,
}

// Characteristic represents a BLE GATT characteristic on a remote peripheral.
type Characteristic interface {
	// Write sends data with a write request and waits for the response.
	Write(data []byte) error
	// WriteWithoutResponse sends data with a write command.
	WriteWithoutResponse(data []byte) error
	// Read issues a read request and returns the value.
	Read() ([]byte, error)
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name string
	MAC  string
	RSSI int
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID uuid.UUID) (Characteristic, error)
	// MTU returns the ATT MTU currently in effect on the link.
	MTU() (int, error)
	// RequestConnectionParams asks the controller for new connection timing.
	RequestConnectionParams(params ConnectionParameters) error
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan discovers BLE peripherals advertising the given service UUID.
	// Returns discovered devices until ctx is cancelled or timeout.
	Scan(ctx context.Context, serviceUUID uuid.UUID) ([]Device, error)
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, mac string) (Connection, error)
}
