package ble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNoDevice is returned when no benchmark peripheral matches the scan.
var ErrNoDevice = errors.New("ble: no benchmark peripheral found")

// ScanForDevices scans for peripherals advertising the benchmark service.
func ScanForDevices(adapter Adapter, timeout time.Duration) ([]Device, error) {
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	devices, err := adapter.Scan(ctx, ServiceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	return devices, nil
}

// SelectDevice picks the device whose address matches want (case-insensitive)
// or, when want is empty, the one with the strongest signal.
func SelectDevice(devices []Device, want string) (Device, error) {
	var best Device
	found := false
	for _, d := range devices {
		if want != "" {
			if strings.EqualFold(d.MAC, want) {
				return d, nil
			}
			continue
		}
		if !found || d.RSSI > best.RSSI {
			best = d
			found = true
		}
	}
	if !found {
		if want != "" {
			return Device{}, fmt.Errorf("%w: %s", ErrNoDevice, want)
		}
		return Device{}, ErrNoDevice
	}
	return best, nil
}
