package ble

import "fmt"

func (c *tinygoCharacteristic) Write(data []byte) error {
	_, err := c.char.Write(data)
	return err
}

// Read is not available: tinygo's CoreBluetooth backend has no
// characteristic read. Use notify-push or a write method on macOS.
func (c *tinygoCharacteristic) Read() ([]byte, error) {
	return nil, fmt.Errorf("ble: characteristic read on macOS: %w", ErrUnsupported)
}
