package ble

// Write issues a write request. BlueZ's WriteValue without a type option
// uses a write request when the characteristic supports one and replies
// after the peer's response, which is what tinygo calls underneath
// WriteWithoutResponse on Linux.
func (c *tinygoCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *tinygoCharacteristic) Read() ([]byte, error) {
	buf := make([]byte, MaxMTU)
	n, err := c.char.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}
