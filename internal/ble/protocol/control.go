// Package protocol implements the byte encodings carried by the benchmark
// profile: latency samples, the push-mode control message and the netstring
// stream served on the raw data characteristic.
package protocol

import (
	"bytes"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrNotControl is returned when a value does not carry the control prefix.
var ErrNotControl = errors.New("protocol: not a control message")

// controlMagic prefixes every control message so the responder can tell it
// apart from benchmark payloads on the same characteristic.
var controlMagic = []byte{'G', 'B', 'C', 0x01}

// BudgetKind says how a session budget is measured.
type BudgetKind uint32

const (
	BudgetTime  BudgetKind = 1 // milliseconds
	BudgetBytes BudgetKind = 2
)

// Control asks the responder to drive a notify-push session.
//
//	field 1 (uint32): budget kind
//	field 2 (uint64): budget
//	field 3 (uint32): payload size
//	field 4 (uint32): interval class
type Control struct {
	Kind        BudgetKind
	Budget      int64
	PayloadSize int
	Interval    uint8
}

const (
	fieldKind     protowire.Number = 1
	fieldBudget   protowire.Number = 2
	fieldPayload  protowire.Number = 3
	fieldInterval protowire.Number = 4
)

// MarshalControl encodes a control message.
func MarshalControl(c Control) ([]byte, error) {
	if c.Kind != BudgetTime && c.Kind != BudgetBytes {
		return nil, fmt.Errorf("protocol: unknown budget kind %d", c.Kind)
	}
	if c.Budget <= 0 {
		return nil, fmt.Errorf("protocol: budget must be positive, got %d", c.Budget)
	}
	if c.PayloadSize <= 0 {
		return nil, fmt.Errorf("protocol: payload size must be positive, got %d", c.PayloadSize)
	}
	buf := append([]byte(nil), controlMagic...)
	buf = protowire.AppendTag(buf, fieldKind, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(c.Kind))
	buf = protowire.AppendTag(buf, fieldBudget, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(c.Budget))
	buf = protowire.AppendTag(buf, fieldPayload, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(c.PayloadSize))
	buf = protowire.AppendTag(buf, fieldInterval, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(c.Interval))
	return buf, nil
}

// IsControl reports whether data starts with the control prefix.
func IsControl(data []byte) bool {
	return bytes.HasPrefix(data, controlMagic)
}

// UnmarshalControl decodes a control message. Unknown fields are skipped.
func UnmarshalControl(data []byte) (Control, error) {
	var c Control
	if !IsControl(data) {
		return c, ErrNotControl
	}
	data = data[len(controlMagic):]
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return c, fmt.Errorf("protocol: reading tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		if typ != protowire.VarintType {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return c, fmt.Errorf("protocol: skipping field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			continue
		}

		val, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return c, fmt.Errorf("protocol: reading varint for field %d: %w", num, protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fieldKind:
			c.Kind = BudgetKind(val)
		case fieldBudget:
			c.Budget = int64(val)
		case fieldPayload:
			c.PayloadSize = int(val)
		case fieldInterval:
			c.Interval = uint8(val)
		}
	}
	if c.Kind != BudgetTime && c.Kind != BudgetBytes {
		return c, fmt.Errorf("protocol: unknown budget kind %d", c.Kind)
	}
	if c.Budget <= 0 || c.PayloadSize <= 0 {
		return c, errors.New("protocol: control message missing budget or payload size")
	}
	return c, nil
}
