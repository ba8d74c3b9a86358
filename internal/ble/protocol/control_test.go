package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestMarshalControlBytes(t *testing.T) {
	got, err := MarshalControl(Control{Kind: BudgetBytes, Budget: 1000, PayloadSize: 20, Interval: 1})
	if err != nil {
		t.Fatalf("MarshalControl() error = %v", err)
	}
	// magic, then:
	// field 1: tag=0x08, varint=2
	// field 2: tag=0x10, varint=1000 (0xe8 0x07)
	// field 3: tag=0x18, varint=20
	// field 4: tag=0x20, varint=1
	want := []byte{'G', 'B', 'C', 0x01, 0x08, 0x02, 0x10, 0xe8, 0x07, 0x18, 0x14, 0x20, 0x01}
	if !bytes.Equal(got, want) {
		t.Errorf("MarshalControl() =\n  got  %x\n  want %x", got, want)
	}
}

func TestControlRoundTrip(t *testing.T) {
	in := Control{Kind: BudgetTime, Budget: 10_000, PayloadSize: 180, Interval: 3}
	data, err := MarshalControl(in)
	if err != nil {
		t.Fatalf("MarshalControl() error = %v", err)
	}
	if !IsControl(data) {
		t.Fatal("IsControl() = false for a control message")
	}
	out, err := UnmarshalControl(data)
	if err != nil {
		t.Fatalf("UnmarshalControl() error = %v", err)
	}
	if out != in {
		t.Errorf("UnmarshalControl() = %+v, want %+v", out, in)
	}
}

func TestMarshalControlRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		c    Control
	}{
		{"no kind", Control{Budget: 1, PayloadSize: 1}},
		{"zero budget", Control{Kind: BudgetTime, PayloadSize: 1}},
		{"zero payload", Control{Kind: BudgetBytes, Budget: 10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := MarshalControl(tt.c); err == nil {
				t.Error("MarshalControl() should fail")
			}
		})
	}
}

func TestUnmarshalControlErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		wantNot bool
	}{
		{"random payload", []byte{0x13, 0x37, 0x00, 0x01}, true},
		{"empty", nil, true},
		{"truncated varint", []byte{'G', 'B', 'C', 0x01, 0x10, 0xff}, false},
		{"missing fields", []byte{'G', 'B', 'C', 0x01, 0x08, 0x01}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalControl(tt.data)
			if err == nil {
				t.Fatal("UnmarshalControl() should fail")
			}
			if got := errors.Is(err, ErrNotControl); got != tt.wantNot {
				t.Errorf("errors.Is(err, ErrNotControl) = %v, want %v (err = %v)", got, tt.wantNot, err)
			}
		})
	}
}

func TestUnmarshalControlSkipsUnknownFields(t *testing.T) {
	data, _ := MarshalControl(Control{Kind: BudgetBytes, Budget: 64, PayloadSize: 20})
	// field 9, length-delimited, 2 bytes
	data = append(data, 0x4a, 0x02, 0xaa, 0xbb)

	c, err := UnmarshalControl(data)
	if err != nil {
		t.Fatalf("UnmarshalControl() error = %v", err)
	}
	if c.Budget != 64 {
		t.Errorf("Budget = %d, want 64", c.Budget)
	}
}
