package bench

import (
	"fmt"
	"time"

	"github.com/chaz8081/gattbench/internal/ble"
	"github.com/chaz8081/gattbench/internal/ble/protocol"
)

// DurationSpec bounds a session by time or by bytes; exactly one is set.
type DurationSpec struct {
	Duration time.Duration
	Bytes    int64
}

// ForDuration returns a time-bounded spec.
func ForDuration(d time.Duration) DurationSpec { return DurationSpec{Duration: d} }

// ForBytes returns a byte-bounded spec.
func ForBytes(n int64) DurationSpec { return DurationSpec{Bytes: n} }

// Validate checks that exactly one budget is positive.
func (s DurationSpec) Validate() error {
	switch {
	case s.Duration > 0 && s.Bytes > 0:
		return fmt.Errorf("bench: spec sets both duration and bytes")
	case s.Duration < 0 || s.Bytes < 0:
		return fmt.Errorf("bench: negative budget in spec")
	case s.Duration == 0 && s.Bytes == 0:
		return fmt.Errorf("bench: spec sets no budget")
	}
	return nil
}

// TimeBounded reports whether the spec is measured in time.
func (s DurationSpec) TimeBounded() bool { return s.Duration > 0 }

func (s DurationSpec) String() string {
	if s.TimeBounded() {
		return s.Duration.String()
	}
	return fmt.Sprintf("%dB", s.Bytes)
}

// Control builds the push-mode control message for the spec. Time budgets
// travel in milliseconds.
func (s DurationSpec) Control(params ble.LinkParams) protocol.Control {
	c := protocol.Control{PayloadSize: params.PayloadSize, Interval: uint8(params.Interval)}
	if s.TimeBounded() {
		c.Kind = protocol.BudgetTime
		c.Budget = s.Duration.Milliseconds()
	} else {
		c.Kind = protocol.BudgetBytes
		c.Budget = s.Bytes
	}
	return c
}

// SpecFromControl recovers the spec carried by a control message.
func SpecFromControl(c protocol.Control) DurationSpec {
	if c.Kind == protocol.BudgetTime {
		return ForDuration(time.Duration(c.Budget) * time.Millisecond)
	}
	return ForBytes(c.Budget)
}
