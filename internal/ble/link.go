package ble

import (
	"fmt"
	"time"
)

// DefaultMTU is the ATT MTU every connection starts with.
const DefaultMTU = 23

// MaxMTU is the largest ATT MTU the profile negotiates.
const MaxMTU = 517

// Method selects how benchmark payloads travel over the test characteristic.
type Method uint8

const (
	MethodUnset Method = iota
	// MethodConfirmedWrite uses write requests; each packet is acknowledged.
	MethodConfirmedWrite
	// MethodUnconfirmedWrite uses write commands.
	MethodUnconfirmedWrite
	// MethodReadPull has the initiator read packets from the responder.
	MethodReadPull
	// MethodNotifyPush has the responder notify packets to the initiator.
	MethodNotifyPush
)

var methodNames = map[Method]string{
	MethodUnset:            "unset",
	MethodConfirmedWrite:   "confirmed-write",
	MethodUnconfirmedWrite: "unconfirmed-write",
	MethodReadPull:         "read-pull",
	MethodNotifyPush:       "notify-push",
}

func (m Method) String() string {
	if s, ok := methodNames[m]; ok {
		return s
	}
	return fmt.Sprintf("method(%d)", uint8(m))
}

// ParseMethod converts a config string into a Method.
func ParseMethod(s string) (Method, error) {
	for m, name := range methodNames {
		if name == s && m != MethodUnset {
			return m, nil
		}
	}
	return MethodUnset, fmt.Errorf("ble: unknown transfer method %q", s)
}

// IntervalClass is the connection pacing class requested from the platform.
type IntervalClass uint8

const (
	IntervalUnset IntervalClass = iota
	IntervalHigh
	IntervalBalanced
	IntervalLowPower
)

var intervalNames = map[IntervalClass]string{
	IntervalUnset:    "unset",
	IntervalHigh:     "high",
	IntervalBalanced: "balanced",
	IntervalLowPower: "low-power",
}

func (c IntervalClass) String() string {
	if s, ok := intervalNames[c]; ok {
		return s
	}
	return fmt.Sprintf("interval(%d)", uint8(c))
}

// ParseIntervalClass converts a config string into an IntervalClass.
func ParseIntervalClass(s string) (IntervalClass, error) {
	for c, name := range intervalNames {
		if name == s {
			return c, nil
		}
	}
	return IntervalUnset, fmt.Errorf("ble: unknown interval class %q", s)
}

// Parameters returns the connection parameters requested for the class.
// Unset maps to the balanced preset, which is what controllers use when no
// request is made.
func (c IntervalClass) Parameters() ConnectionParameters {
	switch c {
	case IntervalHigh:
		return ConnectionParameters{IntervalMin: 6, IntervalMax: 12, SupervisionTimeout: 500}
	case IntervalLowPower:
		return ConnectionParameters{IntervalMin: 80, IntervalMax: 160, SlaveLatency: 4, SupervisionTimeout: 600}
	default:
		return ConnectionParameters{IntervalMin: 24, IntervalMax: 40, SupervisionTimeout: 600}
	}
}

// Period is the pacing period used by the benchmark driver: the shortest
// interval the class allows.
func (c IntervalClass) Period() time.Duration {
	return c.Parameters().IntervalMinDuration()
}

// ConnectionParameters are the LE connection timing values.
type ConnectionParameters struct {
	// IntervalMin in units of 1.25ms, range 6 (7.5ms) to 3200 (4s).
	IntervalMin uint16
	// IntervalMax in units of 1.25ms.
	IntervalMax uint16
	// SlaveLatency is the number of connection events the peripheral may skip.
	SlaveLatency uint16
	// SupervisionTimeout in units of 10ms, range 10 to 3200.
	SupervisionTimeout uint16
}

// Validate checks the parameters against the ranges the controller accepts.
func (p ConnectionParameters) Validate() error {
	if p.IntervalMin < 6 || p.IntervalMin > 3200 {
		return fmt.Errorf("ble: IntervalMin out of range (6-3200): %d", p.IntervalMin)
	}
	if p.IntervalMax < 6 || p.IntervalMax > 3200 {
		return fmt.Errorf("ble: IntervalMax out of range (6-3200): %d", p.IntervalMax)
	}
	if p.IntervalMax < p.IntervalMin {
		return fmt.Errorf("ble: IntervalMax (%d) must be >= IntervalMin (%d)", p.IntervalMax, p.IntervalMin)
	}
	if p.SlaveLatency > 499 {
		return fmt.Errorf("ble: SlaveLatency out of range (0-499): %d", p.SlaveLatency)
	}
	if p.SupervisionTimeout < 10 || p.SupervisionTimeout > 3200 {
		return fmt.Errorf("ble: SupervisionTimeout out of range (10-3200): %d", p.SupervisionTimeout)
	}
	// Timeout must exceed (1 + latency) * IntervalMax * 2, compared in 10ms units.
	minTimeout := (1 + uint32(p.SlaveLatency)) * uint32(p.IntervalMax) * 125 / 1000
	if uint32(p.SupervisionTimeout) <= minTimeout {
		return fmt.Errorf("ble: SupervisionTimeout (%d * 10ms) must be > %d * 10ms", p.SupervisionTimeout, minTimeout)
	}
	return nil
}

func (p ConnectionParameters) IntervalMinDuration() time.Duration {
	return time.Duration(p.IntervalMin) * 1250 * time.Microsecond
}

func (p ConnectionParameters) IntervalMaxDuration() time.Duration {
	return time.Duration(p.IntervalMax) * 1250 * time.Microsecond
}

func (p ConnectionParameters) SupervisionTimeoutDuration() time.Duration {
	return time.Duration(p.SupervisionTimeout) * 10 * time.Millisecond
}

// LinkParams is the set of values negotiated for one connection.
type LinkParams struct {
	MTU         int
	Interval    IntervalClass
	Method      Method
	PayloadSize int
}

func (p LinkParams) String() string {
	return fmt.Sprintf("mtu=%d interval=%s method=%s payload=%d", p.MTU, p.Interval, p.Method, p.PayloadSize)
}
