// Package fault defines the tagged error events the benchmark core reports
// to its owning application.
package fault

import (
	"fmt"

	"github.com/google/uuid"
)

// Code classifies an Event.
type Code int

const (
	MTU      Code = -1
	Interval Code = -2
	Method   Code = -3

	PayloadSize Code = -(iota + 1)
	NegotiationTimeout
	NegotiationFailed
	Transport
	Recorder
	Capacity
	Protocol
)

var codeNames = map[Code]string{
	MTU:                "mtu",
	Interval:           "interval",
	Method:             "method",
	PayloadSize:        "payload-size",
	NegotiationTimeout: "negotiation-timeout",
	NegotiationFailed:  "negotiation-failed",
	Transport:          "transport",
	Recorder:           "recorder",
	Capacity:           "capacity",
	Protocol:           "protocol",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Fatal reports whether an event with this code ends the session.
func (c Code) Fatal() bool {
	switch c {
	case Capacity, NegotiationFailed, NegotiationTimeout:
		return true
	}
	return false
}

// Event is one reported failure. Attr is uuid.Nil when no attribute applies.
type Event struct {
	Code   Code
	Peer   string
	Attr   uuid.UUID
	Detail string
	Err    error
}

func (e Event) Error() string {
	msg := e.Code.String()
	if e.Peer != "" {
		msg += " peer=" + e.Peer
	}
	if e.Attr != uuid.Nil {
		msg += " attr=" + e.Attr.String()
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e Event) Unwrap() error { return e.Err }

// New builds an Event with a formatted detail.
func New(code Code, peer string, err error, format string, args ...any) Event {
	return Event{Code: code, Peer: peer, Err: err, Detail: fmt.Sprintf(format, args...)}
}
