package gattq

import (
	"fmt"

	"github.com/chaz8081/gattbench/internal/ble"
	"github.com/google/uuid"
)

// Op is one attribute operation waiting for, or holding, a peer's single
// request slot. A nil Payload marks a read. Ops are treated as immutable once
// submitted.
type Op struct {
	Peer    string
	Attr    uuid.UUID
	Kind    ble.OpKind
	Payload []byte
}

// Write builds a write op; confirmed selects a write request over a command.
func Write(peer string, attr uuid.UUID, payload []byte, confirmed bool) Op {
	if payload == nil {
		payload = []byte{}
	}
	kind := ble.OpWriteNoResponse
	if confirmed {
		kind = ble.OpWrite
	}
	return Op{Peer: peer, Attr: attr, Kind: kind, Payload: payload}
}

// Read builds a read op.
func Read(peer string, attr uuid.UUID) Op {
	return Op{Peer: peer, Attr: attr, Kind: ble.OpRead}
}

// Notify builds a notification op.
func Notify(peer string, attr uuid.UUID, payload []byte) Op {
	if payload == nil {
		payload = []byte{}
	}
	return Op{Peer: peer, Attr: attr, Kind: ble.OpNotify, Payload: payload}
}

// IsRead reports whether the op is a read.
func (o Op) IsRead() bool { return o.Payload == nil }

func (o Op) validate() error {
	if o.Peer == "" {
		return fmt.Errorf("gattq: op without peer")
	}
	switch o.Kind {
	case ble.OpRead:
		if o.Payload != nil {
			return fmt.Errorf("gattq: read op carries a payload")
		}
	case ble.OpWrite, ble.OpWriteNoResponse, ble.OpNotify:
		if o.Payload == nil {
			return fmt.Errorf("gattq: %s op without payload", o.Kind)
		}
	default:
		return fmt.Errorf("gattq: unknown op kind %s", o.Kind)
	}
	return nil
}

// Dispatcher hands an op to the link. A returned error means the op never
// reached the link and will not complete.
type Dispatcher interface {
	Dispatch(op Op) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(op Op) error

func (f DispatcherFunc) Dispatch(op Op) error { return f(op) }

// TransportDispatcher dispatches ops through a ble.Transport.
func TransportDispatcher(t ble.Transport) Dispatcher {
	return DispatcherFunc(func(op Op) error {
		switch op.Kind {
		case ble.OpWrite:
			return t.SubmitWrite(op.Peer, op.Attr, op.Payload, true)
		case ble.OpWriteNoResponse:
			return t.SubmitWrite(op.Peer, op.Attr, op.Payload, false)
		case ble.OpRead:
			return t.SubmitRead(op.Peer, op.Attr)
		case ble.OpNotify:
			return t.SubmitNotify(op.Peer, op.Attr, op.Payload)
		default:
			return fmt.Errorf("gattq: unknown op kind %s", op.Kind)
		}
	})
}
