package ble

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrUnsupported is returned for operations the link role cannot perform,
	// such as notifications from a central.
	ErrUnsupported = errors.New("ble: operation not supported by this transport")
	// ErrNotConnected is returned when the peer has no active connection.
	ErrNotConnected = errors.New("ble: peer not connected")
	// ErrUnknownAttribute is returned for attributes outside the profile.
	ErrUnknownAttribute = errors.New("ble: unknown attribute")
)

// OpKind identifies the attribute operation carried by a submission.
type OpKind uint8

const (
	OpWrite OpKind = iota + 1
	OpWriteNoResponse
	OpRead
	OpNotify
)

func (k OpKind) String() string {
	switch k {
	case OpWrite:
		return "write"
	case OpWriteNoResponse:
		return "write-cmd"
	case OpRead:
		return "read"
	case OpNotify:
		return "notify"
	default:
		return fmt.Sprintf("op(%d)", uint8(k))
	}
}

// Completion reports the outcome of a submitted operation.
type Completion struct {
	Peer  string
	Attr  uuid.UUID
	Kind  OpKind
	Value []byte // read result, nil otherwise
	Err   error
}

// Transport is the platform link consumed by the benchmark roles. Submit and
// Request calls return once the operation has been handed to the link; the
// outcome arrives later on the Handler. A transport accepts only one
// outstanding attribute request per connection.
type Transport interface {
	// SetHandler installs the event sink. Must be called before Start.
	SetHandler(h Handler)
	// Start connects (central) or begins accepting connections (peripheral).
	Start(ctx context.Context) error

	SubmitWrite(peer string, attr uuid.UUID, payload []byte, confirmed bool) error
	SubmitRead(peer string, attr uuid.UUID) error
	SubmitNotify(peer string, attr uuid.UUID, payload []byte) error

	RequestMTU(peer string, mtu int) error
	RequestInterval(peer string, class IntervalClass) error
	SetTransferMethod(peer string, method Method) error

	Disconnect(peer string) error
	Close() error
}

// Handler receives link events. Implementations must not block for long:
// transports deliver one connection's events sequentially.
type Handler interface {
	OnConnected(peer string)
	OnDisconnected(peer string)
	OnOperationCompleted(c Completion)

	OnMTUChanged(peer string, mtu int, err error)
	OnIntervalChanged(peer string, class IntervalClass, err error)
	OnMethodChanged(peer string, method Method, err error)

	// OnValue delivers an unsolicited value: a write received by a
	// peripheral or a notification received by a central.
	OnValue(peer string, attr uuid.UUID, value []byte)
	// OnRead serves a read request received by a peripheral.
	OnRead(peer string, attr uuid.UUID) ([]byte, error)
}
