package netlink

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// opcode identifies a frame on the emulated attribute protocol.
type opcode uint8

const (
	opHello opcode = iota + 1
	opWriteReq
	opWriteRsp
	opWriteCmd
	opReadReq
	opReadRsp
	opNotify
	opMTUReq
	opMTURsp
	opIntervalReq
	opIntervalRsp
	opMethodReq
	opMethodRsp
)

var opNames = map[opcode]string{
	opHello:       "hello",
	opWriteReq:    "write-req",
	opWriteRsp:    "write-rsp",
	opWriteCmd:    "write-cmd",
	opReadReq:     "read-req",
	opReadRsp:     "read-rsp",
	opNotify:      "notify",
	opMTUReq:      "mtu-req",
	opMTURsp:      "mtu-rsp",
	opIntervalReq: "interval-req",
	opIntervalRsp: "interval-rsp",
	opMethodReq:   "method-req",
	opMethodRsp:   "method-rsp",
}

func (o opcode) String() string {
	if s, ok := opNames[o]; ok {
		return s
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// response maps a request opcode to the opcode that answers it.
func (o opcode) response() (opcode, bool) {
	switch o {
	case opHello:
		return opHello, true
	case opWriteReq:
		return opWriteRsp, true
	case opReadReq:
		return opReadRsp, true
	case opMTUReq:
		return opMTURsp, true
	case opIntervalReq:
		return opIntervalRsp, true
	case opMethodReq:
		return opMethodRsp, true
	}
	return 0, false
}

// frame is one message on the wire.
type frame struct {
	Op    opcode `cbor:"1,keyasint"`
	Attr  []byte `cbor:"2,keyasint,omitempty"`
	Value []byte `cbor:"3,keyasint,omitempty"`
	Num   int    `cbor:"4,keyasint,omitempty"`
	Err   string `cbor:"5,keyasint,omitempty"`
	Name  string `cbor:"6,keyasint,omitempty"`

	// sent runs on the event goroutine once the frame reached the socket.
	sent func(err error) `cbor:"-"`
}

func (f frame) attr() (uuid.UUID, error) {
	if len(f.Attr) == 0 {
		return uuid.Nil, nil
	}
	return uuid.FromBytes(f.Attr)
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encOpts := cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		IndefLength: cbor.IndefLengthForbidden,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("netlink: cbor encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("netlink: cbor decoder mode: %v", err))
	}
}

func encodeFrame(f frame) ([]byte, error) {
	data, err := encMode.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("netlink: encode %s: %w", f.Op, err)
	}
	return data, nil
}

func decodeFrame(data []byte) (frame, error) {
	var f frame
	if err := decMode.Unmarshal(data, &f); err != nil {
		return frame{}, fmt.Errorf("netlink: decode frame: %w", err)
	}
	if _, ok := opNames[f.Op]; !ok {
		return frame{}, fmt.Errorf("netlink: unknown opcode %d", f.Op)
	}
	if len(f.Attr) != 0 && len(f.Attr) != 16 {
		return frame{}, fmt.Errorf("netlink: attribute id of %d bytes", len(f.Attr))
	}
	return f, nil
}
