package clkdev

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	magic   uint16 = 0xc1d0
	msgSize        = 24
)

// Op is a clock-controller request.
type Op uint8

const (
	OpProgram Op = iota + 1
	OpNotify
	OpMemTune
	OpClkMon
	OpPCIe
	OpMailbox
	OpRead
	OpResident
)

var opNames = map[Op]string{
	OpProgram:  "program",
	OpNotify:   "notify",
	OpMemTune:  "memtune",
	OpClkMon:   "clkmon",
	OpPCIe:     "pcie",
	OpMailbox:  "mailbox",
	OpRead:     "read",
	OpResident: "resident",
}

func (o Op) String() string {
	if n, ok := opNames[o]; ok {
		return n
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// Status is the controller's answer code.
type Status uint8

const (
	StatusOK Status = iota
	StatusBusy
	StatusNoDomain
	StatusFault
	// StatusNotInit answers a request for a unit the controller has not
	// brought up yet.
	StatusNotInit
)

// Request is the little-endian wire layout of a request record.
type Request struct {
	Magic   uint16
	Op      Op
	Arg     uint8
	Seq     uint32
	Payload [4]uint32
}

// Response mirrors Request with a status in place of the op.
type Response struct {
	Magic   uint16
	Status  Status
	Arg     uint8
	Seq     uint32
	Payload [4]uint32
}

func (r *Request) MarshalBinary() ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, msgSize))
	if err := binary.Write(buf, binary.LittleEndian, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (r *Request) UnmarshalBinary(b []byte) error {
	if len(b) != msgSize {
		return fmt.Errorf("clkdev: request of %d bytes", len(b))
	}
	return binary.Read(bytes.NewReader(b), binary.LittleEndian, r)
}

func (r *Response) MarshalBinary() ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, msgSize))
	if err := binary.Write(buf, binary.LittleEndian, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (r *Response) UnmarshalBinary(b []byte) error {
	if len(b) != msgSize {
		return fmt.Errorf("clkdev: response of %d bytes", len(b))
	}
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, r); err != nil {
		return err
	}
	if r.Magic != magic {
		return fmt.Errorf("clkdev: bad magic %#04x", r.Magic)
	}
	return nil
}
