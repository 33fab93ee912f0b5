package smbus

import (
	"fmt"
)

const WORD_LEN = 2
const REG_LEN = 1

// Conn is one device on a bus.
type Conn struct {
	sysIF    *SysIF
	addr     uint8
	useRxPEC bool
	useTxPEC bool
}

// Open a connection to addr on the named I2C bus.
func Open(bus string, addr uint8) (*Conn, error) {
	sysIF, err := New(bus)
	if err != nil {
		return nil, err
	}
	return NewConn(sysIF, addr), nil
}

func NewConn(sysIF *SysIF, addr uint8) *Conn {
	return &Conn{sysIF: sysIF, addr: addr}
}

func (c *Conn) Addr() uint8 { return c.addr }

func (c *Conn) SetRxPEC(on bool) {
	c.useRxPEC = on
}

func (c *Conn) SetTxPEC(on bool) {
	c.useTxPEC = on
}

// Close the connection and its bus.
func (c *Conn) Close() error {
	return c.sysIF.Close()
}

// Send a command byte with no data
func (c *Conn) SendByte(cmd byte) error {
	return c.sysIF.WriteN(uint16(c.addr), cmd, nil, c.useTxPEC)
}

// Write a Byte
func (c *Conn) WriteByteData(cmd, b byte) error {
	return c.sysIF.WriteN(uint16(c.addr), cmd, []byte{b}, c.useTxPEC)
}

// Write a 16-bit word, LSB first
func (c *Conn) WriteWord(cmd byte, data uint16) error {
	return c.sysIF.WriteN(uint16(c.addr), cmd, []byte{uint8(data), uint8(data >> 8)}, c.useTxPEC)
}

// Read a 8-bit register
func (c *Conn) ReadByteData(cmd uint8) (uint8, error) {
	b, err := c.sysIF.ReadN(uint16(c.addr), cmd, REG_LEN, c.useRxPEC)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Read a 16-bit word
func (c *Conn) ReadWord(cmd uint8) (uint16, error) {
	b, err := c.sysIF.ReadN(uint16(c.addr), cmd, WORD_LEN, c.useRxPEC)
	if err != nil {
		return 0, err
	}
	return uint16(b[1])<<8 | uint16(b[0]), nil
}

// Write a data block
func (c *Conn) WriteBlockData(cmd uint8, buf []byte) error {
	if len(buf) > 32 {
		return fmt.Errorf("smbus: block of %d bytes exceeds 32", len(buf))
	}
	return c.sysIF.WriteN(uint16(c.addr), cmd, append([]byte{uint8(len(buf))}, buf...), c.useTxPEC)
}
