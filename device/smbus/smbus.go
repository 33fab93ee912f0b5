// Package smbus is a wrapper around the periph.io library for SMBus
// transactions with optional packet error checking.
package smbus

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// SysIF is one I2C bus. Transactions on it are serialised.
type SysIF struct {
	BusName string
	Bus     i2c.BusCloser
	i2cmu   sync.Mutex
}

// New opens the named bus ("1", "/dev/i2c-1", ...) through the host
// drivers.
func New(busName string) (*SysIF, error) {
	if _, err := host.Init(); err != nil {
		return nil, err
	}
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("smbus: open %q: %w", busName, err)
	}
	return NewWithBus(busName, bus), nil
}

// NewWithBus wraps an already open bus.
func NewWithBus(name string, bus i2c.BusCloser) *SysIF {
	return &SysIF{BusName: name, Bus: bus}
}

func (s *SysIF) Close() error {
	s.i2cmu.Lock()
	defer s.i2cmu.Unlock()
	return s.Bus.Close()
}

// A typical I2C address is 7 bits long. periph.io takes it as a uint16.

// ReadN writes cmd and reads nbytes back in one transaction. With rxPEC
// the device appends a PEC byte, which is checked and stripped.
func (s *SysIF) ReadN(addr uint16, cmd uint8, nbytes int, rxPEC bool) ([]byte, error) {
	s.i2cmu.Lock()
	defer s.i2cmu.Unlock()

	d := &i2c.Dev{Addr: addr, Bus: s.Bus}
	n := nbytes
	if rxPEC {
		n++
	}
	read := make([]byte, n)
	if err := d.Tx([]byte{cmd}, read); err != nil {
		return nil, err
	}
	if rxPEC {
		if err := CheckReadPEC(uint8(addr), cmd, read); err != nil {
			return nil, err
		}
		read = read[:nbytes]
	}
	return read, nil
}

// WriteN writes cmd followed by data, with a trailing PEC byte when txPEC
// is set.
func (s *SysIF) WriteN(addr uint16, cmd uint8, data []byte, txPEC bool) error {
	s.i2cmu.Lock()
	defer s.i2cmu.Unlock()

	d := &i2c.Dev{Addr: addr, Bus: s.Bus}
	bytes := append([]byte{cmd}, data...)
	if txPEC {
		var err error
		bytes, err = AppendPEC(uint8(addr), WRITE, bytes)
		if err != nil {
			return err
		}
	}
	return d.Tx(bytes, nil)
}
