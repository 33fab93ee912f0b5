// Package vrm drives a multi-page PMBus voltage regulator. Each page is one
// rail output.
package vrm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nvmexp/lw-firmware-sub127/device/smbus"
	"github.com/nvmexp/lw-firmware-sub127/log"
)

const (
	cmdPage        uint8 = 0x00
	cmdOperation   uint8 = 0x01
	cmdClearFaults uint8 = 0x03
	cmdVoutMode    uint8 = 0x20
	cmdVout        uint8 = 0x21
	cmdStatusVout  uint8 = 0x7a
	cmdReadVout    uint8 = 0x8b
)

const (
	operationOff uint8 = 0x00
	operationOn  uint8 = 0x80
)

var (
	ErrVoutMode  = errors.New("VOUT_MODE is not linear")
	ErrVoutFault = errors.New("VOUT fault")
)

// Retries is how often a failed bus transaction is repeated.
var Retries = 2

// RetryDelay is the pause between retries.
var RetryDelay = 10 * time.Millisecond

// Limits clamps the set point of one page.
type Limits struct {
	MinUV uint32
	MaxUV uint32
}

// Bus is the subset of smbus.Conn the regulator needs.
type Bus interface {
	WriteByteData(cmd, b byte) error
	ReadByteData(cmd uint8) (uint8, error)
	WriteWord(cmd byte, data uint16) error
	ReadWord(cmd uint8) (uint16, error)
	SendByte(cmd byte) error
}

var _ Bus = (*smbus.Conn)(nil)

type VRM struct {
	mu     sync.Mutex
	bus    Bus
	limits map[uint8]Limits
	exp    map[uint8]int8 // Linear16 exponent per page
	page   int
	settle time.Duration
}

// New wraps a regulator. settle is waited after every set point change.
func New(bus Bus, limits map[uint8]Limits, settle time.Duration) *VRM {
	return &VRM{
		bus:    bus,
		limits: limits,
		exp:    make(map[uint8]int8),
		page:   -1,
		settle: settle,
	}
}

func retry(what string, f func() error) error {
	var err error
	for i := 0; i <= Retries; i++ {
		if err = f(); err == nil {
			return nil
		}
		if i < Retries {
			log.Debugf("VRM %s retry %d: %v", what, i+1, err)
			time.Sleep(RetryDelay)
		}
	}
	return err
}

// selectPage must be called with mu held.
func (v *VRM) selectPage(page uint8) error {
	if v.page == int(page) {
		return nil
	}
	if err := retry("PAGE", func() error { return v.bus.WriteByteData(cmdPage, page) }); err != nil {
		v.page = -1
		return fmt.Errorf("vrm: select page %d: %w", page, err)
	}
	v.page = int(page)
	return nil
}

// exponent reads VOUT_MODE for the selected page. mu must be held.
func (v *VRM) exponent(page uint8) (int8, error) {
	if e, ok := v.exp[page]; ok {
		return e, nil
	}
	var mode uint8
	err := retry("VOUT_MODE", func() error {
		var err error
		mode, err = v.bus.ReadByteData(cmdVoutMode)
		return err
	})
	if err != nil {
		return 0, err
	}
	if mode&0xe0 != 0 {
		return 0, fmt.Errorf("vrm: page %d mode %#x: %w", page, mode, ErrVoutMode)
	}
	// Five-bit two's complement.
	e := int8(mode<<3) >> 3
	v.exp[page] = e
	return e, nil
}

// Linear16 converts a VOUT word to microvolts.
func Linear16(word uint16, exp int8) uint32 {
	uv := uint64(word) * 1000000
	if exp < 0 {
		return uint32(uv >> uint(-exp))
	}
	return uint32(uv << uint(exp))
}

// ReverseLinear16 converts microvolts to the nearest VOUT word.
func ReverseLinear16(uv uint32, exp int8) uint16 {
	if exp < 0 {
		n := uint64(uv) << uint(-exp)
		return uint16((n + 500000) / 1000000)
	}
	d := uint64(1000000) << uint(exp)
	return uint16((uint64(uv) + d/2) / d)
}

func (v *VRM) clamp(page uint8, uv uint32) uint32 {
	l, ok := v.limits[page]
	if !ok {
		return uv
	}
	if l.MaxUV != 0 && uv > l.MaxUV {
		log.Infof("VRM page %d: %duV out of range, clamp to %d", page, uv, l.MaxUV)
		return l.MaxUV
	}
	if uv < l.MinUV {
		log.Infof("VRM page %d: %duV out of range, clamp to %d", page, uv, l.MinUV)
		return l.MinUV
	}
	return uv
}

// SetVoltage programs page to uv, clamped to its limits, and returns the
// set point actually written. Nothing is written if the regulator already
// holds that set point.
func (v *VRM) SetVoltage(ctx context.Context, page uint8, uv uint32) (uint32, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	uv = v.clamp(page, uv)
	if err := v.selectPage(page); err != nil {
		return 0, err
	}
	exp, err := v.exponent(page)
	if err != nil {
		return 0, err
	}
	word := ReverseLinear16(uv, exp)

	cur, err := v.bus.ReadWord(cmdVout)
	if err != nil {
		log.Errorf("VRM page %d: read VOUT_COMMAND: %v", page, err)
	} else if cur == word {
		log.Debugf("VRM page %d already at %duV", page, uv)
		return Linear16(word, exp), nil
	}

	log.Infof("VRM page %d: VOUT to %duV", page, uv)
	if err := retry("VOUT_COMMAND", func() error { return v.bus.WriteWord(cmdVout, word) }); err != nil {
		return 0, fmt.Errorf("vrm: page %d write VOUT: %w", page, err)
	}
	if v.settle > 0 {
		t := time.NewTimer(v.settle)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	status, err := v.bus.ReadByteData(cmdStatusVout)
	if err == nil && status != 0 {
		return 0, fmt.Errorf("vrm: page %d status %#x: %w", page, status, ErrVoutFault)
	}
	return Linear16(word, exp), nil
}

// ReadVoltage returns the measured output of page.
func (v *VRM) ReadVoltage(page uint8) (uint32, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.selectPage(page); err != nil {
		return 0, err
	}
	exp, err := v.exponent(page)
	if err != nil {
		return 0, err
	}
	var word uint16
	err = retry("READ_VOUT", func() error {
		var err error
		word, err = v.bus.ReadWord(cmdReadVout)
		return err
	})
	if err != nil {
		return 0, err
	}
	return Linear16(word, exp), nil
}

// SetEnabled switches a page's output on or off.
func (v *VRM) SetEnabled(page uint8, on bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.selectPage(page); err != nil {
		return err
	}
	op := operationOff
	if on {
		op = operationOn
	}
	return retry("OPERATION", func() error { return v.bus.WriteByteData(cmdOperation, op) })
}

func (v *VRM) ClearFaults() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.bus.SendByte(cmdClearFaults)
}
