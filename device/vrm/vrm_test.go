package vrm

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"periph.io/x/conn/v3/i2c/i2ctest"

	"github.com/nvmexp/lw-firmware-sub127/device/smbus"
)

type write struct {
	Cmd  uint8
	Word uint16
}

// fakeBus is a paged register file.
type fakeBus struct {
	page   uint8
	mode   uint8
	vout   map[uint8]uint16
	status uint8
	fail   int
	writes []write
}

func newFakeBus() *fakeBus {
	return &fakeBus{mode: 0x17, vout: map[uint8]uint16{}} // exponent -9
}

func (b *fakeBus) WriteByteData(cmd, v byte) error {
	if cmd == cmdPage {
		b.page = v
	}
	b.writes = append(b.writes, write{cmd, uint16(v)})
	return nil
}

func (b *fakeBus) ReadByteData(cmd uint8) (uint8, error) {
	switch cmd {
	case cmdVoutMode:
		return b.mode, nil
	case cmdStatusVout:
		return b.status, nil
	}
	return 0, nil
}

func (b *fakeBus) WriteWord(cmd byte, v uint16) error {
	if b.fail > 0 {
		b.fail--
		return errors.New("nak")
	}
	b.vout[b.page] = v
	b.writes = append(b.writes, write{cmd, v})
	return nil
}

func (b *fakeBus) ReadWord(cmd uint8) (uint16, error) {
	return b.vout[b.page], nil
}

func (b *fakeBus) SendByte(cmd byte) error {
	b.writes = append(b.writes, write{Cmd: cmd})
	return nil
}

func TestLinear16(t *testing.T) {
	for _, tc := range []struct {
		uv  uint32
		exp int8
	}{{800000, -9}, {1000000, -9}, {12000000, -7}, {850000, -12}} {
		w := ReverseLinear16(tc.uv, tc.exp)
		got := Linear16(w, tc.exp)
		step := uint32(1000000 >> uint(-tc.exp))
		if got+step < tc.uv || got > tc.uv+step {
			t.Errorf("round trip of %duV at 2^%d = %duV", tc.uv, tc.exp, got)
		}
	}
	if w := ReverseLinear16(1000000, -9); w != 512 {
		t.Errorf("1V at 2^-9 = %d, want 512", w)
	}
}

func TestSetVoltage(t *testing.T) {
	RetryDelay = 0
	bus := newFakeBus()
	v := New(bus, map[uint8]Limits{1: {MinUV: 600000, MaxUV: 1000000}}, 0)
	ctx := context.Background()

	got, err := v.SetVoltage(ctx, 1, 1200000)
	if err != nil {
		t.Fatalf("SetVoltage: %v", err)
	}
	if got != 1000000 {
		t.Errorf("SetVoltage = %d, want clamp to 1000000", got)
	}
	// Same set point again: no VOUT write, no PAGE write.
	if _, err := v.SetVoltage(ctx, 1, 1000000); err != nil {
		t.Fatal(err)
	}
	want := []write{{cmdPage, 1}, {cmdVout, 512}}
	if diff := cmp.Diff(want, bus.writes); diff != "" {
		t.Errorf("writes mismatch (-want +got):\n%s", diff)
	}

	bus.fail = Retries
	if _, err := v.SetVoltage(ctx, 1, 800000); err != nil {
		t.Errorf("SetVoltage with %d transient failures: %v", Retries, err)
	}
	bus.fail = Retries + 1
	if _, err := v.SetVoltage(ctx, 1, 700000); err == nil {
		t.Error("SetVoltage succeeded past the retry budget")
	}

	bus.status = 0x80
	if _, err := v.SetVoltage(ctx, 1, 900000); !errors.Is(err, ErrVoutFault) {
		t.Errorf("SetVoltage with fault status = %v, want ErrVoutFault", err)
	}
}

func TestRejectsNonLinearMode(t *testing.T) {
	bus := newFakeBus()
	bus.mode = 0x40
	v := New(bus, nil, 0)
	if _, err := v.ReadVoltage(0); !errors.Is(err, ErrVoutMode) {
		t.Errorf("ReadVoltage = %v, want ErrVoutMode", err)
	}
}

func TestReadVoltageOverSMBus(t *testing.T) {
	bus := &i2ctest.Playback{Ops: []i2ctest.IO{
		{Addr: 0x60, W: []byte{cmdPage, 0}},
		{Addr: 0x60, W: []byte{cmdVoutMode}, R: []byte{0x17}},
		{Addr: 0x60, W: []byte{cmdReadVout}, R: []byte{0xc0, 0x01}},
	}}
	v := New(smbus.NewConn(smbus.NewWithBus("test", bus), 0x60), nil, 0)
	uv, err := v.ReadVoltage(0)
	if err != nil {
		t.Fatalf("ReadVoltage: %v", err)
	}
	if uv != 875000 {
		t.Errorf("ReadVoltage = %d, want 875000", uv)
	}
	if err := bus.Close(); err != nil {
		t.Errorf("unused playback: %v", err)
	}
}
