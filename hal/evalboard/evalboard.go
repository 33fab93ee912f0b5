// Package evalboard is the chip family for the bring-up board: clocks go
// through the clock controller's character device, rails through a PMBus
// regulator, and every clock switch is confirmed by an acknowledge line.
package evalboard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nvmexp/lw-firmware-sub127/config"
	"github.com/nvmexp/lw-firmware-sub127/device/clkdev"
	"github.com/nvmexp/lw-firmware-sub127/device/gpio"
	"github.com/nvmexp/lw-firmware-sub127/device/smbus"
	"github.com/nvmexp/lw-firmware-sub127/device/vrm"
	"github.com/nvmexp/lw-firmware-sub127/hal"
	"github.com/nvmexp/lw-firmware-sub127/log"
	"github.com/nvmexp/lw-firmware-sub127/perf"
)

const Family = "evalboard"

// releaseTimeout bounds the residency drop that follows every step.
const releaseTimeout = 20 * time.Millisecond

var ErrPowerNotGood = errors.New("rail power-good not asserted")

// Controller is the clock controller transport.
type Controller interface {
	Transact(ctx context.Context, op clkdev.Op, arg uint8, payload [4]uint32) ([4]uint32, error)
}

// Acker is the clock-switch acknowledge line.
type Acker interface {
	Arm()
	Wait(ctx context.Context) error
}

// Regulator sets rail voltages by PMBus page.
type Regulator interface {
	SetVoltage(ctx context.Context, page uint8, uv uint32) (uint32, error)
	SetEnabled(page uint8, on bool) error
}

// RailSwitch is the discrete enable and power-good wiring.
type RailSwitch interface {
	SetEnabled(rail perf.RailID, on bool) error
	PowerGood(rail perf.RailID) (bool, error)
}

// Devices are the board's collaborators. Open fills them from hardware;
// tests provide their own.
type Devices struct {
	Clk   Controller
	Ack   Acker
	VRM   Regulator
	Pins  RailSwitch
	close []func() error
}

type Chip struct {
	dev          Devices
	present      perf.DomainMask
	programmable perf.DomainMask
	rails        perf.RailMask
	pages        map[perf.RailID]uint8

	gen atomic.Uint32
	cal atomic.Pointer[config.Calibration]

	gated perf.RailID
}

var _ hal.Chip = (*Chip)(nil)

// Open brings up every device the board config names.
func Open(board config.Board, lp config.LowPower) (*Chip, error) {
	var dev Devices
	cleanup := func() {
		for _, c := range dev.close {
			_ = c()
		}
	}

	clk, err := clkdev.Open(board.ClkDev)
	if err != nil {
		return nil, err
	}
	dev.Clk = clk
	dev.close = append(dev.close, clk.Close)

	ack, err := gpio.OpenAckLine(board.AckLine.Chip, board.AckLine.Offset)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("ack line %s:%d: %w", board.AckLine.Chip, board.AckLine.Offset, err)
	}
	dev.Ack = ack
	dev.close = append(dev.close, ack.Close)

	conn, err := smbus.Open(board.I2CBus, uint8(board.VRMAddr))
	if err != nil {
		cleanup()
		return nil, err
	}
	conn.SetTxPEC(true)
	conn.SetRxPEC(false)
	dev.close = append(dev.close, conn.Close)
	limits := make(map[uint8]vrm.Limits)
	for _, r := range board.Rails {
		limits[r.Page] = vrm.Limits{MinUV: r.MinUV, MaxUV: r.MaxUV}
	}
	dev.VRM = vrm.New(conn, limits, time.Millisecond)

	pins, err := gpio.OpenRailPins(board.Rails)
	if err != nil {
		cleanup()
		return nil, err
	}
	dev.Pins = pins
	dev.close = append(dev.close, func() error { pins.Close(); return nil })

	c, err := New(board, lp, dev)
	if err != nil {
		cleanup()
		return nil, err
	}
	return c, nil
}

// New composes a chip from already open devices.
func New(board config.Board, lp config.LowPower, dev Devices) (*Chip, error) {
	c := &Chip{dev: dev, pages: make(map[perf.RailID]uint8), gated: perf.NumVoltRails}

	var err error
	if c.present, err = domains(board.Present, perf.AllDomains); err != nil {
		return nil, err
	}
	if c.programmable, err = domains(board.Programmable, c.present); err != nil {
		return nil, err
	}
	if c.programmable&^c.present != 0 {
		return nil, fmt.Errorf("programmable domains %v are not present", c.programmable&^c.present)
	}
	for name, r := range board.Rails {
		id, err := perf.ParseRail(name)
		if err != nil {
			return nil, err
		}
		c.pages[id] = r.Page
		c.rails |= perf.RailsOf(id)
	}
	if lp.GatedRail != "" {
		if c.gated, err = perf.ParseRail(lp.GatedRail); err != nil {
			return nil, err
		}
		if !c.rails.Has(c.gated) {
			return nil, fmt.Errorf("gated rail %v is not on the board", c.gated)
		}
	}
	cal := board.Calibration
	c.cal.Store(&cal)
	c.gen.Store(1)
	return c, nil
}

func domains(names []string, def perf.DomainMask) (perf.DomainMask, error) {
	if len(names) == 0 {
		return def, nil
	}
	return config.ParseDomains(names)
}

func (c *Chip) Close() error {
	var first error
	for i := len(c.dev.close) - 1; i >= 0; i-- {
		if err := c.dev.close[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (c *Chip) Family() string                { return Family }
func (c *Chip) Present() perf.DomainMask      { return c.present }
func (c *Chip) Programmable() perf.DomainMask { return c.programmable }
func (c *Chip) Rails() perf.RailMask          { return c.rails }
func (c *Chip) VFGeneration() uint32          { return c.gen.Load() }

// Recalibrate installs new tables and starts a new VF generation.
func (c *Chip) Recalibrate(cal config.Calibration) uint32 {
	c.cal.Store(&cal)
	gen := c.gen.Add(1)
	log.Infof("evalboard: VF generation %d", gen)
	return gen
}

func (c *Chip) MinCrossbarFreqForMemoryFreq(mclkMHz uint32) uint32 {
	if x, ok := c.cal.Load().XbarForMclk[mclkMHz]; ok {
		return x
	}
	return mclkMHz / 4
}

func (c *Chip) VoltageFloor(rail perf.RailID, d perf.ClockDomainID, freqKHz uint32) uint32 {
	cal := c.cal.Load()
	if rail != perf.RailLogic || cal.LogicUVPerMHz == 0 {
		return 0
	}
	return cal.LogicBaseUV + freqKHz/1000*cal.LogicUVPerMHz
}

func (c *Chip) Acquire(ctx context.Context, res hal.Resource) (hal.Release, error) {
	if res == hal.ResNone {
		return func() {}, nil
	}
	if _, err := c.dev.Clk.Transact(ctx, clkdev.OpResident, uint8(res), [4]uint32{1}); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			if _, err := c.dev.Clk.Transact(ctx, clkdev.OpResident, uint8(res), [4]uint32{0}); err != nil {
				log.Errorf("evalboard: release %v: %v", res, err)
			}
		})
	}, nil
}

func (c *Chip) Notify(ctx context.Context, phase hal.NotifyPhase, pstate uint8) error {
	_, err := c.dev.Clk.Transact(ctx, clkdev.OpNotify, uint8(phase), [4]uint32{uint32(pstate)})
	return err
}

// packSample carries the non-frequency fields of a sample in one word.
func packSample(s perf.ClockDomainSample) uint32 {
	return uint32(s.Regime) | uint32(s.Source)<<8 | uint32(s.DVCOMinMHz)<<16
}

func unpackSample(freqKHz, w uint32) perf.ClockDomainSample {
	return perf.ClockDomainSample{
		FreqKHz:    freqKHz,
		Regime:     perf.Regime(w),
		Source:     perf.Source(w >> 8),
		DVCOMinMHz: uint16(w >> 16),
	}
}

func (c *Chip) ProgramClock(ctx context.Context, d perf.ClockDomainID, from, to perf.ClockDomainSample) (perf.ClockDomainSample, error) {
	if !c.present.Has(d) {
		return perf.ClockDomainSample{}, hal.ErrNoDomain
	}
	c.dev.Ack.Arm()
	p, err := c.dev.Clk.Transact(ctx, clkdev.OpProgram, uint8(d), [4]uint32{from.FreqKHz, to.FreqKHz, packSample(to)})
	if err != nil {
		return perf.ClockDomainSample{}, err
	}
	if err := c.dev.Ack.Wait(ctx); err != nil {
		return perf.ClockDomainSample{}, err
	}
	return unpackSample(p[0], p[1]), nil
}

// ReadClock asks the controller what d is running at.
func (c *Chip) ReadClock(ctx context.Context, d perf.ClockDomainID) (perf.ClockDomainSample, error) {
	if !c.present.Has(d) {
		return perf.ClockDomainSample{}, hal.ErrNoDomain
	}
	p, err := c.dev.Clk.Transact(ctx, clkdev.OpRead, uint8(d), [4]uint32{})
	if err != nil {
		return perf.ClockDomainSample{}, err
	}
	return unpackSample(p[0], p[1]), nil
}

func (c *Chip) SetVoltage(ctx context.Context, rails []perf.RailTarget) error {
	for _, rt := range rails {
		page, ok := c.pages[rt.Rail]
		if !ok {
			return fmt.Errorf("%v has no regulator page: %w", rt.Rail, hal.ErrRegisterAccess)
		}
		uv := rt.VoltageUV
		if uv < rt.VminUV {
			uv = rt.VminUV
		}
		if _, err := c.dev.VRM.SetVoltage(ctx, page, uv); err != nil {
			return fmt.Errorf("%v: %v: %w", rt.Rail, err, hal.ErrRegisterAccess)
		}
		good, err := c.dev.Pins.PowerGood(rt.Rail)
		if err != nil {
			return fmt.Errorf("%v power-good: %v: %w", rt.Rail, err, hal.ErrRegisterAccess)
		}
		if !good {
			return fmt.Errorf("%v: %w", rt.Rail, ErrPowerNotGood)
		}
	}
	return nil
}

func (c *Chip) TuneMemory(ctx context.Context, t perf.MemTuning, mclkKHz uint32) error {
	_, err := c.dev.Clk.Transact(ctx, clkdev.OpMemTune, 0, [4]uint32{uint32(t.TFAW), mclkKHz})
	return err
}

func (c *Chip) RearmClockMonitors(ctx context.Context, domains perf.DomainMask) error {
	_, err := c.dev.Clk.Transact(ctx, clkdev.OpClkMon, 0, [4]uint32{uint32(domains)})
	return err
}

func (c *Chip) SetLinkSpeed(ctx context.Context, gen uint8) error {
	_, err := c.dev.Clk.Transact(ctx, clkdev.OpPCIe, gen, [4]uint32{})
	return err
}

func (c *Chip) WriteMailbox(words [hal.MailboxWords]uint32) error {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	_, err := c.dev.Clk.Transact(ctx, clkdev.OpMailbox, 0, words)
	return err
}

// Enter gates the configured low-power rail.
func (c *Chip) Enter(ctx context.Context) error {
	return c.gate(false)
}

// Leave ungates the low-power rail and waits for power-good.
func (c *Chip) Leave(ctx context.Context) error {
	if err := c.gate(true); err != nil {
		return err
	}
	if !c.rails.Has(c.gated) {
		return nil
	}
	t := time.NewTicker(time.Millisecond)
	defer t.Stop()
	for {
		good, err := c.dev.Pins.PowerGood(c.gated)
		if err != nil {
			return err
		}
		if good {
			return nil
		}
		select {
		case <-t.C:
		case <-ctx.Done():
			return fmt.Errorf("%v: %w", c.gated, ErrPowerNotGood)
		}
	}
}

func (c *Chip) gate(on bool) error {
	if !c.rails.Has(c.gated) {
		return nil
	}
	log.Infof("evalboard: %v output on=%v", c.gated, on)
	if err := c.dev.VRM.SetEnabled(c.pages[c.gated], on); err != nil {
		return err
	}
	if err := c.dev.Pins.SetEnabled(c.gated, on); err != nil && !errors.Is(err, gpio.ErrNoPin) {
		return err
	}
	return nil
}
