// Package sim is an in-memory chip family. It keeps the programmed state,
// records every HAL call in order and can inject failures, which makes it the
// HAL used by tests and by perfseqd when no board is attached.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nvmexp/lw-firmware-sub127/hal"
	"github.com/nvmexp/lw-firmware-sub127/log"
	"github.com/nvmexp/lw-firmware-sub127/perf"
)

// Op is one recorded HAL call.
type Op struct {
	Call   string
	Domain perf.ClockDomainID
	From   uint32
	To     uint32
	Phase  hal.NotifyPhase
	Rails  []perf.RailTarget
	Res    hal.Resource
}

func (o Op) String() string {
	switch o.Call {
	case "clock":
		return fmt.Sprintf("clock %v %d->%d", o.Domain, o.From, o.To)
	case "notify":
		return fmt.Sprintf("notify %v", o.Phase)
	case "volt":
		return fmt.Sprintf("volt %v", o.Rails)
	}
	return o.Call
}

// Config describes the simulated chip.
type Config struct {
	Family       string
	Present      perf.DomainMask
	Programmable perf.DomainMask
	Rails        perf.RailMask
	// XbarForMclk maps an mclk frequency in MHz to the minimum xbar MHz. A
	// missing key falls back to mclk/4.
	XbarForMclk map[uint32]uint32
	// LogicUVPerMHz is the slope of the logic rail floor, applied to every
	// domain.
	LogicUVPerMHz uint32
	LogicBaseUV   uint32
	// AckDelay is how long each programming call waits for its simulated
	// acknowledgment.
	AckDelay time.Duration
}

// DefaultConfig is a small four-domain chip with the usual exclusions.
func DefaultConfig() Config {
	return Config{
		Family:        "sim",
		Present:       perf.MaskOf(perf.ClkGPC, perf.ClkXbar, perf.ClkMclk, perf.ClkSys, perf.ClkDisp),
		Programmable:  perf.MaskOf(perf.ClkGPC, perf.ClkXbar, perf.ClkMclk, perf.ClkSys),
		Rails:         perf.RailsOf(perf.RailLogic, perf.RailSRAM),
		LogicUVPerMHz: 250,
		LogicBaseUV:   500000,
	}
}

type fault struct {
	match func(Op) bool
	err   error
}

// Chip implements hal.Chip in memory.
type Chip struct {
	cfg Config

	mu         sync.Mutex
	gen        uint32
	ops        []Op
	clocks     map[perf.ClockDomainID]perf.ClockDomainSample
	rails      map[perf.RailID]uint32
	tfaw       uint8
	pcieGen    uint8
	resident   map[hal.Resource]int
	mailbox    [hal.MailboxWords]uint32
	mailboxSet bool
	faults     []fault
	calQueries int
}

var _ hal.Chip = (*Chip)(nil)

func New(cfg Config) *Chip {
	if cfg.Family == "" {
		cfg.Family = "sim"
	}
	return &Chip{
		cfg:      cfg,
		gen:      1,
		clocks:   make(map[perf.ClockDomainID]perf.ClockDomainSample),
		rails:    make(map[perf.RailID]uint32),
		resident: make(map[hal.Resource]int),
	}
}

func (c *Chip) Family() string                { return c.cfg.Family }
func (c *Chip) Present() perf.DomainMask      { return c.cfg.Present }
func (c *Chip) Programmable() perf.DomainMask { return c.cfg.Programmable }
func (c *Chip) Rails() perf.RailMask          { return c.cfg.Rails }

func (c *Chip) VFGeneration() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// BumpVFGeneration simulates a VF table recalculation.
func (c *Chip) BumpVFGeneration() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	return c.gen
}

func (c *Chip) MinCrossbarFreqForMemoryFreq(mclkMHz uint32) uint32 {
	c.mu.Lock()
	c.calQueries++
	c.mu.Unlock()
	if x, ok := c.cfg.XbarForMclk[mclkMHz]; ok {
		return x
	}
	return mclkMHz / 4
}

// CalibrationQueries counts MinCrossbarFreqForMemoryFreq calls.
func (c *Chip) CalibrationQueries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calQueries
}

func (c *Chip) VoltageFloor(rail perf.RailID, d perf.ClockDomainID, freqKHz uint32) uint32 {
	if rail != perf.RailLogic || c.cfg.LogicUVPerMHz == 0 {
		return 0
	}
	return c.cfg.LogicBaseUV + freqKHz/1000*c.cfg.LogicUVPerMHz
}

// FailOn makes the first call matching match return err. The fault stays
// armed until it fires.
func (c *Chip) FailOn(match func(Op) bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults = append(c.faults, fault{match: match, err: err})
}

// Ops returns a copy of the call log.
func (c *Chip) Ops() []Op {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Op(nil), c.ops...)
}

func (c *Chip) ResetOps() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = nil
}

// Clock returns the simulated hardware state of d.
func (c *Chip) Clock(d perf.ClockDomainID) (perf.ClockDomainSample, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.clocks[d]
	return s, ok
}

func (c *Chip) Voltage(r perf.RailID) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rails[r]
}

// Resident reports how many acquisitions of res are outstanding.
func (c *Chip) Resident(res hal.Resource) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resident[res]
}

// Mailbox returns the last diagnostic record, if any.
func (c *Chip) Mailbox() ([hal.MailboxWords]uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mailbox, c.mailboxSet
}

// record appends op and returns an injected error, if one matches.
func (c *Chip) record(op Op) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = append(c.ops, op)
	for i, f := range c.faults {
		if f.match(op) {
			c.faults = append(c.faults[:i], c.faults[i+1:]...)
			return f.err
		}
	}
	return nil
}

func (c *Chip) waitAck(ctx context.Context) error {
	if c.cfg.AckDelay == 0 {
		return nil
	}
	t := time.NewTimer(c.cfg.AckDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return hal.ErrTimeout
	}
}

func (c *Chip) Acquire(ctx context.Context, res hal.Resource) (hal.Release, error) {
	if err := c.record(Op{Call: "acquire", Res: res}); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.resident[res]++
	c.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.resident[res]--
			c.mu.Unlock()
		})
	}, nil
}

func (c *Chip) Notify(ctx context.Context, phase hal.NotifyPhase, pstate uint8) error {
	return c.record(Op{Call: "notify", Phase: phase, To: uint32(pstate)})
}

func (c *Chip) ProgramClock(ctx context.Context, d perf.ClockDomainID, from, to perf.ClockDomainSample) (perf.ClockDomainSample, error) {
	if !c.cfg.Present.Has(d) {
		return perf.ClockDomainSample{}, hal.ErrNoDomain
	}
	if err := c.record(Op{Call: "clock", Domain: d, From: from.FreqKHz, To: to.FreqKHz}); err != nil {
		return perf.ClockDomainSample{}, err
	}
	if err := c.waitAck(ctx); err != nil {
		return perf.ClockDomainSample{}, err
	}
	actual := to
	if actual.Source == perf.SourceInvalid {
		actual.Source = perf.SourceNAFLL
	}
	c.mu.Lock()
	c.clocks[d] = actual
	c.mu.Unlock()
	log.Debugf("sim: %v -> %v", d, actual)
	return actual, nil
}

func (c *Chip) SetVoltage(ctx context.Context, rails []perf.RailTarget) error {
	if err := c.record(Op{Call: "volt", Rails: append([]perf.RailTarget(nil), rails...)}); err != nil {
		return err
	}
	if err := c.waitAck(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range rails {
		c.rails[r.Rail] = r.VoltageUV
	}
	return nil
}

func (c *Chip) TuneMemory(ctx context.Context, t perf.MemTuning, mclkKHz uint32) error {
	if err := c.record(Op{Call: "memtune", To: uint32(t.TFAW), From: mclkKHz}); err != nil {
		return err
	}
	c.mu.Lock()
	c.tfaw = t.TFAW
	c.mu.Unlock()
	return nil
}

func (c *Chip) RearmClockMonitors(ctx context.Context, domains perf.DomainMask) error {
	return c.record(Op{Call: "clkmon", To: uint32(domains)})
}

func (c *Chip) SetLinkSpeed(ctx context.Context, gen uint8) error {
	if err := c.record(Op{Call: "pcie", To: uint32(gen)}); err != nil {
		return err
	}
	c.mu.Lock()
	c.pcieGen = gen
	c.mu.Unlock()
	return nil
}

func (c *Chip) WriteMailbox(words [hal.MailboxWords]uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mailbox = words
	c.mailboxSet = true
	return nil
}

// ReadClock reports the simulated hardware state of d; a domain never
// programmed reads as the zero sample.
func (c *Chip) ReadClock(ctx context.Context, d perf.ClockDomainID) (perf.ClockDomainSample, error) {
	if !c.cfg.Present.Has(d) {
		return perf.ClockDomainSample{}, hal.ErrNoDomain
	}
	s, _ := c.Clock(d)
	return s, nil
}

// Enter and Leave let the simulator stand in for low-power hardware.
func (c *Chip) Enter(ctx context.Context) error {
	return c.record(Op{Call: "lowpower-enter"})
}

func (c *Chip) Leave(ctx context.Context) error {
	return c.record(Op{Call: "lowpower-leave"})
}
