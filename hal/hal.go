// Package hal defines the capability set a chip family implements so the
// change sequencer can program it. All register packing lives behind these
// methods; callers only ever see kHz, microvolts and semantic enums.
package hal

import (
	"context"
	"errors"

	"github.com/nvmexp/lw-firmware-sub127/perf"
)

var (
	// ErrTimeout is returned when the hardware did not acknowledge within the
	// step's polling budget.
	ErrTimeout = errors.New("hardware acknowledgment timed out")
	// ErrRegisterAccess wraps a failed bus transaction.
	ErrRegisterAccess = errors.New("register access failed")
	// ErrNotReady means a feature-dependent unit has not been initialised yet.
	// The sequencer treats it as a benign reason to stop the script early.
	ErrNotReady = errors.New("unit not initialised")
	// ErrNoDomain is returned when asked to program a domain the chip lacks.
	ErrNoDomain = errors.New("clock domain not present")
)

// Resource names a unit that must be made resident before a step touches it.
type Resource uint8

const (
	ResNone Resource = iota
	ResPerf
	ResClk
	ResVolt
	ResMemTune
	ResBif
	ResClkMon
)

func (r Resource) String() string {
	switch r {
	case ResPerf:
		return "perf"
	case ResClk:
		return "clk"
	case ResVolt:
		return "volt"
	case ResMemTune:
		return "memtune"
	case ResBif:
		return "bif"
	case ResClkMon:
		return "clkmon"
	default:
		return "none"
	}
}

// Release undoes an Acquire. It must be safe to call exactly once.
type Release func()

// NotifyPhase tells observers where in a change they are.
type NotifyPhase uint8

const (
	NotifyPreChange NotifyPhase = iota
	NotifyPrePState
	NotifyPostPState
	NotifyPostChange
)

func (p NotifyPhase) String() string {
	switch p {
	case NotifyPreChange:
		return "pre-change"
	case NotifyPrePState:
		return "pre-pstate"
	case NotifyPostPState:
		return "post-pstate"
	case NotifyPostChange:
		return "post-change"
	}
	return "unknown"
}

// MailboxWords is the size of the host-visible diagnostic mailbox.
const MailboxWords = 4

// Calibration answers the questions the xbar-boost planner asks. The answers
// depend on the live VF tables.
type Calibration interface {
	// MinCrossbarFreqForMemoryFreq returns the lowest xbar frequency that can
	// carry a memory clock switch to mclkMHz.
	MinCrossbarFreqForMemoryFreq(mclkMHz uint32) uint32
	// VoltageFloor returns the minimum voltage rail must hold for domain d to
	// run at freqKHz, or 0 when the rail does not constrain d.
	VoltageFloor(rail perf.RailID, d perf.ClockDomainID, freqKHz uint32) uint32
}

// Chip is implemented once per chip family.
type Chip interface {
	Calibration

	Family() string
	// Present is the set of domains that exist on this chip.
	Present() perf.DomainMask
	// Programmable is the subset the generic sequence may program.
	Programmable() perf.DomainMask
	Rails() perf.RailMask
	// VFGeneration is bumped every time the VF tables are recomputed.
	VFGeneration() uint32

	// Acquire makes res resident for the duration of one step.
	Acquire(ctx context.Context, res Resource) (Release, error)

	Notify(ctx context.Context, phase NotifyPhase, pstate uint8) error
	// ProgramClock moves d from one sample to another and returns what the
	// hardware actually settled on.
	ProgramClock(ctx context.Context, d perf.ClockDomainID, from, to perf.ClockDomainSample) (perf.ClockDomainSample, error)
	SetVoltage(ctx context.Context, rails []perf.RailTarget) error
	TuneMemory(ctx context.Context, t perf.MemTuning, mclkKHz uint32) error
	RearmClockMonitors(ctx context.Context, domains perf.DomainMask) error
	SetLinkSpeed(ctx context.Context, gen uint8) error

	// WriteMailbox posts a diagnostic record to the host. Write-only.
	WriteMailbox(words [MailboxWords]uint32) error
}
