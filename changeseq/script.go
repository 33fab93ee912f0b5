package changeseq

import (
	"fmt"
	"strings"
	"time"

	"github.com/nvmexp/lw-firmware-sub127/hal"
	"github.com/nvmexp/lw-firmware-sub127/perf"
)

// ClockChange moves one domain between two samples.
type ClockChange struct {
	Domain perf.ClockDomainID
	From   perf.ClockDomainSample
	To     perf.ClockDomainSample
}

// MemTuneParams is the payload of a memory-tuning step.
type MemTuneParams struct {
	Tuning  perf.MemTuning
	MclkKHz uint32
}

// Step is one atomic hardware-programming action. Only the fields that
// belong to Kind are set.
type Step struct {
	Kind StepKind

	// Notify steps.
	Phase  hal.NotifyPhase
	PState uint8
	// Clock steps, in programming order.
	Clocks []ClockChange
	// Voltage steps.
	Rails []perf.RailTarget
	// Memory tuning.
	Mem MemTuneParams
	// Clock monitor rearm.
	Monitors perf.DomainMask
	// PCIe link speed.
	PCIeGen uint8

	// Elapsed is filled in by the executor.
	Elapsed time.Duration

	half boostHalf
}

// targetHint returns the domain and frequency a diagnostic record names
// for this step.
func (s *Step) targetHint() (perf.ClockDomainID, uint32) {
	if len(s.Clocks) > 0 {
		c := s.Clocks[len(s.Clocks)-1]
		return c.Domain, c.To.FreqKHz
	}
	if s.Kind == StepMemoryTuning {
		return perf.ClkMclk, s.Mem.MclkKHz
	}
	return perf.ClkNone, 0
}

func (s *Step) String() string {
	switch {
	case len(s.Clocks) > 0:
		parts := make([]string, len(s.Clocks))
		for i, c := range s.Clocks {
			parts[i] = fmt.Sprintf("%v %d->%d", c.Domain, c.From.FreqKHz, c.To.FreqKHz)
		}
		return fmt.Sprintf("%v[%s]", s.Kind, strings.Join(parts, " "))
	case len(s.Rails) > 0:
		return fmt.Sprintf("%v%v", s.Kind, s.Rails)
	}
	return s.Kind.String()
}

// BoostDirection records on which side of the main steps the xbar-boost
// bracket was placed.
type BoostDirection uint8

const (
	NoBoost BoostDirection = iota
	// BoostMclkUp places the bracket before the main steps.
	BoostMclkUp
	// BoostMclkDown places the bracket after the main steps.
	BoostMclkDown
)

func (d BoostDirection) String() string {
	switch d {
	case BoostMclkUp:
		return "mclk-up"
	case BoostMclkDown:
		return "mclk-down"
	}
	return "none"
}

// Script is the ordered list of steps for one request. A built script is
// never modified except for its Cursor and the per-step Elapsed times.
type Script struct {
	Steps []Step
	// Cursor is the index of the next step to execute.
	Cursor int

	Active       perf.DomainMask
	PStateChange bool
	Boost        BoostDirection
	// MinXbarKHz is the crossbar floor for the target mclk, when a boost
	// was considered.
	MinXbarKHz uint32

	// Target is the fully resolved target point.
	Target *perf.ChangeDescriptor
}

// Kinds lists the step kinds in script order.
func (s *Script) Kinds() []StepKind {
	out := make([]StepKind, len(s.Steps))
	for i := range s.Steps {
		out[i] = s.Steps[i].Kind
	}
	return out
}

// Done reports whether every step has run.
func (s *Script) Done() bool {
	return s.Cursor >= len(s.Steps)
}

func (s *Script) String() string {
	parts := make([]string, len(s.Steps))
	for i := range s.Steps {
		parts[i] = s.Steps[i].String()
	}
	return fmt.Sprintf("script(pstate=%v boost=%v) %s", s.PStateChange, s.Boost, strings.Join(parts, ", "))
}
