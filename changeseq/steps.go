package changeseq

import (
	"fmt"
	"strings"

	"github.com/nvmexp/lw-firmware-sub127/hal"
)

// StepKind is the type of one atomic hardware-programming step.
type StepKind uint8

const (
	StepPreChangeNotify StepKind = iota
	StepPrePStateNotify
	StepXbarBoostPreClocks
	StepXbarBoostVoltage
	StepXbarBoostPostClocks
	StepPreVoltageClocks
	StepVoltage
	StepPostVoltageClocks
	StepMemoryTuning
	StepClockMonitorRearm
	StepPCIeLinkSpeed
	StepPostPStateNotify
	StepPostChangeNotify

	NumStepKinds
)

var stepNames = [NumStepKinds]string{
	StepPreChangeNotify:     "pre_change_notify",
	StepPrePStateNotify:     "pre_pstate_notify",
	StepXbarBoostPreClocks:  "xbar_boost_pre_clocks",
	StepXbarBoostVoltage:    "xbar_boost_voltage",
	StepXbarBoostPostClocks: "xbar_boost_post_clocks",
	StepPreVoltageClocks:    "pre_voltage_clocks",
	StepVoltage:             "voltage",
	StepPostVoltageClocks:   "post_voltage_clocks",
	StepMemoryTuning:        "memory_tuning",
	StepClockMonitorRearm:   "clock_monitor_rearm",
	StepPCIeLinkSpeed:       "pcie_link_speed",
	StepPostPStateNotify:    "post_pstate_notify",
	StepPostChangeNotify:    "post_change_notify",
}

func (k StepKind) String() string {
	if k < NumStepKinds {
		return stepNames[k]
	}
	return fmt.Sprintf("step(%d)", uint8(k))
}

// Resource is the HAL unit a step of this kind must make resident.
func (k StepKind) Resource() hal.Resource {
	switch k {
	case StepPreChangeNotify, StepPostChangeNotify, StepPrePStateNotify, StepPostPStateNotify:
		return hal.ResPerf
	case StepXbarBoostPreClocks, StepXbarBoostPostClocks, StepPreVoltageClocks, StepPostVoltageClocks:
		return hal.ResClk
	case StepXbarBoostVoltage, StepVoltage:
		return hal.ResVolt
	case StepMemoryTuning:
		return hal.ResMemTune
	case StepClockMonitorRearm:
		return hal.ResClkMon
	case StepPCIeLinkSpeed:
		return hal.ResBif
	}
	return hal.ResNone
}

// FeatureDependent reports whether the step drives a unit that may be
// legitimately uninitialised, so hal.ErrNotReady from it is not a failure.
func (k StepKind) FeatureDependent() bool {
	switch k {
	case StepMemoryTuning, StepClockMonitorRearm, StepPCIeLinkSpeed:
		return true
	}
	return false
}

func ParseStepKind(name string) (StepKind, error) {
	for i, n := range stepNames {
		if strings.EqualFold(n, name) {
			return StepKind(i), nil
		}
	}
	return NumStepKinds, fmt.Errorf("unknown step %q", name)
}

// StepMask is a set of step kinds. As an exclusion mask it is set once at
// init and read-only afterwards.
type StepMask uint32

func StepsOf(kinds ...StepKind) StepMask {
	var m StepMask
	for _, k := range kinds {
		if k < NumStepKinds {
			m |= 1 << k
		}
	}
	return m
}

func (m StepMask) Has(k StepKind) bool {
	return k < NumStepKinds && m&(1<<k) != 0
}

// ParseStepMask builds a mask from step names.
func ParseStepMask(names []string) (StepMask, error) {
	var m StepMask
	for _, n := range names {
		k, err := ParseStepKind(n)
		if err != nil {
			return 0, err
		}
		m |= StepsOf(k)
	}
	return m, nil
}

// boostHalf places an xbar-boost step relative to the main voltage/clock
// steps.
type boostHalf uint8

const (
	notBoost boostHalf = iota
	// boostBefore entries are emitted when mclk increases.
	boostBefore
	// boostAfter entries are emitted when mclk decreases.
	boostAfter
)

// group says which pair of endpoints a table entry transitions between.
type group uint8

const (
	// groupDirect steps always go current -> target.
	groupDirect group = iota
	// groupMain steps are the main voltage/clock sequence.
	groupMain
	// groupBoost steps make up the xbar-boost bracket.
	groupBoost
)

type candidate struct {
	kind       StepKind
	compiled   bool
	pstateOnly bool
	boost      boostHalf
	group      group
}

// Feature switches for optional units. A unit that is not built for a chip
// configuration never has its step assembled.
var (
	memTuneCompiled = true
	bifCompiled     = true
	clkMonCompiled  = true
)

// stepTable is the fixed order in which steps may appear in a script. The
// boost bracket is listed twice: the copy before the main steps is used when
// mclk increases, the copy after when it decreases.
var stepTable = []candidate{
	{kind: StepPreChangeNotify, compiled: true},
	{kind: StepPrePStateNotify, compiled: true, pstateOnly: true},
	{kind: StepXbarBoostPreClocks, compiled: true, boost: boostBefore, group: groupBoost},
	{kind: StepXbarBoostVoltage, compiled: true, boost: boostBefore, group: groupBoost},
	{kind: StepXbarBoostPostClocks, compiled: true, boost: boostBefore, group: groupBoost},
	{kind: StepPreVoltageClocks, compiled: true, group: groupMain},
	{kind: StepVoltage, compiled: true, group: groupMain},
	{kind: StepPostVoltageClocks, compiled: true, group: groupMain},
	{kind: StepMemoryTuning, compiled: memTuneCompiled},
	{kind: StepXbarBoostPreClocks, compiled: true, boost: boostAfter, group: groupBoost},
	{kind: StepXbarBoostVoltage, compiled: true, boost: boostAfter, group: groupBoost},
	{kind: StepXbarBoostPostClocks, compiled: true, boost: boostAfter, group: groupBoost},
	{kind: StepClockMonitorRearm, compiled: clkMonCompiled},
	{kind: StepPCIeLinkSpeed, compiled: bifCompiled, pstateOnly: true},
	{kind: StepPostPStateNotify, compiled: true, pstateOnly: true},
	{kind: StepPostChangeNotify, compiled: true},
}

// tablePosition returns the index of the table entry a step was built from.
func tablePosition(kind StepKind, half boostHalf) int {
	for i, c := range stepTable {
		if c.kind == kind && (c.boost == notBoost || c.boost == half) {
			return i
		}
	}
	return -1
}
