package perf

import "fmt"

// VFGenerationBypass is accepted by the builder regardless of the live VF
// table generation. Tools and bring-up scripts use it to force a point.
const VFGenerationBypass uint32 = 0xffffffff

// Descriptor flags.
const (
	// FlagForcePState treats the request as a P-state change even when the
	// P-state index is unchanged (display-driven clock sets).
	FlagForcePState uint32 = 1 << iota
	// FlagSkipVoltage leaves the rails untouched.
	FlagSkipVoltage
)

// ClockTarget is one domain entry of a change descriptor.
type ClockTarget struct {
	Domain ClockDomainID     `json:"domain"`
	Sample ClockDomainSample `json:"sample"`
}

// MemTuning carries memory timing parameters that follow mclk.
type MemTuning struct {
	TFAW uint8 `json:"tfaw"`
}

// ChangeDescriptor is a complete performance point. Two of them, current and
// target, describe a change request.
type ChangeDescriptor struct {
	PState       uint8         `json:"pstate"`
	Clocks       []ClockTarget `json:"clocks"`
	Rails        []RailTarget  `json:"rails"`
	Mem          MemTuning     `json:"mem"`
	PCIeGen      uint8         `json:"pcie_gen"`
	VFGeneration uint32        `json:"vf_generation"`
	// ForceInclude names domains that are normally left out of generic
	// sequencing but must be programmed for this request.
	ForceInclude DomainMask `json:"force_include"`
	Flags        uint32     `json:"flags"`
}

// Clone returns a deep copy.
func (c *ChangeDescriptor) Clone() *ChangeDescriptor {
	if c == nil {
		return nil
	}
	out := *c
	out.Clocks = append([]ClockTarget(nil), c.Clocks...)
	out.Rails = append([]RailTarget(nil), c.Rails...)
	return &out
}

func (c *ChangeDescriptor) Clock(d ClockDomainID) (ClockDomainSample, bool) {
	for _, ct := range c.Clocks {
		if ct.Domain == d {
			return ct.Sample, true
		}
	}
	return ClockDomainSample{}, false
}

// SetClock replaces the entry for d, appending one if absent.
func (c *ChangeDescriptor) SetClock(d ClockDomainID, s ClockDomainSample) {
	for i := range c.Clocks {
		if c.Clocks[i].Domain == d {
			c.Clocks[i].Sample = s
			return
		}
	}
	c.Clocks = append(c.Clocks, ClockTarget{Domain: d, Sample: s})
}

func (c *ChangeDescriptor) Rail(r RailID) (RailTarget, bool) {
	for _, rt := range c.Rails {
		if rt.Rail == r {
			return rt, true
		}
	}
	return RailTarget{}, false
}

func (c *ChangeDescriptor) SetRail(rt RailTarget) {
	for i := range c.Rails {
		if c.Rails[i].Rail == rt.Rail {
			c.Rails[i] = rt
			return
		}
	}
	c.Rails = append(c.Rails, rt)
}

// Domains returns the set of domains the descriptor names.
func (c *ChangeDescriptor) Domains() DomainMask {
	var m DomainMask
	for _, ct := range c.Clocks {
		m = m.With(ct.Domain)
	}
	return m
}

func (c *ChangeDescriptor) HasFlag(f uint32) bool {
	return c.Flags&f != 0
}

func (c *ChangeDescriptor) String() string {
	if c == nil {
		return "<nil>"
	}
	s := fmt.Sprintf("P%d gen=%d", c.PState, c.VFGeneration)
	for _, ct := range c.Clocks {
		s += fmt.Sprintf(" %v=%dkHz", ct.Domain, ct.Sample.FreqKHz)
	}
	for _, rt := range c.Rails {
		s += fmt.Sprintf(" %v=%duV", rt.Rail, rt.VoltageUV)
	}
	return s
}
