// Package perf holds the performance-point data model shared by the clock
// domain store, the change sequencer and the HAL implementations.
package perf

import (
	"fmt"
	"strings"
)

// ClockDomainID identifies an addressable clock domain. Values are stable and
// never reused for a different physical clock.
type ClockDomainID uint8

const (
	ClkGPC ClockDomainID = iota
	ClkXbar
	ClkMclk
	ClkSys
	ClkHost
	ClkDisp

	NumClockDomains
)

// ClkNone marks a diagnostic record that is not about any single domain.
const ClkNone ClockDomainID = 0xff

var domainNames = [NumClockDomains]string{
	ClkGPC:  "gpcclk",
	ClkXbar: "xbarclk",
	ClkMclk: "mclk",
	ClkSys:  "sysclk",
	ClkHost: "hostclk",
	ClkDisp: "dispclk",
}

func (d ClockDomainID) Valid() bool {
	return d < NumClockDomains
}

func (d ClockDomainID) String() string {
	if d.Valid() {
		return domainNames[d]
	}
	if d == ClkNone {
		return "none"
	}
	return fmt.Sprintf("clk(%d)", uint8(d))
}

// ParseClockDomain accepts the names printed by String.
func ParseClockDomain(name string) (ClockDomainID, error) {
	for i, n := range domainNames {
		if strings.EqualFold(n, name) {
			return ClockDomainID(i), nil
		}
	}
	return ClkNone, fmt.Errorf("unknown clock domain %q", name)
}

// DomainMask is a bit set of clock domains, bit N = ClockDomainID N.
type DomainMask uint32

func MaskOf(ids ...ClockDomainID) DomainMask {
	var m DomainMask
	for _, id := range ids {
		m = m.With(id)
	}
	return m
}

// AllDomains has every defined domain set.
const AllDomains DomainMask = 1<<NumClockDomains - 1

func (m DomainMask) Has(d ClockDomainID) bool {
	return d.Valid() && m&(1<<d) != 0
}

func (m DomainMask) With(d ClockDomainID) DomainMask {
	if !d.Valid() {
		return m
	}
	return m | 1<<d
}

func (m DomainMask) Without(d ClockDomainID) DomainMask {
	if !d.Valid() {
		return m
	}
	return m &^ (1 << d)
}

// Domains lists the members in ascending ID order.
func (m DomainMask) Domains() []ClockDomainID {
	var out []ClockDomainID
	for d := ClockDomainID(0); d < NumClockDomains; d++ {
		if m.Has(d) {
			out = append(out, d)
		}
	}
	return out
}

func (m DomainMask) String() string {
	names := make([]string, 0, NumClockDomains)
	for _, d := range m.Domains() {
		names = append(names, d.String())
	}
	return "{" + strings.Join(names, ",") + "}"
}

// Regime describes how a domain's clock tracks voltage.
type Regime uint8

const (
	RegimeInvalid Regime = iota
	// RegimeVR is voltage-regulated: frequency follows the rail.
	RegimeVR
	// RegimeFR is frequency-regulated: a loop holds the requested frequency.
	RegimeFR
	// RegimeFFR is forced fixed ratio.
	RegimeFFR
	// RegimeFFRBelowDVCOMin is forced fixed ratio with the target below the
	// minimum DVCO frequency for the current voltage.
	RegimeFFRBelowDVCOMin
)

func (r Regime) String() string {
	switch r {
	case RegimeVR:
		return "VR"
	case RegimeFR:
		return "FR"
	case RegimeFFR:
		return "FFR"
	case RegimeFFRBelowDVCOMin:
		return "FFR_BELOW_DVCO_MIN"
	default:
		return "INVALID"
	}
}

// Source is the clock generator feeding a domain.
type Source uint8

const (
	SourceInvalid Source = iota
	SourceNAFLL
	SourcePLL
	SourceBypass
	SourceOneSrc
)

func (s Source) String() string {
	switch s {
	case SourceNAFLL:
		return "NAFLL"
	case SourcePLL:
		return "PLL"
	case SourceBypass:
		return "BYPASS"
	case SourceOneSrc:
		return "ONESRC"
	default:
		return "INVALID"
	}
}

// ClockDomainSample is one domain's programmed state at one instant. It is a
// value type: replace it, never mutate a published copy.
type ClockDomainSample struct {
	FreqKHz    uint32 `json:"freq_khz"`
	Regime     Regime `json:"regime"`
	Source     Source `json:"source"`
	DVCOMinMHz uint16 `json:"dvco_min_mhz"`
}

func (s ClockDomainSample) FreqMHz() uint32 {
	return s.FreqKHz / 1000
}

func (s ClockDomainSample) String() string {
	return fmt.Sprintf("%dkHz/%v/%v", s.FreqKHz, s.Regime, s.Source)
}
