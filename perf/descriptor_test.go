package perf

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCloneIsDeep(t *testing.T) {
	orig := &ChangeDescriptor{
		PState: 2,
		Clocks: []ClockTarget{{Domain: ClkMclk, Sample: ClockDomainSample{FreqKHz: 4000000}}},
		Rails:  []RailTarget{{Rail: RailLogic, VoltageUV: 800000}},
	}
	c := orig.Clone()
	c.SetClock(ClkMclk, ClockDomainSample{FreqKHz: 6000000})
	c.SetRail(RailTarget{Rail: RailLogic, VoltageUV: 900000})

	if got, _ := orig.Clock(ClkMclk); got.FreqKHz != 4000000 {
		t.Errorf("original mclk changed to %d", got.FreqKHz)
	}
	if got, _ := orig.Rail(RailLogic); got.VoltageUV != 800000 {
		t.Errorf("original logic rail changed to %d", got.VoltageUV)
	}
}

func TestSetClockAppends(t *testing.T) {
	var d ChangeDescriptor
	d.SetClock(ClkXbar, ClockDomainSample{FreqKHz: 1})
	d.SetClock(ClkGPC, ClockDomainSample{FreqKHz: 2})
	d.SetClock(ClkXbar, ClockDomainSample{FreqKHz: 3})
	want := []ClockTarget{
		{Domain: ClkXbar, Sample: ClockDomainSample{FreqKHz: 3}},
		{Domain: ClkGPC, Sample: ClockDomainSample{FreqKHz: 2}},
	}
	if diff := cmp.Diff(want, d.Clocks); diff != "" {
		t.Errorf("Clocks mismatch (-want +got):\n%s", diff)
	}
	if got, want := d.Domains(), MaskOf(ClkGPC, ClkXbar); got != want {
		t.Errorf("Domains() = %v, want %v", got, want)
	}
}

func TestDomainMask(t *testing.T) {
	tests := []struct {
		description string
		mask        DomainMask
		want        []ClockDomainID
	}{{
		description: "empty",
		mask:        0,
		want:        nil,
	}, {
		description: "out of range ids are ignored",
		mask:        MaskOf(ClkMclk, ClockDomainID(40), ClkGPC),
		want:        []ClockDomainID{ClkGPC, ClkMclk},
	}, {
		description: "without",
		mask:        AllDomains.Without(ClkDisp).Without(ClkHost),
		want:        []ClockDomainID{ClkGPC, ClkXbar, ClkMclk, ClkSys},
	}}
	for _, test := range tests {
		t.Run(test.description, func(t *testing.T) {
			if diff := cmp.Diff(test.want, test.mask.Domains()); diff != "" {
				t.Errorf("Domains() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseNames(t *testing.T) {
	for d := ClockDomainID(0); d < NumClockDomains; d++ {
		got, err := ParseClockDomain(d.String())
		if err != nil || got != d {
			t.Errorf("ParseClockDomain(%q) = %v, %v", d.String(), got, err)
		}
	}
	if _, err := ParseClockDomain("nvdclk"); err == nil {
		t.Error("ParseClockDomain(nvdclk) succeeded, want error")
	}
	if r, err := ParseRail("MSVDD"); err != nil || r != RailMSVDD {
		t.Errorf("ParseRail(MSVDD) = %v, %v", r, err)
	}
}
