package perf

import (
	"fmt"
	"strings"
)

// RailID identifies a voltage rail.
type RailID uint8

const (
	RailLogic RailID = iota
	RailSRAM
	RailMSVDD

	NumVoltRails
)

var railNames = [NumVoltRails]string{
	RailLogic: "logic",
	RailSRAM:  "sram",
	RailMSVDD: "msvdd",
}

func (r RailID) Valid() bool {
	return r < NumVoltRails
}

func (r RailID) String() string {
	if r.Valid() {
		return railNames[r]
	}
	return fmt.Sprintf("rail(%d)", uint8(r))
}

func ParseRail(name string) (RailID, error) {
	for i, n := range railNames {
		if strings.EqualFold(n, name) {
			return RailID(i), nil
		}
	}
	return NumVoltRails, fmt.Errorf("unknown voltage rail %q", name)
}

// RailMask is a bit set of voltage rails.
type RailMask uint8

func RailsOf(ids ...RailID) RailMask {
	var m RailMask
	for _, id := range ids {
		if id.Valid() {
			m |= 1 << id
		}
	}
	return m
}

func (m RailMask) Has(r RailID) bool {
	return r.Valid() && m&(1<<r) != 0
}

// RailTarget is the requested voltage for one rail.
type RailTarget struct {
	Rail      RailID `json:"rail"`
	VoltageUV uint32 `json:"voltage_uv"`
	// VminUV is the noise-unaware minimum the rail must never drop under.
	VminUV uint32 `json:"vmin_uv"`
}
