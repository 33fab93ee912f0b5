package changeseq

import (
	"github.com/hashicorp/golang-lru/simplelru"

	"github.com/nvmexp/lw-firmware-sub127/hal"
	"github.com/nvmexp/lw-firmware-sub127/log"
	"github.com/nvmexp/lw-firmware-sub127/perf"
)

const defaultCalibrationCacheSize = 32

type calKey struct {
	gen     uint32
	mclkMHz uint32
}

// xbarPlanner decides whether a memory clock switch needs the crossbar
// raised around it. Calibration answers are cached per VF generation; the
// cache is only touched from the build path, which runs on the daemon.
type xbarPlanner struct {
	cal   hal.Calibration
	rails perf.RailMask
	cache *simplelru.LRU
}

func newXbarPlanner(cal hal.Calibration, rails perf.RailMask, size int) (*xbarPlanner, error) {
	if size <= 0 {
		size = defaultCalibrationCacheSize
	}
	cache, err := simplelru.NewLRU(size, nil)
	if err != nil {
		return nil, err
	}
	return &xbarPlanner{cal: cal, rails: rails, cache: cache}, nil
}

// minXbarMHz returns the lowest crossbar frequency that can carry an mclk
// switch to mclkMHz under VF generation gen.
func (p *xbarPlanner) minXbarMHz(gen, mclkMHz uint32) uint32 {
	k := calKey{gen: gen, mclkMHz: mclkMHz}
	if v, ok := p.cache.Get(k); ok {
		return v.(uint32)
	}
	x := p.cal.MinCrossbarFreqForMemoryFreq(mclkMHz)
	p.cache.Add(k, x)
	return x
}

// boostPlan is the planner's answer for one request.
type boostPlan struct {
	dir          BoostDirection
	minXbarKHz   uint32
	intermediate *perf.ChangeDescriptor
}

// plan inspects a resolved (current, target) pair. When a boost is needed,
// rails the boost raises but target leaves out are added to target.
func (p *xbarPlanner) plan(current, target *perf.ChangeDescriptor, active perf.DomainMask, gen uint32) boostPlan {
	if !active.Has(perf.ClkMclk) || !active.Has(perf.ClkXbar) {
		return boostPlan{}
	}
	curMclk, okMclk := current.Clock(perf.ClkMclk)
	curXbar, okXbar := current.Clock(perf.ClkXbar)
	tgtMclk, _ := target.Clock(perf.ClkMclk)
	// Nothing to bracket when the starting point was never programmed.
	if !okMclk || !okXbar || curMclk.FreqKHz == tgtMclk.FreqKHz {
		return boostPlan{}
	}

	minKHz := p.minXbarMHz(gen, tgtMclk.FreqMHz()) * 1000
	if curXbar.FreqKHz >= minKHz {
		log.Debugf("xbar boost not needed: xbar %dkHz >= %dkHz for mclk %dkHz",
			curXbar.FreqKHz, minKHz, tgtMclk.FreqKHz)
		return boostPlan{minXbarKHz: minKHz}
	}

	bp := boostPlan{minXbarKHz: minKHz}
	if tgtMclk.FreqKHz > curMclk.FreqKHz {
		bp.dir = BoostMclkUp
		bp.intermediate = target.Clone()
	} else {
		bp.dir = BoostMclkDown
		bp.intermediate = current.Clone()
	}

	xbar, _ := bp.intermediate.Clock(perf.ClkXbar)
	if xbar.FreqKHz < minKHz {
		xbar.FreqKHz = minKHz
		bp.intermediate.SetClock(perf.ClkXbar, xbar)
	}

	for r := perf.RailID(0); r < perf.NumVoltRails; r++ {
		if !p.rails.Has(r) {
			continue
		}
		floor := p.cal.VoltageFloor(r, perf.ClkXbar, minKHz)
		if floor == 0 {
			continue
		}
		rt, ok := bp.intermediate.Rail(r)
		if !ok {
			rt = perf.RailTarget{Rail: r, VminUV: floor}
		}
		if rt.VoltageUV < floor {
			rt.VoltageUV = floor
			bp.intermediate.SetRail(rt)
		}
		// A rail neither end names settles at the floor of the target
		// crossbar once the bracket closes, not at the boost floor.
		if _, ok := target.Rail(r); !ok {
			tgtXbar, _ := target.Clock(perf.ClkXbar)
			settle := p.cal.VoltageFloor(r, perf.ClkXbar, tgtXbar.FreqKHz)
			target.SetRail(perf.RailTarget{Rail: r, VoltageUV: settle, VminUV: settle})
		}
	}
	log.Debugf("xbar boost %v: xbar %dkHz -> %dkHz around mclk %dkHz -> %dkHz",
		bp.dir, curXbar.FreqKHz, minKHz, curMclk.FreqKHz, tgtMclk.FreqKHz)
	return bp
}
