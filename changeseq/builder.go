package changeseq

import (
	"google.golang.org/grpc/status"

	"github.com/nvmexp/lw-firmware-sub127/clkstore"
	"github.com/nvmexp/lw-firmware-sub127/hal"
	"github.com/nvmexp/lw-firmware-sub127/log"
	"github.com/nvmexp/lw-firmware-sub127/perf"
)

// Builder turns a (current, target) pair into a Script. It reads the clock
// store and the HAL's capability masks but never programs hardware.
type Builder struct {
	chip     hal.Chip
	store    *clkstore.Store
	excluded perf.DomainMask
	planner  *xbarPlanner
}

func NewBuilder(chip hal.Chip, store *clkstore.Store, excludedDomains perf.DomainMask, cacheSize int) (*Builder, error) {
	p, err := newXbarPlanner(chip, chip.Rails(), cacheSize)
	if err != nil {
		return nil, err
	}
	return &Builder{chip: chip, store: store, excluded: excludedDomains, planner: p}, nil
}

// buildMode selects the candidate filtering for one build.
type buildMode struct {
	// reduced drops P-state-only steps and ignores FlagForcePState.
	reduced bool
	// reapply treats every active domain and rail as changed.
	reapply bool
}

// Build validates the request and assembles its script. Errors are status
// errors with codes InvalidArgument, Unimplemented or Aborted; a failed
// build has touched nothing.
func (b *Builder) Build(current, target *perf.ChangeDescriptor, exclusions StepMask) (*Script, error) {
	return b.build(current, target, exclusions, buildMode{})
}

func (b *Builder) build(current, target *perf.ChangeDescriptor, exclusions StepMask, mode buildMode) (*Script, error) {
	if current == nil || target == nil {
		return nil, invalidArgument("change request needs both a current and a target descriptor")
	}
	if err := validateIDs(current); err != nil {
		return nil, err
	}
	if err := validateIDs(target); err != nil {
		return nil, err
	}
	if err := b.validatePresence(target); err != nil {
		return nil, err
	}
	gen := b.chip.VFGeneration()
	if target.VFGeneration != gen && target.VFGeneration != perf.VFGenerationBypass {
		return nil, status.Errorf(CodeStale, "target VF generation %d, live generation %d", target.VFGeneration, gen)
	}

	active := b.activeDomains(target)
	cur := b.resolveCurrent(current, active)
	tgt := resolveTarget(target, cur, active)

	pstate := !mode.reduced && (current.PState != target.PState || target.HasFlag(perf.FlagForcePState))
	bp := b.planner.plan(cur, tgt, active, gen)

	s := &Script{
		Active:       active,
		PStateChange: pstate,
		Boost:        bp.dir,
		MinXbarKHz:   bp.minXbarKHz,
		Target:       tgt,
	}
	a := assembler{cur: cur, tgt: tgt, active: active, rails: b.chip.Rails(), reapply: mode.reapply}
	for _, c := range stepTable {
		if !c.compiled || exclusions.Has(c.kind) {
			continue
		}
		if c.pstateOnly && !pstate {
			continue
		}
		if !boostSideMatches(c.boost, bp.dir) {
			continue
		}
		from, to := endpoints(c.group, cur, tgt, bp)
		if step, ok := a.assemble(c.kind, from, to); ok {
			step.half = c.boost
			s.Steps = append(s.Steps, step)
		}
	}
	log.Debugf("built %v", s)
	return s, nil
}

func validateIDs(d *perf.ChangeDescriptor) error {
	for _, ct := range d.Clocks {
		if !ct.Domain.Valid() {
			return invalidArgument("unknown clock domain %d", uint8(ct.Domain))
		}
	}
	if d.ForceInclude&^perf.AllDomains != 0 {
		return invalidArgument("force-include mask %#x names unknown domains", uint32(d.ForceInclude))
	}
	for _, rt := range d.Rails {
		if !rt.Rail.Valid() {
			return invalidArgument("unknown voltage rail %d", uint8(rt.Rail))
		}
	}
	return nil
}

func (b *Builder) validatePresence(d *perf.ChangeDescriptor) error {
	present := b.chip.Present()
	for _, ct := range d.Clocks {
		if !present.Has(ct.Domain) {
			return notSupported("%v is not present on %s", ct.Domain, b.chip.Family())
		}
	}
	if missing := d.ForceInclude &^ present; missing != 0 {
		return notSupported("force-included %v not present on %s", missing, b.chip.Family())
	}
	rails := b.chip.Rails()
	for _, rt := range d.Rails {
		if !rails.Has(rt.Rail) {
			return notSupported("rail %v is not present on %s", rt.Rail, b.chip.Family())
		}
	}
	return nil
}

// activeDomains is the set of domains the generic sequence programs for
// this request.
func (b *Builder) activeDomains(target *perf.ChangeDescriptor) perf.DomainMask {
	return (b.chip.Programmable() &^ b.excluded) | target.ForceInclude
}

// resolveCurrent fills active domains the caller left out with the
// published store samples.
func (b *Builder) resolveCurrent(current *perf.ChangeDescriptor, active perf.DomainMask) *perf.ChangeDescriptor {
	out := current.Clone()
	for _, d := range active.Domains() {
		if _, ok := out.Clock(d); ok {
			continue
		}
		if s, ok := b.store.Read(d); ok {
			out.SetClock(d, s)
		}
	}
	return out
}

// resolveTarget fills active domains and rails the target leaves out with
// the current values, meaning "unchanged".
func resolveTarget(target, cur *perf.ChangeDescriptor, active perf.DomainMask) *perf.ChangeDescriptor {
	out := target.Clone()
	for _, d := range active.Domains() {
		if _, ok := out.Clock(d); ok {
			continue
		}
		if s, ok := cur.Clock(d); ok {
			out.SetClock(d, s)
		}
	}
	for _, rt := range cur.Rails {
		if _, ok := out.Rail(rt.Rail); !ok {
			out.SetRail(rt)
		}
	}
	return out
}

func boostSideMatches(half boostHalf, dir BoostDirection) bool {
	switch half {
	case boostBefore:
		return dir == BoostMclkUp
	case boostAfter:
		return dir == BoostMclkDown
	}
	return true
}

// endpoints picks the pair of points a table entry transitions between.
func endpoints(g group, cur, tgt *perf.ChangeDescriptor, bp boostPlan) (from, to *perf.ChangeDescriptor) {
	switch {
	case g == groupMain && bp.dir == BoostMclkUp:
		return bp.intermediate, tgt
	case g == groupMain && bp.dir == BoostMclkDown:
		return cur, bp.intermediate
	case g == groupBoost && bp.dir == BoostMclkUp:
		return cur, bp.intermediate
	case g == groupBoost && bp.dir == BoostMclkDown:
		return bp.intermediate, tgt
	}
	return cur, tgt
}

// assembler carries the per-build state the "differs" predicates need.
type assembler struct {
	cur, tgt *perf.ChangeDescriptor
	active   perf.DomainMask
	rails    perf.RailMask
	reapply  bool
	// touched collects every domain a clock step programs.
	touched perf.DomainMask
}

func (a *assembler) assemble(kind StepKind, from, to *perf.ChangeDescriptor) (Step, bool) {
	step := Step{Kind: kind}
	switch kind {
	case StepPreChangeNotify:
		step.Phase, step.PState = hal.NotifyPreChange, a.tgt.PState
	case StepPrePStateNotify:
		step.Phase, step.PState = hal.NotifyPrePState, a.tgt.PState
	case StepPostPStateNotify:
		step.Phase, step.PState = hal.NotifyPostPState, a.tgt.PState
	case StepPostChangeNotify:
		step.Phase, step.PState = hal.NotifyPostChange, a.tgt.PState

	case StepPreVoltageClocks, StepXbarBoostPreClocks:
		step.Clocks = a.clockChanges(from, to, false)
		if len(step.Clocks) == 0 {
			return step, false
		}
	case StepPostVoltageClocks, StepXbarBoostPostClocks:
		step.Clocks = a.clockChanges(from, to, true)
		if len(step.Clocks) == 0 {
			return step, false
		}

	case StepVoltage:
		if a.tgt.HasFlag(perf.FlagSkipVoltage) {
			return step, false
		}
		fallthrough
	case StepXbarBoostVoltage:
		step.Rails = a.railChanges(from, to)
		if len(step.Rails) == 0 {
			return step, false
		}

	case StepMemoryTuning:
		curMclk, _ := a.cur.Clock(perf.ClkMclk)
		tgtMclk, _ := a.tgt.Clock(perf.ClkMclk)
		mclkMoves := a.active.Has(perf.ClkMclk) && curMclk.FreqKHz != tgtMclk.FreqKHz
		if !a.reapply && !mclkMoves && a.cur.Mem == a.tgt.Mem {
			return step, false
		}
		step.Mem = MemTuneParams{Tuning: a.tgt.Mem, MclkKHz: tgtMclk.FreqKHz}

	case StepClockMonitorRearm:
		if a.touched == 0 {
			return step, false
		}
		step.Monitors = a.touched

	case StepPCIeLinkSpeed:
		if a.tgt.PCIeGen == 0 || (!a.reapply && a.tgt.PCIeGen == a.cur.PCIeGen) {
			return step, false
		}
		step.PCIeGen = a.tgt.PCIeGen

	default:
		return step, false
	}
	return step, true
}

// clockChanges lists the active domains moving between from and to. With
// raising false it returns the domains whose frequency drops, highest
// domain ID first, so mclk is lowered before xbar. With raising true it
// returns every other changed domain, lowest ID first, so xbar is raised
// before mclk.
func (a *assembler) clockChanges(from, to *perf.ChangeDescriptor, raising bool) []ClockChange {
	domains := a.active.Domains()
	if !raising {
		for i, j := 0, len(domains)-1; i < j; i, j = i+1, j-1 {
			domains[i], domains[j] = domains[j], domains[i]
		}
	}
	var out []ClockChange
	for _, d := range domains {
		dst, ok := to.Clock(d)
		if !ok {
			continue
		}
		src, known := from.Clock(d)
		if known && src == dst && !a.reapply {
			continue
		}
		lowering := known && dst.FreqKHz < src.FreqKHz
		if lowering == raising {
			continue
		}
		out = append(out, ClockChange{Domain: d, From: src, To: dst})
		a.touched = a.touched.With(d)
	}
	return out
}

// railChanges returns the full rail set of to, in rail order, when any
// rail moves.
func (a *assembler) railChanges(from, to *perf.ChangeDescriptor) []perf.RailTarget {
	var out []perf.RailTarget
	changed := a.reapply
	for r := perf.RailID(0); r < perf.NumVoltRails; r++ {
		if !a.rails.Has(r) {
			continue
		}
		dst, ok := to.Rail(r)
		if !ok {
			continue
		}
		out = append(out, dst)
		if src, known := from.Rail(r); !known || src != dst {
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return out
}
