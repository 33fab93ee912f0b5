package changeseq

import (
	"context"

	"github.com/nvmexp/lw-firmware-sub127/log"
	"github.com/nvmexp/lw-firmware-sub127/perf"
)

// The primary domain and its rail are the ones a stale restore may replace
// with the last completed values.
const (
	primaryDomain = perf.ClkGPC
	primaryRail   = perf.RailLogic
)

// RestoreResult reports how a restore was carried out.
type RestoreResult struct {
	Script *Script
	// Substituted is set when lastRequested was stale and the primary
	// domain and rail were taken from lastCompleted instead.
	Substituted bool
}

// Restore re-applies lastRequested after a low-power feature has released
// the hardware. Only steps that belong outside a P-state change are used,
// and every active domain and rail is programmed even if unchanged, so two
// restores in a row program the same thing twice.
//
// If lastRequested is stale and the primary domain was last published in
// the FFR-below-DVCO-min regime, the frequency point cannot be trusted
// against the new voltage minimum: the primary clock and rail come from
// lastCompleted and the live generation is adopted. Stale requests in any
// other regime are rejected like a normal change.
func (s *Sequencer) Restore(ctx context.Context, lastCompleted, lastRequested *perf.ChangeDescriptor) (RestoreResult, error) {
	if lastCompleted == nil || lastRequested == nil {
		return RestoreResult{}, invalidArgument("restore needs both the last completed and last requested descriptors")
	}
	target, substituted := s.restoreTarget(lastCompleted, lastRequested)
	script, err := s.run(ctx, func() (*Script, error) {
		return s.builder.build(lastCompleted, target, s.exclusions, buildMode{reduced: true, reapply: true})
	})
	return RestoreResult{Script: script, Substituted: substituted}, err
}

func (s *Sequencer) restoreTarget(lastCompleted, lastRequested *perf.ChangeDescriptor) (*perf.ChangeDescriptor, bool) {
	gen := s.chip.VFGeneration()
	if lastRequested.VFGeneration == gen || lastRequested.VFGeneration == perf.VFGenerationBypass {
		return lastRequested, false
	}
	pub, ok := s.store.Read(primaryDomain)
	if !ok || pub.Regime != perf.RegimeFFRBelowDVCOMin {
		return lastRequested, false
	}

	target := lastRequested.Clone()
	if c, ok := lastCompleted.Clock(primaryDomain); ok {
		target.SetClock(primaryDomain, c)
	}
	if r, ok := lastCompleted.Rail(primaryRail); ok {
		target.SetRail(r)
	}
	target.VFGeneration = gen
	log.Infof("restore: generation %d is stale (live %d) with %v in %v, using last completed %v",
		lastRequested.VFGeneration, gen, primaryDomain, pub.Regime, primaryDomain)
	return target, true
}
