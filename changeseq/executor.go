package changeseq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nvmexp/lw-firmware-sub127/clkstore"
	"github.com/nvmexp/lw-firmware-sub127/hal"
	"github.com/nvmexp/lw-firmware-sub127/log"
	"github.com/nvmexp/lw-firmware-sub127/perf"
)

const DefaultStepTimeout = 50 * time.Millisecond

// Executor runs scripts against one chip.
type Executor struct {
	chip        hal.Chip
	stepTimeout time.Duration
}

func NewExecutor(chip hal.Chip, stepTimeout time.Duration) *Executor {
	if stepTimeout <= 0 {
		stepTimeout = DefaultStepTimeout
	}
	return &Executor{chip: chip, stepTimeout: stepTimeout}
}

// Execute runs s from its cursor. The first failing step stops the script
// and is returned as a *StepError; nothing is rolled back. A feature-dependent
// step that reports hal.ErrNotReady ends the script early without error; from
// any other step it is a failure like the rest. Whatever the
// outcome, store is flipped exactly once before Execute returns.
//
// Cancelling ctx does not interrupt a running script.
func (e *Executor) Execute(ctx context.Context, s *Script, store *clkstore.Store) error {
	defer store.Flip()
	ctx = context.WithoutCancel(ctx)

	for !s.Done() {
		idx := s.Cursor
		step := &s.Steps[idx]
		s.Cursor++

		domain, target, serr := e.runStep(ctx, step, store)
		if serr == nil {
			continue
		}
		if step.Kind.FeatureDependent() && errors.Is(serr, hal.ErrNotReady) {
			log.Infof("%v not ready, stopping script after %d of %d steps", step.Kind, idx, len(s.Steps))
			s.Cursor = len(s.Steps)
			return nil
		}
		if domain == perf.ClkNone {
			domain, target = step.targetHint()
		}
		se := &StepError{
			Kind:      step.Kind,
			Index:     idx,
			Domain:    domain,
			TargetKHz: target,
			Code:      halCode(serr),
			Err:       serr,
		}
		log.Errorf("%v", se)
		if werr := e.chip.WriteMailbox(se.Diag().Encode()); werr != nil {
			log.Errorf("diag mailbox write failed: %v", werr)
		}
		return se
	}
	return nil
}

// runStep makes the step's HAL unit resident, performs the step and
// releases the unit on every path. For clock steps it also returns the
// domain that failed.
func (e *Executor) runStep(ctx context.Context, step *Step, store *clkstore.Store) (perf.ClockDomainID, uint32, error) {
	start := time.Now()
	defer func() {
		step.Elapsed = time.Since(start)
	}()

	sctx, cancel := context.WithTimeout(ctx, e.stepTimeout)
	defer cancel()

	release, err := e.chip.Acquire(sctx, step.Kind.Resource())
	if err != nil {
		return perf.ClkNone, 0, fmt.Errorf("acquire %v: %w", step.Kind.Resource(), err)
	}
	defer release()

	switch step.Kind {
	case StepPreChangeNotify, StepPrePStateNotify, StepPostPStateNotify, StepPostChangeNotify:
		err = e.chip.Notify(sctx, step.Phase, step.PState)

	case StepPreVoltageClocks, StepPostVoltageClocks, StepXbarBoostPreClocks, StepXbarBoostPostClocks:
		for _, c := range step.Clocks {
			actual, cerr := e.chip.ProgramClock(sctx, c.Domain, c.From, c.To)
			if cerr != nil {
				return c.Domain, c.To.FreqKHz, cerr
			}
			store.BeginWrite(c.Domain).Set(actual)
			log.Debugf("%v: %v %v -> %v", step.Kind, c.Domain, c.From, actual)
		}

	case StepVoltage, StepXbarBoostVoltage:
		err = e.chip.SetVoltage(sctx, step.Rails)

	case StepMemoryTuning:
		err = e.chip.TuneMemory(sctx, step.Mem.Tuning, step.Mem.MclkKHz)

	case StepClockMonitorRearm:
		err = e.chip.RearmClockMonitors(sctx, step.Monitors)

	case StepPCIeLinkSpeed:
		err = e.chip.SetLinkSpeed(sctx, step.PCIeGen)

	default:
		err = invalidState("no handler for step kind %v", step.Kind)
	}
	return perf.ClkNone, 0, err
}
