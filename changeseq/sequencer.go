// Package changeseq builds and runs performance change scripts.
//
// A change request is a (current, target) pair of perf.ChangeDescriptor.
// The Builder turns it into a Script of atomic hardware steps taken from a
// fixed table, the Executor runs the script fail-fast against a hal.Chip,
// and the results are published through a clkstore.Store.
//
// The Sequencer ties the three together and is the only writer of the
// store. It is not reentrant: the daemon task hands it one request at a
// time.
package changeseq

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nvmexp/lw-firmware-sub127/clkstore"
	"github.com/nvmexp/lw-firmware-sub127/hal"
	"github.com/nvmexp/lw-firmware-sub127/log"
	"github.com/nvmexp/lw-firmware-sub127/perf"
)

// State is the sequencer's position in the lifecycle of one request.
type State int32

const (
	Idle State = iota
	Building
	Executing
	Published
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Building:
		return "building"
	case Executing:
		return "executing"
	case Published:
		return "published"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Options are fixed for the life of a Sequencer.
type Options struct {
	// Exclusions removes step kinds from every script.
	Exclusions StepMask
	// ExcludedDomains are programmable domains the generic sequence leaves
	// alone unless a request force-includes them.
	ExcludedDomains perf.DomainMask
	// StepTimeout bounds each step's hardware acknowledgment wait.
	StepTimeout time.Duration
	// CalibrationCacheSize is the number of xbar calibration answers kept.
	CalibrationCacheSize int
}

// Sequencer owns the builder, the executor and the clock store for one chip.
type Sequencer struct {
	chip       hal.Chip
	store      *clkstore.Store
	exclusions StepMask
	builder    *Builder
	exec       *Executor

	state atomic.Int32
	last  atomic.Int32
	// onState, when set, sees every transition after it is stored.
	onState func(State)
}

func New(chip hal.Chip, store *clkstore.Store, opts Options) (*Sequencer, error) {
	b, err := NewBuilder(chip, store, opts.ExcludedDomains, opts.CalibrationCacheSize)
	if err != nil {
		return nil, err
	}
	s := &Sequencer{
		chip:       chip,
		store:      store,
		exclusions: opts.Exclusions,
		builder:    b,
		exec:       NewExecutor(chip, opts.StepTimeout),
	}
	s.last.Store(int32(Idle))
	return s, nil
}

func (s *Sequencer) Chip() hal.Chip          { return s.chip }
func (s *Sequencer) Store() *clkstore.Store { return s.store }

// State is the current lifecycle state. Published and Failed are held from
// the end of execution until the sequencer returns to Idle.
func (s *Sequencer) State() State { return State(s.state.Load()) }

func (s *Sequencer) enter(st State) {
	s.state.Store(int32(st))
	if s.onState != nil {
		s.onState(st)
	}
}

// LastOutcome is Published or Failed for the last request that reached
// execution, Idle before any has.
func (s *Sequencer) LastOutcome() State { return State(s.last.Load()) }

// Change builds and executes the script moving the chip from current to
// target. On a build error nothing was programmed and the store was not
// flipped. On an execution error the returned script shows how far it got.
func (s *Sequencer) Change(ctx context.Context, current, target *perf.ChangeDescriptor) (*Script, error) {
	return s.run(ctx, func() (*Script, error) {
		return s.builder.build(current, target, s.exclusions, buildMode{})
	})
}

func (s *Sequencer) run(ctx context.Context, build func() (*Script, error)) (*Script, error) {
	if !s.state.CompareAndSwap(int32(Idle), int32(Building)) {
		return nil, invalidState("sequencer entered while %v", s.State())
	}
	if s.onState != nil {
		s.onState(Building)
	}
	defer s.enter(Idle)

	script, err := build()
	if err != nil {
		log.Infof("change rejected: %v", err)
		return nil, err
	}

	s.enter(Executing)
	start := time.Now()
	err = s.exec.Execute(ctx, script, s.store)
	if err != nil {
		s.last.Store(int32(Failed))
		s.enter(Failed)
		return script, err
	}
	s.last.Store(int32(Published))
	s.enter(Published)
	log.Infof("published %d steps in %v", len(script.Steps), time.Since(start))
	return script, nil
}
