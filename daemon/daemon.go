// Package daemon is the task that owns the change sequencer. Requests from
// the performance policy and from low-power features are queued and run one
// at a time to completion, each answered with a Completion.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/nvmexp/lw-firmware-sub127/changeseq"
	"github.com/nvmexp/lw-firmware-sub127/log"
	"github.com/nvmexp/lw-firmware-sub127/perf"
)

// ErrHalted answers every request after an internal consistency failure.
var ErrHalted = errors.New("perf daemon halted")

// Completion is the terminal status of one request.
type Completion struct {
	ID   uuid.UUID
	Code codes.Code
	Err  error
	// Diag is set when a script failed during execution.
	Diag *changeseq.Diag
	// Substituted is set when a restore used last-completed values.
	Substituted bool
	// Steps is the number of steps the script held.
	Steps   int
	Elapsed time.Duration
}

// Pending is the requester's handle on a queued request.
type Pending struct {
	ID   uuid.UUID
	done chan Completion
}

func (p *Pending) Done() <-chan Completion {
	return p.done
}

// Wait blocks until the request completes or ctx is done. Abandoning a
// request does not cancel it.
func (p *Pending) Wait(ctx context.Context) (Completion, error) {
	select {
	case c := <-p.done:
		return c, nil
	case <-ctx.Done():
		return Completion{ID: p.ID}, ctx.Err()
	}
}

// Status is a point-in-time view of the daemon for the host API.
type Status struct {
	Halted      bool            `json:"halted"`
	HaltReason  string          `json:"halt_reason,omitempty"`
	Queued      int             `json:"queued"`
	Created     int             `json:"created"`
	Processed   uint64          `json:"processed"`
	Failed      uint64          `json:"failed"`
	State       string          `json:"state"`
	LastOutcome string          `json:"last_outcome"`
	LastDiag    *changeseq.Diag `json:"last_diag,omitempty"`
	Flips       uint64          `json:"flips"`
}

type Daemon struct {
	seq *changeseq.Sequencer
	q   *RequestQ

	mu            sync.Mutex
	halted        error
	lastCompleted *perf.ChangeDescriptor
	lastRequested *perf.ChangeDescriptor
	lastDiag      *changeseq.Diag
	processed     uint64
	failed        uint64
}

func New(seq *changeseq.Sequencer) *Daemon {
	return &Daemon{seq: seq, q: newRequestQ()}
}

func (d *Daemon) Sequencer() *changeseq.Sequencer { return d.seq }

// RequestChange queues a move from current to target.
func (d *Daemon) RequestChange(current, target *perf.ChangeDescriptor) *Pending {
	return d.submit(reqChange, current.Clone(), target.Clone())
}

// RequestRestore queues a restore of lastRequested after a low-power
// feature exit.
func (d *Daemon) RequestRestore(lastCompleted, lastRequested *perf.ChangeDescriptor) *Pending {
	return d.submit(reqRestore, lastCompleted.Clone(), lastRequested.Clone())
}

func (d *Daemon) submit(kind requestKind, current, target *perf.ChangeDescriptor) *Pending {
	r := &request{
		id:      uuid.New(),
		kind:    kind,
		current: current,
		target:  target,
		done:    make(chan Completion, 1),
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.halted != nil {
		r.done <- haltedCompletion(r.id)
		return &Pending{ID: r.id, done: r.done}
	}
	d.q.Enqueue(r)
	log.Debugf("queued %v %v: %v -> %v", kind, r.id, current, target)
	return &Pending{ID: r.id, done: r.done}
}

func haltedCompletion(id uuid.UUID) Completion {
	return Completion{ID: id, Code: codes.FailedPrecondition, Err: ErrHalted}
}

// LastCompleted is the resolved target of the last successful script.
func (d *Daemon) LastCompleted() *perf.ChangeDescriptor {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastCompleted.Clone()
}

// LastRequested is the target of the last change request taken off the
// queue, whatever its outcome.
func (d *Daemon) LastRequested() *perf.ChangeDescriptor {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastRequested.Clone()
}

// Halted returns the error that stopped the daemon, or nil.
func (d *Daemon) Halted() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.halted
}

func (d *Daemon) Status() Status {
	d.mu.Lock()
	st := Status{
		Halted:    d.halted != nil,
		Processed: d.processed,
		Failed:    d.failed,
		LastDiag:  d.lastDiag,
	}
	if d.halted != nil {
		st.HaltReason = d.halted.Error()
	}
	d.mu.Unlock()

	d.q.mx.Lock()
	st.Created = d.q.Created
	d.q.mx.Unlock()
	st.Queued = d.q.Len()
	st.State = d.seq.State().String()
	st.LastOutcome = d.seq.LastOutcome().String()
	st.Flips = d.seq.Store().Flips()
	return st
}

// Run processes requests until ctx is done or an internal consistency
// failure halts the daemon, in which case the halting error is returned.
func (d *Daemon) Run(ctx context.Context) error {
	log.Infof("perf daemon running on %s", d.seq.Chip().Family())
	for {
		r, err := d.q.Dequeue()
		if errors.Is(err, ErrEmptyQ) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-d.q.wake:
				continue
			}
		}

		c := d.process(ctx, r)
		r.done <- c

		if c.Code == changeseq.CodeInvalidState {
			return d.halt(c.Err)
		}
	}
}

func (d *Daemon) process(ctx context.Context, r *request) Completion {
	start := time.Now()
	c := Completion{ID: r.id}

	var script *changeseq.Script
	var err error
	switch r.kind {
	case reqChange:
		d.mu.Lock()
		d.lastRequested = r.target
		d.mu.Unlock()
		script, err = d.seq.Change(ctx, r.current, r.target)
	case reqRestore:
		var res changeseq.RestoreResult
		res, err = d.seq.Restore(ctx, r.current, r.target)
		script, c.Substituted = res.Script, res.Substituted
	}
	c.Elapsed = time.Since(start)
	if script != nil {
		c.Steps = len(script.Steps)
	}

	var se *changeseq.StepError
	if errors.As(err, &se) {
		diag := se.Diag()
		c.Diag = &diag
	}
	c.Code = status.Code(err)
	c.Err = err

	d.mu.Lock()
	d.processed++
	if err != nil {
		d.failed++
		if c.Diag != nil {
			d.lastDiag = c.Diag
		}
	} else {
		d.lastCompleted = script.Target.Clone()
	}
	d.mu.Unlock()

	if err != nil {
		log.Errorf("%v %v failed (%v): %v", r.kind, r.id, c.Code, err)
	} else {
		log.Infof("%v %v done: %d steps in %v", r.kind, r.id, c.Steps, c.Elapsed)
	}
	return c
}

// halt stops all further hardware programming and fails whatever is still
// queued.
func (d *Daemon) halt(cause error) error {
	d.mu.Lock()
	d.halted = fmt.Errorf("%w: %v", ErrHalted, cause)
	d.mu.Unlock()

	for _, r := range d.q.ClearQ() {
		r.done <- haltedCompletion(r.id)
	}
	log.Errorf("perf daemon halted: %v", cause)
	return d.Halted()
}
