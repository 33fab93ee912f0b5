// Package lowpower is a low-power feature that hands the hardware to its own
// entry/exit choreography and restores the last requested performance
// point when it leaves.
package lowpower

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nvmexp/lw-firmware-sub127/daemon"
	"github.com/nvmexp/lw-firmware-sub127/log"
	"github.com/nvmexp/lw-firmware-sub127/perf"
)

const (
	// how often Mon re-checks the engage conditions
	Refresh = 1 * time.Second
	// min duration between two engage/exit transitions
	MinChangeInterval = 5 * time.Second
)

var (
	ErrTooFrequent   = errors.New("low power mode change too frequent")
	ErrConditionsBad = errors.New("system does not satisfy low power mode requirements")
)

// Requester is the slice of the daemon the feature talks to.
type Requester interface {
	LastCompleted() *perf.ChangeDescriptor
	LastRequested() *perf.ChangeDescriptor
	RequestRestore(lastCompleted, lastRequested *perf.ChangeDescriptor) *daemon.Pending
}

// Hardware performs the feature's own entry and exit sequence.
type Hardware interface {
	Enter(ctx context.Context) error
	Leave(ctx context.Context) error
}

// Config tunes a Feature. Zero fields take the package defaults.
type Config struct {
	Name              string
	Refresh           time.Duration
	MinChangeInterval time.Duration
	// Check reports whether the system may stay in low power. Nil means
	// always.
	Check func() bool
}

// Feature is one low-power mode.
type Feature struct {
	cfg Config
	d   Requester
	hw  Hardware
	now func() time.Time

	mu         sync.Mutex
	isLowPower bool
	lastChange time.Time
	// exitSeq numbers exit events; restoredSeq is the last one a restore
	// was posted for.
	exitSeq     uint64
	restoredSeq uint64
	// the points to restore, captured on entry
	savedCompleted *perf.ChangeDescriptor
	savedRequested *perf.ChangeDescriptor
}

func New(cfg Config, d Requester, hw Hardware) *Feature {
	if cfg.Name == "" {
		cfg.Name = "lowpower"
	}
	if cfg.Refresh <= 0 {
		cfg.Refresh = Refresh
	}
	if cfg.MinChangeInterval <= 0 {
		cfg.MinChangeInterval = MinChangeInterval
	}
	return &Feature{cfg: cfg, d: d, hw: hw, now: time.Now}
}

func (f *Feature) IsLowPower() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.isLowPower
}

// ExitSeq is the id of the most recent exit event.
func (f *Feature) ExitSeq() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exitSeq
}

// SetLowPower engages the feature after making sure the system satisfies
// its requirements. The daemon's last completed and last requested points
// are captured so the exit can restore them.
func (f *Feature) SetLowPower(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.isLowPower {
		log.Infof("%s: already in low power mode", f.cfg.Name)
		return nil
	}
	if !f.lastChange.IsZero() && f.now().Sub(f.lastChange) < f.cfg.MinChangeInterval {
		log.Infof("%s: last changed at %v", f.cfg.Name, f.lastChange)
		return ErrTooFrequent
	}
	if f.cfg.Check != nil && !f.cfg.Check() {
		return ErrConditionsBad
	}

	completed, requested := f.d.LastCompleted(), f.d.LastRequested()
	if completed == nil || requested == nil {
		return fmt.Errorf("%s: no performance point to restore yet", f.cfg.Name)
	}
	if err := f.hw.Enter(ctx); err != nil {
		return fmt.Errorf("%s: enter: %w", f.cfg.Name, err)
	}
	f.savedCompleted, f.savedRequested = completed, requested
	f.isLowPower = true
	f.lastChange = f.now()
	log.Infof("%s: now in low power mode", f.cfg.Name)
	return nil
}

// SetNormalPower leaves low power and posts the restore for this exit
// event. Normal power is the safe state, so the minimum change interval
// does not apply. The returned Pending is nil when nothing was restored.
func (f *Feature) SetNormalPower(ctx context.Context) (*daemon.Pending, error) {
	f.mu.Lock()
	if !f.isLowPower {
		f.mu.Unlock()
		log.Infof("%s: already in normal power mode", f.cfg.Name)
		return nil, nil
	}
	if err := f.hw.Leave(ctx); err != nil {
		f.mu.Unlock()
		return nil, fmt.Errorf("%s: leave: %w", f.cfg.Name, err)
	}
	f.isLowPower = false
	f.lastChange = f.now()
	f.exitSeq++
	seq := f.exitSeq
	f.mu.Unlock()

	log.Infof("%s: now in normal power mode (exit %d)", f.cfg.Name, seq)
	return f.RestoreFor(seq), nil
}

// RestoreFor posts the restore for exit event seq unless it was already
// posted. Exit notifications may be delivered more than once.
func (f *Feature) RestoreFor(seq uint64) *daemon.Pending {
	f.mu.Lock()
	defer f.mu.Unlock()
	if seq == 0 || seq <= f.restoredSeq || seq > f.exitSeq {
		log.Debugf("%s: no restore for exit %d (last restored %d)", f.cfg.Name, seq, f.restoredSeq)
		return nil
	}
	f.restoredSeq = seq
	return f.d.RequestRestore(f.savedCompleted, f.savedRequested)
}

// Mon leaves low power as soon as the engage conditions stop holding. It
// returns when the feature is no longer engaged or ctx is done.
func (f *Feature) Mon(ctx context.Context) {
	t := time.NewTicker(f.cfg.Refresh)
	defer t.Stop()
	for {
		if !f.IsLowPower() {
			return
		}
		if f.cfg.Check != nil && !f.cfg.Check() {
			log.Infof("%s: requirements no longer met", f.cfg.Name)
			if _, err := f.SetNormalPower(ctx); err != nil {
				log.Errorf("%s: failed to set normal power mode: %v", f.cfg.Name, err)
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
