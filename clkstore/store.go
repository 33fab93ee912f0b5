// Package clkstore publishes the programmed state of every clock domain to
// the rest of the firmware.
//
// The store keeps two slots per domain. One is published and read-only; the
// other is private to the single writer (the change sequencer) until the
// next Flip. The RWMutex guards only the published index, so readers hold it
// for the duration of one sample copy and the writer holds it for the toggle.
package clkstore

import (
	"sync"

	"github.com/nvmexp/lw-firmware-sub127/perf"
)

type entry struct {
	sample perf.ClockDomainSample
	valid  bool
}

type bank [perf.NumClockDomains]entry

// Store is the double-buffered clock domain store. The zero value is ready
// to use and has no published samples.
type Store struct {
	mu        sync.RWMutex
	published int // index into slots, guarded by mu
	slots     [2]bank
	flips     uint64 // writer-owned, read under mu
}

func New() *Store {
	return &Store{}
}

// Read returns the published sample for d. ok is false when no sample has
// ever been published for d, which is distinct from a zero-frequency sample.
func (s *Store) Read(d perf.ClockDomainID) (sample perf.ClockDomainSample, ok bool) {
	if !d.Valid() {
		return perf.ClockDomainSample{}, false
	}
	s.mu.RLock()
	e := s.slots[s.published][d]
	s.mu.RUnlock()
	return e.sample, e.valid
}

// Snapshot copies every published domain in one read-side critical section,
// so all samples come from the same Flip.
func (s *Store) Snapshot() map[perf.ClockDomainID]perf.ClockDomainSample {
	s.mu.RLock()
	b := s.slots[s.published]
	s.mu.RUnlock()

	out := make(map[perf.ClockDomainID]perf.ClockDomainSample)
	for d, e := range b {
		if e.valid {
			out[perf.ClockDomainID(d)] = e.sample
		}
	}
	return out
}

// Flips reports how many times the published slot has been toggled.
func (s *Store) Flips() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flips
}

// Slot is the writer's handle onto one domain of the private bank.
type Slot struct {
	e *entry
}

// Set replaces the private sample.
func (w Slot) Set(sample perf.ClockDomainSample) {
	w.e.sample = sample
	w.e.valid = true
}

// Sample returns the private sample, which starts every cycle as a copy of
// the last published one.
func (w Slot) Sample() (perf.ClockDomainSample, bool) {
	return w.e.sample, w.e.valid
}

// BeginWrite returns a handle onto the private slot for d. Only the single
// writer may call it, and no read-side synchronisation is taken: readers
// never look at the private bank. d must be valid.
func (s *Store) BeginWrite(d perf.ClockDomainID) Slot {
	// published only changes inside Flip, which runs on the writer.
	return Slot{e: &s.slots[s.published^1][d]}
}

// Flip publishes the private bank and then copies it back over the new
// private bank so the next write cycle starts from the published truth.
func (s *Store) Flip() {
	s.mu.Lock()
	s.published ^= 1
	s.flips++
	pub := s.published
	s.mu.Unlock()

	s.slots[pub^1] = s.slots[pub]
}
