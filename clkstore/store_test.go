package clkstore

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nvmexp/lw-firmware-sub127/perf"
)

func sampleFor(cycle uint32) perf.ClockDomainSample {
	return perf.ClockDomainSample{
		FreqKHz:    cycle * 1000,
		Regime:     perf.RegimeFR,
		Source:     perf.SourceNAFLL,
		DVCOMinMHz: uint16(cycle),
	}
}

func TestReadBeforePublish(t *testing.T) {
	s := New()
	if _, ok := s.Read(perf.ClkGPC); ok {
		t.Error("Read on an empty store reported a published sample")
	}
	s.BeginWrite(perf.ClkGPC).Set(perf.ClockDomainSample{})
	if _, ok := s.Read(perf.ClkGPC); ok {
		t.Error("private write was visible before Flip")
	}
	s.Flip()
	got, ok := s.Read(perf.ClkGPC)
	if !ok {
		t.Fatal("zero-frequency sample not reported as published")
	}
	if got.FreqKHz != 0 {
		t.Errorf("FreqKHz = %d, want 0", got.FreqKHz)
	}
	if _, ok := s.Read(perf.ClkXbar); ok {
		t.Error("unwritten domain reported as published")
	}
	if _, ok := s.Read(perf.ClockDomainID(99)); ok {
		t.Error("invalid domain reported as published")
	}
}

func TestFlipCopiesPublishedIntoPrivate(t *testing.T) {
	s := New()
	s.BeginWrite(perf.ClkMclk).Set(sampleFor(4000))
	s.BeginWrite(perf.ClkXbar).Set(sampleFor(1200))
	s.Flip()

	// Incremental write of a single domain keeps the other domain intact.
	priv, ok := s.BeginWrite(perf.ClkXbar).Sample()
	if !ok || priv != sampleFor(1200) {
		t.Fatalf("private xbar after flip = %v, %v; want copy of published", priv, ok)
	}
	s.BeginWrite(perf.ClkMclk).Set(sampleFor(6000))
	s.Flip()

	want := map[perf.ClockDomainID]perf.ClockDomainSample{
		perf.ClkMclk: sampleFor(6000),
		perf.ClkXbar: sampleFor(1200),
	}
	if diff := cmp.Diff(want, s.Snapshot()); diff != "" {
		t.Errorf("Snapshot mismatch (-want +got):\n%s", diff)
	}

	// Two consecutive flips with no write in between publish the same state.
	before := s.Snapshot()
	s.Flip()
	if diff := cmp.Diff(before, s.Snapshot()); diff != "" {
		t.Errorf("second flip changed published state (-before +after):\n%s", diff)
	}
	if got := s.Flips(); got != 3 {
		t.Errorf("Flips() = %d, want 3", got)
	}
}

func TestConcurrentReadersSeeCommittedSamples(t *testing.T) {
	s := New()
	domains := []perf.ClockDomainID{perf.ClkGPC, perf.ClkXbar, perf.ClkMclk}
	for _, d := range domains {
		s.BeginWrite(d).Set(sampleFor(1))
	}
	s.Flip()

	const cycles = 2000
	var done atomic.Bool
	var wg sync.WaitGroup
	errs := make(chan string, 16)

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var last uint32
			for !done.Load() {
				snap := s.Snapshot()
				cycle := snap[perf.ClkGPC].DVCOMinMHz
				for _, d := range domains {
					got := snap[d]
					if got != sampleFor(uint32(cycle)) {
						errs <- "snapshot mixed two write cycles"
						return
					}
				}
				one, ok := s.Read(perf.ClkMclk)
				if !ok || one != sampleFor(uint32(one.DVCOMinMHz)) {
					errs <- "torn single-domain read"
					return
				}
				if uint32(cycle) < last {
					errs <- "published state went backwards"
					return
				}
				last = uint32(cycle)
			}
		}()
	}

	for c := uint32(2); c <= cycles; c++ {
		for _, d := range domains {
			s.BeginWrite(d).Set(sampleFor(c))
		}
		s.Flip()
	}
	done.Store(true)
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Error(e)
	}
	if got, _ := s.Read(perf.ClkXbar); got != sampleFor(cycles) {
		t.Errorf("final xbar = %v, want %v", got, sampleFor(cycles))
	}
}
