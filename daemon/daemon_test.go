package daemon

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/grpc/codes"

	"github.com/nvmexp/lw-firmware-sub127/changeseq"
	"github.com/nvmexp/lw-firmware-sub127/clkstore"
	"github.com/nvmexp/lw-firmware-sub127/hal"
	"github.com/nvmexp/lw-firmware-sub127/hal/sim"
	"github.com/nvmexp/lw-firmware-sub127/perf"
)

func mhz(f uint32) perf.ClockDomainSample {
	return perf.ClockDomainSample{FreqKHz: f * 1000, Regime: perf.RegimeFR, Source: perf.SourceNAFLL}
}

func gpcPoint(f uint32) *perf.ChangeDescriptor {
	d := &perf.ChangeDescriptor{VFGeneration: 1}
	d.SetClock(perf.ClkGPC, mhz(f))
	return d
}

func newTestDaemon(t *testing.T) (*Daemon, *sim.Chip) {
	t.Helper()
	chip := sim.New(sim.DefaultConfig())
	seq, err := changeseq.New(chip, clkstore.New(), changeseq.Options{})
	if err != nil {
		t.Fatalf("changeseq.New: %v", err)
	}
	return New(seq), chip
}

// startDaemon runs d until the test ends and returns Run's result channel.
func startDaemon(t *testing.T, d *Daemon) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- d.Run(ctx) }()
	t.Cleanup(cancel)
	return errc
}

func wait(t *testing.T, p *Pending) Completion {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := p.Wait(ctx)
	if err != nil {
		t.Fatalf("request %v: %v", p.ID, err)
	}
	if c.ID != p.ID {
		t.Errorf("completion for %v delivered to %v", c.ID, p.ID)
	}
	return c
}

func TestRequestsRunInOrder(t *testing.T) {
	d, chip := newTestDaemon(t)

	var pending []*Pending
	prev := gpcPoint(1000)
	for _, f := range []uint32{1200, 1400, 1100} {
		next := gpcPoint(f)
		pending = append(pending, d.RequestChange(prev, next))
		prev = next
	}
	startDaemon(t, d)

	for i, p := range pending {
		if c := wait(t, p); c.Code != codes.OK {
			t.Errorf("request %d: %v", i, c.Err)
		}
	}

	var got []uint32
	for _, op := range chip.Ops() {
		if op.Call == "clock" {
			got = append(got, op.To)
		}
	}
	if diff := cmp.Diff([]uint32{1200000, 1400000, 1100000}, got); diff != "" {
		t.Errorf("programming order mismatch (-want +got):\n%s", diff)
	}
	if c, _ := d.LastCompleted().Clock(perf.ClkGPC); c != mhz(1100) {
		t.Errorf("LastCompleted gpcclk = %v, want %v", c, mhz(1100))
	}
	st := d.Status()
	if st.Processed != 3 || st.Failed != 0 || st.Halted {
		t.Errorf("Status = %+v", st)
	}
	if st.Flips != 3 {
		t.Errorf("Status.Flips = %d, want 3", st.Flips)
	}
}

func TestCompletionCodes(t *testing.T) {
	d, chip := newTestDaemon(t)
	startDaemon(t, d)

	stale := gpcPoint(1400)
	stale.VFGeneration = 0
	c := wait(t, d.RequestChange(gpcPoint(1000), stale))
	if c.Code != changeseq.CodeStale {
		t.Errorf("stale request completed with %v, want %v", c.Code, changeseq.CodeStale)
	}
	if c.Diag != nil {
		t.Errorf("build failure carried a diag record: %v", c.Diag)
	}

	chip.FailOn(func(op sim.Op) bool { return op.Call == "clock" }, hal.ErrTimeout)
	c = wait(t, d.RequestChange(gpcPoint(1000), gpcPoint(1400)))
	if c.Code != codes.DeadlineExceeded {
		t.Errorf("timed out request completed with %v, want %v", c.Code, codes.DeadlineExceeded)
	}
	want := &changeseq.Diag{
		Kind:      changeseq.StepPostVoltageClocks,
		Domain:    perf.ClkGPC,
		TargetKHz: 1400000,
		Code:      codes.DeadlineExceeded,
		Index:     1,
	}
	if diff := cmp.Diff(want, c.Diag); diff != "" {
		t.Errorf("diag mismatch (-want +got):\n%s", diff)
	}

	// The daemon keeps serving after recoverable failures.
	if c := wait(t, d.RequestChange(gpcPoint(1000), gpcPoint(1400))); c.Code != codes.OK {
		t.Errorf("request after failures: %v", c.Err)
	}
	if got := d.LastRequested(); got.String() != gpcPoint(1400).String() {
		t.Errorf("LastRequested = %v", got)
	}
	if st := d.Status(); st.Failed != 2 || st.LastDiag == nil {
		t.Errorf("Status = %+v, want 2 failures and a diag", st)
	}
}

func TestInvalidStateHalts(t *testing.T) {
	d, chip := newTestDaemon(t)
	chip.FailOn(func(op sim.Op) bool { return op.Call == "clock" }, hal.ErrNoDomain)

	first := d.RequestChange(gpcPoint(1000), gpcPoint(1400))
	queued := d.RequestChange(gpcPoint(1400), gpcPoint(1200))
	errc := startDaemon(t, d)

	if c := wait(t, first); c.Code != changeseq.CodeInvalidState {
		t.Fatalf("first request completed with %v, want %v", c.Code, changeseq.CodeInvalidState)
	}
	if c := wait(t, queued); !errors.Is(c.Err, ErrHalted) {
		t.Errorf("queued request completed with %v, want %v", c.Err, ErrHalted)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, ErrHalted) {
			t.Errorf("Run = %v, want %v", err, ErrHalted)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the halt")
	}

	chip.ResetOps()
	if c := wait(t, d.RequestChange(gpcPoint(1000), gpcPoint(1400))); !errors.Is(c.Err, ErrHalted) {
		t.Errorf("request after halt completed with %v, want %v", c.Err, ErrHalted)
	}
	if ops := chip.Ops(); len(ops) != 0 {
		t.Errorf("halted daemon reached hardware: %v", ops)
	}
	if !d.Status().Halted {
		t.Error("Status does not report the halt")
	}
}

func TestRestoreRequest(t *testing.T) {
	d, _ := newTestDaemon(t)
	startDaemon(t, d)

	if c := wait(t, d.RequestChange(gpcPoint(1000), gpcPoint(1400))); c.Code != codes.OK {
		t.Fatalf("change: %v", c.Err)
	}
	c := wait(t, d.RequestRestore(d.LastCompleted(), d.LastRequested()))
	if c.Code != codes.OK {
		t.Fatalf("restore: %v", c.Err)
	}
	if c.Substituted {
		t.Error("fresh restore reported a substitution")
	}
	if c.Steps == 0 {
		t.Error("restore ran an empty script")
	}
}
