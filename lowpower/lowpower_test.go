package lowpower

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nvmexp/lw-firmware-sub127/daemon"
	"github.com/nvmexp/lw-firmware-sub127/perf"
)

type fakeDaemon struct {
	mu        sync.Mutex
	completed *perf.ChangeDescriptor
	requested *perf.ChangeDescriptor
	restores  [][2]*perf.ChangeDescriptor
}

func (d *fakeDaemon) LastCompleted() *perf.ChangeDescriptor { return d.completed.Clone() }
func (d *fakeDaemon) LastRequested() *perf.ChangeDescriptor { return d.requested.Clone() }

func (d *fakeDaemon) RequestRestore(c, r *perf.ChangeDescriptor) *daemon.Pending {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.restores = append(d.restores, [2]*perf.ChangeDescriptor{c, r})
	return &daemon.Pending{}
}

func (d *fakeDaemon) restoreCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.restores)
}

type fakeHW struct {
	calls    []string
	leaveErr error
}

func (h *fakeHW) Enter(ctx context.Context) error { h.calls = append(h.calls, "enter"); return nil }
func (h *fakeHW) Leave(ctx context.Context) error {
	h.calls = append(h.calls, "leave")
	return h.leaveErr
}

func point(pstate uint8) *perf.ChangeDescriptor {
	return &perf.ChangeDescriptor{PState: pstate, VFGeneration: 1}
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestFeature(check func() bool) (*Feature, *fakeDaemon, *fakeHW, *fakeClock) {
	d := &fakeDaemon{completed: point(1), requested: point(2)}
	hw := &fakeHW{}
	clk := &fakeClock{t: time.Unix(1000, 0)}
	f := New(Config{Name: "gc6", Refresh: time.Millisecond, Check: check}, d, hw)
	f.now = clk.now
	return f, d, hw, clk
}

func TestEngageExitRestoresCapturedPoint(t *testing.T) {
	f, d, hw, _ := newTestFeature(nil)
	ctx := context.Background()

	if err := f.SetLowPower(ctx); err != nil {
		t.Fatalf("SetLowPower: %v", err)
	}
	// A change finishing while engaged does not alter what is restored.
	d.requested = point(5)

	p, err := f.SetNormalPower(ctx)
	if err != nil {
		t.Fatalf("SetNormalPower: %v", err)
	}
	if p == nil {
		t.Fatal("exit posted no restore")
	}
	want := [][2]*perf.ChangeDescriptor{{point(1), point(2)}}
	if diff := cmp.Diff(want, d.restores); diff != "" {
		t.Errorf("restores mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"enter", "leave"}, hw.calls); diff != "" {
		t.Errorf("hardware calls mismatch (-want +got):\n%s", diff)
	}
	if f.IsLowPower() {
		t.Error("still engaged after exit")
	}
}

func TestDuplicateExitEventsRestoreOnce(t *testing.T) {
	f, d, _, clk := newTestFeature(nil)
	ctx := context.Background()

	if err := f.SetLowPower(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := f.SetNormalPower(ctx); err != nil {
		t.Fatal(err)
	}
	seq := f.ExitSeq()
	if p := f.RestoreFor(seq); p != nil {
		t.Error("replayed exit event posted a second restore")
	}
	if p, _ := f.SetNormalPower(ctx); p != nil {
		t.Error("exit while not engaged posted a restore")
	}
	if got := d.restoreCount(); got != 1 {
		t.Errorf("%d restores posted, want 1", got)
	}

	clk.advance(MinChangeInterval)
	if err := f.SetLowPower(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := f.SetNormalPower(ctx); err != nil {
		t.Fatal(err)
	}
	if got := f.ExitSeq(); got != seq+1 {
		t.Errorf("ExitSeq = %d, want %d", got, seq+1)
	}
	if got := d.restoreCount(); got != 2 {
		t.Errorf("%d restores posted after a second exit, want 2", got)
	}
	if p := f.RestoreFor(seq + 5); p != nil {
		t.Error("restore posted for an exit that never happened")
	}
}

func TestEngageRules(t *testing.T) {
	ok := true
	f, _, hw, clk := newTestFeature(func() bool { return ok })
	ctx := context.Background()

	ok = false
	if err := f.SetLowPower(ctx); !errors.Is(err, ErrConditionsBad) {
		t.Errorf("SetLowPower with failing checks = %v, want %v", err, ErrConditionsBad)
	}
	ok = true
	if err := f.SetLowPower(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := f.SetNormalPower(ctx); err != nil {
		t.Fatal(err)
	}
	clk.advance(MinChangeInterval / 2)
	if err := f.SetLowPower(ctx); !errors.Is(err, ErrTooFrequent) {
		t.Errorf("SetLowPower inside the change interval = %v, want %v", err, ErrTooFrequent)
	}
	if diff := cmp.Diff([]string{"enter", "leave"}, hw.calls); diff != "" {
		t.Errorf("hardware calls mismatch (-want +got):\n%s", diff)
	}
}

func TestLeaveFailureKeepsEngaged(t *testing.T) {
	f, d, hw, _ := newTestFeature(nil)
	ctx := context.Background()
	if err := f.SetLowPower(ctx); err != nil {
		t.Fatal(err)
	}
	hw.leaveErr = errors.New("rail did not come up")
	if _, err := f.SetNormalPower(ctx); err == nil {
		t.Fatal("SetNormalPower ignored a hardware failure")
	}
	if !f.IsLowPower() {
		t.Error("feature reported normal power after a failed exit")
	}
	if got := d.restoreCount(); got != 0 {
		t.Errorf("%d restores posted after a failed exit", got)
	}
}

func TestMonExitsWhenRequirementsFail(t *testing.T) {
	var mu sync.Mutex
	ok := true
	check := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ok
	}
	f, d, _, _ := newTestFeature(check)
	ctx := context.Background()
	if err := f.SetLowPower(ctx); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		f.Mon(ctx)
		close(done)
	}()
	mu.Lock()
	ok = false
	mu.Unlock()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Mon did not return")
	}
	if f.IsLowPower() {
		t.Error("Mon left the feature engaged")
	}
	if got := d.restoreCount(); got != 1 {
		t.Errorf("%d restores posted by Mon, want 1", got)
	}
}
