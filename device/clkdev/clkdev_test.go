package clkdev

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"

	"github.com/nvmexp/lw-firmware-sub127/hal"
)

// fakeController answers requests on the far end of a socket pair.
type fakeController struct {
	fd     int
	answer func(Request) []Response
	seen   chan Request
	done   chan struct{}
}

func newPair(t *testing.T, answer func(Request) []Response) (*Dev, *fakeController) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		t.Skipf("socketpair: %v", err)
	}
	f := &fakeController{fd: fds[1], answer: answer, seen: make(chan Request, 16), done: make(chan struct{})}
	go f.serve()
	d := NewFromFd(fds[0])
	// The controller must be gone before its fd number can be reused.
	t.Cleanup(func() {
		d.Close()
		<-f.done
		unix.Close(fds[1])
	})
	return d, f
}

func (f *fakeController) serve() {
	defer close(f.done)
	buf := make([]byte, 64)
	for {
		n, err := unix.Read(f.fd, buf)
		if err != nil || n == 0 {
			return
		}
		var req Request
		if err := req.UnmarshalBinary(buf[:n]); err != nil {
			return
		}
		select {
		case f.seen <- req:
		default:
		}
		for _, resp := range f.answer(req) {
			b, _ := resp.MarshalBinary()
			if _, err := unix.Write(f.fd, b); err != nil {
				return
			}
		}
	}
}

func echo(req Request) []Response {
	return []Response{{Magic: magic, Arg: req.Arg, Seq: req.Seq, Payload: req.Payload}}
}

func TestTransact(t *testing.T) {
	d, f := newPair(t, echo)
	got, err := d.Transact(context.Background(), OpProgram, 2, [4]uint32{6000000, 4000000})
	if err != nil {
		t.Fatalf("Transact: %v", err)
	}
	if diff := cmp.Diff([4]uint32{6000000, 4000000}, got); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
	req := <-f.seen
	if req.Op != OpProgram || req.Arg != 2 || req.Seq != 1 {
		t.Errorf("request = %+v", req)
	}
}

func TestTransactSkipsStaleAnswers(t *testing.T) {
	d, _ := newPair(t, func(req Request) []Response {
		stale := Response{Magic: magic, Seq: req.Seq - 1, Payload: [4]uint32{1}}
		return append([]Response{stale}, echo(req)...)
	})
	d.seq = 10
	got, err := d.Transact(context.Background(), OpRead, 0, [4]uint32{7})
	if err != nil {
		t.Fatal(err)
	}
	if got[0] != 7 {
		t.Errorf("got the stale answer %v", got)
	}
}

func TestTransactStatus(t *testing.T) {
	for _, tc := range []struct {
		status Status
		want   error
	}{
		{StatusBusy, hal.ErrRegisterAccess},
		{StatusNoDomain, hal.ErrNoDomain},
		{StatusFault, hal.ErrRegisterAccess},
		{StatusNotInit, hal.ErrNotReady},
	} {
		d, _ := newPair(t, func(req Request) []Response {
			return []Response{{Magic: magic, Status: tc.status, Seq: req.Seq}}
		})
		_, err := d.Transact(context.Background(), OpMemTune, 0, [4]uint32{})
		if !errors.Is(err, tc.want) {
			t.Errorf("status %d: err = %v, want %v", tc.status, err, tc.want)
		}
		if tc.status == StatusBusy && errors.Is(err, hal.ErrNotReady) {
			t.Errorf("busy reply reads as not ready: %v", err)
		}
	}
}

func TestTransactTimesOut(t *testing.T) {
	d, _ := newPair(t, func(Request) []Response { return nil })
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, err := d.Transact(ctx, OpClkMon, 0, [4]uint32{}); !errors.Is(err, hal.ErrTimeout) {
		t.Errorf("Transact = %v, want ErrTimeout", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Transact ignored the deadline")
	}
}

func TestResponseRejectsBadMagic(t *testing.T) {
	b, _ := (&Response{Magic: 0xbeef}).MarshalBinary()
	var r Response
	if err := r.UnmarshalBinary(b); err == nil {
		t.Error("accepted a foreign record")
	}
	if len(b) != msgSize {
		t.Errorf("record is %d bytes, want %d", len(b), msgSize)
	}
}
