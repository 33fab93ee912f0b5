// Package clkdev talks to the board's clock controller through its
// character device. Every request is one fixed-size record answered by one
// record carrying the same sequence number.
package clkdev

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nvmexp/lw-firmware-sub127/hal"
	"github.com/nvmexp/lw-firmware-sub127/log"
)

// pollSlice bounds one poll so cancellation is noticed.
const pollSlice = 10 * time.Millisecond

type Dev struct {
	mu  sync.Mutex
	fd  int
	seq uint32
}

func Open(path string) (*Dev, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("clkdev: open %s: %w", path, err)
	}
	return NewFromFd(fd), nil
}

// NewFromFd wraps an open descriptor. The Dev owns it afterwards.
func NewFromFd(fd int) *Dev {
	return &Dev{fd: fd}
}

func (d *Dev) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return unix.Close(d.fd)
}

// Transact sends one request and waits for its answer until ctx ends.
// Answers to earlier, abandoned requests are discarded.
func (d *Dev) Transact(ctx context.Context, op Op, arg uint8, payload [4]uint32) ([4]uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.seq++
	req := Request{Magic: magic, Op: op, Arg: arg, Seq: d.seq, Payload: payload}
	b, err := req.MarshalBinary()
	if err != nil {
		return [4]uint32{}, err
	}
	if _, err := unix.Write(d.fd, b); err != nil {
		return [4]uint32{}, fmt.Errorf("clkdev: %v write: %v: %w", op, err, hal.ErrRegisterAccess)
	}

	for {
		resp, err := d.recv(ctx)
		if err != nil {
			return [4]uint32{}, fmt.Errorf("clkdev: %v: %w", op, err)
		}
		if resp.Seq != req.Seq {
			log.Debugf("clkdev: dropping stale answer seq %d, want %d", resp.Seq, req.Seq)
			continue
		}
		return resp.Payload, resp.Status.Err()
	}
}

// recv must be called with mu held.
func (d *Dev) recv(ctx context.Context) (*Response, error) {
	buf := make([]byte, msgSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, hal.ErrTimeout
		}
		wait := pollSlice
		if dl, ok := ctx.Deadline(); ok {
			if left := time.Until(dl); left < wait {
				wait = left
			}
		}
		if wait < 0 {
			wait = 0
		}
		fds := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, int(wait.Milliseconds()))
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("poll: %v: %w", err, hal.ErrRegisterAccess)
		}
		if n == 0 || fds[0].Revents&unix.POLLIN == 0 {
			if fds[0].Revents&(unix.POLLERR|unix.POLLHUP) != 0 {
				return nil, fmt.Errorf("device hung up: %w", hal.ErrRegisterAccess)
			}
			continue
		}
		n, err = unix.Read(d.fd, buf)
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read: %v: %w", err, hal.ErrRegisterAccess)
		}
		var resp Response
		if err := resp.UnmarshalBinary(buf[:n]); err != nil {
			return nil, fmt.Errorf("%v: %w", err, hal.ErrRegisterAccess)
		}
		return &resp, nil
	}
}

// Err maps a controller answer onto the HAL error it stands for.
func (s Status) Err() error {
	switch s {
	case StatusOK:
		return nil
	case StatusBusy:
		return fmt.Errorf("controller busy: %w", hal.ErrRegisterAccess)
	case StatusNotInit:
		return hal.ErrNotReady
	case StatusNoDomain:
		return hal.ErrNoDomain
	default:
		return fmt.Errorf("status %d: %w", s, hal.ErrRegisterAccess)
	}
}
