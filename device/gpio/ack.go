// Package gpio holds the board's discrete signals: the clock-switch
// acknowledge line and the rail enable and power-good pins.
package gpio

import (
	"context"
	"io"
	"sync/atomic"

	"github.com/nvmexp/lw-firmware-sub127/hal"
)

// AckLine is an edge-triggered input the chip pulses when a clock switch has
// settled.
type AckLine struct {
	offset int
	events chan struct{}
	count  atomic.Uint64
	closer io.Closer
}

func newAckLine(offset int) *AckLine {
	return &AckLine{offset: offset, events: make(chan struct{}, 1)}
}

// signal is the edge handler. Edges on other offsets of the same chip are
// ignored; edges that arrive before anyone waits collapse into one.
func (a *AckLine) signal(offset int) {
	if offset != a.offset {
		return
	}
	a.count.Add(1)
	select {
	case a.events <- struct{}{}:
	default:
	}
}

// Arm drops any edge seen so far. Call it before starting the operation
// whose acknowledge is awaited.
func (a *AckLine) Arm() {
	select {
	case <-a.events:
	default:
	}
}

// Wait blocks for the next edge. It returns hal.ErrTimeout when ctx ends
// first.
func (a *AckLine) Wait(ctx context.Context) error {
	select {
	case <-a.events:
		return nil
	case <-ctx.Done():
		return hal.ErrTimeout
	}
}

// Edges counts every acknowledge seen.
func (a *AckLine) Edges() uint64 {
	return a.count.Load()
}

func (a *AckLine) Close() error {
	if a.closer == nil {
		return nil
	}
	return a.closer.Close()
}
