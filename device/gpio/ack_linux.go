//go:build linux
// +build linux

package gpio

import (
	"github.com/warthog618/gpiod"
)

// OpenAckLine requests offset on the named gpiochip for rising edges.
func OpenAckLine(chip string, offset int) (*AckLine, error) {
	a := newAckLine(offset)
	line, err := gpiod.RequestLine(chip, offset,
		gpiod.WithRisingEdge,
		gpiod.WithEventHandler(func(evt gpiod.LineEvent) { a.signal(evt.Offset) }))
	if err != nil {
		return nil, err
	}
	a.closer = line
	return a, nil
}
