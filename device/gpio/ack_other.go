//go:build !linux
// +build !linux

package gpio

import "errors"

func OpenAckLine(chip string, offset int) (*AckLine, error) {
	return nil, errors.New("gpio: character device lines need linux")
}
