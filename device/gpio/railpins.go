package gpio

import (
	"errors"
	"fmt"
	"sync"

	"gobot.io/x/gobot/sysfs"

	"github.com/nvmexp/lw-firmware-sub127/config"
	"github.com/nvmexp/lw-firmware-sub127/log"
	"github.com/nvmexp/lw-firmware-sub127/perf"
)

var ErrNoPin = errors.New("rail has no pin wired")

type pin struct {
	cfg config.Pin
	io  sysfs.DigitalPinner
}

func openPin(cfg config.Pin, dir string) (*pin, error) {
	p := sysfs.NewDigitalPin(cfg.Pin)
	if err := p.Export(); err != nil {
		return nil, fmt.Errorf("gpio%d: export: %w", cfg.Pin, err)
	}
	if err := p.Direction(dir); err != nil {
		_ = p.Unexport()
		return nil, fmt.Errorf("gpio%d: direction %s: %w", cfg.Pin, dir, err)
	}
	return &pin{cfg: cfg, io: p}, nil
}

func (p *pin) set(on bool) error {
	v := 0
	if on != p.cfg.ActiveLow {
		v = 1
	}
	return p.io.Write(v)
}

func (p *pin) get() (bool, error) {
	v, err := p.io.Read()
	if err != nil {
		return false, err
	}
	return (v != 0) != p.cfg.ActiveLow, nil
}

type railPins struct {
	enable    *pin
	powerGood *pin
}

// RailPins are the enable outputs and power-good inputs of the board rails.
type RailPins struct {
	mu    sync.Mutex
	rails map[perf.RailID]railPins
}

// OpenRailPins exports every pin named in rails. Rails are keyed by
// perf.RailID name.
func OpenRailPins(rails map[string]config.Rail) (*RailPins, error) {
	rp := &RailPins{rails: make(map[perf.RailID]railPins)}
	for name, r := range rails {
		id, err := perf.ParseRail(name)
		if err != nil {
			rp.Close()
			return nil, err
		}
		var pins railPins
		if r.Enable.Pin != 0 {
			if pins.enable, err = openPin(r.Enable, "out"); err != nil {
				rp.Close()
				return nil, err
			}
		}
		if r.PowerGood.Pin != 0 {
			if pins.powerGood, err = openPin(r.PowerGood, "in"); err != nil {
				if pins.enable != nil {
					_ = pins.enable.io.Unexport()
				}
				rp.Close()
				return nil, err
			}
		}
		rp.rails[id] = pins
	}
	return rp, nil
}

// SetEnabled drives the enable pin of rail.
func (rp *RailPins) SetEnabled(rail perf.RailID, on bool) error {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	p := rp.rails[rail].enable
	if p == nil {
		return fmt.Errorf("%v enable: %w", rail, ErrNoPin)
	}
	log.Infof("Rail %v enable=%v", rail, on)
	return p.set(on)
}

// PowerGood reads the power-good input of rail. A rail without one is
// reported good.
func (rp *RailPins) PowerGood(rail perf.RailID) (bool, error) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	p := rp.rails[rail].powerGood
	if p == nil {
		return true, nil
	}
	return p.get()
}

func (rp *RailPins) Close() {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	for _, pins := range rp.rails {
		for _, p := range []*pin{pins.enable, pins.powerGood} {
			if p != nil {
				_ = p.io.Unexport()
			}
		}
	}
}
