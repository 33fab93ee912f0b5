// Package config reads perfseq.json, the board and sequencer configuration.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nvmexp/lw-firmware-sub127/changeseq"
	"github.com/nvmexp/lw-firmware-sub127/log"
	"github.com/nvmexp/lw-firmware-sub127/perf"
)

const (
	ConfigFile   = "perfseq.json"
	ConfigDirEnv = "PERFSEQ_CONFIG_DIR"

	FamilySim       = "sim"
	FamilyEvalBoard = "evalboard"
)

// Pin is a sysfs GPIO, as exported under /sys/class/gpio. Pin 0 means not
// wired.
type Pin struct {
	Pin       int  `json:"pin,omitempty"`
	ActiveLow bool `json:"active_low,omitempty"`
}

// Line is a GPIO character-device line.
type Line struct {
	Chip   string `json:"chip,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// Rail describes one regulator output on the board.
type Rail struct {
	// Page is the PMBus PAGE of the output.
	Page      uint8  `json:"page"`
	MinUV     uint32 `json:"min_uv,omitempty"`
	MaxUV     uint32 `json:"max_uv,omitempty"`
	Enable    Pin    `json:"enable,omitempty"`
	PowerGood Pin    `json:"power_good,omitempty"`
}

// Calibration is the board's xbar and voltage-floor tables.
type Calibration struct {
	// XbarForMclk maps mclk MHz to the minimum xbar MHz.
	XbarForMclk   map[uint32]uint32 `json:"xbar_for_mclk,omitempty"`
	LogicUVPerMHz uint32            `json:"logic_uv_per_mhz,omitempty"`
	LogicBaseUV   uint32            `json:"logic_base_uv,omitempty"`
}

// Board is the eval board wiring.
type Board struct {
	I2CBus  string          `json:"i2c_bus,omitempty"`
	VRMAddr uint16          `json:"vrm_addr,omitempty"`
	Rails   map[string]Rail `json:"rails,omitempty"`
	// AckLine signals completion of a clock switch.
	AckLine      Line        `json:"ack_line,omitempty"`
	ClkDev       string      `json:"clk_dev,omitempty"`
	Present      []string    `json:"present,omitempty"`
	Programmable []string    `json:"programmable,omitempty"`
	Calibration  Calibration `json:"calibration,omitempty"`
}

type LowPower struct {
	Enabled             bool `json:"enabled,omitempty"`
	MinChangeIntervalMs int  `json:"min_change_interval_ms,omitempty"`
	RefreshMs           int  `json:"refresh_ms,omitempty"`
	// GatedRail is the rail switched off while engaged.
	GatedRail string `json:"gated_rail,omitempty"`
}

// This is the debug struct for the perfseq.json file
// NO PRODUCTION CODE SHOULD USE THIS
type Debug struct {
	Verbose bool `json:"verbose,omitempty"`
	// AckDelayMs slows the simulated chip down.
	AckDelayMs int `json:"ack_delay_ms,omitempty"`
	// SkipBoardInit opens no devices on the eval board.
	SkipBoardInit bool `json:"skip_board_init,omitempty"`
}

type Config struct {
	Family               string   `json:"family,omitempty"`
	ExcludedSteps        []string `json:"excluded_steps,omitempty"`
	ExcludedDomains      []string `json:"excluded_domains,omitempty"`
	StepTimeoutMs        int      `json:"step_timeout_ms,omitempty"`
	CalibrationCacheSize int      `json:"calibration_cache_size,omitempty"`
	StatusAddr           string   `json:"status_addr,omitempty"`
	RPCAddr              string   `json:"rpc_addr,omitempty"`
	Board                Board    `json:"board,omitempty"`
	LowPower             LowPower `json:"lowpower,omitempty"`
	Debug                Debug    `json:"debug,omitempty"`
}

// Default is used for every field perfseq.json leaves out.
func Default() *Config {
	return &Config{
		Family:        FamilySim,
		StepTimeoutMs: int(changeseq.DefaultStepTimeout / time.Millisecond),
		StatusAddr:    ":8480",
		RPCAddr:       ":4028",
		Board: Board{
			I2CBus:  "1",
			VRMAddr: 0x40,
			AckLine: Line{Chip: "gpiochip0", Offset: 17},
			ClkDev:  "/dev/perfclk0",
		},
	}
}

var (
	cfgOnce sync.Once
	cfg     *Config
	cfgErr  error
)

// Read loads perfseq.json from $PERFSEQ_CONFIG_DIR once. A missing file
// yields the defaults.
func Read() (*Config, error) {
	cfgOnce.Do(func() {
		path := filepath.Join(os.Getenv(ConfigDirEnv), ConfigFile)
		cfg, cfgErr = Load(path)
		if os.IsNotExist(cfgErr) {
			log.Infof("%s not found, using defaults", path)
			cfg, cfgErr = Default(), nil
		}
	})
	return cfg, cfgErr
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	c, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	log.Debugf("config %+v", c)
	return c, nil
}

// Parse decodes a config over the defaults and validates it.
func Parse(r io.Reader) (*Config, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	c := Default()
	if err := json.Unmarshal(b, c); err != nil {
		return nil, err
	}
	if _, err := c.SequencerOptions(); err != nil {
		return nil, err
	}
	switch c.Family {
	case FamilySim, FamilyEvalBoard:
	default:
		return nil, fmt.Errorf("unknown chip family %q", c.Family)
	}
	return c, nil
}

func (c *Config) StepTimeout() time.Duration {
	return time.Duration(c.StepTimeoutMs) * time.Millisecond
}

// SequencerOptions converts the named exclusions into masks.
func (c *Config) SequencerOptions() (changeseq.Options, error) {
	steps, err := changeseq.ParseStepMask(c.ExcludedSteps)
	if err != nil {
		return changeseq.Options{}, err
	}
	domains, err := ParseDomains(c.ExcludedDomains)
	if err != nil {
		return changeseq.Options{}, err
	}
	return changeseq.Options{
		Exclusions:           steps,
		ExcludedDomains:      domains,
		StepTimeout:          c.StepTimeout(),
		CalibrationCacheSize: c.CalibrationCacheSize,
	}, nil
}

func ParseDomains(names []string) (perf.DomainMask, error) {
	var m perf.DomainMask
	for _, n := range names {
		d, err := perf.ParseClockDomain(n)
		if err != nil {
			return 0, err
		}
		m = m.With(d)
	}
	return m, nil
}
