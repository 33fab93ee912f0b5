package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nvmexp/lw-firmware-sub127/changeseq"
	"github.com/nvmexp/lw-firmware-sub127/perf"
)

func TestParse(t *testing.T) {
	tests := []struct {
		description string
		json        string
		want        changeseq.Options
		wantErr     bool
	}{{
		description: "empty object keeps defaults",
		json:        `{}`,
		want:        changeseq.Options{StepTimeout: changeseq.DefaultStepTimeout},
	}, {
		description: "exclusions",
		json: `{"excluded_steps": ["pcie_link_speed"], "excluded_domains": ["sysclk", "dispclk"],
			"step_timeout_ms": 20, "calibration_cache_size": 8}`,
		want: changeseq.Options{
			Exclusions:           changeseq.StepsOf(changeseq.StepPCIeLinkSpeed),
			ExcludedDomains:      perf.MaskOf(perf.ClkSys, perf.ClkDisp),
			StepTimeout:          20 * time.Millisecond,
			CalibrationCacheSize: 8,
		},
	}, {
		description: "unknown step",
		json:        `{"excluded_steps": ["reboot"]}`,
		wantErr:     true,
	}, {
		description: "unknown domain",
		json:        `{"excluded_domains": ["warpclk"]}`,
		wantErr:     true,
	}, {
		description: "unknown family",
		json:        `{"family": "gk110"}`,
		wantErr:     true,
	}, {
		description: "malformed",
		json:        `{"family":`,
		wantErr:     true,
	}}
	for _, test := range tests {
		t.Run(test.description, func(t *testing.T) {
			c, err := Parse(strings.NewReader(test.json))
			if (err != nil) != test.wantErr {
				t.Fatalf("Parse err = %v, wantErr %v", err, test.wantErr)
			}
			if err != nil {
				return
			}
			got, err := c.SequencerOptions()
			if err != nil {
				t.Fatalf("SequencerOptions: %v", err)
			}
			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Errorf("options mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoadBoard(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFile)
	body := `{
		"family": "evalboard",
		"board": {
			"i2c_bus": "3",
			"vrm_addr": 96,
			"rails": {"logic": {"page": 0, "min_uv": 600000, "max_uv": 1100000, "enable": {"pin": 12}}},
			"calibration": {"xbar_for_mclk": {"6000": 1500}}
		}
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Family != FamilyEvalBoard {
		t.Errorf("Family = %q", c.Family)
	}
	want := Board{
		I2CBus:  "3",
		VRMAddr: 0x60,
		Rails: map[string]Rail{
			"logic": {Page: 0, MinUV: 600000, MaxUV: 1100000, Enable: Pin{Pin: 12}},
		},
		AckLine:     Line{Chip: "gpiochip0", Offset: 17},
		ClkDev:      "/dev/perfclk0",
		Calibration: Calibration{XbarForMclk: map[uint32]uint32{6000: 1500}},
	}
	if diff := cmp.Diff(want, c.Board); diff != "" {
		t.Errorf("board mismatch (-want +got):\n%s", diff)
	}
	if c.RPCAddr != ":4028" {
		t.Errorf("RPCAddr = %q, want the default", c.RPCAddr)
	}
}
